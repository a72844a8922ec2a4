package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// droppedImageMarker replaces screenshots stripped from older turns.
const droppedImageMarker = "[screenshot omitted]"

// Session is a multi-turn conversation with one model. It is not safe for
// concurrent use; each planning run owns its session.
type Session struct {
	provider      Provider
	model         string
	systemPrompts []string
	messages      []Message
	debugFile     *os.File
	turnLogger    *TurnLogger
	stopSequences []string
	temperature   float64
	maxTokens     int
	usage         Usage
}

func NewSession(provider Provider, model string, systemPrompts ...string) *Session {
	return &Session{
		provider:      provider,
		model:         model,
		systemPrompts: systemPrompts,
		messages:      []Message{},
	}
}

// EnableDebug opens a debug file for logging all messages and a JSONL turn
// log next to it.
func (s *Session) EnableDebug(filename string) error {
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	s.debugFile = f

	tl, err := NewTurnLogger(strings.TrimSuffix(filename, ".log") + ".turns.jsonl")
	if err == nil {
		s.turnLogger = tl
	}

	// Log existing system prompts
	for i, prompt := range s.systemPrompts {
		s.logMessage(fmt.Sprintf("System Prompt %d", i+1), prompt)
	}

	return nil
}

// Close closes any open resources
func (s *Session) Close() {
	if s.debugFile != nil {
		s.debugFile.Close()
	}
	if s.turnLogger != nil {
		s.turnLogger.Close()
	}
}

func (s *Session) logMessage(label string, content string) {
	if s.debugFile == nil {
		return
	}
	timestamp := time.Now().Format(time.RFC3339)
	fmt.Fprintf(s.debugFile, "[%s] === %s ===\n%s\n\n", timestamp, label, content)
}

func (s *Session) SetStopSequences(sequences []string) {
	s.stopSequences = sequences
}

// SetSampling sets temperature and max tokens for subsequent turns.
func (s *Session) SetSampling(temperature float64, maxTokens int) {
	s.temperature = temperature
	s.maxTokens = maxTokens
}

func (s *Session) GetHistory() []Message {
	return s.messages
}

// Usage returns the accumulated token usage of the session.
func (s *Session) Usage() Usage {
	return s.usage
}

// buildMessagesWithMessage builds the full message list including a multimodal message
func (s *Session) buildMessagesWithMessage(userMsg Message) []Message {
	var msgs []Message

	// Add system prompts first
	for _, sp := range s.systemPrompts {
		msgs = append(msgs, Message{Role: RoleSystem, Content: sp})
	}

	// Add conversation history
	msgs = append(msgs, s.messages...)

	// Add the new user message
	msgs = append(msgs, userMsg)

	return msgs
}

// SendStream sends a text message and streams the response.
func (s *Session) SendStream(ctx context.Context, userMessage string, onChunk func(StreamChunk)) (*ChatResponse, error) {
	return s.SendMessageStream(ctx, NewTextMessage(RoleUser, userMessage), onChunk)
}

// SendMessageStream sends a multimodal message and streams the response.
// onChunk runs on the caller's goroutine, in order.
func (s *Session) SendMessageStream(ctx context.Context, userMsg Message, onChunk func(StreamChunk)) (*ChatResponse, error) {
	// Log text content for debugging (images are not logged)
	s.logMessage("User Message", userMsg.GetTextContent())
	for _, part := range userMsg.Parts {
		if part.Type == ContentTypeImage && part.ImageData != nil {
			s.logMessage("User Message Image", fmt.Sprintf("[Image: %s, %d bytes]", part.ImageData.MediaType, len(part.ImageData.Data)))
		}
	}

	req := &ChatRequest{
		Model:         s.model,
		Messages:      s.buildMessagesWithMessage(userMsg),
		StopSequences: s.stopSequences,
		Temperature:   s.temperature,
		MaxTokens:     s.maxTokens,
	}

	stream, err := s.provider.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}

	var contentBuilder strings.Builder
	var lastChunk StreamChunk

	for chunk := range stream {
		if chunk.Error != nil {
			return nil, chunk.Error
		}

		contentBuilder.WriteString(chunk.Content)

		if onChunk != nil {
			onChunk(chunk)
		}

		lastChunk = chunk
	}

	content := contentBuilder.String()

	s.logMessage("LLM Response", content)

	resp := &ChatResponse{
		ID:      uuid.New().String(),
		Content: content,
	}

	// Capture usage from the final chunk if provider included it
	if lastChunk.Usage != nil {
		resp.Usage = *lastChunk.Usage
		s.usage.Add(resp.Usage)
	}

	s.messages = append(s.messages, userMsg)
	s.messages = append(s.messages, Message{Role: RoleAssistant, Content: content})

	if s.turnLogger != nil {
		s.turnLogger.LogTurn("turn", s.buildMessagesWithMessage(Message{Role: RoleUser}))
	}

	return resp, nil
}

// DropImages replaces image parts in all but the last keepLast user messages
// with a text marker. Screenshots dominate the context of a browsing
// conversation and only the recent ones matter to the planner.
// Returns the number of images dropped.
func (s *Session) DropImages(keepLast int) int {
	dropped := 0
	seen := 0
	for i := len(s.messages) - 1; i >= 0; i-- {
		msg := &s.messages[i]
		if msg.Role != RoleUser || !msg.HasImage() {
			continue
		}
		seen++
		if seen <= keepLast {
			continue
		}
		parts := make([]ContentBlock, 0, len(msg.Parts))
		for _, p := range msg.Parts {
			if p.Type == ContentTypeImage {
				parts = append(parts, ContentBlock{Type: ContentTypeText, Text: droppedImageMarker})
				dropped++
				continue
			}
			parts = append(parts, p)
		}
		msg.Parts = parts
	}
	if dropped > 0 {
		s.logMessage("Compaction", fmt.Sprintf("Dropped %d screenshots from older turns", dropped))
	}
	return dropped
}
