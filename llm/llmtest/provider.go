// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"errors"
	"sync"

	"nexus/llm"
)

// ErrExhausted is returned once every scripted response was consumed.
var ErrExhausted = errors.New("llmtest: no scripted response left")

// Provider replays scripted responses in order. Streaming splits each
// response into ChunkSize-byte chunks (whole response when zero).
type Provider struct {
	Responses []string
	ChunkSize int
	// Err is returned by the first FailTimes calls, or by every call when
	// FailTimes is zero.
	Err       error
	FailTimes int
	Usage     llm.Usage

	mu       sync.Mutex
	requests []*llm.ChatRequest
	next     int
}

// New returns a provider that answers with responses in order.
func New(responses ...string) *Provider {
	return &Provider{Responses: responses}
}

// Failing returns a provider whose calls all fail with err.
func Failing(err error) *Provider {
	return &Provider{Err: err}
}

// Requests returns a copy of every request received.
func (p *Provider) Requests() []*llm.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.ChatRequest(nil), p.requests...)
}

// Calls returns the number of requests received.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *Provider) take(req *llm.ChatRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.Err != nil && (p.FailTimes == 0 || len(p.requests) <= p.FailTimes) {
		return "", p.Err
	}
	if p.next >= len(p.Responses) {
		return "", ErrExhausted
	}
	resp := p.Responses[p.next]
	p.next++
	return resp, nil
}

func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := p.take(req)
	if err != nil {
		return nil, err
	}
	return &llm.ChatResponse{ID: "fake", Content: content, FinishReason: "stop", Usage: p.Usage}, nil
}

func (p *Provider) ChatStream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	content, err := p.take(req)
	if err != nil {
		return nil, err
	}
	size := p.ChunkSize
	if size <= 0 {
		size = len(content)
	}
	usage := p.Usage
	chunks := make(chan llm.StreamChunk)
	go func() {
		defer close(chunks)
		for start := 0; start < len(content); start += size {
			end := min(start+size, len(content))
			select {
			case chunks <- llm.StreamChunk{Content: content[start:end]}:
			case <-ctx.Done():
				chunks <- llm.StreamChunk{Error: ctx.Err(), Done: true}
				return
			}
		}
		chunks <- llm.StreamChunk{Done: true, Usage: &usage}
	}()
	return chunks, nil
}
