package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"nexus/protocol"
	"nexus/store"
	"nexus/tasks"
)

// run is the state of one live task. All events for the task go through
// emit, which numbers them and drops anything after the terminal event.
type run struct {
	o      *Orchestrator
	logger hclog.Logger

	taskID    string
	userID    string
	runID     string
	command   string
	route     RouteInfo
	yamlMap   *store.YamlMap
	yamlText  string
	mode      string
	origin    string
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	seq      uint64
	terminal bool
	progress int

	// Only the consuming goroutine touches the buffers.
	callBuf    strings.Builder
	thoughtBuf strings.Builder
}

// emit stamps ev and publishes it. It returns false when the task already
// emitted its terminal event.
func (r *run) emit(ev *protocol.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.emitLocked(ev)
}

// emitLocked is emit for callers already holding r.mu.
func (r *run) emitLocked(ev *protocol.Event) bool {
	if r.terminal {
		r.logger.Debug("dropping event after terminal", "event", ev.Event)
		return false
	}
	r.seq++
	ev.Seq = r.seq
	ev.TaskID = r.taskID
	ev.UserID = r.userID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if protocol.IsTerminal(ev.Event) {
		r.terminal = true
	}
	r.o.bus.Publish(ev.Event, ev)
	return true
}

// advance moves progress to p, clamped to 1..99 and never backwards, and
// emits stepProgress.
func (r *run) advance(p int, message string) {
	if p < 1 {
		p = 1
	}
	if p > 99 {
		p = 99
	}
	r.mu.Lock()
	if p < r.progress {
		p = r.progress
	}
	r.progress = p
	r.mu.Unlock()

	if _, err := r.o.tasks.UpdateTask(r.taskID, func(t *tasks.Task) error {
		t.Progress = p
		return nil
	}); err != nil {
		r.logger.Debug("progress not recorded", "progress", p, "error", err)
		return
	}
	now := time.Now()
	r.emit(&protocol.Event{
		Event:     protocol.EventStepProgress,
		Timestamp: now,
		Progress:  protocol.IntPtr(p),
		Message:   message,
		Item: &protocol.Item{
			Type:      "progress",
			Title:     "Progress",
			Content:   message,
			Progress:  protocol.IntPtr(p),
			Timestamp: now,
		},
	})
}

// log appends a step log entry and mirrors it as a planLog event.
func (r *run) log(kind tasks.StepLogType, message string, step int, data any) {
	entry := tasks.StepLog{Type: kind, Message: message, Timestamp: time.Now(), Data: data}
	if step > 0 {
		entry.StepNumber = &step
	}
	if err := r.o.tasks.AddStepLog(r.taskID, entry); err != nil {
		r.logger.Debug("step log not recorded", "error", err)
	}
	ev := &protocol.Event{Event: protocol.EventPlanLog, Message: message, Data: map[string]any{"type": string(kind)}}
	if step > 0 {
		ev.Data["step"] = step
	}
	r.emit(ev)
}

// bufferCall appends a function-call chunk and records every complete JSON
// object or array the buffer now holds. Text before a brace is discarded,
// and so is a value that can no longer become valid JSON.
func (r *run) bufferCall(chunk string) {
	r.callBuf.WriteString(chunk)
	raw := r.callBuf.String()
	defer func() {
		r.callBuf.Reset()
		r.callBuf.WriteString(raw)
	}()

	for {
		i := strings.IndexAny(raw, "{[")
		if i < 0 {
			raw = ""
			return
		}
		raw = raw[i:]

		dec := json.NewDecoder(strings.NewReader(raw))
		var args any
		err := dec.Decode(&args)
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			next := strings.IndexAny(raw[1:], "{[")
			dropped := raw
			if next >= 0 {
				dropped = raw[:next+1]
			}
			r.logger.Debug("discarding malformed function call", "text", dropped, "error", err)
			raw = raw[len(dropped):]
			continue
		}
		raw = raw[dec.InputOffset():]
		r.recordCall(args)
	}
}

func (r *run) recordCall(args any) {
	entry := tasks.StepLog{Type: tasks.LogFunctionCall, Message: "function call", Timestamp: time.Now(), Data: args}
	if err := r.o.tasks.AddStepLog(r.taskID, entry); err != nil {
		r.logger.Debug("function call not recorded", "error", err)
	}
	r.emit(&protocol.Event{
		Event: protocol.EventFunctionCallPartial,
		Data:  map[string]any{"args": args},
	})
}

func (r *run) bufferThought(chunk string) {
	r.thoughtBuf.WriteString(chunk)
	r.emit(&protocol.Event{
		Event:   protocol.EventThoughtUpdate,
		Message: chunk,
		Data:    map[string]any{"content": r.thoughtBuf.String()},
	})
}

// finishThought records the buffered thought, persists it as an assistant
// message and emits thoughtComplete.
func (r *run) finishThought() {
	text := strings.TrimSpace(r.thoughtBuf.String())
	r.thoughtBuf.Reset()
	if text == "" {
		return
	}
	entry := tasks.StepLog{Type: tasks.LogThought, Message: text, Timestamp: time.Now()}
	if err := r.o.tasks.AddStepLog(r.taskID, entry); err != nil {
		r.logger.Debug("thought not recorded", "error", err)
	}
	r.emit(&protocol.Event{Event: protocol.EventThoughtComplete, Message: text})
	r.persistMessage("thought", text)
}

// persistMessage appends an assistant message to the chat history and
// announces it with nliResponsePersisted.
func (r *run) persistMessage(kind, content string) {
	if r.o.stores == nil || r.o.stores.Messages == nil {
		return
	}
	id, err := r.o.stores.Messages.AppendMessage(store.Message{
		UserID:    r.userID,
		Role:      "assistant",
		Type:      kind,
		Content:   content,
		TaskID:    r.taskID,
		Timestamp: time.Now(),
	})
	if err != nil {
		r.logger.Warn("failed to persist message", "type", kind, "error", err)
		return
	}
	r.emit(&protocol.Event{
		Event:   protocol.EventNLIResponsePersisted,
		Message: content,
		Data:    map[string]any{"messageId": id, "type": kind},
	})
}

func (r *run) notify(message string) {
	r.emit(&protocol.Event{Event: protocol.EventNotification, Message: message})
}
