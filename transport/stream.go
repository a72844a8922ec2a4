// Package transport delivers bus events to clients: a submission-scoped
// SSE stream per task and a session-scoped WebSocket per user.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"nexus/eventbus"
	"nexus/protocol"
)

const defaultHeartbeat = 15 * time.Second

// Stream buffers one task's SSE events from the moment it is opened until
// the first terminal event. The queue is unbounded so publishers never
// block on a slow reader.
type Stream struct {
	taskID    string
	logger    hclog.Logger
	heartbeat time.Duration

	mu       sync.Mutex
	queue    []*protocol.Event
	finished bool

	notify      chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	unsubscribe func()
}

// OpenStream subscribes to taskID's SSE events on bus. Open it before the
// task starts so no event is missed.
func OpenStream(bus *eventbus.Bus, taskID string, logger hclog.Logger) *Stream {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Stream{
		taskID:    taskID,
		logger:    logger.Named("sse").With("task_id", taskID),
		heartbeat: defaultHeartbeat,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.unsubscribe = bus.SubscribeMany(protocol.SSEEvents, s.onEvent)
	return s
}

// WithHeartbeat overrides the keep-alive comment interval.
func (s *Stream) WithHeartbeat(d time.Duration) *Stream {
	s.heartbeat = d
	return s
}

// TaskID returns the task the stream follows.
func (s *Stream) TaskID() string {
	return s.taskID
}

func (s *Stream) onEvent(ev *protocol.Event) {
	if ev.TaskID != s.taskID {
		return
	}
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	terminal := protocol.IsTerminal(ev.Event)
	if terminal {
		s.finished = true
	}
	s.mu.Unlock()

	if terminal {
		s.unsubscribe()
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pop removes the next queued event. ended is true once the queue is
// drained and no more events will arrive.
func (s *Stream) pop() (ev *protocol.Event, ended bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 {
		ev = s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		return ev, false
	}
	if s.finished {
		return nil, true
	}
	select {
	case <-s.done:
		return nil, true
	default:
	}
	return nil, false
}

// Next blocks for the next event. It returns io.EOF after the terminal
// event was delivered or the stream was closed.
func (s *Stream) Next(ctx context.Context) (*protocol.Event, error) {
	for {
		ev, ended := s.pop()
		if ev != nil {
			return ev, nil
		}
		if ended {
			return nil, io.EOF
		}
		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close stops buffering. Events already queued can still be read.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.unsubscribe()
		close(s.done)
	})
	return nil
}

// ServeHTTP writes the stream as server-sent events until the terminal
// event, Close, or client disconnect.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		for {
			ev, ended := s.pop()
			if ev == nil {
				if ended {
					return
				}
				break
			}
			if err := writeSSE(w, ev); err != nil {
				s.logger.Debug("sse write failed", "error", err)
				return
			}
			flusher.Flush()
		}

		select {
		case <-s.notify:
		case <-s.done:
		case <-ticker.C:
			if _, err := io.WriteString(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			s.logger.Debug("sse client disconnected")
			return
		}
	}
}

func writeSSE(w io.Writer, ev *protocol.Event) error {
	data, err := ev.Encode()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Event, data)
	return err
}
