package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"nexus/store"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrAlreadyTerminal   = errors.New("task already in a terminal state")
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// DefaultRetention is how many finished tasks stay in memory.
const DefaultRetention = 200

// Stream is a delivery channel attached to a task, closed when the task
// is torn down.
type Stream interface {
	Close() error
}

// Persister receives the task record on every status change.
type Persister interface {
	SaveTask(rec store.TaskRecord) error
}

type entry struct {
	mu      sync.Mutex
	task    *Task
	streams []Stream
}

// Store is the authoritative in-memory task table. Each task has a single
// writer (its orchestrator run); readers get copies.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	active    []string
	finished  []string
	retain    int
	persister Persister
	logger    hclog.Logger
}

// NewStore creates a task store. persister may be nil.
func NewStore(persister Persister, logger hclog.Logger) *Store {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{
		entries:   make(map[string]*entry),
		retain:    DefaultRetention,
		persister: persister,
		logger:    logger.Named("tasks"),
	}
}

// WithRetention sets how many finished tasks are kept; older ones are
// dropped from memory once they have been handed to the persister.
func (s *Store) WithRetention(n int) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retain = max(n, 1)
	return s
}

// AddTask inserts t. A second call with the same id only updates status
// and progress, subject to the state machine.
func (s *Store) AddTask(t Task) error {
	if t.ID == "" {
		return fmt.Errorf("add task: empty id")
	}
	if t.Status == "" {
		t.Status = StatusPending
	}

	s.mu.Lock()
	e, exists := s.entries[t.ID]
	if !exists {
		if t.StartTime.IsZero() {
			t.StartTime = time.Now()
		}
		e = &entry{task: t.clone()}
		s.entries[t.ID] = e
		if !t.Status.Terminal() {
			s.active = append(s.active, t.ID)
		}
		s.mu.Unlock()
		s.persist(e.task)
		if t.Status.Terminal() {
			s.deactivate(t.ID)
		}
		return nil
	}
	s.mu.Unlock()

	_, err := s.UpdateTask(t.ID, func(cur *Task) error {
		cur.Status = t.Status
		cur.Progress = t.Progress
		return nil
	})
	return err
}

// UpdateTask applies fn to the task under its lock and validates the result:
// the status change must be allowed, progress never decreases except the
// reset to 0 on error, completed forces progress 100 and error requires an
// error value. On any violation the task is left unchanged.
func (s *Store) UpdateTask(id string, fn func(*Task) error) (*Task, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	prev := e.task
	next := prev.clone()
	if err := fn(next); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	next.ID = prev.ID

	if prev.Status.Terminal() {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyTerminal, prev.Status)
	}
	if next.Status != prev.Status && !CanTransition(prev.Status, next.Status) {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev.Status, next.Status)
	}

	switch next.Status {
	case StatusCompleted:
		next.Progress = 100
	case StatusError:
		if next.Error == nil {
			e.mu.Unlock()
			return nil, fmt.Errorf("update task %s: error status without error", id)
		}
		next.Progress = 0
	default:
		if next.Progress > 100 {
			next.Progress = 100
		}
		if next.Progress < prev.Progress {
			next.Progress = prev.Progress
		}
	}
	if len(next.StepLogs) < len(prev.StepLogs) {
		e.mu.Unlock()
		return nil, fmt.Errorf("update task %s: step logs are append-only", id)
	}
	if next.Status.Terminal() && next.EndTime == nil {
		now := time.Now()
		next.EndTime = &now
	}

	e.task = next
	out := next.clone()
	statusChanged := next.Status != prev.Status
	e.mu.Unlock()

	if statusChanged {
		s.persist(out)
	}
	if next.Status.Terminal() {
		s.deactivate(id)
	}
	return out, nil
}

// GetState returns a copy of the task.
func (s *Store) GetState(id string) (*Task, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.clone(), nil
}

// AddStepLog appends to the task's execution log.
func (s *Store) AddStepLog(id string, log StepLog) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now()
	}
	e.mu.Lock()
	e.task.StepLogs = append(e.task.StepLogs, log)
	e.mu.Unlock()
	return nil
}

// AddIntermediate records r if it carries a screenshot and reports whether
// it was kept.
func (s *Store) AddIntermediate(id string, r IntermediateResult) (bool, error) {
	e, err := s.get(id)
	if err != nil {
		return false, err
	}
	if !r.HasScreenshot() {
		return false, nil
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now()
	}
	e.mu.Lock()
	e.task.Results = append(e.task.Results, r)
	e.mu.Unlock()
	return true, nil
}

func (s *Store) GetIntermediateResults(id string) ([]IntermediateResult, error) {
	t, err := s.GetState(id)
	if err != nil {
		return nil, err
	}
	return t.Results, nil
}

func (s *Store) GetStepLogs(id string) ([]StepLog, error) {
	t, err := s.GetState(id)
	if err != nil {
		return nil, err
	}
	return t.StepLogs, nil
}

// CancelTask moves a pending or processing task to cancelled.
func (s *Store) CancelTask(id, reason string) (*Task, error) {
	e, err := s.get(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	terminal := e.task.Status.Terminal()
	e.mu.Unlock()
	if terminal {
		return nil, ErrAlreadyTerminal
	}
	return s.UpdateTask(id, func(t *Task) error {
		t.Status = StatusCancelled
		t.Error = &TaskError{Message: reason}
		t.StepLogs = append(t.StepLogs, StepLog{Type: LogStep, Message: "cancelled: " + reason, Timestamp: time.Now()})
		return nil
	})
}

// AddStream attaches a delivery stream to the task.
func (s *Store) AddStream(id string, stream Stream) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.streams = append(e.streams, stream)
	e.mu.Unlock()
	return nil
}

// Streams returns the streams attached to the task.
func (s *Store) Streams(id string) []Stream {
	e, err := s.get(id)
	if err != nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Stream(nil), e.streams...)
}

// Active lists non-terminal task ids in submission order.
func (s *Store) Active() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.active...)
}

// Len returns the number of tasks held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) get(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// deactivate moves id from the active list to the finished list and
// evicts the oldest finished tasks beyond the retention limit.
func (s *Store) deactivate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.active {
		if a == id {
			s.active = append(s.active[:i:i], s.active[i+1:]...)
			break
		}
	}
	s.finished = append(s.finished, id)
	for len(s.finished) > s.retain {
		old := s.finished[0]
		s.finished = s.finished[1:]
		delete(s.entries, old)
		s.logger.Trace("evicted finished task", "task_id", old)
	}
}

func (s *Store) persist(t *Task) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveTask(Record(t)); err != nil {
		s.logger.Warn("failed to persist task", "task_id", t.ID, "error", err)
	}
}

// Record converts a task to its persisted form.
func Record(t *Task) store.TaskRecord {
	rec := store.TaskRecord{
		ID:         t.ID,
		UserID:     t.UserID,
		Command:    t.Command,
		Route:      string(t.Route),
		RunID:      t.RunID,
		YamlMapID:  t.YamlMapID,
		Status:     string(t.Status),
		Progress:   t.Progress,
		StartedAt:  t.StartTime,
		FinishedAt: t.EndTime,
	}
	if t.Result != nil {
		if data, err := json.Marshal(t.Result); err == nil {
			s := string(data)
			rec.ResultJSON = &s
		}
	}
	if t.Error != nil {
		msg := t.Error.Message
		rec.Error = &msg
	}
	return rec
}
