package streamers

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"nexus/store"
	"nexus/tasks"
)

// StoringTaskHandler is a TaskHandler decorator that keeps a record of
// every observed task in a TaskStore, then delegates to an inner handler
// (e.g. the CLI).
type StoringTaskHandler struct {
	inner   TaskHandler
	records store.TaskStore
	userID  string
	logger  hclog.Logger

	mu   sync.Mutex
	open map[string]*store.TaskRecord
}

// NewStoringTaskHandler wraps inner with task persistence. Records are
// attributed to userID.
func NewStoringTaskHandler(inner TaskHandler, records store.TaskStore, userID string, logger hclog.Logger) *StoringTaskHandler {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &StoringTaskHandler{
		inner:   inner,
		records: records,
		userID:  userID,
		logger:  logger.Named("recorder"),
		open:    make(map[string]*store.TaskRecord),
	}
}

// update applies fn to the task's record and saves it, logging (not
// failing) on error.
func (h *StoringTaskHandler) update(taskID string, fn func(*store.TaskRecord)) {
	h.mu.Lock()
	rec, ok := h.open[taskID]
	if !ok {
		rec = &store.TaskRecord{
			ID:        taskID,
			UserID:    h.userID,
			Status:    string(tasks.StatusProcessing),
			StartedAt: time.Now(),
		}
		h.open[taskID] = rec
	}
	fn(rec)
	snapshot := *rec
	if tasks.Status(rec.Status).Terminal() {
		delete(h.open, taskID)
	}
	h.mu.Unlock()

	if err := h.records.SaveTask(snapshot); err != nil {
		h.logger.Warn("failed to store task record", "task_id", taskID, "error", err)
	}
}

func (h *StoringTaskHandler) finish(rec *store.TaskRecord, status tasks.Status, result *tasks.ResultBundle) {
	now := time.Now()
	rec.Status = string(status)
	rec.FinishedAt = &now
	if result == nil {
		return
	}
	if data, err := json.Marshal(result); err == nil {
		s := string(data)
		rec.ResultJSON = &s
	}
}

func (h *StoringTaskHandler) TaskStarted(taskID, command string) {
	h.update(taskID, func(rec *store.TaskRecord) {
		rec.Command = command
	})
	h.inner.TaskStarted(taskID, command)
}

func (h *StoringTaskHandler) Progress(taskID string, percent int, message string) {
	h.mu.Lock()
	rec, ok := h.open[taskID]
	if ok && percent > rec.Progress {
		rec.Progress = percent
	}
	h.mu.Unlock()
	h.inner.Progress(taskID, percent, message)
}

func (h *StoringTaskHandler) PlanLog(taskID, message string) {
	h.inner.PlanLog(taskID, message)
}

func (h *StoringTaskHandler) ThoughtChunk(taskID, chunk string) {
	h.inner.ThoughtChunk(taskID, chunk)
}

func (h *StoringTaskHandler) ThoughtComplete(taskID, text string) {
	h.inner.ThoughtComplete(taskID, text)
}

func (h *StoringTaskHandler) FunctionCall(taskID string, args any) {
	h.inner.FunctionCall(taskID, args)
}

func (h *StoringTaskHandler) Screenshot(taskID, title, location string) {
	h.inner.Screenshot(taskID, title, location)
}

func (h *StoringTaskHandler) Notification(message string) {
	h.inner.Notification(message)
}

func (h *StoringTaskHandler) TaskCompleted(taskID string, result *tasks.ResultBundle) {
	h.update(taskID, func(rec *store.TaskRecord) {
		h.finish(rec, tasks.StatusCompleted, result)
		rec.Progress = 100
	})
	h.inner.TaskCompleted(taskID, result)
}

func (h *StoringTaskHandler) TaskFailed(taskID string, err error, result *tasks.ResultBundle) {
	h.update(taskID, func(rec *store.TaskRecord) {
		h.finish(rec, tasks.StatusError, result)
		msg := err.Error()
		rec.Error = &msg
	})
	h.inner.TaskFailed(taskID, err, result)
}
