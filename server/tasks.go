package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"nexus/orchestrator"
	"nexus/store"
	"nexus/tasks"
)

// handleNLI submits the prompt and streams the task's events as SSE.
func (s *Server) handleNLI(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := requestUser(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "userId is required")
		return
	}

	sub, err := s.deps.Orchestrator.Submit(r.Context(), orchestrator.SubmitRequest{
		UserID:    userID,
		Command:   q.Get("prompt"),
		YamlMapID: q.Get("yamlMapId"),
		Mode:      q.Get("mode"),
		Origin:    s.opts.Origin,
	})
	if err != nil {
		s.logger.Debug("submit rejected", "user_id", userID, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.Header().Set("X-Task-Id", sub.TaskID)
	sub.Stream.ServeHTTP(w, r)
}

type cancelRequest struct {
	Reason string `json:"reason"`
	UserID string `json:"userId"`
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	var req cancelRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = requestUser(r)
	}

	t, err := s.deps.Orchestrator.GetState(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if userID != "" && t.UserID != userID {
		writeError(w, http.StatusForbidden, "Task belongs to another user")
		return
	}

	if err := s.deps.Orchestrator.Cancel(taskID, req.Reason); err != nil {
		if errors.Is(err, orchestrator.ErrAlreadyTerminal) {
			writeError(w, http.StatusConflict, "Task already finished")
			return
		}
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleGetTask returns the live task, or its persisted record once the
// task has left memory.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskId")
	if t, err := s.deps.Orchestrator.GetState(taskID); err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": t})
		return
	}
	if s.deps.Stores != nil && s.deps.Stores.Tasks != nil {
		rec, err := s.deps.Stores.Tasks.GetTask(taskID)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "task": rec})
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("task lookup failed", "task_id", taskID, "error", err)
		}
	}
	writeError(w, http.StatusNotFound, "Task not found")
}

type activeTask struct {
	ID        string       `json:"id"`
	Command   string       `json:"command"`
	Route     tasks.Route  `json:"route"`
	Status    tasks.Status `json:"status"`
	Progress  int          `json:"progress"`
	StartTime time.Time    `json:"startTime"`
}

func (s *Server) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	out := []activeTask{}
	for _, id := range s.deps.Orchestrator.Active() {
		t, err := s.deps.Orchestrator.GetState(id)
		if err != nil || (userID != "" && t.UserID != userID) {
			continue
		}
		out = append(out, activeTask{
			ID:        t.ID,
			Command:   t.Command,
			Route:     t.Route,
			Status:    t.Status,
			Progress:  t.Progress,
			StartTime: t.StartTime,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tasks": out})
}

// handleHistory serves ?limit&since&sort. since accepts RFC 3339 or unix
// milliseconds.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "userId is required")
		return
	}
	q := r.URL.Query()
	hq := store.HistoryQuery{Sort: q.Get("sort")}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		hq.Limit = n
	}
	if v := q.Get("since"); v != "" {
		since, err := parseSince(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		hq.Since = since
	}

	msgs, err := s.deps.Stores.Messages.History(userID, hq)
	if err != nil {
		s.logger.Error("history query failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "messages": msgs})
}

func parseSince(v string) (time.Time, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, v)
}
