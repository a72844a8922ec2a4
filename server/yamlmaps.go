package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"nexus/agent"
	"nexus/store"
)

const defaultSearchLimit = 20

// visible reports whether userID may read m.
func visible(m *store.YamlMap, userID string) bool {
	return m.IsPublic || m.UserID == "" || m.UserID == userID
}

func (s *Server) handleGetYamlMap(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	m, err := s.deps.Stores.YamlMaps.GetYamlMap(id)
	if err != nil || !visible(m, requestUser(r)) {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Warn("yaml map lookup failed", "id", id, "error", err)
		}
		writeError(w, http.StatusNotFound, "YAML map not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "yamlMap": m})
}

func (s *Server) handleSearchYamlMaps(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultSearchLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	maps, err := s.deps.Stores.YamlMaps.SearchYamlMaps(requestUser(r), strings.TrimSpace(q.Get("q")), limit)
	if err != nil {
		s.logger.Error("yaml map search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	if maps == nil {
		maps = []store.YamlMap{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "yamlMaps": maps})
}

type createYamlMapRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	Tags        []string `json:"tags"`
	YAML        string   `json:"yaml"`
	IsPublic    bool     `json:"isPublic"`
}

// handleCreateYamlMap stores a new map after checking its YAML parses.
func (s *Server) handleCreateYamlMap(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "userId is required")
		return
	}
	var req createYamlMapRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if _, err := agent.ParseScript(req.YAML); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.deps.Stores.YamlMaps.CreateYamlMap(store.YamlMap{
		UserID:      userID,
		Name:        req.Name,
		Description: req.Description,
		URL:         req.URL,
		Tags:        req.Tags,
		YAML:        req.YAML,
		IsPublic:    req.IsPublic,
	})
	if err != nil {
		s.logger.Error("yaml map create failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save YAML map")
		return
	}
	s.logger.Info("yaml map created", "id", id, "user_id", userID)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "id": id})
}

func (s *Server) handleDeleteYamlMap(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := requestUser(r)
	m, err := s.deps.Stores.YamlMaps.GetYamlMap(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "YAML map not found")
		return
	}
	if m.UserID != userID {
		writeError(w, http.StatusForbidden, "YAML map belongs to another user")
		return
	}
	if err := s.deps.Stores.YamlMaps.DeleteYamlMap(id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to delete YAML map")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
