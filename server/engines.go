package server

import (
	"errors"
	"net/http"
	"slices"
	"strings"

	"nexus/config"
	"nexus/llm"
)

func (s *Server) handleAvailableEngines(w http.ResponseWriter, r *http.Request) {
	userID := requestUser(r)
	available := s.deps.Engines.Available(userID)
	if available == nil {
		available = []string{}
	}
	resp := map[string]any{
		"success":            true,
		"availableEngines":   available,
		"preferredEngine":    s.deps.Engines.Preferred(userID),
		"usingAnyDefaultKey": s.deps.Engines.UsingAnyDefaultKey(userID),
	}
	switch {
	case len(available) == 0:
		resp["notification"] = "No AI engine has an API key. Add one to enable natural-language tasks."
	case s.deps.Engines.UsingAnyDefaultKey(userID):
		resp["notification"] = "Some engines are using system keys."
	}
	writeJSON(w, http.StatusOK, resp)
}

type setEngineRequest struct {
	EngineID string `json:"engineId"`
	UserID   string `json:"userId"`
}

func (s *Server) handleSetEngine(w http.ResponseWriter, r *http.Request) {
	var req setEngineRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = requestUser(r)
	}
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "userId is required")
		return
	}
	if req.EngineID == "" {
		writeError(w, http.StatusBadRequest, "engineId is required")
		return
	}
	if !slices.Contains(s.deps.Engines.Available(userID), req.EngineID) {
		if _, ok := s.deps.Engines.Lookup(req.EngineID); !ok {
			writeError(w, http.StatusBadRequest, "Unknown engine: "+req.EngineID)
			return
		}
		writeError(w, http.StatusBadRequest, "No API key available for engine "+req.EngineID)
		return
	}
	if err := s.deps.Engines.SetPreferred(userID, req.EngineID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, llm.ErrUnknownEngine) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type apiKeyRequest struct {
	Provider string `json:"provider"`
	APIKey   string `json:"apiKey"`
	UserID   string `json:"userId"`
}

// handleSetAPIKey stores a user's key for one provider. An empty key
// removes it.
func (s *Server) handleSetAPIKey(w http.ResponseWriter, r *http.Request) {
	var req apiKeyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = requestUser(r)
	}
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "userId is required")
		return
	}
	provider := config.Provider(strings.ToLower(strings.TrimSpace(req.Provider)))
	if _, ok := config.SupportedModels[provider]; !ok {
		writeError(w, http.StatusBadRequest, "Unsupported provider: "+req.Provider)
		return
	}
	if err := s.deps.Stores.Users.SetAPIKey(userID, string(provider), strings.TrimSpace(req.APIKey)); err != nil {
		s.logger.Error("api key update failed", "user_id", userID, "provider", provider, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save API key")
		return
	}
	s.logger.Info("api key updated", "user_id", userID, "provider", provider)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"availableEngines": s.deps.Engines.Available(userID),
	})
}
