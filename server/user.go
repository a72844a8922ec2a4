package server

import (
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	userCookie    = "nexus_uid"
	userHeader    = "X-User-Id"
	guestPrefix   = "guest-"
	userCookieAge = 365 * 24 * time.Hour
)

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:@-]{1,128}$`)

// requestUser resolves the caller's user id from the userId query
// parameter, the X-User-Id header, then the nexus_uid cookie.
func requestUser(r *http.Request) string {
	candidates := []string{
		r.URL.Query().Get("userId"),
		r.Header.Get(userHeader),
	}
	if c, err := r.Cookie(userCookie); err == nil {
		candidates = append(candidates, c.Value)
	}
	for _, id := range candidates {
		id = strings.TrimSpace(id)
		if userIDPattern.MatchString(id) {
			return id
		}
	}
	return ""
}

func newGuestID() string {
	return guestPrefix + uuid.NewString()
}

func setUserCookie(w http.ResponseWriter, r *http.Request, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     userCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(userCookieAge.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

// handleWhoami returns the caller's id, issuing a guest id when the
// request carries none. The cookie is refreshed either way.
func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	id := requestUser(r)
	guest := false
	if id == "" {
		id = newGuestID()
		guest = true
		s.logger.Debug("issued guest id", "user_id", id)
	}
	setUserCookie(w, r, id)
	writeJSON(w, http.StatusOK, map[string]any{"userId": id, "guest": guest})
}
