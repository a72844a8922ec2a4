package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"nexus/config"
	"nexus/store"
)

// ErrNoEngine is returned when no engine has a usable API key.
var ErrNoEngine = errors.New("no engine with an API key is available")

// ErrUnknownEngine is returned for engine ids no model block allows.
var ErrUnknownEngine = errors.New("unknown engine")

const (
	defaultProbeTimeout = 8 * time.Second
	probeRetries        = 3
)

// Selection is the engine chosen for one submission.
type Selection struct {
	Engine       config.Engine
	Provider     Provider
	APIKey       string
	UsingUserKey bool
	// Notification is the one-line message shown to the user about which
	// keys are in use.
	Notification string
}

// Engines resolves which model backs a user's tasks. Availability is gated
// by API-key presence: the user's own key for the provider, else the
// system key from the model block.
type Engines struct {
	all       []config.Engine
	defaultID string
	users     store.UserStore
	factory   Factory
	logger    hclog.Logger

	probeTimeout time.Duration
	probeBackoff time.Duration
}

func NewEngines(cfg *config.Config, users store.UserStore, logger hclog.Logger) *Engines {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	e := &Engines{
		all:          config.AllEngines(cfg.Models),
		users:        users,
		factory:      NewProvider,
		logger:       logger.Named("engines"),
		probeTimeout: defaultProbeTimeout,
		probeBackoff: time.Second,
	}
	if def, ok := cfg.DefaultEngine(); ok {
		e.defaultID = def.ID
	}
	return e
}

// WithFactory replaces the provider constructor.
func (e *Engines) WithFactory(f Factory) *Engines {
	e.factory = f
	return e
}

// WithProbeTiming overrides the probe timeout and the first retry delay.
func (e *Engines) WithProbeTiming(timeout, backoff time.Duration) *Engines {
	e.probeTimeout = timeout
	e.probeBackoff = backoff
	return e
}

// DefaultID returns the system default engine id.
func (e *Engines) DefaultID() string {
	return e.defaultID
}

// Lookup returns the engine for id.
func (e *Engines) Lookup(id string) (config.Engine, bool) {
	for _, eng := range e.all {
		if eng.ID == id {
			return eng, true
		}
	}
	return config.Engine{}, false
}

func (e *Engines) user(userID string) *store.User {
	if e.users == nil || userID == "" {
		return &store.User{ID: userID}
	}
	u, err := e.users.GetUser(userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("user lookup failed", "user_id", userID, "error", err)
		}
		return &store.User{ID: userID}
	}
	return u
}

// keyFor returns the API key for eng and whether it is the user's own.
func keyFor(u *store.User, eng config.Engine) (string, bool) {
	if k := u.APIKeys[string(eng.Provider)]; k != "" {
		return k, true
	}
	return eng.APIKey, false
}

// Preferred returns the user's preferred engine id, or the default.
func (e *Engines) Preferred(userID string) string {
	u := e.user(userID)
	if _, ok := e.Lookup(u.PreferredEngine); ok {
		return u.PreferredEngine
	}
	return e.defaultID
}

// Available lists the engine ids usable by userID.
func (e *Engines) Available(userID string) []string {
	u := e.user(userID)
	var out []string
	for _, eng := range e.all {
		if k, _ := keyFor(u, eng); k != "" {
			out = append(out, eng.ID)
		}
	}
	return out
}

// UsingAnyDefaultKey reports whether any available engine for userID runs
// on a system key.
func (e *Engines) UsingAnyDefaultKey(userID string) bool {
	u := e.user(userID)
	for _, eng := range e.all {
		if k, own := keyFor(u, eng); k != "" && !own {
			return true
		}
	}
	return false
}

// SetPreferred stores the user's preferred engine after checking it exists.
func (e *Engines) SetPreferred(userID, engineID string) error {
	if _, ok := e.Lookup(engineID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEngine, engineID)
	}
	if e.users == nil {
		return fmt.Errorf("no user store configured")
	}
	return e.users.SetPreferredEngine(userID, engineID)
}

// Resolve picks the engine for a submission: the user's preferred engine
// when a key is available for it, else the system default, else the first
// engine with any key.
func (e *Engines) Resolve(ctx context.Context, userID string) (*Selection, error) {
	u := e.user(userID)

	candidates := make([]string, 0, len(e.all)+2)
	if u.PreferredEngine != "" {
		candidates = append(candidates, u.PreferredEngine)
	}
	if e.defaultID != "" {
		candidates = append(candidates, e.defaultID)
	}
	for _, eng := range e.all {
		candidates = append(candidates, eng.ID)
	}

	for i, id := range candidates {
		eng, ok := e.Lookup(id)
		if !ok {
			continue
		}
		key, own := keyFor(u, eng)
		if key == "" {
			continue
		}
		sel, err := e.selection(ctx, eng, key, own)
		if err != nil {
			return nil, err
		}
		if i > 0 && u.PreferredEngine != "" && u.PreferredEngine != eng.ID {
			sel.Notification = fmt.Sprintf("Preferred engine %s is unavailable (no API key). %s", u.PreferredEngine, sel.Notification)
		}
		e.logger.Debug("engine resolved", "user_id", userID, "engine", eng.ID, "user_key", own)
		return sel, nil
	}
	return nil, ErrNoEngine
}

// Select builds a selection for a specific engine id.
func (e *Engines) Select(ctx context.Context, userID, engineID string) (*Selection, error) {
	eng, ok := e.Lookup(engineID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, engineID)
	}
	key, own := keyFor(e.user(userID), eng)
	if key == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoEngine, engineID)
	}
	return e.selection(ctx, eng, key, own)
}

func (e *Engines) selection(ctx context.Context, eng config.Engine, key string, own bool) (*Selection, error) {
	p, err := e.factory(ctx, eng.Provider, key)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", eng.ID, err)
	}
	note := fmt.Sprintf("Using system keys for %s", eng.ID)
	if own {
		note = fmt.Sprintf("Using your %s API key for %s", eng.Provider, eng.ID)
	}
	return &Selection{
		Engine:       eng,
		Provider:     p,
		APIKey:       key,
		UsingUserKey: own,
		Notification: note,
	}, nil
}

// Probe checks that sel's provider answers a minimal request. Each attempt
// is bounded by the probe timeout; failures are retried up to three times
// with doubling delays.
func (e *Engines) Probe(ctx context.Context, sel *Selection) error {
	delay := e.probeBackoff
	var lastErr error
	for attempt := 0; attempt <= probeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.probeTimeout)
		_, err := sel.Provider.Chat(attemptCtx, &ChatRequest{
			Model:     sel.Engine.APIModel,
			Messages:  []Message{NewTextMessage(RoleUser, "ping")},
			MaxTokens: 1,
		})
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		e.logger.Debug("engine probe failed", "engine", sel.Engine.ID, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("engine %s unavailable: %w", sel.Engine.ID, lastErr)
}
