package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// NewMemoryBundle creates a Bundle backed entirely by in-memory stores
func NewMemoryBundle() *Bundle {
	return &Bundle{
		Tasks:    &MemoryTaskStore{tasks: make(map[string]TaskRecord)},
		YamlMaps: &MemoryYamlMapStore{maps: make(map[string]*YamlMap)},
		Messages: &MemoryMessageStore{},
		Users:    &MemoryUserStore{users: make(map[string]*User)},
	}
}

// =============================================================================
// MemoryTaskStore
// =============================================================================

type MemoryTaskStore struct {
	mu    sync.Mutex
	tasks map[string]TaskRecord
}

func (s *MemoryTaskStore) SaveTask(rec TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[rec.ID] = rec
	return nil
}

func (s *MemoryTaskStore) GetTask(id string) (*TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return &rec, nil
}

func (s *MemoryTaskStore) ListTasks(userID string, limit int) ([]TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []TaskRecord
	for _, rec := range s.tasks {
		if userID == "" || rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// =============================================================================
// MemoryYamlMapStore
// =============================================================================

type MemoryYamlMapStore struct {
	mu   sync.Mutex
	maps map[string]*YamlMap
}

func (s *MemoryYamlMapStore) CreateYamlMap(m YamlMap) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ID == "" {
		m.ID = generateID()
	}
	if _, exists := s.maps[m.ID]; exists {
		return "", fmt.Errorf("yaml map %s already exists", m.ID)
	}
	now := time.Now()
	m.CreatedAt = now
	m.UpdatedAt = now
	m.Tags = append([]string(nil), m.Tags...)
	s.maps[m.ID] = &m
	return m.ID, nil
}

func (s *MemoryYamlMapStore) GetYamlMap(id string) (*YamlMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.maps[id]
	if !ok {
		return nil, fmt.Errorf("yaml map %s: %w", id, ErrNotFound)
	}
	c := *m
	c.Tags = append([]string(nil), m.Tags...)
	return &c, nil
}

func (s *MemoryYamlMapStore) SearchYamlMaps(userID, query string, limit int) ([]YamlMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := strings.ToLower(strings.TrimSpace(query))
	var out []YamlMap
	for _, m := range s.maps {
		if m.UserID != userID && !m.IsPublic {
			continue
		}
		if q != "" && !yamlMapMatches(m, q) {
			continue
		}
		c := *m
		c.Tags = append([]string(nil), m.Tags...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func yamlMapMatches(m *YamlMap, q string) bool {
	if strings.Contains(strings.ToLower(m.Name), q) || strings.Contains(strings.ToLower(m.Description), q) {
		return true
	}
	for _, t := range m.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

func (s *MemoryYamlMapStore) IncrementUsage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.maps[id]
	if !ok {
		return fmt.Errorf("yaml map %s: %w", id, ErrNotFound)
	}
	now := time.Now()
	m.UsageCount++
	m.LastUsed = &now
	return nil
}

func (s *MemoryYamlMapStore) DeleteYamlMap(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.maps[id]; !ok {
		return fmt.Errorf("yaml map %s: %w", id, ErrNotFound)
	}
	delete(s.maps, id)
	return nil
}

// =============================================================================
// MemoryMessageStore
// =============================================================================

type MemoryMessageStore struct {
	mu       sync.Mutex
	messages []Message
}

func (s *MemoryMessageStore) AppendMessage(m Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = generateID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	s.messages = append(s.messages, m)
	return m.ID, nil
}

func (s *MemoryMessageStore) History(userID string, q HistoryQuery) ([]Message, error) {
	q = q.normalized()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, m := range s.messages {
		if m.UserID != userID {
			continue
		}
		if !q.Since.IsZero() && !m.Timestamp.After(q.Since) {
			continue
		}
		out = append(out, m)
	}
	// newest first, then trim, then apply requested order
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	if q.Sort == "asc" {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// =============================================================================
// MemoryUserStore
// =============================================================================

type MemoryUserStore struct {
	mu    sync.Mutex
	users map[string]*User
}

func (s *MemoryUserStore) GetUser(id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	c := *u
	c.APIKeys = make(map[string]string, len(u.APIKeys))
	for k, v := range u.APIKeys {
		c.APIKeys[k] = v
	}
	return &c, nil
}

func (s *MemoryUserStore) SetPreferredEngine(id, engine string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(id).PreferredEngine = engine
	return nil
}

func (s *MemoryUserStore) SetAPIKey(id, provider, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.ensure(id)
	if key == "" {
		delete(u.APIKeys, provider)
		return nil
	}
	u.APIKeys[provider] = key
	return nil
}

func (s *MemoryUserStore) ensure(id string) *User {
	u, ok := s.users[id]
	if !ok {
		u = &User{ID: id, APIKeys: make(map[string]string), CreatedAt: time.Now()}
		s.users[id] = u
	}
	return u
}
