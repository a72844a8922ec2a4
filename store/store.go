package store

import (
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrNotFound is returned by lookups for ids that do not exist.
var ErrNotFound = errors.New("not found")

// Bundle holds all persistent stores.
type Bundle struct {
	Tasks    TaskStore
	YamlMaps YamlMapStore
	Messages MessageStore
	Users    UserStore
	closer   func() error
}

// Close cleans up the bundle resources
func (b *Bundle) Close() error {
	if b.closer != nil {
		return b.closer()
	}
	return nil
}

// TaskStore persists the task record: one row per submission, rewritten on
// every status change.
type TaskStore interface {
	SaveTask(rec TaskRecord) error
	GetTask(id string) (*TaskRecord, error)
	ListTasks(userID string, limit int) ([]TaskRecord, error)
}

// TaskRecord is the persisted form of a task.
type TaskRecord struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	Command    string     `json:"command"`
	Route      string     `json:"route"`
	RunID      string     `json:"runId,omitempty"`
	YamlMapID  string     `json:"yamlMapId,omitempty"`
	Status     string     `json:"status"`
	Progress   int        `json:"progress"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	ResultJSON *string    `json:"resultJson,omitempty"`
	Error      *string    `json:"error,omitempty"`
}

// YamlMapStore manages user-authored browser scripts.
type YamlMapStore interface {
	CreateYamlMap(m YamlMap) (id string, err error)
	GetYamlMap(id string) (*YamlMap, error)
	// SearchYamlMaps returns maps visible to userID (owned or public) whose
	// name, description or tags contain query. An empty query matches all.
	SearchYamlMaps(userID, query string, limit int) ([]YamlMap, error)
	IncrementUsage(id string) error
	DeleteYamlMap(id string) error
}

// YamlMap is a persisted script referenced in prompts as /yaml <id>.
type YamlMap struct {
	ID          string     `json:"id"`
	UserID      string     `json:"userId"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	URL         string     `json:"url,omitempty"`
	Tags        []string   `json:"tags"`
	YAML        string     `json:"yaml"`
	IsPublic    bool       `json:"isPublic"`
	UsageCount  int        `json:"usageCount"`
	LastUsed    *time.Time `json:"lastUsed,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// MessageStore keeps the chat history shown alongside tasks.
type MessageStore interface {
	AppendMessage(m Message) (id string, err error)
	History(userID string, q HistoryQuery) ([]Message, error)
}

// Message is one chat history entry.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"-"`
	Role      string    `json:"role"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	TaskID    string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryQuery filters History. Sort is "asc" or "desc" (default).
type HistoryQuery struct {
	Limit int
	Since time.Time
	Sort  string
}

func (q HistoryQuery) normalized() HistoryQuery {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 50
	}
	if q.Sort != "asc" {
		q.Sort = "desc"
	}
	return q
}

// UserStore holds per-user engine preferences and API keys.
type UserStore interface {
	GetUser(id string) (*User, error)
	SetPreferredEngine(id, engine string) error
	SetAPIKey(id, provider, key string) error
}

// User is a known user id with its settings. Users are created on first write.
type User struct {
	ID              string            `json:"id"`
	PreferredEngine string            `json:"preferredEngine,omitempty"`
	APIKeys         map[string]string `json:"-"`
	CreatedAt       time.Time         `json:"createdAt"`
}

func generateID() string {
	return ulid.Make().String()
}
