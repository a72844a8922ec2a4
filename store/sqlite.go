package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    command TEXT NOT NULL,
    route TEXT NOT NULL,
    run_id TEXT,
    yaml_map_id TEXT,
    status TEXT DEFAULT 'pending',
    progress INTEGER DEFAULT 0,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    result_json TEXT,
    error TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id, started_at);

CREATE TABLE IF NOT EXISTS yaml_maps (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    url TEXT,
    tags_json TEXT NOT NULL DEFAULT '[]',
    yaml TEXT NOT NULL,
    is_public INTEGER DEFAULT 0,
    usage_count INTEGER DEFAULT 0,
    last_used DATETIME,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    role TEXT NOT NULL,
    type TEXT,
    content TEXT NOT NULL,
    task_id TEXT,
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, created_at);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    preferred_engine TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS user_api_keys (
    user_id TEXT NOT NULL REFERENCES users(id),
    provider TEXT NOT NULL,
    api_key TEXT NOT NULL,
    PRIMARY KEY (user_id, provider)
);
`

// NewSQLiteBundle creates a Bundle backed by SQLite at the given path
func NewSQLiteBundle(dbPath string) (*Bundle, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Bundle{
		Tasks:    &SQLiteTaskStore{db: db},
		YamlMaps: &SQLiteYamlMapStore{db: db},
		Messages: &SQLiteMessageStore{db: db},
		Users:    &SQLiteUserStore{db: db},
		closer:   db.Close,
	}, nil
}

// =============================================================================
// SQLiteTaskStore
// =============================================================================

type SQLiteTaskStore struct {
	db *sql.DB
}

func (s *SQLiteTaskStore) SaveTask(rec TaskRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, user_id, command, route, run_id, yaml_map_id, status, progress, started_at, finished_at, result_json, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status = excluded.status,
		   progress = excluded.progress,
		   run_id = excluded.run_id,
		   finished_at = excluded.finished_at,
		   result_json = excluded.result_json,
		   error = excluded.error`,
		rec.ID, rec.UserID, rec.Command, rec.Route, rec.RunID, rec.YamlMapID, rec.Status, rec.Progress,
		rec.StartedAt, rec.FinishedAt, rec.ResultJSON, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

const taskColumns = `id, user_id, command, route, run_id, yaml_map_id, status, progress, started_at, finished_at, result_json, error`

func (s *SQLiteTaskStore) GetTask(id string) (*TaskRecord, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return rec, err
}

func (s *SQLiteTaskStore) ListTasks(userID string, limit int) ([]TaskRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(
		`SELECT `+taskColumns+` FROM tasks WHERE (? = '' OR user_id = ?) ORDER BY started_at DESC LIMIT ?`,
		userID, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*TaskRecord, error) {
	var rec TaskRecord
	var runID, mapID, resultJSON, errMsg sql.NullString
	var finishedAt sql.NullTime
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.Command, &rec.Route, &runID, &mapID, &rec.Status, &rec.Progress,
		&rec.StartedAt, &finishedAt, &resultJSON, &errMsg); err != nil {
		return nil, err
	}
	rec.RunID = runID.String
	rec.YamlMapID = mapID.String
	if finishedAt.Valid {
		rec.FinishedAt = &finishedAt.Time
	}
	if resultJSON.Valid {
		rec.ResultJSON = &resultJSON.String
	}
	if errMsg.Valid {
		rec.Error = &errMsg.String
	}
	return &rec, nil
}

// =============================================================================
// SQLiteYamlMapStore
// =============================================================================

type SQLiteYamlMapStore struct {
	db *sql.DB
}

func (s *SQLiteYamlMapStore) CreateYamlMap(m YamlMap) (string, error) {
	if m.ID == "" {
		m.ID = generateID()
	}
	tags, err := json.Marshal(nonNilTags(m.Tags))
	if err != nil {
		return "", err
	}
	now := time.Now()
	_, err = s.db.Exec(
		`INSERT INTO yaml_maps (id, user_id, name, description, url, tags_json, yaml, is_public, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Name, m.Description, m.URL, string(tags), m.YAML, m.IsPublic, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create yaml map: %w", err)
	}
	return m.ID, nil
}

const yamlMapColumns = `id, user_id, name, description, url, tags_json, yaml, is_public, usage_count, last_used, created_at, updated_at`

func (s *SQLiteYamlMapStore) GetYamlMap(id string) (*YamlMap, error) {
	row := s.db.QueryRow(`SELECT `+yamlMapColumns+` FROM yaml_maps WHERE id = ?`, id)
	m, err := scanYamlMap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("yaml map %s: %w", id, ErrNotFound)
	}
	return m, err
}

func (s *SQLiteYamlMapStore) SearchYamlMaps(userID, query string, limit int) ([]YamlMap, error) {
	if limit <= 0 {
		limit = -1
	}
	q := strings.ToLower(strings.TrimSpace(query))
	like := "%" + q + "%"
	rows, err := s.db.Query(
		`SELECT `+yamlMapColumns+` FROM yaml_maps
		 WHERE (user_id = ? OR is_public = 1)
		   AND (? = '' OR lower(name) LIKE ? OR lower(coalesce(description, '')) LIKE ? OR lower(tags_json) LIKE ?)
		 ORDER BY updated_at DESC LIMIT ?`,
		userID, q, like, like, like, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []YamlMap
	for rows.Next() {
		m, err := scanYamlMap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *SQLiteYamlMapStore) IncrementUsage(id string) error {
	res, err := s.db.Exec(`UPDATE yaml_maps SET usage_count = usage_count + 1, last_used = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("yaml map %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteYamlMapStore) DeleteYamlMap(id string) error {
	res, err := s.db.Exec(`DELETE FROM yaml_maps WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("yaml map %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanYamlMap(row rowScanner) (*YamlMap, error) {
	var m YamlMap
	var description, url sql.NullString
	var tagsJSON string
	var lastUsed sql.NullTime
	if err := row.Scan(&m.ID, &m.UserID, &m.Name, &description, &url, &tagsJSON, &m.YAML, &m.IsPublic,
		&m.UsageCount, &lastUsed, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Description = description.String
	m.URL = url.String
	if lastUsed.Valid {
		m.LastUsed = &lastUsed.Time
	}
	if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
		return nil, fmt.Errorf("decode tags for %s: %w", m.ID, err)
	}
	return &m, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// =============================================================================
// SQLiteMessageStore
// =============================================================================

type SQLiteMessageStore struct {
	db *sql.DB
}

func (s *SQLiteMessageStore) AppendMessage(m Message) (string, error) {
	if m.ID == "" {
		m.ID = generateID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO messages (id, user_id, role, type, content, task_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Role, m.Type, m.Content, m.TaskID, m.Timestamp,
	)
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	return m.ID, nil
}

func (s *SQLiteMessageStore) History(userID string, q HistoryQuery) ([]Message, error) {
	q = q.normalized()
	rows, err := s.db.Query(
		`SELECT id, user_id, role, type, content, task_id, created_at FROM messages
		 WHERE user_id = ? AND created_at > ?
		 ORDER BY created_at DESC LIMIT ?`,
		userID, q.Since, q.Limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var typ, taskID sql.NullString
		if err := rows.Scan(&m.ID, &m.UserID, &m.Role, &typ, &m.Content, &taskID, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Type = typ.String
		m.TaskID = taskID.String
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if q.Sort == "asc" {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// =============================================================================
// SQLiteUserStore
// =============================================================================

type SQLiteUserStore struct {
	db *sql.DB
}

func (s *SQLiteUserStore) GetUser(id string) (*User, error) {
	u := User{ID: id, APIKeys: make(map[string]string)}
	var engine sql.NullString
	err := s.db.QueryRow(`SELECT preferred_engine, created_at FROM users WHERE id = ?`, id).Scan(&engine, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	u.PreferredEngine = engine.String

	rows, err := s.db.Query(`SELECT provider, api_key FROM user_api_keys WHERE user_id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var provider, key string
		if err := rows.Scan(&provider, &key); err != nil {
			return nil, err
		}
		u.APIKeys[provider] = key
	}
	return &u, rows.Err()
}

func (s *SQLiteUserStore) ensure(id string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO users (id, created_at) VALUES (?, ?)`, id, time.Now())
	return err
}

func (s *SQLiteUserStore) SetPreferredEngine(id, engine string) error {
	if err := s.ensure(id); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	_, err := s.db.Exec(`UPDATE users SET preferred_engine = ? WHERE id = ?`, engine, id)
	return err
}

func (s *SQLiteUserStore) SetAPIKey(id, provider, key string) error {
	if err := s.ensure(id); err != nil {
		return fmt.Errorf("ensure user: %w", err)
	}
	if key == "" {
		_, err := s.db.Exec(`DELETE FROM user_api_keys WHERE user_id = ? AND provider = ?`, id, provider)
		return err
	}
	_, err := s.db.Exec(
		`INSERT INTO user_api_keys (user_id, provider, api_key) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, provider) DO UPDATE SET api_key = excluded.api_key`,
		id, provider, key,
	)
	return err
}
