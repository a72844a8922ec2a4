package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    command TEXT NOT NULL,
    route TEXT NOT NULL,
    run_id TEXT,
    yaml_map_id TEXT,
    status TEXT DEFAULT 'pending',
    progress INTEGER DEFAULT 0,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    result_json JSONB,
    error TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id, started_at);

CREATE TABLE IF NOT EXISTS yaml_maps (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    url TEXT,
    tags TEXT[] NOT NULL DEFAULT '{}',
    yaml TEXT NOT NULL,
    is_public BOOLEAN DEFAULT FALSE,
    usage_count INTEGER DEFAULT 0,
    last_used TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    role TEXT NOT NULL,
    type TEXT,
    content TEXT NOT NULL,
    task_id TEXT,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, created_at);

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    preferred_engine TEXT,
    api_keys JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const pgTimeout = 10 * time.Second

// NewPostgresBundle creates a Bundle backed by a pgx connection pool.
func NewPostgresBundle(dsn string) (*Bundle, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pgTimeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Bundle{
		Tasks:    &PostgresTaskStore{pool: pool},
		YamlMaps: &PostgresYamlMapStore{pool: pool},
		Messages: &PostgresMessageStore{pool: pool},
		Users:    &PostgresUserStore{pool: pool},
		closer: func() error {
			pool.Close()
			return nil
		},
	}, nil
}

func pgCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), pgTimeout)
}

// =============================================================================
// PostgresTaskStore
// =============================================================================

type PostgresTaskStore struct {
	pool *pgxpool.Pool
}

func (s *PostgresTaskStore) SaveTask(rec TaskRecord) error {
	ctx, cancel := pgCtx()
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, user_id, command, route, run_id, yaml_map_id, status, progress, started_at, finished_at, result_json, error)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   progress = EXCLUDED.progress,
		   run_id = EXCLUDED.run_id,
		   finished_at = EXCLUDED.finished_at,
		   result_json = EXCLUDED.result_json,
		   error = EXCLUDED.error`,
		rec.ID, rec.UserID, rec.Command, rec.Route, rec.RunID, rec.YamlMapID, rec.Status, rec.Progress,
		rec.StartedAt, rec.FinishedAt, rec.ResultJSON, rec.Error,
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

const pgTaskColumns = `id, user_id, command, route, coalesce(run_id, ''), coalesce(yaml_map_id, ''), status, progress, started_at, finished_at, result_json::text, error`

func (s *PostgresTaskStore) GetTask(id string) (*TaskRecord, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	rec, err := scanPgTask(s.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return rec, err
}

func (s *PostgresTaskStore) ListTasks(userID string, limit int) ([]TaskRecord, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTaskColumns+` FROM tasks WHERE ($1 = '' OR user_id = $1) ORDER BY started_at DESC LIMIT $2`,
		userID, lim,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		rec, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func scanPgTask(row pgx.Row) (*TaskRecord, error) {
	var rec TaskRecord
	if err := row.Scan(&rec.ID, &rec.UserID, &rec.Command, &rec.Route, &rec.RunID, &rec.YamlMapID, &rec.Status,
		&rec.Progress, &rec.StartedAt, &rec.FinishedAt, &rec.ResultJSON, &rec.Error); err != nil {
		return nil, err
	}
	return &rec, nil
}

// =============================================================================
// PostgresYamlMapStore
// =============================================================================

type PostgresYamlMapStore struct {
	pool *pgxpool.Pool
}

func (s *PostgresYamlMapStore) CreateYamlMap(m YamlMap) (string, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	if m.ID == "" {
		m.ID = generateID()
	}
	now := time.Now()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO yaml_maps (id, user_id, name, description, url, tags, yaml, is_public, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.UserID, m.Name, m.Description, m.URL, nonNilTags(m.Tags), m.YAML, m.IsPublic, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("create yaml map: %w", err)
	}
	return m.ID, nil
}

const pgYamlMapColumns = `id, user_id, name, coalesce(description, ''), coalesce(url, ''), tags, yaml, is_public, usage_count, last_used, created_at, updated_at`

func (s *PostgresYamlMapStore) GetYamlMap(id string) (*YamlMap, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	m, err := scanPgYamlMap(s.pool.QueryRow(ctx, `SELECT `+pgYamlMapColumns+` FROM yaml_maps WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("yaml map %s: %w", id, ErrNotFound)
	}
	return m, err
}

func (s *PostgresYamlMapStore) SearchYamlMaps(userID, query string, limit int) ([]YamlMap, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	q := strings.TrimSpace(query)
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgYamlMapColumns+` FROM yaml_maps
		 WHERE (user_id = $1 OR is_public)
		   AND ($2 = '' OR name ILIKE '%' || $2 || '%' OR description ILIKE '%' || $2 || '%'
		        OR EXISTS (SELECT 1 FROM unnest(tags) t WHERE t ILIKE '%' || $2 || '%'))
		 ORDER BY updated_at DESC LIMIT $3`,
		userID, q, lim,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []YamlMap
	for rows.Next() {
		m, err := scanPgYamlMap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PostgresYamlMapStore) IncrementUsage(id string) error {
	ctx, cancel := pgCtx()
	defer cancel()
	tag, err := s.pool.Exec(ctx, `UPDATE yaml_maps SET usage_count = usage_count + 1, last_used = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("yaml map %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresYamlMapStore) DeleteYamlMap(id string) error {
	ctx, cancel := pgCtx()
	defer cancel()
	tag, err := s.pool.Exec(ctx, `DELETE FROM yaml_maps WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("yaml map %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanPgYamlMap(row pgx.Row) (*YamlMap, error) {
	var m YamlMap
	if err := row.Scan(&m.ID, &m.UserID, &m.Name, &m.Description, &m.URL, &m.Tags, &m.YAML, &m.IsPublic,
		&m.UsageCount, &m.LastUsed, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

// =============================================================================
// PostgresMessageStore
// =============================================================================

type PostgresMessageStore struct {
	pool *pgxpool.Pool
}

func (s *PostgresMessageStore) AppendMessage(m Message) (string, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	if m.ID == "" {
		m.ID = generateID()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, user_id, role, type, content, task_id, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.UserID, m.Role, m.Type, m.Content, m.TaskID, m.Timestamp,
	)
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}
	return m.ID, nil
}

func (s *PostgresMessageStore) History(userID string, q HistoryQuery) ([]Message, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	q = q.normalized()
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, role, coalesce(type, ''), content, coalesce(task_id, ''), created_at FROM messages
		 WHERE user_id = $1 AND created_at > $2
		 ORDER BY created_at DESC LIMIT $3`,
		userID, q.Since, q.Limit,
	)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.UserID, &m.Role, &m.Type, &m.Content, &m.TaskID, &m.Timestamp)
		return m, err
	})
	if err != nil {
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
// PostgresUserStore
// =============================================================================

type PostgresUserStore struct {
	pool *pgxpool.Pool
}

func (s *PostgresUserStore) GetUser(id string) (*User, error) {
	ctx, cancel := pgCtx()
	defer cancel()
	u := User{ID: id}
	var keys []byte
	err := s.pool.QueryRow(ctx,
		`SELECT coalesce(preferred_engine, ''), api_keys, created_at FROM users WHERE id = $1`, id,
	).Scan(&u.PreferredEngine, &keys, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(keys, &u.APIKeys); err != nil {
		return nil, fmt.Errorf("decode api keys: %w", err)
	}
	if u.APIKeys == nil {
		u.APIKeys = make(map[string]string)
	}
	return &u, nil
}

func (s *PostgresUserStore) SetPreferredEngine(id, engine string) error {
	ctx, cancel := pgCtx()
	defer cancel()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, preferred_engine) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET preferred_engine = EXCLUDED.preferred_engine`,
		id, engine,
	)
	return err
}

func (s *PostgresUserStore) SetAPIKey(id, provider, key string) error {
	ctx, cancel := pgCtx()
	defer cancel()
	if key == "" {
		_, err := s.pool.Exec(ctx, `UPDATE users SET api_keys = api_keys - $2::text WHERE id = $1`, id, provider)
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, api_keys) VALUES ($1, jsonb_build_object($2::text, $3::text))
		 ON CONFLICT (id) DO UPDATE SET api_keys = users.api_keys || jsonb_build_object($2::text, $3::text)`,
		id, provider, key,
	)
	return err
}
