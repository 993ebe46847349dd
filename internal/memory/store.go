// Package memory persists user preferences and execution history in a
// local sqlite database. Writes are serialized per user id; reads are
// safe concurrently.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/privacy"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const schema = `
CREATE TABLE IF NOT EXISTS user_preferences (
	user_id    TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (user_id, key)
);
CREATE TABLE IF NOT EXISTS execution_history (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id        TEXT NOT NULL,
	command        TEXT NOT NULL,
	status         TEXT NOT NULL,
	steps_json     TEXT NOT NULL,
	execution_time REAL NOT NULL,
	created_at     TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_user ON execution_history (user_id, created_at);
`

// SQLiteStore implements schemas.MemoryStore.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
	// userLocks serializes writes per user id so concurrent tasks for the
	// same user cannot interleave partial writes.
	userLocks sync.Map // user id -> *sync.Mutex
}

// Open opens (creating if needed) the database at path.
func Open(path string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	// database/sql pools connections; sqlite wants a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply memory schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger.Named("memory")}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) lockFor(userID string) *sync.Mutex {
	mu, _ := s.userLocks.LoadOrStore(userID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// GetUserContext returns the user's stored preferences as a flat map.
func (s *SQLiteStore) GetUserContext(ctx context.Context, userID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM user_preferences WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user context: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// SavePreference upserts one preference. Sensitive values are masked
// before they touch disk.
func (s *SQLiteStore) SavePreference(ctx context.Context, userID, key, value string) error {
	mu := s.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, key, privacy.MaskValue(key, value), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save preference %q: %w", key, err)
	}
	return nil
}

// SaveExecutionRecord appends a finished task to the history. Step
// payloads are sanitized; screenshots are already redacted upstream.
func (s *SQLiteStore) SaveExecutionRecord(ctx context.Context, rec schemas.ExecutionRecord) error {
	mu := s.lockFor(rec.UserID)
	mu.Lock()
	defer mu.Unlock()

	steps, err := json.Marshal(rec.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode step results: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO execution_history (user_id, command, status, steps_json, execution_time, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.UserID, privacy.SanitizeText(rec.Command), string(rec.Status),
		string(steps), rec.ExecutionTime, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save execution record: %w", err)
	}
	return nil
}

// HistoryEntry is one stored execution record.
type HistoryEntry struct {
	ID            int64                `json:"id"`
	UserID        string               `json:"user_id"`
	Command       string               `json:"command"`
	Status        schemas.TaskStatus   `json:"status"`
	Steps         []schemas.StepResult `json:"steps"`
	ExecutionTime float64              `json:"execution_time"`
	CreatedAt     time.Time            `json:"created_at"`
}

// GetHistory returns the user's most recent executions, newest first.
func (s *SQLiteStore) GetHistory(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, command, status, steps_json, execution_time, created_at
		FROM execution_history WHERE user_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var stepsJSON string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Command, &e.Status, &stepsJSON, &e.ExecutionTime, &e.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(stepsJSON), &e.Steps); err != nil {
			s.logger.Warn("Corrupt step payload in history row", zap.Int64("id", e.ID), zap.Error(err))
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ schemas.MemoryStore = (*SQLiteStore)(nil)
