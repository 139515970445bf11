package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"fitsync/internal/errors"
	"fitsync/pkg/types"
)

// SQLiteStore implements ConflictStore on a local SQLite database. The
// full record is stored as a JSON payload; the columns that queries
// filter or sort on are denormalized alongside it.
type SQLiteStore struct {
	db *sql.DB
}

const conflictSchema = `
CREATE TABLE IF NOT EXISTS conflicts (
	id TEXT PRIMARY KEY,
	conflict_hash TEXT NOT NULL UNIQUE,
	user_id TEXT NOT NULL,
	data_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	severity TEXT NOT NULL,
	is_resolved INTEGER NOT NULL DEFAULT 0,
	requires_user_input INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL,
	detected_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conflicts_user ON conflicts(user_id, is_resolved, detected_at);
CREATE INDEX IF NOT EXISTS idx_conflicts_open ON conflicts(is_resolved, detected_at);
CREATE INDEX IF NOT EXISTS idx_conflicts_entity ON conflicts(entity_id);

CREATE TABLE IF NOT EXISTS conflict_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conflict_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_conflict ON conflict_events(conflict_id, id);
`

// NewSQLiteStore opens (creating if needed) the conflict database at path.
// Pass ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_sync=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; more connections just contend.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(conflictSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Upsert inserts the record unless its hash already exists. The unique
// index makes concurrent detection of the same disagreement race-safe:
// exactly one caller inserts, everyone else gets the stored record back.
func (s *SQLiteStore) Upsert(ctx context.Context, c *types.Conflict) (*types.Conflict, bool, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, false, errors.NewInternalError("failed to serialize conflict", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts
			(id, conflict_hash, user_id, data_type, entity_id, severity,
			 is_resolved, requires_user_input, payload, detected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conflict_hash) DO NOTHING`,
		c.ID, c.ConflictHash, c.UserID, string(c.DataType), c.EntityID,
		string(c.Severity), boolToInt(c.IsResolved), boolToInt(c.RequiresUserInput),
		string(payload), c.DetectedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return nil, false, errors.NewDatabaseError("upsert conflict", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, errors.NewDatabaseError("upsert conflict", err)
	}
	if n == 1 {
		return c, true, nil
	}

	existing, err := s.GetByHash(ctx, c.ConflictHash)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*types.Conflict, error) {
	return s.getBy(ctx, "id", id)
}

func (s *SQLiteStore) GetByHash(ctx context.Context, hash string) (*types.Conflict, error) {
	return s.getBy(ctx, "conflict_hash", hash)
}

func (s *SQLiteStore) getBy(ctx context.Context, column, value string) (*types.Conflict, error) {
	var payload string
	// column is one of two compile-time constants, never caller input
	query := fmt.Sprintf("SELECT payload FROM conflicts WHERE %s = ?", column)
	err := s.db.QueryRowContext(ctx, query, value).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFoundError(value)
	}
	if err != nil {
		return nil, errors.NewDatabaseError("get conflict", err)
	}
	return decodeConflict(payload)
}

func (s *SQLiteStore) Update(ctx context.Context, c *types.Conflict) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return errors.NewInternalError("failed to serialize conflict", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE conflicts SET
			severity = ?, is_resolved = ?, requires_user_input = ?,
			payload = ?, updated_at = ?
		WHERE id = ?`,
		string(c.Severity), boolToInt(c.IsResolved), boolToInt(c.RequiresUserInput),
		string(payload), c.UpdatedAt.UTC(), c.ID)
	if err != nil {
		return errors.NewDatabaseError("update conflict", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewDatabaseError("update conflict", err)
	}
	if n == 0 {
		return errors.NewNotFoundError(c.ID)
	}
	return nil
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID string, opts ListOptions) ([]*types.Conflict, error) {
	query := "SELECT payload FROM conflicts WHERE user_id = ?"
	args := []any{userID}
	if !opts.IncludeResolved {
		query += " AND is_resolved = 0"
	}
	if opts.DataType != "" {
		query += " AND data_type = ?"
		args = append(args, string(opts.DataType))
	}
	query += " ORDER BY detected_at DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewDatabaseError("list conflicts", err)
	}
	return collectConflicts(rows, "list conflicts")
}

// ListUnresolved returns the open backlog across all users, oldest first,
// so background sweeps work through the longest-standing conflicts first.
func (s *SQLiteStore) ListUnresolved(ctx context.Context) ([]*types.Conflict, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM conflicts WHERE is_resolved = 0 ORDER BY detected_at ASC")
	if err != nil {
		return nil, errors.NewDatabaseError("list unresolved", err)
	}
	return collectConflicts(rows, "list unresolved")
}

func collectConflicts(rows *sql.Rows, op string) ([]*types.Conflict, error) {
	defer func() { _ = rows.Close() }()

	var out []*types.Conflict
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.NewDatabaseError(op, err)
		}
		c, err := decodeConflict(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError(op, err)
	}
	return out, nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, conflictID, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return errors.NewInternalError("failed to serialize event", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conflict_events (conflict_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		conflictID, eventType, string(data), time.Now().UTC())
	if err != nil {
		return errors.NewDatabaseError("append event", err)
	}
	return nil
}

func (s *SQLiteStore) GetEvents(ctx context.Context, conflictID string) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conflict_id, event_type, payload, created_at
		FROM conflict_events WHERE conflict_id = ? ORDER BY id ASC`,
		conflictID)
	if err != nil {
		return nil, errors.NewDatabaseError("get events", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		var payload string
		if err := rows.Scan(&ev.ID, &ev.ConflictID, &ev.EventType, &payload, &ev.CreatedAt); err != nil {
			return nil, errors.NewDatabaseError("get events", err)
		}
		ev.Payload = json.RawMessage(payload)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewDatabaseError("get events", err)
	}
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func decodeConflict(payload string) (*types.Conflict, error) {
	var c types.Conflict
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, errors.NewInternalError("failed to decode stored conflict", err)
	}
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
