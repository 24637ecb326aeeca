// Package store persists the audit log and the action snapshot table over
// database/sql. The audit_entries table is append-only and is the source of
// truth; the actions table is a projection of it that Replay can rebuild.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/fiscalpilot/core/pkg/actions"
	"github.com/fiscalpilot/core/pkg/audit"
)

var (
	ErrUnsupportedDriver = errors.New("store: unsupported driver")
	// ErrVersionConflict is returned when a snapshot write loses an
	// optimistic concurrency race.
	ErrVersionConflict = errors.New("store: action version conflict")
)

// Store is the durable backend. It implements audit.Sink for the audit log
// and keeps the actions snapshot table current.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the configured database. Supported drivers are "sqlite"
// (modernc.org/sqlite, CGO-free) and "postgres" (lib/pq).
func Open(driver, dsn string) (*Store, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	s := &Store{db: db, driver: driver}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing connection. Used by tests with sqlmock; no
// migration is run.
func NewWithDB(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_entries (
			sequence BIGINT PRIMARY KEY,
			entry_id TEXT NOT NULL UNIQUE,
			timestamp TEXT NOT NULL,
			event TEXT NOT NULL,
			action_id TEXT NOT NULL,
			actor TEXT NOT NULL,
			payload TEXT,
			payload_hash TEXT NOT NULL,
			previous_hash TEXT NOT NULL,
			entry_hash TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_entries (action_id)`,
		`CREATE TABLE IF NOT EXISTS actions (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			approval_level TEXT NOT NULL,
			version BIGINT NOT NULL,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_actions_status ON actions (status)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to the $N form lib/pq expects.
func (s *Store) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// AppendEntry persists one audit entry. The sequence primary key rejects
// duplicates, so a crashed-and-retried append cannot fork history.
func (s *Store) AppendEntry(ctx context.Context, e *audit.Entry) error {
	query := s.rebind(`INSERT INTO audit_entries (
		sequence, entry_id, timestamp, event, action_id, actor,
		payload, payload_hash, previous_hash, entry_hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, query,
		e.Sequence, e.EntryID, e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.Event), e.ActionID, e.Actor,
		string(e.Payload), e.PayloadHash, e.PreviousHash, e.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("store: insert audit entry: %w", err)
	}
	return nil
}

// LoadEntries returns every persisted audit entry in sequence order, for
// seeding the in-memory log at startup.
func (s *Store) LoadEntries(ctx context.Context) ([]*audit.Entry, error) {
	query := `SELECT sequence, entry_id, timestamp, event, action_id, actor,
		payload, payload_hash, previous_hash, entry_hash
		FROM audit_entries ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: load audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			ts      string
			event   string
			payload sql.NullString
		)
		if err := rows.Scan(&e.Sequence, &e.EntryID, &ts, &event, &e.ActionID,
			&e.Actor, &payload, &e.PayloadHash, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("store: scan audit entry: %w", err)
		}
		e.Event = audit.EventType(event)
		e.Timestamp = parseTime(ts)
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// SaveAction upserts the snapshot row for an action. The version column is
// an optimistic lock: an update only lands when the stored version is
// exactly one behind, otherwise ErrVersionConflict.
func (s *Store) SaveAction(ctx context.Context, a *actions.ProposedAction) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("store: marshal action: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	if a.Version <= 1 {
		query := s.rebind(`INSERT INTO actions (id, status, approval_level, version, data, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`)
		if _, err := s.db.ExecContext(ctx, query,
			a.ID, string(a.Status), string(a.ApprovalLevel), a.Version, string(data), now); err != nil {
			return fmt.Errorf("store: insert action %s: %w", a.ID, err)
		}
		return nil
	}

	query := s.rebind(`UPDATE actions
		SET status = ?, approval_level = ?, version = ?, data = ?, updated_at = ?
		WHERE id = ? AND version = ?`)
	res, err := s.db.ExecContext(ctx, query,
		string(a.Status), string(a.ApprovalLevel), a.Version, string(data), now,
		a.ID, a.Version-1)
	if err != nil {
		return fmt.Errorf("store: update action %s: %w", a.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update action %s: %w", a.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: action %s version %d", ErrVersionConflict, a.ID, a.Version)
	}
	return nil
}

// GetAction loads one snapshot row.
func (s *Store) GetAction(ctx context.Context, id string) (*actions.ProposedAction, error) {
	query := s.rebind(`SELECT data FROM actions WHERE id = ?`)
	var data string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, actions.ErrActionNotFound
		}
		return nil, fmt.Errorf("store: get action %s: %w", id, err)
	}
	var a actions.ProposedAction
	if err := json.Unmarshal([]byte(data), &a); err != nil {
		return nil, fmt.Errorf("store: unmarshal action %s: %w", id, err)
	}
	return &a, nil
}

// ListByStatus returns snapshot rows in the given status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status actions.ActionStatus) ([]*actions.ProposedAction, error) {
	query := s.rebind(`SELECT data FROM actions WHERE status = ? ORDER BY updated_at ASC`)
	rows, err := s.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("store: list actions by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*actions.ProposedAction
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan action: %w", err)
		}
		var a actions.ProposedAction
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("store: unmarshal action: %w", err)
		}
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ListActions returns every snapshot row, oldest first. Used to warm the
// in-memory gate after a replay.
func (s *Store) ListActions(ctx context.Context) ([]*actions.ProposedAction, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM actions ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*actions.ProposedAction
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("store: scan action: %w", err)
		}
		var a actions.ProposedAction
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("store: unmarshal action: %w", err)
		}
		result = append(result, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
