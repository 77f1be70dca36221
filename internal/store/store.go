// Package store persists pending approvals and the audit log in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const isoFormat = "2006-01-02T15:04:05Z"

// EpochToISO renders an epoch-seconds timestamp as ISO-8601 UTC text with
// second resolution, the format every persisted timestamp uses.
func EpochToISO(epoch float64) string {
	return time.Unix(int64(epoch), 0).UTC().Format(isoFormat)
}

// ISOToEpoch parses a persisted timestamp back to epoch seconds.
// Unparseable input yields zero.
func ISOToEpoch(iso string) float64 {
	t, err := time.Parse(isoFormat, iso)
	if err != nil {
		return 0
	}
	return float64(t.Unix())
}

var tables = []string{
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		request_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		args TEXT NOT NULL,
		signature TEXT NOT NULL,
		decision TEXT NOT NULL,
		resolution TEXT,
		resolved_by TEXT,
		resolved_at TEXT,
		execution_result TEXT,
		agent_id TEXT DEFAULT 'default'
	)`,
	`CREATE TABLE IF NOT EXISTS pending_requests (
		request_id TEXT PRIMARY KEY,
		tool_name TEXT NOT NULL,
		args TEXT NOT NULL,
		signature TEXT NOT NULL,
		message_id TEXT,
		result TEXT,
		created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
		expires_at TEXT NOT NULL
	)`,
}

var indexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp)",
	"CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_log(tool_name)",
	"CREATE INDEX IF NOT EXISTS idx_pending_expires ON pending_requests(expires_at)",
}

// Store wraps a SQLite database holding the pending approvals and the audit
// log. All writes go through a single connection.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates the parent directory and schema if missing, restricts the
// database file to owner read/write, and caps the connection pool at one so
// every operation is serialized.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range tables {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create index: %w", err)
		}
	}

	if err := os.Chmod(path, 0o600); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to restrict database permissions: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// HealthCheck reports whether the connection can execute a query.
func (s *Store) HealthCheck(ctx context.Context) bool {
	var one int
	return s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one) == nil
}

// PendingRow is one pending_requests row. Args and Result hold raw JSON
// text; Result stays empty until the offline path records a completion.
type PendingRow struct {
	RequestID string
	ToolName  string
	Args      string
	Signature string
	MessageID string
	Result    string
	CreatedAt string
	ExpiresAt string
}

const pendingColumns = "request_id, tool_name, args, signature, message_id, result, created_at, expires_at"

// InsertPending records an approval awaiting a decision. Args are stored as
// JSON text; created_at is filled by the schema default.
func (s *Store) InsertPending(ctx context.Context, requestID, toolName string, args map[string]any, signature, expiresAt string) error {
	argsJSON, err := encodeArgs(args)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_requests (request_id, tool_name, args, signature, expires_at)
		 VALUES (?, ?, ?, ?, ?)`,
		requestID, toolName, argsJSON, signature, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert pending request: %w", err)
	}
	return nil
}

// UpdatePendingMessageID records the messenger's message handle once the
// approval prompt has been posted.
func (s *Store) UpdatePendingMessageID(ctx context.Context, requestID, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE pending_requests SET message_id = ? WHERE request_id = ?",
		messageID, requestID)
	if err != nil {
		return fmt.Errorf("failed to update message id: %w", err)
	}
	return nil
}

// GetPending returns a single pending row, or nil when the id is unknown.
func (s *Store) GetPending(ctx context.Context, requestID string) (*PendingRow, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+pendingColumns+" FROM pending_requests WHERE request_id = ?", requestID)
	pending, err := scanPending(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query pending request: %w", err)
	}
	return pending, nil
}

// DeletePending removes a resolved pending row.
func (s *Store) DeletePending(ctx context.Context, requestID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM pending_requests WHERE request_id = ?", requestID); err != nil {
		return fmt.Errorf("failed to delete pending request: %w", err)
	}
	return nil
}

// UpdatePendingResult writes the offline completion payload. The write is
// monotonic: a row's result transitions from null to populated at most once,
// and later calls leave the first value in place.
func (s *Store) UpdatePendingResult(ctx context.Context, requestID, resultJSON string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE pending_requests SET result = ? WHERE request_id = ? AND result IS NULL",
		resultJSON, requestID)
	if err != nil {
		return fmt.Errorf("failed to update pending result: %w", err)
	}
	return nil
}

// GetCompletedResults returns every pending row whose result is populated.
func (s *Store) GetCompletedResults(ctx context.Context) ([]PendingRow, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+pendingColumns+" FROM pending_requests WHERE result IS NOT NULL")
	if err != nil {
		return nil, fmt.Errorf("failed to query completed results: %w", err)
	}
	return collectPending(rows)
}

// DeleteCompletedResults removes delivered rows by id. An empty list is a
// no-op.
func (s *Store) DeleteCompletedResults(ctx context.Context, requestIDs []string) error {
	if len(requestIDs) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(requestIDs)), ",")
	args := make([]any, len(requestIDs))
	for i, id := range requestIDs {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM pending_requests WHERE request_id IN ("+placeholders+")", args...)
	if err != nil {
		return fmt.Errorf("failed to delete completed results: %w", err)
	}
	return nil
}

// CleanupStale deletes pending rows whose expiry has passed and returns
// them.
func (s *Store) CleanupStale(ctx context.Context) ([]PendingRow, error) {
	now := EpochToISO(float64(time.Now().Unix()))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		"SELECT "+pendingColumns+" FROM pending_requests WHERE expires_at <= ?", now)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale requests: %w", err)
	}
	stale, err := collectPending(rows)
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pending_requests WHERE expires_at <= ?", now); err != nil {
		return nil, fmt.Errorf("failed to delete stale requests: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return stale, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row rowScanner) (*PendingRow, error) {
	var p PendingRow
	var messageID, result sql.NullString
	if err := row.Scan(&p.RequestID, &p.ToolName, &p.Args, &p.Signature,
		&messageID, &result, &p.CreatedAt, &p.ExpiresAt); err != nil {
		return nil, err
	}
	p.MessageID = messageID.String
	p.Result = result.String
	return &p, nil
}

func collectPending(rows *sql.Rows) ([]PendingRow, error) {
	defer rows.Close()
	var out []PendingRow
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending request: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending requests: %w", err)
	}
	return out, nil
}

func encodeArgs(args map[string]any) (string, error) {
	if args == nil {
		return "{}", nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode args: %w", err)
	}
	return string(data), nil
}
