// Package sqlite persists the audit trail and in-flight approvals in a local
// SQLite database.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/agent-gate/agentgate/internal/domain/audit"
)

// timeLayout is fixed-width UTC so lexicographic order in SQL equals time
// order (RFC3339Nano trims trailing zeros and would not sort correctly).
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	request_id       TEXT PRIMARY KEY,
	wire_id          TEXT,
	ts               TEXT NOT NULL,
	tool             TEXT NOT NULL,
	args             TEXT NOT NULL,
	signature        TEXT NOT NULL,
	decision         TEXT NOT NULL,
	resolution       TEXT NOT NULL DEFAULT '',
	resolved_by      TEXT NOT NULL DEFAULT '',
	resolved_at      TEXT NOT NULL DEFAULT '',
	execution_result TEXT NOT NULL DEFAULT '',
	agent_id         TEXT NOT NULL,
	delivered        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(ts);
CREATE INDEX IF NOT EXISTS idx_audit_tool ON audit_log(tool);

CREATE TABLE IF NOT EXISTS pending_requests (
	request_id TEXT PRIMARY KEY,
	tool       TEXT NOT NULL,
	args       TEXT NOT NULL,
	signature  TEXT NOT NULL,
	created_at TEXT NOT NULL,
	expires_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_expires ON pending_requests(expires_at);
`

// Store implements audit.Store on a single SQLite file.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex // serializes writes; SQLite allows one writer
	logger *slog.Logger
}

var _ audit.Store = (*Store)(nil)

// New opens (creating if needed) the database at path. The file is created
// with mode 0600 because audit rows contain tool arguments.
func New(path string, logger *slog.Logger) (*Store, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create database file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("create database file: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records a new request with its policy decision.
func (s *Store) Append(e audit.Entry) error {
	args, err := json.Marshal(e.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO audit_log (request_id, wire_id, ts, tool, args, signature, decision, agent_id, delivered)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, string(e.WireID), e.Timestamp.UTC().Format(timeLayout),
		e.Tool, string(args), e.Signature, e.Decision, e.AgentID, boolToInt(e.Delivered),
	)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// Resolve finalizes a row with its terminal resolution.
func (s *Store) Resolve(requestID, resolution, resolvedBy string, resolvedAt time.Time, result json.RawMessage, delivered bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE audit_log SET resolution = ?, resolved_by = ?, resolved_at = ?, execution_result = ?, delivered = ?
		 WHERE request_id = ?`,
		resolution, resolvedBy, resolvedAt.UTC().Format(timeLayout),
		string(result), boolToInt(delivered), requestID,
	)
	if err != nil {
		return fmt.Errorf("resolve audit row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve audit row: %w", err)
	}
	if n == 0 {
		return audit.ErrNotFound
	}
	return nil
}

// MarkDelivered flips the delivered flag after a successful replay.
func (s *Store) MarkDelivered(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE audit_log SET delivered = 1 WHERE request_id = ?`, requestID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	if n == 0 {
		return audit.ErrNotFound
	}
	return nil
}

// Undelivered returns resolved rows whose outcome never reached the agent,
// oldest first so replay preserves request order.
func (s *Store) Undelivered(agentID string) ([]audit.Entry, error) {
	rows, err := s.db.Query(
		`SELECT request_id, wire_id, ts, tool, args, signature, decision, resolution, resolved_by, resolved_at, execution_result, agent_id, delivered
		 FROM audit_log
		 WHERE agent_id = ? AND delivered = 0 AND resolution != ''
		 ORDER BY ts ASC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("query undelivered: %w", err)
	}
	defer rows.Close()
	return s.scanEntries(rows)
}

// Recent returns the newest rows first, at most limit.
func (s *Store) Recent(limit int) ([]audit.Entry, error) {
	rows, err := s.db.Query(
		`SELECT request_id, wire_id, ts, tool, args, signature, decision, resolution, resolved_by, resolved_at, execution_result, agent_id, delivered
		 FROM audit_log
		 ORDER BY ts DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()
	return s.scanEntries(rows)
}

func (s *Store) scanEntries(rows *sql.Rows) ([]audit.Entry, error) {
	var entries []audit.Entry
	for rows.Next() {
		var (
			e                      audit.Entry
			wireID, ts, args       string
			resolvedAt, execResult string
			delivered              int
		)
		if err := rows.Scan(&e.RequestID, &wireID, &ts, &e.Tool, &args, &e.Signature,
			&e.Decision, &e.Resolution, &e.ResolvedBy, &resolvedAt, &execResult,
			&e.AgentID, &delivered); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if wireID != "" {
			e.WireID = json.RawMessage(wireID)
		}
		var err error
		e.Timestamp, err = time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		if resolvedAt != "" {
			e.ResolvedAt, err = time.Parse(timeLayout, resolvedAt)
			if err != nil {
				return nil, fmt.Errorf("parse resolved_at: %w", err)
			}
		}
		if err := json.Unmarshal([]byte(args), &e.Args); err != nil {
			return nil, fmt.Errorf("unmarshal args: %w", err)
		}
		if execResult != "" {
			e.ExecutionResult = json.RawMessage(execResult)
		}
		e.Delivered = delivered != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// InsertPending records an in-flight approval for crash recovery.
func (s *Store) InsertPending(p audit.PendingRow) error {
	args, err := json.Marshal(p.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(
		`INSERT INTO pending_requests (request_id, tool, args, signature, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.RequestID, p.Tool, string(args), p.Signature,
		p.CreatedAt.UTC().Format(timeLayout), p.ExpiresAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert pending row: %w", err)
	}
	return nil
}

// DeletePending removes an in-flight approval once resolved. Deleting an
// absent row is not an error.
func (s *Store) DeletePending(requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`DELETE FROM pending_requests WHERE request_id = ?`, requestID); err != nil {
		return fmt.Errorf("delete pending row: %w", err)
	}
	return nil
}

// SweepStale removes pending rows whose expiry is at or before now and
// returns them so the caller can finalize their audit rows.
func (s *Store) SweepStale(now time.Time) ([]audit.PendingRow, error) {
	cutoff := now.UTC().Format(timeLayout)

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT request_id, tool, args, signature, created_at, expires_at
		 FROM pending_requests
		 WHERE expires_at <= ?`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale pending: %w", err)
	}

	var stale []audit.PendingRow
	for rows.Next() {
		var (
			p                  audit.PendingRow
			args, created, exp string
		)
		if err := rows.Scan(&p.RequestID, &p.Tool, &args, &p.Signature, &created, &exp); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		if err := json.Unmarshal([]byte(args), &p.Args); err != nil {
			rows.Close()
			return nil, fmt.Errorf("unmarshal args: %w", err)
		}
		var perr error
		if p.CreatedAt, perr = time.Parse(timeLayout, created); perr != nil {
			rows.Close()
			return nil, fmt.Errorf("parse created_at: %w", perr)
		}
		if p.ExpiresAt, perr = time.Parse(timeLayout, exp); perr != nil {
			rows.Close()
			return nil, fmt.Errorf("parse expires_at: %w", perr)
		}
		stale = append(stale, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := s.db.Exec(`DELETE FROM pending_requests WHERE expires_at <= ?`, cutoff); err != nil {
		return nil, fmt.Errorf("delete stale pending: %w", err)
	}
	return stale, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
