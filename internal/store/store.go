// Package store persists negotiation sessions as full checkpoints plus an
// ordered log of incremental write records, and reconstructs them on
// recovery. Backed by sqlite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/parleyd/parley/internal/negotiation"
)

var (
	// ErrNoSession means no persisted history exists for the identifier.
	ErrNoSession = errors.New("no such session")
	// ErrDuplicateSequence means another write already claimed the
	// sequence number. Seen only when single-writer discipline is broken.
	ErrDuplicateSequence = errors.New("duplicate sequence number")
)

// CorruptedHistoryError reports a sequence gap or unreadable record found
// during recovery. It is surfaced, never silently patched.
type CorruptedHistoryError struct {
	SessionID string
	Detail    string
}

func (e *CorruptedHistoryError) Error() string {
	return fmt.Sprintf("corrupted history for session %s: %s", e.SessionID, e.Detail)
}

// WriteRecord is one durable delta in a session's ordered log.
type WriteRecord struct {
	SessionID string             `json:"session_id"`
	Seq       uint64             `json:"seq"`
	Delta     *negotiation.Delta `json:"delta"`
	CreatedAt time.Time          `json:"created_at"`
}

// Checkpoint is a full session snapshot at a sequence number.
type Checkpoint struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	state TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (session_id, seq)
);
CREATE TABLE IF NOT EXISTS writes (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	delta TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_writes_session ON writes(session_id, seq);
`

// isUniqueViolation reports whether the driver rejected an insert over the
// (session_id, seq) primary key.
func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

// Store is the persistence layer shared by all sessions. Safe for
// concurrent use; each operation is scoped to one session's key range.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open store db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AppendWrite appends a delta at the given sequence number. The primary
// key on (session_id, seq) makes sequence assignment atomic: a competing
// writer claiming the same number gets ErrDuplicateSequence, and a write
// is either fully durable or absent.
func (s *Store) AppendWrite(ctx context.Context, sessionID string, seq uint64, delta *negotiation.Delta) (*WriteRecord, error) {
	payload, err := json.Marshal(delta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode delta: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO writes (session_id, seq, delta, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, seq, string(payload), now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("session %s seq %d: %w", sessionID, seq, ErrDuplicateSequence)
		}
		return nil, fmt.Errorf("failed to append write: %w", err)
	}
	return &WriteRecord{SessionID: sessionID, Seq: seq, Delta: delta, CreatedAt: now}, nil
}

// SaveCheckpoint snapshots the full session state at its current sequence
// number. Callers append all writes up to that number before saving, so a
// stored checkpoint always summarizes a durable prefix of the log.
func (s *Store) SaveCheckpoint(ctx context.Context, sess *negotiation.Session) (*Checkpoint, error) {
	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (session_id, seq, state, created_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.Seq, string(payload), now)
	if err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return &Checkpoint{SessionID: sess.ID, Seq: sess.Seq, CreatedAt: now}, nil
}

// Recover rebuilds the latest session state: most recent checkpoint, then
// every write record above it in ascending sequence order. A gap in the
// sequence numbers aborts recovery with CorruptedHistoryError.
func (s *Store) Recover(ctx context.Context, sessionID string) (*negotiation.Session, error) {
	var raw string
	var ckptSeq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT state, seq FROM checkpoints WHERE session_id = ? ORDER BY seq DESC LIMIT 1`,
		sessionID).Scan(&raw, &ckptSeq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		n, cerr := s.countWrites(ctx, sessionID)
		if cerr != nil {
			return nil, cerr
		}
		if n > 0 {
			return nil, &CorruptedHistoryError{SessionID: sessionID, Detail: "write records exist but no checkpoint found"}
		}
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNoSession)
	case err != nil:
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	sess := &negotiation.Session{}
	if err := json.Unmarshal([]byte(raw), sess); err != nil {
		return nil, &CorruptedHistoryError{SessionID: sessionID, Detail: fmt.Sprintf("unreadable checkpoint at seq %d: %v", ckptSeq, err)}
	}

	records, err := s.ListWrites(ctx, sessionID, ckptSeq)
	if err != nil {
		return nil, err
	}
	expect := ckptSeq
	for _, rec := range records {
		expect++
		if rec.Seq != expect {
			return nil, &CorruptedHistoryError{
				SessionID: sessionID,
				Detail:    fmt.Sprintf("sequence gap: expected %d, found %d", expect, rec.Seq),
			}
		}
		if err := negotiation.Apply(sess, rec.Seq, rec.Delta); err != nil {
			return nil, &CorruptedHistoryError{SessionID: sessionID, Detail: fmt.Sprintf("replay failed at seq %d: %v", rec.Seq, err)}
		}
	}
	return sess, nil
}

// EarliestCheckpoint loads the session snapshot with the lowest sequence
// number — normally the creation-time checkpoint at sequence zero. Event
// replay starts here and folds the full write log forward.
func (s *Store) EarliestCheckpoint(ctx context.Context, sessionID string) (*negotiation.Session, error) {
	var raw string
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT state, seq FROM checkpoints WHERE session_id = ? ORDER BY seq ASC LIMIT 1`,
		sessionID).Scan(&raw, &seq)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNoSession)
	case err != nil:
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	sess := &negotiation.Session{}
	if err := json.Unmarshal([]byte(raw), sess); err != nil {
		return nil, &CorruptedHistoryError{SessionID: sessionID, Detail: fmt.Sprintf("unreadable checkpoint at seq %d: %v", seq, err)}
	}
	return sess, nil
}

// ListWrites returns all write records for a session with sequence numbers
// above afterSeq, in ascending order.
func (s *Store) ListWrites(ctx context.Context, sessionID string, afterSeq uint64) ([]*WriteRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, delta, created_at FROM writes WHERE session_id = ? AND seq > ? ORDER BY seq ASC`,
		sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list writes: %w", err)
	}
	defer rows.Close()

	var records []*WriteRecord
	for rows.Next() {
		rec := &WriteRecord{SessionID: sessionID}
		var raw string
		if err := rows.Scan(&rec.Seq, &raw, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan write: %w", err)
		}
		delta := &negotiation.Delta{}
		if err := json.Unmarshal([]byte(raw), delta); err != nil {
			return nil, &CorruptedHistoryError{SessionID: sessionID, Detail: fmt.Sprintf("unreadable write at seq %d: %v", rec.Seq, err)}
		}
		rec.Delta = delta
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Purge deletes all checkpoints and write records for a session.
// Idempotent: purging an unknown session is a no-op.
func (s *Store) Purge(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM writes WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to purge writes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to purge checkpoints: %w", err)
	}
	return nil
}

// PurgeAll deletes every session's persisted history.
func (s *Store) PurgeAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM writes`); err != nil {
		return fmt.Errorf("failed to purge writes: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints`); err != nil {
		return fmt.Errorf("failed to purge checkpoints: %w", err)
	}
	return nil
}

// SessionIDs returns the ids of every session with persisted history.
func (s *Store) SessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT session_id FROM checkpoints UNION SELECT DISTINCT session_id FROM writes`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) countWrites(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM writes WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count writes: %w", err)
	}
	return n, nil
}

// DeleteWrite removes a single write record. Exists for operator tooling
// and fault-injection tests; normal operation never deletes writes.
func (s *Store) DeleteWrite(ctx context.Context, sessionID string, seq uint64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM writes WHERE session_id = ? AND seq = ?`, sessionID, seq)
	if err != nil {
		return fmt.Errorf("failed to delete write: %w", err)
	}
	return nil
}
