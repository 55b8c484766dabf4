package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"caro"
)

var inboxSchema = []string{
	`CREATE TABLE IF NOT EXISTS inbox_entries (
	seq INTEGER PRIMARY KEY,
	arrival_order INTEGER NOT NULL,
	queue_pos INTEGER NOT NULL,
	captured_at TEXT NOT NULL,
	checksum BLOB NOT NULL,
	payload BLOB,
	state TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	arrived_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS inbox_entries_state ON inbox_entries (state, queue_pos)`,
	`CREATE TABLE IF NOT EXISTS detection_results (
	seq INTEGER PRIMARY KEY,
	labels TEXT NOT NULL,
	detected_at TEXT NOT NULL
)`,
}

// InboxStore persists inbox entries and their detection results.
type InboxStore struct {
	db *sql.DB
}

// OpenInbox opens the inbox database at path.
func OpenInbox(path string) (*InboxStore, error) {
	db, err := open(path, inboxSchema...)
	if err != nil {
		return nil, err
	}
	return &InboxStore{db: db}, nil
}

func (s *InboxStore) Close() error {
	return s.db.Close()
}

// Insert records a newly accepted entry.
func (s *InboxStore) Insert(ctx context.Context, e caro.InboxEntry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO inbox_entries (
	seq,
	arrival_order,
	queue_pos,
	captured_at,
	checksum,
	payload,
	state,
	attempts,
	last_error,
	arrived_at,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(e.Frame.Seq),
		e.ArrivalOrder,
		e.QueuePos,
		formatTime(e.Frame.CapturedAt),
		e.Frame.Checksum[:],
		e.Frame.Payload,
		e.State.String(),
		e.Attempts,
		e.LastError,
		formatTime(e.ArrivedAt),
		formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert inbox entry %d: %w", e.Frame.Seq, err)
	}
	return nil
}

// Update writes the mutable fields of e. Terminal entries drop their payload,
// and a Done entry records its result in the same transaction.
func (s *InboxStore) Update(ctx context.Context, e caro.InboxEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin inbox update transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `UPDATE inbox_entries SET state = ?, queue_pos = ?, attempts = ?, last_error = ?, updated_at = ? WHERE seq = ?`
	if e.State.Terminal() {
		query = `UPDATE inbox_entries SET state = ?, queue_pos = ?, attempts = ?, last_error = ?, updated_at = ?, payload = NULL WHERE seq = ?`
	}
	res, err := tx.ExecContext(ctx, query,
		e.State.String(),
		e.QueuePos,
		e.Attempts,
		e.LastError,
		formatTime(e.UpdatedAt),
		int64(e.Frame.Seq),
	)
	if err != nil {
		return fmt.Errorf("update inbox entry %d: %w", e.Frame.Seq, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update inbox entry %d: %w", e.Frame.Seq, caro.ErrNotFound)
	}

	if e.State == caro.EntryDone && e.Result != nil {
		labels, err := json.Marshal(e.Result.Labels)
		if err != nil {
			return fmt.Errorf("encode detection result %d: %w", e.Frame.Seq, err)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO detection_results (seq, labels, detected_at) VALUES (?, ?, ?)
ON CONFLICT(seq) DO NOTHING`,
			int64(e.Frame.Seq), string(labels), formatTime(e.Result.DetectedAt),
		); err != nil {
			return fmt.Errorf("insert detection result %d: %w", e.Frame.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit inbox update transaction: %w", err)
	}
	return nil
}

// ResetInProgress returns every in-progress entry to pending and reports how
// many rows changed.
func (s *InboxStore) ResetInProgress(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE inbox_entries SET state = ?, updated_at = ? WHERE state = ?`,
		caro.EntryPending.String(), formatTime(now), caro.EntryInProgress.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("reset in-progress inbox entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset in-progress inbox entries: %w", err)
	}
	return int(n), nil
}

// Load returns every entry ordered by queue position, with detection results
// attached. Terminal entries come back without payloads.
func (s *InboxStore) Load(ctx context.Context) ([]caro.InboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT e.seq, e.arrival_order, e.queue_pos, e.captured_at, e.checksum, e.payload, e.state, e.attempts, e.last_error, e.arrived_at, e.updated_at,
	r.labels, r.detected_at
FROM inbox_entries e
LEFT JOIN detection_results r ON r.seq = e.seq
ORDER BY e.queue_pos, e.arrival_order`)
	if err != nil {
		return nil, fmt.Errorf("query inbox entries: %w", err)
	}
	defer rows.Close()

	var out []caro.InboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox entries: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (caro.InboxEntry, error) {
	e, labels, detectedAt, err := scanEntryColumns(row)
	if err != nil {
		return e, err
	}
	if labels.Valid {
		result := &caro.DetectionResult{Seq: e.Frame.Seq}
		if err := json.Unmarshal([]byte(labels.String), &result.Labels); err != nil {
			return e, fmt.Errorf("decode detection result %d: %w", e.Frame.Seq, err)
		}
		if result.DetectedAt, err = parseTime(detectedAt.String); err != nil {
			return e, err
		}
		e.Result = result
	}
	return e, nil
}

func scanEntryColumns(row scanner) (caro.InboxEntry, sql.NullString, sql.NullString, error) {
	var (
		e                                   caro.InboxEntry
		seq                                 int64
		capturedAt, state, arrived, updated string
		checksum, payload                   []byte
		labels, detectedAt                  sql.NullString
	)
	if err := row.Scan(&seq, &e.ArrivalOrder, &e.QueuePos, &capturedAt, &checksum, &payload, &state, &e.Attempts, &e.LastError, &arrived, &updated, &labels, &detectedAt); err != nil {
		return e, labels, detectedAt, fmt.Errorf("scan inbox entry: %w", err)
	}

	e.Frame.Seq = uint64(seq)
	e.Frame.Payload = payload
	sum, err := caro.ChecksumFromBytes(checksum)
	if err != nil {
		return e, labels, detectedAt, fmt.Errorf("inbox entry %d: %w", seq, err)
	}
	e.Frame.Checksum = sum

	st, ok := caro.ParseEntryState(state)
	if !ok {
		return e, labels, detectedAt, fmt.Errorf("inbox entry %d: unknown state %q", seq, state)
	}
	e.State = st

	if e.Frame.CapturedAt, err = parseTime(capturedAt); err != nil {
		return e, labels, detectedAt, err
	}
	if e.ArrivedAt, err = parseTime(arrived); err != nil {
		return e, labels, detectedAt, err
	}
	if e.UpdatedAt, err = parseTime(updated); err != nil {
		return e, labels, detectedAt, err
	}
	return e, labels, detectedAt, nil
}
