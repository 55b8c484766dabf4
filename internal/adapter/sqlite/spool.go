package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"caro"
)

var spoolSchema = []string{
	`CREATE TABLE IF NOT EXISTS spool (
	seq INTEGER PRIMARY KEY,
	captured_at TEXT NOT NULL,
	checksum BLOB NOT NULL,
	payload BLOB NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS dead_letters (
	seq INTEGER PRIMARY KEY,
	captured_at TEXT NOT NULL,
	checksum BLOB NOT NULL,
	payload BLOB NOT NULL,
	attempts INTEGER NOT NULL,
	reason TEXT NOT NULL,
	dead_at TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS spool_meta (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL
)`,
}

const metaNextSeq = "next_seq"

// SpoolStore persists the capture agent's bounded send spool, its dead-letter
// log and the sequence counter.
type SpoolStore struct {
	db *sql.DB
}

// OpenSpool opens the spool database at path.
func OpenSpool(path string) (*SpoolStore, error) {
	db, err := open(path, spoolSchema...)
	if err != nil {
		return nil, err
	}
	return &SpoolStore{db: db}, nil
}

func (s *SpoolStore) Close() error {
	return s.db.Close()
}

// Push assigns the next sequence id to payload, stores it and evicts the
// oldest frames beyond capacity. It returns the stored frame and the evicted
// sequence ids, oldest first.
func (s *SpoolStore) Push(ctx context.Context, capturedAt time.Time, payload []byte, capacity int) (caro.Frame, []uint64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return caro.Frame{}, nil, fmt.Errorf("begin spool push transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var next int64
	err = tx.QueryRowContext(ctx, `SELECT value FROM spool_meta WHERE key = ?`, metaNextSeq).Scan(&next)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		next = 1
	case err != nil:
		return caro.Frame{}, nil, fmt.Errorf("read next sequence id: %w", err)
	}

	if payload == nil {
		payload = []byte{}
	}
	frame := caro.NewFrame(uint64(next), capturedAt, payload)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO spool (seq, captured_at, checksum, payload) VALUES (?, ?, ?, ?)`,
		next, formatTime(capturedAt), frame.Checksum[:], payload,
	); err != nil {
		return caro.Frame{}, nil, fmt.Errorf("insert spool frame %d: %w", next, err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO spool_meta (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaNextSeq, next+1,
	); err != nil {
		return caro.Frame{}, nil, fmt.Errorf("advance sequence id: %w", err)
	}

	var (
		evicted []uint64
		count   int
	)
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM spool`).Scan(&count); err != nil {
		return caro.Frame{}, nil, fmt.Errorf("count spool frames: %w", err)
	}
	if capacity > 0 && count > capacity {
		rows, err := tx.QueryContext(ctx, `SELECT seq FROM spool ORDER BY seq LIMIT ?`, count-capacity)
		if err != nil {
			return caro.Frame{}, nil, fmt.Errorf("select spool overflow: %w", err)
		}
		for rows.Next() {
			var seq int64
			if err := rows.Scan(&seq); err != nil {
				rows.Close()
				return caro.Frame{}, nil, fmt.Errorf("scan spool overflow: %w", err)
			}
			evicted = append(evicted, uint64(seq))
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return caro.Frame{}, nil, fmt.Errorf("iterate spool overflow: %w", err)
		}
		rows.Close()

		for _, seq := range evicted {
			if _, err := tx.ExecContext(ctx, `DELETE FROM spool WHERE seq = ?`, int64(seq)); err != nil {
				return caro.Frame{}, nil, fmt.Errorf("evict spool frame %d: %w", seq, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return caro.Frame{}, nil, fmt.Errorf("commit spool push transaction: %w", err)
	}
	return frame, evicted, nil
}

// Head returns the lowest-sequence frame, or false when the spool is empty.
func (s *SpoolStore) Head(ctx context.Context) (caro.Frame, bool, error) {
	var (
		seq        int64
		capturedAt string
		checksum   []byte
		f          caro.Frame
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, captured_at, checksum, payload FROM spool ORDER BY seq LIMIT 1`,
	).Scan(&seq, &capturedAt, &checksum, &f.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return caro.Frame{}, false, nil
	}
	if err != nil {
		return caro.Frame{}, false, fmt.Errorf("read spool head: %w", err)
	}
	f.Seq = uint64(seq)
	if f.Checksum, err = caro.ChecksumFromBytes(checksum); err != nil {
		return caro.Frame{}, false, fmt.Errorf("spool frame %d: %w", seq, err)
	}
	if f.CapturedAt, err = parseTime(capturedAt); err != nil {
		return caro.Frame{}, false, err
	}
	return f, true, nil
}

// Remove deletes a delivered frame. Removing an absent frame is not an error.
func (s *SpoolStore) Remove(ctx context.Context, seq uint64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM spool WHERE seq = ?`, int64(seq)); err != nil {
		return fmt.Errorf("remove spool frame %d: %w", seq, err)
	}
	return nil
}

// DeadLetter moves a frame out of the spool into the dead-letter log.
func (s *SpoolStore) DeadLetter(ctx context.Context, dl caro.DeadLetter) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin dead-letter transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO dead_letters (seq, captured_at, checksum, payload, attempts, reason, dead_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(seq) DO UPDATE SET
	attempts = excluded.attempts,
	reason = excluded.reason,
	dead_at = excluded.dead_at`,
		int64(dl.Frame.Seq),
		formatTime(dl.Frame.CapturedAt),
		dl.Frame.Checksum[:],
		dl.Frame.Payload,
		dl.Attempts,
		dl.Reason,
		formatTime(dl.At),
	); err != nil {
		return fmt.Errorf("insert dead letter %d: %w", dl.Frame.Seq, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM spool WHERE seq = ?`, int64(dl.Frame.Seq)); err != nil {
		return fmt.Errorf("remove dead-lettered frame %d: %w", dl.Frame.Seq, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit dead-letter transaction: %w", err)
	}
	return nil
}

// Count returns the number of frames waiting in the spool.
func (s *SpoolStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM spool`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count spool frames: %w", err)
	}
	return n, nil
}

// Seqs returns the sequence ids waiting in the spool, lowest first.
func (s *SpoolStore) Seqs(ctx context.Context) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq FROM spool ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query spool: %w", err)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, fmt.Errorf("scan spool seq: %w", err)
		}
		out = append(out, uint64(seq))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spool: %w", err)
	}
	return out, nil
}

// DeadLetters returns the dead-letter log, oldest first. Payloads are omitted.
func (s *SpoolStore) DeadLetters(ctx context.Context) ([]caro.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT seq, captured_at, checksum, attempts, reason, dead_at
FROM dead_letters
ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []caro.DeadLetter
	for rows.Next() {
		var (
			dl                 caro.DeadLetter
			seq                int64
			capturedAt, deadAt string
			checksum           []byte
		)
		if err := rows.Scan(&seq, &capturedAt, &checksum, &dl.Attempts, &dl.Reason, &deadAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Frame.Seq = uint64(seq)
		if dl.Frame.Checksum, err = caro.ChecksumFromBytes(checksum); err != nil {
			return nil, fmt.Errorf("dead letter %d: %w", seq, err)
		}
		if dl.Frame.CapturedAt, err = parseTime(capturedAt); err != nil {
			return nil, err
		}
		if dl.At, err = parseTime(deadAt); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}
