// Package capture records CAN traffic into a sqlite database so it can be
// listed and replayed later.
package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gocandle/candle/pkg/frame"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("capture: not found")

// rawLayout keeps every frame field, timestamp included.
var rawLayout = frame.Layout{Timestamp: true}

type Store struct {
	db *sql.DB

	mu  sync.Mutex
	seq map[string]int64
}

// Session describes one recording.
type Session struct {
	ID          string
	Device      string
	Channel     int
	Bitrate     uint32
	DataBitrate uint32
	Mode        string
	StartedAt   time.Time
	Frames      int64
}

// Record is one captured frame.
type Record struct {
	Seq   int64
	At    time.Time
	Frame *frame.Frame
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, seq: make(map[string]int64)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// NewSession stores sess under a fresh id and returns it.
func (s *Store) NewSession(ctx context.Context, sess Session) (Session, error) {
	sess.ID = uuid.NewString()
	if sess.StartedAt.IsZero() {
		sess.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(session_id, device, channel, bitrate, data_bitrate, mode, started_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, sess.ID, sess.Device, sess.Channel, sess.Bitrate, sess.DataBitrate, sess.Mode, ts(sess.StartedAt))
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Record appends f to the session. Frames keep the order they were
// recorded in.
func (s *Store) Record(ctx context.Context, sessionID string, f *frame.Frame) error {
	raw, err := frame.Encode(f, rawLayout)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.seq[sessionID]
	if !ok {
		if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM frames WHERE session_id = ?`, sessionID).Scan(&seq); err != nil {
			return fmt.Errorf("read sequence: %w", err)
		}
	}
	seq++
	_, err = s.db.ExecContext(ctx, `
INSERT INTO frames(session_id, seq, captured_at, can_id, dlc, rx, raw)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, sessionID, seq, ts(time.Now()), f.ID, f.DLC, boolToInt(f.RX), raw)
	if err != nil {
		return fmt.Errorf("insert frame: %w", err)
	}
	s.seq[sessionID] = seq
	return nil
}

// Sessions lists recordings, newest first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT s.session_id, s.device, s.channel, s.bitrate, s.data_bitrate, s.mode, s.started_at,
	(SELECT COUNT(*) FROM frames f WHERE f.session_id = s.session_id)
FROM sessions s
ORDER BY s.started_at DESC, s.rowid DESC
`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT s.session_id, s.device, s.channel, s.bitrate, s.data_bitrate, s.mode, s.started_at,
	(SELECT COUNT(*) FROM frames f WHERE f.session_id = s.session_id)
FROM sessions s
WHERE s.session_id = ?
`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return sess, err
}

// Frames calls fn with every frame of the session in recording order.
// Iteration stops at the first error fn returns.
func (s *Store) Frames(ctx context.Context, sessionID string, fn func(Record) error) error {
	if _, err := s.Session(ctx, sessionID); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT seq, captured_at, raw FROM frames WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return fmt.Errorf("list frames: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			rec Record
			at  string
			raw []byte
		)
		if err := rows.Scan(&rec.Seq, &at, &raw); err != nil {
			return fmt.Errorf("scan frame: %w", err)
		}
		if rec.At, err = parseTS(at); err != nil {
			return fmt.Errorf("frame %d: %w", rec.Seq, err)
		}
		if rec.Frame, err = frame.Decode(raw, rawLayout); err != nil {
			return fmt.Errorf("frame %d: %w", rec.Seq, err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, rec := range recs {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// DeleteSession removes a recording and its frames.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	s.mu.Lock()
	delete(s.seq, id)
	s.mu.Unlock()
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(r scanner) (Session, error) {
	var (
		sess    Session
		started string
	)
	if err := r.Scan(&sess.ID, &sess.Device, &sess.Channel, &sess.Bitrate, &sess.DataBitrate, &sess.Mode, &started, &sess.Frames); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	t, err := parseTS(started)
	if err != nil {
		return Session{}, fmt.Errorf("session %s: %w", sess.ID, err)
	}
	sess.StartedAt = t
	return sess, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// tsLayout keeps trailing zeros so stored timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
