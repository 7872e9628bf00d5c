// Package eventstore keeps a bounded SQLite journal of dictation activity:
// state transitions, deliveries and notices. Transcript text is never
// written; deliveries record only the character count.
package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/domain"
	_ "modernc.org/sqlite"
)

const (
	KindState      = "state"
	KindTranscript = "transcript"
	KindNotice     = "notice"
)

// Entry is one journal row.
type Entry struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	State      string    `json:"state,omitempty"`
	Code       string    `json:"code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Chars      int       `json:"chars,omitempty"`
	Copied     bool      `json:"copied,omitempty"`
	Pasted     bool      `json:"pasted,omitempty"`
	Generation uint64    `json:"generation,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store wraps the journal database. An ephemeral store accepts every call
// and keeps nothing.
type Store struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time

	mu     sync.Mutex
	closed bool
	queue  chan Entry
	done   chan struct{}
}

// Open initializes the journal according to config and starts the
// background writer that backs the EventSink methods.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	s := &Store{cfg: cfg, log: log, clock: time.Now, done: make(chan struct{})}
	if cfg.RetentionMode == "ephemeral" {
		close(s.done)
		return s, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s.db = db

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	s.queue = make(chan Entry, 64)
	go s.writer()
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT '',
    code TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    chars INTEGER NOT NULL DEFAULT 0,
    copied INTEGER NOT NULL DEFAULT 0,
    pasted INTEGER NOT NULL DEFAULT 0,
    generation INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_created ON entries(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) writer() {
	defer close(s.done)
	for e := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.Append(ctx, e); err != nil {
			s.log.Warn("journal append failed", slog.String("kind", e.Kind), slog.String("error", err.Error()))
		}
		cancel()
	}
}

// Close drains queued entries and releases the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.closed && s.queue != nil {
		close(s.queue)
	}
	s.closed = true
	s.mu.Unlock()
	<-s.done
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes an entry synchronously.
func (s *Store) Append(ctx context.Context, e Entry) error {
	if s.db == nil {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(kind, state, code, detail, chars, copied, pasted, generation, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Kind, e.State, e.Code, e.Detail, e.Chars, boolInt(e.Copied), boolInt(e.Pasted), int64(e.Generation), e.CreatedAt.UnixMilli())
	return err
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, state, code, detail, chars, copied, pasted, generation, created_at
		 FROM entries ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e              Entry
			copied, pasted int
			generation     int64
			created        int64
		)
		if err := rows.Scan(&e.ID, &e.Kind, &e.State, &e.Code, &e.Detail, &e.Chars, &copied, &pasted, &generation, &created); err != nil {
			return nil, err
		}
		e.Copied, e.Pasted = copied != 0, pasted != 0
		e.Generation = uint64(generation)
		e.CreatedAt = time.UnixMilli(created).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune applies configured retention. It runs on open and can be called
// again at any time.
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.db == nil {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE created_at < ?`, cutoff.UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEntries > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM entries WHERE id IN (
			SELECT id FROM entries ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEntries)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// enqueue never blocks the caller; a full queue drops the entry.
func (s *Store) enqueue(e Entry) {
	if s.queue == nil {
		return
	}
	e.CreatedAt = s.clock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- e:
	default:
		s.log.Warn("journal queue full, entry dropped", slog.String("kind", e.Kind))
	}
}

func (s *Store) StateChanged(status domain.Status) {
	s.enqueue(Entry{
		Kind:       KindState,
		State:      string(status.State),
		Code:       status.ErrorKind,
		Generation: status.Generation,
	})
}

func (s *Store) TranscriptDelivered(text string, copied, pasted bool) {
	s.enqueue(Entry{Kind: KindTranscript, Chars: len(text), Copied: copied, Pasted: pasted})
}

func (s *Store) Notice(code domain.ErrorCode, detail string) {
	s.enqueue(Entry{Kind: KindNotice, Code: string(code), Detail: detail})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
