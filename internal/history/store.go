// Package history keeps a journal of successful retrievals in SQLite. It
// is write-mostly: lookups go through the result cache, never here.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/RTCFlyer/discord-media-helper/internal/bus"
	"github.com/RTCFlyer/discord-media-helper/internal/domain"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const recordTimeout = 5 * time.Second

// Entry is one journaled retrieval.
type Entry struct {
	ID        string
	URL       string
	FileBase  string
	Service   string
	Type      domain.MediaType
	File      string
	Raw       string
	Handler   string
	UserID    string
	Initiator domain.Initiator
	Cached    bool
	Duration  time.Duration
	CreatedAt time.Time
}

// HandlerCount is a row of Store.CountByHandler.
type HandlerCount struct {
	Handler string
	Count   int
}

// Store is the SQLite-backed journal.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and migrates) the journal at dbPath.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record inserts e, assigning an ID and timestamp when missing.
func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO retrievals (id, url, file_base, service, type, file, raw, handler, user_id, initiator, cached, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.URL, e.FileBase, e.Service, string(e.Type), e.File, e.Raw, e.Handler,
		e.UserID, string(e.Initiator), e.Cached, e.Duration.Milliseconds(), e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert retrieval: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, file_base, service, type, file, raw, handler, user_id, initiator, cached, duration_ms, created_at
		 FROM retrievals ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query retrievals: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e              Entry
			typ, initiator string
			durationMs     int64
		)
		if err := rows.Scan(&e.ID, &e.URL, &e.FileBase, &e.Service, &typ, &e.File, &e.Raw, &e.Handler,
			&e.UserID, &initiator, &e.Cached, &durationMs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan retrieval: %w", err)
		}
		e.Type = domain.MediaType(typ)
		e.Initiator = domain.Initiator(initiator)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountByHandler tallies fresh (non-cached) retrievals per handler, most
// used first.
func (s *Store) CountByHandler(ctx context.Context) ([]HandlerCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT handler, COUNT(*) FROM retrievals WHERE cached = 0 GROUP BY handler ORDER BY COUNT(*) DESC, handler`)
	if err != nil {
		return nil, fmt.Errorf("count retrievals: %w", err)
	}
	defer rows.Close()

	var out []HandlerCount
	for rows.Next() {
		var c HandlerCount
		if err := rows.Scan(&c.Handler, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Subscribe journals every retrieval.succeeded event. It returns the
// subscription ID for bus.Off.
func (s *Store) Subscribe(eb *bus.EventBus) string {
	return eb.On(bus.EventRetrievalSucceeded, func(ev bus.Event) {
		r, ok := ev.Data.(bus.Retrieval)
		if !ok || r.Media == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		err := s.Record(ctx, EntryFrom(r, ev.Timestamp))
		if err != nil {
			s.logger.Warn("failed to journal retrieval", "url", r.URL, "err", err)
		}
	})
}

// EntryFrom builds a journal entry from a retrieval event payload.
func EntryFrom(r bus.Retrieval, at time.Time) Entry {
	e := Entry{
		URL:       r.URL,
		FileBase:  r.FileBase,
		Service:   r.Service,
		UserID:    r.UserID,
		Initiator: r.Initiator,
		Cached:    r.Cached,
		Duration:  r.Duration,
		CreatedAt: at,
	}
	if r.Media != nil {
		e.Type = r.Media.Type
		e.File = r.Media.File
		e.Raw = r.Media.Raw
		e.Handler = r.Media.Handler
	}
	return e
}
