// ABOUTME: SQLite implementation of kv.Store using modernc.org/sqlite.
// ABOUTME: A shared database file gives sibling processes same-origin durable storage.

// Package sqlite implements kv.Store on a shared SQLite database file.
// Change notification rides on fsnotify events for the database's WAL file,
// with a polling ticker as fallback; both paths funnel into the same rescan,
// so a missed filesystem event delays a change notification but never loses
// the change itself.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tabmux/tabmux/internal/kv"

	_ "modernc.org/sqlite"
)

const (
	// defaultPollInterval bounds how stale a watcher can be when filesystem
	// events are not delivered (e.g. network filesystems).
	defaultPollInterval = 250 * time.Millisecond

	watcherBufferSize = 64
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv/sqlite: store closed")

// Options configures a Store beyond its database path.
type Options struct {
	// PollInterval overrides the fallback rescan interval. Zero means the
	// default. Tests shorten this.
	PollInterval time.Duration

	// Logger receives watch-loop diagnostics. Nil means slog.Default.
	Logger *slog.Logger
}

// Store implements kv.Store backed by a SQLite database file.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[chan kv.Event]struct{}
	seen     map[string]int64 // key -> updated_at of last scan
	closed   bool

	done chan struct{}
	wg   sync.WaitGroup
}

// New opens (creating if needed) the shared database at path. Parent
// directories are created. WAL mode is enabled so that concurrent sibling
// processes can read while one writes.
func New(path string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "kv.sqlite")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for concurrent readers, busy timeout so sibling writers queue
	// instead of failing.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{
		db:       db,
		path:     path,
		logger:   logger,
		watchers: make(map[chan kv.Event]struct{}),
		seen:     make(map[string]int64),
		done:     make(chan struct{}),
	}

	// Seed the change snapshot so pre-existing rows are not reported as
	// fresh changes to the first watcher.
	if err := s.scan(false); err != nil {
		db.Close()
		return nil, fmt.Errorf("seeding change snapshot: %w", err)
	}

	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	s.wg.Add(1)
	go s.watchLoop(dir, poll)

	return s, nil
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading key %q: %w", key, err)
	}
	return value, nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("writing key %q: %w", key, err)
	}
	return nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting key %q: %w", key, err)
	}
	return nil
}

// Keys implements kv.Store.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM kv WHERE key LIKE ? ESCAPE '\\'", likePattern(prefix))
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scanning key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Watch implements kv.Store.
func (s *Store) Watch(ctx context.Context) (<-chan kv.Event, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	ch := make(chan kv.Event, watcherBufferSize)
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
		}
		s.mu.Lock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}()

	return ch, nil
}

// Close implements kv.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for ch := range s.watchers {
		close(ch)
		delete(s.watchers, ch)
	}
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	return s.db.Close()
}

// watchLoop rescans the table whenever the database files change on disk or
// the poll interval elapses.
func (s *Store) watchLoop(dir string, poll time.Duration) {
	defer s.wg.Done()

	var fsEvents chan fsnotify.Event
	fsw, err := fsnotify.NewWatcher()
	if err == nil {
		if err := fsw.Add(dir); err != nil {
			s.logger.Warn("watching storage directory failed, falling back to polling", "error", err)
			fsw.Close()
			fsw = nil
		}
	} else {
		s.logger.Warn("fsnotify unavailable, falling back to polling", "error", err)
		fsw = nil
	}
	if fsw != nil {
		defer fsw.Close()
		fsEvents = make(chan fsnotify.Event)
		go func() {
			defer close(fsEvents)
			for {
				select {
				case ev, ok := <-fsw.Events:
					if !ok {
						return
					}
					// Only the db file and its WAL sidecar matter.
					if ev.Name == s.path || ev.Name == s.path+"-wal" {
						select {
						case fsEvents <- ev:
						case <-s.done:
							return
						}
					}
				case err, ok := <-fsw.Errors:
					if !ok {
						return
					}
					s.logger.Warn("fsnotify error", "error", err)
				case <-s.done:
					return
				}
			}
		}()
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		case <-fsEvents:
		}

		if err := s.scan(true); err != nil {
			s.logger.Warn("rescan failed", "error", err)
		}
	}
}

// scan reads the whole table, diffs it against the previous snapshot, and
// (when emit is set) delivers one event per changed or deleted key.
func (s *Store) scan(emit bool) error {
	rows, err := s.db.Query("SELECT key, value, updated_at FROM kv")
	if err != nil {
		return err
	}
	defer rows.Close()

	current := make(map[string]int64)
	var events []kv.Event
	for rows.Next() {
		var (
			key       string
			value     []byte
			updatedAt int64
		)
		if err := rows.Scan(&key, &value, &updatedAt); err != nil {
			return err
		}
		current[key] = updatedAt

		s.mu.Lock()
		prev, existed := s.seen[key]
		s.mu.Unlock()
		if !existed || prev != updatedAt {
			events = append(events, kv.Event{Key: key, Value: value})
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	for key := range s.seen {
		if _, ok := current[key]; !ok {
			events = append(events, kv.Event{Key: key})
		}
	}
	s.seen = current
	targets := make([]chan kv.Event, 0, len(s.watchers))
	for ch := range s.watchers {
		targets = append(targets, ch)
	}
	s.mu.Unlock()

	if !emit {
		return nil
	}
	for _, ev := range events {
		for _, ch := range targets {
			select {
			case ch <- ev:
			default:
				// Watcher is behind; delivery is best-effort.
			}
		}
	}
	return nil
}

// likePattern escapes prefix for use in a LIKE query.
func likePattern(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+2)
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '%' || c == '_' || c == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, c)
	}
	return string(append(escaped, '%'))
}

var _ kv.Store = (*Store)(nil)
