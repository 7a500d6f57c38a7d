// Package cache persists per-trial, per-property results so unchanged trials
// are not recomputed.
//
// Entries live in a SQLite database keyed by (trial key, property name) and
// carry a content hash of every input that influenced the result. A lookup
// only hits when the stored hash matches; writing a result with a new hash
// replaces the stale entry in one transaction.
package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"runtime"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite" // sqlite driver
)

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrCorruption indicates a stored result that cannot be decoded. The
	// entry is treated as a miss and overwritten by the next Put.
	ErrCorruption = errors.New("cache entry corrupted")

	// ErrClosed indicates use of a closed store.
	ErrClosed = errors.New("cache store closed")
)

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	trial_key TEXT    NOT NULL,
	property  TEXT    NOT NULL,
	hash      TEXT    NOT NULL,
	result    BLOB    NOT NULL,
	created   INTEGER NOT NULL,
	PRIMARY KEY (trial_key, property)
);`

// Entry is one cached result.
type Entry struct {
	TrialKey string
	Property string
	Hash     string
	Result   []byte
	Created  time.Time
}

// Stats summarizes the store contents.
type Stats struct {
	Entries int64
	Trials  int64
	Oldest  time.Time
	Newest  time.Time
}

// Store is a SQLite-backed result cache. Writes go through a single
// connection; reads use a separate pool.
type Store struct {
	write  *sql.DB
	read   *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the cache database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	params := make(url.Values)
	params.Add("_txlock", "immediate")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "synchronous(NORMAL)")

	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	dsn += "?" + params.Encode()

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache write connection: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = write.Close()
		return nil, fmt.Errorf("open cache read pool: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	if _, err := write.ExecContext(ctx, schema); err != nil {
		_ = write.Close()
		_ = read.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}

	return &Store{
		write:  write,
		read:   read,
		logger: logger.With(slog.String("component", "cache")),
	}, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	return errors.Join(s.read.Close(), s.write.Close())
}

// Get returns the entry for (trialKey, property) if its hash matches.
func (s *Store) Get(ctx context.Context, trialKey, property, hash string) (*Entry, bool, error) {
	var (
		e       = Entry{TrialKey: trialKey, Property: property}
		created int64
	)
	err := s.read.QueryRowContext(ctx,
		`SELECT hash, result, created FROM entries WHERE trial_key = ? AND property = ?`,
		trialKey, property,
	).Scan(&e.Hash, &e.Result, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query cache entry: %w", err)
	}
	if e.Hash != hash {
		return nil, false, nil
	}
	e.Created = time.Unix(0, created).UTC()
	return &e, true, nil
}

// Put stores an entry, replacing any previous entry for the same key.
func (s *Store) Put(ctx context.Context, e Entry) error {
	if e.Created.IsZero() {
		e.Created = time.Now()
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cache write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entries (trial_key, property, hash, result, created)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (trial_key, property) DO UPDATE SET
			hash = excluded.hash,
			result = excluded.result,
			created = excluded.created`,
		e.TrialKey, e.Property, e.Hash, e.Result, e.Created.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cache write: %w", err)
	}
	return nil
}

// Stats returns summary statistics.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var (
		st             Stats
		oldest, newest sql.NullInt64
	)
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT trial_key), MIN(created), MAX(created) FROM entries`,
	).Scan(&st.Entries, &st.Trials, &oldest, &newest)
	if err != nil {
		return st, fmt.Errorf("query cache stats: %w", err)
	}
	if oldest.Valid {
		st.Oldest = time.Unix(0, oldest.Int64).UTC()
	}
	if newest.Valid {
		st.Newest = time.Unix(0, newest.Int64).UTC()
	}
	return st, nil
}

// Prune deletes every entry whose trial key is not in keep and returns the
// number of deleted entries.
func (s *Store) Prune(ctx context.Context, keep []string) (int64, error) {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin cache prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `CREATE TEMP TABLE IF NOT EXISTS keep (trial_key TEXT PRIMARY KEY)`); err != nil {
		return 0, fmt.Errorf("create keep table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM keep`); err != nil {
		return 0, fmt.Errorf("reset keep table: %w", err)
	}
	for _, k := range keep {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO keep (trial_key) VALUES (?)`, k); err != nil {
			return 0, fmt.Errorf("fill keep table: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE trial_key NOT IN (SELECT trial_key FROM keep)`)
	if err != nil {
		return 0, fmt.Errorf("prune cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune cache: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit cache prune: %w", err)
	}

	s.logger.Info("pruned cache", slog.Int64("deleted", n), slog.Int("kept_trials", len(keep)))
	return n, nil
}

// -------------------------------------------------------------------------
// Typed Access
// -------------------------------------------------------------------------

// Load returns the decoded result for (trialKey, property) when the stored
// hash matches. A stored result that does not decode is reported as
// ErrCorruption with ok == false.
func Load[T any](ctx context.Context, s *Store, trialKey, property, hash string) (v T, ok bool, err error) {
	e, hit, err := s.Get(ctx, trialKey, property, hash)
	if err != nil || !hit {
		return v, false, err
	}
	if err := json.Unmarshal(e.Result, &v); err != nil {
		var zero T
		return zero, false, fmt.Errorf("%s/%s: %w: %w", trialKey, property, ErrCorruption, err)
	}
	return v, true, nil
}

// Save encodes v and stores it under (trialKey, property).
func Save[T any](ctx context.Context, s *Store, trialKey, property, hash string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return s.Put(ctx, Entry{TrialKey: trialKey, Property: property, Hash: hash, Result: data})
}
