// Package cachestore owns the local routing dataset cache.
//
// Data lives in one SQLite file opened in WAL mode. Every dataset kind is
// replaced as a whole inside one transaction, so readers observe either the
// previous or the new copy of a dataset and never a mixture. Query methods
// only read; the single way to change data is Refresh.
package cachestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/bgpkit/monocle-sub001/pkg/errs"
)

var nopLogger = zap.NewNop()

type Opts struct {
	// Path of the SQLite file. Required.
	Path string

	// TTL overrides DefaultTTL per kind.
	TTL map[Kind]time.Duration

	// FetchTimeout bounds every Source.Fetch. Default is 5 minutes.
	FetchTimeout time.Duration

	// Logger is the *zap.Logger for this Store.
	// A nil Logger will disable logging.
	Logger *zap.Logger

	// Now is used for freshness computations. Default is time.Now.
	Now func() time.Time
}

func (opts *Opts) Init() error {
	if len(opts.Path) == 0 {
		return errors.New("empty cache path")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ttl := make(map[Kind]time.Duration, len(DefaultTTL))
	for k, d := range DefaultTTL {
		ttl[k] = d
	}
	for k, d := range opts.TTL {
		if d > 0 {
			ttl[k] = d
		}
	}
	opts.TTL = ttl
	return nil
}

// Store is the process-wide cache handle. It is safe for concurrent use.
type Store struct {
	opts Opts
	db   *sql.DB

	// writeMu serializes commits. SQLite has a single writer anyway; holding
	// the lock here keeps busy waits out of the driver.
	writeMu sync.Mutex

	m        sync.Mutex
	inflight map[Kind]struct{}
}

// Open opens or creates the cache at opts.Path.
func Open(ctx context.Context, opts Opts) (*Store, error) {
	if err := opts.Init(); err != nil {
		return nil, errs.Storage("invalid options", err)
	}
	if dir := filepath.Dir(opts.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Storage("create cache directory", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", opts.Path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.Storage("open cache", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errs.Storage("open cache", err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, errs.Storage("initialize cache schema", err)
	}

	opts.Logger.Debug("cache opened", zap.String("path", opts.Path))
	return &Store{
		opts:     opts,
		db:       db,
		inflight: make(map[Kind]struct{}),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.opts.Path
}

func (s *Store) TTL(k Kind) time.Duration {
	return s.opts.TTL[k]
}

// view runs fn inside one read transaction so that every statement of fn
// observes the same snapshot.
func (s *Store) view(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Storage("begin read", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		if e := errs.From(err); e.Code == errs.CodeCanceled {
			return err
		}
		return errs.Storage("read cache", err)
	}
	return nil
}

// Status reports freshness of one dataset.
func (s *Store) Status(ctx context.Context, k Kind) (Status, error) {
	var st Status
	err := s.view(ctx, func(tx *sql.Tx) error {
		var err error
		st, err = s.status(ctx, tx, k)
		return err
	})
	return st, err
}

// StatusAll reports freshness of every dataset from one snapshot.
func (s *Store) StatusAll(ctx context.Context) ([]Status, error) {
	out := make([]Status, 0, len(Kinds))
	err := s.view(ctx, func(tx *sql.Tx) error {
		for _, k := range Kinds {
			st, err := s.status(ctx, tx, k)
			if err != nil {
				return err
			}
			out = append(out, st)
		}
		return nil
	})
	return out, err
}

func (s *Store) status(ctx context.Context, tx *sql.Tx, k Kind) (Status, error) {
	ttl := s.opts.TTL[k]
	st := Status{Kind: k, TTL: ttl.String(), Stale: true}
	var updated int64
	err := tx.QueryRowContext(ctx, `SELECT updated_at, source, rows FROM meta WHERE kind = ?`, string(k)).
		Scan(&updated, &st.Source, &st.Rows)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return st, nil
	case err != nil:
		return st, err
	}
	st.LastUpdated = time.Unix(updated, 0).UTC()
	st.Stale = s.opts.Now().Sub(st.LastUpdated) > ttl
	return st, nil
}

// Empty reports whether a dataset has never been loaded or holds no rows.
func (s *Store) Empty(ctx context.Context, k Kind) (bool, error) {
	st, err := s.Status(ctx, k)
	if err != nil {
		return false, err
	}
	return st.Rows == 0, nil
}
