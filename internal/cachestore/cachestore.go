// Package cachestore keeps the entity tags of cached downloads in a sqlite
// database next to the files, so later runs can revalidate instead of downloading.
package cachestore

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/aexvir/grab"
	"github.com/aexvir/grab/internal/cachedir"
)

const schema = `
CREATE TABLE IF NOT EXISTS etags (
	key        TEXT PRIMARY KEY,
	etag       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Store persists entity tags keyed by [grab.DownloadAsset.CacheKey].
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens, creating it when missing, the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrapf(err, "cachestore: create directory for %s", path)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrapf(err, "cachestore: open %s", path)
	}
	// a single connection keeps concurrent workers from tripping over sqlite locks
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA busy_timeout = 5000", schema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, eris.Wrap(err, "cachestore: bootstrap")
		}
	}

	return &Store{db: db, now: time.Now}, nil
}

// OpenDir opens the database kept in the cache root.
func OpenDir(ctx context.Context, root string) (*Store, error) {
	return Open(ctx, filepath.Join(root, cachedir.ETagDatabase))
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the stored entity tag, empty when none is known.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var etag string
	err := s.db.QueryRowContext(ctx, `SELECT etag FROM etags WHERE key = ?`, key).Scan(&etag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "cachestore: get %s", key)
	}
	return etag, nil
}

// Set stores the entity tag; an empty one forgets the key.
func (s *Store) Set(ctx context.Context, key, etag string) error {
	if etag == "" {
		_, err := s.db.ExecContext(ctx, `DELETE FROM etags WHERE key = ?`, key)
		return eris.Wrapf(err, "cachestore: delete %s", key)
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO etags (key, etag, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET etag = excluded.etag, updated_at = excluded.updated_at`,
		key, etag, s.now().Unix(),
	)
	return eris.Wrapf(err, "cachestore: set %s", key)
}

// Keys lists the stored keys in order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM etags ORDER BY key`)
	if err != nil {
		return nil, eris.Wrap(err, "cachestore: list keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, eris.Wrap(err, "cachestore: scan key")
		}
		keys = append(keys, key)
	}
	return keys, eris.Wrap(rows.Err(), "cachestore: list keys")
}

// Prune forgets the keys whose file no longer exists under root and returns how
// many were removed.
func (s *Store) Prune(ctx context.Context, root string) (int, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}

	var pruned int
	for _, key := range keys {
		if _, err := os.Stat(filepath.Join(root, filepath.FromSlash(key))); err == nil {
			continue
		}
		if err := s.Set(ctx, key, ""); err != nil {
			return pruned, err
		}
		pruned++
	}

	return pruned, nil
}

// Hooks wires the store into a download run. Store failures never fail a download;
// they are logged and the asset is treated as uncached.
func (s *Store) Hooks() grab.Hooks {
	return grab.Hooks{
		GetAssetCache: func(ctx context.Context, asset grab.DownloadAsset) (grab.CacheRecord, error) {
			etag, err := s.Get(ctx, asset.CacheKey())
			if err != nil {
				zap.L().Warn("unable to read cached etag", zap.String("asset", asset.FileName), zap.Error(err))
				return grab.CacheRecord{}, nil
			}
			return grab.CacheRecord{ETag: etag}, nil
		},
		SetAssetCache: func(ctx context.Context, asset grab.DownloadAsset, record grab.CacheRecord) error {
			if err := s.Set(ctx, asset.CacheKey(), record.ETag); err != nil {
				zap.L().Warn("unable to store etag", zap.String("asset", asset.FileName), zap.Error(err))
			}
			return nil
		},
	}
}
