// Package cachedir inspects and maintains the download cache: one directory per
// digest prefix, each holding downloaded files under their published name.
package cachedir

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
)

const (
	// LockFile guards the cache against being cleared while downloads run.
	LockFile = ".grab.lock"
	// ETagDatabase holds the entity tags of downloaded files.
	ETagDatabase = "etags.db"
)

// ErrBusy is returned when the cache is in use by another process.
var ErrBusy = errors.New("cache directory is in use by another grab process")

// Default returns the cache location: $GRAB_CACHE_DIR when set, otherwise a grab
// directory in the user cache dir.
func Default() string {
	if dir := os.Getenv("GRAB_CACHE_DIR"); dir != "" {
		return dir
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "grab")
	}
	return filepath.Join(os.TempDir(), "grab")
}

// Item is a cached file.
type Item struct {
	// Name is the path relative to the cache root.
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// Stats summarizes the cache contents.
type Stats struct {
	Root   string
	Exists bool
	Files  int
	Size   int64
	Oldest time.Time
	Newest time.Time
}

func bookkeeping(name string) bool {
	return name == LockFile || strings.HasPrefix(name, ETagDatabase)
}

// Scan lists the cached files, oldest first. A missing root yields no items.
func Scan(root string) ([]Item, error) {
	var items []Item

	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == root {
				return fs.SkipAll
			}
			return err
		}
		if entry.IsDir() || bookkeeping(entry.Name()) {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		items = append(items, Item{
			Name:    filepath.ToSlash(rel),
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to scan cache %s", root)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ModTime.Before(items[j].ModTime) })
	return items, nil
}

// Summarize computes the totals of a scan.
func Summarize(root string, items []Item) Stats {
	stats := Stats{Root: root, Files: len(items)}
	if _, err := os.Stat(root); err == nil {
		stats.Exists = true
	}

	for _, item := range items {
		stats.Size += item.Size
		if stats.Oldest.IsZero() || item.ModTime.Before(stats.Oldest) {
			stats.Oldest = item.ModTime
		}
		if item.ModTime.After(stats.Newest) {
			stats.Newest = item.ModTime
		}
	}

	return stats
}

// Clean removes files last modified before now minus maxAge and prunes digest
// directories left empty. With dryRun nothing is removed; the returned items are
// the ones that would be or were removed.
func Clean(root string, maxAge time.Duration, now time.Time, dryRun bool) ([]Item, error) {
	items, err := Scan(root)
	if err != nil {
		return nil, err
	}

	var stale []Item
	for _, item := range items {
		if now.Sub(item.ModTime) > maxAge {
			stale = append(stale, item)
		}
	}

	if dryRun || len(stale) == 0 {
		return stale, nil
	}

	unlock, err := LockExclusive(root)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for _, item := range stale {
		if err := os.Remove(item.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, eris.Wrapf(err, "failed to remove %s", item.Path)
		}
		pruneEmpty(root, filepath.Dir(item.Path))
	}

	return stale, nil
}

// Clear removes every cached file along with the entity tag database.
func Clear(root string, dryRun bool) ([]Item, error) {
	items, err := Scan(root)
	if err != nil {
		return nil, err
	}

	if dryRun {
		return items, nil
	}

	unlock, err := LockExclusive(root)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return items, nil
		}
		return nil, eris.Wrapf(err, "failed to read %s", root)
	}

	for _, entry := range entries {
		if entry.Name() == LockFile {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			return nil, eris.Wrapf(err, "failed to remove %s", entry.Name())
		}
	}

	return items, nil
}

func pruneEmpty(root, dir string) {
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// LockShared takes a shared lock on the cache, waiting until no exclusive holder is
// left or ctx is done. The returned function releases it.
func LockShared(ctx context.Context, root string) (func(), error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "failed to create cache directory %s", root)
	}

	lock := flock.New(filepath.Join(root, LockFile))
	locked, err := lock.TryRLockContext(ctx, 250*time.Millisecond)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to lock cache directory %s", root)
	}
	if !locked {
		return nil, ErrBusy
	}

	return func() { _ = lock.Unlock() }, nil
}

// LockExclusive takes an exclusive lock on the cache without waiting; ErrBusy is
// returned while downloads hold it.
func LockExclusive(root string) (func(), error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, eris.Wrapf(err, "failed to create cache directory %s", root)
	}

	lock := flock.New(filepath.Join(root, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, eris.Wrapf(err, "failed to lock cache directory %s", root)
	}
	if !locked {
		return nil, ErrBusy
	}

	return func() { _ = lock.Unlock() }, nil
}
