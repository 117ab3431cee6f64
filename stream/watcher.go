package stream

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/gigapi/gigapi-ingest/core"
	"github.com/spf13/afero"
)

// Watcher polls the directory of the cursor's partition and yields files
// that are new to the partition and stable.
//
// The delivered-file cache belongs to the goroutine that calls Poll or
// DiscoverBatch; Watcher is not safe for concurrent use.
type Watcher struct {
	fs      afero.Fs
	baseDir string
	cursor  *TimeCursor
	probe   core.StabilityProbe
	idle    func(ctx context.Context) error

	delivered map[string]string
}

type WatcherOption func(*Watcher)

// WithIdlePause sets the pause DiscoverBatch takes after a poll that found
// nothing. Without it, polls follow each other immediately.
func WithIdlePause(pause func(ctx context.Context) error) WatcherOption {
	return func(w *Watcher) {
		w.idle = pause
	}
}

func NewWatcher(fs afero.Fs, baseDir string, cursor *TimeCursor, probe core.StabilityProbe,
	opts ...WatcherOption) *Watcher {
	w := &Watcher{
		fs:        fs,
		baseDir:   baseDir,
		cursor:    cursor,
		probe:     probe,
		delivered: make(map[string]string),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Cursor returns the cursor the watcher advances.
func (w *Watcher) Cursor() *TimeCursor {
	return w.cursor
}

// Poll runs one discovery pass: advance the cursor (clearing the cache on
// a partition change), list the partition directory, and accept files that
// are not yet delivered and are stable. ok is false when nothing was found.
// A missing directory is not an error.
func (w *Watcher) Poll(ctx context.Context) (batch core.Batch, ok bool, err error) {
	if w.cursor.AdvanceIfDue() {
		core.Infof(ctx, "Partition advanced to %s, clearing %d cached files",
			w.cursor.Partition(), len(w.delivered))
		w.delivered = make(map[string]string)
	}
	partition := w.cursor.Partition()
	dir := w.cursor.CurrentPath(w.baseDir)

	entries, err := afero.ReadDir(w.fs, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return core.Batch{}, false, nil
		}
		return core.Batch{}, false, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	files := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if _, seen := w.delivered[name]; seen {
			continue
		}
		path := filepath.Join(dir, name)
		if !w.probe.IsStable(ctx, path) {
			core.Debugf(ctx, "File %s is not stable yet", path)
			continue
		}
		files[name] = path
	}
	if len(files) == 0 {
		return core.Batch{}, false, ctx.Err()
	}
	for name, path := range files {
		w.delivered[name] = path
	}
	core.Infof(ctx, "Streamed %d new files for partition %s", len(files), partition)
	return core.Batch{Partition: partition, Files: files}, true, nil
}

// DiscoverBatch blocks until a non-empty batch is found, a listing error
// occurs or ctx is done.
func (w *Watcher) DiscoverBatch(ctx context.Context) (core.Batch, error) {
	for {
		if err := ctx.Err(); err != nil {
			return core.Batch{}, err
		}
		batch, ok, err := w.Poll(ctx)
		if err != nil {
			return core.Batch{}, err
		}
		if ok {
			return batch, nil
		}
		if w.idle != nil {
			if err := w.idle(ctx); err != nil {
				return core.Batch{}, err
			}
		}
	}
}

// Forget removes name from the delivered-file cache so the next poll
// examines it again.
func (w *Watcher) Forget(name string) bool {
	if _, ok := w.delivered[name]; !ok {
		return false
	}
	delete(w.delivered, name)
	return true
}

// Delivered reports whether name was already yielded for the active partition.
func (w *Watcher) Delivered(name string) bool {
	_, ok := w.delivered[name]
	return ok
}
