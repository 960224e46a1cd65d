package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Reloader re-reads the config file after it changes on disk and hands the
// result to apply. The parent directory is watched, so saves done by
// rename are seen. Bursts of events settle before one reload, and a file
// whose content matches the last applied one is skipped.
type Reloader struct {
	path   string
	settle time.Duration
	apply  func(*Config)

	applied []byte // sha256 of the last applied content
}

// NewReloader takes the file's current content as already applied.
func NewReloader(path string, apply func(*Config)) *Reloader {
	path = filepath.Clean(path)
	return &Reloader{
		path:    path,
		settle:  300 * time.Millisecond,
		apply:   apply,
		applied: contentSum(path),
	}
}

// Run watches until ctx is done.
func (r *Reloader) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer fw.Close()

	path := r.path
	if err := fw.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}

	settle := r.settle
	pending := time.NewTimer(settle)
	pending.Stop()
	defer pending.Stop()

	slog.Info("config: watching for changes", "path", path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == path && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				pending.Reset(settle)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watch error", "error", err)
		case <-pending.C:
			r.reload(path)
		}
	}
}

func (r *Reloader) reload(path string) {
	sum := contentSum(path)
	if sum != nil && bytes.Equal(sum, r.applied) {
		slog.Debug("config: file touched, content unchanged", "path", path)
		return
	}
	cfg, err := Load(path)
	if err != nil {
		slog.Warn("config: reload rejected, keeping current values", "error", err)
		return
	}
	r.applied = sum
	if r.apply != nil {
		r.apply(cfg)
	}
	slog.Info("config: changes applied", "path", path)
}

// contentSum is nil when the file cannot be read.
func contentSum(path string) []byte {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(data)
	return sum[:]
}
