// Package spool ingests mail files dropped into a local directory. Each
// *.eml file is parsed and archived into the configured repository folder.
package spool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mailshelf/mailshelf/internal/email"
	"github.com/mailshelf/mailshelf/internal/parser"
)

// settleDelay gives the writing process time to finish a dropped file
// before it is read.
const settleDelay = 500 * time.Millisecond

// Subdirectories receiving ingested files.
const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Deliverer archives a parsed message for one target folder path.
type Deliverer interface {
	Deliver(ctx context.Context, recipient string, msg *email.Message) error
}

// Config holds the spool watcher settings.
type Config struct {
	// Dir is the drop directory scanned for .eml files.
	Dir string

	// Folder is the dot-separated repository folder path receiving the
	// ingested messages.
	Folder string
}

// Watcher ingests dropped mail files: an initial scan picks up files already
// present, then fsnotify events drive the rest.
type Watcher struct {
	cfg       Config
	deliverer Deliverer
	fsWatcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]bool

	wg sync.WaitGroup
}

// New creates a spool watcher for the configured drop directory.
func New(cfg Config, deliverer Deliverer) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &Watcher{
		cfg:       cfg,
		deliverer: deliverer,
		fsWatcher: fsWatcher,
		pending:   make(map[string]bool),
	}, nil
}

// Run watches the drop directory until the context is cancelled. Files
// already present at startup are ingested before event processing begins.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create spool directory: %w", err)
	}
	for _, sub := range []string{processedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(w.cfg.Dir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create spool subdirectory: %w", err)
		}
	}

	if err := w.fsWatcher.Add(w.cfg.Dir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}

	slog.Info("spool watcher started", "dir", w.cfg.Dir, "folder", w.cfg.Folder)

	w.scanExisting(ctx)

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return w.fsWatcher.Close()

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isSpoolFile(event.Name) {
				continue
			}
			if !w.claim(event.Name) {
				continue
			}

			w.wg.Add(1)
			go func(path string) {
				defer w.wg.Done()
				defer w.release(path)

				// Let the writer finish before reading.
				select {
				case <-time.After(settleDelay):
				case <-ctx.Done():
					return
				}
				w.ingest(ctx, path)
			}(event.Name)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("spool watcher error", "error", err)
		}
	}
}

// scanExisting ingests the files already present in the drop directory.
func (w *Watcher) scanExisting(ctx context.Context) {
	entries, err := os.ReadDir(w.cfg.Dir)
	if err != nil {
		slog.Error("failed to scan spool directory", "dir", w.cfg.Dir, "error", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || !isSpoolFile(entry.Name()) {
			continue
		}
		path := filepath.Join(w.cfg.Dir, entry.Name())
		if !w.claim(path) {
			continue
		}
		w.ingest(ctx, path)
		w.release(path)
	}
}

// claim marks a path as in flight. It returns false when another goroutine
// is already ingesting the same file.
func (w *Watcher) claim(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending[path] {
		return false
	}
	w.pending[path] = true
	return true
}

func (w *Watcher) release(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.pending, path)
}

// ingest parses one dropped file and archives it, then moves the file to
// processed or failed.
func (w *Watcher) ingest(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// A competing event already ingested the file.
			return
		}
		slog.Error("failed to read spool file", "file", path, "error", err)
		return
	}

	msg, err := parser.Parse(data)
	if err != nil {
		slog.Error("failed to parse spool file", "file", path, "error", err)
		w.moveTo(path, failedDir)
		return
	}

	if err := w.deliverer.Deliver(ctx, w.cfg.Folder, msg); err != nil {
		slog.Error("failed to archive spool file", "file", path, "error", err)
		w.moveTo(path, failedDir)
		return
	}

	slog.Info("spool file archived",
		"file", filepath.Base(path),
		"subject", msg.Subject,
	)
	w.moveTo(path, processedDir)
}

// moveTo relocates a spool file into the named subdirectory.
func (w *Watcher) moveTo(path, sub string) {
	dest := filepath.Join(w.cfg.Dir, sub, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		slog.Error("failed to move spool file", "file", path, "dest", dest, "error", err)
	}
}

// isSpoolFile reports whether the name is an ingestible mail file.
func isSpoolFile(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".eml")
}
