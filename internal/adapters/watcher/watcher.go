// Package watcher turns files dropped into a folder into ingest calls once they stop changing.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hylla/crc/internal/app"
	"github.com/hylla/crc/internal/domain"
)

// Defaults for settle, poll and retry intervals.
const (
	DefaultSettle     = 2 * time.Second
	DefaultPoll       = 500 * time.Millisecond
	DefaultMaxBackoff = time.Minute
)

// Handler processes one settled file.
type Handler func(ctx context.Context, path string) error

// Config configures a Watcher.
type Config struct {
	Dir    string
	Settle time.Duration
	Poll   time.Duration
	// MaxBackoff caps the delay before a file whose handler failed is tried again.
	MaxBackoff time.Duration
	Logger     app.Logger
	Clock      func() time.Time
}

// Watcher debounces create/write events in one directory and hands settled files to a Handler.
type Watcher struct {
	dir     string
	settle  time.Duration
	poll    time.Duration
	maxWait time.Duration
	log     app.Logger
	clock   func() time.Time
	handle  Handler

	mu      sync.Mutex
	pending map[string]pendingFile
}

// pendingFile is a queued path and the earliest time it may be handled.
type pendingFile struct {
	readyAt  time.Time
	failures int
}

// New validates cfg and returns a watcher.
func New(cfg Config, handle Handler) (*Watcher, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("watch dir is required")
	}
	if handle == nil {
		return nil, errors.New("watch handler is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve watch dir: %w", err)
	}
	if cfg.Settle <= 0 {
		cfg.Settle = DefaultSettle
	}
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultPoll
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = discardLogger{}
	}
	return &Watcher{
		dir:     abs,
		settle:  cfg.Settle,
		poll:    cfg.Poll,
		log:     cfg.Logger,
		clock:   cfg.Clock,
		handle:  handle,
		maxWait: cfg.MaxBackoff,
		pending: map[string]pendingFile{},
	}, nil
}

// Run watches until ctx is cancelled. Files already present are picked up first.
func (w *Watcher) Run(ctx context.Context) error {
	info, err := os.Stat(w.dir)
	if err != nil {
		return fmt.Errorf("stat watch dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch path %s is not a directory", w.dir)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	if err := w.scan(); err != nil {
		return err
	}
	w.log.Info("watching drop folder", "dir", w.dir, "settle", w.settle)

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.observe(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("fsnotify error", "err", err)
		case <-ticker.C:
			w.Flush(ctx)
		}
	}
}

// scan queues regular files already in the directory.
func (w *Watcher) scan() error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("scan watch dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || ignored(e.Name()) {
			continue
		}
		w.touch(filepath.Join(w.dir, e.Name()))
	}
	return nil
}

func (w *Watcher) observe(ev fsnotify.Event) {
	if ignored(filepath.Base(ev.Name)) {
		return
	}
	switch {
	case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
		w.mu.Lock()
		delete(w.pending, ev.Name)
		w.mu.Unlock()
	case ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write):
		info, err := os.Stat(ev.Name)
		if err != nil || info.IsDir() {
			return
		}
		w.touch(ev.Name)
	}
}

// touch (re)queues path to settle from now. A fresh change forgets earlier failures.
func (w *Watcher) touch(path string) {
	w.mu.Lock()
	w.pending[path] = pendingFile{readyAt: w.clock().Add(w.settle)}
	w.mu.Unlock()
}

// Flush hands every file that is due to the handler, in path order, and returns the
// paths it handled successfully. A failed file is queued again after a backoff that
// doubles per failure up to MaxBackoff; a file that no longer exists is forgotten.
func (w *Watcher) Flush(ctx context.Context) []string {
	now := w.clock()
	w.mu.Lock()
	ready := map[string]pendingFile{}
	for path, p := range w.pending {
		if !p.readyAt.After(now) {
			ready[path] = p
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()
	paths := slices.Sorted(maps.Keys(ready))

	done := []string{}
	for i, path := range paths {
		if ctx.Err() != nil {
			w.requeue(paths[i:], ready)
			break
		}
		err := w.handle(ctx, path)
		switch {
		case err == nil:
			done = append(done, path)
		case errors.Is(err, os.ErrNotExist):
			w.log.Warn("queued drop disappeared", "path", path, "err", err)
		default:
			p := ready[path]
			p.failures++
			p.readyAt = w.clock().Add(w.backoff(p.failures))
			w.log.Error("drop ingest failed", "path", path, "attempt", p.failures, "retry_at", p.readyAt, "err", err)
			w.requeue([]string{path}, map[string]pendingFile{path: p})
		}
	}
	return done
}

// requeue puts paths back unless a newer event already queued them.
func (w *Watcher) requeue(paths []string, entries map[string]pendingFile) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, path := range paths {
		if _, ok := w.pending[path]; !ok {
			w.pending[path] = entries[path]
		}
	}
}

func (w *Watcher) backoff(failures int) time.Duration {
	d := w.settle
	for i := 1; i < failures && d < w.maxWait; i++ {
		d *= 2
	}
	return min(d, w.maxWait)
}

// Pending returns the number of files waiting to settle or to be retried.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// ignored skips hidden and editor temp files.
func ignored(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") || strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".part")
}

// Ingester is the ledger entry point a drop folder feeds.
type Ingester interface {
	Ingest(context.Context, app.IngestInput) (app.IngestResult, error)
}

// IngestOptions controls NewIngestHandler.
type IngestOptions struct {
	TargetRef string
	Intent    string
	// Remove deletes the dropped file once the ledger holds its working copy.
	Remove bool
	Logger app.Logger
	Clock  func() time.Time
}

// NewIngestHandler returns a Handler that reads a settled file and ingests it.
func NewIngestHandler(ing Ingester, opts IngestOptions) Handler {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger{}
	}
	return func(ctx context.Context, path string) error {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat drop: %w", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read drop: %w", err)
		}
		res, err := ing.Ingest(ctx, app.IngestInput{
			Source: domain.SourceDescriptor{
				Location:         path,
				Intent:           opts.Intent,
				TargetRef:        opts.TargetRef,
				CapturedAt:       opts.Clock(),
				SourceModifiedAt: info.ModTime(),
			},
			Data: data,
		})
		if err != nil {
			return err
		}
		opts.Logger.Info("drop ingested", "path", path, "drop_id", res.DropID, "duplicate", res.Duplicate, "hash", res.ContentHash.Short())
		// The ledger already holds the drop; a retry would ingest it twice.
		if opts.Remove {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				opts.Logger.Warn("remove ingested drop", "path", path, "err", err)
			}
		}
		return nil
	}
}

type discardLogger struct{}

func (discardLogger) Debug(any, ...any) {}
func (discardLogger) Info(any, ...any)  {}
func (discardLogger) Warn(any, ...any)  {}
func (discardLogger) Error(any, ...any) {}
