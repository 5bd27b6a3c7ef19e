// Package badger stores content-addressed blobs (sealed archives and
// changeset artifacts) in a BadgerDB key/value store.
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hylla/crc/internal/app"
	"github.com/hylla/crc/internal/domain"
)

// blobPrefix namespaces blob keys.
const blobPrefix = "blob/"

// Config configures the store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in memory, for tests.
	InMemory bool
	// SyncWrites fsyncs every write.
	SyncWrites bool
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration
	// GCDiscardRatio is the minimum garbage ratio before a value log file is rewritten.
	GCDiscardRatio float64
	// Logger receives badger's internal log lines. Nil silences them.
	Logger app.Logger
}

// DefaultConfig returns durable settings for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns settings for an ephemeral store.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts app.Logger to badger's printf-style logger.
type badgerLogger struct {
	logger app.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Store is an append-only content-addressed blob store.
type Store struct {
	db     *badger.DB
	logger app.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Open opens the store described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("badger path is required")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create badger dir %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	s := &Store{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		go s.runGC(cfg.GCInterval, ratio)
	}
	return s, nil
}

// OpenInMemory opens an ephemeral store.
func OpenInMemory() (*Store, error) {
	return Open(InMemoryConfig())
}

// Close stops value log GC and closes the database.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			<-s.doneCh
		}
	})
	return s.db.Close()
}

// Put stores data under its content hash. Writing an existing blob is a no-op.
func (s *Store) Put(ctx context.Context, data []byte) (domain.ContentHash, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := domain.HashContent(data)
	key := blobKey(ref)
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return "", fmt.Errorf("put blob %s: %w", ref.Short(), err)
	}
	return ref, nil
}

// Get returns a copy of the blob stored under ref.
func (s *Store) Get(ctx context.Context, ref domain.ContentHash) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ref.Valid() {
		return nil, domain.ErrInvalidContentHash
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(ref))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, app.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", ref.Short(), err)
	}
	return out, nil
}

// Has reports whether a blob exists.
func (s *Store) Has(ctx context.Context, ref domain.ContentHash) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !ref.Valid() {
		return false, domain.ErrInvalidContentHash
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blobKey(ref))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Refs lists every stored blob ref in key order.
func (s *Store) Refs(ctx context.Context) ([]domain.ContentHash, error) {
	out := []domain.ContentHash{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(blobPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := string(it.Item().Key())
			out = append(out, domain.ContentHash(strings.TrimPrefix(key, blobPrefix)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) runGC(interval time.Duration, ratio float64) {
	defer close(s.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(ratio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("badger value log gc failed", "err", err)
			}
		}
	}
}

func blobKey(ref domain.ContentHash) []byte {
	return []byte(blobPrefix + string(ref))
}
