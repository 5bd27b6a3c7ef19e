package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.opentelemetry.io/otel"

	"github.com/hylla/crc/internal/domain"
)

var tracer = otel.Tracer("github.com/hylla/crc/internal/app")

// DefaultWorkers bounds concurrent drop pipelines when the config leaves it unset.
const DefaultWorkers = 4

// ServiceConfig holds configuration for service.
type ServiceConfig struct {
	Analyzer         *Analyzer
	Steps            StepProvider
	Workers          int
	Granularity      domain.Granularity
	DocPatterns      []string
	MaxUnpackedBytes int64
	Logger           Logger
	Metrics          Metrics
}

// IDGenerator returns unique identifiers for new entities.
type IDGenerator func() string

// Clock returns the current time.
type Clock func() time.Time

// Service runs the drop ledger, scheduler, merge resolver, archival engine and CL tree.
type Service struct {
	repo        Repository
	store       ContentStore
	workspace   Workspace
	idGen       IDGenerator
	clock       Clock
	analyzer    *Analyzer
	steps       StepProvider
	workers     int
	granularity domain.Granularity
	docPatterns []string
	maxUnpacked int64
	log         Logger
	metrics     Metrics
	codec       *archiveCodec
	dropLocks   *keyedMutex
	targetLocks *keyedMutex
	validating  *idSet
}

// NewService constructs a new value for this package.
func NewService(repo Repository, store ContentStore, workspace Workspace, idGen IDGenerator, clock Clock, cfg ServiceConfig) (*Service, error) {
	if idGen == nil {
		idGen = func() string { return "" }
	}
	if clock == nil {
		clock = time.Now
	}
	if cfg.Analyzer == nil {
		cfg.Analyzer = NewAnalyzer(DefaultWeightedPolicy(), DefaultThresholds())
	}
	if cfg.Steps == nil {
		cfg.Steps = func(domain.Lane) []ValidationStep { return nil }
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Granularity == "" {
		cfg.Granularity = domain.GranularityLine
	}
	if len(cfg.DocPatterns) == 0 {
		cfg.DocPatterns = domain.DefaultDocPatterns
	}
	if cfg.MaxUnpackedBytes <= 0 {
		cfg.MaxUnpackedBytes = DefaultMaxUnpackedBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	codec, err := newArchiveCodec()
	if err != nil {
		return nil, err
	}
	return &Service{
		repo:        repo,
		store:       store,
		workspace:   workspace,
		idGen:       idGen,
		clock:       clock,
		analyzer:    cfg.Analyzer,
		steps:       cfg.Steps,
		workers:     cfg.Workers,
		granularity: cfg.Granularity,
		docPatterns: cfg.DocPatterns,
		maxUnpacked: cfg.MaxUnpackedBytes,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		codec:       codec,
		dropLocks:   newKeyedMutex(),
		targetLocks: newKeyedMutex(),
		validating:  newIDSet(),
	}, nil
}

// Analyzer returns the configured confidence analyzer.
func (s *Service) Analyzer() *Analyzer {
	return s.analyzer
}

// archiveCodec wraps a shared zstd encoder/decoder pair; EncodeAll and DecodeAll are safe for concurrent use.
type archiveCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newArchiveCodec() (*archiveCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(1<<30))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &archiveCodec{enc: enc, dec: dec}, nil
}

func (c *archiveCodec) compress(data []byte) []byte {
	return c.enc.EncodeAll(data, make([]byte, 0, len(data)/2+64))
}

func (c *archiveCodec) decompress(blob []byte) ([]byte, error) {
	return c.dec.DecodeAll(blob, nil)
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedLock{}}
}

// lock blocks until key is free and returns its unlock func.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// idSet tracks the drops this process is working on.
type idSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newIDSet() *idSet {
	return &idSet{ids: map[string]struct{}{}}
}

// add marks id as owned and returns the func that releases it.
func (s *idSet) add(id string) func() {
	s.mu.Lock()
	s.ids[id] = struct{}{}
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.ids, id)
		s.mu.Unlock()
	}
}

func (s *idSet) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}
