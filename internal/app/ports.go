package app

import (
	"context"
	"time"

	"github.com/hylla/crc/internal/domain"
)

// DropFilter narrows ListDrops.
type DropFilter struct {
	States    []domain.State
	TargetRef string
}

// MergeFilter narrows ListMergeDecisions.
type MergeFilter struct {
	TargetRef   string
	PendingOnly bool
}

// DropUpdate is a guarded write of a drop plus the CL node that records it.
// The write only lands while the stored state still equals From and the stored
// head node still equals FromHead, so any interleaved write makes it stale.
type DropUpdate struct {
	From     domain.State
	FromHead string
	Next     domain.Drop
	Node     domain.CLNode
}

// MergeCommit is everything a merge decision writes in one transaction.
type MergeCommit struct {
	Decision     domain.MergeDecision
	Node         domain.CLNode
	BaseRevision int64
	Files        []domain.TargetFile
	Participants []DropUpdate
}

// Repository is the durable store behind the ledger, resolver, archive and CL tree.
type Repository interface {
	CreateDrop(context.Context, domain.Drop, domain.CLNode) error
	GetDrop(context.Context, string) (domain.Drop, error)
	ListDrops(context.Context, DropFilter) ([]domain.Drop, error)
	UpdateDrop(context.Context, DropUpdate) error

	CompleteValidation(context.Context, domain.LaneValidationResult, DropUpdate) error
	GetLaneResult(context.Context, string) (domain.LaneValidationResult, error)

	CommitMerge(context.Context, MergeCommit) error
	GetMergeDecision(context.Context, string) (domain.MergeDecision, error)
	ListMergeDecisions(context.Context, MergeFilter) ([]domain.MergeDecision, error)
	GetTarget(context.Context, string) (domain.Target, error)

	SealDrop(context.Context, domain.ArchiveRecord, DropUpdate) error
	GetArchiveRecord(context.Context, string) (domain.ArchiveRecord, error)
	GetArchiveRecordByHash(context.Context, domain.ContentHash) (domain.ArchiveRecord, error)

	CreateCLNode(context.Context, domain.CLNode) error
	GetCLNode(context.Context, string) (domain.CLNode, error)
	ListCLAncestors(context.Context, string) ([]domain.CLNode, error)
}

// ContentStore is content-addressed, append-only blob storage.
type ContentStore interface {
	Put(context.Context, []byte) (domain.ContentHash, error)
	Get(context.Context, domain.ContentHash) ([]byte, error)
	Has(context.Context, domain.ContentHash) (bool, error)
}

// Workspace holds the mutable working copy of each live drop.
type Workspace interface {
	Write(context.Context, string, []byte) error
	Read(context.Context, string) ([]byte, error)
	Discard(context.Context, string) error
	Exists(context.Context, string) (bool, error)
	List(context.Context) ([]string, error)
}

// StepInput is what a validation step sees of a drop.
type StepInput struct {
	Drop  domain.Drop
	Lane  domain.Lane
	Files []domain.SourceFile
}

// StepResult is the verdict of one validation step.
type StepResult struct {
	Passed      bool
	Diagnostics []domain.Diagnostic
}

// ValidationStep is a black-box build, static check, test or scan tool.
type ValidationStep interface {
	Kind() domain.StepKind
	Run(context.Context, StepInput) (StepResult, error)
}

// StepProvider returns the ordered steps configured for a lane.
type StepProvider func(domain.Lane) []ValidationStep

// Logger is the structured logger the service writes to.
type Logger interface {
	Debug(msg any, keyvals ...any)
	Info(msg any, keyvals ...any)
	Warn(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}

// Metrics receives pipeline counters.
type Metrics interface {
	DropIngested(duplicate bool)
	DropTransitioned(from, to domain.State)
	LaneCompleted(lane domain.Lane, passed bool, elapsed time.Duration)
	MergeResolved(resolution domain.Resolution)
	DropSealed(originalSize, compressedSize int64)
}

type nopLogger struct{}

func (nopLogger) Debug(any, ...any) {}
func (nopLogger) Info(any, ...any)  {}
func (nopLogger) Warn(any, ...any)  {}
func (nopLogger) Error(any, ...any) {}

type nopMetrics struct{}

func (nopMetrics) DropIngested(bool)                              {}
func (nopMetrics) DropTransitioned(domain.State, domain.State)    {}
func (nopMetrics) LaneCompleted(domain.Lane, bool, time.Duration) {}
func (nopMetrics) MergeResolved(domain.Resolution)                {}
func (nopMetrics) DropSealed(int64, int64)                        {}
