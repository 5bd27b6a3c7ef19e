// Package common provides transport-agnostic server contracts used by HTTP and MCP adapters.
package common

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hylla/crc/internal/domain"
)

// MaxDropBytes bounds one uploaded drop payload.
const MaxDropBytes = 64 << 20

// ErrInvalidRequest reports malformed transport input.
var ErrInvalidRequest = errors.New("invalid request")

// ErrNotFound reports missing transport-visible resources.
var ErrNotFound = errors.New("not found")

// ErrConflict reports a request that lost a state race or violates a precondition.
var ErrConflict = errors.New("conflict")

// ErrUnavailable reports a missing backing service.
var ErrUnavailable = errors.New("service unavailable")

var requestValidate = validator.New(validator.WithRequiredStructEnabled())

// IngestDropRequest captures one drop submission.
type IngestDropRequest struct {
	Location         string    `json:"location" validate:"required,max=4096"`
	TargetRef        string    `json:"target_ref" validate:"required,max=255"`
	Intent           string    `json:"intent,omitempty" validate:"max=255"`
	SourceModifiedAt time.Time `json:"source_modified_at,omitempty"`
	// Content is base64 in JSON.
	Content []byte `json:"content" validate:"required,max=67108864"`
}

// Validate checks request shape.
func (r IngestDropRequest) Validate() error {
	return validateStruct(r)
}

// IngestDropResult reports the drop created (or matched) by an ingest.
type IngestDropResult struct {
	DropID      string `json:"drop_id"`
	ContentHash string `json:"content_hash"`
	Duplicate   bool   `json:"duplicate"`
}

// ResolutionChoice picks one side (or literal content) for a conflicted path.
type ResolutionChoice struct {
	Path    string  `json:"path" validate:"required"`
	DropID  string  `json:"drop_id,omitempty" validate:"required_without=Content"`
	Content *string `json:"content,omitempty"`
}

// ApplyResolutionRequest captures an external resolution for a manual merge.
type ApplyResolutionRequest struct {
	MergeID    string             `json:"merge_id" validate:"required"`
	ResolvedBy string             `json:"resolved_by" validate:"required,max=255"`
	Choices    []ResolutionChoice `json:"choices" validate:"required,min=1,dive"`
}

// Validate checks request shape.
func (r ApplyResolutionRequest) Validate() error {
	return validateStruct(r)
}

// ListDropsRequest filters drops by state and target.
type ListDropsRequest struct {
	States    []string `json:"states,omitempty" validate:"dive,required"`
	TargetRef string   `json:"target_ref,omitempty" validate:"max=255"`
}

// ApproveDropRequest records a reviewer approval for a manual_review drop.
type ApproveDropRequest struct {
	DropID     string `json:"drop_id" validate:"required"`
	ApprovedBy string `json:"approved_by" validate:"required,max=255"`
}

// Validate checks request shape.
func (r ApproveDropRequest) Validate() error {
	return validateStruct(r)
}

// CancelDropRequest cancels a drop that has not started validating.
type CancelDropRequest struct {
	DropID string `json:"drop_id" validate:"required"`
	Reason string `json:"reason,omitempty" validate:"max=1024"`
}

// Validate checks request shape.
func (r CancelDropRequest) Validate() error {
	return validateStruct(r)
}

// ListMergesRequest filters merge decisions.
type ListMergesRequest struct {
	TargetRef   string `json:"target_ref,omitempty"`
	PendingOnly bool   `json:"pending_only"`
}

// Drop is the transport view of one ledger entry.
type Drop struct {
	ID             string              `json:"id"`
	State          string              `json:"state"`
	ContentHash    string              `json:"content_hash"`
	Location       string              `json:"location"`
	TargetRef      string              `json:"target_ref"`
	Intent         string              `json:"intent,omitempty"`
	Language       string              `json:"primary_language,omitempty"`
	FileCount      int                 `json:"file_count"`
	ByteSize       int64               `json:"byte_size"`
	Score          *float64            `json:"score,omitempty"`
	Action         string              `json:"action,omitempty"`
	Lane           string              `json:"lane,omitempty"`
	Approved       bool                `json:"approved"`
	ApprovedBy     string              `json:"approved_by,omitempty"`
	Diagnostics    []domain.Diagnostic `json:"diagnostics,omitempty"`
	HeadNodeID     string              `json:"head_node_id,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	StateChangedAt time.Time           `json:"state_changed_at"`
}

// MergeDecision is the transport view of one merge attempt.
type MergeDecision struct {
	ID             string            `json:"id"`
	TargetRef      string            `json:"target_ref"`
	Participants   []string          `json:"participants"`
	Conflicts      []domain.Conflict `json:"conflicts,omitempty"`
	Resolution     string            `json:"resolution"`
	Supersedes     string            `json:"supersedes,omitempty"`
	TargetRevision int64             `json:"target_revision"`
	NodeID         string            `json:"node_id"`
	CreatedAt      time.Time         `json:"created_at"`
}

// CLNode is the transport view of one provenance node.
type CLNode struct {
	ID              string            `json:"id"`
	ParentIDs       []string          `json:"parent_ids,omitempty"`
	Supersedes      string            `json:"supersedes,omitempty"`
	Kind            string            `json:"kind"`
	DropID          string            `json:"drop_id,omitempty"`
	MergeDecisionID string            `json:"merge_decision_id,omitempty"`
	Status          string            `json:"status"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// LineageDiff is the transport view of a two-node lineage comparison.
type LineageDiff struct {
	A               string   `json:"a"`
	B               string   `json:"b"`
	Related         bool     `json:"related"`
	CommonAncestors []string `json:"common_ancestors"`
	MergeBases      []string `json:"merge_bases"`
	OnlyA           []CLNode `json:"only_a"`
	OnlyB           []CLNode `json:"only_b"`
}

// TargetFile is one file of an integration target, without its content.
type TargetFile struct {
	Path     string `json:"path"`
	Revision int64  `json:"revision"`
	Bytes    int    `json:"bytes"`
}

// Target is the transport view of an integration target.
type Target struct {
	Ref       string       `json:"ref"`
	Revision  int64        `json:"revision"`
	Files     []TargetFile `json:"files"`
	UpdatedAt time.Time    `json:"updated_at,omitempty"`
}

// PipelineService is the app surface exposed over HTTP and MCP.
type PipelineService interface {
	IngestDrop(context.Context, IngestDropRequest) (IngestDropResult, error)
	GetDrop(context.Context, string) (Drop, error)
	ListDrops(context.Context, ListDropsRequest) ([]Drop, error)
	ApproveDrop(context.Context, ApproveDropRequest) (Drop, error)
	CancelDrop(context.Context, CancelDropRequest) (Drop, error)
	DropHistory(context.Context, string) ([]CLNode, error)
	ListMerges(context.Context, ListMergesRequest) ([]MergeDecision, error)
	ApplyResolution(context.Context, ApplyResolutionRequest) (MergeDecision, error)
	Diff(context.Context, string, string) (LineageDiff, error)
	GetTarget(context.Context, string) (Target, error)
}

func validateStruct(v any) error {
	if err := requestValidate.Struct(v); err != nil {
		return errors.Join(ErrInvalidRequest, err)
	}
	return nil
}
