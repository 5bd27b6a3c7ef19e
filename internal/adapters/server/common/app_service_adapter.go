package common

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hylla/crc/internal/app"
	"github.com/hylla/crc/internal/domain"
)

// AppServiceAdapter maps transport contracts onto app.Service.
type AppServiceAdapter struct {
	service *app.Service
}

// NewAppServiceAdapter builds one common adapter over an app.Service instance.
func NewAppServiceAdapter(service *app.Service) *AppServiceAdapter {
	return &AppServiceAdapter{service: service}
}

// IngestDrop records one submitted payload.
func (a *AppServiceAdapter) IngestDrop(ctx context.Context, in IngestDropRequest) (IngestDropResult, error) {
	if err := a.ready(); err != nil {
		return IngestDropResult{}, err
	}
	in.Location = strings.TrimSpace(in.Location)
	in.TargetRef = strings.TrimSpace(in.TargetRef)
	in.Intent = strings.TrimSpace(in.Intent)
	if err := in.Validate(); err != nil {
		return IngestDropResult{}, err
	}
	res, err := a.service.Ingest(ctx, app.IngestInput{
		Source: domain.SourceDescriptor{
			Location:         in.Location,
			TargetRef:        in.TargetRef,
			Intent:           in.Intent,
			SourceModifiedAt: in.SourceModifiedAt.UTC(),
		},
		Data: in.Content,
	})
	if err != nil {
		return IngestDropResult{}, mapAppError("ingest drop", err)
	}
	return IngestDropResult{DropID: res.DropID, ContentHash: string(res.ContentHash), Duplicate: res.Duplicate}, nil
}

// GetDrop returns one drop by id.
func (a *AppServiceAdapter) GetDrop(ctx context.Context, dropID string) (Drop, error) {
	if err := a.ready(); err != nil {
		return Drop{}, err
	}
	d, err := a.service.GetDrop(ctx, dropID)
	if err != nil {
		return Drop{}, mapAppError("get drop", err)
	}
	return MapDrop(d), nil
}

// ListDrops lists drops matching the request filter.
func (a *AppServiceAdapter) ListDrops(ctx context.Context, in ListDropsRequest) ([]Drop, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	filter := app.DropFilter{TargetRef: strings.TrimSpace(in.TargetRef)}
	for _, raw := range in.States {
		state, ok := domain.ParseState(raw)
		if !ok {
			return nil, fmt.Errorf("unknown state %q: %w", raw, ErrInvalidRequest)
		}
		filter.States = append(filter.States, state)
	}
	drops, err := a.service.ListDrops(ctx, filter)
	if err != nil {
		return nil, mapAppError("list drops", err)
	}
	out := make([]Drop, 0, len(drops))
	for _, d := range drops {
		out = append(out, MapDrop(d))
	}
	return out, nil
}

// ApproveDrop approves a drop held for manual review.
func (a *AppServiceAdapter) ApproveDrop(ctx context.Context, in ApproveDropRequest) (Drop, error) {
	if err := a.ready(); err != nil {
		return Drop{}, err
	}
	in.DropID = strings.TrimSpace(in.DropID)
	in.ApprovedBy = strings.TrimSpace(in.ApprovedBy)
	if err := in.Validate(); err != nil {
		return Drop{}, err
	}
	d, err := a.service.Approve(ctx, in.DropID, in.ApprovedBy)
	if err != nil {
		return Drop{}, mapAppError("approve drop", err)
	}
	return MapDrop(d), nil
}

// CancelDrop cancels a drop before validation starts.
func (a *AppServiceAdapter) CancelDrop(ctx context.Context, in CancelDropRequest) (Drop, error) {
	if err := a.ready(); err != nil {
		return Drop{}, err
	}
	in.DropID = strings.TrimSpace(in.DropID)
	in.Reason = strings.TrimSpace(in.Reason)
	if err := in.Validate(); err != nil {
		return Drop{}, err
	}
	d, err := a.service.Cancel(ctx, in.DropID, in.Reason)
	if err != nil {
		return Drop{}, mapAppError("cancel drop", err)
	}
	return MapDrop(d), nil
}

// DropHistory returns the drop's lineage parents-first.
func (a *AppServiceAdapter) DropHistory(ctx context.Context, dropID string) ([]CLNode, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	nodes, err := a.service.DropHistory(ctx, dropID)
	if err != nil {
		return nil, mapAppError("drop history", err)
	}
	return MapCLNodes(nodes), nil
}

// ListMerges lists merge decisions, optionally only unresolved manual ones.
func (a *AppServiceAdapter) ListMerges(ctx context.Context, in ListMergesRequest) ([]MergeDecision, error) {
	if err := a.ready(); err != nil {
		return nil, err
	}
	rows, err := a.service.ListMergeDecisions(ctx, app.MergeFilter{
		TargetRef:   strings.TrimSpace(in.TargetRef),
		PendingOnly: in.PendingOnly,
	})
	if err != nil {
		return nil, mapAppError("list merges", err)
	}
	out := make([]MergeDecision, 0, len(rows))
	for _, m := range rows {
		out = append(out, MapMergeDecision(m))
	}
	return out, nil
}

// ApplyResolution applies an external resolution to a manual_required decision.
func (a *AppServiceAdapter) ApplyResolution(ctx context.Context, in ApplyResolutionRequest) (MergeDecision, error) {
	if err := a.ready(); err != nil {
		return MergeDecision{}, err
	}
	in.MergeID = strings.TrimSpace(in.MergeID)
	in.ResolvedBy = strings.TrimSpace(in.ResolvedBy)
	if err := in.Validate(); err != nil {
		return MergeDecision{}, err
	}
	res := domain.ExternalResolution{ResolvedBy: in.ResolvedBy}
	for _, c := range in.Choices {
		res.Choices = append(res.Choices, domain.ResolutionChoice{
			Path:    strings.TrimSpace(c.Path),
			DropID:  strings.TrimSpace(c.DropID),
			Content: c.Content,
		})
	}
	m, err := a.service.ApplyExternalResolution(ctx, in.MergeID, res)
	if err != nil {
		return MergeDecision{}, mapAppError("apply resolution", err)
	}
	return MapMergeDecision(m), nil
}

// Diff compares the lineage of two CL nodes.
func (a *AppServiceAdapter) Diff(ctx context.Context, left, right string) (LineageDiff, error) {
	if err := a.ready(); err != nil {
		return LineageDiff{}, err
	}
	left, right = strings.TrimSpace(left), strings.TrimSpace(right)
	if left == "" || right == "" {
		return LineageDiff{}, fmt.Errorf("diff requires two node ids: %w", ErrInvalidRequest)
	}
	d, err := a.service.Diff(ctx, left, right)
	if err != nil {
		return LineageDiff{}, mapAppError("diff lineage", err)
	}
	return MapLineageDiff(d), nil
}

// GetTarget returns the file listing of one integration target.
func (a *AppServiceAdapter) GetTarget(ctx context.Context, targetRef string) (Target, error) {
	if err := a.ready(); err != nil {
		return Target{}, err
	}
	targetRef = strings.TrimSpace(targetRef)
	if targetRef == "" {
		return Target{}, fmt.Errorf("target ref is required: %w", ErrInvalidRequest)
	}
	t, err := a.service.GetTarget(ctx, targetRef)
	if err != nil {
		return Target{}, mapAppError("get target", err)
	}
	return MapTarget(t), nil
}

func (a *AppServiceAdapter) ready() error {
	if a == nil || a.service == nil {
		return fmt.Errorf("app service adapter is not configured: %w", ErrUnavailable)
	}
	return nil
}

// mapAppError folds app and domain errors onto transport sentinels, keeping the original in the chain.
func mapAppError(op string, err error) error {
	switch {
	case errors.Is(err, app.ErrNotFound):
		return fmt.Errorf("%s: %w", op, errors.Join(ErrNotFound, err))
	case errors.Is(err, app.ErrStaleState),
		errors.Is(err, app.ErrPrecondition),
		errors.Is(err, app.ErrNotCancellable),
		errors.Is(err, app.ErrBatchPending),
		errors.Is(err, app.ErrBatchHalted),
		errors.Is(err, app.ErrConflictUnresolved),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrApprovalNotRequired):
		return fmt.Errorf("%s: %w", op, errors.Join(ErrConflict, err))
	case errors.Is(err, app.ErrInvalidResolution),
		errors.Is(err, domain.ErrInvalidID),
		errors.Is(err, domain.ErrInvalidContentHash),
		errors.Is(err, domain.ErrInvalidTargetRef),
		errors.Is(err, domain.ErrInvalidApprover),
		errors.Is(err, domain.ErrInvalidPath),
		errors.Is(err, domain.ErrInvalidResolution):
		return fmt.Errorf("%s: %w", op, errors.Join(ErrInvalidRequest, err))
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// MapDrop converts a domain drop to its transport view.
func MapDrop(d domain.Drop) Drop {
	return Drop{
		ID:             d.ID,
		State:          string(d.State),
		ContentHash:    string(d.ContentHash),
		Location:       d.Source.Location,
		TargetRef:      d.Source.TargetRef,
		Intent:         d.Source.Intent,
		Language:       d.Source.PrimaryLanguage,
		FileCount:      d.Source.FileCount,
		ByteSize:       d.Source.ByteSize,
		Score:          d.Score,
		Action:         string(d.Action),
		Lane:           string(d.Lane),
		Approved:       d.Approved,
		ApprovedBy:     d.ApprovedBy,
		Diagnostics:    d.Diagnostics,
		HeadNodeID:     d.HeadNodeID,
		CreatedAt:      d.CreatedAt,
		StateChangedAt: d.StateChangedAt,
	}
}

// MapMergeDecision converts a domain merge decision to its transport view.
func MapMergeDecision(m domain.MergeDecision) MergeDecision {
	return MergeDecision{
		ID:             m.ID,
		TargetRef:      m.TargetRef,
		Participants:   append([]string(nil), m.Participants...),
		Conflicts:      append([]domain.Conflict(nil), m.Conflicts...),
		Resolution:     string(m.Resolution),
		Supersedes:     m.Supersedes,
		TargetRevision: m.TargetRevision,
		NodeID:         m.NodeID,
		CreatedAt:      m.CreatedAt,
	}
}

// MapCLNode converts a domain CL node to its transport view.
func MapCLNode(n domain.CLNode) CLNode {
	return CLNode{
		ID:              n.ID,
		ParentIDs:       append([]string(nil), n.ParentIDs...),
		Supersedes:      n.Supersedes,
		Kind:            string(n.Kind),
		DropID:          n.DropID,
		MergeDecisionID: n.MergeDecisionID,
		Status:          n.Status,
		Metadata:        n.Metadata,
		Timestamp:       n.Timestamp,
	}
}

// MapCLNodes converts a node slice, never returning nil.
func MapCLNodes(nodes []domain.CLNode) []CLNode {
	out := make([]CLNode, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, MapCLNode(n))
	}
	return out
}

// MapLineageDiff converts a domain lineage diff to its transport view.
func MapLineageDiff(d domain.LineageDiff) LineageDiff {
	return LineageDiff{
		A:               d.A,
		B:               d.B,
		Related:         d.Related(),
		CommonAncestors: append([]string{}, d.CommonAncestors...),
		MergeBases:      append([]string{}, d.MergeBases...),
		OnlyA:           MapCLNodes(d.OnlyA),
		OnlyB:           MapCLNodes(d.OnlyB),
	}
}

// MapTarget maps one integration target, dropping file contents.
func MapTarget(t domain.Target) Target {
	out := Target{Ref: t.Ref, Revision: t.Revision, UpdatedAt: t.UpdatedAt, Files: make([]TargetFile, 0, len(t.Files))}
	for _, f := range t.Files {
		out.Files = append(out.Files, TargetFile{Path: f.Path, Revision: f.Revision, Bytes: len(f.Content)})
	}
	return out
}
