package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hylla/crc/internal/domain"
)

// IngestInput holds input values for ingest operations.
type IngestInput struct {
	Source domain.SourceDescriptor
	Data   []byte
}

// IngestResult reports the drop an ingest call produced or referenced.
type IngestResult struct {
	DropID      string
	ContentHash domain.ContentHash
	Duplicate   bool
}

// Ingest records a new drop in the ingested state. Bytes already sealed under the same
// content hash short-circuit to the archived drop instead of creating new work.
func (s *Service) Ingest(ctx context.Context, in IngestInput) (IngestResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.ingest")
	defer span.End()

	hash := domain.HashContent(in.Data)
	span.SetAttributes(attribute.String("crc.content_hash", string(hash)))

	rec, err := s.repo.GetArchiveRecordByHash(ctx, hash)
	switch {
	case err == nil:
		s.metrics.DropIngested(true)
		s.log.Info("duplicate drop references archive", "drop_id", rec.DropID, "content_hash", hash.Short())
		return IngestResult{DropID: rec.DropID, ContentHash: hash, Duplicate: true}, nil
	case !errors.Is(err, ErrNotFound):
		return IngestResult{}, fmt.Errorf("lookup archive record: %w", err)
	}

	features := InspectPayload(in.Source.Location, in.Data, s.maxUnpacked)
	now := s.clock()
	source := features.Describe(in.Source, now)

	drop, err := domain.NewDrop(domain.NewDropInput{
		ID:          s.idGen(),
		Source:      source,
		ContentHash: hash,
	}, now)
	if err != nil {
		return IngestResult{}, err
	}
	drop.AppendDiagnostics(features.Diagnostics...)

	node, err := s.newDropNode(drop, nil, string(domain.StateIngested), map[string]string{
		"content_hash": string(hash),
		"location":     source.Location,
	})
	if err != nil {
		return IngestResult{}, err
	}
	drop.HeadNodeID = node.ID

	if err := s.workspace.Write(ctx, drop.ID, in.Data); err != nil {
		return IngestResult{}, fmt.Errorf("write working copy: %w", err)
	}
	if err := s.repo.CreateDrop(ctx, drop, node); err != nil {
		if discardErr := s.workspace.Discard(ctx, drop.ID); discardErr != nil {
			s.log.Warn("discard working copy after failed ingest", "drop_id", drop.ID, "err", discardErr)
		}
		return IngestResult{}, fmt.Errorf("create drop: %w", err)
	}

	s.metrics.DropIngested(false)
	s.log.Info("drop ingested", "drop_id", drop.ID, "content_hash", hash.Short(), "files", source.FileCount, "target_ref", source.TargetRef)
	return IngestResult{DropID: drop.ID, ContentHash: hash}, nil
}

// GetDrop returns a drop by id.
func (s *Service) GetDrop(ctx context.Context, dropID string) (domain.Drop, error) {
	dropID = strings.TrimSpace(dropID)
	if dropID == "" {
		return domain.Drop{}, domain.ErrInvalidID
	}
	return s.repo.GetDrop(ctx, dropID)
}

// ListDrops lists drops matching filter.
func (s *Service) ListDrops(ctx context.Context, filter DropFilter) ([]domain.Drop, error) {
	return s.repo.ListDrops(ctx, filter)
}

// Transition performs a compare-and-swap state change.
func (s *Service) Transition(ctx context.Context, dropID string, from, to domain.State) (domain.Drop, error) {
	return s.transition(ctx, dropID, from, to, nil, nil)
}

// Cancel moves a drop that has not started validation to cancelled.
func (s *Service) Cancel(ctx context.Context, dropID, reason string) (domain.Drop, error) {
	d, err := s.GetDrop(ctx, dropID)
	if err != nil {
		return domain.Drop{}, err
	}
	if !d.State.Cancellable() {
		return domain.Drop{}, fmt.Errorf("%w: %s", ErrNotCancellable, d.State)
	}
	meta := map[string]string{}
	if reason = strings.TrimSpace(reason); reason != "" {
		meta["reason"] = reason
	}
	return s.transition(ctx, d.ID, d.State, domain.StateCancelled, nil, meta)
}

// Approve sets the external approval flag a manual_review drop needs before it can merge.
func (s *Service) Approve(ctx context.Context, dropID, approver string) (domain.Drop, error) {
	unlock := s.dropLocks.lock(dropID)
	defer unlock()

	d, err := s.GetDrop(ctx, dropID)
	if err != nil {
		return domain.Drop{}, err
	}
	if d.State.Terminal() || d.State == domain.StateMerged {
		return domain.Drop{}, &PreconditionError{Op: "approve", DropID: d.ID, Required: domain.StateValidated, Actual: d.State}
	}
	next := d
	if err := next.Approve(approver); err != nil {
		return domain.Drop{}, err
	}
	node, err := s.newDropNode(next, []string{d.HeadNodeID}, domain.StatusApproved, map[string]string{"approved_by": next.ApprovedBy})
	if err != nil {
		return domain.Drop{}, err
	}
	next.HeadNodeID = node.ID
	if err := s.repo.UpdateDrop(ctx, DropUpdate{From: d.State, FromHead: d.HeadNodeID, Next: next, Node: node}); err != nil {
		return domain.Drop{}, s.staleOr(ctx, d.ID, d.State, err)
	}
	s.log.Info("drop approved", "drop_id", d.ID, "approved_by", next.ApprovedBy)
	return next, nil
}

// transition applies mutate and from -> to under the drop lock and records the CL node in the same write.
func (s *Service) transition(ctx context.Context, dropID string, from, to domain.State, mutate func(*domain.Drop) error, meta map[string]string) (domain.Drop, error) {
	unlock := s.dropLocks.lock(dropID)
	defer unlock()

	d, err := s.repo.GetDrop(ctx, dropID)
	if err != nil {
		return domain.Drop{}, err
	}
	if d.State != from {
		return domain.Drop{}, &StaleStateError{DropID: d.ID, Expected: from, Actual: d.State}
	}
	next := d
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return domain.Drop{}, err
		}
	}
	if err := next.TransitionTo(to, s.clock()); err != nil {
		return domain.Drop{}, fmt.Errorf("%w: %s -> %s", err, from, to)
	}
	node, err := s.newDropNode(next, []string{d.HeadNodeID}, string(to), meta)
	if err != nil {
		return domain.Drop{}, err
	}
	next.HeadNodeID = node.ID
	if err := s.repo.UpdateDrop(ctx, DropUpdate{From: from, FromHead: d.HeadNodeID, Next: next, Node: node}); err != nil {
		return domain.Drop{}, s.staleOr(ctx, d.ID, from, err)
	}
	s.afterTransition(ctx, next, from)
	return next, nil
}

// afterTransition records metrics and drops working copies nothing downstream will read.
func (s *Service) afterTransition(ctx context.Context, d domain.Drop, from domain.State) {
	s.metrics.DropTransitioned(from, d.State)
	s.log.Debug("drop transitioned", "drop_id", d.ID, "from", from, "to", d.State)
	if d.State.Discardable() {
		if err := s.workspace.Discard(ctx, d.ID); err != nil {
			s.log.Warn("discard working copy", "drop_id", d.ID, "err", err)
		}
	}
}

// staleOr converts a repository stale-state error into a StaleStateError carrying the current state.
func (s *Service) staleOr(ctx context.Context, dropID string, expected domain.State, err error) error {
	if !errors.Is(err, ErrStaleState) {
		return err
	}
	current, getErr := s.repo.GetDrop(ctx, dropID)
	if getErr != nil {
		return err
	}
	return &StaleStateError{DropID: dropID, Expected: expected, Actual: current.State}
}

// newDropNode builds the CL node for a drop event.
func (s *Service) newDropNode(d domain.Drop, parents []string, status string, meta map[string]string) (domain.CLNode, error) {
	clean := make([]string, 0, len(parents))
	for _, p := range parents {
		if strings.TrimSpace(p) != "" {
			clean = append(clean, p)
		}
	}
	if meta == nil {
		meta = map[string]string{}
	}
	if d.Lane != "" {
		meta["lane"] = string(d.Lane)
	}
	return domain.NewCLNode(domain.NewCLNodeInput{
		ID:        s.idGen(),
		ParentIDs: clean,
		DropID:    d.ID,
		Status:    status,
		Metadata:  meta,
	}, s.clock())
}
