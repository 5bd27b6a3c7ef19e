package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hylla/crc/internal/domain"
)

// inFlightStates are the states that keep a merge batch waiting.
var inFlightStates = []domain.State{domain.StateLaneAssigned, domain.StateValidating}

// Resolve consolidates every validated drop aimed at targetRef into one merge decision.
//
// The batch waits while any drop for the target is still validating, and a pending
// manual_required decision halts the target until an external resolution arrives.
// Clean and auto_resolved decisions land atomically with every participant moving to merged.
func (s *Service) Resolve(ctx context.Context, targetRef string) (domain.MergeDecision, error) {
	ctx, span := tracer.Start(ctx, "merge.resolve")
	defer span.End()

	targetRef = strings.TrimSpace(targetRef)
	if targetRef == "" {
		return domain.MergeDecision{}, domain.ErrInvalidTargetRef
	}
	span.SetAttributes(attribute.String("crc.target_ref", targetRef))
	unlock := s.targetLocks.lock(targetRef)
	defer unlock()

	pending, err := s.repo.ListMergeDecisions(ctx, MergeFilter{TargetRef: targetRef, PendingOnly: true})
	if err != nil {
		return domain.MergeDecision{}, err
	}
	if len(pending) > 0 {
		return pending[0], fmt.Errorf("%w: decision %s", ErrBatchHalted, pending[0].ID)
	}

	drops, err := s.repo.ListDrops(ctx, DropFilter{
		TargetRef: targetRef,
		States:    append(slices.Clone(inFlightStates), domain.StateValidated),
	})
	if err != nil {
		return domain.MergeDecision{}, err
	}
	participants := make([]domain.Drop, 0, len(drops))
	waiting := 0
	for _, d := range drops {
		switch {
		case slices.Contains(inFlightStates, d.State):
			waiting++
		case d.NeedsApproval():
			s.log.Debug("merge skips unapproved drop", "drop_id", d.ID, "target_ref", targetRef)
		default:
			participants = append(participants, d)
		}
	}
	if waiting > 0 {
		return domain.MergeDecision{}, fmt.Errorf("%w: %d drop(s) for %s", ErrBatchPending, waiting, targetRef)
	}
	if len(participants) == 0 {
		return domain.MergeDecision{}, fmt.Errorf("%w: %s", ErrEmptyBatch, targetRef)
	}
	return s.consolidate(ctx, targetRef, domain.OrderParticipants(participants), nil, nil)
}

// ApplyExternalResolution re-runs the merge of a manual_required decision treating the
// reviewer's choices as authoritative for the paths they name. The result supersedes the
// manual decision; paths left unresolved may produce a new manual_required decision.
func (s *Service) ApplyExternalResolution(ctx context.Context, mergeID string, res domain.ExternalResolution) (domain.MergeDecision, error) {
	ctx, span := tracer.Start(ctx, "merge.apply_external_resolution")
	defer span.End()

	prior, err := s.repo.GetMergeDecision(ctx, strings.TrimSpace(mergeID))
	if err != nil {
		return domain.MergeDecision{}, err
	}
	unlock := s.targetLocks.lock(prior.TargetRef)
	defer unlock()

	if prior.Resolution != domain.ResolutionManualRequired {
		return domain.MergeDecision{}, fmt.Errorf("%w: decision %s is %s", ErrInvalidResolution, prior.ID, prior.Resolution)
	}
	pending, err := s.repo.ListMergeDecisions(ctx, MergeFilter{TargetRef: prior.TargetRef, PendingOnly: true})
	if err != nil {
		return domain.MergeDecision{}, err
	}
	if !slices.ContainsFunc(pending, func(d domain.MergeDecision) bool { return d.ID == prior.ID }) {
		return domain.MergeDecision{}, fmt.Errorf("%w: decision %s already superseded", ErrStaleState, prior.ID)
	}

	choices, err := validateChoices(prior, res)
	if err != nil {
		return domain.MergeDecision{}, err
	}
	participants := make([]domain.Drop, 0, len(prior.Participants))
	for _, id := range prior.Participants {
		d, err := s.repo.GetDrop(ctx, id)
		if err != nil {
			return domain.MergeDecision{}, err
		}
		if d.State != domain.StateValidated {
			return domain.MergeDecision{}, &StaleStateError{DropID: d.ID, Expected: domain.StateValidated, Actual: d.State}
		}
		participants = append(participants, d)
	}
	s.log.Info("applying external resolution", "merge_id", prior.ID, "resolved_by", res.ResolvedBy, "choices", len(choices))
	return s.consolidate(ctx, prior.TargetRef, domain.OrderParticipants(participants), choices, &prior)
}

// GetMergeDecision returns a decision by id.
func (s *Service) GetMergeDecision(ctx context.Context, mergeID string) (domain.MergeDecision, error) {
	return s.repo.GetMergeDecision(ctx, strings.TrimSpace(mergeID))
}

// ListMergeDecisions lists decisions, optionally only the pending manual ones.
func (s *Service) ListMergeDecisions(ctx context.Context, filter MergeFilter) ([]domain.MergeDecision, error) {
	return s.repo.ListMergeDecisions(ctx, filter)
}

// GetTarget returns the integration target, empty at revision 0 if nothing has merged yet.
func (s *Service) GetTarget(ctx context.Context, targetRef string) (domain.Target, error) {
	return s.loadTarget(ctx, strings.TrimSpace(targetRef))
}

// GetLaneResult returns the validation result of a drop.
func (s *Service) GetLaneResult(ctx context.Context, dropID string) (domain.LaneValidationResult, error) {
	return s.repo.GetLaneResult(ctx, strings.TrimSpace(dropID))
}

func validateChoices(prior domain.MergeDecision, res domain.ExternalResolution) (map[string]domain.ResolutionChoice, error) {
	if strings.TrimSpace(res.ResolvedBy) == "" {
		return nil, fmt.Errorf("%w: resolved_by is required", ErrInvalidResolution)
	}
	if len(res.Choices) == 0 {
		return nil, fmt.Errorf("%w: at least one choice is required", ErrInvalidResolution)
	}
	conflicted := map[string]struct{}{}
	for _, c := range prior.Conflicts {
		conflicted[c.Path] = struct{}{}
	}
	out := make(map[string]domain.ResolutionChoice, len(res.Choices))
	for _, choice := range res.Choices {
		p, err := domain.CleanPath(choice.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidResolution, err)
		}
		if _, ok := conflicted[p]; !ok {
			return nil, fmt.Errorf("%w: %s has no conflict", ErrInvalidResolution, p)
		}
		if _, dup := out[p]; dup {
			return nil, fmt.Errorf("%w: duplicate choice for %s", ErrInvalidResolution, p)
		}
		hasDrop := strings.TrimSpace(choice.DropID) != ""
		if hasDrop == (choice.Content != nil) {
			return nil, fmt.Errorf("%w: %s needs exactly one of drop_id or content", ErrInvalidResolution, p)
		}
		if hasDrop && !slices.Contains(prior.Participants, strings.TrimSpace(choice.DropID)) {
			return nil, fmt.Errorf("%w: %s is not a participant", ErrInvalidResolution, choice.DropID)
		}
		choice.Path = p
		choice.DropID = strings.TrimSpace(choice.DropID)
		out[p] = choice
	}
	return out, nil
}

// consolidate computes and commits a decision for ordered participants.
func (s *Service) consolidate(ctx context.Context, targetRef string, participants []domain.Drop, choices map[string]domain.ResolutionChoice, prior *domain.MergeDecision) (domain.MergeDecision, error) {
	target, err := s.loadTarget(ctx, targetRef)
	if err != nil {
		return domain.MergeDecision{}, err
	}

	var (
		conflicts []domain.Conflict
		files     []domain.TargetFile
		overlap   = len(choices) > 0
	)
	byPath := map[string][]domain.PathVersion{}
	ids := make([]string, 0, len(participants))
	for _, d := range participants {
		ids = append(ids, d.ID)
		cs, moved, err := s.changesetFor(ctx, d, target)
		if err != nil {
			return domain.MergeDecision{}, err
		}
		for _, c := range moved {
			if _, chosen := choices[c.Path]; !chosen {
				conflicts = append(conflicts, c)
			}
		}
		for _, fc := range cs.Files {
			byPath[fc.Path] = append(byPath[fc.Path], domain.PathVersion{DropID: d.ID, Change: fc})
		}
	}
	paths := make([]string, 0, len(byPath))
	for p := range byPath {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	for _, p := range paths {
		base, _ := target.File(p)
		versions := byPath[p]
		var content []byte
		if choice, ok := choices[p]; ok {
			content = chosenContent(base.Content, versions, choice)
		} else {
			merged := domain.MergePath(p, base.Content, domain.IsDocumentLike(p, s.docPatterns), versions, s.granularity)
			overlap = overlap || merged.Overlap
			if len(merged.Conflicts) > 0 {
				conflicts = append(conflicts, merged.Conflicts...)
				continue
			}
			content = merged.Content
		}
		files = append(files, domain.TargetFile{Path: p, Content: content, Revision: target.Revision + 1})
	}

	slices.SortStableFunc(conflicts, func(a, b domain.Conflict) int {
		if c := strings.Compare(a.Path, b.Path); c != 0 {
			return c
		}
		return a.BaseStart - b.BaseStart
	})

	resolution := domain.ResolutionClean
	switch {
	case len(conflicts) > 0:
		resolution = domain.ResolutionManualRequired
		files = nil
	case overlap:
		resolution = domain.ResolutionAutoResolved
	}

	supersedes, supersedesNode := "", ""
	if prior != nil {
		supersedes, supersedesNode = prior.ID, prior.NodeID
	}
	decision, err := domain.NewMergeDecision(domain.NewMergeDecisionInput{
		ID:           s.idGen(),
		TargetRef:    targetRef,
		Participants: ids,
		Conflicts:    conflicts,
		Resolution:   resolution,
		Supersedes:   supersedes,
	}, s.clock())
	if err != nil {
		return domain.MergeDecision{}, err
	}
	decision.TargetRevision = target.Revision
	if resolution.Applied() {
		decision.TargetRevision = target.Revision + 1
	}

	parents := make([]string, 0, len(participants))
	for _, d := range participants {
		parents = append(parents, d.HeadNodeID)
	}
	node, err := domain.NewCLNode(domain.NewCLNodeInput{
		ID:              s.idGen(),
		ParentIDs:       parents,
		Supersedes:      supersedesNode,
		MergeDecisionID: decision.ID,
		Status:          string(resolution),
		Metadata: map[string]string{
			"target_ref": targetRef,
			"revision":   fmt.Sprint(decision.TargetRevision),
			"conflicts":  fmt.Sprint(len(conflicts)),
		},
	}, s.clock())
	if err != nil {
		return domain.MergeDecision{}, err
	}
	decision.NodeID = node.ID

	commit := MergeCommit{Decision: decision, Node: node, BaseRevision: target.Revision, Files: files}
	if resolution.Applied() {
		for _, d := range participants {
			next := d
			if err := next.TransitionTo(domain.StateMerged, s.clock()); err != nil {
				return domain.MergeDecision{}, err
			}
			pn, err := s.newDropNode(next, []string{d.HeadNodeID, node.ID}, string(domain.StateMerged), map[string]string{"merge_id": decision.ID})
			if err != nil {
				return domain.MergeDecision{}, err
			}
			next.HeadNodeID = pn.ID
			commit.Participants = append(commit.Participants, DropUpdate{From: domain.StateValidated, FromHead: d.HeadNodeID, Next: next, Node: pn})
		}
	}
	if err := s.repo.CommitMerge(ctx, commit); err != nil {
		return domain.MergeDecision{}, fmt.Errorf("commit merge for %s: %w", targetRef, err)
	}

	s.metrics.MergeResolved(resolution)
	for _, u := range commit.Participants {
		s.metrics.DropTransitioned(domain.StateValidated, domain.StateMerged)
		s.log.Debug("drop transitioned", "drop_id", u.Next.ID, "from", domain.StateValidated, "to", domain.StateMerged)
	}
	if resolution == domain.ResolutionManualRequired {
		s.log.Warn("merge requires manual resolution", "merge_id", decision.ID, "target_ref", targetRef, "conflicts", len(conflicts))
	} else {
		s.log.Info("merge applied", "merge_id", decision.ID, "target_ref", targetRef, "resolution", resolution, "revision", decision.TargetRevision, "participants", len(ids))
	}
	return decision, nil
}

// changesetFor loads the drop's validation changeset. When the target moved since
// validation each file is rebased onto the current content; files whose edits collide
// with what landed in between come back as conflicts.
func (s *Service) changesetFor(ctx context.Context, d domain.Drop, target domain.Target) (domain.Changeset, []domain.Conflict, error) {
	result, err := s.repo.GetLaneResult(ctx, d.ID)
	if err != nil {
		return domain.Changeset{}, nil, fmt.Errorf("lane result for %s: %w", d.ID, err)
	}
	for _, ref := range result.ArtifactRefs {
		data, err := s.store.Get(ctx, ref)
		if err != nil {
			return domain.Changeset{}, nil, fmt.Errorf("load changeset %s: %w", ref.Short(), err)
		}
		if domain.HashContent(data) != ref {
			return domain.Changeset{}, nil, fmt.Errorf("%w: changeset %s", ErrIntegrity, ref.Short())
		}
		var cs domain.Changeset
		if err := json.Unmarshal(data, &cs); err != nil || cs.DropID != d.ID {
			continue
		}
		if cs.BaseRevision == target.Revision {
			return cs, nil, nil
		}
		rebased, conflicts := s.rebase(cs, target)
		return rebased, conflicts, nil
	}

	files, err := s.loadFiles(ctx, d)
	if err != nil {
		return domain.Changeset{}, nil, err
	}
	return s.buildChangeset(d, files, target), nil, nil
}

func (s *Service) rebase(cs domain.Changeset, target domain.Target) (domain.Changeset, []domain.Conflict) {
	out := domain.Changeset{DropID: cs.DropID, TargetRef: cs.TargetRef, BaseRevision: target.Revision, Files: []domain.FileChange{}}
	var conflicts []domain.Conflict
	for _, fc := range cs.Files {
		cur, exists := target.File(fc.Path)
		next, changed, ok := domain.RebaseFileChange(fc, cs.DropID, cur.Content, exists)
		if changed {
			out.Files = append(out.Files, next)
		}
		if !ok {
			conflicts = append(conflicts, domain.Conflict{
				Path:    fc.Path,
				Kind:    domain.ConflictFile,
				BaseEnd: len(domain.SplitLines(cur.Content)),
				DropIDs: []string{cs.DropID},
				Preview: domain.UnifiedPatch(fc.Path, "target", cs.DropID, fc.Base, cur.Content),
			})
		}
	}
	s.log.Debug("rebased changeset", "drop_id", cs.DropID, "from_revision", cs.BaseRevision, "to_revision", target.Revision, "conflicts", len(conflicts))
	return out, conflicts
}

// chosenContent returns the reviewer's content for a path.
func chosenContent(base []byte, versions []domain.PathVersion, choice domain.ResolutionChoice) []byte {
	if choice.Content != nil {
		return []byte(*choice.Content)
	}
	for _, v := range versions {
		if v.DropID == choice.DropID {
			return domain.JoinLines(domain.ApplyHunks(domain.SplitLines(base), v.Change.Hunks))
		}
	}
	return base
}

// errorsIsBatchWait reports whether err means a target is waiting rather than broken.
func errorsIsBatchWait(err error) bool {
	return errors.Is(err, ErrBatchPending) || errors.Is(err, ErrBatchHalted) || errors.Is(err, ErrEmptyBatch)
}
