package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/hylla/crc/internal/domain"
)

var intentAliases = map[string]domain.Lane{
	"feat":       domain.LaneFeature,
	"fix":        domain.LaneBugfix,
	"hotfix":     domain.LaneBugfix,
	"experiment": domain.LaneExperimental,
	"spike":      domain.LaneExperimental,
}

// AssignLane picks a lane for a drop. A declared intent naming a schedulable lane wins;
// anything else hashes drop id plus intent onto the schedulable lanes.
func AssignLane(dropID, intent string) domain.Lane {
	intent = strings.TrimSpace(strings.ToLower(intent))
	if lane, ok := domain.ParseLane(intent); ok && !lane.Reserved() {
		return lane
	}
	if lane, ok := intentAliases[intent]; ok {
		return lane
	}
	lanes := domain.SchedulableLanes()
	h := xxhash.Sum64String(dropID + "\x00" + intent)
	return lanes[h%uint64(len(lanes))]
}

// Analyze scores an ingested drop, then assigns its lane or rejects it.
func (s *Service) Analyze(ctx context.Context, dropID string) (domain.Drop, error) {
	d, err := s.GetDrop(ctx, dropID)
	if err != nil {
		return domain.Drop{}, err
	}
	assessment := s.analyzer.Analyze(d.Source)
	analyzed, err := s.transition(ctx, d.ID, domain.StateIngested, domain.StateAnalyzed, func(next *domain.Drop) error {
		return next.SetAssessment(assessment.Score, assessment.Action)
	}, map[string]string{
		"score":  fmt.Sprintf("%.4f", assessment.Score),
		"action": string(assessment.Action),
	})
	if err != nil {
		return domain.Drop{}, err
	}
	return s.route(ctx, analyzed)
}

// route finishes analysis of a scored drop: reject it or assign its lane.
func (s *Service) route(ctx context.Context, d domain.Drop) (domain.Drop, error) {
	if d.Action == domain.ActionReject {
		score := 0.0
		if d.Score != nil {
			score = *d.Score
		}
		diag := s.diag("analyze", domain.SeverityError, fmt.Sprintf("confidence %.4f below reject floor %.2f", score, s.analyzer.Thresholds().RejectFloor))
		return s.transition(ctx, d.ID, domain.StateAnalyzed, domain.StateRejected, func(next *domain.Drop) error {
			next.AppendDiagnostics(diag)
			return nil
		}, nil)
	}

	lane := AssignLane(d.ID, d.Source.Intent)
	return s.transition(ctx, d.ID, domain.StateAnalyzed, domain.StateLaneAssigned, func(next *domain.Drop) error {
		return next.AssignLane(lane)
	}, nil)
}

// Validate runs the lane pipeline for a lane_assigned drop: build, static, test, scan in order,
// stopping at the first failure. Diagnostics from every completed step are kept. A failed
// pipeline moves the drop to failed; it is never retried.
func (s *Service) Validate(ctx context.Context, dropID string) (domain.LaneValidationResult, error) {
	ctx, span := tracer.Start(ctx, "scheduler.validate")
	defer span.End()
	span.SetAttributes(attribute.String("crc.drop_id", dropID))

	release := s.validating.add(dropID)
	defer release()
	d, err := s.transition(ctx, dropID, domain.StateLaneAssigned, domain.StateValidating, nil, nil)
	if err != nil {
		return domain.LaneValidationResult{}, err
	}
	// Once validating, the drop must reach validated or failed even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	started := s.clock()

	diags := []domain.Diagnostic{}
	refs := []domain.ContentHash{}
	passed := true

	files, err := s.loadFiles(ctx, d)
	if err != nil {
		passed = false
		diags = append(diags, s.diag("workspace", domain.SeverityError, err.Error()))
	}
	if passed {
		passed, diags = s.runSteps(ctx, d, files, diags)
	}
	if passed {
		ref, err := s.recordChangeset(ctx, d, files)
		if err != nil {
			passed = false
			diags = append(diags, s.diag("changeset", domain.SeverityError, err.Error()))
		} else {
			refs = append(refs, ref)
		}
	}

	result, err := domain.NewLaneValidationResult(d.ID, d.Lane, passed, diags, refs, s.clock())
	if err != nil {
		return domain.LaneValidationResult{}, err
	}
	if _, err := s.completeValidation(ctx, result, diags); err != nil {
		err = s.staleOr(ctx, d.ID, domain.StateValidating, err)
		if !errors.Is(err, ErrStaleState) {
			s.failDrop(ctx, d.ID, domain.StateValidating, err)
		}
		return domain.LaneValidationResult{}, err
	}
	s.metrics.LaneCompleted(d.Lane, passed, s.clock().Sub(started))
	span.SetAttributes(attribute.Bool("crc.passed", passed), attribute.String("crc.lane", string(d.Lane)))
	if !passed {
		s.log.Warn("lane validation failed", "drop_id", d.ID, "lane", d.Lane, "diagnostics", len(diags))
	} else {
		s.log.Info("lane validation passed", "drop_id", d.ID, "lane", d.Lane)
	}
	return result, nil
}

// completeValidation writes the lane result and the validating -> validated/failed step.
// The drop is re-read under its lock so writes made while the steps ran (an approval, say)
// carry over and the new node chains onto the current head.
func (s *Service) completeValidation(ctx context.Context, result domain.LaneValidationResult, diags []domain.Diagnostic) (domain.Drop, error) {
	unlock := s.dropLocks.lock(result.DropID)
	defer unlock()

	d, err := s.repo.GetDrop(ctx, result.DropID)
	if err != nil {
		return domain.Drop{}, err
	}
	if d.State != domain.StateValidating {
		return domain.Drop{}, &StaleStateError{DropID: d.ID, Expected: domain.StateValidating, Actual: d.State}
	}
	to := domain.StateValidated
	next := d
	if !result.Passed {
		to = domain.StateFailed
		next.AppendDiagnostics(diags...)
	}
	if err := next.TransitionTo(to, s.clock()); err != nil {
		return domain.Drop{}, err
	}
	node, err := s.newDropNode(next, []string{d.HeadNodeID}, string(to), map[string]string{"passed": fmt.Sprint(result.Passed)})
	if err != nil {
		return domain.Drop{}, err
	}
	next.HeadNodeID = node.ID
	if err := s.repo.CompleteValidation(ctx, result, DropUpdate{From: domain.StateValidating, FromHead: d.HeadNodeID, Next: next, Node: node}); err != nil {
		return domain.Drop{}, err
	}
	s.afterTransition(ctx, next, domain.StateValidating)
	return next, nil
}

// runSteps calls each configured step in order and short-circuits on the first failure.
func (s *Service) runSteps(ctx context.Context, d domain.Drop, files []domain.SourceFile, diags []domain.Diagnostic) (bool, []domain.Diagnostic) {
	steps := s.steps(d.Lane)
	if len(steps) == 0 {
		return true, append(diags, s.diag("pipeline", domain.SeverityInfo, "no validation steps configured for lane "+string(d.Lane)))
	}
	for _, step := range steps {
		kind := string(step.Kind())
		res, err := step.Run(ctx, StepInput{Drop: d, Lane: d.Lane, Files: files})
		for _, diag := range res.Diagnostics {
			if diag.Stage == "" {
				diag.Stage = kind
			}
			if diag.At.IsZero() {
				diag.At = s.clock().UTC()
			}
			diags = append(diags, diag)
		}
		if err != nil {
			diags = append(diags, s.diag(kind, domain.SeverityError, fmt.Sprintf("%v: %v", ErrValidationFailure, err)))
			return false, diags
		}
		if !res.Passed {
			diags = append(diags, s.diag(kind, domain.SeverityError, kind+" step failed"))
			return false, diags
		}
	}
	return true, diags
}

// recordChangeset stores the drop's touched regions against the current target as a validation artifact.
func (s *Service) recordChangeset(ctx context.Context, d domain.Drop, files []domain.SourceFile) (domain.ContentHash, error) {
	target, err := s.loadTarget(ctx, d.Source.TargetRef)
	if err != nil {
		return "", err
	}
	cs := s.buildChangeset(d, files, target)
	data, err := json.Marshal(cs)
	if err != nil {
		return "", fmt.Errorf("encode changeset: %w", err)
	}
	ref, err := s.store.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("store changeset: %w", err)
	}
	return ref, nil
}

func (s *Service) buildChangeset(d domain.Drop, files []domain.SourceFile, target domain.Target) domain.Changeset {
	cs := domain.Changeset{DropID: d.ID, TargetRef: target.Ref, BaseRevision: target.Revision, Files: []domain.FileChange{}}
	for _, f := range files {
		base, exists := target.File(f.Path)
		fc, changed := domain.ComputeFileChange(f.Path, base.Content, exists, f.Content, domain.IsDocumentLike(f.Path, s.docPatterns))
		if changed {
			cs.Files = append(cs.Files, fc)
		}
	}
	return cs
}

func (s *Service) loadFiles(ctx context.Context, d domain.Drop) ([]domain.SourceFile, error) {
	data, err := s.workspace.Read(ctx, d.ID)
	if err != nil {
		return nil, fmt.Errorf("read working copy: %w", err)
	}
	if domain.HashContent(data) != d.ContentHash {
		return nil, fmt.Errorf("%w: working copy of %s does not match content hash", ErrIntegrity, d.ID)
	}
	return UnpackPayload(d.Source.Location, data, s.maxUnpacked)
}

func (s *Service) loadTarget(ctx context.Context, ref string) (domain.Target, error) {
	target, err := s.repo.GetTarget(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return domain.Target{Ref: ref}, nil
	}
	if err != nil {
		return domain.Target{}, fmt.Errorf("load target %s: %w", ref, err)
	}
	return target, nil
}

// failDrop records an unrecoverable infrastructure error by moving the drop to failed.
func (s *Service) failDrop(ctx context.Context, dropID string, from domain.State, cause error) {
	if err := s.markFailed(ctx, dropID, from, cause); err != nil {
		s.log.Error("mark drop failed", "drop_id", dropID, "cause", cause, "err", err)
	}
}

func (s *Service) markFailed(ctx context.Context, dropID string, from domain.State, cause error) error {
	diag := s.diag("infrastructure", domain.SeverityError, cause.Error())
	_, err := s.transition(ctx, dropID, from, domain.StateFailed, func(next *domain.Drop) error {
		next.AppendDiagnostics(diag)
		return nil
	}, map[string]string{"error": cause.Error()})
	return err
}

// RecoverStalled fails validating drops whose pipeline is gone, such as those left behind
// when the process died before the lane result was written. Drops this service is still
// validating are skipped. It returns the ids it moved to failed.
func (s *Service) RecoverStalled(ctx context.Context) ([]string, error) {
	stalled, err := s.repo.ListDrops(ctx, DropFilter{States: []domain.State{domain.StateValidating}})
	if err != nil {
		return nil, err
	}
	recovered := []string{}
	for _, d := range stalled {
		if s.validating.has(d.ID) {
			continue
		}
		_, err := s.repo.GetLaneResult(ctx, d.ID)
		switch {
		case err == nil:
			s.log.Warn("validating drop already has a lane result", "drop_id", d.ID)
			continue
		case !errors.Is(err, ErrNotFound):
			return recovered, fmt.Errorf("load lane result for %s: %w", d.ID, err)
		}
		err = s.markFailed(ctx, d.ID, domain.StateValidating, fmt.Errorf("%w: interrupted before a lane result was recorded", ErrValidationFailure))
		switch {
		case errors.Is(err, ErrStaleState):
			continue
		case err != nil:
			return recovered, err
		}
		recovered = append(recovered, d.ID)
	}
	if len(recovered) > 0 {
		s.log.Warn("stalled validations recovered", "failed", len(recovered))
	}
	return recovered, nil
}

func (s *Service) diag(stage string, severity domain.Severity, msg string) domain.Diagnostic {
	return domain.Diagnostic{Stage: stage, Severity: severity, Message: msg, At: s.clock().UTC()}
}

// DropOutcome is the state one drop reached during ProcessDrops.
type DropOutcome struct {
	DropID string       `json:"drop_id"`
	State  domain.State `json:"state"`
	Err    string       `json:"error,omitempty"`
}

// ProcessDrop analyzes an ingested drop and validates it if it was assigned a lane.
// A drop left scored but unrouted resumes at routing.
func (s *Service) ProcessDrop(ctx context.Context, dropID string) (domain.Drop, error) {
	d, err := s.GetDrop(ctx, dropID)
	if err != nil {
		return domain.Drop{}, err
	}
	switch d.State {
	case domain.StateIngested:
		if d, err = s.Analyze(ctx, d.ID); err != nil {
			return domain.Drop{}, err
		}
	case domain.StateAnalyzed:
		if d, err = s.route(ctx, d); err != nil {
			return domain.Drop{}, err
		}
	}
	if d.State == domain.StateLaneAssigned {
		if _, err := s.Validate(ctx, d.ID); err != nil {
			return domain.Drop{}, err
		}
		return s.GetDrop(ctx, d.ID)
	}
	return d, nil
}

// ProcessDrops runs ProcessDrop over ids on a bounded worker pool. One drop's failure never stops the others.
func (s *Service) ProcessDrops(ctx context.Context, ids []string) ([]DropOutcome, error) {
	var (
		mu  sync.Mutex
		out = make([]DropOutcome, 0, len(ids))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcome := DropOutcome{DropID: id}
			d, err := s.ProcessDrop(gctx, id)
			if err != nil {
				outcome.Err = err.Error()
				s.log.Error("process drop", "drop_id", id, "err", err)
				if current, getErr := s.repo.GetDrop(gctx, id); getErr == nil {
					outcome.State = current.State
				}
			} else {
				outcome.State = d.State
			}
			mu.Lock()
			out = append(out, outcome)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].DropID < out[j].DropID })
	return out, err
}
