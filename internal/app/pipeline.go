package app

import (
	"context"
	"errors"
	"slices"

	"github.com/hylla/crc/internal/domain"
)

// TargetOutcome is what one Resolve call produced during a pipeline run.
type TargetOutcome struct {
	TargetRef  string            `json:"target_ref"`
	MergeID    string            `json:"merge_id,omitempty"`
	Resolution domain.Resolution `json:"resolution,omitempty"`
	Note       string            `json:"note,omitempty"`
}

// RunReport summarizes one pass of Run.
type RunReport struct {
	Recovered []string          `json:"recovered"`
	Processed []DropOutcome     `json:"processed"`
	Merges    []TargetOutcome   `json:"merges"`
	Sealed    []string          `json:"sealed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// Run drives every live drop as far as it can go in one pass: fail validations that were
// interrupted, analyze and validate pending drops, resolve each target that has validated
// work, then seal what merged.
func (s *Service) Run(ctx context.Context) (RunReport, error) {
	ctx, span := tracer.Start(ctx, "pipeline.run")
	defer span.End()

	report := RunReport{Recovered: []string{}, Processed: []DropOutcome{}, Merges: []TargetOutcome{}, Sealed: []string{}}
	fail := func(key string, err error) {
		if report.Errors == nil {
			report.Errors = map[string]string{}
		}
		report.Errors[key] = err.Error()
	}

	recovered, err := s.RecoverStalled(ctx)
	if err != nil {
		fail("recover", err)
	}
	report.Recovered = append(report.Recovered, recovered...)

	pending, err := s.repo.ListDrops(ctx, DropFilter{States: []domain.State{domain.StateIngested, domain.StateAnalyzed, domain.StateLaneAssigned}})
	if err != nil {
		return report, err
	}
	ids := make([]string, 0, len(pending))
	for _, d := range pending {
		ids = append(ids, d.ID)
	}
	if report.Processed, err = s.ProcessDrops(ctx, ids); err != nil {
		return report, err
	}

	validated, err := s.repo.ListDrops(ctx, DropFilter{States: []domain.State{domain.StateValidated}})
	if err != nil {
		return report, err
	}
	targets := []string{}
	for _, d := range validated {
		if !slices.Contains(targets, d.Source.TargetRef) {
			targets = append(targets, d.Source.TargetRef)
		}
	}
	slices.Sort(targets)
	for _, ref := range targets {
		outcome := TargetOutcome{TargetRef: ref}
		decision, err := s.Resolve(ctx, ref)
		switch {
		case err == nil:
			outcome.MergeID, outcome.Resolution = decision.ID, decision.Resolution
			if decision.Resolution == domain.ResolutionManualRequired {
				outcome.Note = ErrConflictUnresolved.Error()
			}
		case errorsIsBatchWait(err):
			outcome.MergeID, outcome.Resolution = decision.ID, decision.Resolution
			outcome.Note = err.Error()
		default:
			fail("target:"+ref, err)
			continue
		}
		report.Merges = append(report.Merges, outcome)
	}

	merged, err := s.repo.ListDrops(ctx, DropFilter{States: []domain.State{domain.StateMerged}})
	if err != nil {
		return report, err
	}
	for _, d := range domain.OrderParticipants(merged) {
		rec, err := s.Seal(ctx, d.ID)
		if rec.DropID != "" {
			report.Sealed = append(report.Sealed, d.ID)
		}
		if err != nil && !errors.Is(err, ErrStaleState) {
			fail("drop:"+d.ID, err)
		}
	}
	s.log.Info("pipeline run complete", "recovered", len(report.Recovered), "processed", len(report.Processed), "merges", len(report.Merges), "sealed", len(report.Sealed), "errors", len(report.Errors))
	return report, nil
}
