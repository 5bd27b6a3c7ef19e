package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hylla/crc/internal/domain"
)

func TestIngestCreatesDropWithRootNode(t *testing.T) {
	env := newTestEnv(t, ServiceConfig{})
	ctx := context.Background()
	data := zipPayload(t, env.now.Add(-24*time.Hour), rustCrate(""))

	res, err := env.svc.Ingest(ctx, IngestInput{Source: domain.SourceDescriptor{Location: "/drops/crate.zip"}, Data: data})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if res.Duplicate || res.ContentHash != domain.HashContent(data) {
		t.Fatalf("unexpected ingest result %#v", res)
	}
	d := env.mustState(t, res.DropID, domain.StateIngested)
	if d.Source.FileCount != 10 || d.Source.PrimaryLanguage != "rust" || d.Source.TargetRef != domain.DefaultTargetRef {
		t.Fatalf("unexpected descriptor %#v", d.Source)
	}
	if !d.Source.HasValidManifest() {
		t.Fatalf("expected valid Cargo manifest, got %#v", d.Source.Manifests)
	}
	if !d.Source.CapturedAt.Equal(env.now) {
		t.Fatalf("captured_at = %s, want %s", d.Source.CapturedAt, env.now)
	}
	node, err := env.svc.Head(ctx, d.ID)
	if err != nil {
		t.Fatalf("Head() error = %v", err)
	}
	if len(node.ParentIDs) != 0 || node.DropID != d.ID || node.Status != string(domain.StateIngested) {
		t.Fatalf("unexpected root node %#v", node)
	}
	if ok, _ := env.ws.Exists(ctx, d.ID); !ok {
		t.Fatal("expected working copy after ingest")
	}
}

func TestIngestDiscardsWorkingCopyWhenLedgerWriteFails(t *testing.T) {
	env := newTestEnv(t, ServiceConfig{})
	env.repo.failNodes = true

	_, err := env.svc.Ingest(context.Background(), IngestInput{Data: []byte("package main\n")})
	if err == nil {
		t.Fatal("expected ingest error")
	}
	ids, _ := env.ws.List(context.Background())
	if len(ids) != 0 {
		t.Fatalf("expected no working copies, got %v", ids)
	}
	if len(env.repo.drops) != 0 {
		t.Fatalf("expected no drops, got %d", len(env.repo.drops))
	}
}

func TestIngestDuplicateReferencesArchive(t *testing.T) {
	env := newTestEnv(t, ServiceConfig{})
	ctx := context.Background()
	data := zipPayload(t, env.now.Add(-time.Hour), rustCrate(""))

	first := env.ingest(t, "crate.zip", data, "feature")
	if _, err := env.svc.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	env.mustState(t, first, domain.StateArchived)

	res, err := env.svc.Ingest(ctx, IngestInput{Source: domain.SourceDescriptor{Location: "again.zip"}, Data: data})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if !res.Duplicate || res.DropID != first {
		t.Fatalf("expected duplicate of %s, got %#v", first, res)
	}
	drops, _ := env.svc.ListDrops(ctx, DropFilter{})
	if len(drops) != 1 {
		t.Fatalf("expected no new drop, got %d drops", len(drops))
	}
}

func TestIngestBeforeArchiveCreatesSecondDrop(t *testing.T) {
	env := newTestEnv(t, ServiceConfig{})
	data := []byte("fn main() {}\n")
	a := env.ingest(t, "main.rs", data, "")
	b := env.ingest(t, "main.rs", data, "")
	if a == b {
		t.Fatal("expected distinct drop ids")
	}
	da := env.mustState(t, a, domain.StateIngested)
	db := env.mustState(t, b, domain.StateIngested)
	if da.ContentHash != db.ContentHash {
		t.Fatal("expected identical content hashes")
	}
}

func TestTransitionCompareAndSwap(t *testing.T) {
	env := newTestEnv(t, ServiceConfig{})
	ctx := context.Background()
	id := env.ingest(t, "main.go", []byte("package main\n"), "")

	if _, err := env.svc.Transition(ctx, id, domain.StateAnalyzed, domain.StateLaneAssigned); !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}
	var stale *StaleStateError
	_, err := env.svc.Transition(ctx, id, domain.StateValidated, domain.StateMerged)
	if !errors.As(err, &stale) || stale.Actual != domain.StateIngested {
		t.Fatalf("expected StaleStateError with actual ingested, got %v", err)
	}
	if _, err := env.svc.Transition(ctx, id, domain.StateIngested, domain.StateMerged); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	d, err := env.svc.Transition(ctx, id, domain.StateIngested, domain.StateFailed)
	if err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if d.State != domain.StateFailed {
		t.Fatalf("state = %s, want failed", d.State)
	}
	if ok, _ := env.ws.Exists(ctx, id); ok {
		t.Fatal("expected working copy discarded for failed drop")
	}
}

func TestTransitionRollsBackWhenNodeWriteFails(t *testing.T) {
	env := newTestEnv(t, ServiceConfig{})
	ctx := context.Background()
	id := env.ingest(t, "main.go", []byte("package main\n"), "")
	env.repo.failNodes = true

	if _, err := env.svc.Transition(ctx, id, domain.StateIngested, domain.StateFailed); err == nil {
		t.Fatal("expected transition error")
	}
	env.mustState(t, id, domain.StateIngested)
}

func TestGetDropNotFound(t *testing.T) {
	env := newTestEnv(t, ServiceConfig{})
	if _, err := env.svc.GetDrop(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.svc.GetDrop(context.Background(), " "); !errors.Is(err, domain.ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestCancelOnlyBeforeValidation(t *testing.T) {
	env := newTestEnv(t, ServiceConfig{})
	ctx := context.Background()
	data := zipPayload(t, env.now.Add(-time.Hour), rustCrate(""))

	early := env.ingest(t, "early.zip", data, "")
	d, err := env.svc.Cancel(ctx, early, "superseded upstream")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if d.State != domain.StateCancelled {
		t.Fatalf("state = %s, want cancelled", d.State)
	}
	node, _ := env.svc.Head(ctx, early)
	if node.Metadata["reason"] != "superseded upstream" {
		t.Fatalf("expected reason on node, got %#v", node.Metadata)
	}

	late := env.ingest(t, "late.zip", zipPayload(t, env.now.Add(-time.Hour), rustCrate("// late\n")), "")
	if _, err := env.svc.ProcessDrop(ctx, late); err != nil {
		t.Fatalf("ProcessDrop() error = %v", err)
	}
	if _, err := env.svc.Cancel(ctx, late, ""); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestApproveManualReviewDrop(t *testing.T) {
	env := newTestEnv(t, ServiceConfig{})
	ctx := context.Background()
	// Stale sources lose recency and land in the manual review tier.
	data := zipPayload(t, env.now.Add(-400*24*time.Hour), rustCrate(""))
	id := env.ingest(t, "old.zip", data, "bugfix")

	d, err := env.svc.ProcessDrop(ctx, id)
	if err != nil {
		t.Fatalf("ProcessDrop() error = %v", err)
	}
	if d.Action != domain.ActionManualReview || d.State != domain.StateValidated {
		t.Fatalf("unexpected drop %#v", d)
	}
	if _, err := env.svc.Resolve(ctx, domain.DefaultTargetRef); !errors.Is(err, ErrEmptyBatch) {
		t.Fatalf("expected unapproved drop to stay out of the batch, got %v", err)
	}
	if _, err := env.svc.Approve(ctx, id, " "); !errors.Is(err, domain.ErrInvalidApprover) {
		t.Fatalf("expected ErrInvalidApprover, got %v", err)
	}
	approved, err := env.svc.Approve(ctx, id, "reviewer@example.com")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if !approved.Approved || approved.State != domain.StateValidated {
		t.Fatalf("unexpected approved drop %#v", approved)
	}
	decision, err := env.svc.Resolve(ctx, domain.DefaultTargetRef)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if decision.Resolution != domain.ResolutionClean {
		t.Fatalf("resolution = %s, want clean", decision.Resolution)
	}
	env.mustState(t, id, domain.StateMerged)
}
