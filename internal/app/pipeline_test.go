package app

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hylla/crc/internal/domain"
)

func TestRunCarriesConfidentDropToArchive(t *testing.T) {
	env := newTestEnv(t, ServiceConfig{})
	ctx := context.Background()
	data := zipPayload(t, env.now.Add(-6*time.Hour), rustCrate(""))
	id := env.ingest(t, "/drops/fork.zip", data, "")

	report, err := env.svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Processed) != 1 || report.Processed[0].State != domain.StateValidated {
		t.Fatalf("unexpected processed outcomes %#v", report.Processed)
	}
	if len(report.Merges) != 1 || report.Merges[0].Resolution != domain.ResolutionClean {
		t.Fatalf("unexpected merges %#v", report.Merges)
	}
	if len(report.Sealed) != 1 || report.Sealed[0] != id || len(report.Errors) != 0 {
		t.Fatalf("unexpected report %#v", report)
	}

	d := env.mustState(t, id, domain.StateArchived)
	if d.Score == nil || *d.Score < 0.95 || d.Action != domain.ActionAutoApprove || d.Lane == "" {
		t.Fatalf("unexpected archived drop %#v", d)
	}
	got, err := env.svc.ExtractReadOnly(ctx, d.ContentHash)
	if err != nil {
		t.Fatalf("ExtractReadOnly() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("extracted bytes differ from the original drop")
	}
	if ids, _ := env.ws.List(ctx); len(ids) != 0 {
		t.Fatalf("expected no live working copies, got %v", ids)
	}
}

func TestRunHaltsOnlyTheConflictingBatch(t *testing.T) {
	env := newTestEnv(t, ServiceConfig{})
	ctx := context.Background()
	env.seedTarget(t, map[string]string{"src/lib.rs": "a\nb\nc\n"})
	recent := env.now.Add(-time.Hour)
	conflict := func(name, line string) {
		files := map[string]string{"Cargo.toml": cargoManifest, "src/lib.rs": "a\n" + line + "\nc\n", "crc.yaml": "target_ref: main\n"}
		env.ingest(t, name, zipPayload(t, recent, files), "")
	}
	conflict("x.zip", "x")
	conflict("y.zip", "y")
	other := env.ingest(t, "rel.zip", zipPayload(t, recent, map[string]string{
		"Cargo.toml":   cargoManifest,
		"src/rel.rs":   "pub fn rel() {}\n",
		"crc.yaml":     "target_ref: release\n",
		"src/extra.rs": "pub fn extra() {}\n",
	}), "")

	report, err := env.svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	byTarget := map[string]TargetOutcome{}
	for _, m := range report.Merges {
		byTarget[m.TargetRef] = m
	}
	if byTarget["main"].Resolution != domain.ResolutionManualRequired || byTarget["main"].Note == "" {
		t.Fatalf("unexpected main outcome %#v", byTarget["main"])
	}
	if byTarget["release"].Resolution != domain.ResolutionClean {
		t.Fatalf("unexpected release outcome %#v", byTarget["release"])
	}
	env.mustState(t, other, domain.StateArchived)
	if got := env.targetFile(t, "src/lib.rs"); got != "a\nb\nc\n" {
		t.Fatalf("conflicting changes leaked into target: %q", got)
	}

	again, err := env.svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(again.Merges) != 1 || again.Merges[0].MergeID != byTarget["main"].MergeID {
		t.Fatalf("expected halted batch reported again, got %#v", again.Merges)
	}
}

func TestRunFailsInterruptedValidationAndUnblocksTarget(t *testing.T) {
	env := newTestEnv(t, ServiceConfig{})
	ctx := context.Background()
	recent := env.now.Add(-time.Hour)
	stuck := env.ingest(t, "stuck.zip", zipPayload(t, recent, map[string]string{"Cargo.toml": cargoManifest, "src/stuck.rs": "s\n"}), "")
	if _, err := env.svc.Analyze(ctx, stuck); err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	// A crash after the validating write leaves no lane result behind.
	if _, err := env.svc.Transition(ctx, stuck, domain.StateLaneAssigned, domain.StateValidating); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if _, err := env.svc.Resolve(ctx, domain.DefaultTargetRef); !errors.Is(err, ErrBatchPending) {
		t.Fatalf("expected ErrBatchPending, got %v", err)
	}
	next := env.ingest(t, "next.zip", zipPayload(t, recent, map[string]string{"Cargo.toml": cargoManifest, "src/next.rs": "n\n"}), "")

	report, err := env.svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(report.Recovered) != 1 || report.Recovered[0] != stuck || len(report.Errors) != 0 {
		t.Fatalf("unexpected report %#v", report)
	}
	d := env.mustState(t, stuck, domain.StateFailed)
	last := d.Diagnostics[len(d.Diagnostics)-1]
	if last.Stage != "infrastructure" || last.Severity != domain.SeverityError {
		t.Fatalf("unexpected recovery diagnostic %+v", last)
	}
	if len(report.Merges) != 1 || report.Merges[0].Resolution != domain.ResolutionClean {
		t.Fatalf("expected the target to merge again, got %#v", report.Merges)
	}
	env.mustState(t, next, domain.StateArchived)

	again, err := env.svc.Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(again.Recovered) != 0 {
		t.Fatalf("expected nothing left to recover, got %v", again.Recovered)
	}
}

func TestRecoverStalledSkipsLiveValidation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	steps := func(domain.Lane) []ValidationStep {
		return []ValidationStep{blockingStep{started: started, release: release}}
	}
	env := newTestEnv(t, ServiceConfig{Steps: steps})
	ctx := context.Background()
	id := env.ingest(t, "live.zip", zipPayload(t, env.now.Add(-time.Hour), rustCrate("")), "feature")
	if _, err := env.svc.Analyze(ctx, id); err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.svc.Validate(ctx, id)
		done <- err
	}()
	<-started
	recovered, err := env.svc.RecoverStalled(ctx)
	if err != nil {
		t.Fatalf("RecoverStalled() error = %v", err)
	}
	if len(recovered) != 0 {
		t.Fatalf("live validation must not be recovered, got %v", recovered)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	env.mustState(t, id, domain.StateValidated)
}
