package common

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	badgerstore "github.com/hylla/crc/internal/adapters/storage/badger"
	"github.com/hylla/crc/internal/adapters/storage/sqlite"
	"github.com/hylla/crc/internal/adapters/workspace"
	"github.com/hylla/crc/internal/app"
)

// newAdapterForTest wires an app.Service over real in-memory storage adapters.
func newAdapterForTest(t *testing.T) *AppServiceAdapter {
	t.Helper()
	repo, err := sqlite.OpenInMemory()
	if err != nil {
		t.Fatalf("sqlite.OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	store, err := badgerstore.OpenInMemory()
	if err != nil {
		t.Fatalf("badger.OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ws, err := workspace.Open(t.TempDir())
	if err != nil {
		t.Fatalf("workspace.Open() error = %v", err)
	}

	seq := 0
	idGen := func() string {
		seq++
		return fmt.Sprintf("id-%03d", seq)
	}
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	svc, err := app.NewService(repo, store, ws, idGen, func() time.Time { return now }, app.ServiceConfig{})
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return NewAppServiceAdapter(svc)
}

func TestAppServiceAdapterIngestAndRead(t *testing.T) {
	ctx := context.Background()
	adapter := newAdapterForTest(t)

	res, err := adapter.IngestDrop(ctx, IngestDropRequest{
		Location:  " drops/main.go ",
		TargetRef: "main",
		Content:   []byte("package main\n\nfunc main() {}\n"),
	})
	if err != nil {
		t.Fatalf("IngestDrop() error = %v", err)
	}
	if res.DropID == "" || res.Duplicate || len(res.ContentHash) != 64 {
		t.Fatalf("unexpected ingest result %#v", res)
	}

	drop, err := adapter.GetDrop(ctx, res.DropID)
	if err != nil {
		t.Fatalf("GetDrop() error = %v", err)
	}
	if drop.State != "ingested" || drop.Location != "drops/main.go" || drop.TargetRef != "main" {
		t.Fatalf("unexpected drop %#v", drop)
	}
	if drop.Language != "go" || drop.FileCount != 1 {
		t.Fatalf("expected inspected go payload, got %#v", drop)
	}

	history, err := adapter.DropHistory(ctx, res.DropID)
	if err != nil {
		t.Fatalf("DropHistory() error = %v", err)
	}
	if len(history) != 1 || history[0].ID != drop.HeadNodeID || history[0].Kind != "drop" {
		t.Fatalf("unexpected history %#v", history)
	}

	diff, err := adapter.Diff(ctx, drop.HeadNodeID, drop.HeadNodeID)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if !diff.Related || len(diff.OnlyA) != 0 || len(diff.OnlyB) != 0 {
		t.Fatalf("expected identical lineage, got %#v", diff)
	}

	merges, err := adapter.ListMerges(ctx, ListMergesRequest{PendingOnly: true})
	if err != nil {
		t.Fatalf("ListMerges() error = %v", err)
	}
	if len(merges) != 0 {
		t.Fatalf("expected no pending merges, got %#v", merges)
	}
}

func TestAppServiceAdapterMapsErrors(t *testing.T) {
	ctx := context.Background()
	adapter := newAdapterForTest(t)

	if _, err := adapter.GetDrop(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := adapter.IngestDrop(ctx, IngestDropRequest{Location: "x.go", Content: []byte("x")}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for missing target_ref, got %v", err)
	}
	if _, err := adapter.ApplyResolution(ctx, ApplyResolutionRequest{MergeID: "m1", ResolvedBy: "ops"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty choices, got %v", err)
	}
	_, err := adapter.ApplyResolution(ctx, ApplyResolutionRequest{
		MergeID:    "missing",
		ResolvedBy: "ops",
		Choices:    []ResolutionChoice{{Path: "a.go", DropID: "d1"}},
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown merge, got %v", err)
	}
	if _, err := adapter.Diff(ctx, "", "n1"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty diff id, got %v", err)
	}

	var nilAdapter *AppServiceAdapter
	if _, err := nilAdapter.GetDrop(ctx, "d1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestResolutionChoiceRequiresDropOrContent(t *testing.T) {
	content := "merged\n"
	ok := ApplyResolutionRequest{MergeID: "m1", ResolvedBy: "ops", Choices: []ResolutionChoice{{Path: "a.go", Content: &content}}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	bad := ApplyResolutionRequest{MergeID: "m1", ResolvedBy: "ops", Choices: []ResolutionChoice{{Path: "a.go"}}}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestAppServiceAdapterReviewOperations(t *testing.T) {
	ctx := context.Background()
	adapter := newAdapterForTest(t)

	res, err := adapter.IngestDrop(ctx, IngestDropRequest{
		Location:  "fix.py",
		TargetRef: "main",
		Content:   []byte("print('hi')\n"),
	})
	if err != nil {
		t.Fatalf("IngestDrop() error = %v", err)
	}

	drops, err := adapter.ListDrops(ctx, ListDropsRequest{States: []string{"INGESTED"}, TargetRef: "main"})
	if err != nil {
		t.Fatalf("ListDrops() error = %v", err)
	}
	if len(drops) != 1 || drops[0].ID != res.DropID {
		t.Fatalf("unexpected drops %#v", drops)
	}
	if _, err := adapter.ListDrops(ctx, ListDropsRequest{States: []string{"bogus"}}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("ListDrops(bogus) error = %v, want ErrInvalidRequest", err)
	}

	if _, err := adapter.ApproveDrop(ctx, ApproveDropRequest{DropID: res.DropID, ApprovedBy: "rev"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("ApproveDrop() on auto drop error = %v, want ErrConflict", err)
	}
	if _, err := adapter.ApproveDrop(ctx, ApproveDropRequest{DropID: res.DropID}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("ApproveDrop() without approver error = %v, want ErrInvalidRequest", err)
	}

	cancelled, err := adapter.CancelDrop(ctx, CancelDropRequest{DropID: res.DropID, Reason: "superseded"})
	if err != nil {
		t.Fatalf("CancelDrop() error = %v", err)
	}
	if cancelled.State != "cancelled" {
		t.Fatalf("state = %q, want cancelled", cancelled.State)
	}
	if _, err := adapter.CancelDrop(ctx, CancelDropRequest{DropID: res.DropID}); !errors.Is(err, ErrConflict) {
		t.Fatalf("second CancelDrop() error = %v, want ErrConflict", err)
	}

	target, err := adapter.GetTarget(ctx, "main")
	if err != nil {
		t.Fatalf("GetTarget() error = %v", err)
	}
	if target.Ref != "main" || target.Revision != 0 || len(target.Files) != 0 {
		t.Fatalf("unexpected empty target %#v", target)
	}
	if _, err := adapter.GetTarget(ctx, " "); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("GetTarget(blank) error = %v, want ErrInvalidRequest", err)
	}
}
