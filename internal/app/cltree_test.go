package app

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/hylla/crc/internal/domain"
)

func nodeIDs(nodes []domain.CLNode) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

func TestDropHistoryFollowsLifecycle(t *testing.T) {
	env := newTestEnv(t, ServiceConfig{})
	ctx := context.Background()
	id, _ := env.mergedDrop(t)
	if _, err := env.svc.Seal(ctx, id); err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	history, err := env.svc.DropHistory(ctx, id)
	if err != nil {
		t.Fatalf("DropHistory() error = %v", err)
	}
	statuses := []string{}
	for _, n := range history {
		statuses = append(statuses, n.Status)
	}
	want := []string{"ingested", "analyzed", "lane_assigned", "validating", "validated", "clean", "merged", "archived"}
	if !slices.Equal(statuses, want) {
		t.Fatalf("history statuses = %v, want %v", statuses, want)
	}
	head, _ := env.svc.Head(ctx, id)
	if history[len(history)-1].ID != head.ID {
		t.Fatal("history must end at the drop head")
	}
}

func TestRecordRejectsDuplicatesAndUnknownParents(t *testing.T) {
	env := newTestEnv(t, ServiceConfig{})
	ctx := context.Background()
	id := env.ingest(t, "main.rs", []byte("fn main() {}\n"), "")
	head, _ := env.svc.Head(ctx, id)

	note, err := env.svc.Record(ctx, domain.CLNode{ID: "note-1", ParentIDs: []string{head.ID}, DropID: id, Status: "annotated"})
	if err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if !note.Timestamp.Equal(env.now) || note.Kind != domain.SubjectDrop {
		t.Fatalf("unexpected node %#v", note)
	}
	if _, err := env.svc.Record(ctx, domain.CLNode{ID: "note-1", DropID: id}); !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("expected ErrDuplicateNode, got %v", err)
	}
	if _, err := env.svc.Record(ctx, domain.CLNode{ID: "note-2", ParentIDs: []string{"ghost"}, DropID: id}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown parent, got %v", err)
	}
	if _, err := env.svc.Record(ctx, domain.CLNode{ID: "note-3"}); !errors.Is(err, domain.ErrInvalidSubject) {
		t.Fatalf("expected ErrInvalidSubject, got %v", err)
	}
}

func TestDiffFindsMergeBase(t *testing.T) {
	env := newTestEnv(t, ServiceConfig{})
	ctx := context.Background()
	env.seedTarget(t, map[string]string{"src/lib.rs": "a\nb\nc\n"})
	recent := env.now.Add(-time.Hour)
	x := env.validatedDrop(t, "x.zip", map[string]string{"src/lib.rs": "a\nx\nc\n"}, recent)
	y := env.validatedDrop(t, "y.zip", map[string]string{"src/lib.rs": "a\ny\nc\n"}, recent)
	manual, err := env.svc.Resolve(ctx, domain.DefaultTargetRef)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	hx, _ := env.svc.Head(ctx, x)
	hy, _ := env.svc.Head(ctx, y)
	diff, err := env.svc.Diff(ctx, hx.ID, hy.ID)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if diff.Related() || len(diff.OnlyA) != 5 || len(diff.OnlyB) != 5 {
		t.Fatalf("expected independent lineages, got %#v", diff)
	}

	diff, err = env.svc.Diff(ctx, manual.NodeID, hx.ID)
	if err != nil {
		t.Fatalf("Diff() error = %v", err)
	}
	if !slices.Equal(diff.MergeBases, []string{hx.ID}) {
		t.Fatalf("merge bases = %v, want [%s]", diff.MergeBases, hx.ID)
	}
	if len(diff.OnlyB) != 0 || !slices.Contains(nodeIDs(diff.OnlyA), hy.ID) || !slices.Contains(nodeIDs(diff.OnlyA), manual.NodeID) {
		t.Fatalf("unexpected lineage diff %#v", diff)
	}

	if _, err := env.svc.Diff(ctx, "ghost", hx.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
