package domain

import (
	"testing"
	"time"
)

func TestNewCLNodeValidation(t *testing.T) {
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	if _, err := NewCLNode(NewCLNodeInput{ID: "n1"}, now); err != ErrInvalidSubject {
		t.Fatalf("expected ErrInvalidSubject, got %v", err)
	}
	if _, err := NewCLNode(NewCLNodeInput{ID: "n1", DropID: "d1", MergeDecisionID: "m1"}, now); err != ErrInvalidSubject {
		t.Fatalf("expected ErrInvalidSubject for two subjects, got %v", err)
	}
	if _, err := NewCLNode(NewCLNodeInput{ID: "n1", DropID: "d1", ParentIDs: []string{"n1"}}, now); err != ErrInvalidParent {
		t.Fatalf("expected ErrInvalidParent for self parent, got %v", err)
	}
	n, err := NewCLNode(NewCLNodeInput{ID: "n2", MergeDecisionID: "m1", ParentIDs: []string{"a", "b", "a"}, Status: "clean"}, now)
	if err != nil {
		t.Fatalf("NewCLNode() error = %v", err)
	}
	if n.Kind != SubjectMerge || len(n.ParentIDs) != 2 {
		t.Fatalf("unexpected node %#v", n)
	}
}

func TestOrderTopological(t *testing.T) {
	t0 := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	nodes := []CLNode{
		{ID: "merge", ParentIDs: []string{"b1", "a1"}, Timestamp: t0.Add(3 * time.Second)},
		{ID: "a1", ParentIDs: []string{"a0"}, Timestamp: t0.Add(time.Second)},
		{ID: "b0", Timestamp: t0},
		{ID: "a0", Timestamp: t0},
		{ID: "b1", ParentIDs: []string{"b0", "outside"}, Timestamp: t0.Add(time.Second)},
	}
	got := OrderTopological(nodes)
	want := []string{"a0", "b0", "a1", "b1", "merge"}
	if len(got) != len(want) {
		t.Fatalf("OrderTopological() returned %d nodes", len(got))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("OrderTopological()[%d] = %q, want %q", i, got[i].ID, want[i])
		}
	}
}
