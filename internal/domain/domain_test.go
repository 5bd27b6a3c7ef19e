package domain

import (
	"errors"
	"testing"
	"time"
)

func testHash() ContentHash {
	return HashContent([]byte("fn main() {}\n"))
}

func TestNewDropDefaults(t *testing.T) {
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	d, err := NewDrop(NewDropInput{
		ID:          " d1 ",
		ContentHash: testHash(),
		Source:      SourceDescriptor{Location: " ./fork ", Intent: " Feature ", PrimaryLanguage: "Rust"},
	}, now)
	if err != nil {
		t.Fatalf("NewDrop() error = %v", err)
	}
	if d.ID != "d1" || d.State != StateIngested {
		t.Fatalf("unexpected drop %#v", d)
	}
	if d.Source.TargetRef != DefaultTargetRef {
		t.Fatalf("expected default target ref, got %q", d.Source.TargetRef)
	}
	if d.Source.Intent != "feature" || d.Source.PrimaryLanguage != "rust" {
		t.Fatalf("expected normalized descriptor, got %#v", d.Source)
	}
	if !d.CreatedAt.Equal(now) || !d.StateChangedAt.Equal(now) {
		t.Fatalf("unexpected timestamps %v %v", d.CreatedAt, d.StateChangedAt)
	}
}

func TestNewDropValidation(t *testing.T) {
	now := time.Now()
	if _, err := NewDrop(NewDropInput{ContentHash: testHash()}, now); err != ErrInvalidID {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if _, err := NewDrop(NewDropInput{ID: "d1", ContentHash: "abc"}, now); err != ErrInvalidContentHash {
		t.Fatalf("expected ErrInvalidContentHash, got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from State
		to   State
		want bool
	}{
		{StateIngested, StateAnalyzed, true},
		{StateAnalyzed, StateLaneAssigned, true},
		{StateAnalyzed, StateRejected, true},
		{StateLaneAssigned, StateValidating, true},
		{StateValidating, StateValidated, true},
		{StateValidating, StateFailed, true},
		{StateValidated, StateMerged, true},
		{StateMerged, StateArchived, true},
		{StateMerged, StateFailed, true},
		{StateIngested, StateCancelled, true},
		{StateLaneAssigned, StateCancelled, true},
		{StateValidating, StateCancelled, false},
		{StateIngested, StateValidated, false},
		{StateArchived, StateFailed, false},
		{StateFailed, StateIngested, false},
		{StateRejected, StateFailed, false},
		{State("bogus"), StateFailed, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestDropTransitionTo(t *testing.T) {
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	d, err := NewDrop(NewDropInput{ID: "d1", ContentHash: testHash()}, now)
	if err != nil {
		t.Fatalf("NewDrop() error = %v", err)
	}
	later := now.Add(time.Minute)
	if err := d.TransitionTo(StateAnalyzed, later); err != nil {
		t.Fatalf("TransitionTo() error = %v", err)
	}
	if d.State != StateAnalyzed || !d.StateChangedAt.Equal(later) {
		t.Fatalf("unexpected state %q at %v", d.State, d.StateChangedAt)
	}
	if err := d.TransitionTo(StateMerged, later); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if d.State != StateAnalyzed {
		t.Fatalf("state changed on invalid transition: %q", d.State)
	}
}

func TestDropAssessmentIsSetOnce(t *testing.T) {
	d := Drop{ID: "d1"}
	if err := d.SetAssessment(1.5, ActionAutoApprove); err != ErrInvalidScore {
		t.Fatalf("expected ErrInvalidScore, got %v", err)
	}
	if err := d.SetAssessment(0.9, Action("maybe")); err != ErrInvalidAction {
		t.Fatalf("expected ErrInvalidAction, got %v", err)
	}
	if err := d.SetAssessment(0.9, ActionManualReview); err != nil {
		t.Fatalf("SetAssessment() error = %v", err)
	}
	if err := d.SetAssessment(0.99, ActionAutoApprove); err != ErrAlreadyScored {
		t.Fatalf("expected ErrAlreadyScored, got %v", err)
	}
	if *d.Score != 0.9 || d.Action != ActionManualReview {
		t.Fatalf("assessment overwritten: %v %q", *d.Score, d.Action)
	}
}

func TestDropLaneAndApproval(t *testing.T) {
	d := Drop{ID: "d1", Action: ActionManualReview}
	if err := d.AssignLane(Lane("hotfix")); err != ErrInvalidLane {
		t.Fatalf("expected ErrInvalidLane, got %v", err)
	}
	if err := d.AssignLane(LaneBugfix); err != nil {
		t.Fatalf("AssignLane() error = %v", err)
	}
	if err := d.AssignLane(LaneFeature); err != ErrLaneAlreadyAssigned {
		t.Fatalf("expected ErrLaneAlreadyAssigned, got %v", err)
	}
	if !d.NeedsApproval() {
		t.Fatal("expected manual review drop to need approval")
	}
	if err := d.Approve("  "); err != ErrInvalidApprover {
		t.Fatalf("expected ErrInvalidApprover, got %v", err)
	}
	if err := d.Approve("reviewer"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if d.NeedsApproval() || d.ApprovedBy != "reviewer" {
		t.Fatalf("unexpected approval state %#v", d)
	}
	if err := d.Approve("reviewer"); err != ErrApprovalNotRequired {
		t.Fatalf("expected ErrApprovalNotRequired, got %v", err)
	}
	auto := Drop{ID: "d2", Action: ActionAutoApprove}
	if err := auto.Approve("reviewer"); err != ErrApprovalNotRequired {
		t.Fatalf("expected ErrApprovalNotRequired, got %v", err)
	}
}

func TestOrderParticipantsIsDeterministic(t *testing.T) {
	t0 := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	in := []Drop{
		{ID: "c", CreatedAt: t0},
		{ID: "a", CreatedAt: t0.Add(time.Second)},
		{ID: "b", CreatedAt: t0},
	}
	want := []string{"b", "c", "a"}
	for range 3 {
		got := OrderParticipants(in)
		for i := range want {
			if got[i].ID != want[i] {
				t.Fatalf("OrderParticipants() = %v, want %v", ids(got), want)
			}
		}
		in[0], in[2] = in[2], in[0]
	}
}

func ids(drops []Drop) []string {
	out := make([]string, 0, len(drops))
	for _, d := range drops {
		out = append(out, d.ID)
	}
	return out
}

func TestContentHash(t *testing.T) {
	h := HashContent([]byte("abc"))
	if h != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Fatalf("unexpected hash %q", h)
	}
	if !h.Valid() || h.Short() != "ba7816bf8f01" {
		t.Fatalf("unexpected hash helpers %v %q", h.Valid(), h.Short())
	}
	if ContentHash("zz").Valid() {
		t.Fatal("expected short hash to be invalid")
	}
}

func TestCleanPath(t *testing.T) {
	cases := map[string]string{
		"src/main.rs":   "src/main.rs",
		"/src/./lib.rs": "src/lib.rs",
		`docs\guide.md`: "docs/guide.md",
		"a/b/../c.go":   "a/c.go",
	}
	for in, want := range cases {
		got, err := CleanPath(in)
		if err != nil {
			t.Fatalf("CleanPath(%q) error = %v", in, err)
		}
		if got != want {
			t.Fatalf("CleanPath(%q) = %q, want %q", in, got, want)
		}
	}
	for _, bad := range []string{"", ".", "../etc/passwd", "a/../../b"} {
		if _, err := CleanPath(bad); err != ErrInvalidPath {
			t.Fatalf("CleanPath(%q) expected ErrInvalidPath, got %v", bad, err)
		}
	}
}

func TestIsDocumentLike(t *testing.T) {
	docs := []string{"README.md", "docs/setup.go", "pkg/docs/x.txt", "LICENSE", "notes.rst"}
	for _, p := range docs {
		if !IsDocumentLike(p, nil) {
			t.Fatalf("expected %q to be document-like", p)
		}
	}
	code := []string{"main.go", "src/lib.rs", "docsify.go"}
	for _, p := range code {
		if IsDocumentLike(p, nil) {
			t.Fatalf("expected %q to be code", p)
		}
	}
	if !IsDocumentLike("schema.sql", []string{"*.sql"}) {
		t.Fatal("expected custom pattern to match")
	}
}

func TestNewArchiveRecord(t *testing.T) {
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	blob := HashContent([]byte("blob"))
	rec, err := NewArchiveRecord(NewArchiveRecordInput{
		ContentHash:       testHash(),
		DropID:            "d1",
		CompressedBlobRef: blob,
		OriginalSize:      200,
		CompressedSize:    50,
		Checksum:          string(blob),
	}, now)
	if err != nil {
		t.Fatalf("NewArchiveRecord() error = %v", err)
	}
	if rec.ChecksumAlgorithm != ChecksumSHA256 || rec.Compression != CompressionZstd {
		t.Fatalf("unexpected formats %#v", rec)
	}
	if rec.Ratio() != 0.25 {
		t.Fatalf("unexpected ratio %v", rec.Ratio())
	}
	if _, err := NewArchiveRecord(NewArchiveRecordInput{DropID: "d1", ContentHash: testHash(), CompressedBlobRef: blob, Checksum: "nope"}, now); err != ErrInvalidContentHash {
		t.Fatalf("expected ErrInvalidContentHash, got %v", err)
	}
}
