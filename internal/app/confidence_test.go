package app

import (
	"testing"
	"time"

	"github.com/hylla/crc/internal/domain"
)

func TestThresholdsAction(t *testing.T) {
	th := DefaultThresholds()
	cases := map[float64]domain.Action{
		1:      domain.ActionAutoApprove,
		0.95:   domain.ActionAutoApprove,
		0.9499: domain.ActionManualReview,
		0.80:   domain.ActionManualReview,
		0.7999: domain.ActionReject,
		0:      domain.ActionReject,
	}
	for score, want := range cases {
		if got := th.Action(score); got != want {
			t.Fatalf("Action(%v) = %s, want %s", score, got, want)
		}
	}
	if err := (Thresholds{AutoApprove: 0.5, RejectFloor: 0.9}).Validate(); err == nil {
		t.Fatal("expected inverted thresholds to fail validation")
	}
}

func TestWeightedPolicyScores(t *testing.T) {
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	base := domain.SourceDescriptor{
		FileCount:        10,
		ByteSize:         4000,
		PrimaryLanguage:  "Rust",
		Manifests:        []domain.Manifest{{Path: "Cargo.toml", Kind: "cargo", Valid: true}},
		CapturedAt:       now,
		SourceModifiedAt: now.Add(-48 * time.Hour),
	}
	a := NewAnalyzer(nil, DefaultThresholds())

	got := a.Analyze(base)
	if got.Score != 1 || got.Action != domain.ActionAutoApprove {
		t.Fatalf("unexpected assessment %#v", got)
	}

	empty := a.Analyze(domain.SourceDescriptor{})
	if empty.Score != 0 || empty.Action != domain.ActionReject {
		t.Fatalf("expected empty drop rejected, got %#v", empty)
	}

	noManifest := base
	noManifest.Manifests = nil
	if got := a.Analyze(noManifest); got.Score != 0.7 || got.Action != domain.ActionReject {
		t.Fatalf("unexpected no-manifest assessment %#v", got)
	}

	broken := base
	broken.Manifests = []domain.Manifest{{Path: "Cargo.toml", Kind: "cargo", Error: "bad toml"}}
	if got := a.Analyze(broken); got.Score != 0.85 || got.Action != domain.ActionManualReview {
		t.Fatalf("unexpected broken-manifest assessment %#v", got)
	}

	halfway := base
	halfway.SourceModifiedAt = now.Add(-(30 + 335/2) * 24 * time.Hour)
	got = a.Analyze(halfway)
	if got.Score <= 0.85 || got.Score >= 0.95 {
		t.Fatalf("expected decayed recency score between tiers, got %v", got.Score)
	}
}

func TestAnalyzerIsDeterministic(t *testing.T) {
	now := time.Date(2026, 2, 21, 12, 0, 0, 0, time.UTC)
	src := domain.SourceDescriptor{
		FileCount:        3,
		ByteSize:         900,
		PrimaryLanguage:  "go",
		Languages:        map[string]int64{"go": 900},
		CapturedAt:       now,
		SourceModifiedAt: now.Add(-90 * 24 * time.Hour),
	}
	a := NewAnalyzer(DefaultWeightedPolicy(), DefaultThresholds())
	first := a.Analyze(src)
	for range 20 {
		if next := a.Analyze(src); next.Score != first.Score || next.Action != first.Action {
			t.Fatalf("Analyze() changed from %#v to %#v", first, next)
		}
	}
}

func TestAnalyzerInjectablePolicy(t *testing.T) {
	fixed := ScoringFunc(func(domain.SourceDescriptor) (float64, []Signal) {
		return 0.876543, []Signal{{Name: "fixed", Weight: 1, Value: 0.876543}}
	})
	a := NewAnalyzer(fixed, Thresholds{AutoApprove: 0.9, RejectFloor: 0.5})
	got := a.Analyze(domain.SourceDescriptor{})
	if got.Score != 0.8765 || got.Action != domain.ActionManualReview {
		t.Fatalf("unexpected assessment %#v", got)
	}

	fallback := NewAnalyzer(fixed, Thresholds{AutoApprove: 2})
	if fallback.Thresholds() != DefaultThresholds() {
		t.Fatalf("expected invalid thresholds replaced, got %#v", fallback.Thresholds())
	}
}
