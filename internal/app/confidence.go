package app

import (
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/hylla/crc/internal/domain"
)

// Thresholds split scores into the three routing tiers.
type Thresholds struct {
	AutoApprove float64
	RejectFloor float64
}

// DefaultThresholds returns the 0.95 / 0.80 tiers.
func DefaultThresholds() Thresholds {
	return Thresholds{AutoApprove: 0.95, RejectFloor: 0.80}
}

// Validate checks 0 <= reject_floor <= auto_approve <= 1.
func (t Thresholds) Validate() error {
	if t.RejectFloor < 0 || t.AutoApprove > 1 || t.RejectFloor > t.AutoApprove {
		return fmt.Errorf("invalid thresholds: reject_floor=%v auto_approve=%v", t.RejectFloor, t.AutoApprove)
	}
	return nil
}

// Action maps a score onto a tier.
func (t Thresholds) Action(score float64) domain.Action {
	switch {
	case score >= t.AutoApprove:
		return domain.ActionAutoApprove
	case score >= t.RejectFloor:
		return domain.ActionManualReview
	default:
		return domain.ActionReject
	}
}

// Signal is one weighted input to a score.
type Signal struct {
	Name   string  `json:"name"`
	Weight float64 `json:"weight"`
	Value  float64 `json:"value"`
}

// ScoringPolicy turns static drop features into a score in [0, 1]. Implementations must be pure.
type ScoringPolicy interface {
	Score(domain.SourceDescriptor) (float64, []Signal)
}

// ScoringFunc adapts a plain function to ScoringPolicy.
type ScoringFunc func(domain.SourceDescriptor) (float64, []Signal)

// Score implements ScoringPolicy.
func (f ScoringFunc) Score(src domain.SourceDescriptor) (float64, []Signal) {
	return f(src)
}

// Weights are the relative importance of each WeightedPolicy signal.
type Weights struct {
	Manifest float64
	Language float64
	Recency  float64
	Density  float64
	NonEmpty float64
}

// WeightedPolicy is the default scoring strategy.
type WeightedPolicy struct {
	Weights            Weights
	SupportedLanguages []string
	// Sources modified within FreshWindow of capture score full recency, decaying linearly to zero at StaleWindow.
	FreshWindow time.Duration
	StaleWindow time.Duration
	// Average bytes per file inside [MinBytesPerFile, MaxBytesPerFile] scores full density.
	MinBytesPerFile int64
	MaxBytesPerFile int64
}

// DefaultWeightedPolicy returns the shipped weighting.
func DefaultWeightedPolicy() WeightedPolicy {
	return WeightedPolicy{
		Weights: Weights{
			Manifest: 0.30,
			Language: 0.25,
			Recency:  0.20,
			Density:  0.15,
			NonEmpty: 0.10,
		},
		SupportedLanguages: []string{"go", "rust", "python", "javascript", "typescript", "java", "kotlin", "c", "cpp", "ruby", "shell"},
		FreshWindow:        30 * 24 * time.Hour,
		StaleWindow:        365 * 24 * time.Hour,
		MinBytesPerFile:    16,
		MaxBytesPerFile:    256 << 10,
	}
}

// Score implements ScoringPolicy.
func (p WeightedPolicy) Score(src domain.SourceDescriptor) (float64, []Signal) {
	w := p.Weights
	signals := []Signal{
		{Name: "manifest", Weight: w.Manifest},
		{Name: "language", Weight: w.Language},
		{Name: "recency", Weight: w.Recency},
		{Name: "density", Weight: w.Density},
		{Name: "non_empty", Weight: w.NonEmpty},
	}
	if src.FileCount <= 0 || src.ByteSize <= 0 {
		return 0, signals
	}

	switch {
	case src.HasValidManifest():
		signals[0].Value = 1
	case len(src.Manifests) > 0:
		signals[0].Value = 0.5
	}
	lang := strings.ToLower(strings.TrimSpace(src.PrimaryLanguage))
	if lang != "" && slices.Contains(p.SupportedLanguages, lang) {
		signals[1].Value = 1
	}
	signals[2].Value = p.recency(src)
	signals[3].Value = p.density(src)
	signals[4].Value = 1

	var total, sum float64
	for _, s := range signals {
		total += s.Weight
		sum += s.Weight * s.Value
	}
	if total <= 0 {
		return 0, signals
	}
	return roundScore(sum / total), signals
}

func (p WeightedPolicy) recency(src domain.SourceDescriptor) float64 {
	if src.CapturedAt.IsZero() || src.SourceModifiedAt.IsZero() {
		return 0
	}
	age := src.CapturedAt.Sub(src.SourceModifiedAt)
	switch {
	case age <= p.FreshWindow:
		return 1
	case age >= p.StaleWindow || p.StaleWindow <= p.FreshWindow:
		return 0
	default:
		return 1 - float64(age-p.FreshWindow)/float64(p.StaleWindow-p.FreshWindow)
	}
}

func (p WeightedPolicy) density(src domain.SourceDescriptor) float64 {
	avg := src.ByteSize / int64(src.FileCount)
	switch {
	case avg < p.MinBytesPerFile && p.MinBytesPerFile > 0:
		return float64(avg) / float64(p.MinBytesPerFile)
	case avg > p.MaxBytesPerFile && p.MaxBytesPerFile > 0:
		return float64(p.MaxBytesPerFile) / float64(avg)
	default:
		return 1
	}
}

func roundScore(v float64) float64 {
	v = math.Max(0, math.Min(1, v))
	return math.Round(v*10000) / 10000
}

// Assessment is the analyzer output for one descriptor.
type Assessment struct {
	Score   float64       `json:"score"`
	Action  domain.Action `json:"action"`
	Signals []Signal      `json:"signals"`
}

// Analyzer maps drop features to (score, action). It holds no mutable state.
type Analyzer struct {
	policy     ScoringPolicy
	thresholds Thresholds
}

// NewAnalyzer constructs an analyzer; invalid thresholds fall back to the defaults.
func NewAnalyzer(policy ScoringPolicy, thresholds Thresholds) *Analyzer {
	if policy == nil {
		policy = DefaultWeightedPolicy()
	}
	if thresholds.Validate() != nil {
		thresholds = DefaultThresholds()
	}
	return &Analyzer{policy: policy, thresholds: thresholds}
}

// Analyze scores src.
func (a *Analyzer) Analyze(src domain.SourceDescriptor) Assessment {
	score, signals := a.policy.Score(src.Normalize())
	score = roundScore(score)
	return Assessment{Score: score, Action: a.thresholds.Action(score), Signals: signals}
}

// Thresholds returns the configured tiers.
func (a *Analyzer) Thresholds() Thresholds {
	return a.thresholds
}
