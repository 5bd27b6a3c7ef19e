package domain

import (
	"slices"
	"strings"
	"time"
)

// Lane is an isolated validation track.
type Lane string

// LaneFeature and related constants enumerate the fixed lane set.
const (
	LaneFeature      Lane = "feature"
	LaneBugfix       Lane = "bugfix"
	LaneExperimental Lane = "experimental"
	LaneIntegration  Lane = "integration"
)

// SchedulableLanes returns the lanes drops can be hashed into, in stable order.
func SchedulableLanes() []Lane {
	return []Lane{LaneFeature, LaneBugfix, LaneExperimental}
}

// AllLanes returns every lane including the reserved integration lane.
func AllLanes() []Lane {
	return append(SchedulableLanes(), LaneIntegration)
}

// ParseLane normalizes raw into a known lane.
func ParseLane(raw string) (Lane, bool) {
	l := Lane(strings.TrimSpace(strings.ToLower(raw)))
	if !slices.Contains(AllLanes(), l) {
		return "", false
	}
	return l, true
}

// Valid reports whether l is a known lane.
func (l Lane) Valid() bool {
	return slices.Contains(AllLanes(), l)
}

// Reserved reports whether l is kept for the merge resolver.
func (l Lane) Reserved() bool {
	return l == LaneIntegration
}

// StepKind names one stage of a lane validation pipeline.
type StepKind string

// StepBuild and related constants define the pipeline stages.
const (
	StepBuild  StepKind = "build"
	StepStatic StepKind = "static"
	StepTest   StepKind = "test"
	StepScan   StepKind = "scan"
)

// PipelineSteps returns the stages in execution order.
func PipelineSteps() []StepKind {
	return []StepKind{StepBuild, StepStatic, StepTest, StepScan}
}

// Severity grades a diagnostic.
type Severity string

// SeverityInfo and related constants define diagnostic severities.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Diagnostic is a structured message produced by a pipeline stage.
type Diagnostic struct {
	Stage    string    `json:"stage"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// LaneValidationResult is the immutable per-lane outcome for a drop.
type LaneValidationResult struct {
	DropID       string
	Lane         Lane
	Passed       bool
	Diagnostics  []Diagnostic
	ArtifactRefs []ContentHash
	CompletedAt  time.Time
}

// NewLaneValidationResult constructs a result.
func NewLaneValidationResult(dropID string, lane Lane, passed bool, diags []Diagnostic, refs []ContentHash, now time.Time) (LaneValidationResult, error) {
	dropID = strings.TrimSpace(dropID)
	if dropID == "" {
		return LaneValidationResult{}, ErrInvalidID
	}
	if !lane.Valid() {
		return LaneValidationResult{}, ErrInvalidLane
	}
	for _, ref := range refs {
		if !ref.Valid() {
			return LaneValidationResult{}, ErrInvalidContentHash
		}
	}
	return LaneValidationResult{
		DropID:       dropID,
		Lane:         lane,
		Passed:       passed,
		Diagnostics:  slices.Clone(diags),
		ArtifactRefs: slices.Clone(refs),
		CompletedAt:  now.UTC(),
	}, nil
}
