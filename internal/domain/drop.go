package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"slices"
	"strings"
	"time"
)

// State is a Drop lifecycle state.
type State string

// StateIngested and related constants enumerate the Drop lifecycle.
const (
	StateIngested     State = "ingested"
	StateAnalyzed     State = "analyzed"
	StateLaneAssigned State = "lane_assigned"
	StateValidating   State = "validating"
	StateValidated    State = "validated"
	StateRejected     State = "rejected"
	StateMerged       State = "merged"
	StateArchived     State = "archived"
	StateFailed       State = "failed"
	StateCancelled    State = "cancelled"
)

var validStates = []State{
	StateIngested,
	StateAnalyzed,
	StateLaneAssigned,
	StateValidating,
	StateValidated,
	StateRejected,
	StateMerged,
	StateArchived,
	StateFailed,
	StateCancelled,
}

// transitions lists forward edges. Failed is reachable from every non-terminal state.
var transitions = map[State][]State{
	StateIngested:     {StateAnalyzed, StateCancelled},
	StateAnalyzed:     {StateLaneAssigned, StateRejected, StateCancelled},
	StateLaneAssigned: {StateValidating, StateCancelled},
	StateValidating:   {StateValidated},
	StateValidated:    {StateMerged},
	StateMerged:       {StateArchived},
}

// ParseState normalizes raw into a known state.
func ParseState(raw string) (State, bool) {
	s := State(strings.TrimSpace(strings.ToLower(raw)))
	if !slices.Contains(validStates, s) {
		return "", false
	}
	return s, true
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateArchived, StateRejected, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// Cancellable reports whether a Drop in s may still be cancelled.
func (s State) Cancellable() bool {
	switch s {
	case StateIngested, StateAnalyzed, StateLaneAssigned:
		return true
	default:
		return false
	}
}

// Discardable reports whether the working copy of a Drop in s is no longer needed.
func (s State) Discardable() bool {
	switch s {
	case StateRejected, StateFailed, StateCancelled, StateArchived:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to State) bool {
	if !slices.Contains(validStates, from) || !slices.Contains(validStates, to) {
		return false
	}
	if to == StateFailed {
		return !from.Terminal()
	}
	return slices.Contains(transitions[from], to)
}

// Action is the routing recommendation derived from a confidence score.
type Action string

// ActionAutoApprove and related constants define the routing tiers.
const (
	ActionAutoApprove  Action = "auto_approve"
	ActionManualReview Action = "manual_review"
	ActionReject       Action = "reject"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAutoApprove, ActionManualReview, ActionReject:
		return true
	default:
		return false
	}
}

// ContentHash is the lowercase hex sha256 digest of a byte sequence.
type ContentHash string

// HashContent computes the content-addressing key for data.
func HashContent(data []byte) ContentHash {
	sum := sha256.Sum256(data)
	return ContentHash(hex.EncodeToString(sum[:]))
}

// Valid reports whether h looks like a sha256 hex digest.
func (h ContentHash) Valid() bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(string(h))
	return err == nil
}

// Short returns an abbreviated form for log output.
func (h ContentHash) Short() string {
	if len(h) <= 12 {
		return string(h)
	}
	return string(h[:12])
}

// Drop is one unit of externally sourced content moving through the pipeline.
type Drop struct {
	ID             string
	Source         SourceDescriptor
	ContentHash    ContentHash
	State          State
	Score          *float64
	Action         Action
	Lane           Lane
	Approved       bool
	ApprovedBy     string
	Diagnostics    []Diagnostic
	HeadNodeID     string
	CreatedAt      time.Time
	StateChangedAt time.Time
}

// NewDropInput holds values for NewDrop.
type NewDropInput struct {
	ID          string
	Source      SourceDescriptor
	ContentHash ContentHash
}

// NewDrop constructs a Drop in the ingested state.
func NewDrop(in NewDropInput, now time.Time) (Drop, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return Drop{}, ErrInvalidID
	}
	if !in.ContentHash.Valid() {
		return Drop{}, ErrInvalidContentHash
	}
	source := in.Source.Normalize()
	if source.TargetRef == "" {
		return Drop{}, ErrInvalidTargetRef
	}
	ts := now.UTC()
	return Drop{
		ID:             id,
		Source:         source,
		ContentHash:    in.ContentHash,
		State:          StateIngested,
		CreatedAt:      ts,
		StateChangedAt: ts,
	}, nil
}

// TransitionTo moves the drop to the next state if the lifecycle allows it.
func (d *Drop) TransitionTo(to State, now time.Time) error {
	if !CanTransition(d.State, to) {
		return ErrInvalidTransition
	}
	d.State = to
	d.StateChangedAt = now.UTC()
	return nil
}

// SetAssessment records the confidence score and action. Both are set once.
func (d *Drop) SetAssessment(score float64, action Action) error {
	if d.Score != nil {
		return ErrAlreadyScored
	}
	if math.IsNaN(score) || score < 0 || score > 1 {
		return ErrInvalidScore
	}
	if !action.Valid() {
		return ErrInvalidAction
	}
	d.Score = &score
	d.Action = action
	return nil
}

// AssignLane sets the lane once.
func (d *Drop) AssignLane(lane Lane) error {
	if d.Lane != "" {
		return ErrLaneAlreadyAssigned
	}
	if !lane.Valid() {
		return ErrInvalidLane
	}
	d.Lane = lane
	return nil
}

// Approve records the external approval flag a manual_review drop needs before merge.
func (d *Drop) Approve(approver string) error {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return ErrInvalidApprover
	}
	if d.Action != ActionManualReview || d.Approved {
		return ErrApprovalNotRequired
	}
	d.Approved = true
	d.ApprovedBy = approver
	return nil
}

// NeedsApproval reports whether merge must wait for an external approval flag.
func (d Drop) NeedsApproval() bool {
	return d.Action == ActionManualReview && !d.Approved
}

// AppendDiagnostics stores stage-local findings on the drop.
func (d *Drop) AppendDiagnostics(diags ...Diagnostic) {
	d.Diagnostics = append(d.Diagnostics, diags...)
}

// OrderParticipants sorts drops by created_at, then drop id.
func OrderParticipants(drops []Drop) []Drop {
	out := slices.Clone(drops)
	slices.SortStableFunc(out, func(a, b Drop) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
