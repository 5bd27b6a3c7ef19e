package domain

import (
	"slices"
	"strings"
	"time"
)

// Resolution is the outcome of a merge attempt.
type Resolution string

// ResolutionClean and related constants enumerate merge outcomes.
const (
	ResolutionClean          Resolution = "clean"
	ResolutionAutoResolved   Resolution = "auto_resolved"
	ResolutionManualRequired Resolution = "manual_required"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionClean, ResolutionAutoResolved, ResolutionManualRequired:
		return true
	default:
		return false
	}
}

// Applied reports whether decisions with r land in the integration target.
func (r Resolution) Applied() bool {
	return r == ResolutionClean || r == ResolutionAutoResolved
}

// ConflictKind distinguishes region-level from whole-file conflicts.
type ConflictKind string

// ConflictRegion and related constants define conflict kinds.
const (
	ConflictRegion ConflictKind = "region"
	ConflictFile   ConflictKind = "file"
)

// Conflict describes divergent edits to one path/region.
type Conflict struct {
	Path      string       `json:"path"`
	Kind      ConflictKind `json:"kind"`
	BaseStart int          `json:"base_start"`
	BaseEnd   int          `json:"base_end"`
	DropIDs   []string     `json:"drop_ids"`
	Preview   string       `json:"preview,omitempty"`
}

// MergeDecision records one consolidation attempt for a target.
type MergeDecision struct {
	ID             string
	TargetRef      string
	Participants   []string
	Conflicts      []Conflict
	Resolution     Resolution
	Supersedes     string
	TargetRevision int64
	NodeID         string
	CreatedAt      time.Time
}

// NewMergeDecisionInput holds values for NewMergeDecision.
type NewMergeDecisionInput struct {
	ID           string
	TargetRef    string
	Participants []string
	Conflicts    []Conflict
	Resolution   Resolution
	Supersedes   string
}

// NewMergeDecision validates and constructs a decision.
func NewMergeDecision(in NewMergeDecisionInput, now time.Time) (MergeDecision, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return MergeDecision{}, ErrInvalidID
	}
	target := strings.TrimSpace(in.TargetRef)
	if target == "" {
		return MergeDecision{}, ErrInvalidTargetRef
	}
	if !in.Resolution.Valid() {
		return MergeDecision{}, ErrInvalidResolution
	}
	if in.Resolution == ResolutionManualRequired && len(in.Conflicts) == 0 {
		return MergeDecision{}, ErrInvalidResolution
	}
	if in.Resolution != ResolutionManualRequired && len(in.Conflicts) > 0 {
		return MergeDecision{}, ErrInvalidResolution
	}
	return MergeDecision{
		ID:           id,
		TargetRef:    target,
		Participants: slices.Clone(in.Participants),
		Conflicts:    slices.Clone(in.Conflicts),
		Resolution:   in.Resolution,
		Supersedes:   strings.TrimSpace(in.Supersedes),
		CreatedAt:    now.UTC(),
	}, nil
}

// ResolutionChoice settles the conflicts on one path: take a participant's version, or explicit content.
type ResolutionChoice struct {
	Path    string  `json:"path"`
	DropID  string  `json:"drop_id,omitempty"`
	Content *string `json:"content,omitempty"`
}

// ExternalResolution is the reviewer input for a manual_required decision.
type ExternalResolution struct {
	ResolvedBy string             `json:"resolved_by"`
	Choices    []ResolutionChoice `json:"choices"`
}

// Target is the integration tree a merge batch lands in.
type Target struct {
	Ref       string
	Revision  int64
	Files     []TargetFile
	UpdatedAt time.Time
}

// File returns the file at p.
func (t Target) File(p string) (TargetFile, bool) {
	for _, f := range t.Files {
		if f.Path == p {
			return f, true
		}
	}
	return TargetFile{}, false
}

// TargetFile is one file in an integration target.
type TargetFile struct {
	Path     string
	Content  []byte
	Revision int64
}

// PathVersion is one participant's change to a path.
type PathVersion struct {
	DropID string
	Change FileChange
}

// PathMerge is the merged content and conflicts for one path.
type PathMerge struct {
	Path      string
	Content   []byte
	Conflicts []Conflict
	Overlap   bool
}

// MergePath consolidates the ordered participant versions of one path against base.
func MergePath(p string, base []byte, doc bool, versions []PathVersion, granularity Granularity) PathMerge {
	baseLines := SplitLines(base)
	out := PathMerge{Path: p}
	if len(versions) == 0 {
		out.Content = base
		return out
	}
	if len(versions) == 1 {
		out.Content = JoinLines(ApplyHunks(baseLines, versions[0].Change.Hunks))
		return out
	}
	out.Overlap = true

	full := make([][]string, len(versions))
	for i, v := range versions {
		full[i] = ApplyHunks(baseLines, v.Change.Hunks)
	}
	if doc {
		merged := full[0]
		for _, next := range full[1:] {
			merged = UnionLines(merged, next)
		}
		out.Content = JoinLines(merged)
		return out
	}

	if granularity == GranularityFile {
		identical := true
		for _, next := range full[1:] {
			if !slices.Equal(full[0], next) {
				identical = false
				break
			}
		}
		if identical {
			out.Content = JoinLines(full[0])
			return out
		}
		ids := make([]string, 0, len(versions))
		for _, v := range versions {
			ids = append(ids, v.DropID)
		}
		out.Conflicts = []Conflict{{
			Path:    p,
			Kind:    ConflictFile,
			BaseEnd: len(baseLines),
			DropIDs: ids,
			Preview: UnifiedPatch(p, versions[0].DropID, versions[len(versions)-1].DropID, JoinLines(full[0]), JoinLines(full[len(full)-1])),
		}}
		return out
	}

	applied, conflicts := mergeHunks(p, versions, full)
	out.Conflicts = conflicts
	if len(conflicts) == 0 {
		out.Content = JoinLines(ApplyHunks(baseLines, applied))
	}
	return out
}

type taggedHunk struct {
	order int
	hunk  Hunk
}

// mergeHunks clusters overlapping hunks across participants. Identical edits collapse; divergent ones conflict.
func mergeHunks(p string, versions []PathVersion, full [][]string) ([]Hunk, []Conflict) {
	all := []taggedHunk{}
	for i, v := range versions {
		for _, h := range v.Change.Hunks {
			all = append(all, taggedHunk{order: i, hunk: h})
		}
	}
	slices.SortStableFunc(all, func(a, b taggedHunk) int {
		if c := compareHunks(a.hunk, b.hunk); c != 0 {
			return c
		}
		if a.hunk.BaseEnd != b.hunk.BaseEnd {
			return a.hunk.BaseEnd - b.hunk.BaseEnd
		}
		return a.order - b.order
	})

	applied := []Hunk{}
	conflicts := []Conflict{}
	for i := 0; i < len(all); {
		cluster := []taggedHunk{all[i]}
		j := i + 1
		for ; j < len(all); j++ {
			if !slices.ContainsFunc(cluster, func(t taggedHunk) bool { return t.hunk.Overlaps(all[j].hunk) }) {
				break
			}
			cluster = append(cluster, all[j])
		}
		i = j

		if len(cluster) == 1 {
			applied = append(applied, cluster[0].hunk)
			continue
		}
		first := cluster[0].hunk
		if !slices.ContainsFunc(cluster[1:], func(t taggedHunk) bool { return !t.hunk.Equal(first) }) {
			applied = append(applied, first)
			continue
		}
		start, end := first.BaseStart, first.BaseEnd
		orders := []int{}
		for _, t := range cluster {
			start = min(start, t.hunk.BaseStart)
			end = max(end, t.hunk.BaseEnd)
			if !slices.Contains(orders, t.order) {
				orders = append(orders, t.order)
			}
		}
		slices.Sort(orders)
		ids := make([]string, 0, len(orders))
		for _, o := range orders {
			ids = append(ids, versions[o].DropID)
		}
		lo, hi := orders[0], orders[len(orders)-1]
		conflicts = append(conflicts, Conflict{
			Path:      p,
			Kind:      ConflictRegion,
			BaseStart: start,
			BaseEnd:   end,
			DropIDs:   ids,
			Preview:   UnifiedPatch(p, versions[lo].DropID, versions[hi].DropID, JoinLines(full[lo]), JoinLines(full[hi])),
		})
	}
	return applied, conflicts
}
