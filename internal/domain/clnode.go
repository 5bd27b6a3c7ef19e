package domain

import (
	"maps"
	"slices"
	"strings"
	"time"
)

// SubjectKind says whether a CL node describes a drop or a merge decision.
type SubjectKind string

// SubjectDrop and SubjectMerge enumerate node subjects.
const (
	SubjectDrop  SubjectKind = "drop"
	SubjectMerge SubjectKind = "merge"
)

// StatusApproved is the node status written when a manual_review drop is approved.
const StatusApproved = "approved"

// CLNode is one append-only node of the provenance DAG.
type CLNode struct {
	ID              string
	ParentIDs       []string
	Supersedes      string
	Kind            SubjectKind
	DropID          string
	MergeDecisionID string
	Status          string
	Metadata        map[string]string
	Timestamp       time.Time
}

// NewCLNodeInput holds values for NewCLNode.
type NewCLNodeInput struct {
	ID              string
	ParentIDs       []string
	Supersedes      string
	DropID          string
	MergeDecisionID string
	Status          string
	Metadata        map[string]string
}

// NewCLNode validates that the node has exactly one subject and sane parents.
func NewCLNode(in NewCLNodeInput, now time.Time) (CLNode, error) {
	id := strings.TrimSpace(in.ID)
	if id == "" {
		return CLNode{}, ErrInvalidID
	}
	dropID := strings.TrimSpace(in.DropID)
	mergeID := strings.TrimSpace(in.MergeDecisionID)
	var kind SubjectKind
	switch {
	case dropID != "" && mergeID == "":
		kind = SubjectDrop
	case mergeID != "" && dropID == "":
		kind = SubjectMerge
	default:
		return CLNode{}, ErrInvalidSubject
	}

	parents := make([]string, 0, len(in.ParentIDs))
	for _, raw := range in.ParentIDs {
		p := strings.TrimSpace(raw)
		if p == "" || p == id {
			return CLNode{}, ErrInvalidParent
		}
		if !slices.Contains(parents, p) {
			parents = append(parents, p)
		}
	}
	supersedes := strings.TrimSpace(in.Supersedes)
	if supersedes == id {
		return CLNode{}, ErrInvalidParent
	}
	var meta map[string]string
	if len(in.Metadata) > 0 {
		meta = maps.Clone(in.Metadata)
	}
	return CLNode{
		ID:              id,
		ParentIDs:       parents,
		Supersedes:      supersedes,
		Kind:            kind,
		DropID:          dropID,
		MergeDecisionID: mergeID,
		Status:          strings.TrimSpace(in.Status),
		Metadata:        meta,
		Timestamp:       now.UTC(),
	}, nil
}

// LineageDiff summarizes divergent lineage between two nodes.
type LineageDiff struct {
	A               string
	B               string
	CommonAncestors []string
	MergeBases      []string
	OnlyA           []CLNode
	OnlyB           []CLNode
}

// Related reports whether the two nodes share any ancestor.
func (d LineageDiff) Related() bool {
	return len(d.CommonAncestors) > 0
}

// OrderTopological returns nodes parents-first, breaking ties by timestamp then id.
// Parents outside the given set are ignored.
func OrderTopological(nodes []CLNode) []CLNode {
	byID := make(map[string]CLNode, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}
	indegree := make(map[string]int, len(nodes))
	children := make(map[string][]string, len(nodes))
	for _, n := range byID {
		indegree[n.ID] += 0
		for _, p := range n.ParentIDs {
			if _, ok := byID[p]; !ok {
				continue
			}
			indegree[n.ID]++
			children[p] = append(children[p], n.ID)
		}
	}
	less := func(a, b string) int {
		if c := byID[a].Timestamp.Compare(byID[b].Timestamp); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	}

	ready := []string{}
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	out := make([]CLNode, 0, len(byID))
	for len(ready) > 0 {
		slices.SortFunc(ready, less)
		id := ready[0]
		ready = ready[1:]
		out = append(out, byID[id])
		for _, child := range children[id] {
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	return out
}
