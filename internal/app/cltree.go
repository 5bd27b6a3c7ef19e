package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/hylla/crc/internal/domain"
)

// Record appends a node to the CL tree. Node ids are never reused.
func (s *Service) Record(ctx context.Context, node domain.CLNode) (domain.CLNode, error) {
	node, err := domain.NewCLNode(domain.NewCLNodeInput{
		ID:              node.ID,
		ParentIDs:       node.ParentIDs,
		Supersedes:      node.Supersedes,
		DropID:          node.DropID,
		MergeDecisionID: node.MergeDecisionID,
		Status:          node.Status,
		Metadata:        node.Metadata,
	}, s.clock())
	if err != nil {
		return domain.CLNode{}, err
	}
	for _, p := range node.ParentIDs {
		if _, err := s.repo.GetCLNode(ctx, p); err != nil {
			return domain.CLNode{}, fmt.Errorf("parent %s: %w", p, err)
		}
	}
	if err := s.repo.CreateCLNode(ctx, node); err != nil {
		return domain.CLNode{}, err
	}
	return node, nil
}

// GetCLNode returns a node by id.
func (s *Service) GetCLNode(ctx context.Context, nodeID string) (domain.CLNode, error) {
	return s.repo.GetCLNode(ctx, strings.TrimSpace(nodeID))
}

// Head returns the latest node of a drop's chain.
func (s *Service) Head(ctx context.Context, dropID string) (domain.CLNode, error) {
	d, err := s.GetDrop(ctx, dropID)
	if err != nil {
		return domain.CLNode{}, err
	}
	return s.repo.GetCLNode(ctx, d.HeadNodeID)
}

// History returns every ancestor of nodeID, the node included, parents first.
func (s *Service) History(ctx context.Context, nodeID string) ([]domain.CLNode, error) {
	nodes, err := s.repo.ListCLAncestors(ctx, strings.TrimSpace(nodeID))
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("cl node %s: %w", nodeID, ErrNotFound)
	}
	return domain.OrderTopological(nodes), nil
}

// DropHistory returns the lineage of a drop's head node.
func (s *Service) DropHistory(ctx context.Context, dropID string) ([]domain.CLNode, error) {
	d, err := s.GetDrop(ctx, dropID)
	if err != nil {
		return nil, err
	}
	return s.History(ctx, d.HeadNodeID)
}

// Diff compares the lineage of two nodes. Merge bases are the common ancestors that are
// not themselves ancestors of another common ancestor.
func (s *Service) Diff(ctx context.Context, a, b string) (domain.LineageDiff, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	left, err := s.History(ctx, a)
	if err != nil {
		return domain.LineageDiff{}, err
	}
	right, err := s.History(ctx, b)
	if err != nil {
		return domain.LineageDiff{}, err
	}
	inLeft := nodeSet(left)
	inRight := nodeSet(right)

	diff := domain.LineageDiff{A: a, B: b, CommonAncestors: []string{}, MergeBases: []string{}, OnlyA: []domain.CLNode{}, OnlyB: []domain.CLNode{}}
	common := map[string]domain.CLNode{}
	for _, n := range left {
		if _, ok := inRight[n.ID]; ok {
			common[n.ID] = n
			diff.CommonAncestors = append(diff.CommonAncestors, n.ID)
		} else {
			diff.OnlyA = append(diff.OnlyA, n)
		}
	}
	for _, n := range right {
		if _, ok := inLeft[n.ID]; !ok {
			diff.OnlyB = append(diff.OnlyB, n)
		}
	}

	// A common node reachable as a parent from another common node is not a base.
	shadowed := map[string]struct{}{}
	for _, n := range common {
		markAncestors(n, common, shadowed)
	}
	for _, id := range diff.CommonAncestors {
		if _, ok := shadowed[id]; !ok {
			diff.MergeBases = append(diff.MergeBases, id)
		}
	}
	return diff, nil
}

func nodeSet(nodes []domain.CLNode) map[string]struct{} {
	out := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		out[n.ID] = struct{}{}
	}
	return out
}

// markAncestors flags every proper ancestor of n inside set.
func markAncestors(n domain.CLNode, set map[string]domain.CLNode, seen map[string]struct{}) {
	for _, p := range n.ParentIDs {
		parent, ok := set[p]
		if !ok {
			continue
		}
		if _, done := seen[p]; done {
			continue
		}
		seen[p] = struct{}{}
		markAncestors(parent, set, seen)
	}
}
