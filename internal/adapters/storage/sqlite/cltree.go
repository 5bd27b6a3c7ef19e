package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hylla/crc/internal/app"
	"github.com/hylla/crc/internal/domain"
)

// CreateCLNode appends a CL node.
func (r *Repository) CreateCLNode(ctx context.Context, n domain.CLNode) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = insertCLNode(ctx, tx, n); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// GetCLNode returns a CL node with its ordered parents.
func (r *Repository) GetCLNode(ctx context.Context, id string) (domain.CLNode, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM cl_nodes WHERE id = ?`, id)
	n, err := scanCLNode(row)
	if err != nil {
		return domain.CLNode{}, err
	}
	rows, err := r.db.QueryContext(ctx, `SELECT parent_id FROM cl_edges WHERE child_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return domain.CLNode{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var parent string
		if err := rows.Scan(&parent); err != nil {
			return domain.CLNode{}, err
		}
		n.ParentIDs = append(n.ParentIDs, parent)
	}
	if err := rows.Err(); err != nil {
		return domain.CLNode{}, err
	}
	return n, nil
}

// lineageCTE selects the node and every reachable parent.
const lineageCTE = `
	WITH RECURSIVE lineage(id) AS (
		SELECT id FROM cl_nodes WHERE id = ?
		UNION
		SELECT e.parent_id FROM cl_edges e JOIN lineage l ON e.child_id = l.id
	)`

// ListCLAncestors returns the node and all of its ancestors, unordered.
func (r *Repository) ListCLAncestors(ctx context.Context, id string) ([]domain.CLNode, error) {
	rows, err := r.db.QueryContext(ctx, lineageCTE+`
		SELECT `+prefixedNodeColumns+`
		FROM cl_nodes n JOIN lineage l ON n.id = l.id
	`, id)
	if err != nil {
		return nil, err
	}
	nodes := []domain.CLNode{}
	index := map[string]int{}
	for rows.Next() {
		n, err := scanCLNode(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		index[n.ID] = len(nodes)
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	edges, err := r.db.QueryContext(ctx, lineageCTE+`
		SELECT e.child_id, e.parent_id
		FROM cl_edges e JOIN lineage l ON e.child_id = l.id
		ORDER BY e.child_id ASC, e.position ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer edges.Close()
	for edges.Next() {
		var child, parent string
		if err := edges.Scan(&child, &parent); err != nil {
			return nil, err
		}
		if i, ok := index[child]; ok {
			nodes[i].ParentIDs = append(nodes[i].ParentIDs, parent)
		}
	}
	if err := edges.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}

const (
	nodeColumns         = `id, supersedes, kind, drop_id, merge_decision_id, status, metadata_json, ts`
	prefixedNodeColumns = `n.id, n.supersedes, n.kind, n.drop_id, n.merge_decision_id, n.status, n.metadata_json, n.ts`
)

func insertCLNode(ctx context.Context, execer execerContext, n domain.CLNode) error {
	meta := n.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode cl node metadata: %w", err)
	}
	_, err = execer.ExecContext(ctx, `
		INSERT INTO cl_nodes(id, supersedes, kind, drop_id, merge_decision_id, status, metadata_json, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.Supersedes, string(n.Kind), n.DropID, n.MergeDecisionID, n.Status, string(metaJSON), ts(n.Timestamp))
	if err != nil {
		if isUniqueErr(err) {
			return app.ErrDuplicateNode
		}
		return err
	}
	for i, parent := range n.ParentIDs {
		if _, err := execer.ExecContext(ctx, `
			INSERT INTO cl_edges(child_id, parent_id, position)
			VALUES (?, ?, ?)
		`, n.ID, parent, i); err != nil {
			return err
		}
	}
	return nil
}

func scanCLNode(s scanner) (domain.CLNode, error) {
	var (
		n       domain.CLNode
		kind    string
		metaRaw string
		tsRaw   string
	)
	if err := s.Scan(&n.ID, &n.Supersedes, &kind, &n.DropID, &n.MergeDecisionID, &n.Status, &metaRaw, &tsRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.CLNode{}, app.ErrNotFound
		}
		return domain.CLNode{}, err
	}
	if err := json.Unmarshal([]byte(metaRaw), &n.Metadata); err != nil {
		return domain.CLNode{}, fmt.Errorf("decode cl node metadata_json: %w", err)
	}
	if len(n.Metadata) == 0 {
		n.Metadata = nil
	}
	n.Kind = domain.SubjectKind(kind)
	n.Timestamp = parseTS(tsRaw)
	return n, nil
}
