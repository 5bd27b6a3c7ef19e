package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/hylla/crc/internal/app"
	"github.com/hylla/crc/internal/domain"
)

// CommitMerge writes a merge decision, its CL node, participant transitions and
// target files in one transaction guarded by the target revision.
func (r *Repository) CommitMerge(ctx context.Context, c app.MergeCommit) (err error) {
	participantsJSON, err := json.Marshal(nonNil(c.Decision.Participants))
	if err != nil {
		return fmt.Errorf("encode merge participants: %w", err)
	}
	conflictsJSON, err := json.Marshal(nonNil(c.Decision.Conflicts))
	if err != nil {
		return fmt.Errorf("encode merge conflicts: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var revision int64
	err = tx.QueryRowContext(ctx, `SELECT revision FROM targets WHERE ref = ?`, c.Decision.TargetRef).Scan(&revision)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		revision = 0
	case err != nil:
		return err
	}
	if revision != c.BaseRevision {
		err = app.ErrStaleState
		return err
	}

	if err = insertCLNode(ctx, tx, c.Node); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO merge_decisions(id, target_ref, participants_json, conflicts_json, resolution, supersedes, target_revision, node_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.Decision.ID,
		c.Decision.TargetRef,
		string(participantsJSON),
		string(conflictsJSON),
		string(c.Decision.Resolution),
		c.Decision.Supersedes,
		c.Decision.TargetRevision,
		c.Decision.NodeID,
		ts(c.Decision.CreatedAt),
	)
	if err != nil {
		return err
	}
	for _, u := range c.Participants {
		if err = applyDropUpdate(ctx, tx, u); err != nil {
			return err
		}
	}

	if !c.Decision.Resolution.Applied() {
		err = tx.Commit()
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO targets(ref, revision, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(ref) DO UPDATE SET revision = excluded.revision, updated_at = excluded.updated_at
	`, c.Decision.TargetRef, c.Decision.TargetRevision, ts(c.Decision.CreatedAt))
	if err != nil {
		return err
	}
	for _, f := range c.Files {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO target_files(target_ref, path, content, revision)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(target_ref, path) DO UPDATE SET content = excluded.content, revision = excluded.revision
		`, c.Decision.TargetRef, f.Path, nonNilBytes(f.Content), f.Revision)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

const decisionColumns = `id, target_ref, participants_json, conflicts_json, resolution, supersedes, target_revision, node_id, created_at`

// GetMergeDecision returns a merge decision by id.
func (r *Repository) GetMergeDecision(ctx context.Context, id string) (domain.MergeDecision, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM merge_decisions WHERE id = ?`, id)
	return scanMergeDecision(row)
}

// ListMergeDecisions lists decisions ordered by created_at then id.
// PendingOnly keeps manual_required decisions that nothing supersedes.
func (r *Repository) ListMergeDecisions(ctx context.Context, filter app.MergeFilter) ([]domain.MergeDecision, error) {
	query := `SELECT ` + decisionColumns + ` FROM merge_decisions m`
	clauses := []string{}
	args := []any{}
	if ref := strings.TrimSpace(filter.TargetRef); ref != "" {
		clauses = append(clauses, `m.target_ref = ?`)
		args = append(args, ref)
	}
	if filter.PendingOnly {
		clauses = append(clauses,
			`m.resolution = ?`,
			`NOT EXISTS (SELECT 1 FROM merge_decisions s WHERE s.supersedes = m.id)`,
		)
		args = append(args, string(domain.ResolutionManualRequired))
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.MergeDecision{}
	for rows.Next() {
		d, err := scanMergeDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b domain.MergeDecision) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// GetTarget returns a target and its files sorted by path.
func (r *Repository) GetTarget(ctx context.Context, ref string) (domain.Target, error) {
	var (
		target     domain.Target
		updatedRaw string
	)
	err := r.db.QueryRowContext(ctx, `SELECT ref, revision, updated_at FROM targets WHERE ref = ?`, ref).
		Scan(&target.Ref, &target.Revision, &updatedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Target{}, app.ErrNotFound
	}
	if err != nil {
		return domain.Target{}, err
	}
	target.UpdatedAt = parseTS(updatedRaw)

	rows, err := r.db.QueryContext(ctx, `
		SELECT path, content, revision
		FROM target_files
		WHERE target_ref = ?
		ORDER BY path ASC
	`, ref)
	if err != nil {
		return domain.Target{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var f domain.TargetFile
		if err := rows.Scan(&f.Path, &f.Content, &f.Revision); err != nil {
			return domain.Target{}, err
		}
		target.Files = append(target.Files, f)
	}
	if err := rows.Err(); err != nil {
		return domain.Target{}, err
	}
	return target, nil
}

func scanMergeDecision(s scanner) (domain.MergeDecision, error) {
	var (
		d               domain.MergeDecision
		participantsRaw string
		conflictsRaw    string
		resolution      string
		createdRaw      string
	)
	if err := s.Scan(&d.ID, &d.TargetRef, &participantsRaw, &conflictsRaw, &resolution, &d.Supersedes, &d.TargetRevision, &d.NodeID, &createdRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.MergeDecision{}, app.ErrNotFound
		}
		return domain.MergeDecision{}, err
	}
	if err := json.Unmarshal([]byte(participantsRaw), &d.Participants); err != nil {
		return domain.MergeDecision{}, fmt.Errorf("decode merge participants_json: %w", err)
	}
	if err := json.Unmarshal([]byte(conflictsRaw), &d.Conflicts); err != nil {
		return domain.MergeDecision{}, fmt.Errorf("decode merge conflicts_json: %w", err)
	}
	if len(d.Conflicts) == 0 {
		d.Conflicts = nil
	}
	d.Resolution = domain.Resolution(resolution)
	d.CreatedAt = parseTS(createdRaw)
	return d, nil
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func nonNilBytes(in []byte) []byte {
	if in == nil {
		return []byte{}
	}
	return in
}
