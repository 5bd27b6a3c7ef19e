package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hylla/crc/internal/app"
	"github.com/hylla/crc/internal/domain"
	_ "modernc.org/sqlite"
)

// driverName defines a package constant value.
const driverName = "sqlite"

// Repository is the sqlite-backed ledger, lane result, merge, archive and CL tree store.
type Repository struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path.
func Open(path string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	db, err := sql.Open(driverName, path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return newRepository(db)
}

// OpenInMemory opens a private in-memory database.
func OpenInMemory() (*Repository, error) {
	db, err := sql.Open(driverName, "file::memory:")
	if err != nil {
		return nil, fmt.Errorf("open sqlite memory: %w", err)
	}
	return newRepository(db)
}

func newRepository(db *sql.DB) (*Repository, error) {
	// One connection serializes writers; every multi-statement write runs in a tx on it.
	db.SetMaxOpenConns(1)
	repo := &Repository{db: db}
	if err := repo.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping reports whether the database connection answers.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// migrate creates the schema.
func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS drops (
			id TEXT PRIMARY KEY,
			source_json TEXT NOT NULL DEFAULT '{}',
			content_hash TEXT NOT NULL,
			state TEXT NOT NULL,
			score REAL,
			action TEXT NOT NULL DEFAULT '',
			lane TEXT NOT NULL DEFAULT '',
			approved INTEGER NOT NULL DEFAULT 0,
			approved_by TEXT NOT NULL DEFAULT '',
			diagnostics_json TEXT NOT NULL DEFAULT '[]',
			head_node_id TEXT NOT NULL DEFAULT '',
			target_ref TEXT NOT NULL,
			created_at TEXT NOT NULL,
			state_changed_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_drops_target_state ON drops(target_ref, state);`,
		`CREATE INDEX IF NOT EXISTS idx_drops_state ON drops(state);`,
		`CREATE INDEX IF NOT EXISTS idx_drops_content_hash ON drops(content_hash);`,
		`CREATE TABLE IF NOT EXISTS lane_results (
			drop_id TEXT PRIMARY KEY,
			lane TEXT NOT NULL,
			passed INTEGER NOT NULL,
			diagnostics_json TEXT NOT NULL DEFAULT '[]',
			artifact_refs_json TEXT NOT NULL DEFAULT '[]',
			completed_at TEXT NOT NULL,
			FOREIGN KEY(drop_id) REFERENCES drops(id)
		);`,
		`CREATE TABLE IF NOT EXISTS merge_decisions (
			id TEXT PRIMARY KEY,
			target_ref TEXT NOT NULL,
			participants_json TEXT NOT NULL DEFAULT '[]',
			conflicts_json TEXT NOT NULL DEFAULT '[]',
			resolution TEXT NOT NULL,
			supersedes TEXT NOT NULL DEFAULT '',
			target_revision INTEGER NOT NULL DEFAULT 0,
			node_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_merge_decisions_target ON merge_decisions(target_ref);`,
		`CREATE INDEX IF NOT EXISTS idx_merge_decisions_supersedes ON merge_decisions(supersedes);`,
		`CREATE TABLE IF NOT EXISTS targets (
			ref TEXT PRIMARY KEY,
			revision INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS target_files (
			target_ref TEXT NOT NULL,
			path TEXT NOT NULL,
			content BLOB NOT NULL,
			revision INTEGER NOT NULL,
			PRIMARY KEY(target_ref, path),
			FOREIGN KEY(target_ref) REFERENCES targets(ref)
		);`,
		`CREATE TABLE IF NOT EXISTS archive_records (
			drop_id TEXT PRIMARY KEY,
			content_hash TEXT NOT NULL,
			compressed_blob_ref TEXT NOT NULL,
			original_size INTEGER NOT NULL,
			compressed_size INTEGER NOT NULL,
			checksum_algorithm TEXT NOT NULL,
			checksum TEXT NOT NULL,
			compression TEXT NOT NULL,
			sealed_at TEXT NOT NULL,
			FOREIGN KEY(drop_id) REFERENCES drops(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_archive_records_hash ON archive_records(content_hash, sealed_at);`,
		`CREATE TABLE IF NOT EXISTS cl_nodes (
			id TEXT PRIMARY KEY,
			supersedes TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			drop_id TEXT NOT NULL DEFAULT '',
			merge_decision_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			metadata_json TEXT NOT NULL DEFAULT '{}',
			ts TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS cl_edges (
			child_id TEXT NOT NULL,
			parent_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY(child_id, parent_id),
			FOREIGN KEY(child_id) REFERENCES cl_nodes(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cl_edges_parent ON cl_edges(parent_id);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// CreateDrop inserts a new drop together with its root CL node.
func (r *Repository) CreateDrop(ctx context.Context, d domain.Drop, node domain.CLNode) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = insertCLNode(ctx, tx, node); err != nil {
		return err
	}
	if err = insertDrop(ctx, tx, d); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// GetDrop returns a drop by id.
func (r *Repository) GetDrop(ctx context.Context, id string) (domain.Drop, error) {
	return getDropByID(ctx, r.db, id)
}

// ListDrops lists drops matching filter ordered by created_at then id.
func (r *Repository) ListDrops(ctx context.Context, filter app.DropFilter) ([]domain.Drop, error) {
	query := `SELECT ` + dropColumns + ` FROM drops`
	clauses := []string{}
	args := []any{}
	if len(filter.States) > 0 {
		marks := make([]string, 0, len(filter.States))
		for _, s := range filter.States {
			marks = append(marks, "?")
			args = append(args, string(s))
		}
		clauses = append(clauses, `state IN (`+strings.Join(marks, ", ")+`)`)
	}
	if ref := strings.TrimSpace(filter.TargetRef); ref != "" {
		clauses = append(clauses, `target_ref = ?`)
		args = append(args, ref)
	}
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Drop{}
	for rows.Next() {
		d, err := scanDrop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return domain.OrderParticipants(out), nil
}

// UpdateDrop applies a guarded drop write and records its CL node in one transaction.
func (r *Repository) UpdateDrop(ctx context.Context, u app.DropUpdate) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = applyDropUpdate(ctx, tx, u); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// CompleteValidation stores the lane result together with the validated/failed transition.
func (r *Repository) CompleteValidation(ctx context.Context, result domain.LaneValidationResult, u app.DropUpdate) (err error) {
	diagJSON, err := json.Marshal(result.Diagnostics)
	if err != nil {
		return fmt.Errorf("encode lane diagnostics: %w", err)
	}
	refsJSON, err := json.Marshal(result.ArtifactRefs)
	if err != nil {
		return fmt.Errorf("encode artifact refs: %w", err)
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

	if err = applyDropUpdate(ctx, tx, u); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO lane_results(drop_id, lane, passed, diagnostics_json, artifact_refs_json, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, result.DropID, string(result.Lane), boolInt(result.Passed), string(diagJSON), string(refsJSON), ts(result.CompletedAt))
	if err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// GetLaneResult returns the lane result for a drop.
func (r *Repository) GetLaneResult(ctx context.Context, dropID string) (domain.LaneValidationResult, error) {
	var (
		res        domain.LaneValidationResult
		lane       string
		passed     int
		diagRaw    string
		refsRaw    string
		completeAt string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT drop_id, lane, passed, diagnostics_json, artifact_refs_json, completed_at
		FROM lane_results
		WHERE drop_id = ?
	`, dropID).Scan(&res.DropID, &lane, &passed, &diagRaw, &refsRaw, &completeAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.LaneValidationResult{}, app.ErrNotFound
	}
	if err != nil {
		return domain.LaneValidationResult{}, err
	}
	if err := json.Unmarshal([]byte(diagRaw), &res.Diagnostics); err != nil {
		return domain.LaneValidationResult{}, fmt.Errorf("decode lane diagnostics_json: %w", err)
	}
	if err := json.Unmarshal([]byte(refsRaw), &res.ArtifactRefs); err != nil {
		return domain.LaneValidationResult{}, fmt.Errorf("decode artifact_refs_json: %w", err)
	}
	res.Lane = domain.Lane(lane)
	res.Passed = passed != 0
	res.CompletedAt = parseTS(completeAt)
	return res, nil
}

// SealDrop writes the archive record and the merged -> archived transition together.
func (r *Repository) SealDrop(ctx context.Context, rec domain.ArchiveRecord, u app.DropUpdate) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = applyDropUpdate(ctx, tx, u); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO archive_records(drop_id, content_hash, compressed_blob_ref, original_size, compressed_size, checksum_algorithm, checksum, compression, sealed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.DropID, string(rec.ContentHash), string(rec.CompressedBlobRef), rec.OriginalSize, rec.CompressedSize, rec.ChecksumAlgorithm, rec.Checksum, rec.Compression, ts(rec.SealedAt))
	if err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

const archiveColumns = `drop_id, content_hash, compressed_blob_ref, original_size, compressed_size, checksum_algorithm, checksum, compression, sealed_at`

// GetArchiveRecord returns the archive record for a drop.
func (r *Repository) GetArchiveRecord(ctx context.Context, dropID string) (domain.ArchiveRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+archiveColumns+` FROM archive_records WHERE drop_id = ?`, dropID)
	return scanArchiveRecord(row)
}

// GetArchiveRecordByHash returns the earliest sealed record for a content hash.
func (r *Repository) GetArchiveRecordByHash(ctx context.Context, hash domain.ContentHash) (domain.ArchiveRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+archiveColumns+` FROM archive_records WHERE content_hash = ?`, string(hash))
	if err != nil {
		return domain.ArchiveRecord{}, err
	}
	defer rows.Close()

	var (
		best  domain.ArchiveRecord
		found bool
	)
	for rows.Next() {
		rec, err := scanArchiveRecord(rows)
		if err != nil {
			return domain.ArchiveRecord{}, err
		}
		if !found || rec.SealedAt.Before(best.SealedAt) || (rec.SealedAt.Equal(best.SealedAt) && rec.DropID < best.DropID) {
			best, found = rec, true
		}
	}
	if err := rows.Err(); err != nil {
		return domain.ArchiveRecord{}, err
	}
	if !found {
		return domain.ArchiveRecord{}, app.ErrNotFound
	}
	return best, nil
}

// queryRower is the read contract shared by DB and Tx.
type queryRower interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// execerContext represents a write-only DB contract used by DB and Tx implementations.
type execerContext interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}

type txContext interface {
	queryRower
	execerContext
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}

const dropColumns = `id, source_json, content_hash, state, score, action, lane, approved, approved_by, diagnostics_json, head_node_id, created_at, state_changed_at`

func getDropByID(ctx context.Context, q queryRower, id string) (domain.Drop, error) {
	row := q.QueryRowContext(ctx, `SELECT `+dropColumns+` FROM drops WHERE id = ?`, id)
	return scanDrop(row)
}

func insertDrop(ctx context.Context, execer execerContext, d domain.Drop) error {
	sourceJSON, diagJSON, err := encodeDrop(d)
	if err != nil {
		return err
	}
	_, err = execer.ExecContext(ctx, `
		INSERT INTO drops(id, source_json, content_hash, state, score, action, lane, approved, approved_by, diagnostics_json, head_node_id, target_ref, created_at, state_changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID,
		sourceJSON,
		string(d.ContentHash),
		string(d.State),
		nullableScore(d.Score),
		string(d.Action),
		string(d.Lane),
		boolInt(d.Approved),
		d.ApprovedBy,
		diagJSON,
		d.HeadNodeID,
		d.Source.TargetRef,
		ts(d.CreatedAt),
		ts(d.StateChangedAt),
	)
	return err
}

// applyDropUpdate writes u.Next only while the stored state and head node still equal
// u.From and u.FromHead, then records u.Node.
func applyDropUpdate(ctx context.Context, tx txContext, u app.DropUpdate) error {
	d := u.Next
	sourceJSON, diagJSON, err := encodeDrop(d)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE drops
		SET source_json = ?, state = ?, score = ?, action = ?, lane = ?, approved = ?, approved_by = ?,
		    diagnostics_json = ?, head_node_id = ?, state_changed_at = ?
		WHERE id = ? AND state = ? AND head_node_id = ?
	`,
		sourceJSON,
		string(d.State),
		nullableScore(d.Score),
		string(d.Action),
		string(d.Lane),
		boolInt(d.Approved),
		d.ApprovedBy,
		diagJSON,
		d.HeadNodeID,
		ts(d.StateChangedAt),
		d.ID,
		string(u.From),
		u.FromHead,
	)
	if err != nil {
		return err
	}
	if err := translateNoRows(res); err != nil {
		if _, getErr := getDropByID(ctx, tx, d.ID); getErr != nil {
			return getErr
		}
		return app.ErrStaleState
	}
	return insertCLNode(ctx, tx, u.Node)
}

func encodeDrop(d domain.Drop) (string, string, error) {
	sourceJSON, err := json.Marshal(d.Source)
	if err != nil {
		return "", "", fmt.Errorf("encode drop source: %w", err)
	}
	diags := d.Diagnostics
	if diags == nil {
		diags = []domain.Diagnostic{}
	}
	diagJSON, err := json.Marshal(diags)
	if err != nil {
		return "", "", fmt.Errorf("encode drop diagnostics: %w", err)
	}
	return string(sourceJSON), string(diagJSON), nil
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanDrop(s scanner) (domain.Drop, error) {
	var (
		d          domain.Drop
		sourceRaw  string
		hash       string
		state      string
		score      sql.NullFloat64
		action     string
		lane       string
		approved   int
		diagRaw    string
		createdRaw string
		changedRaw string
	)
	if err := s.Scan(&d.ID, &sourceRaw, &hash, &state, &score, &action, &lane, &approved, &d.ApprovedBy, &diagRaw, &d.HeadNodeID, &createdRaw, &changedRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Drop{}, app.ErrNotFound
		}
		return domain.Drop{}, err
	}
	if err := json.Unmarshal([]byte(sourceRaw), &d.Source); err != nil {
		return domain.Drop{}, fmt.Errorf("decode drop source_json: %w", err)
	}
	if strings.TrimSpace(diagRaw) == "" {
		diagRaw = "[]"
	}
	if err := json.Unmarshal([]byte(diagRaw), &d.Diagnostics); err != nil {
		return domain.Drop{}, fmt.Errorf("decode drop diagnostics_json: %w", err)
	}
	if len(d.Diagnostics) == 0 {
		d.Diagnostics = nil
	}
	d.ContentHash = domain.ContentHash(hash)
	d.State = domain.State(state)
	if score.Valid {
		v := score.Float64
		d.Score = &v
	}
	d.Action = domain.Action(action)
	d.Lane = domain.Lane(lane)
	d.Approved = approved != 0
	d.CreatedAt = parseTS(createdRaw)
	d.StateChangedAt = parseTS(changedRaw)
	return d, nil
}

func scanArchiveRecord(s scanner) (domain.ArchiveRecord, error) {
	var (
		rec       domain.ArchiveRecord
		hash      string
		blobRef   string
		sealedRaw string
	)
	if err := s.Scan(&rec.DropID, &hash, &blobRef, &rec.OriginalSize, &rec.CompressedSize, &rec.ChecksumAlgorithm, &rec.Checksum, &rec.Compression, &sealedRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ArchiveRecord{}, app.ErrNotFound
		}
		return domain.ArchiveRecord{}, err
	}
	rec.ContentHash = domain.ContentHash(hash)
	rec.CompressedBlobRef = domain.ContentHash(blobRef)
	rec.SealedAt = parseTS(sealedRaw)
	return rec, nil
}

// translateNoRows maps a zero-row write to ErrNotFound.
func translateNoRows(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return app.ErrNotFound
	}
	return nil
}

// ts formats a timestamp for storage.
func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTS parses input into a normalized form.
func parseTS(v string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

func nullableScore(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// isUniqueErr reports whether err is a primary key or unique constraint violation.
func isUniqueErr(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint failed") || strings.Contains(msg, "constraint failed: unique")
}
