package repo

import (
	"context"
	"database/sql"

	"studioline/internal/domain"
)

func scanBrain(scan func(dest ...any) error) (domain.Brain, error) {
	var b domain.Brain
	err := scan(&b.ProjectID, &b.Version, &b.DocJSON, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) GetBrain(ctx context.Context, projectID string) (domain.Brain, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT project_id,version,doc_json,updated_at FROM brains WHERE project_id=?`, projectID)
	return scanBrain(row.Scan)
}

func (r Repo) GetBrainTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Brain, error) {
	row := tx.QueryRowContext(ctx, `SELECT project_id,version,doc_json,updated_at FROM brains WHERE project_id=?`, projectID)
	return scanBrain(row.Scan)
}

func (r Repo) InsertBrain(ctx context.Context, tx *sql.Tx, b domain.Brain) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO brains(project_id,version,doc_json,updated_at) VALUES (?,?,?,?)`,
		b.ProjectID, b.Version, b.DocJSON, b.UpdatedAt)
	return err
}

// UpdateBrainGuarded writes the new document only when the stored version
// still equals fromVersion. Zero rows affected means a concurrent writer won.
func (r Repo) UpdateBrainGuarded(ctx context.Context, tx *sql.Tx, projectID string, fromVersion int, docJSON, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE brains SET version=version+1, doc_json=?, updated_at=? WHERE project_id=? AND version=?`,
		docJSON, updatedAt, projectID, fromVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const brainEventColumns = `id,project_id,type,payload_json,brain_version_at_start,status,patch_ops_json,error,applied_at,created_at`

func scanBrainEvent(scan func(dest ...any) error) (domain.BrainEvent, error) {
	var ev domain.BrainEvent
	var payload sql.NullString
	var patchOps, errMsg, appliedAt sql.NullString
	err := scan(&ev.ID, &ev.ProjectID, &ev.Type, &payload, &ev.BrainVersionAtStart, &ev.Status, &patchOps, &errMsg, &appliedAt, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if err != nil {
		return ev, err
	}
	if payload.Valid {
		ev.PayloadJSON = payload.String
	}
	ev.PatchOpsJSON = stringPtr(patchOps)
	ev.Error = stringPtr(errMsg)
	ev.AppliedAt = stringPtr(appliedAt)
	return ev, nil
}

func (r Repo) InsertBrainEvent(ctx context.Context, tx *sql.Tx, ev domain.BrainEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO brain_events(`+brainEventColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.ProjectID, ev.Type, nullable(ev.PayloadJSON), ev.BrainVersionAtStart, ev.Status,
		nullableStringPtr(ev.PatchOpsJSON), nullableStringPtr(ev.Error), nullableStringPtr(ev.AppliedAt), ev.CreatedAt)
	return err
}

func (r Repo) GetBrainEvent(ctx context.Context, id string) (domain.BrainEvent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+brainEventColumns+` FROM brain_events WHERE id=?`, id)
	return scanBrainEvent(row.Scan)
}

func (r Repo) GetBrainEventTx(ctx context.Context, tx *sql.Tx, id string) (domain.BrainEvent, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+brainEventColumns+` FROM brain_events WHERE id=?`, id)
	return scanBrainEvent(row.Scan)
}

func (r Repo) UpdateBrainEvent(ctx context.Context, tx *sql.Tx, ev domain.BrainEvent) error {
	_, err := tx.ExecContext(ctx, `UPDATE brain_events SET status=?, brain_version_at_start=?, patch_ops_json=?, error=?, applied_at=? WHERE id=?`,
		ev.Status, ev.BrainVersionAtStart, nullableStringPtr(ev.PatchOpsJSON), nullableStringPtr(ev.Error), nullableStringPtr(ev.AppliedAt), ev.ID)
	return err
}

func (r Repo) ListBrainEvents(ctx context.Context, projectID string, limit int) ([]domain.BrainEvent, error) {
	query := `SELECT ` + brainEventColumns + ` FROM brain_events WHERE project_id=? ORDER BY created_at DESC, id DESC`
	args := []any{projectID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BrainEvent
	for rows.Next() {
		ev, err := scanBrainEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
