package repo

import (
	"context"
	"database/sql"
	"strings"

	"studioline/internal/domain"
)

const changeSetColumns = `id,project_id,title,agent_name,phase,status,decided_at,decided_by,created_at`

func scanChangeSet(scan func(dest ...any) error) (domain.ChangeSet, error) {
	var cs domain.ChangeSet
	var agentName, phase, decidedAt, decidedBy sql.NullString
	err := scan(&cs.ID, &cs.ProjectID, &cs.Title, &agentName, &phase, &cs.Status, &decidedAt, &decidedBy, &cs.CreatedAt)
	if err == sql.ErrNoRows {
		return cs, ErrNotFound
	}
	if err != nil {
		return cs, err
	}
	if agentName.Valid {
		cs.AgentName = agentName.String
	}
	if phase.Valid {
		cs.Phase = phase.String
	}
	cs.DecidedAt = stringPtr(decidedAt)
	cs.DecidedBy = stringPtr(decidedBy)
	return cs, nil
}

func (r Repo) InsertChangeSet(ctx context.Context, tx *sql.Tx, cs domain.ChangeSet) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO change_sets(`+changeSetColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		cs.ID, cs.ProjectID, cs.Title, nullable(cs.AgentName), nullable(cs.Phase), cs.Status,
		nullableStringPtr(cs.DecidedAt), nullableStringPtr(cs.DecidedBy), cs.CreatedAt); err != nil {
		return err
	}
	for _, op := range cs.Ops {
		if _, err := tx.ExecContext(ctx, `INSERT INTO change_set_ops(id,change_set_id,entity_type,op_type,temp_id,target_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
			op.ID, cs.ID, op.EntityType, op.OpType, nullableStringPtr(op.TempID), nullableStringPtr(op.TargetID), op.PayloadJSON); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetChangeSet(ctx context.Context, id string) (domain.ChangeSet, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+changeSetColumns+` FROM change_sets WHERE id=?`, id)
	cs, err := scanChangeSet(row.Scan)
	if err != nil {
		return cs, err
	}
	cs.Ops, err = r.listOps(ctx, nil, id)
	return cs, err
}

func (r Repo) GetChangeSetTx(ctx context.Context, tx *sql.Tx, id string) (domain.ChangeSet, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+changeSetColumns+` FROM change_sets WHERE id=?`, id)
	cs, err := scanChangeSet(row.Scan)
	if err != nil {
		return cs, err
	}
	cs.Ops, err = r.listOps(ctx, tx, id)
	return cs, err
}

func (r Repo) listOps(ctx context.Context, tx *sql.Tx, changeSetID string) ([]domain.ChangeSetOp, error) {
	query := `SELECT id,change_set_id,entity_type,op_type,temp_id,target_id,payload_json FROM change_set_ops WHERE change_set_id=? ORDER BY rowid ASC`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, changeSetID)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, changeSetID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChangeSetOp
	for rows.Next() {
		var op domain.ChangeSetOp
		var tempID, targetID sql.NullString
		if err := rows.Scan(&op.ID, &op.ChangeSetID, &op.EntityType, &op.OpType, &tempID, &targetID, &op.PayloadJSON); err != nil {
			return nil, err
		}
		op.TempID = stringPtr(tempID)
		op.TargetID = stringPtr(targetID)
		res = append(res, op)
	}
	return res, rows.Err()
}

// MarkChangeSetDecided flips a pending set to its terminal status. It only
// matches pending rows, so a lost race surfaces as zero rows affected.
func (r Repo) MarkChangeSetDecided(ctx context.Context, tx *sql.Tx, id, status, decidedAt, decidedBy string) error {
	res, err := tx.ExecContext(ctx, `UPDATE change_sets SET status=?, decided_at=?, decided_by=? WHERE id=? AND status='pending'`,
		status, decidedAt, decidedBy, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ChangeSetFilters struct {
	ProjectID string
	Status    string
	Limit     int
}

func (r Repo) ListChangeSets(ctx context.Context, f ChangeSetFilters) ([]domain.ChangeSet, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + changeSetColumns + ` FROM change_sets ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChangeSet
	for rows.Next() {
		cs, err := scanChangeSet(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, cs)
	}
	return res, rows.Err()
}
