package repo

import (
	"context"
	"database/sql"
	"strings"

	"studioline/internal/domain"
)

const runColumns = `id,project_id,agent_name,stage,status,error,events_json,started_at,finished_at,created_at`

func scanRun(scan func(dest ...any) error) (domain.AgentRun, error) {
	var run domain.AgentRun
	var stage, errMsg, startedAt, finishedAt sql.NullString
	err := scan(&run.ID, &run.ProjectID, &run.AgentName, &stage, &run.Status, &errMsg, &run.EventsJSON, &startedAt, &finishedAt, &run.CreatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if stage.Valid {
		run.Stage = stage.String
	}
	run.Error = stringPtr(errMsg)
	run.StartedAt = stringPtr(startedAt)
	run.FinishedAt = stringPtr(finishedAt)
	return run, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.AgentRun) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ProjectID, run.AgentName, nullable(run.Stage), run.Status, nullableStringPtr(run.Error),
		run.EventsJSON, nullableStringPtr(run.StartedAt), nullableStringPtr(run.FinishedAt), run.CreatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.AgentRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) GetRunTx(ctx context.Context, tx *sql.Tx, id string) (domain.AgentRun, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM agent_runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.AgentRun) error {
	_, err := tx.ExecContext(ctx, `UPDATE agent_runs SET status=?, error=?, events_json=?, started_at=?, finished_at=? WHERE id=?`,
		run.Status, nullableStringPtr(run.Error), run.EventsJSON, nullableStringPtr(run.StartedAt), nullableStringPtr(run.FinishedAt), run.ID)
	return err
}

type RunFilters struct {
	ProjectID       string
	Status          string
	AgentName       string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRuns(ctx context.Context, f RunFilters) ([]domain.AgentRun, error) {
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
	if f.AgentName != "" {
		clauses = append(clauses, "agent_name=?")
		args = append(args, f.AgentName)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + runColumns + ` FROM agent_runs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}
