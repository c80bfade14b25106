package repo

import (
	"context"
	"database/sql"

	"studioline/internal/domain"
)

const itemColumns = `id,project_id,title,type_key,category,status,payload_json,created_from,delete_requested_at,delete_requested_by,created_at,updated_at`

func scanItem(scan func(dest ...any) error) (domain.Item, error) {
	var it domain.Item
	var typeKey, category, payload sql.NullString
	var createdFrom, delAt, delBy sql.NullString
	err := scan(&it.ID, &it.ProjectID, &it.Title, &typeKey, &category, &it.Status, &payload,
		&createdFrom, &delAt, &delBy, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if typeKey.Valid {
		it.TypeKey = typeKey.String
	}
	if category.Valid {
		it.Category = category.String
	}
	if payload.Valid {
		it.PayloadJSON = payload.String
	}
	it.CreatedFrom = stringPtr(createdFrom)
	it.DeleteRequestedAt = stringPtr(delAt)
	it.DeleteRequestedBy = stringPtr(delBy)
	return it, nil
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.ProjectID, it.Title, nullable(it.TypeKey), nullable(it.Category), it.Status, nullable(it.PayloadJSON),
		nullableStringPtr(it.CreatedFrom), nullableStringPtr(it.DeleteRequestedAt), nullableStringPtr(it.DeleteRequestedBy),
		it.CreatedAt, it.UpdatedAt)
	return err
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.Item, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id)
	return scanItem(row.Scan)
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.Item, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id)
	return scanItem(row.Scan)
}

func (r Repo) UpdateItem(ctx context.Context, tx *sql.Tx, it domain.Item) error {
	_, err := tx.ExecContext(ctx, `UPDATE items SET title=?, type_key=?, category=?, status=?, payload_json=?, delete_requested_at=?, delete_requested_by=?, updated_at=? WHERE id=?`,
		it.Title, nullable(it.TypeKey), nullable(it.Category), it.Status, nullable(it.PayloadJSON),
		nullableStringPtr(it.DeleteRequestedAt), nullableStringPtr(it.DeleteRequestedBy), it.UpdatedAt, it.ID)
	return err
}

// ActiveItems returns items that still count toward the project: not
// archived, not cancelled, no pending delete request.
func (r Repo) ActiveItems(ctx context.Context, projectID string) ([]domain.Item, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM items
		WHERE project_id=? AND status NOT IN ('archived','cancelled') AND delete_requested_at IS NULL
		ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Item
	for rows.Next() {
		it, err := scanItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.ProjectTask) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_tasks(id,project_id,title,status,payload_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, t.Title, t.Status, nullable(t.PayloadJSON), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.ProjectTask, error) {
	var t domain.ProjectTask
	var payload sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,project_id,title,status,payload_json,created_at,updated_at FROM project_tasks WHERE id=?`, id).
		Scan(&t.ID, &t.ProjectID, &t.Title, &t.Status, &payload, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if payload.Valid {
		t.PayloadJSON = payload.String
	}
	return t, nil
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.ProjectTask) error {
	_, err := tx.ExecContext(ctx, `UPDATE project_tasks SET title=?, status=?, payload_json=?, updated_at=? WHERE id=?`,
		t.Title, t.Status, nullable(t.PayloadJSON), t.UpdatedAt, t.ID)
	return err
}

func (r Repo) ListTasks(ctx context.Context, projectID string) ([]domain.ProjectTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,title,status,payload_json,created_at,updated_at FROM project_tasks WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectTask
	for rows.Next() {
		var t domain.ProjectTask
		var payload sql.NullString
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Status, &payload, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			t.PayloadJSON = payload.String
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) InsertMaterialLine(ctx context.Context, tx *sql.Tx, m domain.MaterialLine) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO material_lines(id,project_id,title,payload_json,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.ProjectID, m.Title, nullable(m.PayloadJSON), m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMaterialLineTx(ctx context.Context, tx *sql.Tx, id string) (domain.MaterialLine, error) {
	var m domain.MaterialLine
	var payload sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,project_id,title,payload_json,created_at,updated_at FROM material_lines WHERE id=?`, id).
		Scan(&m.ID, &m.ProjectID, &m.Title, &payload, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if payload.Valid {
		m.PayloadJSON = payload.String
	}
	return m, nil
}

func (r Repo) UpdateMaterialLine(ctx context.Context, tx *sql.Tx, m domain.MaterialLine) error {
	_, err := tx.ExecContext(ctx, `UPDATE material_lines SET title=?, payload_json=?, updated_at=? WHERE id=?`,
		m.Title, nullable(m.PayloadJSON), m.UpdatedAt, m.ID)
	return err
}

// DeleteMaterialLine removes the row. Material lines are regenerated
// wholesale by planning skills, so there is nothing worth keeping.
func (r Repo) DeleteMaterialLine(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM material_lines WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListMaterialLines(ctx context.Context, projectID string) ([]domain.MaterialLine, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,title,payload_json,created_at,updated_at FROM material_lines WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MaterialLine
	for rows.Next() {
		var m domain.MaterialLine
		var payload sql.NullString
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Title, &payload, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			m.PayloadJSON = payload.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) InsertAccountingLine(ctx context.Context, tx *sql.Tx, a domain.AccountingLine) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounting_lines(id,project_id,title,payload_json,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.ProjectID, a.Title, nullable(a.PayloadJSON), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAccountingLineTx(ctx context.Context, tx *sql.Tx, id string) (domain.AccountingLine, error) {
	var a domain.AccountingLine
	var payload sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT id,project_id,title,payload_json,created_at,updated_at FROM accounting_lines WHERE id=?`, id).
		Scan(&a.ID, &a.ProjectID, &a.Title, &payload, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if payload.Valid {
		a.PayloadJSON = payload.String
	}
	return a, nil
}

func (r Repo) UpdateAccountingLine(ctx context.Context, tx *sql.Tx, a domain.AccountingLine) error {
	_, err := tx.ExecContext(ctx, `UPDATE accounting_lines SET title=?, payload_json=?, updated_at=? WHERE id=?`,
		a.Title, nullable(a.PayloadJSON), a.UpdatedAt, a.ID)
	return err
}

func (r Repo) ListAccountingLines(ctx context.Context, projectID string) ([]domain.AccountingLine, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,title,payload_json,created_at,updated_at FROM accounting_lines WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AccountingLine
	for rows.Next() {
		var a domain.AccountingLine
		var payload sql.NullString
		if err := rows.Scan(&a.ID, &a.ProjectID, &a.Title, &payload, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if payload.Valid {
			a.PayloadJSON = payload.String
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
