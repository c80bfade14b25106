package repo

import (
	"context"
	"database/sql"

	"studioline/internal/domain"
)

const workspaceColumns = `id,project_id,conversation_id,stage_pinned,skill_pinned,channel_pinned,active_skill_key,last_suggestions_json,artifacts_json,created_at,updated_at`

func scanWorkspace(scan func(dest ...any) error) (domain.Workspace, error) {
	var w domain.Workspace
	var stage, skill, channel, active, suggestions, artifacts sql.NullString
	err := scan(&w.ID, &w.ProjectID, &w.ConversationID, &stage, &skill, &channel, &active, &suggestions, &artifacts, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.StagePinned = stringPtr(stage)
	w.SkillPinned = stringPtr(skill)
	w.ChannelPinned = stringPtr(channel)
	w.ActiveSkillKey = stringPtr(active)
	w.LastSuggestions = stringPtr(suggestions)
	w.ArtifactsJSON = stringPtr(artifacts)
	return w, nil
}

func (r Repo) GetWorkspace(ctx context.Context, projectID, conversationID string) (domain.Workspace, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE project_id=? AND conversation_id=?`, projectID, conversationID)
	return scanWorkspace(row.Scan)
}

func (r Repo) GetWorkspaceTx(ctx context.Context, tx *sql.Tx, projectID, conversationID string) (domain.Workspace, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE project_id=? AND conversation_id=?`, projectID, conversationID)
	return scanWorkspace(row.Scan)
}

func (r Repo) InsertWorkspace(ctx context.Context, tx *sql.Tx, w domain.Workspace) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workspaces(`+workspaceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.ProjectID, w.ConversationID, nullableStringPtr(w.StagePinned), nullableStringPtr(w.SkillPinned),
		nullableStringPtr(w.ChannelPinned), nullableStringPtr(w.ActiveSkillKey), nullableStringPtr(w.LastSuggestions),
		nullableStringPtr(w.ArtifactsJSON), w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) UpdateWorkspace(ctx context.Context, tx *sql.Tx, w domain.Workspace) error {
	_, err := tx.ExecContext(ctx, `UPDATE workspaces SET stage_pinned=?, skill_pinned=?, channel_pinned=?, active_skill_key=?, last_suggestions_json=?, artifacts_json=?, updated_at=? WHERE id=?`,
		nullableStringPtr(w.StagePinned), nullableStringPtr(w.SkillPinned), nullableStringPtr(w.ChannelPinned),
		nullableStringPtr(w.ActiveSkillKey), nullableStringPtr(w.LastSuggestions), nullableStringPtr(w.ArtifactsJSON),
		w.UpdatedAt, w.ID)
	return err
}

func (r Repo) ListWorkspaces(ctx context.Context, projectID string) ([]domain.Workspace, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE project_id=? ORDER BY updated_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}
