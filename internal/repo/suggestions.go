package repo

import (
	"context"
	"database/sql"

	"studioline/internal/domain"
)

func (r Repo) InsertSuggestionSet(ctx context.Context, tx *sql.Tx, set domain.SuggestionSet) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO suggestion_sets(id,project_id,run_id,created_at) VALUES (?,?,?,?)`,
		set.ID, set.ProjectID, nullable(set.RunID), set.CreatedAt); err != nil {
		return err
	}
	for _, s := range set.Suggestions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO suggestions(id,set_id,skill_key,stage,channel,title,reason,rank) VALUES (?,?,?,?,?,?,?,?)`,
			s.ID, set.ID, s.SkillKey, s.Stage, nullable(s.Channel), s.Title, nullable(s.Reason), s.Rank); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) LatestSuggestionSet(ctx context.Context, projectID string) (domain.SuggestionSet, error) {
	var set domain.SuggestionSet
	var runID sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,run_id,created_at FROM suggestion_sets WHERE project_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, projectID).
		Scan(&set.ID, &set.ProjectID, &runID, &set.CreatedAt)
	if err == sql.ErrNoRows {
		return set, ErrNotFound
	}
	if err != nil {
		return set, err
	}
	if runID.Valid {
		set.RunID = runID.String
	}
	set.Suggestions, err = r.listSuggestions(ctx, set.ID)
	return set, err
}

func (r Repo) listSuggestions(ctx context.Context, setID string) ([]domain.Suggestion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,set_id,skill_key,stage,channel,title,reason,rank FROM suggestions WHERE set_id=? ORDER BY rank ASC, id ASC`, setID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Suggestion
	for rows.Next() {
		var s domain.Suggestion
		var channel, reason sql.NullString
		if err := rows.Scan(&s.ID, &s.SetID, &s.SkillKey, &s.Stage, &channel, &s.Title, &reason, &s.Rank); err != nil {
			return nil, err
		}
		if channel.Valid {
			s.Channel = channel.String
		}
		if reason.Valid {
			s.Reason = reason.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
