package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"studioline/internal/config"
	"studioline/internal/domain"
	"studioline/internal/events"
)

// InitProject creates a project with its default config, an empty brain,
// and the init audit event.
func (e Engine) InitProject(ctx context.Context, projectID, name, actorID string) (domain.Project, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p := domain.Project{
		ID:        projectID,
		Name:      name,
		Status:    "active",
		CreatedAt: e.nowRFC(),
	}
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfigTx(ctx, tx, p.ID, config.Default(p.ID)); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.init", p.ID, "project", p.ID, actorID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	if _, err := e.EnsureBrain(ctx, p.ID); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// SetProjectFlag flips one project flag; companion rules read them.
func (e Engine) SetProjectFlag(ctx context.Context, projectID, name string, value bool) error {
	flags, err := e.Repo.ProjectFlags(ctx, projectID)
	if err != nil {
		return err
	}
	if value {
		flags[name] = true
	} else {
		delete(flags, name)
	}
	data, err := json.Marshal(flags)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE projects SET flags_json=? WHERE id=?`, string(data), projectID); err != nil {
		return err
	}
	return tx.Commit()
}
