package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"studioline/internal/domain"
	"studioline/internal/repo"
)

// EnsureWorkspace returns the workspace for (project, conversation),
// creating it lazily on first use. Workspaces are never deleted.
func (e Engine) EnsureWorkspace(ctx context.Context, projectID, conversationID string) (domain.Workspace, error) {
	w, err := e.Repo.GetWorkspace(ctx, projectID, conversationID)
	if err == nil {
		return w, nil
	}
	if err != repo.ErrNotFound {
		return domain.Workspace{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC()
	w = domain.Workspace{
		ID:             uuid.New().String(),
		ProjectID:      projectID,
		ConversationID: conversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertWorkspace(ctx, tx, w); err != nil {
		// Lost a create race; the row someone else inserted is the answer.
		if existing, gerr := e.Repo.GetWorkspaceTx(ctx, tx, projectID, conversationID); gerr == nil {
			return existing, nil
		}
		return domain.Workspace{}, fmt.Errorf("insert workspace: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Workspace{}, err
	}
	return w, nil
}

// PinOptions sets or clears workspace pins. The literal value "auto" clears
// a pin; empty string leaves it as is.
type PinOptions struct {
	Stage   string
	Skill   string
	Channel string
}

func (e Engine) SetPins(ctx context.Context, projectID, conversationID string, opts PinOptions) (domain.Workspace, error) {
	w, err := e.EnsureWorkspace(ctx, projectID, conversationID)
	if err != nil {
		return domain.Workspace{}, err
	}
	if opts.Stage != "" && opts.Stage != "auto" && !e.knownStage(opts.Stage) {
		return domain.Workspace{}, fmt.Errorf("unknown stage %q", opts.Stage)
	}
	apply := func(cur *string, v string) *string {
		switch v {
		case "":
			return cur
		case "auto":
			return nil
		default:
			return &v
		}
	}
	w.StagePinned = apply(w.StagePinned, opts.Stage)
	w.SkillPinned = apply(w.SkillPinned, opts.Skill)
	w.ChannelPinned = apply(w.ChannelPinned, opts.Channel)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workspace{}, err
	}
	defer tx.Rollback()
	w.UpdatedAt = e.nowRFC()
	if err := e.Repo.UpdateWorkspace(ctx, tx, w); err != nil {
		return domain.Workspace{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workspace{}, err
	}
	return w, nil
}

func (e Engine) knownStage(stage string) bool {
	for _, s := range e.Config.Orchestration.Stages {
		if s == stage {
			return true
		}
	}
	return false
}

// effectiveStage picks the stage a step runs in: pin wins, then the first
// configured stage as the starting point.
func (e Engine) effectiveStage(w domain.Workspace) string {
	if w.StagePinned != nil {
		return *w.StagePinned
	}
	if len(e.Config.Orchestration.Stages) > 0 {
		return e.Config.Orchestration.Stages[0]
	}
	return ""
}

// saveWorkspaceState persists the post-step workspace snapshot: active
// skill, last suggestions shown, and the artifacts index.
func (e Engine) saveWorkspaceState(ctx context.Context, tx *sql.Tx, w domain.Workspace, activeSkill string, lastSuggestions, artifacts *string) error {
	if activeSkill != "" {
		w.ActiveSkillKey = &activeSkill
	}
	if lastSuggestions != nil {
		w.LastSuggestions = lastSuggestions
	}
	if artifacts != nil {
		w.ArtifactsJSON = artifacts
	}
	w.UpdatedAt = e.nowRFC()
	return e.Repo.UpdateWorkspace(ctx, tx, w)
}
