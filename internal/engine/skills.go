package engine

import (
	"context"
	"errors"
	"fmt"

	"studioline/internal/domain"
	"studioline/internal/events"
	"studioline/internal/skill"
)

// SkillUpdate carries the fields an upsert may set. Empty strings keep the
// existing (or catalog) value; a nil Enabled defaults to enabled.
type SkillUpdate struct {
	Name         string
	Stage        string
	Channel      string
	InputSchema  string
	OutputSchema string
	Prompt       string
	Enabled      *bool
}

// UpsertSkill persists a skill definition, layering the update over the
// current resolution (persisted first, catalog fallback) so a partial update
// does not blank the contract. Persisted definitions shadow the catalog on
// the next resolution.
func (e Engine) UpsertSkill(ctx context.Context, skillKey string, upd SkillUpdate, actorID string) (domain.SkillDefinition, error) {
	if skillKey == "" {
		return domain.SkillDefinition{}, fmt.Errorf("skill key is required")
	}
	def, err := e.Skills.Resolve(ctx, skillKey)
	if err != nil {
		var notFound skill.NotFoundError
		if !errors.As(err, &notFound) {
			return domain.SkillDefinition{}, fmt.Errorf("resolve skill %s: %w", skillKey, err)
		}
		// Unknown key means a brand-new definition, not a failure.
		def = domain.SkillDefinition{SkillKey: skillKey, Enabled: true}
	}
	def.SkillKey = skillKey
	if upd.Name != "" {
		def.Name = upd.Name
	}
	if upd.Stage != "" {
		def.Stage = upd.Stage
	}
	if upd.Channel != "" {
		def.Channel = upd.Channel
	}
	if upd.InputSchema != "" {
		def.InputSchema = upd.InputSchema
	}
	if upd.OutputSchema != "" {
		def.OutputSchema = upd.OutputSchema
	}
	if upd.Prompt != "" {
		def.Prompt = upd.Prompt
	}
	if upd.Enabled != nil {
		def.Enabled = *upd.Enabled
	}
	def.UpdatedAt = e.nowRFC()

	if err := e.Repo.UpsertSkill(ctx, def); err != nil {
		return domain.SkillDefinition{}, fmt.Errorf("upsert skill: %w", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.SkillDefinition{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, events.TypeSkillUpserted, "", "skill", def.SkillKey, actorID, events.EventPayload{
		"enabled": def.Enabled,
		"stage":   def.Stage,
	}); err != nil {
		return domain.SkillDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.SkillDefinition{}, err
	}
	return def, nil
}
