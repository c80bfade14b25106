package skill

import (
	"context"

	"studioline/internal/domain"
)

// Store reads persisted skill definitions. NotFound reports whether an
// error from the store means the key simply does not exist.
type Store interface {
	GetSkill(ctx context.Context, skillKey string) (domain.SkillDefinition, error)
}

// StoreProvider serves persisted skills ahead of the generated catalog.
// Disabled skills are treated as absent so resolution falls through.
type StoreProvider struct {
	Store    Store
	NotFound func(error) bool
}

func (p StoreProvider) Lookup(ctx context.Context, key string) (domain.SkillDefinition, bool, error) {
	def, err := p.Store.GetSkill(ctx, key)
	if err != nil {
		if p.NotFound != nil && p.NotFound(err) {
			return domain.SkillDefinition{}, false, nil
		}
		return domain.SkillDefinition{}, false, err
	}
	if !def.Enabled {
		return domain.SkillDefinition{}, false, nil
	}
	return def, true, nil
}
