package skill

import (
	"context"
	"fmt"

	"studioline/internal/domain"
)

// Provider looks up one source of skill definitions.
type Provider interface {
	Lookup(ctx context.Context, key string) (domain.SkillDefinition, bool, error)
}

// Registry resolves a skill key through an ordered provider list: persisted
// definitions first, then the generated catalog.
type Registry struct {
	Providers []Provider
}

// ErrNotFound-shaped sentinel for unknown skills.
type NotFoundError struct {
	SkillKey string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("skill %s not found", e.SkillKey)
}

// Resolve walks providers in order. requiredOutput names fields the caller
// structurally depends on; a definition whose output contract lacks one is
// skipped in favor of a later provider. If every candidate is incompatible
// the first match is returned anyway and strict output validation decides.
func (r Registry) Resolve(ctx context.Context, key string, requiredOutput ...string) (domain.SkillDefinition, error) {
	var first *domain.SkillDefinition
	for _, p := range r.Providers {
		def, ok, err := p.Lookup(ctx, key)
		if err != nil {
			return domain.SkillDefinition{}, err
		}
		if !ok {
			continue
		}
		if first == nil {
			d := def
			first = &d
		}
		if declaresAll(def, requiredOutput) {
			return def, nil
		}
	}
	if first != nil {
		return *first, nil
	}
	return domain.SkillDefinition{}, NotFoundError{SkillKey: key}
}

func declaresAll(def domain.SkillDefinition, fields []string) bool {
	if len(fields) == 0 {
		return true
	}
	schema, err := ParseSchema(def.OutputSchema)
	if err != nil {
		return false
	}
	for _, f := range fields {
		if !schema.DeclaresField(f) {
			return false
		}
	}
	return true
}
