package skill

import (
	"context"

	"studioline/internal/domain"
)

// studioContext prefixes every generated prompt so ad-hoc catalog entries
// share one framing.
const studioContext = `You are a production assistant for a studio project.
Work from the running memory summary and the recent conversation. Respond
with a single JSON object matching the declared output contract exactly.`

// Catalog is the statically generated fallback: when no persisted skill
// definition exists (or the persisted one is structurally incompatible with
// the caller), the system degrades to these instead of hard-failing.
var Catalog = []domain.SkillDefinition{
	{
		SkillKey:     "router",
		Name:         "Router",
		Stage:        "cross",
		Channel:      "system",
		InputSchema:  `{"type":"object","properties":{"enabled_skills":{"type":"array"},"memory_summary":{"type":"string"},"user_message":{"type":"string"}},"required":["enabled_skills"]}`,
		OutputSchema: `{"type":"object","properties":{"skill_key":{"type":"string"},"stage":{"type":"string"},"channel":{"type":"string"},"rationale":{"type":"string"}},"required":["skill_key","stage"]}`,
		Prompt:       studioContext + "\nPick the single best next skill from enabled_skills for this conversation. Return skill_key, stage, channel and a one-line rationale. Use stage \"cross\" only when no stage fits.",
		Enabled:      true,
	},
	{
		SkillKey:     "suggestions_panel",
		Name:         "Suggestions panel",
		Stage:        "cross",
		Channel:      "suggestions",
		InputSchema:  `{"type":"object","properties":{"memory_summary":{"type":"string"},"shown_skill_keys":{"type":"array"}}}`,
		OutputSchema: `{"type":"object","properties":{"suggestions":{"type":"array"}},"required":["suggestions"]}`,
		Prompt:       studioContext + "\nPropose the next most useful actions as suggestions: [{skill_key, stage, channel, title, reason}]. Do not repeat shown_skill_keys.",
		Enabled:      true,
	},
	{
		SkillKey:     "discovery_questions",
		Name:         "Discovery questions",
		Stage:        "discovery",
		Channel:      "chat",
		InputSchema:  `{"type":"object","properties":{"memory_summary":{"type":"string"},"messages":{"type":"array"}}}`,
		OutputSchema: `{"type":"object","properties":{"questions":{"type":"array"}},"required":["questions"]}`,
		Prompt:       studioContext + "\nAsk the structured discovery questions still missing answers: [{id, title, question, question_type, quick_options, blocking, tags}].",
		Enabled:      true,
	},
	{
		SkillKey:     "concept_questions",
		Name:         "Concept questions",
		Stage:        "concept",
		Channel:      "chat",
		InputSchema:  `{"type":"object","properties":{"memory_summary":{"type":"string"},"messages":{"type":"array"}}}`,
		OutputSchema: `{"type":"object","properties":{"questions":{"type":"array"}},"required":["questions"]}`,
		Prompt:       studioContext + "\nAsk the structured concept questions needed to lock the creative direction.",
		Enabled:      true,
	},
	{
		SkillKey:     "element_planner",
		Name:         "Element planner",
		Stage:        "planning",
		Channel:      "chat",
		InputSchema:  `{"type":"object","properties":{"memory_summary":{"type":"string"},"approved_items":{"type":"array"}}}`,
		OutputSchema: `{"type":"object","properties":{"patch_ops":{"type":"array"}},"required":["patch_ops"]}`,
		Prompt:       studioContext + "\nPropose element changes as patch_ops: [{op: add|update|replace|remove, path: \"elements/<id?>\", value}].",
		Enabled:      true,
	},
	{
		SkillKey:     "task_builder",
		Name:         "Task builder",
		Stage:        "production",
		Channel:      "chat",
		InputSchema:  `{"type":"object","properties":{"memory_summary":{"type":"string"},"existing_tasks":{"type":"array"}}}`,
		OutputSchema: `{"type":"object","properties":{"patch_ops":{"type":"array"}},"required":["patch_ops"]}`,
		Prompt:       studioContext + "\nPropose task changes as patch_ops against the \"tasks\" root. Never duplicate existing_tasks.",
		Enabled:      true,
	},
	{
		SkillKey:     "material_planner",
		Name:         "Material planner",
		Stage:        "planning",
		Channel:      "chat",
		InputSchema:  `{"type":"object","properties":{"memory_summary":{"type":"string"}}}`,
		OutputSchema: `{"type":"object","properties":{"patch_ops":{"type":"array"}},"required":["patch_ops"]}`,
		Prompt:       studioContext + "\nPropose material line changes as patch_ops against the \"materials\" root.",
		Enabled:      true,
	},
}

// CatalogProvider resolves skills from the generated catalog.
type CatalogProvider struct{}

func (CatalogProvider) Lookup(_ context.Context, key string) (domain.SkillDefinition, bool, error) {
	for _, def := range Catalog {
		if def.SkillKey == key {
			return def, true, nil
		}
	}
	return domain.SkillDefinition{}, false, nil
}
