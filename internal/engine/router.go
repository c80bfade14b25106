package engine

import (
	"context"
	"fmt"

	"studioline/internal/skill"
)

// RouteDecision is what skill to run next and why.
type RouteDecision struct {
	SkillKey  string `json:"skill_key"`
	Stage     string `json:"stage"`
	Channel   string `json:"channel,omitempty"`
	Rationale string `json:"rationale,omitempty"`
	Bypassed  bool   `json:"bypassed,omitempty"`
}

// route invokes the router meta-skill with the skills enabled for the
// current stage, the memory summary and the user message. A returned stage
// of "cross" means the router declined to move the stage; it is coerced
// back to the previously effective stage.
func (e Engine) route(ctx context.Context, invoker skill.Invoker, stage, memorySummary, userMessage string) (RouteDecision, error) {
	enabled := e.Config.EnabledSkillsFor(stage)
	def, err := e.Skills.Resolve(ctx, e.Config.Orchestration.RouterKey, "skill_key", "stage")
	if err != nil {
		return RouteDecision{}, err
	}
	output, err := invoker.Invoke(ctx, def, map[string]any{
		"stage":          stage,
		"enabled_skills": enabled,
		"memory_summary": memorySummary,
		"user_message":   userMessage,
	})
	if err != nil {
		return RouteDecision{}, err
	}

	d := RouteDecision{
		SkillKey:  stringField(output, "skill_key"),
		Stage:     stringField(output, "stage"),
		Channel:   stringField(output, "channel"),
		Rationale: stringField(output, "rationale"),
	}
	if d.SkillKey == "" {
		return RouteDecision{}, fmt.Errorf("router returned no skill key")
	}
	allowed := false
	for _, k := range enabled {
		if k == d.SkillKey {
			allowed = true
			break
		}
	}
	if !allowed && d.SkillKey != e.Config.Orchestration.SuggestionsKey {
		return RouteDecision{}, fmt.Errorf("router chose skill %q, not enabled for stage %s", d.SkillKey, stage)
	}
	if d.Stage == "" || d.Stage == "cross" || !e.knownStage(d.Stage) {
		d.Stage = stage
	}
	return d, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
