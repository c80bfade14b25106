package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"studioline/internal/domain"
)

// ProposeCompanions scans active items, resolves each to its template, and
// evaluates the template's companion rules against project flags. Missing
// companion types become a pending change set of create ops; companion
// types already present among active items are skipped and duplicate
// proposals within one run collapse to a single op. An empty result is
// reported, not persisted.
func (e Engine) ProposeCompanions(ctx context.Context, projectID, actorID string) (*domain.ChangeSet, error) {
	items, err := e.Repo.ActiveItems(ctx, projectID)
	if err != nil {
		return nil, err
	}
	flags, err := e.Repo.ProjectFlags(ctx, projectID)
	if err != nil {
		return nil, err
	}

	present := map[string]bool{}
	for _, it := range items {
		if it.TypeKey != "" {
			present[it.TypeKey] = true
		}
	}

	proposed := map[string]bool{}
	var ops []domain.ChangeSetOp
	for _, it := range items {
		tmpl, ok := e.Config.Templates[it.TypeKey]
		if !ok {
			continue
		}
		for _, rule := range tmpl.Rules {
			if !ruleHolds(rule.Condition, flags) {
				continue
			}
			if present[rule.Target] || proposed[rule.Target] {
				continue
			}
			proposed[rule.Target] = true
			target := e.Config.Templates[rule.Target]
			title := target.Name
			if title == "" {
				title = rule.Target
			}
			payload, err := json.Marshal(map[string]any{
				"title":     title,
				"typeKey":   rule.Target,
				"sourceOf":  it.ID,
				"ruleBasis": rule.Condition,
			})
			if err != nil {
				return nil, err
			}
			flat := FlatOp{Op: "add", Path: "elements", Value: payload}
			translated, err := TranslateOps([]FlatOp{flat})
			if err != nil {
				return nil, err
			}
			ops = append(ops, translated...)
		}
	}
	if len(ops) == 0 {
		return nil, nil
	}
	title := fmt.Sprintf("Companion items (%d proposed)", len(ops))
	cs, err := e.CreateChangeSet(ctx, projectID, title, "companion_rules", "", ops, actorID)
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// ruleHolds evaluates a companion rule condition: "always" or
// "projectFlag:<name>" against the project's flags.
func ruleHolds(condition string, flags map[string]bool) bool {
	if condition == "always" {
		return true
	}
	if name, ok := strings.CutPrefix(condition, "projectFlag:"); ok {
		return flags[name]
	}
	return false
}
