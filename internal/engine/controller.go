package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"studioline/internal/domain"
	"studioline/internal/events"
	"studioline/internal/repo"
	"studioline/internal/skill"
)

// Outcome is the controller's classification of one step.
type Outcome string

const (
	OutcomeContinue        Outcome = "CONTINUE"
	OutcomeStopQuestions   Outcome = "STOP_QUESTIONS"
	OutcomeStopApproval    Outcome = "STOP_APPROVAL"
	OutcomeStopSuggestions Outcome = "STOP_SUGGESTIONS"
	OutcomeDone            Outcome = "DONE"
)

// StepOptions are the inputs of one controller step.
type StepOptions struct {
	ProjectID      string
	ConversationID string
	UserMessage    string
	ActorID        string
}

// StepResult carries the outcome plus its payload. Exactly one of the
// outcome-specific fields is set.
type StepResult struct {
	Outcome  Outcome        `json:"outcome"`
	RunID    string         `json:"run_id"`
	SkillKey string         `json:"skill_key,omitempty"`
	Stage    string         `json:"stage,omitempty"`
	Channel  string         `json:"channel,omitempty"`
	Routing  *RouteDecision `json:"routing,omitempty"`

	Session       *domain.QuestionSession `json:"session,omitempty"`
	Turn          *domain.QuestionTurn    `json:"turn,omitempty"`
	ChangeSet     *domain.ChangeSet       `json:"change_set,omitempty"`
	SuggestionSet *domain.SuggestionSet   `json:"suggestion_set,omitempty"`
	Artifacts     map[string]any          `json:"artifacts,omitempty"`
	Error         string                  `json:"error,omitempty"`
}

const skipDirective = "\n\n[note] The user skipped the last question session. Do not re-ask structured questions in this reply; make progress with what is known."

// Step runs one controller turn: resolve a skill (pinned or routed), invoke
// it, classify the output into exactly one outcome, and persist the side
// effects. The controller never mutates domain entities directly; only
// change-set approval does.
func (e Engine) Step(ctx context.Context, opts StepOptions) (StepResult, error) {
	if opts.ProjectID == "" {
		return StepResult{}, fmt.Errorf("project is required")
	}
	if opts.ConversationID == "" {
		opts.ConversationID = "default"
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return StepResult{}, err
	}

	w, err := e.EnsureWorkspace(ctx, opts.ProjectID, opts.ConversationID)
	if err != nil {
		return StepResult{}, err
	}
	memory, err := e.memorySummary(ctx, opts.ProjectID)
	if err != nil {
		return StepResult{}, err
	}

	effectiveMessage := opts.UserMessage
	latest, err := e.Repo.LatestSession(ctx, opts.ProjectID)
	if err != nil && err != repo.ErrNotFound {
		return StepResult{}, err
	}
	skippedSession := err == nil && latest.Status == "skipped"
	if skippedSession {
		effectiveMessage += skipDirective
	}

	stage := e.effectiveStage(w)
	run, err := e.CreateRun(ctx, opts.ProjectID, "controller.step", stage, opts.ActorID)
	if err != nil {
		return StepResult{}, err
	}
	res := StepResult{RunID: run.ID, Stage: stage}
	logf := func(level, format string, args ...any) {
		_ = e.AppendRunEvent(ctx, run.ID, level, fmt.Sprintf(format, args...), res.Stage)
	}

	if opts.UserMessage != "" {
		if err := e.recordMessage(ctx, opts.ProjectID, opts.ConversationID, "user", opts.UserMessage); err != nil {
			return StepResult{}, err
		}
	}
	if skippedSession {
		// The suppression is one-step; consume it.
		if err := e.ArchiveSession(ctx, latest.ID, opts.ActorID); err != nil {
			return StepResult{}, err
		}
		logf("info", "skipped session %s consumed, re-ask suppressed for this step", latest.ID)
	}

	invoker := skill.Invoker{Client: e.Client, Warn: func(skillKey, msg string) {
		logf("warn", "%s: %s", skillKey, msg)
	}}

	// Resolve the skill: pin bypasses routing.
	var decision RouteDecision
	if w.SkillPinned != nil {
		decision = RouteDecision{SkillKey: *w.SkillPinned, Stage: stage, Bypassed: true}
		if w.ChannelPinned != nil {
			decision.Channel = *w.ChannelPinned
		}
		logf("info", "routing bypassed, pinned skill %s", decision.SkillKey)
	} else {
		decision, err = e.route(ctx, invoker, stage, memory, effectiveMessage)
		if err != nil {
			return e.failStep(ctx, run.ID, opts, res, fmt.Errorf("routing: %w", err))
		}
		logf("info", "routed to %s (stage %s): %s", decision.SkillKey, decision.Stage, decision.Rationale)
	}
	res.SkillKey = decision.SkillKey
	res.Stage = decision.Stage
	res.Channel = decision.Channel
	res.Routing = &decision

	def, err := e.resolveForStep(ctx, decision.SkillKey)
	if err != nil {
		return e.failStep(ctx, run.ID, opts, res, err)
	}

	input, err := e.assembleInput(ctx, def.SkillKey, opts, memory, effectiveMessage, res.Stage, res.Channel)
	if err != nil {
		return e.failStep(ctx, run.ID, opts, res, err)
	}
	logf("info", "invoking %s", def.SkillKey)
	output, err := invoker.Invoke(ctx, def, input)
	if err != nil {
		return e.failStep(ctx, run.ID, opts, res, err)
	}

	if err := e.classify(ctx, opts, def, output, &res); err != nil {
		return e.failStep(ctx, run.ID, opts, res, err)
	}
	logf("info", "classified as %s", res.Outcome)

	if err := e.commitStepState(ctx, opts, w, res, output); err != nil {
		return StepResult{}, err
	}
	if err := e.FinishRun(ctx, run.ID, "succeeded", opts.ActorID, nil); err != nil {
		return StepResult{}, err
	}
	return res, nil
}

// resolveForStep resolves a skill, requiring the output fields the panel
// skill is structurally depended on for.
func (e Engine) resolveForStep(ctx context.Context, key string) (domain.SkillDefinition, error) {
	if key == e.Config.Orchestration.SuggestionsKey {
		return e.Skills.Resolve(ctx, key, "suggestions")
	}
	return e.Skills.Resolve(ctx, key)
}

// assembleInput is a pure function of (skillKey, shared context): memory
// summary and the conversation window always, per-skill extras fetched on
// demand.
func (e Engine) assembleInput(ctx context.Context, skillKey string, opts StepOptions, memory, userMessage, stage, channel string) (map[string]any, error) {
	msgs, err := e.Repo.LastMessages(ctx, opts.ProjectID, opts.ConversationID, e.Config.ContextMessages())
	if err != nil {
		return nil, err
	}
	window := make([]map[string]string, 0, len(msgs))
	for _, m := range msgs {
		window = append(window, map[string]string{"role": m.Role, "text": m.Text})
	}
	input := map[string]any{
		"project_id":     opts.ProjectID,
		"stage":          stage,
		"memory_summary": memory,
		"messages":       window,
		"user_message":   userMessage,
	}
	if channel != "" {
		input["channel"] = channel
	}
	switch skillKey {
	case "element_planner", "material_planner":
		items, err := e.Repo.ActiveItems(ctx, opts.ProjectID)
		if err != nil {
			return nil, err
		}
		input["approved_items"] = itemSummaries(items)
	case "task_builder":
		items, err := e.Repo.ActiveItems(ctx, opts.ProjectID)
		if err != nil {
			return nil, err
		}
		input["approved_items"] = itemSummaries(items)
		tasks, err := e.Repo.ListTasks(ctx, opts.ProjectID)
		if err != nil {
			return nil, err
		}
		existing := make([]map[string]string, 0, len(tasks))
		for _, t := range tasks {
			existing = append(existing, map[string]string{"id": t.ID, "title": t.Title, "status": t.Status})
		}
		input["existing_tasks"] = existing
	}
	return input, nil
}

func itemSummaries(items []domain.Item) []map[string]string {
	out := make([]map[string]string, 0, len(items))
	for _, it := range items {
		out = append(out, map[string]string{
			"id": it.ID, "title": it.Title, "type_key": it.TypeKey, "status": it.Status,
		})
	}
	return out
}

// classify maps skill output to exactly one outcome, first match wins:
// questions, then patch ops, then panel suggestions, then plain artifacts.
func (e Engine) classify(ctx context.Context, opts StepOptions, def domain.SkillDefinition, output map[string]any, res *StepResult) error {
	if questions, ok := questionsFromOutput(output); ok {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		s, err := e.startOrReuseSession(ctx, tx, opts.ProjectID, res.Stage, opts.ActorID)
		if err != nil {
			return err
		}
		t, err := e.createTurn(ctx, tx, s, questions)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		s.CurrentTurnNumber = t.TurnNumber
		res.Outcome = OutcomeStopQuestions
		res.Session = &s
		res.Turn = &t
		return nil
	}

	if flat, ok := flatOpsFromOutput(output); ok {
		ops, err := TranslateOps(flat)
		if err != nil {
			return fmt.Errorf("translate patch ops: %w", err)
		}
		title := stringField(output, "title")
		if title == "" {
			title = fmt.Sprintf("%s proposal", def.Name)
		}
		cs, err := e.CreateChangeSet(ctx, opts.ProjectID, title, def.SkillKey, res.Stage, ops, opts.ActorID)
		if err != nil {
			return err
		}
		res.Outcome = OutcomeStopApproval
		res.ChangeSet = &cs
		return nil
	}

	if def.SkillKey == e.Config.Orchestration.SuggestionsKey {
		if set, ok, err := e.saveSuggestions(ctx, opts, output, res.RunID); err != nil {
			return err
		} else if ok {
			res.Outcome = OutcomeStopSuggestions
			res.SuggestionSet = set
			return nil
		}
	}

	res.Outcome = OutcomeContinue
	res.Artifacts = output
	return nil
}

func flatOpsFromOutput(output map[string]any) ([]FlatOp, bool) {
	raw, ok := output["patch_ops"]
	if !ok {
		raw, ok = output["patchOps"]
	}
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var flat []FlatOp
	if err := json.Unmarshal(data, &flat); err != nil {
		return nil, false
	}
	if len(flat) == 0 {
		return nil, false
	}
	return flat, true
}

// saveSuggestions maps panel output to a ranked, de-duplicated suggestion
// set keyed by (skill, stage, channel).
func (e Engine) saveSuggestions(ctx context.Context, opts StepOptions, output map[string]any, runID string) (*domain.SuggestionSet, bool, error) {
	raw, ok := output["suggestions"]
	if !ok {
		return nil, false, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false, nil
	}
	var proposals []struct {
		SkillKey string `json:"skill_key"`
		Stage    string `json:"stage"`
		Channel  string `json:"channel"`
		Title    string `json:"title"`
		Reason   string `json:"reason"`
	}
	if err := json.Unmarshal(data, &proposals); err != nil || len(proposals) == 0 {
		return nil, false, nil
	}

	set := domain.SuggestionSet{
		ID:        uuid.New().String(),
		ProjectID: opts.ProjectID,
		RunID:     runID,
		CreatedAt: e.nowRFC(),
	}
	seen := map[string]bool{}
	rank := 0
	for _, p := range proposals {
		if p.SkillKey == "" {
			continue
		}
		key := p.SkillKey + "|" + p.Stage + "|" + p.Channel
		if seen[key] {
			continue
		}
		seen[key] = true
		rank++
		set.Suggestions = append(set.Suggestions, domain.Suggestion{
			ID:       uuid.New().String(),
			SetID:    set.ID,
			SkillKey: p.SkillKey,
			Stage:    p.Stage,
			Channel:  p.Channel,
			Title:    p.Title,
			Reason:   p.Reason,
			Rank:     rank,
		})
	}
	if len(set.Suggestions) == 0 {
		return nil, false, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSuggestionSet(ctx, tx, set); err != nil {
		return nil, false, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeSuggestionsSaved, opts.ProjectID, "suggestion_set", set.ID, opts.ActorID, events.EventPayload{
		"count": len(set.Suggestions),
	}); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &set, true, nil
}

// commitStepState updates the workspace snapshot after a successful step
// and appends the step audit event.
func (e Engine) commitStepState(ctx context.Context, opts StepOptions, w domain.Workspace, res StepResult, output map[string]any) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Re-read: classification may have touched sessions meanwhile.
	w, err = e.Repo.GetWorkspaceTx(ctx, tx, opts.ProjectID, opts.ConversationID)
	if err != nil {
		return err
	}
	var lastSuggestions *string
	if res.SuggestionSet != nil {
		s := marshalJSON(res.SuggestionSet)
		lastSuggestions = &s
	}
	artifacts := marshalJSON(map[string]any{
		"outcome": res.Outcome,
		"run_id":  res.RunID,
		"skill":   res.SkillKey,
		"stage":   res.Stage,
		"output":  output,
	})
	if err := e.saveWorkspaceState(ctx, tx, w, res.SkillKey, lastSuggestions, &artifacts); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeStepCompleted, opts.ProjectID, "agent_run", res.RunID, opts.ActorID, events.EventPayload{
		"outcome": string(res.Outcome), "skill": res.SkillKey, "stage": res.Stage,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// failStep finishes the run as failed, surfaces the error to the
// conversation as a system message, and returns DONE with the error. No
// retry at this layer.
func (e Engine) failStep(ctx context.Context, runID string, opts StepOptions, res StepResult, stepErr error) (StepResult, error) {
	_ = e.AppendRunEvent(ctx, runID, "error", stepErr.Error(), res.Stage)
	if err := e.FinishRun(ctx, runID, "failed", opts.ActorID, stepErr); err != nil {
		return StepResult{}, err
	}
	if err := e.recordMessage(ctx, opts.ProjectID, opts.ConversationID, "system",
		fmt.Sprintf("step failed: %s", stepErr)); err != nil {
		return StepResult{}, err
	}
	res.Outcome = OutcomeDone
	res.Error = stepErr.Error()
	return res, nil
}

func (e Engine) recordMessage(ctx context.Context, projectID, conversationID, role, text string) error {
	return e.Repo.InsertMessage(ctx, nil, domain.Message{
		ID:             uuid.New().String(),
		ProjectID:      projectID,
		ConversationID: conversationID,
		Role:           role,
		Text:           text,
		CreatedAt:      e.nowRFC(),
	})
}
