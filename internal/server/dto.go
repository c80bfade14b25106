package server

import (
	"encoding/json"

	"studioline/internal/brain"
	"studioline/internal/config"
	"studioline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type SetFlagRequest struct {
	Value bool `json:"value"`
}

type StepRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message"`
}

type SetPinsRequest struct {
	Stage   string `json:"stage,omitempty"`
	Skill   string `json:"skill,omitempty"`
	Channel string `json:"channel,omitempty"`
}

type AnswerTurnRequest struct {
	Answers []domain.Answer `json:"answers"`
}

type CreateBrainEventRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
}

type ApplyBrainEventRequest struct {
	Ops []brain.PatchOp `json:"ops"`
}

type UpsertSkillRequest struct {
	Name         string `json:"name,omitempty"`
	Stage        string `json:"stage,omitempty"`
	Channel      string `json:"channel,omitempty"`
	InputSchema  string `json:"input_schema_json,omitempty"`
	OutputSchema string `json:"output_schema_json,omitempty"`
	Prompt       string `json:"prompt"`
	Enabled      *bool  `json:"enabled,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name,omitempty"`
	Status    string          `json:"status"`
	Flags     map[string]bool `json:"flags"`
	CreatedAt string          `json:"created_at" format:"date-time"`
}

type WorkspaceResponse struct {
	ID              string         `json:"id"`
	ProjectID       string         `json:"project_id"`
	ConversationID  string         `json:"conversation_id"`
	StagePinned     *string        `json:"stage_pinned,omitempty"`
	SkillPinned     *string        `json:"skill_pinned,omitempty"`
	ChannelPinned   *string        `json:"channel_pinned,omitempty"`
	ActiveSkillKey  *string        `json:"active_skill_key,omitempty"`
	LastSuggestions []any          `json:"last_suggestions,omitempty"`
	Artifacts       map[string]any `json:"artifacts,omitempty"`
	UpdatedAt       string         `json:"updated_at" format:"date-time"`
}

type RunResponse struct {
	ID         string            `json:"id"`
	ProjectID  string            `json:"project_id"`
	AgentName  string            `json:"agent_name"`
	Stage      string            `json:"stage,omitempty"`
	Status     string            `json:"status" enum:"queued,running,succeeded,failed"`
	Error      *string           `json:"error,omitempty"`
	Events     []domain.RunEvent `json:"events"`
	StartedAt  *string           `json:"started_at,omitempty" format:"date-time"`
	FinishedAt *string           `json:"finished_at,omitempty" format:"date-time"`
	CreatedAt  string            `json:"created_at" format:"date-time"`
}

type SessionResponse struct {
	ID                string         `json:"id"`
	ProjectID         string         `json:"project_id"`
	Stage             string         `json:"stage"`
	Status            string         `json:"status" enum:"active,archived,skipped"`
	CurrentTurnNumber int            `json:"current_turn_number"`
	Turns             []TurnResponse `json:"turns,omitempty"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
	UpdatedAt         string         `json:"updated_at" format:"date-time"`
}

type TurnResponse struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	TurnNumber int               `json:"turn_number"`
	Questions  []domain.Question `json:"questions"`
	Answers    []domain.Answer   `json:"answers"`
	AnsweredAt *string           `json:"answered_at,omitempty" format:"date-time"`
	CreatedAt  string            `json:"created_at" format:"date-time"`
}

type ChangeSetResponse struct {
	ID        string                `json:"id"`
	ProjectID string                `json:"project_id"`
	Title     string                `json:"title"`
	AgentName string                `json:"agent_name,omitempty"`
	Phase     string                `json:"phase,omitempty"`
	Status    string                `json:"status" enum:"pending,applied,rejected"`
	DecidedAt *string               `json:"decided_at,omitempty" format:"date-time"`
	DecidedBy *string               `json:"decided_by,omitempty"`
	Ops       []ChangeSetOpResponse `json:"ops"`
	CreatedAt string                `json:"created_at" format:"date-time"`
}

type ChangeSetOpResponse struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type" enum:"item,task,material_line,accounting_line"`
	OpType     string         `json:"op_type" enum:"create,patch,delete"`
	TempID     *string        `json:"temp_id,omitempty"`
	TargetID   *string        `json:"target_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type ApplyChangeSetResponse struct {
	ChangeSet ChangeSetResponse `json:"change_set"`
	IDMap     map[string]string `json:"id_map,omitempty"`
}

type BrainResponse struct {
	ProjectID string         `json:"project_id"`
	Version   int            `json:"version"`
	Doc       map[string]any `json:"doc"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

type BrainEventResponse struct {
	ID                  string         `json:"id"`
	ProjectID           string         `json:"project_id"`
	Type                string         `json:"type"`
	Payload             map[string]any `json:"payload,omitempty"`
	BrainVersionAtStart int            `json:"brain_version_at_start"`
	Status              string         `json:"status" enum:"queued,applied,conflict_retry"`
	PatchOps            []any          `json:"patch_ops,omitempty"`
	Error               *string        `json:"error,omitempty"`
	AppliedAt           *string        `json:"applied_at,omitempty" format:"date-time"`
	CreatedAt           string         `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type ProjectConfigResponse struct {
	Project struct {
		ID   string `json:"id"`
		Kind string `json:"kind"`
	} `json:"project"`
	Orchestration struct {
		Stages          []string            `json:"stages"`
		EnabledSkills   map[string][]string `json:"enabled_skills"`
		RouterKey       string              `json:"router_key"`
		SuggestionsKey  string              `json:"suggestions_key"`
		ContextMessages int                 `json:"context_messages"`
		BrainRetryLimit int                 `json:"brain_retry_limit"`
		MaxRunEvents    int                 `json:"max_run_events"`
	} `json:"orchestration"`
	Templates map[string]templateResponse `json:"templates,omitempty"`
}

type templateResponse struct {
	Name  string                  `json:"name"`
	Rules []companionRuleResponse `json:"rules,omitempty"`
}

type companionRuleResponse struct {
	Type      string `json:"type"`
	Condition string `json:"condition"`
	Target    string `json:"target"`
}

// Domain types exposed verbatim; their json tags already match the API.
type (
	domainTurnBundle    = domain.TurnBundle
	domainSuggestionSet = domain.SuggestionSet
	domainSkill         = domain.SkillDefinition
)

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	flags := map[string]bool{}
	if p.Flags != "" {
		_ = json.Unmarshal([]byte(p.Flags), &flags)
	}
	return ProjectResponse{
		ID:        p.ID,
		Name:      p.Name,
		Status:    p.Status,
		Flags:     flags,
		CreatedAt: p.CreatedAt,
	}
}

func mapProjects(in []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(in))
	for _, p := range in {
		out = append(out, projectResponse(p))
	}
	return out
}

func workspaceResponse(w domain.Workspace) WorkspaceResponse {
	return WorkspaceResponse{
		ID:              w.ID,
		ProjectID:       w.ProjectID,
		ConversationID:  w.ConversationID,
		StagePinned:     w.StagePinned,
		SkillPinned:     w.SkillPinned,
		ChannelPinned:   w.ChannelPinned,
		ActiveSkillKey:  w.ActiveSkillKey,
		LastSuggestions: decodeJSONSlice(w.LastSuggestions),
		Artifacts:       decodeJSONMap(w.ArtifactsJSON),
		UpdatedAt:       w.UpdatedAt,
	}
}

func runResponse(run domain.AgentRun) RunResponse {
	var events []domain.RunEvent
	if run.EventsJSON != "" {
		_ = json.Unmarshal([]byte(run.EventsJSON), &events)
	}
	if events == nil {
		events = []domain.RunEvent{}
	}
	return RunResponse{
		ID:         run.ID,
		ProjectID:  run.ProjectID,
		AgentName:  run.AgentName,
		Stage:      run.Stage,
		Status:     run.Status,
		Error:      run.Error,
		Events:     events,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		CreatedAt:  run.CreatedAt,
	}
}

func mapRuns(in []domain.AgentRun) []RunResponse {
	out := make([]RunResponse, 0, len(in))
	for _, r := range in {
		out = append(out, runResponse(r))
	}
	return out
}

func sessionResponse(s domain.QuestionSession, turns []domain.QuestionTurn) SessionResponse {
	res := SessionResponse{
		ID:                s.ID,
		ProjectID:         s.ProjectID,
		Stage:             s.Stage,
		Status:            s.Status,
		CurrentTurnNumber: s.CurrentTurnNumber,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
	for _, t := range turns {
		res.Turns = append(res.Turns, turnResponse(t))
	}
	return res
}

func turnResponse(t domain.QuestionTurn) TurnResponse {
	var questions []domain.Question
	if t.QuestionsJSON != "" {
		_ = json.Unmarshal([]byte(t.QuestionsJSON), &questions)
	}
	var answers []domain.Answer
	if t.AnswersJSON != "" {
		_ = json.Unmarshal([]byte(t.AnswersJSON), &answers)
	}
	if questions == nil {
		questions = []domain.Question{}
	}
	if answers == nil {
		answers = []domain.Answer{}
	}
	return TurnResponse{
		ID:         t.ID,
		SessionID:  t.SessionID,
		TurnNumber: t.TurnNumber,
		Questions:  questions,
		Answers:    answers,
		AnsweredAt: t.AnsweredAt,
		CreatedAt:  t.CreatedAt,
	}
}

func changeSetResponse(cs domain.ChangeSet) ChangeSetResponse {
	res := ChangeSetResponse{
		ID:        cs.ID,
		ProjectID: cs.ProjectID,
		Title:     cs.Title,
		AgentName: cs.AgentName,
		Phase:     cs.Phase,
		Status:    cs.Status,
		DecidedAt: cs.DecidedAt,
		DecidedBy: cs.DecidedBy,
		Ops:       []ChangeSetOpResponse{},
		CreatedAt: cs.CreatedAt,
	}
	for _, op := range cs.Ops {
		res.Ops = append(res.Ops, ChangeSetOpResponse{
			ID:         op.ID,
			EntityType: op.EntityType,
			OpType:     op.OpType,
			TempID:     op.TempID,
			TargetID:   op.TargetID,
			Payload:    decodeJSONMap(&op.PayloadJSON),
		})
	}
	return res
}

func mapChangeSets(in []domain.ChangeSet) []ChangeSetResponse {
	out := make([]ChangeSetResponse, 0, len(in))
	for _, cs := range in {
		out = append(out, changeSetResponse(cs))
	}
	return out
}

func brainResponse(b domain.Brain) BrainResponse {
	doc := decodeJSONMap(&b.DocJSON)
	if doc == nil {
		doc = map[string]any{}
	}
	return BrainResponse{
		ProjectID: b.ProjectID,
		Version:   b.Version,
		Doc:       doc,
		UpdatedAt: b.UpdatedAt,
	}
}

func brainEventResponse(ev domain.BrainEvent) BrainEventResponse {
	return BrainEventResponse{
		ID:                  ev.ID,
		ProjectID:           ev.ProjectID,
		Type:                ev.Type,
		Payload:             decodeJSONMap(&ev.PayloadJSON),
		BrainVersionAtStart: ev.BrainVersionAtStart,
		Status:              ev.Status,
		PatchOps:            decodeJSONSlice(ev.PatchOpsJSON),
		Error:               ev.Error,
		AppliedAt:           ev.AppliedAt,
		CreatedAt:           ev.CreatedAt,
	}
}

func mapBrainEvents(in []domain.BrainEvent) []BrainEventResponse {
	out := make([]BrainEventResponse, 0, len(in))
	for _, ev := range in {
		out = append(out, brainEventResponse(ev))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(&e.Payload),
	}
}

func mapEvents(in []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(in))
	for _, e := range in {
		out = append(out, eventResponse(e))
	}
	return out
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	var res ProjectConfigResponse
	res.Project.ID = cfg.Project.ID
	res.Project.Kind = cfg.Project.Kind
	res.Orchestration.Stages = cfg.Orchestration.Stages
	res.Orchestration.EnabledSkills = cfg.Orchestration.EnabledSkills
	res.Orchestration.RouterKey = cfg.Orchestration.RouterKey
	res.Orchestration.SuggestionsKey = cfg.Orchestration.SuggestionsKey
	res.Orchestration.ContextMessages = cfg.ContextMessages()
	res.Orchestration.BrainRetryLimit = cfg.BrainRetryLimit()
	res.Orchestration.MaxRunEvents = cfg.MaxRunEvents()
	if len(cfg.Templates) > 0 {
		res.Templates = map[string]templateResponse{}
		for key, tmpl := range cfg.Templates {
			t := templateResponse{Name: tmpl.Name}
			for _, rule := range tmpl.Rules {
				t.Rules = append(t.Rules, companionRuleResponse(rule))
			}
			res.Templates[key] = t
		}
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func decodeJSONSlice(raw *string) []any {
	if raw == nil || *raw == "" {
		return nil
	}
	var arr []any
	if err := json.Unmarshal([]byte(*raw), &arr); err != nil {
		return nil
	}
	return arr
}
