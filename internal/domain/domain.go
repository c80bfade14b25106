package domain

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Status      string `json:"status"`
	Flags       string `json:"flags_json,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// Workspace holds per-conversation orchestration state: pins, the active
// skill override and caches of the last controller output. It is ensured
// lazily and never deleted.
type Workspace struct {
	ID              string  `json:"id"`
	ProjectID       string  `json:"project_id"`
	ConversationID  string  `json:"conversation_id"`
	StagePinned     *string `json:"stage_pinned,omitempty"`
	SkillPinned     *string `json:"skill_pinned,omitempty"`
	ChannelPinned   *string `json:"channel_pinned,omitempty"`
	ActiveSkillKey  *string `json:"active_skill_key,omitempty"`
	LastSuggestions *string `json:"last_suggestions_json,omitempty"`
	ArtifactsJSON   *string `json:"artifacts_json,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type AgentRun struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	AgentName  string  `json:"agent_name"`
	Stage      string  `json:"stage,omitempty"`
	Status     string  `json:"status" enum:"queued,running,succeeded,failed"`
	Error      *string `json:"error,omitempty"`
	EventsJSON string  `json:"events_json"`
	StartedAt  *string `json:"started_at,omitempty" format:"date-time"`
	FinishedAt *string `json:"finished_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// RunEvent is one line of an AgentRun's append-only log.
type RunEvent struct {
	TS      string `json:"ts" format:"date-time"`
	Level   string `json:"level" enum:"info,warn,error"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

type QuestionSession struct {
	ID                string `json:"id"`
	ProjectID         string `json:"project_id"`
	Stage             string `json:"stage"`
	Status            string `json:"status" enum:"active,archived,skipped"`
	CurrentTurnNumber int    `json:"current_turn_number"`
	CreatedAt         string `json:"created_at" format:"date-time"`
	UpdatedAt         string `json:"updated_at" format:"date-time"`
}

type QuestionTurn struct {
	ID            string  `json:"id"`
	SessionID     string  `json:"session_id"`
	TurnNumber    int     `json:"turn_number"`
	QuestionsJSON string  `json:"questions_json"`
	AnswersJSON   string  `json:"answers_json"`
	AnsweredAt    *string `json:"answered_at,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

// Question is a normalized structured question within a turn.
type Question struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Question        string   `json:"question"`
	QuestionType    string   `json:"question_type,omitempty"`
	QuickOptions    []string `json:"quick_options,omitempty"`
	ExpectsFreeText bool     `json:"expects_free_text"`
	Blocking        bool     `json:"blocking"`
	Tags            []string `json:"tags,omitempty"`
}

// Answer is one user answer within a turn; answers are written whole-turn.
type Answer struct {
	QuestionID string `json:"question_id"`
	Quick      string `json:"quick,omitempty"`
	Text       string `json:"text,omitempty"`
}

type ChangeSet struct {
	ID        string  `json:"id"`
	ProjectID string  `json:"project_id"`
	Title     string  `json:"title"`
	AgentName string  `json:"agent_name,omitempty"`
	Phase     string  `json:"phase,omitempty"`
	Status    string  `json:"status" enum:"pending,applied,rejected"`
	DecidedAt *string `json:"decided_at,omitempty" format:"date-time"`
	DecidedBy *string `json:"decided_by,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`

	Ops []ChangeSetOp `json:"ops,omitempty"`
}

type ChangeSetOp struct {
	ID          string  `json:"id"`
	ChangeSetID string  `json:"change_set_id"`
	EntityType  string  `json:"entity_type" enum:"item,task,material_line,accounting_line"`
	OpType      string  `json:"op_type" enum:"create,patch,delete"`
	TempID      *string `json:"temp_id,omitempty"`
	TargetID    *string `json:"target_id,omitempty"`
	PayloadJSON string  `json:"payload_json"`
}

type Brain struct {
	ProjectID string `json:"project_id"`
	Version   int    `json:"version"`
	DocJSON   string `json:"doc_json"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type BrainEvent struct {
	ID                  string  `json:"id"`
	ProjectID           string  `json:"project_id"`
	Type                string  `json:"type"`
	PayloadJSON         string  `json:"payload_json,omitempty"`
	BrainVersionAtStart int     `json:"brain_version_at_start"`
	Status              string  `json:"status" enum:"queued,applied,conflict_retry"`
	PatchOpsJSON        *string `json:"patch_ops_json,omitempty"`
	Error               *string `json:"error,omitempty"`
	AppliedAt           *string `json:"applied_at,omitempty" format:"date-time"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
}

type SuggestionSet struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	RunID     string `json:"run_id,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`

	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

type Suggestion struct {
	ID       string `json:"id"`
	SetID    string `json:"set_id"`
	SkillKey string `json:"skill_key"`
	Stage    string `json:"stage"`
	Channel  string `json:"channel,omitempty"`
	Title    string `json:"title"`
	Reason   string `json:"reason,omitempty"`
	Rank     int    `json:"rank"`
}

// TurnBundle is the immutable, hashed snapshot of one answered question turn
// handed by id to downstream fact extraction.
type TurnBundle struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	SessionID   string `json:"session_id"`
	TurnNumber  int    `json:"turn_number"`
	Stage       string `json:"stage"`
	Text        string `json:"text"`
	ContentHash string `json:"content_hash"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// SkillDefinition is a persisted skill contract.
type SkillDefinition struct {
	SkillKey     string `json:"skill_key"`
	Name         string `json:"name"`
	Stage        string `json:"stage"`
	Channel      string `json:"channel,omitempty"`
	InputSchema  string `json:"input_schema_json"`
	OutputSchema string `json:"output_schema_json"`
	Prompt       string `json:"prompt"`
	Enabled      bool   `json:"enabled"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Item is a project element; the first of the four entity families the
// change-set mutation boundary targets. Items soft-delete.
type Item struct {
	ID                string  `json:"id"`
	ProjectID         string  `json:"project_id"`
	Title             string  `json:"title"`
	TypeKey           string  `json:"type_key,omitempty"`
	Category          string  `json:"category,omitempty"`
	Status            string  `json:"status"`
	PayloadJSON       string  `json:"payload_json,omitempty"`
	CreatedFrom       *string `json:"created_from,omitempty"`
	DeleteRequestedAt *string `json:"delete_requested_at,omitempty" format:"date-time"`
	DeleteRequestedBy *string `json:"delete_requested_by,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

type ProjectTask struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	PayloadJSON string `json:"payload_json,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type MaterialLine struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	PayloadJSON string `json:"payload_json,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type AccountingLine struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	PayloadJSON string `json:"payload_json,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

// Message is one conversation transcript entry. The controller reads the
// last N and writes system messages when a step fails.
type Message struct {
	ID             string `json:"id"`
	ProjectID      string `json:"project_id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role" enum:"user,assistant,system"`
	Text           string `json:"text"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
