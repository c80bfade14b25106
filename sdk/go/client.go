package studiolinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Studioline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   30 * time.Second,
	}
}

// StepResult is one controller step outcome (partial API model).
type StepResult struct {
	Outcome  string         `json:"outcome"`
	RunID    string         `json:"run_id"`
	SkillKey string         `json:"skill_key,omitempty"`
	Stage    string         `json:"stage,omitempty"`
	Channel  string         `json:"channel,omitempty"`
	Session  *Session `json:"session,omitempty"`
	Turn     *Turn    `json:"turn,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Session represents a structured question session.
type Session struct {
	ID                string `json:"id"`
	ProjectID         string `json:"project_id"`
	Stage             string `json:"stage"`
	Status            string `json:"status"`
	CurrentTurnNumber int    `json:"current_turn_number"`
	Turns             []Turn `json:"turns,omitempty"`
}

// Turn is one question round within a session.
type Turn struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	TurnNumber int        `json:"turn_number"`
	Questions  []Question `json:"questions,omitempty"`
	Answers    []Answer   `json:"answers,omitempty"`
	AnsweredAt *string    `json:"answered_at,omitempty"`
}

// Question is a structured question presented to the user.
type Question struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Question        string   `json:"question"`
	QuestionType    string   `json:"question_type,omitempty"`
	QuickOptions    []string `json:"quick_options,omitempty"`
	ExpectsFreeText bool     `json:"expects_free_text"`
	Blocking        bool     `json:"blocking"`
}

// Answer is one answer within a whole-turn submission.
type Answer struct {
	QuestionID string `json:"question_id"`
	Quick      string `json:"quick,omitempty"`
	Text       string `json:"text,omitempty"`
}

// ChangeSet is a staged set of entity mutations awaiting a decision.
type ChangeSet struct {
	ID        string        `json:"id"`
	ProjectID string        `json:"project_id"`
	Title     string        `json:"title"`
	AgentName string        `json:"agent_name,omitempty"`
	Status    string        `json:"status"`
	DecidedBy *string       `json:"decided_by,omitempty"`
	Ops       []ChangeSetOp `json:"ops,omitempty"`
}

// ChangeSetOp is one mutation within a change set.
type ChangeSetOp struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	OpType     string         `json:"op_type"`
	TempID     *string        `json:"temp_id,omitempty"`
	TargetID   *string        `json:"target_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// ApplyResult pairs the decided change set with the temp-id mapping.
type ApplyResult struct {
	ChangeSet ChangeSet         `json:"change_set"`
	IDMap     map[string]string `json:"id_map,omitempty"`
}

// Brain is the versioned project memory document.
type Brain struct {
	ProjectID string         `json:"project_id"`
	Version   int            `json:"version"`
	Doc       map[string]any `json:"doc"`
	UpdatedAt string         `json:"updated_at"`
}

// BrainEvent is one logged brain mutation.
type BrainEvent struct {
	ID                  string         `json:"id"`
	ProjectID           string         `json:"project_id"`
	Type                string         `json:"type"`
	Payload             map[string]any `json:"payload,omitempty"`
	BrainVersionAtStart int            `json:"brain_version_at_start"`
	Status              string         `json:"status"`
	Error               *string        `json:"error,omitempty"`
}

// Suggestion is one follow-up recommendation.
type Suggestion struct {
	ID       string `json:"id"`
	SkillKey string `json:"skill_key"`
	Stage    string `json:"stage"`
	Title    string `json:"title"`
	Reason   string `json:"reason,omitempty"`
	Rank     int    `json:"rank"`
}

// SuggestionSet groups suggestions from one run.
type SuggestionSet struct {
	ID          string       `json:"id"`
	ProjectID   string       `json:"project_id"`
	CreatedAt   string       `json:"created_at"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Step runs one controller step with the given user message.
func (c *Client) Step(ctx context.Context, conversationID, message string) (StepResult, error) {
	body := map[string]any{
		"conversation_id": conversationID,
		"message":         message,
	}
	var resp StepResult
	err := c.do(ctx, http.MethodPost, c.projectPath("step"), body, &resp)
	return resp, err
}

// LatestSession returns the most recent question session with its turns.
func (c *Client) LatestSession(ctx context.Context) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, c.projectPath("sessions/latest"), nil, &resp)
	return resp, err
}

// AnswerTurn submits all answers for one turn.
func (c *Client) AnswerTurn(ctx context.Context, sessionID string, turnNumber int, answers []Answer) (Turn, error) {
	body := map[string]any{"answers": answers}
	endpoint := fmt.Sprintf("v0/sessions/%s/turns/%d/answers", url.PathEscape(sessionID), turnNumber)
	var resp Turn
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SkipSession marks the session skipped for one controller step.
func (c *Client) SkipSession(ctx context.Context, sessionID string) error {
	endpoint := fmt.Sprintf("v0/sessions/%s/skip", url.PathEscape(sessionID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// ChangeSets lists change sets, optionally filtered by status.
func (c *Client) ChangeSets(ctx context.Context, status string) ([]ChangeSet, error) {
	endpoint := c.projectPath("change-sets")
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []ChangeSet
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApplyChangeSet applies a pending change set and returns the id mapping.
func (c *Client) ApplyChangeSet(ctx context.Context, id string) (ApplyResult, error) {
	endpoint := fmt.Sprintf("v0/change-sets/%s/apply", url.PathEscape(id))
	var resp ApplyResult
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RejectChangeSet rejects a pending change set.
func (c *Client) RejectChangeSet(ctx context.Context, id string) (ChangeSet, error) {
	endpoint := fmt.Sprintf("v0/change-sets/%s/reject", url.PathEscape(id))
	var resp ChangeSet
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// Brain fetches the current brain document.
func (c *Client) Brain(ctx context.Context) (Brain, error) {
	var resp Brain
	err := c.do(ctx, http.MethodGet, c.projectPath("brain"), nil, &resp)
	return resp, err
}

// CreateBrainEvent records a brain event without applying it.
func (c *Client) CreateBrainEvent(ctx context.Context, eventType string, payload map[string]any) (BrainEvent, error) {
	body := map[string]any{"type": eventType, "payload": payload}
	var resp BrainEvent
	err := c.do(ctx, http.MethodPost, c.projectPath("brain/events"), body, &resp)
	return resp, err
}

// BrainEvents lists recent brain events.
func (c *Client) BrainEvents(ctx context.Context, limit int) ([]BrainEvent, error) {
	endpoint := c.projectPath("brain/events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []BrainEvent
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// LatestSuggestions returns the most recent suggestion set.
func (c *Client) LatestSuggestions(ctx context.Context) (SuggestionSet, error) {
	var resp SuggestionSet
	err := c.do(ctx, http.MethodGet, c.projectPath("suggestions/latest"), nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
