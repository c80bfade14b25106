package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types appended by the engine. Webhook delivery filters on
// these names.
const (
	TypeStepCompleted     = "controller.step.completed"
	TypeRunCreated        = "agent_run.created"
	TypeRunFinished       = "agent_run.finished"
	TypeSessionStarted    = "question_session.started"
	TypeSessionArchived   = "question_session.archived"
	TypeAnswersSaved      = "question_turn.answered"
	TypeTurnBundleCreated = "turn_bundle.created"
	TypeChangeSetCreated  = "change_set.created"
	TypeChangeSetApplied  = "change_set.applied"
	TypeChangeSetRejected = "change_set.rejected"
	TypeBrainEventCreated = "brain_event.created"
	TypeBrainEventApplied = "brain_event.applied"
	TypeBrainConflict     = "brain_event.conflict"
	TypeSuggestionsSaved  = "suggestion_set.created"
	TypeSkillUpserted     = "skill.upserted"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
