package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"studioline/internal/domain"
	"studioline/internal/events"
)

// CreateRun records a controller-step attempt before any work happens, so a
// crash mid-step still leaves an audit trail.
func (e Engine) CreateRun(ctx context.Context, projectID, agentName, stage, actorID string) (domain.AgentRun, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentRun{}, err
	}
	defer tx.Rollback()

	now := e.nowRFC()
	run := domain.AgentRun{
		ID:         uuid.New().String(),
		ProjectID:  projectID,
		AgentName:  agentName,
		Stage:      stage,
		Status:     "running",
		EventsJSON: "[]",
		StartedAt:  &now,
		CreatedAt:  now,
	}
	if err := e.Repo.InsertRun(ctx, tx, run); err != nil {
		return domain.AgentRun{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeRunCreated, projectID, "agent_run", run.ID, actorID, events.EventPayload{"agent": agentName, "stage": stage}); err != nil {
		return domain.AgentRun{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentRun{}, err
	}
	return run, nil
}

// AppendRunEvent adds one line to the run's append-only log, keeping only
// the newest entries within the configured cap.
func (e Engine) AppendRunEvent(ctx context.Context, runID, level, message, stage string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return err
	}
	var log []domain.RunEvent
	if run.EventsJSON != "" {
		if err := json.Unmarshal([]byte(run.EventsJSON), &log); err != nil {
			return fmt.Errorf("run %s event log: %w", runID, err)
		}
	}
	log = append(log, domain.RunEvent{
		TS:      e.nowRFC(),
		Level:   level,
		Message: message,
		Stage:   stage,
	})
	if limit := e.Config.MaxRunEvents(); len(log) > limit {
		log = log[len(log)-limit:]
	}
	data, err := json.Marshal(log)
	if err != nil {
		return err
	}
	run.EventsJSON = string(data)
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return err
	}
	return tx.Commit()
}

// FinishRun moves a run to its terminal status. A run that already reached a
// terminal status is left untouched.
func (e Engine) FinishRun(ctx context.Context, runID, status, actorID string, runErr error) error {
	if status != "succeeded" && status != "failed" {
		return fmt.Errorf("invalid terminal run status %q", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	run, err := e.Repo.GetRunTx(ctx, tx, runID)
	if err != nil {
		return err
	}
	if run.Status == "succeeded" || run.Status == "failed" {
		return fmt.Errorf("run %s already finished as %s", runID, run.Status)
	}
	now := e.nowRFC()
	run.Status = status
	run.FinishedAt = &now
	if runErr != nil {
		msg := runErr.Error()
		run.Error = &msg
	}
	if err := e.Repo.UpdateRun(ctx, tx, run); err != nil {
		return err
	}
	payload := events.EventPayload{"status": status}
	if runErr != nil {
		payload["error"] = runErr.Error()
	}
	if err := e.Events.Append(ctx, tx, events.TypeRunFinished, run.ProjectID, "agent_run", run.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

// RunLog decodes a run's event log.
func RunLog(run domain.AgentRun) ([]domain.RunEvent, error) {
	if run.EventsJSON == "" {
		return nil, nil
	}
	var log []domain.RunEvent
	if err := json.Unmarshal([]byte(run.EventsJSON), &log); err != nil {
		return nil, err
	}
	return log, nil
}
