package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"studioline/internal/brain"
	"studioline/internal/domain"
	"studioline/internal/events"
	"studioline/internal/repo"
)

// ErrBrainConflict reports a stale snapshot: the event's observed version no
// longer matches the live brain. The event is parked as conflict_retry and
// the brain is untouched.
var ErrBrainConflict = errors.New("brain version conflict")

// EnsureBrain returns the project brain, creating an empty versioned
// document on first use.
func (e Engine) EnsureBrain(ctx context.Context, projectID string) (domain.Brain, error) {
	b, err := e.Repo.GetBrain(ctx, projectID)
	if err == nil {
		return b, nil
	}
	if err != repo.ErrNotFound {
		return domain.Brain{}, err
	}
	docJSON, err := brain.NewDocument().ToJSON()
	if err != nil {
		return domain.Brain{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Brain{}, err
	}
	defer tx.Rollback()
	b = domain.Brain{
		ProjectID: projectID,
		Version:   1,
		DocJSON:   docJSON,
		UpdatedAt: e.nowRFC(),
	}
	if err := e.Repo.InsertBrain(ctx, tx, b); err != nil {
		if existing, gerr := e.Repo.GetBrainTx(ctx, tx, projectID); gerr == nil {
			return existing, nil
		}
		return domain.Brain{}, fmt.Errorf("insert brain: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Brain{}, err
	}
	return b, nil
}

// CreateBrainEvent records intent to write, snapshotting the brain version
// the writer observed.
func (e Engine) CreateBrainEvent(ctx context.Context, projectID, eventType, payloadJSON, actorID string) (domain.BrainEvent, error) {
	b, err := e.EnsureBrain(ctx, projectID)
	if err != nil {
		return domain.BrainEvent{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BrainEvent{}, err
	}
	defer tx.Rollback()

	ev := domain.BrainEvent{
		ID:                  uuid.New().String(),
		ProjectID:           projectID,
		Type:                eventType,
		PayloadJSON:         payloadJSON,
		BrainVersionAtStart: b.Version,
		Status:              "queued",
		CreatedAt:           e.nowRFC(),
	}
	if err := e.Repo.InsertBrainEvent(ctx, tx, ev); err != nil {
		return domain.BrainEvent{}, fmt.Errorf("insert brain event: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeBrainEventCreated, projectID, "brain_event", ev.ID, actorID, events.EventPayload{
		"type": eventType, "version_at_start": b.Version,
	}); err != nil {
		return domain.BrainEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BrainEvent{}, err
	}
	return ev, nil
}

// ApplyBrainEvent applies patch ops under the event's snapshot. A live
// version different from the snapshot parks the event in conflict_retry
// without touching the brain; the caller re-snapshots and resubmits.
func (e Engine) ApplyBrainEvent(ctx context.Context, eventID string, ops []brain.PatchOp, actorID string) (domain.Brain, error) {
	for _, op := range ops {
		if err := brain.ValidateOp(op); err != nil {
			return domain.Brain{}, err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Brain{}, err
	}
	defer tx.Rollback()

	ev, err := e.Repo.GetBrainEventTx(ctx, tx, eventID)
	if err != nil {
		return domain.Brain{}, err
	}
	if ev.Status == "applied" {
		return domain.Brain{}, fmt.Errorf("brain event %s already applied", eventID)
	}
	b, err := e.Repo.GetBrainTx(ctx, tx, ev.ProjectID)
	if err != nil {
		return domain.Brain{}, err
	}
	if b.Version != ev.BrainVersionAtStart {
		ev.Status = "conflict_retry"
		if err := e.Repo.UpdateBrainEvent(ctx, tx, ev); err != nil {
			return domain.Brain{}, err
		}
		if err := e.Events.Append(ctx, tx, events.TypeBrainConflict, ev.ProjectID, "brain_event", ev.ID, actorID, events.EventPayload{
			"observed": ev.BrainVersionAtStart, "live": b.Version,
		}); err != nil {
			return domain.Brain{}, err
		}
		if err := tx.Commit(); err != nil {
			return domain.Brain{}, err
		}
		return domain.Brain{}, ErrBrainConflict
	}

	doc, err := brain.FromJSON(b.DocJSON)
	if err != nil {
		return domain.Brain{}, err
	}
	applier := brain.Applier{Now: e.Now}
	next, err := applier.Apply(doc, ops, brain.Source{EventID: ev.ID, Type: ev.Type})
	if err != nil {
		return domain.Brain{}, err
	}
	nextJSON, err := next.ToJSON()
	if err != nil {
		return domain.Brain{}, err
	}
	now := e.nowRFC()
	ok, err := e.Repo.UpdateBrainGuarded(ctx, tx, b.ProjectID, b.Version, nextJSON, now)
	if err != nil {
		return domain.Brain{}, err
	}
	if !ok {
		return domain.Brain{}, ErrBrainConflict
	}

	opsJSON := marshalJSON(ops)
	ev.Status = "applied"
	ev.PatchOpsJSON = &opsJSON
	ev.AppliedAt = &now
	if err := e.Repo.UpdateBrainEvent(ctx, tx, ev); err != nil {
		return domain.Brain{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeBrainEventApplied, ev.ProjectID, "brain_event", ev.ID, actorID, events.EventPayload{
		"version": b.Version + 1, "ops": len(ops),
	}); err != nil {
		return domain.Brain{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Brain{}, err
	}
	b.Version++
	b.DocJSON = nextJSON
	b.UpdatedAt = now
	return b, nil
}

// ResetForRetry re-snapshots a conflicted event against the live brain and
// re-queues it.
func (e Engine) ResetForRetry(ctx context.Context, eventID string) (domain.BrainEvent, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BrainEvent{}, err
	}
	defer tx.Rollback()

	ev, err := e.Repo.GetBrainEventTx(ctx, tx, eventID)
	if err != nil {
		return domain.BrainEvent{}, err
	}
	if ev.Status == "applied" {
		return domain.BrainEvent{}, fmt.Errorf("brain event %s already applied", eventID)
	}
	b, err := e.Repo.GetBrainTx(ctx, tx, ev.ProjectID)
	if err != nil {
		return domain.BrainEvent{}, err
	}
	ev.BrainVersionAtStart = b.Version
	ev.Status = "queued"
	if err := e.Repo.UpdateBrainEvent(ctx, tx, ev); err != nil {
		return domain.BrainEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BrainEvent{}, err
	}
	return ev, nil
}

// ApplyBrainEventWithRetry drives the snapshot/apply/re-snapshot loop up to
// the configured bound. Bound exhaustion surfaces the conflict.
func (e Engine) ApplyBrainEventWithRetry(ctx context.Context, eventID string, ops []brain.PatchOp, actorID string) (domain.Brain, error) {
	limit := e.Config.BrainRetryLimit()
	var lastErr error
	for attempt := 0; attempt <= limit; attempt++ {
		b, err := e.ApplyBrainEvent(ctx, eventID, ops, actorID)
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, ErrBrainConflict) {
			return domain.Brain{}, err
		}
		lastErr = err
		if attempt == limit {
			break
		}
		if _, err := e.ResetForRetry(ctx, eventID); err != nil {
			return domain.Brain{}, err
		}
	}
	return domain.Brain{}, fmt.Errorf("brain event %s: retry limit %d exhausted: %w", eventID, limit, lastErr)
}

// ResolveBrainConflict tombstones a conflict through the same event-sourced
// protocol so resolution is itself versioned and audited.
func (e Engine) ResolveBrainConflict(ctx context.Context, projectID, conflictID, actorID string) (domain.Brain, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Brain{}, err
	}
	defer tx.Rollback()

	b, err := e.Repo.GetBrainTx(ctx, tx, projectID)
	if err != nil {
		return domain.Brain{}, err
	}
	doc, err := brain.FromJSON(b.DocJSON)
	if err != nil {
		return domain.Brain{}, err
	}
	applier := brain.Applier{Now: e.Now}
	next, err := applier.ResolveConflict(doc, conflictID, actorID)
	if err != nil {
		return domain.Brain{}, err
	}
	nextJSON, err := next.ToJSON()
	if err != nil {
		return domain.Brain{}, err
	}
	now := e.nowRFC()
	ok, err := e.Repo.UpdateBrainGuarded(ctx, tx, projectID, b.Version, nextJSON, now)
	if err != nil {
		return domain.Brain{}, err
	}
	if !ok {
		return domain.Brain{}, ErrBrainConflict
	}
	// The resolution writes its own applied event row so the brain_events
	// log stays a complete history of every document mutation.
	ev := domain.BrainEvent{
		ID:                  uuid.New().String(),
		ProjectID:           projectID,
		Type:                "conflict_resolution",
		PayloadJSON:         marshalJSON(map[string]any{"conflict_id": conflictID}),
		BrainVersionAtStart: b.Version,
		Status:              "applied",
		AppliedAt:           &now,
		CreatedAt:           now,
	}
	if err := e.Repo.InsertBrainEvent(ctx, tx, ev); err != nil {
		return domain.Brain{}, fmt.Errorf("insert resolution event: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeBrainEventApplied, projectID, "brain_event", ev.ID, actorID, events.EventPayload{
		"resolved_conflict": conflictID, "version": b.Version + 1,
	}); err != nil {
		return domain.Brain{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Brain{}, err
	}
	b.Version++
	b.DocJSON = nextJSON
	b.UpdatedAt = now
	return b, nil
}
