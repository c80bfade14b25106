package engine_test

import (
	"errors"
	"testing"

	"studioline/internal/brain"
	"studioline/internal/domain"
	"studioline/internal/engine"
)

func TestBrainEventAppliesAndBumpsVersion(t *testing.T) {
	env := newTestEnv(t)
	before, err := env.Engine.EnsureBrain(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	ev, err := env.Engine.CreateBrainEvent(env.Ctx, "proj-1", "fact_extraction", `{"source":"bundle-1"}`, "tester")
	if err != nil {
		t.Fatalf("create event: %v", err)
	}
	if ev.BrainVersionAtStart != before.Version {
		t.Fatalf("snapshot version mismatch: %d vs %d", ev.BrainVersionAtStart, before.Version)
	}
	ops := []brain.PatchOp{
		{Op: brain.OpAddBullet, Target: &brain.Target{Scope: "project", Section: brain.SectionLogistics}, Bullet: &brain.BulletInput{Text: "Night shoot needs generators"}},
		{Op: brain.OpAddRecentUpdate, Text: "logistics updated"},
	}
	after, err := env.Engine.ApplyBrainEvent(env.Ctx, ev.ID, ops, "tester")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if after.Version != before.Version+1 {
		t.Fatalf("expected version +1, got %d -> %d", before.Version, after.Version)
	}
	doc, err := brain.FromJSON(after.DocJSON)
	if err != nil {
		t.Fatalf("doc: %v", err)
	}
	if len(doc.Sections[brain.SectionLogistics]) != 1 || len(doc.RecentUpdates) != 1 {
		t.Fatalf("ops not applied: %+v", doc)
	}
	if doc.Sections[brain.SectionLogistics][0].Source.EventID != ev.ID {
		t.Fatalf("bullet provenance missing: %+v", doc.Sections[brain.SectionLogistics][0])
	}
	stored, err := env.Engine.Repo.GetBrainEvent(env.Ctx, ev.ID)
	if err != nil || stored.Status != "applied" || stored.PatchOpsJSON == nil {
		t.Fatalf("event not finalized: %+v %v", stored, err)
	}
}

func TestBrainEventStaleSnapshotConflicts(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.EnsureBrain(env.Ctx, "proj-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	stale, err := env.Engine.CreateBrainEvent(env.Ctx, "proj-1", "fact_extraction", "", "tester")
	if err != nil {
		t.Fatalf("create stale: %v", err)
	}
	// a second writer lands first
	winner, err := env.Engine.CreateBrainEvent(env.Ctx, "proj-1", "fact_extraction", "", "other")
	if err != nil {
		t.Fatalf("create winner: %v", err)
	}
	ops := []brain.PatchOp{{Op: brain.OpAddRecentUpdate, Text: "first write"}}
	if _, err := env.Engine.ApplyBrainEvent(env.Ctx, winner.ID, ops, "other"); err != nil {
		t.Fatalf("winner apply: %v", err)
	}

	_, err = env.Engine.ApplyBrainEvent(env.Ctx, stale.ID, []brain.PatchOp{{Op: brain.OpAddRecentUpdate, Text: "stale write"}}, "tester")
	if !errors.Is(err, engine.ErrBrainConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	b, _ := env.Engine.Repo.GetBrain(env.Ctx, "proj-1")
	doc, _ := brain.FromJSON(b.DocJSON)
	for _, u := range doc.RecentUpdates {
		if u.Text == "stale write" {
			t.Fatalf("stale write mutated the brain")
		}
	}
	parked, _ := env.Engine.Repo.GetBrainEvent(env.Ctx, stale.ID)
	if parked.Status != "conflict_retry" {
		t.Fatalf("expected conflict_retry, got %s", parked.Status)
	}

	// explicit re-snapshot, then the retry applies
	requeued, err := env.Engine.ResetForRetry(env.Ctx, stale.ID)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if requeued.Status != "queued" || requeued.BrainVersionAtStart != b.Version {
		t.Fatalf("reset did not re-snapshot: %+v", requeued)
	}
	if _, err := env.Engine.ApplyBrainEvent(env.Ctx, stale.ID, []brain.PatchOp{{Op: brain.OpAddRecentUpdate, Text: "stale write"}}, "tester"); err != nil {
		t.Fatalf("retry apply: %v", err)
	}
}

func TestBrainEventBoundedRetry(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.EnsureBrain(env.Ctx, "proj-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	ev, err := env.Engine.CreateBrainEvent(env.Ctx, "proj-1", "fact_extraction", "", "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	rival, err := env.Engine.CreateBrainEvent(env.Ctx, "proj-1", "fact_extraction", "", "other")
	if err != nil {
		t.Fatalf("rival: %v", err)
	}
	if _, err := env.Engine.ApplyBrainEvent(env.Ctx, rival.ID, []brain.PatchOp{{Op: brain.OpAddRecentUpdate, Text: "rival"}}, "other"); err != nil {
		t.Fatalf("rival apply: %v", err)
	}

	b, err := env.Engine.ApplyBrainEventWithRetry(env.Ctx, ev.ID, []brain.PatchOp{{Op: brain.OpAddRecentUpdate, Text: "retried"}}, "tester")
	if err != nil {
		t.Fatalf("retry loop: %v", err)
	}
	doc, _ := brain.FromJSON(b.DocJSON)
	found := false
	for _, u := range doc.RecentUpdates {
		if u.Text == "retried" {
			found = true
		}
	}
	if !found {
		t.Fatalf("retried write missing: %+v", doc.RecentUpdates)
	}
}

func TestResolveBrainConflict(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.EnsureBrain(env.Ctx, "proj-1"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	ev, err := env.Engine.CreateBrainEvent(env.Ctx, "proj-1", "fact_extraction", "", "tester")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ops := []brain.PatchOp{
		{Op: brain.OpAddBullet, Target: &brain.Target{Scope: "project", Section: brain.SectionCreative}, Bullet: &brain.BulletInput{Text: "warm palette"}},
		{Op: brain.OpAddBullet, Target: &brain.Target{Scope: "project", Section: brain.SectionCreative}, Bullet: &brain.BulletInput{Text: "cold palette"}},
	}
	b, err := env.Engine.ApplyBrainEvent(env.Ctx, ev.ID, ops, "tester")
	if err != nil {
		t.Fatalf("apply bullets: %v", err)
	}
	doc, _ := brain.FromJSON(b.DocJSON)
	bullets := doc.Sections[brain.SectionCreative]

	ev2, err := env.Engine.CreateBrainEvent(env.Ctx, "proj-1", "fact_extraction", "", "tester")
	if err != nil {
		t.Fatalf("create 2: %v", err)
	}
	b, err = env.Engine.ApplyBrainEvent(env.Ctx, ev2.ID, []brain.PatchOp{
		{Op: brain.OpAddConflict, Conflict: &brain.ConflictInput{BulletA: bullets[0].ID, BulletB: bullets[1].ID, Note: "palettes disagree"}},
	}, "tester")
	if err != nil {
		t.Fatalf("apply conflict: %v", err)
	}
	doc, _ = brain.FromJSON(b.DocJSON)
	if len(doc.Conflicts) != 1 || doc.Conflicts[0].Resolved != nil {
		t.Fatalf("expected one open conflict: %+v", doc.Conflicts)
	}

	b, err = env.Engine.ResolveBrainConflict(env.Ctx, "proj-1", doc.Conflicts[0].ID, "producer")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	doc, _ = brain.FromJSON(b.DocJSON)
	if doc.Conflicts[0].Resolved == nil || doc.Conflicts[0].Resolved.By != "producer" {
		t.Fatalf("resolution not recorded: %+v", doc.Conflicts[0])
	}

	// The resolution is itself event-sourced: an applied brain event row.
	log, err := env.Engine.Repo.ListBrainEvents(env.Ctx, "proj-1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var resolution *domain.BrainEvent
	for i := range log {
		if log[i].Type == "conflict_resolution" {
			resolution = &log[i]
		}
	}
	if resolution == nil {
		t.Fatalf("expected a conflict_resolution brain event, got %+v", log)
	}
	if resolution.Status != "applied" || resolution.AppliedAt == nil {
		t.Fatalf("resolution event not applied: %+v", resolution)
	}

	if _, err := env.Engine.ResolveBrainConflict(env.Ctx, "proj-1", doc.Conflicts[0].ID, "producer"); err == nil {
		t.Fatalf("expected error resolving twice")
	}
}
