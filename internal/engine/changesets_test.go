package engine_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"studioline/internal/engine"
)

func stageChangeSet(t *testing.T, env testEnv, flat []engine.FlatOp) string {
	t.Helper()
	ops, err := engine.TranslateOps(flat)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	cs, err := env.Engine.CreateChangeSet(env.Ctx, "proj-1", "test set", "element_planner", "planning", ops, "tester")
	if err != nil {
		t.Fatalf("create change set: %v", err)
	}
	return cs.ID
}

func TestTranslateOps(t *testing.T) {
	ops, err := engine.TranslateOps([]engine.FlatOp{
		{Op: "add", Path: "elements", Value: json.RawMessage(`{"title":"Set","tempId":"tmp-1"}`)},
		{Op: "update", Path: "tasks/task-9", Value: json.RawMessage(`{"status":"doing"}`)},
		{Op: "remove", Path: "materials/mat-3"},
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if ops[0].OpType != "create" || ops[0].EntityType != "item" || ops[0].TempID == nil || *ops[0].TempID != "tmp-1" {
		t.Fatalf("unexpected create op: %+v", ops[0])
	}
	if ops[1].OpType != "patch" || ops[1].EntityType != "task" || *ops[1].TargetID != "task-9" {
		t.Fatalf("unexpected patch op: %+v", ops[1])
	}
	if ops[2].OpType != "delete" || ops[2].EntityType != "material_line" || *ops[2].TargetID != "mat-3" {
		t.Fatalf("unexpected delete op: %+v", ops[2])
	}
}

func TestTranslateOpsRejectsUnsupported(t *testing.T) {
	// removes on tasks/accounting, id-shape violations, unknown roots and
	// verbs must all fail translation.
	cases := []engine.FlatOp{
		{Op: "remove", Path: "tasks/task-1"},
		{Op: "remove", Path: "accounting/acc-1"},
		{Op: "add", Path: "elements/with-id"},
		{Op: "update", Path: "elements"},
		{Op: "add", Path: "vendors"},
		{Op: "merge", Path: "elements"},
	}
	for _, c := range cases {
		if _, err := engine.TranslateOps([]engine.FlatOp{c}); err == nil {
			t.Errorf("expected error for %+v", c)
		}
	}
}

func TestApplyChangeSetRealizesOpsAtomically(t *testing.T) {
	env := newTestEnv(t)
	id := stageChangeSet(t, env, []engine.FlatOp{
		{Op: "add", Path: "elements", Value: json.RawMessage(`{"title":"Stage set","typeKey":"stage_set","tempId":"tmp-1"}`)},
		{Op: "update", Path: "elements/tmp-1", Value: json.RawMessage(`{"category":"construction"}`)},
		{Op: "add", Path: "materials", Value: json.RawMessage(`{"title":"Plywood","tempId":"tmp-2"}`)},
		{Op: "add", Path: "tasks", Value: json.RawMessage(`{"title":"Build the set"}`)},
	})

	cs, idMap, err := env.Engine.ApplyChangeSet(env.Ctx, id, "approver")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cs.Status != "applied" || cs.DecidedBy == nil || *cs.DecidedBy != "approver" {
		t.Fatalf("unexpected decided set: %+v", cs)
	}
	itemID, ok := idMap["tmp-1"]
	if !ok {
		t.Fatalf("temp id not mapped: %v", idMap)
	}
	it, err := env.Engine.Repo.GetItem(env.Ctx, itemID)
	if err != nil {
		t.Fatalf("item: %v", err)
	}
	if it.Category != "construction" {
		t.Fatalf("patch via temp id not applied: %+v", it)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, "proj-1")
	if len(tasks) != 1 || tasks[0].Title != "Build the set" {
		t.Fatalf("task not created: %+v", tasks)
	}
	mats, _ := env.Engine.Repo.ListMaterialLines(env.Ctx, "proj-1")
	if len(mats) != 1 {
		t.Fatalf("material not created: %+v", mats)
	}
}

func TestApplyChangeSetDeletePolicies(t *testing.T) {
	env := newTestEnv(t)
	setup := stageChangeSet(t, env, []engine.FlatOp{
		{Op: "add", Path: "elements", Value: json.RawMessage(`{"title":"Old set","tempId":"tmp-i"}`)},
		{Op: "add", Path: "materials", Value: json.RawMessage(`{"title":"Old plywood","tempId":"tmp-m"}`)},
	})
	_, idMap, err := env.Engine.ApplyChangeSet(env.Ctx, setup, "approver")
	if err != nil {
		t.Fatalf("setup apply: %v", err)
	}

	del := stageChangeSet(t, env, []engine.FlatOp{
		{Op: "remove", Path: "elements/" + idMap["tmp-i"]},
		{Op: "remove", Path: "materials/" + idMap["tmp-m"]},
	})
	if _, _, err := env.Engine.ApplyChangeSet(env.Ctx, del, "approver"); err != nil {
		t.Fatalf("delete apply: %v", err)
	}

	// item soft-deletes: row stays, excluded from active
	it, err := env.Engine.Repo.GetItem(env.Ctx, idMap["tmp-i"])
	if err != nil {
		t.Fatalf("soft-deleted item should remain: %v", err)
	}
	if it.DeleteRequestedAt == nil {
		t.Fatalf("expected delete request markers: %+v", it)
	}
	active, _ := env.Engine.Repo.ActiveItems(env.Ctx, "proj-1")
	if len(active) != 0 {
		t.Fatalf("soft-deleted item still active: %+v", active)
	}
	// material line hard-deletes
	mats, _ := env.Engine.Repo.ListMaterialLines(env.Ctx, "proj-1")
	if len(mats) != 0 {
		t.Fatalf("material line not removed: %+v", mats)
	}
}

func TestChangeSetDecidedExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	id := stageChangeSet(t, env, []engine.FlatOp{
		{Op: "add", Path: "elements", Value: json.RawMessage(`{"title":"Set"}`)},
	})
	if _, _, err := env.Engine.ApplyChangeSet(env.Ctx, id, "approver"); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if _, _, err := env.Engine.ApplyChangeSet(env.Ctx, id, "approver"); !errors.Is(err, engine.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided on second apply, got %v", err)
	}
	if _, err := env.Engine.RejectChangeSet(env.Ctx, id, "approver"); !errors.Is(err, engine.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided on reject after apply, got %v", err)
	}

	rej := stageChangeSet(t, env, []engine.FlatOp{
		{Op: "add", Path: "tasks", Value: json.RawMessage(`{"title":"Never happens"}`)},
	})
	if _, err := env.Engine.RejectChangeSet(env.Ctx, rej, "approver"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, "proj-1")
	for _, task := range tasks {
		if task.Title == "Never happens" {
			t.Fatalf("rejected set mutated entities")
		}
	}
	if _, _, err := env.Engine.ApplyChangeSet(env.Ctx, rej, "approver"); !errors.Is(err, engine.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided on apply after reject, got %v", err)
	}
}

func TestCompanionRules(t *testing.T) {
	env := newTestEnv(t)
	// seed a stage_set item via the approval pipeline
	seed := stageChangeSet(t, env, []engine.FlatOp{
		{Op: "add", Path: "elements", Value: json.RawMessage(`{"title":"Main stage","typeKey":"stage_set"}`)},
	})
	if _, _, err := env.Engine.ApplyChangeSet(env.Ctx, seed, "approver"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// without the outdoor flag only the "always" rule fires
	cs, err := env.Engine.ProposeCompanions(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if cs == nil || len(cs.Ops) != 1 {
		t.Fatalf("expected one proposal (lighting_plan), got %+v", cs)
	}
	if !strings.Contains(cs.Ops[0].PayloadJSON, "lighting_plan") {
		t.Fatalf("expected lighting_plan proposal: %s", cs.Ops[0].PayloadJSON)
	}
	if _, err := env.Engine.RejectChangeSet(env.Ctx, cs.ID, "tester"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	// flag raises the conditional rule too
	if err := env.Engine.SetProjectFlag(env.Ctx, "proj-1", "outdoor", true); err != nil {
		t.Fatalf("flag: %v", err)
	}
	cs, err = env.Engine.ProposeCompanions(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("propose 2: %v", err)
	}
	if cs == nil || len(cs.Ops) != 2 {
		t.Fatalf("expected lighting_plan + weather_cover, got %+v", cs)
	}
	if _, _, err := env.Engine.ApplyChangeSet(env.Ctx, cs.ID, "approver"); err != nil {
		t.Fatalf("apply companions: %v", err)
	}

	// present companion types are skipped; nothing left to propose
	cs, err = env.Engine.ProposeCompanions(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("propose 3: %v", err)
	}
	if cs != nil {
		t.Fatalf("expected no proposals once companions exist, got %+v", cs)
	}
}
