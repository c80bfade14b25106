package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"studioline/internal/config"
	"studioline/internal/db"
	"studioline/internal/domain"
	"studioline/internal/engine"
	"studioline/internal/migrate"
	"studioline/internal/skill"
)

// stubClient scripts skill outputs per skill key and records every request.
type stubClient struct {
	mu      sync.Mutex
	outputs map[string]string
	errs    map[string]error
	calls   []skill.Request
}

func newStubClient() *stubClient {
	return &stubClient{outputs: map[string]string{}, errs: map[string]error{}}
}

func (c *stubClient) Generate(_ context.Context, req skill.Request) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if err, ok := c.errs[req.SkillKey]; ok {
		return nil, err
	}
	out, ok := c.outputs[req.SkillKey]
	if !ok {
		return nil, fmt.Errorf("no scripted output for skill %s", req.SkillKey)
	}
	return json.RawMessage(out), nil
}

func (c *stubClient) callsFor(key string) []skill.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []skill.Request
	for _, r := range c.calls {
		if r.SkillKey == key {
			out = append(out, r)
		}
	}
	return out
}

type testEnv struct {
	Engine engine.Engine
	Client *stubClient
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	client := newStubClient()
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg, client)
	eng.Now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Client: client, Ctx: ctx}
}

func pinSkill(t *testing.T, env testEnv, key string) {
	t.Helper()
	if _, err := env.Engine.SetPins(env.Ctx, "proj-1", "default", engine.PinOptions{Skill: key}); err != nil {
		t.Fatalf("pin skill: %v", err)
	}
}

func TestStepQuestionsOutcome(t *testing.T) {
	env := newTestEnv(t)
	env.Client.outputs["router"] = `{"skill_key":"discovery_questions","stage":"discovery","rationale":"new project"}`
	env.Client.outputs["discovery_questions"] = `{"questions":[
		{"question":"What is the venue?","quick_options":["indoor","outdoor"]},
		{"question":"Describe the mood."}
	]}`

	res, err := env.Engine.Step(env.Ctx, engine.StepOptions{ProjectID: "proj-1", UserMessage: "let's plan a shoot", ActorID: "tester"})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Outcome != engine.OutcomeStopQuestions {
		t.Fatalf("expected STOP_QUESTIONS, got %s", res.Outcome)
	}
	if res.Session == nil || res.Session.Status != "active" || res.Session.Stage != "discovery" {
		t.Fatalf("unexpected session: %+v", res.Session)
	}
	if res.Turn == nil || res.Turn.TurnNumber != 1 {
		t.Fatalf("expected turn 1, got %+v", res.Turn)
	}
	var questions []domain.Question
	if err := json.Unmarshal([]byte(res.Turn.QuestionsJSON), &questions); err != nil {
		t.Fatalf("questions json: %v", err)
	}
	if len(questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(questions))
	}
	// normalization fallbacks
	if questions[0].ID == "" || questions[0].Title != "What is the venue?" {
		t.Fatalf("missing fallback id/title: %+v", questions[0])
	}
	if questions[0].QuestionType != "choice" {
		t.Fatalf("expected choice type, got %s", questions[0].QuestionType)
	}
	if questions[1].QuestionType != "text" || !questions[1].ExpectsFreeText {
		t.Fatalf("expected free-text question, got %+v", questions[1])
	}
	run, err := env.Engine.Repo.GetRun(env.Ctx, res.RunID)
	if err != nil || run.Status != "succeeded" {
		t.Fatalf("run status: %+v %v", run, err)
	}
}

func TestStepPinBypassesRouting(t *testing.T) {
	env := newTestEnv(t)
	pinSkill(t, env, "element_planner")
	env.Client.outputs["element_planner"] = `{"patch_ops":[],"summary":"nothing to propose"}`

	res, err := env.Engine.Step(env.Ctx, engine.StepOptions{ProjectID: "proj-1", UserMessage: "plan elements", ActorID: "tester"})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Outcome != engine.OutcomeContinue {
		t.Fatalf("expected CONTINUE, got %s", res.Outcome)
	}
	if res.Routing == nil || !res.Routing.Bypassed {
		t.Fatalf("expected bypassed routing, got %+v", res.Routing)
	}
	if calls := env.Client.callsFor("router"); len(calls) != 0 {
		t.Fatalf("router invoked despite pin: %d calls", len(calls))
	}
}

func TestStepRouterCrossStageCoerced(t *testing.T) {
	env := newTestEnv(t)
	env.Client.outputs["router"] = `{"skill_key":"discovery_questions","stage":"cross"}`
	env.Client.outputs["discovery_questions"] = `{"questions":[{"question":"Q?"}]}`

	res, err := env.Engine.Step(env.Ctx, engine.StepOptions{ProjectID: "proj-1", UserMessage: "hi", ActorID: "tester"})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Stage != "discovery" {
		t.Fatalf("expected cross coerced to discovery, got %s", res.Stage)
	}
}

func TestStepPatchOpsOutcome(t *testing.T) {
	env := newTestEnv(t)
	pinSkill(t, env, "element_planner")
	env.Client.outputs["element_planner"] = `{"patch_ops":[
		{"op":"add","path":"elements","value":{"title":"Stage set","typeKey":"stage_set","tempId":"tmp-1"}},
		{"op":"add","path":"materials","value":{"title":"Plywood"}}
	]}`

	res, err := env.Engine.Step(env.Ctx, engine.StepOptions{ProjectID: "proj-1", UserMessage: "build it", ActorID: "tester"})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Outcome != engine.OutcomeStopApproval {
		t.Fatalf("expected STOP_APPROVAL, got %s", res.Outcome)
	}
	if res.ChangeSet == nil || res.ChangeSet.Status != "pending" || len(res.ChangeSet.Ops) != 2 {
		t.Fatalf("unexpected change set: %+v", res.ChangeSet)
	}
	// no entity touched before approval
	items, err := env.Engine.Repo.ActiveItems(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("items: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("controller mutated entities before approval: %d items", len(items))
	}
}

func TestStepSuggestionsOutcome(t *testing.T) {
	env := newTestEnv(t)
	pinSkill(t, env, "suggestions_panel")
	env.Client.outputs["suggestions_panel"] = `{"suggestions":[
		{"skill_key":"element_planner","stage":"planning","title":"Plan the set"},
		{"skill_key":"element_planner","stage":"planning","title":"duplicate, dropped"},
		{"skill_key":"task_builder","stage":"production","title":"Draft tasks"}
	]}`

	res, err := env.Engine.Step(env.Ctx, engine.StepOptions{ProjectID: "proj-1", UserMessage: "now what", ActorID: "tester"})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Outcome != engine.OutcomeStopSuggestions {
		t.Fatalf("expected STOP_SUGGESTIONS, got %s", res.Outcome)
	}
	if res.SuggestionSet == nil || len(res.SuggestionSet.Suggestions) != 2 {
		t.Fatalf("expected de-duplicated 2 suggestions, got %+v", res.SuggestionSet)
	}
	if res.SuggestionSet.Suggestions[0].Rank != 1 || res.SuggestionSet.Suggestions[1].Rank != 2 {
		t.Fatalf("expected ranked suggestions: %+v", res.SuggestionSet.Suggestions)
	}
	w, err := env.Engine.Repo.GetWorkspace(env.Ctx, "proj-1", "default")
	if err != nil || w.LastSuggestions == nil {
		t.Fatalf("workspace suggestions cache not updated: %+v %v", w, err)
	}
}

func TestStepFailureSurfacesAsSystemMessage(t *testing.T) {
	env := newTestEnv(t)
	pinSkill(t, env, "element_planner")
	env.Client.errs["element_planner"] = fmt.Errorf("model unavailable")

	res, err := env.Engine.Step(env.Ctx, engine.StepOptions{ProjectID: "proj-1", UserMessage: "go", ActorID: "tester"})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Outcome != engine.OutcomeDone || res.Error == "" {
		t.Fatalf("expected DONE with error, got %+v", res)
	}
	run, err := env.Engine.Repo.GetRun(env.Ctx, res.RunID)
	if err != nil || run.Status != "failed" {
		t.Fatalf("expected failed run, got %+v %v", run, err)
	}
	msgs, err := env.Engine.Repo.LastMessages(env.Ctx, "proj-1", "default", 10)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	found := false
	for _, m := range msgs {
		if m.Role == "system" && strings.Contains(m.Text, "model unavailable") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected system message with the error, got %+v", msgs)
	}
}

func TestStepOutputContractHardFailure(t *testing.T) {
	env := newTestEnv(t)
	pinSkill(t, env, "suggestions_panel")
	env.Client.outputs["suggestions_panel"] = `{"unexpected":"shape"}`

	res, err := env.Engine.Step(env.Ctx, engine.StepOptions{ProjectID: "proj-1", UserMessage: "hm", ActorID: "tester"})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if res.Outcome != engine.OutcomeDone {
		t.Fatalf("expected DONE on contract failure, got %s", res.Outcome)
	}
	if !strings.Contains(res.Error, "suggestions") || !strings.Contains(res.Error, "unexpected") {
		t.Fatalf("expected contract error with payload attached, got %s", res.Error)
	}
}

func TestSkippedSessionSuppressionIsOneStep(t *testing.T) {
	env := newTestEnv(t)
	env.Client.outputs["router"] = `{"skill_key":"discovery_questions","stage":"discovery"}`
	env.Client.outputs["discovery_questions"] = `{"questions":[{"question":"Q?"}]}`

	res, err := env.Engine.Step(env.Ctx, engine.StepOptions{ProjectID: "proj-1", UserMessage: "start", ActorID: "tester"})
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if err := env.Engine.MarkSessionSkipped(env.Ctx, res.Session.ID, "tester"); err != nil {
		t.Fatalf("skip: %v", err)
	}

	env.Client.outputs["discovery_questions"] = `{"questions":[],"summary":"moving on"}`
	if _, err := env.Engine.Step(env.Ctx, engine.StepOptions{ProjectID: "proj-1", UserMessage: "next", ActorID: "tester"}); err != nil {
		t.Fatalf("step 2: %v", err)
	}
	routed := env.Client.callsFor("router")
	last := routed[len(routed)-1]
	if !strings.Contains(last.InputJSON, "skipped the last question session") {
		t.Fatalf("expected skip directive in router input: %s", last.InputJSON)
	}
	s, err := env.Engine.Repo.GetSession(env.Ctx, res.Session.ID)
	if err != nil || s.Status != "archived" {
		t.Fatalf("expected skipped session consumed, got %+v %v", s, err)
	}

	// third step runs without the directive
	if _, err := env.Engine.Step(env.Ctx, engine.StepOptions{ProjectID: "proj-1", UserMessage: "again", ActorID: "tester"}); err != nil {
		t.Fatalf("step 3: %v", err)
	}
	routed = env.Client.callsFor("router")
	last = routed[len(routed)-1]
	if strings.Contains(last.InputJSON, "skipped the last question session") {
		t.Fatalf("suppression leaked past one step: %s", last.InputJSON)
	}
}

func TestStartSessionArchivesPriorActive(t *testing.T) {
	env := newTestEnv(t)
	env.Client.outputs["router"] = `{"skill_key":"discovery_questions","stage":"discovery"}`
	env.Client.outputs["discovery_questions"] = `{"questions":[{"question":"Q1?"}]}`
	res1, err := env.Engine.Step(env.Ctx, engine.StepOptions{ProjectID: "proj-1", UserMessage: "a", ActorID: "tester"})
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	// archive manually, then a new question step starts a fresh session
	if err := env.Engine.ArchiveSession(env.Ctx, res1.Session.ID, "tester"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	res2, err := env.Engine.Step(env.Ctx, engine.StepOptions{ProjectID: "proj-1", UserMessage: "b", ActorID: "tester"})
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if res2.Session.ID == res1.Session.ID {
		t.Fatalf("expected a fresh session after archive")
	}
	// while a session is active, further question steps reuse it
	res3, err := env.Engine.Step(env.Ctx, engine.StepOptions{ProjectID: "proj-1", UserMessage: "c", ActorID: "tester"})
	if err != nil {
		t.Fatalf("step 3: %v", err)
	}
	if res3.Session.ID != res2.Session.ID {
		t.Fatalf("expected session reuse, got %s vs %s", res3.Session.ID, res2.Session.ID)
	}
	if res3.Turn.TurnNumber != 2 {
		t.Fatalf("expected turn 2, got %d", res3.Turn.TurnNumber)
	}
}

func TestSaveAnswersAndTurnBundle(t *testing.T) {
	env := newTestEnv(t)
	env.Client.outputs["router"] = `{"skill_key":"discovery_questions","stage":"discovery"}`
	env.Client.outputs["discovery_questions"] = `{"questions":[{"id":"q1","question":"Venue?","quick_options":["indoor","outdoor"]},{"id":"q2","question":"Mood?"}]}`
	res, err := env.Engine.Step(env.Ctx, engine.StepOptions{ProjectID: "proj-1", UserMessage: "start", ActorID: "tester"})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	answers := []domain.Answer{
		{QuestionID: "q1", Quick: "outdoor"},
		{QuestionID: "q2", Text: "moody, wet asphalt"},
	}
	turn, err := env.Engine.SaveAnswers(env.Ctx, res.Session.ID, 1, answers, "tester")
	if err != nil {
		t.Fatalf("save answers: %v", err)
	}
	if turn.AnsweredAt == nil {
		t.Fatalf("expected answered_at set")
	}

	s, _ := env.Engine.Repo.GetSession(env.Ctx, res.Session.ID)
	b1, err := env.Engine.MaterializeTurnBundle(env.Ctx, s, turn, "tester")
	if err != nil {
		t.Fatalf("bundle: %v", err)
	}
	for _, section := range []string{"[TURN_META]", "[STRUCTURED_QUESTIONS]", "[USER_ANSWERS]", "[FREE_CHAT]", "[AGENT_OUTPUT]"} {
		if !strings.Contains(b1.Text, section) {
			t.Fatalf("bundle missing section %s:\n%s", section, b1.Text)
		}
	}
	if !strings.Contains(b1.Text, "outdoor") || !strings.Contains(b1.Text, "moody, wet asphalt") {
		t.Fatalf("bundle missing answers:\n%s", b1.Text)
	}
	b2, err := env.Engine.MaterializeTurnBundle(env.Ctx, s, turn, "tester")
	if err != nil {
		t.Fatalf("bundle 2: %v", err)
	}
	if b1.ContentHash != b2.ContentHash {
		t.Fatalf("bundle hash not deterministic: %s vs %s", b1.ContentHash, b2.ContentHash)
	}
}

func TestSaveAnswersRequiresTurn(t *testing.T) {
	env := newTestEnv(t)
	env.Client.outputs["router"] = `{"skill_key":"discovery_questions","stage":"discovery"}`
	env.Client.outputs["discovery_questions"] = `{"questions":[{"question":"Q?"}]}`
	res, err := env.Engine.Step(env.Ctx, engine.StepOptions{ProjectID: "proj-1", UserMessage: "x", ActorID: "tester"})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if _, err := env.Engine.SaveAnswers(env.Ctx, res.Session.ID, 7, nil, "tester"); err == nil {
		t.Fatalf("expected error for missing turn")
	}
}

func TestSaveAnswersPersistsBundleBeforeReturn(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	client := newStubClient()
	client.outputs["router"] = `{"skill_key":"discovery_questions","stage":"discovery"}`
	client.outputs["discovery_questions"] = `{"questions":[{"id":"q1","question":"Venue?"}]}`
	eng := engine.New(conn, config.Default("proj-1"), client)
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, "proj-1", "test", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	res, err := eng.Step(ctx, engine.StepOptions{ProjectID: "proj-1", UserMessage: "start", ActorID: "tester"})
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if _, err := eng.SaveAnswers(ctx, res.Session.ID, 1, []domain.Answer{{QuestionID: "q1", Text: "rooftop"}}, "tester"); err != nil {
		t.Fatalf("save answers: %v", err)
	}

	// A one-shot caller closes its connection as soon as SaveAnswers
	// returns; the bundle and its hand-off event must already be on disk.
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	conn2, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("reopen db: %v", err)
	}
	defer conn2.Close()
	var count int
	if err := conn2.QueryRow(`SELECT COUNT(*) FROM turn_bundles WHERE session_id=?`, res.Session.ID).Scan(&count); err != nil {
		t.Fatalf("count bundles: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 persisted bundle, got %d", count)
	}
	eng2 := engine.New(conn2, config.Default("proj-1"), client)
	evts, err := eng2.Repo.LatestEvents(ctx, 10, "proj-1", "turn_bundle.created", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected 1 turn_bundle.created event, got %d", len(evts))
	}
}

type erringProvider struct{ err error }

func (p erringProvider) Lookup(context.Context, string) (domain.SkillDefinition, bool, error) {
	return domain.SkillDefinition{}, false, p.err
}

func TestUpsertSkillResolveFailureIsNotANewDefinition(t *testing.T) {
	env := newTestEnv(t)
	broken := env.Engine
	broken.Skills = skill.Registry{Providers: []skill.Provider{erringProvider{err: fmt.Errorf("store offline")}}}
	if _, err := broken.UpsertSkill(env.Ctx, "router", engine.SkillUpdate{Prompt: "p"}, "tester"); err == nil {
		t.Fatalf("expected resolve failure to propagate")
	}
	if _, err := env.Engine.Repo.GetSkill(env.Ctx, "router"); err == nil {
		t.Fatalf("expected no definition persisted after failed resolve")
	}

	// A genuinely unknown key still mints a fresh definition.
	def, err := env.Engine.UpsertSkill(env.Ctx, "totally_new", engine.SkillUpdate{Prompt: "p", Stage: "discovery"}, "tester")
	if err != nil {
		t.Fatalf("upsert new skill: %v", err)
	}
	if !def.Enabled || def.Prompt != "p" {
		t.Fatalf("unexpected new definition: %+v", def)
	}
}

func TestRunEventLogCapped(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.CreateRun(env.Ctx, "proj-1", "controller.step", "discovery", "tester")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	for i := 0; i < 70; i++ {
		if err := env.Engine.AppendRunEvent(env.Ctx, run.ID, "info", fmt.Sprintf("line %d", i), "discovery"); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	got, err := env.Engine.Repo.GetRun(env.Ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	log, err := engine.RunLog(got)
	if err != nil {
		t.Fatalf("log: %v", err)
	}
	if len(log) != 60 {
		t.Fatalf("expected cap 60, got %d", len(log))
	}
	if log[len(log)-1].Message != "line 69" {
		t.Fatalf("expected newest entries kept, got %s", log[len(log)-1].Message)
	}
}

func TestFinishRunTerminalOnce(t *testing.T) {
	env := newTestEnv(t)
	run, err := env.Engine.CreateRun(env.Ctx, "proj-1", "controller.step", "discovery", "tester")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := env.Engine.FinishRun(env.Ctx, run.ID, "succeeded", "tester", nil); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := env.Engine.FinishRun(env.Ctx, run.ID, "failed", "tester", fmt.Errorf("late")); err == nil {
		t.Fatalf("expected terminal-once violation to error")
	}
}
