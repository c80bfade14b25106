package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"studioline/internal/config"
	"studioline/internal/db"
	"studioline/internal/engine"
	"studioline/internal/migrate"
	"studioline/internal/skill"
)

// scriptedClient returns canned JSON per skill key so steps are
// deterministic without a live model.
type scriptedClient struct {
	mu      sync.Mutex
	outputs map[string]string
}

func (c *scriptedClient) Generate(_ context.Context, req skill.Request) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.outputs[req.SkillKey]
	if !ok {
		return nil, fmt.Errorf("no scripted output for %s", req.SkillKey)
	}
	return json.RawMessage(out), nil
}

func (c *scriptedClient) set(skillKey, output string) {
	c.mu.Lock()
	c.outputs[skillKey] = output
	c.mu.Unlock()
}

type testServer struct {
	URL    string
	Client *scriptedClient
	http   *http.Client
	close  func()
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("studio-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	client := &scriptedClient{outputs: map[string]string{}}
	e := engine.New(conn, cfg, client)
	if _, err := e.InitProject(context.Background(), cfg.Project.ID, "Test production", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Client: client,
		http:   &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func (s *testServer) doJSON(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	res, err := s.http.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/projects", nil)
	res, err := srv.http.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}

	// Health stays open.
	healthRes, err := srv.http.Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	healthRes.Body.Close()
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for health, got %d", healthRes.StatusCode)
	}
}

func TestStepThroughQuestionsAndAnswers(t *testing.T) {
	srv := newTestServer(t)
	srv.Client.set("router", `{"skill_key":"discovery_questions","stage":"discovery","rationale":"new project"}`)
	srv.Client.set("discovery_questions", `{"questions":[
		{"question":"What is the venue?","quick_options":["indoor","outdoor"]},
		{"question":"Describe the mood."}
	]}`)

	res, data := srv.doJSON(t, http.MethodPost, "/v0/projects/studio-1/step", map[string]any{
		"message": "Let's plan the launch event",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("step status %d: %s", res.StatusCode, string(data))
	}
	var step engine.StepResult
	if err := json.Unmarshal(data, &step); err != nil {
		t.Fatalf("unmarshal step: %v", err)
	}
	if step.Outcome != engine.OutcomeStopQuestions {
		t.Fatalf("expected STOP_QUESTIONS, got %s", step.Outcome)
	}
	if step.Session == nil || step.Turn == nil {
		t.Fatalf("expected session and turn in result: %s", string(data))
	}

	latestRes, latestData := srv.doJSON(t, http.MethodGet, "/v0/projects/studio-1/sessions/latest", nil)
	if latestRes.StatusCode != http.StatusOK {
		t.Fatalf("latest session status %d: %s", latestRes.StatusCode, string(latestData))
	}
	var session SessionResponse
	if err := json.Unmarshal(latestData, &session); err != nil {
		t.Fatalf("unmarshal session: %v", err)
	}
	if session.Status != "active" || len(session.Turns) != 1 {
		t.Fatalf("expected active session with one turn, got %+v", session)
	}
	questions := session.Turns[0].Questions
	if len(questions) != 2 {
		t.Fatalf("expected 2 questions, got %d", len(questions))
	}

	answerRes, answerData := srv.doJSON(t, http.MethodPost,
		"/v0/sessions/"+session.ID+"/turns/1/answers", map[string]any{
			"answers": []map[string]string{
				{"question_id": questions[0].ID, "quick": "outdoor"},
				{"question_id": questions[1].ID, "text": "Golden hour, warm and open."},
			},
		})
	if answerRes.StatusCode != http.StatusOK {
		t.Fatalf("answer status %d: %s", answerRes.StatusCode, string(answerData))
	}
	var turn TurnResponse
	if err := json.Unmarshal(answerData, &turn); err != nil {
		t.Fatalf("unmarshal turn: %v", err)
	}
	if turn.AnsweredAt == nil || len(turn.Answers) != 2 {
		t.Fatalf("expected answered turn with 2 answers, got %+v", turn)
	}
}

func TestChangeSetApplyDecidedOnce(t *testing.T) {
	srv := newTestServer(t)
	srv.Client.set("element_planner", `{"patch_ops":[
		{"op":"add","path":"elements","value":{"tempId":"tmp-1","title":"Stage riser","typeKey":"stage_set"}}
	]}`)

	pinRes, pinData := srv.doJSON(t, http.MethodPut,
		"/v0/projects/studio-1/workspaces/default/pins", map[string]any{
			"stage": "planning",
			"skill": "element_planner",
		})
	if pinRes.StatusCode != http.StatusOK {
		t.Fatalf("set pins status %d: %s", pinRes.StatusCode, string(pinData))
	}

	res, data := srv.doJSON(t, http.MethodPost, "/v0/projects/studio-1/step", map[string]any{
		"message": "Add the stage riser",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("step status %d: %s", res.StatusCode, string(data))
	}
	var step engine.StepResult
	if err := json.Unmarshal(data, &step); err != nil {
		t.Fatalf("unmarshal step: %v", err)
	}
	if step.Outcome != engine.OutcomeStopApproval || step.ChangeSet == nil {
		t.Fatalf("expected STOP_APPROVAL with change set, got %s: %s", step.Outcome, string(data))
	}

	applyRes, applyData := srv.doJSON(t, http.MethodPost, "/v0/change-sets/"+step.ChangeSet.ID+"/apply", nil)
	if applyRes.StatusCode != http.StatusOK {
		t.Fatalf("apply status %d: %s", applyRes.StatusCode, string(applyData))
	}
	var applied ApplyChangeSetResponse
	if err := json.Unmarshal(applyData, &applied); err != nil {
		t.Fatalf("unmarshal apply: %v", err)
	}
	if applied.ChangeSet.Status != "applied" {
		t.Fatalf("expected applied, got %s", applied.ChangeSet.Status)
	}
	if applied.IDMap["tmp-1"] == "" {
		t.Fatalf("expected temp id mapping, got %v", applied.IDMap)
	}

	againRes, againData := srv.doJSON(t, http.MethodPost, "/v0/change-sets/"+step.ChangeSet.ID+"/apply", nil)
	if againRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second apply, got %d: %s", againRes.StatusCode, string(againData))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(againData, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "already_decided" {
		t.Fatalf("expected already_decided, got %q", envelope.Error.Code)
	}

	rejectRes, rejectData := srv.doJSON(t, http.MethodPost, "/v0/change-sets/"+step.ChangeSet.ID+"/reject", nil)
	if rejectRes.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on reject after apply, got %d: %s", rejectRes.StatusCode, string(rejectData))
	}
}

func TestSkillUpsertShadowsCatalog(t *testing.T) {
	srv := newTestServer(t)

	putRes, putData := srv.doJSON(t, http.MethodPut, "/v0/skills/discovery_questions", map[string]any{
		"prompt": "House variant: ask about permits first.",
	})
	if putRes.StatusCode != http.StatusOK {
		t.Fatalf("upsert skill status %d: %s", putRes.StatusCode, string(putData))
	}

	getRes, getData := srv.doJSON(t, http.MethodGet, "/v0/skills/discovery_questions", nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get skill status %d: %s", getRes.StatusCode, string(getData))
	}
	var def domainSkill
	if err := json.Unmarshal(getData, &def); err != nil {
		t.Fatalf("unmarshal skill: %v", err)
	}
	if def.Prompt != "House variant: ask about permits first." {
		t.Fatalf("expected persisted prompt to win, got %q", def.Prompt)
	}
	// Output contract carried over from the catalog definition.
	if def.OutputSchema == "" || def.OutputSchema == "{}" {
		t.Fatalf("expected inherited output schema, got %q", def.OutputSchema)
	}
}

func TestBrainEventsOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	createRes, createData := srv.doJSON(t, http.MethodPost, "/v0/projects/studio-1/brain/events", map[string]any{
		"type":    "fact_extraction",
		"payload": map[string]any{"bundle_id": "tb-1"},
	})
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create event status %d: %s", createRes.StatusCode, string(createData))
	}
	var ev BrainEventResponse
	if err := json.Unmarshal(createData, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if ev.Status != "queued" || ev.BrainVersionAtStart != 1 {
		t.Fatalf("unexpected event: %+v", ev)
	}

	applyRes, applyData := srv.doJSON(t, http.MethodPost, "/v0/brain/events/"+ev.ID+"/apply", map[string]any{
		"ops": []map[string]any{
			{
				"op":     "add_bullet",
				"target": map[string]any{"scope": "project", "section": "logistics"},
				"bullet": map[string]any{"text": "Venue confirmed for Friday"},
			},
		},
	})
	if applyRes.StatusCode != http.StatusOK {
		t.Fatalf("apply status %d: %s", applyRes.StatusCode, string(applyData))
	}
	var b BrainResponse
	if err := json.Unmarshal(applyData, &b); err != nil {
		t.Fatalf("unmarshal brain: %v", err)
	}
	if b.Version != 2 {
		t.Fatalf("expected version 2 after apply, got %d", b.Version)
	}

	getRes, getData := srv.doJSON(t, http.MethodGet, "/v0/projects/studio-1/brain", nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get brain status %d: %s", getRes.StatusCode, string(getData))
	}
	var snapshot BrainResponse
	if err := json.Unmarshal(getData, &snapshot); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	sections, _ := snapshot.Doc["sections"].(map[string]any)
	logistics, _ := sections["logistics"].([]any)
	if len(logistics) != 1 {
		t.Fatalf("expected one logistics bullet, got %v", snapshot.Doc)
	}
}

func TestUnknownProjectIs404(t *testing.T) {
	srv := newTestServer(t)
	res, data := srv.doJSON(t, http.MethodGet, "/v0/projects/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}
