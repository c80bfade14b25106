package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"studioline/internal/domain"
	"studioline/internal/events"
	"studioline/internal/repo"
)

// startOrReuseSession returns the active session for (project, stage),
// creating one if needed. Creating a session archives every prior active
// session for the pair, one-way.
func (e Engine) startOrReuseSession(ctx context.Context, tx *sql.Tx, projectID, stage, actorID string) (domain.QuestionSession, error) {
	actives, err := e.Repo.ActiveSessions(ctx, tx, projectID, stage)
	if err != nil {
		return domain.QuestionSession{}, err
	}
	if len(actives) == 1 {
		return actives[0], nil
	}
	now := e.nowRFC()
	for _, s := range actives {
		if err := e.Repo.UpdateSessionStatus(ctx, tx, s.ID, "archived", now); err != nil {
			return domain.QuestionSession{}, err
		}
		if err := e.Events.Append(ctx, tx, events.TypeSessionArchived, projectID, "question_session", s.ID, actorID, events.EventPayload{"stage": stage}); err != nil {
			return domain.QuestionSession{}, err
		}
	}
	s := domain.QuestionSession{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Stage:     stage,
		Status:    "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
		return domain.QuestionSession{}, fmt.Errorf("insert session: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeSessionStarted, projectID, "question_session", s.ID, actorID, events.EventPayload{"stage": stage}); err != nil {
		return domain.QuestionSession{}, err
	}
	return s, nil
}

// createTurn persists the next turn of a session with normalized questions.
func (e Engine) createTurn(ctx context.Context, tx *sql.Tx, s domain.QuestionSession, questions []domain.Question) (domain.QuestionTurn, error) {
	now := e.nowRFC()
	n := s.CurrentTurnNumber + 1
	turnID := fmt.Sprintf("turn_%s_%d", s.ID, n)
	for i := range questions {
		normalizeQuestion(&questions[i], turnID, i)
	}
	qJSON, err := json.Marshal(questions)
	if err != nil {
		return domain.QuestionTurn{}, err
	}
	t := domain.QuestionTurn{
		ID:            turnID,
		SessionID:     s.ID,
		TurnNumber:    n,
		QuestionsJSON: string(qJSON),
		AnswersJSON:   "[]",
		CreatedAt:     now,
	}
	if err := e.Repo.InsertTurn(ctx, tx, t); err != nil {
		return domain.QuestionTurn{}, fmt.Errorf("insert turn: %w", err)
	}
	if err := e.Repo.SetSessionTurnNumber(ctx, tx, s.ID, n, now); err != nil {
		return domain.QuestionTurn{}, err
	}
	return t, nil
}

// normalizeQuestion fills the stable fallbacks a raw skill question may
// omit: id, title, free-text expectation from the question type.
func normalizeQuestion(q *domain.Question, turnID string, idx int) {
	if q.ID == "" {
		q.ID = fmt.Sprintf("q_%s_%d", turnID, idx+1)
	}
	if q.Title == "" {
		q.Title = q.Question
	}
	if q.QuestionType == "" {
		if len(q.QuickOptions) > 0 {
			q.QuestionType = "choice"
		} else {
			q.QuestionType = "text"
		}
	}
	if q.QuestionType == "text" {
		q.ExpectsFreeText = true
	}
}

// questionsFromOutput extracts and decodes a skill's questions list.
func questionsFromOutput(output map[string]any) ([]domain.Question, bool) {
	raw, ok := output["questions"]
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var qs []domain.Question
	if err := json.Unmarshal(data, &qs); err != nil {
		return nil, false
	}
	if len(qs) == 0 {
		return nil, false
	}
	return qs, true
}

// SaveAnswers writes the whole answers array for a turn exactly once per
// call, then materializes the turn bundle before returning so the
// fact-extraction hand-off survives short-lived callers.
func (e Engine) SaveAnswers(ctx context.Context, sessionID string, turnNumber int, answers []domain.Answer, actorID string) (domain.QuestionTurn, error) {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.QuestionTurn{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.QuestionTurn{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTurnTx(ctx, tx, sessionID, turnNumber)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.QuestionTurn{}, fmt.Errorf("session %s has no turn %d", sessionID, turnNumber)
		}
		return domain.QuestionTurn{}, err
	}
	aJSON, err := json.Marshal(answers)
	if err != nil {
		return domain.QuestionTurn{}, err
	}
	now := e.nowRFC()
	if err := e.Repo.SaveTurnAnswers(ctx, tx, t.ID, string(aJSON), now); err != nil {
		return domain.QuestionTurn{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeAnswersSaved, s.ProjectID, "question_turn", t.ID, actorID, events.EventPayload{
		"session": sessionID, "turn": turnNumber,
	}); err != nil {
		return domain.QuestionTurn{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.QuestionTurn{}, err
	}
	t.AnswersJSON = string(aJSON)
	t.AnsweredAt = &now

	// The answers are committed at this point; a bundle failure surfaces to
	// the caller and saving the same answers again rebuilds it.
	if _, err := e.MaterializeTurnBundle(ctx, s, t, actorID); err != nil {
		return t, fmt.Errorf("answers saved, turn bundle: %w", err)
	}
	return t, nil
}

// MaterializeTurnBundle renders the immutable five-section bundle text for
// an answered turn, hashes it, and persists it with an audit event.
func (e Engine) MaterializeTurnBundle(ctx context.Context, s domain.QuestionSession, t domain.QuestionTurn, actorID string) (domain.TurnBundle, error) {
	text, err := renderTurnBundle(s, t)
	if err != nil {
		return domain.TurnBundle{}, err
	}
	sum := sha256.Sum256([]byte(text))
	b := domain.TurnBundle{
		ID:          uuid.New().String(),
		ProjectID:   s.ProjectID,
		SessionID:   s.ID,
		TurnNumber:  t.TurnNumber,
		Stage:       s.Stage,
		Text:        text,
		ContentHash: hex.EncodeToString(sum[:]),
		CreatedAt:   e.nowRFC(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TurnBundle{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTurnBundle(ctx, tx, b); err != nil {
		return domain.TurnBundle{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTurnBundleCreated, s.ProjectID, "turn_bundle", b.ID, actorID, events.EventPayload{
		"hash": b.ContentHash, "session": s.ID, "turn": t.TurnNumber,
	}); err != nil {
		return domain.TurnBundle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TurnBundle{}, err
	}
	return b, nil
}

// renderTurnBundle is deterministic: same turn data, same text, same hash.
func renderTurnBundle(s domain.QuestionSession, t domain.QuestionTurn) (string, error) {
	var questions []domain.Question
	if err := json.Unmarshal([]byte(t.QuestionsJSON), &questions); err != nil {
		return "", fmt.Errorf("turn %s questions: %w", t.ID, err)
	}
	var answers []domain.Answer
	if t.AnswersJSON != "" {
		if err := json.Unmarshal([]byte(t.AnswersJSON), &answers); err != nil {
			return "", fmt.Errorf("turn %s answers: %w", t.ID, err)
		}
	}
	answered := ""
	if t.AnsweredAt != nil {
		answered = *t.AnsweredAt
	}

	var sb strings.Builder
	sb.WriteString("[TURN_META]\n")
	fmt.Fprintf(&sb, "project: %s\nsession: %s\nstage: %s\nturn: %d\nanswered_at: %s\n", s.ProjectID, s.ID, s.Stage, t.TurnNumber, answered)

	sb.WriteString("\n[STRUCTURED_QUESTIONS]\n")
	for _, q := range questions {
		fmt.Fprintf(&sb, "- (%s) %s", q.ID, q.Question)
		if len(q.QuickOptions) > 0 {
			fmt.Fprintf(&sb, " [options: %s]", strings.Join(q.QuickOptions, " | "))
		}
		sb.WriteString("\n")
	}

	byQuestion := make(map[string]domain.Answer, len(answers))
	for _, a := range answers {
		byQuestion[a.QuestionID] = a
	}
	sb.WriteString("\n[USER_ANSWERS]\n")
	for _, q := range questions {
		a, ok := byQuestion[q.ID]
		if !ok || a.Quick == "" {
			continue
		}
		fmt.Fprintf(&sb, "- (%s) %s\n", q.ID, a.Quick)
	}

	sb.WriteString("\n[FREE_CHAT]\n")
	for _, q := range questions {
		a, ok := byQuestion[q.ID]
		if !ok || a.Text == "" {
			continue
		}
		fmt.Fprintf(&sb, "- (%s) %s\n", q.ID, a.Text)
	}

	sb.WriteString("\n[AGENT_OUTPUT]\n")
	sb.WriteString(t.QuestionsJSON)
	sb.WriteString("\n")
	return sb.String(), nil
}

// MarkSessionSkipped flags the session so the next controller step appends
// the one-step do-not-re-ask directive.
func (e Engine) MarkSessionSkipped(ctx context.Context, sessionID, actorID string) error {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status != "active" {
		return fmt.Errorf("session %s is %s, only active sessions can be skipped", sessionID, s.Status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.nowRFC()
	if err := e.Repo.UpdateSessionStatus(ctx, tx, sessionID, "skipped", now); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeSessionArchived, s.ProjectID, "question_session", s.ID, actorID, events.EventPayload{"status": "skipped"}); err != nil {
		return err
	}
	return tx.Commit()
}

// ArchiveSession closes a session without a replacement.
func (e Engine) ArchiveSession(ctx context.Context, sessionID, actorID string) error {
	s, err := e.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if s.Status == "archived" {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateSessionStatus(ctx, tx, sessionID, "archived", e.nowRFC()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeSessionArchived, s.ProjectID, "question_session", s.ID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
