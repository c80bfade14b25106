package repo

import (
	"context"
	"database/sql"

	"studioline/internal/domain"
)

const sessionColumns = `id,project_id,stage,status,current_turn_number,created_at,updated_at`

func scanSession(scan func(dest ...any) error) (domain.QuestionSession, error) {
	var s domain.QuestionSession
	err := scan(&s.ID, &s.ProjectID, &s.Stage, &s.Status, &s.CurrentTurnNumber, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.QuestionSession) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO question_sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Stage, s.Status, s.CurrentTurnNumber, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.QuestionSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM question_sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

func (r Repo) GetSessionTx(ctx context.Context, tx *sql.Tx, id string) (domain.QuestionSession, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM question_sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

// ActiveSessions returns every active session for a (project, stage) pair.
// More than one is an invariant violation startSession repairs.
func (r Repo) ActiveSessions(ctx context.Context, tx *sql.Tx, projectID, stage string) ([]domain.QuestionSession, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+sessionColumns+` FROM question_sessions WHERE project_id=? AND stage=? AND status='active'`, projectID, stage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QuestionSession
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// LatestSession returns the most recent session for a project regardless of
// stage; the controller reads it for the skipped-session suppression.
func (r Repo) LatestSession(ctx context.Context, projectID string) (domain.QuestionSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM question_sessions WHERE project_id=? ORDER BY updated_at DESC, id DESC LIMIT 1`, projectID)
	return scanSession(row.Scan)
}

func (r Repo) LatestSessionForStage(ctx context.Context, projectID, stage string) (domain.QuestionSession, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM question_sessions WHERE project_id=? AND stage=? ORDER BY updated_at DESC, id DESC LIMIT 1`, projectID, stage)
	return scanSession(row.Scan)
}

func (r Repo) UpdateSessionStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE question_sessions SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	return err
}

func (r Repo) SetSessionTurnNumber(ctx context.Context, tx *sql.Tx, id string, turnNumber int, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE question_sessions SET current_turn_number=?, updated_at=? WHERE id=?`, turnNumber, updatedAt, id)
	return err
}

// --- turns ---

const turnColumns = `id,session_id,turn_number,questions_json,answers_json,answered_at,created_at`

func scanTurn(scan func(dest ...any) error) (domain.QuestionTurn, error) {
	var t domain.QuestionTurn
	var answeredAt sql.NullString
	err := scan(&t.ID, &t.SessionID, &t.TurnNumber, &t.QuestionsJSON, &t.AnswersJSON, &answeredAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	t.AnsweredAt = stringPtr(answeredAt)
	return t, err
}

func (r Repo) InsertTurn(ctx context.Context, tx *sql.Tx, t domain.QuestionTurn) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO question_turns(`+turnColumns+`) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.SessionID, t.TurnNumber, t.QuestionsJSON, t.AnswersJSON, nullableStringPtr(t.AnsweredAt), t.CreatedAt)
	return err
}

func (r Repo) GetTurn(ctx context.Context, sessionID string, turnNumber int) (domain.QuestionTurn, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM question_turns WHERE session_id=? AND turn_number=?`, sessionID, turnNumber)
	return scanTurn(row.Scan)
}

func (r Repo) GetTurnTx(ctx context.Context, tx *sql.Tx, sessionID string, turnNumber int) (domain.QuestionTurn, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+turnColumns+` FROM question_turns WHERE session_id=? AND turn_number=?`, sessionID, turnNumber)
	return scanTurn(row.Scan)
}

// SaveTurnAnswers writes the whole answers payload for a turn; last write
// wins for the entire turn.
func (r Repo) SaveTurnAnswers(ctx context.Context, tx *sql.Tx, turnID, answersJSON, answeredAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE question_turns SET answers_json=?, answered_at=? WHERE id=?`, answersJSON, answeredAt, turnID)
	return err
}

func (r Repo) ListTurns(ctx context.Context, sessionID string) ([]domain.QuestionTurn, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+turnColumns+` FROM question_turns WHERE session_id=? ORDER BY turn_number ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.QuestionTurn
	for rows.Next() {
		t, err := scanTurn(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// --- turn bundles ---

func (r Repo) InsertTurnBundle(ctx context.Context, tx *sql.Tx, b domain.TurnBundle) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO turn_bundles(id,project_id,session_id,turn_number,stage,text,content_hash,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		b.ID, b.ProjectID, b.SessionID, b.TurnNumber, b.Stage, b.Text, b.ContentHash, b.CreatedAt)
	return err
}

func (r Repo) GetTurnBundle(ctx context.Context, id string) (domain.TurnBundle, error) {
	var b domain.TurnBundle
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,session_id,turn_number,stage,text,content_hash,created_at FROM turn_bundles WHERE id=?`, id).
		Scan(&b.ID, &b.ProjectID, &b.SessionID, &b.TurnNumber, &b.Stage, &b.Text, &b.ContentHash, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}
