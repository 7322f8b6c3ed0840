// Package sqlite provides the durable SessionStore implementation.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	lumaerrors "luma/internal/errors"
	"luma/internal/logging"
	"luma/internal/ports"
)

//go:embed schema.sql
var schemaSQL string

const reflectionMarker = "reflection_shown"

// Store is a SQLite-backed SessionStore.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

// New opens (or creates) the database at dbPath and bootstraps the schema.
func New(dbPath string, logger logging.Logger) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Set busy_timeout first so subsequent statements wait on locks.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &Store{db: db, logger: logging.OrNop(logger)}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartSession creates a new active session row for the user.
func (s *Store) StartSession(ctx context.Context, userID string) (*ports.Session, error) {
	session := &ports.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		StartedAt: time.Now().UTC(),
		Status:    ports.SessionActive,
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (id, user_id, started_at, status) VALUES (?, ?, ?, ?)`,
		session.ID, session.UserID, session.StartedAt, string(session.Status))
	if err != nil {
		return nil, &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}
	return session, nil
}

// GetActiveSession returns the user's most recent active or paused session,
// or (nil, nil) when none exists.
func (s *Store) GetActiveSession(ctx context.Context, userID string) (*ports.Session, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, started_at, status, current_question_id, current_question_at,
       questions_asked
FROM sessions
WHERE user_id = ? AND status IN ('active', 'paused')
ORDER BY started_at DESC
LIMIT 1`, userID)

	var session ports.Session
	var status string
	var currentAt sql.NullTime
	err := row.Scan(&session.ID, &session.UserID, &session.StartedAt, &status,
		&session.CurrentQuestionID, &currentAt, &session.QuestionsAsked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}
	session.Status = ports.SessionStatus(status)
	if currentAt.Valid {
		session.CurrentQuestionAt = currentAt.Time
	}
	return &session, nil
}

// SaveAnswer durably records one answer (nil text means skipped) and seeds
// its three analysis steps as pending.
func (s *Store) SaveAnswer(ctx context.Context, sessionID, questionID string, text *string, responseSeconds float64) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `SELECT user_id FROM sessions WHERE id = ?`, sessionID).Scan(&userID)
	if err == sql.ErrNoRows {
		return "", &lumaerrors.ValidationError{Field: "session_id", Value: sessionID, Message: "unknown session"}
	}
	if err != nil {
		return "", &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}

	answerID := uuid.NewString()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO answers (id, session_id, user_id, question_id, text, response_seconds, answered_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		answerID, sessionID, userID, questionID, text, responseSeconds, now)
	if err != nil {
		return "", &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}

	for _, step := range []ports.AnalysisStep{ports.StepInsight, ports.StepAggregate, ports.StepVector} {
		_, err = tx.ExecContext(ctx, `
INSERT INTO answer_steps (answer_id, step, state, updated_at) VALUES (?, ?, ?, ?)`,
			answerID, string(step), string(ports.StepPending), now)
		if err != nil {
			return "", &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}
	return answerID, nil
}

// UpdateCurrentQuestion moves the session's current-question pointer.
func (s *Store) UpdateCurrentQuestion(ctx context.Context, sessionID, questionID string) error {
	return s.execOnSession(ctx, sessionID, `
UPDATE sessions SET current_question_id = ?, current_question_at = ? WHERE id = ?`,
		questionID, time.Now().UTC(), sessionID)
}

// IncrementQuestionsAsked bumps the session's offered-question counter.
func (s *Store) IncrementQuestionsAsked(ctx context.Context, sessionID string) error {
	return s.execOnSession(ctx, sessionID, `
UPDATE sessions SET questions_asked = questions_asked + 1 WHERE id = ?`, sessionID)
}

// UpdateSessionStatus transitions the session lifecycle state.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status ports.SessionStatus) error {
	return s.execOnSession(ctx, sessionID, `
UPDATE sessions SET status = ? WHERE id = ?`, string(status), sessionID)
}

// GetSessionAnswers returns the session's persisted answers in insertion
// order, with insights attached where analysis has completed.
func (s *Store) GetSessionAnswers(ctx context.Context, sessionID string) ([]ports.AnswerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, question_id, text, response_seconds, answered_at, insight_json
FROM answers
WHERE session_id = ?
ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}
	defer rows.Close()

	var out []ports.AnswerRecord
	for rows.Next() {
		var answer ports.AnswerRecord
		var text sql.NullString
		var insightJSON sql.NullString
		if err := rows.Scan(&answer.ID, &answer.QuestionID, &text, &answer.ResponseSeconds,
			&answer.AnsweredAt, &insightJSON); err != nil {
			return nil, err
		}
		if text.Valid {
			answer.Text = text.String
		} else {
			answer.Skipped = true
		}
		if insightJSON.Valid {
			var insight ports.Insight
			if err := json.Unmarshal([]byte(insightJSON.String), &insight); err != nil {
				s.logger.Error("corrupt insight for answer %s: %v", answer.ID, err)
			} else {
				answer.Insight = &insight
			}
		}
		out = append(out, answer)
	}
	return out, rows.Err()
}

// GetUserAnsweredQuestionIDs returns every question id the user answered
// (not skipped) in any session, oldest first.
func (s *Store) GetUserAnsweredQuestionIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT question_id FROM answers
WHERE user_id = ? AND text IS NOT NULL
ORDER BY question_id`, userID)
	if err != nil {
		return nil, &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}
	defer rows.Close()
	return scanStrings(rows)
}

// CountUserAnswers returns the user's lifetime non-skipped answer count.
func (s *Store) CountUserAnswers(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM answers WHERE user_id = ? AND text IS NOT NULL`, userID).Scan(&count)
	if err != nil {
		return 0, &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}
	return count, nil
}

// GetFlaggedQuestionIDs returns ids excluded from selection.
func (s *Store) GetFlaggedQuestionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT question_id FROM flagged_questions ORDER BY question_id`)
	if err != nil {
		return nil, &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}
	defer rows.Close()
	return scanStrings(rows)
}

// FlagQuestion marks a question for moderation review. Re-flagging updates
// the reason.
func (s *Store) FlagQuestion(ctx context.Context, questionID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO flagged_questions (question_id, reason, flagged_at) VALUES (?, ?, ?)
ON CONFLICT(question_id) DO UPDATE SET reason = excluded.reason, flagged_at = excluded.flagged_at`,
		questionID, reason, time.Now().UTC())
	if err != nil {
		return &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}
	return nil
}

// SaveInsight attaches the analysis result to a stored answer.
func (s *Store) SaveInsight(ctx context.Context, answerID string, insight ports.Insight) error {
	insight.AnswerID = answerID
	payload, err := json.Marshal(insight)
	if err != nil {
		return err
	}
	return s.execOnAnswer(ctx, answerID, `
UPDATE answers SET insight_json = ? WHERE id = ?`, string(payload), answerID)
}

// GetSessionInsights returns all insights recorded for a session keyed by
// answer id.
func (s *Store) GetSessionInsights(ctx context.Context, sessionID string) (map[string]ports.Insight, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, insight_json FROM answers
WHERE session_id = ? AND insight_json IS NOT NULL`, sessionID)
	if err != nil {
		return nil, &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}
	defer rows.Close()

	out := map[string]ports.Insight{}
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, err
		}
		var insight ports.Insight
		if err := json.Unmarshal([]byte(payload), &insight); err != nil {
			s.logger.Error("corrupt insight for answer %s: %v", id, err)
			continue
		}
		out[id] = insight
	}
	return out, rows.Err()
}

// SetStepStatus records the outcome of one deep-analysis sub-step.
func (s *Store) SetStepStatus(ctx context.Context, answerID string, step ports.AnalysisStep, state ports.StepState, stepErr string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE answer_steps SET state = ?, last_error = ?, updated_at = ?
WHERE answer_id = ? AND step = ?`,
		string(state), stepErr, time.Now().UTC(), answerID, string(step))
	if err != nil {
		return &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &lumaerrors.ValidationError{Field: "answer_id", Value: answerID, Message: "unknown answer or step"}
	}
	return nil
}

// GetPendingAnalyses returns answered entries whose insight step has not
// succeeded yet, oldest first.
func (s *Store) GetPendingAnalyses(ctx context.Context, userID string) ([]ports.PendingAnalysis, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT a.id, a.session_id, a.question_id, a.text, a.retry_count
FROM answers a
JOIN answer_steps st ON st.answer_id = a.id AND st.step = ?
WHERE a.user_id = ? AND a.text IS NOT NULL AND st.state != ?
ORDER BY a.rowid`,
		string(ports.StepInsight), userID, string(ports.StepSuccess))
	if err != nil {
		return nil, &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}
	defer rows.Close()

	var out []ports.PendingAnalysis
	for rows.Next() {
		var p ports.PendingAnalysis
		if err := rows.Scan(&p.AnswerID, &p.SessionID, &p.QuestionID, &p.Text, &p.RetryCount); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// IncrementAnalysisRetry bumps an answer's analysis retry counter.
func (s *Store) IncrementAnalysisRetry(ctx context.Context, answerID string) error {
	return s.execOnAnswer(ctx, answerID, `
UPDATE answers SET retry_count = retry_count + 1 WHERE id = ?`, answerID)
}

// ReflectionShown reports whether the open reflection question was ever
// offered to the user.
func (s *Store) ReflectionShown(ctx context.Context, userID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
SELECT 1 FROM user_markers WHERE user_id = ? AND marker = ?`, userID, reflectionMarker).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}
	return true, nil
}

// MarkReflectionShown records the one-off reflection as offered.
func (s *Store) MarkReflectionShown(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO user_markers (user_id, marker, created_at) VALUES (?, ?, ?)
ON CONFLICT(user_id, marker) DO NOTHING`, userID, reflectionMarker, time.Now().UTC())
	if err != nil {
		return &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}
	return nil
}

// GetUserTrustLevel derives trust from lifetime engagement: one level per
// five answered questions, capped at five.
func (s *Store) GetUserTrustLevel(ctx context.Context, userID string) (int, error) {
	count, err := s.CountUserAnswers(ctx, userID)
	if err != nil {
		return 0, err
	}
	trust := count / 5
	if trust > 5 {
		trust = 5
	}
	return trust, nil
}

func (s *Store) execOnSession(ctx context.Context, sessionID, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &lumaerrors.ValidationError{Field: "session_id", Value: sessionID, Message: "unknown session"}
	}
	return nil
}

func (s *Store) execOnAnswer(ctx context.Context, answerID, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &lumaerrors.CollaboratorUnavailable{Collaborator: "session store", Err: err}
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return &lumaerrors.ValidationError{Field: "answer_id", Value: answerID, Message: "unknown answer"}
	}
	return nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
