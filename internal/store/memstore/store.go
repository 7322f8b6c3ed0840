// Package memstore provides an in-memory SessionStore for tests and the
// console demo. State lives for the process lifetime only.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	lumaerrors "luma/internal/errors"
	"luma/internal/ports"
)

type stepStatus struct {
	state   ports.StepState
	lastErr string
}

type answerRecord struct {
	id              string
	sessionID       string
	questionID      string
	userID          string
	text            *string
	responseSeconds float64
	answeredAt      time.Time
	insight         *ports.Insight
	steps           map[ports.AnalysisStep]stepStatus
	retryCount      int
}

// Store is a process-local SessionStore implementation.
type Store struct {
	mu              sync.RWMutex
	sessions        map[string]*ports.Session
	activeByUser    map[string]string
	answers         map[string]*answerRecord
	answerOrder     []string
	flagged         map[string]string
	reflectionShown map[string]bool

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		sessions:        make(map[string]*ports.Session),
		activeByUser:    make(map[string]string),
		answers:         make(map[string]*answerRecord),
		flagged:         make(map[string]string),
		reflectionShown: make(map[string]bool),
		now:             time.Now,
	}
}

// StartSession creates a new active session for the user. Any previous
// active session for the same user is left untouched; callers are expected
// to complete or pause it first.
func (s *Store) StartSession(ctx context.Context, userID string) (*ports.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := &ports.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		StartedAt: s.now(),
		Status:    ports.SessionActive,
	}
	s.sessions[session.ID] = session
	s.activeByUser[userID] = session.ID
	return cloneSession(session), nil
}

// GetActiveSession returns the user's active or paused session, or (nil, nil).
func (s *Store) GetActiveSession(ctx context.Context, userID string) (*ports.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeByUser[userID]
	if !ok {
		return nil, nil
	}
	session := s.sessions[id]
	if session == nil || session.Status == ports.SessionCompleted {
		return nil, nil
	}
	return cloneSession(session), nil
}

// SaveAnswer durably records one answer; nil text means skipped.
func (s *Store) SaveAnswer(ctx context.Context, sessionID, questionID string, text *string, responseSeconds float64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return "", &lumaerrors.ValidationError{Field: "session_id", Value: sessionID, Message: "unknown session"}
	}

	rec := &answerRecord{
		id:              uuid.NewString(),
		sessionID:       sessionID,
		questionID:      questionID,
		userID:          session.UserID,
		text:            text,
		responseSeconds: responseSeconds,
		answeredAt:      s.now(),
		steps: map[ports.AnalysisStep]stepStatus{
			ports.StepInsight:   {state: ports.StepPending},
			ports.StepAggregate: {state: ports.StepPending},
			ports.StepVector:    {state: ports.StepPending},
		},
	}
	s.answers[rec.id] = rec
	s.answerOrder = append(s.answerOrder, rec.id)
	return rec.id, nil
}

// UpdateCurrentQuestion moves the session's current-question pointer.
func (s *Store) UpdateCurrentQuestion(ctx context.Context, sessionID, questionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return &lumaerrors.ValidationError{Field: "session_id", Value: sessionID, Message: "unknown session"}
	}
	session.CurrentQuestionID = questionID
	session.CurrentQuestionAt = s.now()
	return nil
}

// IncrementQuestionsAsked bumps the session's offered-question counter.
func (s *Store) IncrementQuestionsAsked(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return &lumaerrors.ValidationError{Field: "session_id", Value: sessionID, Message: "unknown session"}
	}
	session.QuestionsAsked++
	return nil
}

// UpdateSessionStatus transitions the session lifecycle state.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status ports.SessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return &lumaerrors.ValidationError{Field: "session_id", Value: sessionID, Message: "unknown session"}
	}
	session.Status = status
	if status == ports.SessionCompleted && s.activeByUser[session.UserID] == sessionID {
		delete(s.activeByUser, session.UserID)
	}
	return nil
}

// GetSessionAnswers returns the session's persisted answers in insertion
// order, with insights attached where analysis has completed.
func (s *Store) GetSessionAnswers(ctx context.Context, sessionID string) ([]ports.AnswerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ports.AnswerRecord
	for _, id := range s.answerOrder {
		rec := s.answers[id]
		if rec.sessionID != sessionID {
			continue
		}
		answer := ports.AnswerRecord{
			ID:              rec.id,
			QuestionID:      rec.questionID,
			Skipped:         rec.text == nil,
			AnsweredAt:      rec.answeredAt,
			ResponseSeconds: rec.responseSeconds,
		}
		if rec.text != nil {
			answer.Text = *rec.text
		}
		if rec.insight != nil {
			insight := *rec.insight
			answer.Insight = &insight
		}
		out = append(out, answer)
	}
	return out, nil
}

// GetUserAnsweredQuestionIDs returns every question id the user has answered
// (not skipped) in any session.
func (s *Store) GetUserAnsweredQuestionIDs(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]bool{}
	var ids []string
	for _, id := range s.answerOrder {
		rec := s.answers[id]
		if rec.userID != userID || rec.text == nil || seen[rec.questionID] {
			continue
		}
		seen[rec.questionID] = true
		ids = append(ids, rec.questionID)
	}
	return ids, nil
}

// CountUserAnswers returns the user's lifetime non-skipped answer count.
func (s *Store) CountUserAnswers(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, rec := range s.answers {
		if rec.userID == userID && rec.text != nil {
			count++
		}
	}
	return count, nil
}

// GetFlaggedQuestionIDs returns ids excluded from selection.
func (s *Store) GetFlaggedQuestionIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.flagged))
	for id := range s.flagged {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// FlagQuestion marks a question for moderation review.
func (s *Store) FlagQuestion(ctx context.Context, questionID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flagged[questionID] = reason
	return nil
}

// SaveInsight attaches the analysis result to a stored answer.
func (s *Store) SaveInsight(ctx context.Context, answerID string, insight ports.Insight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.answers[answerID]
	if !ok {
		return &lumaerrors.ValidationError{Field: "answer_id", Value: answerID, Message: "unknown answer"}
	}
	insight.AnswerID = answerID
	rec.insight = &insight
	return nil
}

// GetSessionInsights returns all insights recorded for a session keyed by
// answer id.
func (s *Store) GetSessionInsights(ctx context.Context, sessionID string) (map[string]ports.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := map[string]ports.Insight{}
	for _, rec := range s.answers {
		if rec.sessionID == sessionID && rec.insight != nil {
			out[rec.id] = *rec.insight
		}
	}
	return out, nil
}

// SetStepStatus records the outcome of one deep-analysis sub-step.
func (s *Store) SetStepStatus(ctx context.Context, answerID string, step ports.AnalysisStep, state ports.StepState, stepErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.answers[answerID]
	if !ok {
		return &lumaerrors.ValidationError{Field: "answer_id", Value: answerID, Message: "unknown answer"}
	}
	rec.steps[step] = stepStatus{state: state, lastErr: stepErr}
	return nil
}

// StepStatus returns the recorded state of one analysis step. Test and
// observability helper beyond the SessionStore contract.
func (s *Store) StepStatus(answerID string, step ports.AnalysisStep) (ports.StepState, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.answers[answerID]
	if !ok {
		return "", ""
	}
	st := rec.steps[step]
	return st.state, st.lastErr
}

// GetPendingAnalyses returns answered (non-skipped) entries whose insight
// step has not succeeded yet, oldest first.
func (s *Store) GetPendingAnalyses(ctx context.Context, userID string) ([]ports.PendingAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ports.PendingAnalysis
	for _, id := range s.answerOrder {
		rec := s.answers[id]
		if rec.userID != userID || rec.text == nil {
			continue
		}
		if rec.steps[ports.StepInsight].state == ports.StepSuccess {
			continue
		}
		out = append(out, ports.PendingAnalysis{
			AnswerID:   rec.id,
			SessionID:  rec.sessionID,
			QuestionID: rec.questionID,
			Text:       *rec.text,
			RetryCount: rec.retryCount,
		})
	}
	return out, nil
}

// IncrementAnalysisRetry bumps an answer's analysis retry counter.
func (s *Store) IncrementAnalysisRetry(ctx context.Context, answerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.answers[answerID]
	if !ok {
		return &lumaerrors.ValidationError{Field: "answer_id", Value: answerID, Message: "unknown answer"}
	}
	rec.retryCount++
	return nil
}

// ReflectionShown reports whether the open reflection question was ever
// offered to the user.
func (s *Store) ReflectionShown(ctx context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reflectionShown[userID], nil
}

// MarkReflectionShown records the one-off reflection as offered.
func (s *Store) MarkReflectionShown(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reflectionShown[userID] = true
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

func cloneSession(session *ports.Session) *ports.Session {
	clone := *session
	clone.QuestionHistory = append([]ports.Question(nil), session.QuestionHistory...)
	clone.AnswerHistory = append([]ports.AnswerRecord(nil), session.AnswerHistory...)
	clone.SkippedQuestionIDs = append([]string(nil), session.SkippedQuestionIDs...)
	return &clone
}
