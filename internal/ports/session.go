package ports

import (
	"context"
	"time"
)

// SessionStatus is the lifecycle state of one onboarding session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// AnswerRecord is one turn's answer. Skips are recorded, not omitted, so the
// answer history stays index-aligned with the question history.
type AnswerRecord struct {
	ID              string    `json:"id"`
	QuestionID      string    `json:"question_id"`
	Text            string    `json:"text"` // empty when skipped
	Skipped         bool      `json:"skipped"`
	AnsweredAt      time.Time `json:"answered_at"`
	ResponseSeconds float64   `json:"response_seconds"` // time from question shown to answer
	Insight         *Insight  `json:"insight,omitempty"` // absent until deep analysis completes
}

// Session is one user's onboarding conversation.
//
// QuestionHistory and AnswerHistory are index-aligned at all times: entry i of
// each describes turn i.
type Session struct {
	ID                 string         `json:"id"`
	UserID             string         `json:"user_id"`
	StartedAt          time.Time      `json:"started_at"`
	Status             SessionStatus  `json:"status"`
	QuestionHistory    []Question     `json:"question_history"`
	AnswerHistory      []AnswerRecord `json:"answer_history"`
	CurrentQuestionID  string         `json:"current_question_id"`
	CurrentQuestionAt  time.Time      `json:"current_question_at"`
	QuestionsAsked     int            `json:"questions_asked"`
	// LastFatigueLevel is advisory and recomputed per check-in; stores do
	// not persist it.
	LastFatigueLevel   string         `json:"last_fatigue_level,omitempty"`
	SkippedQuestionIDs []string       `json:"skipped_question_ids,omitempty"`
}

// HeavyCount returns how many heavy questions this session has offered.
func (s *Session) HeavyCount() int {
	n := 0
	for _, q := range s.QuestionHistory {
		if q.IsHeavy() {
			n++
		}
	}
	return n
}

// LastQuestion returns the most recently offered question, or nil for a
// fresh session.
func (s *Session) LastQuestion() *Question {
	if len(s.QuestionHistory) == 0 {
		return nil
	}
	return &s.QuestionHistory[len(s.QuestionHistory)-1]
}

// HistoryEntry pairs a question with its answer and, once deep analysis has
// run, its insight. The router and fatigue detector consume ordered slices
// of these.
type HistoryEntry struct {
	Question Question
	Answer   AnswerRecord
	Insight  *Insight
}

// AnalysisStep names one sub-step of deep answer processing. Each step's
// outcome is tracked independently so a partial failure can be retried
// without redoing completed work.
type AnalysisStep string

const (
	StepInsight   AnalysisStep = "insight"
	StepAggregate AnalysisStep = "aggregate"
	StepVector    AnalysisStep = "vector"
)

// StepState is the persisted status of one analysis step.
type StepState string

const (
	StepPending StepState = "pending"
	StepSuccess StepState = "success"
	StepFailed  StepState = "failed"
)

// PendingAnalysis describes a persisted answer whose deep analysis has not
// completed, used to resubmit work on session start.
type PendingAnalysis struct {
	AnswerID   string `json:"answer_id"`
	SessionID  string `json:"session_id"`
	QuestionID string `json:"question_id"`
	Text       string `json:"text"`
	RetryCount int    `json:"retry_count"`
}

// SessionStore persists sessions, answers, and per-answer analysis status.
type SessionStore interface {
	// StartSession creates a new active session for the user.
	StartSession(ctx context.Context, userID string) (*Session, error)

	// GetActiveSession returns the user's active or paused session, or
	// (nil, nil) when none exists.
	GetActiveSession(ctx context.Context, userID string) (*Session, error)

	// SaveAnswer durably records one answer (text == nil means skipped) and
	// returns the stored answer id. Its analysis steps start out pending.
	SaveAnswer(ctx context.Context, sessionID, questionID string, text *string, responseSeconds float64) (string, error)

	// UpdateCurrentQuestion moves the session's current-question pointer.
	UpdateCurrentQuestion(ctx context.Context, sessionID, questionID string) error

	// IncrementQuestionsAsked bumps the session's offered-question counter.
	IncrementQuestionsAsked(ctx context.Context, sessionID string) error

	// UpdateSessionStatus transitions the session lifecycle state.
	UpdateSessionStatus(ctx context.Context, sessionID string, status SessionStatus) error

	// GetSessionAnswers returns the session's persisted answers in
	// insertion order, with any recorded insights attached. Used to replay
	// history when rehydrating after a restart.
	GetSessionAnswers(ctx context.Context, sessionID string) ([]AnswerRecord, error)

	// GetUserAnsweredQuestionIDs returns every question id the user has
	// answered in any session. Backs the global no-repeat invariant.
	GetUserAnsweredQuestionIDs(ctx context.Context, userID string) ([]string, error)

	// CountUserAnswers returns the user's lifetime non-skipped answer count.
	CountUserAnswers(ctx context.Context, userID string) (int, error)

	// GetFlaggedQuestionIDs returns ids excluded from selection pending
	// moderation rework.
	GetFlaggedQuestionIDs(ctx context.Context) ([]string, error)

	// FlagQuestion marks a question for moderation review.
	FlagQuestion(ctx context.Context, questionID, reason string) error

	// SaveInsight attaches the analysis result to a stored answer.
	SaveInsight(ctx context.Context, answerID string, insight Insight) error

	// GetSessionInsights returns all insights recorded for a session,
	// keyed by answer id. Rehydrates router context after a restart.
	GetSessionInsights(ctx context.Context, sessionID string) (map[string]Insight, error)

	// SetStepStatus records the outcome of one deep-analysis sub-step.
	SetStepStatus(ctx context.Context, answerID string, step AnalysisStep, state StepState, stepErr string) error

	// GetPendingAnalyses returns the user's answers whose insight step has
	// not succeeded (still pending, or failed on an earlier attempt),
	// together with their retry counts. Enforcing the retry cap is the
	// caller's concern.
	GetPendingAnalyses(ctx context.Context, userID string) ([]PendingAnalysis, error)

	// IncrementAnalysisRetry bumps an answer's analysis retry counter.
	IncrementAnalysisRetry(ctx context.Context, answerID string) error

	// ReflectionShown reports whether the one-off open-reflection question
	// has ever been offered to this user.
	ReflectionShown(ctx context.Context, userID string) (bool, error)

	// MarkReflectionShown records that the open-reflection question was
	// offered to this user.
	MarkReflectionShown(ctx context.Context, userID string) error

	// GetUserTrustLevel returns the user's earned trust level, gating
	// shadow-depth questions.
	GetUserTrustLevel(ctx context.Context, userID string) (int, error)
}
