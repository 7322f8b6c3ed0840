// Package orchestrator owns the session lifecycle: it hands out questions,
// runs the two-phase answer processing, supervises detached analysis tasks,
// and shuts them down gracefully.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"luma/internal/async"
	lumaerrors "luma/internal/errors"
	"luma/internal/fatigue"
	"luma/internal/logging"
	"luma/internal/ports"
	"luma/internal/router"
)

// Config tunes orchestrator behavior.
type Config struct {
	// HeavyPerSession caps emotionally heavy questions per session.
	HeavyPerSession int
	// MaxAnalysisRetries bounds resubmission of answers whose deep analysis
	// keeps failing.
	MaxAnalysisRetries int
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{HeavyPerSession: 2, MaxAnalysisRetries: 3}
}

// Deps are the collaborators the orchestrator coordinates.
type Deps struct {
	Store     ports.SessionStore
	Catalog   ports.QuestionCatalog
	Analysis  ports.AnalysisService
	Aggregate ports.PersonalityAggregate
	Vector    ports.VectorIndex
	Reporter  ports.ErrorReporter
	Detector  *fatigue.Detector
	Logger    logging.Logger
	Metrics   *Metrics
}

// sessionState is the in-memory view of one user's live session. It is a
// write-through cache over the store: every mutation is persisted first, so
// the state can always be rebuilt after a restart.
type sessionState struct {
	session         *ports.Session
	currentQuestion *ports.Question
}

// Orchestrator is the top-level session coordinator.
type Orchestrator struct {
	store     ports.SessionStore
	catalog   ports.QuestionCatalog
	analysis  ports.AnalysisService
	aggregate ports.PersonalityAggregate
	vector    ports.VectorIndex
	reporter  ports.ErrorReporter
	detector  *fatigue.Detector
	router    *router.Router
	logger    logging.Logger
	metrics   *Metrics
	config    Config

	mu       sync.Mutex
	sessions map[string]*sessionState // by user id

	tasks        *taskRegistry
	wg           sync.WaitGroup
	bgCtx        context.Context
	bgCancel     context.CancelFunc
	shuttingDown atomic.Bool

	now func() time.Time
}

// New wires an orchestrator over its collaborators.
func New(deps Deps, config Config) *Orchestrator {
	if config.HeavyPerSession <= 0 {
		config.HeavyPerSession = DefaultConfig().HeavyPerSession
	}
	if config.MaxAnalysisRetries <= 0 {
		config.MaxAnalysisRetries = DefaultConfig().MaxAnalysisRetries
	}
	if deps.Reporter == nil {
		deps.Reporter = ports.NopReporter{}
	}
	if deps.Detector == nil {
		deps.Detector = fatigue.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = defaultMetrics()
	}
	logger := logging.OrNop(deps.Logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:     deps.Store,
		catalog:   deps.Catalog,
		analysis:  deps.Analysis,
		aggregate: deps.Aggregate,
		vector:    deps.Vector,
		reporter:  deps.Reporter,
		detector:  deps.Detector,
		router: router.New(deps.Catalog, deps.Store, deps.Reporter, logger,
			router.Config{HeavyPerSession: config.HeavyPerSession}),
		logger:   logger,
		metrics:  deps.Metrics,
		config:   config,
		sessions: make(map[string]*sessionState),
		tasks:    newTaskRegistry(),
		bgCtx:    bgCtx,
		bgCancel: bgCancel,
		now:      time.Now,
	}
}

// StartResult is what the caller gets back from StartOnboarding.
type StartResult struct {
	SessionID        string          `json:"session_id"`
	Question         *ports.Question `json:"question,omitempty"`
	Resumed          bool            `json:"resumed"`
	Completed        bool            `json:"completed"` // no unseen questions remain
	SessionAnswered  int             `json:"session_answered"`
	LifetimeAnswered int             `json:"lifetime_answered"`
}

// StartOnboarding loads or creates the user's session, resubmits any stalled
// deep analyses, and returns the current question together with progress
// counts. A nil Question with Completed set means the catalog is exhausted
// for this user.
func (o *Orchestrator) StartOnboarding(ctx context.Context, userID string) (*StartResult, error) {
	if o.shuttingDown.Load() {
		return nil, lumaerrors.NewPermanent(nil, "orchestrator is shutting down")
	}

	state, resumed, err := o.loadOrCreateState(ctx, userID)
	if err != nil {
		return nil, err
	}

	o.resubmitPending(ctx, userID)

	if state.currentQuestion == nil {
		// The gentle-opener shortcut is only for sessions with no turns yet.
		// A mid-session resume goes through the full selection rules so the
		// heavy cap and session skips keep holding across restarts.
		var q *ports.Question
		if len(state.session.QuestionHistory) > 0 {
			history := o.buildHistory(ctx, state)
			q, err = o.router.SelectNext(ctx, userID, state.session, history, o.fatigueOverrides(state))
		} else {
			q, err = o.router.SelectFirst(ctx, userID)
		}
		if err != nil {
			return nil, err
		}
		if q != nil {
			if err := o.offerQuestion(ctx, state, q); err != nil {
				return nil, err
			}
		}
	}

	lifetime, err := o.store.CountUserAnswers(ctx, userID)
	if err != nil {
		o.report(err, userID, nil)
	}

	result := &StartResult{
		SessionID:        state.session.ID,
		Question:         state.currentQuestion,
		Resumed:          resumed,
		Completed:        state.currentQuestion == nil,
		SessionAnswered:  len(state.session.AnswerHistory),
		LifetimeAnswered: lifetime,
	}
	o.logger.Info("onboarding started for user %s (session %s, resumed=%v)", userID, state.session.ID, resumed)
	return result, nil
}

// GetNextQuestion advances the session by one turn. A (nil, nil) return is
// the completion signal: every question the user may see has been offered.
func (o *Orchestrator) GetNextQuestion(ctx context.Context, userID string) (*ports.Question, error) {
	state, err := o.activeState(userID)
	if err != nil {
		return nil, err
	}

	history := o.buildHistory(ctx, state)
	q, err := o.router.SelectNext(ctx, userID, state.session, history, o.fatigueOverrides(state))
	if err != nil {
		return nil, err
	}
	if q == nil {
		o.logger.Info("session %s complete: no unseen questions remain", state.session.ID)
		return nil, nil
	}

	if err := o.offerQuestion(ctx, state, q); err != nil {
		return nil, err
	}
	return q, nil
}

// ProcessAnswer runs the instant phase for one answer and dispatches the deep
// phase in the background. The returned acknowledgment is computed from the
// raw text alone and never depends on deep-phase results. By the time it
// returns, the answer is durably persisted and the session history is
// appended in alignment.
func (o *Orchestrator) ProcessAnswer(ctx context.Context, userID, questionID, text string, responseSeconds float64) (string, error) {
	state, err := o.activeState(userID)
	if err != nil {
		return "", err
	}
	question, err := o.validateCurrent(state, questionID)
	if err != nil {
		return "", err
	}

	answerID, err := o.store.SaveAnswer(ctx, state.session.ID, questionID, &text, responseSeconds)
	if err != nil {
		return "", err
	}

	record := ports.AnswerRecord{
		ID:              answerID,
		QuestionID:      questionID,
		Text:            text,
		AnsweredAt:      o.now(),
		ResponseSeconds: responseSeconds,
	}
	o.appendTurn(ctx, state, *question, record)

	snapshot := o.snapshotFor(state, *question, answerID, text)
	o.dispatchAnalysis(snapshot)

	return acknowledgment(text), nil
}

// SkipQuestion records a skip, keeping the histories aligned. Skipped
// questions get no deep analysis and are suppressed for the rest of this
// session only; they may resurface in a later one.
func (o *Orchestrator) SkipQuestion(ctx context.Context, userID, questionID string) (string, error) {
	state, err := o.activeState(userID)
	if err != nil {
		return "", err
	}
	question, err := o.validateCurrent(state, questionID)
	if err != nil {
		return "", err
	}

	answerID, err := o.store.SaveAnswer(ctx, state.session.ID, questionID, nil, 0)
	if err != nil {
		return "", err
	}

	record := ports.AnswerRecord{
		ID:         answerID,
		QuestionID: questionID,
		Skipped:    true,
		AnsweredAt: o.now(),
	}
	o.appendTurn(ctx, state, *question, record)
	state.session.SkippedQuestionIDs = append(state.session.SkippedQuestionIDs, questionID)

	return "That's alright, let's move on.", nil
}

// ShouldContinueSession runs the fatigue detector over the session history
// and records the recommendation. It returns false when fatigue is high or a
// forced pause is due; the caller decides whether to pause or complete.
func (o *Orchestrator) ShouldContinueSession(ctx context.Context, userID string) (bool, fatigue.Result, error) {
	state, err := o.activeState(userID)
	if err != nil {
		return false, fatigue.Result{}, err
	}

	history := o.buildHistory(ctx, state)
	fctx := fatigue.Context{SessionStart: state.session.StartedAt, Now: o.now()}
	result := o.detector.Analyze(fctx, history)
	state.session.LastFatigueLevel = string(result.Level)

	if result.Level == fatigue.LevelHigh {
		return false, result, nil
	}
	if o.detector.ShouldForcePause(fctx, history) {
		o.logger.Info("forcing pause for user %s (score %.2f)", userID, result.Score)
		return false, result, nil
	}
	return true, result, nil
}

// PauseSession transitions the session to paused. It stays resumable via
// StartOnboarding.
func (o *Orchestrator) PauseSession(ctx context.Context, userID string) error {
	state, err := o.activeState(userID)
	if err != nil {
		return err
	}
	if err := o.store.UpdateSessionStatus(ctx, state.session.ID, ports.SessionPaused); err != nil {
		return err
	}
	state.session.Status = ports.SessionPaused
	return nil
}

// SessionSummary is returned when a session completes.
type SessionSummary struct {
	SessionID        string        `json:"session_id"`
	QuestionsAsked   int           `json:"questions_asked"`
	Answered         int           `json:"answered"`
	Skipped          int           `json:"skipped"`
	HeavyCount       int           `json:"heavy_count"`
	Duration         time.Duration `json:"duration"`
	LifetimeAnswered int           `json:"lifetime_answered"`
}

// CompleteOnboarding marks the session completed and returns summary
// statistics. It never waits on still-running deep-phase tasks; those finish
// (or are cancelled at shutdown) on their own.
func (o *Orchestrator) CompleteOnboarding(ctx context.Context, userID string) (*SessionSummary, error) {
	state, err := o.activeState(userID)
	if err != nil {
		return nil, err
	}
	if err := o.store.UpdateSessionStatus(ctx, state.session.ID, ports.SessionCompleted); err != nil {
		return nil, err
	}

	answered, skipped := 0, 0
	for _, a := range state.session.AnswerHistory {
		if a.Skipped {
			skipped++
		} else {
			answered++
		}
	}
	lifetime, err := o.store.CountUserAnswers(ctx, userID)
	if err != nil {
		o.report(err, userID, nil)
	}

	summary := &SessionSummary{
		SessionID:        state.session.ID,
		QuestionsAsked:   state.session.QuestionsAsked,
		Answered:         answered,
		Skipped:          skipped,
		HeavyCount:       state.session.HeavyCount(),
		Duration:         o.now().Sub(state.session.StartedAt),
		LifetimeAnswered: lifetime,
	}

	o.mu.Lock()
	delete(o.sessions, userID)
	o.mu.Unlock()

	o.logger.Info("session %s completed: %d answered, %d skipped", state.session.ID, answered, skipped)
	return summary, nil
}

// FlagQuestionForReview puts a question on the moderation list, excluding it
// from all future selection. Callers are expected to gate this behind admin
// checks.
func (o *Orchestrator) FlagQuestionForReview(ctx context.Context, questionID, reason string) error {
	if _, err := o.catalog.Get(ctx, questionID); err != nil {
		return err
	}
	o.logger.Warn("question %s flagged for review: %s", questionID, reason)
	return o.store.FlagQuestion(ctx, questionID, reason)
}

// GetBackgroundTasksStatus reports every registered deep-phase task.
func (o *Orchestrator) GetBackgroundTasksStatus() []TaskStatus {
	return o.tasks.snapshot()
}

// ShutdownResult reports how the work in flight at shutdown ended. Tasks
// that finished before shutdown began are not counted.
type ShutdownResult struct {
	Completed int `json:"completed"` // in-flight tasks that reached a terminal state on their own
	Cancelled int `json:"cancelled"` // tasks forcibly cancelled at the timeout
}

// Shutdown stops accepting new work, waits up to timeout for in-flight
// deep-phase tasks, then cancels the rest. It is the only orchestrator method
// that blocks on background work.
func (o *Orchestrator) Shutdown(timeout time.Duration) ShutdownResult {
	o.shuttingDown.Store(true)
	inFlight := o.tasks.pendingCount()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		o.logger.Warn("shutdown timeout after %s: cancelling remaining analysis tasks", timeout)
	}

	o.bgCancel()
	cancelled := o.tasks.cancelRemaining()

	result := ShutdownResult{
		Completed: inFlight - cancelled,
		Cancelled: cancelled,
	}
	o.logger.Info("shutdown complete: %d tasks finished, %d cancelled", result.Completed, result.Cancelled)
	return result
}

// ---- session state plumbing ----

func (o *Orchestrator) loadOrCreateState(ctx context.Context, userID string) (*sessionState, bool, error) {
	o.mu.Lock()
	if state, ok := o.sessions[userID]; ok {
		o.mu.Unlock()
		return state, true, nil
	}
	o.mu.Unlock()

	session, err := o.store.GetActiveSession(ctx, userID)
	if err != nil {
		return nil, false, err
	}

	resumed := session != nil
	if session == nil {
		session, err = o.store.StartSession(ctx, userID)
		if err != nil {
			return nil, false, err
		}
	} else {
		if err := o.rehydrate(ctx, session); err != nil {
			return nil, false, err
		}
		if session.Status == ports.SessionPaused {
			if err := o.store.UpdateSessionStatus(ctx, session.ID, ports.SessionActive); err != nil {
				return nil, false, err
			}
			session.Status = ports.SessionActive
		}
	}

	state := &sessionState{session: session}
	if session.CurrentQuestionID != "" {
		q, err := o.lookupQuestion(ctx, session.CurrentQuestionID)
		if err != nil {
			// Stale pointer (e.g. question removed from the catalog): drop it
			// and pick fresh rather than failing the whole start.
			o.report(err, userID, map[string]any{"question_id": session.CurrentQuestionID})
			session.CurrentQuestionID = ""
		} else {
			state.currentQuestion = q
		}
	}

	o.mu.Lock()
	o.sessions[userID] = state
	o.mu.Unlock()
	return state, resumed, nil
}

// rehydrate replays persisted answers into the session's aligned histories
// after a process restart. Only in-flight deep analyses are lost to a crash,
// never session state.
func (o *Orchestrator) rehydrate(ctx context.Context, session *ports.Session) error {
	if len(session.QuestionHistory) > 0 {
		return nil
	}

	answers, err := o.store.GetSessionAnswers(ctx, session.ID)
	if err != nil {
		return err
	}
	for _, answer := range answers {
		q, err := o.lookupQuestion(ctx, answer.QuestionID)
		if err != nil {
			o.report(err, session.UserID, map[string]any{"question_id": answer.QuestionID})
			continue
		}
		session.QuestionHistory = append(session.QuestionHistory, *q)
		session.AnswerHistory = append(session.AnswerHistory, answer)
		if answer.Skipped {
			session.SkippedQuestionIDs = append(session.SkippedQuestionIDs, answer.QuestionID)
		}
	}
	o.logger.Info("rehydrated session %s with %d turns", session.ID, len(session.AnswerHistory))
	return nil
}

// lookupQuestion resolves a question id, including the reflection
// meta-question which never lives in the catalog.
func (o *Orchestrator) lookupQuestion(ctx context.Context, id string) (*ports.Question, error) {
	if id == router.ReflectionQuestionID {
		q := router.ReflectionQuestion("")
		return &q, nil
	}
	return o.catalog.Get(ctx, id)
}

func (o *Orchestrator) activeState(userID string) (*sessionState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state, ok := o.sessions[userID]
	if !ok {
		return nil, &lumaerrors.ValidationError{Field: "user_id", Value: userID, Message: "no active session"}
	}
	return state, nil
}

func (o *Orchestrator) validateCurrent(state *sessionState, questionID string) (*ports.Question, error) {
	if state.currentQuestion == nil || state.session.CurrentQuestionID != questionID {
		return nil, &lumaerrors.ValidationError{
			Field:   "question_id",
			Value:   questionID,
			Message: "not the session's current question",
		}
	}
	return state.currentQuestion, nil
}

// offerQuestion persists the new pointer and counter before touching the
// in-memory state.
func (o *Orchestrator) offerQuestion(ctx context.Context, state *sessionState, q *ports.Question) error {
	if err := o.store.UpdateCurrentQuestion(ctx, state.session.ID, q.ID); err != nil {
		return err
	}
	if err := o.store.IncrementQuestionsAsked(ctx, state.session.ID); err != nil {
		o.report(err, state.session.UserID, map[string]any{"session_id": state.session.ID})
	}
	state.session.CurrentQuestionID = q.ID
	state.session.CurrentQuestionAt = o.now()
	state.session.QuestionsAsked++
	state.currentQuestion = q
	return nil
}

// appendTurn appends one (question, answer) pair, preserving index alignment,
// and clears the current-question pointer.
func (o *Orchestrator) appendTurn(ctx context.Context, state *sessionState, question ports.Question, answer ports.AnswerRecord) {
	state.session.QuestionHistory = append(state.session.QuestionHistory, question)
	state.session.AnswerHistory = append(state.session.AnswerHistory, answer)
	state.session.CurrentQuestionID = ""
	state.currentQuestion = nil

	// Pointer clearing is advisory; a stale persisted pointer is corrected on
	// the next offer.
	if err := o.store.UpdateCurrentQuestion(ctx, state.session.ID, ""); err != nil {
		o.report(err, state.session.UserID, map[string]any{"session_id": state.session.ID})
	}
}

// buildHistory reconstructs the ordered (question, answer, insight) view the
// router and fatigue detector consume. Insights are read from the store at
// call time; the deep phase never writes into the live session.
func (o *Orchestrator) buildHistory(ctx context.Context, state *sessionState) []ports.HistoryEntry {
	insights, err := o.store.GetSessionInsights(ctx, state.session.ID)
	if err != nil {
		o.report(err, state.session.UserID, map[string]any{"session_id": state.session.ID})
		insights = nil
	}

	entries := make([]ports.HistoryEntry, 0, len(state.session.QuestionHistory))
	for i, q := range state.session.QuestionHistory {
		answer := state.session.AnswerHistory[i]
		entry := ports.HistoryEntry{Question: q, Answer: answer}
		if insight, ok := insights[answer.ID]; ok {
			entry.Insight = &insight
			entry.Answer.Insight = &insight
		}
		entries = append(entries, entry)
	}
	return entries
}

// fatigueOverrides maps the last recorded fatigue level to router overrides.
func (o *Orchestrator) fatigueOverrides(state *sessionState) *router.Overrides {
	level := fatigue.Level(state.session.LastFatigueLevel)
	if level == "" || level == fatigue.LevelEnergized {
		return nil
	}
	strategy := o.detector.GetContinuationStrategy(level)
	return &router.Overrides{
		MaxComplexity:   strategy.MaxComplexity,
		AllowedEnergies: strategy.AllowedEnergies,
	}
}

// ---- deep phase ----

// analysisSnapshot is the immutable unit of deep-phase work. It is taken at
// dispatch so the background task never reads or writes the live session.
type analysisSnapshot struct {
	answerID      string
	sessionID     string
	userID        string
	text          string
	question      ports.Question
	turnIndex     int
	askedAt       time.Time
	priorInsights []ports.Insight
}

func (o *Orchestrator) snapshotFor(state *sessionState, question ports.Question, answerID, text string) analysisSnapshot {
	var prior []ports.Insight
	for _, answer := range state.session.AnswerHistory {
		if answer.Insight != nil {
			prior = append(prior, *answer.Insight)
		}
	}
	return analysisSnapshot{
		answerID:      answerID,
		sessionID:     state.session.ID,
		userID:        state.session.UserID,
		text:          text,
		question:      question,
		turnIndex:     len(state.session.AnswerHistory) - 1,
		askedAt:       state.session.CurrentQuestionAt,
		priorInsights: prior,
	}
}

// dispatchAnalysis registers and launches one deep-phase task. The completion
// callback logs and reports failures but never re-raises them, so one broken
// analysis cannot affect another session.
func (o *Orchestrator) dispatchAnalysis(snapshot analysisSnapshot) {
	if o.shuttingDown.Load() {
		o.logger.Warn("dropping analysis dispatch for answer %s: shutting down", snapshot.answerID)
		return
	}

	taskID := o.tasks.add(fmt.Sprintf("analyze %s", snapshot.answerID))
	o.metrics.IncActiveTasks()
	o.wg.Add(1)

	async.Go(o.logger, "deep-analysis", func() {
		defer o.wg.Done()
		defer o.metrics.DecActiveTasks()

		err := o.runDeepPhase(o.bgCtx, snapshot)
		o.tasks.complete(taskID, err)
		if err != nil {
			o.logger.Error("deep analysis for answer %s failed: %v", snapshot.answerID, err)
			o.report(err, snapshot.userID, map[string]any{
				"answer_id":  snapshot.answerID,
				"session_id": snapshot.sessionID,
			})
		}
	})
}

// runDeepPhase executes the three analysis steps. The insight step gates the
// other two; aggregate and vector then run concurrently and record their
// outcomes independently, so a partial failure retries without redoing
// completed work.
func (o *Orchestrator) runDeepPhase(ctx context.Context, snapshot analysisSnapshot) error {
	insight, err := o.stepInsight(ctx, snapshot)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.Go(func() error { return o.stepAggregate(ctx, snapshot, *insight) })
	g.Go(func() error { return o.stepVector(ctx, snapshot) })
	return g.Wait()
}

func (o *Orchestrator) stepInsight(ctx context.Context, snapshot analysisSnapshot) (*ports.Insight, error) {
	start := o.now()
	actx := ports.AnalysisContext{
		SessionID:     snapshot.sessionID,
		UserID:        snapshot.userID,
		TurnIndex:     snapshot.turnIndex,
		AskedAt:       snapshot.askedAt,
		PriorInsights: snapshot.priorInsights,
	}

	insight, err := o.analysis.Analyze(ctx, snapshot.question, snapshot.text, actx)
	if err != nil {
		o.recordStep(ctx, snapshot.answerID, ports.StepInsight, start, err)
		return nil, fmt.Errorf("insight step: %w", err)
	}
	insight.AnswerID = snapshot.answerID

	if err := o.store.SaveInsight(ctx, snapshot.answerID, *insight); err != nil {
		o.recordStep(ctx, snapshot.answerID, ports.StepInsight, start, err)
		return nil, fmt.Errorf("persist insight: %w", err)
	}
	o.recordStep(ctx, snapshot.answerID, ports.StepInsight, start, nil)
	return insight, nil
}

func (o *Orchestrator) stepAggregate(ctx context.Context, snapshot analysisSnapshot, insight ports.Insight) error {
	start := o.now()

	profile, err := o.aggregate.Get(ctx, snapshot.userID)
	if err == nil {
		merged := o.aggregate.Merge(profile, snapshot.question, insight)
		err = o.aggregate.Persist(ctx, snapshot.userID, merged)
	}
	o.recordStep(ctx, snapshot.answerID, ports.StepAggregate, start, err)
	if err != nil {
		return fmt.Errorf("aggregate step: %w", err)
	}
	return nil
}

func (o *Orchestrator) stepVector(ctx context.Context, snapshot analysisSnapshot) error {
	start := o.now()
	err := o.vector.Rebuild(ctx, snapshot.userID)
	o.recordStep(ctx, snapshot.answerID, ports.StepVector, start, err)
	if err != nil {
		return fmt.Errorf("vector step: %w", err)
	}
	return nil
}

// recordStep persists one step outcome and updates metrics.
func (o *Orchestrator) recordStep(ctx context.Context, answerID string, step ports.AnalysisStep, start time.Time, stepErr error) {
	state := ports.StepSuccess
	status := "success"
	message := ""
	if stepErr != nil {
		state = ports.StepFailed
		status = "failed"
		message = stepErr.Error()
		o.metrics.IncStepFailure(string(step))
	}
	o.metrics.ObserveStepDuration(string(step), status, o.now().Sub(start))

	if err := o.store.SetStepStatus(ctx, answerID, step, state, message); err != nil {
		o.logger.Warn("recording %s step status for answer %s failed: %v", step, answerID, err)
	}
}

// resubmitPending re-dispatches persisted answers whose deep analysis never
// completed, bounded by the retry cap so permanently broken answers stop
// consuming work.
func (o *Orchestrator) resubmitPending(ctx context.Context, userID string) {
	pending, err := o.store.GetPendingAnalyses(ctx, userID)
	if err != nil {
		o.report(err, userID, nil)
		return
	}

	for _, p := range pending {
		if p.RetryCount >= o.config.MaxAnalysisRetries {
			o.logger.Warn("answer %s exceeded %d analysis retries, giving up", p.AnswerID, o.config.MaxAnalysisRetries)
			continue
		}
		if err := o.store.IncrementAnalysisRetry(ctx, p.AnswerID); err != nil {
			o.report(err, userID, map[string]any{"answer_id": p.AnswerID})
			continue
		}
		question, err := o.lookupQuestion(ctx, p.QuestionID)
		if err != nil {
			o.report(err, userID, map[string]any{"question_id": p.QuestionID})
			continue
		}

		o.metrics.IncRetry("pending_on_start")
		o.logger.Info("resubmitting analysis for answer %s (attempt %d)", p.AnswerID, p.RetryCount+1)
		o.dispatchAnalysis(analysisSnapshot{
			answerID:  p.AnswerID,
			sessionID: p.SessionID,
			userID:    userID,
			text:      p.Text,
			question:  *question,
		})
	}
}

func (o *Orchestrator) report(err error, userID string, context map[string]any) {
	o.logger.Warn("collaborator failure for user %s: %v", userID, err)
	o.reporter.Collect(err, "orchestrator", userID, context)
}
