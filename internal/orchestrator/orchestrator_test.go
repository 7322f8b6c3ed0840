package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luma/internal/analysis"
	"luma/internal/catalog"
	lumaerrors "luma/internal/errors"
	"luma/internal/fatigue"
	"luma/internal/ports"
	"luma/internal/store/memstore"
)

const waitFor = 2 * time.Second

// stubAnalysis is a controllable AnalysisService. failures makes the first N
// calls fail; a non-nil gate blocks every call until the gate closes or the
// context is cancelled. gates overrides the shared gate per answer text.
type stubAnalysis struct {
	mu       sync.Mutex
	calls    int
	failures int
	gate     chan struct{}
	gates    map[string]chan struct{}
}

func (s *stubAnalysis) gateFor(text string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gates[text]; ok {
		return g
	}
	return s.gate
}

func (s *stubAnalysis) Analyze(ctx context.Context, q ports.Question, text string, actx ports.AnalysisContext) (*ports.Insight, error) {
	if gate := s.gateFor(text); gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()

	if n <= s.failures {
		return nil, lumaerrors.NewTransient(fmt.Errorf("analysis backend down"), "")
	}
	return &ports.Insight{
		Domain:           q.Classification.Domain,
		QualityScore:     3,
		ConfidenceScore:  0.8,
		EmotionalState:   "calm",
		SpecialSituation: ports.SituationNone,
	}, nil
}

func (s *stubAnalysis) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testEntries(n int) []catalog.Entry {
	domains := []string{"values", "relationships", "work", "health"}
	entries := make([]catalog.Entry, 0, n)
	for i := 0; i < n; i++ {
		entries = append(entries, catalog.Entry{
			ID:            fmt.Sprintf("q%02d", i),
			Text:          fmt.Sprintf("question %d", i),
			Domain:        domains[i%len(domains)],
			DepthLevel:    string(ports.DepthSurface),
			EnergyDynamic: string(ports.EnergyNeutral),
			Complexity:    2, EmotionalWeight: 2, SafetyLevel: 4,
		})
	}
	return entries
}

func newTestOrchestrator(t *testing.T, svc ports.AnalysisService) (*Orchestrator, *memstore.Store, *catalog.Catalog) {
	t.Helper()
	cat, err := catalog.New(testEntries(14), nil)
	require.NoError(t, err)
	store := memstore.New()
	return orchestratorOver(svc, store, cat), store, cat
}

func orchestratorOver(svc ports.AnalysisService, store ports.SessionStore, cat ports.QuestionCatalog) *Orchestrator {
	return New(Deps{
		Store:     store,
		Catalog:   cat,
		Analysis:  svc,
		Aggregate: analysis.NewMemoryAggregate(),
		Vector:    analysis.NopVectorIndex{},
		Metrics:   MustNewMetrics(prometheus.NewRegistry()),
	}, DefaultConfig())
}

// answerTurns drives n (question, answer) turns through the orchestrator.
func answerTurns(t *testing.T, o *Orchestrator, userID string, n int, text string, responseSeconds float64) {
	t.Helper()
	ctx := context.Background()

	start, err := o.StartOnboarding(ctx, userID)
	require.NoError(t, err)
	q := start.Question

	for i := 0; i < n; i++ {
		require.NotNil(t, q, "catalog exhausted after %d turns", i)
		_, err := o.ProcessAnswer(ctx, userID, q.ID, text, responseSeconds)
		require.NoError(t, err)
		q, err = o.GetNextQuestion(ctx, userID)
		require.NoError(t, err)
	}
}

func TestStartOnboardingOffersSafeQuestion(t *testing.T) {
	t.Parallel()
	o, _, _ := newTestOrchestrator(t, &stubAnalysis{})

	result, err := o.StartOnboarding(context.Background(), "u1")
	require.NoError(t, err)

	assert.NotEmpty(t, result.SessionID)
	assert.False(t, result.Resumed)
	require.NotNil(t, result.Question)
	assert.GreaterOrEqual(t, result.Question.Psychology.SafetyLevel, 3)
	assert.Zero(t, result.SessionAnswered)
}

func TestHistoriesStayAlignedThroughAnswersAndSkips(t *testing.T) {
	t.Parallel()
	o, _, _ := newTestOrchestrator(t, &stubAnalysis{})
	ctx := context.Background()

	start, err := o.StartOnboarding(ctx, "u1")
	require.NoError(t, err)
	q := start.Question

	for i := 0; i < 6; i++ {
		require.NotNil(t, q)
		if i%3 == 2 {
			_, err = o.SkipQuestion(ctx, "u1", q.ID)
		} else {
			_, err = o.ProcessAnswer(ctx, "u1", q.ID, "a considered answer", 15)
		}
		require.NoError(t, err)

		state, err := o.activeState("u1")
		require.NoError(t, err)
		assert.Equal(t, len(state.session.QuestionHistory), len(state.session.AnswerHistory))

		q, err = o.GetNextQuestion(ctx, "u1")
		require.NoError(t, err)
	}
}

func TestProcessAnswerValidatesQuestionID(t *testing.T) {
	t.Parallel()
	o, _, _ := newTestOrchestrator(t, &stubAnalysis{})
	ctx := context.Background()

	var verr *lumaerrors.ValidationError

	// No active session at all.
	_, err := o.ProcessAnswer(ctx, "nobody", "q00", "text", 5)
	require.ErrorAs(t, err, &verr)

	start, err := o.StartOnboarding(ctx, "u1")
	require.NoError(t, err)

	_, err = o.ProcessAnswer(ctx, "u1", "not-the-current-question", "text", 5)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "question_id", verr.Field)

	// The real current question still works afterwards.
	ack, err := o.ProcessAnswer(ctx, "u1", start.Question.ID, "text", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, ack)

	// Answering the same question twice fails: the pointer moved on.
	_, err = o.ProcessAnswer(ctx, "u1", start.Question.ID, "text", 5)
	require.ErrorAs(t, err, &verr)
}

func TestAcknowledgmentIndependentOfDeepPhase(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	svc := &stubAnalysis{gate: gate}
	o, _, _ := newTestOrchestrator(t, svc)
	ctx := context.Background()

	start, err := o.StartOnboarding(ctx, "u1")
	require.NoError(t, err)

	// Analysis is blocked on the gate; the ack must come back regardless.
	ack, err := o.ProcessAnswer(ctx, "u1", start.Question.ID, "a thoughtful answer about my values", 20)
	require.NoError(t, err)
	assert.NotEmpty(t, ack)

	statuses := o.GetBackgroundTasksStatus()
	require.Len(t, statuses, 1)
	assert.Equal(t, TaskPending, statuses[0].State)

	close(gate)
	require.Eventually(t, func() bool {
		return o.GetBackgroundTasksStatus()[0].State == TaskDone
	}, waitFor, 10*time.Millisecond)
}

func TestDeepPhaseRecordsInsightAndSteps(t *testing.T) {
	t.Parallel()
	o, store, _ := newTestOrchestrator(t, &stubAnalysis{})
	ctx := context.Background()

	start, err := o.StartOnboarding(ctx, "u1")
	require.NoError(t, err)
	_, err = o.ProcessAnswer(ctx, "u1", start.Question.ID, "I care most about honesty", 12)
	require.NoError(t, err)

	state, err := o.activeState("u1")
	require.NoError(t, err)
	answerID := state.session.AnswerHistory[0].ID

	require.Eventually(t, func() bool {
		insightState, _ := store.StepStatus(answerID, ports.StepInsight)
		aggregateState, _ := store.StepStatus(answerID, ports.StepAggregate)
		vectorState, _ := store.StepStatus(answerID, ports.StepVector)
		return insightState == ports.StepSuccess &&
			aggregateState == ports.StepSuccess &&
			vectorState == ports.StepSuccess
	}, waitFor, 10*time.Millisecond)

	insights, err := store.GetSessionInsights(ctx, start.SessionID)
	require.NoError(t, err)
	require.Len(t, insights, 1)
	assert.Equal(t, answerID, insights[answerID].AnswerID)
}

func TestDeepPhaseFailureIsIsolated(t *testing.T) {
	t.Parallel()
	o, store, _ := newTestOrchestrator(t, &stubAnalysis{failures: 1000})
	ctx := context.Background()

	start, err := o.StartOnboarding(ctx, "u1")
	require.NoError(t, err)

	ack, err := o.ProcessAnswer(ctx, "u1", start.Question.ID, "an answer", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, ack)

	state, err := o.activeState("u1")
	require.NoError(t, err)
	answerID := state.session.AnswerHistory[0].ID

	require.Eventually(t, func() bool {
		insightState, stepErr := store.StepStatus(answerID, ports.StepInsight)
		return insightState == ports.StepFailed && stepErr != ""
	}, waitFor, 10*time.Millisecond)

	// The conversation continues unaffected.
	q, err := o.GetNextQuestion(ctx, "u1")
	require.NoError(t, err)
	assert.NotNil(t, q)

	statuses := o.GetBackgroundTasksStatus()
	require.Len(t, statuses, 1)
	assert.Equal(t, TaskFailed, statuses[0].State)
}

func TestRetryPendingIsCapped(t *testing.T) {
	t.Parallel()
	svc := &stubAnalysis{failures: 1000}
	o, _, _ := newTestOrchestrator(t, svc)
	ctx := context.Background()

	start, err := o.StartOnboarding(ctx, "u1")
	require.NoError(t, err)
	_, err = o.ProcessAnswer(ctx, "u1", start.Question.ID, "an answer", 10)
	require.NoError(t, err)

	// First attempt fails in the background.
	require.Eventually(t, func() bool { return svc.callCount() == 1 }, waitFor, 10*time.Millisecond)

	// Each session start resubmits once, until the cap of 3 retries.
	for attempt := 2; attempt <= 4; attempt++ {
		_, err = o.StartOnboarding(ctx, "u1")
		require.NoError(t, err)
		require.Eventually(t, func() bool { return svc.callCount() == attempt },
			waitFor, 10*time.Millisecond, "attempt %d never dispatched", attempt)
	}

	// Beyond the cap, starting a session no longer dispatches analysis.
	_, err = o.StartOnboarding(ctx, "u1")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, svc.callCount())
}

func TestShutdownWaitsThenCancels(t *testing.T) {
	t.Parallel()
	gate1 := make(chan struct{})
	gate2 := make(chan struct{})
	svc := &stubAnalysis{gates: map[string]chan struct{}{"first": gate1, "second": gate2}}
	o, _, _ := newTestOrchestrator(t, svc)
	ctx := context.Background()

	start, err := o.StartOnboarding(ctx, "u1")
	require.NoError(t, err)
	_, err = o.ProcessAnswer(ctx, "u1", start.Question.ID, "first", 5)
	require.NoError(t, err)
	q, err := o.GetNextQuestion(ctx, "u1")
	require.NoError(t, err)
	_, err = o.ProcessAnswer(ctx, "u1", q.ID, "second", 5)
	require.NoError(t, err)

	// The first analysis finishes inside the wait window; the second stays
	// blocked until the timeout cancels it.
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(gate1)
	}()
	result := o.Shutdown(300 * time.Millisecond)
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, 1, result.Cancelled)

	for _, status := range o.GetBackgroundTasksStatus() {
		assert.True(t, status.State.Terminal(), "task %s left in state %s", status.Name, status.State)
	}

	// New work is refused after shutdown.
	_, err = o.StartOnboarding(ctx, "u2")
	assert.Error(t, err)
}

func TestRehydrationAfterRestart(t *testing.T) {
	t.Parallel()
	cat, err := catalog.New(testEntries(14), nil)
	require.NoError(t, err)
	store := memstore.New()
	ctx := context.Background()

	first := orchestratorOver(&stubAnalysis{}, store, cat)
	start, err := first.StartOnboarding(ctx, "u1")
	require.NoError(t, err)
	_, err = first.ProcessAnswer(ctx, "u1", start.Question.ID, "first answer", 10)
	require.NoError(t, err)
	q, err := first.GetNextQuestion(ctx, "u1")
	require.NoError(t, err)
	_, err = first.ProcessAnswer(ctx, "u1", q.ID, "second answer", 10)
	require.NoError(t, err)
	pointer, err := first.GetNextQuestion(ctx, "u1")
	require.NoError(t, err)
	first.Shutdown(time.Second)

	// A fresh process over the same store resumes where the first left off.
	second := orchestratorOver(&stubAnalysis{}, store, cat)
	resumed, err := second.StartOnboarding(ctx, "u1")
	require.NoError(t, err)

	assert.True(t, resumed.Resumed)
	assert.Equal(t, start.SessionID, resumed.SessionID)
	assert.Equal(t, 2, resumed.SessionAnswered)
	assert.Equal(t, 2, resumed.LifetimeAnswered)
	require.NotNil(t, resumed.Question)
	assert.Equal(t, pointer.ID, resumed.Question.ID)

	state, err := second.activeState("u1")
	require.NoError(t, err)
	assert.Equal(t, len(state.session.QuestionHistory), len(state.session.AnswerHistory))

	// The replayed history keeps enforcing the global no-repeat rule.
	seen := map[string]bool{start.Question.ID: true, q.ID: true, pointer.ID: true}
	_, err = second.ProcessAnswer(ctx, "u1", pointer.ID, "third answer", 10)
	require.NoError(t, err)
	next, err := second.GetNextQuestion(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.False(t, seen[next.ID], "question %s repeated after restart", next.ID)
}

func TestResumeEnforcesHeavyCapAndSkips(t *testing.T) {
	t.Parallel()
	entry := func(id, domain string, depth ports.DepthLevel, energy ports.EnergyDynamic, safety int) catalog.Entry {
		return catalog.Entry{
			ID: id, Text: "text for " + id, Domain: domain,
			DepthLevel: string(depth), EnergyDynamic: string(energy),
			Complexity: 2, EmotionalWeight: 3, SafetyLevel: safety,
		}
	}
	cat, err := catalog.New([]catalog.Entry{
		entry("h1", "shadow", ports.DepthEdge, ports.EnergyHeavy, 3),
		entry("h2", "shadow", ports.DepthEdge, ports.EnergyHeavy, 3),
		entry("h3", "shadow", ports.DepthEdge, ports.EnergyHeavy, 3),
		entry("skipme", "relationships", ports.DepthSurface, ports.EnergyNeutral, 5),
		entry("calm1", "values", ports.DepthSurface, ports.EnergyNeutral, 4),
		entry("calm2", "values", ports.DepthSurface, ports.EnergyNeutral, 4),
	}, nil)
	require.NoError(t, err)
	store := memstore.New()
	ctx := context.Background()

	// A previous process answered two heavy questions and skipped one, then
	// went away between turns with no current question pointer.
	session, err := store.StartSession(ctx, "u1")
	require.NoError(t, err)
	text := "a real answer"
	_, err = store.SaveAnswer(ctx, session.ID, "h1", &text, 20)
	require.NoError(t, err)
	_, err = store.SaveAnswer(ctx, session.ID, "h2", &text, 20)
	require.NoError(t, err)
	_, err = store.SaveAnswer(ctx, session.ID, "skipme", nil, 0)
	require.NoError(t, err)

	o := orchestratorOver(&stubAnalysis{failures: 1000}, store, cat)
	resumed, err := o.StartOnboarding(ctx, "u1")
	require.NoError(t, err)

	assert.True(t, resumed.Resumed)
	require.NotNil(t, resumed.Question)
	assert.False(t, resumed.Question.IsHeavy(),
		"resumed session offered heavy question %s past the per-session cap", resumed.Question.ID)
	assert.NotEqual(t, "skipme", resumed.Question.ID,
		"skipped question resurfaced within the same session")
}

func TestShouldContinueSessionDetectsFatigue(t *testing.T) {
	t.Parallel()
	o, _, _ := newTestOrchestrator(t, &stubAnalysis{})
	ctx := context.Background()

	answerTurns(t, o, "u1", 9, "ok", 3)
	state, err := o.activeState("u1")
	require.NoError(t, err)
	require.NotEmpty(t, state.session.CurrentQuestionID)
	_, err = o.ProcessAnswer(ctx, "u1", state.session.CurrentQuestionID, "i'm tired", 2)
	require.NoError(t, err)

	cont, result, err := o.ShouldContinueSession(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, cont)
	assert.Equal(t, fatigue.LevelHigh, result.Level)
	assert.Equal(t, string(fatigue.LevelHigh), state.session.LastFatigueLevel)
}

func TestFatigueOverridesRestrictNextSelection(t *testing.T) {
	t.Parallel()
	entries := testEntries(10)
	entries = append(entries, catalog.Entry{
		ID: "gentle", Text: "a gentle check-in", Domain: "healing",
		DepthLevel:    string(ports.DepthSurface),
		EnergyDynamic: string(ports.EnergyHealing),
		Complexity:    1, EmotionalWeight: 1, SafetyLevel: 5,
	})
	cat, err := catalog.New(entries, nil)
	require.NoError(t, err)
	o := orchestratorOver(&stubAnalysis{}, memstore.New(), cat)
	ctx := context.Background()

	answerTurns(t, o, "u1", 3, "ok", 2)
	state, err := o.activeState("u1")
	require.NoError(t, err)
	state.session.LastFatigueLevel = string(fatigue.LevelHigh)

	// With high fatigue recorded, only opening or healing energy remains.
	_, err = o.ProcessAnswer(ctx, "u1", state.session.CurrentQuestionID, "ok", 2)
	require.NoError(t, err)
	q, err := o.GetNextQuestion(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.Contains(t,
		[]ports.EnergyDynamic{ports.EnergyOpening, ports.EnergyHealing},
		q.Classification.Energy)
}

func TestCompleteOnboardingSummary(t *testing.T) {
	t.Parallel()
	o, store, _ := newTestOrchestrator(t, &stubAnalysis{})
	ctx := context.Background()

	start, err := o.StartOnboarding(ctx, "u1")
	require.NoError(t, err)
	_, err = o.ProcessAnswer(ctx, "u1", start.Question.ID, "one", 5)
	require.NoError(t, err)
	q, err := o.GetNextQuestion(ctx, "u1")
	require.NoError(t, err)
	_, err = o.ProcessAnswer(ctx, "u1", q.ID, "two", 5)
	require.NoError(t, err)
	q, err = o.GetNextQuestion(ctx, "u1")
	require.NoError(t, err)
	_, err = o.SkipQuestion(ctx, "u1", q.ID)
	require.NoError(t, err)

	summary, err := o.CompleteOnboarding(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, start.SessionID, summary.SessionID)
	assert.Equal(t, 3, summary.QuestionsAsked)
	assert.Equal(t, 2, summary.Answered)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 2, summary.LifetimeAnswered)

	// The session is gone from both cache and store.
	_, err = o.ProcessAnswer(ctx, "u1", q.ID, "late", 5)
	var verr *lumaerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	active, err := store.GetActiveSession(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestFlagQuestionForReview(t *testing.T) {
	t.Parallel()
	o, store, _ := newTestOrchestrator(t, &stubAnalysis{})
	ctx := context.Background()

	var verr *lumaerrors.ValidationError
	err := o.FlagQuestionForReview(ctx, "no-such-question", "broken")
	require.ErrorAs(t, err, &verr)

	require.NoError(t, o.FlagQuestionForReview(ctx, "q03", "confusing phrasing"))
	flagged, err := store.GetFlaggedQuestionIDs(ctx)
	require.NoError(t, err)
	assert.Contains(t, flagged, "q03")
}

func TestAcknowledgmentHeuristic(t *testing.T) {
	t.Parallel()

	short := acknowledgment("yes")
	medium := acknowledgment("I think what matters most to me is staying honest with the people around me.")
	unsure := acknowledgment("honestly I don't know")

	assert.NotEmpty(t, short)
	assert.NotEmpty(t, medium)
	assert.NotEqual(t, short, medium)
	assert.Contains(t, unsure, "fair")

	// Deterministic for identical input.
	assert.Equal(t, short, acknowledgment("yes"))
}
