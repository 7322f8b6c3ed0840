package fatigue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"luma/internal/ports"
)

var testBase = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func entry(text string, responseSeconds float64, skipped bool) ports.HistoryEntry {
	return ports.HistoryEntry{
		Question: ports.Question{ID: "q", Classification: ports.Classification{Energy: ports.EnergyNeutral}},
		Answer: ports.AnswerRecord{
			QuestionID:      "q",
			Text:            text,
			Skipped:         skipped,
			ResponseSeconds: responseSeconds,
			AnsweredAt:      testBase,
		},
	}
}

func TestAnalyzeEmptyHistoryIsEnergized(t *testing.T) {
	t.Parallel()
	d := New()
	result := d.Analyze(Context{SessionStart: testBase, Now: testBase}, nil)
	assert.Equal(t, LevelEnergized, result.Level)
	assert.Zero(t, result.Score)
	assert.Equal(t, RecommendContinue, result.Recommendation)
}

func TestAnalyzeShortFastAnswersWithFatiguePhrase(t *testing.T) {
	t.Parallel()
	d := New()

	var history []ports.HistoryEntry
	for i := 0; i < 9; i++ {
		history = append(history, entry("ok", 3, false))
	}
	history = append(history, entry("i'm tired", 3, false))

	result := d.Analyze(Context{SessionStart: testBase, Now: testBase.Add(5 * time.Minute)}, history)
	assert.Equal(t, LevelHigh, result.Level)
	assert.Equal(t, RecommendEndSession, result.Recommendation)
	assert.GreaterOrEqual(t, result.Score, 0.6)
}

func TestAnalyzeShortFastAnswersAtThresholdBoundary(t *testing.T) {
	t.Parallel()
	d := New()

	// 19 characters at 9.5 seconds sits just under both thresholds; with an
	// explicit fatigue phrase the level must still come out high.
	var history []ports.HistoryEntry
	for i := 0; i < 9; i++ {
		history = append(history, entry("barely a real reply", 9.5, false))
	}
	history = append(history, entry("exhausted, honestly", 9.5, false))

	result := d.Analyze(Context{SessionStart: testBase, Now: testBase.Add(2 * time.Minute)}, history)
	assert.Equal(t, LevelHigh, result.Level)
	assert.GreaterOrEqual(t, result.Score, 0.6)
	assert.Equal(t, RecommendEndSession, result.Recommendation)
}

func TestAnalyzeEngagedAnswersStayEnergized(t *testing.T) {
	t.Parallel()
	d := New()

	var history []ports.HistoryEntry
	for i := 0; i < 6; i++ {
		history = append(history, entry(
			"I spent a long time thinking about this and there is a lot I want to unpack here.",
			45, false))
	}

	result := d.Analyze(Context{SessionStart: testBase, Now: testBase.Add(10 * time.Minute)}, history)
	assert.Equal(t, LevelEnergized, result.Level)
}

// fixedScorer returns one full-confidence indicator at a fixed activation.
type fixedScorer struct{ activation float64 }

func (f fixedScorer) Score(Context, []ports.HistoryEntry) []Indicator {
	return []Indicator{{Name: "fixed", Weight: 1, Activation: f.activation, Confidence: 1}}
}

func TestAnalyzeThresholdsAreConfigurable(t *testing.T) {
	t.Parallel()
	history := []ports.HistoryEntry{entry("anything", 10, false)}
	fctx := Context{SessionStart: testBase, Now: testBase}

	def := NewWithScorer(fixedScorer{activation: 0.5})
	assert.Equal(t, LevelMedium, def.Analyze(fctx, history).Level)

	strict := NewWithThresholds(Thresholds{High: 0.4, Medium: 0.2})
	strict.scorer = fixedScorer{activation: 0.5}
	assert.Equal(t, LevelHigh, strict.Analyze(fctx, history).Level)

	lenient := NewWithThresholds(Thresholds{High: 0.9, Medium: 0.6})
	lenient.scorer = fixedScorer{activation: 0.5}
	assert.Equal(t, LevelEnergized, lenient.Analyze(fctx, history).Level)
}

func TestAnalyzeIsDeterministic(t *testing.T) {
	t.Parallel()
	d := New()

	history := []ports.HistoryEntry{
		entry("short", 4, false),
		entry("brief", 5, false),
		entry("", 0, true),
		entry("meh", 3, false),
	}
	fctx := Context{SessionStart: testBase, Now: testBase.Add(25 * time.Minute)}

	first := d.Analyze(fctx, history)
	for i := 0; i < 10; i++ {
		again := d.Analyze(fctx, history)
		require.Equal(t, first.Score, again.Score)
		require.Equal(t, first.Level, again.Level)
	}
}

func TestAnalyzeMoodDeclineRaisesScore(t *testing.T) {
	t.Parallel()
	d := New()

	withInsight := func(valence float64) ports.HistoryEntry {
		e := entry("a reasonably substantial answer about my day and my feelings", 30, false)
		e.Insight = &ports.Insight{Valence: valence, ConfidenceScore: 0.8}
		return e
	}

	flat := []ports.HistoryEntry{withInsight(0.5), withInsight(0.5), withInsight(0.5), withInsight(0.5), withInsight(0.5), withInsight(0.5)}
	declining := []ports.HistoryEntry{withInsight(0.8), withInsight(0.7), withInsight(0.6), withInsight(-0.2), withInsight(-0.4), withInsight(-0.6)}

	fctx := Context{SessionStart: testBase, Now: testBase.Add(5 * time.Minute)}
	assert.Greater(t, d.Analyze(fctx, declining).Score, d.Analyze(fctx, flat).Score)
}

func TestAnalyzeFrequentSkipsScoredOverLastTenTurns(t *testing.T) {
	t.Parallel()
	d := New()

	// Early skips fall outside the 10-turn window and must not count.
	var history []ports.HistoryEntry
	for i := 0; i < 5; i++ {
		history = append(history, entry("", 0, true))
	}
	for i := 0; i < 10; i++ {
		history = append(history, entry("a thoughtful answer with plenty of substance to it", 40, false))
	}

	result := d.Analyze(Context{SessionStart: testBase, Now: testBase.Add(5 * time.Minute)}, history)
	for _, ind := range result.Indicators {
		if ind.Name == IndicatorFrequentSkips {
			assert.False(t, ind.Present(), "skips outside the window should not fire")
		}
	}
}

func TestShouldForcePauseNeedsTwoSignals(t *testing.T) {
	t.Parallel()
	d := New()

	// Single signal: long session only.
	var calm []ports.HistoryEntry
	for i := 0; i < 5; i++ {
		calm = append(calm, entry("a long and considered answer about something that matters to me", 60, false))
	}
	fctx := Context{SessionStart: testBase, Now: testBase.Add(35 * time.Minute)}
	assert.False(t, d.ShouldForcePause(fctx, calm))

	// Two signals: long session plus explicit fatigue phrase.
	withKeyword := append(append([]ports.HistoryEntry{}, calm...), entry("honestly I am exhausted", 60, false))
	assert.True(t, d.ShouldForcePause(fctx, withKeyword))
}

func TestShouldForcePauseManyAnswersAndHighScore(t *testing.T) {
	t.Parallel()
	d := New()

	var history []ports.HistoryEntry
	for i := 0; i < 22; i++ {
		history = append(history, entry("ok", 2, false))
	}
	fctx := Context{SessionStart: testBase, Now: testBase.Add(10 * time.Minute)}
	// >20 answered plus score > 0.8 from short/fast answers.
	assert.True(t, d.ShouldForcePause(fctx, history))
}

func TestGetContinuationStrategy(t *testing.T) {
	t.Parallel()
	d := New()

	high := d.GetContinuationStrategy(LevelHigh)
	assert.Equal(t, 2, high.MaxComplexity)
	assert.Contains(t, high.AllowedEnergies, ports.EnergyHealing)
	assert.NotContains(t, high.AllowedEnergies, ports.EnergyHeavy)
	assert.Equal(t, 1, high.CheckInInterval)

	medium := d.GetContinuationStrategy(LevelMedium)
	assert.Equal(t, 3, medium.MaxComplexity)
	assert.NotContains(t, medium.AllowedEnergies, ports.EnergyHeavy)

	energized := d.GetContinuationStrategy(LevelEnergized)
	assert.Equal(t, 5, energized.MaxComplexity)
	assert.Empty(t, energized.AllowedEnergies)
}

type indicatorScorer struct {
	indicators []Indicator
}

func (f indicatorScorer) Score(Context, []ports.HistoryEntry) []Indicator {
	return f.indicators
}

func TestDetectorWithInjectedScorer(t *testing.T) {
	t.Parallel()

	cases := []struct {
		activation float64
		want       Level
	}{
		{0.0, LevelEnergized},
		{0.4, LevelMedium},
		{0.9, LevelHigh},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("activation_%v", tc.activation), func(t *testing.T) {
			d := NewWithScorer(indicatorScorer{indicators: []Indicator{
				{Name: "fixture", Weight: 1, Activation: tc.activation, Confidence: 1},
			}})
			result := d.Analyze(Context{}, nil)
			assert.Equal(t, tc.want, result.Level)
		})
	}
}

func TestAnalyzeScoreClamped(t *testing.T) {
	t.Parallel()
	d := NewWithScorer(indicatorScorer{indicators: []Indicator{
		{Name: "overdriven", Weight: 1, Activation: 5, Confidence: 1},
	}})
	result := d.Analyze(Context{}, nil)
	assert.LessOrEqual(t, result.Score, 1.0)
}
