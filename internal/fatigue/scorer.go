package fatigue

import (
	"strings"

	"luma/internal/ports"
)

// Indicator names emitted by the heuristic scorer.
const (
	IndicatorShortAnswers  = "short_answers"
	IndicatorFastResponses = "fast_responses"
	IndicatorLongSession   = "long_session"
	IndicatorQuestionCount = "question_count"
	IndicatorKeywords      = "fatigue_keywords"
	IndicatorMoodDecline   = "mood_decline"
	IndicatorFrequentSkips = "frequent_skips"
)

// fatiguePhrases are explicit statements of tiredness. Matching is
// case-insensitive substring search over answered text.
var fatiguePhrases = []string{
	"i'm tired",
	"im tired",
	"so tired",
	"exhausted",
	"worn out",
	"enough for today",
	"can we stop",
	"i want to stop",
	"need a break",
	"drained",
}

const (
	shortAnswerChars    = 20
	fastResponseSeconds = 10.0
	recentWindow        = 5
	skipWindow          = 10
)

// HeuristicScorer is the default hand-tuned indicator set: seven independent
// signals, each weighted and confidence-scaled by how much evidence backs it.
type HeuristicScorer struct{}

// Score computes all seven indicators from the history. Indicators whose
// inputs are absent (no insights yet, no timing data) come back with zero
// confidence and are excluded from normalization by the detector.
func (HeuristicScorer) Score(fctx Context, history []ports.HistoryEntry) []Indicator {
	return []Indicator{
		scoreShortAnswers(history),
		scoreFastResponses(history),
		scoreLongSession(fctx),
		scoreQuestionCount(history),
		scoreKeywords(history),
		scoreMoodDecline(history),
		scoreFrequentSkips(history),
	}
}

func recentAnswered(history []ports.HistoryEntry, n int) []ports.AnswerRecord {
	var out []ports.AnswerRecord
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		if !history[i].Answer.Skipped {
			out = append(out, history[i].Answer)
		}
	}
	return out
}

func scoreShortAnswers(history []ports.HistoryEntry) Indicator {
	ind := Indicator{Name: IndicatorShortAnswers, Weight: 0.15}
	recent := recentAnswered(history, recentWindow)
	if len(recent) < 2 {
		return ind
	}

	total := 0
	for _, a := range recent {
		total += len(strings.TrimSpace(a.Text))
	}
	mean := float64(total) / float64(len(recent))
	if mean >= shortAnswerChars {
		return ind
	}

	// Crossing the threshold activates at least half strength; the ramp to
	// full strength covers the rest of the range down to empty answers.
	ind.Activation = clamp01(0.5 + 0.5*(shortAnswerChars-mean)/shortAnswerChars)
	ind.Confidence = clamp01(float64(len(recent)) / float64(recentWindow))
	return ind
}

func scoreFastResponses(history []ports.HistoryEntry) Indicator {
	ind := Indicator{Name: IndicatorFastResponses, Weight: 0.15}
	recent := recentAnswered(history, recentWindow)

	measured := 0
	var total float64
	for _, a := range recent {
		if a.ResponseSeconds > 0 {
			measured++
			total += a.ResponseSeconds
		}
	}
	if measured < 2 {
		return ind
	}

	mean := total / float64(measured)
	if mean >= fastResponseSeconds {
		return ind
	}

	// Same floor as short answers: sub-threshold means start at half strength.
	ind.Activation = clamp01(0.5 + 0.5*(fastResponseSeconds-mean)/fastResponseSeconds)
	ind.Confidence = clamp01(float64(measured) / float64(recentWindow))
	return ind
}

func scoreLongSession(fctx Context) Indicator {
	ind := Indicator{Name: IndicatorLongSession, Weight: 0.15}
	if fctx.SessionStart.IsZero() || fctx.Now.IsZero() {
		return ind
	}

	minutes := fctx.Now.Sub(fctx.SessionStart).Minutes()
	if minutes <= 20 {
		return ind
	}

	// Ramps from 0 at 20 minutes to 1 at 40 minutes.
	ind.Activation = clamp01((minutes - 20) / 20)
	ind.Confidence = 1
	return ind
}

func scoreQuestionCount(history []ports.HistoryEntry) Indicator {
	ind := Indicator{Name: IndicatorQuestionCount, Weight: 0.1}
	count := len(history)
	if count <= 15 {
		return ind
	}

	// Ramps from 0 at 15 questions to 1 at 25.
	ind.Activation = clamp01(float64(count-15) / 10)
	ind.Confidence = 1
	return ind
}

func scoreKeywords(history []ports.HistoryEntry) Indicator {
	ind := Indicator{Name: IndicatorKeywords, Weight: 0.2}
	if containsFatigueKeyword(history) {
		ind.Activation = 1
		ind.Confidence = 0.9
	}
	return ind
}

func scoreMoodDecline(history []ports.HistoryEntry) Indicator {
	ind := Indicator{Name: IndicatorMoodDecline, Weight: 0.15}

	var valences []float64
	for _, entry := range history {
		if entry.Insight != nil {
			valences = append(valences, entry.Insight.Valence)
		}
	}
	if len(valences) < 4 {
		return ind
	}

	half := len(valences) / 2
	earlier := mean(valences[:half])
	later := mean(valences[half:])
	decline := earlier - later
	if decline <= 0.1 {
		return ind
	}

	// Full activation at a one-point valence drop.
	ind.Activation = clamp01(decline)
	ind.Confidence = clamp01(float64(len(valences)) / 8)
	return ind
}

func scoreFrequentSkips(history []ports.HistoryEntry) Indicator {
	ind := Indicator{Name: IndicatorFrequentSkips, Weight: 0.1}

	window := history
	if len(window) > skipWindow {
		window = window[len(window)-skipWindow:]
	}
	if len(window) < 3 {
		return ind
	}

	skips := 0
	for _, entry := range window {
		if entry.Answer.Skipped {
			skips++
		}
	}
	if skips < 2 {
		return ind
	}

	ind.Activation = clamp01(float64(skips) / 5)
	ind.Confidence = clamp01(float64(len(window)) / float64(skipWindow))
	return ind
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}
