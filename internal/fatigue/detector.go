package fatigue

import (
	"strings"
	"time"

	"luma/internal/ports"
)

// Level classifies the user's current fatigue.
type Level string

const (
	LevelEnergized Level = "energized"
	LevelMedium    Level = "medium_fatigue"
	LevelHigh      Level = "high_fatigue"
)

// Recommendation strings returned with an analysis result.
const (
	RecommendContinue   = "continue"
	RecommendOfferPause = "offer_pause"
	RecommendEndSession = "end_session"
)

// Context carries the session signals that are not derivable from the answer
// history itself. Now is injected so results are deterministic.
type Context struct {
	SessionStart time.Time
	Now          time.Time
}

// Indicator is one scored fatigue signal. An indicator is "present" when its
// inputs were measurable and it activated; only present indicators take part
// in normalization.
type Indicator struct {
	Name       string  `json:"name"`
	Weight     float64 `json:"weight"`
	Activation float64 `json:"activation"` // 0 .. 1
	Confidence float64 `json:"confidence"` // 0 .. 1
}

// Present reports whether the indicator fired at all.
func (i Indicator) Present() bool {
	return i.Activation > 0 && i.Confidence > 0
}

// Result is the outcome of one fatigue analysis.
type Result struct {
	Score          float64     `json:"score"` // 0 .. 1
	Level          Level       `json:"level"`
	Indicators     []Indicator `json:"indicators"`
	Recommendation string      `json:"recommendation"`
}

// Scorer computes the raw indicator set from session signals. It must be a
// pure function of its inputs so tests can substitute deterministic fixtures.
type Scorer interface {
	Score(fctx Context, history []ports.HistoryEntry) []Indicator
}

// Thresholds are the normalized score cutoffs for the fatigue levels.
// Medium must stay below High.
type Thresholds struct {
	High   float64
	Medium float64
}

// DefaultThresholds returns the standard cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{High: 0.6, Medium: 0.3}
}

// Detector combines indicator scores into a fatigue level. It holds no
// mutable state and is safe under arbitrary concurrent calls.
type Detector struct {
	scorer     Scorer
	thresholds Thresholds
}

// New returns a detector using the built-in heuristic scorer and the default
// thresholds.
func New() *Detector {
	return NewWithScorer(nil)
}

// NewWithScorer returns a detector using a custom scoring strategy.
func NewWithScorer(scorer Scorer) *Detector {
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	return &Detector{scorer: scorer, thresholds: DefaultThresholds()}
}

// NewWithThresholds returns a detector with tuned level cutoffs. Zero
// thresholds fall back to the defaults.
func NewWithThresholds(thresholds Thresholds) *Detector {
	d := New()
	if thresholds.High > 0 {
		d.thresholds.High = thresholds.High
	}
	if thresholds.Medium > 0 {
		d.thresholds.Medium = thresholds.Medium
	}
	return d
}

// Analyze scores the session and maps the result to a level and
// recommendation. Scores at or above the high threshold recommend ending the
// session, at or above the medium threshold offering a pause.
func (d *Detector) Analyze(fctx Context, history []ports.HistoryEntry) Result {
	indicators := d.scorer.Score(fctx, history)

	var weighted, total float64
	for _, ind := range indicators {
		if !ind.Present() {
			continue
		}
		weighted += ind.Weight * ind.Activation * ind.Confidence
		total += ind.Weight * ind.Confidence
	}

	score := 0.0
	if total > 0 {
		score = weighted / total
	}
	score = clamp01(score)

	level := LevelEnergized
	recommendation := RecommendContinue
	switch {
	case score >= d.thresholds.High:
		level = LevelHigh
		recommendation = RecommendEndSession
	case score >= d.thresholds.Medium:
		level = LevelMedium
		recommendation = RecommendOfferPause
	}

	return Result{
		Score:          score,
		Level:          level,
		Indicators:     indicators,
		Recommendation: recommendation,
	}
}

// ShouldForcePause reports whether the session must pause regardless of the
// user's wish to continue. It requires at least two independent hard signals
// so a single noisy indicator cannot interrupt an engaged user.
func (d *Detector) ShouldForcePause(fctx Context, history []ports.HistoryEntry) bool {
	result := d.Analyze(fctx, history)

	answered := 0
	for _, entry := range history {
		if !entry.Answer.Skipped {
			answered++
		}
	}

	signals := 0
	if result.Score > 0.8 {
		signals++
	}
	if !fctx.SessionStart.IsZero() && fctx.Now.Sub(fctx.SessionStart) > 30*time.Minute {
		signals++
	}
	if answered > 20 {
		signals++
	}
	if containsFatigueKeyword(history) {
		signals++
	}

	return signals >= 2
}

// ContinuationStrategy maps a fatigue level to router overrides.
type ContinuationStrategy struct {
	MaxComplexity   int
	AllowedEnergies []ports.EnergyDynamic // empty = no restriction
	CheckInInterval int                   // turns between fatigue check-ins
}

// GetContinuationStrategy returns the router overrides for a fatigue level.
func (d *Detector) GetContinuationStrategy(level Level) ContinuationStrategy {
	switch level {
	case LevelHigh:
		return ContinuationStrategy{
			MaxComplexity:   2,
			AllowedEnergies: []ports.EnergyDynamic{ports.EnergyOpening, ports.EnergyHealing},
			CheckInInterval: 1,
		}
	case LevelMedium:
		return ContinuationStrategy{
			MaxComplexity:   3,
			AllowedEnergies: []ports.EnergyDynamic{ports.EnergyOpening, ports.EnergyNeutral, ports.EnergyHealing},
			CheckInInterval: 3,
		}
	default:
		return ContinuationStrategy{
			MaxComplexity:   5,
			CheckInInterval: 5,
		}
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func containsFatigueKeyword(history []ports.HistoryEntry) bool {
	for _, entry := range history {
		if entry.Answer.Skipped {
			continue
		}
		text := strings.ToLower(entry.Answer.Text)
		for _, phrase := range fatiguePhrases {
			if strings.Contains(text, phrase) {
				return true
			}
		}
	}
	return false
}
