package analysis

import (
	"context"
	"strings"
	"time"

	"luma/internal/ports"
)

// Heuristic is a deterministic, model-free analyzer. It stands in for the
// language-model collaborator in tests and the console demo: same answer,
// same insight, every time.
type Heuristic struct {
	Now func() time.Time // defaults to time.Now
}

var _ ports.AnalysisService = (*Heuristic)(nil)

var (
	crisisMarkers = []string{"can't go on", "cant go on", "hopeless", "no way out", "hurt myself"}
	breakMarkers  = []string{"i just realized", "never saw it this way", "it clicks now", "that explains everything"}
	resistMarkers = []string{"next question", "why do you ask", "none of your business", "whatever", "don't want to talk"}
	negativeWords = []string{"sad", "angry", "afraid", "lost", "alone", "ashamed", "guilty"}
	positiveWords = []string{"grateful", "happy", "proud", "hopeful", "excited", "love", "calm"}
)

// Analyze scores the answer by length and marker words.
func (h *Heuristic) Analyze(ctx context.Context, question ports.Question, answerText string, actx ports.AnalysisContext) (*ports.Insight, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	text := strings.ToLower(strings.TrimSpace(answerText))
	words := len(strings.Fields(text))

	// Longer answers read as higher effort, saturating around 60 words.
	quality := float64(words) / 12.0
	if quality > 5 {
		quality = 5
	}

	valence := 0.0
	intensity := 0.0
	emotional := "neutral"
	for _, w := range negativeWords {
		if strings.Contains(text, w) {
			valence -= 0.3
			intensity += 0.25
			emotional = "troubled"
		}
	}
	for _, w := range positiveWords {
		if strings.Contains(text, w) {
			valence += 0.3
			intensity += 0.15
			emotional = "uplifted"
		}
	}
	valence = clamp(valence, -1, 1)
	intensity = clamp(intensity, 0, 1)

	situation := ports.SituationNone
	switch {
	case containsAny(text, crisisMarkers):
		situation = ports.SituationCrisis
		intensity = 1
		emotional = "distressed"
	case containsAny(text, breakMarkers):
		situation = ports.SituationBreakthrough
		intensity = clamp(intensity+0.5, 0, 1)
	case containsAny(text, resistMarkers) || words < 3:
		situation = ports.SituationResistance
	}

	now := time.Now()
	if h.Now != nil {
		now = h.Now()
	}

	return &ports.Insight{
		Domain:           question.Classification.Domain,
		QualityScore:     quality,
		ConfidenceScore:  0.4, // heuristic output is low-confidence by nature
		EmotionalState:   emotional,
		Valence:          valence,
		Intensity:        intensity,
		SpecialSituation: situation,
		CreatedAt:        now,
	}, nil
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
