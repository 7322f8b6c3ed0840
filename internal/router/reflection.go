package router

import (
	"context"

	"luma/internal/ports"
)

// ReflectionQuestionID is the reserved id of the one-off open reflection
// meta-question. It never collides with catalog content ids.
const ReflectionQuestionID = "meta.open-reflection"

const (
	reflectionEarliestTurn    = 3
	reflectionForcedTurn      = 6
	reflectionEngagementFloor = 3.0
)

var reflectionVariants = map[string]string{
	"emotional": "Something in your recent answers seemed to carry real weight. " +
		"If you pause for a moment: what is moving in you right now?",
	"engaged": "You've been going deep here. Looking back over what you've shared so far, " +
		"what stands out to you the most?",
	"default": "Before we go on: is there anything on your mind right now that no question " +
		"has asked about yet?",
}

// maybeReflection injects the open reflection question at most once per user.
// It triggers from turn 3 when engagement or emotion warrants it, and
// unconditionally at turn 6 if it has not been shown yet. Returns nil when
// the regular selection should proceed.
func (r *Router) maybeReflection(ctx context.Context, userID string, history []ports.HistoryEntry) *ports.Question {
	turn := len(history) + 1
	if turn < reflectionEarliestTurn {
		return nil
	}

	shown, err := r.store.ReflectionShown(ctx, userID)
	if err != nil {
		r.report(err, userID)
		return nil
	}
	if shown {
		return nil
	}

	engagement := meanInsightQuality(history)
	emotional := hasEmotionalAnswer(history)

	due := engagement >= reflectionEngagementFloor || emotional || turn >= reflectionForcedTurn
	if !due {
		return nil
	}

	variant := "default"
	switch {
	case emotional:
		variant = "emotional"
	case engagement >= reflectionEngagementFloor:
		variant = "engaged"
	}

	if err := r.store.MarkReflectionShown(ctx, userID); err != nil {
		// Not fatal: worst case the question repeats once after a crash.
		r.report(err, userID)
	}

	r.logger.Info("injecting open reflection (variant=%s) for user %s at turn %d", variant, userID, turn)
	q := ReflectionQuestion(variant)
	return &q
}

// ReflectionQuestion builds the open reflection meta-question with the given
// phrasing variant. An unknown variant falls back to the default phrasing.
// It also serves session rehydration, where only the question id survives a
// restart.
func ReflectionQuestion(variant string) ports.Question {
	text, ok := reflectionVariants[variant]
	if !ok {
		text = reflectionVariants["default"]
	}
	return ports.Question{
		ID:   ReflectionQuestionID,
		Text: text,
		Classification: ports.Classification{
			Domain:     "meta",
			DepthLevel: ports.DepthConscious,
			Energy:     ports.EnergyProcessing,
		},
		Psychology: ports.Psychology{
			Complexity:      2,
			EmotionalWeight: 2,
			SafetyLevel:     4,
		},
	}
}

func meanInsightQuality(history []ports.HistoryEntry) float64 {
	total, n := 0.0, 0
	for _, entry := range history {
		if entry.Insight != nil {
			total += entry.Insight.QualityScore
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

func hasEmotionalAnswer(history []ports.HistoryEntry) bool {
	for _, entry := range history {
		if entry.Insight != nil && entry.Insight.Emotional() {
			return true
		}
	}
	return false
}
