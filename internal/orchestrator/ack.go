package orchestrator

import "strings"

// acknowledgment computes the instant-phase reply from the raw answer text
// alone. It must stay cheap and deterministic: the caller gets it back before
// any insight exists, and it may never depend on deep-phase results.
func acknowledgment(text string) string {
	words := len(strings.Fields(text))
	lower := strings.ToLower(text)

	switch {
	case words == 0:
		return "I've noted that."
	case containsAny(lower, []string{"hard to say", "don't know", "not sure", "no idea"}):
		return "That's a fair answer too. Not everything needs to be certain."
	case containsAny(lower, []string{"never told", "first time", "hard for me", "difficult to"}):
		return "Thank you for trusting me with that."
	case words < 8:
		return "Thanks for sharing that."
	case words < 40:
		return "Thank you, that gives me a clearer picture."
	default:
		return "Thank you for going into such depth. I'll sit with that for a moment."
	}
}

func containsAny(text string, phrases []string) bool {
	for _, phrase := range phrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	return false
}
