package ports

import (
	"context"
	"time"
)

// SpecialSituation is an analysis-detected answer condition that drives
// follow-up behavior.
type SpecialSituation string

const (
	SituationNone         SpecialSituation = "none"
	SituationCrisis       SpecialSituation = "crisis"
	SituationBreakthrough SpecialSituation = "breakthrough"
	SituationResistance   SpecialSituation = "resistance"
)

// Insight is the structured result of deep analysis of one answer.
type Insight struct {
	AnswerID         string           `json:"answer_id"`
	Domain           string           `json:"domain"`
	QualityScore     float64          `json:"quality_score"`     // 0 .. 5
	ConfidenceScore  float64          `json:"confidence_score"`  // 0 .. 1
	EmotionalState   string           `json:"emotional_state"`   // e.g. "calm", "moved", "distressed"
	Valence          float64          `json:"valence"`           // -1 (negative) .. 1 (positive)
	Intensity        float64          `json:"intensity"`         // 0 .. 1 emotional intensity
	SpecialSituation SpecialSituation `json:"special_situation"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Emotional reports whether the insight marks the answer as emotionally
// significant. The router's reflection trigger and interest scoring use it.
func (i Insight) Emotional() bool {
	return i.Intensity >= 0.5 || i.SpecialSituation != SituationNone && i.SpecialSituation != ""
}

// AnalysisContext is the explicit, typed record handed to the analysis
// collaborator alongside the raw answer.
type AnalysisContext struct {
	SessionID     string    `json:"session_id"`
	UserID        string    `json:"user_id"`
	TurnIndex     int       `json:"turn_index"`
	AskedAt       time.Time `json:"asked_at"`
	PriorInsights []Insight `json:"prior_insights,omitempty"`
}

// AnalysisService turns raw answer text into a structured Insight. Calls may
// be slow and may fail; callers must treat failures as retryable and never
// propagate them to the conversation.
type AnalysisService interface {
	Analyze(ctx context.Context, question Question, answerText string, actx AnalysisContext) (*Insight, error)
}

// PersonalityProfile is the per-user aggregate built up from insights.
type PersonalityProfile struct {
	UserID        string             `json:"user_id"`
	DomainQuality map[string]float64 `json:"domain_quality"` // running mean quality per domain
	DomainCount   map[string]int     `json:"domain_count"`
	TraitNotes    map[string]string  `json:"trait_notes,omitempty"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// PersonalityAggregate maintains the per-user personality profile.
type PersonalityAggregate interface {
	// Get returns the current profile, or an empty one for a new user.
	Get(ctx context.Context, userID string) (*PersonalityProfile, error)

	// Merge folds one insight into an existing profile and returns the
	// merged result without persisting it.
	Merge(existing *PersonalityProfile, question Question, insight Insight) *PersonalityProfile

	// Persist durably stores the profile.
	Persist(ctx context.Context, userID string, profile *PersonalityProfile) error
}

// VectorIndex recomputes the user's vector representation. Only the
// success/failure of the recomputation is observable here; embedding math is
// owned by the collaborator.
type VectorIndex interface {
	Rebuild(ctx context.Context, userID string) error
}
