package ports

// EnergyDynamic describes the expected emotional cost or relief of a question.
type EnergyDynamic string

const (
	EnergyOpening    EnergyDynamic = "opening"
	EnergyNeutral    EnergyDynamic = "neutral"
	EnergyProcessing EnergyDynamic = "processing"
	EnergyHeavy      EnergyDynamic = "heavy"
	EnergyHealing    EnergyDynamic = "healing"
)

// DepthLevel describes the psychological depth of a question.
type DepthLevel string

const (
	DepthSurface   DepthLevel = "surface"
	DepthConscious DepthLevel = "conscious"
	DepthEdge      DepthLevel = "edge"
	DepthShadow    DepthLevel = "shadow"
	DepthCore      DepthLevel = "core"
)

// Classification groups the catalog taxonomy tags of a question.
type Classification struct {
	Domain     string        `json:"domain"`
	DepthLevel DepthLevel    `json:"depth_level"`
	Energy     EnergyDynamic `json:"energy_dynamic"`
}

// Psychology groups the tuning parameters that constrain when a question may
// be offered.
type Psychology struct {
	Complexity       int `json:"complexity"`        // 1 (trivial) .. 5 (demanding)
	EmotionalWeight  int `json:"emotional_weight"`  // 1 .. 5
	TrustRequirement int `json:"trust_requirement"` // minimum user trust level, 0 = none
	SafetyLevel      int `json:"safety_level"`      // 1 (risky opener) .. 5 (always safe)
}

// Question is one catalog entry.
type Question struct {
	ID             string         `json:"id"`
	Text           string         `json:"text"`
	Classification Classification `json:"classification"`
	Psychology     Psychology     `json:"psychology"`
}

// IsHeavy reports whether the question carries the heavy energy tag.
func (q Question) IsHeavy() bool {
	return q.Classification.Energy == EnergyHeavy
}
