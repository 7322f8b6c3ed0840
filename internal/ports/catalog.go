package ports

import "context"

// SearchFilter narrows a catalog query. Zero values mean "any".
type SearchFilter struct {
	Domain     string        `json:"domain,omitempty"`
	DepthLevel DepthLevel    `json:"depth_level,omitempty"`
	Energy     EnergyDynamic `json:"energy_dynamic,omitempty"`
	MinSafety  int           `json:"min_safety,omitempty"`
}

// QuestionCatalog is the read-only, in-memory index of all questions. It is
// loaded once at startup; implementations must be safe for concurrent reads.
type QuestionCatalog interface {
	// Get returns the question with the given id.
	Get(ctx context.Context, id string) (*Question, error)

	// Search returns all questions matching the filter.
	Search(ctx context.Context, filter SearchFilter) ([]Question, error)

	// FindConnected returns questions related to the given one. An empty
	// relation matches any declared relation.
	FindConnected(ctx context.Context, id string, relation string) ([]Question, error)

	// All returns every catalog entry. The router's widening fallback and
	// completion detection depend on it.
	All(ctx context.Context) ([]Question, error)
}
