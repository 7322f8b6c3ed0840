package analysis

import (
	"context"
	"sync"
	"time"

	"luma/internal/ports"
)

// MemoryAggregate is a process-local PersonalityAggregate. Profile math
// (running per-domain quality means) lives here; durable profile storage is
// an external concern.
type MemoryAggregate struct {
	mu       sync.RWMutex
	profiles map[string]*ports.PersonalityProfile
}

var _ ports.PersonalityAggregate = (*MemoryAggregate)(nil)

// NewMemoryAggregate creates an empty aggregate.
func NewMemoryAggregate() *MemoryAggregate {
	return &MemoryAggregate{profiles: make(map[string]*ports.PersonalityProfile)}
}

// Get returns the current profile, or an empty one for a new user.
func (a *MemoryAggregate) Get(ctx context.Context, userID string) (*ports.PersonalityProfile, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if profile, ok := a.profiles[userID]; ok {
		return cloneProfile(profile), nil
	}
	return &ports.PersonalityProfile{
		UserID:        userID,
		DomainQuality: map[string]float64{},
		DomainCount:   map[string]int{},
	}, nil
}

// Merge folds one insight into the profile as a running mean per domain.
// The input profile is not mutated.
func (a *MemoryAggregate) Merge(existing *ports.PersonalityProfile, question ports.Question, insight ports.Insight) *ports.PersonalityProfile {
	merged := cloneProfile(existing)

	domain := insight.Domain
	if domain == "" {
		domain = question.Classification.Domain
	}

	count := merged.DomainCount[domain]
	mean := merged.DomainQuality[domain]
	merged.DomainQuality[domain] = (mean*float64(count) + insight.QualityScore) / float64(count+1)
	merged.DomainCount[domain] = count + 1
	merged.UpdatedAt = insight.CreatedAt
	if merged.UpdatedAt.IsZero() {
		merged.UpdatedAt = time.Now()
	}
	return merged
}

// Persist stores the profile.
func (a *MemoryAggregate) Persist(ctx context.Context, userID string, profile *ports.PersonalityProfile) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.profiles[userID] = cloneProfile(profile)
	return nil
}

func cloneProfile(p *ports.PersonalityProfile) *ports.PersonalityProfile {
	clone := *p
	clone.DomainQuality = make(map[string]float64, len(p.DomainQuality))
	for k, v := range p.DomainQuality {
		clone.DomainQuality[k] = v
	}
	clone.DomainCount = make(map[string]int, len(p.DomainCount))
	for k, v := range p.DomainCount {
		clone.DomainCount[k] = v
	}
	if p.TraitNotes != nil {
		clone.TraitNotes = make(map[string]string, len(p.TraitNotes))
		for k, v := range p.TraitNotes {
			clone.TraitNotes[k] = v
		}
	}
	return &clone
}

// NopVectorIndex accepts every rebuild request without doing work. The real
// index is an external collaborator.
type NopVectorIndex struct{}

var _ ports.VectorIndex = NopVectorIndex{}

func (NopVectorIndex) Rebuild(context.Context, string) error { return nil }
