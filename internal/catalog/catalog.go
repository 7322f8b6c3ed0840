// Package catalog provides the read-only, in-memory question index. The
// question content itself ships as a YAML file; this package loads it once at
// startup and serves filtered queries over it.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	lumaerrors "luma/internal/errors"
	"luma/internal/logging"
	"luma/internal/ports"
)

const searchCacheSize = 128

// Connection declares a relation from one question to another.
type Connection struct {
	ID       string `yaml:"id" json:"id"`
	Relation string `yaml:"relation" json:"relation"`
}

// Entry is one question as declared in the catalog file.
type Entry struct {
	ID               string       `yaml:"id"`
	Text             string       `yaml:"text"`
	Domain           string       `yaml:"domain"`
	DepthLevel       string       `yaml:"depth_level"`
	EnergyDynamic    string       `yaml:"energy_dynamic"`
	Complexity       int          `yaml:"complexity"`
	EmotionalWeight  int          `yaml:"emotional_weight"`
	TrustRequirement int          `yaml:"trust_requirement"`
	SafetyLevel      int          `yaml:"safety_level"`
	Connections      []Connection `yaml:"connections,omitempty"`
}

type catalogFile struct {
	Questions []Entry `yaml:"questions"`
}

// Catalog is an immutable in-memory index over all questions. All methods
// are safe for concurrent use.
type Catalog struct {
	byID        map[string]ports.Question
	ordered     []ports.Question
	connections map[string][]Connection
	searchCache *lru.Cache[string, []ports.Question]
	logger      logging.Logger
}

// Load reads and indexes a catalog YAML file.
func Load(path string, logger logging.Logger) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}

	return New(file.Questions, logger)
}

// New indexes the given entries.
func New(entries []Entry, logger logging.Logger) (*Catalog, error) {
	cache, err := lru.New[string, []ports.Question](searchCacheSize)
	if err != nil {
		return nil, err
	}

	c := &Catalog{
		byID:        make(map[string]ports.Question, len(entries)),
		connections: make(map[string][]Connection),
		searchCache: cache,
		logger:      logging.OrNop(logger),
	}

	for _, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("catalog entry without id (text: %.40q)", e.Text)
		}
		if _, dup := c.byID[e.ID]; dup {
			return nil, fmt.Errorf("duplicate catalog id %q", e.ID)
		}
		q := ports.Question{
			ID:   e.ID,
			Text: e.Text,
			Classification: ports.Classification{
				Domain:     e.Domain,
				DepthLevel: ports.DepthLevel(e.DepthLevel),
				Energy:     ports.EnergyDynamic(e.EnergyDynamic),
			},
			Psychology: ports.Psychology{
				Complexity:       e.Complexity,
				EmotionalWeight:  e.EmotionalWeight,
				TrustRequirement: e.TrustRequirement,
				SafetyLevel:      e.SafetyLevel,
			},
		}
		c.byID[e.ID] = q
		c.ordered = append(c.ordered, q)
		if len(e.Connections) > 0 {
			c.connections[e.ID] = e.Connections
		}
	}

	// Dangling connections are a content bug; flag them at load time.
	for id, conns := range c.connections {
		for _, conn := range conns {
			if _, ok := c.byID[conn.ID]; !ok {
				return nil, fmt.Errorf("question %q connects to unknown id %q", id, conn.ID)
			}
		}
	}

	sort.Slice(c.ordered, func(i, j int) bool { return c.ordered[i].ID < c.ordered[j].ID })

	c.logger.Info("catalog loaded: %d questions, %d with connections", len(c.ordered), len(c.connections))
	return c, nil
}

// Get returns the question with the given id.
func (c *Catalog) Get(ctx context.Context, id string) (*ports.Question, error) {
	q, ok := c.byID[id]
	if !ok {
		return nil, &lumaerrors.ValidationError{Field: "question_id", Value: id, Message: "unknown question"}
	}
	return &q, nil
}

// Search returns all questions matching the filter. Results for repeated
// filter keys are served from an LRU cache; entries are copied on the way
// out so callers cannot mutate the index.
func (c *Catalog) Search(ctx context.Context, filter ports.SearchFilter) ([]ports.Question, error) {
	key := fmt.Sprintf("%s|%s|%s|%d", filter.Domain, filter.DepthLevel, filter.Energy, filter.MinSafety)
	if cached, ok := c.searchCache.Get(key); ok {
		return copyQuestions(cached), nil
	}

	var out []ports.Question
	for _, q := range c.ordered {
		if filter.Domain != "" && q.Classification.Domain != filter.Domain {
			continue
		}
		if filter.DepthLevel != "" && q.Classification.DepthLevel != filter.DepthLevel {
			continue
		}
		if filter.Energy != "" && q.Classification.Energy != filter.Energy {
			continue
		}
		if q.Psychology.SafetyLevel < filter.MinSafety {
			continue
		}
		out = append(out, q)
	}

	c.searchCache.Add(key, out)
	return copyQuestions(out), nil
}

// FindConnected returns questions related to the given one. An empty
// relation matches any declared relation.
func (c *Catalog) FindConnected(ctx context.Context, id string, relation string) ([]ports.Question, error) {
	if _, ok := c.byID[id]; !ok {
		return nil, &lumaerrors.ValidationError{Field: "question_id", Value: id, Message: "unknown question"}
	}

	var out []ports.Question
	for _, conn := range c.connections[id] {
		if relation != "" && conn.Relation != relation {
			continue
		}
		out = append(out, c.byID[conn.ID])
	}
	return out, nil
}

// All returns every catalog entry, ordered by id.
func (c *Catalog) All(ctx context.Context) ([]ports.Question, error) {
	return copyQuestions(c.ordered), nil
}

// Len returns the number of questions in the catalog.
func (c *Catalog) Len() int {
	return len(c.ordered)
}

func copyQuestions(qs []ports.Question) []ports.Question {
	if qs == nil {
		return nil
	}
	out := make([]ports.Question, len(qs))
	copy(out, qs)
	return out
}
