package router

import (
	"context"
	"math/rand"

	lumaerrors "luma/internal/errors"
	"luma/internal/logging"
	"luma/internal/ports"
)

const defaultHeavyPerSession = 2

// Overrides narrows selection beyond the strategy pool. The orchestrator
// derives them from the fatigue detector's continuation strategy.
type Overrides struct {
	MaxComplexity   int                   // 0 = no cap
	AllowedEnergies []ports.EnergyDynamic // empty = no restriction
}

func (o *Overrides) allows(q ports.Question) bool {
	if o == nil {
		return true
	}
	if o.MaxComplexity > 0 && q.Psychology.Complexity > o.MaxComplexity {
		return false
	}
	if len(o.AllowedEnergies) > 0 {
		ok := false
		for _, e := range o.AllowedEnergies {
			if q.Classification.Energy == e {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Config tunes the router's safety limits.
type Config struct {
	HeavyPerSession int // maximum heavy questions per session (default: 2)
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{HeavyPerSession: defaultHeavyPerSession}
}

// Router implements the adaptive "smart mix" question selection. It is
// stateless between turns: every decision is derived from the catalog, the
// store, and the history handed in by the orchestrator.
type Router struct {
	catalog  ports.QuestionCatalog
	store    ports.SessionStore
	reporter ports.ErrorReporter
	logger   logging.Logger
	config   Config
}

// New creates a router over the given collaborators.
func New(catalog ports.QuestionCatalog, store ports.SessionStore, reporter ports.ErrorReporter, logger logging.Logger, config Config) *Router {
	if config.HeavyPerSession <= 0 {
		config.HeavyPerSession = defaultHeavyPerSession
	}
	if reporter == nil {
		reporter = ports.NopReporter{}
	}
	return &Router{
		catalog:  catalog,
		store:    store,
		reporter: reporter,
		logger:   logging.OrNop(logger),
		config:   config,
	}
}

// SelectFirst returns a random unseen question with safety level 3 or higher.
// It bypasses the strategy machine so a returning user can re-enter with a
// gentle opener on a fresh session.
func (r *Router) SelectFirst(ctx context.Context, userID string) (*ports.Question, error) {
	answered := r.answeredSet(ctx, userID)
	flagged := r.flaggedSet(ctx)

	all, err := r.catalog.All(ctx)
	if err != nil {
		r.report(err, userID)
		return nil, &lumaerrors.CollaboratorUnavailable{Collaborator: "catalog", Err: err}
	}

	var safe, anyUnseen []ports.Question
	for _, q := range all {
		if answered[q.ID] || flagged[q.ID] {
			continue
		}
		anyUnseen = append(anyUnseen, q)
		if q.Psychology.SafetyLevel >= 3 {
			safe = append(safe, q)
		}
	}

	if len(safe) > 0 {
		q := pickRandom(safe)
		return &q, nil
	}
	if len(anyUnseen) > 0 {
		q := pickRandom(anyUnseen)
		return &q, nil
	}
	return nil, nil
}

// SelectNext picks the next question for an active session, or nil when the
// catalog is exhausted for this user. A nil result with a nil error is the
// completion signal.
func (r *Router) SelectNext(ctx context.Context, userID string, session *ports.Session, history []ports.HistoryEntry, overrides *Overrides) (*ports.Question, error) {
	if reflection := r.maybeReflection(ctx, userID, history); reflection != nil {
		return reflection, nil
	}

	answered := r.answeredSet(ctx, userID)
	flagged := r.flaggedSet(ctx)
	excluded := r.sessionExclusions(session)

	strategy := ResolveStrategy(history)
	r.logger.Debug("turn %d strategy=%s for user %s", len(history)+1, strategy, userID)

	candidates := r.candidatesFor(ctx, strategy, history)
	trust := r.trustLevel(ctx, userID)

	eligible := r.filter(candidates, session, trust, answered, flagged, excluded, overrides, true)
	if len(eligible) == 0 {
		// Strategy pool came up empty; widen before declaring completion.
		return r.widen(ctx, userID, session, trust, answered, flagged, excluded, overrides)
	}

	best := r.pickByDomainScore(eligible, history)
	return &best, nil
}

// candidatesFor queries the catalog for the strategy's pool. Followup pulls
// connected questions first and falls back to its pool filter.
func (r *Router) candidatesFor(ctx context.Context, strategy Strategy, history []ports.HistoryEntry) []ports.Question {
	pool := strategyPools[strategy]

	if strategy == StrategyFollowup && len(history) > 0 {
		// The reflection meta-question is not catalog content and has no
		// connections to look up.
		lastID := history[len(history)-1].Question.ID
		if lastID != ReflectionQuestionID {
			connected, err := r.catalog.FindConnected(ctx, lastID, "")
			if err != nil {
				r.report(err, "")
			} else if len(connected) > 0 {
				return connected
			}
		}
	}

	results, err := r.catalog.Search(ctx, ports.SearchFilter{MinSafety: pool.minSafety})
	if err != nil {
		r.report(err, "")
		return nil
	}

	var out []ports.Question
	for _, q := range results {
		if pool.matches(q) {
			out = append(out, q)
		}
	}
	return out
}

// filter applies de-duplication and the safety rules: the per-session heavy
// cap, no heavy immediately after heavy, shadow depth gated on trust, and
// flagged ids. strict=false skips the strategy-independent narrowing used by
// the widening fallback.
func (r *Router) filter(candidates []ports.Question, session *ports.Session, trust int, answered, flagged, excluded map[string]bool, overrides *Overrides, strict bool) []ports.Question {
	heavyBlocked := session.HeavyCount() >= r.config.HeavyPerSession
	if last := session.LastQuestion(); last != nil && last.IsHeavy() {
		heavyBlocked = true
	}

	var out []ports.Question
	for _, q := range candidates {
		if answered[q.ID] || flagged[q.ID] || excluded[q.ID] {
			continue
		}
		if q.IsHeavy() && heavyBlocked {
			continue
		}
		if q.Classification.DepthLevel == ports.DepthShadow && q.Psychology.TrustRequirement > trust {
			continue
		}
		if strict && !overrides.allows(q) {
			continue
		}
		out = append(out, q)
	}
	return out
}

// widen falls back to the full unseen, unflagged pool, preferring candidates
// that still satisfy the caller's overrides. Only when even the fully relaxed
// pool is empty does the router report completion.
func (r *Router) widen(ctx context.Context, userID string, session *ports.Session, trust int, answered, flagged, excluded map[string]bool, overrides *Overrides) (*ports.Question, error) {
	all, err := r.catalog.All(ctx)
	if err != nil {
		r.report(err, userID)
		return nil, &lumaerrors.CollaboratorUnavailable{Collaborator: "catalog", Err: err}
	}

	eligible := r.filter(all, session, trust, answered, flagged, excluded, overrides, true)
	if len(eligible) == 0 {
		eligible = r.filter(all, session, trust, answered, flagged, excluded, nil, false)
	}
	if len(eligible) == 0 {
		r.logger.Info("catalog exhausted for user %s", userID)
		return nil, nil
	}

	q := pickRandom(eligible)
	r.logger.Debug("widened selection for user %s → %s", userID, q.ID)
	return &q, nil
}

// pickByDomainScore groups candidates by domain, scores each domain by
// under-coverage plus an interest bonus from aggregated insight quality and
// emotional intensity, and returns a random candidate from the best domain.
func (r *Router) pickByDomainScore(candidates []ports.Question, history []ports.HistoryEntry) ports.Question {
	coverage := map[string]int{}
	quality := map[string]float64{}
	intensity := map[string]float64{}
	insightCount := map[string]int{}

	for _, entry := range history {
		domain := entry.Question.Classification.Domain
		coverage[domain]++
		if entry.Insight != nil {
			quality[domain] += entry.Insight.QualityScore
			intensity[domain] += entry.Insight.Intensity
			insightCount[domain]++
		}
	}

	byDomain := map[string][]ports.Question{}
	for _, q := range candidates {
		byDomain[q.Classification.Domain] = append(byDomain[q.Classification.Domain], q)
	}

	bestDomain := ""
	bestScore := -1.0
	for domain := range byDomain {
		underCoverage := 1.0 / float64(1+coverage[domain])

		interest := 0.0
		if n := insightCount[domain]; n > 0 {
			meanQuality := quality[domain] / float64(n) / 5.0
			meanIntensity := intensity[domain] / float64(n)
			interest = (meanQuality + meanIntensity) / 2
		}

		score := underCoverage + interest
		if score > bestScore {
			bestScore = score
			bestDomain = domain
		}
	}

	return pickRandom(byDomain[bestDomain])
}

func (r *Router) sessionExclusions(session *ports.Session) map[string]bool {
	excluded := map[string]bool{}
	for _, q := range session.QuestionHistory {
		excluded[q.ID] = true
	}
	// Skipped questions are suppressed for this session only; they may
	// resurface in a later one since they were never answered.
	for _, id := range session.SkippedQuestionIDs {
		excluded[id] = true
	}
	if session.CurrentQuestionID != "" {
		excluded[session.CurrentQuestionID] = true
	}
	return excluded
}

func (r *Router) answeredSet(ctx context.Context, userID string) map[string]bool {
	ids, err := r.store.GetUserAnsweredQuestionIDs(ctx, userID)
	if err != nil {
		r.report(err, userID)
		return map[string]bool{}
	}
	return toSet(ids)
}

func (r *Router) flaggedSet(ctx context.Context) map[string]bool {
	ids, err := r.store.GetFlaggedQuestionIDs(ctx)
	if err != nil {
		r.report(err, "")
		return map[string]bool{}
	}
	return toSet(ids)
}

func (r *Router) trustLevel(ctx context.Context, userID string) int {
	trust, err := r.store.GetUserTrustLevel(ctx, userID)
	if err != nil {
		r.report(err, userID)
		return 0
	}
	return trust
}

func (r *Router) report(err error, userID string) {
	r.logger.Warn("router collaborator failure: %v", err)
	r.reporter.Collect(err, "router", userID, nil)
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func pickRandom(qs []ports.Question) ports.Question {
	return qs[rand.Intn(len(qs))]
}
