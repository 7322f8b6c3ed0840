package router

import (
	"luma/internal/ports"
)

// Strategy is the named selection policy for one turn. It is re-derived
// every turn from the history, never persisted.
type Strategy string

const (
	StrategyEntry       Strategy = "entry"
	StrategyExploration Strategy = "exploration"
	StrategyDeepening   Strategy = "deepening"
	StrategyBalancing   Strategy = "balancing"
	StrategyFollowup    Strategy = "followup"
)

const (
	entryTurnLimit       = 3
	explorationTurnLimit = 8
	explorationDomainCap = 4
)

// ResolveStrategy picks the turn's strategy. Priority order: follow up on a
// crisis or breakthrough, recover after a heavy question, then phase by turn
// count and domain coverage.
func ResolveStrategy(history []ports.HistoryEntry) Strategy {
	turn := len(history) + 1

	if len(history) > 0 {
		last := history[len(history)-1]
		if last.Insight != nil {
			switch last.Insight.SpecialSituation {
			case ports.SituationCrisis, ports.SituationBreakthrough:
				return StrategyFollowup
			}
		}
		if last.Question.IsHeavy() {
			return StrategyBalancing
		}
	}

	if turn <= entryTurnLimit {
		return StrategyEntry
	}
	if turn <= explorationTurnLimit && distinctDomains(history) < explorationDomainCap {
		return StrategyExploration
	}
	return StrategyDeepening
}

func distinctDomains(history []ports.HistoryEntry) int {
	seen := map[string]bool{}
	for _, entry := range history {
		seen[entry.Question.Classification.Domain] = true
	}
	return len(seen)
}

// strategyPool describes the candidate filter a strategy consults.
type strategyPool struct {
	energies  []ports.EnergyDynamic // empty = any
	depths    []ports.DepthLevel    // empty = any
	minSafety int
}

var strategyPools = map[Strategy]strategyPool{
	StrategyEntry: {
		energies:  []ports.EnergyDynamic{ports.EnergyOpening, ports.EnergyNeutral},
		depths:    []ports.DepthLevel{ports.DepthSurface, ports.DepthConscious},
		minSafety: 3,
	},
	StrategyExploration: {
		energies:  []ports.EnergyDynamic{ports.EnergyOpening, ports.EnergyNeutral, ports.EnergyProcessing},
		depths:    []ports.DepthLevel{ports.DepthSurface, ports.DepthConscious, ports.DepthEdge},
		minSafety: 2,
	},
	StrategyDeepening: {
		energies: []ports.EnergyDynamic{ports.EnergyProcessing, ports.EnergyHeavy, ports.EnergyHealing},
		depths:   []ports.DepthLevel{ports.DepthEdge, ports.DepthShadow, ports.DepthCore},
	},
	StrategyBalancing: {
		energies:  []ports.EnergyDynamic{ports.EnergyHealing, ports.EnergyOpening, ports.EnergyNeutral},
		depths:    []ports.DepthLevel{ports.DepthSurface, ports.DepthConscious},
		minSafety: 2,
	},
	// Followup pulls from connected questions first; this pool is its
	// fallback when nothing is connected.
	StrategyFollowup: {
		energies:  []ports.EnergyDynamic{ports.EnergyHealing, ports.EnergyProcessing},
		minSafety: 2,
	},
}

func (p strategyPool) allowsEnergy(e ports.EnergyDynamic) bool {
	if len(p.energies) == 0 {
		return true
	}
	for _, allowed := range p.energies {
		if allowed == e {
			return true
		}
	}
	return false
}

func (p strategyPool) allowsDepth(d ports.DepthLevel) bool {
	if len(p.depths) == 0 {
		return true
	}
	for _, allowed := range p.depths {
		if allowed == d {
			return true
		}
	}
	return false
}

func (p strategyPool) matches(q ports.Question) bool {
	return p.allowsEnergy(q.Classification.Energy) &&
		p.allowsDepth(q.Classification.DepthLevel) &&
		q.Psychology.SafetyLevel >= p.minSafety
}
