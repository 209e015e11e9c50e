package coordinator

import (
	"fmt"
	"sort"
	"time"

	"github.com/tricortex/tricortex/core"
)

// brainPriority orders engines for confidence tie-breaks. Lower wins.
var brainPriority = map[core.BrainName]int{
	core.BrainSoldier:   0,
	core.BrainCommander: 1,
	core.BrainScholar:   2,
}

// conflictMargin is the confidence gap above which the higher-confidence
// decision wins outright.
const conflictMargin = 0.10

// ResolveConflicts collapses competing decisions into one. A clear
// confidence gap wins; otherwise brain priority breaks the tie; a
// residual tie yields a conservative synthetic decision. Every
// multi-decision call counts as a coordination conflict.
func (c *Coordinator) ResolveConflicts(decisions []*core.BrainDecision) *core.BrainDecision {
	if len(decisions) == 0 {
		return &core.BrainDecision{
			DecisionID:   fmt.Sprintf("default_%d", time.Now().UnixNano()),
			PrimaryBrain: core.BrainCoordinator,
			Action:       core.ActionHold,
			Confidence:   0.1,
			Reasoning:    "no decisions to resolve",
			Timestamp:    time.Now(),
		}
	}
	if len(decisions) == 1 {
		return decisions[0]
	}

	c.statsMu.Lock()
	c.conflicts++
	c.statsMu.Unlock()
	c.telemetry.RecordMetric("coordinator.conflict", 1, nil)

	sorted := make([]*core.BrainDecision, len(decisions))
	copy(sorted, decisions)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	first, second := sorted[0], sorted[1]
	if first.Confidence-second.Confidence > conflictMargin {
		return first
	}

	pi, pj := brainRank(first.PrimaryBrain), brainRank(second.PrimaryBrain)
	if pi != pj {
		if pi < pj {
			return first
		}
		return second
	}

	return c.conservativeDecision(decisions)
}

func brainRank(b core.BrainName) int {
	if rank, ok := brainPriority[b]; ok {
		return rank
	}
	return len(brainPriority)
}

// conservativeDecision de-risks when engines disagree without a clear
// winner: any sell signal wins, then reduce, otherwise hold.
func (c *Coordinator) conservativeDecision(decisions []*core.BrainDecision) *core.BrainDecision {
	action := core.ActionHold
	minConfidence := decisions[0].Confidence
	for _, d := range decisions {
		if d.Confidence < minConfidence {
			minConfidence = d.Confidence
		}
		switch d.Action {
		case core.ActionSell:
			action = core.ActionSell
		case core.ActionReduce:
			if action != core.ActionSell {
				action = core.ActionReduce
			}
		}
	}

	return &core.BrainDecision{
		DecisionID:   fmt.Sprintf("conflict_%d", time.Now().UnixNano()),
		PrimaryBrain: core.BrainConflictResolution,
		Action:       action,
		Confidence:   minConfidence * 0.9,
		Reasoning:    fmt.Sprintf("conservative resolution of %d conflicting decisions", len(decisions)),
		Timestamp:    time.Now(),
	}
}
