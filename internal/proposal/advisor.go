package proposal

import (
	"fmt"
	"math"
	"sort"

	"taskgraph/internal/analysis"
	"taskgraph/internal/capacity"
	"taskgraph/internal/domain"
	"taskgraph/internal/graph"
)

// Advisor produces proposals from the current snapshot. It never applies
// them.
type Advisor struct {
	Capacity capacity.Aggregator
}

// Rebalance proposes handoffs that drain overloaded personas in period.
// Only executable tasks with no recorded progress move, lowest priority
// first, each to the least loaded persona that stays under the risk
// threshold after taking it.
func (a Advisor) Rebalance(snap *graph.Snapshot, period int) []Proposal {
	loads := a.Capacity.PersonaLoads(snap, period)
	hours := make(map[string]float64, len(loads))
	caps := make(map[string]float64, len(loads))
	for _, l := range loads {
		hours[l.PersonaID] = l.Hours
		caps[l.PersonaID] = l.Capacity
	}
	pct := func(persona string, h float64) float64 {
		if caps[persona] <= 0 {
			if h == 0 {
				return 0
			}
			return a.Capacity.Thresholds.Overload + 1
		}
		return h / caps[persona] * 100
	}

	var out []Proposal
	for _, src := range loads {
		if !src.Overloaded {
			continue
		}
		for _, t := range a.movable(snap, src.PersonaID, period) {
			if pct(src.PersonaID, hours[src.PersonaID]) <= a.Capacity.Thresholds.Overload {
				break
			}
			h := a.Capacity.TaskHours(t, period)
			best, bestPct := "", 0.0
			for _, dst := range loads {
				if dst.PersonaID == src.PersonaID {
					continue
				}
				after := pct(dst.PersonaID, hours[dst.PersonaID]+h)
				if after > a.Capacity.Thresholds.Risk {
					continue
				}
				if best == "" || after < bestPct || (after == bestPct && dst.PersonaID < best) {
					best, bestPct = dst.PersonaID, after
				}
			}
			if best == "" {
				continue
			}
			p, _ := snap.Persona(best)
			hours[src.PersonaID] -= h
			hours[best] += h
			out = append(out, Handoff{
				TaskID:      t.ID,
				ToUserID:    p.UserID,
				ToPersonaID: p.ID,
				Reason: fmt.Sprintf("%s is at %s in period %d; %s would be at %.0f%%",
					src.PersonaID, formatPercent(src), period, p.ID, bestPct),
			})
		}
	}
	return out
}

func (a Advisor) movable(snap *graph.Snapshot, persona string, period int) []domain.Task {
	var res []domain.Task
	for _, t := range snap.Tasks() {
		if capacity.PersonaOf(snap, t) != persona || t.Completed() || t.Progress > 0 || a.Capacity.TaskHours(t, period) == 0 {
			continue
		}
		if ok, _ := analysis.IsExecutable(snap, t.ID); !ok {
			continue
		}
		res = append(res, t)
	}
	sort.SliceStable(res, func(i, j int) bool {
		if ri, rj := res[i].Priority.Rank(), res[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		return res[i].ID < res[j].ID
	})
	return res
}

func formatPercent(l capacity.Load) string {
	if math.IsInf(l.Percent, 1) {
		return fmt.Sprintf("%.0fh on zero capacity", l.Hours)
	}
	return fmt.Sprintf("%.0f%%", l.Percent)
}
