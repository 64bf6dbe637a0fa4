package schedule

import (
	"taskgraph/internal/domain"
	"taskgraph/internal/graph"
)

// Slippage is how far the actual duration overran the plan.
func Slippage(t domain.Task) int {
	if d := t.EffectiveDuration() - t.EffectivePlanned(); d > 0 {
		return d
	}
	return 0
}

// Shift is the movement of one task between two schedules.
type Shift struct {
	TaskID  string `json:"taskId"`
	ESShift int    `json:"esShift"`
	EFShift int    `json:"efShift"`
	Slack   int    `json:"slack"`
}

// Compare reports every task whose window moved from base to actual, in the
// actual schedule's topological order.
func Compare(base, actual *Schedule) []Shift {
	var res []Shift
	for _, id := range actual.Order {
		a := actual.Tasks[id]
		b, ok := base.Tasks[id]
		if !ok {
			continue
		}
		if a.ES != b.ES || a.EF != b.EF {
			res = append(res, Shift{TaskID: id, ESShift: a.ES - b.ES, EFShift: a.EF - b.EF, Slack: a.Slack})
		}
	}
	return res
}

// Impact describes how one task's slippage moves its downstream tasks.
type Impact struct {
	TaskID      string  `json:"taskId"`
	Version     uint64  `json:"version"`
	Slippage    int     `json:"slippage"`
	FinishDelay int     `json:"finishDelay"`
	Shifts      []Shift `json:"shifts"`
}

// Propagate isolates the slippage of id: the snapshot is scheduled once as
// is and once with id back at its planned duration, and the transitive
// dependents of id are compared. Delays absorbed by slack show no shift.
func Propagate(snap *graph.Snapshot, id string) (*Impact, error) {
	t, ok := snap.Task(id)
	if !ok {
		return nil, &graph.UnknownTaskError{ID: id}
	}
	actual, err := Compute(snap)
	if err != nil {
		return nil, err
	}
	base, err := WithDuration(snap, id, t.EffectivePlanned())
	if err != nil {
		return nil, err
	}
	return impactBetween(snap, id, Slippage(t), base, actual), nil
}

// WhatIf reports the effect of id taking d units instead of its current
// duration.
func WhatIf(snap *graph.Snapshot, id string, d int) (*Impact, error) {
	t, ok := snap.Task(id)
	if !ok {
		return nil, &graph.UnknownTaskError{ID: id}
	}
	base, err := Compute(snap)
	if err != nil {
		return nil, err
	}
	next, err := WithDuration(snap, id, d)
	if err != nil {
		return nil, err
	}
	return impactBetween(snap, id, d-t.EffectiveDuration(), base, next), nil
}

func impactBetween(snap *graph.Snapshot, id string, slip int, base, actual *Schedule) *Impact {
	downstream := dependentsClosure(snap, id)
	imp := &Impact{
		TaskID:      id,
		Version:     snap.Version(),
		Slippage:    slip,
		FinishDelay: actual.Finish - base.Finish,
	}
	for _, sh := range Compare(base, actual) {
		if _, ok := downstream[sh.TaskID]; ok {
			imp.Shifts = append(imp.Shifts, sh)
		}
	}
	return imp
}

func dependentsClosure(snap *graph.Snapshot, id string) map[string]struct{} {
	seen := map[string]struct{}{}
	stack := snap.DependentsOf(id)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		stack = append(stack, snap.DependentsOf(cur)...)
	}
	return seen
}
