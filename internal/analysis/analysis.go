// Package analysis derives blocking state and topological order from a graph
// snapshot. Every function is pure over the snapshot it is given.
package analysis

import (
	"sort"
	"time"

	"taskgraph/internal/domain"
	"taskgraph/internal/graph"
)

// IsExecutable reports whether every hard dependency of id is completed.
// Advisory edges never gate execution.
func IsExecutable(snap *graph.Snapshot, id string) (bool, error) {
	blockers, err := Blockers(snap, id)
	if err != nil {
		return false, err
	}
	return len(blockers) == 0, nil
}

// Blockers lists the incomplete hard dependencies of id.
func Blockers(snap *graph.Snapshot, id string) ([]string, error) {
	if !snap.HasTask(id) {
		return nil, &graph.UnknownTaskError{ID: id}
	}
	var res []string
	for _, d := range snap.DependenciesOf(id) {
		if !d.Type.Hard() {
			continue
		}
		dep, ok := snap.Task(d.ToID)
		if !ok || !dep.Completed() {
			res = append(res, d.ToID)
		}
	}
	return res, nil
}

// Summary counts the dependencies of id by kind.
func Summary(snap *graph.Snapshot, id string) domain.DependencySummary {
	var s domain.DependencySummary
	for _, d := range snap.DependenciesOf(id) {
		s.Total++
		if !d.Type.Hard() {
			s.Advisory++
			continue
		}
		s.Hard++
		if dep, ok := snap.Task(d.ToID); !ok || !dep.Completed() {
			s.Blocking++
		}
	}
	return s
}

type Classification struct {
	TaskID   string                   `json:"taskId"`
	Status   domain.Status            `json:"status"`
	Recorded domain.Status            `json:"recorded"`
	Blockers []string                 `json:"blockers,omitempty"`
	Summary  domain.DependencySummary `json:"summary"`
}

// Classifier derives a task's effective status. A task whose last recorded
// progress is older than InactivityWindow counts as stalled; a zero window
// disables stall detection.
type Classifier struct {
	InactivityWindow time.Duration
}

// Classify uses now as the only clock input.
func (c Classifier) Classify(snap *graph.Snapshot, id string, now time.Time) (Classification, error) {
	t, ok := snap.Task(id)
	if !ok {
		return Classification{}, &graph.UnknownTaskError{ID: id}
	}
	blockers, err := Blockers(snap, id)
	if err != nil {
		return Classification{}, err
	}
	res := Classification{TaskID: id, Recorded: t.Status, Blockers: blockers, Summary: Summary(snap, id)}
	switch {
	case t.Completed():
		res.Status = domain.StatusCompleted
	case len(blockers) > 0:
		res.Status = domain.StatusBlocked
	case c.stalled(t, now):
		res.Status = domain.StatusStalled
	default:
		res.Status = explicit(t)
	}
	return res, nil
}

func (c Classifier) stalled(t domain.Task, now time.Time) bool {
	if c.InactivityWindow <= 0 || t.LastProgressAt == nil {
		return false
	}
	return now.Sub(*t.LastProgressAt) > c.InactivityWindow
}

// explicit maps the recorded status of an unblocked, active task. Blocked and
// Stalled are derived states, so a stale recording of either falls back to
// progress.
func explicit(t domain.Task) domain.Status {
	switch t.Status {
	case domain.StatusBlocked, domain.StatusStalled, domain.StatusPending:
		if t.Progress > 0 {
			return domain.StatusInProgress
		}
		return domain.StatusPending
	default:
		return t.Status
	}
}

// ClassifyAll classifies every task, ordered by id.
func (c Classifier) ClassifyAll(snap *graph.Snapshot, now time.Time) []Classification {
	ids := snap.TaskIDs()
	res := make([]Classification, 0, len(ids))
	for _, id := range ids {
		cl, _ := c.Classify(snap, id, now)
		res = append(res, cl)
	}
	return res
}

// Executable returns the ready list: executable tasks not yet completed, in
// display order.
func Executable(snap *graph.Snapshot) []string {
	var ids []string
	for _, id := range snap.TaskIDs() {
		t, _ := snap.Task(id)
		if t.Completed() {
			continue
		}
		if ok, _ := IsExecutable(snap, id); ok {
			ids = append(ids, id)
		}
	}
	SortDisplay(snap, ids)
	return ids
}

// SortDisplay orders ids by priority (High first), then id.
func SortDisplay(snap *graph.Snapshot, ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		ri, rj := rank(snap, ids[i]), rank(snap, ids[j])
		if ri != rj {
			return ri < rj
		}
		return ids[i] < ids[j]
	})
}

func rank(snap *graph.Snapshot, id string) int {
	t, _ := snap.Task(id)
	return t.Priority.Rank()
}
