// Package schedule runs the critical path method over a graph snapshot and
// measures how duration slippage moves downstream tasks.
package schedule

import (
	"fmt"
	"sort"

	"taskgraph/internal/analysis"
	"taskgraph/internal/graph"
)

// Schedule is the CPM result for one snapshot version.
type Schedule struct {
	Version uint64                   `json:"version"`
	Finish  int                      `json:"finish"`
	Order   []string                 `json:"order"`
	Tasks   map[string]*TaskSchedule `json:"tasks"`

	snap *graph.Snapshot
}

// TaskSchedule holds the scheduling window of a single task.
type TaskSchedule struct {
	TaskID   string `json:"taskId"`
	Duration int    `json:"duration"`
	ES       int    `json:"es"`
	EF       int    `json:"ef"`
	LS       int    `json:"ls"`
	LF       int    `json:"lf"`
	Slack    int    `json:"slack"`
	Critical bool   `json:"critical"`
	Wave     int    `json:"wave"`
}

// Wave groups tasks sharing an earliest start; they can run in parallel.
type Wave struct {
	Index    int      `json:"index"`
	Start    int      `json:"start"`
	TaskIDs  []string `json:"taskIds"`
	Critical bool     `json:"critical"`
}

// Compute schedules snap with each task's actual duration.
func Compute(snap *graph.Snapshot) (*Schedule, error) {
	return compute(snap, func(id string) int {
		t, _ := snap.Task(id)
		return t.EffectiveDuration()
	})
}

// Baseline schedules snap with planned durations.
func Baseline(snap *graph.Snapshot) (*Schedule, error) {
	return compute(snap, func(id string) int {
		t, _ := snap.Task(id)
		return t.EffectivePlanned()
	})
}

// WithDuration schedules snap as if task id took d units.
func WithDuration(snap *graph.Snapshot, id string, d int) (*Schedule, error) {
	if !snap.HasTask(id) {
		return nil, &graph.UnknownTaskError{ID: id}
	}
	if d < 0 {
		return nil, &graph.ValidationError{EntityID: id, Field: "duration", Reason: "must be >= 0"}
	}
	return compute(snap, func(tid string) int {
		t, _ := snap.Task(tid)
		if tid == id && !t.IsMilestone {
			return d
		}
		return t.EffectiveDuration()
	})
}

func compute(snap *graph.Snapshot, duration func(id string) int) (*Schedule, error) {
	order, err := analysis.TopoOrder(snap)
	if err != nil {
		return nil, err
	}
	s := &Schedule{
		Version: snap.Version(),
		Order:   order,
		Tasks:   make(map[string]*TaskSchedule, len(order)),
		snap:    snap,
	}

	// Forward pass
	for _, id := range order {
		ts := &TaskSchedule{TaskID: id, Duration: duration(id)}
		for _, dep := range snap.DependenciesOf(id) {
			if ef := s.Tasks[dep.ToID].EF; ef > ts.ES {
				ts.ES = ef
			}
		}
		ts.EF = ts.ES + ts.Duration
		if ts.EF > s.Finish {
			s.Finish = ts.EF
		}
		s.Tasks[id] = ts
	}

	// Backward pass, sinks seeded at the project finish
	for i := len(order) - 1; i >= 0; i-- {
		ts := s.Tasks[order[i]]
		ts.LF = s.Finish
		for _, dependent := range snap.DependentsOf(ts.TaskID) {
			if ls := s.Tasks[dependent].LS; ls < ts.LF {
				ts.LF = ls
			}
		}
		ts.LS = ts.LF - ts.Duration
		ts.Slack = ts.LS - ts.ES
		ts.Critical = ts.Slack == 0
	}

	s.assignWaves()
	return s, nil
}

func (s *Schedule) Task(id string) (TaskSchedule, bool) {
	ts, ok := s.Tasks[id]
	if !ok {
		return TaskSchedule{}, false
	}
	return *ts, true
}

func (s *Schedule) Slack(id string) (int, error) {
	ts, ok := s.Tasks[id]
	if !ok {
		return 0, &graph.UnknownTaskError{ID: id}
	}
	return ts.Slack, nil
}

// Rows lists task schedules in topological order.
func (s *Schedule) Rows() []TaskSchedule {
	res := make([]TaskSchedule, 0, len(s.Order))
	for _, id := range s.Order {
		res = append(res, *s.Tasks[id])
	}
	return res
}

// CriticalPath returns every zero-slack task, High priority first, then id.
// Parallel critical chains are all included.
func (s *Schedule) CriticalPath() []string {
	var ids []string
	for _, id := range s.Order {
		if s.Tasks[id].Critical {
			ids = append(ids, id)
		}
	}
	analysis.SortDisplay(s.snap, ids)
	return ids
}

// maxChains bounds Chains on graphs with many equal-length paths.
const maxChains = 64

// Chains enumerates the zero-slack chains from a task starting at 0 to a
// task finishing at the project end. Each chain is in execution order.
func (s *Schedule) Chains() [][]string {
	var chains [][]string
	var walk func(id string, path []string)
	walk = func(id string, path []string) {
		if len(chains) >= maxChains {
			return
		}
		path = append(path, id)
		ts := s.Tasks[id]
		var next []string
		for _, dependent := range s.snap.DependentsOf(id) {
			d := s.Tasks[dependent]
			if d.Critical && d.ES == ts.EF {
				next = append(next, dependent)
			}
		}
		if len(next) == 0 {
			if ts.EF == s.Finish {
				chains = append(chains, append([]string(nil), path...))
			}
			return
		}
		for _, n := range next {
			walk(n, path)
		}
	}
	for _, id := range s.Order {
		if ts := s.Tasks[id]; ts.Critical && ts.ES == 0 {
			walk(id, nil)
		}
	}
	return chains
}

func (s *Schedule) assignWaves() {
	starts := map[int][]string{}
	for _, id := range s.Order {
		es := s.Tasks[id].ES
		starts[es] = append(starts[es], id)
	}
	keys := make([]int, 0, len(starts))
	for es := range starts {
		keys = append(keys, es)
	}
	sort.Ints(keys)
	for i, es := range keys {
		for _, id := range starts[es] {
			s.Tasks[id].Wave = i
		}
	}
}

// Waves groups tasks by earliest start; critical tasks lead each wave.
func (s *Schedule) Waves() []Wave {
	var waves []Wave
	for _, id := range s.Order {
		ts := s.Tasks[id]
		for len(waves) <= ts.Wave {
			waves = append(waves, Wave{Index: len(waves)})
		}
		w := &waves[ts.Wave]
		w.Start = ts.ES
		w.TaskIDs = append(w.TaskIDs, id)
		w.Critical = w.Critical || ts.Critical
	}
	for i := range waves {
		ids := waves[i].TaskIDs
		sort.SliceStable(ids, func(a, b int) bool {
			ca, cb := s.Tasks[ids[a]].Critical, s.Tasks[ids[b]].Critical
			if ca != cb {
				return ca
			}
			return ids[a] < ids[b]
		})
	}
	return waves
}

func (s *Schedule) String() string {
	return fmt.Sprintf("schedule v%d: %d tasks, finish %d", s.Version, len(s.Order), s.Finish)
}
