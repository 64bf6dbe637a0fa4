package engine

import (
	"context"
	"iter"
	"sort"

	"github.com/sourcegraph/conc/pool"

	"taskgraph/internal/analysis"
	"taskgraph/internal/capacity"
	"taskgraph/internal/domain"
	"taskgraph/internal/graph"
	"taskgraph/internal/proposal"
	"taskgraph/internal/schedule"
)

// Every query takes the version the caller last saw; 0 accepts whatever is
// current. Results report the version they were computed from.

func (e *Engine) Graph(version uint64) (*graph.Snapshot, error) {
	return e.Store.Require(version)
}

func (e *Engine) Task(id string, version uint64) (domain.Task, uint64, error) {
	snap, err := e.Store.Require(version)
	if err != nil {
		return domain.Task{}, 0, err
	}
	t, ok := snap.Task(id)
	if !ok {
		return domain.Task{}, snap.Version(), &graph.UnknownTaskError{ID: id}
	}
	return t, snap.Version(), nil
}

func (e *Engine) Classify(id string, version uint64) (analysis.Classification, uint64, error) {
	snap, err := e.Store.Require(version)
	if err != nil {
		return analysis.Classification{}, 0, err
	}
	c, err := e.Classifier.Classify(snap, id, e.now())
	return c, snap.Version(), err
}

// ClassifyAll derives the status of every task in the snapshot, ordered by id.
func (e *Engine) ClassifyAll(version uint64) ([]analysis.Classification, uint64, error) {
	snap, err := e.Store.Require(version)
	if err != nil {
		return nil, 0, err
	}
	return e.Classifier.ClassifyAll(snap, e.now()), snap.Version(), nil
}

// TaskDependencies splits a task's edges into what blocks it and what it
// blocks.
type TaskDependencies struct {
	TaskID    string                   `json:"taskId"`
	BlockedBy []domain.Dependency      `json:"blockedBy"`
	Blocking  []domain.Dependency      `json:"blocking"`
	Summary   domain.DependencySummary `json:"summary"`
}

func (e *Engine) Dependencies(id string, version uint64) (TaskDependencies, uint64, error) {
	snap, err := e.Store.Require(version)
	if err != nil {
		return TaskDependencies{}, 0, err
	}
	if !snap.HasTask(id) {
		return TaskDependencies{}, snap.Version(), &graph.UnknownTaskError{ID: id}
	}
	res := TaskDependencies{
		TaskID:    id,
		BlockedBy: snap.DependenciesOf(id),
		Blocking:  []domain.Dependency{},
		Summary:   analysis.Summary(snap, id),
	}
	for _, dependent := range snap.DependentsOf(id) {
		d, _ := snap.Dependency(dependent, id)
		res.Blocking = append(res.Blocking, d)
	}
	return res, snap.Version(), nil
}

func (e *Engine) schedule(version uint64) (*graph.Snapshot, *schedule.Schedule, error) {
	snap, err := e.Store.Require(version)
	if err != nil {
		return nil, nil, err
	}
	s, err := e.Schedules.Get(snap)
	if err != nil {
		e.Logger.Error("schedule failed", "version", snap.Version(), "err", err)
		return snap, nil, err
	}
	return snap, s, nil
}

func (e *Engine) Schedule(version uint64) (*schedule.Schedule, error) {
	_, s, err := e.schedule(version)
	return s, err
}

func (e *Engine) CriticalPath(version uint64) ([]string, uint64, error) {
	snap, s, err := e.schedule(version)
	if err != nil {
		return nil, 0, err
	}
	return s.CriticalPath(), snap.Version(), nil
}

func (e *Engine) Slack(id string, version uint64) (int, uint64, error) {
	snap, s, err := e.schedule(version)
	if err != nil {
		return 0, 0, err
	}
	slack, err := s.Slack(id)
	return slack, snap.Version(), err
}

func (e *Engine) Impact(id string, version uint64) (*schedule.Impact, error) {
	snap, err := e.Store.Require(version)
	if err != nil {
		return nil, err
	}
	return schedule.Propagate(snap, id)
}

func (e *Engine) WhatIf(id string, duration int, version uint64) (*schedule.Impact, error) {
	snap, err := e.Store.Require(version)
	if err != nil {
		return nil, err
	}
	return schedule.WhatIf(snap, id, duration)
}

func (e *Engine) LoadFor(userID, personaID string, period int, version uint64) (capacity.Load, uint64, error) {
	snap, err := e.Store.Require(version)
	if err != nil {
		return capacity.Load{}, 0, err
	}
	l, err := e.Capacity.LoadFor(snap, userID, personaID, period)
	return l, snap.Version(), err
}

func (e *Engine) TeamLoadSeries(periods int, version uint64) (iter.Seq2[string, []capacity.Load], uint64, error) {
	snap, err := e.Store.Require(version)
	if err != nil {
		return nil, 0, err
	}
	if periods < 0 {
		return nil, snap.Version(), &graph.ValidationError{Field: "periods", Reason: "must be >= 0"}
	}
	return e.Capacity.TeamLoadSeries(snap, periods), snap.Version(), nil
}

// NextItem is one entry of a work queue.
type NextItem struct {
	Task  domain.Task `json:"task"`
	Slack int         `json:"slack"`
}

// Next lists the executable, open tasks of a user (optionally one persona),
// least slack first, then priority, then id.
func (e *Engine) Next(userID, personaID string, version uint64) ([]NextItem, uint64, error) {
	snap, s, err := e.schedule(version)
	if err != nil {
		return nil, 0, err
	}
	if _, ok := snap.User(userID); !ok {
		return nil, snap.Version(), &graph.ValidationError{EntityID: userID, Field: "userId", Reason: "unknown user"}
	}
	res := []NextItem{}
	for _, id := range analysis.Executable(snap) {
		t, _ := snap.Task(id)
		if t.OwnerID != userID || (personaID != "" && t.PersonaID != personaID) {
			continue
		}
		slack, _ := s.Slack(id)
		res = append(res, NextItem{Task: t, Slack: slack})
	}
	sort.SliceStable(res, func(i, j int) bool {
		a, b := res[i], res[j]
		if a.Slack != b.Slack {
			return a.Slack < b.Slack
		}
		if ra, rb := a.Task.Priority.Rank(), b.Task.Priority.Rank(); ra != rb {
			return ra < rb
		}
		return a.Task.ID < b.Task.ID
	})
	return res, snap.Version(), nil
}

// Suggest returns rebalancing proposals for period. Nothing is applied.
func (e *Engine) Suggest(period int, version uint64) ([]proposal.Proposal, uint64, error) {
	snap, err := e.Store.Require(version)
	if err != nil {
		return nil, 0, err
	}
	if period < 0 {
		return nil, snap.Version(), &graph.ValidationError{Field: "period", Reason: "must be >= 0"}
	}
	return e.Advisor.Rebalance(snap, period), snap.Version(), nil
}

// Overview bundles the derived views of one snapshot.
type Overview struct {
	Version         uint64                     `json:"version"`
	Classifications []analysis.Classification  `json:"classifications"`
	Ready           []string                   `json:"ready"`
	Schedule        *schedule.Schedule         `json:"schedule"`
	CriticalPath    []string                   `json:"criticalPath"`
	Load            map[string][]capacity.Load `json:"load"`
	Overcommit      []capacity.Overcommit      `json:"overcommit"`
}

// Overview computes classification, schedule and team load for one snapshot
// in parallel. The derivations only read the snapshot.
func (e *Engine) Overview(ctx context.Context, periods int, version uint64) (*Overview, error) {
	snap, err := e.Store.Require(version)
	if err != nil {
		return nil, err
	}
	out := &Overview{Version: snap.Version(), Load: map[string][]capacity.Load{}}
	now := e.now()

	p := pool.New().WithMaxGoroutines(max(e.Config.Workers, 1)).WithContext(ctx).WithCancelOnError()
	p.Go(func(context.Context) error {
		out.Classifications = e.Classifier.ClassifyAll(snap, now)
		out.Ready = analysis.Executable(snap)
		return nil
	})
	p.Go(func(context.Context) error {
		s, err := e.Schedules.Get(snap)
		if err != nil {
			return err
		}
		out.Schedule = s
		out.CriticalPath = s.CriticalPath()
		return nil
	})
	p.Go(func(context.Context) error {
		for user, series := range e.Capacity.TeamLoadSeries(snap, periods) {
			out.Load[user] = series
		}
		out.Overcommit = e.Capacity.Overcommit(snap)
		return nil
	})
	if err := p.Wait(); err != nil {
		e.Logger.Error("overview failed", "version", snap.Version(), "err", err)
		return nil, err
	}
	return out, nil
}
