package schedule_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"taskgraph/internal/domain"
	"taskgraph/internal/graph"
	"taskgraph/internal/schedule"
)

// diamond builds t1 -> {t2, t3} -> t4 with the given actual durations and a
// planned duration of 5/3/2/1.
func diamond(t *testing.T, a, b, c, d int) *graph.Store {
	t.Helper()
	s := graph.NewStore()
	_, err := s.LoadGraph(context.Background(), graph.Graph{
		Users: []domain.User{{ID: "u1"}},
		Tasks: []domain.Task{
			{ID: "t1", Title: "A", OwnerID: "u1", Duration: a, PlannedDuration: 5},
			{ID: "t2", Title: "B", OwnerID: "u1", Duration: b, PlannedDuration: 3, DependencyIDs: []string{"t1"}},
			{ID: "t3", Title: "C", OwnerID: "u1", Duration: c, PlannedDuration: 2, DependencyIDs: []string{"t1"}},
			{ID: "t4", Title: "D", OwnerID: "u1", Duration: d, PlannedDuration: 1, DependencyIDs: []string{"t2", "t3"}},
		},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return s
}

func TestComputeCriticalPath(t *testing.T) {
	snap := diamond(t, 5, 3, 2, 1).Snapshot()
	sched, err := schedule.Compute(snap)
	if err != nil {
		t.Fatal(err)
	}
	if sched.Finish != 9 {
		t.Fatalf("expected finish 9, got %d", sched.Finish)
	}
	want := map[string][4]int{ // ES, EF, LS, LF
		"t1": {0, 5, 0, 5},
		"t2": {5, 8, 5, 8},
		"t3": {5, 7, 6, 8},
		"t4": {8, 9, 8, 9},
	}
	for id, w := range want {
		ts, _ := sched.Task(id)
		if got := [4]int{ts.ES, ts.EF, ts.LS, ts.LF}; got != w {
			t.Errorf("%s: expected %v, got %v", id, w, got)
		}
	}
	if cp := sched.CriticalPath(); !slices.Equal(cp, []string{"t1", "t2", "t4"}) {
		t.Fatalf("unexpected critical path %v", cp)
	}
	for _, id := range sched.CriticalPath() {
		if slack, _ := sched.Slack(id); slack != 0 {
			t.Fatalf("critical task %s has slack %d", id, slack)
		}
	}
	if slack, _ := sched.Slack("t3"); slack != 1 {
		t.Fatalf("expected slack 1 on t3, got %d", slack)
	}
	if _, err := sched.Slack("zz"); !errors.Is(err, graph.ErrUnknownTask) {
		t.Fatalf("expected unknown task, got %v", err)
	}
	chains := sched.Chains()
	if len(chains) != 1 || !slices.Equal(chains[0], []string{"t1", "t2", "t4"}) {
		t.Fatalf("unexpected chains %v", chains)
	}
	waves := sched.Waves()
	if len(waves) != 3 || !slices.Equal(waves[1].TaskIDs, []string{"t2", "t3"}) || waves[1].Start != 5 {
		t.Fatalf("unexpected waves %+v", waves)
	}
}

func TestCriticalPathDeterministic(t *testing.T) {
	s := graph.NewStore()
	_, err := s.LoadGraph(context.Background(), graph.Graph{
		Users: []domain.User{{ID: "u1"}},
		Tasks: []domain.Task{
			{ID: "b", Title: "b", OwnerID: "u1", Duration: 3, Priority: domain.PriorityLow},
			{ID: "a", Title: "a", OwnerID: "u1", Duration: 3},
			{ID: "c", Title: "c", OwnerID: "u1", Duration: 3, Priority: domain.PriorityHigh},
			{ID: "short", Title: "short", OwnerID: "u1", Duration: 1},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	for range 5 {
		sched, err := schedule.Compute(s.Snapshot())
		if err != nil {
			t.Fatal(err)
		}
		if cp := sched.CriticalPath(); !slices.Equal(cp, []string{"c", "a", "b"}) {
			t.Fatalf("unexpected critical path %v", cp)
		}
	}
}

func TestPropagateSlippage(t *testing.T) {
	snap := diamond(t, 7, 3, 2, 1).Snapshot()
	imp, err := schedule.Propagate(snap, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if imp.Slippage != 2 || imp.FinishDelay != 2 {
		t.Fatalf("unexpected impact %+v", imp)
	}
	var d *schedule.Shift
	for i := range imp.Shifts {
		if imp.Shifts[i].TaskID == "t4" {
			d = &imp.Shifts[i]
		}
	}
	if d == nil || d.ESShift != 2 {
		t.Fatalf("expected ES(t4) shifted by 2, got %+v", imp.Shifts)
	}
	for _, sh := range imp.Shifts {
		if sh.TaskID == "t1" {
			t.Fatalf("the slipping task itself is not downstream")
		}
	}
}

func TestSlackAbsorbsSlippage(t *testing.T) {
	snap := diamond(t, 5, 3, 3, 1).Snapshot()
	imp, err := schedule.Propagate(snap, "t3")
	if err != nil {
		t.Fatal(err)
	}
	if imp.Slippage != 1 || imp.FinishDelay != 0 || len(imp.Shifts) != 0 {
		t.Fatalf("slack should absorb the delay, got %+v", imp)
	}
}

func TestWhatIfMatchesRecompute(t *testing.T) {
	store := diamond(t, 5, 3, 2, 1)
	imp, err := schedule.WhatIf(store.Snapshot(), "t1", 7)
	if err != nil {
		t.Fatal(err)
	}
	task, _ := store.Snapshot().Task("t1")
	task.Duration = 7
	if _, err := store.UpsertTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	after, _ := schedule.Compute(store.Snapshot())
	if imp.FinishDelay != after.Finish-9 {
		t.Fatalf("what-if delay %d disagrees with recompute finish %d", imp.FinishDelay, after.Finish)
	}
	base, _ := schedule.Baseline(store.Snapshot())
	shifts := schedule.Compare(base, after)
	if len(shifts) != 4 || shifts[0].TaskID != "t1" || shifts[0].EFShift != 2 {
		t.Fatalf("expected every task to move against the baseline, got %+v", shifts)
	}
}

func TestMilestonesHaveNoDuration(t *testing.T) {
	s := graph.NewStore()
	_, err := s.LoadGraph(context.Background(), graph.Graph{
		Users: []domain.User{{ID: "u1"}},
		Tasks: []domain.Task{
			{ID: "build", Title: "build", OwnerID: "u1", Duration: 4},
			{ID: "ship", Title: "ship", OwnerID: "u1", Duration: 3, IsMilestone: true, DependencyIDs: []string{"build"}},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	sched, _ := schedule.Compute(s.Snapshot())
	ts, _ := sched.Task("ship")
	if ts.ES != 4 || ts.EF != 4 || sched.Finish != 4 {
		t.Fatalf("milestone should be zero length, got %+v", ts)
	}
}

func TestCacheKeyedByVersion(t *testing.T) {
	store := diamond(t, 5, 3, 2, 1)
	var c schedule.Cache
	old := store.Snapshot()
	first, err := c.Get(old)
	if err != nil {
		t.Fatal(err)
	}
	if again, _ := c.Get(old); again != first {
		t.Fatalf("same version should hit the cache")
	}
	task, _ := old.Task("t2")
	task.Duration = 6
	if _, err := store.UpsertTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	fresh, _ := c.Get(store.Snapshot())
	if fresh == first || fresh.Finish != 12 {
		t.Fatalf("expected recompute after version bump, got finish %d", fresh.Finish)
	}
	stale, _ := c.Get(old)
	if stale.Version != old.Version() {
		t.Fatalf("old snapshot must get its own schedule")
	}
	if cur, _ := c.Get(store.Snapshot()); cur != fresh {
		t.Fatalf("older result must not replace the cached one")
	}
}

func TestComputeFailsOnCycle(t *testing.T) {
	snap := graph.Unchecked(graph.Graph{Tasks: []domain.Task{
		{ID: "a", Title: "a", DependencyIDs: []string{"b"}},
		{ID: "b", Title: "b", DependencyIDs: []string{"a"}},
	}}, 1)
	if _, err := schedule.Compute(snap); !errors.Is(err, graph.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}
