package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskgraph/internal/config"
	"taskgraph/internal/db"
	"taskgraph/internal/domain"
	"taskgraph/internal/engine"
	"taskgraph/internal/events"
	"taskgraph/internal/graph"
	"taskgraph/internal/migrate"
	"taskgraph/internal/proposal"
	"taskgraph/internal/repo"
)

type testEnv struct {
	Engine    *engine.Engine
	Ctx       context.Context
	Workspace string
}

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	return openEnv(t, dir)
}

func openEnv(t *testing.T, dir string) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), nil)
	eng.Now = func() time.Time { return fixedNow }
	if err := eng.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Workspace: dir}
}

func seed(t *testing.T, env testEnv) uint64 {
	t.Helper()
	v, err := env.Engine.LoadGraph(env.Ctx, graph.Graph{
		Projects: []domain.Project{{ID: "proj1", Name: "Forge.AI Core", Visible: true}},
		Users: []domain.User{
			{ID: "u1", Name: "Ana", BaseCapacity: 80, Personas: []domain.Persona{
				{ID: "p_u1_1", Role: "Lead", Capacity: 40},
				{ID: "p_u1_2", Role: "Dev", Capacity: 60},
			}},
			{ID: "u2", Name: "Ben", Personas: []domain.Persona{{ID: "p_u2_1", Capacity: 40}}},
		},
		Tasks: []domain.Task{
			{ID: "t1", ProjectID: "proj1", Title: "Model Training P1", OwnerID: "u1", PersonaID: "p_u1_2", Duration: 4, PlannedDuration: 4, Priority: domain.PriorityHigh},
			{ID: "t2", ProjectID: "proj1", Title: "Eval harness", OwnerID: "u1", PersonaID: "p_u1_2", Duration: 2, PlannedDuration: 2},
			{ID: "t3", ProjectID: "proj1", Title: "Deploy", OwnerID: "u2", PersonaID: "p_u2_1", Duration: 1, PlannedDuration: 1, DependencyIDs: []string{"t1", "t2"}},
		},
	}, "tester")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return v
}

func TestWriteThroughSurvivesReload(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env)
	if _, err := env.Engine.AddDependency(env.Ctx, domain.Dependency{FromID: "t2", ToID: "t1", Type: domain.WaitingOn, Note: "needs weights"}, "tester"); err != nil {
		t.Fatal(err)
	}
	v, err := env.Engine.DeleteTask(env.Ctx, "t3", true, "tester")
	if err != nil {
		t.Fatal(err)
	}
	fp := env.Engine.Store.Snapshot().Fingerprint()

	again := openEnv(t, env.Workspace)
	snap := again.Engine.Store.Snapshot()
	if snap.Version() != v {
		t.Fatalf("expected persisted version %d, got %d", v, snap.Version())
	}
	if snap.Fingerprint() != fp {
		t.Fatalf("reloaded graph differs\nwant %s\ngot  %s", fp, snap.Fingerprint())
	}
}

func TestRejectedMutationIsNotPersisted(t *testing.T) {
	env := newTestEnv(t)
	v := seed(t, env)
	_, err := env.Engine.AddDependency(env.Ctx, domain.Dependency{FromID: "t1", ToID: "t3"}, "tester")
	if !errors.Is(err, graph.ErrCycle) {
		t.Fatalf("expected cycle, got %v", err)
	}
	r := repo.Repo{DB: env.Engine.DB}
	persisted, err := r.GraphVersion(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if persisted != v {
		t.Fatalf("expected persisted version %d, got %d", v, persisted)
	}
	evts, err := r.LatestEvents(env.Ctx, 10, repo.EventFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 || evts[0].Type != events.GraphLoaded || evts[0].ActorID != "tester" {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestEventsRecordedPerChange(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env)
	task, _, _ := env.Engine.Task("t2", 0)
	task.Progress = 50
	v, err := env.Engine.UpsertTask(env.Ctx, task, "ana")
	if err != nil {
		t.Fatal(err)
	}
	r := repo.Repo{DB: env.Engine.DB}
	evts, err := r.EventsAfter(env.Ctx, 10, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 || evts[0].Type != events.TaskUpserted || evts[0].EntityID != "t2" || evts[0].Version != v {
		t.Fatalf("unexpected events %+v", evts)
	}
}

func TestQueriesHonourExpectedVersion(t *testing.T) {
	env := newTestEnv(t)
	v := seed(t, env)
	cp, got, err := env.Engine.CriticalPath(v)
	if err != nil {
		t.Fatal(err)
	}
	if got != v || len(cp) != 2 || cp[0] != "t1" || cp[1] != "t3" {
		t.Fatalf("unexpected critical path %v at %d", cp, got)
	}
	if _, err := env.Engine.UpsertTask(env.Ctx, domain.Task{ID: "t4", ProjectID: "proj1", Title: "Docs", OwnerID: "u2"}, "tester"); err != nil {
		t.Fatal(err)
	}
	_, _, err = env.Engine.Classify("t3", v)
	var stale *graph.StaleSnapshotError
	if !errors.As(err, &stale) || stale.Current != v+1 {
		t.Fatalf("expected stale snapshot, got %v", err)
	}
	c, _, err := env.Engine.Classify("t3", 0)
	if err != nil || c.Status != domain.StatusBlocked {
		t.Fatalf("expected t3 blocked, got %+v %v", c, err)
	}
}

func TestNextOrdersBySlack(t *testing.T) {
	env := newTestEnv(t)
	seed(t, env)
	items, _, err := env.Engine.Next("u1", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || items[0].Task.ID != "t1" || items[0].Slack != 0 || items[1].Slack != 2 {
		t.Fatalf("unexpected queue %+v", items)
	}
	items, _, _ = env.Engine.Next("u2", "p_u2_1", 0)
	if len(items) != 0 {
		t.Fatalf("t3 is blocked and must not be offered: %+v", items)
	}
	if _, _, err := env.Engine.Next("ghost", "", 0); !errors.Is(err, graph.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestApplyProposalThroughEngine(t *testing.T) {
	env := newTestEnv(t)
	v := seed(t, env)
	nv, err := env.Engine.ApplyProposal(env.Ctx, proposal.Handoff{TaskID: "t2", ToUserID: "u2"}, v, "envoy")
	if err != nil {
		t.Fatal(err)
	}
	task, _, _ := env.Engine.Task("t2", nv)
	if task.OwnerID != "u2" || task.PersonaID != "p_u2_1" {
		t.Fatalf("handoff not applied: %+v", task)
	}
	if _, err := env.Engine.ApplyProposal(env.Ctx, proposal.Handoff{TaskID: "t1", ToUserID: "u2"}, v, "envoy"); !errors.Is(err, graph.ErrStaleSnapshot) {
		t.Fatalf("expected stale proposal, got %v", err)
	}
}

func TestOverview(t *testing.T) {
	env := newTestEnv(t)
	v := seed(t, env)
	ov, err := env.Engine.Overview(env.Ctx, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if ov.Version != v || ov.Schedule == nil || ov.Schedule.Finish != 5 {
		t.Fatalf("unexpected overview %+v", ov)
	}
	if len(ov.Classifications) != 3 || len(ov.Ready) != 2 {
		t.Fatalf("unexpected classification %+v / ready %v", ov.Classifications, ov.Ready)
	}
	if len(ov.Load["u1"]) != 2 || ov.Load["u1"][0].Hours != 6 {
		t.Fatalf("unexpected load %+v", ov.Load)
	}
	if len(ov.Overcommit) != 1 || ov.Overcommit[0].UserID != "u1" {
		t.Fatalf("unexpected overcommit %+v", ov.Overcommit)
	}
}

func TestInMemoryEngine(t *testing.T) {
	eng := engine.New(nil, nil, nil)
	ctx := context.Background()
	if err := eng.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.UpsertUser(ctx, domain.User{ID: "solo"}, ""); err != nil {
		t.Fatal(err)
	}
	v, err := eng.UpsertTask(ctx, domain.Task{ID: "a", Title: "a", OwnerID: "solo", Duration: 3}, "")
	if err != nil || v != 2 {
		t.Fatalf("expected version 2, got %d %v", v, err)
	}
	slack, _, err := eng.Slack("a", v)
	if err != nil || slack != 0 {
		t.Fatalf("expected zero slack, got %d %v", slack, err)
	}
}
