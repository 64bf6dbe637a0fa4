package graph_test

import (
	"context"
	"errors"
	"testing"

	"taskgraph/internal/domain"
	"taskgraph/internal/graph"
)

func seedStore(t *testing.T) *graph.Store {
	t.Helper()
	s := graph.NewStore()
	_, err := s.LoadGraph(context.Background(), graph.Graph{
		Users: []domain.User{{ID: "u1", BaseCapacity: 80}},
		Tasks: []domain.Task{
			{ID: "t1", Title: "model", OwnerID: "u1", Duration: 4},
			{ID: "t2", Title: "api", OwnerID: "u1", Duration: 2, DependencyIDs: []string{"t1"}},
			{ID: "t3", Title: "ui", OwnerID: "u1", Duration: 3, DependencyIDs: []string{"t2"}},
		},
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return s
}

func TestCycleRejectedLeavesSnapshotUntouched(t *testing.T) {
	s := seedStore(t)
	before := s.Snapshot()
	fp := before.Fingerprint()

	_, err := s.AddDependency(context.Background(), "t1", "t3", domain.BlockedBy, "")
	var cyc *graph.CycleError
	if !errors.As(err, &cyc) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	if !errors.Is(err, graph.ErrCycle) {
		t.Fatalf("cycle error should match sentinel")
	}
	if len(cyc.Path) != 3 || cyc.Path[0] != "t3" || cyc.Path[2] != "t1" {
		t.Fatalf("unexpected cycle path %v", cyc.Path)
	}
	if s.Snapshot() != before || s.Version() != before.Version() {
		t.Fatalf("snapshot replaced after rejected edge")
	}
	if before.Fingerprint() != fp {
		t.Fatalf("snapshot content changed after rejected edge")
	}
}

func TestSelfAndUnknownDependencies(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	if _, err := s.AddDependency(ctx, "t1", "t1", "", ""); !errors.Is(err, graph.ErrSelfDependency) {
		t.Fatalf("expected self dependency, got %v", err)
	}
	if _, err := s.AddDependency(ctx, "t1", "nope", "", ""); !errors.Is(err, graph.ErrUnknownTask) {
		t.Fatalf("expected unknown task, got %v", err)
	}
	if _, err := s.AddDependency(ctx, "t3", "t1", "maybe", ""); !errors.Is(err, graph.ErrValidation) {
		t.Fatalf("expected validation error for dependency type, got %v", err)
	}
}

func TestVersionBumpsOncePerCommit(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	v0 := s.Version()

	v1, err := s.AddDependency(ctx, "t3", "t1", domain.HelpfulIfDoneFirst, "context")
	if err != nil {
		t.Fatal(err)
	}
	if v1 != v0+1 {
		t.Fatalf("expected version %d, got %d", v0+1, v1)
	}
	// removing an absent edge is a no-op
	v2, err := s.RemoveDependency(ctx, "t1", "t3")
	if err != nil || v2 != v1 {
		t.Fatalf("absent edge removal: version %d err %v", v2, err)
	}
	v3, err := s.RemoveDependency(ctx, "t3", "t1")
	if err != nil || v3 != v1+1 {
		t.Fatalf("edge removal: version %d err %v", v3, err)
	}
	if _, ok := s.Snapshot().Dependency("t3", "t1"); ok {
		t.Fatalf("edge still present")
	}
}

func TestUpsertTaskValidation(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	cases := []struct {
		name  string
		task  domain.Task
		field string
	}{
		{"negative duration", domain.Task{ID: "x", Title: "x", OwnerID: "u1", Duration: -1}, "duration"},
		{"progress range", domain.Task{ID: "x", Title: "x", OwnerID: "u1", Progress: 101}, "progress"},
		{"unknown owner", domain.Task{ID: "x", Title: "x", OwnerID: "ghost"}, "ownerId"},
		{"unknown persona", domain.Task{ID: "x", Title: "x", OwnerID: "u1", PersonaID: "p9"}, "personaId"},
		{"missing title", domain.Task{ID: "x", OwnerID: "u1"}, "title"},
		{"bad status", domain.Task{ID: "x", Title: "x", OwnerID: "u1", Status: "Done"}, "status"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := s.Version()
			_, err := s.UpsertTask(ctx, tc.task)
			var verr *graph.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("expected field %s, got %s", tc.field, verr.Field)
			}
			if s.Version() != v {
				t.Fatalf("version moved on rejected upsert")
			}
		})
	}
}

func TestUpsertTaskDependencyIDs(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	if _, err := s.AddDependency(ctx, "t3", "t2", domain.WaitingOn, "handover"); err != nil {
		t.Fatal(err)
	}
	task, _ := s.Snapshot().Task("t3")
	task.Title = "ui polish"
	task.DependencyIDs = nil
	if _, err := s.UpsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	d, ok := s.Snapshot().Dependency("t3", "t2")
	if !ok || d.Type != domain.WaitingOn || d.Note != "handover" {
		t.Fatalf("nil dependency ids should keep edges, got %+v", d)
	}

	task.DependencyIDs = []string{"t2", "t1"}
	if _, err := s.UpsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	if d, _ := snap.Dependency("t3", "t2"); d.Type != domain.WaitingOn {
		t.Fatalf("existing edge metadata lost: %+v", d)
	}
	if d, ok := snap.Dependency("t3", "t1"); !ok || d.Type != domain.BlockedBy {
		t.Fatalf("new edge should be blocked_by: %+v", d)
	}

	task.DependencyIDs = []string{}
	if _, err := s.UpsertTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if deps := s.Snapshot().DependenciesOf("t3"); len(deps) != 0 {
		t.Fatalf("empty dependency ids should clear edges, got %v", deps)
	}
}

func TestDeletePolicy(t *testing.T) {
	s := seedStore(t)
	ctx := context.Background()
	v := s.Version()

	_, err := s.DeleteTask(ctx, "t2", false)
	var hd *graph.HasDependentsError
	if !errors.As(err, &hd) || len(hd.Dependents) != 1 || hd.Dependents[0] != "t3" {
		t.Fatalf("expected has-dependents error naming t3, got %v", err)
	}
	if s.Version() != v {
		t.Fatalf("version moved on rejected delete")
	}

	if _, err := s.DeleteTask(ctx, "t2", true); err != nil {
		t.Fatalf("cascade delete: %v", err)
	}
	snap := s.Snapshot()
	if snap.HasTask("t2") {
		t.Fatalf("t2 still present")
	}
	if deps := snap.DependenciesOf("t3"); len(deps) != 0 {
		t.Fatalf("dangling edge left on t3: %v", deps)
	}
	if deps := snap.DependentsOf("t1"); len(deps) != 0 {
		t.Fatalf("dangling edge left on t1: %v", deps)
	}
	if _, err := s.DeleteTask(ctx, "t2", true); !errors.Is(err, graph.ErrUnknownTask) {
		t.Fatalf("expected unknown task, got %v", err)
	}
}

func TestRequireStaleSnapshot(t *testing.T) {
	s := seedStore(t)
	v := s.Version()
	if _, err := s.Require(v); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Require(0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertTask(context.Background(), domain.Task{ID: "t4", Title: "docs", OwnerID: "u1"}); err != nil {
		t.Fatal(err)
	}
	_, err := s.Require(v)
	var stale *graph.StaleSnapshotError
	if !errors.As(err, &stale) || stale.Expected != v || stale.Current != v+1 {
		t.Fatalf("expected stale snapshot error, got %v", err)
	}
}

func TestTxIsAllOrNothing(t *testing.T) {
	s := seedStore(t)
	fp := s.Snapshot().Fingerprint()
	v := s.Version()
	_, err := s.Tx(context.Background(), func(tx *graph.Tx) error {
		if err := tx.UpsertTask(domain.Task{ID: "t4", Title: "docs", OwnerID: "u1"}); err != nil {
			return err
		}
		return tx.AddDependency("t1", "t4", domain.BlockedBy, "")
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Version() != v+1 {
		t.Fatalf("transaction should bump the version once")
	}

	_, err = s.Tx(context.Background(), func(tx *graph.Tx) error {
		if err := tx.UpsertTask(domain.Task{ID: "t5", Title: "release", OwnerID: "u1"}); err != nil {
			return err
		}
		return tx.AddDependency("t4", "t3", domain.BlockedBy, "")
	})
	if !errors.Is(err, graph.ErrCycle) {
		t.Fatalf("expected cycle, got %v", err)
	}
	if s.Snapshot().HasTask("t5") || s.Version() != v+1 {
		t.Fatalf("failed transaction leaked state")
	}
	if s.Snapshot().Fingerprint() == fp {
		t.Fatalf("committed transaction not visible")
	}
}

func TestCommitHookFailureAborts(t *testing.T) {
	var changes []graph.Change
	fail := false
	s := graph.NewStore(graph.WithCommitHook(func(_ context.Context, c graph.Change) error {
		if fail {
			return errors.New("disk full")
		}
		changes = append(changes, c)
		return nil
	}))
	ctx := context.Background()
	if _, err := s.UpsertUser(ctx, domain.User{ID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertTask(ctx, domain.Task{ID: "t1", Title: "a", OwnerID: "u1", PersonaID: domain.DefaultPersonaID("u1")}); err != nil {
		t.Fatal(err)
	}
	if len(changes) != 2 || len(changes[1].Tasks) != 1 || changes[1].Version != 2 {
		t.Fatalf("unexpected changes %+v", changes)
	}
	fail = true
	if _, err := s.DeleteTask(ctx, "t1", false); err == nil {
		t.Fatalf("expected hook error")
	}
	if !s.Snapshot().HasTask("t1") || s.Version() != 2 {
		t.Fatalf("hook failure should keep previous snapshot")
	}
}

func TestUsersAndProjects(t *testing.T) {
	s := graph.NewStore()
	ctx := context.Background()
	if _, err := s.UpsertUser(ctx, domain.User{ID: "u1", Personas: []domain.Persona{{ID: "p1", Capacity: 40}, {ID: "p2", Capacity: 60}}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertUser(ctx, domain.User{ID: "u2", Personas: []domain.Persona{{ID: "p1", Capacity: 10}}}); !errors.Is(err, graph.ErrValidation) {
		t.Fatalf("persona id reuse across users should fail, got %v", err)
	}
	if _, err := s.UpsertUser(ctx, domain.User{ID: "u3", Personas: []domain.Persona{{ID: "p3", Capacity: 120}}}); !errors.Is(err, graph.ErrValidation) {
		t.Fatalf("capacity above 100 should fail, got %v", err)
	}
	if _, err := s.UpsertProject(ctx, domain.Project{ID: "proj1", Name: "Core"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertTask(ctx, domain.Task{ID: "t1", ProjectID: "proj1", Title: "a", OwnerID: "u1", PersonaID: "p2"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpsertTask(ctx, domain.Task{ID: "t2", ProjectID: "proj9", Title: "b", OwnerID: "u1"}); !errors.Is(err, graph.ErrValidation) {
		t.Fatalf("unknown project should fail, got %v", err)
	}
	if _, err := s.UpsertUser(ctx, domain.User{ID: "u1", Personas: []domain.Persona{{ID: "p1", Capacity: 40}}}); !errors.Is(err, graph.ErrValidation) {
		t.Fatalf("dropping a persona in use should fail, got %v", err)
	}
	if _, err := s.DeleteProject(ctx, "proj1", false); !errors.Is(err, graph.ErrValidation) {
		t.Fatalf("deleting a project with tasks should fail, got %v", err)
	}
	if _, err := s.DeleteProject(ctx, "proj1", true); err != nil {
		t.Fatal(err)
	}
	if s.Snapshot().Len() != 0 {
		t.Fatalf("cascade should delete project tasks")
	}
}

func TestLoadGraphDefaultsAndRejects(t *testing.T) {
	s := graph.NewStore()
	ctx := context.Background()
	_, err := s.LoadGraph(ctx, graph.Graph{
		Users: []domain.User{{ID: "u1"}},
		Tasks: []domain.Task{
			{ID: "a", Title: "a", OwnerID: "u1", DependencyIDs: []string{"b"}},
			{ID: "b", Title: "b", OwnerID: "u1", DependencyIDs: []string{"a"}},
		},
	})
	if !errors.Is(err, graph.ErrCycle) {
		t.Fatalf("expected cycle on load, got %v", err)
	}
	if s.Version() != 0 {
		t.Fatalf("rejected load moved version")
	}

	if _, err := s.LoadGraph(ctx, graph.Graph{
		Users: []domain.User{{ID: "u1"}},
		Tasks: []domain.Task{{ID: "a", Title: "a", OwnerID: "u1"}},
	}); err != nil {
		t.Fatal(err)
	}
	snap := s.Snapshot()
	u, _ := snap.User("u1")
	if len(u.Personas) != 1 || u.Personas[0].ID != "u1:default" || u.Personas[0].Capacity != 100 {
		t.Fatalf("expected default persona, got %+v", u.Personas)
	}
	task, _ := snap.Task("a")
	if task.Status != domain.StatusPending || task.Priority != domain.PriorityMedium {
		t.Fatalf("expected defaults, got %s/%s", task.Status, task.Priority)
	}
}
