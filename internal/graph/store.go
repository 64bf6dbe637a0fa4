package graph

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"taskgraph/internal/domain"
)

// Change describes one committed mutation. Reload marks a bulk replacement,
// in which case Snapshot is the only complete description of the new state.
type Change struct {
	Version         uint64
	Reload          bool
	Tasks           []domain.Task
	DeletedTasks    []string
	AddedEdges      []domain.Dependency
	RemovedEdges    []domain.Dependency
	Users           []domain.User
	Projects        []domain.Project
	DeletedProjects []string
	Snapshot        *Snapshot
}

// Empty reports whether the mutation left the graph content unchanged.
func (c Change) Empty() bool {
	return !c.Reload && len(c.Tasks) == 0 && len(c.DeletedTasks) == 0 &&
		len(c.AddedEdges) == 0 && len(c.RemovedEdges) == 0 &&
		len(c.Users) == 0 && len(c.Projects) == 0 && len(c.DeletedProjects) == 0
}

// CommitHook runs before a new snapshot is published. Returning an error
// aborts the commit.
type CommitHook func(ctx context.Context, c Change) error

// Graph is the bulk input accepted by LoadGraph.
type Graph struct {
	Projects     []domain.Project    `json:"projects" yaml:"projects"`
	Users        []domain.User       `json:"users" yaml:"users"`
	Tasks        []domain.Task       `json:"tasks" yaml:"tasks"`
	Dependencies []domain.Dependency `json:"dependencies" yaml:"dependencies"`
}

// Store is the single authority over the task graph. Writers are
// serialised; readers take the current snapshot without locking.
type Store struct {
	mu     sync.Mutex
	cur    atomic.Pointer[Snapshot]
	hook   CommitHook
	logger *slog.Logger
}

type Option func(*Store)

func WithCommitHook(h CommitHook) Option {
	return func(s *Store) { s.hook = h }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

func NewStore(opts ...Option) *Store {
	s := &Store{}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.cur.Store(emptySnapshot())
	return s
}

func (s *Store) Snapshot() *Snapshot { return s.cur.Load() }

func (s *Store) Version() uint64 { return s.cur.Load().version }

// Require returns the current snapshot, or StaleSnapshotError when expected
// is non-zero and the store has moved past it.
func (s *Store) Require(expected uint64) (*Snapshot, error) {
	snap := s.cur.Load()
	if expected != 0 && expected != snap.version {
		return nil, &StaleSnapshotError{Expected: expected, Current: snap.version}
	}
	return snap, nil
}

// Tx applies fn to a private copy of the graph and publishes it as one
// version. A transaction that changes nothing returns the current version.
func (s *Store) Tx(ctx context.Context, fn func(*Tx) error) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cur.Load()
	tx := &Tx{s: old.clone()}
	if err := fn(tx); err != nil {
		s.logger.Info("graph mutation rejected", "version", old.version, "err", err)
		return old.version, err
	}
	c := diff(old, tx.s)
	if c.Empty() {
		return old.version, nil
	}
	return s.commit(ctx, tx.s, c)
}

func (s *Store) commit(ctx context.Context, next *Snapshot, c Change) (uint64, error) {
	old := s.cur.Load()
	next.version = old.version + 1
	c.Version = next.version
	c.Snapshot = next
	if s.hook != nil {
		if err := s.hook(ctx, c); err != nil {
			s.logger.Warn("graph commit hook failed", "version", next.version, "err", err)
			return old.version, err
		}
	}
	s.cur.Store(next)
	s.logger.Debug("graph committed", "version", next.version, "tasks", len(next.tasks), "reload", c.Reload)
	return next.version, nil
}

func (s *Store) UpsertTask(ctx context.Context, t domain.Task) (uint64, error) {
	return s.Tx(ctx, func(tx *Tx) error { return tx.UpsertTask(t) })
}

func (s *Store) AddDependency(ctx context.Context, fromID, toID string, typ domain.DependencyType, note string) (uint64, error) {
	return s.Tx(ctx, func(tx *Tx) error { return tx.AddDependency(fromID, toID, typ, note) })
}

func (s *Store) RemoveDependency(ctx context.Context, fromID, toID string) (uint64, error) {
	return s.Tx(ctx, func(tx *Tx) error {
		tx.RemoveDependency(fromID, toID)
		return nil
	})
}

func (s *Store) DeleteTask(ctx context.Context, id string, cascade bool) (uint64, error) {
	return s.Tx(ctx, func(tx *Tx) error { return tx.DeleteTask(id, cascade) })
}

func (s *Store) UpsertUser(ctx context.Context, u domain.User) (uint64, error) {
	return s.Tx(ctx, func(tx *Tx) error { return tx.UpsertUser(u) })
}

func (s *Store) UpsertProject(ctx context.Context, p domain.Project) (uint64, error) {
	return s.Tx(ctx, func(tx *Tx) error { return tx.UpsertProject(p) })
}

func (s *Store) DeleteProject(ctx context.Context, id string, cascade bool) (uint64, error) {
	return s.Tx(ctx, func(tx *Tx) error { return tx.DeleteProject(id, cascade) })
}

// LoadGraph replaces the whole graph. Every entity goes through the same
// checks as the single mutations; nothing is published on error.
func (s *Store) LoadGraph(ctx context.Context, g Graph) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := build(g)
	if err != nil {
		s.logger.Info("graph load rejected", "err", err)
		return s.cur.Load().version, err
	}
	c := diff(s.cur.Load(), next)
	c.Reload = true
	return s.commit(ctx, next, c)
}

// Restore installs a graph read back from persistence at the version it was
// saved with. The commit hook is not called.
func (s *Store) Restore(g Graph, version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := build(g)
	if err != nil {
		return err
	}
	next.version = version
	s.cur.Store(next)
	s.logger.Debug("graph restored", "version", version, "tasks", len(next.tasks))
	return nil
}

func build(g Graph) (*Snapshot, error) {
	tx := &Tx{s: emptySnapshot()}
	for _, p := range g.Projects {
		if err := tx.UpsertProject(p); err != nil {
			return nil, err
		}
	}
	for _, u := range g.Users {
		if err := tx.UpsertUser(u); err != nil {
			return nil, err
		}
	}
	for _, t := range g.Tasks {
		if tx.s.HasTask(t.ID) {
			return nil, invalid(t.ID, "id", "duplicate task")
		}
		t.DependencyIDs = nil
		if err := tx.UpsertTask(t); err != nil {
			return nil, err
		}
	}
	for _, d := range g.Dependencies {
		if err := tx.AddDependency(d.FromID, d.ToID, d.Type, d.Note); err != nil {
			return nil, err
		}
	}
	for _, t := range g.Tasks {
		for _, dep := range t.DependencyIDs {
			if _, ok := tx.s.out[t.ID][dep]; ok {
				continue
			}
			if err := tx.AddDependency(t.ID, dep, domain.BlockedBy, ""); err != nil {
				return nil, err
			}
		}
	}
	if nodes := tx.s.findCycle(); nodes != nil {
		return nil, &GraphInvariantViolation{Nodes: nodes}
	}
	return tx.s, nil
}

// diff lists what changed between two states, each section ordered by id.
func diff(old, next *Snapshot) Change {
	var c Change
	for _, id := range next.TaskIDs() {
		if prev, ok := old.tasks[id]; !ok || !reflect.DeepEqual(prev, next.tasks[id]) {
			t, _ := next.Task(id)
			c.Tasks = append(c.Tasks, t)
		}
	}
	for _, id := range old.TaskIDs() {
		if !next.HasTask(id) {
			c.DeletedTasks = append(c.DeletedTasks, id)
		}
	}
	for _, e := range next.Edges() {
		if prev, ok := old.out[e.FromID][e.ToID]; !ok || prev != e {
			c.AddedEdges = append(c.AddedEdges, e)
		}
	}
	for _, e := range old.Edges() {
		if _, ok := next.out[e.FromID][e.ToID]; !ok {
			c.RemovedEdges = append(c.RemovedEdges, e)
		}
	}
	for _, u := range next.Users() {
		if prev, ok := old.users[u.ID]; !ok || !reflect.DeepEqual(prev, u) {
			c.Users = append(c.Users, u)
		}
	}
	for _, p := range next.Projects() {
		if prev, ok := old.projects[p.ID]; !ok || prev != p {
			c.Projects = append(c.Projects, p)
		}
	}
	for _, p := range old.Projects() {
		if _, ok := next.projects[p.ID]; !ok {
			c.DeletedProjects = append(c.DeletedProjects, p.ID)
		}
	}
	return c
}
