package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskgraph/internal/analysis"
	"taskgraph/internal/capacity"
	"taskgraph/internal/config"
	"taskgraph/internal/domain"
	"taskgraph/internal/events"
	"taskgraph/internal/graph"
	"taskgraph/internal/proposal"
	"taskgraph/internal/repo"
	"taskgraph/internal/schedule"
)

// Engine binds the graph store to its derivations and, when a database is
// configured, writes every commit through to sqlite and the event log.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *slog.Logger

	Store      *graph.Store
	Schedules  *schedule.Cache
	Classifier analysis.Classifier
	Capacity   capacity.Aggregator
	Applier    proposal.Applier
	Advisor    proposal.Advisor
}

// New builds an engine. db may be nil for a purely in-memory engine.
func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Config:    cfg,
		Now:       time.Now,
		Logger:    logger,
		Schedules: &schedule.Cache{},
		Classifier: analysis.Classifier{
			InactivityWindow: time.Duration(cfg.Analysis.InactivityWindow),
		},
		Capacity: capacity.NewAggregator(capacity.Thresholds{
			Overload: cfg.Capacity.OverloadThreshold,
			Risk:     cfg.Capacity.RiskThreshold,
		}, cfg.Capacity.PeriodLength),
	}
	e.Events = events.Writer{Now: e.now}
	opts := []graph.Option{graph.WithLogger(logger.With("component", "graph"))}
	if db != nil {
		opts = append(opts, graph.WithCommitHook(e.persist))
	}
	e.Store = graph.NewStore(opts...)
	e.Applier = proposal.Applier{Store: e.Store}
	e.Advisor = proposal.Advisor{Capacity: e.Capacity}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Reload replaces the in-memory graph with what the database holds.
func (e *Engine) Reload(ctx context.Context) error {
	if e.DB == nil {
		return nil
	}
	g, err := e.Repo.LoadGraph(ctx)
	if err != nil {
		return err
	}
	v, err := e.Repo.GraphVersion(ctx)
	if err != nil {
		return fmt.Errorf("read graph version: %w", err)
	}
	if err := e.Store.Restore(g, v); err != nil {
		e.Logger.Error("persisted graph rejected", "err", err)
		return fmt.Errorf("restore graph: %w", err)
	}
	e.Schedules.Invalidate()
	e.Logger.Info("graph loaded", "version", v, "tasks", len(g.Tasks))
	return nil
}

type actorKey struct{}

func withActor(ctx context.Context, actorID string) context.Context {
	if actorID == "" {
		actorID = "system"
	}
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok {
		return v
	}
	return "system"
}

// persist is the store commit hook: the change and its events land in one
// sql transaction or not at all.
func (e *Engine) persist(ctx context.Context, c graph.Change) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.Repo.ApplyChange(ctx, tx, c); err != nil {
		return fmt.Errorf("persist change: %w", err)
	}
	actor := actorFrom(ctx)
	for _, ev := range changeEvents(c) {
		if err := e.Events.Append(ctx, tx, ev.typ, c.Version, ev.kind, ev.id, actor, ev.payload); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}
	return tx.Commit()
}

type pendingEvent struct {
	typ     string
	kind    string
	id      string
	payload events.EventPayload
}

func changeEvents(c graph.Change) []pendingEvent {
	if c.Reload {
		snap := c.Snapshot
		return []pendingEvent{{typ: events.GraphLoaded, kind: "graph", payload: events.EventPayload{
			"tasks":        snap.Len(),
			"dependencies": len(snap.Edges()),
			"users":        len(snap.Users()),
			"projects":     len(snap.Projects()),
		}}}
	}
	var res []pendingEvent
	for _, p := range c.Projects {
		res = append(res, pendingEvent{events.ProjectUpserted, "project", p.ID, events.EventPayload{"name": p.Name, "visible": p.Visible}})
	}
	for _, u := range c.Users {
		res = append(res, pendingEvent{events.UserUpserted, "user", u.ID, events.EventPayload{"personas": len(u.Personas)}})
	}
	for _, t := range c.Tasks {
		res = append(res, pendingEvent{events.TaskUpserted, "task", t.ID, events.EventPayload{
			"status": t.Status, "duration": t.Duration, "ownerId": t.OwnerID, "personaId": t.PersonaID,
		}})
	}
	for _, e := range c.AddedEdges {
		res = append(res, pendingEvent{events.DependencyAdded, "dependency", e.FromID, events.EventPayload{"toId": e.ToID, "type": e.Type}})
	}
	for _, e := range c.RemovedEdges {
		res = append(res, pendingEvent{events.DependencyRemoved, "dependency", e.FromID, events.EventPayload{"toId": e.ToID}})
	}
	for _, id := range c.DeletedTasks {
		res = append(res, pendingEvent{events.TaskDeleted, "task", id, nil})
	}
	for _, id := range c.DeletedProjects {
		res = append(res, pendingEvent{events.ProjectDeleted, "project", id, nil})
	}
	return res
}

func (e *Engine) LoadGraph(ctx context.Context, g graph.Graph, actorID string) (uint64, error) {
	v, err := e.Store.LoadGraph(withActor(ctx, actorID), g)
	return e.logged("load_graph", actorID, v, err)
}

func (e *Engine) UpsertTask(ctx context.Context, t domain.Task, actorID string) (uint64, error) {
	v, err := e.Store.UpsertTask(withActor(ctx, actorID), t)
	return e.logged("upsert_task", actorID, v, err)
}

func (e *Engine) AddDependency(ctx context.Context, d domain.Dependency, actorID string) (uint64, error) {
	v, err := e.Store.AddDependency(withActor(ctx, actorID), d.FromID, d.ToID, d.Type, d.Note)
	return e.logged("add_dependency", actorID, v, err)
}

func (e *Engine) RemoveDependency(ctx context.Context, fromID, toID, actorID string) (uint64, error) {
	v, err := e.Store.RemoveDependency(withActor(ctx, actorID), fromID, toID)
	return e.logged("remove_dependency", actorID, v, err)
}

func (e *Engine) DeleteTask(ctx context.Context, id string, cascade bool, actorID string) (uint64, error) {
	v, err := e.Store.DeleteTask(withActor(ctx, actorID), id, cascade)
	return e.logged("delete_task", actorID, v, err)
}

func (e *Engine) UpsertUser(ctx context.Context, u domain.User, actorID string) (uint64, error) {
	v, err := e.Store.UpsertUser(withActor(ctx, actorID), u)
	return e.logged("upsert_user", actorID, v, err)
}

func (e *Engine) UpsertProject(ctx context.Context, p domain.Project, actorID string) (uint64, error) {
	v, err := e.Store.UpsertProject(withActor(ctx, actorID), p)
	return e.logged("upsert_project", actorID, v, err)
}

func (e *Engine) DeleteProject(ctx context.Context, id string, cascade bool, actorID string) (uint64, error) {
	v, err := e.Store.DeleteProject(withActor(ctx, actorID), id, cascade)
	return e.logged("delete_project", actorID, v, err)
}

// ApplyProposal applies an externally produced proposal; expected guards
// against proposals computed from an older graph.
func (e *Engine) ApplyProposal(ctx context.Context, p proposal.Proposal, expected uint64, actorID string) (uint64, error) {
	v, err := e.Applier.Apply(withActor(ctx, actorID), p, expected)
	return e.logged("apply_proposal", actorID, v, err)
}

func (e *Engine) logged(op, actorID string, v uint64, err error) (uint64, error) {
	switch {
	case err == nil:
		e.Logger.Debug("graph mutated", "op", op, "actor", actorID, "version", v)
	case errors.Is(err, graph.ErrInvariantViolation):
		var nodes []string
		if inv := (*graph.GraphInvariantViolation)(nil); errors.As(err, &inv) {
			nodes = inv.Nodes
		}
		e.Logger.Error("graph invariant violated", "op", op, "err", err, "nodes", nodes)
	default:
		e.Logger.Info("mutation rejected", "op", op, "actor", actorID, "err", err)
	}
	return v, err
}
