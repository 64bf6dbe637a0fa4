package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"taskgraph/internal/domain"
	"taskgraph/internal/graph"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const versionKey = "graph_version"

// GraphVersion returns the version of the last persisted commit, 0 for an
// empty database.
func (r Repo) GraphVersion(ctx context.Context) (uint64, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM graph_meta WHERE key=?`, versionKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(raw, 10, 64)
}

func setVersion(ctx context.Context, tx *sql.Tx, v uint64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO graph_meta(key,value) VALUES (?,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`, versionKey, strconv.FormatUint(v, 10))
	return err
}

// LoadGraph reads every persisted entity for ingest into the store.
func (r Repo) LoadGraph(ctx context.Context) (graph.Graph, error) {
	var g graph.Graph
	var err error
	if g.Projects, err = r.ListProjects(ctx); err != nil {
		return g, fmt.Errorf("load projects: %w", err)
	}
	if g.Users, err = r.ListUsers(ctx); err != nil {
		return g, fmt.Errorf("load users: %w", err)
	}
	if g.Tasks, err = r.ListTasks(ctx); err != nil {
		return g, fmt.Errorf("load tasks: %w", err)
	}
	if g.Dependencies, err = r.ListDependencies(ctx); err != nil {
		return g, fmt.Errorf("load dependencies: %w", err)
	}
	return g, nil
}

// ApplyChange writes one store commit inside tx. A reload rewrites every
// table from the change's snapshot.
func (r Repo) ApplyChange(ctx context.Context, tx *sql.Tx, c graph.Change) error {
	if c.Reload {
		for _, table := range []string{"dependencies", "tasks", "personas", "users", "projects"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("clear %s: %w", table, err)
			}
		}
		snap := c.Snapshot
		c = graph.Change{
			Version:    c.Version,
			Tasks:      snap.Tasks(),
			AddedEdges: snap.Edges(),
			Users:      snap.Users(),
			Projects:   snap.Projects(),
		}
	}
	for _, p := range c.Projects {
		if err := upsertProject(ctx, tx, p); err != nil {
			return err
		}
	}
	for _, u := range c.Users {
		if err := upsertUser(ctx, tx, u); err != nil {
			return err
		}
	}
	for _, e := range c.RemovedEdges {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dependencies WHERE from_id=? AND to_id=?`, e.FromID, e.ToID); err != nil {
			return err
		}
	}
	for _, id := range c.DeletedTasks {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id); err != nil {
			return err
		}
	}
	for _, t := range c.Tasks {
		if err := upsertTask(ctx, tx, t); err != nil {
			return err
		}
	}
	for _, e := range c.AddedEdges {
		if _, err := tx.ExecContext(ctx, `INSERT INTO dependencies(from_id,to_id,type,note) VALUES (?,?,?,?)
ON CONFLICT(from_id,to_id) DO UPDATE SET type=excluded.type, note=excluded.note`, e.FromID, e.ToID, string(e.Type), e.Note); err != nil {
			return err
		}
	}
	for _, id := range c.DeletedProjects {
		if _, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id); err != nil {
			return err
		}
	}
	return setVersion(ctx, tx, c.Version)
}

func upsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,visible) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, visible=excluded.visible`, p.ID, p.Name, p.Visible)
	return err
}

func upsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO users(id,name,base_capacity) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, base_capacity=excluded.base_capacity`, u.ID, u.Name, u.BaseCapacity); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM personas WHERE user_id=?`, u.ID); err != nil {
		return err
	}
	for i, p := range u.Personas {
		if _, err := tx.ExecContext(ctx, `INSERT INTO personas(id,user_id,name,role,capacity,position) VALUES (?,?,?,?,?,?)`,
			p.ID, u.ID, p.Name, p.Role, p.Capacity, i); err != nil {
			return fmt.Errorf("persona %s: %w", p.ID, err)
		}
	}
	return nil
}

func upsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	tags, err := json.Marshal(t.Tags)
	if err != nil {
		return err
	}
	var lastProgress any
	if t.LastProgressAt != nil {
		lastProgress = t.LastProgressAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,title,status,priority,start_date,duration,planned_duration,progress,owner_id,persona_id,tags_json,is_milestone,leakage_hours,hand_off_to_id,last_progress_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET project_id=excluded.project_id, title=excluded.title, status=excluded.status, priority=excluded.priority,
  start_date=excluded.start_date, duration=excluded.duration, planned_duration=excluded.planned_duration, progress=excluded.progress,
  owner_id=excluded.owner_id, persona_id=excluded.persona_id, tags_json=excluded.tags_json, is_milestone=excluded.is_milestone,
  leakage_hours=excluded.leakage_hours, hand_off_to_id=excluded.hand_off_to_id, last_progress_at=excluded.last_progress_at`,
		t.ID, nullable(t.ProjectID), t.Title, string(t.Status), string(t.Priority), t.StartDate, t.Duration, t.PlannedDuration, t.Progress,
		t.OwnerID, nullable(t.PersonaID), string(tags), t.IsMilestone, t.LeakageHours, nullable(t.HandOffToID), lastProgress)
	return err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,visible FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Visible); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,base_capacity FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Name, &u.BaseCapacity); err != nil {
			rows.Close()
			return nil, err
		}
		users = append(users, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := r.DB.QueryContext(ctx, `SELECT id,user_id,name,role,capacity FROM personas ORDER BY user_id, position, id`)
	if err != nil {
		return nil, err
	}
	defer prows.Close()
	byUser := map[string][]domain.Persona{}
	for prows.Next() {
		var p domain.Persona
		if err := prows.Scan(&p.ID, &p.UserID, &p.Name, &p.Role, &p.Capacity); err != nil {
			return nil, err
		}
		byUser[p.UserID] = append(byUser[p.UserID], p)
	}
	for i := range users {
		users[i].Personas = byUser[users[i].ID]
	}
	return users, prows.Err()
}

func (r Repo) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(project_id,''),title,status,priority,start_date,duration,planned_duration,progress,owner_id,
COALESCE(persona_id,''),tags_json,is_milestone,leakage_hours,COALESCE(hand_off_to_id,''),last_progress_at FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var (
			t            domain.Task
			tags         string
			lastProgress sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Status, &t.Priority, &t.StartDate, &t.Duration, &t.PlannedDuration, &t.Progress,
			&t.OwnerID, &t.PersonaID, &tags, &t.IsMilestone, &t.LeakageHours, &t.HandOffToID, &lastProgress); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
			return nil, fmt.Errorf("task %s tags: %w", t.ID, err)
		}
		if lastProgress.Valid {
			ts, err := time.Parse(time.RFC3339Nano, lastProgress.String)
			if err != nil {
				return nil, fmt.Errorf("task %s last_progress_at: %w", t.ID, err)
			}
			t.LastProgressAt = &ts
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListDependencies(ctx context.Context) ([]domain.Dependency, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT from_id,to_id,type,note FROM dependencies ORDER BY from_id,to_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dependency
	for rows.Next() {
		var d domain.Dependency
		if err := rows.Scan(&d.FromID, &d.ToID, &d.Type, &d.Note); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
