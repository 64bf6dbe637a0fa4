package server

import (
	"fmt"
	"time"

	"taskgraph/internal/analysis"
	"taskgraph/internal/capacity"
	"taskgraph/internal/domain"
	"taskgraph/internal/engine"
	"taskgraph/internal/graph"
	"taskgraph/internal/schedule"
)

// Request payloads

type TaskRequest struct {
	ID              string     `json:"id,omitempty"`
	ProjectID       string     `json:"projectId,omitempty"`
	Title           string     `json:"title,omitempty"`
	Status          string     `json:"status,omitempty" example:"In Progress"`
	Priority        string     `json:"priority,omitempty" enum:"High,Medium,Low"`
	StartDate       int        `json:"startDate,omitempty"`
	Duration        int        `json:"duration,omitempty"`
	PlannedDuration int        `json:"plannedDuration,omitempty"`
	Progress        int        `json:"progress,omitempty"`
	OwnerID         string     `json:"ownerId,omitempty"`
	PersonaID       string     `json:"personaId,omitempty"`
	DependencyIDs   []string   `json:"dependencyIds,omitempty" nullable:"true"`
	Tags            []string   `json:"tags,omitempty"`
	IsMilestone     bool       `json:"isMilestone,omitempty"`
	LeakageHours    float64    `json:"leakageHours,omitempty"`
	HandOffToID     string     `json:"handOffToId,omitempty"`
	LastProgressAt  *time.Time `json:"lastProgressAt,omitempty"`
}

// toTask converts the payload; status accepts the spaced labels as well.
func (r TaskRequest) toTask(id string) (domain.Task, error) {
	t := domain.Task{
		ID:              id,
		ProjectID:       r.ProjectID,
		Title:           r.Title,
		Priority:        domain.Priority(r.Priority),
		StartDate:       r.StartDate,
		Duration:        r.Duration,
		PlannedDuration: r.PlannedDuration,
		Progress:        r.Progress,
		OwnerID:         r.OwnerID,
		PersonaID:       r.PersonaID,
		DependencyIDs:   r.DependencyIDs,
		Tags:            r.Tags,
		IsMilestone:     r.IsMilestone,
		LeakageHours:    r.LeakageHours,
		HandOffToID:     r.HandOffToID,
		LastProgressAt:  r.LastProgressAt,
	}
	if id == "" {
		t.ID = r.ID
	} else if r.ID != "" && r.ID != id {
		return t, fmt.Errorf("body id %q does not match path id %q", r.ID, id)
	}
	if r.Status != "" {
		s, err := domain.ParseStatus(r.Status)
		if err != nil {
			return t, err
		}
		t.Status = s
	}
	return t, nil
}

type PersonaRequest struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Role     string  `json:"role,omitempty"`
	Capacity float64 `json:"capacity,omitempty"`
}

type UserRequest struct {
	ID           string           `json:"id,omitempty"`
	Name         string           `json:"name,omitempty"`
	BaseCapacity float64          `json:"baseCapacity,omitempty"`
	Personas     []PersonaRequest `json:"personas,omitempty"`
}

func (r UserRequest) toUser(id string) domain.User {
	if id == "" {
		id = r.ID
	}
	u := domain.User{ID: id, Name: r.Name, BaseCapacity: r.BaseCapacity}
	for _, p := range r.Personas {
		u.Personas = append(u.Personas, domain.Persona{ID: p.ID, UserID: id, Name: p.Name, Role: p.Role, Capacity: p.Capacity})
	}
	return u
}

type ProjectRequest struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name,omitempty"`
	Visible *bool  `json:"visible,omitempty"`
}

func (r ProjectRequest) toProject(id string) domain.Project {
	if id == "" {
		id = r.ID
	}
	p := domain.Project{ID: id, Name: r.Name, Visible: true}
	if r.Visible != nil {
		p.Visible = *r.Visible
	}
	return p
}

type DependencyRequest struct {
	FromID string `json:"fromId"`
	ToID   string `json:"toId"`
	Type   string `json:"type,omitempty" enum:"blocked_by,waiting_on,helpful_if_done_first"`
	Note   string `json:"note,omitempty"`
}

func (r DependencyRequest) toDependency() domain.Dependency {
	return domain.Dependency{FromID: r.FromID, ToID: r.ToID, Type: domain.DependencyType(r.Type), Note: r.Note}
}

type GraphRequest struct {
	Projects     []ProjectRequest    `json:"projects,omitempty"`
	Users        []UserRequest       `json:"users,omitempty"`
	Tasks        []TaskRequest       `json:"tasks,omitempty"`
	Dependencies []DependencyRequest `json:"dependencies,omitempty"`
}

func (r GraphRequest) toGraph() (graph.Graph, error) {
	var g graph.Graph
	for _, p := range r.Projects {
		g.Projects = append(g.Projects, p.toProject(""))
	}
	for _, u := range r.Users {
		g.Users = append(g.Users, u.toUser(""))
	}
	for i, t := range r.Tasks {
		task, err := t.toTask("")
		if err != nil {
			return g, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		g.Tasks = append(g.Tasks, task)
	}
	for _, d := range r.Dependencies {
		g.Dependencies = append(g.Dependencies, d.toDependency())
	}
	return g, nil
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type VersionResponse struct {
	Version uint64 `json:"version"`
}

type GraphResponse struct {
	Version      uint64              `json:"version"`
	Projects     []domain.Project    `json:"projects"`
	Users        []domain.User       `json:"users"`
	Tasks        []domain.Task       `json:"tasks"`
	Dependencies []domain.Dependency `json:"dependencies"`
}

func graphResponse(snap *graph.Snapshot) GraphResponse {
	return GraphResponse{
		Version:      snap.Version(),
		Projects:     nonNilSlice(snap.Projects()),
		Users:        nonNilSlice(snap.Users()),
		Tasks:        nonNilSlice(snap.Tasks()),
		Dependencies: nonNilSlice(snap.Edges()),
	}
}

type TaskResponse struct {
	Version uint64      `json:"version"`
	Task    domain.Task `json:"task"`
}

type ClassificationResponse struct {
	Version        uint64                  `json:"version"`
	Classification analysis.Classification `json:"classification"`
}

type DependenciesResponse struct {
	Version uint64 `json:"version"`
	engine.TaskDependencies
}

type ScheduleResponse struct {
	Version      uint64                  `json:"version"`
	Finish       int                     `json:"finish"`
	Order        []string                `json:"order"`
	CriticalPath []string                `json:"criticalPath"`
	Waves        []schedule.Wave         `json:"waves"`
	Tasks        []schedule.TaskSchedule `json:"tasks"`
}

func scheduleResponse(s *schedule.Schedule) ScheduleResponse {
	return ScheduleResponse{
		Version:      s.Version,
		Finish:       s.Finish,
		Order:        nonNilSlice(s.Order),
		CriticalPath: nonNilSlice(s.CriticalPath()),
		Waves:        nonNilSlice(s.Waves()),
		Tasks:        nonNilSlice(s.Rows()),
	}
}

type CriticalPathResponse struct {
	Version uint64     `json:"version"`
	TaskIDs []string   `json:"taskIds"`
	Chains  [][]string `json:"chains"`
}

type SlackResponse struct {
	Version uint64 `json:"version"`
	TaskID  string `json:"taskId"`
	Slack   int    `json:"slack"`
}

type LoadResponse struct {
	Version uint64        `json:"version"`
	Load    capacity.Load `json:"load"`
}

type LoadSeriesResponse struct {
	Version uint64                     `json:"version"`
	Series  map[string][]capacity.Load `json:"series"`
}

type NextResponse struct {
	Version uint64            `json:"version"`
	Items   []engine.NextItem `json:"items"`
}

type SuggestionsResponse struct {
	Version   uint64           `json:"version"`
	Proposals []map[string]any `json:"proposals"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Version    uint64 `json:"version"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse(e)
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
