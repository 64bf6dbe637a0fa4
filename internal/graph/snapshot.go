package graph

import (
	"encoding/json"
	"maps"
	"slices"
	"sort"

	"taskgraph/internal/domain"
)

// Snapshot is an immutable, versioned view of the graph. Published snapshots
// are never written again; accessors return copies.
type Snapshot struct {
	version  uint64
	tasks    map[string]domain.Task
	out      map[string]map[string]domain.Dependency // dependent -> dependency -> edge
	in       map[string]map[string]struct{}           // dependency -> dependents
	users    map[string]domain.User
	personas map[string]domain.Persona
	projects map[string]domain.Project
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		tasks:    map[string]domain.Task{},
		out:      map[string]map[string]domain.Dependency{},
		in:       map[string]map[string]struct{}{},
		users:    map[string]domain.User{},
		personas: map[string]domain.Persona{},
		projects: map[string]domain.Project{},
	}
}

func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		version:  s.version,
		tasks:    maps.Clone(s.tasks),
		out:      make(map[string]map[string]domain.Dependency, len(s.out)),
		in:       make(map[string]map[string]struct{}, len(s.in)),
		users:    maps.Clone(s.users),
		personas: maps.Clone(s.personas),
		projects: maps.Clone(s.projects),
	}
	for k, v := range s.out {
		c.out[k] = maps.Clone(v)
	}
	for k, v := range s.in {
		c.in[k] = maps.Clone(v)
	}
	return c
}

func (s *Snapshot) Version() uint64 { return s.version }

func (s *Snapshot) Len() int { return len(s.tasks) }

func (s *Snapshot) HasTask(id string) bool {
	_, ok := s.tasks[id]
	return ok
}

// Task returns a copy of the task with DependencyIDs filled from the edge set.
func (s *Snapshot) Task(id string) (domain.Task, bool) {
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	t = t.Clone()
	t.DependencyIDs = s.dependencyIDs(id)
	return t, true
}

// Tasks returns every task ordered by id.
func (s *Snapshot) Tasks() []domain.Task {
	ids := s.TaskIDs()
	res := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		t, _ := s.Task(id)
		res = append(res, t)
	}
	return res
}

func (s *Snapshot) TaskIDs() []string {
	ids := slices.Collect(maps.Keys(s.tasks))
	sort.Strings(ids)
	return ids
}

func (s *Snapshot) dependencyIDs(id string) []string {
	deps := s.out[id]
	if len(deps) == 0 {
		return nil
	}
	ids := slices.Collect(maps.Keys(deps))
	sort.Strings(ids)
	return ids
}

// DependenciesOf lists the edges leaving id, ordered by target.
func (s *Snapshot) DependenciesOf(id string) []domain.Dependency {
	deps := s.out[id]
	res := make([]domain.Dependency, 0, len(deps))
	for _, d := range deps {
		res = append(res, d)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ToID < res[j].ToID })
	return res
}

// DependentsOf lists the tasks that depend on id.
func (s *Snapshot) DependentsOf(id string) []string {
	set := s.in[id]
	if len(set) == 0 {
		return nil
	}
	ids := slices.Collect(maps.Keys(set))
	sort.Strings(ids)
	return ids
}

func (s *Snapshot) Dependency(fromID, toID string) (domain.Dependency, bool) {
	d, ok := s.out[fromID][toID]
	return d, ok
}

// Edges returns every dependency ordered by (from, to).
func (s *Snapshot) Edges() []domain.Dependency {
	var res []domain.Dependency
	for _, deps := range s.out {
		for _, d := range deps {
			res = append(res, d)
		}
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].FromID != res[j].FromID {
			return res[i].FromID < res[j].FromID
		}
		return res[i].ToID < res[j].ToID
	})
	return res
}

func (s *Snapshot) User(id string) (domain.User, bool) {
	u, ok := s.users[id]
	if !ok {
		return domain.User{}, false
	}
	return u.Clone(), true
}

func (s *Snapshot) Users() []domain.User {
	ids := slices.Collect(maps.Keys(s.users))
	sort.Strings(ids)
	res := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		res = append(res, s.users[id].Clone())
	}
	return res
}

func (s *Snapshot) Persona(id string) (domain.Persona, bool) {
	p, ok := s.personas[id]
	return p, ok
}

func (s *Snapshot) Project(id string) (domain.Project, bool) {
	p, ok := s.projects[id]
	return p, ok
}

func (s *Snapshot) Projects() []domain.Project {
	res := slices.Collect(maps.Values(s.projects))
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// reaches reports whether target is reachable from start following
// dependency edges, returning the path start..target when it is.
func (s *Snapshot) reaches(start, target string) ([]string, bool) {
	parent := map[string]string{start: ""}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == target {
			var path []string
			for n := cur; n != ""; n = parent[n] {
				path = append(path, n)
			}
			slices.Reverse(path)
			return path, true
		}
		next := s.dependencyIDs(cur)
		for i := len(next) - 1; i >= 0; i-- {
			if _, seen := parent[next[i]]; seen {
				continue
			}
			parent[next[i]] = cur
			stack = append(stack, next[i])
		}
	}
	return nil, false
}

// findCycle returns the nodes of one cycle, or nil when the graph is acyclic.
func (s *Snapshot) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(s.tasks))
	var stack []string
	var found []string
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range s.dependencyIDs(id) {
			switch color[dep] {
			case grey:
				idx := slices.Index(stack, dep)
				found = slices.Clone(stack[idx:])
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}
	for _, id := range s.TaskIDs() {
		if color[id] == white && visit(id) {
			return found
		}
	}
	return nil
}

// Fingerprint renders the snapshot content deterministically, version
// excluded; two snapshots with equal fingerprints hold the same graph.
func (s *Snapshot) Fingerprint() string {
	data, _ := json.Marshal(struct {
		Tasks    []domain.Task       `json:"tasks"`
		Edges    []domain.Dependency `json:"edges"`
		Users    []domain.User       `json:"users"`
		Projects []domain.Project    `json:"projects"`
	}{s.Tasks(), s.Edges(), s.Users(), s.Projects()})
	return string(data)
}
