package graph

import "taskgraph/internal/domain"

// Unchecked builds a snapshot straight from g without any validation. It
// exists to exercise the read side against states the store refuses to
// produce, such as cycles.
func Unchecked(g Graph, version uint64) *Snapshot {
	s := emptySnapshot()
	s.version = version
	tx := &Tx{s: s}
	for _, p := range g.Projects {
		s.projects[p.ID] = p
	}
	for _, u := range g.Users {
		s.users[u.ID] = u.Clone()
		for _, p := range u.Personas {
			s.personas[p.ID] = p
		}
	}
	for _, t := range g.Tasks {
		deps := t.DependencyIDs
		t = t.Clone()
		t.DependencyIDs = nil
		s.tasks[t.ID] = t
		for _, d := range deps {
			tx.putEdge(domain.Dependency{FromID: t.ID, ToID: d, Type: domain.BlockedBy})
		}
	}
	for _, d := range g.Dependencies {
		tx.putEdge(d)
	}
	return s
}
