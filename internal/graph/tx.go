package graph

import (
	"fmt"
	"math"
	"slices"

	"taskgraph/internal/domain"
)

// Tx is a working copy of the graph. Edits apply immediately to the copy and
// are validated one by one; the store publishes the copy only if the whole
// transaction function succeeds.
type Tx struct {
	s *Snapshot
}

// View exposes the working copy for reads. It is only valid inside the
// transaction function.
func (tx *Tx) View() *Snapshot { return tx.s }

// UpsertTask inserts or replaces a task. A nil DependencyIDs keeps the
// existing edges of a replaced task; a non-nil slice becomes the exact set
// of dependencies, new ids linked as blocked_by.
func (tx *Tx) UpsertTask(t domain.Task) error {
	t = t.Clone()
	if t.Status == "" {
		t.Status = domain.StatusPending
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	if err := tx.validateTask(t); err != nil {
		return err
	}
	deps := t.DependencyIDs
	t.DependencyIDs = nil
	_, existed := tx.s.tasks[t.ID]
	tx.s.tasks[t.ID] = t
	if deps == nil {
		return nil
	}
	want := make(map[string]struct{}, len(deps))
	for _, d := range deps {
		want[d] = struct{}{}
	}
	if existed {
		for _, cur := range tx.s.dependencyIDs(t.ID) {
			if _, keep := want[cur]; !keep {
				tx.removeEdge(t.ID, cur)
			}
		}
	}
	for _, d := range sortedKeys(want) {
		if _, ok := tx.s.out[t.ID][d]; ok {
			continue
		}
		if err := tx.AddDependency(t.ID, d, domain.BlockedBy, ""); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) validateTask(t domain.Task) error {
	switch {
	case t.ID == "":
		return invalid("", "id", "is required")
	case t.Title == "":
		return invalid(t.ID, "title", "is required")
	case !t.Status.Valid():
		return invalid(t.ID, "status", fmt.Sprintf("%q is not a known status", t.Status))
	case !t.Priority.Valid():
		return invalid(t.ID, "priority", fmt.Sprintf("%q is not a known priority", t.Priority))
	case t.Duration < 0:
		return invalid(t.ID, "duration", "must be >= 0")
	case t.PlannedDuration < 0:
		return invalid(t.ID, "plannedDuration", "must be >= 0")
	case t.Progress < 0 || t.Progress > 100:
		return invalid(t.ID, "progress", "must be within [0,100]")
	case t.LeakageHours < 0 || math.IsNaN(t.LeakageHours):
		return invalid(t.ID, "leakageHours", "must be >= 0")
	case t.OwnerID == "":
		return invalid(t.ID, "ownerId", "is required")
	}
	if _, ok := tx.s.users[t.OwnerID]; !ok {
		return invalid(t.ID, "ownerId", fmt.Sprintf("references unknown user %s", t.OwnerID))
	}
	if t.PersonaID != "" {
		p, ok := tx.s.personas[t.PersonaID]
		if !ok {
			return invalid(t.ID, "personaId", fmt.Sprintf("references unknown persona %s", t.PersonaID))
		}
		if p.UserID != t.OwnerID {
			return invalid(t.ID, "personaId", fmt.Sprintf("persona %s belongs to %s, not owner %s", p.ID, p.UserID, t.OwnerID))
		}
	}
	if t.HandOffToID != "" {
		if _, ok := tx.s.users[t.HandOffToID]; !ok {
			return invalid(t.ID, "handOffToId", fmt.Sprintf("references unknown user %s", t.HandOffToID))
		}
	}
	if len(tx.s.projects) > 0 {
		if _, ok := tx.s.projects[t.ProjectID]; !ok {
			return invalid(t.ID, "projectId", fmt.Sprintf("references unknown project %q", t.ProjectID))
		}
	}
	return nil
}

// AddDependency links fromID (dependent) to toID. Re-adding an existing edge
// updates its type and note.
func (tx *Tx) AddDependency(fromID, toID string, typ domain.DependencyType, note string) error {
	if typ == "" {
		typ = domain.BlockedBy
	}
	if !typ.Valid() {
		return invalid(fromID, "type", fmt.Sprintf("%q is not a known dependency type", typ))
	}
	if _, ok := tx.s.tasks[fromID]; !ok {
		return &UnknownTaskError{ID: fromID}
	}
	if _, ok := tx.s.tasks[toID]; !ok {
		return &UnknownTaskError{ID: toID}
	}
	if fromID == toID {
		return &SelfDependencyError{ID: fromID}
	}
	if _, exists := tx.s.out[fromID][toID]; !exists {
		if path, cyclic := tx.s.reaches(toID, fromID); cyclic {
			return &CycleError{From: fromID, To: toID, Path: path}
		}
	}
	tx.putEdge(domain.Dependency{FromID: fromID, ToID: toID, Type: typ, Note: note})
	return nil
}

// RemoveDependency drops the edge if present and reports whether it existed.
func (tx *Tx) RemoveDependency(fromID, toID string) bool {
	if _, ok := tx.s.out[fromID][toID]; !ok {
		return false
	}
	tx.removeEdge(fromID, toID)
	return true
}

// DeleteTask removes a task. With cascade, edges from dependents are
// detached first; without it, any dependent rejects the delete.
func (tx *Tx) DeleteTask(id string, cascade bool) error {
	if _, ok := tx.s.tasks[id]; !ok {
		return &UnknownTaskError{ID: id}
	}
	if dependents := tx.s.DependentsOf(id); len(dependents) > 0 {
		if !cascade {
			return &HasDependentsError{ID: id, Dependents: dependents}
		}
		for _, d := range dependents {
			tx.removeEdge(d, id)
		}
	}
	for _, dep := range tx.s.dependencyIDs(id) {
		tx.removeEdge(id, dep)
	}
	delete(tx.s.tasks, id)
	delete(tx.s.out, id)
	delete(tx.s.in, id)
	return nil
}

// UpsertUser inserts or replaces a user and its personas. A user always
// owns at least one persona; personas still referenced by tasks cannot be
// dropped.
func (tx *Tx) UpsertUser(u domain.User) error {
	u = u.Clone()
	if u.ID == "" {
		return invalid("", "id", "is required")
	}
	if u.BaseCapacity < 0 || math.IsNaN(u.BaseCapacity) {
		return invalid(u.ID, "baseCapacity", "must be >= 0")
	}
	if len(u.Personas) == 0 {
		u.Personas = []domain.Persona{{ID: domain.DefaultPersonaID(u.ID), UserID: u.ID, Role: "default", Capacity: 100}}
	}
	seen := map[string]bool{}
	for i := range u.Personas {
		p := &u.Personas[i]
		if p.UserID == "" {
			p.UserID = u.ID
		}
		switch {
		case p.ID == "":
			return invalid(u.ID, "personas.id", "is required")
		case seen[p.ID]:
			return invalid(u.ID, "personas.id", fmt.Sprintf("duplicate persona %s", p.ID))
		case p.UserID != u.ID:
			return invalid(u.ID, "personas.userId", fmt.Sprintf("persona %s belongs to %s", p.ID, p.UserID))
		case p.Capacity < 0 || p.Capacity > 100 || math.IsNaN(p.Capacity):
			return invalid(p.ID, "capacity", "must be within [0,100]")
		}
		if other, ok := tx.s.personas[p.ID]; ok && other.UserID != u.ID {
			return invalid(u.ID, "personas.id", fmt.Sprintf("persona %s already owned by %s", p.ID, other.UserID))
		}
		seen[p.ID] = true
	}
	if old, ok := tx.s.users[u.ID]; ok {
		for _, p := range old.Personas {
			if seen[p.ID] {
				continue
			}
			for _, t := range tx.s.tasks {
				if t.PersonaID == p.ID {
					return invalid(u.ID, "personas", fmt.Sprintf("persona %s still assigned to task %s", p.ID, t.ID))
				}
			}
			delete(tx.s.personas, p.ID)
		}
	}
	for _, p := range u.Personas {
		tx.s.personas[p.ID] = p
	}
	tx.s.users[u.ID] = u
	return nil
}

func (tx *Tx) UpsertProject(p domain.Project) error {
	if p.ID == "" {
		return invalid("", "id", "is required")
	}
	if len(tx.s.projects) == 0 {
		// Registering the first project turns on project checks, so every
		// existing task must already point at it.
		for _, t := range tx.s.tasks {
			if t.ProjectID != p.ID {
				return invalid(t.ID, "projectId", fmt.Sprintf("references unregistered project %q", t.ProjectID))
			}
		}
	}
	tx.s.projects[p.ID] = p
	return nil
}

// DeleteProject removes a project; with cascade its tasks (and every edge
// naming them) go too.
func (tx *Tx) DeleteProject(id string, cascade bool) error {
	if _, ok := tx.s.projects[id]; !ok {
		return invalid(id, "id", "unknown project")
	}
	var owned []string
	for _, tid := range tx.s.TaskIDs() {
		if tx.s.tasks[tid].ProjectID == id {
			owned = append(owned, tid)
		}
	}
	if len(owned) > 0 && !cascade {
		return invalid(id, "tasks", fmt.Sprintf("project still owns %d tasks", len(owned)))
	}
	for _, tid := range owned {
		if err := tx.DeleteTask(tid, true); err != nil {
			return err
		}
	}
	delete(tx.s.projects, id)
	if len(tx.s.projects) == 0 && len(tx.s.tasks) > 0 {
		return invalid(id, "id", "cannot remove the last project while tasks remain")
	}
	return nil
}

func (tx *Tx) putEdge(d domain.Dependency) {
	if tx.s.out[d.FromID] == nil {
		tx.s.out[d.FromID] = map[string]domain.Dependency{}
	}
	tx.s.out[d.FromID][d.ToID] = d
	if tx.s.in[d.ToID] == nil {
		tx.s.in[d.ToID] = map[string]struct{}{}
	}
	tx.s.in[d.ToID][d.FromID] = struct{}{}
}

func (tx *Tx) removeEdge(fromID, toID string) {
	delete(tx.s.out[fromID], toID)
	if len(tx.s.out[fromID]) == 0 {
		delete(tx.s.out, fromID)
	}
	delete(tx.s.in[toID], fromID)
	if len(tx.s.in[toID]) == 0 {
		delete(tx.s.in, toID)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
