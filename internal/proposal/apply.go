package proposal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"taskgraph/internal/domain"
	"taskgraph/internal/graph"
)

// Fields a FieldChange may set.
var Fields = []string{
	"ownerId", "personaId", "status", "priority", "startDate", "duration",
	"plannedDuration", "progress", "tags", "dependencyIds", "title", "isMilestone",
}

// Applier validates proposals as untrusted input and applies each one as a
// single store transaction.
type Applier struct {
	Store *graph.Store
	// NewID names decomposition subtasks; uuid.NewString when nil.
	NewID func() string
}

// Apply returns the version the proposal produced. expected guards against
// applying a proposal computed from an older snapshot; 0 skips the check.
// Any failure leaves the store untouched and is reported as an
// InvalidProposalError wrapping the cause.
func (a Applier) Apply(ctx context.Context, p Proposal, expected uint64) (uint64, error) {
	if p == nil {
		return a.Store.Version(), &graph.InvalidProposalError{Reason: "empty proposal"}
	}
	v, err := a.Store.Tx(ctx, func(tx *graph.Tx) error {
		if cur := tx.View().Version(); expected != 0 && expected != cur {
			return &graph.StaleSnapshotError{Expected: expected, Current: cur}
		}
		switch p := p.(type) {
		case FieldChange:
			return a.applyField(tx, p)
		case Decomposition:
			return a.applyDecomposition(tx, p)
		case Handoff:
			return a.applyHandoff(tx, p)
		default:
			return fmt.Errorf("unsupported proposal kind %q", p.Kind())
		}
	})
	if err != nil {
		var ip *graph.InvalidProposalError
		if errors.As(err, &ip) {
			return v, err
		}
		return v, &graph.InvalidProposalError{Reason: string(p.Kind()) + " on " + p.Target(), Err: err}
	}
	return v, nil
}

func target(tx *graph.Tx, id string) (domain.Task, error) {
	t, ok := tx.View().Task(id)
	if !ok {
		return domain.Task{}, &graph.UnknownTaskError{ID: id}
	}
	return t, nil
}

func (a Applier) applyField(tx *graph.Tx, p FieldChange) error {
	t, err := target(tx, p.TaskID)
	if err != nil {
		return err
	}
	prevOwner := t.OwnerID
	if err := setField(&t, p.Field, p.SuggestedValue); err != nil {
		return err
	}
	view := tx.View()
	switch p.Field {
	case "ownerId":
		// A persona stays with its user: the task moves to the new owner's
		// first persona.
		if cur, ok := view.Persona(t.PersonaID); ok && t.OwnerID != prevOwner && cur.UserID != t.OwnerID {
			t.PersonaID = ""
			if u, ok := view.User(t.OwnerID); ok && len(u.Personas) > 0 {
				t.PersonaID = u.Personas[0].ID
			}
		}
	case "personaId":
		if pr, ok := view.Persona(t.PersonaID); ok {
			t.OwnerID = pr.UserID
		}
	}
	if p.Field != "dependencyIds" {
		t.DependencyIDs = nil
	}
	return tx.UpsertTask(t)
}

func setField(t *domain.Task, field string, raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return &graph.ValidationError{EntityID: t.ID, Field: field, Reason: "suggested value is required"}
	}
	var err error
	switch field {
	case "ownerId":
		err = decodeValue(raw, &t.OwnerID)
	case "personaId":
		err = decodeValue(raw, &t.PersonaID)
	case "title":
		err = decodeValue(raw, &t.Title)
	case "status":
		var s string
		if err = decodeValue(raw, &s); err == nil {
			t.Status, err = domain.ParseStatus(s)
		}
	case "priority":
		err = decodeValue(raw, &t.Priority)
	case "startDate":
		err = decodeValue(raw, &t.StartDate)
	case "duration":
		err = decodeValue(raw, &t.Duration)
	case "plannedDuration":
		err = decodeValue(raw, &t.PlannedDuration)
	case "progress":
		err = decodeValue(raw, &t.Progress)
	case "isMilestone":
		err = decodeValue(raw, &t.IsMilestone)
	case "tags":
		err = decodeValue(raw, &t.Tags)
	case "dependencyIds":
		var ids []string
		if err = decodeValue(raw, &ids); err == nil {
			if ids == nil {
				ids = []string{}
			}
			t.DependencyIDs = ids
		}
	default:
		return &graph.ValidationError{EntityID: t.ID, Field: field, Reason: "is not a field proposals may change"}
	}
	if err != nil {
		return &graph.ValidationError{EntityID: t.ID, Field: field, Reason: "suggested value has the wrong type: " + err.Error()}
	}
	return nil
}

func decodeValue(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (a Applier) applyDecomposition(tx *graph.Tx, p Decomposition) error {
	parent, err := target(tx, p.ParentTaskID)
	if err != nil {
		return err
	}
	if len(p.Subtasks) == 0 {
		return &graph.ValidationError{EntityID: parent.ID, Field: "subtasks", Reason: "at least one subtask is required"}
	}
	newID := a.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	total := 0
	for i, spec := range p.Subtasks {
		prio := spec.Priority
		if prio == "" {
			prio = parent.Priority
		}
		sub := domain.Task{
			ID:              newID(),
			ProjectID:       parent.ProjectID,
			Title:           spec.Title,
			Status:          domain.StatusPending,
			Priority:        prio,
			StartDate:       parent.StartDate,
			Duration:        spec.Duration,
			PlannedDuration: spec.Duration,
			OwnerID:         parent.OwnerID,
			PersonaID:       parent.PersonaID,
			Tags:            parent.Tags,
		}
		if tx.View().HasTask(sub.ID) {
			return fmt.Errorf("subtask %d: %w", i+1, &graph.ValidationError{EntityID: sub.ID, Field: "id", Reason: "already names a task"})
		}
		if err := tx.UpsertTask(sub); err != nil {
			return fmt.Errorf("subtask %d: %w", i+1, err)
		}
		if err := tx.AddDependency(parent.ID, sub.ID, domain.BlockedBy, "decomposed from "+parent.ID); err != nil {
			return fmt.Errorf("subtask %d: %w", i+1, err)
		}
		total += spec.Duration
	}
	parent.Duration = max(parent.Duration-total, 0)
	parent.DependencyIDs = nil
	return tx.UpsertTask(parent)
}

func (a Applier) applyHandoff(tx *graph.Tx, p Handoff) error {
	t, err := target(tx, p.TaskID)
	if err != nil {
		return err
	}
	u, ok := tx.View().User(p.ToUserID)
	if !ok {
		return &graph.ValidationError{EntityID: t.ID, Field: "toUserId", Reason: "unknown user " + p.ToUserID}
	}
	persona := p.ToPersonaID
	if persona == "" && len(u.Personas) > 0 {
		persona = u.Personas[0].ID
	}
	t.OwnerID = u.ID
	t.PersonaID = persona
	t.DependencyIDs = nil
	return tx.UpsertTask(t)
}
