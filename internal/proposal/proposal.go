// Package proposal models externally suggested graph edits as a closed set of
// variants and applies them atomically through the graph store.
package proposal

import (
	"bytes"
	"encoding/json"
	"fmt"

	"taskgraph/internal/domain"
	"taskgraph/internal/graph"
)

type Kind string

const (
	KindFieldChange   Kind = "field_change"
	KindDecomposition Kind = "decomposition"
	KindHandoff       Kind = "handoff"
)

// Proposal is implemented only by FieldChange, Decomposition and Handoff.
type Proposal interface {
	Kind() Kind
	// Target is the id of the task the proposal edits.
	Target() string
	sealed()
}

// FieldChange sets one task field to SuggestedValue.
type FieldChange struct {
	TaskID         string          `json:"taskId"`
	Field          string          `json:"field"`
	SuggestedValue json.RawMessage `json:"suggestedValue"`
	Reason         string          `json:"reason,omitempty"`
}

// Decomposition splits a task into subtasks the parent then depends on.
type Decomposition struct {
	ParentTaskID string        `json:"parentTaskId"`
	Subtasks     []SubtaskSpec `json:"subtasks"`
	Reason       string        `json:"reason,omitempty"`
}

type SubtaskSpec struct {
	Title    string          `json:"title"`
	Duration int             `json:"duration"`
	Priority domain.Priority `json:"priority,omitempty"`
}

// Handoff moves a task to another user, and optionally a specific persona.
type Handoff struct {
	TaskID      string `json:"taskId"`
	ToUserID    string `json:"toUserId"`
	ToPersonaID string `json:"toPersonaId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (FieldChange) Kind() Kind   { return KindFieldChange }
func (Decomposition) Kind() Kind { return KindDecomposition }
func (Handoff) Kind() Kind       { return KindHandoff }

func (p FieldChange) Target() string   { return p.TaskID }
func (p Decomposition) Target() string { return p.ParentTaskID }
func (p Handoff) Target() string       { return p.TaskID }

func (FieldChange) sealed()   {}
func (Decomposition) sealed() {}
func (Handoff) sealed()       {}

func (p FieldChange) MarshalJSON() ([]byte, error) {
	type plain FieldChange
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		plain
	}{KindFieldChange, plain(p)})
}

func (p Decomposition) MarshalJSON() ([]byte, error) {
	type plain Decomposition
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		plain
	}{KindDecomposition, plain(p)})
}

func (p Handoff) MarshalJSON() ([]byte, error) {
	type plain Handoff
	return json.Marshal(struct {
		Kind Kind `json:"kind"`
		plain
	}{KindHandoff, plain(p)})
}

// Decode parses a proposal envelope. Unknown kinds and unknown fields are
// rejected.
func Decode(data []byte) (Proposal, error) {
	var head struct {
		Kind Kind `json:"kind"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, &graph.InvalidProposalError{Reason: "malformed envelope", Err: err}
	}
	switch head.Kind {
	case KindFieldChange:
		var v struct {
			Kind Kind `json:"kind"`
			FieldChange
		}
		if err := strict(data, &v); err != nil {
			return nil, err
		}
		return v.FieldChange, nil
	case KindDecomposition:
		var v struct {
			Kind Kind `json:"kind"`
			Decomposition
		}
		if err := strict(data, &v); err != nil {
			return nil, err
		}
		return v.Decomposition, nil
	case KindHandoff:
		var v struct {
			Kind Kind `json:"kind"`
			Handoff
		}
		if err := strict(data, &v); err != nil {
			return nil, err
		}
		return v.Handoff, nil
	default:
		return nil, &graph.InvalidProposalError{Reason: fmt.Sprintf("unknown kind %q", head.Kind)}
	}
}

func strict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &graph.InvalidProposalError{Reason: "malformed payload", Err: err}
	}
	return nil
}
