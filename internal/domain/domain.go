package domain

import (
	"fmt"
	"slices"
	"time"
)

type Status string

const (
	StatusOnTrack    Status = "OnTrack"
	StatusAtRisk     Status = "AtRisk"
	StatusBlocked    Status = "Blocked"
	StatusStalled    Status = "Stalled"
	StatusPending    Status = "Pending"
	StatusInProgress Status = "InProgress"
	StatusCompleted  Status = "Completed"
)

var statuses = []Status{
	StatusOnTrack, StatusAtRisk, StatusBlocked, StatusStalled,
	StatusPending, StatusInProgress, StatusCompleted,
}

func (s Status) Valid() bool { return slices.Contains(statuses, s) }

// ParseStatus accepts both the canonical names and the spaced labels used by
// the web client ("On Track", "At Risk").
func ParseStatus(v string) (Status, error) {
	switch v {
	case "On Track":
		return StatusOnTrack, nil
	case "At Risk":
		return StatusAtRisk, nil
	case "In Progress":
		return StatusInProgress, nil
	}
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("invalid status %q", v)
	}
	return s, nil
}

type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// Rank orders priorities for display: High sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

type DependencyType string

const (
	BlockedBy          DependencyType = "blocked_by"
	WaitingOn          DependencyType = "waiting_on"
	HelpfulIfDoneFirst DependencyType = "helpful_if_done_first"
)

func (t DependencyType) Valid() bool {
	return t == BlockedBy || t == WaitingOn || t == HelpfulIfDoneFirst
}

// Hard reports whether the edge gates execution.
func (t DependencyType) Hard() bool { return t == BlockedBy || t == WaitingOn }

type Task struct {
	ID              string     `json:"id" yaml:"id"`
	ProjectID       string     `json:"projectId" yaml:"projectId"`
	Title           string     `json:"title" yaml:"title"`
	Status          Status     `json:"status" yaml:"status"`
	Priority        Priority   `json:"priority" yaml:"priority"`
	StartDate       int        `json:"startDate" yaml:"startDate"`
	Duration        int        `json:"duration" yaml:"duration"`
	PlannedDuration int        `json:"plannedDuration" yaml:"plannedDuration"`
	Progress        int        `json:"progress" yaml:"progress"`
	OwnerID         string     `json:"ownerId" yaml:"ownerId"`
	PersonaID       string     `json:"personaId,omitempty" yaml:"personaId,omitempty"`
	DependencyIDs   []string   `json:"dependencyIds,omitempty" yaml:"dependencyIds,omitempty"`
	Tags            []string   `json:"tags,omitempty" yaml:"tags,omitempty"`
	IsMilestone     bool       `json:"isMilestone,omitempty" yaml:"isMilestone,omitempty"`
	LeakageHours    float64    `json:"leakageHours,omitempty" yaml:"leakageHours,omitempty"`
	HandOffToID     string     `json:"handOffToId,omitempty" yaml:"handOffToId,omitempty"`
	LastProgressAt  *time.Time `json:"lastProgressAt,omitempty" yaml:"lastProgressAt,omitempty"`
}

// Completed reports whether the task no longer gates its dependents.
func (t Task) Completed() bool { return t.Status == StatusCompleted }

// EffectiveDuration is the duration used for scheduling; milestones are
// zero-length markers.
func (t Task) EffectiveDuration() int {
	if t.IsMilestone {
		return 0
	}
	return t.Duration
}

// EffectivePlanned is the baseline duration used for slippage.
func (t Task) EffectivePlanned() int {
	if t.IsMilestone {
		return 0
	}
	return t.PlannedDuration
}

// Clone returns a deep copy so snapshots never share slices with callers.
func (t Task) Clone() Task {
	t.DependencyIDs = slices.Clone(t.DependencyIDs)
	t.Tags = slices.Clone(t.Tags)
	if t.LastProgressAt != nil {
		ts := *t.LastProgressAt
		t.LastProgressAt = &ts
	}
	return t
}

// Dependency is an edge from a dependent task to the task it depends on.
type Dependency struct {
	FromID string         `json:"fromId" yaml:"fromId"`
	ToID   string         `json:"toId" yaml:"toId"`
	Type   DependencyType `json:"type" yaml:"type"`
	Note   string         `json:"note,omitempty" yaml:"note,omitempty"`
}

type Persona struct {
	ID       string  `json:"id" yaml:"id"`
	UserID   string  `json:"userId" yaml:"userId"`
	Name     string  `json:"name,omitempty" yaml:"name,omitempty"`
	Role     string  `json:"role,omitempty" yaml:"role,omitempty"`
	Capacity float64 `json:"capacity" yaml:"capacity"`
}

type User struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name,omitempty" yaml:"name,omitempty"`
	BaseCapacity float64   `json:"baseCapacity" yaml:"baseCapacity"`
	Personas     []Persona `json:"personas" yaml:"personas"`
}

// DefaultPersonaID names the persona synthesised for users ingested without one.
func DefaultPersonaID(userID string) string { return userID + ":default" }

func (u User) Clone() User {
	u.Personas = slices.Clone(u.Personas)
	return u
}

type Project struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	Visible bool   `json:"visible" yaml:"visible"`
}

// DependencySummary counts a task's dependencies by kind.
type DependencySummary struct {
	Total    int `json:"total"`
	Hard     int `json:"hard"`
	Advisory int `json:"advisory"`
	Blocking int `json:"blocking"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Version    uint64 `json:"version"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
