// Package capacity aggregates assigned work against persona capacity budgets.
package capacity

import (
	"encoding/json"
	"fmt"
	"iter"
	"math"

	"taskgraph/internal/domain"
	"taskgraph/internal/graph"
)

type Thresholds struct {
	Overload float64 `json:"overload"`
	Risk     float64 `json:"risk"`
}

func DefaultThresholds() Thresholds { return Thresholds{Overload: 100, Risk: 90} }

// DefaultPeriodLength is one working week of hour units.
const DefaultPeriodLength = 40

// Load is the workload of one persona (or a whole user when PersonaID is
// empty) in one period.
type Load struct {
	UserID     string  `json:"userId"`
	PersonaID  string  `json:"personaId,omitempty"`
	Period     int     `json:"period"`
	Hours      float64 `json:"hours"`
	Capacity   float64 `json:"capacity"`
	Percent    float64 `json:"percent"`
	Overloaded bool    `json:"overloaded"`
	AtRisk     bool    `json:"atRisk"`
}

// MarshalJSON writes an unbounded percentage (work on zero capacity) as null.
func (l Load) MarshalJSON() ([]byte, error) {
	type plain Load
	out := struct {
		plain
		Percent *float64 `json:"percent"`
	}{plain: plain(l)}
	if !math.IsInf(l.Percent, 0) {
		out.Percent = &l.Percent
	}
	return json.Marshal(out)
}

// Aggregator computes load from a snapshot. It holds no state between calls.
type Aggregator struct {
	Thresholds   Thresholds
	PeriodLength int
}

func NewAggregator(th Thresholds, periodLength int) Aggregator {
	if periodLength <= 0 {
		periodLength = DefaultPeriodLength
	}
	return Aggregator{Thresholds: th, PeriodLength: periodLength}
}

func (a Aggregator) periodLength() int {
	if a.PeriodLength <= 0 {
		return DefaultPeriodLength
	}
	return a.PeriodLength
}

// LoadFor sums the hours of every open task assigned to the persona that fall
// inside the period, prorating tasks that span period boundaries.
func (a Aggregator) LoadFor(snap *graph.Snapshot, userID, personaID string, period int) (Load, error) {
	if period < 0 {
		return Load{}, &graph.ValidationError{Field: "period", Reason: "must be >= 0"}
	}
	p, ok := snap.Persona(personaID)
	if !ok || p.UserID != userID {
		return Load{}, &graph.ValidationError{EntityID: userID, Field: "personaId", Reason: fmt.Sprintf("unknown persona %s for user %s", personaID, userID)}
	}
	hours := a.hours(snap, period, func(t domain.Task) bool { return PersonaOf(snap, t) == personaID })
	return a.load(userID, personaID, period, hours, p.Capacity), nil
}

// UserLoad combines all of a user's personas against their summed capacity.
func (a Aggregator) UserLoad(snap *graph.Snapshot, userID string, period int) (Load, error) {
	if period < 0 {
		return Load{}, &graph.ValidationError{Field: "period", Reason: "must be >= 0"}
	}
	u, ok := snap.User(userID)
	if !ok {
		return Load{}, &graph.ValidationError{EntityID: userID, Field: "userId", Reason: "unknown user"}
	}
	var capacity float64
	for _, p := range u.Personas {
		capacity += p.Capacity
	}
	hours := a.hours(snap, period, func(t domain.Task) bool { return t.OwnerID == userID })
	return a.load(userID, "", period, hours, capacity), nil
}

// TeamLoadSeries yields each user, ordered by id, with their combined load
// over periods 0..periods-1. The sequence reads only snap, so ranging over it
// again yields the same values.
func (a Aggregator) TeamLoadSeries(snap *graph.Snapshot, periods int) iter.Seq2[string, []Load] {
	return func(yield func(string, []Load) bool) {
		for _, u := range snap.Users() {
			series := make([]Load, 0, max(periods, 0))
			for p := range periods {
				l, err := a.UserLoad(snap, u.ID, p)
				if err != nil {
					return
				}
				series = append(series, l)
			}
			if !yield(u.ID, series) {
				return
			}
		}
	}
}

// PersonaLoads lists the load of every persona in the period, ordered by
// user then persona.
func (a Aggregator) PersonaLoads(snap *graph.Snapshot, period int) []Load {
	var res []Load
	for _, u := range snap.Users() {
		for _, p := range u.Personas {
			l, err := a.LoadFor(snap, u.ID, p.ID, period)
			if err == nil {
				res = append(res, l)
			}
		}
	}
	return res
}

func (a Aggregator) hours(snap *graph.Snapshot, period int, match func(domain.Task) bool) float64 {
	var total float64
	for _, t := range snap.Tasks() {
		if t.Completed() || !match(t) {
			continue
		}
		total += a.TaskHours(t, period)
	}
	return total
}

// PersonaOf names the persona a task's hours are charged to: its own, or the
// owner's first persona when it has none. Persona loads of a user therefore
// add up to the user's load.
func PersonaOf(snap *graph.Snapshot, t domain.Task) string {
	if t.PersonaID != "" {
		return t.PersonaID
	}
	if u, ok := snap.User(t.OwnerID); ok && len(u.Personas) > 0 {
		return u.Personas[0].ID
	}
	return ""
}

// TaskHours is the part of t's duration that falls inside period.
func (a Aggregator) TaskHours(t domain.Task, period int) float64 {
	l := a.periodLength()
	return float64(overlap(t.StartDate, t.StartDate+t.EffectiveDuration(), period*l, (period+1)*l))
}

func overlap(aFrom, aTo, bFrom, bTo int) int {
	if d := min(aTo, bTo) - max(aFrom, bFrom); d > 0 {
		return d
	}
	return 0
}

func (a Aggregator) load(userID, personaID string, period int, hours, capacity float64) Load {
	l := Load{UserID: userID, PersonaID: personaID, Period: period, Hours: hours, Capacity: capacity}
	switch {
	case hours == 0:
		l.Percent = 0
	case capacity <= 0:
		l.Percent = math.Inf(1)
	default:
		l.Percent = hours / capacity * 100
	}
	l.Overloaded = l.Percent > a.Thresholds.Overload
	l.AtRisk = !l.Overloaded && l.Percent > a.Thresholds.Risk
	return l
}

// Overcommit flags a user whose persona capacities add up to more than the
// user's base allocation (100 when no base is recorded).
type Overcommit struct {
	UserID       string  `json:"userId"`
	BaseCapacity float64 `json:"baseCapacity"`
	PersonaTotal float64 `json:"personaTotal"`
	Excess       float64 `json:"excess"`
}

func (a Aggregator) Overcommit(snap *graph.Snapshot) []Overcommit {
	var res []Overcommit
	for _, u := range snap.Users() {
		base := u.BaseCapacity
		if base <= 0 {
			base = 100
		}
		var total float64
		for _, p := range u.Personas {
			total += p.Capacity
		}
		if total > base {
			res = append(res, Overcommit{UserID: u.ID, BaseCapacity: base, PersonaTotal: total, Excess: total - base})
		}
	}
	return res
}
