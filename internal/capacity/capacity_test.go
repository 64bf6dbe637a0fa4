package capacity_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"taskgraph/internal/capacity"
	"taskgraph/internal/domain"
	"taskgraph/internal/graph"
)

func team(t *testing.T, tasks ...domain.Task) *graph.Snapshot {
	t.Helper()
	s := graph.NewStore()
	_, err := s.LoadGraph(context.Background(), graph.Graph{
		Users: []domain.User{
			{ID: "u1", BaseCapacity: 80, Personas: []domain.Persona{
				{ID: "p_u1_1", Role: "Lead", Capacity: 40},
				{ID: "p_u1_2", Role: "Dev", Capacity: 60},
			}},
			{ID: "u2", Personas: []domain.Persona{{ID: "p_u2_1", Capacity: 95}}},
			{ID: "u3", Personas: []domain.Persona{{ID: "p_u3_1", Capacity: 0}}},
		},
		Tasks: tasks,
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	return s.Snapshot()
}

func task(id, persona string, start, duration int) domain.Task {
	owner := persona[2:4]
	return domain.Task{ID: id, Title: id, OwnerID: owner, PersonaID: persona, StartDate: start, Duration: duration}
}

func TestLoadThresholds(t *testing.T) {
	agg := capacity.NewAggregator(capacity.DefaultThresholds(), 40)

	over := team(t, task("a", "p_u1_1", 0, 20), task("b", "p_u1_1", 0, 26))
	l, err := agg.LoadFor(over, "u1", "p_u1_1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if l.Hours != 46 || l.Percent != 115 || !l.Overloaded || l.AtRisk {
		t.Fatalf("expected 115%% overloaded, got %+v", l)
	}

	risk := team(t, task("a", "p_u1_1", 0, 20), task("b", "p_u1_1", 0, 19))
	l, _ = agg.LoadFor(risk, "u1", "p_u1_1", 0)
	if l.Percent != 97.5 || l.Overloaded || !l.AtRisk {
		t.Fatalf("expected 97.5%% at risk, got %+v", l)
	}
}

func TestLoadProratesAndSkipsCompleted(t *testing.T) {
	done := task("c", "p_u1_2", 0, 30)
	done.Status = domain.StatusCompleted
	snap := team(t, task("a", "p_u1_2", 30, 20), done, task("other", "p_u1_1", 0, 10))
	agg := capacity.NewAggregator(capacity.DefaultThresholds(), 40)

	p0, _ := agg.LoadFor(snap, "u1", "p_u1_2", 0)
	p1, _ := agg.LoadFor(snap, "u1", "p_u1_2", 1)
	p2, _ := agg.LoadFor(snap, "u1", "p_u1_2", 2)
	if p0.Hours != 10 || p1.Hours != 10 || p2.Hours != 0 {
		t.Fatalf("expected 10/10/0 hours, got %v/%v/%v", p0.Hours, p1.Hours, p2.Hours)
	}
	user, _ := agg.UserLoad(snap, "u1", 0)
	if user.Hours != 20 || user.Capacity != 100 || user.Percent != 20 {
		t.Fatalf("unexpected user load %+v", user)
	}
	if _, err := agg.LoadFor(snap, "u2", "p_u1_2", 0); !errors.Is(err, graph.ErrValidation) {
		t.Fatalf("persona of another user should be rejected, got %v", err)
	}
}

func TestZeroCapacity(t *testing.T) {
	agg := capacity.NewAggregator(capacity.DefaultThresholds(), 40)
	snap := team(t)
	l, _ := agg.LoadFor(snap, "u3", "p_u3_1", 0)
	if l.Percent != 0 || l.Overloaded {
		t.Fatalf("no work on zero capacity is not a load, got %+v", l)
	}
	snap = team(t, task("z", "p_u3_1", 0, 4))
	l, _ = agg.LoadFor(snap, "u3", "p_u3_1", 0)
	if !math.IsInf(l.Percent, 1) || !l.Overloaded {
		t.Fatalf("work on zero capacity should be unbounded, got %+v", l)
	}
	data, err := json.Marshal(l)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"percent":null`) {
		t.Fatalf("unexpected encoding %s", data)
	}
}

func TestTeamLoadSeriesRestartable(t *testing.T) {
	snap := team(t, task("a", "p_u1_1", 0, 60), task("b", "p_u2_1", 40, 40))
	agg := capacity.NewAggregator(capacity.DefaultThresholds(), 40)
	series := agg.TeamLoadSeries(snap, 3)

	collect := func() map[string][]float64 {
		out := map[string][]float64{}
		var order []string
		for user, loads := range series {
			order = append(order, user)
			for _, l := range loads {
				out[user] = append(out[user], l.Hours)
			}
		}
		if strings.Join(order, ",") != "u1,u2,u3" {
			t.Fatalf("unexpected user order %v", order)
		}
		return out
	}
	first, second := collect(), collect()
	for _, user := range []string{"u1", "u2", "u3"} {
		if len(first[user]) != 3 {
			t.Fatalf("%s: expected 3 periods, got %v", user, first[user])
		}
		for i := range first[user] {
			if first[user][i] != second[user][i] {
				t.Fatalf("%s: series changed between ranges", user)
			}
		}
	}
	if first["u1"][0] != 40 || first["u1"][1] != 20 || first["u2"][1] != 40 {
		t.Fatalf("unexpected series %v", first)
	}

	var seen int
	for range series {
		seen++
		break
	}
	if seen != 1 {
		t.Fatalf("early break should stop the sequence")
	}
}

func TestOvercommit(t *testing.T) {
	agg := capacity.NewAggregator(capacity.DefaultThresholds(), 40)
	res := agg.Overcommit(team(t))
	if len(res) != 1 || res[0].UserID != "u1" || res[0].Excess != 20 {
		t.Fatalf("expected u1 overcommitted by 20, got %+v", res)
	}
}

func TestTasksWithoutPersonaChargeFirstPersona(t *testing.T) {
	agg := capacity.NewAggregator(capacity.DefaultThresholds(), 40)
	loose := domain.Task{ID: "loose", Title: "loose", OwnerID: "u1", Duration: 12}
	snap := team(t, loose, task("a", "p_u1_2", 0, 10))

	first, _ := agg.LoadFor(snap, "u1", "p_u1_1", 0)
	second, _ := agg.LoadFor(snap, "u1", "p_u1_2", 0)
	user, _ := agg.UserLoad(snap, "u1", 0)
	if first.Hours != 12 || second.Hours != 10 {
		t.Fatalf("expected 12/10 hours, got %v/%v", first.Hours, second.Hours)
	}
	if first.Hours+second.Hours != user.Hours {
		t.Fatalf("persona loads %v+%v do not add up to user load %v", first.Hours, second.Hours, user.Hours)
	}
	if got := capacity.PersonaOf(snap, loose); got != "p_u1_1" {
		t.Fatalf("PersonaOf = %q", got)
	}
}
