package main

import (
	"testing"

	"taskgraph/internal/domain"
	"taskgraph/internal/proposal"
)

func TestDecodeGraphYAMLNormalisesStatus(t *testing.T) {
	doc := `
users:
  - id: u1
    baseCapacity: 40
    personas:
      - {id: dev, userId: u1, capacity: 40}
tasks:
  - id: a
    title: Design
    status: In Progress
    duration: 3
    ownerId: u1
    personaId: dev
  - id: b
    duration: 2
    dependencyIds: [a]
`
	g, err := decodeGraph("graph.yaml", []byte(doc))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(g.Tasks) != 2 || len(g.Users) != 1 {
		t.Fatalf("unexpected graph %+v", g)
	}
	if g.Tasks[0].Status != domain.StatusInProgress {
		t.Fatalf("status not normalised: %q", g.Tasks[0].Status)
	}
	if g.Tasks[1].DependencyIDs[0] != "a" {
		t.Fatalf("deps lost: %+v", g.Tasks[1])
	}
}

func TestDecodeGraphRejectsUnknownStatus(t *testing.T) {
	_, err := decodeGraph("g.json", []byte(`{"tasks":[{"id":"a","status":"Done-ish"}]}`))
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestParsePersona(t *testing.T) {
	p, err := parsePersona("u1", "dev=30:engineer")
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != "dev" || p.UserID != "u1" || p.Capacity != 30 || p.Role != "engineer" {
		t.Fatalf("unexpected persona %+v", p)
	}
	if _, err := parsePersona("u1", "nocap"); err == nil {
		t.Fatalf("expected error for missing capacity")
	}
}

func TestDecodeProposalAcceptsYAML(t *testing.T) {
	p, err := decodeProposal([]byte("kind: handoff\ntaskId: a\ntoUserId: u2\n"))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	h, ok := p.(proposal.Handoff)
	if !ok || h.TaskID != "a" || h.ToUserID != "u2" {
		t.Fatalf("unexpected proposal %#v", p)
	}
}
