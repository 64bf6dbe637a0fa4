package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written for graph mutations.
const (
	TaskUpserted      = "task.upserted"
	TaskDeleted       = "task.deleted"
	DependencyAdded   = "dependency.added"
	DependencyRemoved = "dependency.removed"
	UserUpserted      = "user.upserted"
	ProjectUpserted   = "project.upserted"
	ProjectDeleted    = "project.deleted"
	GraphLoaded       = "graph.loaded"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records one event inside tx, tagged with the graph version the
// mutation produced.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, version uint64, entityKind, entityID, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,version,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, int64(version), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
