package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// EventPayload carries structured context for one audit event.
type EventPayload map[string]any

// Writer appends to the audit log. Events ride the caller's transaction so an
// orchestrator or execution change and its event commit atomically; a rolled
// back change leaves no event behind.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) clock() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append records one event of the form type/entity/actor/payload.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	var entity any
	if entityID != "" {
		entity = entityID
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		w.clock().UTC().Format(time.RFC3339), evtType, entityKind, entity, actorID, string(data))
	return err
}
