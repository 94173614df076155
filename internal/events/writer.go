// Package events journals outcomes and passes to the events table.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tickwatch/internal/domain"
)

const (
	TaskCompleted = "task.completed"
	TaskDeleted   = "task.deleted"
	PassCompleted = "pass.completed"
	PassFailed    = "pass.failed"
)

const (
	EntityTask = "task"
	EntityPass = "pass"
)

type Payload map[string]any

// Entry is one journal row.
type Entry struct {
	Type       string
	PassID     string
	EntityKind string
	EntityID   string
	Payload    Payload
}

// Writer appends entries inside the caller's transaction, so a journal row
// commits or rolls back with the change it describes.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,pass_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		domain.FormatStoredTime(now()), e.Type, nullable(e.PassID), e.EntityKind, nullable(e.EntityID), string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", e.Type, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
