// Package events appends rows to the audit log. Payloads carry commitments
// and ledger identifiers only; raw identity claims never reach this table.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types.
const (
	ProofGenerated     = "proof.generated"
	ProofVerified      = "proof.verified"
	ActionPrepared     = "action.prepared"
	ActionRefused      = "action.refused"
	ProfilePrepared    = "profile.prepared"
	SubmissionClaimed  = "submission.claimed"
	SubmissionReleased = "submission.released"
	SubmissionSent     = "submission.sent"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, entityKind, nullable(entityID), actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
