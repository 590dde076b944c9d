package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine.
const (
	RequestCreated     = "request.created"
	RequestUnitsAdded  = "request.units_added"
	RequestCompleted   = "request.completed"
	RequestApproved    = "request.approved"
	RequestEscalated   = "request.approval_requested"
	RequestDeleted     = "request.deleted"
	UnitStarted        = "unit.started"
	UnitAwaiting       = "unit.awaiting_event"
	UnitCompleted      = "unit.completed"
	UnitRequeued       = "unit.requeued"
	UnitFailed         = "unit.failed"
	UnitApproved       = "unit.approved"
	UnitRejected       = "unit.rejected"
	UnitUpdated        = "unit.updated"
	UnitDeleted        = "unit.deleted"
	UnitDecomposed     = "unit.decomposed"
	ApprovalRequested  = "approval.requested"
	FeedbackSubmitted  = "feedback.submitted"
	PolicyRecalibrated = "policy.recalibrated"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append writes an audit event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, requestID, entityKind, entityID, actorID string, payload Payload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = Payload{}
	}
	if actorID == "" {
		actorID = "system"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,request_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, nullable(requestID), entityKind, nullable(entityID), actorID, string(data))
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
