// Package audit records state-changing actions. Every record is written
// through the caller's transaction, so an action and its audit row commit or
// roll back together.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/store"
)

// Entity types.
const (
	EntityTenant     = "tenant"
	EntityPatient    = "patient"
	EntityOffering   = "offering"
	EntityRequest    = "request"
	EntitySample     = "sample"
	EntityAssignment = "assignment"
	EntityResult     = "result"
	EntityEquipment  = "equipment"
	EntityHeld       = "held_result"
)

type Recorder struct {
	nowFn func() time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{nowFn: func() time.Time { return time.Now().UTC() }}
}

// Record appends one event attributed to the transaction's actor. A failed
// append is reported as AuditWriteFailure, which callers return to abort
// the surrounding transaction.
func (r *Recorder) Record(ctx context.Context, tx store.Tx, entityType, entityID, action string, detail map[string]any) error {
	ev := &lims.AuditEvent{
		ID:         uuid.New(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Actor:      tx.Scope().Actor(),
		Detail:     detail,
		Recorded:   r.nowFn(),
	}
	if err := tx.AppendAudit(ctx, ev); err != nil {
		return apperr.Wrap(apperr.KindAuditWrite, err, "record %s %s on %s", action, entityType, entityID)
	}
	return nil
}
