// Package workflow drives assignments through verification and release and
// keeps each request's status in step with its assignments.
package workflow

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/audit"
	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/store"
)

// Machine applies state machine events inside a caller's transaction.
// Every applied event is a compare-and-swap on the assignment's status and
// is audited in the same transaction.
type Machine struct {
	audit   *audit.Recorder
	metrics *metrics.Metrics
	nowFn   func() time.Time
}

func NewMachine(rec *audit.Recorder, m *metrics.Metrics) *Machine {
	return &Machine{audit: rec, metrics: m, nowFn: func() time.Time { return time.Now().UTC() }}
}

// Apply moves a by ev. mutate, when non-nil, adjusts the copy that will be
// stored after the status and timestamp are set. It returns the stored copy.
func (m *Machine) Apply(ctx context.Context, tx store.Tx, a *lims.Assignment, ev lims.Event, detail map[string]any, mutate func(*lims.Assignment)) (*lims.Assignment, error) {
	next, err := lims.Transition(a, ev)
	if err != nil {
		m.metrics.IncTransition(string(ev), "invalid")
		return nil, err
	}

	now := m.nowFn()
	updated := *a
	updated.Status = next
	switch next {
	case lims.AssignmentQueued:
		updated.QueuedAt = &now
	case lims.AssignmentAnalysisComplete:
		updated.CompletedAt = &now
	case lims.AssignmentVerified:
		updated.VerifiedAt = &now
	case lims.AssignmentReleased:
		updated.ReleasedAt = &now
	case lims.AssignmentPending:
		updated.QueuedAt, updated.CompletedAt, updated.VerifiedAt = nil, nil, nil
	}
	if mutate != nil {
		mutate(&updated)
	}

	ok, err := tx.UpdateAssignment(ctx, &updated, a.Status)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.metrics.IncTransition(string(ev), "conflict")
		return nil, &apperr.TransitionError{
			Entity:  "assignment",
			ID:      a.ID.String(),
			Current: string(a.Status),
			Event:   string(ev),
			Raced:   true,
		}
	}

	d := map[string]any{"from": string(a.Status), "to": string(next)}
	for k, v := range detail {
		d[k] = v
	}
	if err := m.audit.Record(ctx, tx, audit.EntityAssignment, a.ID.String(), string(ev), d); err != nil {
		return nil, err
	}
	m.metrics.IncTransition(string(ev), "ok")
	return &updated, nil
}

// Refuse reports why ev cannot be applied to a in its current status and
// counts the attempt. Callers check lims.CanTransition first.
func (m *Machine) Refuse(a *lims.Assignment, ev lims.Event) error {
	m.metrics.IncTransition(string(ev), "invalid")
	if _, err := lims.Transition(a, ev); err != nil {
		return err
	}
	return &apperr.TransitionError{Entity: "assignment", ID: a.ID.String(), Current: string(a.Status), Event: string(ev)}
}

// Recompute derives the request's status from its assignments and stores
// it when it changed.
func (m *Machine) Recompute(ctx context.Context, tx store.Tx, requestID uuid.UUID) (*lims.Request, bool, error) {
	req, err := tx.GetRequest(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	assignments, err := tx.ListAssignments(ctx, store.AssignmentFilter{RequestID: &requestID})
	if err != nil {
		return nil, false, err
	}
	status := lims.DeriveRequestStatus(req.Status, assignments)
	if status == req.Status {
		return req, false, nil
	}
	from := req.Status
	if err := tx.UpdateRequestStatus(ctx, requestID, status); err != nil {
		return nil, false, err
	}
	req.Status = status
	if err := m.audit.Record(ctx, tx, audit.EntityRequest, req.RequestID, "status", map[string]any{
		"from": string(from), "to": string(status),
	}); err != nil {
		return nil, false, err
	}
	return req, true, nil
}

// IsConflict reports whether err came from losing a concurrent update.
func IsConflict(err error) bool {
	return errors.Is(err, apperr.ErrConcurrencyConflict)
}
