package reconcile

import (
	"context"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/audit"
	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
)

// EnterManual records a bench result for an assignment. A pending
// assignment is started first; after that the entry takes the same
// completion path as an instrument payload.
func (g *Gateway) EnterManual(ctx context.Context, assignmentID uuid.UUID, in ManualEntry) (*Outcome, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	p := Payload{Value: in.Value, Unit: in.Unit, QCStatus: in.QCStatus}
	p.normalize()
	if p.Value == "" {
		return nil, apperr.Validation("result value is required")
	}

	var out *Outcome
	err = g.store.InTx(ctx, scope, func(tx store.Tx) error {
		a, sample, err := g.startIfPending(ctx, tx, assignmentID)
		if err != nil {
			return err
		}
		out, err = g.complete(ctx, tx, lims.SourceManual, sample, a, p)
		return err
	})
	if err != nil {
		g.metrics.IncReconciliation(string(lims.SourceManual), outcomeLabel(err))
		return nil, err
	}
	g.metrics.IncReconciliation(string(lims.SourceManual), string(out.Status))
	g.afterCommit(ctx, scope, lims.SourceManual, out)
	return out, nil
}

// startIfPending loads an assignment and its sample, moving a pending
// assignment to queued so it can be completed.
func (g *Gateway) startIfPending(ctx context.Context, tx store.Tx, id uuid.UUID) (*lims.Assignment, *lims.Sample, error) {
	a, err := tx.GetAssignment(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if a.Status == lims.AssignmentPending {
		if a, err = g.startManual(ctx, tx, a); err != nil {
			return nil, nil, err
		}
	}
	sample, err := tx.GetSample(ctx, a.SampleID)
	if err != nil {
		return nil, nil, err
	}
	return a, sample, nil
}

// startManual queues a pending assignment for bench work.
func (g *Gateway) startManual(ctx context.Context, tx store.Tx, a *lims.Assignment) (*lims.Assignment, error) {
	return g.machine.Apply(ctx, tx, a, lims.EventStartManual, nil, func(u *lims.Assignment) {
		if u.SubOrderID == "" {
			u.SubOrderID = workflow.NewSubOrderID()
		}
	})
}

// ListHeld returns held results, oldest first.
func (g *Gateway) ListHeld(ctx context.Context, unresolvedOnly bool) ([]*lims.HeldResult, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []*lims.HeldResult
	err = g.store.InTx(ctx, scope, func(tx store.Tx) error {
		out, err = tx.ListHeldResults(ctx, unresolvedOnly)
		return err
	})
	return out, err
}

// ResolveHeld attaches a held payload to an explicitly chosen assignment of
// the same test and completes it. The assignment must be one of an
// ambiguous hold's candidates, or be on the sample the payload named;
// anything else needs an override reason, which is audited.
func (g *Gateway) ResolveHeld(ctx context.Context, heldID, assignmentID uuid.UUID, override string) (*Outcome, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out *Outcome
	err = g.store.InTx(ctx, scope, func(tx store.Tx) error {
		h, err := tx.GetHeldResult(ctx, heldID)
		if err != nil {
			return err
		}
		if h.ResolvedAt != nil {
			return apperr.InvalidState("held result %s is already resolved", heldID).With("held_id", heldID.String())
		}
		a, sample, err := g.startIfPending(ctx, tx, assignmentID)
		if err != nil {
			return err
		}
		if a.TestCode != h.TestCode {
			return apperr.Validation("held result is for %s, assignment is for %s", h.TestCode, a.TestCode)
		}
		override = strings.TrimSpace(override)
		if !heldFits(h, a, sample) && override == "" {
			return apperr.Validation("held result for sample %s does not belong to assignment %s; an override reason is required", h.Barcode, a.ID).
				With("held_id", h.ID.String())
		}
		completedAt := h.CompletedAt
		p := Payload{
			Barcode:     sample.Barcode,
			TestCode:    a.TestCode,
			SubOrderID:  a.SubOrderID,
			Value:       h.Value,
			Unit:        h.Unit,
			QCStatus:    h.QCStatus,
			CompletedAt: &completedAt,
		}
		out, err = g.complete(ctx, tx, lims.SourceInstrument, sample, a, p)
		if err != nil {
			return err
		}
		now := g.nowFn()
		h.ResolvedAt = &now
		h.ResolvedAssignmentID = &a.ID
		if err := tx.UpdateHeldResult(ctx, h); err != nil {
			return err
		}
		out.Held = h
		detail := map[string]any{
			"assignment": a.ID.String(),
			"result":     out.Result.ID.String(),
		}
		if override != "" {
			detail["override"] = override
		}
		return g.audit.Record(ctx, tx, audit.EntityHeld, h.ID.String(), "resolve", detail)
	})
	if err != nil {
		return nil, err
	}
	g.metrics.IncReconciliation("held", string(out.Status))
	g.afterCommit(ctx, scope, lims.SourceInstrument, out)
	return out, nil
}

// heldFits reports whether a is a match the gateway could have made itself
// had the payload been unambiguous.
func heldFits(h *lims.HeldResult, a *lims.Assignment, sample *lims.Sample) bool {
	if len(h.Candidates) > 0 {
		return slices.Contains(h.Candidates, a.ID)
	}
	return strings.EqualFold(sample.Barcode, h.Barcode)
}
