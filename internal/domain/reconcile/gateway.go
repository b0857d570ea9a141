// Package reconcile attaches measured values to assignments. Instrument
// callbacks, HL7 messages, polled results and bench entry all end in the
// same completion path: flag the value, store the result and move the
// assignment to analysis_complete.
package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/audit"
	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/blobstore"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
)

type Gateway struct {
	store   store.Store
	machine *workflow.Machine
	policy  catalog.FlagPolicy
	audit   *audit.Recorder
	archive blobstore.Store
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  zerolog.Logger
	nowFn   func() time.Time
}

type Option func(*Gateway)

// WithArchive stores every raw instrument payload before it is matched.
func WithArchive(a blobstore.Store) Option {
	return func(g *Gateway) { g.archive = a }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

func NewGateway(s store.Store, machine *workflow.Machine, policy catalog.FlagPolicy, rec *audit.Recorder, bus *events.Bus, opts ...Option) *Gateway {
	g := &Gateway{
		store:   s,
		machine: machine,
		policy:  policy,
		audit:   rec,
		bus:     bus,
		logger:  zerolog.Nop(),
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// idempotencyKey identifies one delivery of one result.
func idempotencyKey(sampleID, offeringID uuid.UUID, subOrderID string) string {
	return fmt.Sprintf("%s:%s:%s", sampleID, offeringID, subOrderID)
}

// Reconcile matches an instrument payload to a queued assignment and
// completes it. A payload that matches nothing, or more than one
// assignment, is held for manual reconciliation: the held row is committed
// and an Unmatched or Ambiguous error is returned. Re-delivery of a result
// that was already reconciled succeeds without changing anything.
func (g *Gateway) Reconcile(ctx context.Context, p Payload) (*Outcome, error) {
	return g.reconcile(ctx, lims.SourceInstrument, p)
}

// EnterByBarcode records a bench result located the way an instrument
// locates it: by sample barcode and test code. Pending assignments are
// candidates too and are started on the way.
func (g *Gateway) EnterByBarcode(ctx context.Context, p Payload) (*Outcome, error) {
	p.ExternalJobID, p.EquipmentID, p.CompletedAt = "", nil, nil
	return g.reconcile(ctx, lims.SourceManual, p)
}

func (g *Gateway) reconcile(ctx context.Context, source lims.ResultSource, p Payload) (*Outcome, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	p.normalize()
	if p.Barcode == "" || p.TestCode == "" {
		return nil, apperr.Validation("barcode and test_code are required")
	}
	if p.Value == "" {
		return nil, apperr.Validation("result value is required")
	}
	archiveKey := g.archivePayload(ctx, scope, source, p)

	var (
		out  *Outcome
		held error
	)
	run := func(tx store.Tx) error {
		out, held = nil, nil
		sample, err := g.sampleFor(ctx, tx, p)
		if err != nil {
			return err
		}
		// Instruments deliver at least once, so a delivery already on file
		// wins over any assignment that has since become queued.
		if sample != nil && source == lims.SourceInstrument {
			if dup, err := g.findDelivered(ctx, tx, source, sample, p); err != nil || dup != nil {
				out = dup
				return err
			}
		}
		candidates, err := g.match(ctx, tx, source, sample, p)
		if err != nil {
			return err
		}
		switch {
		case len(candidates) == 1:
			a := candidates[0]
			if a.Status == lims.AssignmentPending {
				if a, err = g.startManual(ctx, tx, a); err != nil {
					return err
				}
			}
			out, err = g.complete(ctx, tx, source, sample, a, p)
			return err
		case len(candidates) > 1:
			out, held, err = g.hold(ctx, tx, source, p, lims.HoldAmbiguous, candidates, archiveKey)
			return err
		}
		if sample != nil && source == lims.SourceManual {
			if dup, err := g.findDelivered(ctx, tx, source, sample, p); err != nil || dup != nil {
				out = dup
				return err
			}
		}
		out, held, err = g.hold(ctx, tx, source, p, lims.HoldUnmatched, nil, archiveKey)
		return err
	}
	err = g.store.InTx(ctx, scope, run)
	if errors.Is(err, store.ErrDuplicate) {
		// A concurrent delivery of the same result committed first; replaying
		// finds it and reports a duplicate.
		err = g.store.InTx(ctx, scope, run)
	}
	if err != nil {
		g.metrics.IncReconciliation(string(source), outcomeLabel(err))
		return nil, err
	}
	g.afterCommit(ctx, scope, source, out)
	if held != nil {
		g.metrics.IncReconciliation(string(source), outcomeLabel(held))
		return out, held
	}
	g.metrics.IncReconciliation(string(source), string(out.Status))
	return out, nil
}

// sampleFor looks up the payload's sample. A missing sample is not an
// error: the payload is then unmatched.
func (g *Gateway) sampleFor(ctx context.Context, tx store.Tx, p Payload) (*lims.Sample, error) {
	sample, err := tx.GetSampleByBarcode(ctx, p.Barcode)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	return sample, err
}

// match finds the assignments of sample a payload can belong to.
// Instrument results attach only to queued work; bench entries may also
// start pending work.
func (g *Gateway) match(ctx context.Context, tx store.Tx, source lims.ResultSource, sample *lims.Sample, p Payload) ([]*lims.Assignment, error) {
	if sample == nil {
		return nil, nil
	}
	statuses := []lims.AssignmentStatus{lims.AssignmentQueued}
	if source == lims.SourceManual {
		statuses = append(statuses, lims.AssignmentPending)
	}
	open, err := tx.ListAssignments(ctx, store.AssignmentFilter{
		SampleID: &sample.ID,
		TestCode: p.TestCode,
		Statuses: statuses,
	})
	if err != nil {
		return nil, err
	}
	if p.SubOrderID == "" {
		return open, nil
	}
	var picked []*lims.Assignment
	for _, a := range open {
		if a.SubOrderID == p.SubOrderID {
			picked = append(picked, a)
		}
	}
	return picked, nil
}

// findDelivered looks for a result of the same test on sample that p
// repeats. Superseded results count for instruments, so an old delivery
// replayed after a retest is not attached to the retest; bench entries
// only repeat the live result.
func (g *Gateway) findDelivered(ctx context.Context, tx store.Tx, source lims.ResultSource, sample *lims.Sample, p Payload) (*Outcome, error) {
	all, err := tx.ListAssignments(ctx, store.AssignmentFilter{SampleID: &sample.ID, TestCode: p.TestCode})
	if err != nil {
		return nil, err
	}
	for _, a := range all {
		results, err := tx.ListResults(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if sameDelivery(r, source, idempotencyKey(sample.ID, a.OfferingID, p.SubOrderID), p) {
				return &Outcome{Accepted: true, Status: OutcomeDuplicate, Assignment: a, Result: r}, nil
			}
		}
	}
	return nil, nil
}

// sameDelivery reports whether r was stored from a payload identical to p.
// key is the idempotency key r carries if p named its sub-order.
func sameDelivery(r *lims.Result, source lims.ResultSource, key string, p Payload) bool {
	if r.Source != source || r.Value != p.Value {
		return false
	}
	if source == lims.SourceManual && r.Superseded {
		return false
	}
	if p.SubOrderID != "" && r.IdempotencyKey != key {
		return false
	}
	if p.CompletedAt != nil {
		return r.CompletedAt.Truncate(time.Microsecond).Equal(p.CompletedAt.UTC().Truncate(time.Microsecond))
	}
	return true
}

// complete stores the flagged result for a and moves it to
// analysis_complete. a must be queued.
func (g *Gateway) complete(ctx context.Context, tx store.Tx, source lims.ResultSource, sample *lims.Sample, a *lims.Assignment, p Payload) (*Outcome, error) {
	if !lims.CanTransition(a.Status, lims.EventComplete) {
		return nil, g.machine.Refuse(a, lims.EventComplete)
	}
	offering, err := tx.GetOffering(ctx, a.OfferingID)
	if err != nil {
		return nil, err
	}
	subject, err := g.subject(ctx, tx, sample)
	if err != nil {
		return nil, err
	}
	eval, err := g.policy.Evaluate(offering, p.Value, subject)
	if err != nil {
		return nil, err
	}

	now := g.nowFn()
	completedAt := now
	if p.CompletedAt != nil {
		completedAt = p.CompletedAt.UTC()
	}
	result := &lims.Result{
		ID:             uuid.New(),
		AssignmentID:   a.ID,
		Value:          p.Value,
		Unit:           p.Unit,
		Flag:           eval.Flag,
		Source:         source,
		QCStatus:       p.QCStatus,
		NeedsReview:    qcFailed(p.QCStatus),
		ReferenceRange: eval.ReferenceRange,
		EnteredBy:      tx.Scope().Actor(),
		IdempotencyKey: idempotencyKey(sample.ID, a.OfferingID, a.SubOrderID),
		CompletedAt:    completedAt,
		CreatedAt:      now,
	}
	if err := tx.CreateResult(ctx, result); err != nil {
		return nil, err
	}

	updated, err := g.machine.Apply(ctx, tx, a, lims.EventComplete, map[string]any{
		"result": result.ID.String(),
		"source": string(source),
	}, func(u *lims.Assignment) {
		if p.ExternalJobID != "" {
			u.ExternalJobID = p.ExternalJobID
		}
		if p.EquipmentID != nil && u.EquipmentID == nil {
			u.EquipmentID = p.EquipmentID
		}
	})
	if err != nil {
		return nil, err
	}
	if err := g.audit.Record(ctx, tx, audit.EntityResult, result.ID.String(), "create", map[string]any{
		"assignment":   a.ID.String(),
		"flag":         string(result.Flag),
		"source":       string(source),
		"needs_review": result.NeedsReview,
	}); err != nil {
		return nil, err
	}
	if _, _, err := g.machine.Recompute(ctx, tx, a.RequestID); err != nil {
		return nil, err
	}
	return &Outcome{Accepted: true, Status: OutcomeReconciled, Assignment: updated, Result: result}, nil
}

func (g *Gateway) subject(ctx context.Context, tx store.Tx, sample *lims.Sample) (catalog.Subject, error) {
	req, err := tx.GetRequest(ctx, sample.RequestID)
	if err != nil {
		return catalog.Subject{}, err
	}
	patient, err := tx.GetPatient(ctx, req.PatientID)
	if err != nil {
		return catalog.Subject{}, err
	}
	return catalog.Subject{Sex: patient.Sex, AgeYears: patient.AgeYears(g.nowFn())}, nil
}

// hold stores p for manual reconciliation and returns the business error
// the caller reports once the transaction commits.
func (g *Gateway) hold(ctx context.Context, tx store.Tx, source lims.ResultSource, p Payload, reason lims.HoldReason, candidates []*lims.Assignment, archiveKey string) (*Outcome, error, error) {
	now := g.nowFn()
	h := &lims.HeldResult{
		ID:          uuid.New(),
		Barcode:     p.Barcode,
		TestCode:    p.TestCode,
		SubOrderID:  p.SubOrderID,
		Value:       p.Value,
		Unit:        p.Unit,
		QCStatus:    p.QCStatus,
		CompletedAt: now,
		Reason:      reason,
		ArchiveKey:  archiveKey,
		ReceivedAt:  now,
	}
	if p.CompletedAt != nil {
		h.CompletedAt = p.CompletedAt.UTC()
	}
	for _, c := range candidates {
		h.Candidates = append(h.Candidates, c.ID)
	}
	if err := tx.CreateHeldResult(ctx, h); err != nil {
		return nil, nil, err
	}
	if err := g.audit.Record(ctx, tx, audit.EntityHeld, h.ID.String(), "hold", map[string]any{
		"reason":  string(reason),
		"barcode": p.Barcode,
		"test":    p.TestCode,
		"source":  string(source),
	}); err != nil {
		return nil, nil, err
	}

	var business *apperr.Error
	if reason == lims.HoldAmbiguous {
		business = apperr.New(apperr.KindAmbiguous, "%d assignments of %s on sample %s match; sub_order_id required", len(candidates), p.TestCode, p.Barcode)
	} else {
		business = apperr.New(apperr.KindUnmatched, "no queued %s assignment on sample %s", p.TestCode, p.Barcode)
	}
	business = business.With("held_id", h.ID.String())
	return &Outcome{Status: OutcomeHeld, Held: h}, business, nil
}

// archivePayload keeps the raw payload. Archive failures are logged and do
// not block reconciliation.
func (g *Gateway) archivePayload(ctx context.Context, scope tenant.Scope, source lims.ResultSource, p Payload) string {
	if g.archive == nil {
		return ""
	}
	body, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	key := blobstore.ArchiveKey(scope.Code(), string(source), g.nowFn(), uuid.NewString())
	_, err = g.archive.Put(ctx, key, "application/json", bytes.NewReader(body), map[string]string{
		"barcode":   p.Barcode,
		"test_code": p.TestCode,
	})
	if err != nil {
		g.logger.Warn().Err(err).Str("tenant", scope.Code()).Str("barcode", p.Barcode).Msg("archive instrument payload")
		return ""
	}
	return key
}

func (g *Gateway) afterCommit(ctx context.Context, scope tenant.Scope, source lims.ResultSource, out *Outcome) {
	if out == nil {
		return
	}
	switch out.Status {
	case OutcomeHeld:
		g.bus.Emit(ctx, events.New(events.ResultHeld, scope.TenantID(), scope.Code(), audit.EntityHeld, out.Held.ID.String(), map[string]any{
			"reason":  string(out.Held.Reason),
			"barcode": out.Held.Barcode,
			"test":    out.Held.TestCode,
		}))
	case OutcomeReconciled:
		a, r := out.Assignment, out.Result
		data := map[string]any{
			"request_id": a.RequestID.String(),
			"test_code":  a.TestCode,
			"flag":       string(r.Flag),
			"source":     string(source),
		}
		evs := []events.Event{events.New(events.AssignmentCompleted, scope.TenantID(), scope.Code(), audit.EntityAssignment, a.ID.String(), data)}
		if r.Flag == lims.FlagCritical {
			evs = append(evs, events.New(events.ResultCritical, scope.TenantID(), scope.Code(), audit.EntityResult, r.ID.String(), map[string]any{
				"assignment": a.ID.String(),
				"test_code":  a.TestCode,
				"value":      r.Value,
			}))
			g.logger.Warn().Str("tenant", scope.Code()).Str("test", a.TestCode).Str("value", r.Value).Msg("critical result")
		}
		g.bus.Emit(ctx, evs...)
	}
}

func outcomeLabel(err error) string {
	if k, ok := apperr.KindOf(err); ok {
		switch k {
		case apperr.KindUnmatched:
			return "unmatched"
		case apperr.KindAmbiguous:
			return "ambiguous"
		case apperr.KindValidation:
			return "invalid"
		}
	}
	if workflow.IsConflict(err) {
		return "conflict"
	}
	return "error"
}
