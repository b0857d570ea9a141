package instrument

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lims/lims/internal/domain/audit"
	"github.com/lims/lims/internal/domain/reconcile"
	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/internal/platform/metrics"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
)

type Service struct {
	store   store.Store
	machine *workflow.Machine
	gateway *reconcile.Gateway
	clients ClientFactory
	cache   StatusCache
	audit   *audit.Recorder
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  zerolog.Logger
	nowFn   func() time.Time
}

type Option func(*Service)

func WithStatusCache(c StatusCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l.With().Str("component", "instrument").Logger() }
}

func NewService(s store.Store, machine *workflow.Machine, gw *reconcile.Gateway, clients ClientFactory, rec *audit.Recorder, bus *events.Bus, opts ...Option) *Service {
	svc := &Service{
		store:   s,
		machine: machine,
		gateway: gw,
		clients: clients,
		audit:   rec,
		bus:     bus,
		logger:  zerolog.Nop(),
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// -- Equipment --

func validEquipmentStatus(s lims.EquipmentStatus) bool {
	switch s {
	case lims.EquipmentActive, lims.EquipmentInactive, lims.EquipmentMaintenance:
		return true
	}
	return false
}

// SaveEquipment registers new equipment or replaces an existing record.
// An empty APIKey on update keeps the stored key.
func (s *Service) SaveEquipment(ctx context.Context, e *lims.Equipment) (*lims.Equipment, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	e.Name = strings.TrimSpace(e.Name)
	e.Department = strings.ToLower(strings.TrimSpace(e.Department))
	if e.Name == "" || e.Department == "" {
		return nil, apperr.Validation("equipment name and department are required")
	}
	if e.Status == "" {
		e.Status = lims.EquipmentActive
	}
	if !validEquipmentStatus(e.Status) {
		return nil, apperr.Validation("unknown equipment status %q", e.Status)
	}
	action := "update"
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
			e.CreatedAt = s.nowFn()
			action = "create"
		} else {
			existing, err := tx.GetEquipment(ctx, e.ID)
			if err != nil {
				return err
			}
			e.CreatedAt = existing.CreatedAt
			if e.APIKey == "" {
				e.APIKey = existing.APIKey
			}
		}
		if err := tx.SaveEquipment(ctx, e); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, audit.EntityEquipment, e.ID.String(), action, map[string]any{
			"name": e.Name, "department": e.Department, "status": string(e.Status),
		})
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) SetEquipmentStatus(ctx context.Context, id uuid.UUID, status lims.EquipmentStatus) (*lims.Equipment, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if !validEquipmentStatus(status) {
		return nil, apperr.Validation("unknown equipment status %q", status)
	}
	var out *lims.Equipment
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		e, err := tx.GetEquipment(ctx, id)
		if err != nil {
			return err
		}
		from := e.Status
		e.Status = status
		if err := tx.SaveEquipment(ctx, e); err != nil {
			return err
		}
		out = e
		return s.audit.Record(ctx, tx, audit.EntityEquipment, id.String(), "status", map[string]any{
			"from": string(from), "to": string(status),
		})
	})
	return out, err
}

func (s *Service) GetEquipment(ctx context.Context, id uuid.UUID) (*lims.Equipment, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out *lims.Equipment
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		out, err = tx.GetEquipment(ctx, id)
		return err
	})
	return out, err
}

func (s *Service) ListEquipment(ctx context.Context, f store.EquipmentFilter) ([]*lims.Equipment, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []*lims.Equipment
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		out, err = tx.ListEquipment(ctx, f)
		return err
	})
	return out, err
}

// -- Routing --

// Assign routes a pending assignment to a piece of active equipment in
// the assignment's department.
func (s *Service) Assign(ctx context.Context, assignmentID, equipmentID uuid.UUID) (*lims.Assignment, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out *lims.Assignment
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		e, err := tx.GetEquipment(ctx, equipmentID)
		if err != nil {
			return err
		}
		out, err = s.assign(ctx, tx, a, e)
		return err
	})
	return out, err
}

// AutoAssign picks active equipment in the assignment's department,
// preferring equipment that can be dispatched to over the API.
func (s *Service) AutoAssign(ctx context.Context, assignmentID uuid.UUID) (*lims.Assignment, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out *lims.Assignment
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		candidates, err := tx.ListEquipment(ctx, store.EquipmentFilter{Department: a.Department, Status: lims.EquipmentActive})
		if err != nil {
			return err
		}
		if len(candidates) == 0 {
			return apperr.Validation("no active equipment in department %q", a.Department).With("assignment_id", a.ID)
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			ci, cj := candidates[i].Connected(), candidates[j].Connected()
			if ci != cj {
				return ci
			}
			return candidates[i].Name < candidates[j].Name
		})
		out, err = s.assign(ctx, tx, a, candidates[0])
		return err
	})
	return out, err
}

func (s *Service) assign(ctx context.Context, tx store.Tx, a *lims.Assignment, e *lims.Equipment) (*lims.Assignment, error) {
	if a.Status != lims.AssignmentPending {
		return nil, apperr.InvalidState("assignment %s is %s; equipment can only be changed while pending", a.ID, a.Status)
	}
	if e.Status != lims.EquipmentActive {
		return nil, apperr.Validation("equipment %s is %s", e.Name, e.Status)
	}
	if e.Department != a.Department {
		return nil, apperr.Validation("equipment %s serves %q, assignment is routed to %q", e.Name, e.Department, a.Department)
	}
	updated := *a
	updated.EquipmentID = &e.ID
	updated.UpdatedAt = s.nowFn()
	ok, err := tx.UpdateAssignment(ctx, &updated, a.Status)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.KindConcurrencyConflict, "assignment %s changed while assigning equipment", a.ID)
	}
	if err := s.audit.Record(ctx, tx, audit.EntityAssignment, a.ID.String(), "assign_equipment", map[string]any{
		"equipment_id": e.ID.String(), "equipment": e.Name,
	}); err != nil {
		return nil, err
	}
	return &updated, nil
}

// -- Dispatch --

type dispatchPlan struct {
	assignment *lims.Assignment
	equipment  *lims.Equipment
	request    QueueRequest
}

// Dispatch sends a pending assignment to its equipment. The instrument
// call runs outside any transaction. On success the assignment is queued
// with the instrument's job id; on failure it stays pending with the
// attempt counted and the error recorded, and Unavailable is returned.
func (s *Service) Dispatch(ctx context.Context, assignmentID uuid.UUID) (*lims.Assignment, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}

	var plan *dispatchPlan
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		plan, err = s.planDispatch(ctx, tx, assignmentID)
		return err
	})
	if err != nil {
		return nil, err
	}

	start := s.nowFn()
	resp, callErr := s.clients(plan.equipment).Queue(ctx, plan.request)
	elapsed := s.nowFn().Sub(start)

	if callErr != nil {
		s.metrics.ObserveDispatch("error", elapsed)
		return s.recordDispatchFailure(ctx, scope, plan, callErr)
	}

	var out *lims.Assignment
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		out, err = s.machine.Apply(ctx, tx, a, lims.EventDispatch, map[string]any{
			"equipment_id": plan.equipment.ID.String(),
			"job_id":       resp.JobID,
			"sub_order_id": plan.request.SubOrderID,
		}, func(u *lims.Assignment) {
			u.SubOrderID = plan.request.SubOrderID
			u.ExternalJobID = resp.JobID
			u.DispatchAttempts++
			u.LastDispatchError = ""
		})
		if err != nil {
			return err
		}
		if err := tx.AppendInstrumentLog(ctx, s.logEntry(plan, lims.LogSend, 0, "queued", map[string]any{
			"request": plan.request, "response": resp,
		})); err != nil {
			return err
		}
		_, _, err = s.machine.Recompute(ctx, tx, a.RequestID)
		return err
	})
	if err != nil {
		// The instrument has the job but the assignment moved underneath
		// us; the job result will be held for manual reconciliation.
		s.metrics.ObserveDispatch("conflict", elapsed)
		s.logger.Warn().Err(err).Str("assignment_id", assignmentID.String()).Str("job_id", resp.JobID).Msg("dispatched job could not be recorded")
		return nil, err
	}
	s.metrics.ObserveDispatch("ok", elapsed)
	s.bus.Emit(ctx, events.New(events.AssignmentQueued, scope.TenantID(), scope.Code(), audit.EntityAssignment, out.ID.String(), map[string]any{
		"equipment_id": plan.equipment.ID.String(), "job_id": resp.JobID,
	}))
	return out, nil
}

func (s *Service) planDispatch(ctx context.Context, tx store.Tx, assignmentID uuid.UUID) (*dispatchPlan, error) {
	a, err := tx.GetAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if !lims.CanTransition(a.Status, lims.EventDispatch) {
		return nil, &apperr.TransitionError{Entity: "assignment", ID: a.ID.String(), Current: string(a.Status), Event: string(lims.EventDispatch)}
	}
	if a.EquipmentID == nil {
		return nil, apperr.Validation("assignment %s has no equipment", a.ID)
	}
	e, err := tx.GetEquipment(ctx, *a.EquipmentID)
	if err != nil {
		return nil, err
	}
	if e.Status != lims.EquipmentActive {
		return nil, apperr.Validation("equipment %s is %s", e.Name, e.Status)
	}
	if !e.Connected() {
		return nil, apperr.Validation("equipment %s has no API endpoint; use manual entry", e.Name)
	}
	sample, err := tx.GetSample(ctx, a.SampleID)
	if err != nil {
		return nil, err
	}
	req, err := tx.GetRequest(ctx, a.RequestID)
	if err != nil {
		return nil, err
	}

	// A sub-order id is reused across retries of the same dispatch and
	// replaced once a result was ever stored under it.
	subOrder := a.SubOrderID
	if subOrder != "" {
		prior, err := tx.ListResults(ctx, a.ID)
		if err != nil {
			return nil, err
		}
		if len(prior) > 0 {
			subOrder = ""
		}
	}
	if subOrder == "" {
		subOrder = workflow.NewSubOrderID()
	}

	return &dispatchPlan{
		assignment: a,
		equipment:  e,
		request: QueueRequest{
			SubOrderID:   subOrder,
			Barcode:      sample.Barcode,
			TestCode:     a.TestCode,
			SpecimenType: sample.SpecimenType,
			Priority:     req.Priority,
			PatientID:    req.PatientID.String(),
		},
	}, nil
}

func (s *Service) recordDispatchFailure(ctx context.Context, scope tenant.Scope, plan *dispatchPlan, callErr error) (*lims.Assignment, error) {
	var status int
	var ce *CallError
	if errors.As(callErr, &ce) {
		status = ce.StatusCode
	}
	var out *lims.Assignment
	err := s.store.InTx(ctx, scope, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, plan.assignment.ID)
		if err != nil {
			return err
		}
		if a.Status != lims.AssignmentPending {
			return apperr.New(apperr.KindConcurrencyConflict, "assignment %s moved to %s during dispatch", a.ID, a.Status)
		}
		updated := *a
		updated.SubOrderID = plan.request.SubOrderID
		updated.DispatchAttempts++
		updated.LastDispatchError = callErr.Error()
		updated.UpdatedAt = s.nowFn()
		ok, err := tx.UpdateAssignment(ctx, &updated, lims.AssignmentPending)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindConcurrencyConflict, "assignment %s changed during dispatch", a.ID)
		}
		out = &updated
		if err := tx.AppendInstrumentLog(ctx, s.logEntry(plan, lims.LogError, status, callErr.Error(), map[string]any{
			"request": plan.request,
		})); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, audit.EntityAssignment, a.ID.String(), "dispatch_failed", map[string]any{
			"equipment_id": plan.equipment.ID.String(),
			"attempt":      updated.DispatchAttempts,
			"error":        callErr.Error(),
		})
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn().Err(callErr).
		Str("tenant", scope.Code()).
		Str("assignment_id", out.ID.String()).
		Int("attempt", out.DispatchAttempts).
		Msg("dispatch failed")
	s.bus.Emit(ctx, events.New(events.DispatchFailed, scope.TenantID(), scope.Code(), audit.EntityAssignment, out.ID.String(), map[string]any{
		"attempt": out.DispatchAttempts, "error": callErr.Error(),
	}))
	return out, apperr.Wrap(apperr.KindUnavailable, callErr, "dispatch to %s failed", plan.equipment.Name).
		With("assignment_id", out.ID).
		With("attempts", out.DispatchAttempts)
}

func (s *Service) logEntry(plan *dispatchPlan, dir lims.LogDirection, status int, msg string, payload map[string]any) *lims.InstrumentLog {
	return &lims.InstrumentLog{
		ID:           uuid.New(),
		EquipmentID:  &plan.equipment.ID,
		AssignmentID: &plan.assignment.ID,
		Direction:    dir,
		StatusCode:   status,
		Message:      msg,
		Payload:      payload,
		CreatedAt:    s.nowFn(),
	}
}

// -- Results --

// FetchResult asks the instrument for a queued assignment's result. It
// returns nil without error while the instrument is still working;
// completed results go through the reconciliation gateway.
func (s *Service) FetchResult(ctx context.Context, assignmentID uuid.UUID) (*reconcile.Outcome, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var plan *dispatchPlan
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, assignmentID)
		if err != nil {
			return err
		}
		if a.Status != lims.AssignmentQueued || a.ExternalJobID == "" || a.EquipmentID == nil {
			return apperr.InvalidState("assignment %s has no instrument job to fetch", a.ID)
		}
		e, err := tx.GetEquipment(ctx, *a.EquipmentID)
		if err != nil {
			return err
		}
		if !e.Connected() {
			return apperr.Validation("equipment %s has no API endpoint", e.Name)
		}
		sample, err := tx.GetSample(ctx, a.SampleID)
		if err != nil {
			return err
		}
		plan = &dispatchPlan{assignment: a, equipment: e, request: QueueRequest{
			SubOrderID: a.SubOrderID, Barcode: sample.Barcode, TestCode: a.TestCode,
		}}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res, callErr := s.clients(plan.equipment).FetchResult(ctx, plan.assignment.ExternalJobID)
	if callErr != nil {
		var status int
		var ce *CallError
		if errors.As(callErr, &ce) {
			status = ce.StatusCode
		}
		_ = s.store.InTx(ctx, scope, func(tx store.Tx) error {
			return tx.AppendInstrumentLog(ctx, s.logEntry(plan, lims.LogError, status, callErr.Error(), map[string]any{
				"job_id": plan.assignment.ExternalJobID,
			}))
		})
		return nil, apperr.Wrap(apperr.KindUnavailable, callErr, "fetch from %s failed", plan.equipment.Name)
	}
	if err := s.store.InTx(ctx, scope, func(tx store.Tx) error {
		return tx.AppendInstrumentLog(ctx, s.logEntry(plan, lims.LogReceive, 0, res.Status, map[string]any{"result": res}))
	}); err != nil {
		return nil, err
	}
	if !res.Completed() {
		return nil, nil
	}

	p := reconcile.Payload{
		Barcode:       firstNonEmpty(res.Barcode, plan.request.Barcode),
		TestCode:      firstNonEmpty(res.TestCode, plan.request.TestCode),
		SubOrderID:    firstNonEmpty(res.SubOrderID, plan.request.SubOrderID),
		Value:         res.Value,
		Unit:          res.Unit,
		QCStatus:      res.QCStatus,
		CompletedAt:   res.CompletedAt,
		ExternalJobID: res.JobID,
		EquipmentID:   &plan.equipment.ID,
	}
	return s.gateway.Reconcile(ctx, p)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// CheckStatus reports an analyser's status, served from the cache when a
// recent answer exists.
func (s *Service) CheckStatus(ctx context.Context, equipmentID uuid.UUID) (*Status, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	e, err := s.GetEquipment(ctx, equipmentID)
	if err != nil {
		return nil, err
	}
	if !e.Connected() {
		return &Status{Status: "offline", Message: "no API endpoint configured"}, nil
	}
	if s.cache != nil {
		if st, ok, err := s.cache.Get(ctx, scope.TenantID(), e.ID); err != nil {
			s.logger.Warn().Err(err).Str("equipment_id", e.ID.String()).Msg("status cache read failed")
		} else if ok {
			return st, nil
		}
	}
	st, err := s.clients(e).Status(ctx)
	if err != nil {
		return &Status{Status: "unreachable", Message: err.Error()}, nil
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, scope.TenantID(), e.ID, *st); err != nil {
			s.logger.Warn().Err(err).Str("equipment_id", e.ID.String()).Msg("status cache write failed")
		}
	}
	return st, nil
}

// Logs lists the instrument communication for one assignment.
func (s *Service) Logs(ctx context.Context, assignmentID uuid.UUID) ([]*lims.InstrumentLog, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out []*lims.InstrumentLog
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		if _, err := tx.GetAssignment(ctx, assignmentID); err != nil {
			return err
		}
		out, err = tx.ListInstrumentLogs(ctx, assignmentID)
		return err
	})
	return out, err
}
