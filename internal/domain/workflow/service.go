package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/audit"
	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
)

// ReleaseMode selects how verified work is released.
type ReleaseMode string

const (
	// ReleasePerRequest releases a request's assignments together, once all
	// of them are verified.
	ReleasePerRequest ReleaseMode = "per_request"
	// ReleasePerAssignment releases assignments one at a time, blocked only
	// by unverified siblings that are required for release.
	ReleasePerAssignment ReleaseMode = "per_assignment"
)

func ParseReleaseMode(s string) (ReleaseMode, error) {
	switch ReleaseMode(strings.ToLower(s)) {
	case ReleasePerRequest:
		return ReleasePerRequest, nil
	case ReleasePerAssignment:
		return ReleasePerAssignment, nil
	}
	return "", apperr.Configuration("unknown release mode %q", s)
}

type Policy struct {
	// MakerChecker forbids verifying a result one entered oneself.
	MakerChecker bool
	ReleaseMode  ReleaseMode
}

type Service struct {
	store   store.Store
	machine *Machine
	bus     *events.Bus
	policy  Policy
	nowFn   func() time.Time
}

func NewService(s store.Store, machine *Machine, bus *events.Bus, policy Policy) *Service {
	if policy.ReleaseMode == "" {
		policy.ReleaseMode = ReleasePerRequest
	}
	return &Service{
		store:   s,
		machine: machine,
		bus:     bus,
		policy:  policy,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Policy() Policy { return s.policy }

// AssignmentView is an assignment with its live result.
type AssignmentView struct {
	*lims.Assignment
	Result *lims.Result `json:"result,omitempty"`
}

func (s *Service) GetAssignment(ctx context.Context, id uuid.UUID) (*AssignmentView, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var v *AssignmentView
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, id)
		if err != nil {
			return err
		}
		v = &AssignmentView{Assignment: a}
		if r, err := tx.GetLiveResult(ctx, id); err == nil {
			v.Result = r
		}
		return nil
	})
	return v, err
}

// StartManual queues a pending assignment for bench work without an
// instrument.
func (s *Service) StartManual(ctx context.Context, id uuid.UUID) (*lims.Assignment, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out *lims.Assignment
	var reqChanged *lims.Request
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, id)
		if err != nil {
			return err
		}
		out, err = s.machine.Apply(ctx, tx, a, lims.EventStartManual, nil, func(u *lims.Assignment) {
			if u.SubOrderID == "" {
				u.SubOrderID = NewSubOrderID()
			}
		})
		if err != nil {
			return err
		}
		req, changed, err := s.machine.Recompute(ctx, tx, a.RequestID)
		if changed {
			reqChanged = req
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, scope, events.AssignmentQueued, out, nil)
	s.emitRequest(ctx, scope, reqChanged)
	return out, nil
}

// Verify signs off the live result of an analysed assignment.
func (s *Service) Verify(ctx context.Context, id uuid.UUID) (*lims.Assignment, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var out *lims.Assignment
	var reqChanged *lims.Request
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, id)
		if err != nil {
			return err
		}
		if !lims.CanTransition(a.Status, lims.EventVerify) {
			return s.machine.Refuse(a, lims.EventVerify)
		}
		result, err := tx.GetLiveResult(ctx, id)
		if err != nil {
			return apperr.InvalidState("assignment %s has no result to verify", id)
		}
		if s.policy.MakerChecker && result.EnteredBy == scope.Actor() {
			return apperr.Validation("%s entered this result and cannot also verify it", scope.Actor()).
				With("reason", "MakerChecker")
		}

		out, err = s.machine.Apply(ctx, tx, a, lims.EventVerify, map[string]any{"result": result.ID.String()}, nil)
		if err != nil {
			return err
		}
		now := s.nowFn()
		result.VerifiedBy = scope.Actor()
		result.VerifiedAt = &now
		if err := tx.UpdateResult(ctx, result); err != nil {
			return err
		}
		req, changed, err := s.machine.Recompute(ctx, tx, a.RequestID)
		if changed {
			reqChanged = req
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, scope, events.AssignmentVerified, out, nil)
	s.emitRequest(ctx, scope, reqChanged)
	return out, nil
}

// Reject sends an analysed or verified assignment back to pending for a
// retest. The live result is superseded, not deleted.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, reason string) (*lims.Assignment, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Validation("a rejection reason is required")
	}
	var out *lims.Assignment
	var reqChanged *lims.Request
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, id)
		if err != nil {
			return err
		}
		out, err = s.machine.Apply(ctx, tx, a, lims.EventReject, map[string]any{"reason": reason}, func(u *lims.Assignment) {
			u.SubOrderID = ""
			u.ExternalJobID = ""
			u.DispatchAttempts = 0
			u.LastDispatchError = ""
		})
		if err != nil {
			return err
		}
		if result, err := tx.GetLiveResult(ctx, id); err == nil {
			result.Superseded = true
			if err := tx.UpdateResult(ctx, result); err != nil {
				return err
			}
			if err := s.machine.audit.Record(ctx, tx, audit.EntityResult, result.ID.String(), "supersede", map[string]any{
				"reason": reason,
				"value":  result.Value,
			}); err != nil {
				return err
			}
		}
		req, changed, err := s.machine.Recompute(ctx, tx, a.RequestID)
		if changed {
			reqChanged = req
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, scope, events.AssignmentRejected, out, map[string]any{"reason": reason})
	s.emitRequest(ctx, scope, reqChanged)
	return out, nil
}

// ReleaseRequest releases every live assignment of a request at once. It
// fails, releasing nothing, unless all of them are verified.
func (s *Service) ReleaseRequest(ctx context.Context, requestID uuid.UUID) ([]*lims.Assignment, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var (
		released []*lims.Assignment
		flags    = map[uuid.UUID]lims.Flag{}
		req      *lims.Request
	)
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		r, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		assignments, err := tx.ListAssignments(ctx, store.AssignmentFilter{RequestID: &requestID})
		if err != nil {
			return err
		}
		var pending []string
		var todo []*lims.Assignment
		for _, a := range assignments {
			switch a.Status {
			case lims.AssignmentVerified:
				todo = append(todo, a)
			case lims.AssignmentReleased, lims.AssignmentRejected:
			default:
				pending = append(pending, fmt.Sprintf("%s:%s", a.TestCode, a.Status))
			}
		}
		if len(pending) > 0 {
			return apperr.InvalidState("request %s has unverified work", r.RequestID).With("unverified", pending)
		}
		if len(todo) == 0 {
			return apperr.InvalidState("request %s has nothing to release", r.RequestID)
		}
		for _, a := range todo {
			out, res, err := s.releaseOne(ctx, tx, a)
			if err != nil {
				return err
			}
			released = append(released, out)
			flags[out.ID] = res.Flag
		}
		req, _, err = s.machine.Recompute(ctx, tx, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, a := range released {
		s.emit(ctx, scope, events.ResultReleased, a, map[string]any{"flag": string(flags[a.ID])})
	}
	s.emitRequest(ctx, scope, req)
	return released, nil
}

// ReleaseAssignment releases one verified assignment. It is only available
// in per-assignment mode and is blocked while any sibling that is required
// for release is not yet verified.
func (s *Service) ReleaseAssignment(ctx context.Context, id uuid.UUID) (*lims.Assignment, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if s.policy.ReleaseMode != ReleasePerAssignment {
		return nil, apperr.InvalidState("assignments are released per request in this laboratory")
	}
	var (
		out        *lims.Assignment
		flag       lims.Flag
		reqChanged *lims.Request
	)
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		a, err := tx.GetAssignment(ctx, id)
		if err != nil {
			return err
		}
		if !lims.CanTransition(a.Status, lims.EventRelease) {
			return s.machine.Refuse(a, lims.EventRelease)
		}
		siblings, err := tx.ListAssignments(ctx, store.AssignmentFilter{RequestID: &a.RequestID})
		if err != nil {
			return err
		}
		var blocking []string
		for _, sib := range siblings {
			if sib.ID == a.ID {
				continue
			}
			switch sib.Status {
			case lims.AssignmentVerified, lims.AssignmentReleased, lims.AssignmentRejected:
				continue
			}
			o, err := tx.GetOffering(ctx, sib.OfferingID)
			if err != nil {
				return err
			}
			if o.RequiredForRelease {
				blocking = append(blocking, fmt.Sprintf("%s:%s", sib.TestCode, sib.Status))
			}
		}
		if len(blocking) > 0 {
			return apperr.InvalidState("required tests are not verified yet").With("blocking", blocking)
		}
		var res *lims.Result
		out, res, err = s.releaseOne(ctx, tx, a)
		if err != nil {
			return err
		}
		flag = res.Flag
		req, changed, err := s.machine.Recompute(ctx, tx, a.RequestID)
		if changed {
			reqChanged = req
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, scope, events.ResultReleased, out, map[string]any{"flag": string(flag)})
	s.emitRequest(ctx, scope, reqChanged)
	return out, nil
}

func (s *Service) releaseOne(ctx context.Context, tx store.Tx, a *lims.Assignment) (*lims.Assignment, *lims.Result, error) {
	result, err := tx.GetLiveResult(ctx, a.ID)
	if err != nil {
		return nil, nil, apperr.InvalidState("assignment %s has no result to release", a.ID)
	}
	if result.VerifiedAt == nil {
		return nil, nil, apperr.InvalidState("result of assignment %s is not verified", a.ID)
	}
	out, err := s.machine.Apply(ctx, tx, a, lims.EventRelease, map[string]any{"result": result.ID.String()}, nil)
	if err != nil {
		return nil, nil, err
	}
	result.Released = true
	if err := tx.UpdateResult(ctx, result); err != nil {
		return nil, nil, err
	}
	return out, result, nil
}

func (s *Service) emit(ctx context.Context, scope tenant.Scope, typ string, a *lims.Assignment, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	data["request_id"] = a.RequestID.String()
	data["test_code"] = a.TestCode
	s.bus.Emit(ctx, events.New(typ, scope.TenantID(), scope.Code(), audit.EntityAssignment, a.ID.String(), data))
}

func (s *Service) emitRequest(ctx context.Context, scope tenant.Scope, req *lims.Request) {
	if req == nil || req.Status != lims.RequestReleased {
		return
	}
	s.bus.Emit(ctx, events.New(events.RequestReleased, scope.TenantID(), scope.Code(), audit.EntityRequest, req.RequestID, nil))
}

// NewSubOrderID returns a fresh id instruments echo back with results.
func NewSubOrderID() string {
	return "SO-" + strings.ToUpper(uuid.NewString()[:8])
}
