// Package orders creates test requests, registers patients and accessions
// collected specimens into per-test assignments.
package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/audit"
	"github.com/lims/lims/internal/domain/catalog"
	"github.com/lims/lims/internal/domain/sequence"
	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/events"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
)

type Service struct {
	store    store.Store
	seq      *sequence.Generator
	offering *catalog.Service
	audit    *audit.Recorder
	bus      *events.Bus
	nowFn    func() time.Time
}

func NewService(s store.Store, seq *sequence.Generator, offering *catalog.Service, rec *audit.Recorder, bus *events.Bus) *Service {
	return &Service{
		store:    s,
		seq:      seq,
		offering: offering,
		audit:    rec,
		bus:      bus,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// ---------------------------------------------------------------------------
// Patients
// ---------------------------------------------------------------------------

// RegisterPatient returns the patient with the input's natural key,
// registering it first if absent.
func (s *Service) RegisterPatient(ctx context.Context, in PatientInput) (*lims.Patient, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var p *lims.Patient
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		p, err = s.findOrRegister(ctx, tx, in)
		return err
	})
	if errors.Is(err, store.ErrDuplicate) {
		// A concurrent call registered the same key first.
		err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
			p, err = tx.FindPatientByNaturalKey(ctx, in.key())
			return err
		})
	}
	return p, err
}

func (s *Service) findOrRegister(ctx context.Context, tx store.Tx, in PatientInput) (*lims.Patient, error) {
	if strings.TrimSpace(in.GivenName) == "" && strings.TrimSpace(in.FamilyName) == "" && strings.TrimSpace(in.NaturalKey) == "" {
		return nil, apperr.Validation("patient name or natural key is required")
	}
	key := in.key()
	existing, err := tx.FindPatientByNaturalKey(ctx, key)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	displayID, err := s.seq.PatientID(ctx, tx.Scope())
	if err != nil {
		return nil, err
	}
	p := &lims.Patient{
		ID:         uuid.New(),
		DisplayID:  displayID,
		GivenName:  strings.TrimSpace(in.GivenName),
		FamilyName: strings.TrimSpace(in.FamilyName),
		BirthDate:  in.BirthDate,
		Sex:        strings.ToLower(strings.TrimSpace(in.Sex)),
		Phone:      strings.TrimSpace(in.Phone),
		NaturalKey: key,
		CreatedAt:  s.nowFn(),
	}
	if err := tx.CreatePatient(ctx, p); err != nil {
		return nil, err
	}
	if err := s.audit.Record(ctx, tx, audit.EntityPatient, p.DisplayID, "register", nil); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*lims.Patient, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var p *lims.Patient
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		p, err = tx.GetPatient(ctx, id)
		return err
	})
	return p, err
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*lims.Patient, int, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, 0, err
	}
	var (
		items []*lims.Patient
		total int
	)
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		items, total, err = tx.ListPatients(ctx, limit, offset)
		return err
	})
	return items, total, err
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// CreateRequest orders tests. The ordering clinician is the scope's actor.
func (s *Service) CreateRequest(ctx context.Context, in CreateRequestInput) (*lims.Request, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	switch in.Priority {
	case "":
		in.Priority = lims.PriorityRoutine
	case lims.PriorityRoutine, lims.PriorityUrgent:
	default:
		return nil, apperr.Validation("unknown priority %q", in.Priority)
	}
	if in.PatientID == nil && in.Patient == nil {
		return nil, apperr.Validation("patient_id or patient is required")
	}

	var req *lims.Request
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		var patient *lims.Patient
		if in.PatientID != nil {
			patient, err = tx.GetPatient(ctx, *in.PatientID)
		} else {
			patient, err = s.findOrRegister(ctx, tx, *in.Patient)
		}
		if err != nil {
			return err
		}
		if _, err := s.offering.Resolve(ctx, tx, in.OfferingIDs); err != nil {
			return err
		}

		number, err := s.seq.RequestID(ctx, scope)
		if err != nil {
			return err
		}
		now := s.nowFn()
		req = &lims.Request{
			ID:            uuid.New(),
			PatientID:     patient.ID,
			RequestID:     number,
			OrderedBy:     scope.Actor(),
			OfferingIDs:   in.OfferingIDs,
			Priority:      in.Priority,
			Status:        lims.RequestPending,
			ClinicalNotes: in.ClinicalNotes,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.CreateRequest(ctx, req); err != nil {
			return err
		}
		return s.audit.Record(ctx, tx, audit.EntityRequest, req.RequestID, "create", map[string]any{
			"patient":   patient.DisplayID,
			"offerings": len(in.OfferingIDs),
			"priority":  string(in.Priority),
		})
	})
	if err != nil {
		return nil, err
	}
	s.bus.Emit(ctx, events.New(events.RequestCreated, scope.TenantID(), scope.Code(), audit.EntityRequest, req.RequestID, nil))
	return req, nil
}

// Accession registers the collected specimens of a pending request and
// expands it into one pending assignment per ordered test and matching
// specimen. Either every sample and assignment is created or none is.
func (s *Service) Accession(ctx context.Context, requestID uuid.UUID, specimens []SpecimenInput) (*Accessioned, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if len(specimens) == 0 {
		return nil, apperr.Validation("at least one specimen is required")
	}
	seen := make(map[string]bool, len(specimens))
	for i := range specimens {
		specimens[i].Type = strings.ToLower(strings.TrimSpace(specimens[i].Type))
		if specimens[i].Type == "" {
			return nil, apperr.Validation("specimen type is required")
		}
		if seen[specimens[i].Type] {
			return nil, apperr.Validation("specimen %s listed twice", specimens[i].Type)
		}
		seen[specimens[i].Type] = true
	}

	out := &Accessioned{}
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		req, err := tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status != lims.RequestPending {
			return apperr.InvalidState("request %s is %s, only pending requests can be accessioned", req.RequestID, req.Status).
				With("status", req.Status)
		}
		resolved, err := s.offering.Resolve(ctx, tx, req.OfferingIDs)
		if err != nil {
			return err
		}

		now := s.nowFn()
		bySpecimen := make(map[string]*lims.Sample, len(specimens))
		for _, sp := range specimens {
			barcode, err := s.seq.Barcode(ctx, scope)
			if err != nil {
				return err
			}
			collected := now
			if sp.CollectedAt != nil {
				collected = sp.CollectedAt.UTC()
			}
			sample := &lims.Sample{
				ID:           uuid.New(),
				RequestID:    req.ID,
				SpecimenType: sp.Type,
				Barcode:      barcode,
				Status:       lims.SampleAccessioned,
				CollectedAt:  collected,
				CreatedAt:    now,
			}
			if err := tx.CreateSample(ctx, sample); err != nil {
				return err
			}
			if err := s.audit.Record(ctx, tx, audit.EntitySample, sample.Barcode, "accession", map[string]any{
				"request":  req.RequestID,
				"specimen": sample.SpecimenType,
			}); err != nil {
				return err
			}
			bySpecimen[sp.Type] = sample
			out.Samples = append(out.Samples, sample)
		}

		used := make(map[string]bool, len(bySpecimen))
		for i, r := range resolved {
			specimen := strings.ToLower(r.Entry.SpecimenType)
			sample, ok := bySpecimen[specimen]
			if !ok {
				return apperr.Validation("test %s needs a %s specimen", r.Entry.Code, specimen).
					With("test_code", r.Entry.Code)
			}
			used[specimen] = true
			a := &lims.Assignment{
				ID:         uuid.New(),
				RequestID:  req.ID,
				SampleID:   sample.ID,
				OfferingID: r.Offering.ID,
				TestCode:   r.Entry.Code,
				Department: r.Department(),
				Status:     lims.AssignmentPending,
				CreatedAt:  now.Add(time.Duration(i)),
				UpdatedAt:  now,
			}
			if err := tx.CreateAssignment(ctx, a); err != nil {
				return err
			}
			out.Assignments = append(out.Assignments, a)
		}
		for specimen := range bySpecimen {
			if !used[specimen] {
				return apperr.Validation("no ordered test uses a %s specimen", specimen)
			}
		}

		if err := tx.UpdateRequestStatus(ctx, req.ID, lims.RequestCollected); err != nil {
			return err
		}
		req.Status = lims.RequestCollected
		out.Request = req
		return s.audit.Record(ctx, tx, audit.EntityRequest, req.RequestID, "accession", map[string]any{
			"samples":     len(out.Samples),
			"assignments": len(out.Assignments),
		})
	})
	if err != nil {
		return nil, err
	}
	s.bus.Emit(ctx, events.New(events.RequestAccessioned, scope.TenantID(), scope.Code(), audit.EntityRequest, out.Request.RequestID,
		map[string]any{"assignments": len(out.Assignments)}))
	return out, nil
}

// Cancel cancels a request whose work has not produced any result yet.
// Outstanding assignments are rejected.
func (s *Service) Cancel(ctx context.Context, requestID uuid.UUID, reason string) (*lims.Request, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Validation("a cancellation reason is required")
	}
	var req *lims.Request
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		req, err = tx.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status == lims.RequestCancelled {
			return apperr.InvalidState("request %s is already cancelled", req.RequestID)
		}
		assignments, err := tx.ListAssignments(ctx, store.AssignmentFilter{RequestID: &req.ID})
		if err != nil {
			return err
		}
		for _, a := range assignments {
			if a.Status == lims.AssignmentRejected {
				continue
			}
			if !lims.CanTransition(a.Status, lims.EventCancel) {
				return apperr.InvalidState("request %s has %s work and can no longer be cancelled", req.RequestID, a.Status)
			}
		}
		for _, a := range assignments {
			if a.Status == lims.AssignmentRejected {
				continue
			}
			if err := s.cancelAssignment(ctx, tx, a, reason); err != nil {
				return err
			}
		}
		if err := tx.UpdateRequestStatus(ctx, req.ID, lims.RequestCancelled); err != nil {
			return err
		}
		req.Status = lims.RequestCancelled
		return s.audit.Record(ctx, tx, audit.EntityRequest, req.RequestID, "cancel", map[string]any{"reason": reason})
	})
	if err != nil {
		return nil, err
	}
	s.bus.Emit(ctx, events.New(events.RequestCancelled, scope.TenantID(), scope.Code(), audit.EntityRequest, req.RequestID, nil))
	return req, nil
}

// RejectSample marks a specimen unusable, for example haemolysed or
// mislabelled. Its outstanding assignments are cancelled and the request
// status follows; work that already produced a result must be rejected
// through the workflow first.
func (s *Service) RejectSample(ctx context.Context, sampleID uuid.UUID, reason string) (*lims.Sample, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.Validation("a rejection reason is required")
	}
	var (
		sample *lims.Sample
		req    *lims.Request
	)
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		sample, err = tx.GetSample(ctx, sampleID)
		if err != nil {
			return err
		}
		if sample.Status == lims.SampleRejected {
			return apperr.InvalidState("sample %s is already rejected", sample.Barcode)
		}
		assignments, err := tx.ListAssignments(ctx, store.AssignmentFilter{SampleID: &sample.ID})
		if err != nil {
			return err
		}
		for _, a := range assignments {
			if a.Status != lims.AssignmentRejected && !lims.CanTransition(a.Status, lims.EventCancel) {
				return apperr.InvalidState("sample %s has %s %s work; reject its result first", sample.Barcode, a.Status, a.TestCode).
					With("assignment_id", a.ID.String())
			}
		}
		cancelled := 0
		for _, a := range assignments {
			if a.Status == lims.AssignmentRejected {
				continue
			}
			if err := s.cancelAssignment(ctx, tx, a, reason); err != nil {
				return err
			}
			cancelled++
		}
		if err := tx.UpdateSampleStatus(ctx, sample.ID, lims.SampleRejected); err != nil {
			return err
		}
		sample.Status = lims.SampleRejected
		if err := s.audit.Record(ctx, tx, audit.EntitySample, sample.Barcode, "reject", map[string]any{
			"reason":      reason,
			"assignments": cancelled,
		}); err != nil {
			return err
		}
		req, err = s.recompute(ctx, tx, sample.RequestID)
		return err
	})
	if err != nil {
		return nil, err
	}
	evs := []events.Event{events.New(events.SampleRejected, scope.TenantID(), scope.Code(), audit.EntitySample, sample.Barcode, map[string]any{
		"request_id": sample.RequestID.String(),
		"reason":     reason,
	})}
	if req != nil && req.Status == lims.RequestCancelled {
		evs = append(evs, events.New(events.RequestCancelled, scope.TenantID(), scope.Code(), audit.EntityRequest, req.RequestID, nil))
	}
	s.bus.Emit(ctx, evs...)
	return sample, nil
}

// cancelAssignment moves an outstanding assignment to rejected.
func (s *Service) cancelAssignment(ctx context.Context, tx store.Tx, a *lims.Assignment, reason string) error {
	from := a.Status
	next, err := lims.Transition(a, lims.EventCancel)
	if err != nil {
		return err
	}
	updated := *a
	updated.Status = next
	updated.UpdatedAt = s.nowFn()
	ok, err := tx.UpdateAssignment(ctx, &updated, from)
	if err != nil {
		return err
	}
	if !ok {
		return &apperr.TransitionError{Entity: "assignment", ID: a.ID.String(), Current: string(from), Event: string(lims.EventCancel), Raced: true}
	}
	return s.audit.Record(ctx, tx, audit.EntityAssignment, a.ID.String(), string(lims.EventCancel), map[string]any{
		"from": string(from), "to": string(next), "reason": reason,
	})
}

// recompute stores the request status derived from its assignments and
// returns the request when the status changed.
func (s *Service) recompute(ctx context.Context, tx store.Tx, requestID uuid.UUID) (*lims.Request, error) {
	req, err := tx.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	assignments, err := tx.ListAssignments(ctx, store.AssignmentFilter{RequestID: &requestID})
	if err != nil {
		return nil, err
	}
	status := lims.DeriveRequestStatus(req.Status, assignments)
	if status == req.Status {
		return nil, nil
	}
	from := req.Status
	if err := tx.UpdateRequestStatus(ctx, requestID, status); err != nil {
		return nil, err
	}
	req.Status = status
	return req, s.audit.Record(ctx, tx, audit.EntityRequest, req.RequestID, "status", map[string]any{
		"from": string(from), "to": string(status),
	})
}

func (s *Service) GetRequest(ctx context.Context, id uuid.UUID) (*RequestDetail, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var d *RequestDetail
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		req, err := tx.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		d, err = loadDetail(ctx, tx, req)
		return err
	})
	return d, err
}

func (s *Service) GetRequestByNumber(ctx context.Context, number string) (*RequestDetail, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	var d *RequestDetail
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		req, err := tx.GetRequestByNumber(ctx, number)
		if err != nil {
			return err
		}
		d, err = loadDetail(ctx, tx, req)
		return err
	})
	return d, err
}

func loadDetail(ctx context.Context, tx store.Tx, req *lims.Request) (*RequestDetail, error) {
	patient, err := tx.GetPatient(ctx, req.PatientID)
	if err != nil {
		return nil, err
	}
	samples, err := tx.ListSamples(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	assignments, err := tx.ListAssignments(ctx, store.AssignmentFilter{RequestID: &req.ID})
	if err != nil {
		return nil, err
	}
	return &RequestDetail{Request: req, Patient: patient, Samples: samples, Assignments: assignments}, nil
}

func (s *Service) ListRequests(ctx context.Context, f store.RequestFilter, limit, offset int) ([]*lims.Request, int, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, 0, err
	}
	var (
		items []*lims.Request
		total int
	)
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		items, total, err = tx.ListRequests(ctx, f, limit, offset)
		return err
	})
	return items, total, err
}
