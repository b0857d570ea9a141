package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
)

type txn struct {
	s     *Store
	scope tenant.Scope
	p     *partition
}

func (t *txn) Scope() tenant.Scope { return t.scope }

func (t *txn) tid() uuid.UUID { return t.scope.TenantID() }

func duplicate(format string, args ...any) error {
	return fmt.Errorf("%w: %s", store.ErrDuplicate, fmt.Sprintf(format, args...))
}

func paginate[T any](items []*T, limit, offset int) []*T {
	if offset >= len(items) {
		return []*T{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

// ---------------------------------------------------------------------------
// Patients
// ---------------------------------------------------------------------------

func (t *txn) CreatePatient(_ context.Context, p *lims.Patient) error {
	if err := t.s.faults.check("CreatePatient"); err != nil {
		return err
	}
	for _, existing := range t.p.patients {
		if p.NaturalKey != "" && existing.NaturalKey == p.NaturalKey {
			return duplicate("patient natural key %s", p.NaturalKey)
		}
		if existing.DisplayID == p.DisplayID {
			return duplicate("patient display id %s", p.DisplayID)
		}
	}
	p.TenantID = t.tid()
	cp := *p
	t.p.patients[p.ID] = &cp
	return nil
}

func (t *txn) GetPatient(_ context.Context, id uuid.UUID) (*lims.Patient, error) {
	p, ok := t.p.patients[id]
	if !ok {
		return nil, apperr.NotFound("patient", id)
	}
	cp := *p
	return &cp, nil
}

func (t *txn) FindPatientByNaturalKey(_ context.Context, key string) (*lims.Patient, error) {
	for _, p := range t.p.patients {
		if p.NaturalKey == key {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("patient", key)
}

func (t *txn) ListPatients(_ context.Context, limit, offset int) ([]*lims.Patient, int, error) {
	out := make([]*lims.Patient, 0, len(t.p.patients))
	for _, p := range t.p.patients {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayID < out[j].DisplayID })
	return paginate(out, limit, offset), len(out), nil
}

// ---------------------------------------------------------------------------
// Offerings
// ---------------------------------------------------------------------------

func (t *txn) SaveOffering(_ context.Context, o *lims.Offering) error {
	for id, existing := range t.p.offerings {
		if id != o.ID && existing.TestCode == o.TestCode {
			return duplicate("offering for test %s", o.TestCode)
		}
	}
	o.TenantID = t.tid()
	cp := *o
	t.p.offerings[o.ID] = &cp
	return nil
}

func (t *txn) GetOffering(_ context.Context, id uuid.UUID) (*lims.Offering, error) {
	o, ok := t.p.offerings[id]
	if !ok {
		return nil, apperr.NotFound("offering", id)
	}
	cp := *o
	return &cp, nil
}

func (t *txn) ListOfferings(_ context.Context) ([]*lims.Offering, error) {
	out := make([]*lims.Offering, 0, len(t.p.offerings))
	for _, o := range t.p.offerings {
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TestCode < out[j].TestCode })
	return out, nil
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

func (t *txn) CreateRequest(_ context.Context, r *lims.Request) error {
	if err := t.s.faults.check("CreateRequest"); err != nil {
		return err
	}
	for _, existing := range t.p.requests {
		if existing.RequestID == r.RequestID {
			return duplicate("request %s", r.RequestID)
		}
	}
	r.TenantID = t.tid()
	cp := *r
	cp.OfferingIDs = append([]uuid.UUID(nil), r.OfferingIDs...)
	t.p.requests[r.ID] = &cp
	return nil
}

func copyRequest(r *lims.Request) *lims.Request {
	cp := *r
	cp.OfferingIDs = append([]uuid.UUID(nil), r.OfferingIDs...)
	return &cp
}

func (t *txn) GetRequest(_ context.Context, id uuid.UUID) (*lims.Request, error) {
	r, ok := t.p.requests[id]
	if !ok {
		return nil, apperr.NotFound("request", id)
	}
	return copyRequest(r), nil
}

func (t *txn) GetRequestByNumber(_ context.Context, requestID string) (*lims.Request, error) {
	for _, r := range t.p.requests {
		if r.RequestID == requestID {
			return copyRequest(r), nil
		}
	}
	return nil, apperr.NotFound("request", requestID)
}

func (t *txn) UpdateRequestStatus(_ context.Context, id uuid.UUID, status lims.RequestStatus) error {
	r, ok := t.p.requests[id]
	if !ok {
		return apperr.NotFound("request", id)
	}
	cp := copyRequest(r)
	cp.Status = status
	cp.UpdatedAt = t.s.nowFn()
	t.p.requests[id] = cp
	return nil
}

func (t *txn) ListRequests(_ context.Context, f store.RequestFilter, limit, offset int) ([]*lims.Request, int, error) {
	var out []*lims.Request
	for _, r := range t.p.requests {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.PatientID != nil && r.PatientID != *f.PatientID {
			continue
		}
		out = append(out, copyRequest(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID > out[j].RequestID })
	return paginate(out, limit, offset), len(out), nil
}

// ---------------------------------------------------------------------------
// Samples
// ---------------------------------------------------------------------------

func (t *txn) CreateSample(_ context.Context, s *lims.Sample) error {
	if err := t.s.faults.check("CreateSample"); err != nil {
		return err
	}
	for _, existing := range t.p.samples {
		if existing.Barcode == s.Barcode {
			return duplicate("sample barcode %s", s.Barcode)
		}
	}
	s.TenantID = t.tid()
	cp := *s
	t.p.samples[s.ID] = &cp
	return nil
}

func (t *txn) GetSample(_ context.Context, id uuid.UUID) (*lims.Sample, error) {
	s, ok := t.p.samples[id]
	if !ok {
		return nil, apperr.NotFound("sample", id)
	}
	cp := *s
	return &cp, nil
}

func (t *txn) GetSampleByBarcode(_ context.Context, barcode string) (*lims.Sample, error) {
	for _, s := range t.p.samples {
		if s.Barcode == barcode {
			cp := *s
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("sample", barcode)
}

func (t *txn) ListSamples(_ context.Context, requestID uuid.UUID) ([]*lims.Sample, error) {
	var out []*lims.Sample
	for _, s := range t.p.samples {
		if s.RequestID == requestID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Barcode < out[j].Barcode })
	return out, nil
}

func (t *txn) UpdateSampleStatus(_ context.Context, id uuid.UUID, status lims.SampleStatus) error {
	s, ok := t.p.samples[id]
	if !ok {
		return apperr.NotFound("sample", id)
	}
	cp := *s
	cp.Status = status
	t.p.samples[id] = &cp
	return nil
}

// ---------------------------------------------------------------------------
// Assignments
// ---------------------------------------------------------------------------

func (t *txn) CreateAssignment(_ context.Context, a *lims.Assignment) error {
	if err := t.s.faults.check("CreateAssignment"); err != nil {
		return err
	}
	if _, ok := t.p.assignments[a.ID]; ok {
		return duplicate("assignment %s", a.ID)
	}
	a.TenantID = t.tid()
	cp := *a
	t.p.assignments[a.ID] = &cp
	return nil
}

func (t *txn) GetAssignment(_ context.Context, id uuid.UUID) (*lims.Assignment, error) {
	a, ok := t.p.assignments[id]
	if !ok {
		return nil, apperr.NotFound("assignment", id)
	}
	cp := *a
	return &cp, nil
}

func matchAssignment(a *lims.Assignment, f store.AssignmentFilter) bool {
	if f.RequestID != nil && a.RequestID != *f.RequestID {
		return false
	}
	if f.SampleID != nil && a.SampleID != *f.SampleID {
		return false
	}
	if f.EquipmentID != nil && (a.EquipmentID == nil || *a.EquipmentID != *f.EquipmentID) {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if a.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Department != "" && a.Department != f.Department {
		return false
	}
	if f.TestCode != "" && a.TestCode != f.TestCode {
		return false
	}
	if f.QueuedBefore != nil && (a.QueuedAt == nil || !a.QueuedAt.Before(*f.QueuedBefore)) {
		return false
	}
	if f.MinAttempts > 0 && a.DispatchAttempts < f.MinAttempts {
		return false
	}
	if f.MaxAttempts > 0 && a.DispatchAttempts > f.MaxAttempts {
		return false
	}
	return true
}

func (t *txn) ListAssignments(_ context.Context, f store.AssignmentFilter) ([]*lims.Assignment, error) {
	var out []*lims.Assignment
	for _, a := range t.p.assignments {
		if matchAssignment(a, f) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SubOrderID < out[j].SubOrderID
	})
	return out, nil
}

func (t *txn) UpdateAssignment(_ context.Context, a *lims.Assignment, expected lims.AssignmentStatus) (bool, error) {
	if err := t.s.faults.check("UpdateAssignment"); err != nil {
		return false, err
	}
	current, ok := t.p.assignments[a.ID]
	if !ok {
		return false, apperr.NotFound("assignment", a.ID)
	}
	if current.Status != expected {
		return false, nil
	}
	a.TenantID = t.tid()
	a.UpdatedAt = t.s.nowFn()
	cp := *a
	t.p.assignments[a.ID] = &cp
	return true, nil
}

// ---------------------------------------------------------------------------
// Results
// ---------------------------------------------------------------------------

func (t *txn) CreateResult(_ context.Context, r *lims.Result) error {
	if err := t.s.faults.check("CreateResult"); err != nil {
		return err
	}
	for _, existing := range t.p.results {
		if r.IdempotencyKey != "" && existing.IdempotencyKey == r.IdempotencyKey {
			return duplicate("result key %s", r.IdempotencyKey)
		}
		if existing.AssignmentID == r.AssignmentID && !existing.Superseded && !r.Superseded {
			return duplicate("live result for assignment %s", r.AssignmentID)
		}
	}
	r.TenantID = t.tid()
	cp := *r
	t.p.results[r.ID] = &cp
	return nil
}

func (t *txn) GetLiveResult(_ context.Context, assignmentID uuid.UUID) (*lims.Result, error) {
	for _, r := range t.p.results {
		if r.AssignmentID == assignmentID && !r.Superseded {
			cp := *r
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("result for assignment", assignmentID)
}

func (t *txn) FindResultByIdempotencyKey(_ context.Context, key string) (*lims.Result, error) {
	for _, r := range t.p.results {
		if r.IdempotencyKey == key {
			cp := *r
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("result", key)
}

func (t *txn) UpdateResult(_ context.Context, r *lims.Result) error {
	if _, ok := t.p.results[r.ID]; !ok {
		return apperr.NotFound("result", r.ID)
	}
	r.TenantID = t.tid()
	cp := *r
	t.p.results[r.ID] = &cp
	return nil
}

func (t *txn) ListResults(_ context.Context, assignmentID uuid.UUID) ([]*lims.Result, error) {
	var out []*lims.Result
	for _, r := range t.p.results {
		if r.AssignmentID == assignmentID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Equipment
// ---------------------------------------------------------------------------

func (t *txn) SaveEquipment(_ context.Context, e *lims.Equipment) error {
	e.TenantID = t.tid()
	cp := *e
	t.p.equipment[e.ID] = &cp
	return nil
}

func (t *txn) GetEquipment(_ context.Context, id uuid.UUID) (*lims.Equipment, error) {
	e, ok := t.p.equipment[id]
	if !ok {
		return nil, apperr.NotFound("equipment", id)
	}
	cp := *e
	return &cp, nil
}

func (t *txn) ListEquipment(_ context.Context, f store.EquipmentFilter) ([]*lims.Equipment, error) {
	var out []*lims.Equipment
	for _, e := range t.p.equipment {
		if f.Department != "" && e.Department != f.Department {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.AutoFetch && !e.SupportsAutoFetch {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ---------------------------------------------------------------------------
// Held results
// ---------------------------------------------------------------------------

func copyHeld(h *lims.HeldResult) *lims.HeldResult {
	cp := *h
	cp.Candidates = append([]uuid.UUID(nil), h.Candidates...)
	return &cp
}

func (t *txn) CreateHeldResult(_ context.Context, h *lims.HeldResult) error {
	h.TenantID = t.tid()
	t.p.held[h.ID] = copyHeld(h)
	return nil
}

func (t *txn) GetHeldResult(_ context.Context, id uuid.UUID) (*lims.HeldResult, error) {
	h, ok := t.p.held[id]
	if !ok {
		return nil, apperr.NotFound("held result", id)
	}
	return copyHeld(h), nil
}

func (t *txn) ListHeldResults(_ context.Context, unresolvedOnly bool) ([]*lims.HeldResult, error) {
	var out []*lims.HeldResult
	for _, h := range t.p.held {
		if unresolvedOnly && h.ResolvedAt != nil {
			continue
		}
		out = append(out, copyHeld(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (t *txn) UpdateHeldResult(_ context.Context, h *lims.HeldResult) error {
	if _, ok := t.p.held[h.ID]; !ok {
		return apperr.NotFound("held result", h.ID)
	}
	h.TenantID = t.tid()
	t.p.held[h.ID] = copyHeld(h)
	return nil
}

// ---------------------------------------------------------------------------
// Instrument logs and audit
// ---------------------------------------------------------------------------

func (t *txn) AppendInstrumentLog(_ context.Context, l *lims.InstrumentLog) error {
	l.TenantID = t.tid()
	cp := *l
	t.p.logs = append(t.p.logs, &cp)
	return nil
}

func (t *txn) ListInstrumentLogs(_ context.Context, assignmentID uuid.UUID) ([]*lims.InstrumentLog, error) {
	var out []*lims.InstrumentLog
	for _, l := range t.p.logs {
		if l.AssignmentID != nil && *l.AssignmentID == assignmentID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (t *txn) AppendAudit(_ context.Context, e *lims.AuditEvent) error {
	if err := t.s.faults.check("AppendAudit"); err != nil {
		return err
	}
	e.TenantID = t.tid()
	cp := *e
	t.p.audit = append(t.p.audit, &cp)
	return nil
}

func (t *txn) ListAudit(_ context.Context, f store.AuditFilter, limit, offset int) ([]*lims.AuditEvent, int, error) {
	var out []*lims.AuditEvent
	for i := len(t.p.audit) - 1; i >= 0; i-- {
		e := t.p.audit[i]
		if f.EntityType != "" && e.EntityType != f.EntityType {
			continue
		}
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.Actor != "" && e.Actor != f.Actor {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	return paginate(out, limit, offset), len(out), nil
}
