package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
)

type txn struct {
	tx    pgx.Tx
	scope tenant.Scope
	nowFn func() time.Time
}

func (t *txn) Scope() tenant.Scope { return t.scope }

func (t *txn) tid() uuid.UUID { return t.scope.TenantID() }

func collect[T any](rows pgx.Rows, err error, scan func(pgx.Row) (*T, error)) ([]*T, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// where accumulates AND-ed predicates and their positional arguments.
type where struct {
	clauses []string
	args    []any
}

func newWhere(tenantID uuid.UUID) *where {
	return &where{clauses: []string{"tenant_id = $1"}, args: []any{tenantID}}
}

func (w *where) add(clause string, arg any) {
	w.args = append(w.args, arg)
	w.clauses = append(w.clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(w.args))))
}

func (w *where) String() string { return " WHERE " + strings.Join(w.clauses, " AND ") }

func page(limit, offset int) string {
	var b strings.Builder
	if limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", limit)
	}
	if offset > 0 {
		fmt.Fprintf(&b, " OFFSET %d", offset)
	}
	return b.String()
}

func (t *txn) count(ctx context.Context, table string, w *where) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM `+table+w.String(), w.args...).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// Patients
// ---------------------------------------------------------------------------

const patientCols = `id, tenant_id, display_id, given_name, family_name, birth_date, sex, phone, natural_key, created_at`

func scanPatient(row pgx.Row) (*lims.Patient, error) {
	var p lims.Patient
	err := row.Scan(&p.ID, &p.TenantID, &p.DisplayID, &p.GivenName, &p.FamilyName,
		&p.BirthDate, &p.Sex, &p.Phone, &p.NaturalKey, &p.CreatedAt)
	return &p, err
}

func (t *txn) CreatePatient(ctx context.Context, p *lims.Patient) error {
	p.TenantID = t.tid()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO patients (`+patientCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		p.ID, p.TenantID, p.DisplayID, p.GivenName, p.FamilyName,
		p.BirthDate, p.Sex, p.Phone, p.NaturalKey, p.CreatedAt)
	return mapErr(err, "patient", p.DisplayID)
}

func (t *txn) GetPatient(ctx context.Context, id uuid.UUID) (*lims.Patient, error) {
	p, err := scanPatient(t.tx.QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE tenant_id = $1 AND id = $2`, t.tid(), id))
	if err != nil {
		return nil, mapErr(err, "patient", id)
	}
	return p, nil
}

func (t *txn) FindPatientByNaturalKey(ctx context.Context, key string) (*lims.Patient, error) {
	p, err := scanPatient(t.tx.QueryRow(ctx,
		`SELECT `+patientCols+` FROM patients WHERE tenant_id = $1 AND natural_key = $2 AND natural_key <> ''`,
		t.tid(), key))
	if err != nil {
		return nil, mapErr(err, "patient", key)
	}
	return p, nil
}

func (t *txn) ListPatients(ctx context.Context, limit, offset int) ([]*lims.Patient, int, error) {
	w := newWhere(t.tid())
	total, err := t.count(ctx, "patients", w)
	if err != nil {
		return nil, 0, fmt.Errorf("count patients: %w", err)
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+patientCols+` FROM patients`+w.String()+` ORDER BY display_id`+page(limit, offset), w.args...)
	out, err := collect(rows, err, scanPatient)
	if err != nil {
		return nil, 0, fmt.Errorf("list patients: %w", err)
	}
	return out, total, nil
}

// ---------------------------------------------------------------------------
// Offerings
// ---------------------------------------------------------------------------

const offeringCols = `id, tenant_id, test_code, enabled, price_cents, turnaround_hours, department,
	required_for_release, reference_low, reference_high`

func scanOffering(row pgx.Row) (*lims.Offering, error) {
	var o lims.Offering
	err := row.Scan(&o.ID, &o.TenantID, &o.TestCode, &o.Enabled, &o.PriceCents, &o.TurnaroundHours,
		&o.Department, &o.RequiredForRelease, &o.ReferenceLow, &o.ReferenceHigh)
	return &o, err
}

func (t *txn) SaveOffering(ctx context.Context, o *lims.Offering) error {
	o.TenantID = t.tid()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO offerings (`+offeringCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			test_code = EXCLUDED.test_code, enabled = EXCLUDED.enabled,
			price_cents = EXCLUDED.price_cents, turnaround_hours = EXCLUDED.turnaround_hours,
			department = EXCLUDED.department, required_for_release = EXCLUDED.required_for_release,
			reference_low = EXCLUDED.reference_low, reference_high = EXCLUDED.reference_high
		WHERE offerings.tenant_id = EXCLUDED.tenant_id`,
		o.ID, o.TenantID, o.TestCode, o.Enabled, o.PriceCents, o.TurnaroundHours,
		o.Department, o.RequiredForRelease, o.ReferenceLow, o.ReferenceHigh)
	return mapErr(err, "offering for test", o.TestCode)
}

func (t *txn) GetOffering(ctx context.Context, id uuid.UUID) (*lims.Offering, error) {
	o, err := scanOffering(t.tx.QueryRow(ctx,
		`SELECT `+offeringCols+` FROM offerings WHERE tenant_id = $1 AND id = $2`, t.tid(), id))
	if err != nil {
		return nil, mapErr(err, "offering", id)
	}
	return o, nil
}

func (t *txn) ListOfferings(ctx context.Context) ([]*lims.Offering, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+offeringCols+` FROM offerings WHERE tenant_id = $1 ORDER BY test_code`, t.tid())
	out, err := collect(rows, err, scanOffering)
	if err != nil {
		return nil, fmt.Errorf("list offerings: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

const requestCols = `id, tenant_id, patient_id, request_id, ordered_by, offering_ids, priority, status,
	clinical_notes, created_at, updated_at`

func scanRequest(row pgx.Row) (*lims.Request, error) {
	var r lims.Request
	err := row.Scan(&r.ID, &r.TenantID, &r.PatientID, &r.RequestID, &r.OrderedBy, &r.OfferingIDs,
		&r.Priority, &r.Status, &r.ClinicalNotes, &r.CreatedAt, &r.UpdatedAt)
	return &r, err
}

func (t *txn) CreateRequest(ctx context.Context, r *lims.Request) error {
	r.TenantID = t.tid()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO requests (`+requestCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		r.ID, r.TenantID, r.PatientID, r.RequestID, r.OrderedBy, r.OfferingIDs,
		r.Priority, r.Status, r.ClinicalNotes, r.CreatedAt, r.UpdatedAt)
	return mapErr(err, "request", r.RequestID)
}

func (t *txn) GetRequest(ctx context.Context, id uuid.UUID) (*lims.Request, error) {
	r, err := scanRequest(t.tx.QueryRow(ctx,
		`SELECT `+requestCols+` FROM requests WHERE tenant_id = $1 AND id = $2`, t.tid(), id))
	if err != nil {
		return nil, mapErr(err, "request", id)
	}
	return r, nil
}

func (t *txn) GetRequestByNumber(ctx context.Context, requestID string) (*lims.Request, error) {
	r, err := scanRequest(t.tx.QueryRow(ctx,
		`SELECT `+requestCols+` FROM requests WHERE tenant_id = $1 AND request_id = $2`, t.tid(), requestID))
	if err != nil {
		return nil, mapErr(err, "request", requestID)
	}
	return r, nil
}

func (t *txn) UpdateRequestStatus(ctx context.Context, id uuid.UUID, status lims.RequestStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE requests SET status = $3, updated_at = $4 WHERE tenant_id = $1 AND id = $2`,
		t.tid(), id, status, t.nowFn())
	if err != nil {
		return mapErr(err, "request", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("request", id)
	}
	return nil
}

func (t *txn) ListRequests(ctx context.Context, f store.RequestFilter, limit, offset int) ([]*lims.Request, int, error) {
	w := newWhere(t.tid())
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.PatientID != nil {
		w.add("patient_id = ?", *f.PatientID)
	}
	total, err := t.count(ctx, "requests", w)
	if err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+requestCols+` FROM requests`+w.String()+` ORDER BY request_id DESC`+page(limit, offset), w.args...)
	out, err := collect(rows, err, scanRequest)
	if err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	return out, total, nil
}

// ---------------------------------------------------------------------------
// Samples
// ---------------------------------------------------------------------------

const sampleCols = `id, tenant_id, request_id, specimen_type, barcode, status, collected_at, created_at`

func scanSample(row pgx.Row) (*lims.Sample, error) {
	var s lims.Sample
	err := row.Scan(&s.ID, &s.TenantID, &s.RequestID, &s.SpecimenType, &s.Barcode, &s.Status,
		&s.CollectedAt, &s.CreatedAt)
	return &s, err
}

func (t *txn) CreateSample(ctx context.Context, s *lims.Sample) error {
	s.TenantID = t.tid()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO samples (`+sampleCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.ID, s.TenantID, s.RequestID, s.SpecimenType, s.Barcode, s.Status, s.CollectedAt, s.CreatedAt)
	return mapErr(err, "sample barcode", s.Barcode)
}

func (t *txn) GetSample(ctx context.Context, id uuid.UUID) (*lims.Sample, error) {
	s, err := scanSample(t.tx.QueryRow(ctx,
		`SELECT `+sampleCols+` FROM samples WHERE tenant_id = $1 AND id = $2`, t.tid(), id))
	if err != nil {
		return nil, mapErr(err, "sample", id)
	}
	return s, nil
}

func (t *txn) GetSampleByBarcode(ctx context.Context, barcode string) (*lims.Sample, error) {
	s, err := scanSample(t.tx.QueryRow(ctx,
		`SELECT `+sampleCols+` FROM samples WHERE tenant_id = $1 AND barcode = $2`, t.tid(), barcode))
	if err != nil {
		return nil, mapErr(err, "sample", barcode)
	}
	return s, nil
}

func (t *txn) ListSamples(ctx context.Context, requestID uuid.UUID) ([]*lims.Sample, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+sampleCols+` FROM samples WHERE tenant_id = $1 AND request_id = $2 ORDER BY barcode`,
		t.tid(), requestID)
	out, err := collect(rows, err, scanSample)
	if err != nil {
		return nil, fmt.Errorf("list samples: %w", err)
	}
	return out, nil
}

func (t *txn) UpdateSampleStatus(ctx context.Context, id uuid.UUID, status lims.SampleStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE samples SET status = $3 WHERE tenant_id = $1 AND id = $2`,
		t.tid(), id, status)
	if err != nil {
		return mapErr(err, "sample", id)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("sample", id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Assignments
// ---------------------------------------------------------------------------

const assignmentCols = `id, tenant_id, request_id, sample_id, offering_id, test_code, department,
	equipment_id, status, sub_order_id, external_job_id, dispatch_attempts, last_dispatch_error,
	queued_at, completed_at, verified_at, released_at, created_at, updated_at`

func scanAssignment(row pgx.Row) (*lims.Assignment, error) {
	var a lims.Assignment
	err := row.Scan(&a.ID, &a.TenantID, &a.RequestID, &a.SampleID, &a.OfferingID, &a.TestCode,
		&a.Department, &a.EquipmentID, &a.Status, &a.SubOrderID, &a.ExternalJobID,
		&a.DispatchAttempts, &a.LastDispatchError, &a.QueuedAt, &a.CompletedAt,
		&a.VerifiedAt, &a.ReleasedAt, &a.CreatedAt, &a.UpdatedAt)
	return &a, err
}

func (t *txn) CreateAssignment(ctx context.Context, a *lims.Assignment) error {
	a.TenantID = t.tid()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO assignments (`+assignmentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		a.ID, a.TenantID, a.RequestID, a.SampleID, a.OfferingID, a.TestCode,
		a.Department, a.EquipmentID, a.Status, a.SubOrderID, a.ExternalJobID,
		a.DispatchAttempts, a.LastDispatchError, a.QueuedAt, a.CompletedAt,
		a.VerifiedAt, a.ReleasedAt, a.CreatedAt, a.UpdatedAt)
	return mapErr(err, "assignment", a.ID)
}

func (t *txn) GetAssignment(ctx context.Context, id uuid.UUID) (*lims.Assignment, error) {
	a, err := scanAssignment(t.tx.QueryRow(ctx,
		`SELECT `+assignmentCols+` FROM assignments WHERE tenant_id = $1 AND id = $2`, t.tid(), id))
	if err != nil {
		return nil, mapErr(err, "assignment", id)
	}
	return a, nil
}

func (t *txn) ListAssignments(ctx context.Context, f store.AssignmentFilter) ([]*lims.Assignment, error) {
	w := newWhere(t.tid())
	if f.RequestID != nil {
		w.add("request_id = ?", *f.RequestID)
	}
	if f.SampleID != nil {
		w.add("sample_id = ?", *f.SampleID)
	}
	if f.EquipmentID != nil {
		w.add("equipment_id = ?", *f.EquipmentID)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		w.add("status = ANY(?)", statuses)
	}
	if f.Department != "" {
		w.add("department = ?", f.Department)
	}
	if f.TestCode != "" {
		w.add("test_code = ?", f.TestCode)
	}
	if f.QueuedBefore != nil {
		w.add("queued_at < ?", *f.QueuedBefore)
	}
	if f.MinAttempts > 0 {
		w.add("dispatch_attempts >= ?", f.MinAttempts)
	}
	if f.MaxAttempts > 0 {
		w.add("dispatch_attempts <= ?", f.MaxAttempts)
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+assignmentCols+` FROM assignments`+w.String()+` ORDER BY created_at, sub_order_id`, w.args...)
	out, err := collect(rows, err, scanAssignment)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return out, nil
}

func (t *txn) UpdateAssignment(ctx context.Context, a *lims.Assignment, expected lims.AssignmentStatus) (bool, error) {
	a.TenantID = t.tid()
	a.UpdatedAt = t.nowFn()
	tag, err := t.tx.Exec(ctx, `
		UPDATE assignments SET
			equipment_id = $4, status = $5, sub_order_id = $6, external_job_id = $7,
			dispatch_attempts = $8, last_dispatch_error = $9, queued_at = $10,
			completed_at = $11, verified_at = $12, released_at = $13, updated_at = $14
		WHERE tenant_id = $1 AND id = $2 AND status = $3`,
		a.TenantID, a.ID, expected,
		a.EquipmentID, a.Status, a.SubOrderID, a.ExternalJobID,
		a.DispatchAttempts, a.LastDispatchError, a.QueuedAt,
		a.CompletedAt, a.VerifiedAt, a.ReleasedAt, a.UpdatedAt)
	if err != nil {
		return false, mapErr(err, "assignment", a.ID)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := t.tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM assignments WHERE tenant_id = $1 AND id = $2)`,
		a.TenantID, a.ID).Scan(&exists); err != nil {
		return false, fmt.Errorf("assignment: %w", err)
	}
	if !exists {
		return false, apperr.NotFound("assignment", a.ID)
	}
	return false, nil
}

// ---------------------------------------------------------------------------
// Results
// ---------------------------------------------------------------------------

const resultCols = `id, tenant_id, assignment_id, value, unit, flag, source, qc_status, needs_review,
	reference_range, entered_by, verified_by, verified_at, released, superseded, idempotency_key,
	completed_at, created_at`

func scanResult(row pgx.Row) (*lims.Result, error) {
	var (
		r   lims.Result
		key *string
	)
	err := row.Scan(&r.ID, &r.TenantID, &r.AssignmentID, &r.Value, &r.Unit, &r.Flag, &r.Source,
		&r.QCStatus, &r.NeedsReview, &r.ReferenceRange, &r.EnteredBy, &r.VerifiedBy, &r.VerifiedAt,
		&r.Released, &r.Superseded, &key, &r.CompletedAt, &r.CreatedAt)
	if key != nil {
		r.IdempotencyKey = *key
	}
	return &r, err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (t *txn) CreateResult(ctx context.Context, r *lims.Result) error {
	r.TenantID = t.tid()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO results (`+resultCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		r.ID, r.TenantID, r.AssignmentID, r.Value, r.Unit, r.Flag, r.Source,
		r.QCStatus, r.NeedsReview, r.ReferenceRange, r.EnteredBy, r.VerifiedBy, r.VerifiedAt,
		r.Released, r.Superseded, nullable(r.IdempotencyKey), r.CompletedAt, r.CreatedAt)
	return mapErr(err, "result for assignment", r.AssignmentID)
}

func (t *txn) GetLiveResult(ctx context.Context, assignmentID uuid.UUID) (*lims.Result, error) {
	r, err := scanResult(t.tx.QueryRow(ctx,
		`SELECT `+resultCols+` FROM results WHERE tenant_id = $1 AND assignment_id = $2 AND NOT superseded`,
		t.tid(), assignmentID))
	if err != nil {
		return nil, mapErr(err, "result for assignment", assignmentID)
	}
	return r, nil
}

func (t *txn) FindResultByIdempotencyKey(ctx context.Context, key string) (*lims.Result, error) {
	r, err := scanResult(t.tx.QueryRow(ctx,
		`SELECT `+resultCols+` FROM results WHERE tenant_id = $1 AND idempotency_key = $2`, t.tid(), key))
	if err != nil {
		return nil, mapErr(err, "result", key)
	}
	return r, nil
}

func (t *txn) UpdateResult(ctx context.Context, r *lims.Result) error {
	r.TenantID = t.tid()
	tag, err := t.tx.Exec(ctx, `
		UPDATE results SET
			value = $3, unit = $4, flag = $5, qc_status = $6, needs_review = $7,
			reference_range = $8, verified_by = $9, verified_at = $10,
			released = $11, superseded = $12
		WHERE tenant_id = $1 AND id = $2`,
		r.TenantID, r.ID, r.Value, r.Unit, r.Flag, r.QCStatus, r.NeedsReview,
		r.ReferenceRange, r.VerifiedBy, r.VerifiedAt, r.Released, r.Superseded)
	if err != nil {
		return mapErr(err, "result", r.ID)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("result", r.ID)
	}
	return nil
}

func (t *txn) ListResults(ctx context.Context, assignmentID uuid.UUID) ([]*lims.Result, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+resultCols+` FROM results WHERE tenant_id = $1 AND assignment_id = $2 ORDER BY created_at`,
		t.tid(), assignmentID)
	out, err := collect(rows, err, scanResult)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Equipment
// ---------------------------------------------------------------------------

const equipmentCols = `id, tenant_id, name, department, endpoint, api_key, supports_auto_fetch, status, created_at`

func scanEquipment(row pgx.Row) (*lims.Equipment, error) {
	var e lims.Equipment
	err := row.Scan(&e.ID, &e.TenantID, &e.Name, &e.Department, &e.Endpoint, &e.APIKey,
		&e.SupportsAutoFetch, &e.Status, &e.CreatedAt)
	return &e, err
}

func (t *txn) SaveEquipment(ctx context.Context, e *lims.Equipment) error {
	e.TenantID = t.tid()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO equipment (`+equipmentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, department = EXCLUDED.department, endpoint = EXCLUDED.endpoint,
			api_key = EXCLUDED.api_key, supports_auto_fetch = EXCLUDED.supports_auto_fetch,
			status = EXCLUDED.status
		WHERE equipment.tenant_id = EXCLUDED.tenant_id`,
		e.ID, e.TenantID, e.Name, e.Department, e.Endpoint, e.APIKey,
		e.SupportsAutoFetch, e.Status, e.CreatedAt)
	return mapErr(err, "equipment", e.ID)
}

func (t *txn) GetEquipment(ctx context.Context, id uuid.UUID) (*lims.Equipment, error) {
	e, err := scanEquipment(t.tx.QueryRow(ctx,
		`SELECT `+equipmentCols+` FROM equipment WHERE tenant_id = $1 AND id = $2`, t.tid(), id))
	if err != nil {
		return nil, mapErr(err, "equipment", id)
	}
	return e, nil
}

func (t *txn) ListEquipment(ctx context.Context, f store.EquipmentFilter) ([]*lims.Equipment, error) {
	w := newWhere(t.tid())
	if f.Department != "" {
		w.add("department = ?", f.Department)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.AutoFetch {
		w.add("supports_auto_fetch = ?", true)
	}
	rows, err := t.tx.Query(ctx, `SELECT `+equipmentCols+` FROM equipment`+w.String()+` ORDER BY name`, w.args...)
	out, err := collect(rows, err, scanEquipment)
	if err != nil {
		return nil, fmt.Errorf("list equipment: %w", err)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Held results
// ---------------------------------------------------------------------------

const heldCols = `id, tenant_id, barcode, test_code, sub_order_id, value, unit, qc_status, completed_at,
	reason, candidates, archive_key, received_at, resolved_at, resolved_assignment_id`

func scanHeld(row pgx.Row) (*lims.HeldResult, error) {
	var h lims.HeldResult
	err := row.Scan(&h.ID, &h.TenantID, &h.Barcode, &h.TestCode, &h.SubOrderID, &h.Value, &h.Unit,
		&h.QCStatus, &h.CompletedAt, &h.Reason, &h.Candidates, &h.ArchiveKey, &h.ReceivedAt,
		&h.ResolvedAt, &h.ResolvedAssignmentID)
	return &h, err
}

func (t *txn) CreateHeldResult(ctx context.Context, h *lims.HeldResult) error {
	h.TenantID = t.tid()
	candidates := h.Candidates
	if candidates == nil {
		candidates = []uuid.UUID{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO held_results (`+heldCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		h.ID, h.TenantID, h.Barcode, h.TestCode, h.SubOrderID, h.Value, h.Unit,
		h.QCStatus, h.CompletedAt, h.Reason, candidates, h.ArchiveKey, h.ReceivedAt,
		h.ResolvedAt, h.ResolvedAssignmentID)
	return mapErr(err, "held result", h.ID)
}

func (t *txn) GetHeldResult(ctx context.Context, id uuid.UUID) (*lims.HeldResult, error) {
	h, err := scanHeld(t.tx.QueryRow(ctx,
		`SELECT `+heldCols+` FROM held_results WHERE tenant_id = $1 AND id = $2`, t.tid(), id))
	if err != nil {
		return nil, mapErr(err, "held result", id)
	}
	return h, nil
}

func (t *txn) ListHeldResults(ctx context.Context, unresolvedOnly bool) ([]*lims.HeldResult, error) {
	w := newWhere(t.tid())
	if unresolvedOnly {
		w.clauses = append(w.clauses, "resolved_at IS NULL")
	}
	rows, err := t.tx.Query(ctx, `SELECT `+heldCols+` FROM held_results`+w.String()+` ORDER BY received_at`, w.args...)
	out, err := collect(rows, err, scanHeld)
	if err != nil {
		return nil, fmt.Errorf("list held results: %w", err)
	}
	return out, nil
}

func (t *txn) UpdateHeldResult(ctx context.Context, h *lims.HeldResult) error {
	h.TenantID = t.tid()
	tag, err := t.tx.Exec(ctx, `
		UPDATE held_results SET archive_key = $3, resolved_at = $4, resolved_assignment_id = $5
		WHERE tenant_id = $1 AND id = $2`,
		h.TenantID, h.ID, h.ArchiveKey, h.ResolvedAt, h.ResolvedAssignmentID)
	if err != nil {
		return mapErr(err, "held result", h.ID)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("held result", h.ID)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Instrument logs and audit
// ---------------------------------------------------------------------------

const logCols = `id, tenant_id, equipment_id, assignment_id, direction, status_code, message, payload, created_at`

func scanLog(row pgx.Row) (*lims.InstrumentLog, error) {
	var l lims.InstrumentLog
	err := row.Scan(&l.ID, &l.TenantID, &l.EquipmentID, &l.AssignmentID, &l.Direction,
		&l.StatusCode, &l.Message, &l.Payload, &l.CreatedAt)
	return &l, err
}

func (t *txn) AppendInstrumentLog(ctx context.Context, l *lims.InstrumentLog) error {
	l.TenantID = t.tid()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO instrument_logs (`+logCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		l.ID, l.TenantID, l.EquipmentID, l.AssignmentID, l.Direction,
		l.StatusCode, l.Message, l.Payload, l.CreatedAt)
	return mapErr(err, "instrument log", l.ID)
}

func (t *txn) ListInstrumentLogs(ctx context.Context, assignmentID uuid.UUID) ([]*lims.InstrumentLog, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+logCols+` FROM instrument_logs WHERE tenant_id = $1 AND assignment_id = $2 ORDER BY seq`,
		t.tid(), assignmentID)
	out, err := collect(rows, err, scanLog)
	if err != nil {
		return nil, fmt.Errorf("list instrument logs: %w", err)
	}
	return out, nil
}

const auditCols = `id, tenant_id, entity_type, entity_id, action, actor, detail, recorded`

func scanAudit(row pgx.Row) (*lims.AuditEvent, error) {
	var e lims.AuditEvent
	err := row.Scan(&e.ID, &e.TenantID, &e.EntityType, &e.EntityID, &e.Action, &e.Actor, &e.Detail, &e.Recorded)
	return &e, err
}

func (t *txn) AppendAudit(ctx context.Context, e *lims.AuditEvent) error {
	e.TenantID = t.tid()
	_, err := t.tx.Exec(ctx, `
		INSERT INTO audit_events (`+auditCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		e.ID, e.TenantID, e.EntityType, e.EntityID, e.Action, e.Actor, e.Detail, e.Recorded)
	return mapErr(err, "audit event", e.ID)
}

func (t *txn) ListAudit(ctx context.Context, f store.AuditFilter, limit, offset int) ([]*lims.AuditEvent, int, error) {
	w := newWhere(t.tid())
	if f.EntityType != "" {
		w.add("entity_type = ?", f.EntityType)
	}
	if f.EntityID != "" {
		w.add("entity_id = ?", f.EntityID)
	}
	if f.Action != "" {
		w.add("action = ?", f.Action)
	}
	if f.Actor != "" {
		w.add("actor = ?", f.Actor)
	}
	total, err := t.count(ctx, "audit_events", w)
	if err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+auditCols+` FROM audit_events`+w.String()+` ORDER BY seq DESC`+page(limit, offset), w.args...)
	out, err := collect(rows, err, scanAudit)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit events: %w", err)
	}
	return out, total, nil
}
