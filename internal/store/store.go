// Package store defines the tenant-scoped persistence contract. Every Tx is
// bound to exactly one tenant when it is opened; implementations stamp that
// tenant on every row they write and filter every read by it, so callers can
// neither read nor write another tenant's rows through a Tx.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/tenant"
)

// ErrConflict is returned when a transaction could not commit because a
// concurrent writer changed a row it compared against.
var ErrConflict = errors.New("store: concurrent modification")

// ErrDuplicate is returned when a write violates a uniqueness rule.
var ErrDuplicate = errors.New("store: duplicate key")

// Store opens tenant-bound transactions.
type Store interface {
	// InTx runs fn inside one transaction bound to scope's tenant. If fn
	// returns an error every write is discarded.
	InTx(ctx context.Context, scope tenant.Scope, fn func(Tx) error) error
	Tenants() TenantDirectory
	Counter() Counter
	Close() error
}

// CounterKey identifies a sequence. A zero TenantID is a global sequence.
type CounterKey struct {
	Prefix   string
	TenantID uuid.UUID
}

func (k CounterKey) Global() bool { return k.TenantID == uuid.Nil }

// Counter hands out strictly increasing numbers per key, starting at 1.
// Each call runs in its own short transaction holding an exclusive lock on
// the counter row.
type Counter interface {
	Next(ctx context.Context, key CounterKey) (int64, error)
}

// TenantDirectory is the platform-level tenant registry. Reads by code are
// used to resolve the tenant for a request; everything else needs an Admin.
type TenantDirectory interface {
	ByCode(ctx context.Context, code string) (*lims.Tenant, error)
	Get(ctx context.Context, id uuid.UUID) (*lims.Tenant, error)
	Create(ctx context.Context, admin tenant.Admin, t *lims.Tenant) error
	SetActive(ctx context.Context, admin tenant.Admin, id uuid.UUID, active bool) error
	List(ctx context.Context, admin tenant.Admin) ([]*lims.Tenant, error)
}

type RequestFilter struct {
	Status    lims.RequestStatus
	PatientID *uuid.UUID
}

type AssignmentFilter struct {
	RequestID    *uuid.UUID
	SampleID     *uuid.UUID
	EquipmentID  *uuid.UUID
	Statuses     []lims.AssignmentStatus
	Department   string
	TestCode     string
	QueuedBefore *time.Time
	// MinAttempts and MaxAttempts bound DispatchAttempts when non-zero.
	MinAttempts int
	MaxAttempts int
}

type EquipmentFilter struct {
	Department string
	Status     lims.EquipmentStatus
	AutoFetch  bool
}

type AuditFilter struct {
	EntityType string
	EntityID   string
	Action     string
	Actor      string
}

// Tx is the set of operations available inside a tenant-bound transaction.
// Lookups of missing rows return an apperr NotFound error.
type Tx interface {
	Scope() tenant.Scope

	CreatePatient(ctx context.Context, p *lims.Patient) error
	GetPatient(ctx context.Context, id uuid.UUID) (*lims.Patient, error)
	FindPatientByNaturalKey(ctx context.Context, key string) (*lims.Patient, error)
	ListPatients(ctx context.Context, limit, offset int) ([]*lims.Patient, int, error)

	SaveOffering(ctx context.Context, o *lims.Offering) error
	GetOffering(ctx context.Context, id uuid.UUID) (*lims.Offering, error)
	ListOfferings(ctx context.Context) ([]*lims.Offering, error)

	CreateRequest(ctx context.Context, r *lims.Request) error
	GetRequest(ctx context.Context, id uuid.UUID) (*lims.Request, error)
	GetRequestByNumber(ctx context.Context, requestID string) (*lims.Request, error)
	UpdateRequestStatus(ctx context.Context, id uuid.UUID, status lims.RequestStatus) error
	ListRequests(ctx context.Context, f RequestFilter, limit, offset int) ([]*lims.Request, int, error)

	CreateSample(ctx context.Context, s *lims.Sample) error
	GetSample(ctx context.Context, id uuid.UUID) (*lims.Sample, error)
	GetSampleByBarcode(ctx context.Context, barcode string) (*lims.Sample, error)
	ListSamples(ctx context.Context, requestID uuid.UUID) ([]*lims.Sample, error)
	UpdateSampleStatus(ctx context.Context, id uuid.UUID, status lims.SampleStatus) error

	CreateAssignment(ctx context.Context, a *lims.Assignment) error
	GetAssignment(ctx context.Context, id uuid.UUID) (*lims.Assignment, error)
	ListAssignments(ctx context.Context, f AssignmentFilter) ([]*lims.Assignment, error)
	// UpdateAssignment writes a only if the stored status still equals
	// expected. It reports false, without error, when it does not.
	UpdateAssignment(ctx context.Context, a *lims.Assignment, expected lims.AssignmentStatus) (bool, error)

	CreateResult(ctx context.Context, r *lims.Result) error
	GetLiveResult(ctx context.Context, assignmentID uuid.UUID) (*lims.Result, error)
	FindResultByIdempotencyKey(ctx context.Context, key string) (*lims.Result, error)
	UpdateResult(ctx context.Context, r *lims.Result) error
	ListResults(ctx context.Context, assignmentID uuid.UUID) ([]*lims.Result, error)

	SaveEquipment(ctx context.Context, e *lims.Equipment) error
	GetEquipment(ctx context.Context, id uuid.UUID) (*lims.Equipment, error)
	ListEquipment(ctx context.Context, f EquipmentFilter) ([]*lims.Equipment, error)

	CreateHeldResult(ctx context.Context, h *lims.HeldResult) error
	GetHeldResult(ctx context.Context, id uuid.UUID) (*lims.HeldResult, error)
	ListHeldResults(ctx context.Context, unresolvedOnly bool) ([]*lims.HeldResult, error)
	UpdateHeldResult(ctx context.Context, h *lims.HeldResult) error

	AppendInstrumentLog(ctx context.Context, l *lims.InstrumentLog) error
	ListInstrumentLogs(ctx context.Context, assignmentID uuid.UUID) ([]*lims.InstrumentLog, error)

	AppendAudit(ctx context.Context, e *lims.AuditEvent) error
	ListAudit(ctx context.Context, f AuditFilter, limit, offset int) ([]*lims.AuditEvent, int, error)
}
