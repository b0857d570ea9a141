// Package lims holds the entity types shared by the sample lifecycle
// packages: tenants, patients, requests, samples, assignments, results,
// equipment and the append-only audit record.
package lims

import (
	"time"

	"github.com/google/uuid"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestCollected RequestStatus = "collected"
	RequestInProcess RequestStatus = "in_process"
	RequestVerified  RequestStatus = "verified"
	RequestReleased  RequestStatus = "released"
	RequestCancelled RequestStatus = "cancelled"
)

type SampleStatus string

const (
	SampleAccessioned SampleStatus = "accessioned"
	SampleRejected    SampleStatus = "rejected"
)

type AssignmentStatus string

const (
	AssignmentPending          AssignmentStatus = "pending"
	AssignmentQueued           AssignmentStatus = "queued"
	AssignmentAnalysisComplete AssignmentStatus = "analysis_complete"
	AssignmentVerified         AssignmentStatus = "verified"
	AssignmentReleased         AssignmentStatus = "released"
	AssignmentRejected         AssignmentStatus = "rejected"
)

type Flag string

const (
	FlagNormal   Flag = "normal"
	FlagHigh     Flag = "high"
	FlagLow      Flag = "low"
	FlagCritical Flag = "critical"
)

type Priority string

const (
	PriorityRoutine Priority = "routine"
	PriorityUrgent  Priority = "urgent"
)

// ResultKind tells the flag policy how to interpret a raw value.
type ResultKind string

const (
	KindQuantitative ResultKind = "quantitative"
	KindQualitative  ResultKind = "qualitative"
)

type ResultSource string

const (
	SourceInstrument ResultSource = "instrument"
	SourceManual     ResultSource = "manual"
)

type EquipmentStatus string

const (
	EquipmentActive      EquipmentStatus = "active"
	EquipmentInactive    EquipmentStatus = "inactive"
	EquipmentMaintenance EquipmentStatus = "maintenance"
)

// Tenant is a laboratory. Tenants are deactivated, never deleted.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Code      string    `json:"code"`
	Domain    string    `json:"domain,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Patient struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	DisplayID  string     `json:"display_id"`
	GivenName  string     `json:"given_name"`
	FamilyName string     `json:"family_name"`
	BirthDate  *time.Time `json:"birth_date,omitempty"`
	Sex        string     `json:"sex,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	NaturalKey string     `json:"natural_key"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AgeYears returns the patient's age at the given instant, or -1 when the
// birth date is unknown.
func (p *Patient) AgeYears(at time.Time) int {
	if p.BirthDate == nil {
		return -1
	}
	b := *p.BirthDate
	years := at.Year() - b.Year()
	if at.YearDay() < b.YearDay() {
		years--
	}
	return years
}

// CatalogEntry is a platform-wide test definition.
type CatalogEntry struct {
	Code         string     `json:"code" yaml:"code"`
	Name         string     `json:"name" yaml:"name"`
	SpecimenType string     `json:"specimen_type" yaml:"specimen_type"`
	Kind         ResultKind `json:"kind" yaml:"kind"`
	Department   string     `json:"department" yaml:"department"`
	Units        string     `json:"units,omitempty" yaml:"units"`
}

// Offering is a tenant's enablement of a catalog entry, with local overrides.
type Offering struct {
	ID                 uuid.UUID `json:"id"`
	TenantID           uuid.UUID `json:"tenant_id"`
	TestCode           string    `json:"test_code"`
	Enabled            bool      `json:"enabled"`
	PriceCents         int64     `json:"price_cents"`
	TurnaroundHours    int       `json:"turnaround_hours"`
	Department         string    `json:"department,omitempty"`
	RequiredForRelease bool      `json:"required_for_release"`
	// ReferenceLow and ReferenceHigh replace the catalog's normal range for
	// this tenant when set. Critical limits always come from the catalog.
	ReferenceLow  *float64 `json:"reference_low,omitempty"`
	ReferenceHigh *float64 `json:"reference_high,omitempty"`
}

type Request struct {
	ID            uuid.UUID     `json:"id"`
	TenantID      uuid.UUID     `json:"tenant_id"`
	PatientID     uuid.UUID     `json:"patient_id"`
	RequestID     string        `json:"request_id"`
	OrderedBy     string        `json:"ordered_by"`
	OfferingIDs   []uuid.UUID   `json:"offering_ids"`
	Priority      Priority      `json:"priority"`
	Status        RequestStatus `json:"status"`
	ClinicalNotes string        `json:"clinical_notes,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type Sample struct {
	ID           uuid.UUID    `json:"id"`
	TenantID     uuid.UUID    `json:"tenant_id"`
	RequestID    uuid.UUID    `json:"request_id"`
	SpecimenType string       `json:"specimen_type"`
	Barcode      string       `json:"barcode"`
	Status       SampleStatus `json:"status"`
	CollectedAt  time.Time    `json:"collected_at"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Assignment is one test on one sample: the unit of laboratory work.
type Assignment struct {
	ID                uuid.UUID        `json:"id"`
	TenantID          uuid.UUID        `json:"tenant_id"`
	RequestID         uuid.UUID        `json:"request_id"`
	SampleID          uuid.UUID        `json:"sample_id"`
	OfferingID        uuid.UUID        `json:"offering_id"`
	TestCode          string           `json:"test_code"`
	Department        string           `json:"department"`
	EquipmentID       *uuid.UUID       `json:"equipment_id,omitempty"`
	Status            AssignmentStatus `json:"status"`
	SubOrderID        string           `json:"sub_order_id,omitempty"`
	ExternalJobID     string           `json:"external_job_id,omitempty"`
	DispatchAttempts  int              `json:"dispatch_attempts"`
	LastDispatchError string           `json:"last_dispatch_error,omitempty"`
	QueuedAt          *time.Time       `json:"queued_at,omitempty"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
	VerifiedAt        *time.Time       `json:"verified_at,omitempty"`
	ReleasedAt        *time.Time       `json:"released_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// Result is a measured value. At most one non-superseded result exists per
// assignment; rejection supersedes the live one.
type Result struct {
	ID             uuid.UUID    `json:"id"`
	TenantID       uuid.UUID    `json:"tenant_id"`
	AssignmentID   uuid.UUID    `json:"assignment_id"`
	Value          string       `json:"value"`
	Unit           string       `json:"unit,omitempty"`
	Flag           Flag         `json:"flag"`
	Source         ResultSource `json:"source"`
	QCStatus       string       `json:"qc_status,omitempty"`
	NeedsReview    bool         `json:"needs_review"`
	ReferenceRange string       `json:"reference_range,omitempty"`
	EnteredBy      string       `json:"entered_by"`
	VerifiedBy     string       `json:"verified_by,omitempty"`
	VerifiedAt     *time.Time   `json:"verified_at,omitempty"`
	Released       bool         `json:"released"`
	Superseded     bool         `json:"superseded"`
	IdempotencyKey string       `json:"-"`
	CompletedAt    time.Time    `json:"completed_at"`
	CreatedAt      time.Time    `json:"created_at"`
}

type Equipment struct {
	ID                uuid.UUID       `json:"id"`
	TenantID          uuid.UUID       `json:"tenant_id"`
	Name              string          `json:"name"`
	Department        string          `json:"department"`
	Endpoint          string          `json:"endpoint,omitempty"`
	APIKey            string          `json:"-"`
	SupportsAutoFetch bool            `json:"supports_auto_fetch"`
	Status            EquipmentStatus `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Connected reports whether the equipment can receive dispatches.
func (e *Equipment) Connected() bool {
	return e.Endpoint != ""
}

type AuditEvent struct {
	ID         uuid.UUID      `json:"id"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	Actor      string         `json:"actor"`
	Detail     map[string]any `json:"detail,omitempty"`
	Recorded   time.Time      `json:"recorded"`
}

type LogDirection string

const (
	LogSend    LogDirection = "send"
	LogReceive LogDirection = "receive"
	LogError   LogDirection = "error"
)

// InstrumentLog is one communication with a piece of equipment.
type InstrumentLog struct {
	ID           uuid.UUID      `json:"id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	EquipmentID  *uuid.UUID     `json:"equipment_id,omitempty"`
	AssignmentID *uuid.UUID     `json:"assignment_id,omitempty"`
	Direction    LogDirection   `json:"direction"`
	StatusCode   int            `json:"status_code,omitempty"`
	Message      string         `json:"message,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

type HoldReason string

const (
	HoldUnmatched HoldReason = "unmatched"
	HoldAmbiguous HoldReason = "ambiguous"
)

// HeldResult is an instrument payload that could not be attached to an
// assignment automatically. It waits for manual reconciliation.
type HeldResult struct {
	ID                   uuid.UUID    `json:"id"`
	TenantID             uuid.UUID    `json:"tenant_id"`
	Barcode              string       `json:"barcode"`
	TestCode             string       `json:"test_code"`
	SubOrderID           string       `json:"sub_order_id,omitempty"`
	Value                string       `json:"value"`
	Unit                 string       `json:"unit,omitempty"`
	QCStatus             string       `json:"qc_status,omitempty"`
	CompletedAt          time.Time    `json:"completed_at"`
	Reason               HoldReason   `json:"reason"`
	Candidates           []uuid.UUID  `json:"candidates,omitempty"`
	ArchiveKey           string       `json:"archive_key,omitempty"`
	ReceivedAt           time.Time    `json:"received_at"`
	ResolvedAt           *time.Time   `json:"resolved_at,omitempty"`
	ResolvedAssignmentID *uuid.UUID   `json:"resolved_assignment_id,omitempty"`
}
