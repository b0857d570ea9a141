package orders

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/lims"
)

// PatientInput describes a patient to find or register. When NaturalKey is
// empty it is derived from the demographics.
type PatientInput struct {
	GivenName  string     `json:"given_name"`
	FamilyName string     `json:"family_name"`
	BirthDate  *time.Time `json:"birth_date,omitempty"`
	Sex        string     `json:"sex,omitempty"`
	Phone      string     `json:"phone,omitempty"`
	NaturalKey string     `json:"natural_key,omitempty"`
}

func (p PatientInput) key() string {
	if k := strings.TrimSpace(p.NaturalKey); k != "" {
		return strings.ToLower(k)
	}
	birth := ""
	if p.BirthDate != nil {
		birth = p.BirthDate.Format("2006-01-02")
	}
	parts := []string{
		strings.ToLower(strings.TrimSpace(p.GivenName)),
		strings.ToLower(strings.TrimSpace(p.FamilyName)),
		birth,
		strings.TrimSpace(p.Phone),
	}
	return strings.Join(parts, "|")
}

// CreateRequestInput orders tests for an existing patient (PatientID) or
// one found or registered from Patient. The same offering may appear more
// than once.
type CreateRequestInput struct {
	PatientID     *uuid.UUID    `json:"patient_id,omitempty"`
	Patient       *PatientInput `json:"patient,omitempty"`
	OfferingIDs   []uuid.UUID   `json:"offering_ids"`
	Priority      lims.Priority `json:"priority,omitempty"`
	ClinicalNotes string        `json:"clinical_notes,omitempty"`
}

type SpecimenInput struct {
	Type        string     `json:"type"`
	CollectedAt *time.Time `json:"collected_at,omitempty"`
}

// Accessioned is the outcome of accessioning one request.
type Accessioned struct {
	Request     *lims.Request      `json:"request"`
	Samples     []*lims.Sample     `json:"samples"`
	Assignments []*lims.Assignment `json:"assignments"`
}

// RequestDetail is a request with everything hanging off it.
type RequestDetail struct {
	Request     *lims.Request      `json:"request"`
	Patient     *lims.Patient      `json:"patient"`
	Samples     []*lims.Sample     `json:"samples"`
	Assignments []*lims.Assignment `json:"assignments"`
}
