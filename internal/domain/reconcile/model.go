package reconcile

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/lims"
)

// Payload is one result as an instrument reports it. Barcode and TestCode
// locate the work; SubOrderID, when present, picks between duplicate
// assignments of the same test on one sample.
type Payload struct {
	Barcode       string     `json:"sample_barcode"`
	TestCode      string     `json:"test_code"`
	SubOrderID    string     `json:"sub_order_id,omitempty"`
	Value         string     `json:"value"`
	Unit          string     `json:"unit,omitempty"`
	QCStatus      string     `json:"quality_control_status,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	ExternalJobID string     `json:"instrument_job_id,omitempty"`
	EquipmentID   *uuid.UUID `json:"equipment_id,omitempty"`
}

func (p *Payload) normalize() {
	p.Barcode = strings.TrimSpace(p.Barcode)
	p.TestCode = strings.ToUpper(strings.TrimSpace(p.TestCode))
	p.SubOrderID = strings.TrimSpace(p.SubOrderID)
	p.Value = strings.TrimSpace(p.Value)
	p.Unit = strings.TrimSpace(p.Unit)
	p.QCStatus = strings.ToLower(strings.TrimSpace(p.QCStatus))
}

// ManualEntry is a result typed in at the bench.
type ManualEntry struct {
	Value    string `json:"value"`
	Unit     string `json:"unit,omitempty"`
	QCStatus string `json:"qc_status,omitempty"`
}

type OutcomeStatus string

const (
	OutcomeReconciled OutcomeStatus = "reconciled"
	OutcomeDuplicate  OutcomeStatus = "duplicate"
	OutcomeHeld       OutcomeStatus = "held"
)

// Outcome reports what happened to a payload. Accepted is the flag the
// instrument middleware acts on; a held payload is not accepted.
type Outcome struct {
	Accepted   bool             `json:"accepted"`
	Status     OutcomeStatus    `json:"status"`
	Assignment *lims.Assignment `json:"assignment,omitempty"`
	Result     *lims.Result     `json:"result,omitempty"`
	Held       *lims.HeldResult `json:"held,omitempty"`
}

// qcFailed reports whether an instrument QC status means the run is
// suspect.
func qcFailed(status string) bool {
	switch status {
	case "fail", "failed", "error", "rejected":
		return true
	}
	return false
}
