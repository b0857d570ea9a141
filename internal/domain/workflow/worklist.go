package workflow

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/lims/lims/internal/lims"
	"github.com/lims/lims/internal/platform/tenant"
	"github.com/lims/lims/internal/store"
)

// WorklistRow is one line of a department's bench worklist.
type WorklistRow struct {
	AssignmentID uuid.UUID             `json:"assignment_id"`
	RequestID    string                `json:"request_id"`
	PatientID    string                `json:"patient_id"`
	PatientName  string                `json:"patient_name"`
	TestCode     string                `json:"test_code"`
	Barcode      string                `json:"barcode"`
	Specimen     string                `json:"specimen"`
	Status       lims.AssignmentStatus `json:"status"`
	Priority     lims.Priority         `json:"priority"`
	SubOrderID   string                `json:"sub_order_id,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
}

type WorklistFilter struct {
	Department string
	Statuses   []lims.AssignmentStatus
}

// Worklist lists open work, urgent requests first then oldest first.
func (s *Service) Worklist(ctx context.Context, f WorklistFilter) ([]WorklistRow, error) {
	scope, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if len(f.Statuses) == 0 {
		f.Statuses = []lims.AssignmentStatus{lims.AssignmentPending, lims.AssignmentQueued, lims.AssignmentAnalysisComplete}
	}
	var rows []WorklistRow
	err = s.store.InTx(ctx, scope, func(tx store.Tx) error {
		assignments, err := tx.ListAssignments(ctx, store.AssignmentFilter{Department: f.Department, Statuses: f.Statuses})
		if err != nil {
			return err
		}
		requests := map[uuid.UUID]*lims.Request{}
		patients := map[uuid.UUID]*lims.Patient{}
		samples := map[uuid.UUID]*lims.Sample{}
		for _, a := range assignments {
			req, ok := requests[a.RequestID]
			if !ok {
				if req, err = tx.GetRequest(ctx, a.RequestID); err != nil {
					return err
				}
				requests[a.RequestID] = req
			}
			p, ok := patients[req.PatientID]
			if !ok {
				if p, err = tx.GetPatient(ctx, req.PatientID); err != nil {
					return err
				}
				patients[req.PatientID] = p
			}
			smp, ok := samples[a.SampleID]
			if !ok {
				if smp, err = tx.GetSample(ctx, a.SampleID); err != nil {
					return err
				}
				samples[a.SampleID] = smp
			}
			rows = append(rows, WorklistRow{
				AssignmentID: a.ID,
				RequestID:    req.RequestID,
				PatientID:    p.DisplayID,
				PatientName:  p.GivenName + " " + p.FamilyName,
				TestCode:     a.TestCode,
				Barcode:      smp.Barcode,
				Specimen:     smp.SpecimenType,
				Status:       a.Status,
				Priority:     req.Priority,
				SubOrderID:   a.SubOrderID,
				CreatedAt:    a.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool {
		ui, uj := rows[i].Priority == lims.PriorityUrgent, rows[j].Priority == lims.PriorityUrgent
		if ui != uj {
			return ui
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	return rows, nil
}

var worklistHeader = []string{
	"Order ID",
	"Patient ID",
	"Patient Name",
	"Test",
	"Sample Barcode",
	"Specimen",
	"Status",
	"Priority",
	"Sub-order",
	"Created Date",
}

// WriteWorklistXLSX renders rows as a single-sheet workbook.
func WriteWorklistXLSX(w io.Writer, department string, rows []WorklistRow) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Worklist"
	if department != "" {
		sheet = department
	}
	index, err := f.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	if sheet != "Sheet1" {
		f.DeleteSheet("Sheet1")
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("header style: %w", err)
	}
	for col, h := range worklistHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return fmt.Errorf("set header %s: %w", cell, err)
		}
		if err := f.SetCellStyle(sheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("header style %s: %w", cell, err)
		}
	}

	for i, r := range rows {
		values := []any{
			r.RequestID,
			r.PatientID,
			r.PatientName,
			r.TestCode,
			r.Barcode,
			r.Specimen,
			string(r.Status),
			string(r.Priority),
			r.SubOrderID,
			r.CreatedAt.Format("2006-01-02 15:04"),
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("set cell %s: %w", cell, err)
			}
		}
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
