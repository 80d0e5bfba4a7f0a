package laboratory

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// registerPageSize bounds each repository read while building the register.
const registerPageSize = 200

// maxRegisterRows caps one export.
const maxRegisterRows = 10000

// RegisterRow is one line of the laboratory register.
type RegisterRow struct {
	Request *TestRequest
	Sample  *Sample
	Result  *TestResult
}

var registerHeader = []string{
	"Request ID",
	"Created",
	"Patient",
	"Department",
	"Requester",
	"Tests",
	"Priority",
	"Status",
	"Barcode",
	"Collected",
	"Severity",
	"Critical Parameters",
	"Entered By",
	"Approved By",
	"Approved",
}

var registerColumnWidths = []float64{38, 20, 16, 16, 16, 24, 10, 16, 22, 20, 10, 22, 18, 18, 20}

// Register collects the requests created in [from, to) with their sample and
// result, in worklist order.
func (s *Service) Register(ctx context.Context, from, to time.Time) ([]RegisterRow, error) {
	if !to.IsZero() && !from.IsZero() && !to.After(from) {
		return nil, validationf("register", "to must be after from")
	}
	f := RequestFilter{
		Statuses: []RequestStatus{
			StatusPending, StatusCollected, StatusProcessing, StatusResultsEntered,
			StatusApproved, StatusCancelled, StatusVoided,
		},
		Limit: registerPageSize,
	}
	if !from.IsZero() {
		f.From = &from
	}
	if !to.IsZero() {
		f.To = &to
	}

	var rows []RegisterRow
	for {
		page, total, err := s.requests.List(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("list requests for register: %w", err)
		}
		for _, req := range page {
			row := RegisterRow{Request: req}
			if sample, err := s.samples.GetByRequest(ctx, req.ID); err == nil {
				row.Sample = sample
			} else if KindOf(err) != KindNotFound {
				return nil, err
			}
			if res, err := s.results.GetByRequest(ctx, req.ID); err == nil {
				res.CriticalParameters = criticalKeys(res.Parameters)
				row.Result = res
			} else if KindOf(err) != KindNotFound {
				return nil, err
			}
			rows = append(rows, row)
		}
		f.Offset += len(page)
		if len(page) == 0 || f.Offset >= total || len(rows) >= maxRegisterRows {
			break
		}
	}
	return rows, nil
}

func (r RegisterRow) cells() []interface{} {
	req := r.Request
	cells := []interface{}{
		req.ID.String(),
		req.CreatedAt.UTC().Format("2006-01-02 15:04"),
		req.PatientRef,
		req.Department,
		req.RequesterID,
		strings.Join(req.Tests, ", "),
		req.Priority.String(),
		req.Status.String(),
		"", "", "", "", "", "", "",
	}
	if r.Sample != nil {
		cells[8] = r.Sample.Barcode
		cells[9] = r.Sample.CollectedAt.UTC().Format("2006-01-02 15:04")
	}
	if r.Result != nil {
		cells[10] = r.Result.Severity.String()
		cells[11] = strings.Join(r.Result.CriticalParameters, ", ")
		cells[12] = r.Result.EnteredBy
		cells[13] = r.Result.ApprovedBy
		if r.Result.ApprovedAt != nil {
			cells[14] = r.Result.ApprovedAt.UTC().Format("2006-01-02 15:04")
		}
	}
	return cells
}

// GenerateRegister renders rows as an xlsx workbook.
func GenerateRegister(rows []RegisterRow) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Register"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
		Border: []excelize.Border{
			{Type: "left", Color: "000000", Style: 1},
			{Type: "top", Color: "000000", Style: 1},
			{Type: "bottom", Color: "000000", Style: 1},
			{Type: "right", Color: "000000", Style: 1},
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}
	criticalStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "#C00000"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create critical style: %w", err)
	}

	header := make([]interface{}, len(registerHeader))
	for i, h := range registerHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	lastCol, err := excelize.ColumnNumberToName(len(registerHeader))
	if err != nil {
		return nil, fmt.Errorf("failed to convert column number: %w", err)
	}
	if err := f.SetCellStyle(sheet, "A1", lastCol+"1", headerStyle); err != nil {
		return nil, fmt.Errorf("failed to set header style: %w", err)
	}
	for i, w := range registerColumnWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(sheet, col, col, w); err != nil {
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		cells := row.cells()
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
		if row.Result != nil && row.Result.Severity == SeverityCritical {
			sevCell, _ := excelize.CoordinatesToCellName(11, i+2)
			if err := f.SetCellStyle(sheet, sevCell, sevCell, criticalStyle); err != nil {
				return nil, fmt.Errorf("failed to set severity style: %w", err)
			}
		}
	}
	if err := f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return nil, fmt.Errorf("failed to freeze header: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
