// Package export renders operator reports.
package export

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"promoter/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	entriesSheet = "Dead letters"
	summarySheet = "By reason"
)

var deadLetterHeaders = []string{
	"ID", "Task ID", "Kind", "Platform", "Content ID", "Reason", "Attempts", "Failed at", "Error",
}

// DeadLetterWorkbook builds a workbook with one row per dead-letter entry and
// a per-reason summary. The caller closes the file.
func DeadLetterWorkbook(entries []models.DeadLetterTask, generatedAt time.Time) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(entriesSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)

	header, err := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create header style: %w", err)
	}

	for i, h := range deadLetterHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(entriesSheet, cell, h)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(deadLetterHeaders))
	_ = f.SetCellStyle(entriesSheet, "A1", lastCol+"1", header)

	byReason := make(map[string]int)
	for i, dl := range entries {
		row := []any{
			dl.ID,
			dl.Task.ID,
			dl.Task.Kind,
			dl.Task.Platform,
			dl.Task.ContentID,
			dl.Failed.Reason,
			dl.Failed.Attempts,
			dl.Failed.FailedAt.UTC().Format(time.RFC3339),
			dl.Failed.Error,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(entriesSheet, cell, &row); err != nil {
			f.Close()
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
		byReason[dl.Failed.Reason]++
	}

	_ = f.SetColWidth(entriesSheet, "A", "E", 24)
	_ = f.SetColWidth(entriesSheet, "F", "G", 14)
	_ = f.SetColWidth(entriesSheet, "H", "H", 22)
	_ = f.SetColWidth(entriesSheet, "I", "I", 60)
	_ = f.SetPanes(entriesSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if _, err := f.NewSheet(summarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("create sheet: %w", err)
	}
	_ = f.SetCellValue(summarySheet, "A1", fmt.Sprintf("Generated %s", generatedAt.UTC().Format(time.RFC3339)))
	_ = f.SetCellValue(summarySheet, "A2", "Reason")
	_ = f.SetCellValue(summarySheet, "B2", "Entries")
	_ = f.SetCellStyle(summarySheet, "A2", "B2", header)

	reasons := make([]string, 0, len(byReason))
	for r := range byReason {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	for i, r := range reasons {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+3), r)
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+3), byReason[r])
	}
	_ = f.SetColWidth(summarySheet, "A", "A", 28)

	_ = f.DeleteSheet("Sheet1")
	return f, nil
}

// WriteDeadLetters streams the workbook as XLSX.
func WriteDeadLetters(w io.Writer, entries []models.DeadLetterTask, generatedAt time.Time) error {
	f, err := DeadLetterWorkbook(entries, generatedAt)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// SaveDeadLetters writes the workbook into dir and returns its path.
func SaveDeadLetters(dir string, entries []models.DeadLetterTask, generatedAt time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}
	f, err := DeadLetterWorkbook(entries, generatedAt)
	if err != nil {
		return "", err
	}
	defer f.Close()

	path := filepath.Join(dir, FileName(generatedAt))
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}
	return path, nil
}

func FileName(generatedAt time.Time) string {
	return fmt.Sprintf("dead_letters_%s.xlsx", generatedAt.UTC().Format("20060102_150405"))
}
