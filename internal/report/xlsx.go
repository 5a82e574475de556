package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/david/bandi-engine/internal/models"
)

const (
	SheetSummary      = "Riepilogo"
	SheetTimeline     = "Analisi temporale"
	SheetDistribution = "Distribuzione fonti"
)

// WriteXLSX renders a snapshot as a workbook with one sheet per section.
func WriteXLSX(w io.Writer, snap models.ReportSnapshot) error {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 11, Color: "#FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	percentStyle, err := f.NewStyle(&excelize.Style{NumFmt: 10}) // 0.00%
	if err != nil {
		return fmt.Errorf("create percent style: %w", err)
	}

	// The default sheet becomes the summary.
	if err := f.SetSheetName("Sheet1", SheetSummary); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	summary := [][]any{
		{"Dal", formatDay(snap.From)},
		{"Al", formatDay(snap.To)},
		{"Totale match", snap.TotaleMatch},
		{"Tasso di successo", snap.TassoSuccesso},
		{"Fonti attive", snap.FontiAttive},
	}
	if err := writeHeader(f, SheetSummary, []string{"Indicatore", "Valore"}, headerStyle); err != nil {
		return err
	}
	for i, row := range summary {
		if err := f.SetSheetRow(SheetSummary, fmt.Sprintf("A%d", i+2), &row); err != nil {
			return fmt.Errorf("write summary row: %w", err)
		}
	}
	f.SetCellStyle(SheetSummary, "B5", "B5", percentStyle)

	if _, err := f.NewSheet(SheetTimeline); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	if err := writeHeader(f, SheetTimeline, []string{"Periodo", "Match", "Successi", "Tasso di successo"}, headerStyle); err != nil {
		return err
	}
	for i, b := range snap.AnalisiTemporale {
		row := i + 2
		f.SetCellValue(SheetTimeline, fmt.Sprintf("A%d", row), b.Periodo)
		f.SetCellValue(SheetTimeline, fmt.Sprintf("B%d", row), b.Conteggio)
		f.SetCellValue(SheetTimeline, fmt.Sprintf("C%d", row), b.Successi)
		f.SetCellValue(SheetTimeline, fmt.Sprintf("D%d", row), b.TassoSuccesso)
		f.SetCellStyle(SheetTimeline, fmt.Sprintf("D%d", row), fmt.Sprintf("D%d", row), percentStyle)
	}

	if _, err := f.NewSheet(SheetDistribution); err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	if err := writeHeader(f, SheetDistribution, []string{"Fonte", "Bandi"}, headerStyle); err != nil {
		return err
	}
	for i, sc := range snap.DistribuzioneFonti {
		row := i + 2
		f.SetCellValue(SheetDistribution, fmt.Sprintf("A%d", row), sc.Fonte)
		f.SetCellValue(SheetDistribution, fmt.Sprintf("B%d", row), sc.Conteggio)
	}

	for _, sheet := range []string{SheetSummary, SheetTimeline, SheetDistribution} {
		f.SetColWidth(sheet, "A", "D", 20)
	}
	f.SetActiveSheet(0)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeHeader(f *excelize.File, sheet string, headers []string, style int) error {
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return fmt.Errorf("header cell: %w", err)
		}
		f.SetCellValue(sheet, cell, h)
		f.SetCellStyle(sheet, cell, cell, style)
	}
	return nil
}

func formatDay(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format("2006-01-02")
}
