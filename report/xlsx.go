package report

import (
	"fmt"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/bbiangul/hybrideval/eval"
)

var sheetHeader = []any{"Variant", "AP@1", "MRR", "Scored", "Total", "Failed", "Timed out", "Error"}

// SheetName is the worksheet name used for alpha.
func SheetName(alpha float64) string {
	return "alpha " + strconv.FormatFloat(alpha, 'f', -1, 64)
}

// WriteWorkbook writes one sheet per alpha with a row per variant and two
// clustered column charts comparing AP@1 and MRR across variants.
func WriteWorkbook(path string, results []eval.AlphaResult) error {
	if len(results) == 0 {
		return fmt.Errorf("report: no results to write")
	}
	f := excelize.NewFile()
	defer f.Close()

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	pct, err := f.NewStyle(&excelize.Style{NumFmt: 10})
	if err != nil {
		return err
	}

	for i, ar := range results {
		sheet := SheetName(ar.Alpha)
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return err
			}
		} else if _, err := f.NewSheet(sheet); err != nil {
			return fmt.Errorf("adding sheet %s: %w", sheet, err)
		}
		if err := writeSheet(f, sheet, ar, bold, pct); err != nil {
			return fmt.Errorf("writing sheet %s: %w", sheet, err)
		}
	}
	f.SetActiveSheet(0)

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("saving workbook: %w", err)
	}
	return nil
}

func writeSheet(f *excelize.File, sheet string, ar eval.AlphaResult, bold, pct int) error {
	if err := f.SetSheetRow(sheet, "A1", &sheetHeader); err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", "H1", bold); err != nil {
		return err
	}
	for i, vr := range ar.Variants {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []any{vr.Variant}
		if m := vr.Metrics; m != nil {
			row = append(row, m.APAt1, m.MRR, m.Scored, m.Total, m.Failed, m.TimedOut, "")
		} else {
			row = append(row, nil, nil, nil, nil, nil, nil, vr.Error)
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	last := len(ar.Variants) + 1
	if last < 2 {
		return nil
	}
	if err := f.SetCellStyle(sheet, "B2", "C"+strconv.Itoa(last), pct); err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "A", "A", 16); err != nil {
		return err
	}

	if err := f.AddChart(sheet, "J2", metricChart(sheet, "B", "AP@1", last)); err != nil {
		return fmt.Errorf("adding AP@1 chart: %w", err)
	}
	if err := f.AddChart(sheet, "J20", metricChart(sheet, "C", "MRR", last)); err != nil {
		return fmt.Errorf("adding MRR chart: %w", err)
	}
	return nil
}

func metricChart(sheet, col, title string, last int) *excelize.Chart {
	ref := func(c string, from, to int) string {
		return fmt.Sprintf("'%s'!$%s$%d:$%s$%d", sheet, c, from, c, to)
	}
	zero, one := 0.0, 1.0
	return &excelize.Chart{
		Type: excelize.Col,
		Series: []excelize.ChartSeries{{
			Name:       fmt.Sprintf("'%s'!$%s$1", sheet, col),
			Categories: ref("A", 2, last),
			Values:     ref(col, 2, last),
		}},
		Title:  []excelize.RichTextRun{{Text: title + " by variant (" + sheet + ")"}},
		Legend: excelize.ChartLegend{Position: "none"},
		YAxis:  excelize.ChartAxis{Minimum: &zero, Maximum: &one},
		PlotArea: excelize.ChartPlotArea{
			ShowVal: true,
		},
	}
}
