// Package export implements the Exporter (C9): rendering a run's
// current-state view to a spreadsheet workbook, falling back to CSV when
// the workbook writer fails (spec §4.9).
package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"
)

// Columns is the fixed column order mandated by spec §4.9.
var Columns = []string{
	"Department Name", "S.No", "e-Published Date", "Closing Date", "Opening Date",
	"Organisation Chain", "Title and Ref.No./Tender ID", "Tender ID (Extracted)",
	"Direct URL", "Status URL",
}

// Row is one exported tender, already ordered; S.No is assigned by Write
// from the row's 1-based output position.
type Row struct {
	DepartmentName    string
	PublishedDate     string
	ClosingDate       string
	OpeningDate       string
	OrganisationChain string
	TitleRef          string
	TenderIDExtracted string
	DirectURL         string
	StatusURL         string
}

const sheetName = "Tenders"

// Write renders rows to outDir using keyword as the filename stem. partial
// controls the "_partial" infix of spec §4.1 export_run. It tries the xlsx
// writer first; on any failure it falls back to UTF-8-BOM CSV, per spec
// §4.9. now is passed in rather than read from time.Now() so callers (and
// tests) control the timestamp suffix deterministically.
func Write(rows []Row, outDir, keyword string, partial bool, now time.Time) (path string, kind string, err error) {
	stem := keyword
	if partial {
		stem += "_partial"
	}
	stem += "_tenders_" + now.Format("20060102_150405")

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", "", fmt.Errorf("export: mkdir %q: %w", outDir, err)
	}

	xlsxPath := filepath.Join(outDir, stem+".xlsx")
	if err := writeXLSX(rows, xlsxPath); err == nil {
		return xlsxPath, "xlsx", nil
	}

	csvPath := filepath.Join(outDir, stem+".csv")
	if err := writeCSV(rows, csvPath); err != nil {
		return "", "", fmt.Errorf("export: csv fallback: %w", err)
	}
	return csvPath, "csv", nil
}

func writeXLSX(rows []Row, path string) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return err
	}
	for i, h := range Columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheetName, cell, h)
	}
	for i, r := range rows {
		line := i + 2
		values := rowValues(r, i+1)
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, line)
			f.SetCellValue(sheetName, cell, v)
		}
	}
	return f.SaveAs(path)
}

func writeCSV(rows []Row, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil { // UTF-8 BOM
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(Columns); err != nil {
		return err
	}
	for i, r := range rows {
		values := rowValues(r, i+1)
		record := make([]string, len(values))
		for i, v := range values {
			record[i] = fmt.Sprintf("%v", v)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func rowValues(r Row, sNo int) []interface{} {
	return []interface{}{
		r.DepartmentName, sNo, r.PublishedDate, r.ClosingDate, r.OpeningDate,
		r.OrganisationChain, r.TitleRef, r.TenderIDExtracted, r.DirectURL, r.StatusURL,
	}
}
