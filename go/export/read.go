package export

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Read parses a previously exported workbook or CSV back into Rows,
// ignoring the S.No column (it is positional, not data). Supports the
// disaster-recovery re-ingest described in SPEC_FULL.md ("import_recent_scrapes").
func Read(path string) ([]Row, error) {
	if strings.HasSuffix(strings.ToLower(path), ".csv") {
		return readCSV(path)
	}
	return readXLSX(path)
}

func readCSV(path string) ([]Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Skip a UTF-8 BOM if present.
	r := csv.NewReader(stripBOM(f))
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	return parseRecords(records)
}

func readXLSX(path string) ([]Row, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := f.GetRows(sheetName)
	if err != nil {
		return nil, err
	}
	return parseRecords(records)
}

func parseRecords(records [][]string) ([]Row, error) {
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[h] = i
	}
	for _, col := range Columns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("export: missing expected column %q", col)
		}
	}

	get := func(rec []string, col string) string {
		i := idx[col]
		if i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	var rows []Row
	for _, rec := range records[1:] {
		rows = append(rows, Row{
			DepartmentName:    get(rec, "Department Name"),
			PublishedDate:     get(rec, "e-Published Date"),
			ClosingDate:       get(rec, "Closing Date"),
			OpeningDate:       get(rec, "Opening Date"),
			OrganisationChain: get(rec, "Organisation Chain"),
			TitleRef:          get(rec, "Title and Ref.No./Tender ID"),
			TenderIDExtracted: get(rec, "Tender ID (Extracted)"),
			DirectURL:         get(rec, "Direct URL"),
			StatusURL:         get(rec, "Status URL"),
		})
	}
	return rows, nil
}

func stripBOM(f *os.File) *os.File {
	// database/sql-free, allocation-free BOM skip: peek and seek back if
	// the first three bytes are not the BOM.
	var buf [3]byte
	n, _ := f.Read(buf[:])
	if n == 3 && buf[0] == 0xEF && buf[1] == 0xBB && buf[2] == 0xBF {
		return f
	}
	f.Seek(0, 0)
	return f
}
