package export

import (
	"path/filepath"
	"testing"
	"time"
)

func sampleRows() []Row {
	return []Row{
		{DepartmentName: "PWD", PublishedDate: "01/01/2024", ClosingDate: "15/01/2024",
			TitleRef: "[2024_PWD_1]", TenderIDExtracted: "2024_PWD_1", DirectURL: "https://x/1"},
		{DepartmentName: "Health", PublishedDate: "02/01/2024", ClosingDate: "16/01/2024",
			TitleRef: "[2024_HLT_2]", TenderIDExtracted: "2024_HLT_2", DirectURL: "https://x/2"},
	}
}

func TestWriteThenReadXLSXRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path, kind, err := Write(sampleRows(), dir, "hptenders", false, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if kind != "xlsx" {
		t.Fatalf("kind = %q, want xlsx", kind)
	}
	if filepath.Ext(path) != ".xlsx" {
		t.Fatalf("path = %q, want .xlsx extension", path)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(got))
	}
	if got[0].TenderIDExtracted != "2024_PWD_1" || got[1].TenderIDExtracted != "2024_HLT_2" {
		t.Fatalf("unexpected round-tripped rows: %+v", got)
	}
}

func TestWritePartialInfixInFilename(t *testing.T) {
	dir := t.TempDir()
	path, _, err := Write(sampleRows(), dir, "hptenders", true, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if filepath.Base(path) != "hptenders_partial_tenders_20260102_030405.xlsx" {
		t.Fatalf("unexpected filename: %q", filepath.Base(path))
	}
}

func TestWriteCSVFallbackThenRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stem.csv")
	if err := writeCSV(sampleRows(), path); err != nil {
		t.Fatalf("writeCSV: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read csv: %v", err)
	}
	if len(got) != 2 || got[0].DepartmentName != "PWD" {
		t.Fatalf("unexpected rows from csv round-trip: %+v", got)
	}
}

func TestReadMissingColumnIsAnError(t *testing.T) {
	_, err := parseRecords([][]string{{"Not", "The", "Right", "Header"}})
	if err == nil {
		t.Fatal("expected an error for a header missing required columns")
	}
}

func TestReadEmptyRecordsReturnsNil(t *testing.T) {
	rows, err := parseRecords(nil)
	if err != nil {
		t.Fatalf("parseRecords: %v", err)
	}
	if rows != nil {
		t.Fatalf("expected nil rows for empty input, got %+v", rows)
	}
}
