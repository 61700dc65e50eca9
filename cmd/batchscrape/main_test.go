package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tenderwatch/batchscrape/go/ops"
	"github.com/tenderwatch/batchscrape/go/portal"
)

func sampleDepartments() []portal.Department {
	return []portal.Department{
		{SerialNo: "1", Name: "PWD", TenderCountRaw: "2"},
		{SerialNo: "2", Name: "Health Department", TenderCountRaw: "1"},
		{SerialNo: "3", Name: "Irrigation", TenderCountRaw: "3"},
	}
}

func TestSelectDepartmentsAllWithNoFilterReturnsEverything(t *testing.T) {
	got := selectDepartments(sampleDepartments(), &cmdDepartment{All: true})
	if len(got) != 3 {
		t.Fatalf("expected 3 departments, got %d", len(got))
	}
}

func TestSelectDepartmentsAllWithFilterMatchesSubstringCaseInsensitively(t *testing.T) {
	got := selectDepartments(sampleDepartments(), &cmdDepartment{All: true, Filter: "health"})
	if len(got) != 1 || got[0].Name != "Health Department" {
		t.Fatalf("unexpected filtered result: %+v", got)
	}
}

func TestSelectDepartmentsExplicitPositionalList(t *testing.T) {
	c := &cmdDepartment{}
	c.Positional.Departments = []string{"pwd", " Irrigation "}
	got := selectDepartments(sampleDepartments(), c)
	if len(got) != 2 {
		t.Fatalf("expected 2 departments, got %+v", got)
	}
	names := map[string]bool{got[0].Name: true, got[1].Name: true}
	if !names["PWD"] || !names["Irrigation"] {
		t.Fatalf("unexpected selection: %+v", got)
	}
}

func TestSelectDepartmentsNoFilterNoPositionalReturnsAll(t *testing.T) {
	got := selectDepartments(sampleDepartments(), &cmdDepartment{})
	if len(got) != 3 {
		t.Fatalf("expected all departments as the default, got %d", len(got))
	}
}

func TestJSONEventOfIncludesKindSpecificPayload(t *testing.T) {
	e := ops.Event{Kind: ops.KindProgress, Portal: "HP", Timestamp: time.Now(),
		Progress: &ops.ProgressEvent{CurrentDeptIndex: 1, TotalDepts: 4}}
	out := jsonEventOf(e)
	if out["type"] != "progress" || out["portal"] != "HP" {
		t.Fatalf("unexpected base fields: %+v", out)
	}
	if out["progress"] == nil {
		t.Fatal("expected a progress payload")
	}
}

func TestJSONEventOfErrorEventIncludesErrorPayload(t *testing.T) {
	e := ops.Event{Kind: ops.KindError, Error: &ops.ErrorEvent{Message: "boom"}}
	out := jsonEventOf(e)
	if out["error"] == nil {
		t.Fatal("expected an error payload")
	}
	if _, ok := out["progress"]; ok {
		t.Fatal("did not expect a progress key on an error event")
	}
}

func TestBootstrapLoggerWithEmptyPathLogsToDefaultOutput(t *testing.T) {
	l := bootstrapLogger("")
	if l == nil {
		t.Fatal("expected a non-nil logger")
	}
}

func TestBootstrapLoggerOpensGivenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batch.log")
	l := bootstrapLogger(path)
	l.Info("hello")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected the logger to have written to the configured file")
	}
}

func TestBootstrapLoggerFallsBackToStderrOnOpenFailure(t *testing.T) {
	// A directory path cannot be opened as a log file; bootstrapLogger must
	// not panic and must still return a usable logger.
	dir := t.TempDir()
	l := bootstrapLogger(dir)
	if l == nil {
		t.Fatal("expected a non-nil logger even on open failure")
	}
}
