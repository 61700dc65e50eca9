package checkpoint

import (
	"path/filepath"
	"testing"
)

func TestOpenMissingFileIsNotAnError(t *testing.T) {
	cp, err := Open(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Open missing file: %v", err)
	}
	base := cp.ResumeBase()
	if len(base.RemainingPortals) != 0 {
		t.Fatalf("expected empty base, got %+v", base)
	}
}

func TestReplaceThenOpenRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	cp, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	doc := New([]string{"B Portal", "A Portal"}, 3)
	if err := cp.Replace(doc); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	base := reopened.ResumeBase()
	if len(base.AllPortals) != 2 || base.AllPortals[0] != "A Portal" {
		t.Fatalf("AllPortals not sorted/persisted: %+v", base.AllPortals)
	}
	if base.WorkerCount != 3 {
		t.Fatalf("WorkerCount = %d, want 3", base.WorkerCount)
	}
	if !base.IsScraping {
		t.Fatal("expected IsScraping true from New")
	}
}

func TestApplyPatchMergesWithoutClobberingUnrelatedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	cp, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	doc := New([]string{"HP Tenders"}, 1)
	doc.Totals.Tenders = 10
	if err := cp.Replace(doc); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	err = cp.ApplyPatch(map[string]interface{}{
		"portal_progress": map[string]interface{}{
			"HP Tenders": map[string]interface{}{
				"dept_current": 2,
				"dept_total":   5,
				"status":       "running",
			},
		},
	})
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}

	base := cp.ResumeBase()
	if base.Totals.Tenders != 10 {
		t.Fatalf("unrelated Totals.Tenders clobbered: %d", base.Totals.Tenders)
	}
	prog := base.PortalProgress["HP Tenders"]
	if prog.DeptCurrent != 2 || prog.DeptTotal != 5 || prog.Status != "running" {
		t.Fatalf("merge patch not applied: %+v", prog)
	}

	// A second patch updating only dept_current must not erase dept_total.
	if err := cp.ApplyPatch(map[string]interface{}{
		"portal_progress": map[string]interface{}{
			"HP Tenders": map[string]interface{}{
				"dept_current": 3,
			},
		},
	}); err != nil {
		t.Fatalf("second ApplyPatch: %v", err)
	}
	prog = cp.ResumeBase().PortalProgress["HP Tenders"]
	if prog.DeptCurrent != 3 {
		t.Fatalf("dept_current not updated: %+v", prog)
	}
	if prog.DeptTotal != 5 {
		t.Fatalf("dept_total regressed after unrelated patch: %+v", prog)
	}
}

func TestProcessedDepartmentSet(t *testing.T) {
	c := Checkpoint{PortalProgress: map[string]PortalProgress{
		"HP Tenders": {ProcessedDepartments: []string{"pwd", "health"}},
	}}
	set := c.ProcessedDepartmentSet("HP Tenders")
	if !set["pwd"] || !set["health"] {
		t.Fatalf("set = %+v", set)
	}
	if len(c.ProcessedDepartmentSet("Unknown Portal")) != 0 {
		t.Fatal("expected empty set for unknown portal")
	}
}

func TestDeleteIsIdempotentOnMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	cp, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := cp.Delete(); err != nil {
		t.Fatalf("Delete on never-written checkpoint: %v", err)
	}
}
