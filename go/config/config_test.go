package config

import (
	"strings"
	"testing"
)

func TestParsePortalListSortsAndDropsMissingBaseURL(t *testing.T) {
	csvText := "Name,BaseURL,Keyword\n" +
		"B Portal,https://b.example.com,bport\n" +
		"A Portal,https://a.example.com,\n" +
		"No URL Portal,,\n"
	out, err := ParsePortalList(strings.NewReader(csvText), nil)
	if err != nil {
		t.Fatalf("ParsePortalList: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 portals after dropping missing BaseURL, got %d: %+v", len(out), out)
	}
	if out[0].Name != "A Portal" || out[1].Name != "B Portal" {
		t.Fatalf("expected case-insensitive sort by Name, got %q then %q", out[0].Name, out[1].Name)
	}
	if out[1].Keyword != "bport" {
		t.Fatalf("expected explicit keyword preserved, got %q", out[1].Keyword)
	}
}

func TestParsePortalListMissingHeaderIsError(t *testing.T) {
	_, err := ParsePortalList(strings.NewReader("Foo,Bar\n1,2\n"), nil)
	if err == nil {
		t.Fatal("expected an error for missing Name/BaseURL headers")
	}
}

func TestParsePortalListEmptyInput(t *testing.T) {
	out, err := ParsePortalList(strings.NewReader(""), nil)
	if err != nil {
		t.Fatalf("ParsePortalList: %v", err)
	}
	if out != nil {
		t.Fatalf("expected nil result for empty input, got %+v", out)
	}
}

func TestSettingsValidate(t *testing.T) {
	base := Settings{DepartmentParallelWorkers: 1}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid base settings, got %v", err)
	}

	bad := base
	bad.DepartmentParallelWorkers = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for zero department_parallel_workers")
	}

	bad = base
	bad.BatchDeltaMode = "bogus"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for invalid batch_delta_mode")
	}

	bad = base
	bad.RefreshWatchEnabled = true
	bad.RefreshWatchLoopSeconds = 1
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for refresh_watch_loop_seconds < 5 while enabled")
	}

	bad = base
	bad.ExcelExportPolicy = ExcelExportInterval
	bad.ExcelExportIntervalDays = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for interval policy with zero interval days")
	}

	bad = base
	bad.SQLiteBackupRetentionDays = 3
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for retention days below 7")
	}
}

func TestBatchConfigValidate(t *testing.T) {
	base := BatchConfig{Mode: "sequential", MaxParallel: 1, IPSafety: IPSafety{PerDomainMax: 1}}
	if err := base.Validate(); err != nil {
		t.Fatalf("expected valid base config, got %v", err)
	}

	bad := base
	bad.Mode = "bogus"
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for invalid mode")
	}

	bad = base
	bad.IPSafety.PerDomainMax = 0
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for per_domain_max < 1")
	}

	bad = base
	bad.IPSafety.MinDelaySec = 10
	bad.IPSafety.MaxDelaySec = 5
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error when max_delay_sec < min_delay_sec")
	}

	bad = base
	bad.IPSafety.MaxRetries = -1
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for negative max_retries")
	}
}
