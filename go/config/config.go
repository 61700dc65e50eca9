// Package config holds the on-disk configuration shapes of spec §6:
// the portal-list CSV, the settings file, and the batch configuration.
package config

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/tenderwatch/batchscrape/go/portal"
	"github.com/tenderwatch/batchscrape/go/refreshwatch"
)

// LoadPortalList reads a CSV with columns Name, BaseURL, Keyword. Rows
// with a missing BaseURL are dropped with a warning; the result is sorted
// by Name case-insensitively (spec §6).
func LoadPortalList(path string, logger log.FieldLogger) ([]portal.Portal, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open portal list: %w", err)
	}
	defer f.Close()
	return ParsePortalList(f, logger)
}

// ParsePortalList is LoadPortalList's reader-based core, split out so
// tests can exercise it against literal CSV fixtures.
func ParsePortalList(r io.Reader, logger log.FieldLogger) ([]portal.Portal, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("config: parse portal list: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	header := records[0]
	col := map[string]int{}
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	nameIdx, hasName := col["name"]
	urlIdx, hasURL := col["baseurl"]
	kwIdx, hasKw := col["keyword"]
	if !hasName || !hasURL {
		return nil, fmt.Errorf("config: portal list missing Name/BaseURL header")
	}

	var out []portal.Portal
	for _, row := range records[1:] {
		name := field(row, nameIdx, hasName)
		baseURL := field(row, urlIdx, hasURL)
		keyword := field(row, kwIdx, hasKw)
		if strings.TrimSpace(baseURL) == "" {
			if logger != nil {
				logger.WithField("name", name).Warn("config: dropping portal row with missing BaseURL")
			}
			continue
		}
		out = append(out, portal.New(name, baseURL, keyword))
	}

	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

func field(row []string, idx int, has bool) string {
	if !has || idx >= len(row) {
		return ""
	}
	return row[idx]
}

// ExcelExportPolicy selects when Exporter writes a workbook (spec §6).
type ExcelExportPolicy string

const (
	ExcelExportOnDemand ExcelExportPolicy = "on_demand"
	ExcelExportAlways   ExcelExportPolicy = "always"
	ExcelExportInterval ExcelExportPolicy = "interval"
)

// Timeouts groups the per-phase timeout knobs of spec §6.
type Timeouts struct {
	PageLoad          time.Duration `json:"page_load"`
	ElementWait       time.Duration `json:"element_wait"`
	Stabilize         time.Duration `json:"stabilize"`
	PostAction        time.Duration `json:"post_action"`
	CaptchaCheck      time.Duration `json:"captcha_check"`
	DownloadWait      time.Duration `json:"download_wait"`
	PopupWait         time.Duration `json:"popup_wait"`
	PostDownloadClick time.Duration `json:"post_download_click"`
}

// Settings is the top-level settings file (spec §6).
type Settings struct {
	DownloadDirectory         string              `json:"download_directory"`
	DepartmentParallelWorkers int                 `json:"department_parallel_workers"`
	BatchDeltaMode            string              `json:"batch_delta_mode"`
	RefreshWatchEnabled       bool                `json:"refresh_watch_enabled"`
	RefreshWatchLoopSeconds   int                 `json:"refresh_watch_loop_seconds"`
	RefreshWatchPortals       []refreshwatch.Rule `json:"refresh_watch_portals"`
	CentralSQLiteDBPath       string              `json:"central_sqlite_db_path"`
	SQLiteBackupDirectory     string              `json:"sqlite_backup_directory"`
	SQLiteBackupRetentionDays int                 `json:"sqlite_backup_retention_days"`
	ExcelExportPolicy         ExcelExportPolicy   `json:"excel_export_policy"`
	ExcelExportIntervalDays   int                 `json:"excel_export_interval_days"`
	Timeouts                  Timeouts            `json:"timeouts"`
}

// Validate enforces the knob constraints listed in spec §6.
func (s Settings) Validate() error {
	if s.DepartmentParallelWorkers <= 0 {
		return &ConfigError{Field: "department_parallel_workers", Reason: "must be >= 1"}
	}
	if s.BatchDeltaMode != "" && s.BatchDeltaMode != "quick" && s.BatchDeltaMode != "full" {
		return &ConfigError{Field: "batch_delta_mode", Reason: "must be quick or full"}
	}
	if s.RefreshWatchEnabled && s.RefreshWatchLoopSeconds < 5 {
		return &ConfigError{Field: "refresh_watch_loop_seconds", Reason: "must be >= 5"}
	}
	if s.SQLiteBackupRetentionDays != 0 && s.SQLiteBackupRetentionDays < 7 {
		return &ConfigError{Field: "sqlite_backup_retention_days", Reason: "must be >= 7"}
	}
	switch s.ExcelExportPolicy {
	case "", ExcelExportOnDemand, ExcelExportAlways:
	case ExcelExportInterval:
		if s.ExcelExportIntervalDays < 1 {
			return &ConfigError{Field: "excel_export_interval_days", Reason: "must be >= 1"}
		}
	default:
		return &ConfigError{Field: "excel_export_policy", Reason: "unrecognized policy"}
	}
	return nil
}

// IPSafety groups the DomainLimiter knobs of spec §6 batch configuration.
type IPSafety struct {
	PerDomainMax int           `json:"per_domain_max"`
	MinDelaySec  time.Duration `json:"min_delay_sec"`
	MaxDelaySec  time.Duration `json:"max_delay_sec"`
	CooldownSec  time.Duration `json:"cooldown_sec"`
	MaxRetries   int           `json:"max_retries"`
}

// BatchConfig is the per-run batch configuration of spec §6.
type BatchConfig struct {
	Mode        string   `json:"mode"` // "sequential" | "parallel"
	MaxParallel int      `json:"max_parallel"`
	OnlyNew     bool     `json:"only_new"`
	DeltaMode   string   `json:"delta_mode"` // "quick" | "full"
	IPSafety    IPSafety `json:"ip_safety"`
}

// Validate enforces the batch configuration's constraints.
func (b BatchConfig) Validate() error {
	if b.Mode != "sequential" && b.Mode != "parallel" {
		return &ConfigError{Field: "mode", Reason: "must be sequential or parallel"}
	}
	if b.MaxParallel <= 0 {
		return &ConfigError{Field: "max_parallel", Reason: "must be >= 1"}
	}
	if b.DeltaMode != "" && b.DeltaMode != "quick" && b.DeltaMode != "full" {
		return &ConfigError{Field: "delta_mode", Reason: "must be quick or full"}
	}
	if b.IPSafety.PerDomainMax < 1 {
		return &ConfigError{Field: "ip_safety.per_domain_max", Reason: "must be >= 1"}
	}
	if b.IPSafety.MaxDelaySec < b.IPSafety.MinDelaySec {
		return &ConfigError{Field: "ip_safety.max_delay_sec", Reason: "must be >= min_delay_sec"}
	}
	if b.IPSafety.CooldownSec < 0 {
		return &ConfigError{Field: "ip_safety.cooldown_sec", Reason: "must be >= 0"}
	}
	if b.IPSafety.MaxRetries < 0 {
		return &ConfigError{Field: "ip_safety.max_retries", Reason: "must be >= 0"}
	}
	return nil
}

// ConfigError is spec §7's ConfigError kind: fatal at startup, not
// recoverable.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}
