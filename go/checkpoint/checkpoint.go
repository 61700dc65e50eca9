// Package checkpoint implements the Checkpointer (C7): persisting
// scheduler+portal progress to a single JSON file on every material event,
// and the resume contract built on top of it (spec §4.7).
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
)

const schemaVersion = 1

// Totals are the batch-wide counters of spec §4.7.
type Totals struct {
	Tenders                int `json:"tenders"`
	Departments            int `json:"departments"`
	Portals                int `json:"portals"`
	SkippedExisting        int `json:"skipped_existing"`
	ClosingDateReprocessed int `json:"closing_date_reprocessed"`
}

// PortalProgress is the per-portal progress record of spec §4.7.
type PortalProgress struct {
	ProcessedDepartments []string  `json:"processed_departments"`
	DeptCurrent          int       `json:"dept_current"`
	DeptTotal            int       `json:"dept_total"`
	ExpectedDepartments  int       `json:"expected_departments"`
	TendersFound         int       `json:"tenders_found"`
	ExpectedTenders      int       `json:"expected_tenders"`
	Status               string    `json:"status"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Checkpoint is the full persisted document of spec §4.7.
type Checkpoint struct {
	Version          int                       `json:"version"`
	UpdatedAt        time.Time                 `json:"updated_at"`
	IsScraping       bool                      `json:"is_scraping"`
	AllPortals       []string                  `json:"all_portals"`
	CompletedPortals []string                  `json:"completed_portals"`
	RemainingPortals []string                  `json:"remaining_portals"`
	WorkerCount      int                       `json:"worker_count"`
	WorkerNames      []string                  `json:"worker_names"`
	Totals           Totals                    `json:"totals"`
	PortalProgress   map[string]PortalProgress `json:"portal_progress"`
}

// New returns an empty Checkpoint for a freshly started batch over portals.
func New(portals []string, workerCount int) Checkpoint {
	names := append([]string(nil), portals...)
	sort.Strings(names)
	return Checkpoint{
		Version:          schemaVersion,
		UpdatedAt:        time.Now(),
		IsScraping:       true,
		AllPortals:       names,
		RemainingPortals: names,
		WorkerCount:      workerCount,
		PortalProgress:   map[string]PortalProgress{},
	}
}

// ProcessedDepartmentSet returns the processed department names recorded
// for p, as stored (the Scheduler records them lowercased+trimmed, the form
// C3 consumes as resume_processed_departments, spec §4.2); it does not
// normalize them itself.
func (c Checkpoint) ProcessedDepartmentSet(portalName string) map[string]bool {
	out := map[string]bool{}
	for _, name := range c.PortalProgress[portalName].ProcessedDepartments {
		out[name] = true
	}
	return out
}

// Checkpointer owns the on-disk checkpoint file. It is the single writer
// (spec §5 "checkpoint file is owned by the Scheduler; no worker writes it
// directly"); callers serialize their own access, same as the teacher's
// "single owner goroutine" re-architecture note (spec §9).
type Checkpointer struct {
	path string
	mu   sync.Mutex
	doc  Checkpoint
}

// Open loads path if present, else returns a Checkpointer around an empty
// document. A missing file is not an error; a read or parse failure is
// returned, wrapped, together with a usable Checkpointer around an empty
// document.
func Open(path string) (*Checkpointer, error) {
	c := &Checkpointer{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return c, fmt.Errorf("checkpoint: read %q: %w", path, err)
	}
	var doc Checkpoint
	if err := json.Unmarshal(data, &doc); err != nil {
		return c, fmt.Errorf("checkpoint: parse %q: %w", path, err)
	}
	c.doc = doc
	return c, nil
}

// ResumeBase returns the current in-memory document: the one loaded at
// Open, as updated since by Replace and ApplyPatch. The Scheduler adopts it
// as the batch's checkpoint when it still lists remaining portals and reads
// each portal's processed departments from it; it still dispatches its full
// target list, and it keeps no counters on top of Totals.
func (c *Checkpointer) ResumeBase() Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc
}

// Replace overwrites the in-memory document wholesale and persists it.
func (c *Checkpointer) Replace(doc Checkpoint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc.Version = schemaVersion
	doc.UpdatedAt = time.Now()
	c.doc = doc
	return c.writeLocked()
}

// ApplyPatch overlays patch (an RFC 7386 JSON merge patch fragment, e.g.
// {"portal_progress":{"HP Tenders":{"dept_current":5}}}) onto the current
// document and persists the result. Using a merge patch here keeps a
// single-department progress update declarative and testable against
// literal JSON fixtures, instead of hand-written nested-map mutation code
// for every field combination a caller might update.
func (c *Checkpointer) ApplyPatch(patch interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	docJSON, err := json.Marshal(c.doc)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal current: %w", err)
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal patch: %w", err)
	}
	merged, err := jsonpatch.MergePatch(docJSON, patchJSON)
	if err != nil {
		return fmt.Errorf("checkpoint: merge patch: %w", err)
	}

	var doc Checkpoint
	if err := json.Unmarshal(merged, &doc); err != nil {
		return fmt.Errorf("checkpoint: unmarshal merged: %w", err)
	}
	doc.Version = schemaVersion
	doc.UpdatedAt = time.Now()
	c.doc = doc
	return c.writeLocked()
}

// writeLocked performs the atomic temp-file-then-rename write, the same
// pattern the teacher uses for catalog build outputs: write to a temp path
// in the destination directory, then os.Rename into place, so a reader
// never observes a partially-written file.
func (c *Checkpointer) writeLocked() error {
	data, err := json.MarshalIndent(c.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: mkdir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("checkpoint: rename into place: %w", err)
	}
	return nil
}

// Delete removes the checkpoint file. Called only when a batch ends with
// no remaining portals (spec §4.7).
func (c *Checkpointer) Delete() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("checkpoint: delete %q: %w", c.path, err)
	}
	return nil
}
