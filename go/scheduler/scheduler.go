// Package scheduler implements the Scheduler (C6): sequential and
// parallel portal dispatch, the shared stop-signal, and per-portal
// reporting (spec §4.6).
package scheduler

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.gazette.dev/core/task"

	"github.com/tenderwatch/batchscrape/go/checkpoint"
	"github.com/tenderwatch/batchscrape/go/config"
	"github.com/tenderwatch/batchscrape/go/domainlimiter"
	"github.com/tenderwatch/batchscrape/go/fetch"
	"github.com/tenderwatch/batchscrape/go/ops"
	"github.com/tenderwatch/batchscrape/go/portal"
	"github.com/tenderwatch/batchscrape/go/scraper"
	"github.com/tenderwatch/batchscrape/go/store"
	"github.com/tenderwatch/batchscrape/go/watchdog"
)

// FetcherFactory builds the out-of-scope browser-automation fetcher for a
// portal; tests supply one backed by fetch.Fake.
type FetcherFactory func(p portal.Portal) fetch.PortalFetcher

// Scheduler drives a batch of portal runs (spec §4.6). It is the sole
// writer of the checkpoint file and the sole owner of the shared event bus
// (spec §5 "Shared-resource policy").
type Scheduler struct {
	Store        *store.Store
	Limiter      *domainlimiter.Limiter
	Checkpointer *checkpoint.Checkpointer
	Bus          *ops.Bus
	Log          ops.Logger
	NewFetcher   FetcherFactory
	ReportDir    string
	OutDir       string

	// Sink, if set, receives every event the Scheduler drains from Bus,
	// letting a CLI or GUI render progress without becoming a second
	// consumer of the single-owner channel (spec §9 re-architecture note).
	Sink func(ops.Event)

	mu      sync.Mutex
	idle    bool
	pending []pendingEntry
}

type pendingEntry struct {
	portal.Portal
	OnlyNew bool
}

// runTarget is one portal queued into a RunBatch dispatch, annotated with
// the scope_mode and only-new selection its Run record should carry (spec
// §3). Keeping these per-target rather than cfg-wide is what lets a
// refresh-watch-triggered rescrape (spec §4.8 step 3) be tagged
// "watch-triggered" in the same batch dispatch that also runs an ordinary
// "all departments" scheduled portal.
type runTarget struct {
	portal.Portal
	OnlyNew bool
	Scope   string
}

// NewScheduler constructs a Scheduler ready to run batches.
func NewScheduler(st *store.Store, limiter *domainlimiter.Limiter, cp *checkpoint.Checkpointer, logger ops.Logger, newFetcher FetcherFactory) *Scheduler {
	return &Scheduler{
		Store:        st,
		Limiter:      limiter,
		Checkpointer: cp,
		Bus:          ops.NewBus(256),
		Log:          logger,
		NewFetcher:   newFetcher,
		idle:         true,
	}
}

// Idle reports whether no batch is currently in flight; it satisfies
// go/refreshwatch.SchedulerIdle.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

// Enqueue appends a refresh-watch-triggered full rescrape to the pending
// queue, picked up by the next RunBatch call once idle (spec §4.8 step 3).
func (s *Scheduler) Enqueue(portalName string, onlyNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, pendingEntry{Portal: portal.Portal{Name: portalName}, OnlyNew: onlyNew})
}

// DrainPending removes and returns every portal queued by Enqueue.
func (s *Scheduler) DrainPending() []pendingEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

// RunBatch runs portals to completion under cfg's mode, consuming events
// from the bus to maintain the checkpoint. ctx's cancellation is the
// shared stop-signal (spec §5): Scheduler stops dispatching new portals;
// in-flight portals observe it at department boundaries.
func (s *Scheduler) RunBatch(ctx context.Context, portals []portal.Portal, cfg config.BatchConfig) ([]scraper.PortalSummary, error) {
	s.mu.Lock()
	s.idle = false
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.idle = true
		s.mu.Unlock()
	}()

	targets := s.buildTargets(portals, cfg)

	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = t.Name
	}
	cp := checkpoint.New(names, workerCount(cfg))
	if base := s.Checkpointer.ResumeBase(); len(base.RemainingPortals) > 0 {
		cp = base
	}
	if err := s.Checkpointer.Replace(cp); err != nil && s.Log != nil {
		s.Log.Log(logWarn, nil, "scheduler: checkpoint write failed: "+err.Error())
	}

	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()
	go s.drainEvents(drainCtx)

	var summaries []scraper.PortalSummary
	var err error
	if cfg.Mode == "parallel" {
		summaries, err = s.runParallel(ctx, targets, cfg)
	} else {
		summaries, err = s.runSequential(ctx, targets, cfg)
	}

	if len(s.Checkpointer.ResumeBase().RemainingPortals) == 0 {
		_ = s.Checkpointer.Delete()
	}
	return summaries, err
}

// buildTargets folds any refresh-watch-triggered rescrapes queued by
// Enqueue (spec §4.8 step 3) into this batch's dispatch list, alongside the
// caller's own portal catalog. A pending entry whose portal is already in
// this batch is dropped in favor of the regular dispatch, since it will
// cover the same ground; otherwise it is appended as Enqueue recorded it
// (carrying only the portal name, since a portal absent from this batch's
// catalog has no BaseURL etc. to resolve) and tagged ScopeWatchTriggered, so the C8->C6
// feedback loop this closes is visible in the resulting Run records rather
// than indistinguishable from an ordinary scheduled pass.
func (s *Scheduler) buildTargets(portals []portal.Portal, cfg config.BatchConfig) []runTarget {
	byName := make(map[string]portal.Portal, len(portals))
	seen := make(map[string]bool, len(portals))
	targets := make([]runTarget, 0, len(portals))
	for _, p := range portals {
		byName[p.NormalizedName()] = p
		seen[p.NormalizedName()] = true
		targets = append(targets, runTarget{Portal: p, OnlyNew: cfg.OnlyNew, Scope: store.ScopeAll})
	}

	for _, pending := range s.DrainPending() {
		key := pending.NormalizedName()
		if seen[key] {
			continue
		}
		seen[key] = true
		p := pending.Portal
		if resolved, ok := byName[key]; ok {
			p = resolved
		}
		targets = append(targets, runTarget{Portal: p, OnlyNew: pending.OnlyNew, Scope: store.ScopeWatchTriggered})
	}
	return targets
}

func workerCount(cfg config.BatchConfig) int {
	if cfg.Mode == "parallel" && cfg.MaxParallel > 0 {
		return cfg.MaxParallel
	}
	return 1
}

func (s *Scheduler) runSequential(ctx context.Context, targets []runTarget, cfg config.BatchConfig) ([]scraper.PortalSummary, error) {
	var out []scraper.PortalSummary
	for i, t := range targets {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			sleepRandom(ctx, cfg.IPSafety.MinDelaySec, cfg.IPSafety.MaxDelaySec)
		}
		summary, err := s.runOnePortal(ctx, t, cfg)
		out = append(out, summary)
		s.writeReport(t.Portal, summary)
		s.markCompleted(t.Name)
		if err != nil && s.Log != nil {
			s.Log.Log(logWarn, nil, fmt.Sprintf("scheduler: portal %q: %v", t.Name, err))
		}
	}
	return out, nil
}

func (s *Scheduler) runParallel(ctx context.Context, targets []runTarget, cfg config.BatchConfig) ([]scraper.PortalSummary, error) {
	tasks := task.NewGroup(ctx)
	queue := make(chan runTarget, len(targets))
	for _, t := range targets {
		queue <- t
	}
	close(queue)

	slots := cfg.MaxParallel
	if slots < 1 {
		slots = 1
	}
	if slots > len(targets) {
		slots = len(targets)
	}
	if slots == 0 {
		return nil, nil
	}

	var mu sync.Mutex
	var out []scraper.PortalSummary

	for w := 0; w < slots; w++ {
		workerID := w
		tasks.Queue(fmt.Sprintf("scheduler/worker-%d", workerID), func() error {
			for {
				select {
				case <-tasks.Context().Done():
					return nil
				case t, ok := <-queue:
					if !ok {
						return nil
					}
					summary, err := s.runOneWithRetry(tasks.Context(), t, cfg)
					mu.Lock()
					out = append(out, summary)
					mu.Unlock()
					s.writeReport(t.Portal, summary)
					s.markCompleted(t.Name)
					if err != nil && s.Log != nil {
						s.Log.Log(logWarn, nil, fmt.Sprintf("scheduler: portal %q: %v", t.Name, err))
					}
				}
			}
		})
	}

	tasks.GoRun()
	err := tasks.Wait()
	return out, err
}

// runOneWithRetry implements spec §4.6 parallel-worker steps 1-4 at the
// whole-portal-run granularity: retry probable-block errors up to
// max_retries with C5 backoff before giving up on the portal. The actual
// domain-slot acquire/release happens per fetch call inside go/scraper's
// fetchWithRecovery, which is also where a rate-block response is first
// observed; holding a second, outer acquire here for the same host across
// the whole portal run would self-deadlock the moment an inner fetch tried
// to acquire a slot for per_domain_max < 2, so this wrapper only supplies
// the portal-level retry loop, not a second semaphore slot.
func (s *Scheduler) runOneWithRetry(ctx context.Context, t runTarget, cfg config.BatchConfig) (scraper.PortalSummary, error) {
	var lastSummary scraper.PortalSummary
	var lastErr error
	for attempt := 0; attempt <= cfg.IPSafety.MaxRetries; attempt++ {
		lastSummary, lastErr = s.runOnePortal(ctx, t, cfg)
		if lastErr == nil || !domainlimiter.IsProbableBlock(lastErr.Error()) {
			return lastSummary, lastErr
		}
		time.Sleep(s.Limiter.Backoff(attempt))
	}
	return lastSummary, lastErr
}

func (s *Scheduler) runOnePortal(ctx context.Context, t runTarget, cfg config.BatchConfig) (scraper.PortalSummary, error) {
	p := t.Portal
	w := watchdog.New(p.Name, 0, 0)
	wtasks := task.NewGroup(ctx)
	w.QueueTasks(wtasks)
	wtasks.GoRun()
	defer wtasks.Cancel()

	base := s.Checkpointer.ResumeBase()
	resumeDepts := base.ProcessedDepartmentSet(p.Name)

	sc := &scraper.Scraper{
		Portal:   p,
		Fetcher:  s.NewFetcher(p),
		Store:    s.Store,
		Limiter:  s.Limiter,
		Watchdog: w,
		Bus:      s.Bus,
		Log:      s.Log,
	}

	departments, err := sc.Fetcher.FetchDepartments(ctx, p)
	if err != nil {
		return scraper.PortalSummary{Status: "Error during scraping"}, err
	}

	deltaMode := scraper.DeltaModeQuick
	if cfg.DeltaMode == "full" {
		deltaMode = scraper.DeltaModeFull
	}

	return sc.Run(ctx, scraper.RunOptions{
		Departments:                departments,
		Scope:                      t.Scope,
		OnlyNew:                    t.OnlyNew,
		DeltaMode:                  deltaMode,
		ResumeProcessedDepartments: resumeDepts,
		OutDir:                     s.OutDir,
	})
}

func (s *Scheduler) markCompleted(portalName string) {
	base := s.Checkpointer.ResumeBase()
	remaining := make([]string, 0, len(base.RemainingPortals))
	for _, name := range base.RemainingPortals {
		if name != portalName {
			remaining = append(remaining, name)
		}
	}
	completed := append(append([]string(nil), base.CompletedPortals...), portalName)
	_ = s.Checkpointer.ApplyPatch(map[string]interface{}{
		"remaining_portals": remaining,
		"completed_portals": completed,
	})
}

// drainEvents is the Scheduler's single Bus consumer: it forwards every
// event to Sink (if set) and folds Progress/Completed events into the
// checkpoint as merge-patch fragments.
func (s *Scheduler) drainEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-s.Bus.Events():
			if !ok {
				return
			}
			if s.Sink != nil {
				s.Sink(e)
			}
			s.applyEventToCheckpoint(e)
		}
	}
}

func (s *Scheduler) applyEventToCheckpoint(e ops.Event) {
	switch e.Kind {
	case ops.KindProgress:
		p := e.Progress
		_ = s.Checkpointer.ApplyPatch(map[string]interface{}{
			"portal_progress": map[string]interface{}{
				e.Portal: map[string]interface{}{
					"dept_current":          p.CurrentDeptIndex,
					"dept_total":            p.TotalDepts,
					"tenders_found":         p.ExtractedSoFar,
					"expected_tenders":      p.ExpectedTotal,
					"status":                "running",
					"processed_departments": s.appendProcessedDepartment(e.Portal, p.DeptName),
				},
			},
		})
	case ops.KindCompleted:
		c := e.Completed
		_ = s.Checkpointer.ApplyPatch(map[string]interface{}{
			"portal_progress": map[string]interface{}{
				e.Portal: map[string]interface{}{
					"status": c.Status,
				},
			},
		})
	}
}

// appendProcessedDepartment folds deptName into portalName's
// processed_departments set for the department-level resume contract
// (spec §1/§4.7; checkpoint.Checkpoint.ProcessedDepartmentSet). Checkpointer
// patches are RFC 7386 merge patches, which replace arrays wholesale rather
// than appending to them, so the full resulting array is computed here in
// Go rather than left to the patch itself.
func (s *Scheduler) appendProcessedDepartment(portalName, deptName string) []string {
	key := strings.ToLower(strings.TrimSpace(deptName))
	existing := s.Checkpointer.ResumeBase().PortalProgress[portalName].ProcessedDepartments
	for _, name := range existing {
		if name == key {
			return existing
		}
	}
	return append(append([]string(nil), existing...), key)
}

func sleepRandom(ctx context.Context, min, max time.Duration) {
	d := min
	if max > min {
		d = min + time.Duration(rand.Int63n(int64(max-min)))
	}
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// writeReport persists a per-portal JSON and CSV summary (spec §4.6
// "write per-portal JSON and CSV report").
func (s *Scheduler) writeReport(p portal.Portal, summary scraper.PortalSummary) {
	if s.ReportDir == "" {
		return
	}
	if err := os.MkdirAll(s.ReportDir, 0o755); err != nil {
		return
	}
	stem := filepath.Join(s.ReportDir, p.Keyword+"_report")

	if data, err := json.MarshalIndent(summary, "", "  "); err == nil {
		_ = os.WriteFile(stem+".json", data, 0o644)
	}

	if f, err := os.Create(stem + ".csv"); err == nil {
		w := csv.NewWriter(f)
		_ = w.Write([]string{"status", "expected_total", "extracted_total", "skipped_existing",
			"closing_date_reprocessed", "processed_departments", "partial_saved"})
		_ = w.Write([]string{
			summary.Status,
			strconv.Itoa(summary.ExpectedTotalTenders),
			strconv.Itoa(summary.ExtractedTotalTenders),
			strconv.Itoa(summary.SkippedExistingTotal),
			strconv.Itoa(summary.ClosingDateReprocessedTotal),
			strconv.Itoa(summary.ProcessedDepartments),
			strconv.FormatBool(summary.PartialSaved),
		})
		w.Flush()
		f.Close()
	}
}

const logWarn = 3 // logrus.WarnLevel
