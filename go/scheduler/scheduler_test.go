package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tenderwatch/batchscrape/go/checkpoint"
	"github.com/tenderwatch/batchscrape/go/config"
	"github.com/tenderwatch/batchscrape/go/domainlimiter"
	"github.com/tenderwatch/batchscrape/go/fetch"
	"github.com/tenderwatch/batchscrape/go/ops"
	"github.com/tenderwatch/batchscrape/go/portal"
	"github.com/tenderwatch/batchscrape/go/store"
)

func newTestScheduler(t *testing.T, fk *fetch.Fake) *Scheduler {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	limiter, err := domainlimiter.New(domainlimiter.Config{PerDomainMax: 2, MaxRetries: 1}, 16)
	if err != nil {
		t.Fatalf("domainlimiter.New: %v", err)
	}
	cp, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoint.json"))
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}

	sched := NewScheduler(s, limiter, cp, ops.Component("test"), func(p portal.Portal) fetch.PortalFetcher {
		return fk
	})
	go func() {
		for range sched.Bus.Events() {
		}
	}()
	return sched
}

func portalsWithDept(fk *fetch.Fake, names ...string) []portal.Portal {
	var out []portal.Portal
	for _, name := range names {
		p := portal.New(name, "https://"+name+".eprocure.gov.in/app", name)
		dept := portal.Department{SerialNo: "1", Name: "PWD", TenderCountRaw: "1"}
		fk.Departments[p.Name] = []portal.Department{dept}
		fk.SetRows(p.Name, dept.SerialNo, []fetch.RawRow{
			{TitleRef: "[2024_PWD_1]", DepartmentName: dept.Name, ClosingDate: "01/02/2024"},
		})
		out = append(out, p)
	}
	return out
}

func TestRunBatchSequentialProcessesAllPortals(t *testing.T) {
	fk := fetch.NewFake()
	sched := newTestScheduler(t, fk)
	portals := portalsWithDept(fk, "alpha", "beta")

	summaries, err := sched.RunBatch(context.Background(), portals, config.BatchConfig{
		Mode: "sequential", MaxParallel: 1, DeltaMode: "quick",
		IPSafety: config.IPSafety{PerDomainMax: 2, MaxRetries: 1},
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(summaries))
	}
	for _, s := range summaries {
		if s.ExtractedTotalTenders != 1 {
			t.Errorf("ExtractedTotalTenders = %d, want 1", s.ExtractedTotalTenders)
		}
	}
}

func TestRunBatchParallelProcessesAllPortals(t *testing.T) {
	fk := fetch.NewFake()
	sched := newTestScheduler(t, fk)
	portals := portalsWithDept(fk, "alpha", "beta", "gamma")

	summaries, err := sched.RunBatch(context.Background(), portals, config.BatchConfig{
		Mode: "parallel", MaxParallel: 3, DeltaMode: "quick",
		IPSafety: config.IPSafety{PerDomainMax: 2, MaxRetries: 1},
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("expected 3 summaries, got %d", len(summaries))
	}
}

// TestRunBatchDrainsPendingWatchTriggeredPortal is the regression test for
// the C8->C6 feedback loop (spec §4.8 step 3): a portal enqueued by
// go/refreshwatch after an org-list change is not otherwise a member of
// this batch's portal catalog, yet RunBatch must still pick it up and scrape
// it once idle, tagged as a watch-triggered run rather than silently
// dropped.
func TestRunBatchDrainsPendingWatchTriggeredPortal(t *testing.T) {
	fk := fetch.NewFake()
	sched := newTestScheduler(t, fk)
	portalsWithDept(fk, "beta") // not part of the RunBatch portal list below
	portals := portalsWithDept(fk, "alpha")

	sched.Enqueue("beta", true)

	summaries, err := sched.RunBatch(context.Background(), portals, config.BatchConfig{
		Mode: "sequential", MaxParallel: 1, DeltaMode: "quick",
		IPSafety: config.IPSafety{PerDomainMax: 2, MaxRetries: 1},
	})
	if err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 summaries (alpha + drained beta), got %d", len(summaries))
	}
	base := sched.Checkpointer.ResumeBase()
	got := map[string]bool{}
	for _, name := range base.CompletedPortals {
		got[name] = true
	}
	if !got["alpha"] || !got["beta"] {
		t.Fatalf("CompletedPortals = %v, want alpha and beta", base.CompletedPortals)
	}
	if len(sched.DrainPending()) != 0 {
		t.Fatal("expected the pending queue to have been drained by RunBatch")
	}
}

// TestRunBatchParallelDoesNotDeadlockWithPerDomainMaxOne is a regression
// test: a worker used to hold an outer domain-slot acquisition for an
// entire portal run while go/scraper's per-fetch acquisition tried to take
// a second slot for the same host on the same goroutine, which never
// returns when per_domain_max is 1. All these portals share one host.
func TestRunBatchParallelDoesNotDeadlockWithPerDomainMaxOne(t *testing.T) {
	fk := fetch.NewFake()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer s.Close()
	limiter, err := domainlimiter.New(domainlimiter.Config{PerDomainMax: 1, MaxRetries: 1}, 16)
	if err != nil {
		t.Fatalf("domainlimiter.New: %v", err)
	}
	cp, err := checkpoint.Open(filepath.Join(t.TempDir(), "checkpoint.json"))
	if err != nil {
		t.Fatalf("checkpoint.Open: %v", err)
	}
	sched := NewScheduler(s, limiter, cp, ops.Component("test"), func(p portal.Portal) fetch.PortalFetcher {
		return fk
	})
	go func() {
		for range sched.Bus.Events() {
		}
	}()

	shared := "https://shared.eprocure.gov.in/app"
	var portals []portal.Portal
	for _, name := range []string{"one", "two", "three"} {
		p := portal.New(name, shared, name)
		dept := portal.Department{SerialNo: "1", Name: "PWD", TenderCountRaw: "1"}
		fk.Departments[p.Name] = []portal.Department{dept}
		fk.SetRows(p.Name, dept.SerialNo, []fetch.RawRow{
			{TitleRef: "[2024_PWD_1]", DepartmentName: dept.Name, ClosingDate: "01/02/2024"},
		})
		portals = append(portals, p)
	}

	done := make(chan struct{})
	go func() {
		_, _ = sched.RunBatch(context.Background(), portals, config.BatchConfig{
			Mode: "parallel", MaxParallel: 3, DeltaMode: "quick",
			IPSafety: config.IPSafety{PerDomainMax: 1, MaxRetries: 1},
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("RunBatch did not complete within 10s: suspected domain-slot deadlock")
	}
}

func TestMarkCompletedMovesPortalFromRemainingToCompleted(t *testing.T) {
	fk := fetch.NewFake()
	sched := newTestScheduler(t, fk)
	if err := sched.Checkpointer.Replace(checkpoint.New([]string{"alpha", "beta"}, 1)); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	sched.markCompleted("alpha")

	base := sched.Checkpointer.ResumeBase()
	if len(base.RemainingPortals) != 1 || base.RemainingPortals[0] != "beta" {
		t.Fatalf("RemainingPortals = %v, want [beta]", base.RemainingPortals)
	}
	if len(base.CompletedPortals) != 1 || base.CompletedPortals[0] != "alpha" {
		t.Fatalf("CompletedPortals = %v, want [alpha]", base.CompletedPortals)
	}
}

func TestApplyEventToCheckpointFoldsProgressAndCompleted(t *testing.T) {
	fk := fetch.NewFake()
	sched := newTestScheduler(t, fk)
	if err := sched.Checkpointer.Replace(checkpoint.New([]string{"alpha"}, 1)); err != nil {
		t.Fatalf("Replace: %v", err)
	}

	sched.applyEventToCheckpoint(ops.Event{Kind: ops.KindProgress, Portal: "alpha", Progress: &ops.ProgressEvent{
		CurrentDeptIndex: 2, TotalDepts: 5, ExtractedSoFar: 7, ExpectedTotal: 20, DeptName: "Roads",
	}})
	base := sched.Checkpointer.ResumeBase()
	pp := base.PortalProgress["alpha"]
	if pp.DeptCurrent != 2 || pp.DeptTotal != 5 || pp.TendersFound != 7 || pp.Status != "running" {
		t.Fatalf("unexpected progress fold: %+v", pp)
	}
	if len(pp.ProcessedDepartments) != 1 || pp.ProcessedDepartments[0] != "roads" {
		t.Fatalf("ProcessedDepartments = %v, want [roads]", pp.ProcessedDepartments)
	}

	// A second progress event for a different department appends rather
	// than replaces; a repeat of the same department is not duplicated.
	sched.applyEventToCheckpoint(ops.Event{Kind: ops.KindProgress, Portal: "alpha", Progress: &ops.ProgressEvent{
		CurrentDeptIndex: 3, TotalDepts: 5, ExtractedSoFar: 9, ExpectedTotal: 20, DeptName: "roads",
	}})
	base = sched.Checkpointer.ResumeBase()
	if got := base.PortalProgress["alpha"].ProcessedDepartments; len(got) != 1 {
		t.Fatalf("expected no duplicate department, got %v", got)
	}
	sched.applyEventToCheckpoint(ops.Event{Kind: ops.KindProgress, Portal: "alpha", Progress: &ops.ProgressEvent{
		CurrentDeptIndex: 4, TotalDepts: 5, ExtractedSoFar: 12, ExpectedTotal: 20, DeptName: "Health",
	}})
	base = sched.Checkpointer.ResumeBase()
	if got := base.PortalProgress["alpha"].ProcessedDepartments; len(got) != 2 || got[0] != "roads" || got[1] != "health" {
		t.Fatalf("ProcessedDepartments = %v, want [roads health]", got)
	}

	sched.applyEventToCheckpoint(ops.Event{Kind: ops.KindCompleted, Portal: "alpha", Completed: &ops.CompletedEvent{
		Status: store.RunStatusCompleted,
	}})
	base = sched.Checkpointer.ResumeBase()
	pp = base.PortalProgress["alpha"]
	if pp.Status != store.RunStatusCompleted {
		t.Fatalf("Status = %q, want %q", pp.Status, store.RunStatusCompleted)
	}
	// The dept_current field set by the latest progress patch (index 4) must
	// survive the completed patch, since merge patch only touches named fields.
	if pp.DeptCurrent != 4 {
		t.Fatalf("expected prior dept_current to survive the completed patch, got %d", pp.DeptCurrent)
	}
}

func TestIdleReflectsRunBatchLifecycle(t *testing.T) {
	fk := fetch.NewFake()
	sched := newTestScheduler(t, fk)
	if !sched.Idle() {
		t.Fatal("expected Idle()==true before any RunBatch")
	}
	portals := portalsWithDept(fk, "alpha")
	if _, err := sched.RunBatch(context.Background(), portals, config.BatchConfig{
		Mode: "sequential", MaxParallel: 1,
		IPSafety: config.IPSafety{PerDomainMax: 2, MaxRetries: 1},
	}); err != nil {
		t.Fatalf("RunBatch: %v", err)
	}
	if !sched.Idle() {
		t.Fatal("expected Idle()==true after RunBatch returns")
	}
}

func TestEnqueueAndDrainPending(t *testing.T) {
	fk := fetch.NewFake()
	sched := newTestScheduler(t, fk)
	sched.Enqueue("alpha", true)
	sched.Enqueue("beta", false)

	pending := sched.DrainPending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending entries, got %d", len(pending))
	}
	if len(sched.DrainPending()) != 0 {
		t.Fatal("expected DrainPending to empty the queue")
	}
}
