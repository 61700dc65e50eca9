// Package scraper implements the DepartmentScraper (C3): driving a single
// portal run to completion, department by department (spec §4.2).
package scraper

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tenderwatch/batchscrape/go/domainlimiter"
	"github.com/tenderwatch/batchscrape/go/fetch"
	"github.com/tenderwatch/batchscrape/go/metrics"
	"github.com/tenderwatch/batchscrape/go/ops"
	"github.com/tenderwatch/batchscrape/go/portal"
	"github.com/tenderwatch/batchscrape/go/store"
	"github.com/tenderwatch/batchscrape/go/watchdog"
)

// DeltaMode selects whether a run performs the optional delta sweep of
// spec §4.2.b.
type DeltaMode string

const (
	DeltaModeQuick DeltaMode = "quick"
	DeltaModeFull  DeltaMode = "full"
)

// RunOptions parameterizes one portal run.
type RunOptions struct {
	Departments []portal.Department
	// Scope is the Run's scope_mode attribute (spec §3: "all" | "selected" |
	// "import" | "watch-triggered"), set by the caller to record *why* this
	// run happened. It is independent of OnlyNew, which only gates the
	// delta sweep below — conflating the two previously meant a
	// watch-triggered rescrape was indistinguishable from an ordinary
	// "all departments" batch run in the persisted Run record.
	Scope                      string
	OnlyNew                    bool
	DeltaMode                  DeltaMode
	ResumeProcessedDepartments map[string]bool // lowercased, trimmed names
	OutDir                     string
}

// Scraper drives one portal run. One instance is created per portal per
// batch run; it is not reused across runs.
type Scraper struct {
	Portal   portal.Portal
	Fetcher  fetch.PortalFetcher
	Store    *store.Store
	Limiter  *domainlimiter.Limiter
	Watchdog *watchdog.Watchdog
	Bus      *ops.Bus
	Log      ops.Logger
}

// PortalSummary is the value returned at the end of a run (spec §4.2.c).
type PortalSummary struct {
	Status                      string
	ExpectedTotalTenders        int
	ExtractedTotalTenders       int
	SkippedExistingTotal        int
	ProcessedDepartments        int
	ProcessedDepartmentNames    []string
	ExtractedTenderIDs          []string
	ClosingDateReprocessedTotal int
	DeltaSweepExtracted         int
	OutputFilePath              string
	OutputFileType              string
	PartialSaved                bool
}

// fatalRateBlock signals that C5's retry budget was exhausted on a
// department fetch; the whole portal run fails per spec §7 RateBlock.
type fatalRateBlock struct{ cause error }

func (e *fatalRateBlock) Error() string {
	return "scraper: rate block exhausted retries: " + e.cause.Error()
}

// Run drives the portal to completion. ctx's cancellation is the shared
// stop-signal of spec §5: C3 observes it only at department boundaries.
func (sc *Scraper) Run(ctx context.Context, opts RunOptions) (PortalSummary, error) {
	valid := validDepartments(opts.Departments)
	sc.Bus.Send(ops.Event{Kind: ops.KindDepartmentsLoaded, Portal: sc.Portal.Name,
		DepartmentsLoaded: &ops.DepartmentsLoadedEvent{Total: len(valid)}})

	// The run's own store bookkeeping uses a context that ctx's cancellation
	// does not reach, so a stop still records, exports and finalizes the
	// partial run.
	storeCtx := context.WithoutCancel(ctx)

	scopeMode := opts.Scope
	if scopeMode == "" {
		scopeMode = store.ScopeSelected
	}
	runID, err := sc.Store.StartRun(storeCtx, sc.Portal.Name, sc.Portal.BaseURL, scopeMode)
	if err != nil {
		return PortalSummary{}, err
	}

	if len(valid) == 0 {
		_ = sc.Store.FinalizeRun(storeCtx, runID, "No departments found", 0, 0, 0, false, "", "")
		return PortalSummary{Status: "No departments found"}, nil
	}

	ids, err := sc.Store.ExistingTenderIDsForPortal(storeCtx, sc.Portal.Name)
	if err != nil {
		return PortalSummary{}, err
	}
	snapshot, err := sc.Store.ExistingTenderSnapshotForPortal(storeCtx, sc.Portal.Name)
	if err != nil {
		return PortalSummary{}, err
	}

	summary := PortalSummary{ExpectedTotalTenders: expectedTotal(valid)}
	partial := false

	processedSet := map[string]bool{}
	for name, done := range opts.ResumeProcessedDepartments {
		processedSet[name] = done
	}

	runErr := func() error {
		for i, dept := range valid {
			if ctx.Err() != nil {
				partial = true
				return &StopRequestedError{}
			}
			key := strings.ToLower(strings.TrimSpace(dept.Name))
			if processedSet[key] {
				continue
			}

			extracted, skipped, closingReprocessed, failErr := sc.runDepartment(ctx, dept, ids, snapshot)
			var rateBlock *fatalRateBlock
			if errors.As(failErr, &rateBlock) {
				partial = true
				return rateBlock
			}
			if failErr != nil {
				sc.Bus.Send(ops.Event{Kind: ops.KindError, Portal: sc.Portal.Name,
					Error: &ops.ErrorEvent{Message: failErr.Error(), Fatal: false}})
			}

			processedSet[key] = true
			summary.ProcessedDepartmentNames = append(summary.ProcessedDepartmentNames, dept.Name)
			summary.ExtractedTotalTenders += extracted
			summary.SkippedExistingTotal += skipped
			summary.ClosingDateReprocessedTotal += closingReprocessed

			sc.Watchdog.Touch()
			sc.Bus.Send(ops.Event{Kind: ops.KindProgress, Portal: sc.Portal.Name, Progress: &ops.ProgressEvent{
				CurrentDeptIndex: i + 1,
				TotalDepts:       len(valid),
				ExtractedSoFar:   summary.ExtractedTotalTenders,
				ExpectedTotal:    summary.ExpectedTotalTenders,
				PendingDepts:     len(valid) - (i + 1),
				DeptName:         dept.Name,
			}})
		}
		return nil
	}()

	summary.ProcessedDepartments = len(summary.ProcessedDepartmentNames)
	summary.ExtractedTenderIDs = extractedIDs(ids)

	if runErr != nil {
		var stopErr *StopRequestedError
		switch {
		case errors.As(runErr, &stopErr):
			summary.Status = store.RunStatusStopped
			summary.PartialSaved = true
		default:
			summary.Status = "Error during scraping"
			summary.PartialSaved = true
		}
	} else {
		summary.Status = store.RunStatusCompleted
		if opts.OnlyNew && opts.DeltaMode == DeltaModeFull {
			sweepExtracted := sc.deltaSweep(ctx, valid, ids, snapshot)
			summary.DeltaSweepExtracted = sweepExtracted
			summary.ExtractedTotalTenders += sweepExtracted
			summary.ExtractedTenderIDs = extractedIDs(ids)
		}
		summary.PartialSaved = partial
	}

	path, kind, exportErr := sc.Store.ExportRun(storeCtx, runID, opts.OutDir, sc.Portal.Keyword)
	if exportErr == nil {
		summary.OutputFilePath = path
		summary.OutputFileType = kind
	}

	_ = sc.Store.FinalizeRun(storeCtx, runID, summary.Status, summary.ExpectedTotalTenders,
		summary.ExtractedTotalTenders, summary.SkippedExistingTotal, summary.PartialSaved,
		summary.OutputFilePath, summary.OutputFileType)

	sc.Bus.Send(ops.Event{Kind: ops.KindCompleted, Portal: sc.Portal.Name, Completed: &ops.CompletedEvent{
		Status:                 summary.Status,
		ExpectedTotalTenders:   summary.ExpectedTotalTenders,
		ExtractedTotalTenders:  summary.ExtractedTotalTenders,
		SkippedExistingTotal:   summary.SkippedExistingTotal,
		ClosingDateReprocessed: summary.ClosingDateReprocessedTotal,
		ProcessedDepartments:   summary.ProcessedDepartments,
		DeltaSweepExtracted:    summary.DeltaSweepExtracted,
		OutputFilePath:         summary.OutputFilePath,
		OutputFileType:         summary.OutputFileType,
		PartialSaved:           summary.PartialSaved,
	}})
	metrics.PortalRunsTotal.WithLabelValues(summary.Status).Inc()

	if runErr != nil {
		var stopErr *StopRequestedError
		if errors.As(runErr, &stopErr) {
			return summary, nil
		}
		return summary, runErr
	}
	return summary, nil
}

// runDepartment implements spec §4.2.a steps 1-6 for one department. It
// returns the extracted and skipped-existing counts, and a non-nil error
// only when the department itself failed (or, wrapped as *fatalRateBlock,
// when the whole run must stop).
func (sc *Scraper) runDepartment(ctx context.Context, dept portal.Department, ids *store.IDSet, snapshot map[string]store.Snapshot) (extracted, skipped, closingReprocessed int, err error) {
	host := hostOf(sc.Portal.BaseURL)

	rows, fetchErr := sc.fetchWithRecovery(ctx, dept, host)
	if fetchErr != nil {
		return 0, 0, 0, fetchErr
	}
	sc.Watchdog.Touch()

	var buffer []store.Row
	for i, raw := range rows {
		canonical := portal.CanonicalizeTenderID(sc.Portal.Skill, raw.TitleRef)
		if canonical == "" || !portal.IsCanonicalShape(canonical) {
			sc.Bus.Send(ops.Event{Kind: ops.KindError, Portal: sc.Portal.Name,
				Error: &ops.ErrorEvent{Message: (&ParseError{Department: dept.Name, Row: i + 1,
					Cause: errors.New("no extractable tender id")}).Error()}})
			continue
		}
		closing := portal.NormalizeClosingDate(raw.ClosingDate)

		if ids.Contains(canonical) {
			if snap, ok := snapshot[canonical]; ok && portal.NormalizeClosingDate(snap.ClosingDate) == closing {
				skipped++
				continue
			}
			closingReprocessed++
		}

		buffer = append(buffer, store.Row{
			TenderIDCanonical: canonical,
			TenderIDRaw:       raw.TitleRef,
			DepartmentName:    dept.Name,
			PublishedDate:     raw.PublishedDate,
			ClosingDate:       closing,
			OpeningDate:       raw.OpeningDate,
			OrganisationChain: raw.OrganisationChain,
			TitleRef:          raw.TitleRef,
			DirectURL:         portal.StripSessionParams(raw.DirectURL),
			StatusURL:         raw.StatusURL,
			EMDRaw:            raw.EMDRaw,
		})
	}

	if len(buffer) > 0 {
		if _, upsertErr := sc.Store.UpsertCurrentTenders(ctx, sc.Portal, buffer); upsertErr != nil {
			return 0, skipped, closingReprocessed, &ParseError{Department: dept.Name, Cause: upsertErr}
		}
		for _, r := range buffer {
			ids.Add(r.TenderIDCanonical)
			snapshot[r.TenderIDCanonical] = store.Snapshot{ClosingDate: r.ClosingDate}
		}
	}
	sc.Watchdog.Touch()

	extracted = len(buffer)
	if extracted > 0 {
		metrics.TendersExtracted.WithLabelValues(sc.Portal.Name).Add(float64(extracted))
	}
	if skipped > 0 {
		metrics.TendersSkipped.WithLabelValues(sc.Portal.Name).Add(float64(skipped))
	}
	if closingReprocessed > 0 {
		metrics.ClosingDateReprocessed.WithLabelValues(sc.Portal.Name).Add(float64(closingReprocessed))
	}
	return extracted, skipped, closingReprocessed, nil
}

// fetchResult carries a FetchDepartmentRows outcome across the goroutine
// fetchWithRecovery runs it in, so the watchdog's independent ticker can be
// selected against alongside it.
type fetchResult struct {
	rows []fetch.RawRow
	err  error
}

// watchdogAlarmError marks a fetch abandoned because the watchdog's
// wall-clock-jump/inactivity ticker fired (spec §4.4), not because
// FetchDepartmentRows itself returned an error. It is routed through the
// same session-recovery branch as an observed session-dead error below,
// since a hang is the failure mode the watchdog exists to catch.
type watchdogAlarmError struct{}

func (watchdogAlarmError) Error() string { return "watchdog: fetch exceeded inactivity threshold" }

// fetchWithRecovery implements step 1 (domain slot) and step 2 (fetch with
// session recovery and rate-block retry) of spec §4.2.a. The fetch itself
// runs in a goroutine so a hang — as opposed to a returned error — can
// still be caught via sc.Watchdog.Alarms() and routed into recovery; a
// goroutine abandoned this way keeps running to completion in the
// background but its result is discarded once the alarm or ctx wins.
func (sc *Scraper) fetchWithRecovery(ctx context.Context, dept portal.Department, host string) ([]fetch.RawRow, error) {
	recovered := false
	attempt := 0
	for {
		if err := sc.Limiter.Acquire(ctx, host); err != nil {
			return nil, &StopRequestedError{}
		}
		fetchStart := time.Now()
		resultCh := make(chan fetchResult, 1)
		go func() {
			rows, err := sc.Fetcher.FetchDepartmentRows(ctx, sc.Portal, dept)
			resultCh <- fetchResult{rows: rows, err: err}
		}()

		var rows []fetch.RawRow
		var err error
		select {
		case res := <-resultCh:
			rows, err = res.rows, res.err
		case <-sc.Watchdog.Alarms():
			err = watchdogAlarmError{}
		case <-ctx.Done():
			err = ctx.Err()
		}
		metrics.DepartmentFetchDuration.WithLabelValues(sc.Portal.Name).Observe(time.Since(fetchStart).Seconds())
		sc.Limiter.Release(host)
		if err == nil {
			return rows, nil
		}

		msg := err.Error()
		var deadErr *fetch.SessionDeadError
		var alarmErr watchdogAlarmError
		switch {
		case errors.As(err, &deadErr), errors.As(err, &alarmErr), fetch.LooksSessionDead(msg), errors.Is(err, context.DeadlineExceeded):
			sc.Watchdog.Signal()
			if recovered {
				return nil, &FetchTimeoutError{Department: dept.Name, Cause: err}
			}
			if reinitErr := sc.Fetcher.ReinitSession(ctx, sc.Portal); reinitErr != nil {
				return nil, &FetchTimeoutError{Department: dept.Name, Cause: reinitErr}
			}
			recovered = true
			// Discard the alarm Signal just raised, so the retry is not
			// abandoned by this same recovery request.
			select {
			case <-sc.Watchdog.Alarms():
			default:
			}
			continue

		case domainlimiter.IsProbableBlock(msg):
			metrics.RateBlocksDetected.WithLabelValues(host).Inc()
			if attempt >= sc.Limiter.MaxRetries() {
				return nil, &fatalRateBlock{cause: err}
			}
			time.Sleep(sc.Limiter.Backoff(attempt))
			attempt++
			continue

		default:
			return nil, &ParseError{Department: dept.Name, Cause: err}
		}
	}
}

// deltaSweep implements spec §4.2.b: one additional shallow pass over all
// departments, using the now-enlarged ids set for fast-path filtering.
func (sc *Scraper) deltaSweep(ctx context.Context, departments []portal.Department, ids *store.IDSet, snapshot map[string]store.Snapshot) int {
	total := 0
	for _, dept := range departments {
		if ctx.Err() != nil {
			return total
		}
		extracted, _, _, err := sc.runDepartment(ctx, dept, ids, snapshot)
		if err != nil {
			continue
		}
		total += extracted
	}
	return total
}

func validDepartments(all []portal.Department) []portal.Department {
	var out []portal.Department
	for _, d := range all {
		if d.IsValid() {
			out = append(out, d)
		}
	}
	return out
}

func expectedTotal(departments []portal.Department) int {
	total := 0
	for _, d := range departments {
		if n, err := strconv.Atoi(strings.TrimSpace(d.TenderCountRaw)); err == nil {
			total += n
		}
	}
	return total
}

func extractedIDs(ids *store.IDSet) []string {
	return ids.All()
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}
