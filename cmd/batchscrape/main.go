// Command batchscrape is the non-interactive entry point of spec §6's
// "command surface (minimal)": a single portal run scoped to all
// departments, a filtered subset, or an explicit department list.
package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/google/uuid"
	flags "github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"

	"github.com/tenderwatch/batchscrape/go/config"
	"github.com/tenderwatch/batchscrape/go/domainlimiter"
	"github.com/tenderwatch/batchscrape/go/fetch"
	"github.com/tenderwatch/batchscrape/go/metrics"
	"github.com/tenderwatch/batchscrape/go/ops"
	"github.com/tenderwatch/batchscrape/go/portal"
	"github.com/tenderwatch/batchscrape/go/scraper"
	"github.com/tenderwatch/batchscrape/go/store"
	"github.com/tenderwatch/batchscrape/go/watchdog"
)

// Config is the top-level CLI configuration (spec §6 command surface).
type Config struct {
	URL         string `long:"url" description:"portal name to scrape" required:"true"`
	PortalList  string `long:"portal-list" description:"CSV portal-list path (Name, BaseURL, Keyword)" required:"true"`
	Output      string `long:"output" description:"directory to write exports" default:"."`
	Log         string `long:"log" description:"path to the log file"`
	JobID       string `long:"job-id" description:"unique id for this invocation"`
	DeptWorkers int    `long:"dept-workers" default:"1" description:"department-level parallelism (GUI mode only; unused here)"`
	JSONEvents  bool   `long:"json-events" description:"emit one JSON event object per line on stdout"`
	DBPath      string `long:"db" description:"sqlite store path" default:"batchscrape.db"`
	MetricsAddr string `long:"metrics-addr" description:"address to serve /metrics on (empty disables it)"`

	Department         cmdDepartment         `command:"department" description:"scrape one portal's departments"`
	ReconcileCancelled cmdReconcileCancelled `command:"reconcile-cancelled" description:"mark tender ids cancelled from a feed, without a full scrape"`
}

type cmdDepartment struct {
	All        bool   `long:"all" description:"visit every valid department"`
	Filter     string `long:"filter" description:"substring filter on department name, used with --all"`
	Positional struct {
		Departments []string `positional-arg-name:"department" description:"explicit department names"`
	} `positional-args:"yes"`
}

// cmdReconcileCancelled is the supplemented `reconcile_cancelled_ids`
// maintenance operation (SPEC_FULL.md "Supplemented features"), grounded on
// original_source/tools/reconcile_cancelled_ids.py: mark a portal's tender
// ids cancelled from a feed, without re-running a full scrape.
type cmdReconcileCancelled struct {
	Portal  string   `long:"portal" description:"portal name as stored in tenders.portal_key" required:"true"`
	Source  string   `long:"source" description:"cancellation source tag" default:"cancelled_page"`
	IDs     []string `long:"ids" description:"comma-separated or repeated tender ids"`
	IDsFile string   `long:"ids-file" description:"path to a TXT (one id per line) or CSV (tender_id column) file of ids"`
}

func (c *cmdReconcileCancelled) Execute(_ []string) error {
	logger := bootstrapLogger(cfg.Log)

	ids := map[string]bool{}
	for _, item := range c.IDs {
		for _, token := range strings.Split(strings.ReplaceAll(item, "\n", ","), ",") {
			if v := strings.TrimSpace(token); v != "" {
				ids[v] = true
			}
		}
	}
	if c.IDsFile != "" {
		fileIDs, err := idsFromFile(c.IDsFile)
		if err != nil {
			return &runError{err}
		}
		for _, id := range fileIDs {
			ids[id] = true
		}
	}
	if len(ids) == 0 {
		return &runError{fmt.Errorf("no tender ids provided; use --ids and/or --ids-file")}
	}

	st, err := store.Open(cfg.DBPath, store.Options{})
	if err != nil {
		return &runError{err}
	}
	defer st.Close()

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	ctx := context.Background()
	updated, err := st.ReconcileCancelledFromFeed(ctx, c.Portal, sorted, c.Source)
	if err != nil {
		return &runError{err}
	}
	if cfg.JSONEvents {
		_ = json.NewEncoder(os.Stdout).Encode(map[string]interface{}{
			"portal": c.Portal, "input_ids": len(sorted), "updated_rows": updated,
		})
	} else {
		fmt.Printf("reconcile cancelled complete | portal=%s | input_ids=%d | updated_rows=%d\n",
			c.Portal, len(sorted), updated)
	}
	logger.WithField("portal", c.Portal).WithField("updated_rows", updated).Info("batchscrape: reconcile-cancelled done")
	return nil
}

// idsFromFile parses tender ids from a TXT (one per line) or CSV
// (tender_id/tender_id_extracted column, or any column if absent) file.
func idsFromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		rows, err := r.ReadAll()
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		idCol := -1
		for i, h := range rows[0] {
			switch strings.ToLower(strings.TrimSpace(h)) {
			case "tender_id", "tender id", "tender_id_extracted":
				idCol = i
			}
		}
		body := rows[1:]
		if idCol < 0 {
			idCol = 0
			body = rows
		}
		for _, row := range body {
			if idCol < len(row) {
				if v := strings.TrimSpace(row[idCol]); v != "" {
					out = append(out, v)
				}
			}
		}
	default:
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if v := strings.TrimSpace(scanner.Text()); v != "" {
				out = append(out, v)
			}
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

var cfg Config

func main() {
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func (c *cmdDepartment) Execute(_ []string) error {
	if cfg.JobID == "" {
		cfg.JobID = uuid.NewString()
	}
	logger := bootstrapLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		serveMetrics(cfg.MetricsAddr, logger)
	}

	portals, err := config.LoadPortalList(cfg.PortalList, logger)
	if err != nil {
		return &runError{err}
	}
	var target *portal.Portal
	for i := range portals {
		if strings.EqualFold(portals[i].Name, cfg.URL) {
			target = &portals[i]
			break
		}
	}
	if target == nil {
		return &runError{fmt.Errorf("portal %q not found in %s", cfg.URL, cfg.PortalList)}
	}

	st, err := store.Open(cfg.DBPath, store.Options{})
	if err != nil {
		return &runError{err}
	}
	defer st.Close()

	limiter, err := domainlimiter.New(domainlimiter.Config{PerDomainMax: 2, MinDelay: 0, MaxDelay: 0}, 256)
	if err != nil {
		return &runError{err}
	}

	fetcher := fetch.NewFake() // a real deployment supplies its own PortalFetcher; see go/fetch.
	departments, err := fetcher.FetchDepartments(ctx, *target)
	if err != nil {
		return &runError{err}
	}
	departments = selectDepartments(departments, c)

	opsLog := ops.Component("department")
	bus := ops.NewBus(256)
	done := make(chan struct{})
	go renderEvents(bus, cfg.JSONEvents, done)

	sc := &scraper.Scraper{
		Portal:   *target,
		Fetcher:  fetcher,
		Store:    st,
		Limiter:  limiter,
		Watchdog: newWatchdogFor(ctx, target.Name),
		Bus:      bus,
		Log:      opsLog,
	}

	scope := store.ScopeSelected
	if c.All {
		scope = store.ScopeAll
	}
	summary, runErr := sc.Run(ctx, scraper.RunOptions{
		Departments: departments,
		Scope:       scope,
		OutDir:      cfg.Output,
	})
	bus.Close()
	<-done

	if runErr != nil {
		return &runError{runErr}
	}
	if !cfg.JSONEvents {
		fmt.Printf("job %s: %s — extracted %d, skipped %d\n",
			cfg.JobID, summary.Status, summary.ExtractedTotalTenders, summary.SkippedExistingTotal)
	}
	return nil
}

func selectDepartments(all []portal.Department, c *cmdDepartment) []portal.Department {
	if c.All {
		if c.Filter == "" {
			return all
		}
		var out []portal.Department
		for _, d := range all {
			if strings.Contains(strings.ToLower(d.Name), strings.ToLower(c.Filter)) {
				out = append(out, d)
			}
		}
		return out
	}
	if len(c.Positional.Departments) == 0 {
		return all
	}
	want := map[string]bool{}
	for _, name := range c.Positional.Departments {
		want[strings.ToLower(strings.TrimSpace(name))] = true
	}
	var out []portal.Department
	for _, d := range all {
		if want[strings.ToLower(strings.TrimSpace(d.Name))] {
			out = append(out, d)
		}
	}
	return out
}

func bootstrapLogger(path string) *log.Logger {
	l := log.New()
	if path == "" {
		return l
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.WithError(err).Warn("batchscrape: could not open log file, logging to stderr")
		return l
	}
	l.SetOutput(f)
	return l
}

// renderEvents is the CLI's single Bus consumer: one JSON object per line
// when --json-events is set, else colorized status lines (spec §6).
func renderEvents(bus *ops.Bus, jsonEvents bool, done chan<- struct{}) {
	defer close(done)
	enc := json.NewEncoder(os.Stdout)
	for e := range bus.Events() {
		if jsonEvents {
			_ = enc.Encode(jsonEventOf(e))
			continue
		}
		renderHuman(e)
	}
}

func jsonEventOf(e ops.Event) map[string]interface{} {
	out := map[string]interface{}{"type": e.Kind.String(), "portal": e.Portal, "ts": e.Timestamp}
	switch e.Kind {
	case ops.KindProgress:
		out["progress"] = e.Progress
	case ops.KindDepartmentsLoaded:
		out["departments_loaded"] = e.DepartmentsLoaded
	case ops.KindError:
		out["error"] = e.Error
	case ops.KindCompleted:
		out["completed"] = e.Completed
	}
	return out
}

func renderHuman(e ops.Event) {
	switch e.Kind {
	case ops.KindDepartmentsLoaded:
		color.Cyan("[%s] %d departments to process", e.Portal, e.DepartmentsLoaded.Total)
	case ops.KindProgress:
		p := e.Progress
		fmt.Printf("[%s] %d/%d %s — %d/%d tenders\n", e.Portal, p.CurrentDeptIndex, p.TotalDepts,
			p.DeptName, p.ExtractedSoFar, p.ExpectedTotal)
	case ops.KindError:
		color.Yellow("[%s] %s", e.Portal, e.Error.Message)
	case ops.KindCompleted:
		color.Green("[%s] %s", e.Portal, e.Completed.Status)
	}
}

// serveMetrics registers this batch run's collectors against a dedicated
// registry and serves them on addr in the background; a bind failure is
// logged, not fatal, since metrics are observability, not a run dependency.
func serveMetrics(addr string, logger *log.Logger) {
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.WithError(err).Warn("batchscrape: metrics server stopped")
		}
	}()
}

func newWatchdogFor(ctx context.Context, portalName string) *watchdog.Watchdog {
	w := watchdog.New(portalName, 0, 0)
	tasks := task.NewGroup(ctx)
	w.QueueTasks(tasks)
	tasks.GoRun()
	return w
}

type runError struct{ cause error }

func (e *runError) Error() string { return e.cause.Error() }
