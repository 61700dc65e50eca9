// Package refreshwatch implements the RefreshWatcher (C8): a daemon that
// periodically signature-hashes a portal's organisation list and enqueues
// a full rescrape when it changes (spec §4.8).
package refreshwatch

import (
	"context"
	"crypto/sha1"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.gazette.dev/core/task"

	"github.com/tenderwatch/batchscrape/go/portal"
)

// Rule is one watched-portal entry of spec §6 refresh_watch_portals.
type Rule struct {
	Portal          string
	IntervalMinutes int
	Enabled         bool
}

// Event is one history entry, exported to CSV (spec §4.8 "History").
type Event struct {
	Timestamp time.Time
	Portal    string
	Kind      string // "baseline" or "changed"
	Signature string
}

// OrgListFetcher is the minimal subset of go/fetch.PortalFetcher the
// watcher needs: just the organisation list, never department rows.
type OrgListFetcher interface {
	FetchDepartments(ctx context.Context, p portal.Portal) ([]portal.Department, error)
}

// SchedulerIdle is consulted so the watcher only fetches while the
// scheduler has no portal runs in flight, per spec §4.8 step 1.
type SchedulerIdle interface {
	Idle() bool
	Enqueue(portalName string, onlyNew bool)
}

const historyCapacity = 50

// Watcher runs one ticker loop across all watched portals.
type Watcher struct {
	Fetcher   OrgListFetcher
	Scheduler SchedulerIdle
	Portals   map[string]portal.Portal // keyed by portal name

	mu         sync.Mutex
	rules      map[string]Rule
	lastCheck  map[string]time.Time
	signatures map[string]string
	history    []Event
}

// NewWatcher builds a Watcher over the given portal catalog.
func NewWatcher(fetcher OrgListFetcher, scheduler SchedulerIdle, portals map[string]portal.Portal) *Watcher {
	return &Watcher{
		Fetcher:    fetcher,
		Scheduler:  scheduler,
		Portals:    portals,
		rules:      map[string]Rule{},
		lastCheck:  map[string]time.Time{},
		signatures: map[string]string{},
	}
}

// SetRules replaces the watched-portal rule set.
func (w *Watcher) SetRules(rules []Rule) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rules = map[string]Rule{}
	for _, r := range rules {
		w.rules[r.Portal] = r
	}
}

// Signature computes the SHA-1 hex digest over the canonical,
// session-token-free form of a department list: sorted
// (s_no, lowercased name, count_text) tuples. crypto/sha1 is used directly
// (not a library) because spec.md §9 explicitly calls this out as the one
// place to "keep SHA-1 for brevity".
func Signature(departments []portal.Department) string {
	type tuple struct{ sNo, name, count string }
	tuples := make([]tuple, 0, len(departments))
	for _, d := range departments {
		tuples = append(tuples, tuple{d.SerialNo, strings.ToLower(strings.TrimSpace(d.Name)), d.TenderCountRaw})
	}
	sort.Slice(tuples, func(i, j int) bool {
		if tuples[i].sNo != tuples[j].sNo {
			return tuples[i].sNo < tuples[j].sNo
		}
		if tuples[i].name != tuples[j].name {
			return tuples[i].name < tuples[j].name
		}
		return tuples[i].count < tuples[j].count
	})

	h := sha1.New()
	for _, t := range tuples {
		fmt.Fprintf(h, "%s|%s|%s\n", t.sNo, t.name, t.count)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// QueueTasks queues the watcher's ticker loop onto tasks.
func (w *Watcher) QueueTasks(tasks *task.Group) {
	tasks.Queue("refreshwatch", func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-tasks.Context().Done():
				return nil
			case <-ticker.C:
				w.tick(tasks.Context())
			}
		}
	})
}

func (w *Watcher) tick(ctx context.Context) {
	w.mu.Lock()
	rules := make([]Rule, 0, len(w.rules))
	for _, r := range w.rules {
		rules = append(rules, r)
	}
	w.mu.Unlock()

	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		w.mu.Lock()
		last, seen := w.lastCheck[rule.Portal]
		w.mu.Unlock()
		interval := time.Duration(rule.IntervalMinutes) * time.Minute
		if seen && time.Since(last) < interval {
			continue
		}
		if !w.Scheduler.Idle() {
			continue
		}
		w.checkOne(ctx, rule)
	}
}

func (w *Watcher) checkOne(ctx context.Context, rule Rule) {
	p, ok := w.Portals[rule.Portal]
	if !ok {
		return
	}
	depts, err := w.Fetcher.FetchDepartments(ctx, p)
	if err != nil {
		return
	}
	sig := Signature(depts)

	w.mu.Lock()
	w.lastCheck[rule.Portal] = time.Now()
	prior, had := w.signatures[rule.Portal]
	w.signatures[rule.Portal] = sig
	w.mu.Unlock()

	if !had {
		w.recordEvent(Event{Timestamp: time.Now(), Portal: rule.Portal, Kind: "baseline", Signature: sig})
		return
	}
	if prior != sig {
		w.recordEvent(Event{Timestamp: time.Now(), Portal: rule.Portal, Kind: "changed", Signature: sig})
		w.Scheduler.Enqueue(rule.Portal, false)
	}
}

func (w *Watcher) recordEvent(e Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.history = append(w.history, e)
	if len(w.history) > historyCapacity {
		w.history = w.history[len(w.history)-historyCapacity:]
	}
}

// History returns a copy of the last 50 events, oldest first.
func (w *Watcher) History() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Event(nil), w.history...)
}

// ExportCSV writes the history ring-buffer to w, oldest first. encoding/csv
// is used directly: no third-party CSV writer is wired anywhere in the
// teacher's own stack either.
func ExportCSV(dst io.Writer, events []Event) error {
	cw := csv.NewWriter(dst)
	if err := cw.Write([]string{"timestamp", "portal", "kind", "signature"}); err != nil {
		return err
	}
	for _, e := range events {
		if err := cw.Write([]string{
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Portal, e.Kind, e.Signature,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
