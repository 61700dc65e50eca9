// Package watchdog implements the Watchdog (C4): a per-portal daemon that
// raises a recovery signal when the host appears to have slept/resumed, or
// when no fetch activity has been observed for a while (spec §4.4).
package watchdog

import (
	"time"

	"go.gazette.dev/core/task"

	"github.com/tenderwatch/batchscrape/go/metrics"
)

const (
	// DefaultSleepJumpThreshold is the default wall-clock jump that implies
	// the process's host slept and resumed.
	DefaultSleepJumpThreshold = 180 * time.Second
	// DefaultInactivityThreshold is the default span of no Touch() calls
	// that implies the fetch session has gone quiet.
	DefaultInactivityThreshold = 120 * time.Second

	tickInterval = 10 * time.Second
)

// Watchdog tracks last-activity timestamps for one portal run and raises an
// alarm when either threshold is exceeded. Alarms holds at most one pending
// alarm; a raise while one is already pending is dropped.
type Watchdog struct {
	PortalName          string
	SleepJumpThreshold  time.Duration
	InactivityThreshold time.Duration

	touch  chan struct{}
	alarms chan struct{}
}

// New constructs a Watchdog with the given thresholds; a zero duration
// selects the spec default.
func New(portalName string, sleepJump, inactivity time.Duration) *Watchdog {
	if sleepJump <= 0 {
		sleepJump = DefaultSleepJumpThreshold
	}
	if inactivity <= 0 {
		inactivity = DefaultInactivityThreshold
	}
	return &Watchdog{
		PortalName:          portalName,
		SleepJumpThreshold:  sleepJump,
		InactivityThreshold: inactivity,
		touch:               make(chan struct{}, 1),
		alarms:              make(chan struct{}, 1),
	}
}

// Touch records a suspension-point heartbeat, called by C3 after each
// department fetch, after each upsert, and after each completed department.
func (w *Watchdog) Touch() {
	select {
	case w.touch <- struct{}{}:
	default:
	}
}

// Alarms is the channel C3 selects on to learn a recovery is requested.
func (w *Watchdog) Alarms() <-chan struct{} { return w.alarms }

// Signal lets C3 itself raise a recovery request, for the fetch-loop
// session-dead/timeout case of spec §4.2.a step 2 ("signal C4") rather than
// waiting for the ticker to notice.
func (w *Watchdog) Signal() { w.raise() }

// QueueTasks queues the watchdog's ticker loop onto tasks, the same
// task.Group-supervised-goroutine pattern the teacher uses for every
// long-running service loop.
func (w *Watchdog) QueueTasks(tasks *task.Group) {
	tasks.Queue("watchdog/"+w.PortalName, func() error {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()

		// lastWall drops the monotonic reading (time.Time.Round(0)) so its
		// diff against a later wall-only reading reflects the OS clock
		// jumping forward across a sleep/resume; lastMono keeps it, so its
		// diff reflects actual elapsed process time (paused during sleep
		// on most platforms), distinguishing "host slept" from "plain
		// inactivity" per spec §4.4.
		lastWall := time.Now().Round(0)
		lastMono := time.Now()

		for {
			select {
			case <-tasks.Context().Done():
				return nil
			case <-w.touch:
				lastWall = time.Now().Round(0)
				lastMono = time.Now()
			case now := <-ticker.C:
				if now.Round(0).Sub(lastWall) >= w.SleepJumpThreshold {
					w.raise()
					lastWall, lastMono = now.Round(0), now
					continue
				}
				if now.Sub(lastMono) >= w.InactivityThreshold {
					w.raise()
					lastWall, lastMono = now.Round(0), now
				}
			}
		}
	})
}

func (w *Watchdog) raise() {
	metrics.WatchdogAlarms.WithLabelValues(w.PortalName).Inc()
	select {
	case w.alarms <- struct{}{}:
	default:
	}
}
