// Package domainlimiter implements the DomainLimiter (C5): per-hostname
// concurrency caps, randomized inter-request delays, and rate-block
// detection/backoff (spec §4.5).
package domainlimiter

import (
	"context"
	"math/rand"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/idna"

	"github.com/tenderwatch/batchscrape/go/metrics"
)

// blockMarkers are substrings of an error's text that indicate the remote
// host has rate-limited or blocked the request, per spec §4.5.
var blockMarkers = []string{
	"429", "503", "too many requests", "rate limit", "temporarily blocked", "captcha",
}

// Config holds the batch-wide knobs of spec §4.5/§6 ip_safety.
type Config struct {
	PerDomainMax int
	MinDelay     time.Duration
	MaxDelay     time.Duration
	CooldownSec  time.Duration
	MaxRetries   int
}

type hostState struct {
	sem chan struct{}
}

// Limiter enforces Config across all hostnames seen by a batch. The
// per-host semaphore table is a bounded LRU (capacity 256 hosts): a
// long-lived process watching dozens of portals across months would
// otherwise accumulate one entry per distinct host forever, and evicting a
// host's state is safe because a later Acquire lazily recreates it, same as
// a cold start.
type Limiter struct {
	cfg   Config
	hosts *lru.Cache[string, *hostState]
	rnd   *rand.Rand
}

// New builds a Limiter for the given config, bounding the host table to
// capacity entries (spec NEW note: 256).
func New(cfg Config, capacity int) (*Limiter, error) {
	if capacity <= 0 {
		capacity = 256
	}
	cache, err := lru.New[string, *hostState](capacity)
	if err != nil {
		return nil, err
	}
	return &Limiter{
		cfg:   cfg,
		hosts: cache,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// NormalizeHost converts hostname to its ASCII/punycode form via IDNA so
// Unicode and punycode variants of the same host share one limiter entry.
func NormalizeHost(hostname string) string {
	ascii, err := idna.Lookup.ToASCII(strings.ToLower(hostname))
	if err != nil {
		return strings.ToLower(hostname)
	}
	return ascii
}

func (l *Limiter) stateFor(hostname string) *hostState {
	host := NormalizeHost(hostname)
	if st, ok := l.hosts.Get(host); ok {
		return st
	}
	max := l.cfg.PerDomainMax
	if max < 1 {
		max = 1
	}
	st := &hostState{sem: make(chan struct{}, max)}
	l.hosts.Add(host, st)
	return st
}

// Acquire blocks until fewer than PerDomainMax acquisitions are outstanding
// for hostname, then sleeps a randomized inter-request delay.
func (l *Limiter) Acquire(ctx context.Context, hostname string) error {
	host := NormalizeHost(hostname)
	st := l.stateFor(hostname)
	select {
	case st.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	metrics.DomainInFlight.WithLabelValues(host).Inc()

	delay := l.randomDelay()
	if delay <= 0 {
		return nil
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		<-st.sem
		metrics.DomainInFlight.WithLabelValues(host).Dec()
		return ctx.Err()
	}
}

// Release frees the hostname's slot, delaying by CooldownSec first if set.
func (l *Limiter) Release(hostname string) {
	st := l.stateFor(hostname)
	if l.cfg.CooldownSec > 0 {
		time.Sleep(l.cfg.CooldownSec)
	}
	select {
	case <-st.sem:
		metrics.DomainInFlight.WithLabelValues(NormalizeHost(hostname)).Dec()
	default:
	}
}

func (l *Limiter) randomDelay() time.Duration {
	min, max := l.cfg.MinDelay, l.cfg.MaxDelay
	if max <= min {
		return min
	}
	span := max - min
	return min + time.Duration(l.rnd.Int63n(int64(span)))
}

// IsProbableBlock reports whether errText looks like a rate-block response.
func IsProbableBlock(errText string) bool {
	lower := strings.ToLower(errText)
	for _, marker := range blockMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Backoff returns the wait duration before retry number attempt+1, per
// spec §4.5: max(cooldown_sec, 5) * (attempt+1).
func (l *Limiter) Backoff(attempt int) time.Duration {
	floor := l.cfg.CooldownSec
	if floor < 5*time.Second {
		floor = 5 * time.Second
	}
	return floor * time.Duration(attempt+1)
}

// MaxRetries returns the configured retry budget for probable-block errors.
func (l *Limiter) MaxRetries() int { return l.cfg.MaxRetries }
