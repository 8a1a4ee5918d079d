// Package proxy rotates outbound requests across a pool of proxy endpoints,
// tracking per-endpoint health.
package proxy

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scrapemaster/monitor-engine/internal/monitor"
	"github.com/scrapemaster/monitor-engine/internal/telemetry"
)

// Health score bounds. New endpoints start between the two per config.
const (
	minHealth = 0
	maxHealth = 100
)

// Options tunes rotation and cool-down behavior.
type Options struct {
	// FailureThreshold is the consecutive-failure count that triggers a
	// cool-down.
	FailureThreshold int
	// CooldownBase is the first cool-down period; each subsequent trigger
	// doubles it up to CooldownMax.
	CooldownBase time.Duration
	CooldownMax  time.Duration
	// InitialHealth seeds new endpoints.
	InitialHealth int
	// AllowDirect lets Select return a nil record (direct fetch) when every
	// proxy is cooling down.
	AllowDirect bool
}

func (o *Options) applyDefaults() {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.CooldownBase <= 0 {
		o.CooldownBase = time.Minute
	}
	if o.CooldownMax <= 0 {
		o.CooldownMax = 30 * time.Minute
	}
	if o.InitialHealth <= 0 {
		o.InitialHealth = 50
	}
}

type entry struct {
	record monitor.ProxyRecord
	// cooldowns counts how many times this endpoint has been benched,
	// driving the exponential cool-down period.
	cooldowns int
}

// Rotator selects the healthiest available proxy for each request and folds
// outcome reports back into the scores. Safe for concurrent workers.
type Rotator struct {
	logger *zap.Logger
	clock  monitor.Clock
	opts   Options

	mu      sync.Mutex
	entries []*entry
	rr      int
}

// Endpoint pairs a proxy URL with its credentials reference.
type Endpoint struct {
	URL            string
	CredentialsRef string
}

// NewRotator builds a rotator over the configured endpoints.
func NewRotator(endpoints []Endpoint, opts Options, clock monitor.Clock, logger *zap.Logger) *Rotator {
	opts.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Rotator{
		logger: logger.Named("proxy"),
		clock:  clock,
		opts:   opts,
	}
	r.entries = buildEntries(endpoints, opts.InitialHealth)
	return r
}

func buildEntries(endpoints []Endpoint, health int) []*entry {
	out := make([]*entry, 0, len(endpoints))
	for _, ep := range endpoints {
		out = append(out, &entry{record: monitor.ProxyRecord{
			Endpoint:       ep.URL,
			CredentialsRef: ep.CredentialsRef,
			Health:         health,
		}})
	}
	return out
}

// Select returns the healthiest proxy not in cool-down, rotating among ties
// so equal-health endpoints share load. Returns monitor.ErrNoCapacity when
// the pool is exhausted, or a nil record when direct fetch is allowed.
func (r *Rotator) Select() (*monitor.ProxyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	best := -1
	var candidates []int
	for i, e := range r.entries {
		if e.record.CoolingDown(now) {
			continue
		}
		switch {
		case e.record.Health > best:
			best = e.record.Health
			candidates = candidates[:0]
			candidates = append(candidates, i)
		case e.record.Health == best:
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		if r.opts.AllowDirect {
			return nil, nil
		}
		return nil, monitor.ErrNoCapacity
	}

	r.rr++
	pick := candidates[r.rr%len(candidates)]
	rec := r.entries[pick].record
	return &rec, nil
}

// Report folds a fetch outcome into the endpoint's health. Success restores
// one point and clears the failure streak; failures dock points and, past the
// threshold, bench the endpoint with an exponentially growing cool-down.
func (r *Rotator) Report(endpoint string, outcome monitor.Outcome) {
	if endpoint == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.find(endpoint)
	if e == nil {
		return
	}

	switch outcome {
	case monitor.OutcomeSuccess:
		e.record.Health = min(e.record.Health+1, maxHealth)
		e.record.Failures = 0
		e.cooldowns = 0
		telemetry.SetProxyHealth(endpoint, e.record.Health)
		return
	case monitor.OutcomeClient:
		// The egress delivered the target's answer; the score stays put.
		e.record.Failures = 0
		e.cooldowns = 0
		return
	case monitor.OutcomeBlocked:
		e.record.Health = max(e.record.Health-2, minHealth)
	default:
		e.record.Health = max(e.record.Health-1, minHealth)
	}
	telemetry.SetProxyHealth(endpoint, e.record.Health)

	e.record.Failures++
	if e.record.Failures >= r.opts.FailureThreshold {
		e.cooldowns++
		period := r.opts.CooldownBase << uint(e.cooldowns-1)
		if period > r.opts.CooldownMax || period <= 0 {
			period = r.opts.CooldownMax
		}
		e.record.CooldownUntil = r.clock.Now().Add(period)
		e.record.Failures = 0
		r.logger.Warn("proxy benched",
			zap.String("endpoint", endpoint),
			zap.Duration("cooldown", period),
			zap.Int("health", e.record.Health),
		)
	}
}

// Replace swaps the endpoint set on config reload. Health state carries over
// for endpoints that survive the swap.
func (r *Rotator) Replace(endpoints []Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := make(map[string]*entry, len(r.entries))
	for _, e := range r.entries {
		prev[e.record.Endpoint] = e
	}

	fresh := make([]*entry, 0, len(endpoints))
	for _, ep := range endpoints {
		if old, ok := prev[ep.URL]; ok {
			old.record.CredentialsRef = ep.CredentialsRef
			fresh = append(fresh, old)
			continue
		}
		fresh = append(fresh, &entry{record: monitor.ProxyRecord{
			Endpoint:       ep.URL,
			CredentialsRef: ep.CredentialsRef,
			Health:         r.opts.InitialHealth,
		}})
	}
	r.entries = fresh
	r.logger.Info("proxy pool replaced", zap.Int("endpoints", len(fresh)))
}

// Records returns a copy of the current pool state for the dashboard API.
func (r *Rotator) Records() []monitor.ProxyRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]monitor.ProxyRecord, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.record)
	}
	return out
}

func (r *Rotator) find(endpoint string) *entry {
	for _, e := range r.entries {
		if e.record.Endpoint == endpoint {
			return e
		}
	}
	return nil
}
