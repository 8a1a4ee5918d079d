// Package governor enforces per-host and per-proxy request ceilings with
// token buckets.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrapemaster/monitor-engine/internal/telemetry"
)

// ErrWouldExceedWait means the earliest available slot is further away than
// the configured maximum wait. The dispatch is deferred, not dropped.
var ErrWouldExceedWait = errors.New("rate slot beyond maximum wait")

// Config holds the governor's ceilings. Rates are requests per minute.
type Config struct {
	HostPerMinute  float64
	HostBurst      int
	ProxyPerMinute float64
	ProxyBurst     int
	MaxWait        time.Duration
}

func (c *Config) applyDefaults() {
	if c.HostPerMinute <= 0 {
		c.HostPerMinute = 12
	}
	if c.HostBurst <= 0 {
		c.HostBurst = 1
	}
	if c.ProxyPerMinute <= 0 {
		c.ProxyPerMinute = 60
	}
	if c.ProxyBurst <= 0 {
		c.ProxyBurst = 1
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 30 * time.Second
	}
}

// Governor hands out request slots. Both the target host and the proxy
// egress must have capacity before a fetch proceeds.
type Governor struct {
	mu      sync.Mutex
	hosts   map[string]*rate.Limiter
	proxies map[string]*rate.Limiter
	cfg     Config
}

// New creates a Governor with the given ceilings.
func New(cfg Config) *Governor {
	cfg.applyDefaults()
	return &Governor{
		hosts:   make(map[string]*rate.Limiter),
		proxies: make(map[string]*rate.Limiter),
		cfg:     cfg,
	}
}

// Authorize blocks until both the host and proxy buckets grant a slot, or
// fails fast with ErrWouldExceedWait when either delay exceeds MaxWait. Both
// reservations are taken before any wait, so a deferral on one bucket gives
// the other's token back. An empty proxyKey (direct fetch) only consults the
// host bucket.
func (g *Governor) Authorize(ctx context.Context, hostKey, proxyKey string) error {
	hostRes := g.hostLimiter(hostKey).Reserve()
	if err := g.admit(hostRes); err != nil {
		return fmt.Errorf("host %s: %w", hostKey, err)
	}

	var proxyRes *rate.Reservation
	if proxyKey != "" {
		proxyRes = g.proxyLimiter(proxyKey).Reserve()
		if err := g.admit(proxyRes); err != nil {
			hostRes.Cancel()
			return fmt.Errorf("proxy %s: %w", proxyKey, err)
		}
	}

	delay := hostRes.Delay()
	key := hostKey
	if proxyRes != nil {
		if d := proxyRes.Delay(); d > delay {
			delay = d
			key = proxyKey
		}
	}
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		hostRes.Cancel()
		if proxyRes != nil {
			proxyRes.Cancel()
		}
		return ctx.Err()
	case <-timer.C:
		telemetry.ObserveGovernorDelay(key, delay)
		return nil
	}
}

// admit rejects a reservation whose earliest slot lies beyond the maximum
// wait, handing the token back.
func (g *Governor) admit(res *rate.Reservation) error {
	if !res.OK() {
		return ErrWouldExceedWait
	}
	if res.Delay() > g.maxWait() {
		res.Cancel()
		return ErrWouldExceedWait
	}
	return nil
}

func (g *Governor) maxWait() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.MaxWait
}

// Reconfigure swaps the ceilings on config reload. Existing buckets keep
// their tokens; new rates apply to future reservations.
func (g *Governor) Reconfigure(cfg Config) {
	cfg.applyDefaults()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	for _, l := range g.hosts {
		l.SetLimit(perMinute(cfg.HostPerMinute))
		l.SetBurst(cfg.HostBurst)
	}
	for _, l := range g.proxies {
		l.SetLimit(perMinute(cfg.ProxyPerMinute))
		l.SetBurst(cfg.ProxyBurst)
	}
}

func (g *Governor) hostLimiter(key string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.hosts[key]
	if !ok {
		l = rate.NewLimiter(perMinute(g.cfg.HostPerMinute), g.cfg.HostBurst)
		g.hosts[key] = l
	}
	return l
}

func (g *Governor) proxyLimiter(key string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.proxies[key]
	if !ok {
		l = rate.NewLimiter(perMinute(g.cfg.ProxyPerMinute), g.cfg.ProxyBurst)
		g.proxies[key] = l
	}
	return l
}

func perMinute(n float64) rate.Limit {
	return rate.Limit(n / 60.0)
}
