// Package identity manages the spoofed browser identities used for fetches.
package identity

import (
	"math/rand"
	"sync"

	"go.uber.org/zap"

	"github.com/scrapemaster/monitor-engine/internal/monitor"
)

// DefaultIdentities ship with the engine so a bare config still fetches with
// coherent headers.
var DefaultIdentities = []monitor.Identity{
	{
		Name:           "chrome-linux",
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		AcceptLanguage: "en-US,en;q=0.9",
		Headers: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
			"Accept-Encoding": "gzip, deflate, br",
			"Sec-Fetch-Dest":  "document",
			"Sec-Fetch-Mode":  "navigate",
			"Sec-Fetch-Site":  "none",
			"Sec-Fetch-User":  "?1",
		},
	},
	{
		Name:           "firefox-windows",
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:126.0) Gecko/20100101 Firefox/126.0",
		AcceptLanguage: "en-US,en;q=0.5",
		Headers: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
			"Accept-Encoding": "gzip, deflate, br",
			"Sec-Fetch-Dest":  "document",
			"Sec-Fetch-Mode":  "navigate",
			"Sec-Fetch-Site":  "none",
		},
	},
	{
		Name:           "safari-mac",
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
		AcceptLanguage: "en-US,en;q=0.9",
		Headers: map[string]string{
			"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
			"Accept-Encoding": "gzip, deflate, br",
		},
	},
}

// Pool hands out identities per host, avoiding back-to-back reuse of the same
// identity against the same host.
type Pool struct {
	logger *zap.Logger

	mu         sync.Mutex
	identities []monitor.Identity
	lastByHost map[string]string
	rng        *rand.Rand
}

// NewPool builds a pool from the configured identities. An empty list falls
// back to the built-in set.
func NewPool(identities []monitor.Identity, seed int64, logger *zap.Logger) *Pool {
	identities = dedupe(identities)
	if len(identities) == 0 {
		identities = DefaultIdentities
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		logger:     logger.Named("identity"),
		identities: identities,
		lastByHost: make(map[string]string),
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// dedupe keeps the first identity carrying each name. Rotation keys on names,
// so duplicates would leave Select with no distinct alternative.
func dedupe(identities []monitor.Identity) []monitor.Identity {
	seen := make(map[string]struct{}, len(identities))
	out := make([]monitor.Identity, 0, len(identities))
	for _, id := range identities {
		if _, ok := seen[id.Name]; ok {
			continue
		}
		seen[id.Name] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Select returns an identity for a request to host. With more than one
// identity configured, the previous pick for the host is never repeated.
func (p *Pool) Select(host string) monitor.Identity {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.identities) == 1 {
		return p.identities[0]
	}

	last := p.lastByHost[host]
	pick := p.identities[p.rng.Intn(len(p.identities))]
	for pick.Name == last {
		pick = p.identities[p.rng.Intn(len(p.identities))]
	}
	p.lastByHost[host] = pick.Name
	return pick
}

// Replace swaps the identity set, used on config reload. Per-host history is
// kept so rotation stays coherent across reloads.
func (p *Pool) Replace(identities []monitor.Identity) {
	identities = dedupe(identities)
	if len(identities) == 0 {
		identities = DefaultIdentities
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identities = identities
	p.logger.Info("identity pool replaced", zap.Int("identities", len(identities)))
}

// Size returns the number of identities currently in rotation.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.identities)
}
