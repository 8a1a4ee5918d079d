package monitor

import (
	"context"
	"time"
)

// Store is the persistence collaborator. The engine treats it as a plain
// record store and assumes nothing beyond these operations.
type Store interface {
	LoadActiveTargets(ctx context.Context) ([]Target, error)
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LatestSnapshot(ctx context.Context, targetID string) (Snapshot, error)
	SaveChangeEvent(ctx context.Context, event ChangeEvent) error
	UpdateTargetRunState(ctx context.Context, targetID string, status TargetStatus, at time.Time, failures int) error
}

// Notifier receives classified change events. Outward communication (email,
// dashboard badges) is its problem; the engine's ends at producing the event.
type Notifier interface {
	Notify(ctx context.Context, event ChangeEvent) error
}

// Fetcher executes a single outbound request for a target with the given
// proxy and identity. It never retries internally.
type Fetcher interface {
	Fetch(ctx context.Context, targetURL string, proxy *ProxyRecord, identity Identity) (FetchResult, error)
}

// ProxySelector supplies proxies and absorbs outcome reports.
type ProxySelector interface {
	Select() (*ProxyRecord, error)
	Report(endpoint string, outcome Outcome)
}

// IdentitySelector supplies a spoofed identity for a request to host.
type IdentitySelector interface {
	Select(host string) Identity
}

// Governor authorizes request slots per host and per proxy. A nil return
// means go; denied slots are deferred, never dropped.
type Governor interface {
	Authorize(ctx context.Context, hostKey, proxyKey string) error
}

// BlockDetector inspects a response for anti-bot markers.
type BlockDetector interface {
	Blocked(statusCode int, body []byte) bool
}

// Extractor turns fetched content into typed fields per the target's rules.
type Extractor interface {
	Extract(content []byte, rules map[string]Rule) (Fields, error)
}

// Detector diffs a new snapshot against its predecessor.
type Detector interface {
	Detect(prev *Snapshot, current Snapshot) []ChangeEvent
}

// Archive stores raw fetched content and returns a URI for the snapshot.
type Archive interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher computes content checksums.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (swappable for tests).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces snapshot and event IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// RetryPolicy bounds the scheduler's per-dispatch retry loop.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}
