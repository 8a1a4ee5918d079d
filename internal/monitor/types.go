// Package monitor defines core types shared across the engine's subsystems.
package monitor

import (
	"fmt"
	"net/url"
	"time"
)

// TargetStatus represents the outcome of a target's most recent dispatch.
type TargetStatus string

// Run-state values persisted for each target.
const (
	TargetStatusNew      TargetStatus = "new"
	TargetStatusOK       TargetStatus = "ok"
	TargetStatusFailed   TargetStatus = "failed"
	TargetStatusDeferred TargetStatus = "deferred"
	TargetStatusDegraded TargetStatus = "degraded"
)

// RuleType declares how an extracted field is interpreted.
type RuleType string

// Supported selector rule kinds.
const (
	RuleText         RuleType = "text"
	RulePrice        RuleType = "price"
	RuleAvailability RuleType = "availability"
)

// Rule is a single named extraction rule within a target's selector map.
type Rule struct {
	Selector string   `json:"selector" mapstructure:"selector"`
	Type     RuleType `json:"type" mapstructure:"type"`
	Required bool     `json:"required" mapstructure:"required"`
	// Attr extracts an attribute instead of text when set (e.g. "content").
	Attr string `json:"attr,omitempty" mapstructure:"attr"`
}

// Target is a monitored URL plus its field-extraction configuration.
type Target struct {
	ID           string          `json:"id"`
	ClientID     string          `json:"client_id"`
	Name         string          `json:"name"`
	URL          string          `json:"url"`
	Rules        map[string]Rule `json:"rules"`
	PollInterval time.Duration   `json:"poll_interval"`
	Active       bool            `json:"active"`

	// Run-state, owned by the scheduler.
	LastRun      time.Time    `json:"last_run"`
	LastStatus   TargetStatus `json:"last_status"`
	FailureCount int          `json:"failure_count"`
	SuccessRate  float64      `json:"success_rate"`
}

// Poll interval bounds accepted at registration time.
const (
	MinPollInterval = time.Minute
	MaxPollInterval = 7 * 24 * time.Hour
)

// Validate rejects malformed targets before they ever reach the scheduler.
func (t Target) Validate() error {
	u, err := url.Parse(t.URL)
	if err != nil {
		return &ConfigurationError{Field: "url", Reason: fmt.Sprintf("parse: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ConfigurationError{Field: "url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Host == "" {
		return &ConfigurationError{Field: "url", Reason: "missing host"}
	}
	if t.PollInterval < MinPollInterval || t.PollInterval > MaxPollInterval {
		return &ConfigurationError{
			Field:  "poll_interval",
			Reason: fmt.Sprintf("must be within [%s, %s]", MinPollInterval, MaxPollInterval),
		}
	}
	if len(t.Rules) == 0 {
		return &ConfigurationError{Field: "rules", Reason: "at least one selector rule is required"}
	}
	for name, rule := range t.Rules {
		if rule.Selector == "" {
			return &ConfigurationError{Field: name, Reason: "empty selector"}
		}
		switch rule.Type {
		case RuleText, RulePrice, RuleAvailability:
		default:
			return &ConfigurationError{Field: name, Reason: fmt.Sprintf("unknown rule type %q", rule.Type)}
		}
	}
	return nil
}

// Host returns the hostname of the target URL, or "" if unparsable.
func (t Target) Host() string {
	u, err := url.Parse(t.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Due reports whether the target should be dispatched at the given instant.
func (t Target) Due(now time.Time) bool {
	if !t.Active {
		return false
	}
	if t.LastRun.IsZero() {
		return true
	}
	return !now.Before(t.LastRun.Add(t.PollInterval))
}

// FieldValue is the typed union an extraction rule produces.
// Exactly one of Text, Price, or Available is meaningful, per Kind.
type FieldValue struct {
	Kind      RuleType `json:"kind"`
	Text      string   `json:"text,omitempty"`
	Price     float64  `json:"price,omitempty"`
	Currency  string   `json:"currency,omitempty"`
	Available bool     `json:"available,omitempty"`
	Missing   bool     `json:"missing,omitempty"`
}

// Equal compares two field values on their meaningful parts.
func (v FieldValue) Equal(other FieldValue) bool {
	if v.Kind != other.Kind || v.Missing != other.Missing {
		return false
	}
	switch v.Kind {
	case RulePrice:
		return v.Price == other.Price && v.Currency == other.Currency
	case RuleAvailability:
		return v.Available == other.Available
	default:
		return v.Text == other.Text
	}
}

// Fields maps field names to their extracted values.
type Fields map[string]FieldValue

// Snapshot is one point-in-time extracted record for a target.
// Snapshots are immutable once written; a newer one supersedes, never
// overwrites, its predecessor.
type Snapshot struct {
	ID         string        `json:"id"`
	TargetID   string        `json:"target_id"`
	CapturedAt time.Time     `json:"captured_at"`
	Fields     Fields        `json:"fields"`
	Checksum   string        `json:"checksum"`
	ContentURI string        `json:"content_uri,omitempty"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration"`
}

// ChangeKind classifies the delta between two consecutive snapshots.
type ChangeKind string

// Change classifications emitted by the detector.
const (
	ChangePriceDecrease      ChangeKind = "price-decrease"
	ChangePriceIncrease      ChangeKind = "price-increase"
	ChangeStockToAvailable   ChangeKind = "stock-to-available"
	ChangeStockToUnavailable ChangeKind = "stock-to-unavailable"
	ChangeContent            ChangeKind = "content-changed"
)

// ChangeEvent is a classified difference between two ordered snapshots of the
// same target. Created only by the change detector, never mutated.
type ChangeEvent struct {
	ID             string     `json:"id"`
	TargetID       string     `json:"target_id"`
	PrevSnapshotID string     `json:"prev_snapshot_id"`
	NewSnapshotID  string     `json:"new_snapshot_id"`
	Field          string     `json:"field"`
	Kind           ChangeKind `json:"kind"`
	// Magnitude is the fractional price delta, e.g. 0.10 for a 10% drop.
	// Zero for non-price kinds.
	Magnitude  float64   `json:"magnitude,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ProxyRecord tracks one proxy endpoint's health. All mutation goes through
// the rotator's outcome reports; never created by user action.
type ProxyRecord struct {
	Endpoint       string    `json:"endpoint"`
	CredentialsRef string    `json:"credentials_ref,omitempty"`
	Health         int       `json:"health"`
	Failures       int       `json:"failures"`
	CooldownUntil  time.Time `json:"cooldown_until"`
}

// CoolingDown reports whether the proxy is suspended at the given instant.
func (p ProxyRecord) CoolingDown(now time.Time) bool {
	return now.Before(p.CooldownUntil)
}

// Identity is a spoofed set of request headers simulating one client.
type Identity struct {
	Name           string            `json:"name" mapstructure:"name"`
	UserAgent      string            `json:"user_agent" mapstructure:"user_agent"`
	AcceptLanguage string            `json:"accept_language" mapstructure:"accept_language"`
	Headers        map[string]string `json:"headers,omitempty" mapstructure:"headers"`
}

// Outcome labels a single fetch attempt for health tracking and metrics.
type Outcome string

// Fetch attempt outcomes.
const (
	OutcomeSuccess    Outcome = "success"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeConnection Outcome = "connection"
	OutcomeBlocked    Outcome = "blocked"
	OutcomeClient     Outcome = "client_error"
	OutcomeServer     Outcome = "server_error"
)

// FetchAttempt is the ephemeral record of one outbound request. It is logged
// and counted, never persisted.
type FetchAttempt struct {
	TargetID string
	Proxy    string
	Identity string
	Outcome  Outcome
	Latency  time.Duration
}

// FetchResult is what the fetch client hands back on success.
type FetchResult struct {
	Content    []byte
	StatusCode int
	FinalURL   string
	Duration   time.Duration
}
