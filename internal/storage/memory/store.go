// Package memory provides the in-memory Store used in development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/scrapemaster/monitor-engine/internal/monitor"
)

// Store keeps all records in process memory. Safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	targets   map[string]monitor.Target
	snapshots map[string][]monitor.Snapshot
	events    map[string][]monitor.ChangeEvent
}

// New creates an empty store.
func New() *Store {
	return &Store{
		targets:   make(map[string]monitor.Target),
		snapshots: make(map[string][]monitor.Snapshot),
		events:    make(map[string][]monitor.ChangeEvent),
	}
}

// PutTarget registers or replaces a target after validating it. Run-state of
// an existing target survives replacement.
func (s *Store) PutTarget(_ context.Context, target monitor.Target) error {
	if err := target.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.targets[target.ID]; ok {
		target.LastRun = prev.LastRun
		target.LastStatus = prev.LastStatus
		target.FailureCount = prev.FailureCount
		target.SuccessRate = prev.SuccessRate
	}
	s.targets[target.ID] = target
	return nil
}

// SetActive flips a target's active flag.
func (s *Store) SetActive(_ context.Context, targetID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok {
		return monitor.ErrNotFound
	}
	t.Active = active
	s.targets[targetID] = t
	return nil
}

// LoadActiveTargets returns active targets sorted by ID.
func (s *Store) LoadActiveTargets(_ context.Context) ([]monitor.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]monitor.Target, 0, len(s.targets))
	for _, t := range s.targets {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Target returns one target by ID.
func (s *Store) Target(_ context.Context, targetID string) (monitor.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.targets[targetID]
	if !ok {
		return monitor.Target{}, monitor.ErrNotFound
	}
	return t, nil
}

// ListTargets returns every target sorted by ID, active or not.
func (s *Store) ListTargets(_ context.Context) ([]monitor.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]monitor.Target, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveSnapshot appends a snapshot; earlier snapshots are never overwritten.
func (s *Store) SaveSnapshot(_ context.Context, snap monitor.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.TargetID] = append(s.snapshots[snap.TargetID], snap)
	return nil
}

// LatestSnapshot returns the most recently captured snapshot for a target.
func (s *Store) LatestSnapshot(_ context.Context, targetID string) (monitor.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := s.snapshots[targetID]
	if len(snaps) == 0 {
		return monitor.Snapshot{}, monitor.ErrNotFound
	}
	latest := snaps[0]
	for _, snap := range snaps[1:] {
		if snap.CapturedAt.After(latest.CapturedAt) {
			latest = snap
		}
	}
	return latest, nil
}

// SaveChangeEvent appends a change event.
func (s *Store) SaveChangeEvent(_ context.Context, event monitor.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.TargetID] = append(s.events[event.TargetID], event)
	return nil
}

// ListChangeEvents returns a target's events, newest first. A limit of zero
// or less means no limit.
func (s *Store) ListChangeEvents(_ context.Context, targetID string, limit, offset int) ([]monitor.ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[targetID]
	out := make([]monitor.ChangeEvent, len(all))
	copy(out, all)
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })

	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateTargetRunState advances the scheduler-owned run-state. The success
// rate decays toward recent behavior on every update.
func (s *Store) UpdateTargetRunState(_ context.Context, targetID string, status monitor.TargetStatus, at time.Time, failures int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.targets[targetID]
	if !ok {
		return monitor.ErrNotFound
	}
	t.LastStatus = status
	t.FailureCount = failures
	if !at.IsZero() {
		t.LastRun = at
	}
	t.SuccessRate = t.SuccessRate * 0.95
	if status == monitor.TargetStatusOK {
		t.SuccessRate += 5
	}
	s.targets[targetID] = t
	return nil
}
