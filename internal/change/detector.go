// Package change diffs consecutive snapshots into classified events.
package change

import (
	"math"
	"sort"
	"time"

	"github.com/scrapemaster/monitor-engine/internal/monitor"
)

// Detector compares a snapshot against its predecessor, one event per
// triggering field.
type Detector struct {
	// priceThreshold suppresses price events whose fractional delta is at
	// or below it. Zero reports any movement.
	priceThreshold float64
	ids            monitor.IDGenerator
	clock          monitor.Clock
}

// New builds a detector.
func New(priceThreshold float64, ids monitor.IDGenerator, clock monitor.Clock) *Detector {
	if priceThreshold < 0 {
		priceThreshold = 0
	}
	return &Detector{priceThreshold: priceThreshold, ids: ids, clock: clock}
}

// Detect returns the events between prev and current. A nil prev is the
// baseline snapshot and produces no events. Fields are visited in sorted
// order so event emission is deterministic.
func (d *Detector) Detect(prev *monitor.Snapshot, current monitor.Snapshot) []monitor.ChangeEvent {
	if prev == nil {
		return nil
	}

	names := make([]string, 0, len(current.Fields))
	for name := range current.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	now := d.clock.Now()
	var events []monitor.ChangeEvent
	for _, name := range names {
		cur := current.Fields[name]
		old, ok := prev.Fields[name]
		if !ok || cur.Missing || old.Missing {
			continue
		}
		if kind, magnitude, changed := d.classify(old, cur); changed {
			events = append(events, d.event(prev, current, name, kind, magnitude, now))
		}
	}
	return events
}

func (d *Detector) classify(old, cur monitor.FieldValue) (monitor.ChangeKind, float64, bool) {
	if old.Kind != cur.Kind {
		return monitor.ChangeContent, 0, true
	}
	switch cur.Kind {
	case monitor.RulePrice:
		return d.classifyPrice(old, cur)
	case monitor.RuleAvailability:
		if old.Available == cur.Available {
			return "", 0, false
		}
		if cur.Available {
			return monitor.ChangeStockToAvailable, 0, true
		}
		return monitor.ChangeStockToUnavailable, 0, true
	default:
		if old.Text == cur.Text {
			return "", 0, false
		}
		return monitor.ChangeContent, 0, true
	}
}

func (d *Detector) classifyPrice(old, cur monitor.FieldValue) (monitor.ChangeKind, float64, bool) {
	if old.Price == cur.Price && old.Currency == cur.Currency {
		return "", 0, false
	}
	// A currency swap or a departure from a zero price is not a movement
	// that can be expressed as a fraction.
	if old.Currency != cur.Currency || old.Price == 0 {
		return monitor.ChangeContent, 0, true
	}
	magnitude := math.Abs(old.Price-cur.Price) / old.Price
	if magnitude <= d.priceThreshold {
		return "", 0, false
	}
	if cur.Price < old.Price {
		return monitor.ChangePriceDecrease, magnitude, true
	}
	return monitor.ChangePriceIncrease, magnitude, true
}

func (d *Detector) event(prev *monitor.Snapshot, current monitor.Snapshot, field string, kind monitor.ChangeKind, magnitude float64, at time.Time) monitor.ChangeEvent {
	id, err := d.ids.NewID()
	if err != nil {
		id = ""
	}
	return monitor.ChangeEvent{
		ID:             id,
		TargetID:       current.TargetID,
		PrevSnapshotID: prev.ID,
		NewSnapshotID:  current.ID,
		Field:          field,
		Kind:           kind,
		Magnitude:      magnitude,
		OccurredAt:     at,
	}
}
