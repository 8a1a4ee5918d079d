// Package memory provides an in-memory Notifier for tests.
package memory

import (
	"context"
	"sync"

	"github.com/scrapemaster/monitor-engine/internal/monitor"
)

// Notifier records every event it receives.
type Notifier struct {
	mu     sync.Mutex
	events []monitor.ChangeEvent
	err    error
}

// New creates an empty notifier.
func New() *Notifier {
	return &Notifier{}
}

// Fail makes subsequent Notify calls return err.
func (n *Notifier) Fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

// Notify records the event.
func (n *Notifier) Notify(_ context.Context, event monitor.ChangeEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (n *Notifier) Events() []monitor.ChangeEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]monitor.ChangeEvent(nil), n.events...)
}
