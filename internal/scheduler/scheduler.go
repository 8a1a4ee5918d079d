// Package scheduler drives the poll-dispatch loop over registered targets.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/scrapemaster/monitor-engine/internal/governor"
	"github.com/scrapemaster/monitor-engine/internal/monitor"
	"github.com/scrapemaster/monitor-engine/internal/telemetry"
)

// Config controls scheduler behavior.
type Config struct {
	Tick               time.Duration
	Workers            int
	DegradedThreshold  int
	ArchivePrefix      string
	ArchiveContentType string
}

func (c *Config) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = 15 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 3
	}
	if c.ArchivePrefix == "" {
		c.ArchivePrefix = "pages"
	}
	if c.ArchiveContentType == "" {
		c.ArchiveContentType = "text/html; charset=utf-8"
	}
}

// Scheduler scans for due targets and executes dispatches through a worker
// pool. At most one dispatch per target is ever in flight.
type Scheduler struct {
	store      monitor.Store
	archive    monitor.Archive
	notifier   monitor.Notifier
	fetcher    monitor.Fetcher
	headless   monitor.Fetcher
	proxies    monitor.ProxySelector
	identities monitor.IdentitySelector
	governor   monitor.Governor
	extractor  monitor.Extractor
	detector   monitor.Detector
	hasher     monitor.Hasher
	clock      monitor.Clock
	ids        monitor.IDGenerator
	retry      monitor.RetryPolicy
	cfg        Config
	logger     *zap.Logger

	tasks    chan monitor.Target
	scanning atomic.Bool

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Deps bundles the scheduler's collaborators.
type Deps struct {
	Store    monitor.Store
	Archive  monitor.Archive
	Notifier monitor.Notifier
	Fetcher  monitor.Fetcher
	// Headless is optional; when set it serves the attempt after a blocked
	// response.
	Headless   monitor.Fetcher
	Proxies    monitor.ProxySelector
	Identities monitor.IdentitySelector
	Governor   monitor.Governor
	Extractor  monitor.Extractor
	Detector   monitor.Detector
	Hasher     monitor.Hasher
	Clock      monitor.Clock
	IDs        monitor.IDGenerator
	Retry      monitor.RetryPolicy
	Logger     *zap.Logger
}

// New constructs a Scheduler.
func New(deps Deps, cfg Config) (*Scheduler, error) {
	cfg.applyDefaults()
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("store is required")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("fetcher is required")
	case deps.Proxies == nil:
		return nil, fmt.Errorf("proxy selector is required")
	case deps.Identities == nil:
		return nil, fmt.Errorf("identity selector is required")
	case deps.Governor == nil:
		return nil, fmt.Errorf("governor is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("extractor is required")
	case deps.Detector == nil:
		return nil, fmt.Errorf("detector is required")
	case deps.Hasher == nil:
		return nil, fmt.Errorf("hasher is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	case deps.Retry == nil:
		return nil, fmt.Errorf("retry policy is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:      deps.Store,
		archive:    deps.Archive,
		notifier:   deps.Notifier,
		fetcher:    deps.Fetcher,
		headless:   deps.Headless,
		proxies:    deps.Proxies,
		identities: deps.Identities,
		governor:   deps.Governor,
		extractor:  deps.Extractor,
		detector:   deps.Detector,
		hasher:     deps.Hasher,
		clock:      deps.Clock,
		ids:        deps.IDs,
		retry:      deps.Retry,
		cfg:        cfg,
		logger:     logger.Named("scheduler"),
		tasks:      make(chan monitor.Target, cfg.Workers*2),
		inflight:   make(map[string]struct{}),
	}, nil
}

// Run blocks, scanning on the tick and dispatching through the worker pool
// until the context finishes.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.workerLoop(ctx)
		}()
	}

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// RunCycle scans once for due targets and enqueues them. Scans never
// overlap; a scan arriving while one is in progress is dropped. In-flight
// dispatches from earlier cycles are skipped.
func (s *Scheduler) RunCycle(ctx context.Context) {
	if !s.scanning.CompareAndSwap(false, true) {
		return
	}
	defer s.scanning.Store(false)

	start := time.Now()
	defer func() { telemetry.ObserveCycleDuration(time.Since(start)) }()

	targets, err := s.store.LoadActiveTargets(ctx)
	if err != nil {
		s.logger.Error("load targets failed", zap.Error(err))
		return
	}

	now := s.clock.Now()
	enqueued := 0
	for _, t := range targets {
		if !t.Due(now) {
			continue
		}
		if !s.markInflight(t.ID) {
			continue
		}
		select {
		case s.tasks <- t:
			enqueued++
		case <-ctx.Done():
			s.clearInflight(t.ID)
			return
		default:
			// Queue full; the target stays due and lands next cycle.
			s.clearInflight(t.ID)
		}
	}
	if enqueued > 0 {
		s.logger.Debug("cycle enqueued", zap.Int("targets", enqueued))
	}
}

func (s *Scheduler) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.tasks:
			telemetry.WorkerStarted()
			s.dispatch(ctx, t)
			telemetry.WorkerFinished()
			s.clearInflight(t.ID)
		}
	}
}

// dispatch runs the full pipeline for one target: authorize, fetch with
// bounded retries, extract, diff, persist, notify.
func (s *Scheduler) dispatch(ctx context.Context, t monitor.Target) {
	host := t.Host()
	lastBlocked := false

	for attempt := 1; ; attempt++ {
		proxy, err := s.proxies.Select()
		if err != nil {
			s.deferDispatch(ctx, t, err)
			return
		}
		proxyKey := ""
		if proxy != nil {
			proxyKey = proxy.Endpoint
		}

		if err := s.governor.Authorize(ctx, host, proxyKey); err != nil {
			if errors.Is(err, governor.ErrWouldExceedWait) {
				s.deferDispatch(ctx, t, err)
				return
			}
			return
		}

		identity := s.identities.Select(host)
		fetcher := s.fetcher
		if lastBlocked && s.headless != nil {
			fetcher = s.headless
		}

		result, err := fetcher.Fetch(ctx, t.URL, proxy, identity)
		outcome := monitor.OutcomeSuccess
		if err != nil {
			outcome = fetchOutcome(err)
		}
		s.proxies.Report(proxyKey, outcome)
		telemetry.CountFetchAttempt(host, string(outcome))

		if err == nil {
			s.complete(ctx, t, result)
			return
		}

		if !s.retry.ShouldRetry(err, attempt) {
			s.fail(ctx, t, err)
			return
		}
		lastBlocked = monitor.IsBlocked(err)
		s.logger.Debug("attempt failed, retrying",
			zap.String("target_id", t.ID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if !sleep(ctx, s.retry.Backoff(attempt)) {
			return
		}
	}
}

// complete turns a successful fetch into a snapshot and its change events.
func (s *Scheduler) complete(ctx context.Context, t monitor.Target, result monitor.FetchResult) {
	fields, err := s.extractor.Extract(result.Content, t.Rules)
	if err != nil {
		s.fail(ctx, t, err)
		return
	}

	checksum, err := s.hasher.Hash(result.Content)
	if err != nil {
		s.fail(ctx, t, err)
		return
	}
	snapID, err := s.ids.NewID()
	if err != nil {
		s.fail(ctx, t, err)
		return
	}

	contentURI := ""
	if s.archive != nil {
		path := fmt.Sprintf("%s/%s/%s.html", s.cfg.ArchivePrefix, t.ID, snapID)
		uri, archErr := s.archive.Put(ctx, path, s.cfg.ArchiveContentType, result.Content)
		if archErr != nil {
			// A failed archive write degrades the snapshot, not the run.
			s.logger.Warn("archive write failed", zap.String("target_id", t.ID), zap.Error(archErr))
		} else {
			contentURI = uri
		}
	}

	var prev *monitor.Snapshot
	if latest, lerr := s.store.LatestSnapshot(ctx, t.ID); lerr == nil {
		prev = &latest
	} else if !errors.Is(lerr, monitor.ErrNotFound) {
		s.fail(ctx, t, lerr)
		return
	}

	now := s.clock.Now()
	snap := monitor.Snapshot{
		ID:         snapID,
		TargetID:   t.ID,
		CapturedAt: now,
		Fields:     fields,
		Checksum:   checksum,
		ContentURI: contentURI,
		StatusCode: result.StatusCode,
		Duration:   result.Duration,
	}

	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		s.fail(ctx, t, err)
		return
	}

	// A target deactivated while this dispatch was in flight keeps its
	// snapshot but raises no events.
	if s.stillActive(ctx, t.ID) {
		for _, event := range s.detector.Detect(prev, snap) {
			if err := s.store.SaveChangeEvent(ctx, event); err != nil {
				s.logger.Error("save change event failed",
					zap.String("target_id", t.ID),
					zap.String("field", event.Field),
					zap.Error(err),
				)
				continue
			}
			telemetry.CountChangeEvent(string(event.Kind))
			if s.notifier != nil {
				if err := s.notifier.Notify(ctx, event); err != nil {
					s.logger.Error("notify failed",
						zap.String("event_id", event.ID),
						zap.Error(err),
					)
				}
			}
		}
	}

	if err := s.store.UpdateTargetRunState(ctx, t.ID, monitor.TargetStatusOK, now, 0); err != nil {
		s.logger.Error("run state update failed", zap.String("target_id", t.ID), zap.Error(err))
	}
	telemetry.CountDispatch("ok")
}

// fail records a terminal dispatch failure. The consecutive-failure counter
// advances and past the threshold the target reports as degraded; it is
// never deactivated automatically.
func (s *Scheduler) fail(ctx context.Context, t monitor.Target, cause error) {
	failures := t.FailureCount + 1
	status := monitor.TargetStatusFailed
	if failures >= s.cfg.DegradedThreshold {
		status = monitor.TargetStatusDegraded
	}
	s.logger.Warn("dispatch failed",
		zap.String("target_id", t.ID),
		zap.Int("consecutive_failures", failures),
		zap.String("status", string(status)),
		zap.Error(cause),
	)
	if err := s.store.UpdateTargetRunState(ctx, t.ID, status, s.clock.Now(), failures); err != nil {
		s.logger.Error("run state update failed", zap.String("target_id", t.ID), zap.Error(err))
	}
	telemetry.CountDispatch("failed")
}

// deferDispatch parks the target until the next cycle without advancing last_run or
// the failure counter.
func (s *Scheduler) deferDispatch(ctx context.Context, t monitor.Target, cause error) {
	s.logger.Info("dispatch deferred",
		zap.String("target_id", t.ID),
		zap.Error(cause),
	)
	if err := s.store.UpdateTargetRunState(ctx, t.ID, monitor.TargetStatusDeferred, time.Time{}, t.FailureCount); err != nil {
		s.logger.Error("run state update failed", zap.String("target_id", t.ID), zap.Error(err))
	}
	telemetry.CountDispatch("deferred")
}

func (s *Scheduler) stillActive(ctx context.Context, targetID string) bool {
	targets, err := s.store.LoadActiveTargets(ctx)
	if err != nil {
		// Can't prove deactivation; let the events through.
		return true
	}
	for _, t := range targets {
		if t.ID == targetID {
			return true
		}
	}
	return false
}

func (s *Scheduler) markInflight(targetID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[targetID]; ok {
		return false
	}
	s.inflight[targetID] = struct{}{}
	return true
}

func (s *Scheduler) clearInflight(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, targetID)
}

// InflightCount reports how many dispatches are currently executing.
func (s *Scheduler) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

func fetchOutcome(err error) monitor.Outcome {
	var fe *monitor.FetchError
	if errors.As(err, &fe) {
		return fe.Outcome()
	}
	return monitor.OutcomeConnection
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
