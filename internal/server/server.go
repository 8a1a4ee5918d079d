// Package server assembles the engine from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/scrapemaster/monitor-engine/internal/api"
	archivegcs "github.com/scrapemaster/monitor-engine/internal/archive/gcs"
	archivelocal "github.com/scrapemaster/monitor-engine/internal/archive/local"
	archivemem "github.com/scrapemaster/monitor-engine/internal/archive/memory"
	"github.com/scrapemaster/monitor-engine/internal/change"
	"github.com/scrapemaster/monitor-engine/internal/clock/system"
	"github.com/scrapemaster/monitor-engine/internal/config"
	"github.com/scrapemaster/monitor-engine/internal/extract"
	"github.com/scrapemaster/monitor-engine/internal/fetchclient"
	"github.com/scrapemaster/monitor-engine/internal/fetchclient/headless"
	"github.com/scrapemaster/monitor-engine/internal/governor"
	"github.com/scrapemaster/monitor-engine/internal/hash/sha256"
	"github.com/scrapemaster/monitor-engine/internal/identity"
	idgen "github.com/scrapemaster/monitor-engine/internal/id/uuid"
	"github.com/scrapemaster/monitor-engine/internal/monitor"
	notifylog "github.com/scrapemaster/monitor-engine/internal/notify/log"
	notifypubsub "github.com/scrapemaster/monitor-engine/internal/notify/pubsub"
	"github.com/scrapemaster/monitor-engine/internal/proxy"
	"github.com/scrapemaster/monitor-engine/internal/scheduler"
	storemem "github.com/scrapemaster/monitor-engine/internal/storage/memory"
	"github.com/scrapemaster/monitor-engine/internal/storage/postgres"
)

// Store is the full persistence surface the engine needs: the scheduler's
// write path plus the API's registry and read path.
type Store interface {
	monitor.Store
	api.Repository
}

// Engine owns every long-lived component and their shutdown order.
type Engine struct {
	cfg     config.Config
	cfgPath string
	logger  *zap.Logger

	store      Store
	sched      *scheduler.Scheduler
	httpSrv    *http.Server
	identities *identity.Pool
	rotator    *proxy.Rotator
	gov        *governor.Governor

	closers []func()
}

// Build constructs an Engine from loaded configuration. cfgPath is kept so a
// SIGHUP can re-read the same file.
func Build(ctx context.Context, cfg config.Config, cfgPath string, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{cfg: cfg, cfgPath: cfgPath, logger: logger}

	clk := system.New()
	ids := idgen.New()
	hasher := sha256.New()

	if err := e.buildStore(ctx); err != nil {
		return nil, err
	}
	archive, err := e.buildArchive(ctx)
	if err != nil {
		return nil, err
	}
	notifier, err := e.buildNotifier(ctx)
	if err != nil {
		return nil, err
	}

	blockDetector := monitor.NewHeuristicBlockDetector(
		cfg.Blocking.StatusCodes,
		cfg.Blocking.Markers,
		cfg.Blocking.Selectors,
	)
	fetcher := fetchclient.New(fetchclient.Config{
		Timeout:     cfg.FetchTimeout(),
		DialTimeout: time.Duration(cfg.HTTP.DialTimeoutSeconds) * time.Second,
		TLSTimeout:  time.Duration(cfg.HTTP.TLSTimeoutSeconds) * time.Second,
	}, blockDetector, logger)

	var headlessFetcher monitor.Fetcher
	if cfg.Headless.Enabled {
		hf, err := headless.New(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("build headless fetcher: %w", err)
		}
		e.closers = append(e.closers, hf.Close)
		headlessFetcher = hf
	}

	e.identities = identity.NewPool(cfg.Identities, time.Now().UnixNano(), logger)
	e.rotator = proxy.NewRotator(proxyEndpoints(cfg.Proxies.Endpoints), proxy.Options{
		FailureThreshold: cfg.Proxies.FailureThreshold,
		CooldownBase:     time.Duration(cfg.Proxies.CooldownBaseSec) * time.Second,
		CooldownMax:      time.Duration(cfg.Proxies.CooldownMaxSec) * time.Second,
		InitialHealth:    cfg.Proxies.InitialHealthScore,
		AllowDirect:      cfg.Proxies.AllowDirect,
	}, clk, logger)
	e.gov = governor.New(governorConfig(cfg))

	extractor := extract.New(extract.Vocabulary{
		Available:   cfg.Change.AvailableMarkers,
		Unavailable: cfg.Change.UnavailableMarkers,
	})
	detector := change.New(cfg.Change.PriceThresholdFraction, ids, clk)
	retry := monitor.NewExponentialRetryPolicy(
		cfg.Scheduler.MaxRetries,
		time.Duration(cfg.Scheduler.BackoffInitialMs)*time.Millisecond,
		time.Duration(cfg.Scheduler.BackoffMaxMs)*time.Millisecond,
	)

	e.sched, err = scheduler.New(scheduler.Deps{
		Store:      e.store,
		Archive:    archive,
		Notifier:   notifier,
		Fetcher:    fetcher,
		Headless:   headlessFetcher,
		Proxies:    e.rotator,
		Identities: e.identities,
		Governor:   e.gov,
		Extractor:  extractor,
		Detector:   detector,
		Hasher:     hasher,
		Clock:      clk,
		IDs:        ids,
		Retry:      retry,
		Logger:     logger,
	}, scheduler.Config{
		Tick:               cfg.Tick(),
		Workers:            cfg.Scheduler.Workers,
		DegradedThreshold:  cfg.Scheduler.DegradedThreshold,
		ArchivePrefix:      cfg.Archive.Prefix,
		ArchiveContentType: cfg.Archive.ContentType,
	})
	if err != nil {
		return nil, fmt.Errorf("build scheduler: %w", err)
	}

	apiSrv := api.NewServer(e.store, e.rotator, ids, clk, logger)
	e.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return e, nil
}

func (e *Engine) buildStore(ctx context.Context) error {
	if e.cfg.DB.DSN == "" {
		e.logger.Info("using in-memory store")
		e.store = storemem.New()
		return nil
	}
	pg, err := postgres.New(ctx, postgres.Config{
		DSN:      e.cfg.DB.DSN,
		MaxConns: int32(e.cfg.DB.MaxOpenConns),
	})
	if err != nil {
		return fmt.Errorf("build postgres store: %w", err)
	}
	e.closers = append(e.closers, pg.Close)
	e.store = pg
	return nil
}

func (e *Engine) buildArchive(ctx context.Context) (monitor.Archive, error) {
	switch e.cfg.Archive.Backend {
	case "local":
		return archivelocal.New(archivelocal.Config{BaseDir: e.cfg.Archive.LocalDir})
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("build gcs client: %w", err)
		}
		e.closers = append(e.closers, func() { _ = client.Close() })
		return archivegcs.New(client, archivegcs.Config{Bucket: e.cfg.Archive.GCSBucket})
	default:
		return archivemem.New(), nil
	}
}

func (e *Engine) buildNotifier(ctx context.Context) (monitor.Notifier, error) {
	if e.cfg.PubSub.ProjectID == "" || e.cfg.PubSub.TopicName == "" {
		return notifylog.New(e.logger), nil
	}
	client, err := pubsub.NewClient(ctx, e.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("build pubsub client: %w", err)
	}
	publisher := client.Publisher(e.cfg.PubSub.TopicName)
	e.closers = append(e.closers, func() {
		publisher.Stop()
		_ = client.Close()
	})
	return notifypubsub.New(publisher), nil
}

// Run blocks until the context finishes, a signal arrives, or the HTTP
// server fails. SIGHUP reloads identities, proxies and rate ceilings without
// a restart.
func (e *Engine) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go e.sched.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("http server listening", zap.String("addr", e.httpSrv.Addr))
		if err := e.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var runErr error
	for runErr == nil {
		select {
		case <-ctx.Done():
			e.logger.Info("shutdown requested")
			runErr = ctx.Err()
		case err := <-errCh:
			e.logger.Error("http server failed", zap.Error(err))
			runErr = err
		case <-hup:
			e.reload()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.httpSrv.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn("http shutdown failed", zap.Error(err))
	}
	e.Close()

	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

// reload re-reads the config file and swaps the hot-swappable pieces. A bad
// file keeps the running configuration.
func (e *Engine) reload() {
	if e.cfgPath == "" {
		e.logger.Warn("reload requested but no config file was given")
		return
	}
	cfg, err := config.Load(e.cfgPath)
	if err != nil {
		e.logger.Error("config reload failed, keeping current settings", zap.Error(err))
		return
	}
	e.identities.Replace(cfg.Identities)
	e.rotator.Replace(proxyEndpoints(cfg.Proxies.Endpoints))
	e.gov.Reconfigure(governorConfig(cfg))
	e.cfg = cfg
	e.logger.Info("configuration reloaded",
		zap.Int("identities", e.identities.Size()),
		zap.Int("proxies", len(cfg.Proxies.Endpoints)),
	)
}

// Close releases long-lived resources in reverse construction order.
func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func proxyEndpoints(in []config.ProxyEndpoint) []proxy.Endpoint {
	out := make([]proxy.Endpoint, 0, len(in))
	for _, ep := range in {
		out = append(out, proxy.Endpoint{URL: ep.URL, CredentialsRef: ep.CredentialsRef})
	}
	return out
}

func governorConfig(cfg config.Config) governor.Config {
	return governor.Config{
		HostPerMinute:  cfg.RateLimits.HostPerMinute,
		HostBurst:      cfg.RateLimits.HostBurst,
		ProxyPerMinute: cfg.RateLimits.ProxyPerMinute,
		ProxyBurst:     cfg.RateLimits.ProxyBurst,
		MaxWait:        cfg.MaxGovernorWait(),
	}
}
