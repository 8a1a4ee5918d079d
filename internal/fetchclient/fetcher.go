// Package fetchclient implements the outbound fetcher using gocolly.
package fetchclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/scrapemaster/monitor-engine/internal/monitor"
	"github.com/scrapemaster/monitor-engine/internal/telemetry"
)

// Config controls collector and transport behavior.
type Config struct {
	Timeout     time.Duration
	DialTimeout time.Duration
	TLSTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.TLSTimeout <= 0 {
		c.TLSTimeout = 10 * time.Second
	}
}

// Fetcher executes single requests through a cloned collector per fetch. It
// never retries; the scheduler owns the retry budget.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	detector      monitor.BlockDetector
	baseCollector *colly.Collector
}

// New builds a Fetcher. The detector classifies challenge pages that arrive
// with a 200.
func New(cfg Config, detector monitor.BlockDetector, logger *zap.Logger) *Fetcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	c := colly.NewCollector(colly.Async(false), colly.IgnoreRobotsTxt())
	// Non-2xx bodies must reach classification, not be swallowed as errors.
	c.ParseHTTPErrorResponse = true
	c.WithTransport(newHTTPTransport(cfg))

	return &Fetcher{
		cfg:           cfg,
		logger:        logger.Named("fetch"),
		detector:      detector,
		baseCollector: c,
	}
}

// Fetch issues one GET for targetURL through the given proxy wearing the
// given identity. A nil proxy fetches direct.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string, proxy *monitor.ProxyRecord, identity monitor.Identity) (monitor.FetchResult, error) {
	var (
		result   monitor.FetchResult
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	collector.SetRequestTimeout(f.cfg.Timeout)
	if proxy != nil {
		if err := collector.SetProxy(proxy.Endpoint); err != nil {
			return monitor.FetchResult{}, &monitor.FetchError{
				Kind: monitor.FetchConnection,
				Err:  fmt.Errorf("set proxy %s: %w", proxy.Endpoint, err),
			}
		}
	}

	collector.OnRequest(func(r *colly.Request) {
		applyIdentity(r, identity)
	})
	collector.OnResponse(func(r *colly.Response) {
		result = monitor.FetchResult{
			Content:    append([]byte(nil), r.Body...),
			StatusCode: r.StatusCode,
			FinalURL:   r.Request.URL.String(),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := f.run(ctx, collector, targetURL); err != nil {
		return monitor.FetchResult{}, err
	}
	if fetchErr != nil {
		return monitor.FetchResult{}, classifyTransport(fetchErr)
	}

	host := hostOf(targetURL)
	telemetry.ObserveFetchDuration(host, result.Duration)

	if err := f.classifyStatus(result); err != nil {
		return monitor.FetchResult{}, err
	}
	return result, nil
}

func (f *Fetcher) run(ctx context.Context, collector *colly.Collector, targetURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(targetURL)
	}()

	select {
	case <-ctx.Done():
		return &monitor.FetchError{Kind: monitor.FetchTimeout, Err: ctx.Err()}
	case err := <-done:
		if err != nil {
			return classifyTransport(err)
		}
		return nil
	}
}

// classifyStatus maps a received response onto the error taxonomy. The block
// detector runs on every response, so a challenge page behind a 200 is still
// rejected.
func (f *Fetcher) classifyStatus(result monitor.FetchResult) error {
	if f.detector != nil && f.detector.Blocked(result.StatusCode, result.Content) {
		return &monitor.FetchError{
			Kind:       monitor.FetchBlocked,
			StatusCode: result.StatusCode,
			Err:        errors.New("response matched block heuristics"),
		}
	}
	if result.StatusCode >= 500 {
		return &monitor.FetchError{
			Kind:       monitor.FetchServer,
			StatusCode: result.StatusCode,
			Err:        fmt.Errorf("upstream returned %d", result.StatusCode),
		}
	}
	if result.StatusCode >= 400 {
		return &monitor.FetchError{
			Kind:       monitor.FetchClient,
			StatusCode: result.StatusCode,
			Err:        fmt.Errorf("upstream returned %d", result.StatusCode),
		}
	}
	return nil
}

func classifyTransport(err error) *monitor.FetchError {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &monitor.FetchError{Kind: monitor.FetchTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &monitor.FetchError{Kind: monitor.FetchTimeout, Err: err}
	}
	return &monitor.FetchError{Kind: monitor.FetchConnection, Err: err}
}

func applyIdentity(r *colly.Request, identity monitor.Identity) {
	if identity.UserAgent != "" {
		r.Headers.Set("User-Agent", identity.UserAgent)
	}
	if identity.AcceptLanguage != "" {
		r.Headers.Set("Accept-Language", identity.AcceptLanguage)
	}
	for key, value := range identity.Headers {
		r.Headers.Set(key, value)
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

func newHTTPTransport(cfg Config) *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
