// Package headless renders targets in a real browser when the plain client
// keeps getting blocked.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/scrapemaster/monitor-engine/internal/monitor"
)

// Config controls browser behavior.
type Config struct {
	MaxParallel       int
	NavigationTimeout time.Duration
}

// Fetcher implements monitor.Fetcher with chromedp. Proxies are applied per
// browser launch, so the allocator is created per fetch when a proxy is set;
// headless fetches are rare enough that launch cost is acceptable.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a headless fetcher.
func New(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), baseOptions()...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

func baseOptions() []chromedp.ExecAllocatorOption {
	return append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
}

// Close cancels the shared allocator.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates with a headless browser and returns the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string, proxy *monitor.ProxyRecord, identity monitor.Identity) (monitor.FetchResult, error) {
	if err := f.acquire(ctx); err != nil {
		return monitor.FetchResult{}, err
	}
	defer f.release()

	allocator := f.allocator
	if proxy != nil {
		opts := append(baseOptions(), chromedp.ProxyServer(proxy.Endpoint))
		var cancel context.CancelFunc
		allocator, cancel = chromedp.NewExecAllocator(ctx, opts...)
		defer cancel()
	}

	taskCtx, taskCancel := chromedp.NewContext(allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.run(taskCtx, targetURL, identity)
	if err != nil {
		return monitor.FetchResult{}, classify(ctx, err)
	}

	status, responseURL := meta.snapshotWithFallbacks(targetURL, finalURL)
	return monitor.FetchResult{
		Content:    []byte(html),
		StatusCode: status,
		FinalURL:   responseURL,
		Duration:   time.Since(start),
	}, nil
}

func (f *Fetcher) run(ctx context.Context, targetURL string, identity monitor.Identity) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		networkSetupAction(identity),
		chromedp.Navigate(targetURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func networkSetupAction(identity monitor.Identity) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if identity.UserAgent != "" {
			override := emulation.SetUserAgentOverride(identity.UserAgent)
			if identity.AcceptLanguage != "" {
				override = override.WithAcceptLanguage(identity.AcceptLanguage)
			}
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(identity.Headers) > 0 {
			headers := network.Headers{}
			for key, value := range identity.Headers {
				headers[key] = value
			}
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func classify(ctx context.Context, err error) error {
	kind := monitor.FetchConnection
	if ctx.Err() != nil || err == context.DeadlineExceeded {
		kind = monitor.FetchTimeout
	}
	return &monitor.FetchError{Kind: kind, Err: err}
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return &monitor.FetchError{
			Kind: monitor.FetchTimeout,
			Err:  fmt.Errorf("headless slot wait canceled: %w", ctx.Err()),
		}
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}
