// Package headless fetches result pages through a headless Chrome instance,
// for endpoints that only serve listings to a real browser.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
)

// defaultTimeout bounds one page when neither timeout is configured.
const defaultTimeout = 10 * time.Second

// Config controls the behavior of the headless fetcher. NavigationTimeout,
// when set, overrides Timeout for the whole render of one page.
type Config struct {
	MaxParallel       int
	AcceptLanguage    string
	Timeout           time.Duration
	NavigationTimeout time.Duration
}

// URLBuilder renders the page URL for a query at a cursor.
type URLBuilder interface {
	SearchURL(key crawler.DimensionKey, cursor int) string
}

// Fetcher implements crawler.Fetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	urls        URLBuilder
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config, urls URLBuilder) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if urls == nil {
		return nil, fmt.Errorf("url builder is required")
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		urls:        urls,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates to the page and returns the rendered body markup.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return crawler.FetchResponse{}, err
	}
	defer f.release()

	target := f.urls.SearchURL(request.Key, request.Cursor)

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	// Stop the tab when the caller gives up.
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	body, finalURL, err := f.runHeadless(taskCtx, target, request.Client)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return crawler.FetchResponse{}, fmt.Errorf("headless fetch canceled: %w", ctxErr)
		}
		return crawler.FetchResponse{}, &crawler.TransportError{URL: target, Err: err}
	}

	status, responseURL := meta.snapshotWithFallbacks(target, finalURL)
	resp := crawler.FetchResponse{
		URL:        responseURL,
		StatusCode: status,
		// The DOM is serialised as UTF-8 whatever the wire encoding was.
		ContentType: "text/html; charset=utf-8",
		Body:        []byte(body),
		Duration:    time.Since(start),
	}
	if status < 200 || status > 299 {
		return resp, crawler.NewStatusError(target, status)
	}
	if strings.TrimSpace(body) == "" {
		return resp, &crawler.TransportError{URL: target, StatusCode: status, Err: fmt.Errorf("empty body")}
	}
	return resp, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, target string, client crawler.ClientProfile) (string, string, error) {
	var (
		body     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(client),
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.InnerHTML("body", &body, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return body, finalURL, nil
}

func (f *Fetcher) networkSetupAction(client crawler.ClientProfile) chromedp.Action {
	lang := client.AcceptLanguage
	if lang == "" {
		lang = f.cfg.AcceptLanguage
	}
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if client.UserAgent == "" && lang == "" {
			return nil
		}
		override := emulation.SetUserAgentOverride(client.UserAgent)
		if lang != "" {
			override = override.WithAcceptLanguage(lang)
		}
		if err := override.Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
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

// responseMeta records the document response seen by the tab.
type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

// snapshotWithFallbacks returns the document status and URL. A missing
// status means the document loaded.
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

func (f *Fetcher) navTimeout() time.Duration {
	switch {
	case f.cfg.NavigationTimeout > 0:
		return f.cfg.NavigationTimeout
	case f.cfg.Timeout > 0:
		return f.cfg.Timeout
	default:
		return defaultTimeout
	}
}
