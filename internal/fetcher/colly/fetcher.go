// Package collyfetcher implements crawler.Fetcher against the guest job-search
// endpoint using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
)

// DefaultEndpoint is the paginated guest search fragment.
const DefaultEndpoint = "https://www.linkedin.com/jobs-guest/jobs/api/seeMoreJobPostings/search"

const defaultTimeout = 10 * time.Second

// datePostedFilters maps the configured recency to the f_TPR parameter.
var datePostedFilters = map[string]string{
	"24h":   "r86400",
	"week":  "r604800",
	"month": "r2592000",
}

// Config controls collector behavior and the search filters sent with every page.
type Config struct {
	Endpoint         string
	Timeout          time.Duration
	AcceptLanguage   string
	DatePosted       string
	WorkplaceTypes   []string
	ExperienceLevels []string
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	endpoint      *url.URL
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. An unknown date filter or unparsable endpoint is a
// configuration error.
func New(cfg Config) (*Fetcher, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.AcceptLanguage == "" {
		cfg.AcceptLanguage = "en-US,en;q=0.9"
	}
	if cfg.DatePosted != "" && cfg.DatePosted != "any" {
		if _, ok := datePostedFilters[cfg.DatePosted]; !ok {
			return nil, crawler.NewConfigurationError("fetcher.date_posted", "unsupported value %q", cfg.DatePosted)
		}
	}
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil || endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, crawler.NewConfigurationError("fetcher.endpoint", "invalid url %q", cfg.Endpoint)
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	c.WithTransport(newHTTPTransport())
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		endpoint:      endpoint,
		baseCollector: c,
	}, nil
}

// SearchURL renders the page URL for a query at a cursor.
func (f *Fetcher) SearchURL(key crawler.DimensionKey, cursor int) string {
	u := *f.endpoint
	q := u.Query()
	q.Set("keywords", key.Keyword)
	q.Set("location", key.Country)
	q.Set("start", strconv.Itoa(cursor))
	if tpr, ok := datePostedFilters[f.cfg.DatePosted]; ok {
		q.Set("f_TPR", tpr)
	}
	if len(f.cfg.WorkplaceTypes) > 0 {
		q.Set("f_WT", strings.Join(f.cfg.WorkplaceTypes, ","))
	}
	if len(f.cfg.ExperienceLevels) > 0 {
		q.Set("f_E", strings.Join(f.cfg.ExperienceLevels, ","))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Fetch executes a single HTTP GET using Colly. Non-2xx statuses and blank
// bodies are returned as *crawler.TransportError.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	target := f.SearchURL(request.Key, request.Cursor)
	start := time.Now()
	collector := f.buildCollector(ctx, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, target, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	if result.StatusCode < 200 || result.StatusCode > 299 {
		return result, crawler.NewStatusError(target, result.StatusCode)
	}
	if len(bytes.TrimSpace(result.Body)) == 0 {
		return result, &crawler.TransportError{URL: target, StatusCode: result.StatusCode, Err: fmt.Errorf("empty body")}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request crawler.FetchRequest,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	if request.Client.UserAgent != "" {
		collector.UserAgent = request.Client.UserAgent
	}
	f.configureCollectorHooks(collector, request.Client.AcceptLanguage, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	acceptLanguage string,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	if acceptLanguage == "" {
		acceptLanguage = f.cfg.AcceptLanguage
	}
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept-Language", acceptLanguage)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = crawler.FetchResponse{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = *fetchErr
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("colly fetch canceled: %w", ctxErr)
			}
			return &crawler.TransportError{URL: target, Err: fmt.Errorf("colly visit failed: %w", err)}
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
