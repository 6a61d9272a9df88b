// Package headless renders pages in headless Chrome for sites whose text
// only appears after JavaScript runs.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
)

const (
	// DefaultNavigationTimeout bounds one render, including the settle delay.
	DefaultNavigationTimeout = 60 * time.Second
	// DefaultSettle gives client-side frameworks time to paint text after
	// the body is ready.
	DefaultSettle = 500 * time.Millisecond
)

// assetPatterns are skipped when BlockAssets is set. Only text is indexed.
var assetPatterns = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico",
	"*.woff", "*.woff2", "*.ttf", "*.otf",
	"*.mp4", "*.webm", "*.mp3",
}

// Config tunes the renderer.
type Config struct {
	// MaxParallel caps concurrent browser tabs. Zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	Settle            time.Duration
	// BlockAssets stops images, fonts and media from loading.
	BlockAssets bool
}

// Renderer implements crawler.Fetcher with one shared Chrome process and a
// tab per render.
type Renderer struct {
	cfg     Config
	slots   *semaphore.Weighted
	browser context.Context
	stop    context.CancelFunc
}

// NewChromedp starts the browser allocator. Chrome itself launches lazily on
// the first render.
func NewChromedp(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("headless: max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	} else if cfg.Settle == 0 {
		cfg.Settle = DefaultSettle
	}
	r := &Renderer{cfg: cfg}
	if cfg.MaxParallel > 0 {
		r.slots = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}

	opts := make([]chromedp.ExecAllocatorOption, 0, len(chromedp.DefaultExecAllocatorOptions)+4)
	opts = append(opts, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
	)
	r.browser, r.stop = chromedp.NewExecAllocator(context.Background(), opts...)
	return r, nil
}

// Close shuts down the browser.
func (r *Renderer) Close() {
	r.stop()
}

// Fetch renders request.URL and returns the serialized DOM. Browser failures,
// timeouts and error statuses wrap crawler.ErrFetchUnavailable so the
// pipeline can fall back to the static body.
func (r *Renderer) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if r.slots != nil {
		if err := r.slots.Acquire(ctx, 1); err != nil {
			return crawler.FetchResponse{}, fmt.Errorf("%w: waiting for render slot: %w", crawler.ErrFetchUnavailable, err)
		}
		defer r.slots.Release(1)
	}

	tab, closeTab := chromedp.NewContext(r.browser)
	defer closeTab()
	tab, cancel := context.WithTimeout(tab, r.cfg.NavigationTimeout)
	defer cancel()
	// Stop the render when the caller gives up, not only on our timeout.
	stopAfter := context.AfterFunc(ctx, cancel)
	defer stopAfter()

	doc := &documentResponse{}
	chromedp.ListenTarget(tab, doc.observe)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tab,
		r.prepare(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.cfg.Settle),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return crawler.FetchResponse{}, fmt.Errorf("%w: render %s: %w", crawler.ErrFetchUnavailable, request.URL, err)
	}

	resp := doc.response(request.URL, location)
	if resp.StatusCode >= http.StatusBadRequest {
		return crawler.FetchResponse{}, fmt.Errorf("%w: render %s: status %d",
			crawler.ErrFetchUnavailable, resp.URL, resp.StatusCode)
	}
	resp.Body = []byte(html)
	resp.Duration = time.Since(start)
	resp.UsedHeadless = true
	return resp, nil
}

// prepare enables the network domain and applies per-tab overrides.
func (r *Renderer) prepare(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("user agent override: %w", err)
			}
		}
		if r.cfg.BlockAssets {
			if err := network.SetBlockedURLs(assetPatterns).Do(ctx); err != nil {
				return fmt.Errorf("block assets: %w", err)
			}
		}
		if extra := networkHeaders(headers); len(extra) > 0 {
			if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
				return fmt.Errorf("extra headers: %w", err)
			}
		}
		return nil
	})
}

// documentResponse keeps the last main-document response seen by a tab.
// Redirects replace earlier entries.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	url     string
	headers http.Header
}

func (d *documentResponse) observe(ev any) {
	e, ok := ev.(*network.EventResponseReceived)
	if !ok || e.Type != network.ResourceTypeDocument || e.Response == nil {
		return
	}
	headers := make(http.Header, len(e.Response.Headers))
	for key, value := range e.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, item := range v {
				headers.Add(key, fmt.Sprint(item))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(e.Response.Status)
	d.url = e.Response.URL
	d.headers = headers
}

// response builds the fetch metadata. When no document event arrived, the
// browser location or the requested URL stands in and the status is 200.
func (d *documentResponse) response(requested, location string) crawler.FetchResponse {
	d.mu.Lock()
	defer d.mu.Unlock()
	resp := crawler.FetchResponse{
		URL:        d.url,
		StatusCode: d.status,
		Headers:    d.headers.Clone(),
	}
	if resp.URL == "" {
		resp.URL = location
	}
	if resp.URL == "" {
		resp.URL = requested
	}
	if resp.StatusCode == 0 {
		resp.StatusCode = http.StatusOK
	}
	if resp.Headers == nil {
		resp.Headers = http.Header{}
	}
	return resp
}

func networkHeaders(h http.Header) network.Headers {
	out := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			// CDP accepts one value per header; browsers join repeats with a comma.
			out[key] = strings.Join(values, ", ")
		}
	}
	return out
}
