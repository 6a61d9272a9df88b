package headless

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
)

func TestNewChromedpValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	r, err := NewChromedp(Config{MaxParallel: 2})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	require.NotNil(t, r.slots)
	require.Equal(t, DefaultNavigationTimeout, r.cfg.NavigationTimeout)
	require.Equal(t, DefaultSettle, r.cfg.Settle)

	unbounded, err := NewChromedp(Config{Settle: -time.Second})
	require.NoError(t, err)
	t.Cleanup(unbounded.Close)
	require.Nil(t, unbounded.slots)
	require.Zero(t, unbounded.cfg.Settle)
}

func TestDocumentResponseKeepsLastDocument(t *testing.T) {
	t.Parallel()

	doc := &documentResponse{}
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeDocument,
		Response: &network.Response{Status: 301, URL: "https://example.com/old"},
	})
	doc.observe(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404, URL: "https://example.com/logo.png"},
	})
	doc.observe(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  200,
			URL:     "https://example.com/new",
			Headers: network.Headers{"Content-Type": "text/html", "Vary": []any{"Accept", "Cookie"}},
		},
	})
	doc.observe("not a network event")

	resp := doc.response("https://example.com/old", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "https://example.com/new", resp.URL)
	require.Equal(t, "text/html", resp.Headers.Get("Content-Type"))
	require.Equal(t, []string{"Accept", "Cookie"}, resp.Headers.Values("Vary"))
}

func TestDocumentResponseFallbacks(t *testing.T) {
	t.Parallel()

	resp := (&documentResponse{}).response("https://req.example", "https://final.example")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "https://final.example", resp.URL)
	require.NotNil(t, resp.Headers)

	resp = (&documentResponse{}).response("https://req.example", "")
	require.Equal(t, "https://req.example", resp.URL)
}

func TestNetworkHeadersJoinsRepeats(t *testing.T) {
	t.Parallel()

	got := networkHeaders(http.Header{
		"Accept-Language": {"en", "de"},
		"X-Crawl":         {"recall"},
		"X-Empty":         {},
	})
	require.Equal(t, network.Headers{"Accept-Language": "en, de", "X-Crawl": "recall"}, got)
}

func TestFetchWaitsForSlot(t *testing.T) {
	t.Parallel()

	r, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	t.Cleanup(r.Close)

	require.True(t, r.slots.TryAcquire(1))
	defer r.slots.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = r.Fetch(ctx, crawler.FetchRequest{URL: "https://example.com"})
	require.True(t, errors.Is(err, crawler.ErrFetchUnavailable))
}
