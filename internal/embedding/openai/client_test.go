package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedSendsModelAndDecodesVector(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req embeddingRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-ada-002", req.Model)
		assert.Equal(t, []string{"hello"}, req.Input)
		assert.Zero(t, req.Dimensions)
		_, _ = w.Write([]byte(`{"data":[{"index":0,"embedding":[0.5,-1,2]}]}`))
	})

	c, err := New(Config{APIKey: "secret", BaseURL: srv.URL + "/", Dimensions: 3})
	require.NoError(t, err)
	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, crawler.Vector{0.5, -1, 2}, vec)
	require.Equal(t, 3, c.Dimensions())
}

func TestEmbedBatchOrdersByIndex(t *testing.T) {
	t.Parallel()

	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[2,2]},{"index":0,"embedding":[1,1]}]}`))
	})
	c, err := New(Config{APIKey: "k", BaseURL: srv.URL, Model: "text-embedding-3-small", Dimensions: 2})
	require.NoError(t, err)

	out, err := c.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, []crawler.Vector{{1, 1}, {2, 2}}, out)
}

func TestEmbedFailuresAreUnavailable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		body          string
		wantPermanent bool
	}{
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":{"message":"too long"}}`, wantPermanent: true},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{"error":{"message":"slow down"}}`},
		{name: "server error", status: http.StatusBadGateway, body: `upstream`},
		{name: "empty vector", status: http.StatusOK, body: `{"data":[{"index":0,"embedding":[]}]}`},
		{name: "missing data", status: http.StatusOK, body: `{"data":[]}`},
		{name: "garbage", status: http.StatusOK, body: `not json`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			c, err := New(Config{APIKey: "k", BaseURL: srv.URL})
			require.NoError(t, err)
			vec, err := c.Embed(context.Background(), "text")
			require.Nil(t, vec)
			require.ErrorIs(t, err, crawler.ErrEmbeddingUnavailable)
			require.Equal(t, tc.wantPermanent, crawler.IsPermanent(err))
		})
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{APIKey: "k", Model: "mystery-model"})
	require.Error(t, err)
	c, err := New(Config{APIKey: "k"})
	require.NoError(t, err)
	require.Equal(t, 1536, c.Dimensions())
}
