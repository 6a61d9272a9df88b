package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/recall-crawler/internal/config"
	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/embedding/hashing"
	"github.com/JakeFAU/recall-crawler/internal/hash/sha256"
	"github.com/JakeFAU/recall-crawler/internal/pipeline"
	queueMemory "github.com/JakeFAU/recall-crawler/internal/queue/memory"
	"github.com/JakeFAU/recall-crawler/internal/recall"
	"github.com/JakeFAU/recall-crawler/internal/storage/memory"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

type fakeIDGen struct {
	mu   sync.Mutex
	next int
}

func (g *fakeIDGen) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

// offlineWeb satisfies the fetch interfaces for handlers that never fetch.
type offlineWeb struct{}

func (offlineWeb) Head(context.Context, string) (crawler.HeadInfo, error) {
	return crawler.HeadInfo{}, crawler.ErrFetchUnavailable
}

func (offlineWeb) Fetch(context.Context, crawler.FetchRequest) (crawler.FetchResponse, error) {
	return crawler.FetchResponse{}, crawler.ErrFetchUnavailable
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) (crawler.Vector, error) {
	return nil, fmt.Errorf("provider down: %w", crawler.ErrEmbeddingUnavailable)
}

func (failingEmbedder) Dimensions() int { return 16 }

type pingStore struct {
	*memory.Store
	err error
}

func (s pingStore) Ping(context.Context) error { return s.err }

type testEnv struct {
	server *Server
	store  *memory.Store
	queue  *queueMemory.Queue
	clock  *fakeClock
}

func newTestEnv(t *testing.T, embedder crawler.Embedder, queueDepth int) *testEnv {
	t.Helper()
	store := memory.NewStore()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
	ids := &fakeIDGen{}
	p, err := pipeline.New(pipeline.Config{ChunkMaxTokens: 50}, pipeline.Deps{
		Store:    store,
		Head:     offlineWeb{},
		Fetcher:  offlineWeb{},
		Embedder: embedder,
		Hasher:   sha256.New(),
		Clock:    clock,
		IDs:      ids,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	engine := recall.New(store, embedder, recall.DefaultTopK, zap.NewNop())
	q := queueMemory.NewQueue(queueDepth)
	cfg := config.Config{Server: config.ServerConfig{RequestTimeoutSeconds: 5}}
	server := NewServer(store, p, engine, q, ids, clock, cfg, zap.NewNop())
	return &testEnv{server: server, store: store, queue: q, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) seedPage(t *testing.T, pageID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.store.UpsertSite(ctx, crawler.Site{ID: "site-1", URL: "https://example.com", StartURL: "https://example.com"}))
	require.NoError(t, e.store.UpsertPage(ctx, crawler.Page{ID: pageID, SiteID: "site-1", URL: "https://example.com/" + pageID}))
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_HealthAndReady(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, hashing.New(16), 4)
	rec := env.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = env.do(t, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ready")
}

func TestServer_ReadyzStoreDown(t *testing.T) {
	t.Parallel()

	store := pingStore{Store: memory.NewStore(), err: errors.New("connection refused")}
	server := NewServer(store, nil, nil, nil, &fakeIDGen{}, &fakeClock{}, config.Config{}, zap.NewNop())
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_RequestIDPropagates(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, hashing.New(16), 4)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()

	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, hashing.New(16), 4)
	env.do(t, http.MethodGet, "/healthz", "")
	rec := env.do(t, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_StorageThenRecall(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, hashing.New(16), 4)
	env.seedPage(t, "page-1")

	for _, body := range []string{
		`{"page_id":"page-1","content":"golang channels and goroutines"}`,
		`{"pageId":"page-1","content":"baking sourdough bread at home"}`,
	} {
		rec := env.do(t, http.MethodPost, "/storage", body)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		resp := decode[storageResponse](t, rec)
		require.True(t, resp.Success)
		require.NotEmpty(t, resp.ChunkID)
	}

	rec := env.do(t, http.MethodPost, "/recall", `{"query":"golang channels and goroutines"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Results []recallHit `json:"results"`
	}](t, rec)
	require.Len(t, resp.Results, 2)
	require.Equal(t, "golang channels and goroutines", resp.Results[0].Content)
	require.InDelta(t, 1.0, resp.Results[0].Score, 1e-6)
	require.GreaterOrEqual(t, resp.Results[0].Score, resp.Results[1].Score)
}

func TestServer_RecallEmptyStore(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, hashing.New(16), 4)
	rec := env.do(t, http.MethodPost, "/v1/recall", `{"query":"anything"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"results":[]}`, rec.Body.String())
}

func TestServer_RecallErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		embedder crawler.Embedder
		body     string
		want     int
	}{
		{name: "invalid json", embedder: hashing.New(16), body: "{", want: http.StatusBadRequest},
		{name: "blank query", embedder: hashing.New(16), body: `{"query":"   "}`, want: http.StatusBadRequest},
		{name: "embedding down", embedder: failingEmbedder{}, body: `{"query":"hi"}`, want: http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, tc.embedder, 4)
			rec := env.do(t, http.MethodPost, "/recall", tc.body)
			require.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestServer_StorageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		embedder crawler.Embedder
		body     string
		want     int
	}{
		{name: "invalid json", embedder: hashing.New(16), body: "nope", want: http.StatusBadRequest},
		{name: "missing page id", embedder: hashing.New(16), body: `{"content":"x"}`, want: http.StatusBadRequest},
		{name: "empty content", embedder: hashing.New(16), body: `{"page_id":"page-1","content":" "}`, want: http.StatusBadRequest},
		{name: "unknown page", embedder: hashing.New(16), body: `{"page_id":"missing","content":"x"}`, want: http.StatusNotFound},
		{name: "embedding down", embedder: failingEmbedder{}, body: `{"page_id":"page-1","content":"x"}`, want: http.StatusServiceUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			env := newTestEnv(t, tc.embedder, 4)
			env.seedPage(t, "page-1")

			rec := env.do(t, http.MethodPost, "/v1/storage", tc.body)

			require.Equal(t, tc.want, rec.Code)
			resp := decode[storageResponse](t, rec)
			require.False(t, resp.Success)
			require.NotEmpty(t, resp.Error)
		})
	}
}

func TestServer_SubmitSite(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, hashing.New(16), 4)
	rec := env.do(t, http.MethodPost, "/v1/clients", `{"name":"Acme","email":"ops@acme.test"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	clientID := decode[map[string]string](t, rec)["id"]
	require.NotEmpty(t, clientID)

	body := fmt.Sprintf(`{"url":"HTTPS://Example.com/docs#intro","client_id":%q}`, clientID)
	rec = env.do(t, http.MethodPost, "/v1/sites", body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[map[string]string](t, rec)
	require.Equal(t, "https://example.com/docs", resp["url"])

	item, err := env.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "https://example.com/docs", item.SiteURL)
	require.Equal(t, clientID, item.ClientID)
	require.Equal(t, 1, item.Attempt)
	require.Equal(t, env.clock.now.Unix(), item.Submitted)

	rec = env.do(t, http.MethodGet, "/v1/sites", "")
	require.Equal(t, http.StatusOK, rec.Code)
	sites := decode[map[string][]crawler.Site](t, rec)["sites"]
	require.Len(t, sites, 1)
	require.Equal(t, resp["site_id"], sites[0].ID)

	rec = env.do(t, http.MethodGet, "/v1/clients/"+clientID+"/sites", "")
	require.Equal(t, http.StatusOK, rec.Code)
	linked := decode[map[string][]crawler.Site](t, rec)["sites"]
	require.Len(t, linked, 1)
}

func TestServer_SubmitSiteValidation(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, hashing.New(16), 4)

	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/sites", "{").Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/sites", `{"url":""}`).Code)
	require.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/sites", `{"url":"ftp://x"}`).Code)
	require.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodPost, "/v1/sites", `{"url":"https://example.com","client_id":"ghost"}`).Code)
	require.Equal(t, 0, env.queue.Len())
}

func TestServer_SubmitSiteQueueFull(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, hashing.New(16), 1)
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/v1/sites", `{"url":"https://a.example"}`).Code)

	rec := env.do(t, http.MethodPost, "/v1/sites", `{"url":"https://b.example"}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[map[string]string](t, rec)
	require.NotEmpty(t, resp["site_id"])
	_, err := env.store.GetSiteByURL(context.Background(), "https://b.example/")
	require.NoError(t, err)
}

func TestServer_CreateClientRequiresName(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, hashing.New(16), 4)
	rec := env.do(t, http.MethodPost, "/v1/clients", `{"email":"a@b.test"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_ClientSitesUnknownClient(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, hashing.New(16), 4)
	rec := env.do(t, http.MethodGet, "/v1/clients/ghost/sites", "")

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_GetPage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, hashing.New(16), 4)
	env.seedPage(t, "page-1")
	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodPost, "/storage", `{"page_id":"page-1","content":"hello"}`).Code)

	rec := env.do(t, http.MethodGet, "/v1/pages/page-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[struct {
		Page   crawler.Page `json:"page"`
		Chunks int          `json:"chunks"`
	}](t, rec)
	require.Equal(t, "page-1", resp.Page.ID)
	require.Equal(t, 1, resp.Chunks)

	require.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/pages/nope", "").Code)
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	server := NewServer(memory.NewStore(), nil, nil, nil, &fakeIDGen{}, &fakeClock{}, config.Config{}, zap.NewNop())
	// A nil recaller panics inside the handler.
	req := httptest.NewRequest(http.MethodPost, "/recall", bytes.NewBufferString(`{"query":"x"}`))
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
