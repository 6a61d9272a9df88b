package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/recall-crawler/internal/changedetect"
	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/embedding/hashing"
	"github.com/JakeFAU/recall-crawler/internal/hash/sha256"
	"github.com/JakeFAU/recall-crawler/internal/storage/sqlite"
)

func digest(t *testing.T, body string) string {
	t.Helper()
	sum, err := sha256.New().Hash([]byte(body))
	require.NoError(t, err)
	return sum
}

// prefixIDs keeps ids from separate processes apart.
type prefixIDs struct {
	prefix string
	n      atomic.Int64
}

func (g *prefixIDs) NewID() (string, error) {
	return fmt.Sprintf("%s-%04d", g.prefix, g.n.Add(1)), nil
}

// gatedWeb parks Fetch until release is closed, after signaling entered.
type gatedWeb struct {
	*fakeWeb
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedWeb() *gatedWeb {
	return &gatedWeb{
		fakeWeb: newFakeWeb(),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (w *gatedWeb) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	w.once.Do(func() { close(w.entered) })
	select {
	case <-w.release:
	case <-ctx.Done():
		return crawler.FetchResponse{}, ctx.Err()
	}
	return w.fakeWeb.Fetch(ctx, req)
}

func requireSingleChunkSet(t *testing.T, store crawler.Store, url, body string) crawler.Page {
	t.Helper()
	ctx := context.Background()

	page, err := store.GetPageByURL(ctx, url)
	require.NoError(t, err)
	require.Equal(t, digest(t, body), page.ContentHash)

	all, err := store.ListChunkEmbeddings(ctx)
	require.NoError(t, err)
	chunks, err := store.ListChunks(ctx, page.ID)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	require.Len(t, all, len(chunks), "no chunks may belong to another page row")
	for _, c := range all {
		require.Equal(t, page.ID, c.PageID)
	}
	return page
}

func TestIndexPageSameURLConcurrently(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.web.delay = 10 * time.Millisecond
	body := "alpha beta\n\ngamma delta\n\nepsilon zeta"
	f.web.set(pageURL, fakePage{body: body})
	site := f.site(t)

	const passes = 4
	results := make([]Result, passes)
	errs := make([]error, passes)
	var wg sync.WaitGroup
	for i := range passes {
		wg.Go(func() {
			results[i], errs[i] = f.p.IndexPage(context.Background(), site, pageURL)
		})
	}
	wg.Wait()

	updated := 0
	for i := range passes {
		require.NoError(t, errs[i])
		if results[i].Updated {
			updated++
		} else {
			require.Equal(t, changedetect.ReasonHashUnchanged, results[i].Reason)
		}
	}
	require.Equal(t, 1, updated)

	page := requireSingleChunkSet(t, f.store, pageURL, body)
	require.Len(t, f.chunkIDs(t, page.ID), 3)
}

// sharedFile opens two stores on one SQLite file, standing in for two
// crawler processes.
func sharedFile(t *testing.T) (*sqlite.Store, *sqlite.Store) {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "index.db")
	a, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := sqlite.Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return a, b
}

func newProcess(t *testing.T, store crawler.Store, web interface {
	crawler.HeadFetcher
	crawler.Fetcher
}, prefix string,
) *Pipeline {
	t.Helper()
	p, err := New(Config{ChunkMaxTokens: 2}, Deps{
		Store:    store,
		Head:     web,
		Fetcher:  web,
		Embedder: hashing.New(16),
		Hasher:   sha256.New(),
		Clock:    &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		IDs:      &prefixIDs{prefix: prefix},
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	return p
}

func TestIndexPageAcrossProcesses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		winnerBody  string
		loserBody   string
		wantUpdated bool
		wantReason  changedetect.Reason
	}{
		{
			name:       "same content is left to the winner",
			winnerBody: "alpha beta\n\ngamma delta",
			loserBody:  "alpha beta\n\ngamma delta",
			wantReason: ReasonConcurrentUpdate,
		},
		{
			name:        "newer content replaces the winner's chunks",
			winnerBody:  "alpha beta\n\ngamma delta",
			loserBody:   "one two\n\nthree four\n\nfive six",
			wantUpdated: true,
			wantReason:  changedetect.ReasonNewPage,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()

			storeA, storeB := sharedFile(t)
			webA := newFakeWeb()
			webA.set(pageURL, fakePage{body: tc.winnerBody})
			webB := newGatedWeb()
			webB.set(pageURL, fakePage{body: tc.loserBody})
			winner := newProcess(t, storeA, webA, "a")
			loser := newProcess(t, storeB, webB, "b")

			site, err := winner.EnsureSite(ctx, pageURL)
			require.NoError(t, err)

			var (
				lost    Result
				lostErr error
				done    = make(chan struct{})
			)
			go func() {
				defer close(done)
				lost, lostErr = loser.IndexPage(ctx, site, pageURL)
			}()

			// The loser has read "no page" and is fetching when the winner commits.
			select {
			case <-webB.entered:
			case <-time.After(5 * time.Second):
				t.Fatal("loser never reached fetch")
			}
			won, err := winner.IndexPage(ctx, site, pageURL)
			require.NoError(t, err)
			require.True(t, won.Updated)
			close(webB.release)
			<-done

			require.NoError(t, lostErr)
			require.Equal(t, tc.wantReason, lost.Reason)
			require.Equal(t, tc.wantUpdated, lost.Updated)
			require.Equal(t, won.PageID, lost.PageID, "loser must bind to the existing page row")

			want := tc.winnerBody
			if tc.wantUpdated {
				want = tc.loserBody
			}
			page := requireSingleChunkSet(t, storeA, pageURL, want)
			require.Equal(t, won.PageID, page.ID)
		})
	}
}
