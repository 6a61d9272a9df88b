package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/recall-crawler/internal/crawler"
	"github.com/JakeFAU/recall-crawler/internal/queue/memory"
)

type staticSites struct {
	sites []crawler.Site
	err   error
}

func (s staticSites) ListSites(context.Context) ([]crawler.Site, error) {
	return s.sites, s.err
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func drain(t *testing.T, q *memory.Queue) []string {
	t.Helper()
	var out []string
	for q.Len() > 0 {
		item, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		out = append(out, item.SiteURL)
	}
	return out
}

func TestTickEnqueuesSitesAndSeeds(t *testing.T) {
	t.Parallel()

	sites := staticSites{sites: []crawler.Site{
		{ID: "1", StartURL: "https://a.example.com/"},
		{ID: "2", StartURL: "https://b.example.com/"},
	}}
	q := memory.NewQueue(10)
	s := New(sites, q, []string{"https://B.example.com/", "https://c.example.com/", "::bad"}, time.Minute,
		fixedClock{now: time.Unix(100, 0)}, zap.NewNop())

	require.Equal(t, 3, s.Tick(context.Background()))
	require.Equal(t, []string{
		"https://a.example.com/",
		"https://b.example.com/",
		"https://c.example.com/",
	}, drain(t, q))
}

func TestTickStopsWhenQueueFull(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(2)
	s := New(staticSites{}, q, []string{
		"https://a.example.com/", "https://b.example.com/", "https://c.example.com/",
	}, time.Minute, fixedClock{}, zap.NewNop())

	require.Equal(t, 2, s.Tick(context.Background()))
	require.Equal(t, 2, q.Len())

	drain(t, q)
	require.Equal(t, 2, s.Tick(context.Background()))
}

func TestTickFallsBackToSeeds(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	s := New(staticSites{err: errors.New("db down")}, q, []string{"https://a.example.com/"}, time.Minute,
		fixedClock{}, zap.NewNop())
	require.Equal(t, 1, s.Tick(context.Background()))
}

func TestRunTicksUntilCanceled(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(100)
	s := New(staticSites{}, q, []string{"https://a.example.com/"}, 10*time.Millisecond, fixedClock{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return q.Len() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}
