package crawler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "lowercases host", in: "HTTPS://Example.COM/Path", want: "https://example.com/Path"},
		{name: "drops default port", in: "http://example.com:80/a", want: "http://example.com/a"},
		{name: "drops https port", in: "https://example.com:443/a", want: "https://example.com/a"},
		{name: "drops fragment", in: "https://example.com/a#top", want: "https://example.com/a"},
		{name: "empty path becomes root", in: "https://Example.com", want: "https://example.com/"},
		{name: "root path kept", in: "https://example.com/", want: "https://example.com/"},
		{name: "empty path with query", in: "https://example.com?b=2&a=1", want: "https://example.com/?a=1&b=2"},
		{name: "sorts query", in: "https://example.com/?b=2&a=1", want: "https://example.com/?a=1&b=2"},
		{name: "trims space", in: "  https://example.com  ", want: "https://example.com/"},
		{name: "rejects ftp", in: "ftp://example.com", wantErr: true},
		{name: "rejects relative", in: "/just/a/path", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeURL(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestHostname(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", Hostname("https://Example.com/x"))
	require.Equal(t, "unknown", Hostname("::not a url"))
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, 10*time.Millisecond, 40*time.Millisecond)
	boom := errors.New("boom")

	require.False(t, p.ShouldRetry(nil, 0))
	require.True(t, p.ShouldRetry(boom, 1))
	require.False(t, p.ShouldRetry(boom, 3))
	require.False(t, p.ShouldRetry(context.Canceled, 0))
	require.False(t, p.ShouldRetry(Permanent(boom), 0))
	require.True(t, p.ShouldRetry(context.DeadlineExceeded, 0))

	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, 40*time.Millisecond)
	}
}

func TestPermanentWrapping(t *testing.T) {
	t.Parallel()

	base := fmt.Errorf("status 400: %w", ErrEmbeddingUnavailable)
	err := fmt.Errorf("embed: %w", Permanent(base))
	require.True(t, IsPermanent(err))
	require.ErrorIs(t, err, ErrEmbeddingUnavailable)
	require.Nil(t, Permanent(nil))
	require.False(t, IsPermanent(base))
}
