package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestHasherHashDeterministic ensures repeated hashing yields the same digest.
func TestHasherHashDeterministic(t *testing.T) {
	t.Parallel()

	h := New()
	got, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	again, err := h.Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, got, again)
}

// TestHasherDistinctInputs checks that every fixture used across the suite hashes uniquely.
func TestHasherDistinctInputs(t *testing.T) {
	t.Parallel()

	h := New()
	inputs := []string{
		"",
		" ",
		"hello world",
		"hello world\n",
		"Hello world",
		"<html><body><p>one</p></body></html>",
		"<html><body><p>two</p></body></html>",
	}
	seen := make(map[string]string, len(inputs))
	for _, in := range inputs {
		digest, err := h.Hash([]byte(in))
		require.NoError(t, err)
		require.Len(t, digest, 64)
		prev, dup := seen[digest]
		require.Falsef(t, dup, "collision between %q and %q", prev, in)
		seen[digest] = in
	}
}
