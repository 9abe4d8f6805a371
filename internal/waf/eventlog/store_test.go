package eventlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sentryguard/waf/internal/waf/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndCountSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Append(ctx, model.LogEntry{
		Timestamp: 1000, Method: "GET", Path: "/users", PayloadHash: "h1",
		Decision: "block", Confidence: 0.9, Reason: "sqli",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), id)

	count, err := s.CountSince(ctx, "block", 0)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestFlaggedSinceOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, ts := range []int64{300, 100, 200} {
		_, err := s.Append(ctx, model.LogEntry{
			Timestamp: ts, Method: "GET", Path: "/x", PayloadHash: "h",
			Decision: "flag", Confidence: 0.5, Reason: "susp",
		})
		require.NoError(t, err)
	}

	entries, err := s.FlaggedSince(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, int64(100), entries[0].Timestamp)
	require.Equal(t, int64(200), entries[1].Timestamp)
	require.Equal(t, int64(300), entries[2].Timestamp)
}

func TestFlaggedSinceRespectsLowerBound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, model.LogEntry{Timestamp: 100, Method: "GET", Path: "/x", PayloadHash: "h", Decision: "flag", Confidence: 0.5, Reason: "a"})
	require.NoError(t, err)
	_, err = s.Append(ctx, model.LogEntry{Timestamp: 500, Method: "GET", Path: "/x", PayloadHash: "h", Decision: "flag", Confidence: 0.5, Reason: "b"})
	require.NoError(t, err)

	entries, err := s.FlaggedSince(ctx, 300)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, int64(500), entries[0].Timestamp)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	_, err = s2.Append(context.Background(), model.LogEntry{Timestamp: 1, Method: "GET", Path: "/", PayloadHash: "h", Decision: "allow", Confidence: 1})
	require.NoError(t, err)
}
