package session

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/w3z4y4/mcp-gateway/internal/kv"
)

const sid = "3f2b8c1e-9a4d-4e6f-8b7a-1c2d3e4f5a6b"

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStore(kv.NewRedisWithClient(client), time.Hour, logger), mr
}

func TestBindLookupRoundTrip(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Bind(ctx, sid, "fingerprint-a", 10*time.Minute))

	got, ok, err := s.Lookup(ctx, sid)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "fingerprint-a", got)
	assert.True(t, mr.Exists(KeyPrefix+sid), "binding must live under the session namespace")

	mr.FastForward(11 * time.Minute)
	_, ok, err = s.Lookup(ctx, sid)
	require.NoError(t, err)
	assert.False(t, ok, "binding must be gone after its ttl")
}

func TestBindOverwrites(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Bind(ctx, sid, "first", 0))
	require.NoError(t, s.Bind(ctx, sid, "second", 0))

	got, ok, err := s.Lookup(ctx, sid)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", got)
}

func TestDefaultTTLApplied(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Bind(ctx, sid, "k", 0))
	secs, err := s.RemainingTTL(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(3600), secs)
}

func TestInvalidInput(t *testing.T) {
	t.Parallel()
	s, _ := newTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Bind(ctx, "", "k", 0), ErrInvalidInput)
	assert.ErrorIs(t, s.Bind(ctx, sid, "", 0), ErrInvalidInput)
	assert.ErrorIs(t, s.Bind(ctx, sid, "k", -time.Second), ErrInvalidInput)
	assert.ErrorIs(t, s.Unbind(ctx, ""), ErrInvalidInput)
	_, err := s.ExtendTTL(ctx, "", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Reads treat an empty id as absent.
	_, ok, err := s.Lookup(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)
	exists, err := s.Exists(ctx, "")
	require.NoError(t, err)
	assert.False(t, exists)
	secs, err := s.RemainingTTL(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, Absent, secs)
}

func TestUnbindAndExtend(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Bind(ctx, sid, "k", time.Minute))

	ok, err := s.ExtendTTL(ctx, sid, 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	mr.FastForward(5 * time.Minute)
	exists, err := s.Exists(ctx, sid)
	require.NoError(t, err)
	assert.True(t, exists, "extended binding must outlive its original ttl")

	require.NoError(t, s.Unbind(ctx, sid))
	exists, err = s.Exists(ctx, sid)
	require.NoError(t, err)
	assert.False(t, exists)

	ok, err = s.ExtendTTL(ctx, sid, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "extending an absent session reports false")

	require.NoError(t, s.Unbind(ctx, sid), "unbinding twice is not an error")
}

func TestRemainingTTLSentinels(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	secs, err := s.RemainingTTL(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, Absent, secs)

	// A binding written without expiry by another tool.
	require.NoError(t, mr.Set(KeyPrefix+"manual", "k"))
	secs, err = s.RemainingTTL(ctx, "manual")
	require.NoError(t, err)
	assert.Equal(t, NeverExpires, secs)
}

func TestCleanExpiredCountsLive(t *testing.T) {
	t.Parallel()
	s, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Bind(ctx, "a", "k", time.Minute))
	require.NoError(t, s.Bind(ctx, "b", "k", time.Hour))
	mr.FastForward(2 * time.Minute)

	n, err := s.CleanExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryBackend(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	mem := kv.NewMemoryWithClock(func() time.Time { return now })
	s := NewStore(mem, 0, nil)
	ctx := context.Background()

	require.NoError(t, s.Bind(ctx, sid, "k", 0))
	assert.Equal(t, DefaultTTL, s.DefaultTTL())
	secs, err := s.RemainingTTL(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(7200), secs)
}
