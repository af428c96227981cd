package sessioncache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/metrics"
)

func newTestCache(t *testing.T, backend Backend, generation string) (*Cache, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	c, err := New(backend, Options{
		Generation: generation,
		Metrics:    m,
		Now:        func() time.Time { return time.UnixMilli(1_000) },
	})
	require.NoError(t, err)
	return c, m
}

func TestLookupIsolatesSessions(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	c, _ := newTestCache(t, backend, "v3")

	require.True(t, c.Store(ctx, "session-a", testEntry("/task.php?id=2", "alice's task", 0)))
	require.True(t, c.Store(ctx, "session-b", testEntry("/task.php?id=2", "bob's task", 0)))

	req := httptest.NewRequest(http.MethodGet, "/task.php?id=2", nil)
	req.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: "session-b"})
	entry, ok := c.Lookup(ctx, SessionFromRequest(req, c.CookieName()), "https://tasks.example/task.php?id=2")
	require.True(t, ok)
	require.Equal(t, "bob's task", string(entry.Body))

	_, ok = c.Lookup(ctx, "session-c", "/task.php?id=2")
	require.False(t, ok, "an unknown session must not fall back to another session's page")
}

func TestLookupIgnoresStaleGeneration(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	require.NoError(t, backend.Put(ctx, PartitionName("v1", "alice"), "/index.php", testEntry("/index.php", "old", 1)))
	c, m := newTestCache(t, backend, "v2")

	_, ok := c.Lookup(ctx, "alice", "/index.php")
	require.False(t, ok)
	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")))
}

func TestAnonymousBucket(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t, NewMemoryBackend(), "v1")
	require.True(t, c.Store(ctx, "", testEntry("/", "home", 0)))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	session := SessionFromRequest(req, c.CookieName())
	require.Equal(t, AnonymousSession, session)
	entry, ok := c.Lookup(ctx, session, "/")
	require.True(t, ok)
	require.Equal(t, "home", string(entry.Body))
	require.Equal(t, int64(1_000), entry.StoredAt)
}

type brokenBackend struct {
	*MemoryBackend
}

var errDiskGone = errors.New("disk gone")

func (brokenBackend) Put(context.Context, string, string, Entry) error { return errDiskGone }

func (brokenBackend) Partitions(context.Context) ([]Partition, error) { return nil, errDiskGone }

func TestStorageFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	c, m := newTestCache(t, brokenBackend{NewMemoryBackend()}, "v1")

	require.False(t, c.Store(ctx, "alice", testEntry("/", "home", 0)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheStoreErrors))

	_, ok := c.Lookup(ctx, "alice", "/")
	require.False(t, ok)
	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("error")))
}

func TestEvictMatchingSpansPartitions(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	c, m := newTestCache(t, backend, "v2")
	require.NoError(t, backend.Put(ctx, PartitionName("v1", "alice"), "/task.php?id=7", testEntry("/task.php?id=7", "old", 1)))
	c.Store(ctx, "alice", testEntry("/task.php?id=7", "a", 0))
	c.Store(ctx, "bob", testEntry("/task.php?id=7", "b", 0))
	c.Store(ctx, "bob", testEntry("/task.php?id=8", "keep", 0))

	evicted, err := c.EvictMatching(ctx, func(_, key string) bool { return key == "/task.php?id=7" })
	require.NoError(t, err)
	require.Equal(t, 3, evicted)
	require.Equal(t, 3.0, testutil.ToFloat64(m.CacheEvictions))

	_, ok := c.Lookup(ctx, "bob", "/task.php?id=8")
	require.True(t, ok)
}

func TestActivateDropsOtherGenerations(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	require.NoError(t, backend.Put(ctx, PartitionName("v1", "alice"), "/", testEntry("/", "v1", 1)))
	require.NoError(t, backend.Put(ctx, PartitionName("v2", "alice"), "/", testEntry("/", "v2", 2)))
	require.NoError(t, backend.Put(ctx, PartitionName("v3", "alice"), "/", testEntry("/", "v3", 3)))
	c, _ := newTestCache(t, backend, "v3")

	dropped, err := c.EvictGeneration(ctx, "v1")
	require.NoError(t, err)
	require.Equal(t, 1, dropped)

	dropped, err = c.Activate(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, dropped)

	partitions, err := backend.Partitions(ctx)
	require.NoError(t, err)
	require.Equal(t, []Partition{{Name: "v3::alice", CreatedAt: 3}}, partitions)
}

func TestNewValidatesGeneration(t *testing.T) {
	_, err := New(NewMemoryBackend(), Options{})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = New(NewMemoryBackend(), Options{Generation: "a::b"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = New(nil, Options{Generation: "v1"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestNormalizeSession(t *testing.T) {
	require.Equal(t, AnonymousSession, NormalizeSession("  "))
	require.Equal(t, "abc-123_X", NormalizeSession("abc-123_X"))
	hashed := NormalizeSession("a b;c")
	require.True(t, strings.HasPrefix(hashed, "~"))
	require.Len(t, hashed, 33)
	require.Equal(t, hashed, NormalizeSession(hashed))
	require.Equal(t, hashed, NormalizeSession("a b;c"))
	require.Equal(t, AnonymousSession, NormalizeSession(AnonymousSession))
}

func TestCookieValuesCannotNameDerivedIdentities(t *testing.T) {
	hashed := SessionIdentity("a b;c")
	require.NotEqual(t, hashed, SessionIdentity(hashed))
	require.NotEqual(t, hashed, SessionIdentity("h"+strings.TrimPrefix(hashed, "~")))
	require.NotEqual(t, AnonymousSession, SessionIdentity("anonymous"))
	require.NotEqual(t, AnonymousSession, SessionIdentity(AnonymousSession))
	require.Equal(t, "anonymous", SessionFromCookieHeader("PHPSESSID=anonymous", "PHPSESSID"))

	ctx := context.Background()
	cache, err := New(NewMemoryBackend(), Options{Generation: "v1"})
	require.NoError(t, err)
	require.True(t, cache.Store(ctx, AnonymousSession, testEntry("/index.php", "shared", 1)))
	_, ok := cache.Lookup(ctx, SessionFromCookieHeader("PHPSESSID=anonymous", "PHPSESSID"), "/index.php")
	require.False(t, ok)
	_, ok = cache.Lookup(ctx, SessionFromCookieHeader("", "PHPSESSID"), "/index.php")
	require.True(t, ok)
}

func TestPartitionNames(t *testing.T) {
	name := PartitionName("v9", "alice")
	require.Equal(t, "v9::alice", name)
	generation, session, ok := ParsePartition(name)
	require.True(t, ok)
	require.Equal(t, "v9", generation)
	require.Equal(t, "alice", session)

	_, _, ok = ParsePartition("legacy-cache")
	require.False(t, ok)
}

func TestSessionFromCookieHeader(t *testing.T) {
	require.Equal(t, "xyz", SessionFromCookieHeader("theme=dark; PHPSESSID=xyz", "PHPSESSID"))
	require.Equal(t, AnonymousSession, SessionFromCookieHeader("theme=dark", "PHPSESSID"))
	require.Equal(t, AnonymousSession, SessionFromCookieHeader("", "PHPSESSID"))
}

func TestKey(t *testing.T) {
	require.Equal(t, "/task.php?id=2", Key("https://tasks.example/task.php?id=2"))
	require.Equal(t, "/task.php?id=2", Key("/task.php?id=2"))
	require.Equal(t, "/", Key("https://tasks.example"))
}

func TestEntryResponse(t *testing.T) {
	entry := testEntry("/task.php?id=2", "<h1>Task</h1>", 10)
	resp := entry.Response(httptest.NewRequest(http.MethodGet, "/task.php?id=2", nil))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "<h1>Task</h1>", string(body))
}
