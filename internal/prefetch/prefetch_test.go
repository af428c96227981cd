package prefetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaysync/internal/broadcast"
	"github.com/agentworkforce/relaysync/internal/metrics"
	"github.com/agentworkforce/relaysync/internal/sessioncache"
)

type fetchFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

func (f fetchFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

func htmlResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"text/html"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []broadcast.PrefetchProgressMessage
}

func (p *recordingPublisher) Publish(msg broadcast.Message) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if progress, ok := msg.(broadcast.PrefetchProgressMessage); ok {
		p.messages = append(p.messages, progress)
	}
	return 1
}

func (p *recordingPublisher) statuses() []broadcast.PrefetchStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]broadcast.PrefetchStatus, 0, len(p.messages))
	for _, msg := range p.messages {
		out = append(out, msg.Status)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	scheduler *Scheduler
	cache     *sessioncache.Cache
	pub       *recordingPublisher
	clock     *clock
	metrics   *metrics.Metrics
}

func newHarness(t *testing.T, fetcher Fetcher, online func() bool, statePath string) harness {
	t.Helper()
	cache, err := sessioncache.New(sessioncache.NewMemoryBackend(), sessioncache.Options{Generation: "v1"})
	require.NoError(t, err)
	pub := &recordingPublisher{}
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	m := metrics.New()
	s, err := New(Options{
		Fetcher:     fetcher,
		Cache:       cache,
		Publisher:   pub,
		Metrics:     m,
		Online:      online,
		StatePath:   statePath,
		MinInterval: time.Minute,
		Rate:        rate.Inf,
		Now:         clk.Now,
	})
	require.NoError(t, err)
	return harness{scheduler: s, cache: cache, pub: pub, clock: clk, metrics: m}
}

func okFetcher() Fetcher {
	return fetchFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		return htmlResponse(http.StatusOK, "page "+req.URL.String()), nil
	})
}

const cookie = "PHPSESSID=alice"

func TestMaybePrefetchWarmsCache(t *testing.T) {
	h := newHarness(t, okFetcher(), nil, "")
	ctx := context.Background()

	result, err := h.scheduler.MaybePrefetch(ctx, cookie, []string{"/index.php", "/task.php?id=1", "/index.php"})
	require.NoError(t, err)
	require.Equal(t, Result{Total: 2, Completed: 2}, result)
	require.Equal(t, []broadcast.PrefetchStatus{
		broadcast.PrefetchStart, broadcast.PrefetchProgress, broadcast.PrefetchProgress, broadcast.PrefetchDone,
	}, h.pub.statuses())

	entry, ok := h.cache.Lookup(ctx, "alice", "/task.php?id=1")
	require.True(t, ok)
	require.Equal(t, "page /task.php?id=1", string(entry.Body))
	_, ok = h.cache.Lookup(ctx, "bob", "/task.php?id=1")
	require.False(t, ok)
	require.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PrefetchRuns.WithLabelValues("done")))
}

func TestMaybePrefetchRespectsMinInterval(t *testing.T) {
	calls := 0
	h := newHarness(t, fetchFunc(func(_ context.Context, _ *http.Request) (*http.Response, error) {
		calls++
		return htmlResponse(http.StatusOK, "x"), nil
	}), nil, "")
	ctx := context.Background()

	_, err := h.scheduler.MaybePrefetch(ctx, cookie, []string{"/"})
	require.NoError(t, err)
	result, err := h.scheduler.MaybePrefetch(ctx, cookie, []string{"/"})
	require.NoError(t, err)
	require.Equal(t, SkipRecent, result.Skipped)
	require.Equal(t, 1, calls)

	// Other sessions have their own partition and are not throttled.
	result, err = h.scheduler.MaybePrefetch(ctx, "PHPSESSID=bob", []string{"/"})
	require.NoError(t, err)
	require.Equal(t, SkipNone, result.Skipped)

	h.clock.Advance(2 * time.Minute)
	result, err = h.scheduler.MaybePrefetch(ctx, cookie, []string{"/"})
	require.NoError(t, err)
	require.Equal(t, SkipNone, result.Skipped)
	require.Equal(t, 3, calls)
}

func TestMaybePrefetchPreconditions(t *testing.T) {
	online := false
	h := newHarness(t, okFetcher(), func() bool { return online }, "")
	ctx := context.Background()

	result, err := h.scheduler.MaybePrefetch(ctx, cookie, nil)
	require.NoError(t, err)
	require.Equal(t, SkipEmpty, result.Skipped)

	result, err = h.scheduler.MaybePrefetch(ctx, cookie, []string{"/"})
	require.NoError(t, err)
	require.Equal(t, SkipOffline, result.Skipped)
	require.Empty(t, h.pub.statuses())
}

func TestMaybePrefetchNetworkFailureIsNotRecorded(t *testing.T) {
	fail := true
	h := newHarness(t, fetchFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		if fail && req.URL.Path == "/completed.php" {
			return nil, errors.New("connection refused")
		}
		return htmlResponse(http.StatusOK, "ok"), nil
	}), nil, "")
	ctx := context.Background()

	result, err := h.scheduler.MaybePrefetch(ctx, cookie, []string{"/index.php", "/completed.php", "/"})
	require.Error(t, err)
	require.Equal(t, 1, result.Completed)
	statuses := h.pub.statuses()
	require.Equal(t, broadcast.PrefetchError, statuses[len(statuses)-1])
	_, ok := h.scheduler.LastSuccess(cookie)
	require.False(t, ok)

	fail = false
	result, err = h.scheduler.MaybePrefetch(ctx, cookie, []string{"/index.php", "/completed.php", "/"})
	require.NoError(t, err)
	require.Equal(t, 3, result.Completed)
}

func TestMaybePrefetchCountsUncacheableResponses(t *testing.T) {
	h := newHarness(t, fetchFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/missing.php" {
			return htmlResponse(http.StatusNotFound, "nope"), nil
		}
		return htmlResponse(http.StatusOK, "ok"), nil
	}), nil, "")

	result, err := h.scheduler.MaybePrefetch(context.Background(), cookie, []string{"/missing.php", "/"})
	require.NoError(t, err)
	require.Equal(t, 2, result.Completed)
	require.Equal(t, 1, result.Failed)
	_, ok := h.cache.Lookup(context.Background(), "alice", "/missing.php")
	require.False(t, ok)
}

func TestMaybePrefetchSkipsWhileRunning(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	h := newHarness(t, fetchFunc(func(_ context.Context, _ *http.Request) (*http.Response, error) {
		once.Do(func() { close(entered) })
		<-release
		return htmlResponse(http.StatusOK, "ok"), nil
	}), nil, "")

	done := make(chan error, 1)
	go func() {
		_, err := h.scheduler.MaybePrefetch(context.Background(), cookie, []string{"/"})
		done <- err
	}()
	<-entered

	result, err := h.scheduler.MaybePrefetch(context.Background(), "PHPSESSID=bob", []string{"/"})
	require.NoError(t, err)
	require.Equal(t, SkipRunning, result.Skipped)

	close(release)
	require.NoError(t, <-done)
}

func TestPrefetchStatePersists(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "prefetch.json")
	first := newHarness(t, okFetcher(), nil, statePath)
	_, err := first.scheduler.MaybePrefetch(context.Background(), cookie, []string{"/"})
	require.NoError(t, err)

	second := newHarness(t, okFetcher(), nil, statePath)
	result, err := second.scheduler.MaybePrefetch(context.Background(), cookie, []string{"/"})
	require.NoError(t, err)
	require.Equal(t, SkipRecent, result.Skipped)
}

func TestMaybePrefetchSkipsOversizedPages(t *testing.T) {
	cache, err := sessioncache.New(sessioncache.NewMemoryBackend(), sessioncache.Options{Generation: "v1"})
	require.NoError(t, err)
	s, err := New(Options{
		Fetcher: fetchFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
			if req.URL.Path == "/big.php" {
				return htmlResponse(http.StatusOK, strings.Repeat("x", 64)), nil
			}
			return htmlResponse(http.StatusOK, "small"), nil
		}),
		Cache:        cache,
		Rate:         rate.Inf,
		MaxBodyBytes: 32,
	})
	require.NoError(t, err)

	result, err := s.MaybePrefetch(context.Background(), cookie, []string{"/big.php", "/"})
	require.NoError(t, err)
	require.Equal(t, 2, result.Completed)
	require.Equal(t, 1, result.Failed)
	_, ok := cache.Lookup(context.Background(), "alice", "/big.php")
	require.False(t, ok)
	entry, ok := cache.Lookup(context.Background(), "alice", "/")
	require.True(t, ok)
	require.Equal(t, "small", string(entry.Body))
}

func TestMaybePrefetchRejectsForeignURLs(t *testing.T) {
	var fetched int
	h := newHarness(t, fetchFunc(func(_ context.Context, req *http.Request) (*http.Response, error) {
		fetched++
		return htmlResponse(http.StatusOK, "ok"), nil
	}), nil, "")

	for _, target := range []string{"http://other.host/x", "//other.host/x"} {
		_, err := h.scheduler.MaybePrefetch(context.Background(), cookie, []string{"/", target})
		require.ErrorIs(t, err, ErrInvalidURL)
	}
	require.Zero(t, fetched)
	require.Empty(t, h.pub.statuses())
	_, ok := h.scheduler.LastSuccess(cookie)
	require.False(t, ok)
}
