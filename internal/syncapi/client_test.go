package syncapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/broadcast"
	"github.com/agentworkforce/relaysync/internal/dispatch"
	"github.com/agentworkforce/relaysync/internal/outbox"
	"github.com/agentworkforce/relaysync/internal/sessioncache"
)

type switchTransport struct {
	online atomic.Bool
	next   http.RoundTripper
}

func (s *switchTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !s.online.Load() {
		return nil, errors.New("dial tcp: connection refused")
	}
	return s.next.RoundTrip(req)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []broadcast.QueueEvent
}

func (p *recordingPublisher) Publish(msg broadcast.Message) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if event, ok := msg.(broadcast.QueueEvent); ok {
		p.events = append(p.events, event)
	}
	return 1
}

type fixture struct {
	client    *Client
	store     outbox.Store
	cache     *sessioncache.Cache
	transport *switchTransport
	pub       *recordingPublisher
	hits      *int32
}

func newFixture(t *testing.T, store outbox.Store) fixture {
	t.Helper()
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		switch r.URL.Path {
		case "/task.php":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, "<h1>Task "+r.URL.Query().Get("id")+"</h1>")
		case "/api/create_task.php":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"status":"ok","id":41}`)
		case "/api/deferred.php":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusAccepted)
			_, _ = io.WriteString(w, `{"queued":true,"id":"upstream-7"}`)
		case "/api/broken.php":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = io.WriteString(w, `{"message":"title is required"}`)
		case "/big.php":
			w.Header().Set("Content-Type", "text/html")
			_, _ = io.WriteString(w, strings.Repeat("x", 2048))
		case "/api/garbled.php":
			_, _ = io.WriteString(w, "not json")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)

	if store == nil {
		store = outbox.NewMemoryStore()
	}
	transport := &switchTransport{next: server.Client().Transport}
	transport.online.Store(true)
	pub := &recordingPublisher{}
	d, err := dispatch.New(dispatch.Options{
		BaseURL:    server.URL,
		HTTPClient: &http.Client{Transport: transport},
		Store:      store,
		Publisher:  pub,
	})
	require.NoError(t, err)
	cache, err := sessioncache.New(sessioncache.NewMemoryBackend(), sessioncache.Options{Generation: "v1"})
	require.NoError(t, err)
	client, err := NewClient(Options{Doer: d, Cache: cache})
	require.NoError(t, err)
	return fixture{client: client, store: store, cache: cache, transport: transport, pub: pub, hits: &hits}
}

func sessionHeaders(session string) http.Header {
	h := http.Header{}
	h.Set("Cookie", "PHPSESSID="+session)
	return h
}

func formBody(values url.Values) []byte {
	return []byte(values.Encode())
}

func formHeaders(session string) http.Header {
	h := sessionHeaders(session)
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	return h
}

func TestRequestJSONLiveSuccess(t *testing.T) {
	f := newFixture(t, nil)
	result := f.client.RequestJSON(context.Background(), "/api/create_task.php", RequestOptions{
		Method:  http.MethodPost,
		Headers: formHeaders("alice"),
		Body:    formBody(url.Values{"description": {"buy milk"}}),
	})
	require.True(t, result.OK)
	require.False(t, result.Offline)
	require.False(t, result.Queued)
	require.Equal(t, http.StatusOK, result.Status)
	data := result.Data.(map[string]any)
	require.Equal(t, "ok", data["status"])
	require.Equal(t, json.Number("41"), data["id"])
}

func TestRequestJSONOfflineCreateIsNotQueuedByDefault(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.online.Store(false)

	result := f.client.RequestJSON(context.Background(), "/api/create_task.php", RequestOptions{
		Method:  http.MethodPost,
		Headers: formHeaders("alice"),
		Body:    formBody(url.Values{"description": {"buy milk"}}),
	})
	require.False(t, result.OK)
	require.True(t, result.Offline)
	require.False(t, result.Queued)
	require.NotEmpty(t, result.Error)

	items, err := f.store.GetAll(context.Background())
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestRequestTextOfflineFallsBackToSessionCache(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	live := f.client.RequestText(ctx, "/task.php?id=2", RequestOptions{Headers: sessionHeaders("bob")})
	require.True(t, live.OK)
	require.False(t, live.Offline)
	require.Equal(t, "<h1>Task 2</h1>", live.Data)

	f.transport.online.Store(false)
	cached := f.client.RequestText(ctx, "/task.php?id=2", RequestOptions{Headers: sessionHeaders("bob")})
	require.Equal(t, Result{OK: true, Status: http.StatusOK, Offline: true, Data: "<h1>Task 2</h1>"}, cached)

	other := f.client.RequestText(ctx, "/task.php?id=2", RequestOptions{Headers: sessionHeaders("mallory")})
	require.False(t, other.OK)
	require.True(t, other.Offline)
	require.Nil(t, other.Data)
}

func TestRequestQueuedMutationAcknowledged(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.online.Store(false)

	result := f.client.RequestJSON(context.Background(), "/api/delete_task.php", RequestOptions{
		Method:    http.MethodPost,
		Headers:   formHeaders("alice"),
		Body:      formBody(url.Values{"id": {"9"}}),
		Queueable: true,
	})
	require.True(t, result.OK)
	require.True(t, result.Queued)
	require.True(t, result.Offline)
	require.Equal(t, http.StatusAccepted, result.Status)
	require.NotEmpty(t, result.ID)

	env, err := f.store.Get(context.Background(), result.ID)
	require.NoError(t, err)
	require.Equal(t, "9", env.ResourceID("id"))
	require.Equal(t, "alice", sessioncache.SessionFromCookieHeader(env.HeaderValue("Cookie"), "PHPSESSID"))
}

func TestUpstreamQueuedAcknowledgementIsReported(t *testing.T) {
	f := newFixture(t, nil)
	result := f.client.RequestJSON(context.Background(), "/api/deferred.php", RequestOptions{Method: http.MethodPost})
	require.True(t, result.OK)
	require.True(t, result.Queued)
	require.True(t, result.Offline)
	require.Equal(t, "upstream-7", result.ID)
}

func TestCoalescedToggleKeepsLatest(t *testing.T) {
	f := newFixture(t, nil)
	f.transport.online.Store(false)
	ctx := context.Background()

	for _, starred := range []string{"1", "0"} {
		result := f.client.RequestJSON(ctx, "/api/star_task.php", RequestOptions{
			Method:    http.MethodPost,
			Headers:   formHeaders("alice"),
			Body:      formBody(url.Values{"id": {"12"}, "starred": {starred}}),
			Queueable: true,
			Intent:    "star:12",
		})
		require.True(t, result.Queued)
	}

	items, err := f.store.GetAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "starred=0&id=12", sortedForm(t, items[0].Body))

	var kinds []broadcast.Event
	for _, event := range f.pub.events {
		kinds = append(kinds, event.Event)
	}
	require.Equal(t, []broadcast.Event{broadcast.EventQueued, broadcast.EventDiscarded, broadcast.EventQueued}, kinds)
}

func sortedForm(t *testing.T, body []byte) string {
	t.Helper()
	values, err := url.ParseQuery(string(body))
	require.NoError(t, err)
	return "starred=" + values.Get("starred") + "&id=" + values.Get("id")
}

type failingStore struct {
	*outbox.MemoryStore
}

func (failingStore) Put(context.Context, outbox.Envelope) error {
	return outbox.ErrStorageUnavailable
}

func TestQueueFailureIsHardFailure(t *testing.T) {
	f := newFixture(t, failingStore{outbox.NewMemoryStore()})
	f.transport.online.Store(false)

	result := f.client.RequestJSON(context.Background(), "/api/delete_task.php", RequestOptions{
		Method:    http.MethodPost,
		Body:      formBody(url.Values{"id": {"3"}}),
		Queueable: true,
	})
	require.False(t, result.OK)
	require.True(t, result.Offline)
	require.False(t, result.Queued)
	require.Contains(t, result.Error, "queue request for later")
}

func TestRequestJSONUpstreamErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	broken := f.client.RequestJSON(ctx, "/api/broken.php", RequestOptions{Method: http.MethodPost})
	require.False(t, broken.OK)
	require.False(t, broken.Offline)
	require.Equal(t, http.StatusUnprocessableEntity, broken.Status)
	require.Equal(t, "title is required", broken.Error)

	garbled := f.client.RequestJSON(ctx, "/api/garbled.php", RequestOptions{})
	require.False(t, garbled.OK)
	require.Equal(t, http.StatusOK, garbled.Status)
	require.Contains(t, garbled.Error, "decode json")

	missing := f.client.RequestText(ctx, "/nowhere", RequestOptions{})
	require.False(t, missing.OK)
	require.Equal(t, http.StatusNotFound, missing.Status)
}

func TestRequestRejectsBadURL(t *testing.T) {
	f := newFixture(t, nil)
	result := f.client.RequestText(context.Background(), "http://[::1", RequestOptions{})
	require.False(t, result.OK)
	require.False(t, result.Offline)
	require.NotEmpty(t, result.Error)
	require.Zero(t, atomic.LoadInt32(f.hits))
}

func TestOversizedResponseFailsWithoutCaching(t *testing.T) {
	f := newFixture(t, nil)
	client, err := NewClient(Options{Doer: f.client.doer, Cache: f.cache, MaxBodyBytes: 1024})
	require.NoError(t, err)
	ctx := context.Background()

	result := client.RequestText(ctx, "/big.php", RequestOptions{Headers: sessionHeaders("bob")})
	require.False(t, result.OK)
	require.False(t, result.Offline)
	require.Equal(t, http.StatusOK, result.Status)
	require.Contains(t, result.Error, "too large")
	require.Nil(t, result.Data)

	_, ok := f.cache.Lookup(ctx, "bob", "/big.php")
	require.False(t, ok)

	f.transport.online.Store(false)
	offline := client.RequestText(ctx, "/big.php", RequestOptions{Headers: sessionHeaders("bob")})
	require.False(t, offline.OK)
	require.True(t, offline.Offline)
}
