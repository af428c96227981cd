package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/relaysync/internal/outbox"
	"github.com/agentworkforce/relaysync/internal/sessioncache"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "relaysync", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, path := range [][]string{
		{"serve"},
		{"queue", "list"},
		{"queue", "retry"},
		{"queue", "discard"},
		{"drain"},
		{"prefetch"},
		{"purge"},
		{"cache", "evict-generation"},
	} {
		sub, _, err := cmd.Find(path)
		require.NoError(t, err, "command %v should exist", path)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "v", verbose.Shorthand)

	format := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, format)
	assert.Equal(t, "text", format.DefValue)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad")))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
}

// testEnv points the configuration at a fresh durable-local data dir and
// returns it.
func testEnv(t *testing.T, upstream string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("RELAYSYNC_ENV_FILE", filepath.Join(dir, "none.env"))
	t.Setenv("RELAYSYNC_BACKEND_PROFILE", "durable-local")
	t.Setenv("RELAYSYNC_DATA_DIR", dir)
	t.Setenv("RELAYSYNC_UPSTREAM_URL", upstream)
	t.Setenv("RELAYSYNC_PROBE_URL", "")
	t.Setenv("RELAYSYNC_MAX_ATTEMPTS", "1")
	t.Setenv("RELAYSYNC_LOG_LEVEL", "error")
	return dir
}

func seedOutbox(t *testing.T, dir string, envs ...outbox.Envelope) {
	t.Helper()
	store, err := outbox.NewFileStore(filepath.Join(dir, "outbox.json"), outbox.Options{})
	require.NoError(t, err)
	defer store.Close()
	for _, env := range envs {
		require.NoError(t, store.Put(context.Background(), env))
	}
}

func envelope(id, rawURL string, ts int64) outbox.Envelope {
	return outbox.Envelope{
		ID:        id,
		URL:       rawURL,
		Method:    http.MethodPost,
		Headers:   []outbox.Header{{Name: "Content-Type", Value: "application/json"}},
		Body:      []byte(`{"done":true}`),
		Timestamp: ts,
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, logs bytes.Buffer
	cmd := newRootCommand(&RootOptions{LogWriter: &logs})
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&logs)
	err := cmd.Execute()
	return out.String(), err
}

type jsonResponse struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

func decodeResponse(t *testing.T, out string, dst any) {
	t.Helper()
	var resp jsonResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status)
	require.NoError(t, json.Unmarshal(resp.Data, dst))
}

func TestQueueListJSON(t *testing.T) {
	dir := testEnv(t, "http://127.0.0.1:1")
	seedOutbox(t, dir, envelope("b", "http://127.0.0.1:1/task.php?id=2", 20), envelope("a", "http://127.0.0.1:1/task.php?id=1", 10))

	out, err := execute(t, "queue", "list", "--format", "json")
	require.NoError(t, err)
	var items []outbox.Envelope
	decodeResponse(t, out, &items)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].ID)
	assert.Equal(t, "b", items[1].ID)
}

func TestQueueListTextEmpty(t *testing.T) {
	testEnv(t, "http://127.0.0.1:1")
	out, err := execute(t, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "queue is empty")
}

func TestQueueDiscard(t *testing.T) {
	dir := testEnv(t, "http://127.0.0.1:1")
	seedOutbox(t, dir, envelope("a", "http://127.0.0.1:1/task.php?id=1", 10))

	out, err := execute(t, "queue", "discard", "a")
	require.NoError(t, err)
	assert.Contains(t, out, "discarded a")

	_, err = execute(t, "queue", "discard", "a")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestDrainReplaysQueue(t *testing.T) {
	var posts atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	dir := testEnv(t, upstream.URL)
	seedOutbox(t, dir, envelope("a", upstream.URL+"/task.php?id=1", 10), envelope("b", upstream.URL+"/task.php?id=2", 20))

	out, err := execute(t, "drain", "--format", "json")
	require.NoError(t, err)
	var summary struct {
		Sent int `json:"sent"`
	}
	decodeResponse(t, out, &summary)
	assert.Equal(t, 2, summary.Sent)
	assert.Equal(t, int32(2), posts.Load())

	out, err = execute(t, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "queue is empty")
}

func TestDrainBlockedExitsWithFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	dir := testEnv(t, upstream.URL)
	t.Setenv("RELAYSYNC_RETRY_BASE_DELAY", "1ms")
	seedOutbox(t, dir, envelope("a", upstream.URL+"/task.php?id=1", 10))

	out, err := execute(t, "drain")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "blocked on a")
}

func TestQueueRetryUnknownID(t *testing.T) {
	testEnv(t, "http://127.0.0.1:1")
	_, err := execute(t, "queue", "retry", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestPurgeDropsQueuedDeletes(t *testing.T) {
	dir := testEnv(t, "http://127.0.0.1:1")
	del := envelope("d", "http://127.0.0.1:1/delete.php?id=7", 10)
	keep := envelope("k", "http://127.0.0.1:1/task.php?id=7", 20)
	seedOutbox(t, dir, del, keep)

	out, err := execute(t, "purge", "7", "--format", "json")
	require.NoError(t, err)
	var report struct {
		DiscardedQueue []string `json:"discardedQueue"`
	}
	decodeResponse(t, out, &report)
	assert.Equal(t, []string{"d"}, report.DiscardedQueue)
}

func TestCacheEvictGeneration(t *testing.T) {
	dir := testEnv(t, "http://127.0.0.1:1")
	backend, err := sessioncache.NewFileBackend(filepath.Join(dir, "cache"), sessioncache.BackendOptions{})
	require.NoError(t, err)
	entry := sessioncache.Entry{URL: "/index.php", Status: 200, Body: []byte("x"), StoredAt: time.Now().UnixMilli()}
	require.NoError(t, backend.Put(context.Background(), sessioncache.PartitionName("v0", sessioncache.AnonymousSession), sessioncache.Key(entry.URL), entry))
	require.NoError(t, backend.Close())

	out, err := execute(t, "cache", "evict-generation", "v0")
	require.NoError(t, err)
	assert.Contains(t, out, "dropped 1 partitions of generation v0")
}

func TestPrefetchCachesPages(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("page " + r.URL.Path))
	}))
	defer upstream.Close()
	testEnv(t, upstream.URL)
	t.Setenv("RELAYSYNC_PREFETCH_RATE", "100")

	out, err := execute(t, "prefetch", "/index.php", "/completed.php", "--session", "abc")
	require.NoError(t, err)
	assert.Contains(t, out, "cached 2/2")

	out, err = execute(t, "prefetch", "/index.php", "--session", "abc")
	require.NoError(t, err)
	assert.Contains(t, out, "skipped: recent")
}
