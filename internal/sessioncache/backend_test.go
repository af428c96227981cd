package sessioncache

import (
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type backendFactory func(t *testing.T) Backend

func backends() map[string]backendFactory {
	return map[string]backendFactory{
		"memory": func(t *testing.T) Backend { return NewMemoryBackend() },
		"file": func(t *testing.T) Backend {
			b, err := NewFileBackend(filepath.Join(t.TempDir(), "cache"), BackendOptions{})
			require.NoError(t, err)
			return b
		},
		"sqlite": func(t *testing.T) Backend {
			b, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "cache.db"), BackendOptions{})
			require.NoError(t, err)
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
}

func testEntry(url, body string, storedAt int64) Entry {
	return Entry{URL: url, Status: 200, ContentType: "text/html; charset=utf-8", Body: []byte(body), StoredAt: storedAt}
}

func TestBackendContract(t *testing.T) {
	for name, newBackend := range backends() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			b := newBackend(t)

			_, ok, err := b.Get(ctx, "v1::alice", "/task.php?id=1")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, b.Put(ctx, "v1::alice", "/task.php?id=1", testEntry("/task.php?id=1", "<p>one</p>", 100)))
			require.NoError(t, b.Put(ctx, "v1::alice", "/index.php", testEntry("/index.php", "<ul></ul>", 200)))
			require.NoError(t, b.Put(ctx, "v2::bob", "/index.php", testEntry("/index.php", "<ul>bob</ul>", 300)))

			partitions, err := b.Partitions(ctx)
			require.NoError(t, err)
			require.Equal(t, []Partition{{Name: "v1::alice", CreatedAt: 100}, {Name: "v2::bob", CreatedAt: 300}}, partitions)

			entry, ok, err := b.Get(ctx, "v1::alice", "/task.php?id=1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "<p>one</p>", string(entry.Body))
			require.Equal(t, 200, entry.Status)
			require.Equal(t, "text/html; charset=utf-8", entry.ContentType)

			require.NoError(t, b.Put(ctx, "v1::alice", "/task.php?id=1", testEntry("/task.php?id=1", "<p>two</p>", 400)))
			entry, _, err = b.Get(ctx, "v1::alice", "/task.php?id=1")
			require.NoError(t, err)
			require.Equal(t, "<p>two</p>", string(entry.Body))

			keys, err := b.Keys(ctx, "v1::alice")
			require.NoError(t, err)
			require.Equal(t, []string{"/index.php", "/task.php?id=1"}, keys)

			removed, err := b.Delete(ctx, "v1::alice", "/index.php")
			require.NoError(t, err)
			require.True(t, removed)
			removed, err = b.Delete(ctx, "v1::alice", "/index.php")
			require.NoError(t, err)
			require.False(t, removed)

			dropped, err := b.DropPartition(ctx, "v2::bob")
			require.NoError(t, err)
			require.True(t, dropped)
			dropped, err = b.DropPartition(ctx, "v2::bob")
			require.NoError(t, err)
			require.False(t, dropped)

			partitions, err = b.Partitions(ctx)
			require.NoError(t, err)
			require.Len(t, partitions, 1)
		})
	}
}

func TestBackendRejectsInvalidEntry(t *testing.T) {
	for name, newBackend := range backends() {
		t.Run(name, func(t *testing.T) {
			err := newBackend(t).Put(context.Background(), "v1::a", "/", Entry{URL: "/", Status: 42})
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestFileBackendSkipsMalformedEntries(t *testing.T) {
	dir := t.TempDir()
	b, err := NewFileBackend(dir, BackendOptions{})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, b.Put(ctx, "v1::alice", "/ok", testEntry("/ok", "fine", 1)))

	path := filepath.Join(dir, hex.EncodeToString([]byte("v1::alice"))+".json")
	data := []byte(`{"name":"v1::alice","createdAt":1,"entries":{"/bad":{"url":"/bad","status":"oops"},"/ok":{"url":"/ok","status":200,"body":"ZmluZQ==","storedAt":1}}}`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, ok, err := b.Get(ctx, "v1::alice", "/bad")
	require.NoError(t, err)
	require.False(t, ok)
	entry, ok, err := b.Get(ctx, "v1::alice", "/ok")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "fine", string(entry.Body))
}

func TestFileBackendSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	first, err := NewFileBackend(dir, BackendOptions{})
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, "v1::alice", "/index.php", testEntry("/index.php", "list", 5)))

	second, err := NewFileBackend(dir, BackendOptions{})
	require.NoError(t, err)
	entry, ok, err := second.Get(ctx, "v1::alice", "/index.php")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "list", string(entry.Body))
}

func TestBuildBackendFromDSN(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		dsn  string
		want any
	}{
		{"memory://", &MemoryBackend{}},
		{"file://" + filepath.Join(dir, "cache"), &FileBackend{}},
		{filepath.Join(dir, "bare"), &FileBackend{}},
		{"sqlite://" + filepath.Join(dir, "cache.db"), &SQLBackend{}},
		{"postgres://localhost/relaysync", &SQLBackend{}},
	}
	for _, tc := range cases {
		b, err := BuildBackendFromDSN(tc.dsn, BackendOptions{})
		require.NoError(t, err, tc.dsn)
		require.IsType(t, tc.want, b, tc.dsn)
	}

	_, err := BuildBackendFromDSN("", BackendOptions{})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = BuildBackendFromDSN("ftp://nope", BackendOptions{})
	require.Error(t, err)
}
