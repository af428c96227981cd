package sessioncache

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/fsutil"
)

// FileBackend keeps one JSON file per partition under dir. The file name is
// the hex-encoded partition name, so arbitrary generation tags are safe.
type FileBackend struct {
	dir    string
	logger zerolog.Logger
	mu     sync.Mutex
}

type filePartition struct {
	Name      string                     `json:"name"`
	CreatedAt int64                      `json:"createdAt"`
	Entries   map[string]json.RawMessage `json:"entries"`
}

func NewFileBackend(dir string, opts BackendOptions) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return &FileBackend{
		dir:    dir,
		logger: opts.Logger.With().Str("component", "sessioncache").Str("dir", dir).Logger(),
	}, nil
}

func (b *FileBackend) partitionPath(name string) string {
	return filepath.Join(b.dir, hex.EncodeToString([]byte(name))+".json")
}

func (b *FileBackend) Partitions(_ context.Context) ([]Partition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dirEntries, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	out := make([]Partition, 0, len(dirEntries))
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		p, err := b.load(filepath.Join(b.dir, de.Name()))
		if err != nil {
			b.logger.Warn().Err(err).Str("file", de.Name()).Msg("skipping unreadable cache partition")
			continue
		}
		if p == nil {
			continue
		}
		out = append(out, Partition{Name: p.Name, CreatedAt: p.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *FileBackend) Get(_ context.Context, partition, key string) (Entry, bool, error) {
	var (
		entry Entry
		found bool
	)
	err := b.withPartition(partition, func(p *filePartition) (bool, error) {
		if p == nil {
			return false, nil
		}
		raw, ok := p.Entries[key]
		if !ok {
			return false, nil
		}
		decoded, err := unmarshalEntry(raw)
		if err != nil {
			b.logger.Warn().Err(err).Str("partition", partition).Str("key", key).Msg("ignoring malformed cache entry")
			return false, nil
		}
		entry, found = decoded, true
		return false, nil
	})
	return entry, found, err
}

func (b *FileBackend) Put(_ context.Context, partition, key string, entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	raw, err := marshalEntry(entry)
	if err != nil {
		return err
	}
	return b.withPartition(partition, func(p *filePartition) (bool, error) {
		p.Entries[key] = raw
		return true, nil
	}, entry.StoredAt)
}

func (b *FileBackend) Delete(_ context.Context, partition, key string) (bool, error) {
	removed := false
	err := b.withPartition(partition, func(p *filePartition) (bool, error) {
		if p == nil {
			return false, nil
		}
		if _, ok := p.Entries[key]; !ok {
			return false, nil
		}
		delete(p.Entries, key)
		removed = true
		return true, nil
	})
	return removed, err
}

func (b *FileBackend) Keys(_ context.Context, partition string) ([]string, error) {
	var keys []string
	err := b.withPartition(partition, func(p *filePartition) (bool, error) {
		if p == nil {
			return false, nil
		}
		for key := range p.Entries {
			keys = append(keys, key)
		}
		return false, nil
	})
	sort.Strings(keys)
	return keys, err
}

func (b *FileBackend) DropPartition(_ context.Context, partition string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	path := b.partitionPath(partition)
	lock, err := fsutil.Lock(path)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer lock.Unlock()
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return true, nil
}

func (b *FileBackend) Close() error {
	return nil
}

// withPartition runs fn on the partition under the file lock and saves it
// when fn reports a change. fn sees nil for a missing partition unless
// createdAt is given, in which case an empty partition is created.
func (b *FileBackend) withPartition(name string, fn func(*filePartition) (bool, error), createdAt ...int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	path := b.partitionPath(name)
	lock, err := fsutil.Lock(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer lock.Unlock()
	p, err := b.load(path)
	if err != nil {
		return err
	}
	if p == nil && len(createdAt) > 0 {
		p = &filePartition{Name: name, CreatedAt: createdAt[0], Entries: map[string]json.RawMessage{}}
	}
	changed, err := fn(p)
	if err != nil || !changed {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (b *FileBackend) load(path string) (*filePartition, error) {
	data, err := fsutil.ReadFileIfExists(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var p filePartition
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode cache partition %s: %w", path, err)
	}
	if p.Entries == nil {
		p.Entries = map[string]json.RawMessage{}
	}
	return &p, nil
}
