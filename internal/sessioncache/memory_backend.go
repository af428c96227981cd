package sessioncache

import (
	"context"
	"sort"
	"sync"
)

type memoryPartition struct {
	createdAt int64
	entries   map[string]Entry
}

type MemoryBackend struct {
	mu         sync.RWMutex
	partitions map[string]*memoryPartition
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{partitions: map[string]*memoryPartition{}}
}

func (b *MemoryBackend) Partitions(_ context.Context) ([]Partition, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Partition, 0, len(b.partitions))
	for name, p := range b.partitions {
		out = append(out, Partition{Name: name, CreatedAt: p.createdAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *MemoryBackend) Get(_ context.Context, partition, key string) (Entry, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.partitions[partition]
	if !ok {
		return Entry{}, false, nil
	}
	entry, ok := p.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	entry.Body = append([]byte(nil), entry.Body...)
	return entry, true, nil
}

func (b *MemoryBackend) Put(_ context.Context, partition, key string, entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.partitions[partition]
	if !ok {
		p = &memoryPartition{createdAt: entry.StoredAt, entries: map[string]Entry{}}
		b.partitions[partition] = p
	}
	entry.Body = append([]byte(nil), entry.Body...)
	p.entries[key] = entry
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, partition, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.partitions[partition]
	if !ok {
		return false, nil
	}
	if _, ok := p.entries[key]; !ok {
		return false, nil
	}
	delete(p.entries, key)
	return true, nil
}

func (b *MemoryBackend) Keys(_ context.Context, partition string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.partitions[partition]
	if !ok {
		return nil, nil
	}
	keys := make([]string, 0, len(p.entries))
	for key := range p.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) DropPartition(_ context.Context, partition string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.partitions[partition]; !ok {
		return false, nil
	}
	delete(b.partitions, partition)
	return true, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}
