package sessioncache

import (
	"context"

	"github.com/rs/zerolog"
)

type Partition struct {
	Name string
	// CreatedAt is unix milliseconds of the first write into the partition.
	CreatedAt int64
}

// Backend stores partitions of entries. Each method is atomic with respect to
// concurrent readers.
type Backend interface {
	Partitions(ctx context.Context) ([]Partition, error)
	// Get reports ok=false for a missing partition or key.
	Get(ctx context.Context, partition, key string) (Entry, bool, error)
	// Put creates the partition on first write, stamped with entry.StoredAt.
	Put(ctx context.Context, partition, key string, entry Entry) error
	Delete(ctx context.Context, partition, key string) (bool, error)
	Keys(ctx context.Context, partition string) ([]string, error)
	DropPartition(ctx context.Context, partition string) (bool, error)
	Close() error
}

type BackendOptions struct {
	Logger zerolog.Logger
}
