package sessioncache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/metrics"
)

const DefaultCookieName = "PHPSESSID"

type Options struct {
	// Generation is the current cache generation tag.
	Generation string
	// CookieName is the session cookie that scopes partitions.
	CookieName string
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

type Cache struct {
	backend    Backend
	generation string
	cookieName string
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func New(backend Backend, opts Options) (*Cache, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: backend is required", ErrInvalidInput)
	}
	generation := strings.TrimSpace(opts.Generation)
	if generation == "" || strings.Contains(generation, partitionSeparator) {
		return nil, fmt.Errorf("%w: generation %q", ErrInvalidInput, opts.Generation)
	}
	cookieName := strings.TrimSpace(opts.CookieName)
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		backend:    backend,
		generation: generation,
		cookieName: cookieName,
		logger:     opts.Logger.With().Str("component", "sessioncache").Logger(),
		metrics:    opts.Metrics,
		now:        opts.Now,
	}, nil
}

func (c *Cache) Generation() string { return c.generation }

func (c *Cache) CookieName() string { return c.cookieName }

func (c *Cache) Backend() Backend { return c.backend }

// Lookup returns the entry stored for rawURL under the caller's session in
// the current generation. It fails closed: no other session's partition is
// ever consulted, and storage errors read as a miss.
func (c *Cache) Lookup(ctx context.Context, session, rawURL string) (Entry, bool) {
	session = NormalizeSession(session)
	partitions, err := c.backend.Partitions(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("cache lookup failed")
		c.metrics.CacheLookups.WithLabelValues("error").Inc()
		return Entry{}, false
	}
	var (
		best  Partition
		found bool
	)
	for _, p := range partitions {
		generation, owner, ok := ParsePartition(p.Name)
		if !ok || generation != c.generation || owner != session {
			continue
		}
		if !found || p.CreatedAt > best.CreatedAt {
			best, found = p, true
		}
	}
	if !found {
		c.metrics.CacheLookups.WithLabelValues("miss").Inc()
		return Entry{}, false
	}
	entry, ok, err := c.backend.Get(ctx, best.Name, Key(rawURL))
	if err != nil {
		c.logger.Warn().Err(err).Str("partition", best.Name).Msg("cache lookup failed")
		c.metrics.CacheLookups.WithLabelValues("error").Inc()
		return Entry{}, false
	}
	if !ok {
		c.metrics.CacheLookups.WithLabelValues("miss").Inc()
		return Entry{}, false
	}
	c.metrics.CacheLookups.WithLabelValues("hit").Inc()
	return entry, true
}

// Store writes entry under the session's current partition. Failures are
// logged and reported as false; they never reach the caller as errors.
func (c *Cache) Store(ctx context.Context, session string, entry Entry) bool {
	if entry.StoredAt == 0 {
		entry.StoredAt = c.now().UnixMilli()
	}
	partition := PartitionName(c.generation, session)
	if err := c.backend.Put(ctx, partition, Key(entry.URL), entry); err != nil {
		c.logger.Warn().Err(err).Str("partition", partition).Str("url", entry.URL).Msg("cache store failed")
		c.metrics.CacheStoreErrors.Inc()
		return false
	}
	return true
}

// EvictMatching deletes every entry, in every partition of every
// generation, for which match reports true.
func (c *Cache) EvictMatching(ctx context.Context, match func(partition, key string) bool) (int, error) {
	partitions, err := c.backend.Partitions(ctx)
	if err != nil {
		return 0, err
	}
	evicted := 0
	for _, p := range partitions {
		keys, err := c.backend.Keys(ctx, p.Name)
		if err != nil {
			return evicted, err
		}
		for _, key := range keys {
			if !match(p.Name, key) {
				continue
			}
			removed, err := c.backend.Delete(ctx, p.Name, key)
			if err != nil {
				return evicted, err
			}
			if removed {
				evicted++
			}
		}
	}
	c.metrics.CacheEvictions.Add(float64(evicted))
	return evicted, nil
}

// EvictGeneration drops every partition tagged with generation and reports
// how many were removed.
func (c *Cache) EvictGeneration(ctx context.Context, generation string) (int, error) {
	return c.dropPartitions(ctx, func(g string) bool { return g == generation })
}

// Activate drops every partition that does not belong to the current
// generation. It runs once when the engine starts.
func (c *Cache) Activate(ctx context.Context) (int, error) {
	dropped, err := c.dropPartitions(ctx, func(g string) bool { return g != c.generation })
	if err != nil {
		return dropped, err
	}
	if dropped > 0 {
		c.logger.Info().Int("partitions", dropped).Str("generation", c.generation).Msg("dropped stale cache generations")
	}
	return dropped, nil
}

func (c *Cache) dropPartitions(ctx context.Context, match func(generation string) bool) (int, error) {
	partitions, err := c.backend.Partitions(ctx)
	if err != nil {
		return 0, err
	}
	dropped := 0
	for _, p := range partitions {
		generation, _, ok := ParsePartition(p.Name)
		if !ok {
			generation = p.Name
		}
		if !match(generation) {
			continue
		}
		removed, err := c.backend.DropPartition(ctx, p.Name)
		if err != nil {
			return dropped, err
		}
		if removed {
			dropped++
		}
	}
	return dropped, nil
}

func (c *Cache) Close() error {
	return c.backend.Close()
}
