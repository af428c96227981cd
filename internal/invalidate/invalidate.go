// Package invalidate reconciles the session cache and the outbox after a
// resource is deleted or structurally changed.
package invalidate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/broadcast"
	"github.com/agentworkforce/relaysync/internal/outbox"
	"github.com/agentworkforce/relaysync/internal/sessioncache"
)

var (
	DefaultDetailPaths = []string{"/task.php"}
	DefaultListPaths   = []string{"/", "/index.php", "/completed.php"}
)

const DefaultResourceParam = "id"

type Options struct {
	Cache     *sessioncache.Cache
	Store     outbox.Store
	Publisher broadcast.Publisher
	Logger    zerolog.Logger
	// DetailPaths are the views that render a single resource, addressed by
	// ResourceParam in the query string.
	DetailPaths   []string
	ResourceParam string
	// ListPaths are the views that may summarise any resource.
	ListPaths []string
	// OnQueueChanged runs after queued envelopes were removed.
	OnQueueChanged func(ctx context.Context)
}

type Invalidator struct {
	cache          *sessioncache.Cache
	store          outbox.Store
	publisher      broadcast.Publisher
	logger         zerolog.Logger
	detailPaths    map[string]struct{}
	listPaths      map[string]struct{}
	resourceParam  string
	onQueueChanged func(ctx context.Context)
}

// Report summarises one purge.
type Report struct {
	ResourceID     string   `json:"resourceId"`
	CacheEntries   int      `json:"cacheEntries"`
	DiscardedQueue []string `json:"discardedQueue"`
}

func New(opts Options) (*Invalidator, error) {
	if opts.Cache == nil || opts.Store == nil {
		return nil, errors.New("invalidator requires a cache and an outbox store")
	}
	if len(opts.DetailPaths) == 0 {
		opts.DetailPaths = DefaultDetailPaths
	}
	if opts.ListPaths == nil {
		opts.ListPaths = DefaultListPaths
	}
	if strings.TrimSpace(opts.ResourceParam) == "" {
		opts.ResourceParam = DefaultResourceParam
	}
	return &Invalidator{
		cache:          opts.Cache,
		store:          opts.Store,
		publisher:      opts.Publisher,
		logger:         opts.Logger.With().Str("component", "invalidate").Logger(),
		detailPaths:    pathSet(opts.DetailPaths),
		listPaths:      pathSet(opts.ListPaths),
		resourceParam:  strings.TrimSpace(opts.ResourceParam),
		onQueueChanged: opts.OnQueueChanged,
	}, nil
}

// PurgeRelatedTo removes every cached view of resourceID (its detail view and
// the list views) across all partitions, then removes queued delete
// envelopes for the same resource, broadcasting discarded for each.
func (inv *Invalidator) PurgeRelatedTo(ctx context.Context, resourceID string) (Report, error) {
	resourceID = strings.TrimSpace(resourceID)
	report := Report{ResourceID: resourceID, DiscardedQueue: []string{}}
	if resourceID == "" {
		return report, fmt.Errorf("%w: resource id is required", outbox.ErrInvalidInput)
	}

	evicted, err := inv.cache.EvictMatching(ctx, func(_, key string) bool {
		return inv.Related(key, resourceID)
	})
	report.CacheEntries = evicted
	if err != nil {
		return report, fmt.Errorf("evict cache entries: %w", err)
	}

	items, err := inv.store.GetAll(ctx)
	if err != nil {
		return report, fmt.Errorf("read outbox: %w", err)
	}
	for _, env := range items {
		if !IsDeleteEnvelope(env) || env.ResourceID(inv.resourceParam) != resourceID {
			continue
		}
		removed, err := inv.store.Delete(ctx, env.ID)
		if err != nil {
			return report, fmt.Errorf("delete envelope %s: %w", env.ID, err)
		}
		if !removed {
			continue
		}
		report.DiscardedQueue = append(report.DiscardedQueue, env.ID)
		if inv.publisher != nil {
			event := broadcast.NewQueueEvent(broadcast.EventDiscarded, env)
			event.Reason = "purged"
			inv.publisher.Publish(event)
		}
	}
	if len(report.DiscardedQueue) > 0 && inv.onQueueChanged != nil {
		inv.onQueueChanged(ctx)
	}
	inv.logger.Info().
		Str("resource", resourceID).
		Int("cacheEntries", report.CacheEntries).
		Int("queued", len(report.DiscardedQueue)).
		Msg("purged related state")
	return report, nil
}

// Related reports whether the cache key (path plus query) is the detail view
// of resourceID or one of the list views.
func (inv *Invalidator) Related(key, resourceID string) bool {
	parsed, err := url.Parse(key)
	if err != nil {
		return false
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	if _, ok := inv.listPaths[path]; ok {
		return true
	}
	if _, ok := inv.detailPaths[path]; ok {
		return parsed.Query().Get(inv.resourceParam) == resourceID
	}
	return false
}

// IsDeleteEnvelope matches DELETE requests and form posts to delete
// endpoints such as /api/delete_task.php.
func IsDeleteEnvelope(env outbox.Envelope) bool {
	if strings.EqualFold(env.Method, "DELETE") {
		return true
	}
	parsed, err := url.Parse(env.URL)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(parsed.Path), "delete")
}

func pathSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		set[p] = struct{}{}
	}
	return set
}
