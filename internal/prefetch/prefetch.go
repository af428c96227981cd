// Package prefetch warms the session cache for a bounded set of URLs while
// the upstream is reachable.
package prefetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaysync/internal/broadcast"
	"github.com/agentworkforce/relaysync/internal/dispatch"
	"github.com/agentworkforce/relaysync/internal/fsutil"
	"github.com/agentworkforce/relaysync/internal/metrics"
	"github.com/agentworkforce/relaysync/internal/sessioncache"
)

const (
	DefaultMinInterval = 15 * time.Minute
	DefaultRate        = rate.Limit(4)
	DefaultMaxBody     = 8 << 20
)

// ErrInvalidURL rejects a candidate that is not a path on the upstream
// origin; the session cookie is only ever sent upstream.
var ErrInvalidURL = errors.New("prefetch url must be an origin-relative path")

// Fetcher performs one live request. dispatch.Dispatcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

type Options struct {
	Fetcher   Fetcher
	Cache     *sessioncache.Cache
	Publisher broadcast.Publisher
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	// Online gates every run; nil means always online.
	Online func() bool
	// StatePath persists the last successful run per partition. Empty keeps
	// it in memory only.
	StatePath   string
	MinInterval time.Duration
	Rate        rate.Limit
	// MaxBodyBytes caps a fetched page; longer pages are not cached.
	MaxBodyBytes int64
	Now          func() time.Time
}

type Skip string

const (
	SkipNone    Skip = ""
	SkipOffline Skip = "offline"
	SkipEmpty   Skip = "empty"
	SkipRecent  Skip = "recent"
	SkipRunning Skip = "running"
)

type Result struct {
	Skipped   Skip `json:"skipped,omitempty"`
	Total     int  `json:"total"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
}

type Scheduler struct {
	fetcher     Fetcher
	cache       *sessioncache.Cache
	publisher   broadcast.Publisher
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	online      func() bool
	statePath   string
	minInterval time.Duration
	limiter     *rate.Limiter
	maxBody     int64
	now         func() time.Time

	mu          sync.Mutex
	running     bool
	lastSuccess map[string]int64
}

type persistedState struct {
	LastSuccess map[string]int64 `json:"lastSuccess"`
}

func New(opts Options) (*Scheduler, error) {
	if opts.Fetcher == nil || opts.Cache == nil {
		return nil, errors.New("prefetch scheduler requires a fetcher and a cache")
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.Rate <= 0 {
		opts.Rate = DefaultRate
	}
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBody
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	s := &Scheduler{
		fetcher:     opts.Fetcher,
		cache:       opts.Cache,
		publisher:   opts.Publisher,
		logger:      opts.Logger.With().Str("component", "prefetch").Logger(),
		metrics:     opts.Metrics,
		online:      opts.Online,
		statePath:   strings.TrimSpace(opts.StatePath),
		minInterval: opts.MinInterval,
		limiter:     rate.NewLimiter(opts.Rate, 1),
		maxBody:     opts.MaxBodyBytes,
		now:         opts.Now,
		lastSuccess: map[string]int64{},
	}
	if err := s.loadState(); err != nil {
		return nil, err
	}
	return s, nil
}

// MaybePrefetch fetches and caches urls for the session carried in
// cookieHeader, unless the engine is offline, there is nothing to fetch, a
// run is in progress, or the last successful run for this partition is more
// recent than the minimum interval. Every url must be origin-relative.
func (s *Scheduler) MaybePrefetch(ctx context.Context, cookieHeader string, urls []string) (Result, error) {
	urls = dedupe(urls)
	result := Result{Total: len(urls)}
	for _, target := range urls {
		if !dispatch.IsOriginRelative(target) {
			return result, fmt.Errorf("%w: %q", ErrInvalidURL, target)
		}
	}
	if len(urls) == 0 {
		result.Skipped = SkipEmpty
		return result, nil
	}
	if !s.online() {
		result.Skipped = SkipOffline
		return result, nil
	}
	session := sessioncache.SessionFromCookieHeader(cookieHeader, s.cache.CookieName())
	partition := sessioncache.PartitionName(s.cache.Generation(), session)

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		result.Skipped = SkipRunning
		return result, nil
	}
	if last, ok := s.lastSuccess[partition]; ok && s.now().Sub(time.UnixMilli(last)) < s.minInterval {
		s.mu.Unlock()
		result.Skipped = SkipRecent
		return result, nil
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.publish(broadcast.NewPrefetchProgress(broadcast.PrefetchStart, result.Total, 0))
	for _, target := range urls {
		if err := s.limiter.Wait(ctx); err != nil {
			return s.fail(result, target, err)
		}
		ok, err := s.fetchOne(ctx, session, cookieHeader, target)
		if err != nil {
			return s.fail(result, target, err)
		}
		result.Completed++
		msg := broadcast.NewPrefetchProgress(broadcast.PrefetchProgress, result.Total, result.Completed)
		msg.URL = target
		if !ok {
			result.Failed++
			msg.Error = "not cached"
		}
		s.publish(msg)
	}
	s.publish(broadcast.NewPrefetchProgress(broadcast.PrefetchDone, result.Total, result.Completed))
	s.metrics.PrefetchRuns.WithLabelValues("done").Inc()

	s.mu.Lock()
	s.lastSuccess[partition] = s.now().UnixMilli()
	err := s.saveStateLocked()
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn().Err(err).Msg("persist prefetch state failed")
	}
	s.logger.Info().Int("total", result.Total).Int("failed", result.Failed).Str("partition", partition).Msg("prefetch complete")
	return result, nil
}

// fetchOne reports ok=false for a response that could not be cached; a
// network-level failure is returned as an error and ends the run.
func (s *Scheduler) fetchOne(ctx context.Context, session, cookieHeader, target string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	if cookieHeader != "" {
		req.Header.Set("Cookie", cookieHeader)
	}
	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	body, err := dispatch.ReadBody(resp.Body, s.maxBody)
	if errors.Is(err, dispatch.ErrResponseTooLarge) {
		s.logger.Warn().Err(err).Str("url", target).Msg("prefetch response not cacheable")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Debug().Str("url", target).Int("status", resp.StatusCode).Msg("prefetch response not cacheable")
		return false, nil
	}
	return s.cache.Store(ctx, session, sessioncache.EntryFromResponse(target, resp, body, s.now())), nil
}

func (s *Scheduler) fail(result Result, target string, err error) (Result, error) {
	msg := broadcast.NewPrefetchProgress(broadcast.PrefetchError, result.Total, result.Completed)
	msg.URL = target
	msg.Error = err.Error()
	s.publish(msg)
	s.metrics.PrefetchRuns.WithLabelValues("error").Inc()
	s.logger.Warn().Err(err).Str("url", target).Msg("prefetch aborted")
	return result, fmt.Errorf("prefetch %s: %w", target, err)
}

// LastSuccess returns the time of the last successful run for the session
// carried in cookieHeader.
func (s *Scheduler) LastSuccess(cookieHeader string) (time.Time, bool) {
	session := sessioncache.SessionFromCookieHeader(cookieHeader, s.cache.CookieName())
	partition := sessioncache.PartitionName(s.cache.Generation(), session)
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastSuccess[partition]
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(last), true
}

func (s *Scheduler) publish(msg broadcast.Message) {
	if s.publisher != nil {
		s.publisher.Publish(msg)
	}
}

func (s *Scheduler) loadState() error {
	if s.statePath == "" {
		return nil
	}
	data, err := fsutil.ReadFileIfExists(s.statePath)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		s.logger.Warn().Err(err).Str("path", s.statePath).Msg("ignoring unreadable prefetch state")
		return nil
	}
	generation := s.cache.Generation()
	for partition, at := range state.LastSuccess {
		// Timestamps from other generations are meaningless after a deploy.
		if g, _, ok := sessioncache.ParsePartition(partition); ok && g == generation {
			s.lastSuccess[partition] = at
		}
	}
	return nil
}

func (s *Scheduler) saveStateLocked() error {
	if s.statePath == "" {
		return nil
	}
	lock, err := fsutil.Lock(s.statePath)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	data, err := json.Marshal(persistedState{LastSuccess: s.lastSuccess})
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.statePath, data, 0o644)
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
