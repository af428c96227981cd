// Package connectivity tracks whether the upstream is reachable and reports
// offline to online transitions.
package connectivity

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Options struct {
	// ProbeURL is requested with HEAD on every tick. Empty disables probing;
	// state then changes only through SetOnline.
	ProbeURL   string
	Interval   time.Duration
	HTTPClient *http.Client
	Logger     zerolog.Logger
	// OnRestored runs on every offline to online transition.
	OnRestored func()
	// Initial is the state assumed before the first probe.
	Initial bool
}

type Monitor struct {
	probeURL   string
	interval   time.Duration
	client     *http.Client
	logger     zerolog.Logger
	onRestored func()

	mu     sync.RWMutex
	online bool
	since  time.Time
}

type Status struct {
	Online bool      `json:"online"`
	Since  time.Time `json:"since"`
}

func New(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	return &Monitor{
		probeURL:   strings.TrimSpace(opts.ProbeURL),
		interval:   opts.Interval,
		client:     opts.HTTPClient,
		logger:     opts.Logger.With().Str("component", "connectivity").Logger(),
		onRestored: opts.OnRestored,
		online:     opts.Initial,
		since:      time.Now().UTC(),
	}
}

func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Status{Online: m.online, Since: m.since}
}

// SetOnline records an externally observed state and reports whether it
// changed.
func (m *Monitor) SetOnline(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	m.since = time.Now().UTC()
	m.mu.Unlock()

	if online {
		m.logger.Info().Msg("upstream reachable")
		if m.onRestored != nil {
			m.onRestored()
		}
	} else {
		m.logger.Warn().Msg("upstream unreachable")
	}
	return true
}

// Probe checks the upstream once. Any HTTP response counts as reachable.
func (m *Monitor) Probe(ctx context.Context) bool {
	if m.probeURL == "" {
		return m.Online()
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.logger.Error().Err(err).Msg("invalid probe url")
		return m.Online()
	}
	resp, err := m.client.Do(req)
	online := err == nil
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil && ctx.Err() != nil {
		// Shutting down, not a connectivity change.
		return m.Online()
	}
	m.SetOnline(online)
	return online
}

// Run probes on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.probeURL == "" {
		<-ctx.Done()
		return
	}
	m.Probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
