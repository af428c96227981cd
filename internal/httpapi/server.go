// Package httpapi is the local control surface over a running engine: queue
// inspection and controls, the websocket event stream, the sync request
// proxy, the queue dashboard, /metrics and /health.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaysync/internal/broadcast"
	"github.com/agentworkforce/relaysync/internal/dispatch"
	"github.com/agentworkforce/relaysync/internal/drain"
	"github.com/agentworkforce/relaysync/internal/engine"
	"github.com/agentworkforce/relaysync/internal/outbox"
	"github.com/agentworkforce/relaysync/internal/syncapi"
)

const correlationHeader = "X-Correlation-Id"

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// AllowedOrigins are extra websocket origin patterns; same-origin is
	// always accepted.
	AllowedOrigins []string
	Logger         zerolog.Logger
	// WriteTimeout bounds each websocket frame write.
	WriteTimeout time.Duration
}

type Server struct {
	engine      *engine.Engine
	cfg         ServerConfig
	logger      zerolog.Logger
	metrics     http.Handler
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(eng *engine.Engine) *Server {
	return NewServerWithConfig(eng, ServerConfig{})
}

func NewServerWithConfig(eng *engine.Engine, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      eng,
		cfg:         cfg,
		logger:      cfg.Logger.With().Str("component", "httpapi").Logger(),
		metrics:     eng.Metrics.Handler(),
		rateLimiter: limiter,
	}
}

// ServerConfigFromEngine derives the server settings from the engine's
// configuration.
func ServerConfigFromEngine(eng *engine.Engine) ServerConfig {
	return ServerConfig{
		RateLimitMax:    eng.Config.RateLimitMax,
		RateLimitWindow: eng.Config.RateLimitWindow,
		MaxBodyBytes:    eng.Config.MaxBodyBytes,
		AllowedOrigins:  eng.Config.AllowedOrigins,
		Logger:          eng.Logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if getCorrelationID(r) == "" {
		r.Header.Set(correlationHeader, uuid.NewString())
	}
	w.Header().Set(correlationHeader, getCorrelationID(r))
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	started := time.Now()
	s.route(rec, r)

	event := s.logger.Info()
	if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
		event = s.logger.Debug()
	}
	event.
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", rec.status).
		Dur("latency", time.Since(started)).
		Str("correlation_id", getCorrelationID(r)).
		Msg("http request")
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		s.handleHealth(w, r)
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.ServeHTTP(w, r)
		return
	case r.URL.Path == "/dashboard" || r.URL.Path == "/":
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "queue" && r.Method == http.MethodGet:
		route = "queue"
	case len(parts) == 3 && parts[1] == "queue" && parts[2] == "retry" && r.Method == http.MethodPost:
		route = "retry_all"
	case len(parts) == 4 && parts[1] == "queue" && parts[3] == "retry" && r.Method == http.MethodPost:
		route = "retry_item"
	case len(parts) == 4 && parts[1] == "queue" && parts[3] == "discard" && r.Method == http.MethodPost:
		route = "discard_item"
	case len(parts) == 3 && parts[1] == "queue" && r.Method == http.MethodDelete:
		route = "discard_item"
	case len(parts) == 2 && parts[1] == "connectivity" && r.Method == http.MethodPost:
		route = "connectivity"
	case len(parts) == 2 && parts[1] == "prefetch" && r.Method == http.MethodPost:
		route = "prefetch"
	case len(parts) == 2 && parts[1] == "invalidate" && r.Method == http.MethodPost:
		route = "invalidate"
	case len(parts) == 2 && parts[1] == "request" && r.Method == http.MethodPost:
		route = "request"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		route = "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if s.rateLimiter != nil && route != "events" {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "queue":
		s.handleQueue(w, r, correlationID)
	case "retry_all":
		s.handleRetryAll(w, r, correlationID)
	case "retry_item":
		s.handleRetryItem(w, r, parts[2], correlationID)
	case "discard_item":
		s.handleDiscardItem(w, r, parts[2], correlationID)
	case "connectivity":
		s.handleConnectivity(w, r, correlationID)
	case "prefetch":
		s.handlePrefetch(w, r, correlationID)
	case "invalidate":
		s.handleInvalidate(w, r, correlationID)
	case "request":
		s.handleRequest(w, r, correlationID)
	case "events":
		s.handleEvents(w, r, correlationID)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"online":     s.engine.Connectivity.Online(),
		"drainState": s.engine.Drain.State(),
		"observers":  s.engine.Hub.Len(),
	})
}

type queueResponse struct {
	Queue    []outbox.Envelope  `json:"queue"`
	Draining bool               `json:"draining"`
	State    drain.State        `json:"state"`
	Status   syncapi.SyncStatus `json:"status"`
	Online   bool               `json:"online"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request, correlationID string) {
	items, err := s.engine.Drain.Queue(r.Context())
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if items == nil {
		items = []outbox.Envelope{}
	}
	state := s.engine.Drain.State()
	writeJSON(w, http.StatusOK, queueResponse{
		Queue:    items,
		Draining: state == drain.StateDraining,
		State:    state,
		Status:   s.engine.Status.Status(),
		Online:   s.engine.Connectivity.Online(),
	})
}

// handleRetryAll starts a drain in the background, or with ?wait=true runs it
// to completion and returns the summary.
func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request, correlationID string) {
	if parseBool(r.URL.Query().Get("wait"), false) {
		summary, err := s.engine.Drain.DrainNow(r.Context())
		if err != nil {
			s.writeStoreError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}
	if err := s.engine.HandleControl(r.Context(), broadcast.Control{Type: broadcast.ControlRetryAll}); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "accepted",
		"state":         s.engine.Drain.State(),
		"correlationId": correlationID,
	})
}

func (s *Server) handleRetryItem(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	result, err := s.engine.Drain.RetryItem(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if !result.Found {
		writeError(w, http.StatusNotFound, "not_found", "queued request not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDiscardItem(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	removed, err := s.engine.Drain.DiscardItem(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, correlationID)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "not_found", "queued request not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "discarded": true})
}

func (s *Server) handleConnectivity(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		Online *bool `json:"online"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Online == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "online is required", correlationID)
		return
	}
	changed := s.engine.SetOnline(*req.Online)
	writeJSON(w, http.StatusOK, map[string]any{
		"online":  s.engine.Connectivity.Online(),
		"changed": changed,
	})
}

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req struct {
		URLs []string `json:"urls"`
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	urls := req.URLs
	if len(urls) == 0 {
		urls = s.engine.Config.PrefetchURLs
	}
	for _, target := range urls {
		if !dispatch.IsOriginRelative(target) {
			writeError(w, http.StatusBadRequest, "bad_request", "urls must be origin-relative paths", correlationID)
			return
		}
	}
	result, err := s.engine.Prefetch.MaybePrefetch(r.Context(), r.Header.Get("Cookie"), urls)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream_unreachable", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		ResourceID string `json:"resourceId"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	report, err := s.engine.Invalidator.PurgeRelatedTo(r.Context(), strings.TrimSpace(req.ResourceID))
	if err != nil {
		if errors.Is(err, outbox.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", "resourceId is required", correlationID)
			return
		}
		s.writeStoreError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type proxyRequest struct {
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Body      *string           `json:"body"`
	Queueable bool              `json:"queueable"`
	Intent    string            `json:"intent"`
	// Format is "json" (default) or "text".
	Format string `json:"format"`
}

// handleRequest runs one Sync API call. The response is always the Result
// envelope; only a malformed proxy request is rejected outright.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req proxyRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	target := strings.TrimSpace(req.URL)
	if !dispatch.IsOriginRelative(target) {
		writeError(w, http.StatusBadRequest, "bad_request", "url must be an origin-relative path", correlationID)
		return
	}
	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format != "" && format != "json" && format != "text" {
		writeError(w, http.StatusBadRequest, "bad_request", "format must be json or text", correlationID)
		return
	}

	headers := http.Header{}
	for name, value := range req.Headers {
		headers.Set(name, value)
	}
	if headers.Get("Cookie") == "" && r.Header.Get("Cookie") != "" {
		headers.Set("Cookie", r.Header.Get("Cookie"))
	}
	if cookie := headers.Get("Cookie"); cookie != "" {
		s.engine.NoteSession(cookie)
	}
	opts := syncapi.RequestOptions{
		Method:    req.Method,
		Headers:   headers,
		Queueable: req.Queueable,
		Intent:    req.Intent,
	}
	if req.Body != nil {
		opts.Body = []byte(*req.Body)
	}

	var result syncapi.Result
	if format == "text" {
		result = s.engine.Sync.RequestText(r.Context(), target, opts)
	} else {
		result = s.engine.Sync.RequestJSON(r.Context(), target, opts)
	}
	writeJSON(w, http.StatusOK, result)
}

// handleEvents streams broadcast messages over a websocket and applies the
// control messages the client sends back. The first frame is always the
// current queue state.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	observer, err := s.engine.Hub.Subscribe()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "too_many_observers", err.Error(), correlationID)
		return
	}
	defer observer.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.Warn().Err(err).Str("correlation_id", correlationID).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.readControls(ctx, cancel, conn, correlationID)

	items, err := s.engine.Drain.Queue(ctx)
	if err == nil {
		snapshot := broadcast.NewQueueState(items, s.engine.Drain.State() == drain.StateDraining)
		if err := s.writeFrame(ctx, conn, snapshot); err != nil {
			return
		}
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case msg, ok := <-observer.Messages():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "observer closed")
				return
			}
			if err := s.writeFrame(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

func (s *Server) readControls(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, correlationID string) {
	defer cancel()
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, conn, &raw); err != nil {
			return
		}
		ctl, err := broadcast.ParseControl(raw)
		if err != nil {
			s.logger.Debug().Err(err).Str("correlation_id", correlationID).Msg("ignoring control message")
			continue
		}
		if err := s.engine.HandleControl(ctx, ctl); err != nil {
			s.logger.Warn().Err(err).Str("type", ctl.Type).Msg("control message failed")
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, msg any) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, msg)
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, correlationID string) {
	s.logger.Error().Err(err).Str("correlation_id", correlationID).Msg("store operation failed")
	if errors.Is(err, outbox.ErrStorageUnavailable) {
		writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error(), correlationID)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get(correlationHeader)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBool(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// statusRecorder captures the response status for request logging. It
// passes Hijack through so websocket upgrades still work.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
