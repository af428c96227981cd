// Package dispatch sends requests to the upstream CRUD API. Live sends that
// fail can be diverted into the outbox, and queued envelopes are replayed
// through SendWithRetry.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/broadcast"
	"github.com/agentworkforce/relaysync/internal/metrics"
	"github.com/agentworkforce/relaysync/internal/outbox"
)

var (
	ErrNotQueueable = errors.New("request cannot be queued")
	// ErrQueueFailed wraps an outbox write failure on the queue-on-failure
	// path; the request was neither delivered nor stored.
	ErrQueueFailed = errors.New("queue request for later")
)

// StatusError records the last non-2xx status of an exhausted replay.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned http %d", e.StatusCode)
}

// QueuedHeader marks the synthetic acknowledgement returned for a request
// that went to the outbox instead of the network.
const QueuedHeader = "X-Relaysync-Queued"

type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Store      outbox.Store
	Codec      *outbox.Codec
	Publisher  broadcast.Publisher
	Policy     Policy
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	// AfterEnqueue runs once an envelope has been accepted into the outbox.
	AfterEnqueue func(ctx context.Context)
	// Sleep waits between replay attempts; tests shorten it.
	Sleep func(ctx context.Context, delay time.Duration) error
}

type Dispatcher struct {
	baseURL      *url.URL
	httpClient   *http.Client
	store        outbox.Store
	codec        *outbox.Codec
	publisher    broadcast.Publisher
	policy       Policy
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	afterEnqueue func(ctx context.Context)
	sleep        func(ctx context.Context, delay time.Duration) error
}

// RequestOptions control how Do treats a single request.
type RequestOptions struct {
	// Queueable routes a mutating request to the outbox when the live
	// attempt fails at the network layer.
	Queueable bool
	// Intent names the idempotent effect of the request (for example
	// "star:42"); queued envelopes with the same intent are replaced.
	Intent string
}

func New(opts Options) (*Dispatcher, error) {
	var base *url.URL
	if raw := strings.TrimSpace(opts.BaseURL); raw != "" {
		parsed, err := url.Parse(strings.TrimRight(raw, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parse upstream base url: %w", err)
		}
		if !parsed.IsAbs() {
			return nil, fmt.Errorf("upstream base url %q must be absolute", raw)
		}
		base = parsed
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Codec == nil {
		opts.Codec = outbox.NewCodec(outbox.CodecOptions{})
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Sleep == nil {
		opts.Sleep = waitWithContext
	}
	return &Dispatcher{
		baseURL:      base,
		httpClient:   opts.HTTPClient,
		store:        opts.Store,
		codec:        opts.Codec,
		publisher:    opts.Publisher,
		policy:       opts.Policy.normalized(),
		logger:       opts.Logger.With().Str("component", "dispatch").Logger(),
		metrics:      opts.Metrics,
		afterEnqueue: opts.AfterEnqueue,
		sleep:        opts.Sleep,
	}, nil
}

func (d *Dispatcher) Policy() Policy {
	return d.policy
}

// Resolve turns a relative reference into an upstream URL.
func (d *Dispatcher) Resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if ref.IsAbs() || d.baseURL == nil {
		return ref, nil
	}
	return d.baseURL.ResolveReference(ref), nil
}

// Fetch performs one live attempt. Non-2xx responses are returned as-is;
// only transport failures produce an error.
func (d *Dispatcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := d.resolveRequest(req); err != nil {
		return nil, err
	}
	return d.httpClient.Do(req.WithContext(ctx))
}

// Do sends req live. A queueable mutating request whose live attempt fails
// at the network layer is stored in the outbox and answered with a
// synthetic 202 carrying {"queued":true,"id":...}.
func (d *Dispatcher) Do(ctx context.Context, req *http.Request, opts RequestOptions) (*http.Response, error) {
	if !opts.Queueable || !outbox.IsMutating(req.Method) {
		return d.Fetch(ctx, req)
	}
	if d.store == nil {
		return nil, fmt.Errorf("%w: no outbox configured", ErrNotQueueable)
	}
	if err := d.resolveRequest(req); err != nil {
		return nil, err
	}
	env, err := d.codec.Encode(req, opts.Intent)
	if err != nil {
		return nil, err
	}
	resp, liveErr := d.httpClient.Do(req.WithContext(ctx))
	if liveErr == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, liveErr
	}
	d.logger.Info().Err(liveErr).Str("method", env.Method).Str("url", env.URL).Msg("live send failed; queueing request")

	superseded, err := outbox.Enqueue(ctx, d.store, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQueueFailed, err)
	}
	d.metrics.Enqueued.Inc()
	for _, old := range superseded {
		d.metrics.Superseded.Inc()
		event := broadcast.NewQueueEvent(broadcast.EventDiscarded, old)
		event.Reason = "superseded"
		d.publish(event)
	}
	d.publish(broadcast.NewQueueEvent(broadcast.EventQueued, env))
	if d.afterEnqueue != nil {
		d.afterEnqueue(ctx)
	}
	return queuedResponse(req, env), nil
}

// SendWithRetry replays env with the dispatcher's policy. A network error or
// non-conflict failure status consumes an attempt; after attempt n the
// dispatcher waits n*BaseDelay before trying again.
func (d *Dispatcher) SendWithRetry(ctx context.Context, env outbox.Envelope) Result {
	logger := d.logger.With().Str("id", env.ID).Str("method", env.Method).Str("url", env.URL).Logger()
	result := Result{Outcome: OutcomeFailed}
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			d.publish(broadcast.NewQueueEvent(broadcast.EventRetrying, env))
		}
		result.Attempts = attempt
		d.metrics.SendAttempts.Inc()

		status, header, body, err := d.attempt(ctx, env)
		result.Status = status
		result.Header = header
		result.Body = body
		result.Err = err
		if err == nil {
			if outcome, terminal := d.policy.Classify(status); terminal {
				result.Outcome = outcome
				d.metrics.SendOutcomes.WithLabelValues(string(outcome)).Inc()
				return result
			}
			result.Err = &StatusError{StatusCode: status}
		}
		var codecErr *outbox.CodecError
		if errors.As(err, &codecErr) {
			logger.Error().Err(err).Msg("stored envelope cannot be rebuilt")
			break
		}
		logger.Warn().Err(result.Err).Int("attempt", attempt).Int("max_attempts", d.policy.MaxAttempts).Msg("replay attempt failed")
		if attempt == d.policy.MaxAttempts {
			break
		}
		if waitErr := d.sleep(ctx, d.policy.Backoff(attempt)); waitErr != nil {
			result.Err = waitErr
			break
		}
	}
	result.Outcome = OutcomeFailed
	d.metrics.SendOutcomes.WithLabelValues(string(OutcomeFailed)).Inc()
	return result
}

func (d *Dispatcher) attempt(ctx context.Context, env outbox.Envelope) (int, http.Header, []byte, error) {
	req, err := outbox.Decode(ctx, env)
	if err != nil {
		return 0, nil, nil, err
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, body, nil
}

func (d *Dispatcher) resolveRequest(req *http.Request) error {
	if req == nil || req.URL == nil {
		return outbox.ErrInvalidInput
	}
	if req.URL.IsAbs() {
		return nil
	}
	if d.baseURL == nil {
		return fmt.Errorf("%w: relative url %q without an upstream base", outbox.ErrInvalidInput, req.URL.String())
	}
	req.URL = d.baseURL.ResolveReference(req.URL)
	req.Host = req.URL.Host
	return nil
}

func (d *Dispatcher) publish(msg broadcast.Message) {
	if d.publisher != nil {
		d.publisher.Publish(msg)
	}
}

func queuedResponse(req *http.Request, env outbox.Envelope) *http.Response {
	payload, _ := json.Marshal(map[string]any{
		"status": "queued",
		"queued": true,
		"id":     env.ID,
	})
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(QueuedHeader, "1")
	return &http.Response{
		Status:        "202 Accepted",
		StatusCode:    http.StatusAccepted,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(payload)),
		ContentLength: int64(len(payload)),
		Request:       req,
	}
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ParseStatusList parses a comma-separated list of HTTP status codes.
func ParseStatusList(raw string) ([]int, error) {
	var statuses []int
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code, err := strconv.Atoi(part)
		if err != nil || code < 100 || code > 599 {
			return nil, fmt.Errorf("invalid http status %q", part)
		}
		statuses = append(statuses, code)
	}
	return statuses, nil
}
