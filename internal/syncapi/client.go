// Package syncapi is the request surface the application uses: a live call
// that is transparently queued or served from cache when the upstream is
// unreachable, plus the optimistic local state and sync indicator built on
// the engine's broadcasts.
package syncapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/dispatch"
	"github.com/agentworkforce/relaysync/internal/outbox"
	"github.com/agentworkforce/relaysync/internal/sessioncache"
)

const defaultMaxBodyBytes = 8 << 20

// Doer sends one request. dispatch.Dispatcher satisfies it.
type Doer interface {
	Do(ctx context.Context, req *http.Request, opts dispatch.RequestOptions) (*http.Response, error)
}

type Options struct {
	Doer   Doer
	Cache  *sessioncache.Cache
	Logger zerolog.Logger
	Now    func() time.Time
	// MaxBodyBytes caps an upstream response; a longer body fails the call.
	MaxBodyBytes int64
}

type RequestOptions struct {
	Method  string
	Headers http.Header
	Body    []byte
	// Queueable lets a failed mutating request go to the outbox.
	Queueable bool
	// Intent coalesces queued requests with the same idempotent effect.
	Intent string
}

// Result is the outcome every caller must distinguish: live success,
// queued acceptance (Queued), an offline cache read (OK and Offline without
// Queued) and hard failure.
type Result struct {
	OK      bool   `json:"ok"`
	Status  int    `json:"status"`
	Offline bool   `json:"offline"`
	Queued  bool   `json:"queued,omitempty"`
	ID      string `json:"id,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Client struct {
	doer         Doer
	cache        *sessioncache.Cache
	logger       zerolog.Logger
	now          func() time.Time
	maxBodyBytes int64
}

func NewClient(opts Options) (*Client, error) {
	if opts.Doer == nil {
		return nil, errors.New("sync client requires a doer")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Client{
		doer:         opts.Doer,
		cache:        opts.Cache,
		logger:       opts.Logger.With().Str("component", "syncapi").Logger(),
		now:          opts.Now,
		maxBodyBytes: opts.MaxBodyBytes,
	}, nil
}

// RequestJSON performs the request and decodes a JSON response body.
func (c *Client) RequestJSON(ctx context.Context, rawURL string, opts RequestOptions) Result {
	if opts.Headers == nil {
		opts.Headers = http.Header{}
	}
	if opts.Headers.Get("Accept") == "" {
		opts.Headers.Set("Accept", "application/json")
	}
	return c.request(ctx, rawURL, opts, true)
}

// RequestText performs the request and returns the body as a string. A GET
// that cannot reach the upstream is answered from the session cache.
func (c *Client) RequestText(ctx context.Context, rawURL string, opts RequestOptions) Result {
	return c.request(ctx, rawURL, opts, false)
}

func (c *Client) request(ctx context.Context, rawURL string, opts RequestOptions, asJSON bool) Result {
	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return Result{Error: err.Error()}
	}
	for name, values := range opts.Headers {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	session := sessioncache.AnonymousSession
	if c.cache != nil {
		session = sessioncache.SessionFromRequest(req, c.cache.CookieName())
	}

	resp, err := c.doer.Do(ctx, req, dispatch.RequestOptions{Queueable: opts.Queueable, Intent: opts.Intent})
	if err != nil {
		return c.failure(ctx, method, rawURL, session, asJSON, err)
	}
	defer resp.Body.Close()
	payload, err := dispatch.ReadBody(resp.Body, c.maxBodyBytes)
	if errors.Is(err, dispatch.ErrResponseTooLarge) {
		c.logger.Warn().Err(err).Str("method", method).Str("url", rawURL).Msg("upstream response rejected")
		return Result{Status: resp.StatusCode, Error: err.Error()}
	}
	if err != nil {
		return c.failure(ctx, method, rawURL, session, asJSON, err)
	}

	if ack, ok := queuedAck(resp, payload); ok {
		return Result{OK: true, Status: resp.StatusCode, Offline: true, Queued: true, ID: ack.ID, Data: ack.raw}
	}

	result := Result{OK: resp.StatusCode >= 200 && resp.StatusCode <= 299, Status: resp.StatusCode}
	if asJSON {
		data, decodeErr := decodeJSON(payload)
		switch {
		case decodeErr != nil && result.OK:
			result.OK = false
			result.Error = fmt.Sprintf("decode json response: %v", decodeErr)
			return result
		case decodeErr == nil:
			result.Data = data
		}
	} else {
		result.Data = string(payload)
	}
	if !result.OK {
		result.Error = errorMessage(resp.StatusCode, result.Data)
		return result
	}
	if method == http.MethodGet && c.cache != nil {
		c.cache.Store(ctx, session, sessioncache.EntryFromResponse(rawURL, resp, payload, c.now()))
	}
	return result
}

// failure classifies an error from the dispatcher. A codec failure is an
// ordinary failed call; anything else means the upstream was unreachable.
func (c *Client) failure(ctx context.Context, method, rawURL, session string, asJSON bool, err error) Result {
	if errors.Is(err, outbox.ErrCodec) || errors.Is(err, outbox.ErrInvalidInput) || errors.Is(err, dispatch.ErrNotQueueable) {
		return Result{Error: err.Error()}
	}
	if ctx.Err() != nil {
		return Result{Error: ctx.Err().Error()}
	}
	if errors.Is(err, dispatch.ErrQueueFailed) {
		c.logger.Error().Err(err).Str("method", method).Str("url", rawURL).Msg("request could not be queued")
		return Result{Offline: true, Error: err.Error()}
	}
	if !asJSON && method == http.MethodGet && c.cache != nil {
		if entry, ok := c.cache.Lookup(ctx, session, rawURL); ok {
			return Result{OK: true, Status: entry.Status, Offline: true, Data: string(entry.Body)}
		}
	}
	return Result{Offline: true, Error: err.Error()}
}

type ack struct {
	ID  string
	raw any
}

func queuedAck(resp *http.Response, payload []byte) (ack, bool) {
	if resp.StatusCode != http.StatusAccepted {
		return ack{}, false
	}
	var body struct {
		Queued bool   `json:"queued"`
		ID     string `json:"id"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || !body.Queued {
		return ack{}, false
	}
	raw, _ := decodeJSON(payload)
	return ack{ID: body.ID, raw: raw}, true
}

func decodeJSON(payload []byte) (any, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}
	var data any
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

// errorMessage prefers the upstream's own message or error field.
func errorMessage(status int, data any) string {
	if fields, ok := data.(map[string]any); ok {
		for _, key := range []string{"message", "error"} {
			if msg, ok := fields[key].(string); ok && strings.TrimSpace(msg) != "" {
				return msg
			}
		}
	}
	if text := http.StatusText(status); text != "" {
		return fmt.Sprintf("http %d: %s", status, text)
	}
	return fmt.Sprintf("http %d", status)
}
