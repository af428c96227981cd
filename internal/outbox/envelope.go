// Package outbox implements the durable queue of not-yet-confirmed mutating
// requests: the envelope codec, the store contract and its backends.
package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Envelope is a captured mutating request. Envelopes are never mutated once
// stored; a nil Body means the request had no body at all.
type Envelope struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	Method    string   `json:"method"`
	Headers   []Header `json:"headers"`
	Body      []byte   `json:"body"`
	Timestamp int64    `json:"timestamp"`
	Intent    string   `json:"intent,omitempty"`
}

// HeaderValue returns the first value stored for name, case-insensitively.
func (e Envelope) HeaderValue(name string) string {
	for _, h := range e.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// ResourceID extracts the value of param from the envelope's query string,
// or failing that from a form or JSON body.
func (e Envelope) ResourceID(param string) string {
	param = strings.TrimSpace(param)
	if param == "" {
		return ""
	}
	if parsed, err := url.Parse(e.URL); err == nil {
		if value := strings.TrimSpace(parsed.Query().Get(param)); value != "" {
			return value
		}
	}
	if len(e.Body) == 0 {
		return ""
	}
	mediaType, _, _ := mime.ParseMediaType(e.HeaderValue("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(e.Body))
		if err != nil {
			return ""
		}
		return strings.TrimSpace(values.Get(param))
	case "application/json":
		var fields map[string]any
		decoder := json.NewDecoder(bytes.NewReader(e.Body))
		decoder.UseNumber()
		if err := decoder.Decode(&fields); err != nil {
			return ""
		}
		switch v := fields[param].(type) {
		case string:
			return strings.TrimSpace(v)
		case json.Number:
			return v.String()
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

// IsMutating reports whether method is one the outbox accepts.
func IsMutating(method string) bool {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

type CodecOptions struct {
	Now   func() time.Time
	NewID func() string
}

// Codec turns live requests into envelopes and back. It owns the enqueue
// clock, so timestamps it hands out are strictly increasing.
type Codec struct {
	now   func() time.Time
	newID func() string

	mu   sync.Mutex
	last int64
}

func NewCodec(opts CodecOptions) *Codec {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Codec{now: opts.Now, newID: opts.NewID}
}

func (c *Codec) nextTimestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UnixNano()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}

// Encode captures req. The body is read exactly once; req.Body is replaced by
// an in-memory copy so the caller can still send the live request.
func (c *Codec) Encode(req *http.Request, intent string) (Envelope, error) {
	if req == nil || req.URL == nil {
		return Envelope{}, ErrInvalidInput
	}
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if !IsMutating(method) {
		return Envelope{}, fmt.Errorf("%w: method %s cannot be queued", ErrInvalidInput, req.Method)
	}

	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		data, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return Envelope{}, &CodecError{Err: err}
		}
		body = data
		req.Body = io.NopCloser(bytes.NewReader(data))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}
	}

	return Envelope{
		ID:        c.newID(),
		URL:       req.URL.String(),
		Method:    method,
		Headers:   captureHeaders(req.Header),
		Body:      body,
		Timestamp: c.nextTimestamp(),
		Intent:    strings.TrimSpace(intent),
	}, nil
}

// Decode rebuilds a request for re-dispatch from the stored header list and
// body bytes.
func Decode(ctx context.Context, env Envelope) (*http.Request, error) {
	var body io.Reader
	if env.Body != nil {
		body = bytes.NewReader(env.Body)
	}
	req, err := http.NewRequestWithContext(ctx, env.Method, env.URL, body)
	if err != nil {
		return nil, &CodecError{Err: err}
	}
	for _, h := range env.Headers {
		req.Header.Add(h.Name, h.Value)
	}
	return req, nil
}

// captureHeaders flattens h into a name-sorted list. Values under one name
// keep their original order.
func captureHeaders(h http.Header) []Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	headers := make([]Header, 0, len(h))
	for _, name := range names {
		for _, value := range h[name] {
			headers = append(headers, Header{Name: name, Value: value})
		}
	}
	return headers
}
