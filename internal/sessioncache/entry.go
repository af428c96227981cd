// Package sessioncache is the read-through response cache used for offline
// fallback. Entries live in partitions named by cache generation and session
// identity; a lookup only ever consults the caller's own partition.
package sessioncache

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/records"
)

// Entry is a captured response, enough to rebuild it for an offline read.
type Entry struct {
	URL         string `json:"url"`
	Status      int    `json:"status"`
	ContentType string `json:"contentType,omitempty"`
	Body        []byte `json:"body"`
	// StoredAt is unix milliseconds.
	StoredAt int64 `json:"storedAt"`
}

// EntryFromResponse captures resp with an already-read body.
func EntryFromResponse(rawURL string, resp *http.Response, body []byte, now time.Time) Entry {
	entry := Entry{
		URL:      rawURL,
		Status:   http.StatusOK,
		Body:     append([]byte(nil), body...),
		StoredAt: now.UnixMilli(),
	}
	if resp != nil {
		entry.Status = resp.StatusCode
		entry.ContentType = resp.Header.Get("Content-Type")
	}
	return entry
}

// Response rebuilds an *http.Response for req from the entry.
func (e Entry) Response(req *http.Request) *http.Response {
	header := make(http.Header)
	if e.ContentType != "" {
		header.Set("Content-Type", e.ContentType)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// Key returns the origin-relative form of rawURL (path plus query) used to
// index entries inside a partition.
func Key(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		return path + "?" + parsed.RawQuery
	}
	return path
}

func marshalEntry(entry Entry) ([]byte, error) {
	return json.Marshal(entry)
}

func unmarshalEntry(data []byte) (Entry, error) {
	if err := records.ValidateCacheEntry(data); err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func validateEntry(entry Entry) error {
	if strings.TrimSpace(entry.URL) == "" || entry.Status < 100 || entry.Status > 599 || entry.StoredAt < 0 {
		return ErrInvalidInput
	}
	return nil
}
