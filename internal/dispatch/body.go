package dispatch

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

var ErrResponseTooLarge = errors.New("response body too large")

// ReadBody reads at most limit bytes from r. A body longer than limit is an
// error rather than a silently truncated payload.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrResponseTooLarge, limit)
	}
	return data, nil
}

// IsOriginRelative reports whether raw is a path on the upstream origin
// ("/x?y"), as opposed to an absolute or scheme-relative URL.
func IsOriginRelative(raw string) bool {
	raw = strings.TrimSpace(raw)
	return strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") && !strings.HasPrefix(raw, `/\`)
}
