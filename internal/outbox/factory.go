package outbox

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildStoreFromDSN selects a backend from the DSN scheme:
// file:// (or a bare path), memory://, sqlite:// and postgres://.
func BuildStoreFromDSN(dsn string, opts Options) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupStoreFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "", "file":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileStore(path, opts)
	case "memory", "mem", "inmem":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		path, pathErr := DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteStore(path, opts)
	case "postgres", "postgresql":
		return NewPostgresStore(dsn, opts)
	case "redis", "rediss", "indexeddb":
		return nil, fmt.Errorf("%w: outbox backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported outbox scheme: %s", scheme)
	}
}

// DSNPath extracts the filesystem path from a file-like DSN. Relative paths
// written as scheme://relative/path keep their host segment.
func DSNPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	host := strings.TrimSpace(parsed.Host)
	switch {
	case host != "" && path != "":
		path = host + path
	case path == "":
		path = strings.TrimSpace(parsed.Opaque)
		if path == "" {
			path = host
		}
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
