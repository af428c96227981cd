package sessioncache

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/agentworkforce/relaysync/internal/outbox"
)

// BuildBackendFromDSN mirrors the outbox DSN schemes. file:// names a
// directory of partition files.
func BuildBackendFromDSN(dsn string, opts BackendOptions) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme)); scheme {
	case "", "file":
		dir, pathErr := outbox.DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, ErrInvalidInput
		}
		return NewFileBackend(dir, opts)
	case "memory", "mem", "inmem":
		return NewMemoryBackend(), nil
	case "sqlite", "sqlite3":
		path, pathErr := outbox.DSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, ErrInvalidInput
		}
		return NewSQLiteBackend(path, opts)
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn, opts)
	default:
		return nil, fmt.Errorf("unsupported cache scheme: %s", scheme)
	}
}
