package outbox

import (
	"context"
	"database/sql"

	"github.com/agentworkforce/relaysync/internal/sqlitedb"
)

// NewSQLiteStore returns an outbox stored in an embedded SQLite database at
// path.
func NewSQLiteStore(path string, opts Options) (*SQLStore, error) {
	return newSQLStore(path, sqliteDialect(), opts)
}

func sqliteDialect() sqlDialect {
	return sqlDialect{
		name: "sqlite",
		placeholder: func(int) string {
			return "?"
		},
		open: func(ctx context.Context, dsn string) (*sql.DB, error) {
			return sqlitedb.Open(ctx, dsn)
		},
		// Double-quoted identifiers behave the same in SQLite.
		quote: postgresQuoteIdentifier,
	}
}
