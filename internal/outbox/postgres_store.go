package outbox

import (
	"context"
	"database/sql"
	"hash/fnv"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

var postgresOpen sqlOpenFunc = sql.Open

// NewPostgresStore returns an outbox stored in PostgreSQL. The table is
// created lazily on first use.
func NewPostgresStore(dsn string, opts Options) (*SQLStore, error) {
	return newSQLStore(dsn, postgresDialect(), opts)
}

func postgresDialect() sqlDialect {
	return sqlDialect{
		name: "postgres",
		placeholder: func(n int) string {
			return "$" + strconv.Itoa(n)
		},
		open: func(ctx context.Context, dsn string) (*sql.DB, error) {
			db, err := postgresOpen("postgres", dsn)
			if err != nil {
				return nil, err
			}
			if err := db.PingContext(ctx); err != nil {
				_ = db.Close()
				return nil, err
			}
			return db, nil
		},
		quote: postgresQuoteIdentifier,
		lockIntent: func(ctx context.Context, tx *sql.Tx, table, intent string) error {
			_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresIntentLockKey(table, intent))
			return err
		},
	}
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresIntentLockKey(tableName, intent string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(intent)))
	return int64(hasher.Sum64())
}
