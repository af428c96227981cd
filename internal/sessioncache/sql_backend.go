package sessioncache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/relaysync/internal/sqlitedb"
)

const sqlOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

var postgresOpen sqlOpenFunc = sql.Open

type sqlDialect struct {
	name        string
	placeholder func(n int) string
	open        func(ctx context.Context, dsn string) (*sql.DB, error)
}

// SQLBackend stores partitions in two tables: one row per partition and one
// row per entry, keyed by (partition, key).
type SQLBackend struct {
	dsn     string
	dialect sqlDialect
	logger  zerolog.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteBackend(path string, opts BackendOptions) (*SQLBackend, error) {
	return newSQLBackend(path, sqlDialect{
		name:        "sqlite",
		placeholder: func(int) string { return "?" },
		open:        sqlitedb.Open,
	}, opts)
}

func NewPostgresBackend(dsn string, opts BackendOptions) (*SQLBackend, error) {
	return newSQLBackend(dsn, sqlDialect{
		name:        "postgres",
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
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
	}, opts)
}

func newSQLBackend(dsn string, dialect sqlDialect, opts BackendOptions) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{
		dsn:     dsn,
		dialect: dialect,
		logger:  opts.Logger.With().Str("component", "sessioncache").Str("backend", dialect.name).Logger(),
	}, nil
}

func (b *SQLBackend) ensureReady() error {
	b.initOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		db, err := b.dialect.open(ctx, b.dsn)
		if err != nil {
			b.initErr = fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
			return
		}
		statements := []string{
			`CREATE TABLE IF NOT EXISTS relaysync_cache_partitions (
				name TEXT PRIMARY KEY,
				created_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS relaysync_cache_entries (
				partition_name TEXT NOT NULL,
				cache_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				PRIMARY KEY (partition_name, cache_key)
			)`,
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLBackend) p(n int) string {
	return b.dialect.placeholder(n)
}

func (b *SQLBackend) Partitions(ctx context.Context) ([]Partition, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	rows, err := b.db.QueryContext(ctx, "SELECT name, created_at FROM relaysync_cache_partitions ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()
	var out []Partition
	for rows.Next() {
		var p Partition
		if err := rows.Scan(&p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return out, nil
}

func (b *SQLBackend) Get(ctx context.Context, partition, key string) (Entry, bool, error) {
	if err := b.ensureReady(); err != nil {
		return Entry{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT payload FROM relaysync_cache_entries WHERE partition_name = %s AND cache_key = %s", b.p(1), b.p(2))
	var payload string
	err := b.db.QueryRowContext(ctx, query, partition, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	entry, err := unmarshalEntry([]byte(payload))
	if err != nil {
		b.logger.Warn().Err(err).Str("partition", partition).Str("key", key).Msg("ignoring malformed cache entry")
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (b *SQLBackend) Put(ctx context.Context, partition, key string, entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := marshalEntry(entry)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	insertPartition := fmt.Sprintf("INSERT INTO relaysync_cache_partitions (name, created_at) VALUES (%s, %s) ON CONFLICT (name) DO NOTHING", b.p(1), b.p(2))
	if _, err := tx.ExecContext(ctx, insertPartition, partition, entry.StoredAt); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	upsert := fmt.Sprintf(`INSERT INTO relaysync_cache_entries (partition_name, cache_key, payload) VALUES (%s, %s, %s)
		ON CONFLICT (partition_name, cache_key) DO UPDATE SET payload = excluded.payload`, b.p(1), b.p(2), b.p(3))
	if _, err := tx.ExecContext(ctx, upsert, partition, key, string(payload)); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	committed = true
	return nil
}

func (b *SQLBackend) Delete(ctx context.Context, partition, key string) (bool, error) {
	if err := b.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM relaysync_cache_entries WHERE partition_name = %s AND cache_key = %s", b.p(1), b.p(2))
	res, err := b.db.ExecContext(ctx, query, partition, key)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return n > 0, nil
}

func (b *SQLBackend) Keys(ctx context.Context, partition string) ([]string, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT cache_key FROM relaysync_cache_entries WHERE partition_name = %s ORDER BY cache_key", b.p(1))
	rows, err := b.db.QueryContext(ctx, query, partition)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return keys, nil
}

func (b *SQLBackend) DropPartition(ctx context.Context, partition string) (bool, error) {
	if err := b.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM relaysync_cache_entries WHERE partition_name = %s", b.p(1)), partition); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM relaysync_cache_partitions WHERE name = %s", b.p(1)), partition)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	committed = true
	return n > 0, nil
}

func (b *SQLBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}
