package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultOutboxTable  = "relaysync_outbox"
	sqlOperationTimeout = 5 * time.Second
)

type sqlDialect struct {
	name        string
	placeholder func(n int) string
	open        func(ctx context.Context, dsn string) (*sql.DB, error)
	quote       func(identifier string) string
	// lockIntent serializes coalescing writers inside tx where the engine
	// supports it.
	lockIntent func(ctx context.Context, tx *sql.Tx, table, intent string) error
}

// SQLStore is the outbox on a relational table keyed by envelope id with a
// secondary index on timestamp.
type SQLStore struct {
	dsn       string
	tableName string
	dialect   sqlDialect
	logger    zerolog.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLStore(dsn string, dialect sqlDialect, opts Options) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dsn:       dsn,
		tableName: defaultOutboxTable,
		dialect:   dialect,
		logger:    opts.Logger.With().Str("component", "outbox").Str("backend", dialect.name).Logger(),
	}, nil
}

func (s *SQLStore) ensureReady() error {
	s.initOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		db, err := s.dialect.open(ctx, s.dsn)
		if err != nil {
			s.initErr = fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
			return
		}
		table := s.dialect.quote(s.tableName)
		statements := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				ts BIGINT NOT NULL,
				intent TEXT NOT NULL DEFAULT '',
				payload TEXT NOT NULL
			)`, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (ts, id)", s.dialect.quote(s.tableName+"_ts_idx"), table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (intent)", s.dialect.quote(s.tableName+"_intent_idx"), table),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLStore) Put(ctx context.Context, env Envelope) error {
	if err := validateForPut(env); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	payload, err := marshalRecord(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, s.insertQuery(), env.ID, env.Timestamp, env.Intent, string(payload)); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func (s *SQLStore) PutCoalesced(ctx context.Context, env Envelope) ([]Envelope, error) {
	if err := validateForPut(env); err != nil {
		return nil, err
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	payload, err := marshalRecord(env)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if s.dialect.lockIntent != nil {
		if err := s.dialect.lockIntent(ctx, tx, s.tableName, env.Intent); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	table := s.dialect.quote(s.tableName)
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf("SELECT payload FROM %s WHERE intent = %s AND id <> %s ORDER BY ts ASC, id ASC", table, s.dialect.placeholder(1), s.dialect.placeholder(2)),
		env.Intent, env.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	superseded := s.scanEnvelopes(rows)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE intent = %s AND id <> %s", table, s.dialect.placeholder(1), s.dialect.placeholder(2))
	if _, err := tx.ExecContext(ctx, deleteQuery, env.Intent, env.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, s.insertQuery(), env.ID, env.Timestamp, env.Intent, string(payload)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	committed = true
	return superseded, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (Envelope, error) {
	if err := s.ensureReady(); err != nil {
		return Envelope{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT payload FROM %s WHERE id = %s", s.dialect.quote(s.tableName), s.dialect.placeholder(1))
	var payload string
	err := s.db.QueryRowContext(ctx, query, strings.TrimSpace(id)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Envelope{}, ErrNotFound
	}
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	env, err := unmarshalRecord([]byte(payload))
	if err != nil {
		s.logger.Warn().Err(err).Str("id", id).Msg("stored envelope failed validation")
		return Envelope{}, err
	}
	return env, nil
}

func (s *SQLStore) GetAll(ctx context.Context) ([]Envelope, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT payload FROM %s ORDER BY ts ASC, id ASC", s.dialect.quote(s.tableName))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	items := s.scanEnvelopes(rows)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return items, nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE id = %s", s.dialect.quote(s.tableName), s.dialect.placeholder(1))
	result, err := s.db.ExecContext(ctx, query, strings.TrimSpace(id))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) insertQuery() string {
	return fmt.Sprintf(
		"INSERT INTO %s (id, ts, intent, payload) VALUES (%s, %s, %s, %s) ON CONFLICT (id) DO NOTHING",
		s.dialect.quote(s.tableName),
		s.dialect.placeholder(1), s.dialect.placeholder(2), s.dialect.placeholder(3), s.dialect.placeholder(4),
	)
}

// scanEnvelopes drains rows, dropping payloads that fail validation.
func (s *SQLStore) scanEnvelopes(rows *sql.Rows) []Envelope {
	defer rows.Close()
	items := make([]Envelope, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			continue
		}
		env, err := unmarshalRecord([]byte(payload))
		if err != nil {
			s.logger.Warn().Err(err).Msg("skipping malformed outbox row")
			continue
		}
		items = append(items, env)
	}
	return items
}
