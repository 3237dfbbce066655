package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ghpipe/internal/db"
	"github.com/sells-group/ghpipe/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	core
	pool       db.Pool
	connString string
	closeFn    func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	s := newPostgresStore(pool)
	s.connString = connString
	s.closeFn = pool.Close
	return s, nil
}

func newPostgresStore(pool db.Pool) *PostgresStore {
	return &PostgresStore{core: newCore(pgxConn{q: pool}), pool: pool}
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate applies the embedded migrations through a short-lived database/sql
// handle, which is what the migration driver needs.
func (s *PostgresStore) Migrate(_ context.Context) error {
	if s.connString == "" {
		return eris.New("postgres: migrate requires a connection string")
	}
	sqlDB, err := sql.Open("pgx", s.connString)
	if err != nil {
		return eris.Wrap(err, "postgres: open for migrate")
	}
	defer sqlDB.Close() //nolint:errcheck
	return runMigrations(sqlDB, "postgres")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
		return nil
	}
	s.pool.Close()
	return nil
}

// WithTx runs fn in one transaction, committing only when fn returns nil.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin")
	}
	if err := fn(s.txOn(pgxConn{q: tx})); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit")
}

var stagingCopyColumns = []string{"source", "event_type", "delivery_id", "payload", "state", "fetched_at"}

// InsertStagingBatch bulk-loads records without a delivery id through COPY.
// Records carrying a delivery id go through the conflict-ignoring insert so
// redelivered events are dropped instead of failing the batch.
func (s *PostgresStore) InsertStagingBatch(ctx context.Context, recs []model.StagingRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := s.now()
	c := pgxConn{q: tx}
	var (
		copyRows [][]any
		inserted int64
	)
	for _, rec := range recs {
		if strings.TrimSpace(rec.DeliveryID) == "" {
			if len(rec.Payload) == 0 {
				return 0, eris.New("store: staging payload is empty")
			}
			fetched := rec.FetchedAt
			if fetched.IsZero() {
				fetched = now
			}
			copyRows = append(copyRows, []any{
				rec.Source, rec.EventType, "", []byte(rec.Payload), string(model.StagingUnprocessed), fetched.UTC(),
			})
			continue
		}
		id, err := insertStaging(ctx, c, rec, now)
		if err != nil {
			return 0, err
		}
		if id > 0 {
			inserted++
		}
	}

	n, err := db.CopyFrom(ctx, tx, "staging_records", stagingCopyColumns, copyRows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: copy staging")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: commit staging batch")
	}
	return inserted + n, nil
}

var rankingCopyColumns = strings.Split(strings.Join(strings.Fields(rankingColumns), ""), ",")

// SaveRankingSnapshot writes a whole snapshot with one COPY.
func (s *PostgresStore) SaveRankingSnapshot(ctx context.Context, rows []model.ContributorRanking) error {
	if len(rows) == 0 {
		return nil
	}
	data := make([][]any, 0, len(rows))
	for _, r := range rows {
		data = append(data, rankingArgs(r))
	}
	_, err := db.CopyFrom(ctx, s.pool, "contributor_rankings", rankingCopyColumns, data)
	return eris.Wrap(err, "postgres: save ranking snapshot")
}

var _ Store = (*PostgresStore)(nil)
