package store

import (
	"context"
	"database/sql"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/ghpipe/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	core
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The pool is pinned to one connection: SQLite serializes writers anyway and
// a single connection keeps per-connection pragmas in force.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{core: newCore(sqlConn{q: db}), db: db}, nil
}

func (s *SQLiteStore) Migrate(_ context.Context) error {
	return runMigrations(s.db, "sqlite")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WithTx runs fn in one transaction, committing only when fn returns nil.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.withConn(ctx, func(c conn) error {
		return fn(s.txOn(c))
	})
}

// InsertStagingBatch stores recs in one transaction and returns how many were new.
func (s *SQLiteStore) InsertStagingBatch(ctx context.Context, recs []model.StagingRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	var inserted int64
	err := s.withConn(ctx, func(c conn) error {
		now := s.now()
		for _, rec := range recs {
			id, err := insertStaging(ctx, c, rec, now)
			if err != nil {
				return err
			}
			if id > 0 {
				inserted++
			}
		}
		return nil
	})
	return inserted, err
}

// SaveRankingSnapshot writes a whole snapshot atomically.
func (s *SQLiteStore) SaveRankingSnapshot(ctx context.Context, rows []model.ContributorRanking) error {
	if len(rows) == 0 {
		return nil
	}
	return s.withConn(ctx, func(c conn) error {
		return insertRankings(ctx, c, rows)
	})
}

func (s *SQLiteStore) withConn(ctx context.Context, fn func(c conn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin")
	}
	if err := fn(sqlConn{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

var _ Store = (*SQLiteStore)(nil)
