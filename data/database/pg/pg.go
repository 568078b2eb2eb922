package pg

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

var (
	pgOnce sync.Once
	pool   *pgxpool.Pool
)

type Config struct {
	URL     string `mapstructure:"url"`
	MaxConn int32  `mapstructure:"max_conn"`
}

// Querier is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx, so
// repository code runs unchanged over the pool, a pinned connection or a
// transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InitPG initializes the shared pool (singleton).
func InitPG(c Config) error {
	var initErr error
	pgOnce.Do(func() {
		cfg, err := pgxpool.ParseConfig(c.URL)
		if err != nil {
			initErr = errors.Wrap(err, "parse postgres url")
			return
		}
		if c.MaxConn > 0 {
			cfg.MaxConns = c.MaxConn
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			initErr = errors.Wrap(err, "create postgres pool")
			return
		}
		if err := p.Ping(ctx); err != nil {
			initErr = errors.Wrap(err, "ping postgres")
			return
		}
		pool = p
	})
	return initErr
}

func GetPool() *pgxpool.Pool {
	if pool == nil {
		panic("Postgres not initialized, call InitPG first")
	}
	return pool
}

func ClosePG() {
	if pool != nil {
		pool.Close()
	}
}

// WithTx runs fn inside a transaction on q's connection. Rollback on error
// or panic, commit otherwise.
func WithTx(ctx context.Context, q interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}, fn func(tx pgx.Tx) error) error {
	tx, err := q.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit tx")
}
