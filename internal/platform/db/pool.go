package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/clinwatch/internal/platform/apperror"
)

// querier is the subset of pgx shared by pools, pooled conns, conns and transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

const (
	appName      = "clinwatch"
	pingAttempts = 5
)

var pingRetryWait = time.Second

// NewPool opens the shared pool. Startup tolerates a database that is still
// coming up: transient ping failures are retried a few times.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.HealthCheckPeriod = 30 * time.Second
	cfg.MaxConnIdleTime = 5 * time.Minute
	setAppName(cfg.ConnConfig, appName)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pingUntilReady(ctx, pool.Ping); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Connect opens a single connection outside the pool. The change-feed
// listener holds one for its LISTEN session.
func Connect(ctx context.Context, databaseURL string) (*pgx.Conn, error) {
	cfg, err := pgx.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	setAppName(cfg, appName+"-listener")
	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, apperror.ClassifyStore("connect listener", err)
	}
	return conn, nil
}

func setAppName(cfg *pgx.ConnConfig, name string) {
	if cfg.RuntimeParams["application_name"] == "" {
		cfg.RuntimeParams["application_name"] = name
	}
}

func pingUntilReady(ctx context.Context, ping func(context.Context) error) error {
	var err error
	for attempt := 1; attempt <= pingAttempts; attempt++ {
		err = apperror.ClassifyStore("ping database", ping(ctx))
		if err == nil || !apperror.IsTransient(err) {
			return err
		}
		if attempt == pingAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pingRetryWait):
		}
	}
	return err
}
