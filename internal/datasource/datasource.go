// Package datasource manages the connection pools behind the catalog's data
// sources. Each source gets one instrumented database/sql pool; the executor
// resolves pools by source name.
package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"hugr-engine/internal/catalog"

	"github.com/XSAM/otelsql"
	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
)

// Rows abstracts sql.Rows to allow wrapped cleanup behavior.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Columns() ([]string, error)
	Err() error
	Close() error
}

// Querier is the common query surface of a pool and an open transaction.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Config controls pool sizing and connection establishment.
type Config struct {
	ConnectTimeout time.Duration
	// RetryInterval is the initial backoff interval between connection
	// attempts. Zero keeps the backoff library default.
	RetryInterval   time.Duration
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// Instrument wraps pools with OpenTelemetry tracing and stats metrics.
	Instrument bool
}

// Pool is one named connection pool.
type Pool struct {
	Name     string
	Kind     catalog.SourceKind
	ReadOnly bool
	db       *sql.DB
}

func (p *Pool) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	return p.db.QueryContext(ctx, query, args...)
}

func (p *Pool) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return p.db.ExecContext(ctx, query, args...)
}

// BeginTx opens a transaction on the pool.
func (p *Pool) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction on %s: %w", p.Name, err)
	}
	return &Tx{tx: tx}, nil
}

// Tx wraps an open transaction behind the Querier surface.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// Registry resolves pools by data-source name.
type Registry struct {
	pools  map[string]*Pool
	logger *slog.Logger
}

// Open connects every configured data source, retrying the initial ping with
// exponential backoff until ConnectTimeout elapses.
func Open(ctx context.Context, sources []catalog.DataSource, cfg Config, logger *slog.Logger) (*Registry, error) {
	reg := &Registry{pools: make(map[string]*Pool, len(sources)), logger: logger}
	for _, src := range sources {
		pool, err := openPool(ctx, src, cfg, logger)
		if err != nil {
			reg.Close()
			return nil, err
		}
		reg.pools[src.Name] = pool
	}
	return reg, nil
}

// NewStatic builds a registry from pre-opened handles, for wiring tests.
func NewStatic(pools ...*Pool) *Registry {
	reg := &Registry{pools: make(map[string]*Pool, len(pools)), logger: slog.Default()}
	for _, p := range pools {
		reg.pools[p.Name] = p
	}
	return reg
}

// NewPool wraps an existing handle, for tests and embedding callers.
func NewPool(name string, kind catalog.SourceKind, db *sql.DB) *Pool {
	return &Pool{Name: name, Kind: kind, db: db}
}

// Pool resolves one pool by source name.
func (r *Registry) Pool(name string) (*Pool, error) {
	pool, ok := r.pools[name]
	if !ok {
		return nil, fmt.Errorf("unknown data source: %s", name)
	}
	return pool, nil
}

// Close closes every pool; the last error wins.
func (r *Registry) Close() error {
	var last error
	for _, pool := range r.pools {
		if err := pool.db.Close(); err != nil {
			last = err
		}
	}
	return last
}

func openPool(ctx context.Context, src catalog.DataSource, cfg Config, logger *slog.Logger) (*Pool, error) {
	driver, attr, err := driverFor(src.Kind)
	if err != nil {
		return nil, fmt.Errorf("data source %s: %w", src.Name, err)
	}

	var db *sql.DB
	if cfg.Instrument {
		db, err = otelsql.Open(driver, src.DSN, otelsql.WithAttributes(attr),
			otelsql.WithSpanOptions(otelsql.SpanOptions{DisableErrSkip: true}))
		if err == nil {
			if _, regErr := otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(attr)); regErr != nil {
				logger.Warn("failed to register DB stats metrics",
					slog.String("source", src.Name), slog.String("error", regErr.Error()))
			}
		}
	} else {
		db, err = sql.Open(driver, src.DSN)
	}
	if err != nil {
		return nil, fmt.Errorf("open data source %s: %w", src.Name, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	policy := backoff.NewExponentialBackOff()
	if cfg.RetryInterval > 0 {
		policy.InitialInterval = cfg.RetryInterval
	}
	policy.MaxElapsedTime = cfg.ConnectTimeout
	ping := func() error { return db.PingContext(ctx) }
	if err := backoff.Retry(ping, backoff.WithContext(policy, ctx)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect data source %s: %w", src.Name, err)
	}

	logger.Info("data source connected",
		slog.String("source", src.Name), slog.String("kind", string(src.Kind)))
	return &Pool{Name: src.Name, Kind: src.Kind, ReadOnly: src.ReadOnly, db: db}, nil
}

func driverFor(kind catalog.SourceKind) (string, attribute.KeyValue, error) {
	switch kind {
	case catalog.SourceMySQL:
		return "mysql", semconv.DBSystemMySQL, nil
	case catalog.SourcePostgres:
		return "pgx", semconv.DBSystemPostgreSQL, nil
	case catalog.SourceDuckDB:
		return "duckdb", semconv.DBSystemOtherSQL, nil
	}
	return "", attribute.KeyValue{}, fmt.Errorf("unsupported data source kind: %s", kind)
}
