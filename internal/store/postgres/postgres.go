// Package postgres implements the store contract on PostgreSQL. Port
// allocation relies on row locks with SKIP LOCKED so concurrent allocators
// pick distinct rows instead of queueing on the same one.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ctfdeploy/ctfdeploy/internal/log"
	"github.com/ctfdeploy/ctfdeploy/internal/store"
)

const statementTimeout = 10 * time.Second

// Config carries the connection and behaviour settings for the store.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string

	// Request-path pool.
	PoolMin int32
	PoolMax int32
	// Dedicated maintenance pool for the sweeper.
	MaintenancePoolMin int32
	MaintenancePoolMax int32

	// Port pool range [StartRange, StopRange).
	StartRange int
	StopRange  int

	// Allocation retry policy (exponential backoff, base 500ms).
	AllocateMaxAttempts int
}

func (c Config) connString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		url.QueryEscape(c.User), url.QueryEscape(c.Password), c.Host, c.Port, c.Database)
}

// Store is the PostgreSQL-backed implementation of store.Store.
type Store struct {
	cfg    Config
	pool   *pgxpool.Pool // request path
	maint  *pgxpool.Pool // maintenance sweeps
	logger zerolog.Logger
}

var _ store.Store = (*Store)(nil)

// New connects both pools, applies migrations and seeds the port pool. The
// port seed only inserts missing rows: a process restart never resets
// allocation state.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.AllocateMaxAttempts <= 0 {
		cfg.AllocateMaxAttempts = 3
	}
	logger := log.WithComponent("store")

	if err := runMigrations(ctx, cfg.connString(), logger); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	pool, err := newPool(ctx, cfg, cfg.PoolMin, cfg.PoolMax)
	if err != nil {
		return nil, fmt.Errorf("request pool: %w", err)
	}
	maint, err := newPool(ctx, cfg, cfg.MaintenancePoolMin, cfg.MaintenancePoolMax)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("maintenance pool: %w", err)
	}

	s := &Store{cfg: cfg, pool: pool, maint: maint, logger: logger}
	if err := s.seedPorts(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("seed ports: %w", err)
	}

	logger.Info().
		Str("host", cfg.Host).
		Str("database", cfg.Database).
		Int("start_range", cfg.StartRange).
		Int("stop_range", cfg.StopRange).
		Msg("store ready")
	return s, nil
}

func newPool(ctx context.Context, cfg Config, minConns, maxConns int32) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.connString())
	if err != nil {
		return nil, err
	}
	poolCfg.MinConns = minConns
	poolCfg.MaxConns = maxConns
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] =
		fmt.Sprintf("%d", statementTimeout.Milliseconds())

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Maintenance returns a view of the store whose queries run on the dedicated
// maintenance pool.
func (s *Store) Maintenance() store.Store {
	return &Store{cfg: s.cfg, pool: s.maint, maint: s.maint, logger: s.logger}
}

func (s *Store) PoolStats() store.PoolStats {
	st := s.pool.Stat()
	return store.PoolStats{
		Status: "active",
		Used:   st.AcquiredConns(),
		Free:   st.IdleConns(),
		Max:    st.MaxConns(),
	}
}

// Close releases both pools. Only the owning store should be closed, not a
// Maintenance view.
func (s *Store) Close() {
	if s.pool != nil && s.pool != s.maint {
		s.pool.Close()
	}
	if s.maint != nil {
		s.maint.Close()
	}
}
