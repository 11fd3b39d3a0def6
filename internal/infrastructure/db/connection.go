// Package db owns the Postgres connection pool behind the anomaly audit log.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sawpanic/polyrisk/internal/config"
	"github.com/sawpanic/polyrisk/internal/persistence"
	"github.com/sawpanic/polyrisk/internal/persistence/postgres"
)

const (
	connMaxLifetime = 30 * time.Minute
	connMaxIdleTime = 5 * time.Minute
)

// Manager manages the database connection and the audit repository
type Manager struct {
	db      *sqlx.DB
	repo    persistence.AnomalyRepo
	timeout time.Duration
}

// Open connects with cfg.DSN and hands the pool to NewManager.
func Open(ctx context.Context, cfg config.PostgresConfig) (*Manager, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database DSN is required when enabled")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	m, err := NewManager(ctx, db, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// NewManager configures the pool, verifies connectivity and applies the
// schema when cfg.Migrate is set.
func NewManager(ctx context.Context, db *sqlx.DB, cfg config.PostgresConfig) (*Manager, error) {
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	m := &Manager{
		db:      db,
		repo:    postgres.NewAnomalyRepo(db, cfg.QueryTimeout),
		timeout: cfg.QueryTimeout,
	}

	if err := m.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if cfg.Migrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Repository returns the anomaly audit repository.
func (m *Manager) Repository() persistence.AnomalyRepo {
	return m.repo
}

// DB returns the underlying database connection
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// Ping tests basic connectivity to database
func (m *Manager) Ping(ctx context.Context) error {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	return m.db.PingContext(ctx)
}

// PoolStats is a JSON-friendly view of sql.DBStats.
type PoolStats struct {
	MaxOpen        int   `json:"max_open"`
	Open           int   `json:"open"`
	InUse          int   `json:"in_use"`
	Idle           int   `json:"idle"`
	WaitCount      int64 `json:"wait_count"`
	WaitDurationMS int64 `json:"wait_duration_ms"`
}

// Stats returns connection pool statistics
func (m *Manager) Stats() PoolStats {
	s := m.db.Stats()
	return PoolStats{
		MaxOpen:        s.MaxOpenConnections,
		Open:           s.OpenConnections,
		InUse:          s.InUse,
		Idle:           s.Idle,
		WaitCount:      s.WaitCount,
		WaitDurationMS: s.WaitDuration.Milliseconds(),
	}
}

// Close closes the database connection
func (m *Manager) Close() error {
	return m.db.Close()
}
