// Package redisstore keeps snapshots of cleaner statistics and the
// correlation matrix in Redis so a restarted service can warm up.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/sawpanic/polyrisk/infra/breakers"
	"github.com/sawpanic/polyrisk/internal/data/validate"
	"github.com/sawpanic/polyrisk/internal/persistence"
	"github.com/sawpanic/polyrisk/internal/risk/correlation"
)

const (
	statsKey  = "stats"
	matrixKey = "matrix"
)

// Options configures the Redis connection and key layout.
type Options struct {
	Addr     string            `yaml:"addr"`
	Password string            `yaml:"password"`
	DB       int               `yaml:"db"`
	Prefix   string            `yaml:"prefix"`
	TTL      time.Duration     `yaml:"ttl"`
	Breaker  *breakers.Breaker `yaml:"-"` // defaults to a "redis" breaker
}

// SnapshotStore persists snapshots as JSON values under Prefix.
type SnapshotStore struct {
	client  *redis.Client
	prefix  string
	ttl     time.Duration
	breaker *breakers.Breaker
}

var _ persistence.SnapshotStore[validate.CleanerStats, correlation.MarketCorrelation] = (*SnapshotStore)(nil)

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, opts Options) (*SnapshotStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	breaker := opts.Breaker
	if breaker == nil {
		breaker = breakers.New("redis")
	}
	return New(rdb, opts.Prefix, opts.TTL, breaker), nil
}

// New wraps an existing client. A zero ttl stores keys without expiry.
func New(client *redis.Client, prefix string, ttl time.Duration, breaker *breakers.Breaker) *SnapshotStore {
	if prefix == "" {
		prefix = "polyrisk"
	}
	return &SnapshotStore{client: client, prefix: prefix, ttl: ttl, breaker: breaker}
}

func (s *SnapshotStore) key(name string) string {
	return s.prefix + ":" + name
}

// SaveStats stores per-market cleaner statistics.
func (s *SnapshotStore) SaveStats(ctx context.Context, stats map[string]validate.CleanerStats) error {
	return s.save(ctx, statsKey, stats)
}

// LoadStats returns the last saved statistics, or an empty map when none
// exist.
func (s *SnapshotStore) LoadStats(ctx context.Context) (map[string]validate.CleanerStats, error) {
	stats := make(map[string]validate.CleanerStats)
	if _, err := s.load(ctx, statsKey, &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// SaveMatrix stores the correlation entries.
func (s *SnapshotStore) SaveMatrix(ctx context.Context, matrix []correlation.MarketCorrelation) error {
	return s.save(ctx, matrixKey, matrix)
}

// LoadMatrix returns the last saved correlation entries, or nil when none
// exist.
func (s *SnapshotStore) LoadMatrix(ctx context.Context) ([]correlation.MarketCorrelation, error) {
	var matrix []correlation.MarketCorrelation
	if _, err := s.load(ctx, matrixKey, &matrix); err != nil {
		return nil, err
	}
	return matrix, nil
}

// Ping checks connectivity.
func (s *SnapshotStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the client.
func (s *SnapshotStore) Close() error {
	return s.client.Close()
}

func (s *SnapshotStore) save(ctx context.Context, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s snapshot: %w", name, err)
	}
	err = s.do(func() error {
		return s.client.Set(ctx, s.key(name), data, s.ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", name, err)
	}
	return nil
}

func (s *SnapshotStore) load(ctx context.Context, name string, dst any) (bool, error) {
	var raw []byte
	err := s.do(func() error {
		val, err := s.client.Get(ctx, s.key(name)).Bytes()
		if errors.Is(err, redis.Nil) {
			// A miss is not a failure for the breaker.
			return nil
		}
		raw = val
		return err
	})
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", name, err)
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s snapshot: %w", name, err)
	}
	return true, nil
}

func (s *SnapshotStore) do(fn func() error) error {
	if s.breaker == nil {
		return fn()
	}
	return s.breaker.Do(fn)
}
