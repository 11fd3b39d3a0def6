package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrDuplicate is returned when a record with the same id already exists.
var ErrDuplicate = errors.New("duplicate record")

// TimeRange represents a time window for data queries
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Valid reports whether To is not before From.
func (tr TimeRange) Valid() bool {
	return !tr.To.Before(tr.From)
}

// AnomalyRecord is one anomaly raised for a rejected tick or quote. A tick
// with several anomalies produces several records sharing ObservedAt.
type AnomalyRecord struct {
	ID           uuid.UUID        `json:"id" db:"id"`
	Market       string           `json:"market" db:"market"`
	Kind         string           `json:"kind" db:"kind"`
	Detail       json.RawMessage  `json:"detail" db:"detail"`
	Price        decimal.Decimal  `json:"price" db:"price"`
	CleanedValue *decimal.Decimal `json:"cleaned_value,omitempty" db:"-"`
	ObservedAt   time.Time        `json:"observed_at" db:"observed_at"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
}

// AnomalyRepo is the audit log of rejected market data.
type AnomalyRepo interface {
	// Insert stores a record, assigning an id when unset.
	Insert(ctx context.Context, rec AnomalyRecord) error

	// InsertBatch stores records atomically.
	InsertBatch(ctx context.Context, recs []AnomalyRecord) error

	// ListByMarket returns a market's anomalies within tr, newest first.
	ListByMarket(ctx context.Context, market string, tr TimeRange, limit int) ([]AnomalyRecord, error)

	// CountByKind returns anomaly counts grouped by kind within tr.
	CountByKind(ctx context.Context, tr TimeRange) (map[string]int64, error)

	Ping(ctx context.Context) error
}

// SnapshotStore persists point-in-time state so a restarted service can
// warm its caches.
type SnapshotStore[S any, M any] interface {
	SaveStats(ctx context.Context, stats map[string]S) error
	LoadStats(ctx context.Context) (map[string]S, error)
	SaveMatrix(ctx context.Context, matrix []M) error
	LoadMatrix(ctx context.Context) ([]M, error)
}
