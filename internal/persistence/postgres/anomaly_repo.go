package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/polyrisk/internal/persistence"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Migrate creates the audit tables if they do not exist.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// anomalyRepo implements AnomalyRepo for PostgreSQL
type anomalyRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAnomalyRepo creates a new PostgreSQL anomaly repository
func NewAnomalyRepo(db *sqlx.DB, timeout time.Duration) persistence.AnomalyRepo {
	return &anomalyRepo{
		db:      db,
		timeout: timeout,
	}
}

// anomalyRow mirrors the table; cleaned_value is nullable.
type anomalyRow struct {
	persistence.AnomalyRecord
	Cleaned decimal.NullDecimal `db:"cleaned_value"`
}

func (row anomalyRow) record() persistence.AnomalyRecord {
	rec := row.AnomalyRecord
	if row.Cleaned.Valid {
		v := row.Cleaned.Decimal
		rec.CleanedValue = &v
	}
	return rec
}

func cleanedArg(rec persistence.AnomalyRecord) decimal.NullDecimal {
	if rec.CleanedValue == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(*rec.CleanedValue)
}

func detailArg(rec persistence.AnomalyRecord) []byte {
	if len(rec.Detail) == 0 {
		return []byte("{}")
	}
	return rec.Detail
}

const insertAnomaly = `
	INSERT INTO tick_anomalies (id, market, kind, detail, price, cleaned_value, observed_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// Insert adds a new anomaly record
func (r *anomalyRepo) Insert(ctx context.Context, rec persistence.AnomalyRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if rec.Market == "" {
		return fmt.Errorf("anomaly record requires a market")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	var createdAt time.Time
	err := r.db.QueryRowxContext(ctx, insertAnomaly+` RETURNING created_at`,
		rec.ID, rec.Market, rec.Kind, detailArg(rec), rec.Price, cleanedArg(rec), rec.ObservedAt).
		Scan(&createdAt)
	if err != nil {
		return wrapInsertErr("failed to insert anomaly", err)
	}

	return nil
}

// InsertBatch adds multiple records atomically
func (r *anomalyRepo) InsertBatch(ctx context.Context, recs []persistence.AnomalyRecord) error {
	if len(recs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(recs)/100+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertAnomaly)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if rec.Market == "" {
			return fmt.Errorf("anomaly record in batch requires a market")
		}
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		_, err = stmt.ExecContext(ctx,
			rec.ID, rec.Market, rec.Kind, detailArg(rec), rec.Price, cleanedArg(rec), rec.ObservedAt)
		if err != nil {
			return wrapInsertErr("failed to insert anomaly in batch", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit anomaly batch: %w", err)
	}
	return nil
}

// ListByMarket retrieves a market's anomalies within tr, newest first
func (r *anomalyRepo) ListByMarket(ctx context.Context, market string, tr persistence.TimeRange, limit int) ([]persistence.AnomalyRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if !tr.Valid() {
		return nil, fmt.Errorf("invalid time range: %s > %s", tr.From, tr.To)
	}

	query := `
		SELECT id, market, kind, detail, price, cleaned_value, observed_at, created_at
		FROM tick_anomalies
		WHERE market = $1 AND observed_at >= $2 AND observed_at <= $3
		ORDER BY observed_at DESC
		LIMIT $4`

	var rows []anomalyRow
	if err := r.db.SelectContext(ctx, &rows, query, market, tr.From, tr.To, limit); err != nil {
		return nil, fmt.Errorf("failed to query anomalies by market: %w", err)
	}

	out := make([]persistence.AnomalyRecord, len(rows))
	for i, row := range rows {
		out[i] = row.record()
	}
	return out, nil
}

// CountByKind returns anomaly counts grouped by kind
func (r *anomalyRepo) CountByKind(ctx context.Context, tr persistence.TimeRange) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT kind, COUNT(*) AS count
		FROM tick_anomalies
		WHERE observed_at >= $1 AND observed_at <= $2
		GROUP BY kind`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to count anomalies by kind: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly count: %w", err)
		}
		counts[kind] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate anomaly counts: %w", err)
	}
	return counts, nil
}

// Ping tests basic connectivity to the database
func (r *anomalyRepo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

func wrapInsertErr(msg string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w: %v", msg, persistence.ErrDuplicate, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
