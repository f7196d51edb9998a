package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	createObservationsSQL = `CREATE TABLE IF NOT EXISTS observations (
        id           BIGSERIAL PRIMARY KEY,
        observed_at  TEXT        NOT NULL,
        currency     TEXT        NOT NULL,
        buy_transfer NUMERIC     NOT NULL,
        buy_cash     TEXT        NOT NULL DEFAULT '',
        sell         TEXT        NOT NULL DEFAULT '',
        created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	createAlertsSQL = `CREATE TABLE IF NOT EXISTS alerts (
        id          BIGSERIAL PRIMARY KEY,
        observed_at TEXT        NOT NULL,
        currency    TEXT        NOT NULL,
        prev_price  NUMERIC     NOT NULL,
        curr_price  NUMERIC     NOT NULL,
        delta       NUMERIC     NOT NULL,
        threshold   NUMERIC     NOT NULL,
        channels    TEXT[]      NOT NULL DEFAULT '{}',
        delivered   BOOLEAN     NOT NULL DEFAULT false,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	insertObservationSQL = `INSERT INTO observations (
        observed_at,
        currency,
        buy_transfer,
        buy_cash,
        sell
    ) VALUES ($1,$2,$3,$4,$5);`

	listRecentObservationsSQL = `SELECT
        observed_at,
        currency,
        buy_transfer::text,
        buy_cash,
        sell
    FROM observations
    ORDER BY id DESC
    LIMIT $1;`

	countObservationsSQL = `SELECT COUNT(*) FROM observations;`

	insertAlertSQL = `INSERT INTO alerts (
        observed_at,
        currency,
        prev_price,
        curr_price,
        delta,
        threshold,
        channels,
        delivered
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id, created_at;`
)

// AlertStore records emitted change alerts.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
}

// Store mirrors observations and alerts into PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the mirror tables when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createObservationsSQL, createAlertsSQL} {
		if _, execErr := pool.Exec(ctx, stmt); execErr != nil {
			return fmt.Errorf("ensure schema: %w", execErr)
		}
	}
	return nil
}

// Append inserts one observation row.
func (s *Store) Append(ctx context.Context, obs Observation) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	_, execErr := pool.Exec(ctx, insertObservationSQL,
		obs.Timestamp,
		obs.Currency,
		obs.BuyTransfer.String(),
		obs.BuyCash,
		obs.Sell,
	)
	if execErr != nil {
		return fmt.Errorf("insert observation: %w", execErr)
	}
	return nil
}

// ListRecentObservations lists the newest mirrored observations.
func (s *Store) ListRecentObservations(ctx context.Context, limit int) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentObservationsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent observations: %w", queryErr)
	}
	defer rows.Close()

	out := make([]Observation, 0, limit)
	for rows.Next() {
		obs, scanErr := scanObservation(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, obs)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// CountObservations counts mirrored observations.
func (s *Store) CountObservations(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countObservationsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count observations: %w", scanErr)
	}
	return count, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	channels := alert.Channels
	if channels == nil {
		channels = []string{}
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.ObservedAt,
		alert.Currency,
		alert.Previous.String(),
		alert.Current.String(),
		alert.Delta.String(),
		alert.Threshold.String(),
		channels,
		alert.Delivered,
	)

	rec := alert
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

func scanObservation(rows pgx.Rows) (Observation, error) {
	var (
		obs     Observation
		rateStr string
	)
	if err := rows.Scan(&obs.Timestamp, &obs.Currency, &rateStr, &obs.BuyCash, &obs.Sell); err != nil {
		return Observation{}, err
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return Observation{}, fmt.Errorf("parse buy-transfer rate: %w", err)
	}
	obs.BuyTransfer = rate
	return obs, nil
}

var (
	_ ObservationStore = (*Store)(nil)
	_ AlertStore       = (*Store)(nil)
)
