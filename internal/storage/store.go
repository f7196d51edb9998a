package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"rate-watch/internal/config"
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Mirrored appends to a primary store and best-effort to any mirrors.
// Only primary failures reach the caller; mirror failures are logged.
type Mirrored struct {
	primary ObservationStore
	mirrors []ObservationStore
	logger  zerolog.Logger
}

// NewMirrored combines a primary store with optional mirrors.
func NewMirrored(primary ObservationStore, logger zerolog.Logger, mirrors ...ObservationStore) *Mirrored {
	return &Mirrored{
		primary: primary,
		mirrors: mirrors,
		logger:  logger.With().Str("component", "storage").Logger(),
	}
}

// Append writes to the primary store, then to each mirror.
func (m *Mirrored) Append(ctx context.Context, obs Observation) error {
	if err := m.primary.Append(ctx, obs); err != nil {
		return err
	}
	for _, mirror := range m.mirrors {
		if mirror == nil {
			continue
		}
		if err := mirror.Append(ctx, obs); err != nil {
			m.logger.Error().Err(err).Str("observed_at", obs.Timestamp).Msg("failed to mirror observation")
		}
	}
	return nil
}

var _ ObservationStore = (*Mirrored)(nil)
