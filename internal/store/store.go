package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whitetrader/wsrelay/internal/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS tracked_markets (
	account_id BIGINT NOT NULL,
	market     TEXT   NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (account_id, market)
)`

// TrackingStore records which markets each account tracks.
type TrackingStore struct {
	pool *pgxpool.Pool
}

// Connect creates the connection pool and ensures the schema exists.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*TrackingStore, error) {
	connStr := BuildConnString(cfg)

	poolCfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &TrackingStore{pool: pool}, nil
}

// Load returns the full tracked table, markets grouped by account.
func (s *TrackingStore) Load(ctx context.Context) (map[int64][]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, market FROM tracked_markets ORDER BY account_id, market`)
	if err != nil {
		return nil, fmt.Errorf("load tracked markets: %w", err)
	}
	defer rows.Close()

	tracked := make(map[int64][]string)
	for rows.Next() {
		var accountID int64
		var market string
		if err := rows.Scan(&accountID, &market); err != nil {
			return nil, fmt.Errorf("scan tracked market: %w", err)
		}
		tracked[accountID] = append(tracked[accountID], market)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracked markets: %w", err)
	}

	return tracked, nil
}

// AddMarket records one tracked market. Re-adding is a no-op.
func (s *TrackingStore) AddMarket(ctx context.Context, accountID int64, market string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tracked_markets (account_id, market) VALUES ($1, $2)
		 ON CONFLICT (account_id, market) DO NOTHING`,
		accountID, market)
	if err != nil {
		return fmt.Errorf("insert tracked market: %w", err)
	}
	return nil
}

// RemoveMarket deletes one tracked market. Removing an absent row is a no-op.
func (s *TrackingStore) RemoveMarket(ctx context.Context, accountID int64, market string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM tracked_markets WHERE account_id = $1 AND market = $2`,
		accountID, market)
	if err != nil {
		return fmt.Errorf("delete tracked market: %w", err)
	}
	return nil
}

// Ping verifies the connection is healthy.
func (s *TrackingStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *TrackingStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
