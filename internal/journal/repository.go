package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wonny/rotor/internal/contracts"
)

// Repository mirrors journaled trades into PostgreSQL for querying across
// months. It is optional; with no database configured the file journal is
// the only record.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a trade repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// SaveTrade inserts one executed trade.
func (r *Repository) SaveTrade(ctx context.Context, trade *contracts.TradeRecord) error {
	query := `
		INSERT INTO trading.trades (
			executed_at, symbol, action, price, quantity, strategy, reason, dry_run
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		trade.Timestamp, trade.Symbol, string(trade.Action), trade.Price,
		trade.Quantity, trade.Strategy, trade.Reason, trade.DryRun,
	)
	if err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// GetTrades returns trades executed in [from, to), newest first.
func (r *Repository) GetTrades(ctx context.Context, from, to time.Time) ([]contracts.TradeRecord, error) {
	query := `
		SELECT executed_at, symbol, action, price, quantity, strategy, reason, dry_run
		FROM trading.trades
		WHERE executed_at >= $1 AND executed_at < $2
		ORDER BY executed_at DESC
	`

	rows, err := r.pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []contracts.TradeRecord
	for rows.Next() {
		var trade contracts.TradeRecord
		var action string
		if err := rows.Scan(
			&trade.Timestamp, &trade.Symbol, &action, &trade.Price,
			&trade.Quantity, &trade.Strategy, &trade.Reason, &trade.DryRun,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trade.Action = contracts.OrderSide(action)
		trades = append(trades, trade)
	}
	return trades, rows.Err()
}
