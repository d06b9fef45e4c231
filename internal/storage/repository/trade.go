package repository

import (
	"context"
	"database/sql"

	"github.com/kirillm/grid-bot/internal/domain"
)

// TradeRepository история сделок в таблице trades
type TradeRepository struct {
	db *sql.DB
}

func NewTradeRepository(db *sql.DB) *TradeRepository {
	return &TradeRepository{db: db}
}

// Save добавляет сделку и заполняет trade.ID
func (r *TradeRepository) Save(ctx context.Context, trade *domain.TradeRecord) error {
	query := `
		INSERT INTO trades (pair, side, strategy, quantity, price, amount, profit, order_id, client_order_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`
	return r.db.QueryRowContext(ctx,
		query,
		trade.Pair,
		trade.Side,
		trade.Strategy,
		trade.Quantity,
		trade.Price,
		trade.Amount,
		trade.Profit,
		trade.OrderID,
		trade.ClientOrderID,
		trade.CreatedAt,
	).Scan(&trade.ID)
}

// GetRecent последние N сделок пары, новые первыми; пустая пара означает все пары
func (r *TradeRepository) GetRecent(ctx context.Context, pair string, limit int) ([]domain.TradeRecord, error) {
	query := `
		SELECT id, pair, side, strategy, quantity, price, amount, profit,
		       COALESCE(order_id, ''), COALESCE(client_order_id, ''), created_at
		FROM trades
		WHERE ($1 = '' OR pair = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, pair, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []domain.TradeRecord
	for rows.Next() {
		var trade domain.TradeRecord
		err := rows.Scan(
			&trade.ID,
			&trade.Pair,
			&trade.Side,
			&trade.Strategy,
			&trade.Quantity,
			&trade.Price,
			&trade.Amount,
			&trade.Profit,
			&trade.OrderID,
			&trade.ClientOrderID,
			&trade.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}

	return trades, rows.Err()
}
