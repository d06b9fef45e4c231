package repository

import (
	"context"
	"database/sql"
	"time"
)

// StateRepository JSON-документ состояния стратегии по паре
type StateRepository struct {
	db *sql.DB
}

func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db}
}

// Upsert заменяет документ одной командой
func (r *StateRepository) Upsert(ctx context.Context, pair string, doc []byte) error {
	query := `
		INSERT INTO strategy_state (pair, state, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (pair) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query, pair, string(doc), time.Now())
	return err
}

// Get возвращает документ или sql.ErrNoRows
func (r *StateRepository) Get(ctx context.Context, pair string) ([]byte, error) {
	var doc string
	err := r.db.QueryRowContext(ctx, `SELECT state FROM strategy_state WHERE pair = $1`, pair).Scan(&doc)
	if err != nil {
		return nil, err
	}
	return []byte(doc), nil
}
