package repository

import (
	"context"
	"database/sql"
	"time"
)

// EventRepository журнал важных событий движка
type EventRepository struct {
	db *sql.DB
}

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Save сохраняет событие; data хранится как JSONB
func (r *EventRepository) Save(ctx context.Context, eventType, pair, message, data string, at time.Time) error {
	query := `INSERT INTO events (type, pair, message, data, created_at) VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.ExecContext(ctx, query, eventType, pair, message, data, at)
	return err
}
