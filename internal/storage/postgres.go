package storage

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/internal/events"
	"github.com/kirillm/grid-bot/internal/storage/repository"
	"github.com/kirillm/grid-bot/pkg/utils"
)

// PostgresConfig параметры подключения и пула
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStorage фасад над репозиториями: история сделок, состояние стратегий, журнал событий
type PostgresStorage struct {
	db     *sql.DB
	bounds domain.StateBounds
	logger *utils.Logger
	trades *repository.TradeRepository
	states *repository.StateRepository
	events *repository.EventRepository
}

func NewPostgresStorage(cfg PostgresConfig, bounds domain.StateBounds, logger *utils.Logger) (*PostgresStorage, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDatabaseConnection, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", domain.ErrDatabaseConnection, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	storage := &PostgresStorage{
		db:     db,
		bounds: bounds,
		logger: logger,
		trades: repository.NewTradeRepository(db),
		states: repository.NewStateRepository(db),
		events: repository.NewEventRepository(db),
	}

	if err := storage.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id SERIAL PRIMARY KEY,
			pair VARCHAR(20) NOT NULL,
			side VARCHAR(10) NOT NULL,
			strategy VARCHAR(20) NOT NULL DEFAULT 'GRID',
			quantity DECIMAL(20, 8) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			amount DECIMAL(20, 8) NOT NULL,
			profit DECIMAL(20, 8) NOT NULL DEFAULT 0,
			order_id VARCHAR(100),
			client_order_id VARCHAR(64),
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS strategy_state (
			pair VARCHAR(20) PRIMARY KEY,
			state JSONB NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id SERIAL PRIMARY KEY,
			type VARCHAR(32) NOT NULL,
			pair VARCHAR(20) NOT NULL,
			message TEXT,
			data JSONB,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_pair ON trades(pair)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_created_at ON trades(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Append реализует domain.TradeRepository
func (s *PostgresStorage) Append(ctx context.Context, trade *domain.TradeRecord) error {
	return s.trades.Save(ctx, trade)
}

// Recent реализует domain.TradeRepository
func (s *PostgresStorage) Recent(ctx context.Context, pair string, limit int) ([]domain.TradeRecord, error) {
	return s.trades.GetRecent(ctx, pair, limit)
}

// Save реализует domain.StateStore; upsert одной командой атомарен
func (s *PostgresStorage) Save(state *domain.StrategyState) error {
	if err := state.Validate(s.bounds); err != nil {
		return fmt.Errorf("refusing to save: %w", err)
	}
	doc, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return s.states.Upsert(context.Background(), state.Pair, doc)
}

// Load реализует domain.StateStore с той же валидацией, что и файловое хранилище
func (s *PostgresStorage) Load(pair string) (*domain.StrategyState, error) {
	doc, err := s.states.Get(context.Background(), pair)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrStateNotFound, pair)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load state: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.DisallowUnknownFields()
	var state domain.StrategyState
	if err := dec.Decode(&state); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidState, err)
	}
	if err := state.Validate(s.bounds); err != nil {
		return nil, err
	}
	return &state, nil
}

// Notify пишет в журнал сделки, пересечения риска и фатальные ошибки
func (s *PostgresStorage) Notify(e events.Event) {
	switch e.Type {
	case events.Fill, events.Fatal, events.RiskThreshold, events.OrderFailed:
	default:
		return
	}

	data, err := json.Marshal(map[string]interface{}{"labels": e.Labels, "fields": e.Fields})
	if err != nil {
		data = []byte("{}")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.events.Save(ctx, string(e.Type), e.Pair, e.Message, string(data), e.Time); err != nil {
		s.logger.Warn("Failed to persist %s event: %v", e.Type, err)
	}
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

var (
	_ domain.TradeRepository = (*PostgresStorage)(nil)
	_ domain.StateStore      = (*PostgresStorage)(nil)
	_ events.Observer        = (*PostgresStorage)(nil)
)
