package domain

import "context"

// ExchangeGateway определяет интерфейс доступа к бирже.
// Один экземпляр разделяется всеми парами; кеширование и rate limit делает сам шлюз.
type ExchangeGateway interface {
	FetchPrice(ctx context.Context, pair Pair) (float64, error)
	FetchOrderBook(ctx context.Context, pair Pair, depth int) (*OrderBook, error)
	FetchBalance(ctx context.Context, pair Pair) (*AssetBalance, error)
	// FetchCandles возвращает свечи от старых к новым, последняя может быть незакрытой
	FetchCandles(ctx context.Context, pair Pair, interval string, limit int) ([]Candle, error)
	CreateOrder(ctx context.Context, req OrderRequest) (*OrderHandle, error)
	FetchOrder(ctx context.Context, handle OrderHandle) (*OrderStatus, error)
	CancelOrder(ctx context.Context, handle OrderHandle) error
	ToExchangePrecision(ctx context.Context, pair Pair, value float64, kind PrecisionKind) (float64, error)
}

// StateStore определяет интерфейс хранения состояния стратегии
type StateStore interface {
	Save(state *StrategyState) error
	Load(pair string) (*StrategyState, error)
}

// TradeRepository определяет интерфейс для истории сделок (только добавление)
type TradeRepository interface {
	Append(ctx context.Context, trade *TradeRecord) error
	Recent(ctx context.Context, pair string, limit int) ([]TradeRecord, error)
}

// FundsManager управляет свободными средствами вне торгового баланса
type FundsManager interface {
	TopUp(ctx context.Context, asset string, amount float64) error
	SweepIdle(ctx context.Context, pair Pair) error
}
