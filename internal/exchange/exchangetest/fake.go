// Package exchangetest содержит управляемый шлюз биржи для тестов
package exchangetest

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/kirillm/grid-bot/internal/domain"
)

// Gateway реализует domain.ExchangeGateway по сценарию.
// Последовательности (Prices, Statuses, ...) расходуются по одному элементу на вызов,
// последний элемент повторяется.
type Gateway struct {
	mu sync.Mutex

	Price     float64
	Prices    []float64
	PriceErrs []error

	Book    *domain.OrderBook
	BookErr error

	Balance    domain.AssetBalance
	Balances   []domain.AssetBalance
	BalanceErr error

	Candles    map[string][]domain.Candle
	CandlesErr error

	CreateErrs     []error
	Statuses       []domain.OrderStatus
	FetchOrderErr  error
	FetchOrderErrs []error // по одной на вызов, nil пропускает ошибку
	CancelErr      error

	PriceStep  float64
	AmountStep float64

	Created      []domain.OrderRequest
	Cancelled    []domain.OrderHandle
	Polls        int
	PriceCalls   int
	BalanceCalls int
	CandleCalls  map[string]int
}

func New(price float64) *Gateway {
	return &Gateway{
		Price:       price,
		Candles:     make(map[string][]domain.Candle),
		CandleCalls: make(map[string]int),
	}
}

func (g *Gateway) FetchPrice(_ context.Context, _ domain.Pair) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.PriceCalls++

	if len(g.PriceErrs) > 0 {
		err := g.PriceErrs[0]
		g.PriceErrs = g.PriceErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	if len(g.Prices) > 0 {
		g.Price = g.Prices[0]
		if len(g.Prices) > 1 {
			g.Prices = g.Prices[1:]
		}
	}
	return g.Price, nil
}

func (g *Gateway) FetchOrderBook(_ context.Context, _ domain.Pair, depth int) (*domain.OrderBook, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.BookErr != nil {
		return nil, g.BookErr
	}
	if g.Book == nil {
		return &domain.OrderBook{}, nil
	}
	book := *g.Book
	if len(book.Bids) > depth {
		book.Bids = book.Bids[:depth]
	}
	if len(book.Asks) > depth {
		book.Asks = book.Asks[:depth]
	}
	return &book, nil
}

func (g *Gateway) FetchBalance(_ context.Context, _ domain.Pair) (*domain.AssetBalance, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.BalanceCalls++

	if g.BalanceErr != nil {
		return nil, g.BalanceErr
	}
	if len(g.Balances) > 0 {
		g.Balance = g.Balances[0]
		if len(g.Balances) > 1 {
			g.Balances = g.Balances[1:]
		}
	}
	bal := g.Balance
	return &bal, nil
}

func (g *Gateway) FetchCandles(_ context.Context, _ domain.Pair, interval string, limit int) ([]domain.Candle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.CandleCalls[interval]++

	if g.CandlesErr != nil {
		return nil, g.CandlesErr
	}
	candles := g.Candles[interval]
	if limit < len(candles) {
		candles = candles[len(candles)-limit:]
	}
	return append([]domain.Candle(nil), candles...), nil
}

func (g *Gateway) CreateOrder(_ context.Context, req domain.OrderRequest) (*domain.OrderHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.CreateErrs) > 0 {
		err := g.CreateErrs[0]
		g.CreateErrs = g.CreateErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	g.Created = append(g.Created, req)
	return &domain.OrderHandle{
		OrderID:       fmt.Sprintf("order-%d", len(g.Created)),
		ClientOrderID: req.ClientOrderID,
		Pair:          req.Pair,
	}, nil
}

func (g *Gateway) FetchOrder(_ context.Context, _ domain.OrderHandle) (*domain.OrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Polls++

	if len(g.FetchOrderErrs) > 0 {
		err := g.FetchOrderErrs[0]
		g.FetchOrderErrs = g.FetchOrderErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if g.FetchOrderErr != nil {
		return nil, g.FetchOrderErr
	}
	if len(g.Statuses) == 0 {
		return &domain.OrderStatus{Status: domain.StatusNew}, nil
	}
	st := g.Statuses[0]
	if len(g.Statuses) > 1 {
		g.Statuses = g.Statuses[1:]
	}
	return &st, nil
}

func (g *Gateway) CancelOrder(_ context.Context, handle domain.OrderHandle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Cancelled = append(g.Cancelled, handle)
	return g.CancelErr
}

func (g *Gateway) ToExchangePrecision(_ context.Context, _ domain.Pair, value float64, kind domain.PrecisionKind) (float64, error) {
	step := g.AmountStep
	if kind == domain.PrecisionPrice {
		step = g.PriceStep
	}
	if step <= 0 {
		return value, nil
	}
	n := value / step
	if kind == domain.PrecisionPrice {
		return math.Round(n) * step, nil
	}
	return math.Floor(n+1e-9) * step, nil
}

// Calls общее число торговых вызовов: создание, опрос, отмена
func (g *Gateway) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Created) + g.Polls + len(g.Cancelled)
}

var _ domain.ExchangeGateway = (*Gateway)(nil)
