package execution

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/pkg/utils"
)

// ErrPriceUnavailable нет ни стакана, ни тикера
var ErrPriceUnavailable = errors.New("unable to get price from any source")

// QuoteSource рыночные данные для выбора цены ордера
type QuoteSource interface {
	FetchOrderBook(ctx context.Context, pair domain.Pair, depth int) (*domain.OrderBook, error)
	FetchPrice(ctx context.Context, pair domain.Pair) (float64, error)
}

// PriceFailover лучшая встречная цена из стакана, при сбое последняя цена тикера
type PriceFailover struct {
	source QuoteSource
	depth  int
	logger *utils.Logger
}

func NewPriceFailover(source QuoteSource, depth int, logger *utils.Logger) *PriceFailover {
	if depth <= 0 {
		depth = 5
	}
	return &PriceFailover{source: source, depth: depth, logger: logger}
}

// BestPrice ask для покупки, bid для продажи
func (pf *PriceFailover) BestPrice(ctx context.Context, pair domain.Pair, side domain.Side) (float64, error) {
	book, err := pf.source.FetchOrderBook(ctx, pair, pf.depth)
	if err == nil {
		if price, ok := book.BestOpposing(side); ok {
			return price, nil
		}
		err = errors.New("empty order book side")
	}

	price, tickerErr := pf.source.FetchPrice(ctx, pair)
	if tickerErr == nil && price > 0 {
		pf.logger.Warn("⚠️ Order book unavailable for %s (%v), using last price %.8f", pair, err, price)
		return price, nil
	}

	return 0, fmt.Errorf("%w: book: %v, ticker: %v", ErrPriceUnavailable, err, tickerErr)
}
