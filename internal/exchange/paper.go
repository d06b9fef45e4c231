package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/pkg/utils"
)

// MarketData публичная часть шлюза, которой достаточно для бумажной торговли
type MarketData interface {
	FetchPrice(ctx context.Context, pair domain.Pair) (float64, error)
	FetchOrderBook(ctx context.Context, pair domain.Pair, depth int) (*domain.OrderBook, error)
	FetchCandles(ctx context.Context, pair domain.Pair, interval string, limit int) ([]domain.Candle, error)
	ToExchangePrecision(ctx context.Context, pair domain.Pair, value float64, kind domain.PrecisionKind) (float64, error)
}

type paperOrder struct {
	req      domain.OrderRequest
	status   string
	filled   float64
	avgPrice float64
}

// PaperGateway реальные рыночные данные, балансы и исполнение в памяти.
// Используется в DRY_RUN: ордера никогда не уходят на биржу.
type PaperGateway struct {
	market  MarketData
	logger  *utils.Logger
	feeRate float64

	mu       sync.Mutex
	balances map[string]float64 // свободные
	locked   map[string]float64 // под открытыми лимитными ордерами
	orders   map[string]*paperOrder
}

// NewPaperGateway стартовые балансы задаются по активам, например {"BNB": 1, "USDT": 1000}
func NewPaperGateway(market MarketData, initial map[string]float64, feeRate float64, logger *utils.Logger) *PaperGateway {
	balances := make(map[string]float64, len(initial))
	for asset, amount := range initial {
		balances[asset] = amount
	}
	return &PaperGateway{
		market:   market,
		logger:   logger,
		feeRate:  feeRate,
		balances: balances,
		locked:   make(map[string]float64),
		orders:   make(map[string]*paperOrder),
	}
}

func (p *PaperGateway) FetchPrice(ctx context.Context, pair domain.Pair) (float64, error) {
	return p.market.FetchPrice(ctx, pair)
}

func (p *PaperGateway) FetchOrderBook(ctx context.Context, pair domain.Pair, depth int) (*domain.OrderBook, error) {
	return p.market.FetchOrderBook(ctx, pair, depth)
}

func (p *PaperGateway) FetchCandles(ctx context.Context, pair domain.Pair, interval string, limit int) ([]domain.Candle, error) {
	return p.market.FetchCandles(ctx, pair, interval, limit)
}

func (p *PaperGateway) ToExchangePrecision(ctx context.Context, pair domain.Pair, value float64, kind domain.PrecisionKind) (float64, error) {
	return p.market.ToExchangePrecision(ctx, pair, value, kind)
}

func (p *PaperGateway) FetchBalance(_ context.Context, pair domain.Pair) (*domain.AssetBalance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &domain.AssetBalance{Base: p.balances[pair.Base], Quote: p.balances[pair.Quote]}, nil
}

// CreateOrder market исполняется сразу по последней цене, limit резервирует средства
func (p *PaperGateway) CreateOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderHandle, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("%w: quantity %v", domain.ErrInvalidInput, req.Quantity)
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}

	price := req.Price
	if req.Type == domain.OrderTypeMarket || price <= 0 {
		last, err := p.market.FetchPrice(ctx, req.Pair)
		if err != nil {
			return nil, err
		}
		price = last
	}
	if req.Type == domain.OrderTypeLimit {
		req.Price = price
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	asset, cost := p.reservation(req, price)
	if p.balances[asset] < cost {
		return nil, fmt.Errorf("%w: paper %s available %.8f, need %.8f",
			domain.ErrInsufficientBalance, asset, p.balances[asset], cost)
	}

	id := uuid.NewString()
	order := &paperOrder{req: req, status: domain.StatusNew}
	p.orders[id] = order

	p.balances[asset] -= cost
	p.locked[asset] += cost

	if req.Type == domain.OrderTypeMarket {
		p.fill(order, price)
	}

	p.logger.Info("📝 Paper %s %s %s qty=%.8f price=%.8f id=%s",
		req.Type, req.Side, req.Pair, req.Quantity, price, id)
	return &domain.OrderHandle{OrderID: id, ClientOrderID: req.ClientOrderID, Pair: req.Pair}, nil
}

// FetchOrder открытый лимитный ордер исполняется, если рынок дошел до его цены
func (p *PaperGateway) FetchOrder(ctx context.Context, handle domain.OrderHandle) (*domain.OrderStatus, error) {
	p.mu.Lock()
	order, ok := p.orders[handle.OrderID]
	open := ok && order.status == domain.StatusNew
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, handle.OrderID)
	}

	if open {
		last, err := p.market.FetchPrice(ctx, handle.Pair)
		if err != nil {
			return nil, err
		}
		crossed := (order.req.Side == domain.SideBuy && last <= order.req.Price) ||
			(order.req.Side == domain.SideSell && last >= order.req.Price)
		if crossed {
			p.mu.Lock()
			if order.status == domain.StatusNew {
				p.fill(order, order.req.Price)
			}
			p.mu.Unlock()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return &domain.OrderStatus{Status: order.status, FilledQty: order.filled, AvgPrice: order.avgPrice}, nil
}

func (p *PaperGateway) CancelOrder(_ context.Context, handle domain.OrderHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, ok := p.orders[handle.OrderID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrOrderNotFound, handle.OrderID)
	}
	if order.status != domain.StatusNew {
		return nil
	}

	asset, cost := p.reservation(order.req, order.req.Price)
	p.locked[asset] -= cost
	p.balances[asset] += cost
	order.status = domain.StatusCancelled
	return nil
}

// reservation сколько и какого актива блокирует ордер
func (p *PaperGateway) reservation(req domain.OrderRequest, price float64) (string, float64) {
	if req.Side == domain.SideBuy {
		return req.Pair.Quote, req.Quantity * price * (1 + p.feeRate)
	}
	return req.Pair.Base, req.Quantity
}

// fill вызывается под p.mu
func (p *PaperGateway) fill(order *paperOrder, price float64) {
	req := order.req
	lockedAsset, lockedCost := p.reservation(req, order.req.Price)
	if req.Type == domain.OrderTypeMarket {
		lockedAsset, lockedCost = p.reservation(req, price)
	}
	p.locked[lockedAsset] -= lockedCost

	notional := req.Quantity * price
	fee := notional * p.feeRate
	if req.Side == domain.SideBuy {
		p.balances[req.Pair.Base] += req.Quantity
		// разница между резервом и фактической стоимостью возвращается
		p.balances[req.Pair.Quote] += lockedCost - notional - fee
	} else {
		p.balances[req.Pair.Quote] += notional - fee
	}

	order.status = domain.StatusFilled
	order.filled = req.Quantity
	order.avgPrice = price
}
