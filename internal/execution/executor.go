package execution

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/pkg/utils"
)

// Config параметры протокола исполнения
type Config struct {
	MaxAttempts        int           // число выставлений лимитного ордера
	CheckInterval      time.Duration // пауза перед проверкой исполнения
	RetryDelayMin      time.Duration
	RetryDelayMax      time.Duration
	BookDepth          int
	MaxSlippagePercent float64 // для рыночных ордеров
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:        10,
		CheckInterval:      3 * time.Second,
		RetryDelayMin:      1 * time.Second,
		RetryDelayMax:      2 * time.Second,
		BookDepth:          5,
		MaxSlippagePercent: 1.0,
	}
}

// ErrOrderStateUnknown исполнение ордера нельзя подтвердить, повторное выставление небезопасно
var ErrOrderStateUnknown = errors.New("order state unknown")

// fillTolerance относительный остаток, который считается полным исполнением
const fillTolerance = 1e-9

// Result итог исполнения намерения
type Result struct {
	Intent        domain.OrderIntent
	OrderID       string
	ClientOrderID string
	FilledQty     float64
	AvgPrice      float64
	Attempts      int
	Slippage      float64
	ExecutedAt    time.Time
}

// Filled намерение исполнено
func (r *Result) Filled() bool {
	return r != nil && r.FilledQty > 0 && r.AvgPrice > 0
}

// SleepFunc пауза с учетом контекста
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Executor доводит торговое намерение до исполнения или отказа
type Executor struct {
	gateway    domain.ExchangeGateway
	funds      domain.FundsManager
	killSwitch *KillSwitch
	slippage   *SlippageGuard
	prices     *PriceFailover
	cfg        Config
	logger     *utils.Logger
	sleep      SleepFunc
	jitter     func() time.Duration
	now        func() time.Time
}

func NewExecutor(
	gateway domain.ExchangeGateway,
	funds domain.FundsManager,
	killSwitch *KillSwitch,
	cfg Config,
	logger *utils.Logger,
) *Executor {
	if funds == nil {
		funds = NoopFunds{}
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	e := &Executor{
		gateway:    gateway,
		funds:      funds,
		killSwitch: killSwitch,
		slippage:   NewSlippageGuard(cfg.MaxSlippagePercent),
		prices:     NewPriceFailover(gateway, cfg.BookDepth, logger),
		cfg:        cfg,
		logger:     logger,
		sleep:      sleepCtx,
		now:        time.Now,
	}
	e.jitter = e.randomDelay
	return e
}

// SetSleep подменяет паузы (в тестах без ожидания)
func (e *Executor) SetSleep(fn SleepFunc) {
	e.sleep = fn
}

func (e *Executor) randomDelay() time.Duration {
	spread := e.cfg.RetryDelayMax - e.cfg.RetryDelayMin
	if spread <= 0 {
		return e.cfg.RetryDelayMin
	}
	return e.cfg.RetryDelayMin + time.Duration(rand.Int63n(int64(spread)))
}

// Execute исполняет намерение. snapshot используется для проверки баланса
// без повторного запроса; запрос к бирже делается только после пополнения.
func (e *Executor) Execute(ctx context.Context, intent domain.OrderIntent, snapshot domain.BalanceSnapshot) (*Result, error) {
	if e.killSwitch != nil && e.killSwitch.IsActive() {
		return nil, domain.ErrKillSwitchActive
	}
	if intent.Quantity <= 0 || intent.Price <= 0 {
		return nil, fmt.Errorf("%w: quantity %.8f price %.8f", domain.ErrInvalidInput, intent.Quantity, intent.Price)
	}

	qty, err := e.gateway.ToExchangePrecision(ctx, intent.Pair, intent.Quantity, domain.PrecisionAmount)
	if err != nil {
		return nil, fmt.Errorf("failed to apply amount precision: %w", err)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("%w: quantity %.8f rounds to zero", domain.ErrInvalidInput, intent.Quantity)
	}

	if err := e.ensureBalance(ctx, intent, qty, snapshot); err != nil {
		return nil, err
	}

	var res *Result
	if intent.Type == domain.OrderTypeMarket {
		res, err = e.executeMarket(ctx, intent, qty)
	} else {
		res, err = e.executeLimit(ctx, intent, qty)
	}
	if err != nil {
		return res, err
	}

	res.ExecutedAt = e.now()
	e.logger.Info("✅ Execution successful: %s %s %s %.8f @ %.8f (OrderID: %s, attempts: %d)",
		intent.Strategy, intent.Side, intent.Pair, res.FilledQty, res.AvgPrice, res.OrderID, res.Attempts)

	if err := e.funds.SweepIdle(ctx, intent.Pair); err != nil {
		e.logger.Warn("Idle funds sweep failed: %v", err)
	}
	return res, nil
}

// ensureBalance проверяет остаток по снимку и при нехватке просит пополнение
func (e *Executor) ensureBalance(ctx context.Context, intent domain.OrderIntent, qty float64, snapshot domain.BalanceSnapshot) error {
	asset, need, have := intent.Pair.Base, qty, snapshot.BaseQty
	if intent.Side == domain.SideBuy {
		// покупка идет по лучшему ask, он может быть выше цены сигнала
		price := intent.Price
		if ask, err := e.prices.BestPrice(ctx, intent.Pair, intent.Side); err == nil && ask > price {
			price = ask
		}
		asset, need, have = intent.Pair.Quote, qty*price, snapshot.QuoteQty
	}
	if have >= need {
		return nil
	}

	e.logger.Warn("Insufficient %s: have %.8f, need %.8f, requesting top-up", asset, have, need)
	if err := e.funds.TopUp(ctx, asset, need-have); err != nil {
		return fmt.Errorf("%w: top-up failed: %v", domain.ErrInsufficientBalance, err)
	}

	bal, err := e.gateway.FetchBalance(ctx, intent.Pair)
	if err != nil {
		return fmt.Errorf("failed to refresh balance after top-up: %w", err)
	}
	have = bal.Base
	if intent.Side == domain.SideBuy {
		have = bal.Quote
	}
	if have < need {
		return fmt.Errorf("%w: %s available %.8f, need %.8f", domain.ErrInsufficientBalance, asset, have, need)
	}
	return nil
}

// executeLimit выставляет лимитный ордер по лучшей встречной цене,
// при неисполнении отменяет и перевыставляет остаток
func (e *Executor) executeLimit(ctx context.Context, intent domain.OrderIntent, qty float64) (*Result, error) {
	res := &Result{Intent: intent}
	remaining := qty
	var notional float64

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			if !intent.Deadline.IsZero() && e.now().After(intent.Deadline) {
				return res, fmt.Errorf("%w: %s %s deadline passed after %d attempts (filled %.8f of %.8f)",
					domain.ErrOrderNotFilled, intent.Side, intent.Pair, res.Attempts, res.FilledQty, qty)
			}
			if err := e.sleep(ctx, e.jitter()); err != nil {
				return res, err
			}
		}
		res.Attempts = attempt

		filled, price, err := e.limitAttempt(ctx, intent, remaining, res)
		if filled > 0 {
			notional += filled * price
			res.FilledQty += filled
			remaining -= filled
			res.AvgPrice = notional / res.FilledQty
		}
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientBalance) || errors.Is(err, ErrOrderStateUnknown) || errors.Is(err, context.Canceled) {
				return res, err
			}
			e.logger.Warn("Attempt %d/%d for %s %s failed: %v", attempt, e.cfg.MaxAttempts, intent.Side, intent.Pair, err)
			continue
		}

		if remaining <= qty*fillTolerance {
			return res, nil
		}
		rest, err := e.gateway.ToExchangePrecision(ctx, intent.Pair, remaining, domain.PrecisionAmount)
		if err == nil && rest <= 0 {
			return res, nil
		}
	}

	return res, fmt.Errorf("%w: %s %s after %d attempts (filled %.8f of %.8f)",
		domain.ErrOrderNotFilled, intent.Side, intent.Pair, e.cfg.MaxAttempts, res.FilledQty, qty)
}

// limitAttempt одно выставление: create → пауза → проверка → отмена.
// Возвращает исполненное в этой попытке количество и его среднюю цену.
func (e *Executor) limitAttempt(ctx context.Context, intent domain.OrderIntent, remaining float64, res *Result) (float64, float64, error) {
	price, err := e.prices.BestPrice(ctx, intent.Pair, intent.Side)
	if err != nil {
		return 0, 0, err
	}
	price, err = e.gateway.ToExchangePrecision(ctx, intent.Pair, price, domain.PrecisionPrice)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to apply price precision: %w", err)
	}
	qty, err := e.gateway.ToExchangePrecision(ctx, intent.Pair, remaining, domain.PrecisionAmount)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to apply amount precision: %w", err)
	}
	if qty <= 0 {
		return 0, 0, nil
	}

	handle, err := e.gateway.CreateOrder(ctx, domain.OrderRequest{
		Pair:          intent.Pair,
		Side:          intent.Side,
		Type:          domain.OrderTypeLimit,
		Quantity:      qty,
		Price:         price,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return 0, 0, err
	}
	res.OrderID, res.ClientOrderID = handle.OrderID, handle.ClientOrderID

	if err := e.sleep(ctx, e.cfg.CheckInterval); err != nil {
		return 0, 0, err
	}

	status, err := e.gateway.FetchOrder(ctx, *handle)
	if err != nil {
		e.logger.Warn("Order %s status check failed: %v", handle.OrderID, err)
		status = nil
	}
	if status.Filled() {
		return fillQty(status, qty), fillPrice(status, price), nil
	}

	cancelErr := e.gateway.CancelOrder(ctx, *handle)

	// исполненное количество берется только из статуса после отмены
	final, fetchErr := e.gateway.FetchOrder(ctx, *handle)
	if fetchErr != nil {
		known, knownPrice := 0.0, price
		if status != nil {
			known, knownPrice = status.FilledQty, fillPrice(status, price)
		}
		return known, knownPrice, fmt.Errorf("%w: order %s after cancel (cancel: %v): %v",
			ErrOrderStateUnknown, handle.OrderID, cancelErr, fetchErr)
	}
	filled := final.FilledQty
	if final.Filled() {
		filled = fillQty(final, qty)
	}

	switch {
	case cancelErr == nil, errors.Is(cancelErr, domain.ErrOrderNotFound):
	case errors.Is(cancelErr, domain.ErrInsufficientBalance):
		return filled, fillPrice(final, price), fmt.Errorf("failed to cancel order %s: %w", handle.OrderID, cancelErr)
	case !orderClosed(final):
		return filled, fillPrice(final, price), fmt.Errorf("%w: order %s still %s after failed cancel: %v",
			ErrOrderStateUnknown, handle.OrderID, final.Status, cancelErr)
	}

	if final.Filled() {
		return filled, fillPrice(final, price), nil
	}
	if filled > 0 {
		e.logger.Info("Order %s partially filled: %.8f of %.8f", handle.OrderID, filled, qty)
		return filled, fillPrice(final, price), nil
	}
	return 0, 0, fmt.Errorf("order %s not filled at %.8f", handle.OrderID, price)
}

// orderClosed ордер больше не может исполняться
func orderClosed(s *domain.OrderStatus) bool {
	switch s.Status {
	case domain.StatusFilled, domain.StatusCancelled, domain.StatusRejected:
		return true
	}
	return false
}

func fillQty(status *domain.OrderStatus, requested float64) float64 {
	if status.FilledQty > 0 {
		return status.FilledQty
	}
	return requested
}

func fillPrice(status *domain.OrderStatus, limitPrice float64) float64 {
	if status != nil && status.AvgPrice > 0 {
		return status.AvgPrice
	}
	return limitPrice
}

// executeMarket рыночный ордер с проверкой проскальзывания до отправки
func (e *Executor) executeMarket(ctx context.Context, intent domain.OrderIntent, qty float64) (*Result, error) {
	res := &Result{Intent: intent, Attempts: 1}

	current, err := e.prices.BestPrice(ctx, intent.Pair, intent.Side)
	if err != nil {
		return res, err
	}
	if err := e.slippage.Check(current, intent.Price); err != nil {
		return res, err
	}

	handle, err := e.gateway.CreateOrder(ctx, domain.OrderRequest{
		Pair:          intent.Pair,
		Side:          intent.Side,
		Type:          domain.OrderTypeMarket,
		Quantity:      qty,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return res, err
	}
	res.OrderID, res.ClientOrderID = handle.OrderID, handle.ClientOrderID

	for poll := 1; poll <= e.cfg.MaxAttempts; poll++ {
		if err := e.sleep(ctx, e.cfg.RetryDelayMin); err != nil {
			return res, err
		}
		status, err := e.gateway.FetchOrder(ctx, *handle)
		if err != nil {
			e.logger.Warn("Market order %s status check failed: %v", handle.OrderID, err)
			continue
		}

		done := status.Filled() ||
			((status.Status == domain.StatusCancelled || status.Status == domain.StatusRejected) && status.FilledQty > 0)
		if done {
			res.FilledQty = fillQty(status, qty)
			res.AvgPrice = status.AvgPrice
			if res.AvgPrice <= 0 {
				res.AvgPrice = current
			}
			res.Slippage = Slippage(res.AvgPrice, intent.Price)
			return res, nil
		}
		if status.Status == domain.StatusCancelled || status.Status == domain.StatusRejected {
			return res, fmt.Errorf("%w: market order %s %s", domain.ErrOrderNotFilled, handle.OrderID, status.Status)
		}
	}

	return res, fmt.Errorf("%w: market order %s still open after %d checks", domain.ErrOrderNotFilled, handle.OrderID, e.cfg.MaxAttempts)
}
