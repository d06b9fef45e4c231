package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/internal/events"
	"github.com/kirillm/grid-bot/internal/execution"
	"github.com/kirillm/grid-bot/internal/storage"
	"github.com/kirillm/grid-bot/internal/strategy"
	"github.com/kirillm/grid-bot/pkg/utils"
)

// EngineConfig параметры движка одной пары
type EngineConfig struct {
	Pair                domain.Pair
	TickInterval        time.Duration
	OrderAmountRatio    float64 // доля стоимости пары на один ордер сетки
	MinOrderNotional    float64
	OrderTimeout        time.Duration // 0: без ограничения по времени
	FatalErrorThreshold int
	SignalPriceRetries  int
	SignalPriceDelay    time.Duration
	FlipRatio           float64

	Volatility strategy.VolatilityConfig
	Grid       strategy.GridConfig
	Risk       strategy.RiskConfig
	Overlay    strategy.OverlayConfig
}

func DefaultEngineConfig(pair domain.Pair) EngineConfig {
	return EngineConfig{
		Pair:                pair,
		TickInterval:        time.Minute,
		OrderAmountRatio:    0.1,
		MinOrderNotional:    5,
		FatalErrorThreshold: 5,
		SignalPriceRetries:  3,
		SignalPriceDelay:    2 * time.Second,
		FlipRatio:           strategy.DefaultFlipRatio,
		Volatility:          strategy.DefaultVolatilityConfig(),
		Grid:                strategy.DefaultGridConfig(),
		Risk:                strategy.DefaultRiskConfig(),
		Overlay:             strategy.DefaultOverlayConfig(),
	}
}

// StateBounds границы валидации сохраненного состояния
func (c EngineConfig) StateBounds() domain.StateBounds {
	return domain.StateBounds{
		GridMin:    c.Grid.MinGrid,
		GridMax:    c.Grid.MaxGrid,
		MaxHistory: c.Volatility.HistorySize,
	}
}

// OrderExecutor исполнение торговых намерений
type OrderExecutor interface {
	Execute(ctx context.Context, intent domain.OrderIntent, snapshot domain.BalanceSnapshot) (*execution.Result, error)
}

// Deps внешние зависимости движка
type Deps struct {
	Gateway    domain.ExchangeGateway
	Executor   OrderExecutor
	KillSwitch *execution.KillSwitch
	States     domain.StateStore
	Trades     domain.TradeRepository
	Observer   events.Observer
	Logger     *utils.Logger
}

type tickOutcome int

const (
	outcomeNone tickOutcome = iota
	outcomeFilled
	outcomeFailed
)

// PairEngine главный цикл одной пары: обслуживание сетки, решение, сохранение.
// Состояние стратегии принадлежит только этому движку.
type PairEngine struct {
	cfg        EngineConfig
	pair       string
	gateway    domain.ExchangeGateway
	executor   OrderExecutor
	killSwitch *execution.KillSwitch
	store      domain.StateStore
	trades     domain.TradeRepository
	observer   events.Observer
	logger     *utils.Logger

	volatility *strategy.VolatilityEstimator
	grid       *strategy.GridWidthController
	risk       *strategy.RiskGate
	breakout   *strategy.BreakoutStateMachine
	overlay    *strategy.OverlayRebalancer

	state       *domain.StrategyState
	lastVol     float64
	lastErr     error
	now         func() time.Time
	sleep       execution.SleepFunc
	statusMu    sync.Mutex
	status      domain.EngineStatus
	initialized bool
}

func NewPairEngine(cfg EngineConfig, deps Deps) *PairEngine {
	pair := cfg.Pair.String()
	logger := deps.Logger.WithPair(pair)
	observer := deps.Observer
	if observer == nil {
		observer = events.Fanout{}
	}
	killSwitch := deps.KillSwitch
	if killSwitch == nil {
		killSwitch = execution.NewKillSwitch(logger)
	}

	return &PairEngine{
		cfg:        cfg,
		pair:       pair,
		gateway:    deps.Gateway,
		executor:   deps.Executor,
		killSwitch: killSwitch,
		store:      deps.States,
		trades:     deps.Trades,
		observer:   observer,
		logger:     logger,
		volatility: strategy.NewVolatilityEstimator(cfg.Volatility, logger),
		grid:       strategy.NewGridWidthController(cfg.Grid),
		risk:       strategy.NewRiskGate(cfg.Risk, logger),
		breakout:   strategy.NewBreakoutStateMachine(cfg.FlipRatio),
		overlay:    strategy.NewOverlayRebalancer(cfg.Overlay, cfg.Pair, deps.Gateway, logger),
		lastVol:    cfg.Volatility.DefaultVolatility,
		now:        time.Now,
		sleep:      sleepCtx,
		status:     domain.EngineStatus{Pair: pair},
	}
}

// SetSleep подменяет паузы между попытками получения цены
func (e *PairEngine) SetSleep(fn execution.SleepFunc) {
	e.sleep = fn
}

// SetClock подменяет источник времени
func (e *PairEngine) SetClock(now func() time.Time) {
	e.now = now
}

// Pair торговая пара движка
func (e *PairEngine) Pair() string {
	return e.pair
}

// Init загружает состояние и восстанавливает автомат пробоя
func (e *PairEngine) Init() {
	defaults := &domain.StrategyState{
		Pair:     e.pair,
		GridSize: e.grid.GridSize(e.cfg.Volatility.DefaultVolatility),
	}
	e.state = storage.LoadOrDefault(e.store, e.pair, defaults, e.logger)

	if e.state.ConsecutiveErrors >= e.cfg.FatalErrorThreshold {
		e.logger.Warn("Resetting %d consecutive errors from previous run", e.state.ConsecutiveErrors)
		e.state.ConsecutiveErrors = 0
	}
	e.breakout.Restore(e.state.Monitoring, e.state.ExtremePrice)
	e.initialized = true

	e.logger.Info("🚀 Engine initialized: base=%.8f grid=%.2f%% next maintenance %s",
		e.state.BasePrice, e.state.GridSize, e.state.NextMaintenance.Format(time.RFC3339))
	e.publish(0, 0, "", false)
}

// Run выполняет тики до отмены контекста или аварийной остановки.
// Отмена проверяется только между тиками.
func (e *PairEngine) Run(ctx context.Context) error {
	if !e.initialized {
		e.Init()
	}
	e.setRunning(true)
	defer e.setRunning(false)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if err := e.Tick(context.WithoutCancel(ctx)); err != nil {
			if errors.Is(err, domain.ErrEngineHalted) {
				return err
			}
			e.logger.Warn("Tick failed: %v", err)
		}

		select {
		case <-ctx.Done():
			e.logger.Info("🛑 Engine stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick один полный проход: состояние → обслуживание → решение → сохранение
func (e *PairEngine) Tick(ctx context.Context) (err error) {
	if !e.initialized {
		e.Init()
	}
	if e.killSwitch.IsActive() {
		return domain.ErrEngineHalted
	}

	e.lastErr = nil
	e.observer.Notify(events.New(events.TickStart, e.pair).Msg("tick start"))

	var outcome tickOutcome
	var price float64
	var ratio float64
	var risk domain.RiskState
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in tick: %v", r)
			}
		}()
		outcome, price, ratio, risk, err = e.tick(ctx)
	}()

	if err != nil {
		outcome = outcomeFailed
		e.lastErr = err
	}

	switch outcome {
	case outcomeFilled:
		e.state.ConsecutiveErrors = 0
	case outcomeFailed:
		e.state.ConsecutiveErrors++
		e.logger.Warn("Consecutive errors: %d/%d", e.state.ConsecutiveErrors, e.cfg.FatalErrorThreshold)
	}

	if saveErr := e.persist(); saveErr != nil {
		e.logger.Error("Failed to persist state: %v", saveErr)
		if err == nil {
			err = saveErr
		}
	}

	e.observer.Notify(events.New(events.TickEnd, e.pair).
		With("price", price).
		With("grid_size", e.state.GridSize).
		With("volatility", e.lastVol).
		With("position_ratio", ratio).
		With("base_price", e.state.BasePrice).
		With("consecutive_errors", float64(e.state.ConsecutiveErrors)).
		Msg("tick end"))

	if e.state.ConsecutiveErrors >= e.cfg.FatalErrorThreshold {
		e.halt()
		e.publish(price, ratio, risk, true)
		return fmt.Errorf("%w: %d consecutive failures, last: %v", domain.ErrEngineHalted, e.state.ConsecutiveErrors, e.lastErr)
	}

	e.publish(price, ratio, risk, true)
	return err
}

func (e *PairEngine) tick(ctx context.Context) (tickOutcome, float64, float64, domain.RiskState, error) {
	now := e.now()

	price, err := e.fetchSignalPrice(ctx)
	if err != nil {
		e.logger.Warn("No price after %d attempts, skipping signals this tick: %v", e.cfg.SignalPriceRetries, err)
		return outcomeNone, 0, 0, "", nil
	}

	balance, err := e.gateway.FetchBalance(ctx, e.cfg.Pair)
	if err != nil {
		return outcomeFailed, price, 0, "", fmt.Errorf("failed to fetch balance: %w", err)
	}
	snapshot := domain.NewBalanceSnapshot(e.cfg.Pair, *balance, price, now)

	if e.state.BasePrice <= 0 {
		e.state.BasePrice = price
		e.logger.Info("Base price initialized to %.8f", price)
	}

	e.maintain(ctx, now)

	risk, crossed := e.risk.Evaluate(snapshot)
	if crossed {
		e.observer.Notify(events.New(events.RiskThreshold, e.pair).
			Label("state", string(risk)).
			With("position_ratio", snapshot.PositionRatio()).
			Msg(fmt.Sprintf("position ratio %.2f%%, %s", snapshot.PositionRatio()*100, risk)))
	}

	outcome, fired := e.decidePrimary(ctx, price, snapshot, risk)
	if !fired {
		outcome = e.decideOverlay(ctx, now, price, snapshot, risk)
	}
	return outcome, price, snapshot.PositionRatio(), risk, nil
}

// fetchSignalPrice цена с повторами
func (e *PairEngine) fetchSignalPrice(ctx context.Context) (float64, error) {
	attempts := e.cfg.SignalPriceRetries
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		price, err := e.gateway.FetchPrice(ctx, e.cfg.Pair)
		if err == nil && price > 0 {
			return price, nil
		}
		if err == nil {
			err = fmt.Errorf("%w: non-positive price %v", domain.ErrExchangeAPI, price)
		}
		lastErr = err
		e.logger.Debug("Price attempt %d/%d failed: %v", i, attempts, err)
		if i < attempts {
			if err := e.sleep(ctx, e.cfg.SignalPriceDelay); err != nil {
				return 0, err
			}
		}
	}
	return 0, lastErr
}

// maintain пересчитывает волатильность и ширину сетки по расписанию
func (e *PairEngine) maintain(ctx context.Context, now time.Time) {
	if now.Before(e.state.NextMaintenance) {
		return
	}

	// последняя свеча обычно еще не закрыта, берем на одну больше
	candles, err := e.gateway.FetchCandles(ctx, e.cfg.Pair, domain.Interval4h, e.cfg.Volatility.Window+1)
	if err != nil {
		e.logger.Warn("Maintenance skipped, failed to fetch 4h candles: %v", err)
		return
	}
	candles = strategy.ClosedCandles(candles, 4*time.Hour, now)

	vol := e.volatility.Estimate(e.state, candles)
	prev := e.state.GridSize
	e.state.GridSize = e.grid.GridSize(vol)
	interval := e.grid.Interval(vol)
	e.state.NextMaintenance = now.Add(interval)
	e.lastVol = vol

	e.logger.Info("🔧 Grid maintenance: volatility=%.2f%% grid %.2f%% → %.2f%%, next in %s",
		vol*100, prev, e.state.GridSize, interval)
}

// decidePrimary проверяет продажу, затем покупку. fired: сигнал был в этом тике.
func (e *PairEngine) decidePrimary(ctx context.Context, price float64, snapshot domain.BalanceSnapshot, risk domain.RiskState) (tickOutcome, bool) {
	for _, side := range []domain.Side{domain.SideSell, domain.SideBuy} {
		if !risk.Allows(side) {
			continue
		}
		sig := e.breakout.Check(side, price, e.state.BasePrice, e.state.GridSize)
		if !sig.Triggered {
			continue
		}

		e.logger.Info("📍 %s signal: extreme=%.8f price=%.8f retrace=%.3f%% threshold=%.3f%%",
			side, sig.Extreme, price, sig.Retrace, sig.Threshold)
		return e.executePrimary(ctx, side, price, snapshot), true
	}
	return outcomeNone, false
}

func (e *PairEngine) executePrimary(ctx context.Context, side domain.Side, price float64, snapshot domain.BalanceSnapshot) tickOutcome {
	qty := e.cfg.OrderAmountRatio * snapshot.TotalValue() / price
	if qty*price < e.cfg.MinOrderNotional {
		e.logger.Warn("%s signal dropped: order notional %.4f below minimum %.4f", side, qty*price, e.cfg.MinOrderNotional)
		e.breakout.Abort(side)
		return outcomeNone
	}

	intent := domain.OrderIntent{
		Pair:           e.cfg.Pair,
		Side:           side,
		Type:           domain.OrderTypeLimit,
		Quantity:       qty,
		Price:          price,
		ReferencePrice: e.state.BasePrice,
		Strategy:       domain.StrategyGrid,
	}
	if e.cfg.OrderTimeout > 0 {
		intent.Deadline = e.now().Add(e.cfg.OrderTimeout)
	}

	res, err := e.execute(ctx, intent, snapshot)
	if err != nil {
		e.breakout.Abort(side)
		return outcomeFailed
	}

	e.breakout.Complete(side)
	prev := e.state.BasePrice
	e.state.BasePrice = res.AvgPrice
	e.logger.Info("Base price %.8f → %.8f", prev, e.state.BasePrice)
	return outcomeFilled
}

// decideOverlay вторичная стратегия, базовую цену не меняет
func (e *PairEngine) decideOverlay(ctx context.Context, now time.Time, price float64, snapshot domain.BalanceSnapshot, risk domain.RiskState) tickOutcome {
	if !e.cfg.Overlay.Enabled {
		return outcomeNone
	}
	if err := e.overlay.Refresh(ctx, now); err != nil {
		e.logger.Warn("Overlay levels not refreshed: %v", err)
	}

	intent := e.overlay.Decide(price, snapshot, risk)
	if intent == nil {
		return outcomeNone
	}
	intent.ReferencePrice = e.state.BasePrice

	if _, err := e.execute(ctx, *intent, snapshot); err != nil {
		return outcomeFailed
	}
	return outcomeFilled
}

// execute исполняет намерение, пишет сделку и события
func (e *PairEngine) execute(ctx context.Context, intent domain.OrderIntent, snapshot domain.BalanceSnapshot) (*execution.Result, error) {
	e.observer.Notify(events.New(events.Signal, e.pair).
		Label("side", string(intent.Side)).
		Label("strategy", string(intent.Strategy)).
		With("price", intent.Price).
		With("quantity", intent.Quantity).
		Msg(fmt.Sprintf("%s %s signal", intent.Strategy, intent.Side)))

	res, err := e.executor.Execute(ctx, intent, snapshot)

	// частичное исполнение сохраняется и при неудаче
	if res != nil && res.Filled() {
		e.recordTrade(ctx, intent, res)
	}

	if err != nil {
		e.lastErr = err
		e.logger.Error("❌ %s %s execution failed: %v", intent.Strategy, intent.Side, err)
		ev := events.New(events.OrderFailed, e.pair).
			Label("side", string(intent.Side)).
			Label("strategy", string(intent.Strategy)).
			With("quantity", intent.Quantity).
			Msg(err.Error())
		if res != nil {
			ev = ev.With("filled_qty", res.FilledQty)
		}
		e.observer.Notify(ev)
		return res, err
	}

	e.observer.Notify(events.New(events.Fill, e.pair).
		Label("side", string(intent.Side)).
		Label("strategy", string(intent.Strategy)).
		Label("order_id", res.OrderID).
		With("price", res.AvgPrice).
		With("quantity", res.FilledQty).
		With("profit", estimateProfit(intent, res)).
		Msg(fmt.Sprintf("%s %s filled %.8f @ %.8f", intent.Strategy, intent.Side, res.FilledQty, res.AvgPrice)))
	return res, nil
}

func (e *PairEngine) recordTrade(ctx context.Context, intent domain.OrderIntent, res *execution.Result) {
	if e.trades == nil {
		return
	}
	executedAt := res.ExecutedAt
	if executedAt.IsZero() {
		executedAt = e.now()
	}
	trade := &domain.TradeRecord{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Pair:          e.pair,
		Side:          intent.Side,
		Strategy:      intent.Strategy,
		Price:         res.AvgPrice,
		Quantity:      res.FilledQty,
		Amount:        res.AvgPrice * res.FilledQty,
		Profit:        estimateProfit(intent, res),
		CreatedAt:     executedAt,
	}
	if err := e.trades.Append(ctx, trade); err != nil {
		e.logger.Error("Failed to record trade %s: %v", res.OrderID, err)
	}
}

// estimateProfit оценка результата относительно базовой цены
func estimateProfit(intent domain.OrderIntent, res *execution.Result) float64 {
	if intent.ReferencePrice <= 0 {
		return 0
	}
	diff := res.AvgPrice - intent.ReferencePrice
	if intent.Side == domain.SideBuy {
		diff = -diff
	}
	return diff * res.FilledQty
}

func (e *PairEngine) persist() error {
	flags, extreme := e.breakout.Flags()
	e.state.Monitoring = flags
	e.state.ExtremePrice = extreme
	e.state.UpdatedAt = e.now()
	if e.store == nil {
		return nil
	}
	if err := e.store.Save(e.state); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

func (e *PairEngine) halt() {
	reason := fmt.Sprintf("%d consecutive failures", e.state.ConsecutiveErrors)
	if e.lastErr != nil {
		reason += ": " + e.lastErr.Error()
	}
	e.killSwitch.Activate(reason)
	e.observer.Notify(events.New(events.Fatal, e.pair).
		With("consecutive_errors", float64(e.state.ConsecutiveErrors)).
		Msg(reason))
}

// State копия текущего состояния стратегии
func (e *PairEngine) State() *domain.StrategyState {
	return e.state.Clone()
}

// Halted движок остановлен аварийно
func (e *PairEngine) Halted() bool {
	return e.killSwitch.IsActive()
}

// Status снимок для API и Telegram
func (e *PairEngine) Status() domain.EngineStatus {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status
}

func (e *PairEngine) publish(price, ratio float64, risk domain.RiskState, ticked bool) {
	halted, reason, _ := e.killSwitch.Status()
	sell := e.breakout.Watcher(domain.SideSell)
	buy := e.breakout.Watcher(domain.SideBuy)

	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	s := e.status
	s.Halted = halted
	s.HaltReason = reason
	s.BasePrice = e.state.BasePrice
	s.GridSize = e.state.GridSize
	s.Volatility = e.lastVol
	s.SellPhase = sell.Phase.String()
	s.BuyPhase = buy.Phase.String()
	s.ExtremePrice = e.state.ExtremePrice
	s.ConsecutiveErrors = e.state.ConsecutiveErrors
	s.NextMaintenance = e.state.NextMaintenance
	s.Overlay = e.overlay.Levels()
	if ticked {
		s.LastTick = e.now()
		s.LastError = ""
		if e.lastErr != nil {
			s.LastError = e.lastErr.Error()
		}
	}
	if price > 0 {
		s.Price = price
		s.PositionRatio = ratio
	}
	if risk != "" {
		s.Risk = risk
	}
	e.status = s
}

func (e *PairEngine) setRunning(running bool) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	e.status.Running = running
}

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
