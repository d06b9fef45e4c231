package orchestrator

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/internal/events"
	"github.com/kirillm/grid-bot/internal/exchange/exchangetest"
	"github.com/kirillm/grid-bot/internal/execution"
	"github.com/kirillm/grid-bot/pkg/utils"
)

var testPair = domain.Pair{Base: "BNB", Quote: "USDT"}

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type memStore struct {
	mu     sync.Mutex
	states map[string]*domain.StrategyState
	saves  int
}

func newMemStore(seed *domain.StrategyState) *memStore {
	s := &memStore{states: map[string]*domain.StrategyState{}}
	if seed != nil {
		s.states[seed.Pair] = seed.Clone()
	}
	return s
}

func (s *memStore) Save(state *domain.StrategyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.Pair] = state.Clone()
	s.saves++
	return nil
}

func (s *memStore) Load(pair string) (*domain.StrategyState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[pair]
	if !ok {
		return nil, domain.ErrStateNotFound
	}
	return st.Clone(), nil
}

type memTrades struct {
	mu     sync.Mutex
	trades []domain.TradeRecord
}

func (m *memTrades) Append(_ context.Context, t *domain.TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, *t)
	return nil
}

func (m *memTrades) Recent(_ context.Context, _ string, _ int) ([]domain.TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.TradeRecord(nil), m.trades...), nil
}

type failingExecutor struct {
	calls int
	err   error
}

func (f *failingExecutor) Execute(_ context.Context, intent domain.OrderIntent, _ domain.BalanceSnapshot) (*execution.Result, error) {
	f.calls++
	return &execution.Result{Intent: intent, Attempts: 10}, f.err
}

type harness struct {
	engine   *PairEngine
	gw       *exchangetest.Gateway
	store    *memStore
	trades   *memTrades
	recorder *events.Recorder
	slept    []time.Duration
}

// seededState база 100, сетка 4%: коридор [98, 102], порог отката 0.8%
func seededState() *domain.StrategyState {
	return &domain.StrategyState{
		Pair:            testPair.String(),
		BasePrice:       100,
		GridSize:        4,
		NextMaintenance: testNow.Add(24 * time.Hour),
	}
}

func newHarness(t *testing.T, gw *exchangetest.Gateway, seed *domain.StrategyState, exec OrderExecutor, overlay bool) *harness {
	t.Helper()
	h := &harness{
		gw:       gw,
		store:    newMemStore(seed),
		trades:   &memTrades{},
		recorder: &events.Recorder{},
	}

	cfg := DefaultEngineConfig(testPair)
	cfg.Overlay.Enabled = overlay

	logger := utils.NewNopLogger()
	ks := execution.NewKillSwitch(logger)
	if exec == nil {
		ex := execution.NewExecutor(gw, nil, ks, execution.DefaultConfig(), logger)
		ex.SetSleep(func(context.Context, time.Duration) error { return nil })
		exec = ex
	}

	h.engine = NewPairEngine(cfg, Deps{
		Gateway:    gw,
		Executor:   exec,
		KillSwitch: ks,
		States:     h.store,
		Trades:     h.trades,
		Observer:   h.recorder,
		Logger:     logger,
	})
	h.engine.SetClock(func() time.Time { return testNow })
	h.engine.SetSleep(func(_ context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	})
	h.engine.Init()
	return h
}

func (h *harness) tick(t *testing.T) error {
	t.Helper()
	return h.engine.Tick(context.Background())
}

func TestEngine_SellScenarioUpdatesBasePrice(t *testing.T) {
	gw := exchangetest.New(0)
	gw.Prices = []float64{105, 103.9}
	gw.Balance = domain.AssetBalance{Base: 10, Quote: 1000}
	gw.Statuses = []domain.OrderStatus{{Status: domain.StatusFilled, AvgPrice: 103.9}}
	h := newHarness(t, gw, seededState(), nil, false)

	if err := h.tick(t); err != nil {
		t.Fatalf("tick 1 error = %v", err)
	}
	if st := h.engine.State(); !st.Monitoring.WatchingHigh || st.ExtremePrice != 105 {
		t.Fatalf("after breakout state = %+v, want watching high at 105", st.Monitoring)
	}
	if len(gw.Created) != 0 {
		t.Fatal("order placed on breakout without retrace")
	}

	if err := h.tick(t); err != nil {
		t.Fatalf("tick 2 error = %v", err)
	}

	st := h.engine.State()
	if st.BasePrice != 103.9 {
		t.Errorf("base price = %v, want fill price 103.9", st.BasePrice)
	}
	if st.Monitoring != (domain.MonitoringFlags{}) || st.ExtremePrice != 0 {
		t.Errorf("monitoring = %+v extreme %v, want idle", st.Monitoring, st.ExtremePrice)
	}
	if len(gw.Created) != 1 || gw.Created[0].Side != domain.SideSell || gw.Created[0].Type != domain.OrderTypeLimit {
		t.Fatalf("created = %+v, want one limit sell", gw.Created)
	}
	// 10% от стоимости пары: (10·103.9 + 1000) · 0.1 / 103.9
	wantQty := 0.1 * (10*103.9 + 1000) / 103.9
	if math.Abs(gw.Created[0].Quantity-wantQty) > 1e-9 {
		t.Errorf("quantity = %v, want %v", gw.Created[0].Quantity, wantQty)
	}

	trades, _ := h.trades.Recent(context.Background(), "", 10)
	if len(trades) != 1 || trades[0].Strategy != domain.StrategyGrid || trades[0].Price != 103.9 {
		t.Fatalf("trades = %+v, want one GRID sell at 103.9", trades)
	}
	if trades[0].Profit <= 0 {
		t.Errorf("profit = %v, want positive for a sell above base", trades[0].Profit)
	}
	if h.recorder.Count(events.Fill) != 1 || h.recorder.Count(events.Signal) != 1 {
		t.Errorf("fills=%d signals=%d, want 1 each", h.recorder.Count(events.Fill), h.recorder.Count(events.Signal))
	}

	saved, _ := h.store.Load(testPair.String())
	if saved.BasePrice != 103.9 {
		t.Errorf("persisted base price = %v, want 103.9", saved.BasePrice)
	}
}

func TestEngine_HaltsAfterConsecutiveExecutorFailures(t *testing.T) {
	gw := exchangetest.New(0)
	// каждый второй тик: пробой, затем откат и сигнал
	for i := 0; i < 5; i++ {
		gw.Prices = append(gw.Prices, 105, 103.9)
	}
	gw.Balance = domain.AssetBalance{Base: 10, Quote: 1000}
	exec := &failingExecutor{err: domain.ErrOrderNotFilled}
	h := newHarness(t, gw, seededState(), exec, false)

	for i := 1; i <= 9; i++ {
		if err := h.tick(t); errors.Is(err, domain.ErrEngineHalted) {
			t.Fatalf("halted early at tick %d", i)
		}
	}
	if got := h.engine.State().ConsecutiveErrors; got != 4 {
		t.Fatalf("consecutive errors = %d, want 4 (no-signal ticks do not count)", got)
	}

	err := h.tick(t)
	if !errors.Is(err, domain.ErrEngineHalted) {
		t.Fatalf("tick 10 error = %v, want ErrEngineHalted", err)
	}
	if exec.calls != 5 {
		t.Errorf("executor calls = %d, want 5", exec.calls)
	}
	if !h.engine.Halted() || !h.engine.Status().Halted {
		t.Error("engine not reported as halted")
	}
	if h.recorder.Count(events.Fatal) != 1 {
		t.Errorf("fatal events = %d, want 1", h.recorder.Count(events.Fatal))
	}
	if h.engine.State().BasePrice != 100 {
		t.Errorf("base price = %v, failures must not move it", h.engine.State().BasePrice)
	}

	calls := gw.PriceCalls
	if err := h.tick(t); !errors.Is(err, domain.ErrEngineHalted) {
		t.Errorf("tick after halt error = %v", err)
	}
	if gw.PriceCalls != calls {
		t.Error("halted engine touched the exchange")
	}
}

func TestEngine_FillResetsErrorCounter(t *testing.T) {
	gw := exchangetest.New(0)
	gw.Prices = []float64{101}
	gw.BalanceErr = errors.New("network down")
	seed := seededState()
	seed.Monitoring.WatchingHigh = true
	seed.ExtremePrice = 105
	h := newHarness(t, gw, seed, nil, false)

	for i := 0; i < 2; i++ {
		if err := h.tick(t); err == nil {
			t.Fatal("tick with balance error should fail")
		}
	}
	if got := h.engine.State().ConsecutiveErrors; got != 2 {
		t.Fatalf("consecutive errors = %d, want 2", got)
	}

	gw.BalanceErr = nil
	gw.Balance = domain.AssetBalance{Base: 10, Quote: 1000}
	gw.Prices = []float64{103.9}
	gw.Statuses = []domain.OrderStatus{{Status: domain.StatusFilled, AvgPrice: 103.9}}
	if err := h.tick(t); err != nil {
		t.Fatalf("tick error = %v", err)
	}
	if got := h.engine.State().ConsecutiveErrors; got != 0 {
		t.Errorf("consecutive errors after fill = %d, want 0", got)
	}
}

func dailyCandles(high, low float64) []domain.Candle {
	candles := make([]domain.Candle, 0, 53)
	for i := 0; i < 52; i++ {
		candles = append(candles, domain.Candle{
			StartTime: testNow.AddDate(0, 0, i-52),
			Open:      (high + low) / 2, High: high, Low: low, Close: (high + low) / 2,
		})
	}
	// незакрытая свеча не участвует в уровнях
	candles = append(candles, domain.Candle{StartTime: testNow, High: 1000, Low: 1, Close: 100})
	return candles
}

func TestEngine_OverlayNeverMovesBasePrice(t *testing.T) {
	gw := exchangetest.New(101)
	gw.Balance = domain.AssetBalance{Base: 6, Quote: 400}
	gw.Candles[domain.Interval1d] = dailyCandles(100.5, 95)
	gw.Statuses = []domain.OrderStatus{{Status: domain.StatusFilled, AvgPrice: 101}}
	h := newHarness(t, gw, seededState(), nil, true)

	if err := h.tick(t); err != nil {
		t.Fatalf("tick error = %v", err)
	}

	if len(gw.Created) != 1 || gw.Created[0].Type != domain.OrderTypeMarket || gw.Created[0].Side != domain.SideSell {
		t.Fatalf("created = %+v, want one overlay market sell", gw.Created)
	}
	if got := h.engine.State().BasePrice; got != 100 {
		t.Errorf("base price = %v, overlay must not change it", got)
	}
	trades, _ := h.trades.Recent(context.Background(), "", 10)
	if len(trades) != 1 || trades[0].Strategy != domain.StrategyOverlay {
		t.Errorf("trades = %+v, want one OVERLAY trade", trades)
	}
	if lv := h.engine.Status().Overlay; lv.DailyHigh != 100.5 || lv.DailyLow != 95 {
		t.Errorf("overlay levels = %+v", lv)
	}
}

func TestEngine_PrimarySignalSuppressesOverlay(t *testing.T) {
	gw := exchangetest.New(103.9)
	gw.Balance = domain.AssetBalance{Base: 10, Quote: 1000}
	gw.Candles[domain.Interval1d] = dailyCandles(100.5, 95)
	gw.Statuses = []domain.OrderStatus{{Status: domain.StatusFilled, AvgPrice: 103.9}}
	seed := seededState()
	seed.Monitoring.WatchingHigh = true
	seed.ExtremePrice = 105
	h := newHarness(t, gw, seed, nil, true)

	if err := h.tick(t); err != nil {
		t.Fatalf("tick error = %v", err)
	}

	if len(gw.Created) != 1 || gw.Created[0].Type != domain.OrderTypeLimit {
		t.Fatalf("created = %+v, want only the grid limit order", gw.Created)
	}
	if gw.CandleCalls[domain.Interval1d] != 0 {
		t.Error("overlay evaluated in a tick with a primary signal")
	}
}

func TestEngine_RiskGateBlocksBuy(t *testing.T) {
	gw := exchangetest.New(96)
	// доля base ≈ 99.9%: разрешена только продажа
	gw.Balance = domain.AssetBalance{Base: 100, Quote: 10}
	seed := seededState()
	seed.Monitoring.WatchingLow = true
	seed.ExtremePrice = 95
	exec := &failingExecutor{}
	h := newHarness(t, gw, seed, exec, false)

	for i := 0; i < 2; i++ {
		if err := h.tick(t); err != nil {
			t.Fatalf("tick error = %v", err)
		}
	}

	if exec.calls != 0 {
		t.Errorf("executor called %d times, buy must be blocked", exec.calls)
	}
	if n := h.recorder.Count(events.RiskThreshold); n != 1 {
		t.Errorf("risk threshold events = %d, want 1 (edge triggered)", n)
	}
	if st := h.engine.Status(); st.Risk != domain.RiskAllowSellOnly || st.BuyPhase != "WATCHING" {
		t.Errorf("status risk=%s buy=%s", st.Risk, st.BuyPhase)
	}
}

func TestEngine_PriceUnavailableSkipsTick(t *testing.T) {
	gw := exchangetest.New(100)
	gw.PriceErrs = []error{domain.ErrTransient, domain.ErrTransient, domain.ErrTransient}
	h := newHarness(t, gw, seededState(), nil, false)

	if err := h.tick(t); err != nil {
		t.Fatalf("tick error = %v, want no failure", err)
	}
	if gw.PriceCalls != 3 || gw.BalanceCalls != 0 {
		t.Errorf("price calls = %d balance calls = %d, want 3 and 0", gw.PriceCalls, gw.BalanceCalls)
	}
	if len(h.slept) != 2 || h.slept[0] != 2*time.Second {
		t.Errorf("sleeps = %v, want two 2s pauses", h.slept)
	}
	if got := h.engine.State().ConsecutiveErrors; got != 0 {
		t.Errorf("consecutive errors = %d, want 0", got)
	}
}

func TestEngine_FreshStateInitializesBaseAndGrid(t *testing.T) {
	gw := exchangetest.New(100)
	gw.Balance = domain.AssetBalance{Base: 1, Quote: 100}
	h := newHarness(t, gw, nil, nil, false)

	if err := h.tick(t); err != nil {
		t.Fatalf("tick error = %v", err)
	}

	st := h.engine.State()
	if st.BasePrice != 100 {
		t.Errorf("base price = %v, want first observed price 100", st.BasePrice)
	}
	// свечей нет: волатильность по умолчанию 0.2 → 2.5 + 4·(0.2 − 0.25) = 2.3
	if math.Abs(st.GridSize-2.3) > 1e-9 {
		t.Errorf("grid size = %v, want 2.3", st.GridSize)
	}
	if !st.NextMaintenance.Equal(testNow.Add(60 * time.Minute)) {
		t.Errorf("next maintenance = %v, want +60m", st.NextMaintenance)
	}
	if gw.CandleCalls[domain.Interval4h] != 1 {
		t.Errorf("4h candle calls = %d, want 1", gw.CandleCalls[domain.Interval4h])
	}

	// до следующего обслуживания свечи не запрашиваются
	if err := h.tick(t); err != nil {
		t.Fatalf("tick error = %v", err)
	}
	if gw.CandleCalls[domain.Interval4h] != 1 {
		t.Errorf("4h candle calls = %d, maintenance ran too early", gw.CandleCalls[domain.Interval4h])
	}
	if h.store.saves != 2 {
		t.Errorf("saves = %d, want one per tick", h.store.saves)
	}
}

func TestEngine_RecordsPartialFillOnFailure(t *testing.T) {
	gw := exchangetest.New(103.9)
	gw.Balance = domain.AssetBalance{Base: 10, Quote: 1000}
	seed := seededState()
	seed.Monitoring.WatchingHigh = true
	seed.ExtremePrice = 105
	exec := &partialExecutor{}
	h := newHarness(t, gw, seed, exec, false)

	if err := h.tick(t); err != nil {
		t.Fatalf("tick error = %v", err)
	}

	st := h.engine.State()
	if st.BasePrice != 100 {
		t.Errorf("base price = %v, want unchanged after failed execution", st.BasePrice)
	}
	if st.ConsecutiveErrors != 1 {
		t.Errorf("consecutive errors = %d, want 1", st.ConsecutiveErrors)
	}
	if st.Monitoring != (domain.MonitoringFlags{}) {
		t.Errorf("monitoring = %+v, want idle after abort", st.Monitoring)
	}
	trades, _ := h.trades.Recent(context.Background(), "", 10)
	if len(trades) != 1 || trades[0].Quantity != 0.5 {
		t.Errorf("trades = %+v, want the partial fill recorded", trades)
	}
	if h.recorder.Count(events.OrderFailed) != 1 || h.recorder.Count(events.Fill) != 0 {
		t.Error("partial fill must be reported as a failure")
	}
}

type partialExecutor struct{}

func (partialExecutor) Execute(_ context.Context, intent domain.OrderIntent, _ domain.BalanceSnapshot) (*execution.Result, error) {
	return &execution.Result{Intent: intent, OrderID: "p-1", FilledQty: 0.5, AvgPrice: 104, Attempts: 10},
		domain.ErrOrderNotFilled
}

func TestEngine_MaintenanceIgnoresOpenCandle(t *testing.T) {
	gw := exchangetest.New(100)
	gw.Balance = domain.AssetBalance{Base: 1, Quote: 100}

	// 42 закрытые свечи и текущая, открытая 2 часа назад
	openStart := testNow.Add(-2 * time.Hour)
	var candles []domain.Candle
	for i := 42; i >= 1; i-- {
		price := 100.0
		if i%2 == 0 {
			price = 101
		}
		candles = append(candles, domain.Candle{StartTime: openStart.Add(-4 * time.Hour * time.Duration(i)), Close: price})
	}
	candles = append(candles, domain.Candle{StartTime: openStart, Close: 150})
	gw.Candles[domain.Interval4h] = candles
	h := newHarness(t, gw, nil, nil, false)

	if err := h.tick(t); err != nil {
		t.Fatalf("tick error = %v", err)
	}

	ewma := h.engine.State().EWMA
	if want := openStart.Add(-4 * time.Hour); !ewma.LastCandle.Equal(want) {
		t.Errorf("last candle = %v, want last closed %v", ewma.LastCandle, want)
	}
	if ewma.LastPrice == 150 {
		t.Error("open candle close used for volatility")
	}
}
