package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Pair торговая пара base/quote
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// ParsePair разбирает строку вида "BNB/USDT"
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("%w: pair %q, expected BASE/QUOTE", ErrInvalidInput, s)
	}
	return Pair{
		Base:  strings.ToUpper(strings.TrimSpace(parts[0])),
		Quote: strings.ToUpper(strings.TrimSpace(parts[1])),
	}, nil
}

// Symbol биржевой символ, например BNBUSDT
func (p Pair) Symbol() string {
	return p.Base + p.Quote
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Candle OHLCV свеча
type Candle struct {
	StartTime time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// BookLevel уровень стакана
type BookLevel struct {
	Price    float64
	Quantity float64
}

// OrderBook верхние уровни стакана, лучшие цены первыми
type OrderBook struct {
	Bids []BookLevel
	Asks []BookLevel
}

// BestOpposing лучшая встречная цена: ask для покупки, bid для продажи
func (b *OrderBook) BestOpposing(side Side) (float64, bool) {
	if b == nil {
		return 0, false
	}
	levels := b.Bids
	if side == SideBuy {
		levels = b.Asks
	}
	if len(levels) == 0 || levels[0].Price <= 0 {
		return 0, false
	}
	return levels[0].Price, true
}

// AssetBalance свободные остатки по обоим активам пары
type AssetBalance struct {
	Base  float64
	Quote float64
}

// BalanceSnapshot неизменяемый снимок баланса пары на один тик
type BalanceSnapshot struct {
	Pair       Pair
	BaseQty    float64
	QuoteQty   float64
	Price      float64
	BaseValue  float64
	QuoteValue float64
	TakenAt    time.Time
}

// NewBalanceSnapshot оценивает остатки пары по текущей цене
func NewBalanceSnapshot(pair Pair, balance AssetBalance, price float64, at time.Time) BalanceSnapshot {
	return BalanceSnapshot{
		Pair:       pair,
		BaseQty:    balance.Base,
		QuoteQty:   balance.Quote,
		Price:      price,
		BaseValue:  balance.Base * price,
		QuoteValue: balance.Quote,
		TakenAt:    at,
	}
}

// TotalValue стоимость позиции пары в quote
func (s BalanceSnapshot) TotalValue() float64 {
	return s.BaseValue + s.QuoteValue
}

// PositionRatio доля base актива в стоимости пары
func (s BalanceSnapshot) PositionRatio() float64 {
	total := s.TotalValue()
	if total <= 0 {
		return 0
	}
	return s.BaseValue / total
}

// RiskState разрешения по направлениям торговли
type RiskState string

const (
	RiskAllowAll      RiskState = "ALLOW_ALL"
	RiskAllowSellOnly RiskState = "ALLOW_SELL_ONLY"
	RiskAllowBuyOnly  RiskState = "ALLOW_BUY_ONLY"
)

func (r RiskState) AllowsSell() bool {
	return r == RiskAllowAll || r == RiskAllowSellOnly
}

func (r RiskState) AllowsBuy() bool {
	return r == RiskAllowAll || r == RiskAllowBuyOnly
}

// Allows проверяет разрешение для стороны
func (r RiskState) Allows(side Side) bool {
	if side == SideBuy {
		return r.AllowsBuy()
	}
	return r.AllowsSell()
}

// OrderRequest запрос на создание ордера на бирже
type OrderRequest struct {
	Pair          Pair
	Side          Side
	Type          OrderType
	Quantity      float64
	Price         float64 // игнорируется для market
	ClientOrderID string
}

// OrderHandle ссылка на созданный ордер
type OrderHandle struct {
	OrderID       string
	ClientOrderID string
	Pair          Pair
}

// OrderStatus состояние ордера на бирже
type OrderStatus struct {
	Status    string
	FilledQty float64
	AvgPrice  float64
}

// Filled ордер исполнен полностью
func (s *OrderStatus) Filled() bool {
	return s != nil && s.Status == StatusFilled
}

// OrderIntent торговое намерение в рамках одного тика
type OrderIntent struct {
	Pair           Pair
	Side           Side
	Type           OrderType
	Quantity       float64
	Price          float64
	ReferencePrice float64 // базовая цена для оценки прибыли
	Strategy       Strategy
	Deadline       time.Time
}

// Notional стоимость намерения в quote
func (i OrderIntent) Notional() float64 {
	return i.Quantity * i.Price
}

// TradeRecord запись истории сделок
type TradeRecord struct {
	ID            int64     `json:"id,omitempty" db:"id"`
	OrderID       string    `json:"order_id" db:"order_id"`
	ClientOrderID string    `json:"client_order_id" db:"client_order_id"`
	Pair          string    `json:"pair" db:"pair"`
	Side          Side      `json:"side" db:"side"`
	Strategy      Strategy  `json:"strategy" db:"strategy"`
	Price         float64   `json:"price" db:"price"`
	Quantity      float64   `json:"quantity" db:"quantity"`
	Amount        float64   `json:"amount" db:"amount"`
	Profit        float64   `json:"profit" db:"profit"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// MonitoringFlags флаги наблюдения за пробоем
type MonitoringFlags struct {
	WatchingSell bool `json:"watching_sell"` // продажа сработала и ожидает исполнения
	WatchingHigh bool `json:"watching_high"` // отслеживается максимум выше верхней границы
	WatchingBuy  bool `json:"watching_buy"`
	WatchingLow  bool `json:"watching_low"`
}

// EWMAState накопитель экспоненциально взвешенной дисперсии
// по закрытым 4h свечам
type EWMAState struct {
	Variance    float64   `json:"variance"`
	LastPrice   float64   `json:"last_price"`
	LastCandle  time.Time `json:"last_candle"` // начало последней учтенной свечи
	Initialized bool      `json:"initialized"`
}

// StrategyState персистентное состояние стратегии по паре
type StrategyState struct {
	Pair              string          `json:"pair"`
	BasePrice         float64         `json:"base_price"`
	GridSize          float64         `json:"grid_size"`
	VolatilityHistory []float64       `json:"volatility_history"`
	EWMA              EWMAState       `json:"ewma"`
	Monitoring        MonitoringFlags `json:"monitoring"`
	ExtremePrice      float64         `json:"extreme_price"`
	ConsecutiveErrors int             `json:"consecutive_errors"`
	NextMaintenance   time.Time       `json:"next_maintenance"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Clone глубокая копия состояния
func (s *StrategyState) Clone() *StrategyState {
	if s == nil {
		return nil
	}
	c := *s
	if s.VolatilityHistory != nil {
		c.VolatilityHistory = append([]float64(nil), s.VolatilityHistory...)
	}
	return &c
}

// StateBounds ограничения для валидации состояния
type StateBounds struct {
	GridMin    float64
	GridMax    float64
	MaxHistory int
}

// Validate проверяет инварианты загруженного состояния
func (s *StrategyState) Validate(b StateBounds) error {
	if s.Pair == "" {
		return fmt.Errorf("%w: empty pair", ErrInvalidState)
	}
	if !finite(s.BasePrice) || s.BasePrice < 0 {
		return fmt.Errorf("%w: base_price %v", ErrInvalidState, s.BasePrice)
	}
	if !finite(s.GridSize) || s.GridSize < b.GridMin || s.GridSize > b.GridMax {
		return fmt.Errorf("%w: grid_size %v outside [%v, %v]", ErrInvalidState, s.GridSize, b.GridMin, b.GridMax)
	}
	if b.MaxHistory > 0 && len(s.VolatilityHistory) > b.MaxHistory {
		return fmt.Errorf("%w: volatility_history has %d samples", ErrInvalidState, len(s.VolatilityHistory))
	}
	for _, v := range s.VolatilityHistory {
		if !finite(v) || v < 0 {
			return fmt.Errorf("%w: volatility sample %v", ErrInvalidState, v)
		}
	}
	if !finite(s.EWMA.Variance) || s.EWMA.Variance < 0 || !finite(s.EWMA.LastPrice) || s.EWMA.LastPrice < 0 {
		return fmt.Errorf("%w: ewma %+v", ErrInvalidState, s.EWMA)
	}
	if !finite(s.ExtremePrice) || s.ExtremePrice < 0 {
		return fmt.Errorf("%w: extreme_price %v", ErrInvalidState, s.ExtremePrice)
	}
	if s.ConsecutiveErrors < 0 {
		return fmt.Errorf("%w: consecutive_errors %d", ErrInvalidState, s.ConsecutiveErrors)
	}
	m := s.Monitoring
	if (m.WatchingHigh || m.WatchingSell) && (m.WatchingLow || m.WatchingBuy) {
		return fmt.Errorf("%w: both breakout sides active", ErrInvalidState)
	}
	return nil
}

// OverlayLevels дневные уровни пробоя для overlay стратегии
type OverlayLevels struct {
	DailyHigh   float64 `json:"daily_high"`
	DailyLow    float64 `json:"daily_low"`
	RefreshedOn string  `json:"refreshed_on"` // YYYY-MM-DD UTC
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// EngineStatus снимок состояния движка пары для API и Telegram
type EngineStatus struct {
	Pair              string        `json:"pair"`
	Running           bool          `json:"running"`
	Halted            bool          `json:"halted"`
	HaltReason        string        `json:"halt_reason,omitempty"`
	Price             float64       `json:"price"`
	BasePrice         float64       `json:"base_price"`
	GridSize          float64       `json:"grid_size"`
	Volatility        float64       `json:"volatility"`
	PositionRatio     float64       `json:"position_ratio"`
	Risk              RiskState     `json:"risk"`
	SellPhase         string        `json:"sell_phase"`
	BuyPhase          string        `json:"buy_phase"`
	ExtremePrice      float64       `json:"extreme_price"`
	ConsecutiveErrors int           `json:"consecutive_errors"`
	Overlay           OverlayLevels `json:"overlay"`
	NextMaintenance   time.Time     `json:"next_maintenance"`
	LastTick          time.Time     `json:"last_tick"`
	LastError         string        `json:"last_error,omitempty"`
}
