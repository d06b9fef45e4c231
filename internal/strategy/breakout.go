package strategy

import (
	"math"

	"github.com/kirillm/grid-bot/internal/domain"
)

// DefaultFlipRatio доля ширины сетки, на которую цена должна откатить от экстремума
const DefaultFlipRatio = 0.2

// retraceEpsilon допуск сравнения, чтобы откат ровно на порог срабатывал
const retraceEpsilon = 1e-9

// Phase фаза наблюдения за пробоем
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseWatching
	PhaseTriggered
)

func (p Phase) String() string {
	switch p {
	case PhaseWatching:
		return "WATCHING"
	case PhaseTriggered:
		return "TRIGGERED"
	default:
		return "IDLE"
	}
}

// Watcher автомат одной стороны: IDLE → WATCHING → TRIGGERED → IDLE
type Watcher struct {
	Side    domain.Side
	Phase   Phase
	Extreme float64
}

// enter IDLE → WATCHING
func (w *Watcher) enter(price float64) {
	w.Phase = PhaseWatching
	w.Extreme = price
}

// track обновляет экстремум в WATCHING
func (w *Watcher) track(price float64) {
	if w.Side == domain.SideSell {
		w.Extreme = math.Max(w.Extreme, price)
	} else {
		w.Extreme = math.Min(w.Extreme, price)
	}
}

// Retrace откат от экстремума в процентах
func (w *Watcher) Retrace(price float64) float64 {
	if w.Extreme <= 0 {
		return 0
	}
	return math.Abs(w.Extreme-price) / w.Extreme * 100
}

// trigger WATCHING → TRIGGERED
func (w *Watcher) trigger() {
	w.Phase = PhaseTriggered
}

// reset любая фаза → IDLE
func (w *Watcher) reset() {
	w.Phase = PhaseIdle
	w.Extreme = 0
}

// Signal результат проверки одной стороны
type Signal struct {
	Side      domain.Side
	Triggered bool
	Extreme   float64
	Retrace   float64
	Threshold float64
}

// BreakoutStateMachine основная стратегия: пробой границы сетки и откат
type BreakoutStateMachine struct {
	sell      Watcher
	buy       Watcher
	flipRatio float64
}

func NewBreakoutStateMachine(flipRatio float64) *BreakoutStateMachine {
	if flipRatio <= 0 {
		flipRatio = DefaultFlipRatio
	}
	return &BreakoutStateMachine{
		sell:      Watcher{Side: domain.SideSell},
		buy:       Watcher{Side: domain.SideBuy},
		flipRatio: flipRatio,
	}
}

// UpperBand base × (1 + grid/2/100)
func UpperBand(basePrice, gridSize float64) float64 {
	return basePrice * (1 + gridSize/2/100)
}

// LowerBand base × (1 − grid/2/100)
func LowerBand(basePrice, gridSize float64) float64 {
	return basePrice * (1 - gridSize/2/100)
}

// FlipThreshold порог отката в процентах
func (b *BreakoutStateMachine) FlipThreshold(gridSize float64) float64 {
	return b.flipRatio * gridSize
}

// Watcher текущее состояние стороны
func (b *BreakoutStateMachine) Watcher(side domain.Side) Watcher {
	if side == domain.SideSell {
		return b.sell
	}
	return b.buy
}

func (b *BreakoutStateMachine) watcher(side domain.Side) (*Watcher, *Watcher) {
	if side == domain.SideSell {
		return &b.sell, &b.buy
	}
	return &b.buy, &b.sell
}

// Check продвигает автомат стороны по цене. Сигнал возможен только из WATCHING.
func (b *BreakoutStateMachine) Check(side domain.Side, price, basePrice, gridSize float64) Signal {
	w, other := b.watcher(side)
	threshold := b.FlipThreshold(gridSize)
	sig := Signal{Side: side, Threshold: threshold}

	if price <= 0 || basePrice <= 0 {
		return sig
	}

	switch w.Phase {
	case PhaseIdle:
		crossed := price > UpperBand(basePrice, gridSize)
		if side == domain.SideBuy {
			crossed = price < LowerBand(basePrice, gridSize)
		}
		if crossed {
			w.enter(price)
			other.reset()
		}

	case PhaseWatching:
		w.track(price)
		retrace := w.Retrace(price)
		sig.Retrace = retrace
		if retrace+retraceEpsilon >= threshold {
			w.trigger()
			sig.Triggered = true
		}

	case PhaseTriggered:
		// ждет Complete или Abort от исполнителя
	}

	sig.Extreme = w.Extreme
	return sig
}

// Complete TRIGGERED → IDLE после исполнения, сбрасывает обе стороны
func (b *BreakoutStateMachine) Complete(side domain.Side) {
	b.sell.reset()
	b.buy.reset()
}

// Abort TRIGGERED → IDLE после неудачи исполнения
func (b *BreakoutStateMachine) Abort(side domain.Side) {
	w, _ := b.watcher(side)
	w.reset()
}

// Flags флаги наблюдения для сохранения в StrategyState
func (b *BreakoutStateMachine) Flags() (domain.MonitoringFlags, float64) {
	flags := domain.MonitoringFlags{
		WatchingHigh: b.sell.Phase == PhaseWatching,
		WatchingSell: b.sell.Phase == PhaseTriggered,
		WatchingLow:  b.buy.Phase == PhaseWatching,
		WatchingBuy:  b.buy.Phase == PhaseTriggered,
	}
	extreme := 0.0
	if b.sell.Phase != PhaseIdle {
		extreme = b.sell.Extreme
	} else if b.buy.Phase != PhaseIdle {
		extreme = b.buy.Extreme
	}
	return flags, extreme
}

// Restore восстанавливает автомат из сохраненных флагов.
// TRIGGERED без исполнения не переживает рестарт: такая сторона возвращается в WATCHING.
func (b *BreakoutStateMachine) Restore(flags domain.MonitoringFlags, extreme float64) {
	b.sell.reset()
	b.buy.reset()
	if extreme <= 0 {
		return
	}
	switch {
	case flags.WatchingHigh || flags.WatchingSell:
		b.sell.enter(extreme)
	case flags.WatchingLow || flags.WatchingBuy:
		b.buy.enter(extreme)
	}
}
