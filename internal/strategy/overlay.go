package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/pkg/utils"
)

// OverlayConfig параметры дневного ребаланса
type OverlayConfig struct {
	Enabled          bool
	Lookback         int     // число закрытых дневных свечей
	SellTargetRatio  float64 // выше дневного максимума продаем до этой доли
	BuyTargetRatio   float64 // ниже дневного минимума докупаем до этой доли
	MinOrderNotional float64
}

func DefaultOverlayConfig() OverlayConfig {
	return OverlayConfig{
		Enabled:          true,
		Lookback:         52,
		SellTargetRatio:  0.5,
		BuyTargetRatio:   0.7,
		MinOrderNotional: 5,
	}
}

// CandleSource источник свечей для обновления уровней
type CandleSource interface {
	FetchCandles(ctx context.Context, pair domain.Pair, interval string, limit int) ([]domain.Candle, error)
}

// OverlayRebalancer вторичная стратегия по 52-дневным экстремумам.
// Не имеет доступа к StrategyState и поэтому не может изменить базовую цену сетки.
type OverlayRebalancer struct {
	cfg    OverlayConfig
	pair   domain.Pair
	source CandleSource
	logger *utils.Logger
	levels domain.OverlayLevels
}

func NewOverlayRebalancer(cfg OverlayConfig, pair domain.Pair, source CandleSource, logger *utils.Logger) *OverlayRebalancer {
	return &OverlayRebalancer{cfg: cfg, pair: pair, source: source, logger: logger}
}

// Levels текущие дневные уровни
func (o *OverlayRebalancer) Levels() domain.OverlayLevels {
	return o.levels
}

// Refresh пересчитывает уровни не чаще раза в календарный день (UTC)
func (o *OverlayRebalancer) Refresh(ctx context.Context, now time.Time) error {
	day := now.UTC().Format("2006-01-02")
	if o.levels.RefreshedOn == day {
		return nil
	}

	// последняя свеча еще не закрыта, берем на одну больше
	candles, err := o.source.FetchCandles(ctx, o.pair, domain.Interval1d, o.cfg.Lookback+1)
	if err != nil {
		return fmt.Errorf("failed to fetch daily candles: %w", err)
	}
	if len(candles) < o.cfg.Lookback+1 {
		return fmt.Errorf("%w: have %d daily candles, need %d", domain.ErrInsufficientHistory, len(candles), o.cfg.Lookback+1)
	}

	completed := candles[len(candles)-o.cfg.Lookback-1 : len(candles)-1]
	high, low := 0.0, math.MaxFloat64
	for _, c := range completed {
		high = math.Max(high, c.High)
		low = math.Min(low, c.Low)
	}

	o.levels = domain.OverlayLevels{DailyHigh: high, DailyLow: low, RefreshedOn: day}
	o.logger.Info("Overlay levels refreshed: high=%.8f low=%.8f", high, low)
	return nil
}

// Decide возвращает намерение ребаланса или nil
func (o *OverlayRebalancer) Decide(price float64, snapshot domain.BalanceSnapshot, risk domain.RiskState) *domain.OrderIntent {
	if !o.cfg.Enabled || o.levels.RefreshedOn == "" || price <= 0 {
		return nil
	}

	ratio := snapshot.PositionRatio()
	var side domain.Side
	var target float64

	switch {
	case price > o.levels.DailyHigh && ratio > o.cfg.SellTargetRatio:
		side, target = domain.SideSell, o.cfg.SellTargetRatio
	case price < o.levels.DailyLow && ratio < o.cfg.BuyTargetRatio:
		side, target = domain.SideBuy, o.cfg.BuyTargetRatio
	default:
		return nil
	}

	if !risk.Allows(side) {
		o.logger.Debug("Overlay %s blocked by risk state %s", side, risk)
		return nil
	}

	qty := RebalanceQuantity(ratio, target, snapshot.TotalValue(), price)
	if qty*price < o.cfg.MinOrderNotional {
		o.logger.Debug("Overlay %s skipped: notional %.4f below minimum", side, qty*price)
		return nil
	}

	o.logger.Info("Overlay %s: price=%.8f ratio=%.2f%% target=%.2f%% qty=%.8f",
		side, price, ratio*100, target*100, qty)

	return &domain.OrderIntent{
		Pair:     o.pair,
		Side:     side,
		Type:     domain.OrderTypeMarket,
		Quantity: qty,
		Price:    price,
		Strategy: domain.StrategyOverlay,
	}
}

// RebalanceQuantity |ratio − target| × total, переведенное в base по цене
func RebalanceQuantity(ratio, target, totalValue, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return math.Abs(ratio-target) * totalValue / price
}
