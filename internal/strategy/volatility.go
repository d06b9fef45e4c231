package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/pkg/utils"
)

// VolatilityConfig параметры оценки волатильности
type VolatilityConfig struct {
	Window            int     // число 4h свечей, 42 = 7 дней
	Lambda            float64 // коэффициент затухания EWMA
	EWMAWeight        float64 // доля EWMA в гибридной оценке
	HistorySize       int     // сколько гибридных оценок усредняется
	PeriodsPerYear    float64 // частота выборки для годовой нормировки
	DefaultVolatility float64
	VolumeWeighted    bool
}

// DefaultVolatilityConfig значения по умолчанию для 4h свечей
func DefaultVolatilityConfig() VolatilityConfig {
	return VolatilityConfig{
		Window:            42,
		Lambda:            0.94,
		EWMAWeight:        0.7,
		HistorySize:       3,
		PeriodsPerYear:    365 * 6,
		DefaultVolatility: 0.2,
	}
}

// VolatilityEstimator считает сглаженную гибридную волатильность.
// Состояние EWMA и история живут в StrategyState, estimator их только обновляет.
type VolatilityEstimator struct {
	cfg    VolatilityConfig
	logger *utils.Logger
}

func NewVolatilityEstimator(cfg VolatilityConfig, logger *utils.Logger) *VolatilityEstimator {
	return &VolatilityEstimator{cfg: cfg, logger: logger}
}

// Config возвращает текущие параметры
func (v *VolatilityEstimator) Config() VolatilityConfig {
	return v.cfg
}

// Estimate обновляет EWMA и историю в state и возвращает среднее по истории.
// candles должны быть закрытыми 4h свечами от старых к новым.
// При нехватке свечей возвращает волатильность по умолчанию, state не меняется.
func (v *VolatilityEstimator) Estimate(state *domain.StrategyState, candles []domain.Candle) float64 {
	traditional, perPeriodVar, err := v.Traditional(candles)
	if err != nil {
		v.logger.Warn("Volatility fallback to default %.4f: %v", v.cfg.DefaultVolatility, err)
		return v.cfg.DefaultVolatility
	}

	ewmaVol := v.UpdateEWMA(&state.EWMA, candles[len(candles)-v.cfg.Window:], perPeriodVar)
	hybrid := v.cfg.EWMAWeight*ewmaVol + (1-v.cfg.EWMAWeight)*traditional

	state.VolatilityHistory = pushBounded(state.VolatilityHistory, hybrid, v.cfg.HistorySize)
	smoothed := mean(state.VolatilityHistory)

	v.logger.Debug("Volatility: traditional=%.4f ewma=%.4f hybrid=%.4f smoothed=%.4f",
		traditional, ewmaVol, hybrid, smoothed)
	return smoothed
}

// Traditional годовая волатильность логдоходностей по окну и дисперсия за период
func (v *VolatilityEstimator) Traditional(candles []domain.Candle) (float64, float64, error) {
	if len(candles) < v.cfg.Window || v.cfg.Window < 2 {
		return 0, 0, fmt.Errorf("%w: have %d candles, need %d", domain.ErrInsufficientHistory, len(candles), v.cfg.Window)
	}
	window := candles[len(candles)-v.cfg.Window:]

	returns := make([]float64, 0, len(window)-1)
	weights := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		prev, cur := window[i-1].Close, window[i].Close
		if prev <= 0 || cur <= 0 {
			return 0, 0, fmt.Errorf("%w: non-positive close at %d", domain.ErrInvalidInput, i)
		}
		returns = append(returns, math.Log(cur/prev))
		w := 1.0
		if v.cfg.VolumeWeighted {
			w = window[i].Volume
		}
		weights = append(weights, w)
	}

	variance := weightedVariance(returns, weights)
	return math.Sqrt(variance * v.cfg.PeriodsPerYear), variance, nil
}

// UpdateEWMA применяет var_t = λ·var_{t-1} + (1-λ)·r_t² к закрытиям свечей новее
// s.LastCandle и возвращает годовую волатильность. Одна выборка = один период свечи.
// Если последняя учтенная свеча выпала из окна, дисперсия заново
// инициализируется значением seedVariance.
func (v *VolatilityEstimator) UpdateEWMA(s *domain.EWMAState, candles []domain.Candle, seedVariance float64) float64 {
	if len(candles) == 0 {
		return math.Sqrt(s.Variance * v.cfg.PeriodsPerYear)
	}
	last := candles[len(candles)-1]

	if !s.Initialized || s.LastPrice <= 0 || s.LastCandle.Before(candles[0].StartTime) {
		s.Variance = seedVariance
		s.LastPrice = last.Close
		s.LastCandle = last.StartTime
		s.Initialized = last.Close > 0
		return math.Sqrt(s.Variance * v.cfg.PeriodsPerYear)
	}

	for _, c := range candles {
		if !c.StartTime.After(s.LastCandle) || c.Close <= 0 {
			continue
		}
		r := math.Log(c.Close / s.LastPrice)
		s.Variance = v.cfg.Lambda*s.Variance + (1-v.cfg.Lambda)*r*r
		s.LastPrice = c.Close
		s.LastCandle = c.StartTime
	}
	return math.Sqrt(s.Variance * v.cfg.PeriodsPerYear)
}

// ClosedCandles отбрасывает хвостовые свечи, период которых еще не закончился к now
func ClosedCandles(candles []domain.Candle, period time.Duration, now time.Time) []domain.Candle {
	n := len(candles)
	for n > 0 && candles[n-1].StartTime.Add(period).After(now) {
		n--
	}
	return candles[:n]
}

// weightedVariance выборочная дисперсия; при равных весах совпадает с несмещенной оценкой
func weightedVariance(xs, ws []float64) float64 {
	var sumW, sumWX float64
	for i, x := range xs {
		sumW += ws[i]
		sumWX += ws[i] * x
	}
	if sumW <= 0 || len(xs) < 2 {
		return 0
	}
	mu := sumWX / sumW

	var ss float64
	for i, x := range xs {
		d := x - mu
		ss += ws[i] * d * d
	}
	// поправка Бесселя для весов-частот
	n := float64(len(xs))
	return ss / sumW * n / (n - 1)
}

func pushBounded(history []float64, v float64, size int) []float64 {
	history = append(history, v)
	if size > 0 && len(history) > size {
		history = append([]float64(nil), history[len(history)-size:]...)
	}
	return history
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
