package execution

import (
	"fmt"
	"math"

	"github.com/kirillm/grid-bot/internal/domain"
)

// SlippageGuard защита рыночных ордеров от ухода цены после принятия решения
type SlippageGuard struct {
	thresholdPercent float64
}

func NewSlippageGuard(thresholdPercent float64) *SlippageGuard {
	return &SlippageGuard{thresholdPercent: thresholdPercent}
}

// Check возвращает ErrSlippageTooHigh, если отклонение больше порога.
// Нулевой порог отключает проверку.
func (sg *SlippageGuard) Check(actualPrice, expectedPrice float64) error {
	if sg.thresholdPercent <= 0 {
		return nil
	}
	if expectedPrice <= 0 {
		return fmt.Errorf("%w: expected price %.8f", domain.ErrInvalidInput, expectedPrice)
	}

	slippage := Slippage(actualPrice, expectedPrice)
	if slippage > sg.thresholdPercent {
		return fmt.Errorf("%w: %.2f%% (threshold: %.2f%%)", domain.ErrSlippageTooHigh, slippage, sg.thresholdPercent)
	}
	return nil
}

// Threshold текущий порог в процентах
func (sg *SlippageGuard) Threshold() float64 {
	return sg.thresholdPercent
}

// Slippage отклонение цены в процентах
func Slippage(actualPrice, expectedPrice float64) float64 {
	if expectedPrice <= 0 {
		return 0
	}
	return math.Abs((actualPrice - expectedPrice) / expectedPrice * 100.0)
}
