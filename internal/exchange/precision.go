package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kirillm/grid-bot/internal/domain"
)

// Instrument торговые правила символа
type Instrument struct {
	Symbol      string
	TickSize    decimal.Decimal // шаг цены
	QtyStep     decimal.Decimal // шаг количества (basePrecision)
	MinQty      decimal.Decimal
	MinNotional decimal.Decimal
}

// Apply приводит значение к правилам биржи: цена округляется к ближайшему тику,
// количество обрезается вниз до шага, чтобы не превысить доступный баланс
func (i Instrument) Apply(value float64, kind domain.PrecisionKind) (float64, error) {
	switch kind {
	case domain.PrecisionPrice:
		return RoundToStep(value, i.TickSize), nil
	case domain.PrecisionAmount:
		return FloorToStep(value, i.QtyStep), nil
	default:
		return 0, fmt.Errorf("%w: precision kind %q", domain.ErrInvalidInput, kind)
	}
}

// FloorToStep округление вниз до кратного step
func FloorToStep(value float64, step decimal.Decimal) float64 {
	if !step.IsPositive() {
		return value
	}
	v := decimal.NewFromFloat(value)
	return v.Div(step).Floor().Mul(step).InexactFloat64()
}

// RoundToStep округление к ближайшему кратному step
func RoundToStep(value float64, step decimal.Decimal) float64 {
	if !step.IsPositive() {
		return value
	}
	v := decimal.NewFromFloat(value)
	return v.Div(step).Round(0).Mul(step).InexactFloat64()
}

// FormatDecimal строковое представление для тела запроса без экспоненты
func FormatDecimal(value float64) string {
	return decimal.NewFromFloat(value).String()
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
