package strategy

import (
	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/pkg/utils"
)

// RiskConfig границы доли позиции
type RiskConfig struct {
	MinPositionRatio float64
	MaxPositionRatio float64
}

func DefaultRiskConfig() RiskConfig {
	return RiskConfig{MinPositionRatio: 0.10, MaxPositionRatio: 0.90}
}

// PositionRisk чистая функция: снимок баланса → разрешения
func PositionRisk(snapshot domain.BalanceSnapshot, cfg RiskConfig) domain.RiskState {
	ratio := snapshot.PositionRatio()
	switch {
	case ratio > cfg.MaxPositionRatio:
		return domain.RiskAllowSellOnly
	case ratio < cfg.MinPositionRatio:
		return domain.RiskAllowBuyOnly
	default:
		return domain.RiskAllowAll
	}
}

// RiskGate оборачивает PositionRisk и пишет предупреждение один раз при выходе за границу
type RiskGate struct {
	cfg     RiskConfig
	logger  *utils.Logger
	alerted domain.RiskState // пусто, пока доля внутри границ
}

func NewRiskGate(cfg RiskConfig, logger *utils.Logger) *RiskGate {
	return &RiskGate{cfg: cfg, logger: logger}
}

// Evaluate возвращает состояние риска и признак того, что граница пересечена на этом вызове
func (r *RiskGate) Evaluate(snapshot domain.BalanceSnapshot) (domain.RiskState, bool) {
	state := PositionRisk(snapshot, r.cfg)
	if state == domain.RiskAllowAll {
		r.alerted = ""
		return state, false
	}
	if r.alerted == state {
		return state, false
	}

	r.alerted = state
	ratio := snapshot.PositionRatio()
	if state == domain.RiskAllowSellOnly {
		r.logger.Warn("Position ratio %.2f%% above max %.2f%%, buying disabled",
			ratio*100, r.cfg.MaxPositionRatio*100)
	} else {
		r.logger.Warn("Position ratio %.2f%% below min %.2f%%, selling disabled",
			ratio*100, r.cfg.MinPositionRatio*100)
	}
	return state, true
}

// Alerted было ли уже выдано предупреждение для текущего выхода за границу
func (r *RiskGate) Alerted() bool {
	return r.alerted != ""
}
