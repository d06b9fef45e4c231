// Package metrics экспортирует события движка в Prometheus
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillm/grid-bot/internal/events"
)

// Observer переводит события движка в метрики bot_*
type Observer struct {
	registry *prometheus.Registry

	ticks      *prometheus.CounterVec
	signals    *prometheus.CounterVec
	fills      *prometheus.CounterVec
	failures   *prometheus.CounterVec
	riskAlerts *prometheus.CounterVec

	gridSize      *prometheus.GaugeVec
	volatility    *prometheus.GaugeVec
	positionRatio *prometheus.GaugeVec
	basePrice     *prometheus.GaugeVec
	halted        *prometheus.GaugeVec
}

// New создает наблюдателя со своим реестром
func New() *Observer {
	o := &Observer{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bot_ticks_total", Help: "Engine ticks completed"},
			[]string{"pair"},
		),
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bot_signals_total", Help: "Trading signals emitted"},
			[]string{"pair", "side", "strategy"},
		),
		fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bot_fills_total", Help: "Filled order intents"},
			[]string{"pair", "side", "strategy"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bot_order_failures_total", Help: "Failed order intents and ticks"},
			[]string{"pair"},
		),
		riskAlerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "bot_risk_threshold_total", Help: "Position ratio limit crossings"},
			[]string{"pair", "state"},
		),
		gridSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "bot_grid_size_percent", Help: "Current grid width in percent"},
			[]string{"pair"},
		),
		volatility: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "bot_volatility", Help: "Smoothed annualized volatility"},
			[]string{"pair"},
		),
		positionRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "bot_position_ratio", Help: "Base asset share of pair value"},
			[]string{"pair"},
		),
		basePrice: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "bot_base_price", Help: "Grid base price"},
			[]string{"pair"},
		),
		halted: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "bot_halted", Help: "1 when the pair engine is halted"},
			[]string{"pair"},
		),
	}

	o.registry.MustRegister(
		o.ticks, o.signals, o.fills, o.failures, o.riskAlerts,
		o.gridSize, o.volatility, o.positionRatio, o.basePrice, o.halted,
	)
	return o
}

// Registry реестр для promhttp
func (o *Observer) Registry() *prometheus.Registry {
	return o.registry
}

func (o *Observer) Notify(e events.Event) {
	switch e.Type {
	case events.TickEnd:
		o.ticks.WithLabelValues(e.Pair).Inc()
		o.setGauge(o.gridSize, e, "grid_size")
		o.setGauge(o.volatility, e, "volatility")
		o.setGauge(o.positionRatio, e, "position_ratio")
		o.setGauge(o.basePrice, e, "base_price")
	case events.Signal:
		o.signals.WithLabelValues(e.Pair, e.Labels["side"], e.Labels["strategy"]).Inc()
	case events.Fill:
		o.fills.WithLabelValues(e.Pair, e.Labels["side"], e.Labels["strategy"]).Inc()
	case events.OrderFailed:
		o.failures.WithLabelValues(e.Pair).Inc()
	case events.RiskThreshold:
		o.riskAlerts.WithLabelValues(e.Pair, e.Labels["state"]).Inc()
	case events.Fatal:
		o.halted.WithLabelValues(e.Pair).Set(1)
	}
}

func (o *Observer) setGauge(g *prometheus.GaugeVec, e events.Event, field string) {
	if v, ok := e.Fields[field]; ok {
		g.WithLabelValues(e.Pair).Set(v)
	}
}

var _ events.Observer = (*Observer)(nil)
