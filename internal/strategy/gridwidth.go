package strategy

import (
	"math"
	"sort"
	"time"
)

// MinMaintenanceInterval нижняя граница интервала пересчета сетки
const MinMaintenanceInterval = 5 * time.Minute

// IntervalStep ступень таблицы: волатильность до MaxVolatility включительно → Interval
type IntervalStep struct {
	MaxVolatility float64       `yaml:"max_volatility"`
	Interval      time.Duration `yaml:"interval"`
}

// GridConfig параметры ширины сетки
type GridConfig struct {
	BaseGrid         float64 // ширина в процентах при центральной волатильности
	Sensitivity      float64 // k
	CenterVolatility float64
	MinGrid          float64
	MaxGrid          float64
	Intervals        []IntervalStep
}

// DefaultIntervalTable чем выше волатильность, тем чаще пересчет
func DefaultIntervalTable() []IntervalStep {
	return []IntervalStep{
		{MaxVolatility: 0.20, Interval: 60 * time.Minute},
		{MaxVolatility: 0.40, Interval: 30 * time.Minute},
		{MaxVolatility: 0.80, Interval: 15 * time.Minute},
		{MaxVolatility: math.Inf(1), Interval: 5 * time.Minute},
	}
}

func DefaultGridConfig() GridConfig {
	return GridConfig{
		BaseGrid:         2.5,
		Sensitivity:      4.0,
		CenterVolatility: 0.25,
		MinGrid:          1.0,
		MaxGrid:          4.0,
		Intervals:        DefaultIntervalTable(),
	}
}

// GridWidthController переводит волатильность в ширину сетки и интервал обслуживания
type GridWidthController struct {
	cfg GridConfig
}

func NewGridWidthController(cfg GridConfig) *GridWidthController {
	steps := append([]IntervalStep(nil), cfg.Intervals...)
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].MaxVolatility < steps[j].MaxVolatility
	})
	cfg.Intervals = steps
	return &GridWidthController{cfg: cfg}
}

// GridSize grid = base + k·(vol − center), ограничено [MinGrid, MaxGrid]
func (g *GridWidthController) GridSize(volatility float64) float64 {
	if math.IsNaN(volatility) {
		return g.clamp(g.cfg.BaseGrid)
	}
	size := g.cfg.BaseGrid + g.cfg.Sensitivity*(volatility-g.cfg.CenterVolatility)
	return g.clamp(size)
}

func (g *GridWidthController) clamp(v float64) float64 {
	if math.IsNaN(v) {
		return g.cfg.MinGrid
	}
	return math.Max(g.cfg.MinGrid, math.Min(g.cfg.MaxGrid, v))
}

// Interval интервал до следующей проверки по таблице ступеней
func (g *GridWidthController) Interval(volatility float64) time.Duration {
	interval := MinMaintenanceInterval
	if !math.IsNaN(volatility) {
		for _, step := range g.cfg.Intervals {
			if volatility <= step.MaxVolatility {
				interval = step.Interval
				break
			}
		}
	}
	if interval < MinMaintenanceInterval {
		interval = MinMaintenanceInterval
	}
	return interval
}

// Bounds границы ширины сетки
func (g *GridWidthController) Bounds() (float64, float64) {
	return g.cfg.MinGrid, g.cfg.MaxGrid
}
