package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/kirillm/grid-bot/internal/events"
)

func TestObserver_CountsEvents(t *testing.T) {
	o := New()

	o.Notify(events.New(events.Signal, "BNB/USDT").Label("side", "SELL").Label("strategy", "GRID"))
	o.Notify(events.New(events.Fill, "BNB/USDT").Label("side", "SELL").Label("strategy", "GRID"))
	o.Notify(events.New(events.OrderFailed, "BNB/USDT"))
	o.Notify(events.New(events.OrderFailed, "BNB/USDT"))
	o.Notify(events.New(events.TickEnd, "BNB/USDT"))

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"signals", testutil.ToFloat64(o.signals.WithLabelValues("BNB/USDT", "SELL", "GRID")), 1},
		{"fills", testutil.ToFloat64(o.fills.WithLabelValues("BNB/USDT", "SELL", "GRID")), 1},
		{"failures", testutil.ToFloat64(o.failures.WithLabelValues("BNB/USDT")), 2},
		{"ticks", testutil.ToFloat64(o.ticks.WithLabelValues("BNB/USDT")), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestObserver_TickEndGauges(t *testing.T) {
	o := New()

	o.Notify(events.New(events.TickEnd, "ETH/USDT").
		With("grid_size", 3.1).
		With("volatility", 0.4).
		With("position_ratio", 0.55))

	if got := testutil.ToFloat64(o.gridSize.WithLabelValues("ETH/USDT")); got != 3.1 {
		t.Errorf("grid size = %v, want 3.1", got)
	}
	if got := testutil.ToFloat64(o.volatility.WithLabelValues("ETH/USDT")); got != 0.4 {
		t.Errorf("volatility = %v, want 0.4", got)
	}
	if got := testutil.ToFloat64(o.positionRatio.WithLabelValues("ETH/USDT")); got != 0.55 {
		t.Errorf("position ratio = %v, want 0.55", got)
	}
	// base_price не передан, серия не создается
	if n := testutil.CollectAndCount(o.basePrice); n != 0 {
		t.Errorf("base price series = %d, want 0", n)
	}
}

func TestObserver_FatalSetsHalted(t *testing.T) {
	o := New()
	o.Notify(events.New(events.Fatal, "BNB/USDT").Msg("halted"))

	if got := testutil.ToFloat64(o.halted.WithLabelValues("BNB/USDT")); got != 1 {
		t.Errorf("halted = %v, want 1", got)
	}
}
