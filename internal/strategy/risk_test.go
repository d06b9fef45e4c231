package strategy

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/pkg/utils"
)

var testPair = domain.Pair{Base: "BNB", Quote: "USDT"}

// snapshotWithRatio строит снимок на 1000 USDT с заданной долей base по цене 100
func snapshotWithRatio(ratio float64) domain.BalanceSnapshot {
	return domain.NewBalanceSnapshot(testPair, domain.AssetBalance{
		Base:  ratio * 10,
		Quote: 1000 - ratio*1000,
	}, 100, time.Unix(0, 0))
}

func TestPositionRisk(t *testing.T) {
	tests := []struct {
		name  string
		ratio float64
		want  domain.RiskState
	}{
		{"91% above max", 0.91, domain.RiskAllowSellOnly},
		{"exactly max allows all", 0.90, domain.RiskAllowAll},
		{"middle", 0.5, domain.RiskAllowAll},
		{"exactly min allows all", 0.10, domain.RiskAllowAll},
		{"below min", 0.05, domain.RiskAllowBuyOnly},
		{"no base", 0, domain.RiskAllowBuyOnly},
		{"all base", 1, domain.RiskAllowSellOnly},
	}

	cfg := DefaultRiskConfig()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PositionRisk(snapshotWithRatio(tt.ratio), cfg); got != tt.want {
				t.Errorf("PositionRisk(%.2f) = %v, want %v", tt.ratio, got, tt.want)
			}
		})
	}
}

func TestPositionRisk_PureAndExclusive(t *testing.T) {
	cfg := DefaultRiskConfig()
	for r := 0.0; r <= 1.0; r += 0.005 {
		s := snapshotWithRatio(r)
		first := PositionRisk(s, cfg)
		for i := 0; i < 3; i++ {
			if got := PositionRisk(s, cfg); got != first {
				t.Fatalf("PositionRisk not deterministic at %.3f: %v then %v", r, first, got)
			}
		}
		if first.AllowsBuy() == false && first.AllowsSell() == false {
			t.Fatalf("ratio %.3f: state %v allows nothing", r, first)
		}
	}
}

func TestPositionRisk_ZeroValuation(t *testing.T) {
	s := domain.NewBalanceSnapshot(testPair, domain.AssetBalance{}, 100, time.Unix(0, 0))
	if got := PositionRisk(s, DefaultRiskConfig()); got != domain.RiskAllowBuyOnly {
		t.Errorf("PositionRisk(empty) = %v, want %v", got, domain.RiskAllowBuyOnly)
	}
}

func TestRiskGate_WarnsOncePerCrossing(t *testing.T) {
	base, hook := test.NewNullLogger()
	gate := NewRiskGate(DefaultRiskConfig(), utils.NewLoggerFrom(base))

	warnings := func() int {
		n := 0
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel {
				n++
			}
		}
		return n
	}

	ratios := []float64{0.5, 0.91, 0.93, 0.95, 0.5, 0.92, 0.05, 0.04}
	wantCrossed := []bool{false, true, false, false, false, true, true, false}

	for i, r := range ratios {
		_, crossed := gate.Evaluate(snapshotWithRatio(r))
		if crossed != wantCrossed[i] {
			t.Errorf("step %d ratio %.2f: crossed = %v, want %v", i, r, crossed, wantCrossed[i])
		}
	}

	if got := warnings(); got != 3 {
		t.Errorf("warnings = %d, want 3", got)
	}
	if !gate.Alerted() {
		t.Error("gate should stay alerted while ratio is outside bounds")
	}
}
