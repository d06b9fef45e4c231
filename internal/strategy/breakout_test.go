package strategy

import (
	"testing"

	"github.com/kirillm/grid-bot/internal/domain"
)

func TestBreakout_IdleNeverFires(t *testing.T) {
	b := NewBreakoutStateMachine(DefaultFlipRatio)

	// внутри полосы: 98..102 при base=100, grid=4
	for _, p := range []float64{100, 101.9, 98.1, 102, 98, 100.5} {
		for _, side := range []domain.Side{domain.SideSell, domain.SideBuy} {
			if sig := b.Check(side, p, 100, 4); sig.Triggered {
				t.Fatalf("Check(%s, %v) fired from IDLE", side, p)
			}
			if w := b.Watcher(side); w.Phase != PhaseIdle {
				t.Fatalf("Check(%s, %v) left IDLE inside the band: %v", side, p, w.Phase)
			}
		}
	}
}

func TestBreakout_EnteringWatchDoesNotFire(t *testing.T) {
	b := NewBreakoutStateMachine(DefaultFlipRatio)

	sig := b.Check(domain.SideSell, 110, 100, 4)
	if sig.Triggered {
		t.Fatal("crossing the band must only start watching")
	}
	if w := b.Watcher(domain.SideSell); w.Phase != PhaseWatching || w.Extreme != 110 {
		t.Fatalf("watcher = %+v, want WATCHING at 110", w)
	}
}

func TestBreakout_SellScenario(t *testing.T) {
	// base 100, grid 4%: граница +2%, максимум +5%, откат до +3.9%
	b := NewBreakoutStateMachine(DefaultFlipRatio)

	steps := []struct {
		price float64
		fire  bool
	}{
		{102.5, false},
		{104, false},
		{105, false},
		{104.5, false},
		{103.9, true},
	}
	for i, s := range steps {
		sig := b.Check(domain.SideSell, s.price, 100, 4)
		if sig.Triggered != s.fire {
			t.Fatalf("step %d price %v: triggered = %v, want %v (retrace %.4f, threshold %.4f)",
				i, s.price, sig.Triggered, s.fire, sig.Retrace, sig.Threshold)
		}
	}

	if w := b.Watcher(domain.SideSell); w.Phase != PhaseTriggered || w.Extreme != 105 {
		t.Errorf("watcher = %+v, want TRIGGERED with extreme 105", w)
	}
}

func TestBreakout_ExactThresholdTriggers(t *testing.T) {
	tests := []struct {
		name    string
		side    domain.Side
		entry   float64
		retrace float64
		fire    bool
	}{
		{"sell exactly at threshold", domain.SideSell, 105, 105 * (1 - 0.008), true},
		{"sell just short", domain.SideSell, 105, 105 * (1 - 0.0079), false},
		{"buy exactly at threshold", domain.SideBuy, 95, 95 * (1 + 0.008), true},
		{"buy just short", domain.SideBuy, 95, 95 * (1 + 0.0079), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBreakoutStateMachine(DefaultFlipRatio)
			b.Check(tt.side, tt.entry, 100, 4)
			sig := b.Check(tt.side, tt.retrace, 100, 4)
			if sig.Triggered != tt.fire {
				t.Errorf("triggered = %v, want %v (retrace %.10f threshold %.10f)",
					sig.Triggered, tt.fire, sig.Retrace, sig.Threshold)
			}
		})
	}
}

func TestBreakout_BuyTracksLow(t *testing.T) {
	b := NewBreakoutStateMachine(DefaultFlipRatio)

	b.Check(domain.SideBuy, 97, 100, 4)
	b.Check(domain.SideBuy, 95, 100, 4)
	b.Check(domain.SideBuy, 94, 100, 4)
	if w := b.Watcher(domain.SideBuy); w.Extreme != 94 {
		t.Fatalf("extreme = %v, want 94", w.Extreme)
	}

	if sig := b.Check(domain.SideBuy, 95, 100, 4); !sig.Triggered {
		t.Errorf("rebound 94→95 (%.3f%%) should exceed 0.8%% threshold", sig.Retrace)
	}
}

func TestBreakout_SidesAreExclusive(t *testing.T) {
	b := NewBreakoutStateMachine(DefaultFlipRatio)

	b.Check(domain.SideSell, 103, 100, 4)
	b.Check(domain.SideBuy, 97, 100, 4)

	if w := b.Watcher(domain.SideSell); w.Phase != PhaseIdle {
		t.Errorf("sell watcher = %v, want IDLE after buy side started", w.Phase)
	}
	flags, extreme := b.Flags()
	if !flags.WatchingLow || flags.WatchingHigh || extreme != 97 {
		t.Errorf("Flags() = %+v, %v", flags, extreme)
	}
}

func TestBreakout_CompleteAndAbortReturnToIdle(t *testing.T) {
	b := NewBreakoutStateMachine(DefaultFlipRatio)
	b.Check(domain.SideSell, 105, 100, 4)
	b.Check(domain.SideSell, 103, 100, 4)

	flags, _ := b.Flags()
	if !flags.WatchingSell {
		t.Fatalf("Flags() = %+v, want WatchingSell", flags)
	}

	// в TRIGGERED повторный сигнал не выдается
	if sig := b.Check(domain.SideSell, 101, 100, 4); sig.Triggered {
		t.Fatal("TRIGGERED must wait for Complete/Abort")
	}

	b.Abort(domain.SideSell)
	if w := b.Watcher(domain.SideSell); w.Phase != PhaseIdle {
		t.Fatalf("after Abort phase = %v", w.Phase)
	}

	b.Check(domain.SideSell, 105, 100, 4)
	b.Check(domain.SideSell, 103, 100, 4)
	b.Complete(domain.SideSell)
	flags, extreme := b.Flags()
	if flags != (domain.MonitoringFlags{}) || extreme != 0 {
		t.Errorf("after Complete flags = %+v extreme = %v", flags, extreme)
	}
}

func TestBreakout_RestoreFromFlags(t *testing.T) {
	b := NewBreakoutStateMachine(DefaultFlipRatio)
	b.Restore(domain.MonitoringFlags{WatchingSell: true}, 105)

	if w := b.Watcher(domain.SideSell); w.Phase != PhaseWatching || w.Extreme != 105 {
		t.Fatalf("restored watcher = %+v", w)
	}
	if sig := b.Check(domain.SideSell, 104, 100, 4); !sig.Triggered {
		t.Error("restored watcher should trigger on retrace")
	}
}
