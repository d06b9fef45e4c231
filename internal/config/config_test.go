package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PAIRS", "bnb/usdt, eth/usdt")
	t.Setenv("DRY_RUN", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.Pairs) != 2 || cfg.Pairs[0].String() != "BNB/USDT" || cfg.Pairs[1].String() != "ETH/USDT" {
		t.Errorf("Pairs = %v", cfg.Pairs)
	}
	if cfg.Engine.TickInterval != time.Minute {
		t.Errorf("TickInterval = %v, want 1m", cfg.Engine.TickInterval)
	}
	if cfg.Engine.FatalErrorThreshold != 5 {
		t.Errorf("FatalErrorThreshold = %d, want 5", cfg.Engine.FatalErrorThreshold)
	}
	if cfg.Engine.Grid.MinGrid != 1 || cfg.Engine.Grid.MaxGrid != 4 {
		t.Errorf("grid bounds = [%v, %v], want [1, 4]", cfg.Engine.Grid.MinGrid, cfg.Engine.Grid.MaxGrid)
	}
	if cfg.Engine.Overlay.MinOrderNotional != cfg.Engine.MinOrderNotional {
		t.Errorf("overlay min notional %v not synced with %v", cfg.Engine.Overlay.MinOrderNotional, cfg.Engine.MinOrderNotional)
	}
	if cfg.Exec.MaxAttempts != 10 || cfg.Exec.CheckInterval != 3*time.Second {
		t.Errorf("Exec = %+v", cfg.Exec)
	}
	if cfg.Paper.Balances["USDT"] != 1000 {
		t.Errorf("paper balances = %v", cfg.Paper.Balances)
	}
	if cfg.DatabaseEnabled() {
		t.Error("database must be disabled without DB_HOST")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"bad float", map[string]string{"ORDER_AMOUNT_RATIO": "abc"}, "ORDER_AMOUNT_RATIO"},
		{"bad duration", map[string]string{"TICK_INTERVAL": "fast"}, "TICK_INTERVAL"},
		{"ratio above one", map[string]string{"ORDER_AMOUNT_RATIO": "1.5"}, "ORDER_AMOUNT_RATIO"},
		{"inverted position bounds", map[string]string{"MIN_POSITION_RATIO": "0.9", "MAX_POSITION_RATIO": "0.1"}, "MIN_POSITION_RATIO"},
		{"zero threshold", map[string]string{"FATAL_ERROR_THRESHOLD": "0"}, "FATAL_ERROR_THRESHOLD"},
		{"live without keys", map[string]string{"DRY_RUN": "false"}, "BYBIT_API_KEY"},
		{"telegram without chat", map[string]string{"TELEGRAM_BOT_TOKEN": "x"}, "TELEGRAM_CHAT_ID"},
		{"bad pair", map[string]string{"PAIRS": "BNBUSDT"}, "PAIRS"},
		{"duplicate pair", map[string]string{"PAIRS": "BNB/USDT,bnb/usdt"}, "duplicate"},
		{"bad balances", map[string]string{"PAPER_BALANCES": "USDT=5"}, "PAPER_BALANCES"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DRY_RUN", "true")
			t.Setenv("BYBIT_API_KEY", "")
			t.Setenv("BYBIT_API_SECRET", "")
			t.Setenv("TELEGRAM_CHAT_ID", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load() error = nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoadIntervalTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "intervals.yaml")
	content := `intervals:
  - max_volatility: 0.3
    interval: 45m
  - max_volatility: .inf
    interval: 10m
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	steps, err := LoadIntervalTable(path)
	if err != nil {
		t.Fatalf("LoadIntervalTable() error = %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("len(steps) = %d, want 2", len(steps))
	}
	if steps[0].MaxVolatility != 0.3 || steps[0].Interval != 45*time.Minute {
		t.Errorf("steps[0] = %+v", steps[0])
	}
	if !math.IsInf(steps[1].MaxVolatility, 1) || steps[1].Interval != 10*time.Minute {
		t.Errorf("steps[1] = %+v", steps[1])
	}

	t.Setenv("DRY_RUN", "true")
	t.Setenv("VOLATILITY_TABLE_FILE", path)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Engine.Grid.Intervals) != 2 {
		t.Errorf("Intervals = %+v, want the file table", cfg.Engine.Grid.Intervals)
	}
}

func TestLoadIntervalTable_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(path, []byte("intervals: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadIntervalTable(path); err == nil {
		t.Error("empty table accepted")
	}
}
