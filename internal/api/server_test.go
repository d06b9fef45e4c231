package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/internal/events"
	"github.com/kirillm/grid-bot/internal/metrics"
	"github.com/kirillm/grid-bot/pkg/utils"
)

type staticStatus []domain.EngineStatus

func (s staticStatus) Status() []domain.EngineStatus { return s }

type memTrades struct {
	trades    []domain.TradeRecord
	err       error
	lastPair  string
	lastLimit int
}

func (m *memTrades) Append(_ context.Context, t *domain.TradeRecord) error {
	m.trades = append(m.trades, *t)
	return nil
}

func (m *memTrades) Recent(_ context.Context, pair string, limit int) ([]domain.TradeRecord, error) {
	m.lastPair, m.lastLimit = pair, limit
	return m.trades, m.err
}

func newTestServer(status StatusProvider, trades domain.TradeRepository) (*Server, *metrics.Observer) {
	m := metrics.New()
	return NewServer(utils.NewNopLogger(), status, trades, m.Registry(), 0), m
}

func do(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var resp Response
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return rec, resp
}

func TestServer_Health(t *testing.T) {
	s, _ := newTestServer(staticStatus{{Pair: "BNB/USDT", Halted: true}}, nil)

	rec, resp := do(t, s.Router(), "/health")
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("GET /health = %d %+v", rec.Code, resp)
	}
	data := resp.Data.(map[string]interface{})
	if data["status"] != "degraded" {
		t.Errorf("status = %v, want degraded with a halted engine", data["status"])
	}
}

func TestServer_Status(t *testing.T) {
	status := staticStatus{
		{Pair: "BNB/USDT", Running: true, GridSize: 2.5},
		{Pair: "ETH/USDT", Running: true, GridSize: 3.1},
	}
	s, _ := newTestServer(status, nil)
	h := s.Router()

	tests := []struct {
		name     string
		path     string
		wantCode int
		contains string
	}{
		{"all", "/status", http.StatusOK, `"ETH/USDT"`},
		{"one pair", "/status?pair=eth/usdt", http.StatusOK, `"grid_size":3.1`},
		{"unknown pair", "/status?pair=SOL/USDT", http.StatusNotFound, "not found"},
		{"bad pair", "/status?pair=SOLUSDT", http.StatusBadRequest, "BASE/QUOTE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := do(t, h, tt.path)
			if rec.Code != tt.wantCode {
				t.Errorf("GET %s = %d, want %d", tt.path, rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.contains) {
				t.Errorf("GET %s body %s, want %s", tt.path, rec.Body.String(), tt.contains)
			}
		})
	}
}

func TestServer_Trades(t *testing.T) {
	trades := &memTrades{trades: []domain.TradeRecord{{Pair: "BNB/USDT", Side: domain.SideBuy, Price: 600, Quantity: 0.1}}}
	s, _ := newTestServer(staticStatus{}, trades)
	h := s.Router()

	rec, resp := do(t, h, "/trades?pair=bnb/usdt&limit=5")
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("GET /trades = %d %+v", rec.Code, resp)
	}
	if trades.lastPair != "BNB/USDT" || trades.lastLimit != 5 {
		t.Errorf("Recent(%q, %d), want BNB/USDT, 5", trades.lastPair, trades.lastLimit)
	}
	if got := resp.Data.(map[string]interface{})["count"]; got != float64(1) {
		t.Errorf("count = %v, want 1", got)
	}

	if rec, _ := do(t, h, "/trades?limit=abc"); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rec.Code)
	}

	trades.err = errors.New("db down")
	if rec, _ := do(t, h, "/trades"); rec.Code != http.StatusInternalServerError {
		t.Errorf("repository failure = %d, want 500", rec.Code)
	}
	if trades.lastLimit != defaultTradeLimit {
		t.Errorf("default limit = %d, want %d", trades.lastLimit, defaultTradeLimit)
	}
}

func TestServer_TradesUnavailable(t *testing.T) {
	s, _ := newTestServer(staticStatus{}, nil)
	if rec, _ := do(t, s.Router(), "/trades"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /trades without history = %d, want 503", rec.Code)
	}
}

func TestServer_Metrics(t *testing.T) {
	s, m := newTestServer(staticStatus{}, nil)
	m.Notify(events.New(events.TickEnd, "BNB/USDT"))

	rec, _ := do(t, s.Router(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `bot_ticks_total{pair="BNB/USDT"} 1`) {
		t.Errorf("metrics body missing tick counter:\n%s", rec.Body.String())
	}
}
