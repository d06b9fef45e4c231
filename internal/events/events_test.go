package events

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/kirillm/grid-bot/pkg/utils"
)

func TestFanout_DeliversToAllAndSkipsNil(t *testing.T) {
	var a, b Recorder
	calls := 0
	f := Fanout{&a, nil, ObserverFunc(func(Event) { calls++ }), &b}

	f.Notify(New(Fill, "BNB/USDT").Label("side", "BUY").With("price", 600))

	if a.Count(Fill) != 1 || b.Count(Fill) != 1 || calls != 1 {
		t.Errorf("deliveries a=%d b=%d func=%d, want 1 each", a.Count(Fill), b.Count(Fill), calls)
	}
	got := a.Events()[0]
	if got.Labels["side"] != "BUY" || got.Fields["price"] != 600 {
		t.Errorf("event = %+v", got)
	}
}

func TestLogObserver_Levels(t *testing.T) {
	base, hook := test.NewNullLogger()
	base.SetLevel(logrus.DebugLevel)
	o := NewLogObserver(utils.NewLoggerFrom(base))

	tests := []struct {
		typ  Type
		want logrus.Level
	}{
		{Fatal, logrus.ErrorLevel},
		{OrderFailed, logrus.WarnLevel},
		{RiskThreshold, logrus.WarnLevel},
		{TickEnd, logrus.DebugLevel},
		{Fill, logrus.InfoLevel},
	}
	for _, tt := range tests {
		o.Notify(New(tt.typ, "ETH/USDT").With("grid_size", 2.5).Msg(string(tt.typ)))
		entry := hook.LastEntry()
		if entry.Level != tt.want {
			t.Errorf("%s logged at %v, want %v", tt.typ, entry.Level, tt.want)
		}
		if entry.Data["event"] != string(tt.typ) || entry.Data["pair"] != "ETH/USDT" || entry.Data["grid_size"] != 2.5 {
			t.Errorf("%s fields = %v", tt.typ, entry.Data)
		}
	}
}
