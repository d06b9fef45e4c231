package events

import (
	"sync"
	"time"

	"github.com/kirillm/grid-bot/pkg/utils"
)

// Type тип события движка
type Type string

const (
	TickStart     Type = "tick_start"
	TickEnd       Type = "tick_end"
	Signal        Type = "signal"
	Fill          Type = "fill"
	OrderFailed   Type = "order_failed"
	RiskThreshold Type = "risk_threshold"
	Fatal         Type = "fatal"
)

// Event структурированное событие для наблюдателей
type Event struct {
	Type    Type
	Pair    string
	Time    time.Time
	Message string
	Labels  map[string]string
	Fields  map[string]float64
}

// New создает событие с текущим временем
func New(t Type, pair string) Event {
	return Event{
		Type:   t,
		Pair:   pair,
		Time:   time.Now(),
		Labels: map[string]string{},
		Fields: map[string]float64{},
	}
}

// With добавляет числовое поле
func (e Event) With(key string, value float64) Event {
	e.Fields[key] = value
	return e
}

// Label добавляет строковую метку
func (e Event) Label(key, value string) Event {
	e.Labels[key] = value
	return e
}

// Msg задает текстовое описание
func (e Event) Msg(msg string) Event {
	e.Message = msg
	return e
}

// Observer получатель событий. Notify не должен блокировать тик.
type Observer interface {
	Notify(e Event)
}

// ObserverFunc адаптер функции к Observer
type ObserverFunc func(e Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Fanout рассылает событие всем наблюдателям
type Fanout []Observer

func (f Fanout) Notify(e Event) {
	for _, o := range f {
		if o != nil {
			o.Notify(e)
		}
	}
}

// LogObserver пишет события в структурированный лог
type LogObserver struct {
	logger *utils.Logger
}

func NewLogObserver(logger *utils.Logger) *LogObserver {
	return &LogObserver{logger: logger}
}

func (o *LogObserver) Notify(e Event) {
	fields := make(map[string]interface{}, len(e.Fields)+len(e.Labels)+2)
	fields["event"] = string(e.Type)
	fields["pair"] = e.Pair
	for k, v := range e.Labels {
		fields[k] = v
	}
	for k, v := range e.Fields {
		fields[k] = v
	}
	l := o.logger.WithFields(fields)

	switch e.Type {
	case Fatal:
		l.Error("%s", e.Message)
	case OrderFailed, RiskThreshold:
		l.Warn("%s", e.Message)
	case TickStart, TickEnd:
		l.Debug("%s", e.Message)
	default:
		l.Info("%s", e.Message)
	}
}

// Recorder сохраняет события в памяти, удобно для тестов и /status
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events копия накопленных событий
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count число событий заданного типа
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}
