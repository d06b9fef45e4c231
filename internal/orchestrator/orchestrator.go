package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/pkg/utils"
)

// Orchestrator запускает по одному движку на пару.
// Движки независимы: остановка одного не влияет на остальные.
type Orchestrator struct {
	engines []*PairEngine
	logger  *utils.Logger

	mu        sync.Mutex
	isRunning bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	errs      []error
}

// New создает новый orchestrator
func New(engines []*PairEngine, logger *utils.Logger) *Orchestrator {
	return &Orchestrator{engines: engines, logger: logger}
}

// Start запускает движки в отдельных горутинах
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.isRunning {
		return fmt.Errorf("orchestrator already running")
	}
	if len(o.engines) == 0 {
		return fmt.Errorf("%w: no pairs configured", domain.ErrInvalidInput)
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.isRunning = true
	o.errs = nil

	for _, engine := range o.engines {
		engine.Init()
	}
	for _, engine := range o.engines {
		o.wg.Add(1)
		go func(e *PairEngine) {
			defer o.wg.Done()
			if err := e.Run(runCtx); err != nil {
				o.logger.Error("⛔ Engine %s stopped: %v", e.Pair(), err)
				o.mu.Lock()
				o.errs = append(o.errs, fmt.Errorf("%s: %w", e.Pair(), err))
				o.mu.Unlock()
			}
		}(engine)
	}

	o.logger.Info("🚀 Orchestrator started with %d pairs", len(o.engines))
	return nil
}

// Wait ждет завершения всех движков и возвращает их ошибки
func (o *Orchestrator) Wait() error {
	o.wg.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.isRunning = false
	return errors.Join(o.errs...)
}

// Stop отменяет контекст движков; текущие тики доходят до конца
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel == nil {
		return nil
	}

	o.logger.Info("🛑 Stopping orchestrator...")
	cancel()
	err := o.Wait()
	o.logger.Info("✅ Orchestrator stopped")
	return err
}

// IsRunning запущены ли движки
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.isRunning
}

// Status снимки всех движков, отсортированные по паре
func (o *Orchestrator) Status() []domain.EngineStatus {
	out := make([]domain.EngineStatus, 0, len(o.engines))
	for _, e := range o.engines {
		out = append(out, e.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pair < out[j].Pair })
	return out
}

// Engine движок пары или nil
func (o *Orchestrator) Engine(pair string) *PairEngine {
	for _, e := range o.engines {
		if e.Pair() == pair {
			return e
		}
	}
	return nil
}
