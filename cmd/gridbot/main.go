package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillm/grid-bot/internal/api"
	"github.com/kirillm/grid-bot/internal/config"
	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/internal/events"
	"github.com/kirillm/grid-bot/internal/exchange"
	"github.com/kirillm/grid-bot/internal/execution"
	"github.com/kirillm/grid-bot/internal/metrics"
	"github.com/kirillm/grid-bot/internal/orchestrator"
	"github.com/kirillm/grid-bot/internal/storage"
	"github.com/kirillm/grid-bot/internal/telegram"
	"github.com/kirillm/grid-bot/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		utils.Default().Error("💥 %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := utils.Configure(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}
	utils.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := "LIVE"
	if cfg.DryRun {
		mode = "DRY_RUN"
	}
	logger.Info("🤖 Grid bot starting in %s mode for %d pairs", mode, len(cfg.Pairs))

	bybit := exchange.NewBybitClient(cfg.Bybit, logger)
	if err := bybit.SyncTime(ctx); err != nil {
		logger.Warn("⚠️ Failed to sync server time: %v", err)
	}

	var gateway domain.ExchangeGateway = bybit
	var funds domain.FundsManager = execution.NoopFunds{}
	if cfg.DryRun {
		gateway = exchange.NewPaperGateway(bybit, cfg.Paper.Balances, cfg.Paper.FeeRate, logger)
	} else if cfg.Funds.Enabled {
		funds = execution.NewAccountFunds(bybit, bybit, cfg.Funds.FundAccount, cfg.Funds.TradeAccount, cfg.Funds.MaxIdleQuote, logger)
	}

	bounds := engineConfig(cfg, cfg.Pairs[0]).StateBounds()

	var (
		states    domain.StateStore
		trades    domain.TradeRepository
		observers = events.Fanout{events.NewLogObserver(logger)}
	)
	if cfg.DatabaseEnabled() {
		pg, err := storage.NewPostgresStorage(cfg.Database, bounds, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pg.Close()
		states, trades = pg, pg
		observers = append(observers, pg)
	} else {
		states = storage.NewFileStateStore(cfg.Storage.StateDir, bounds, logger)
		trades = storage.NewFileTradeLog(cfg.Storage.TradeLogFile)
	}

	promObserver := metrics.New()
	observers = append(observers, promObserver)

	// Бот читает статус движков через orch, который создается ниже
	engines := make([]*orchestrator.PairEngine, 0, len(cfg.Pairs))
	var orch *orchestrator.Orchestrator
	var bot *telegram.Bot
	if cfg.Telegram.Token != "" {
		bot, err = telegram.NewBot(cfg.Telegram, statusFunc(func() []domain.EngineStatus { return orch.Status() }), trades, logger)
		if err != nil {
			return fmt.Errorf("failed to create telegram bot: %w", err)
		}
		observers = append(observers, bot)
	}

	for _, pair := range cfg.Pairs {
		pairLogger := logger.WithPair(pair.String())
		killSwitch := execution.NewKillSwitch(pairLogger)
		executor := execution.NewExecutor(gateway, funds, killSwitch, cfg.Exec, pairLogger)

		engines = append(engines, orchestrator.NewPairEngine(engineConfig(cfg, pair), orchestrator.Deps{
			Gateway:    gateway,
			Executor:   executor,
			KillSwitch: killSwitch,
			States:     states,
			Trades:     trades,
			Observer:   observers,
			Logger:     pairLogger,
		}))
	}
	orch = orchestrator.New(engines, logger)

	botDone := make(chan struct{})
	if bot != nil {
		go func() {
			bot.Run(ctx)
			close(botDone)
		}()
	} else {
		close(botDone)
	}

	server := api.NewServer(logger, orch, trades, promObserver.Registry(), cfg.HTTPPort)
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(ctx)
	}()

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestrator: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- orch.Wait()
	}()

	select {
	case <-ctx.Done():
		logger.Info("🛑 Shutdown signal received")
		err = orch.Stop()
	case err = <-done:
		logger.Warn("⛔ All engines stopped")
		stop()
	case serr := <-serverErr:
		if serr != nil {
			logger.Error("HTTP server failed: %v", serr)
		}
		err = orch.Stop()
	}

	// Бот отправляет оставшиеся уведомления перед выходом
	select {
	case <-botDone:
	case <-time.After(5 * time.Second):
		logger.Warn("Telegram bot did not stop in time")
	}
	logger.Info("👋 Grid bot stopped")
	return err
}

// engineConfig параметры движка пары из общей конфигурации
func engineConfig(cfg *config.Config, pair domain.Pair) orchestrator.EngineConfig {
	e := cfg.Engine
	return orchestrator.EngineConfig{
		Pair:                pair,
		TickInterval:        e.TickInterval,
		OrderAmountRatio:    e.OrderAmountRatio,
		MinOrderNotional:    e.MinOrderNotional,
		OrderTimeout:        e.OrderTimeout,
		FatalErrorThreshold: e.FatalErrorThreshold,
		SignalPriceRetries:  e.SignalPriceRetries,
		SignalPriceDelay:    e.SignalPriceDelay,
		FlipRatio:           e.FlipRatio,
		Volatility:          e.Volatility,
		Grid:                e.Grid,
		Risk:                e.Risk,
		Overlay:             e.Overlay,
	}
}

type statusFunc func() []domain.EngineStatus

func (f statusFunc) Status() []domain.EngineStatus { return f() }
