package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/internal/events"
	"github.com/kirillm/grid-bot/pkg/utils"
)

const (
	maxMessageLength  = 4096
	defaultQueueSize  = 64
	defaultTradeLimit = 10
	maxTradeLimit     = 50
)

// botAPI часть tgbotapi.BotAPI, которой пользуется бот
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// StatusProvider источник снимков состояния движков
type StatusProvider interface {
	Status() []domain.EngineStatus
}

// Config настройки бота
type Config struct {
	Token      string
	ChatID     int64
	AllowedIDs string
	Lang       Lang
	RateLimit  float64 // команд в секунду на чат
	QueueSize  int
}

// Bot отправляет уведомления о событиях движка и отвечает на команды
type Bot struct {
	api       botAPI
	chatID    int64
	logger    *utils.Logger
	formatter *Formatter
	auth      *AuthManager
	status    StatusProvider
	trades    domain.TradeRepository
	queue     chan string
}

func NewBot(cfg Config, status StatusProvider, trades domain.TradeRepository, logger *utils.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	logger.Info("Telegram bot authorized: @%s", api.Self.UserName)
	return newBot(api, cfg, status, trades, logger), nil
}

func newBot(api botAPI, cfg Config, status StatusProvider, trades domain.TradeRepository, logger *utils.Logger) *Bot {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	return &Bot{
		api:       api,
		chatID:    cfg.ChatID,
		logger:    logger,
		formatter: NewFormatter(cfg.Lang),
		auth:      NewAuthManager(cfg.ChatID, cfg.AllowedIDs, cfg.RateLimit),
		status:    status,
		trades:    trades,
		queue:     make(chan string, cfg.QueueSize),
	}
}

// Notify ставит уведомление в очередь, тик не ждет отправки
func (b *Bot) Notify(e events.Event) {
	text, ok := b.formatter.FormatEvent(e)
	if !ok {
		return
	}
	select {
	case b.queue <- text:
	default:
		b.logger.Warn("Telegram queue full, dropping %s notification for %s", e.Type, e.Pair)
	}
}

// Run отправляет уведомления и обрабатывает команды до отмены контекста
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	b.SendMessage(b.chatID, "🤖 Grid bot started!\nUse /help to see available commands.")

	for {
		select {
		case <-ctx.Done():
			b.flush()
			return

		case text := <-b.queue:
			b.SendMessage(b.chatID, text)

		case update, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			b.handleUpdate(ctx, update)
		}
	}
}

// flush отправляет накопленные уведомления перед выходом
func (b *Bot) flush() {
	for {
		select {
		case text := <-b.queue:
			b.SendMessage(b.chatID, text)
		default:
			return
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || !msg.IsCommand() {
		return
	}

	chatID := msg.Chat.ID
	if !b.auth.IsAllowed(chatID) {
		b.logger.Warn("Unauthorized access attempt from chat ID: %d", chatID)
		b.SendMessage(chatID, b.formatter.T("access_denied"))
		return
	}
	if !b.auth.Allow(chatID) {
		b.SendMessage(chatID, b.formatter.T("rate_limit_exceeded"))
		return
	}

	b.logger.Info("Received command: /%s %s", msg.Command(), msg.CommandArguments())
	b.SendMessage(chatID, b.handleCommand(ctx, msg.Command(), msg.CommandArguments()))
}

// handleCommand возвращает текст ответа на команду
func (b *Bot) handleCommand(ctx context.Context, command, args string) string {
	switch command {
	case "start", "help":
		return "/status - engine state per pair\n/trades [pair] [n] - recent trades"

	case "status":
		if b.status == nil {
			return b.formatter.T("no_engines")
		}
		return b.formatter.FormatStatus(b.status.Status())

	case "trades":
		if b.trades == nil {
			return b.formatter.T("no_trades")
		}
		pair, limit := parseTradesArgs(args)
		trades, err := b.trades.Recent(ctx, pair, limit)
		if err != nil {
			b.logger.Error("Failed to load trades: %v", err)
			return b.formatter.FormatError(err)
		}
		return b.formatter.FormatTrades(trades)
	}
	return b.formatter.T("unknown_command")
}

// parseTradesArgs "[BNB/USDT] [n]" в любом порядке
func parseTradesArgs(args string) (string, int) {
	pair, limit := "", defaultTradeLimit
	for _, f := range strings.Fields(args) {
		if n, err := strconv.Atoi(f); err == nil {
			if n > 0 && n <= maxTradeLimit {
				limit = n
			}
			continue
		}
		if p, err := domain.ParsePair(f); err == nil {
			pair = p.String()
		}
	}
	return pair, limit
}

// SendMessage отправляет сообщение, разбивая длинный текст
func (b *Bot) SendMessage(chatID int64, text string) {
	for _, part := range splitMessage(text, maxMessageLength) {
		if _, err := b.api.Send(tgbotapi.NewMessage(chatID, part)); err != nil {
			b.logger.Error("Failed to send telegram message: %v", err)
		}
	}
}

var _ events.Observer = (*Bot)(nil)
