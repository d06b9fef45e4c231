package telegram

import (
	"fmt"
	"strings"
	"time"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/internal/events"
)

// Lang представляет язык
type Lang string

const (
	LangEN Lang = "en"
	LangRU Lang = "ru"
)

var translations = map[string]map[Lang]string{
	"status":              {LangEN: "Status", LangRU: "Статус"},
	"trades":              {LangEN: "Recent Trades", LangRU: "Последние сделки"},
	"no_trades":           {LangEN: "No trades yet", LangRU: "Нет сделок"},
	"no_engines":          {LangEN: "No engines running", LangRU: "Нет запущенных пар"},
	"running":             {LangEN: "running", LangRU: "работает"},
	"stopped":             {LangEN: "stopped", LangRU: "остановлен"},
	"halted":              {LangEN: "HALTED", LangRU: "ОСТАНОВЛЕН"},
	"price":               {LangEN: "Price", LangRU: "Цена"},
	"base":                {LangEN: "Base", LangRU: "База"},
	"grid":                {LangEN: "Grid", LangRU: "Сетка"},
	"volatility":          {LangEN: "Volatility", LangRU: "Волатильность"},
	"position":            {LangEN: "Position", LangRU: "Позиция"},
	"risk":                {LangEN: "Risk", LangRU: "Риск"},
	"errors":              {LangEN: "Errors", LangRU: "Ошибки"},
	"filled":              {LangEN: "Filled", LangRU: "Исполнено"},
	"order_failed":        {LangEN: "Order failed", LangRU: "Ордер не исполнен"},
	"risk_threshold":      {LangEN: "Position limit reached", LangRU: "Достигнут лимит позиции"},
	"engine_halted":       {LangEN: "Engine halted", LangRU: "Движок остановлен"},
	"access_denied":       {LangEN: "Access denied", LangRU: "Доступ запрещен"},
	"rate_limit_exceeded": {LangEN: "Too many requests, please wait", LangRU: "Слишком много запросов, подождите"},
	"unknown_command":     {LangEN: "Unknown command, see /help", LangRU: "Неизвестная команда, см. /help"},
	"error":               {LangEN: "Error", LangRU: "Ошибка"},
}

// Formatter форматирует сообщения для пользователя
type Formatter struct {
	lang Lang
}

// NewFormatter создает новый форматтер
func NewFormatter(lang Lang) *Formatter {
	if lang != LangRU && lang != LangEN {
		lang = LangEN
	}
	return &Formatter{lang: lang}
}

// T переводит строку
func (f *Formatter) T(key string) string {
	if trans, ok := translations[key]; ok {
		if val, ok := trans[f.lang]; ok {
			return val
		}
	}
	return key
}

// FormatEvent текст уведомления; false для событий, о которых не сообщаем
func (f *Formatter) FormatEvent(e events.Event) (string, bool) {
	switch e.Type {
	case events.Fill:
		icon := "🟢"
		if e.Labels["side"] == string(domain.SideSell) {
			icon = "🔴"
		}
		msg := fmt.Sprintf("%s %s %s %s [%s]\n%.8f @ %.8f",
			icon, f.T("filled"), e.Labels["side"], e.Pair, e.Labels["strategy"],
			e.Fields["quantity"], e.Fields["price"])
		if profit, ok := e.Fields["profit"]; ok && profit != 0 {
			msg += fmt.Sprintf("\nP&L: %+.4f", profit)
		}
		return msg, true

	case events.Fatal:
		return fmt.Sprintf("🚨 %s: %s\n%s", f.T("engine_halted"), e.Pair, e.Message), true

	case events.RiskThreshold:
		return fmt.Sprintf("⚠️ %s: %s\n%s %.2f%% (%s)",
			f.T("risk_threshold"), e.Pair, f.T("position"), e.Fields["position_ratio"]*100, e.Labels["state"]), true

	case events.OrderFailed:
		return fmt.Sprintf("❌ %s: %s\n%s", f.T("order_failed"), e.Pair, e.Message), true
	}
	return "", false
}

// FormatStatus сводка по всем парам
func (f *Formatter) FormatStatus(statuses []domain.EngineStatus) string {
	if len(statuses) == 0 {
		return f.T("no_engines")
	}

	var sb strings.Builder
	sb.WriteString("📊 ")
	sb.WriteString(f.T("status"))
	sb.WriteString("\n")

	for _, s := range statuses {
		state := f.T("running")
		switch {
		case s.Halted:
			state = "⛔ " + f.T("halted")
		case !s.Running:
			state = f.T("stopped")
		}
		sb.WriteString(fmt.Sprintf("\n%s (%s)\n", s.Pair, state))
		sb.WriteString(fmt.Sprintf("%s: %.8f\n", f.T("price"), s.Price))
		sb.WriteString(fmt.Sprintf("%s: %.8f\n", f.T("base"), s.BasePrice))
		sb.WriteString(fmt.Sprintf("%s: %.2f%%\n", f.T("grid"), s.GridSize))
		sb.WriteString(fmt.Sprintf("%s: %.2f%%\n", f.T("volatility"), s.Volatility*100))
		sb.WriteString(fmt.Sprintf("%s: %.2f%% (%s)\n", f.T("position"), s.PositionRatio*100, s.Risk))
		sb.WriteString(fmt.Sprintf("SELL: %s / BUY: %s\n", s.SellPhase, s.BuyPhase))
		if s.ConsecutiveErrors > 0 {
			sb.WriteString(fmt.Sprintf("%s: %d\n", f.T("errors"), s.ConsecutiveErrors))
		}
		if s.HaltReason != "" {
			sb.WriteString(s.HaltReason + "\n")
		}
	}
	return sb.String()
}

// FormatTrades список последних сделок
func (f *Formatter) FormatTrades(trades []domain.TradeRecord) string {
	if len(trades) == 0 {
		return f.T("no_trades")
	}

	var sb strings.Builder
	sb.WriteString("📜 ")
	sb.WriteString(f.T("trades"))
	sb.WriteString(":\n\n")
	for i, t := range trades {
		sb.WriteString(fmt.Sprintf("%d. %s %s [%s]\n   %.8f @ %.8f = %.2f\n   %s\n",
			i+1, t.Side, t.Pair, t.Strategy, t.Quantity, t.Price, t.Amount,
			t.CreatedAt.UTC().Format(time.DateTime)))
	}
	return sb.String()
}

// FormatError форматирует ошибку
func (f *Formatter) FormatError(err error) string {
	return fmt.Sprintf("❌ %s: %v", f.T("error"), err)
}

// splitMessage разбивает длинное сообщение на части
func splitMessage(text string, maxLength int) []string {
	if len(text) <= maxLength {
		return []string{text}
	}

	var messages []string
	var current strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if current.Len() > 0 && current.Len()+len(line)+1 > maxLength {
			messages = append(messages, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		messages = append(messages, current.String())
	}
	return messages
}
