package execution

import (
	"context"
	"fmt"

	"github.com/kirillm/grid-bot/internal/domain"
	"github.com/kirillm/grid-bot/pkg/utils"
)

// NoopFunds внешнего резерва нет: пополнение ничего не делает,
// и исполнитель сразу увидит нехватку средств
type NoopFunds struct{}

func (NoopFunds) TopUp(context.Context, string, float64) error { return nil }

func (NoopFunds) SweepIdle(context.Context, domain.Pair) error { return nil }

// Transferer перевод между счетами биржи
type Transferer interface {
	Transfer(ctx context.Context, coin string, amount float64, from, to string) error
}

// BalanceSource остатки пары на торговом счете
type BalanceSource interface {
	FetchBalance(ctx context.Context, pair domain.Pair) (*domain.AssetBalance, error)
}

// AccountFunds держит свободные средства на фондовом счете и
// переводит их на торговый по запросу исполнителя
type AccountFunds struct {
	transfer     Transferer
	balances     BalanceSource
	fundAccount  string
	tradeAccount string
	maxIdleQuote float64 // 0: излишки не выводятся
	logger       *utils.Logger
}

func NewAccountFunds(transfer Transferer, balances BalanceSource, fundAccount, tradeAccount string, maxIdleQuote float64, logger *utils.Logger) *AccountFunds {
	return &AccountFunds{
		transfer:     transfer,
		balances:     balances,
		fundAccount:  fundAccount,
		tradeAccount: tradeAccount,
		maxIdleQuote: maxIdleQuote,
		logger:       logger,
	}
}

// TopUp переводит недостающую сумму на торговый счет
func (f *AccountFunds) TopUp(ctx context.Context, asset string, amount float64) error {
	if amount <= 0 {
		return nil
	}
	if err := f.transfer.Transfer(ctx, asset, amount, f.fundAccount, f.tradeAccount); err != nil {
		return fmt.Errorf("failed to top up %s: %w", asset, err)
	}
	f.logger.Info("💸 Topped up %.8f %s from %s", amount, asset, f.fundAccount)
	return nil
}

// SweepIdle возвращает quote сверх лимита на фондовый счет
func (f *AccountFunds) SweepIdle(ctx context.Context, pair domain.Pair) error {
	if f.maxIdleQuote <= 0 {
		return nil
	}
	bal, err := f.balances.FetchBalance(ctx, pair)
	if err != nil {
		return fmt.Errorf("failed to fetch balance for sweep: %w", err)
	}
	excess := bal.Quote - f.maxIdleQuote
	if excess <= 0 {
		return nil
	}
	if err := f.transfer.Transfer(ctx, pair.Quote, excess, f.tradeAccount, f.fundAccount); err != nil {
		return fmt.Errorf("failed to sweep idle %s: %w", pair.Quote, err)
	}
	f.logger.Info("🧹 Swept %.8f %s to %s", excess, pair.Quote, f.fundAccount)
	return nil
}

var (
	_ domain.FundsManager = NoopFunds{}
	_ domain.FundsManager = (*AccountFunds)(nil)
)
