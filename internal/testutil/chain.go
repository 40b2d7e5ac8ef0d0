package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// Balances is a settable WalletBalance source keyed by lower-cased wallet
type Balances struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	Err      error
}

func NewBalances() *Balances {
	return &Balances{balances: make(map[string]decimal.Decimal)}
}

func (b *Balances) Set(wallet string, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[strings.ToLower(wallet)] = amount
}

func (b *Balances) WalletBalance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	if b.Err != nil {
		return decimal.Zero, b.Err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[strings.ToLower(wallet)], nil
}
