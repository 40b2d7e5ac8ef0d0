package chain

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Balances reads wallet balances of the billing stablecoin in whole token units
type Balances struct {
	client Client
	token  Token
}

func NewBalances(client Client, billingToken Token) *Balances {
	return &Balances{client: client, token: billingToken}
}

func (b *Balances) WalletBalance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	raw, err := b.client.BalanceOf(ctx, b.token.Address, wallet)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to read %s balance of %s: %w", b.token.Symbol, wallet, err)
	}
	return decimal.NewFromBigInt(raw, -b.token.Decimals), nil
}
