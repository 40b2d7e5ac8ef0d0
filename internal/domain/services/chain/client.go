package chain

import (
	"context"
	"math/big"
	"strings"
)

// TransferLog is a decoded ERC-20 Transfer event
type TransferLog struct {
	Token       string
	From        string
	To          string
	Value       *big.Int
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
	Removed     bool
}

// ReceiptStatus is the on-chain outcome of a transaction
type ReceiptStatus int

const (
	ReceiptPending ReceiptStatus = iota
	ReceiptSucceeded
	ReceiptFailed
)

func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptSucceeded:
		return "succeeded"
	case ReceiptFailed:
		return "failed"
	default:
		return "pending"
	}
}

type Receipt struct {
	Status      ReceiptStatus
	BlockNumber int64
}

// Subscription is a live listener. Err delivers transport failures and is closed on Unsubscribe.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

// Client is the chain RPC surface the gateway needs
type Client interface {
	SubscribeTransfers(ctx context.Context, token string, sink chan<- TransferLog) (Subscription, error)
	SubscribeNewBlocks(ctx context.Context, sink chan<- uint64) (Subscription, error)
	BalanceOf(ctx context.Context, token, owner string) (*big.Int, error)
	Receipt(ctx context.Context, txHash string) (*Receipt, error)
}

// Token is a monitored stablecoin contract
type Token struct {
	Symbol   string
	Address  string
	Decimals int32
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
