// Package ethereum implements the chain client on go-ethereum's ethclient.
package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	"github.com/request-gateway/payment_service/internal/domain/services/chain"
	"github.com/request-gateway/payment_service/pkg/retry"
)

var (
	// TransferTopic is keccak256("Transfer(address,address,uint256)")
	TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
)

type Config struct {
	RPCURL        string
	RetryAttempts int
	RetryDelay    time.Duration
	CallTimeout   time.Duration
}

// Client implements chain.Client
type Client struct {
	eth     *ethclient.Client
	retrier *retry.Retrier
	config  Config
	logger  *zap.Logger
}

var _ chain.Client = (*Client)(nil)

// Dial connects to the RPC endpoint. Subscriptions need a websocket URL.
func Dial(ctx context.Context, config Config, logger *zap.Logger) (*Client, error) {
	if config.RPCURL == "" {
		return nil, errors.New("chain rpc url is required")
	}
	if config.RetryAttempts < 1 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 10 * time.Second
	}

	eth, err := ethclient.DialContext(ctx, config.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial chain rpc: %w", err)
	}
	logger.Info("Connected to chain RPC")
	return &Client{
		eth:     eth,
		retrier: retry.NewRetrier(retry.FixedPolicy(config.RetryAttempts, config.RetryDelay), logger),
		config:  config,
		logger:  logger,
	}, nil
}

func (c *Client) Close() error {
	c.eth.Close()
	return nil
}

// pump forwards decoded events until it is unsubscribed
type pump struct {
	inner goethereum.Subscription
	quit  chan struct{}
	once  sync.Once
}

func (p *pump) Unsubscribe() {
	p.once.Do(func() {
		close(p.quit)
		p.inner.Unsubscribe()
	})
}

func (p *pump) Err() <-chan error { return p.inner.Err() }

func (c *Client) SubscribeTransfers(ctx context.Context, token string, sink chan<- chain.TransferLog) (chain.Subscription, error) {
	query := goethereum.FilterQuery{
		Addresses: []common.Address{common.HexToAddress(token)},
		Topics:    [][]common.Hash{{TransferTopic}},
	}
	raw := make(chan types.Log, 128)

	sub, err := retry.Value(ctx, c.retrier, func(ctx context.Context) (goethereum.Subscription, error) {
		return c.eth.SubscribeFilterLogs(ctx, query, raw)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to transfer logs: %w", err)
	}

	p := &pump{inner: sub, quit: make(chan struct{})}
	go func() {
		for {
			select {
			case <-p.quit:
				return
			case l := <-raw:
				ev, ok := DecodeTransfer(l)
				if !ok {
					continue
				}
				select {
				case sink <- ev:
				case <-p.quit:
					return
				}
			}
		}
	}()
	return p, nil
}

func (c *Client) SubscribeNewBlocks(ctx context.Context, sink chan<- uint64) (chain.Subscription, error) {
	heads := make(chan *types.Header, 16)
	sub, err := retry.Value(ctx, c.retrier, func(ctx context.Context) (goethereum.Subscription, error) {
		return c.eth.SubscribeNewHead(ctx, heads)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to new heads: %w", err)
	}

	p := &pump{inner: sub, quit: make(chan struct{})}
	go func() {
		for {
			select {
			case <-p.quit:
				return
			case h := <-heads:
				if h == nil || h.Number == nil {
					continue
				}
				// a slow consumer only needs the latest head
				select {
				case sink <- h.Number.Uint64():
				default:
				}
			}
		}
	}()
	return p, nil
}

// BalanceOf calls balanceOf(owner) on the token contract
func (c *Client) BalanceOf(ctx context.Context, token, owner string) (*big.Int, error) {
	to := common.HexToAddress(token)
	msg := goethereum.CallMsg{To: &to, Data: EncodeBalanceOf(common.HexToAddress(owner))}

	out, err := retry.Value(ctx, c.retrier, func(ctx context.Context) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
		defer cancel()
		return c.eth.CallContract(ctx, msg, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

// Receipt reports the outcome of a transaction; unknown transactions are pending
func (c *Client) Receipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	hash := common.HexToHash(txHash)

	receipt, err := retry.Value(ctx, c.retrier, func(ctx context.Context) (*types.Receipt, error) {
		ctx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
		defer cancel()
		r, err := c.eth.TransactionReceipt(ctx, hash)
		if errors.Is(err, goethereum.NotFound) {
			return nil, nil
		}
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("receipt lookup failed: %w", err)
	}
	return ReceiptFrom(receipt), nil
}

// ReceiptFrom maps a go-ethereum receipt; nil means not yet mined
func ReceiptFrom(r *types.Receipt) *chain.Receipt {
	if r == nil {
		return &chain.Receipt{Status: chain.ReceiptPending, BlockNumber: entities.UnknownBlockNumber}
	}
	out := &chain.Receipt{Status: chain.ReceiptFailed, BlockNumber: entities.UnknownBlockNumber}
	if r.Status == types.ReceiptStatusSuccessful {
		out.Status = chain.ReceiptSucceeded
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Int64()
	}
	return out
}

// DecodeTransfer turns a raw log into a transfer. ok is false for logs that are not
// a standard indexed Transfer event.
func DecodeTransfer(l types.Log) (chain.TransferLog, bool) {
	if len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
		return chain.TransferLog{}, false
	}
	return chain.TransferLog{
		Token:       l.Address.Hex(),
		From:        common.BytesToAddress(l.Topics[1].Bytes()).Hex(),
		To:          common.BytesToAddress(l.Topics[2].Bytes()).Hex(),
		Value:       new(big.Int).SetBytes(l.Data),
		TxHash:      l.TxHash.Hex(),
		BlockNumber: l.BlockNumber,
		LogIndex:    l.Index,
		Removed:     l.Removed,
	}, true
}

// EncodeBalanceOf builds the calldata for balanceOf(owner)
func EncodeBalanceOf(owner common.Address) []byte {
	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	return append(data, common.LeftPadBytes(owner.Bytes(), 32)...)
}
