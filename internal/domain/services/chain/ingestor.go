// Package chain watches stablecoin Transfer events for subscription wallets and
// turns inbound transfers into ledger deposits.
package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	"github.com/request-gateway/payment_service/internal/domain/services/funding"
	"github.com/request-gateway/payment_service/internal/domain/services/ledger"
	"github.com/request-gateway/payment_service/pkg/logger"
	"github.com/request-gateway/payment_service/pkg/metrics"
	"github.com/request-gateway/payment_service/pkg/security"
)

// Recorder appends to the ledger
type Recorder interface {
	Record(ctx context.Context, req ledger.RecordRequest) (*entities.Transaction, bool, error)
}

// Reconciler re-evaluates funding after a deposit
type Reconciler interface {
	Reconcile(ctx context.Context, serviceID uuid.UUID, rail entities.PaymentService) (*funding.Verdict, error)
}

// BlockHandler is called for every new block head
type BlockHandler func(ctx context.Context, blockNumber uint64)

type Config struct {
	Tokens         []Token
	ReconnectDelay time.Duration
	EventBuffer    int
}

func DefaultConfig() Config {
	return Config{
		ReconnectDelay: 5 * time.Second,
		EventBuffer:    256,
	}
}

// Ingestor owns the chain listeners and their reconnect loop
type Ingestor struct {
	client     Client
	wallets    *MonitoredWallets
	ledger     Recorder
	reconciler Reconciler
	config     Config
	tokens     map[string]Token
	logger     *logger.Logger
	tracer     trace.Tracer

	mu             sync.Mutex
	active         []Subscription
	blockHandlers  []BlockHandler
	reconnectHooks []func(ctx context.Context)

	wg             sync.WaitGroup
	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

func NewIngestor(client Client, wallets *MonitoredWallets, recorder Recorder, reconciler Reconciler, config Config, log *logger.Logger) *Ingestor {
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = DefaultConfig().ReconnectDelay
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = DefaultConfig().EventBuffer
	}
	tokens := make(map[string]Token, len(config.Tokens))
	for _, t := range config.Tokens {
		tokens[normalize(t.Address)] = t
	}
	shutdownCtx, cancel := context.WithCancel(context.Background())
	return &Ingestor{
		client:         client,
		wallets:        wallets,
		ledger:         recorder,
		reconciler:     reconciler,
		config:         config,
		tokens:         tokens,
		logger:         log,
		tracer:         otel.Tracer("payment-gateway/chain"),
		shutdownCtx:    shutdownCtx,
		shutdownCancel: cancel,
	}
}

// OnNewBlock registers a handler for block heads. Register before Start.
func (i *Ingestor) OnNewBlock(h BlockHandler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.blockHandlers = append(i.blockHandlers, h)
}

// OnReconnect registers a hook run after listeners are reinstalled following a failure
func (i *Ingestor) OnReconnect(h func(ctx context.Context)) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.reconnectHooks = append(i.reconnectHooks, h)
}

// Start loads the wallet cache and runs the listen/reconnect loop in the background
func (i *Ingestor) Start(ctx context.Context) error {
	if err := i.wallets.Refresh(ctx); err != nil {
		return err
	}
	i.logger.Info("Starting chain ingestor",
		"tokens", len(i.tokens),
		"monitored_wallets", i.wallets.Read().Len())

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-i.shutdownCtx.Done()
		cancel()
	}()

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.run(runCtx)
	}()
	return nil
}

// Shutdown removes all listeners and waits for in-flight events
func (i *Ingestor) Shutdown(timeout time.Duration) error {
	i.logger.Info("Shutting down chain ingestor", "timeout", timeout)
	i.shutdownCancel()

	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		i.logger.Info("Chain ingestor shutdown complete")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// run keeps listeners installed. Any listener failure tears every listener down,
// waits ReconnectDelay and installs them again, forever.
func (i *Ingestor) run(ctx context.Context) {
	first := true
	for {
		failed, err := i.Monitor(ctx)
		if err == nil {
			if !first {
				i.runReconnectHooks(ctx)
			}
			select {
			case <-ctx.Done():
				i.removeListeners()
				return
			case err = <-failed:
			}
		}
		first = false

		i.removeListeners()
		metrics.ChainReconnectsTotal.Inc()
		i.logger.Warn("Chain listener failed, reconnecting",
			"error", err,
			"delay", i.config.ReconnectDelay)

		timer := time.NewTimer(i.config.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Monitor removes every previous listener and installs one Transfer listener per
// token plus a block listener. The returned channel yields the first listener failure.
func (i *Ingestor) Monitor(ctx context.Context) (<-chan error, error) {
	i.removeListeners()

	transfers := make(chan TransferLog, i.config.EventBuffer)
	blocks := make(chan uint64, 16)
	var subs []Subscription

	for _, token := range i.tokens {
		sub, err := i.client.SubscribeTransfers(ctx, token.Address, transfers)
		if err != nil {
			unsubscribeAll(subs)
			return nil, fmt.Errorf("failed to subscribe to %s transfers: %w", token.Symbol, err)
		}
		subs = append(subs, sub)
	}

	i.mu.Lock()
	wantBlocks := len(i.blockHandlers) > 0
	i.mu.Unlock()
	if wantBlocks {
		sub, err := i.client.SubscribeNewBlocks(ctx, blocks)
		if err != nil {
			unsubscribeAll(subs)
			return nil, fmt.Errorf("failed to subscribe to new blocks: %w", err)
		}
		subs = append(subs, sub)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	failed := make(chan error, len(subs)+1)
	for _, sub := range subs {
		i.wg.Add(1)
		go func(sub Subscription) {
			defer i.wg.Done()
			select {
			case err, ok := <-sub.Err():
				if !ok {
					return
				}
				if err == nil {
					err = errors.New("chain subscription closed")
				}
				failed <- err
			case <-sessionCtx.Done():
			}
		}(sub)
	}

	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		i.dispatch(sessionCtx, transfers, blocks)
	}()

	i.mu.Lock()
	i.active = append(subs, cancelSubscription(cancel))
	i.mu.Unlock()

	i.logger.Info("Chain listeners installed", "listeners", len(subs))
	return failed, nil
}

func (i *Ingestor) dispatch(ctx context.Context, transfers <-chan TransferLog, blocks <-chan uint64) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-transfers:
			if err := i.HandleTransfer(ctx, ev); err != nil {
				i.logger.Error("Failed to handle transfer",
					"tx_hash", ev.TxHash,
					"token", ev.Token,
					"error", err)
			}
		case n := <-blocks:
			i.mu.Lock()
			handlers := append([]BlockHandler(nil), i.blockHandlers...)
			i.mu.Unlock()
			for _, h := range handlers {
				h(ctx, n)
			}
		}
	}
}

// HandleTransfer records an inbound transfer as a deposit for every subscription owning
// the recipient wallet, then re-evaluates those subscriptions. Outbound transfers from
// validator wallets are only logged.
func (i *Ingestor) HandleTransfer(ctx context.Context, ev TransferLog) error {
	if ev.Removed {
		i.logger.Debug("Ignoring removed log", "tx_hash", ev.TxHash)
		return nil
	}
	token, ok := i.tokens[normalize(ev.Token)]
	if !ok {
		i.logger.Warn("Transfer from unmonitored token", "token", ev.Token, "tx_hash", ev.TxHash)
		return nil
	}

	ctx, span := i.tracer.Start(ctx, "chain.HandleTransfer", trace.WithAttributes(
		attribute.String("tx_hash", ev.TxHash),
		attribute.String("token", token.Symbol),
	))
	defer span.End()

	snap := i.wallets.Read()
	amount := decimal.Zero
	if ev.Value != nil {
		amount = decimal.NewFromBigInt(ev.Value, -token.Decimals)
	}

	var errs []error
	for _, serviceID := range snap.ServicesFor(ev.To) {
		if err := i.recordDeposit(ctx, serviceID, token, amount, ev); err != nil {
			span.RecordError(err)
			errs = append(errs, err)
		}
	}

	if snap.IsValidator(ev.From) {
		i.logger.Info("Outbound transfer from validator wallet",
			"from", security.MaskWallet(normalize(ev.From)),
			"to", security.MaskWallet(normalize(ev.To)),
			"amount", amount.String(),
			"token", token.Symbol,
			"tx_hash", ev.TxHash)
	}
	return errors.Join(errs...)
}

func (i *Ingestor) recordDeposit(ctx context.Context, serviceID uuid.UUID, token Token, amount decimal.Decimal, ev TransferLog) error {
	block := int64(ev.BlockNumber)
	_, inserted, err := i.ledger.Record(ctx, ledger.RecordRequest{
		ServiceID:   serviceID,
		Hash:        ev.TxHash,
		From:        ev.From,
		To:          ev.To,
		Amount:      amount,
		Token:       token.Address,
		Type:        entities.TransactionTypeDeposit,
		Rail:        entities.PaymentServiceCrypto,
		BlockNumber: &block,
		Meta: map[string]interface{}{
			"log_index":    ev.LogIndex,
			"block_number": ev.BlockNumber,
			"token_symbol": token.Symbol,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to record deposit for %s: %w", serviceID, err)
	}
	if inserted {
		i.logger.Info("Deposit detected",
			"service_id", serviceID,
			"tx_hash", ev.TxHash,
			"amount", amount.String(),
			"token", token.Symbol)
	}

	// duplicates re-evaluate too; a redelivery retries a failed evaluation
	if _, err := i.reconciler.Reconcile(ctx, serviceID, entities.PaymentServiceCrypto); err != nil {
		return fmt.Errorf("failed to re-evaluate %s after deposit: %w", serviceID, err)
	}
	return nil
}

func (i *Ingestor) removeListeners() {
	i.mu.Lock()
	subs := i.active
	i.active = nil
	i.mu.Unlock()
	unsubscribeAll(subs)
}

func (i *Ingestor) runReconnectHooks(ctx context.Context) {
	i.mu.Lock()
	hooks := append([]func(context.Context){}, i.reconnectHooks...)
	i.mu.Unlock()
	for _, h := range hooks {
		h(ctx)
	}
}

func unsubscribeAll(subs []Subscription) {
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// cancelSubscription lets the dispatch session be torn down with the listeners
type cancelSubscription context.CancelFunc

func (c cancelSubscription) Unsubscribe()      { c() }
func (c cancelSubscription) Err() <-chan error { return nil }
