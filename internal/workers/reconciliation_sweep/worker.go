// Package reconciliation_sweep runs the periodic chain checks that the event
// listeners cannot: the monthly zero-balance sweep and per-block receipt confirmation.
package reconciliation_sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	"github.com/request-gateway/payment_service/internal/domain/services/activation"
	"github.com/request-gateway/payment_service/internal/domain/services/chain"
	"github.com/request-gateway/payment_service/pkg/logger"
)

const ReasonZeroBalance = "zero_balance"

type SubscriptionLister interface {
	ListActiveChainFunded(ctx context.Context) ([]*entities.Subscription, error)
}

type BalanceReader interface {
	WalletBalance(ctx context.Context, wallet string) (decimal.Decimal, error)
}

// Activation serializes the sweep's writes with every other writer of a subscription
type Activation interface {
	WithLock(ctx context.Context, serviceID uuid.UUID, fn func(ctx context.Context, w *activation.Writer) error) error
}

// Ledger is the slice of the ledger the confirmation sweep touches
type Ledger interface {
	Unconfirmed(ctx context.Context, limit int) ([]*entities.Transaction, error)
	Confirm(ctx context.Context, tx *entities.Transaction, blockNumber int64) error
	AnnotateFailure(ctx context.Context, tx *entities.Transaction, reason string) error
}

type ReceiptReader interface {
	Receipt(ctx context.Context, txHash string) (*chain.Receipt, error)
}

type Config struct {
	BalanceCron string
	BatchSize   int
	RunTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		BalanceCron: "0 0 1 * *",
		BatchSize:   100,
		RunTimeout:  5 * time.Minute,
	}
}

// Worker owns both sweeps. The balance sweep is cron driven; the confirmation
// sweep runs when a new block is announced, coalescing bursts into one pass.
type Worker struct {
	subs     SubscriptionLister
	balances BalanceReader
	act      Activation
	ledger   Ledger
	receipts ReceiptReader
	config   Config
	logger   *logger.Logger

	cron    *cron.Cron
	mu      sync.Mutex
	entryID cron.EntryID
	trigger chan uint64

	balanceRuns   metric.Int64Counter
	deactivations metric.Int64Counter
	confirmations metric.Int64Counter

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
	wg             sync.WaitGroup
}

func NewWorker(
	subs SubscriptionLister,
	balances BalanceReader,
	act Activation,
	ledger Ledger,
	receipts ReceiptReader,
	config Config,
	log *logger.Logger,
) *Worker {
	defaults := DefaultConfig()
	if config.BalanceCron == "" {
		config.BalanceCron = defaults.BalanceCron
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = defaults.RunTimeout
	}

	meter := otel.Meter("reconciliation-sweep")
	balanceRuns, _ := meter.Int64Counter("sweep.balance.runs.total",
		metric.WithDescription("Balance sweep runs"))
	deactivations, _ := meter.Int64Counter("sweep.balance.deactivations.total",
		metric.WithDescription("Subscriptions deactivated for an empty wallet"))
	confirmations, _ := meter.Int64Counter("sweep.confirmations.total",
		metric.WithDescription("Receipts checked by the confirmation sweep"))

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())

	return &Worker{
		subs:           subs,
		balances:       balances,
		act:            act,
		ledger:         ledger,
		receipts:       receipts,
		config:         config,
		logger:         log,
		cron:           cron.New(cron.WithLocation(time.UTC)),
		trigger:        make(chan uint64, 1),
		balanceRuns:    balanceRuns,
		deactivations:  deactivations,
		confirmations:  confirmations,
		shutdownCtx:    shutdownCtx,
		shutdownCancel: shutdownCancel,
	}
}

// Start schedules the balance sweep and starts the confirmation loop
func (w *Worker) Start(ctx context.Context) error {
	if err := w.schedule(); err != nil {
		return err
	}
	w.cron.Start()

	w.wg.Add(1)
	go w.confirmLoop(ctx)

	w.logger.Info("Reconciliation sweep started",
		"balance_cron", w.config.BalanceCron,
		"batch_size", w.config.BatchSize)
	return nil
}

// Rearm replaces the balance sweep schedule. Called after the chain listener reconnects.
func (w *Worker) Rearm(ctx context.Context) {
	if err := w.schedule(); err != nil {
		w.logger.Error("Failed to re-arm balance sweep", "error", err)
		return
	}
	w.logger.Info("Balance sweep re-armed", "balance_cron", w.config.BalanceCron)
}

func (w *Worker) schedule() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.entryID != 0 {
		w.cron.Remove(w.entryID)
		w.entryID = 0
	}
	id, err := w.cron.AddFunc(w.config.BalanceCron, func() {
		ctx, cancel := context.WithTimeout(w.shutdownCtx, w.config.RunTimeout)
		defer cancel()

		if err := w.SweepBalances(ctx); err != nil {
			w.logger.Error("Balance sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid balance sweep schedule %q: %w", w.config.BalanceCron, err)
	}
	w.entryID = id
	return nil
}

// OnNewBlock queues a confirmation pass. It never blocks the chain listener.
func (w *Worker) OnNewBlock(ctx context.Context, number uint64) {
	select {
	case w.trigger <- number:
	default:
	}
}

func (w *Worker) confirmLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdownCtx.Done():
			return
		case number := <-w.trigger:
			runCtx, cancel := context.WithTimeout(w.shutdownCtx, w.config.RunTimeout)
			if err := w.SweepConfirmations(runCtx); err != nil {
				w.logger.Error("Confirmation sweep failed", "error", err, "block_number", number)
			}
			cancel()
		}
	}
}

// SweepBalances deactivates every active chain-funded subscription whose wallet
// holds exactly zero of the billing token. It does not consult the ledger.
func (w *Worker) SweepBalances(ctx context.Context) error {
	w.balanceRuns.Add(ctx, 1)

	subs, err := w.subs.ListActiveChainFunded(ctx)
	if err != nil {
		return fmt.Errorf("failed to list chain-funded subscriptions: %w", err)
	}

	var deactivated, failed int
	for _, sub := range subs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		balance, err := w.balances.WalletBalance(ctx, sub.ConsumerWallet())
		if err != nil {
			failed++
			w.logger.Warn("Failed to read wallet balance",
				"service_id", sub.ID,
				"wallet", sub.ConsumerWallet(),
				"error", err)
			continue
		}
		if !balance.IsZero() {
			continue
		}

		changed, err := w.deactivateIfEmpty(ctx, sub.ID)
		if err != nil {
			failed++
			w.logger.Error("Failed to deactivate empty wallet subscription",
				"service_id", sub.ID,
				"error", err)
			continue
		}
		if changed {
			deactivated++
			w.deactivations.Add(ctx, 1)
		}
	}

	w.logger.Info("Balance sweep completed",
		"checked", len(subs),
		"deactivated", deactivated,
		"failed", failed)
	return nil
}

// deactivateIfEmpty repeats both checks under the subscription lock; a deposit
// that activated the subscription since the first read must win.
func (w *Worker) deactivateIfEmpty(ctx context.Context, serviceID uuid.UUID) (bool, error) {
	var changed bool
	err := w.act.WithLock(ctx, serviceID, func(ctx context.Context, aw *activation.Writer) error {
		sub, err := aw.Subscription(ctx)
		if err != nil {
			return err
		}
		if !sub.Active {
			return nil
		}
		balance, err := w.balances.WalletBalance(ctx, sub.ConsumerWallet())
		if err != nil {
			return fmt.Errorf("failed to re-read wallet balance: %w", err)
		}
		if !balance.IsZero() {
			w.logger.Info("Wallet funded during balance sweep",
				"service_id", serviceID,
				"balance", balance.String())
			return nil
		}
		changed, err = aw.SetActive(ctx, false, entities.PaymentServiceNone, activation.Details{
			Type:   string(entities.PaymentServiceCrypto),
			Reason: ReasonZeroBalance,
		})
		return err
	})
	return changed, err
}

// SweepConfirmations checks receipts for unconfirmed chain deposits. Failed
// receipts are annotated and logged; they never change activation.
func (w *Worker) SweepConfirmations(ctx context.Context) error {
	txs, err := w.ledger.Unconfirmed(ctx, w.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to list unconfirmed transactions: %w", err)
	}

	for _, tx := range txs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		receipt, err := w.receipts.Receipt(ctx, tx.TransactionHash)
		if err != nil {
			w.logger.Warn("Failed to fetch receipt",
				"transaction_hash", tx.TransactionHash,
				"error", err)
			continue
		}
		w.confirmations.Add(ctx, 1, metric.WithAttributes(attribute.String("status", receipt.Status.String())))

		switch receipt.Status {
		case chain.ReceiptSucceeded:
			if err := w.ledger.Confirm(ctx, tx, receipt.BlockNumber); err != nil {
				w.logger.Error("Failed to mark transaction confirmed",
					"transaction_hash", tx.TransactionHash,
					"error", err)
			}
		case chain.ReceiptFailed:
			w.logger.Warn("Deposit transaction failed on-chain",
				"service_id", tx.ServiceID,
				"transaction_hash", tx.TransactionHash,
				"block_number", receipt.BlockNumber)
			if err := w.ledger.AnnotateFailure(ctx, tx, "receipt status failed"); err != nil {
				w.logger.Error("Failed to annotate failed transaction",
					"transaction_hash", tx.TransactionHash,
					"error", err)
			}
		}
	}
	return nil
}

// Shutdown stops the schedule and waits for in-flight runs
func (w *Worker) Shutdown(timeout time.Duration) error {
	w.logger.Info("Shutting down reconciliation sweep")

	w.shutdownCancel()
	cronDone := w.cron.Stop()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		<-cronDone.Done()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Reconciliation sweep shut down gracefully")
		return nil
	case <-time.After(timeout):
		w.logger.Warn("Reconciliation sweep shutdown timeout exceeded")
		return fmt.Errorf("shutdown timeout exceeded")
	}
}
