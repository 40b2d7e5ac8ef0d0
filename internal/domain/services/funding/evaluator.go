// Package funding decides whether a chain-funded subscription has paid for the time it has been open.
package funding

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/request-gateway/payment_service/internal/domain/entities"
)

// DefaultGracePeriod is how long a new subscription stays protected from deactivation
const DefaultGracePeriod = 40 * 24 * time.Hour

// DepositTotaler returns the ledger's deposit sum for a subscription
type DepositTotaler interface {
	TotalDeposits(ctx context.Context, serviceID uuid.UUID) (decimal.Decimal, error)
}

// BalanceReader returns the live stablecoin balance held by a wallet
type BalanceReader interface {
	WalletBalance(ctx context.Context, wallet string) (decimal.Decimal, error)
}

type Config struct {
	GracePeriod time.Duration
}

func DefaultConfig() Config {
	return Config{GracePeriod: DefaultGracePeriod}
}

// Verdict is the outcome of one evaluation
type Verdict struct {
	Sufficient    bool
	Balance       decimal.Decimal
	Outstanding   decimal.Decimal
	TotalDue      decimal.Decimal
	TotalDeposits decimal.Decimal
	MonthsElapsed int
	GracePeriod   bool
	Message       string
}

// View converts the verdict for API responses
func (v *Verdict) View() *entities.FundingView {
	if v == nil {
		return nil
	}
	return &entities.FundingView{
		Sufficient:    v.Sufficient,
		Balance:       v.Balance.String(),
		Outstanding:   v.Outstanding.String(),
		TotalDue:      v.TotalDue.String(),
		TotalDeposits: v.TotalDeposits.String(),
		MonthsElapsed: v.MonthsElapsed,
		GracePeriod:   v.GracePeriod,
		Message:       v.Message,
	}
}

// Evaluator computes funding verdicts. It reads the ledger and the chain and writes nothing.
type Evaluator struct {
	deposits DepositTotaler
	balances BalanceReader
	config   Config
	now      func() time.Time
}

func NewEvaluator(deposits DepositTotaler, balances BalanceReader, config Config) *Evaluator {
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	return &Evaluator{
		deposits: deposits,
		balances: balances,
		config:   config,
		now:      time.Now,
	}
}

// WithClock replaces the time source
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	e.now = now
	return e
}

// Evaluate returns nil, nil when the subscription cannot be evaluated:
// it has no consumer wallet or it has no price.
func (e *Evaluator) Evaluate(ctx context.Context, sub *entities.Subscription) (*Verdict, error) {
	if sub == nil || !sub.IsChainFunded() || !sub.Price.IsPositive() {
		return nil, nil
	}

	now := e.now()
	months := MonthsElapsed(now, sub.CreatedAt)
	totalDue := sub.Price.Mul(decimal.NewFromInt(int64(months)))

	totalDeposits, err := e.deposits.TotalDeposits(ctx, sub.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load deposits: %w", err)
	}

	balance, err := e.balances.WalletBalance(ctx, sub.ConsumerWallet())
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet balance: %w", err)
	}

	outstanding := totalDue.Sub(totalDeposits)
	v := &Verdict{
		Sufficient:    balance.GreaterThanOrEqual(outstanding),
		Balance:       balance,
		Outstanding:   outstanding,
		TotalDue:      totalDue,
		TotalDeposits: totalDeposits,
		MonthsElapsed: months,
		GracePeriod:   InGracePeriod(now, sub.CreatedAt, e.config.GracePeriod),
	}
	switch {
	case v.Sufficient:
		v.Message = fmt.Sprintf("wallet balance %s covers outstanding %s", balance, outstanding)
	case v.GracePeriod:
		v.Message = fmt.Sprintf("wallet balance %s below outstanding %s, within grace period", balance, outstanding)
	default:
		v.Message = fmt.Sprintf("wallet balance %s below outstanding %s", balance, outstanding)
	}
	return v, nil
}

// MonthsElapsed counts billable months: the calendar-month difference between the
// two instants (day of month ignored, UTC) clamped at zero, plus one for the month in progress.
// 2024-01-15 to 2024-03-01 is 2 calendar months, so 3 billable months.
func MonthsElapsed(now, createdAt time.Time) int {
	now, createdAt = now.UTC(), createdAt.UTC()
	diff := (now.Year()-createdAt.Year())*12 + int(now.Month()) - int(createdAt.Month())
	if diff < 0 {
		diff = 0
	}
	return diff + 1
}

// InGracePeriod reports whether now is no later than createdAt plus grace
func InGracePeriod(now, createdAt time.Time, grace time.Duration) bool {
	return !now.After(createdAt.Add(grace))
}
