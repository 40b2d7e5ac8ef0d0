package funding

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/request-gateway/payment_service/internal/domain/entities"
)

type mockDeposits struct {
	mock.Mock
}

func (m *mockDeposits) TotalDeposits(ctx context.Context, serviceID uuid.UUID) (decimal.Decimal, error) {
	args := m.Called(ctx, serviceID)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

type mockBalances struct {
	mock.Mock
}

func (m *mockBalances) WalletBalance(ctx context.Context, wallet string) (decimal.Decimal, error) {
	args := m.Called(ctx, wallet)
	return args.Get(0).(decimal.Decimal), args.Error(1)
}

func chainSub(createdAt time.Time, price string) *entities.Subscription {
	wallet := "0xAbC0000000000000000000000000000000000001"
	return &entities.Subscription{
		ID:                    uuid.New(),
		Price:                 decimal.RequireFromString(price),
		ConsumerWalletAddress: &wallet,
		CreatedAt:             createdAt,
	}
}

func TestMonthsElapsed(t *testing.T) {
	date := func(s string) time.Time {
		ts, err := time.Parse("2006-01-02", s)
		require.NoError(t, err)
		return ts
	}

	cases := []struct {
		created, now string
		want         int
	}{
		{"2024-01-15", "2024-03-01", 3},
		{"2024-01-15", "2024-01-15", 1},
		{"2024-01-31", "2024-02-01", 2},
		{"2023-12-10", "2024-01-09", 2},
		{"2024-03-01", "2024-01-15", 1}, // clock skew clamps to zero months
		{"2024-01-01", "2025-01-01", 13},
	}
	for _, tc := range cases {
		t.Run(tc.created+"->"+tc.now, func(t *testing.T) {
			assert.Equal(t, tc.want, MonthsElapsed(date(tc.now), date(tc.created)))
		})
	}
}

func TestInGracePeriod(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, InGracePeriod(t0.Add(39*24*time.Hour), t0, DefaultGracePeriod))
	assert.True(t, InGracePeriod(t0.Add(DefaultGracePeriod), t0, DefaultGracePeriod))
	assert.False(t, InGracePeriod(t0.Add(DefaultGracePeriod+time.Second), t0, DefaultGracePeriod))
}

func TestEvaluate_NotEvaluable(t *testing.T) {
	e := NewEvaluator(new(mockDeposits), new(mockBalances), DefaultConfig())

	noWallet := &entities.Subscription{ID: uuid.New(), Price: decimal.NewFromInt(100)}
	v, err := e.Evaluate(context.Background(), noWallet)
	assert.NoError(t, err)
	assert.Nil(t, v)

	free := chainSub(time.Now(), "0")
	v, err = e.Evaluate(context.Background(), free)
	assert.NoError(t, err)
	assert.Nil(t, v)
}

func TestEvaluate_SufficientWithinFirstMonth(t *testing.T) {
	t0 := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	sub := chainSub(t0, "100")

	deposits := new(mockDeposits)
	deposits.On("TotalDeposits", mock.Anything, sub.ID).Return(decimal.NewFromInt(100), nil)
	balances := new(mockBalances)
	balances.On("WalletBalance", mock.Anything, "0xabc0000000000000000000000000000000000001").Return(decimal.NewFromInt(100), nil)

	e := NewEvaluator(deposits, balances, DefaultConfig()).WithClock(func() time.Time { return t0.Add(10 * 24 * time.Hour) })
	v, err := e.Evaluate(context.Background(), sub)

	require.NoError(t, err)
	require.NotNil(t, v)
	assert.True(t, v.Sufficient)
	assert.True(t, v.GracePeriod)
	assert.Equal(t, 1, v.MonthsElapsed)
	assert.True(t, v.TotalDue.Equal(decimal.NewFromInt(100)))
	assert.True(t, v.Outstanding.IsZero())
	deposits.AssertExpectations(t)
	balances.AssertExpectations(t)
}

func TestEvaluate_InsufficientAfterGrace(t *testing.T) {
	t0 := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	sub := chainSub(t0, "100")

	deposits := new(mockDeposits)
	deposits.On("TotalDeposits", mock.Anything, sub.ID).Return(decimal.Zero, nil)
	balances := new(mockBalances)
	balances.On("WalletBalance", mock.Anything, mock.Anything).Return(decimal.Zero, nil)

	e := NewEvaluator(deposits, balances, DefaultConfig()).WithClock(func() time.Time { return t0.Add(45 * 24 * time.Hour) })
	v, err := e.Evaluate(context.Background(), sub)

	require.NoError(t, err)
	assert.False(t, v.Sufficient)
	assert.False(t, v.GracePeriod)
	assert.Equal(t, 2, v.MonthsElapsed)
	assert.True(t, v.Outstanding.Equal(decimal.NewFromInt(200)))
}

func TestEvaluate_PropagatesBalanceError(t *testing.T) {
	sub := chainSub(time.Now(), "10")
	deposits := new(mockDeposits)
	deposits.On("TotalDeposits", mock.Anything, sub.ID).Return(decimal.Zero, nil)
	balances := new(mockBalances)
	balances.On("WalletBalance", mock.Anything, mock.Anything).Return(decimal.Zero, errors.New("rpc down"))

	_, err := NewEvaluator(deposits, balances, DefaultConfig()).Evaluate(context.Background(), sub)
	assert.Error(t, err)
}
