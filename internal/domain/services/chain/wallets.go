package chain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	"github.com/request-gateway/payment_service/pkg/logger"
	"github.com/request-gateway/payment_service/pkg/metrics"
)

// WalletSource lists subscriptions whose wallets must be watched
type WalletSource interface {
	ListChainFunded(ctx context.Context) ([]*entities.Subscription, error)
}

// WalletSnapshot is an immutable view of the watched wallets
type WalletSnapshot struct {
	consumers   map[string][]uuid.UUID
	validators  map[string]struct{}
	RefreshedAt time.Time
}

// ServicesFor returns the subscriptions paying from or into addr as consumer
func (s WalletSnapshot) ServicesFor(addr string) []uuid.UUID {
	return s.consumers[normalize(addr)]
}

// IsValidator reports whether addr is a validator or escrow wallet
func (s WalletSnapshot) IsValidator(addr string) bool {
	_, ok := s.validators[normalize(addr)]
	return ok
}

func (s WalletSnapshot) Len() int {
	return len(s.consumers)
}

// MonitoredWallets caches the consumer and validator wallet sets for the ingestor
type MonitoredWallets struct {
	source WalletSource
	logger *logger.Logger

	mu   sync.RWMutex
	snap WalletSnapshot
}

func NewMonitoredWallets(source WalletSource, log *logger.Logger) *MonitoredWallets {
	return &MonitoredWallets{
		source: source,
		logger: log,
		snap: WalletSnapshot{
			consumers:  map[string][]uuid.UUID{},
			validators: map[string]struct{}{},
		},
	}
}

// Refresh reloads the wallet sets from the subscription store
func (m *MonitoredWallets) Refresh(ctx context.Context) error {
	subs, err := m.source.ListChainFunded(ctx)
	if err != nil {
		return fmt.Errorf("failed to load monitored wallets: %w", err)
	}

	next := WalletSnapshot{
		consumers:   make(map[string][]uuid.UUID, len(subs)),
		validators:  make(map[string]struct{}),
		RefreshedAt: time.Now().UTC(),
	}
	for _, sub := range subs {
		if w := sub.ConsumerWallet(); w != "" {
			next.consumers[w] = append(next.consumers[w], sub.ID)
		}
		if v := sub.ValidatorWallet(); v != "" {
			next.validators[v] = struct{}{}
		}
	}

	m.mu.Lock()
	m.snap = next
	m.mu.Unlock()

	metrics.MonitoredWallets.Set(float64(next.Len()))
	return nil
}

// Read returns the current snapshot
func (m *MonitoredWallets) Read() WalletSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Run refreshes on every tick until ctx is done
func (m *MonitoredWallets) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(ctx); err != nil {
				m.logger.Warn("Wallet refresh failed", "error", err)
			}
		}
	}
}
