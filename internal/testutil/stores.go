// Package testutil provides in-memory stores and recorders for service tests.
package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
)

// SubscriptionStore is an in-memory SubscriptionRepository
type SubscriptionStore struct {
	mu     sync.Mutex
	subs   map[uuid.UUID]*entities.Subscription
	Writes int
	Err    error
}

func NewSubscriptionStore(subs ...*entities.Subscription) *SubscriptionStore {
	s := &SubscriptionStore{subs: make(map[uuid.UUID]*entities.Subscription)}
	for _, sub := range subs {
		s.Put(sub)
	}
	return s
}

// Put stores a copy of sub
func (s *SubscriptionStore) Put(sub *entities.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sub
	if cp.PaymentService == "" {
		cp.PaymentService = entities.PaymentServiceNone
	}
	s.subs[cp.ID] = &cp
}

// Get returns a copy of the stored subscription
func (s *SubscriptionStore) Get(id uuid.UUID) *entities.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil
	}
	cp := *sub
	return &cp
}

func (s *SubscriptionStore) Create(ctx context.Context, sub *entities.Subscription) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	_, exists := s.subs[sub.ID]
	s.mu.Unlock()
	if exists {
		return apperrors.ConflictError("subscription", "id already registered")
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	s.Put(sub)
	return nil
}

func (s *SubscriptionStore) GetByID(ctx context.Context, id uuid.UUID) (*entities.Subscription, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	if sub := s.Get(id); sub != nil {
		return sub, nil
	}
	return nil, apperrors.NotFoundError("SUBSCRIPTION")
}

func (s *SubscriptionStore) SetActive(ctx context.Context, id uuid.UUID, active bool, rail entities.PaymentService) (bool, error) {
	if s.Err != nil {
		return false, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return false, apperrors.NotFoundError("SUBSCRIPTION")
	}
	if sub.Active == active {
		return false, nil
	}
	sub.Active = active
	if active {
		sub.PaymentService = rail
	}
	sub.Version++
	sub.UpdatedAt = time.Now().UTC()
	s.Writes++
	return true, nil
}

func (s *SubscriptionStore) ListChainFunded(ctx context.Context) ([]*entities.Subscription, error) {
	return s.list(func(sub *entities.Subscription) bool { return sub.IsChainFunded() })
}

func (s *SubscriptionStore) ListActiveChainFunded(ctx context.Context) ([]*entities.Subscription, error) {
	return s.list(func(sub *entities.Subscription) bool { return sub.Active && sub.IsChainFunded() })
}

func (s *SubscriptionStore) list(keep func(*entities.Subscription) bool) ([]*entities.Subscription, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entities.Subscription
	for _, sub := range s.subs {
		if keep(sub) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	return out, nil
}

// EnrollmentStore is an in-memory EnrollmentRepository
type EnrollmentStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*entities.Enrollment
	Err  error
}

func NewEnrollmentStore(rows ...*entities.Enrollment) *EnrollmentStore {
	s := &EnrollmentStore{rows: make(map[uuid.UUID]*entities.Enrollment)}
	for _, e := range rows {
		_ = s.Upsert(context.Background(), e)
	}
	return s
}

func (s *EnrollmentStore) Upsert(ctx context.Context, e *entities.Enrollment) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.rows {
		if existing.ServiceID == e.ServiceID && existing.Rail == e.Rail {
			e.ID = existing.ID
			e.CreatedAt = existing.CreatedAt
		}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	s.rows[e.ID] = &cp
	return nil
}

func (s *EnrollmentStore) GetByServiceAndRail(ctx context.Context, serviceID uuid.UUID, rail entities.PaymentService) (*entities.Enrollment, error) {
	return s.find(func(e *entities.Enrollment) bool { return e.ServiceID == serviceID && e.Rail == rail })
}

func (s *EnrollmentStore) GetByCustomerID(ctx context.Context, rail entities.PaymentService, customerID string) (*entities.Enrollment, error) {
	return s.find(func(e *entities.Enrollment) bool { return e.Rail == rail && e.CustomerID == customerID })
}

func (s *EnrollmentStore) GetByExternalSubscriptionID(ctx context.Context, rail entities.PaymentService, externalID string) (*entities.Enrollment, error) {
	return s.find(func(e *entities.Enrollment) bool {
		return e.Rail == rail && e.ExternalSubscriptionID != nil && *e.ExternalSubscriptionID == externalID
	})
}

func (s *EnrollmentStore) UpdatePeriod(ctx context.Context, id uuid.UUID, periodEnd *time.Time, active bool) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.rows[id]
	if !ok {
		return apperrors.NotFoundError("ENROLLMENT")
	}
	e.CurrentPeriodEnd = periodEnd
	e.Active = active
	return nil
}

func (s *EnrollmentStore) find(match func(*entities.Enrollment) bool) (*entities.Enrollment, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.rows {
		if match(e) {
			cp := *e
			return &cp, nil
		}
	}
	return nil, apperrors.NotFoundError("ENROLLMENT")
}

type txKey struct {
	service uuid.UUID
	hash    string
}

// TransactionStore is an in-memory ledger enforcing the (service, hash) unique key
type TransactionStore struct {
	mu   sync.Mutex
	rows map[txKey]*entities.Transaction
	Err  error
}

func NewTransactionStore() *TransactionStore {
	return &TransactionStore{rows: make(map[txKey]*entities.Transaction)}
}

// All returns copies of every row
func (s *TransactionStore) All() []*entities.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entities.Transaction, 0, len(s.rows))
	for _, tx := range s.rows {
		cp := *tx
		out = append(out, &cp)
	}
	return out
}

func (s *TransactionStore) Create(ctx context.Context, tx *entities.Transaction) (bool, error) {
	if s.Err != nil {
		return false, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := txKey{tx.ServiceID, tx.TransactionHash}
	if _, ok := s.rows[key]; ok {
		return false, nil
	}
	cp := *tx
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.rows[key] = &cp
	return true, nil
}

func (s *TransactionStore) GetByHash(ctx context.Context, serviceID uuid.UUID, hash string) (*entities.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.rows[txKey{serviceID, hash}]
	if !ok {
		return nil, apperrors.NotFoundError("TRANSACTION")
	}
	cp := *tx
	return &cp, nil
}

func (s *TransactionStore) ListByService(ctx context.Context, serviceID uuid.UUID) ([]*entities.Transaction, error) {
	var out []*entities.Transaction
	for _, tx := range s.All() {
		if tx.ServiceID == serviceID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *TransactionStore) ListUnconfirmed(ctx context.Context, rail entities.PaymentService, limit int) ([]*entities.Transaction, error) {
	var out []*entities.Transaction
	for _, tx := range s.All() {
		if !tx.Confirmed && !tx.Synthetic && tx.Rail == rail && !receiptFailed(tx) {
			out = append(out, tx)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *TransactionStore) MarkConfirmed(ctx context.Context, id uuid.UUID, blockNumber int64) error {
	return s.update(id, func(tx *entities.Transaction) {
		tx.Confirmed = true
		if blockNumber >= 0 {
			tx.BlockNumber = blockNumber
		}
	})
}

func (s *TransactionStore) BackfillMeta(ctx context.Context, id uuid.UUID, meta json.RawMessage) error {
	return s.update(id, func(tx *entities.Transaction) {
		merged := map[string]interface{}{}
		_ = json.Unmarshal(tx.Meta, &merged)
		extra := map[string]interface{}{}
		_ = json.Unmarshal(meta, &extra)
		for k, v := range extra {
			merged[k] = v
		}
		tx.Meta, _ = json.Marshal(merged)
	})
}

func (s *TransactionStore) SumDeposits(ctx context.Context, serviceID uuid.UUID, includeUnconfirmed bool) (decimal.Decimal, error) {
	if s.Err != nil {
		return decimal.Zero, s.Err
	}
	total := decimal.Zero
	for _, tx := range s.All() {
		if tx.ServiceID != serviceID || tx.TransactionType != entities.TransactionTypeDeposit {
			continue
		}
		if (tx.Confirmed || includeUnconfirmed) && !receiptFailed(tx) {
			total = total.Add(tx.Amount)
		}
	}
	return total, nil
}

func receiptFailed(tx *entities.Transaction) bool {
	var meta struct {
		ReceiptStatus string `json:"receipt_status"`
	}
	_ = json.Unmarshal(tx.Meta, &meta)
	return meta.ReceiptStatus == "failed"
}

func (s *TransactionStore) update(id uuid.UUID, fn func(*entities.Transaction)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tx := range s.rows {
		if tx.ID == id {
			fn(tx)
			return nil
		}
	}
	return apperrors.NotFoundError("TRANSACTION")
}

// WebhookEventStore is an in-memory WebhookEventRepository
type WebhookEventStore struct {
	mu     sync.Mutex
	events map[string]*entities.WebhookEvent
}

func NewWebhookEventStore() *WebhookEventStore {
	return &WebhookEventStore{events: make(map[string]*entities.WebhookEvent)}
}

func (s *WebhookEventStore) Record(ctx context.Context, event *entities.WebhookEvent) (bool, *entities.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := string(event.Provider) + "/" + event.EventID
	if existing, ok := s.events[key]; ok {
		cp := *existing
		return false, &cp, nil
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	cp := *event
	s.events[key] = &cp
	return true, event, nil
}

func (s *WebhookEventStore) MarkProcessed(ctx context.Context, id uuid.UUID, processingErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == id {
			now := time.Now().UTC()
			e.ProcessedAt = &now
			e.ProcessingError = nil
			if processingErr != nil {
				msg := processingErr.Error()
				e.ProcessingError = &msg
			}
			return nil
		}
	}
	return apperrors.NotFoundError("WEBHOOK_EVENT")
}

// RecordingNotifier captures status notifications
type RecordingNotifier struct {
	mu    sync.Mutex
	sent  []entities.StatusNotification
	Err   error
	Calls int
}

func (n *RecordingNotifier) Notify(ctx context.Context, msg entities.StatusNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Calls++
	if n.Err != nil {
		return n.Err
	}
	n.sent = append(n.sent, msg)
	return nil
}

// Sent returns the delivered notifications in order
func (n *RecordingNotifier) Sent() []entities.StatusNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]entities.StatusNotification(nil), n.sent...)
}

// RecordingAlerter captures operator alerts
type RecordingAlerter struct {
	mu       sync.Mutex
	Subjects []string
}

func (a *RecordingAlerter) Alert(ctx context.Context, subject, body string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Subjects = append(a.Subjects, subject)
	return nil
}
