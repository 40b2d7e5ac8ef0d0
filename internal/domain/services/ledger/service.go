package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
	"github.com/request-gateway/payment_service/internal/domain/repositories"
	"github.com/request-gateway/payment_service/pkg/logger"
	"github.com/request-gateway/payment_service/pkg/metrics"
)

// Config controls how deposits count towards funding
type Config struct {
	// IncludeUnconfirmedDeposits counts chain deposits before the confirmation sweep marks them
	IncludeUnconfirmedDeposits bool
}

func DefaultConfig() Config {
	return Config{IncludeUnconfirmedDeposits: true}
}

// Service records money movements and answers deposit totals
type Service struct {
	repo   repositories.TransactionRepository
	config Config
	logger *logger.Logger
}

func NewService(repo repositories.TransactionRepository, config Config, log *logger.Logger) *Service {
	return &Service{repo: repo, config: config, logger: log}
}

// RecordRequest describes one deposit or withdrawal observed on a rail
type RecordRequest struct {
	ServiceID   uuid.UUID
	Hash        string
	From        string
	To          string
	Amount      decimal.Decimal
	Token       string
	Type        entities.TransactionType
	Rail        entities.PaymentService
	Confirmed   bool
	BlockNumber *int64
	Meta        map[string]interface{}
}

// Record inserts the transaction idempotently. inserted is false when the
// (service, hash) pair was already in the ledger; the stored row is returned either way.
func (s *Service) Record(ctx context.Context, req RecordRequest) (*entities.Transaction, bool, error) {
	if req.ServiceID == uuid.Nil {
		return nil, false, apperrors.ValidationError("service_id", "service id is required")
	}
	if req.Amount.IsNegative() {
		return nil, false, apperrors.ValidationError("amount", fmt.Sprintf("amount must not be negative: %s", req.Amount))
	}
	if req.Type == "" {
		req.Type = entities.TransactionTypeDeposit
	}
	if err := req.Type.Validate(); err != nil {
		return nil, false, apperrors.ValidationError("transaction_type", err.Error())
	}

	tx := &entities.Transaction{
		ID:              uuid.New(),
		ServiceID:       req.ServiceID,
		TransactionHash: req.Hash,
		FromAddress:     entities.NormalizeAddress(req.From),
		ToAddress:       entities.NormalizeAddress(req.To),
		Amount:          req.Amount,
		TransactionType: req.Type,
		Confirmed:       req.Confirmed,
		BlockNumber:     entities.UnknownBlockNumber,
		Rail:            req.Rail,
		Meta:            json.RawMessage(`{}`),
	}
	if tx.TransactionHash == "" {
		tx.TransactionHash = entities.NewSyntheticHash()
		tx.Synthetic = true
	}
	if req.BlockNumber != nil {
		tx.BlockNumber = *req.BlockNumber
	}
	if req.Token != "" {
		token := entities.NormalizeAddress(req.Token)
		tx.TokenAddress = &token
	}
	if len(req.Meta) > 0 {
		meta, err := json.Marshal(req.Meta)
		if err != nil {
			return nil, false, fmt.Errorf("failed to encode transaction meta: %w", err)
		}
		tx.Meta = meta
	}

	inserted, err := s.repo.Create(ctx, tx)
	if err != nil {
		metrics.LedgerTransactionsTotal.WithLabelValues(string(req.Rail), "error").Inc()
		return nil, false, fmt.Errorf("failed to record transaction %s: %w", tx.TransactionHash, err)
	}
	if !inserted {
		metrics.LedgerTransactionsTotal.WithLabelValues(string(req.Rail), "duplicate").Inc()
		s.logger.Debug("Transaction already recorded",
			"service_id", req.ServiceID,
			"transaction_hash", tx.TransactionHash)
		existing, err := s.repo.GetByHash(ctx, req.ServiceID, tx.TransactionHash)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load existing transaction: %w", err)
		}
		return existing, false, nil
	}

	metrics.LedgerTransactionsTotal.WithLabelValues(string(req.Rail), "inserted").Inc()
	s.logger.Info("Transaction recorded",
		"service_id", req.ServiceID,
		"transaction_hash", tx.TransactionHash,
		"amount", tx.Amount.String(),
		"rail", tx.Rail,
		"confirmed", tx.Confirmed)
	return tx, true, nil
}

// TotalDeposits sums deposits for the service under the configured confirmation policy
func (s *Service) TotalDeposits(ctx context.Context, serviceID uuid.UUID) (decimal.Decimal, error) {
	total, err := s.repo.SumDeposits(ctx, serviceID, s.config.IncludeUnconfirmedDeposits)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to total deposits: %w", err)
	}
	return total, nil
}

// Exists reports whether the hash is already in the ledger for the service
func (s *Service) Exists(ctx context.Context, serviceID uuid.UUID, hash string) (bool, error) {
	_, err := s.repo.GetByHash(ctx, serviceID, hash)
	switch {
	case err == nil:
		return true, nil
	case apperrors.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

// Unconfirmed lists chain rows the confirmation sweep still has to check
func (s *Service) Unconfirmed(ctx context.Context, limit int) ([]*entities.Transaction, error) {
	return s.repo.ListUnconfirmed(ctx, entities.PaymentServiceCrypto, limit)
}

// Confirm marks the row as confirmed on-chain at blockNumber
func (s *Service) Confirm(ctx context.Context, tx *entities.Transaction, blockNumber int64) error {
	if err := s.repo.MarkConfirmed(ctx, tx.ID, blockNumber); err != nil {
		return err
	}
	s.logger.Info("Transaction confirmed",
		"service_id", tx.ServiceID,
		"transaction_hash", tx.TransactionHash,
		"block_number", blockNumber)
	return nil
}

// AnnotateFailure stores a failed receipt status in the row meta
func (s *Service) AnnotateFailure(ctx context.Context, tx *entities.Transaction, reason string) error {
	meta, _ := json.Marshal(map[string]string{"receipt_status": "failed", "reason": reason})
	return s.repo.BackfillMeta(ctx, tx.ID, meta)
}
