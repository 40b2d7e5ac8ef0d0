package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/request-gateway/payment_service/internal/domain/entities"
	apperrors "github.com/request-gateway/payment_service/internal/domain/errors"
)

const transactionColumns = `
	id, service_id, transaction_hash, synthetic, from_address, to_address, amount,
	token_address, transaction_type, confirmed, block_number, rail,
	COALESCE(meta, '{}'::jsonb) AS meta, created_at, updated_at`

// TransactionRepository is the Postgres-backed ledger
type TransactionRepository struct {
	db *sqlx.DB
}

func NewTransactionRepository(db *sqlx.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Create inserts a ledger row. A row with the same (service_id, transaction_hash)
// makes this a no-op reported as inserted=false.
func (r *TransactionRepository) Create(ctx context.Context, tx *entities.Transaction) (bool, error) {
	now := time.Now().UTC()
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	meta := tx.Meta
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO transactions (
			id, service_id, transaction_hash, synthetic, from_address, to_address, amount,
			token_address, transaction_type, confirmed, block_number, rail, meta,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (service_id, transaction_hash) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		tx.ID, tx.ServiceID, tx.TransactionHash, tx.Synthetic, tx.FromAddress, tx.ToAddress, tx.Amount,
		tx.TokenAddress, tx.TransactionType, tx.Confirmed, tx.BlockNumber, tx.Rail, []byte(meta),
		tx.CreatedAt, tx.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create transaction: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

func (r *TransactionRepository) GetByHash(ctx context.Context, serviceID uuid.UUID, hash string) (*entities.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE service_id = $1 AND transaction_hash = $2`

	var tx entities.Transaction
	if err := r.db.GetContext(ctx, &tx, query, serviceID, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundError("TRANSACTION")
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &tx, nil
}

func (r *TransactionRepository) ListByService(ctx context.Context, serviceID uuid.UUID) ([]*entities.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE service_id = $1 ORDER BY created_at`

	var txs []*entities.Transaction
	if err := r.db.SelectContext(ctx, &txs, query, serviceID); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// ListUnconfirmed returns real (non-synthetic) rows still waiting for confirmation, oldest first.
// Rows annotated with a failed receipt are skipped.
func (r *TransactionRepository) ListUnconfirmed(ctx context.Context, rail entities.PaymentService, limit int) ([]*entities.Transaction, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE confirmed = FALSE AND synthetic = FALSE AND rail = $1
		  AND COALESCE(meta->>'receipt_status', '') <> 'failed'
		ORDER BY created_at
		LIMIT $2`

	var txs []*entities.Transaction
	if err := r.db.SelectContext(ctx, &txs, query, rail, limit); err != nil {
		return nil, fmt.Errorf("failed to list unconfirmed transactions: %w", err)
	}
	return txs, nil
}

func (r *TransactionRepository) MarkConfirmed(ctx context.Context, id uuid.UUID, blockNumber int64) error {
	query := `
		UPDATE transactions
		SET confirmed = TRUE,
			block_number = CASE WHEN $2 >= 0 THEN $2 ELSE block_number END,
			updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, blockNumber); err != nil {
		return fmt.Errorf("failed to confirm transaction: %w", err)
	}
	return nil
}

// BackfillMeta merges meta into the stored document
func (r *TransactionRepository) BackfillMeta(ctx context.Context, id uuid.UUID, meta json.RawMessage) error {
	query := `
		UPDATE transactions
		SET meta = COALESCE(meta, '{}'::jsonb) || $2::jsonb, updated_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, []byte(meta)); err != nil {
		return fmt.Errorf("failed to backfill transaction meta: %w", err)
	}
	return nil
}

func (r *TransactionRepository) SumDeposits(ctx context.Context, serviceID uuid.UUID, includeUnconfirmed bool) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM transactions
		WHERE service_id = $1
		  AND transaction_type = 'deposit'
		  AND (confirmed = TRUE OR $2)
		  AND COALESCE(meta->>'receipt_status', '') <> 'failed'
	`
	var total decimal.Decimal
	if err := r.db.GetContext(ctx, &total, query, serviceID, includeUnconfirmed); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum deposits: %w", err)
	}
	return total, nil
}
