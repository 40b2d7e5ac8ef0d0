package entities

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType is the direction of a ledger row
type TransactionType string

const (
	TransactionTypeDeposit    TransactionType = "deposit"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
)

// Validate checks if the transaction type is valid
func (t TransactionType) Validate() error {
	switch t {
	case TransactionTypeDeposit, TransactionTypeWithdrawal:
		return nil
	default:
		return fmt.Errorf("invalid transaction type: %s", t)
	}
}

const (
	// UnknownBlockNumber marks rows whose block is not known (card rails, pending chain txs)
	UnknownBlockNumber int64 = -1

	syntheticHashPrefix = "synthetic:"
)

// Transaction is an append-only ledger row. After insert only Confirmed,
// BlockNumber and Meta may change.
type Transaction struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	ServiceID       uuid.UUID       `json:"service_id" db:"service_id"`
	TransactionHash string          `json:"transaction_hash" db:"transaction_hash"`
	Synthetic       bool            `json:"synthetic" db:"synthetic"`
	FromAddress     string          `json:"from_address" db:"from_address"`
	ToAddress       string          `json:"to_address" db:"to_address"`
	Amount          decimal.Decimal `json:"amount" db:"amount"`
	TokenAddress    *string         `json:"token_address,omitempty" db:"token_address"`
	TransactionType TransactionType `json:"transaction_type" db:"transaction_type"`
	Confirmed       bool            `json:"confirmed" db:"confirmed"`
	BlockNumber     int64           `json:"block_number" db:"block_number"`
	Rail            PaymentService  `json:"rail" db:"rail"`
	Meta            json.RawMessage `json:"meta,omitempty" db:"meta"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// NewSyntheticHash returns a unique placeholder for deposits with no rail identifier
func NewSyntheticHash() string {
	return syntheticHashPrefix + uuid.New().String()
}

// IsSyntheticHash reports whether hash was produced by NewSyntheticHash
func IsSyntheticHash(hash string) bool {
	return strings.HasPrefix(hash, syntheticHashPrefix)
}

// NeedsChainConfirmation reports whether the confirmation sweep should look this row up on-chain
func (t *Transaction) NeedsChainConfirmation() bool {
	return !t.Confirmed && !t.Synthetic && t.Rail == PaymentServiceCrypto
}

// TransactionSummary is what the activation notifier forwards upstream
type TransactionSummary struct {
	Hash   string `json:"hash"`
	Amount string `json:"amount"`
	Rail   string `json:"rail"`
}

// Summary builds the notifier view of the row
func (t *Transaction) Summary() *TransactionSummary {
	return &TransactionSummary{
		Hash:   t.TransactionHash,
		Amount: t.Amount.String(),
		Rail:   string(t.Rail),
	}
}
