package ledger

import (
	"errors"
	"time"

	"cashbook.org/internal/ids"
)

// Amounts are represented in minor units (e.g., cents). No floats.

// AccountStatus is the lifecycle state of a petty-cash account.
type AccountStatus string

const (
	AccountActive  AccountStatus = "active"
	AccountDeleted AccountStatus = "deleted"
)

// TransactionType classifies ledger entries.
type TransactionType string

const (
	TypeCredit   TransactionType = "credit"
	TypeDebit    TransactionType = "debit"
	TypeTransfer TransactionType = "transfer"
)

// ReconciliationStatus tracks whether a transaction has been synchronized
// with the external accounting system. The transition is one-way.
type ReconciliationStatus string

const (
	ReconInQueue ReconciliationStatus = "in_queue"
	ReconMoved   ReconciliationStatus = "moved"
)

// Account is a petty-cash holding owned by a single staff identity.
// CurrentBalance always equals OpeningBalance plus the net of every
// transaction referencing the account.
type Account struct {
	ID              string        `json:"id"`
	Owner           string        `json:"owner"`
	OpeningBalance  int64         `json:"opening_balance"`
	CurrentBalance  int64         `json:"current_balance"`
	AcceptsIncoming bool          `json:"accepts_incoming"`
	Status          AccountStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Transaction is a single ledger entry. Transfers reference both accounts;
// credits reference only the destination, debits only the source.
type Transaction struct {
	ID             string               `json:"id"`
	Type           TransactionType      `json:"type"`
	FromAccountID  string               `json:"from_account_id,omitempty"`
	ToAccountID    string               `json:"to_account_id,omitempty"`
	Amount         int64                `json:"amount"` // minor units, always > 0
	Date           time.Time            `json:"date"`
	Reference      string               `json:"reference,omitempty"`
	Reconciliation ReconciliationStatus `json:"reconciliation_status"`
	CreatedAt      time.Time            `json:"created_at"`
	Sequence       uint64               `json:"sequence"` // monotonic, used for pagination
}

// AccountConfig carries administrative corrections. Nil fields are left
// unchanged. OpeningBalance may only change while the account has no
// transactions; afterwards the invariant baseline is locked.
type AccountConfig struct {
	OpeningBalance  *int64 `json:"opening_balance,omitempty"`
	AcceptsIncoming *bool  `json:"accepts_incoming,omitempty"`
}

// RetirementPlan is the result of inspecting an account before deletion.
// When RequiresTransfer is set, Balance must be drained in full into an
// accepting destination before the delete can proceed.
type RetirementPlan struct {
	AccountID        string `json:"account_id"`
	Balance          int64  `json:"balance"`
	RequiresTransfer bool   `json:"requires_transfer"`
}

// TransactionFilter narrows ListTransactions. Zero values match everything.
type TransactionFilter struct {
	AccountID      string
	Type           TransactionType
	Reconciliation ReconciliationStatus
	DateFrom       time.Time
	DateTo         time.Time
}

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidAmount           = errors.New("invalid amount (must be > 0)")
	ErrInvalidOpeningBalance   = errors.New("opening balance must be >= 0")
	ErrInvalidOwner            = errors.New("owner is required")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrDestinationNotAccepting = errors.New("destination account does not accept incoming transfers")
	ErrSameAccount             = errors.New("source and destination accounts must differ")
	ErrNonZeroBalance          = errors.New("account balance must be zero before deletion")
	ErrAccountDeleted          = errors.New("account is deleted")
	ErrOpeningBalanceLocked    = errors.New("opening balance cannot change once transactions exist")
	ErrLinkedToOrder           = errors.New("transaction is backed by an order and cannot be edited here")
)

func newID() string {
	return ids.New()
}
