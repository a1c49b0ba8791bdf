package ledger

import (
	"context"
	"sync"
	"time"
)

// Service defines the petty-cash ledger operations. Callers are expected to
// have authorized the intent already; the ledger only enforces balance and
// lifecycle invariants.
type Service interface {
	CreateAccount(ctx context.Context, owner string, openingBalance int64, acceptsIncoming bool) (Account, error)
	GetAccount(ctx context.Context, id string) (Account, error)
	UpdateAccountConfig(ctx context.Context, id string, cfg AccountConfig) (Account, error)
	RecordCredit(ctx context.Context, accountID string, amount int64, date time.Time, reference string) (Transaction, error)
	RecordDebit(ctx context.Context, accountID string, amount int64, date time.Time, reference string) (Transaction, error)
	Transfer(ctx context.Context, fromID, toID string, amount int64, date time.Time, reference string) (Transaction, error)
	BeginRetirement(ctx context.Context, id string) (RetirementPlan, error)
	CompleteRetirement(ctx context.Context, id, destinationID string) (Account, error)
	MarkMoved(ctx context.Context, txID string) (Transaction, error)
	ListTransactions(ctx context.Context, filter TransactionFilter, limit int, afterSeq uint64) ([]Transaction, uint64, error)
}

// InMemory implements Service with in-process concurrency safety. Used by
// tests and as a fallback when no database is configured.
type InMemory struct {
	mu    sync.RWMutex
	accts map[string]*Account
	seq   uint64
	txs   []Transaction
}

// NewInMemory creates an empty ledger.
func NewInMemory() *InMemory {
	return &InMemory{accts: make(map[string]*Account)}
}

var _ Service = (*InMemory)(nil)

func (s *InMemory) CreateAccount(ctx context.Context, owner string, openingBalance int64, acceptsIncoming bool) (Account, error) {
	if owner == "" {
		return Account{}, ErrInvalidOwner
	}
	if openingBalance < 0 {
		return Account{}, ErrInvalidOpeningBalance
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc := &Account{
		ID:              newID(),
		Owner:           owner,
		OpeningBalance:  openingBalance,
		CurrentBalance:  openingBalance,
		AcceptsIncoming: acceptsIncoming,
		Status:          AccountActive,
		CreatedAt:       time.Now().UTC(),
	}
	s.accts[acc.ID] = acc
	return *acc, nil
}

func (s *InMemory) GetAccount(ctx context.Context, id string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return *acc, nil
}

func (s *InMemory) UpdateAccountConfig(ctx context.Context, id string, cfg AccountConfig) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	if acc.Status == AccountDeleted {
		return Account{}, ErrAccountDeleted
	}
	if cfg.OpeningBalance != nil {
		if *cfg.OpeningBalance < 0 {
			return Account{}, ErrInvalidOpeningBalance
		}
		if s.hasTransactions(id) {
			return Account{}, ErrOpeningBalanceLocked
		}
		// No transactions yet, so the balance is exactly the opening balance.
		acc.OpeningBalance = *cfg.OpeningBalance
		acc.CurrentBalance = *cfg.OpeningBalance
	}
	if cfg.AcceptsIncoming != nil {
		acc.AcceptsIncoming = *cfg.AcceptsIncoming
	}
	return *acc, nil
}

func (s *InMemory) RecordCredit(ctx context.Context, accountID string, amount int64, date time.Time, reference string) (Transaction, error) {
	return s.record(TypeCredit, accountID, amount, date, reference)
}

func (s *InMemory) RecordDebit(ctx context.Context, accountID string, amount int64, date time.Time, reference string) (Transaction, error) {
	return s.record(TypeDebit, accountID, amount, date, reference)
}

func (s *InMemory) record(t TransactionType, accountID string, amount int64, date time.Time, reference string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accts[accountID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if acc.Status == AccountDeleted {
		return Transaction{}, ErrAccountDeleted
	}
	next, err := applyEntry(acc.CurrentBalance, t, amount)
	if err != nil {
		return Transaction{}, err
	}
	acc.CurrentBalance = next

	tx := Transaction{
		Type:      t,
		Amount:    amount,
		Date:      normalizeDate(date),
		Reference: reference,
	}
	switch t {
	case TypeCredit:
		tx.ToAccountID = accountID
	case TypeDebit:
		tx.FromAccountID = accountID
	}
	return s.appendTx(tx), nil
}

func (s *InMemory) Transfer(ctx context.Context, fromID, toID string, amount int64, date time.Time, reference string) (Transaction, error) {
	if amount <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	if fromID == toID {
		return Transaction{}, ErrSameAccount
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transferLocked(fromID, toID, amount, date, reference)
}

// transferLocked performs the two-account move under an already-held lock so
// the retirement flow can reuse it inside its own atomic section.
func (s *InMemory) transferLocked(fromID, toID string, amount int64, date time.Time, reference string) (Transaction, error) {
	from, ok := s.accts[fromID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	to, ok := s.accts[toID]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	if from.Status == AccountDeleted || to.Status == AccountDeleted {
		return Transaction{}, ErrAccountDeleted
	}
	if !to.AcceptsIncoming {
		return Transaction{}, ErrDestinationNotAccepting
	}

	debited, err := applyEntry(from.CurrentBalance, TypeDebit, amount)
	if err != nil {
		return Transaction{}, err
	}
	credited, err := applyEntry(to.CurrentBalance, TypeCredit, amount)
	if err != nil {
		return Transaction{}, err
	}
	from.CurrentBalance = debited
	to.CurrentBalance = credited

	return s.appendTx(Transaction{
		Type:          TypeTransfer,
		FromAccountID: fromID,
		ToAccountID:   toID,
		Amount:        amount,
		Date:          normalizeDate(date),
		Reference:     reference,
	}), nil
}

func (s *InMemory) BeginRetirement(ctx context.Context, id string) (RetirementPlan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accts[id]
	if !ok {
		return RetirementPlan{}, ErrNotFound
	}
	if acc.Status == AccountDeleted {
		return RetirementPlan{}, ErrAccountDeleted
	}
	return RetirementPlan{
		AccountID:        id,
		Balance:          acc.CurrentBalance,
		RequiresTransfer: acc.CurrentBalance != 0,
	}, nil
}

// CompleteRetirement drains any residual balance into destinationID and marks
// the account deleted, as one atomic step. A destination is required exactly
// when the balance is non-zero; partial drains never happen.
func (s *InMemory) CompleteRetirement(ctx context.Context, id, destinationID string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	if acc.Status == AccountDeleted {
		return Account{}, ErrAccountDeleted
	}

	if acc.CurrentBalance != 0 {
		if destinationID == "" {
			return Account{}, ErrNonZeroBalance
		}
		if destinationID == id {
			return Account{}, ErrSameAccount
		}
		if _, err := s.transferLocked(id, destinationID, acc.CurrentBalance, time.Time{}, "account retirement drain"); err != nil {
			return Account{}, err
		}
	}

	// Re-verify under the same critical section; the drain above must have
	// left exactly zero.
	if acc.CurrentBalance != 0 {
		return Account{}, ErrNonZeroBalance
	}
	acc.Status = AccountDeleted
	return *acc, nil
}

func (s *InMemory) MarkMoved(ctx context.Context, txID string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.txs {
		if s.txs[i].ID != txID {
			continue
		}
		// Idempotent: re-marking a moved transaction is a no-op.
		s.txs[i].Reconciliation = ReconMoved
		return s.txs[i], nil
	}
	return Transaction{}, ErrNotFound
}

func (s *InMemory) ListTransactions(ctx context.Context, filter TransactionFilter, limit int, afterSeq uint64) ([]Transaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Transaction
	var last uint64
	for _, tx := range s.txs {
		if tx.Sequence <= afterSeq {
			continue
		}
		if !filter.matches(tx) {
			continue
		}
		res = append(res, tx)
		last = tx.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

// appendTx assigns identity, sequence and reconciliation defaults, stores the
// transaction and returns the stored copy. Callers hold the write lock.
func (s *InMemory) appendTx(tx Transaction) Transaction {
	s.seq++
	tx.ID = newID()
	tx.Sequence = s.seq
	tx.Reconciliation = ReconInQueue
	tx.CreatedAt = time.Now().UTC()
	if tx.Date.IsZero() {
		tx.Date = tx.CreatedAt
	}
	s.txs = append(s.txs, tx)
	return tx
}

func (s *InMemory) hasTransactions(accountID string) bool {
	for _, tx := range s.txs {
		if tx.FromAccountID == accountID || tx.ToAccountID == accountID {
			return true
		}
	}
	return false
}

func normalizeDate(date time.Time) time.Time {
	if date.IsZero() {
		return time.Now().UTC()
	}
	return date.UTC()
}
