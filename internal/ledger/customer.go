package ledger

import (
	"context"
	"sync"
	"time"
)

// Customer carries a running outstanding amount, the customer-side
// equivalent of an account balance. It only ever moves through credit and
// debit entries; there is no transfer between customers.
type Customer struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Outstanding int64     `json:"outstanding_amount"`
	CreatedAt   time.Time `json:"created_at"`
}

// CustomerTransaction is a customer ledger entry. When InvoiceID is set the
// entry mirrors an order and must be edited through that order, never here.
type CustomerTransaction struct {
	ID             string               `json:"id"`
	CustomerID     string               `json:"customer_id"`
	Type           TransactionType      `json:"type"` // credit or debit only
	Amount         int64                `json:"amount"`
	PaymentMode    string               `json:"payment_mode,omitempty"`
	CollectedBy    string               `json:"collected_by,omitempty"`
	Date           time.Time            `json:"date"`
	Note           string               `json:"note,omitempty"`
	InvoiceID      string               `json:"invoice_id,omitempty"`
	Reconciliation ReconciliationStatus `json:"reconciliation_status"`
	CreatedAt      time.Time            `json:"created_at"`
	Sequence       uint64               `json:"sequence"`
}

// CustomerEntry is the input for recording a customer transaction.
type CustomerEntry struct {
	Amount      int64
	PaymentMode string
	CollectedBy string
	Date        time.Time
	Note        string
	InvoiceID   string
}

// CustomerTransactionUpdate edits amount and/or note of an existing entry.
// Nil fields are left unchanged.
type CustomerTransactionUpdate struct {
	Amount *int64  `json:"amount,omitempty"`
	Note   *string `json:"note,omitempty"`
}

// CustomerFilter narrows ListCustomerTransactions.
type CustomerFilter struct {
	CustomerID     string
	Type           TransactionType
	Reconciliation ReconciliationStatus
	DateFrom       time.Time
	DateTo         time.Time
}

// CustomerService defines the customer ledger operations.
type CustomerService interface {
	CreateCustomer(ctx context.Context, name string) (Customer, error)
	GetCustomer(ctx context.Context, id string) (Customer, error)
	RecordCustomerCredit(ctx context.Context, customerID string, entry CustomerEntry) (CustomerTransaction, error)
	RecordCustomerDebit(ctx context.Context, customerID string, entry CustomerEntry) (CustomerTransaction, error)
	UpdateCustomerTransaction(ctx context.Context, txID string, upd CustomerTransactionUpdate) (CustomerTransaction, error)
	MarkCustomerMoved(ctx context.Context, txID string) (CustomerTransaction, error)
	ListCustomerTransactions(ctx context.Context, filter CustomerFilter, limit int, afterSeq uint64) ([]CustomerTransaction, uint64, error)
}

// InMemoryCustomers implements CustomerService in process.
type InMemoryCustomers struct {
	mu        sync.RWMutex
	customers map[string]*Customer
	seq       uint64
	txs       []CustomerTransaction
}

// NewInMemoryCustomers creates an empty customer ledger.
func NewInMemoryCustomers() *InMemoryCustomers {
	return &InMemoryCustomers{customers: make(map[string]*Customer)}
}

var _ CustomerService = (*InMemoryCustomers)(nil)

func (s *InMemoryCustomers) CreateCustomer(ctx context.Context, name string) (Customer, error) {
	if name == "" {
		return Customer{}, ErrInvalidOwner
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := &Customer{
		ID:        newID(),
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	s.customers[c.ID] = c
	return *c, nil
}

func (s *InMemoryCustomers) GetCustomer(ctx context.Context, id string) (Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return Customer{}, ErrNotFound
	}
	return *c, nil
}

func (s *InMemoryCustomers) RecordCustomerCredit(ctx context.Context, customerID string, entry CustomerEntry) (CustomerTransaction, error) {
	return s.record(TypeCredit, customerID, entry)
}

func (s *InMemoryCustomers) RecordCustomerDebit(ctx context.Context, customerID string, entry CustomerEntry) (CustomerTransaction, error) {
	return s.record(TypeDebit, customerID, entry)
}

func (s *InMemoryCustomers) record(t TransactionType, customerID string, entry CustomerEntry) (CustomerTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.customers[customerID]
	if !ok {
		return CustomerTransaction{}, ErrNotFound
	}
	next, err := applyEntry(c.Outstanding, t, entry.Amount)
	if err != nil {
		return CustomerTransaction{}, err
	}
	c.Outstanding = next

	s.seq++
	now := time.Now().UTC()
	tx := CustomerTransaction{
		ID:             newID(),
		CustomerID:     customerID,
		Type:           t,
		Amount:         entry.Amount,
		PaymentMode:    entry.PaymentMode,
		CollectedBy:    entry.CollectedBy,
		Date:           normalizeDate(entry.Date),
		Note:           entry.Note,
		InvoiceID:      entry.InvoiceID,
		Reconciliation: ReconInQueue,
		CreatedAt:      now,
		Sequence:       s.seq,
	}
	s.txs = append(s.txs, tx)
	return tx, nil
}

// UpdateCustomerTransaction edits amount/note of an entry that is not backed
// by an order. An amount change shifts the customer's outstanding amount by
// the net delta, so the balance invariant holds after the edit too.
func (s *InMemoryCustomers) UpdateCustomerTransaction(ctx context.Context, txID string, upd CustomerTransactionUpdate) (CustomerTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.txs {
		if s.txs[i].ID == txID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return CustomerTransaction{}, ErrNotFound
	}
	tx := &s.txs[idx]
	if tx.InvoiceID != "" {
		return CustomerTransaction{}, ErrLinkedToOrder
	}

	if upd.Amount != nil && *upd.Amount != tx.Amount {
		newAmount := *upd.Amount
		if newAmount <= 0 {
			return CustomerTransaction{}, ErrInvalidAmount
		}
		c, ok := s.customers[tx.CustomerID]
		if !ok {
			return CustomerTransaction{}, ErrNotFound
		}
		// Only the net difference moves the balance; the old entry was
		// already applied when it was recorded.
		delta := newAmount - tx.Amount
		if tx.Type == TypeDebit {
			delta = -delta
		}
		if c.Outstanding+delta < 0 {
			return CustomerTransaction{}, ErrInsufficientFunds
		}
		c.Outstanding += delta
		tx.Amount = newAmount
	}
	if upd.Note != nil {
		tx.Note = *upd.Note
	}
	return *tx, nil
}

func (s *InMemoryCustomers) MarkCustomerMoved(ctx context.Context, txID string) (CustomerTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.txs {
		if s.txs[i].ID != txID {
			continue
		}
		s.txs[i].Reconciliation = ReconMoved
		return s.txs[i], nil
	}
	return CustomerTransaction{}, ErrNotFound
}

func (s *InMemoryCustomers) ListCustomerTransactions(ctx context.Context, filter CustomerFilter, limit int, afterSeq uint64) ([]CustomerTransaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []CustomerTransaction
	var last uint64
	for _, tx := range s.txs {
		if tx.Sequence <= afterSeq {
			continue
		}
		if !filter.matchesCustomer(tx) {
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

func (f CustomerFilter) matchesCustomer(tx CustomerTransaction) bool {
	if f.CustomerID != "" && tx.CustomerID != f.CustomerID {
		return false
	}
	if f.Type != "" && tx.Type != f.Type {
		return false
	}
	if f.Reconciliation != "" && tx.Reconciliation != f.Reconciliation {
		return false
	}
	if !f.DateFrom.IsZero() && tx.Date.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && tx.Date.After(f.DateTo) {
		return false
	}
	return true
}
