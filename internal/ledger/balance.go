package ledger

// applyEntry applies a single credit or debit to a running balance. Both the
// petty-cash ledger and the customer ledger move value through this one
// function, so the positivity and non-negativity rules cannot drift apart.
// A transfer is a debit on the source and a credit on the destination.
func applyEntry(balance int64, t TransactionType, amount int64) (int64, error) {
	if amount <= 0 {
		return balance, ErrInvalidAmount
	}
	switch t {
	case TypeCredit:
		return balance + amount, nil
	case TypeDebit:
		if balance < amount {
			return balance, ErrInsufficientFunds
		}
		return balance - amount, nil
	default:
		return balance, ErrInvalidAmount
	}
}

// matches reports whether tx passes the filter.
func (f TransactionFilter) matches(tx Transaction) bool {
	if f.AccountID != "" && tx.FromAccountID != f.AccountID && tx.ToAccountID != f.AccountID {
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
