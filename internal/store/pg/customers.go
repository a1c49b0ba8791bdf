package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cashbook.org/internal/ids"
	"cashbook.org/internal/ledger"
)

func (s *Store) CreateCustomer(ctx context.Context, name string) (ledger.Customer, error) {
	if name == "" {
		return ledger.Customer{}, ledger.ErrInvalidOwner
	}
	id := ids.New()
	if _, err := s.db.ExecContext(ctx, `
		insert into customers(id, name, outstanding) values ($1,$2,0)
	`, id, name); err != nil {
		return ledger.Customer{}, err
	}
	return ledger.Customer{ID: id, Name: name, CreatedAt: time.Now().UTC()}, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (ledger.Customer, error) {
	var c ledger.Customer
	err := s.db.QueryRowContext(ctx, `
		select id, name, outstanding, created_at from customers where id=$1
	`, id).Scan(&c.ID, &c.Name, &c.Outstanding, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Customer{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Customer{}, err
	}
	return c, nil
}

func (s *Store) RecordCustomerCredit(ctx context.Context, customerID string, entry ledger.CustomerEntry) (ledger.CustomerTransaction, error) {
	return s.recordCustomer(ctx, ledger.TypeCredit, customerID, entry)
}

func (s *Store) RecordCustomerDebit(ctx context.Context, customerID string, entry ledger.CustomerEntry) (ledger.CustomerTransaction, error) {
	return s.recordCustomer(ctx, ledger.TypeDebit, customerID, entry)
}

func (s *Store) recordCustomer(ctx context.Context, t ledger.TransactionType, customerID string, entry ledger.CustomerEntry) (ledger.CustomerTransaction, error) {
	if entry.Amount <= 0 {
		return ledger.CustomerTransaction{}, ledger.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.CustomerTransaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var outstanding int64
	err = tx.QueryRowContext(ctx, `
		select outstanding from customers where id=$1 for update
	`, customerID).Scan(&outstanding)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CustomerTransaction{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.CustomerTransaction{}, err
	}

	delta := entry.Amount
	if t == ledger.TypeDebit {
		if outstanding < entry.Amount {
			return ledger.CustomerTransaction{}, ledger.ErrInsufficientFunds
		}
		delta = -entry.Amount
	}
	if _, err := tx.ExecContext(ctx, `
		update customers set outstanding = outstanding + $2 where id=$1
	`, customerID, delta); err != nil {
		return ledger.CustomerTransaction{}, err
	}

	rec := ledger.CustomerTransaction{
		ID:             ids.New(),
		CustomerID:     customerID,
		Type:           t,
		Amount:         entry.Amount,
		PaymentMode:    entry.PaymentMode,
		CollectedBy:    entry.CollectedBy,
		Date:           normalizeDate(entry.Date),
		Note:           entry.Note,
		InvoiceID:      entry.InvoiceID,
		Reconciliation: ledger.ReconInQueue,
		CreatedAt:      time.Now().UTC(),
	}
	if err := tx.QueryRowContext(ctx, `
		insert into customer_transactions(id, customer_id, type, amount, payment_mode, collected_by, date, note, invoice_id, reconciliation)
		values ($1,$2,$3,$4,nullif($5,''),nullif($6,''),$7,nullif($8,''),nullif($9,''),'in_queue') returning sequence
	`, rec.ID, customerID, string(t), rec.Amount, rec.PaymentMode, rec.CollectedBy, rec.Date, rec.Note, rec.InvoiceID).Scan(&rec.Sequence); err != nil {
		return ledger.CustomerTransaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.CustomerTransaction{}, err
	}
	return rec, nil
}

func (s *Store) UpdateCustomerTransaction(ctx context.Context, txID string, upd ledger.CustomerTransactionUpdate) (ledger.CustomerTransaction, error) {
	if upd.Amount != nil && *upd.Amount <= 0 {
		return ledger.CustomerTransaction{}, ledger.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.CustomerTransaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanCustomerTransaction(tx.QueryRowContext(ctx, `
		select id, customer_id, type, amount, coalesce(payment_mode,''), coalesce(collected_by,''), date, coalesce(note,''), coalesce(invoice_id,''), reconciliation, created_at, sequence
		from customer_transactions where id=$1 for update
	`, txID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CustomerTransaction{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.CustomerTransaction{}, err
	}
	if rec.InvoiceID != "" {
		return ledger.CustomerTransaction{}, ledger.ErrLinkedToOrder
	}

	if upd.Amount != nil && *upd.Amount != rec.Amount {
		var outstanding int64
		if err := tx.QueryRowContext(ctx, `
			select outstanding from customers where id=$1 for update
		`, rec.CustomerID).Scan(&outstanding); err != nil {
			return ledger.CustomerTransaction{}, err
		}

		// Replay the entry at its new amount against the running balance.
		delta := *upd.Amount - rec.Amount
		if rec.Type == ledger.TypeDebit {
			delta = -delta
		}
		if outstanding+delta < 0 {
			return ledger.CustomerTransaction{}, ledger.ErrInsufficientFunds
		}
		if _, err := tx.ExecContext(ctx, `
			update customers set outstanding = outstanding + $2 where id=$1
		`, rec.CustomerID, delta); err != nil {
			return ledger.CustomerTransaction{}, err
		}
		if _, err := tx.ExecContext(ctx, `
			update customer_transactions set amount=$2 where id=$1
		`, txID, *upd.Amount); err != nil {
			return ledger.CustomerTransaction{}, err
		}
		rec.Amount = *upd.Amount
	}
	if upd.Note != nil {
		if _, err := tx.ExecContext(ctx, `
			update customer_transactions set note=nullif($2,'') where id=$1
		`, txID, *upd.Note); err != nil {
			return ledger.CustomerTransaction{}, err
		}
		rec.Note = *upd.Note
	}

	if err := tx.Commit(); err != nil {
		return ledger.CustomerTransaction{}, err
	}
	return rec, nil
}

func (s *Store) MarkCustomerMoved(ctx context.Context, txID string) (ledger.CustomerTransaction, error) {
	row := s.db.QueryRowContext(ctx, `
		update customer_transactions set reconciliation='moved'
		where id=$1
		returning id, customer_id, type, amount, coalesce(payment_mode,''), coalesce(collected_by,''), date, coalesce(note,''), coalesce(invoice_id,''), reconciliation, created_at, sequence
	`, txID)
	rec, err := scanCustomerTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.CustomerTransaction{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.CustomerTransaction{}, err
	}
	return rec, nil
}

func (s *Store) ListCustomerTransactions(ctx context.Context, filter ledger.CustomerFilter, limit int, afterSeq uint64) ([]ledger.CustomerTransaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	where := []string{"sequence > $1"}
	args := []any{afterSeq}
	if filter.CustomerID != "" {
		args = append(args, filter.CustomerID)
		where = append(where, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.Reconciliation != "" {
		args = append(args, string(filter.Reconciliation))
		where = append(where, fmt.Sprintf("reconciliation = $%d", len(args)))
	}
	if !filter.DateFrom.IsZero() {
		args = append(args, filter.DateFrom.UTC())
		where = append(where, fmt.Sprintf("date >= $%d", len(args)))
	}
	if !filter.DateTo.IsZero() {
		args = append(args, filter.DateTo.UTC())
		where = append(where, fmt.Sprintf("date <= $%d", len(args)))
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		select id, customer_id, type, amount, coalesce(payment_mode,''), coalesce(collected_by,''), date, coalesce(note,''), coalesce(invoice_id,''), reconciliation, created_at, sequence
		from customer_transactions
		where %s
		order by sequence asc
		limit $%d
	`, strings.Join(where, " and "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []ledger.CustomerTransaction
	var last uint64
	for rows.Next() {
		rec, err := scanCustomerTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, rec)
		last = rec.Sequence
	}
	return res, last, rows.Err()
}

func scanCustomerTransaction(row rowScanner) (ledger.CustomerTransaction, error) {
	var rec ledger.CustomerTransaction
	var typ, recon string
	if err := row.Scan(&rec.ID, &rec.CustomerID, &typ, &rec.Amount, &rec.PaymentMode, &rec.CollectedBy, &rec.Date, &rec.Note, &rec.InvoiceID, &recon, &rec.CreatedAt, &rec.Sequence); err != nil {
		return ledger.CustomerTransaction{}, err
	}
	rec.Type = ledger.TransactionType(typ)
	rec.Reconciliation = ledger.ReconciliationStatus(recon)
	return rec, nil
}
