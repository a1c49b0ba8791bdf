package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"cashbook.org/internal/ids"
	"cashbook.org/internal/ledger"
)

// Store implements the ledger services on PostgreSQL. All multi-row
// mutations run as serializable transactions; account rows are locked in
// ascending id order so opposite-direction transfers cannot deadlock.
type Store struct {
	db *sql.DB
}

var (
	_ ledger.Service         = (*Store)(nil)
	_ ledger.CustomerService = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection pool (used by tests).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) CreateAccount(ctx context.Context, owner string, openingBalance int64, acceptsIncoming bool) (ledger.Account, error) {
	if owner == "" {
		return ledger.Account{}, ledger.ErrInvalidOwner
	}
	if openingBalance < 0 {
		return ledger.Account{}, ledger.ErrInvalidOpeningBalance
	}
	id := ids.New()
	if _, err := s.db.ExecContext(ctx, `
		insert into accounts(id, owner, opening_balance, current_balance, accepts_incoming, status)
		values ($1,$2,$3,$3,$4,'active')
	`, id, owner, openingBalance, acceptsIncoming); err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{
		ID:              id,
		Owner:           owner,
		OpeningBalance:  openingBalance,
		CurrentBalance:  openingBalance,
		AcceptsIncoming: acceptsIncoming,
		Status:          ledger.AccountActive,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (ledger.Account, error) {
	var acc ledger.Account
	var status string
	err := s.db.QueryRowContext(ctx, `
		select id, owner, opening_balance, current_balance, accepts_incoming, status, created_at
		from accounts where id=$1
	`, id).Scan(&acc.ID, &acc.Owner, &acc.OpeningBalance, &acc.CurrentBalance, &acc.AcceptsIncoming, &status, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	acc.Status = ledger.AccountStatus(status)
	return acc, nil
}

func (s *Store) UpdateAccountConfig(ctx context.Context, id string, cfg ledger.AccountConfig) (ledger.Account, error) {
	if cfg.OpeningBalance != nil && *cfg.OpeningBalance < 0 {
		return ledger.Account{}, ledger.ErrInvalidOpeningBalance
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	acc, err := lockAccount(ctx, tx, id)
	if err != nil {
		return ledger.Account{}, err
	}
	if acc.Status == ledger.AccountDeleted {
		return ledger.Account{}, ledger.ErrAccountDeleted
	}

	if cfg.OpeningBalance != nil {
		var refs int
		if err := tx.QueryRowContext(ctx, `
			select count(*) from transactions where from_account_id=$1 or to_account_id=$1
		`, id).Scan(&refs); err != nil {
			return ledger.Account{}, err
		}
		if refs > 0 {
			return ledger.Account{}, ledger.ErrOpeningBalanceLocked
		}
		if _, err := tx.ExecContext(ctx, `
			update accounts set opening_balance=$2, current_balance=$2 where id=$1
		`, id, *cfg.OpeningBalance); err != nil {
			return ledger.Account{}, err
		}
		acc.OpeningBalance = *cfg.OpeningBalance
		acc.CurrentBalance = *cfg.OpeningBalance
	}
	if cfg.AcceptsIncoming != nil {
		if _, err := tx.ExecContext(ctx, `
			update accounts set accepts_incoming=$2 where id=$1
		`, id, *cfg.AcceptsIncoming); err != nil {
			return ledger.Account{}, err
		}
		acc.AcceptsIncoming = *cfg.AcceptsIncoming
	}

	if err := tx.Commit(); err != nil {
		return ledger.Account{}, err
	}
	return acc, nil
}

func (s *Store) RecordCredit(ctx context.Context, accountID string, amount int64, date time.Time, reference string) (ledger.Transaction, error) {
	return s.record(ctx, ledger.TypeCredit, accountID, amount, date, reference)
}

func (s *Store) RecordDebit(ctx context.Context, accountID string, amount int64, date time.Time, reference string) (ledger.Transaction, error) {
	return s.record(ctx, ledger.TypeDebit, accountID, amount, date, reference)
}

func (s *Store) record(ctx context.Context, t ledger.TransactionType, accountID string, amount int64, date time.Time, reference string) (ledger.Transaction, error) {
	if amount <= 0 {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	acc, err := lockAccount(ctx, tx, accountID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if acc.Status == ledger.AccountDeleted {
		return ledger.Transaction{}, ledger.ErrAccountDeleted
	}

	delta := amount
	if t == ledger.TypeDebit {
		if acc.CurrentBalance < amount {
			return ledger.Transaction{}, ledger.ErrInsufficientFunds
		}
		delta = -amount
	}
	if _, err := tx.ExecContext(ctx, `
		update accounts set current_balance = current_balance + $2 where id=$1
	`, accountID, delta); err != nil {
		return ledger.Transaction{}, err
	}

	entry := ledger.Transaction{
		Type:      t,
		Amount:    amount,
		Date:      normalizeDate(date),
		Reference: reference,
	}
	if t == ledger.TypeCredit {
		entry.ToAccountID = accountID
	} else {
		entry.FromAccountID = accountID
	}
	entry, err = insertTransaction(ctx, tx, entry)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, err
	}
	return entry, nil
}

func (s *Store) Transfer(ctx context.Context, fromID, toID string, amount int64, date time.Time, reference string) (ledger.Transaction, error) {
	if amount <= 0 {
		return ledger.Transaction{}, ledger.ErrInvalidAmount
	}
	if fromID == toID {
		return ledger.Transaction{}, ledger.ErrSameAccount
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback() }()

	entry, err := transferLocked(ctx, tx, fromID, toID, amount, date, reference)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, err
	}
	return entry, nil
}

// transferLocked moves the full amount between two accounts inside an open
// transaction. The retirement flow calls it before the delete step so drain
// and delete commit together.
func transferLocked(ctx context.Context, tx *sql.Tx, fromID, toID string, amount int64, date time.Time, reference string) (ledger.Transaction, error) {
	accounts := make(map[string]ledger.Account, 2)
	for _, id := range sorted(fromID, toID) {
		acc, err := lockAccount(ctx, tx, id)
		if err != nil {
			return ledger.Transaction{}, err
		}
		accounts[id] = acc
	}

	from, to := accounts[fromID], accounts[toID]
	if from.Status == ledger.AccountDeleted || to.Status == ledger.AccountDeleted {
		return ledger.Transaction{}, ledger.ErrAccountDeleted
	}
	if !to.AcceptsIncoming {
		return ledger.Transaction{}, ledger.ErrDestinationNotAccepting
	}
	if from.CurrentBalance < amount {
		return ledger.Transaction{}, ledger.ErrInsufficientFunds
	}

	if _, err := tx.ExecContext(ctx, `
		update accounts set current_balance = current_balance - $2 where id=$1
	`, fromID, amount); err != nil {
		return ledger.Transaction{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update accounts set current_balance = current_balance + $2 where id=$1
	`, toID, amount); err != nil {
		return ledger.Transaction{}, err
	}

	return insertTransaction(ctx, tx, ledger.Transaction{
		Type:          ledger.TypeTransfer,
		FromAccountID: fromID,
		ToAccountID:   toID,
		Amount:        amount,
		Date:          normalizeDate(date),
		Reference:     reference,
	})
}

func (s *Store) BeginRetirement(ctx context.Context, id string) (ledger.RetirementPlan, error) {
	acc, err := s.GetAccount(ctx, id)
	if err != nil {
		return ledger.RetirementPlan{}, err
	}
	if acc.Status == ledger.AccountDeleted {
		return ledger.RetirementPlan{}, ledger.ErrAccountDeleted
	}
	return ledger.RetirementPlan{
		AccountID:        id,
		Balance:          acc.CurrentBalance,
		RequiresTransfer: acc.CurrentBalance != 0,
	}, nil
}

func (s *Store) CompleteRetirement(ctx context.Context, id, destinationID string) (ledger.Account, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return ledger.Account{}, err
	}
	defer func() { _ = tx.Rollback() }()

	acc, err := lockAccount(ctx, tx, id)
	if err != nil {
		return ledger.Account{}, err
	}
	if acc.Status == ledger.AccountDeleted {
		return ledger.Account{}, ledger.ErrAccountDeleted
	}

	if acc.CurrentBalance != 0 {
		if destinationID == "" {
			return ledger.Account{}, ledger.ErrNonZeroBalance
		}
		if destinationID == id {
			return ledger.Account{}, ledger.ErrSameAccount
		}
		if _, err := transferLocked(ctx, tx, id, destinationID, acc.CurrentBalance, time.Time{}, "account retirement drain"); err != nil {
			return ledger.Account{}, err
		}
	}

	// The drain and the delete commit together, so re-checking the locked
	// row guards against anything slipping in between.
	var remaining int64
	if err := tx.QueryRowContext(ctx, `
		select current_balance from accounts where id=$1
	`, id).Scan(&remaining); err != nil {
		return ledger.Account{}, err
	}
	if remaining != 0 {
		return ledger.Account{}, ledger.ErrNonZeroBalance
	}
	if _, err := tx.ExecContext(ctx, `
		update accounts set status='deleted' where id=$1
	`, id); err != nil {
		return ledger.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return ledger.Account{}, err
	}

	acc.CurrentBalance = 0
	acc.Status = ledger.AccountDeleted
	return acc, nil
}

func (s *Store) MarkMoved(ctx context.Context, txID string) (ledger.Transaction, error) {
	// One-way and idempotent: the update is a no-op for rows already moved.
	row := s.db.QueryRowContext(ctx, `
		update transactions set reconciliation='moved'
		where id=$1
		returning id, type, coalesce(from_account_id,''), coalesce(to_account_id,''), amount, date, coalesce(reference,''), reconciliation, created_at, sequence
	`, txID)
	entry, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	return entry, nil
}

func (s *Store) ListTransactions(ctx context.Context, filter ledger.TransactionFilter, limit int, afterSeq uint64) ([]ledger.Transaction, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	where := []string{"sequence > $1"}
	args := []any{afterSeq}
	if filter.AccountID != "" {
		args = append(args, filter.AccountID)
		where = append(where, fmt.Sprintf("(from_account_id = $%d or to_account_id = $%d)", len(args), len(args)))
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
		select id, type, coalesce(from_account_id,''), coalesce(to_account_id,''), amount, date, coalesce(reference,''), reconciliation, created_at, sequence
		from transactions
		where %s
		order by sequence asc
		limit $%d
	`, strings.Join(where, " and "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var res []ledger.Transaction
	var last uint64
	for rows.Next() {
		entry, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, entry)
		last = entry.Sequence
	}
	return res, last, rows.Err()
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func lockAccount(ctx context.Context, tx *sql.Tx, id string) (ledger.Account, error) {
	var acc ledger.Account
	var status string
	err := tx.QueryRowContext(ctx, `
		select id, owner, opening_balance, current_balance, accepts_incoming, status, created_at
		from accounts where id=$1 for update
	`, id).Scan(&acc.ID, &acc.Owner, &acc.OpeningBalance, &acc.CurrentBalance, &acc.AcceptsIncoming, &status, &acc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	acc.Status = ledger.AccountStatus(status)
	return acc, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, entry ledger.Transaction) (ledger.Transaction, error) {
	entry.ID = ids.New()
	entry.Reconciliation = ledger.ReconInQueue
	entry.CreatedAt = time.Now().UTC()
	err := tx.QueryRowContext(ctx, `
		insert into transactions(id, type, from_account_id, to_account_id, amount, date, reference, reconciliation)
		values ($1,$2,nullif($3,''),nullif($4,''),$5,$6,nullif($7,''),'in_queue') returning sequence
	`, entry.ID, string(entry.Type), entry.FromAccountID, entry.ToAccountID, entry.Amount, entry.Date, entry.Reference).Scan(&entry.Sequence)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return entry, nil
}

func scanTransaction(row rowScanner) (ledger.Transaction, error) {
	var entry ledger.Transaction
	var typ, recon string
	if err := row.Scan(&entry.ID, &typ, &entry.FromAccountID, &entry.ToAccountID, &entry.Amount, &entry.Date, &entry.Reference, &recon, &entry.CreatedAt, &entry.Sequence); err != nil {
		return ledger.Transaction{}, err
	}
	entry.Type = ledger.TransactionType(typ)
	entry.Reconciliation = ledger.ReconciliationStatus(recon)
	return entry, nil
}

func normalizeDate(date time.Time) time.Time {
	if date.IsZero() {
		return time.Now().UTC()
	}
	return date.UTC()
}

func sorted(a, b string) []string {
	if a <= b {
		return []string{a, b}
	}
	return []string{b, a}
}
