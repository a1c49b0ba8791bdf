package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"cashbook.org/internal/ledger"
)

const (
	lockAccountQuery = "select id, owner, opening_balance, current_balance, accepts_incoming, status, created_at\\s+from accounts where id=\\$1 for update"
	debitExec        = "update accounts set current_balance = current_balance - \\$2 where id=\\$1"
	creditExec       = "update accounts set current_balance = current_balance \\+ \\$2 where id=\\$1"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func accountRow(id, owner string, opening, current int64, accepts bool, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "owner", "opening_balance", "current_balance", "accepts_incoming", "status", "created_at"}).
		AddRow(id, owner, opening, current, accepts, status, time.Now().UTC())
}

func TestTransferDebitsAndCreditsInOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	// Accounts locked in ascending id order.
	mock.ExpectQuery(lockAccountQuery).WithArgs("acct-a").
		WillReturnRows(accountRow("acct-a", "staff-a", 1000, 1000, true, "active"))
	mock.ExpectQuery(lockAccountQuery).WithArgs("acct-b").
		WillReturnRows(accountRow("acct-b", "staff-b", 0, 0, true, "active"))
	mock.ExpectExec(debitExec).WithArgs("acct-a", int64(600)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(creditExec).WithArgs("acct-b", int64(600)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into transactions").
		WithArgs(sqlmock.AnyArg(), "transfer", "acct-a", "acct-b", int64(600), sqlmock.AnyArg(), "cash desk move").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(7)))
	mock.ExpectCommit()

	tx, err := s.Transfer(context.Background(), "acct-a", "acct-b", 600, time.Time{}, "cash desk move")
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if tx.Type != ledger.TypeTransfer || tx.Sequence != 7 {
		t.Fatalf("unexpected transaction: %+v", tx)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransferLocksInAscendingOrder(t *testing.T) {
	s, mock := newMockStore(t)

	// Source sorts after destination; the destination row must be locked first.
	mock.ExpectBegin()
	mock.ExpectQuery(lockAccountQuery).WithArgs("acct-a").
		WillReturnRows(accountRow("acct-a", "staff-a", 0, 0, true, "active"))
	mock.ExpectQuery(lockAccountQuery).WithArgs("acct-z").
		WillReturnRows(accountRow("acct-z", "staff-z", 500, 500, true, "active"))
	mock.ExpectExec(debitExec).WithArgs("acct-z", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(creditExec).WithArgs("acct-a", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into transactions").
		WithArgs(sqlmock.AnyArg(), "transfer", "acct-z", "acct-a", int64(100), sqlmock.AnyArg(), "").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(1)))
	mock.ExpectCommit()

	if _, err := s.Transfer(context.Background(), "acct-z", "acct-a", 100, time.Time{}, ""); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransferRollsBackOnInsufficientFunds(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockAccountQuery).WithArgs("acct-a").
		WillReturnRows(accountRow("acct-a", "staff-a", 100, 100, true, "active"))
	mock.ExpectQuery(lockAccountQuery).WithArgs("acct-b").
		WillReturnRows(accountRow("acct-b", "staff-b", 0, 0, true, "active"))
	mock.ExpectRollback()

	_, err := s.Transfer(context.Background(), "acct-a", "acct-b", 150, time.Time{}, "")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTransferRejectsClosedDestination(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockAccountQuery).WithArgs("acct-a").
		WillReturnRows(accountRow("acct-a", "staff-a", 100, 100, true, "active"))
	mock.ExpectQuery(lockAccountQuery).WithArgs("acct-b").
		WillReturnRows(accountRow("acct-b", "staff-b", 0, 0, false, "active"))
	mock.ExpectRollback()

	_, err := s.Transfer(context.Background(), "acct-a", "acct-b", 50, time.Time{}, "")
	if !errors.Is(err, ledger.ErrDestinationNotAccepting) {
		t.Fatalf("expected ErrDestinationNotAccepting, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordDebitGuardsBalance(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockAccountQuery).WithArgs("acct-a").
		WillReturnRows(accountRow("acct-a", "staff-a", 100, 100, true, "active"))
	mock.ExpectRollback()

	_, err := s.RecordDebit(context.Background(), "acct-a", 101, time.Time{}, "")
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCompleteRetirementDrainsAndDeletesTogether(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockAccountQuery).WithArgs("acct-a").
		WillReturnRows(accountRow("acct-a", "staff-a", 300, 300, false, "active"))
	// Drain re-locks both rows in ascending order inside the same transaction.
	mock.ExpectQuery(lockAccountQuery).WithArgs("acct-a").
		WillReturnRows(accountRow("acct-a", "staff-a", 300, 300, false, "active"))
	mock.ExpectQuery(lockAccountQuery).WithArgs("acct-b").
		WillReturnRows(accountRow("acct-b", "staff-b", 0, 0, true, "active"))
	mock.ExpectExec(debitExec).WithArgs("acct-a", int64(300)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(creditExec).WithArgs("acct-b", int64(300)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into transactions").
		WithArgs(sqlmock.AnyArg(), "transfer", "acct-a", "acct-b", int64(300), sqlmock.AnyArg(), "account retirement drain").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(int64(9)))
	mock.ExpectQuery("select current_balance from accounts where id=\\$1").WithArgs("acct-a").
		WillReturnRows(sqlmock.NewRows([]string{"current_balance"}).AddRow(int64(0)))
	mock.ExpectExec("update accounts set status='deleted' where id=\\$1").WithArgs("acct-a").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	acc, err := s.CompleteRetirement(context.Background(), "acct-a", "acct-b")
	if err != nil {
		t.Fatalf("CompleteRetirement: %v", err)
	}
	if acc.Status != ledger.AccountDeleted || acc.CurrentBalance != 0 {
		t.Fatalf("unexpected account: %+v", acc)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCompleteRetirementRefusesFundedAccountWithoutDestination(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockAccountQuery).WithArgs("acct-a").
		WillReturnRows(accountRow("acct-a", "staff-a", 300, 300, false, "active"))
	mock.ExpectRollback()

	_, err := s.CompleteRetirement(context.Background(), "acct-a", "")
	if !errors.Is(err, ledger.ErrNonZeroBalance) {
		t.Fatalf("expected ErrNonZeroBalance, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkMovedIsIdempotent(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"id", "type", "from_account_id", "to_account_id", "amount", "date", "reference", "reconciliation", "created_at", "sequence"}
	for i := 0; i < 2; i++ {
		mock.ExpectQuery("update transactions set reconciliation='moved'").WithArgs("tx-1").
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow("tx-1", "credit", "", "acct-a", int64(50), time.Now().UTC(), "", "moved", time.Now().UTC(), int64(3)))
	}

	for i := 0; i < 2; i++ {
		tx, err := s.MarkMoved(context.Background(), "tx-1")
		if err != nil {
			t.Fatalf("MarkMoved call %d: %v", i, err)
		}
		if tx.Reconciliation != ledger.ReconMoved {
			t.Fatalf("unexpected status: %s", tx.Reconciliation)
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkMovedUnknownTransaction(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("update transactions set reconciliation='moved'").WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.MarkMoved(context.Background(), "missing")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestOpeningBalanceLockedOncePosted(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(lockAccountQuery).WithArgs("acct-a").
		WillReturnRows(accountRow("acct-a", "staff-a", 100, 80, true, "active"))
	mock.ExpectQuery("select count\\(\\*\\) from transactions").WithArgs("acct-a").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	opening := int64(500)
	_, err := s.UpdateAccountConfig(context.Background(), "acct-a", ledger.AccountConfig{OpeningBalance: &opening})
	if !errors.Is(err, ledger.ErrOpeningBalanceLocked) {
		t.Fatalf("expected ErrOpeningBalanceLocked, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateCustomerTransactionBlockedByOrderLink(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"id", "customer_id", "type", "amount", "payment_mode", "collected_by", "date", "note", "invoice_id", "reconciliation", "created_at", "sequence"}
	mock.ExpectBegin()
	mock.ExpectQuery("from customer_transactions where id=\\$1 for update").WithArgs("ctx-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("ctx-1", "cust-1", "credit", int64(900), "cash", "staff-1", time.Now().UTC(), "", "inv-42", "in_queue", time.Now().UTC(), int64(4)))
	mock.ExpectRollback()

	amount := int64(100)
	_, err := s.UpdateCustomerTransaction(context.Background(), "ctx-1", ledger.CustomerTransactionUpdate{Amount: &amount})
	if !errors.Is(err, ledger.ErrLinkedToOrder) {
		t.Fatalf("expected ErrLinkedToOrder, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateCustomerTransactionReplaysOutstanding(t *testing.T) {
	s, mock := newMockStore(t)

	cols := []string{"id", "customer_id", "type", "amount", "payment_mode", "collected_by", "date", "note", "invoice_id", "reconciliation", "created_at", "sequence"}
	mock.ExpectBegin()
	mock.ExpectQuery("from customer_transactions where id=\\$1 for update").WithArgs("ctx-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("ctx-1", "cust-1", "credit", int64(500), "", "staff-1", time.Now().UTC(), "", "", "in_queue", time.Now().UTC(), int64(4)))
	mock.ExpectQuery("select outstanding from customers where id=\\$1 for update").WithArgs("cust-1").
		WillReturnRows(sqlmock.NewRows([]string{"outstanding"}).AddRow(int64(500)))
	mock.ExpectExec("update customers set outstanding = outstanding \\+ \\$2 where id=\\$1").
		WithArgs("cust-1", int64(-150)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update customer_transactions set amount=\\$2 where id=\\$1").
		WithArgs("ctx-1", int64(350)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	amount := int64(350)
	rec, err := s.UpdateCustomerTransaction(context.Background(), "ctx-1", ledger.CustomerTransactionUpdate{Amount: &amount})
	if err != nil {
		t.Fatalf("UpdateCustomerTransaction: %v", err)
	}
	if rec.Amount != 350 {
		t.Fatalf("unexpected amount: %d", rec.Amount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateCustomerTransactionRaiseAfterPartialSpend(t *testing.T) {
	s, mock := newMockStore(t)

	// Outstanding (50) is below the credit's original amount (100); raising
	// the credit to 200 only adds the +100 delta.
	cols := []string{"id", "customer_id", "type", "amount", "payment_mode", "collected_by", "date", "note", "invoice_id", "reconciliation", "created_at", "sequence"}
	mock.ExpectBegin()
	mock.ExpectQuery("from customer_transactions where id=\\$1 for update").WithArgs("ctx-1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("ctx-1", "cust-1", "credit", int64(100), "", "staff-1", time.Now().UTC(), "", "", "in_queue", time.Now().UTC(), int64(4)))
	mock.ExpectQuery("select outstanding from customers where id=\\$1 for update").WithArgs("cust-1").
		WillReturnRows(sqlmock.NewRows([]string{"outstanding"}).AddRow(int64(50)))
	mock.ExpectExec("update customers set outstanding = outstanding \\+ \\$2 where id=\\$1").
		WithArgs("cust-1", int64(100)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update customer_transactions set amount=\\$2 where id=\\$1").
		WithArgs("ctx-1", int64(200)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	amount := int64(200)
	rec, err := s.UpdateCustomerTransaction(context.Background(), "ctx-1", ledger.CustomerTransactionUpdate{Amount: &amount})
	if err != nil {
		t.Fatalf("UpdateCustomerTransaction: %v", err)
	}
	if rec.Amount != 200 {
		t.Fatalf("unexpected amount: %d", rec.Amount)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
