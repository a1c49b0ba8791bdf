package main

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"cashbook.org/internal/ledger"
	"cashbook.org/internal/store/pg"
)

// Exercises the drain-then-retire flow end to end and exits non-zero when
// any invariant is violated. Runs against PostgreSQL when CASHBOOK_PG_DSN
// is set, otherwise against the in-memory ledger.
func main() {
	log.SetFlags(0)

	var (
		svc       ledger.Service
		customers ledger.CustomerService
	)
	if dsn := os.Getenv("CASHBOOK_PG_DSN"); dsn != "" {
		store, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer store.Close()
		svc = store
		customers = store
		log.Println("running against PostgreSQL")
	} else {
		svc = ledger.NewInMemory()
		customers = ledger.NewInMemoryCustomers()
		log.Println("running against in-memory ledger")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	runPettyCash(ctx, svc)
	runCustomerLedger(ctx, customers)

	log.Println("smoke passed")
}

func runPettyCash(ctx context.Context, svc ledger.Service) {
	src, err := svc.CreateAccount(ctx, "smoke source", 100, true)
	if err != nil {
		log.Fatalf("create source: %v", err)
	}
	dst, err := svc.CreateAccount(ctx, "smoke destination", 0, true)
	if err != nil {
		log.Fatalf("create destination: %v", err)
	}

	// An over-sized transfer must be refused without moving funds.
	if _, err := svc.Transfer(ctx, src.ID, dst.ID, 150, time.Time{}, "smoke overdraw"); !errors.Is(err, ledger.ErrInsufficientFunds) {
		log.Fatalf("expected insufficient funds, got %v", err)
	}
	check := mustGet(ctx, svc, src.ID)
	if check.CurrentBalance != 100 {
		log.Fatalf("failed transfer moved funds: %d", check.CurrentBalance)
	}

	tx, err := svc.Transfer(ctx, src.ID, dst.ID, 100, time.Time{}, "smoke drain")
	if err != nil {
		log.Fatalf("transfer: %v", err)
	}
	if a, b := mustGet(ctx, svc, src.ID), mustGet(ctx, svc, dst.ID); a.CurrentBalance != 0 || b.CurrentBalance != 100 {
		log.Fatalf("transfer balances wrong: src=%d dst=%d", a.CurrentBalance, b.CurrentBalance)
	}

	// Drained source retires without a destination.
	plan, err := svc.BeginRetirement(ctx, src.ID)
	if err != nil {
		log.Fatalf("begin retirement: %v", err)
	}
	if plan.RequiresTransfer {
		log.Fatalf("zero balance must not require a transfer: %+v", plan)
	}
	retired, err := svc.CompleteRetirement(ctx, src.ID, "")
	if err != nil {
		log.Fatalf("complete retirement: %v", err)
	}
	if retired.Status != ledger.AccountDeleted {
		log.Fatalf("unexpected status after retirement: %s", retired.Status)
	}

	// The destination retires only after draining into another account.
	sink, err := svc.CreateAccount(ctx, "smoke sink", 0, true)
	if err != nil {
		log.Fatalf("create sink: %v", err)
	}
	if _, err := svc.CompleteRetirement(ctx, dst.ID, ""); !errors.Is(err, ledger.ErrNonZeroBalance) {
		log.Fatalf("expected non-zero balance refusal, got %v", err)
	}
	if _, err := svc.CompleteRetirement(ctx, dst.ID, sink.ID); err != nil {
		log.Fatalf("drain and retire: %v", err)
	}
	if got := mustGet(ctx, svc, sink.ID); got.CurrentBalance != 100 {
		log.Fatalf("drain lost funds: %d", got.CurrentBalance)
	}

	// Reconciliation is one way and idempotent.
	for i := 0; i < 2; i++ {
		moved, err := svc.MarkMoved(ctx, tx.ID)
		if err != nil {
			log.Fatalf("mark moved: %v", err)
		}
		if moved.Reconciliation != ledger.ReconMoved {
			log.Fatalf("unexpected reconciliation: %s", moved.Reconciliation)
		}
	}
}

func runCustomerLedger(ctx context.Context, svc ledger.CustomerService) {
	c, err := svc.CreateCustomer(ctx, "smoke customer")
	if err != nil {
		log.Fatalf("create customer: %v", err)
	}
	linked, err := svc.RecordCustomerCredit(ctx, c.ID, ledger.CustomerEntry{
		Amount:    250,
		InvoiceID: "smoke-invoice",
	})
	if err != nil {
		log.Fatalf("record customer credit: %v", err)
	}

	amount := int64(1)
	if _, err := svc.UpdateCustomerTransaction(ctx, linked.ID, ledger.CustomerTransactionUpdate{Amount: &amount}); !errors.Is(err, ledger.ErrLinkedToOrder) {
		log.Fatalf("expected linked-to-order refusal, got %v", err)
	}

	if _, err := svc.RecordCustomerDebit(ctx, c.ID, ledger.CustomerEntry{Amount: 300}); !errors.Is(err, ledger.ErrInsufficientFunds) {
		log.Fatalf("expected insufficient funds on over-debit, got %v", err)
	}
	got, err := svc.GetCustomer(ctx, c.ID)
	if err != nil {
		log.Fatalf("get customer: %v", err)
	}
	if got.Outstanding != 250 {
		log.Fatalf("outstanding drifted: %d", got.Outstanding)
	}
}

func mustGet(ctx context.Context, svc ledger.Service, id string) ledger.Account {
	acc, err := svc.GetAccount(ctx, id)
	if err != nil {
		log.Fatalf("get account %s: %v", id, err)
	}
	return acc
}
