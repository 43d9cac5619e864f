package guard_test

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-debitguard/debitguard/collection"
	"github.com/LerianStudio/lib-debitguard/debitguard/guard"
	"github.com/LerianStudio/lib-debitguard/debitguard/idempotency"
	"github.com/LerianStudio/lib-debitguard/debitguard/lock"
	"github.com/LerianStudio/lib-debitguard/debitguard/memory"
	"github.com/shopspring/decimal"
)

func ExampleGuard_CreatePayment() {
	store := memory.New()
	store.PutInvoice(collection.Invoice{ID: "INV1", Total: decimal.RequireFromString("25.00"), Currency: "EUR"})

	locker, _ := lock.NewManager(lock.NewMemoryBackend(), lock.DefaultOptions())
	ledger, _ := idempotency.NewLedger(idempotency.NewMemoryStore())
	g, _ := guard.New(locker, ledger, store, store)

	req := guard.Request{
		InvoiceID:     "INV1",
		Amount:        decimal.RequireFromString("15.00"),
		BatchID:       "B1",
		TransactionID: "T1",
	}

	ctx := context.Background()

	res, _ := g.CreatePayment(ctx, req)
	fmt.Println(res.Outcome.Kind, res.Cached)

	res, _ = g.CreatePayment(ctx, req)
	fmt.Println(res.Outcome.Kind, res.Cached)

	req.Amount = decimal.RequireFromString("12.00")
	req.BatchID = "B2"

	res, _ = g.CreatePayment(ctx, req)
	fmt.Println(res.Outcome.Kind, res.Outcome.Code)

	// Output:
	// success false
	// success true
	// rejected DG-1001
}
