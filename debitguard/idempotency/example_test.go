package idempotency_test

import (
	"context"
	"fmt"

	"github.com/LerianStudio/lib-debitguard/debitguard/idempotency"
)

func ExampleExecute() {
	ledger, _ := idempotency.NewLedger(idempotency.NewMemoryStore())
	key := idempotency.NewKey("invoice", "INV-1", "create_payment", "system", "25.00", "B1")

	create := func(context.Context) (string, error) { return "PE-0001", nil }

	first, cached, _ := idempotency.Execute(context.Background(), ledger, key, create)
	fmt.Println(first, cached)

	again, cached, _ := idempotency.Execute(context.Background(), ledger, key, create)
	fmt.Println(again, cached)

	// Output:
	// PE-0001 false
	// PE-0001 true
}
