package telemetry_test

import (
	"context"
	"fmt"
	"os"

	"github.com/openfroyo/epm/pkg/telemetry"
)

// Example_eventSubscription shows the events emitted around a transaction.
func Example_eventSubscription() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Output = os.DevNull

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("%s: %s\n", event.Type, event.Message)
	}, telemetry.FilterByTransactionID("tx-1"))

	_ = tel.Events.PublishTransactionStarted("tx-1", "install", 2)
	_ = tel.Events.PublishTransactionStarted("tx-2", "remove", 1)
	_ = tel.Events.PublishBackendCommitted("tx-1", "archive", 3, nil)

	// Output:
	// transaction.started: Transaction tx-1 started with 2 intent(s)
	// backend.committed: Backend archive committed 3 package(s)
}
