// Package telemetry provides logging, tracing, metrics and events for epm.
//
// The package integrates structured logging (zerolog), tracing
// (OpenTelemetry), metrics (Prometheus) and an event publisher into a single
// Telemetry value created once per command.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// # Logging
//
// Library packages take a zerolog.Logger; hand them a component logger:
//
//	logger := tel.Logger.NewComponentLogger("fetch").Zerolog()
//
// # Tracing
//
// A transaction gets a root span, and every backend partition commit gets a
// child span through RecordBackendOperation:
//
//	ic := telemetry.StartOperation(ctx, "transaction",
//	    telemetry.AttrTransactionID.String(tx.ID()))
//	defer ic.End(err)
//
// Supported exporters: otlp (gRPC), stdout, none.
//
// # Metrics
//
// epm is a short-lived command, so metrics are not served over HTTP. When
// Metrics.TextfilePath is set, Shutdown writes them in Prometheus text format
// for the node exporter textfile collector.
//
// # Events
//
// Events describe transactions, backend commits, failed downloads and guard
// violations. The CLI subscribes to them to print JSON lines with --json.
package telemetry
