// Package telemetry provides the observability layer for SimForge: structured
// logging via zerolog, distributed tracing via OpenTelemetry, Prometheus
// metrics, and an in-process event bus.
//
// The four pillars are constructed together from a single Config:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(ctx)
//
//	ctx = tel.WithContext(ctx)
//
// Components pull their logger from the context (telemetry.FromContext) or
// receive a child logger via Logger.NewComponentLogger. Cycle and attempt
// instrumentation is bundled behind WithCycleContext / EndCycleContext so the
// engine does not repeat span, metric, and event plumbing at every call site.
//
// Defaults are CLI-friendly: console logs on stderr, tracing and metrics off.
// ServerConfig flips the profile for long-running batch hosts.
package telemetry
