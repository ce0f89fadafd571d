// Package observability wires OpenTelemetry tracing.
//
//	shutdown, err := observability.InitTracer(ctx, cfg.Tracing, observability.ServiceInfo{Name: "streamkit-relay"}, log)
//	defer shutdown(ctx)
//
// The producer and consumer start spans from the global provider and carry
// the trace context across Kafka in message headers using Propagator.
package observability
