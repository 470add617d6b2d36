// Package observability provides the OpenTelemetry provider for ChittyOS
// services: OTLP trace and metric export plus a small RED instrument set
// (request rate, errors, duration, active operations) under chitty.* names.
//
// Initialize once at startup and shut down on exit:
//
//	tel, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "chittycore",
//		OTLPEndpoint: "otel-collector:4317",
//		Enabled:      true,
//	})
//	defer tel.Shutdown(ctx)
//
// A disabled provider is safe everywhere: spans come from the global no-op
// tracer and metric recording is skipped, so callers never branch on
// configuration.
//
// Wrap units of work:
//
//	ctx, done := tel.TrackOperation(ctx, "pipeline.process",
//		observability.AttrDocumentType.String("contract"))
//	err := run(ctx)
//	done(err)
//
// Batch jobs report their throughput through the items counter:
//
//	tel.AddItems(ctx, int64(merged), observability.AttrTask.String("session_consolidate"))
package observability
