// Quasar-specific instrumentation helpers and semantic attributes.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for quasar telemetry.
var (
	// Provider attributes
	AttrProviderName    = attribute.Key("quasar.provider.name")
	AttrProviderSubtype = attribute.Key("quasar.provider.subtype")

	// Subscription job attributes
	AttrJobInterval = attribute.Key("quasar.job.interval")
	AttrJobSymbols  = attribute.Key("quasar.job.symbols")

	// Bar batch attributes
	AttrBatchTable = attribute.Key("quasar.batch.table")
	AttrBatchRows  = attribute.Key("quasar.batch.rows")
)

// JobFireAttrs describes one scheduled collection fire.
func JobFireAttrs(provider, interval string, symbols int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProviderName.String(provider),
		AttrJobInterval.String(interval),
		AttrJobSymbols.Int(symbols),
	}
}

// ProviderAttrs identifies a loaded provider instance.
func ProviderAttrs(name, subtype string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProviderName.String(name),
		AttrProviderSubtype.String(subtype),
	}
}

// FlushAttrs describes one bar batch write.
func FlushAttrs(table string, rows int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBatchTable.String(table),
		AttrBatchRows.Int(rows),
	}
}

// SpanFromContext returns the span carried by ctx, or a no-op span.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent attaches an event to the span carried by ctx, if any.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the span carried by ctx. A nil err is a
// no-op.
func SetSpanStatus(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
