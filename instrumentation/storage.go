package instrumentation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// StorageObserver creates spans and records metrics for storage adapter calls.
// A nil *StorageObserver is valid and does nothing.
type StorageObserver struct {
	inst        *Instrumentation
	tracer      trace.Tracer
	storageType string
}

// NewStorageObserver returns an observer for the named adapter ("memory", "sqlite", "valkey").
// Returns nil when inst is nil.
func NewStorageObserver(inst *Instrumentation, storageType string) *StorageObserver {
	if inst == nil {
		return nil
	}
	return &StorageObserver{
		inst:        inst,
		tracer:      inst.Tracer("storage"),
		storageType: storageType,
	}
}

// Start starts a span for a storage operation
func (o *StorageObserver) Start(ctx context.Context, operation string) (context.Context, trace.Span) {
	if o == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := o.tracer.Start(ctx, "storage."+operation)
	AddStorageAttributes(span, operation, o.storageType)
	return ctx, span
}

// Record records metrics for a storage operation and sets span status
func (o *StorageObserver) Record(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if o == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		RecordError(span, err)
	} else {
		SetSpanSuccess(span)
	}

	o.inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
