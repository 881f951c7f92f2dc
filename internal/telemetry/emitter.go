// Package telemetry records operational events into the telemetry store so
// pipeline incidents survive process restarts and can be queried next to the
// journal they describe.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/driftline/exceptionflow/internal/storage"
)

// Severity describes the telemetry severity level.
type Severity string

const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

// Emitter records operational telemetry events.
type Emitter struct {
	store     storage.TelemetryStore
	component string
	clock     func() time.Time
}

// NewEmitter creates a telemetry emitter for one component. A nil store
// yields a no-op emitter, so callers never need to branch on configuration.
func NewEmitter(store storage.TelemetryStore, component string) *Emitter {
	return &Emitter{store: store, component: component, clock: time.Now}
}

// Emit records a telemetry event. It is a no-op when the store is nil.
func (e *Emitter) Emit(ctx context.Context, evt storage.TelemetryEvent) error {
	if e == nil || e.store == nil {
		return nil
	}
	if evt.Component == "" {
		evt.Component = e.component
	}
	if evt.Timestamp.IsZero() {
		if e.clock == nil {
			evt.Timestamp = time.Now().UTC()
		} else {
			evt.Timestamp = e.clock().UTC()
		}
	}
	return e.store.AppendTelemetryEvent(ctx, evt)
}

// Info records an informational event scoped to a tenant. The tenant may be
// empty for process-level events.
func (e *Emitter) Info(ctx context.Context, tenantID, format string, args ...any) error {
	return e.emit(ctx, SeverityInfo, tenantID, format, args...)
}

// Warn records a warning event.
func (e *Emitter) Warn(ctx context.Context, tenantID, format string, args ...any) error {
	return e.emit(ctx, SeverityWarn, tenantID, format, args...)
}

// Error records an error event.
func (e *Emitter) Error(ctx context.Context, tenantID, format string, args ...any) error {
	return e.emit(ctx, SeverityError, tenantID, format, args...)
}

func (e *Emitter) emit(ctx context.Context, severity Severity, tenantID, format string, args ...any) error {
	return e.Emit(ctx, storage.TelemetryEvent{
		Severity: string(severity),
		TenantID: tenantID,
		Message:  fmt.Sprintf(format, args...),
	})
}
