package telemetry

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// UsageMeter records per-tenant usage counters through the global OTEL meter.
// It satisfies the kernel's Meter contract.
type UsageMeter struct {
	apiRequests metric.Int64Counter
	jobRuns     metric.Int64Counter
	storage     metric.Int64Counter
	dbTimeouts  metric.Int64Counter
}

// NewUsageMeter builds the usage counters. Instrument creation failures are
// logged and the affected counter stays nil; recording on it is skipped.
func NewUsageMeter(logger *slog.Logger) *UsageMeter {
	if logger == nil {
		logger = slog.Default()
	}
	m := Meter("torii")
	u := &UsageMeter{}

	var err error
	if u.apiRequests, err = m.Int64Counter("torii.api.requests",
		metric.WithDescription("Kernel API calls by operation")); err != nil {
		logger.Warn("telemetry: api request counter unavailable", "error", err)
	}
	if u.jobRuns, err = m.Int64Counter("torii.jobs.runs",
		metric.WithDescription("Migration job runs")); err != nil {
		logger.Warn("telemetry: job run counter unavailable", "error", err)
	}
	if u.storage, err = m.Int64Counter("torii.storage.bytes",
		metric.WithDescription("Payload bytes written")); err != nil {
		logger.Warn("telemetry: storage counter unavailable", "error", err)
	}
	if u.dbTimeouts, err = m.Int64Counter("torii.db.timeouts",
		metric.WithDescription("Database operations that hit their deadline")); err != nil {
		logger.Warn("telemetry: db timeout counter unavailable", "error", err)
	}
	return u
}

func orgAttr(orgID uuid.UUID) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("org_id", orgID.String()))
}

func (u *UsageMeter) MeterAPIRequest(ctx context.Context, orgID uuid.UUID, operation string) {
	if u.apiRequests == nil {
		return
	}
	u.apiRequests.Add(ctx, 1, orgAttr(orgID),
		metric.WithAttributes(attribute.String("operation", operation)))
}

func (u *UsageMeter) MeterJobRun(ctx context.Context, orgID uuid.UUID) {
	if u.jobRuns == nil {
		return
	}
	u.jobRuns.Add(ctx, 1, orgAttr(orgID))
}

func (u *UsageMeter) MeterStorageBytes(ctx context.Context, orgID uuid.UUID, bytes int64) {
	if u.storage == nil {
		return
	}
	u.storage.Add(ctx, bytes, orgAttr(orgID))
}

func (u *UsageMeter) MeterDBTimeout(ctx context.Context, orgID uuid.UUID) {
	if u.dbTimeouts == nil {
		return
	}
	u.dbTimeouts.Add(ctx, 1, orgAttr(orgID))
}
