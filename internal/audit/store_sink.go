package audit

import (
	"context"
	"errors"
	"log/slog"

	"github.com/guildtools/triggerd/internal/domain"
)

// StoreSink adapts a Store to the Sink interface used by the coordinator.
type StoreSink struct {
	store  Store
	logger *slog.Logger
}

// NewStoreSink creates a store-backed sink.
func NewStoreSink(store Store, logger *slog.Logger) *StoreSink {
	return &StoreSink{store: store, logger: logger}
}

// Append implements Sink.
func (s *StoreSink) Append(ctx context.Context, entry domain.AuditEntry) error {
	if err := s.store.Append(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist audit entry",
			slog.String("tenant_id", entry.TenantID),
			slog.String("status", string(entry.Status)),
			slog.String("error", err.Error()),
		)
		return err
	}
	return nil
}

// Close is a no-op: the database connection is owned by the storage layer.
func (s *StoreSink) Close() error { return nil }

// FanoutSink appends to several sinks and reports the combined failure, if
// any. A failing sink never prevents the others from receiving the entry.
type FanoutSink struct {
	sinks []Sink
}

// NewFanoutSink creates a sink fanning out to all the given sinks.
func NewFanoutSink(sinks ...Sink) *FanoutSink {
	return &FanoutSink{sinks: sinks}
}

// Append implements Sink.
func (f *FanoutSink) Append(ctx context.Context, entry domain.AuditEntry) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Append(ctx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all sinks.
func (f *FanoutSink) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
