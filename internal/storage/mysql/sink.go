package mysql

import (
	"context"

	"Intent-Ledger/internal/eventlog"
)

// Sink adapts an EventStore into an eventlog sink.
type Sink struct {
	Store EventStore
}

// Name implements eventlog.Sink.
func (Sink) Name() string { return "archive" }

// Export implements eventlog.Sink.
func (s Sink) Export(ctx context.Context, records []eventlog.Record) error {
	return s.Store.Save(ctx, records)
}

var _ eventlog.Sink = Sink{}
