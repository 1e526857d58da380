package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "Intent-Ledger/internal/errors"
	"Intent-Ledger/pkg/logger"
)

// Sink receives batches of records. Delivery is at-least-once, so Export must
// tolerate records it has already seen.
type Sink interface {
	Name() string
	Export(ctx context.Context, records []Record) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc struct {
	ID string
	Fn func(ctx context.Context, records []Record) error
}

// Name implements Sink.
func (s SinkFunc) Name() string { return s.ID }

// Export implements Sink.
func (s SinkFunc) Export(ctx context.Context, records []Record) error { return s.Fn(ctx, records) }

// Exporter tails journals and forwards new records to every sink. Each
// (journal, sink) pair keeps its own cursor; a failed batch is retried from the
// same cursor on the next pass.
type Exporter struct {
	journals  []*Journal
	sinks     []Sink
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
	onError   func(sink string, err error)

	mu      sync.Mutex
	cursors map[cursorKey]uint64
}

type cursorKey struct {
	component Component
	sink      string
}

// ExporterOption customises an Exporter.
type ExporterOption func(*Exporter)

// WithInterval sets the polling interval of Run.
func WithInterval(d time.Duration) ExporterOption {
	return func(e *Exporter) {
		if d > 0 {
			e.interval = d
		}
	}
}

// WithBatchSize limits how many records are pushed per sink call.
func WithBatchSize(n int) ExporterOption {
	return func(e *Exporter) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithExporterLogger 指定日志输出。
func WithExporterLogger(l *slog.Logger) ExporterOption {
	return func(e *Exporter) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithErrorHook is invoked for every failed sink call.
func WithErrorHook(fn func(sink string, err error)) ExporterOption {
	return func(e *Exporter) {
		e.onError = fn
	}
}

// NewExporter builds an exporter over journals.
func NewExporter(journals []*Journal, sinks []Sink, opts ...ExporterOption) *Exporter {
	e := &Exporter{
		journals:  journals,
		sinks:     sinks,
		interval:  time.Second,
		batchSize: 256,
		cursors:   make(map[cursorKey]uint64),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = logger.Named("eventlog")
	}
	return e
}

// Run flushes on every tick until ctx is cancelled, then performs a final flush.
func (e *Exporter) Run(ctx context.Context) error {
	if len(e.sinks) == 0 {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件导出目标")
	}
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = e.Flush(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			_ = e.Flush(ctx)
		}
	}
}

// Flush forwards every pending record once. It returns the first sink error
// encountered; other sinks are still attempted.
func (e *Exporter) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	for _, journal := range e.journals {
		if journal == nil {
			continue
		}
		for _, sink := range e.sinks {
			if err := e.drain(ctx, journal, sink); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Cursor returns the last exported sequence for (component, sink).
func (e *Exporter) Cursor(component Component, sink string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursors[cursorKey{component: component, sink: sink}]
}

func (e *Exporter) drain(ctx context.Context, journal *Journal, sink Sink) error {
	key := cursorKey{component: journal.Component(), sink: sink.Name()}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := journal.Since(e.cursors[key], e.batchSize)
		if len(batch) == 0 {
			return nil
		}
		if err := sink.Export(ctx, batch); err != nil {
			e.logger.Warn("导出事件失败",
				slog.String("sink", sink.Name()),
				slog.String("component", string(key.component)),
				slog.Uint64("from_seq", batch[0].Seq),
				slog.Any("error", err),
			)
			if e.onError != nil {
				e.onError(sink.Name(), err)
			}
			return err
		}
		e.cursors[key] = batch[len(batch)-1].Seq
	}
}
