package relay

import (
	"context"
	"log/slog"

	xerrors "Intent-Ledger/internal/errors"
	"Intent-Ledger/internal/eventlog"
	"Intent-Ledger/pkg/logger"
)

// Dispatcher is an eventlog sink that turns IntentExecuted records into
// queued deliveries. Other record kinds are ignored.
type Dispatcher struct {
	producer Producer
}

// NewDispatcher 构造投递分发器。
func NewDispatcher(producer Producer) *Dispatcher {
	return &Dispatcher{producer: producer}
}

// Name implements eventlog.Sink.
func (d *Dispatcher) Name() string { return "relay" }

// Export implements eventlog.Sink. A publish failure stops the batch so the
// exporter retries from the failed record.
func (d *Dispatcher) Export(ctx context.Context, records []eventlog.Record) error {
	if d.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置投递队列")
	}
	for _, rec := range records {
		if rec.Kind != eventlog.KindIntentExecuted {
			continue
		}
		delivery, err := FromRecord(rec)
		if err != nil {
			return err
		}
		if err := d.producer.Publish(ctx, delivery); err != nil {
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布投递消息失败")
		}
		logger.L().Debug("已发布投递消息",
			slog.String("delivery_id", delivery.ID),
			slog.Uint64("intent_id", delivery.IntentID),
			slog.Uint64("dest_domain_id", delivery.DestDomainID),
		)
	}
	return nil
}
