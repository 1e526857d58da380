package relay

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Intent-Ledger/internal/errors"
	"Intent-Ledger/internal/eventlog"
	"Intent-Ledger/internal/observability/alerting"
	"Intent-Ledger/internal/settlement"
	"Intent-Ledger/pkg/logger"
)

// Delivery outcomes reported to the outcome hook.
const (
	OutcomeDelivered = "delivered"
	OutcomeDuplicate = "duplicate"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// Settler is the receiver entry point the relayer drives.
type Settler interface {
	Settle(ctx context.Context, caller common.Address, p settlement.Payload) (eventlog.Record, error)
}

// Relayer consumes deliveries and settles them on the destination side.
type Relayer struct {
	identity    common.Address
	settler     Settler
	consumer    Consumer
	producer    Producer
	finalizer   Finalizer
	workerCount int
	maxAttempts int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	onOutcome   func(outcome string)
}

// Option 定义可选配置。
type Option func(*Relayer)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Relayer) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) Option {
	return func(r *Relayer) {
		if workers > 0 {
			r.workerCount = workers
		}
	}
}

// WithMaxAttempts bounds how often a retryable failure is requeued.
func WithMaxAttempts(n int) Option {
	return func(r *Relayer) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithFinalizer runs after every successful or duplicate delivery.
func WithFinalizer(f Finalizer) Option {
	return func(r *Relayer) { r.finalizer = f }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(r *Relayer) { r.alerter = d }
}

// WithOutcomeHook is called with the outcome of every delivery.
func WithOutcomeHook(fn func(outcome string)) Option {
	return func(r *Relayer) { r.onOutcome = fn }
}

// NewRelayer 构造中继器。identity 需持有接收器的 RELAYER 角色。
func NewRelayer(identity common.Address, settler Settler, consumer Consumer, producer Producer, opts ...Option) *Relayer {
	r := &Relayer{
		identity:    identity,
		settler:     settler,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		maxAttempts: 5,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named("relay")
	}
	return r
}

// Start 启动投递处理循环。
func (r *Relayer) Start(ctx context.Context) error {
	if r.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置投递消费者")
	}
	return r.consumer.Consume(ctx, r.workerCount, r.Handle)
}

// Handle settles one delivery. It requeues retryable failures itself and only
// returns an error when the requeue fails, leaving redelivery to the queue.
func (r *Relayer) Handle(ctx context.Context, d Delivery) error {
	if r.settler == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "中继器未初始化")
	}
	d.Attempts++
	rec, err := r.settler.Settle(ctx, r.identity, d.Payload())
	switch {
	case err == nil:
		logger.Audit().Info("投递完成",
			slog.String("delivery_id", d.ID),
			slog.Uint64("intent_id", d.IntentID),
			slog.Int("attempts", d.Attempts),
			slog.String("tx_hash", rec.TxHash.Hex()),
		)
		r.outcome(OutcomeDelivered)
		r.finalize(ctx, d)
		return nil
	case stdErrors.Is(err, settlement.ErrAlreadySettled):
		r.logger.Info("重复投递，已结算", slog.String("delivery_id", d.ID), slog.Uint64("intent_id", d.IntentID))
		r.outcome(OutcomeDuplicate)
		r.finalize(ctx, d)
		return nil
	}

	retryable := xerrors.RetryableError(err)
	terminal := !retryable || d.Attempts >= r.maxAttempts
	logger.Audit().Warn("投递失败",
		slog.String("delivery_id", d.ID),
		slog.Uint64("intent_id", d.IntentID),
		slog.Bool("terminal", terminal),
		slog.String("error_code", string(xerrors.CodeOf(err))),
		slog.Int("attempts", d.Attempts),
		slog.Int("max_attempts", r.maxAttempts),
		slog.String("error", err.Error()),
	)
	if terminal {
		r.outcome(OutcomeFailed)
		r.emitAlert(ctx, d, err)
		return nil
	}
	if pubErr := r.producer.Publish(ctx, d); pubErr != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, pubErr, fmt.Sprintf("投递 %s 重新排队失败", d.ID))
	}
	r.outcome(OutcomeRetried)
	return nil
}

func (r *Relayer) finalize(ctx context.Context, d Delivery) {
	if r.finalizer == nil {
		return
	}
	if err := r.finalizer.Finalize(ctx, d.IntentID); err != nil {
		r.logger.Error("推进意图到 Settled 失败", slog.Uint64("intent_id", d.IntentID), slog.Any("error", err))
	}
}

func (r *Relayer) outcome(o string) {
	if r.onOutcome != nil {
		r.onOutcome(o)
	}
}

func (r *Relayer) emitAlert(ctx context.Context, d Delivery, cause error) {
	if r.alerter == nil {
		return
	}
	event := alerting.FromError("relay", "deliver", d.IntentID, cause)
	event.Attempts = d.Attempts
	event.MaxRetries = r.maxAttempts
	if event.Metadata == nil {
		event.Metadata = map[string]string{}
	}
	event.Metadata["delivery_id"] = d.ID
	if err := r.alerter.Notify(ctx, event); err != nil {
		r.logger.Error("告警通知失败", slog.Any("error", err), slog.String("delivery_id", d.ID))
	}
}
