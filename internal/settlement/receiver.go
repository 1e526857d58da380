// Package settlement implements the destination-side receiver that pays out
// executed intents exactly once.
package settlement

import (
	"context"
	"log/slog"
	"math/big"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"Intent-Ledger/internal/access"
	xerrors "Intent-Ledger/internal/errors"
	"Intent-Ledger/internal/eventlog"
	"Intent-Ledger/internal/observability/alerting"
	"Intent-Ledger/pkg/logger"
)

// Operation names reported to observers.
const (
	OpSettle     = "settle"
	OpGrantRole  = "grant_role"
	OpRevokeRole = "revoke_role"
)

// Payload is the cross-domain message delivered by the transport.
type Payload struct {
	IntentID  uint64         `json:"intentId"`
	User      common.Address `json:"user"`
	Amount    *big.Int       `json:"amount"`
	SourceRef common.Hash    `json:"sourceRef"`
}

// Receiver pays out executed intents from a pre-funded pool. Settle calls are
// serialized within one receiver; replicas coordinate through the SettledSet.
type Receiver struct {
	contract common.Address
	settled  SettledSet
	pool     Pool
	roles    *access.Controller
	journal  *eventlog.Journal
	logger   *slog.Logger
	observer eventlog.Observer
	alerter  alerting.Dispatcher

	mu sync.Mutex
}

// Option 定义可选配置。
type Option func(*Receiver)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Receiver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithObserver registers an observer for accepted and rejected calls.
func WithObserver(obs eventlog.Observer) Option {
	return func(r *Receiver) {
		if obs != nil {
			r.observer = obs
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(r *Receiver) { r.alerter = d }
}

// WithClock overrides the journal timestamp source.
func WithClock(clock eventlog.Clock) Option {
	return func(r *Receiver) {
		r.journal = eventlog.NewJournal(eventlog.ComponentReceiver, r.contract, eventlog.WithClock(clock))
	}
}

// NewReceiver 构造目标链结算接收器。
func NewReceiver(contract common.Address, admins []common.Address, settled SettledSet, pool Pool, opts ...Option) (*Receiver, error) {
	if contract == (common.Address{}) {
		return nil, xerrors.Derive(xerrors.ErrZeroIdentity, xerrors.WithMetadata("field", "receiver"))
	}
	if settled == nil || pool == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "结算接收器缺少结算集合或资金池")
	}
	roles, err := access.NewController(admins...)
	if err != nil {
		return nil, err
	}
	r := &Receiver{
		contract: contract,
		settled:  settled,
		pool:     pool,
		roles:    roles,
		journal:  eventlog.NewJournal(eventlog.ComponentReceiver, contract),
		observer: eventlog.NopObserver{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.logger == nil {
		r.logger = logger.Named(string(eventlog.ComponentReceiver))
	}
	return r, nil
}

// Journal exposes the Settled records.
func (r *Receiver) Journal() *eventlog.Journal { return r.journal }

// HasRole reports whether account holds role on the receiver.
func (r *Receiver) HasRole(role access.Role, account common.Address) bool {
	return r.roles.HasRole(role, account)
}

// IsSettled reports whether intentID has been paid.
func (r *Receiver) IsSettled(ctx context.Context, intentID uint64) (bool, error) {
	state, err := r.settled.State(ctx, intentID)
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结算状态失败")
	}
	return state == MarkSettled, nil
}

// Settle claims p.IntentID, pays p.Amount to p.User and confirms the mark. A
// failed payout releases the claim so the delivery can be retried; a payout
// whose outcome is unknown keeps it and is not retryable.
func (r *Receiver) Settle(ctx context.Context, caller common.Address, p Payload) (eventlog.Record, error) {
	if err := validate(p); err != nil {
		return eventlog.Record{}, r.reject(ctx, p.IntentID, err)
	}
	if err := r.roles.Require(caller, access.RoleRelayer); err != nil {
		return eventlog.Record{}, r.reject(ctx, p.IntentID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	claimed, err := r.settled.Claim(ctx, p.IntentID)
	if err != nil {
		return eventlog.Record{}, r.reject(ctx, p.IntentID, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入结算标记失败"))
	}
	if !claimed {
		return eventlog.Record{}, r.reject(ctx, p.IntentID, r.claimedElsewhere(ctx, p.IntentID))
	}

	tx, err := r.pool.Transfer(ctx, p.IntentID, p.User, p.Amount)
	if xerrors.CodeOf(err) == CodePayoutAmbiguous {
		r.alert(ctx, p.IntentID, err)
		return eventlog.Record{}, r.reject(ctx, p.IntentID, err)
	}
	if err != nil {
		if rmErr := r.settled.Remove(context.WithoutCancel(ctx), p.IntentID); rmErr != nil {
			// The id stays marked without a payout; operators must clear it.
			stuck := xerrors.Wrap(xerrors.CodeStorageFailure, rmErr, "回滚结算标记失败",
				xerrors.WithMetadata("intent_id", strconv.FormatUint(p.IntentID, 10)),
				xerrors.WithSeverity(xerrors.SeverityCritical))
			r.logger.Error("结算标记回滚失败", slog.Uint64("intent_id", p.IntentID), slog.Any("error", stuck))
			r.alert(ctx, p.IntentID, stuck)
			return eventlog.Record{}, r.reject(ctx, p.IntentID, stuck)
		}
		code := CodePayoutFailed
		if xerrors.CodeOf(err) == CodePoolExhausted {
			code = CodePoolExhausted
		}
		return eventlog.Record{}, r.reject(ctx, p.IntentID, xerrors.Wrap(code, err, "",
			xerrors.WithMetadata("intent_id", strconv.FormatUint(p.IntentID, 10))))
	}

	if err := r.settled.Confirm(context.WithoutCancel(ctx), p.IntentID); err != nil {
		// The payout went out; the claim stays in flight and blocks any retry.
		stuck := xerrors.Wrap(xerrors.CodeStorageFailure, err, "确认结算标记失败",
			xerrors.WithMetadata("intent_id", strconv.FormatUint(p.IntentID, 10)),
			xerrors.WithMetadata("tx_hash", tx.Hex()),
			xerrors.WithSeverity(xerrors.SeverityCritical))
		r.logger.Error("结算已支付但标记未确认", slog.Uint64("intent_id", p.IntentID), slog.Any("error", stuck))
		r.alert(ctx, p.IntentID, stuck)
	}

	rec := r.journal.Append(eventlog.Record{
		Kind:      eventlog.KindSettled,
		Caller:    caller,
		Account:   p.User,
		Amount:    p.Amount,
		IntentID:  p.IntentID,
		SourceRef: p.SourceRef,
		TxHash:    tx,
	})
	r.observer.Observe(eventlog.ComponentReceiver, OpSettle, nil)
	logger.Audit().Info("意图结算完成",
		slog.Uint64("intent_id", p.IntentID),
		slog.Uint64("seq", rec.Seq),
		slog.String("relayer", caller.Hex()),
		slog.String("user", p.User.Hex()),
		slog.String("amount", p.Amount.String()),
		slog.String("tx_hash", tx.Hex()),
	)
	return rec, nil
}

// GrantRole grants role on the receiver. Only receiver admins may call it.
func (r *Receiver) GrantRole(caller common.Address, role access.Role, account common.Address) error {
	return r.changeRole(OpGrantRole, caller, role, account, r.roles.Grant)
}

// RevokeRole revokes role on the receiver. Only receiver admins may call it.
func (r *Receiver) RevokeRole(caller common.Address, role access.Role, account common.Address) error {
	return r.changeRole(OpRevokeRole, caller, role, account, r.roles.Revoke)
}

func (r *Receiver) changeRole(op string, caller common.Address, role access.Role, account common.Address,
	apply func(common.Address, access.Role, common.Address) (access.Change, bool, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	change, changed, err := apply(caller, role, account)
	if err != nil {
		r.observer.Observe(eventlog.ComponentReceiver, op, err)
		r.logger.Warn("拒绝接收器角色变更", slog.String("op", op), slog.Any("error", err))
		return err
	}
	if !changed {
		return nil
	}
	kind := eventlog.KindRoleRevoked
	if change.Granted {
		kind = eventlog.KindRoleGranted
	}
	rec := r.journal.Append(eventlog.Record{Kind: kind, Caller: caller, Account: account, Role: string(role)})
	r.observer.Observe(eventlog.ComponentReceiver, op, nil)
	logger.Audit().Info("接收器角色变更",
		slog.String("op", op),
		slog.Uint64("seq", rec.Seq),
		slog.String("role", string(role)),
		slog.String("account", account.Hex()),
	)
	return nil
}

// claimedElsewhere maps a lost claim to AlreadySettled only once the payout
// is confirmed; an in-flight claim is retryable.
func (r *Receiver) claimedElsewhere(ctx context.Context, intentID uint64) error {
	id := xerrors.WithMetadata("intent_id", strconv.FormatUint(intentID, 10))
	state, err := r.settled.State(ctx, intentID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结算状态失败", id)
	}
	if state == MarkSettled {
		return xerrors.Derive(ErrAlreadySettled, id)
	}
	return xerrors.Derive(ErrInFlight, id, xerrors.WithMetadata("mark", state.String()))
}

func (r *Receiver) reject(ctx context.Context, intentID uint64, err error) error {
	r.observer.Observe(eventlog.ComponentReceiver, OpSettle, err)
	switch xerrors.CategoryOf(err) {
	case xerrors.CategoryAuthorization:
		r.logger.Warn("拒绝结算请求", slog.Uint64("intent_id", intentID), slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
		r.alert(ctx, intentID, err)
	case xerrors.CategoryInfrastructure:
		r.logger.Error("结算失败", slog.Uint64("intent_id", intentID), slog.Any("error", err))
	default:
		r.logger.Info("结算未执行", slog.Uint64("intent_id", intentID), slog.Any("error", err))
	}
	return err
}

func (r *Receiver) alert(ctx context.Context, intentID uint64, err error) {
	if r.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	if alertErr := r.alerter.Notify(ctx, alerting.FromError(string(eventlog.ComponentReceiver), OpSettle, intentID, err)); alertErr != nil {
		r.logger.Error("发送告警失败", slog.Any("error", alertErr))
	}
}

func validate(p Payload) error {
	if p.User == (common.Address{}) {
		return xerrors.Derive(xerrors.ErrZeroIdentity, xerrors.WithMetadata("field", "user"))
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return xerrors.Derive(xerrors.ErrInvalidAmount)
	}
	return nil
}
