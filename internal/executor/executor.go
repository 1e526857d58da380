// Package executor couples a ledger burn with the intent's move to Executed.
// Either both happen or neither is observable.
package executor

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
	"Intent-Ledger/internal/intent"
	"Intent-Ledger/internal/observability/alerting"
	"Intent-Ledger/pkg/logger"
)

// Operation names reported to observers.
const (
	OpExecute    = "execute"
	OpGrantRole  = "grant_role"
	OpRevokeRole = "revoke_role"
)

// Ledger is the part of the ledger the executor drives.
type Ledger interface {
	Burn(caller, account common.Address, amount *big.Int, intentID uint64) (eventlog.Record, error)
	RevertBurn(caller, account common.Address, amount *big.Int, intentID uint64) (eventlog.Record, error)
}

// Registry is the part of the intent registry the executor drives.
type Registry interface {
	Get(id uint64) (intent.Intent, error)
	UpdateStatus(caller common.Address, id uint64, next intent.Status) (intent.Intent, error)
}

// Executor holds no domain state. Its identity must hold EXECUTOR on both the
// ledger and the registry.
type Executor struct {
	identity common.Address
	ledger   Ledger
	registry Registry
	roles    *access.Controller
	journal  *eventlog.Journal
	logger   *slog.Logger
	observer eventlog.Observer
	alerter  alerting.Dispatcher

	mu sync.Mutex
}

// Option 定义可选配置。
type Option func(*Executor)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver registers an observer for accepted and rejected calls.
func WithObserver(obs eventlog.Observer) Option {
	return func(e *Executor) {
		if obs != nil {
			e.observer = obs
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(e *Executor) { e.alerter = d }
}

// WithClock overrides the journal timestamp source.
func WithClock(clock eventlog.Clock) Option {
	return func(e *Executor) {
		e.journal = eventlog.NewJournal(eventlog.ComponentExecutor, e.identity, eventlog.WithClock(clock))
	}
}

// New 构造执行器。identity 同时作为日志中的合约身份。
func New(identity common.Address, admins []common.Address, ledger Ledger, registry Registry, opts ...Option) (*Executor, error) {
	if identity == (common.Address{}) {
		return nil, xerrors.Derive(xerrors.ErrZeroIdentity, xerrors.WithMetadata("field", "executor"))
	}
	if ledger == nil || registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "执行器缺少账本或注册表")
	}
	roles, err := access.NewController(admins...)
	if err != nil {
		return nil, err
	}
	e := &Executor{
		identity: identity,
		ledger:   ledger,
		registry: registry,
		roles:    roles,
		journal:  eventlog.NewJournal(eventlog.ComponentExecutor, identity),
		observer: eventlog.NopObserver{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.logger == nil {
		e.logger = logger.Named(string(eventlog.ComponentExecutor))
	}
	return e, nil
}

// Identity returns the address the executor uses against ledger and registry.
func (e *Executor) Identity() common.Address { return e.identity }

// Journal exposes the IntentExecuted records.
func (e *Executor) Journal() *eventlog.Journal { return e.journal }

// HasRole reports whether account holds role on the executor.
func (e *Executor) HasRole(role access.Role, account common.Address) bool {
	return e.roles.HasRole(role, account)
}

// Execute burns the intent's amount from its user and marks it Executed. A
// second call for the same intent observes Executed and fails without
// touching the ledger.
func (e *Executor) Execute(caller common.Address, intentID uint64) (eventlog.Record, error) {
	if err := e.roles.Require(caller, access.RoleExecutor); err != nil {
		return eventlog.Record{}, e.reject(intentID, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	in, err := e.registry.Get(intentID)
	if err != nil {
		return eventlog.Record{}, e.reject(intentID, err)
	}
	if !in.Status.Executable() {
		return eventlog.Record{}, e.reject(intentID, xerrors.Derive(ErrNotExecutable,
			xerrors.WithMetadata("intent_id", strconv.FormatUint(intentID, 10)),
			xerrors.WithMetadata("status", in.Status.String()),
		))
	}
	if _, err := e.ledger.Burn(e.identity, in.User, in.Amount, intentID); err != nil {
		return eventlog.Record{}, e.reject(intentID, err)
	}
	if _, err := e.registry.UpdateStatus(e.identity, intentID, intent.StatusExecuted); err != nil {
		return eventlog.Record{}, e.reject(intentID, e.compensate(in, err))
	}

	rec := e.journal.Append(eventlog.Record{
		Kind:         eventlog.KindIntentExecuted,
		Caller:       caller,
		Account:      in.User,
		Amount:       in.Amount,
		IntentID:     intentID,
		SourceRef:    in.SourceRef,
		DestDomainID: in.DestDomainID,
		DestAddress:  in.DestAddress,
		Status:       intent.StatusExecuted.String(),
	})
	e.observer.Observe(eventlog.ComponentExecutor, OpExecute, nil)
	logger.Audit().Info("意图执行完成",
		slog.Uint64("intent_id", intentID),
		slog.Uint64("seq", rec.Seq),
		slog.String("executor", caller.Hex()),
		slog.String("user", in.User.Hex()),
		slog.String("amount", in.Amount.String()),
		slog.Uint64("dest_domain_id", in.DestDomainID),
	)
	return rec, nil
}

// compensate reverts the burn after a failed status update. The returned
// error always carries the status failure.
func (e *Executor) compensate(in intent.Intent, statusErr error) error {
	if _, err := e.ledger.RevertBurn(e.identity, in.User, in.Amount, in.ID); err != nil {
		wrapped := xerrors.Wrap(CodeCompensationFailed, err, "",
			xerrors.WithMetadata("intent_id", strconv.FormatUint(in.ID, 10)),
			xerrors.WithMetadata("status_error", statusErr.Error()),
		)
		e.logger.Error("回滚销毁失败，账本与注册表不一致", slog.Uint64("intent_id", in.ID), slog.Any("error", wrapped))
		if e.alerter != nil {
			if alertErr := e.alerter.Notify(context.Background(), alerting.FromError(string(eventlog.ComponentExecutor), OpExecute, in.ID, wrapped)); alertErr != nil {
				e.logger.Error("发送告警失败", slog.Any("error", alertErr))
			}
		}
		return wrapped
	}
	logger.Audit().Warn("状态推进失败，已回滚销毁",
		slog.Uint64("intent_id", in.ID),
		slog.String("user", in.User.Hex()),
		slog.String("amount", in.Amount.String()),
		slog.Any("error", statusErr),
	)
	return statusErr
}

// GrantRole grants role on the executor. Only executor admins may call it.
func (e *Executor) GrantRole(caller common.Address, role access.Role, account common.Address) error {
	return e.changeRole(OpGrantRole, caller, role, account, e.roles.Grant)
}

// RevokeRole revokes role on the executor. Only executor admins may call it.
func (e *Executor) RevokeRole(caller common.Address, role access.Role, account common.Address) error {
	return e.changeRole(OpRevokeRole, caller, role, account, e.roles.Revoke)
}

func (e *Executor) changeRole(op string, caller common.Address, role access.Role, account common.Address,
	apply func(common.Address, access.Role, common.Address) (access.Change, bool, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	change, changed, err := apply(caller, role, account)
	if err != nil {
		e.observer.Observe(eventlog.ComponentExecutor, op, err)
		e.logger.Warn("拒绝执行器角色变更", slog.String("op", op), slog.Any("error", err))
		return err
	}
	if !changed {
		return nil
	}
	kind := eventlog.KindRoleRevoked
	if change.Granted {
		kind = eventlog.KindRoleGranted
	}
	rec := e.journal.Append(eventlog.Record{Kind: kind, Caller: caller, Account: account, Role: string(role)})
	e.observer.Observe(eventlog.ComponentExecutor, op, nil)
	logger.Audit().Info("执行器角色变更",
		slog.String("op", op),
		slog.Uint64("seq", rec.Seq),
		slog.String("role", string(role)),
		slog.String("account", account.Hex()),
	)
	return nil
}

func (e *Executor) reject(intentID uint64, err error) error {
	e.observer.Observe(eventlog.ComponentExecutor, OpExecute, err)
	switch xerrors.CategoryOf(err) {
	case xerrors.CategoryAuthorization, xerrors.CategoryReplay:
		e.logger.Warn("拒绝执行请求", slog.Uint64("intent_id", intentID), slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
	default:
		e.logger.Info("意图执行失败", slog.Uint64("intent_id", intentID), slog.Any("error", err))
	}
	return err
}
