package intent

import (
	"log/slog"
	"math/big"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"Intent-Ledger/internal/access"
	xerrors "Intent-Ledger/internal/errors"
	"Intent-Ledger/internal/eventlog"
	"Intent-Ledger/internal/proofs"
	"Intent-Ledger/internal/replay"
	"Intent-Ledger/pkg/logger"
)

// Operation names reported to observers.
const (
	OpCreate              = "create"
	OpCreateAuthenticated = "create_authenticated"
	OpUpdateStatus        = "update_status"
	OpOverrideStatus      = "override_status"
	OpMarkSettled         = "mark_settled"
	OpGrantRole           = "grant_role"
	OpRevokeRole          = "revoke_role"
)

// Registry stores intents. Ids start at 1 and are never reused. Authenticated
// creation uses a nonce space and used set independent of the ledger's.
type Registry struct {
	domain   proofs.Domain
	roles    *access.Controller
	guard    *replay.Guard
	journal  *eventlog.Journal
	logger   *slog.Logger
	observer eventlog.Observer

	mu      sync.RWMutex
	intents []*Intent
	byUser  map[common.Address][]uint64
}

// Option 定义可选配置。
type Option func(*options)

type options struct {
	logger   *slog.Logger
	observer eventlog.Observer
	clock    eventlog.Clock
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver registers an observer for accepted and rejected calls.
func WithObserver(obs eventlog.Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithClock overrides the createdAt and journal timestamp source.
func WithClock(clock eventlog.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// NewRegistry 构造意图注册表。
func NewRegistry(domain proofs.Domain, admins []common.Address, opts ...Option) (*Registry, error) {
	if !domain.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "注册表签名域未配置")
	}
	roles, err := access.NewController(admins...)
	if err != nil {
		return nil, err
	}
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = logger.Named(string(eventlog.ComponentRegistry))
	}
	if o.observer == nil {
		o.observer = eventlog.NopObserver{}
	}
	return &Registry{
		domain:   domain,
		roles:    roles,
		guard:    replay.NewGuard(),
		journal:  eventlog.NewJournal(eventlog.ComponentRegistry, domain.Contract, eventlog.WithClock(o.clock)),
		logger:   o.logger,
		observer: o.observer,
		byUser:   make(map[common.Address][]uint64),
	}, nil
}

// Domain returns the signing domain of the registry.
func (r *Registry) Domain() proofs.Domain { return r.domain }

// Journal exposes the registry's execution records.
func (r *Registry) Journal() *eventlog.Journal { return r.journal }

// HasRole reports whether account holds role on the registry.
func (r *Registry) HasRole(role access.Role, account common.Address) bool {
	return r.roles.HasRole(role, account)
}

// NonceOf returns the last accepted createIntent nonce of user.
func (r *Registry) NonceOf(user common.Address) uint64 {
	return r.guard.NonceOf(user)
}

// Count returns the number of intents ever created.
func (r *Registry) Count() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return uint64(len(r.intents))
}

// Get returns a copy of intent id.
func (r *Registry) Get(id uint64) (Intent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, err := r.lookupLocked(id)
	if err != nil {
		return Intent{}, err
	}
	return in.clone(), nil
}

// IntentsOf returns the ids created for user in creation order.
func (r *Registry) IntentsOf(user common.Address) []uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byUser[user]
	out := make([]uint64, len(ids))
	copy(out, ids)
	return out
}

// Create records a new Pending intent on behalf of a CREATOR. The nonce is
// stored as supplied and not checked against the authenticated nonce space.
func (r *Registry) Create(caller common.Address, p Params) (Intent, error) {
	if err := validate(p); err != nil {
		return Intent{}, r.reject(OpCreate, err)
	}
	if err := r.roles.Require(caller, access.RoleCreator); err != nil {
		return Intent{}, r.reject(OpCreate, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	in := r.insertLocked(p, common.Hash{})
	r.accept(OpCreate, createdRecord(caller, in))
	return in.clone(), nil
}

// CreateAuthenticated records a new Pending intent signed by p.User and stores
// the signature fingerprint on it.
func (r *Registry) CreateAuthenticated(p Params, signature []byte) (Intent, error) {
	if err := validate(p); err != nil {
		return Intent{}, r.reject(OpCreateAuthenticated, err)
	}
	fp, err := proofs.CreateIntentFingerprint(r.domain, proofs.CreateIntentRequest{
		User:         p.User,
		DestDomainID: p.DestDomainID,
		DestAddress:  p.DestAddress,
		Amount:       p.Amount,
		SourceRef:    p.SourceRef,
		Nonce:        p.Nonce,
	})
	if err != nil {
		return Intent{}, r.reject(OpCreateAuthenticated, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "计算意图指纹失败"))
	}
	if err := r.guard.Check(p.User, p.Nonce, fp); err != nil {
		return Intent{}, r.reject(OpCreateAuthenticated, err)
	}
	if err := replay.VerifySigner(fp, signature, p.User); err != nil {
		return Intent{}, r.reject(OpCreateAuthenticated, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.guard.Consume(p.User, p.Nonce, fp); err != nil {
		return Intent{}, r.reject(OpCreateAuthenticated, err)
	}
	in := r.insertLocked(p, fp)
	r.accept(OpCreateAuthenticated, createdRecord(p.User, in))
	return in.clone(), nil
}

// UpdateStatus moves intent id along a lifecycle edge. ADMIN and EXECUTOR
// holders may call it.
func (r *Registry) UpdateStatus(caller common.Address, id uint64, next Status) (Intent, error) {
	if err := r.roles.Require(caller, access.RoleAdmin, access.RoleExecutor); err != nil {
		return Intent{}, r.reject(OpUpdateStatus, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	in, err := r.lookupLocked(id)
	if err != nil {
		return Intent{}, r.reject(OpUpdateStatus, err)
	}
	if !CanTransition(in.Status, next) {
		return Intent{}, r.reject(OpUpdateStatus, transitionError(id, in.Status, next))
	}
	prev := in.Status
	in.Status = next
	r.accept(OpUpdateStatus, statusRecord(eventlog.KindIntentStatusUpdated, caller, in, prev))
	return in.clone(), nil
}

// MarkSettled moves an Executed intent to Settled once its payout has been
// delivered. RELAYER holders may call it; it grants no other transition.
func (r *Registry) MarkSettled(caller common.Address, id uint64) (Intent, error) {
	if err := r.roles.Require(caller, access.RoleAdmin, access.RoleRelayer); err != nil {
		return Intent{}, r.reject(OpMarkSettled, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	in, err := r.lookupLocked(id)
	if err != nil {
		return Intent{}, r.reject(OpMarkSettled, err)
	}
	if in.Status != StatusExecuted {
		return Intent{}, r.reject(OpMarkSettled, transitionError(id, in.Status, StatusSettled))
	}
	in.Status = StatusSettled
	r.accept(OpMarkSettled, statusRecord(eventlog.KindIntentStatusUpdated, caller, in, StatusExecuted))
	return in.clone(), nil
}

// OverrideStatus sets any non-None status regardless of lifecycle edges.
// It is reserved for ADMIN and journaled separately from UpdateStatus.
func (r *Registry) OverrideStatus(caller common.Address, id uint64, next Status) (Intent, error) {
	if err := r.roles.Require(caller, access.RoleAdmin); err != nil {
		return Intent{}, r.reject(OpOverrideStatus, err)
	}
	if next == StatusNone || int(next) >= len(statusNames) {
		return Intent{}, r.reject(OpOverrideStatus, xerrors.New(xerrors.CodeInvalidArgument, "不能覆盖为状态 "+next.String()))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	in, err := r.lookupLocked(id)
	if err != nil {
		return Intent{}, r.reject(OpOverrideStatus, err)
	}
	prev := in.Status
	in.Status = next
	r.accept(OpOverrideStatus, statusRecord(eventlog.KindIntentStatusOverridden, caller, in, prev))
	return in.clone(), nil
}

// GrantRole grants role on the registry. Only registry admins may call it.
func (r *Registry) GrantRole(caller common.Address, role access.Role, account common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	change, changed, err := r.roles.Grant(caller, role, account)
	if err != nil {
		return r.reject(OpGrantRole, err)
	}
	if changed {
		r.accept(OpGrantRole, roleRecord(change))
	}
	return nil
}

// RevokeRole revokes role on the registry. Only registry admins may call it.
func (r *Registry) RevokeRole(caller common.Address, role access.Role, account common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	change, changed, err := r.roles.Revoke(caller, role, account)
	if err != nil {
		return r.reject(OpRevokeRole, err)
	}
	if changed {
		r.accept(OpRevokeRole, roleRecord(change))
	}
	return nil
}

func (r *Registry) insertLocked(p Params, fp common.Hash) *Intent {
	in := &Intent{
		ID:                   uint64(len(r.intents)) + 1,
		User:                 p.User,
		DestDomainID:         p.DestDomainID,
		DestAddress:          p.DestAddress,
		Amount:               new(big.Int).Set(p.Amount),
		Nonce:                p.Nonce,
		SourceRef:            p.SourceRef,
		Status:               StatusPending,
		CreatedAt:            r.journal.Now(),
		SignatureFingerprint: fp,
	}
	r.intents = append(r.intents, in)
	r.byUser[p.User] = append(r.byUser[p.User], in.ID)
	return in
}

func (r *Registry) lookupLocked(id uint64) (*Intent, error) {
	if id == 0 || id > uint64(len(r.intents)) {
		return nil, xerrors.Derive(ErrIntentNotFound, xerrors.WithMetadata("intent_id", strconv.FormatUint(id, 10)))
	}
	return r.intents[id-1], nil
}

func (r *Registry) accept(op string, rec eventlog.Record) {
	stored := r.journal.Append(rec)
	r.observer.Observe(eventlog.ComponentRegistry, op, nil)
	attrs := []any{
		slog.String("op", op),
		slog.Uint64("seq", stored.Seq),
		slog.String("caller", stored.Caller.Hex()),
	}
	if stored.IntentID != 0 {
		attrs = append(attrs, slog.Uint64("intent_id", stored.IntentID), slog.String("status", stored.Status))
	}
	if stored.PrevStatus != "" {
		attrs = append(attrs, slog.String("prev_status", stored.PrevStatus))
	}
	if stored.Role != "" {
		attrs = append(attrs, slog.String("role", stored.Role), slog.String("account", stored.Account.Hex()))
	}
	logger.Audit().Info("意图状态变更: "+string(stored.Kind), attrs...)
}

func (r *Registry) reject(op string, err error) error {
	r.observer.Observe(eventlog.ComponentRegistry, op, err)
	switch xerrors.CategoryOf(err) {
	case xerrors.CategoryAuthorization, xerrors.CategoryReplay:
		r.logger.Warn("拒绝注册表请求", slog.String("op", op), slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
	default:
		r.logger.Debug("注册表请求未通过校验", slog.String("op", op), slog.Any("error", err))
	}
	return err
}

func validate(p Params) error {
	if p.User == (common.Address{}) {
		return xerrors.Derive(xerrors.ErrZeroIdentity, xerrors.WithMetadata("field", "user"))
	}
	if p.DestAddress == (common.Address{}) {
		return xerrors.Derive(xerrors.ErrZeroIdentity, xerrors.WithMetadata("field", "destAddress"))
	}
	if p.Amount == nil || p.Amount.Sign() <= 0 {
		return xerrors.Derive(xerrors.ErrInvalidAmount)
	}
	return nil
}

func transitionError(id uint64, from, to Status) error {
	return xerrors.Derive(ErrInvalidTransition,
		xerrors.WithMetadata("intent_id", strconv.FormatUint(id, 10)),
		xerrors.WithMetadata("from", from.String()),
		xerrors.WithMetadata("to", to.String()),
	)
}

func createdRecord(caller common.Address, in *Intent) eventlog.Record {
	return eventlog.Record{
		Kind:         eventlog.KindIntentCreated,
		Caller:       caller,
		Account:      in.User,
		Amount:       in.Amount,
		IntentID:     in.ID,
		SourceRef:    in.SourceRef,
		Nonce:        in.Nonce,
		Fingerprint:  in.SignatureFingerprint,
		DestDomainID: in.DestDomainID,
		DestAddress:  in.DestAddress,
		Status:       in.Status.String(),
		At:           in.CreatedAt,
	}
}

func statusRecord(kind eventlog.Kind, caller common.Address, in *Intent, prev Status) eventlog.Record {
	return eventlog.Record{
		Kind:         kind,
		Caller:       caller,
		Account:      in.User,
		Amount:       in.Amount,
		IntentID:     in.ID,
		SourceRef:    in.SourceRef,
		DestDomainID: in.DestDomainID,
		DestAddress:  in.DestAddress,
		Status:       in.Status.String(),
		PrevStatus:   prev.String(),
	}
}

func roleRecord(change access.Change) eventlog.Record {
	kind := eventlog.KindRoleRevoked
	if change.Granted {
		kind = eventlog.KindRoleGranted
	}
	return eventlog.Record{Kind: kind, Caller: change.Caller, Account: change.Account, Role: string(change.Role)}
}
