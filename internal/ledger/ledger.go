// Package ledger keeps the authoritative credit balances. It is the only
// component allowed to create or destroy credit.
package ledger

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
	OpMint              = "mint"
	OpMintAuthenticated = "mint_authenticated"
	OpBurn              = "burn"
	OpBurnAuthenticated = "burn_authenticated"
	OpRevertBurn        = "revert_burn"
	OpGrantRole         = "grant_role"
	OpRevokeRole        = "revoke_role"
)

// Ledger holds balances and the per-account nonce shared by authenticated
// mints and burns. Every entry point is serialized and checks all of its
// preconditions before the first mutation.
type Ledger struct {
	domain   proofs.Domain
	roles    *access.Controller
	guard    *replay.Guard
	journal  *eventlog.Journal
	logger   *slog.Logger
	observer eventlog.Observer

	mu       sync.Mutex
	balances map[common.Address]*big.Int
	burns    map[uint64][]burnEntry
}

// burnEntry remembers a burn so that RevertBurn can only undo debits that
// actually happened, and each of them at most once.
type burnEntry struct {
	account  common.Address
	amount   *big.Int
	reverted bool
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

// WithClock overrides the journal timestamp source.
func WithClock(clock eventlog.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// New 构造账本，admins 为初始管理员集合。
func New(domain proofs.Domain, admins []common.Address, opts ...Option) (*Ledger, error) {
	if !domain.Valid() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "账本签名域未配置")
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
		o.logger = logger.Named(string(eventlog.ComponentLedger))
	}
	if o.observer == nil {
		o.observer = eventlog.NopObserver{}
	}
	return &Ledger{
		domain:   domain,
		roles:    roles,
		guard:    replay.NewGuard(),
		journal:  eventlog.NewJournal(eventlog.ComponentLedger, domain.Contract, eventlog.WithClock(o.clock)),
		logger:   o.logger,
		observer: o.observer,
		balances: make(map[common.Address]*big.Int),
		burns:    make(map[uint64][]burnEntry),
	}, nil
}

// Domain returns the signing domain of the ledger.
func (l *Ledger) Domain() proofs.Domain { return l.domain }

// Journal exposes the ledger's execution records.
func (l *Ledger) Journal() *eventlog.Journal { return l.journal }

// HasRole reports whether account holds role on the ledger.
func (l *Ledger) HasRole(role access.Role, account common.Address) bool {
	return l.roles.HasRole(role, account)
}

// BalanceOf returns a copy of the balance of account.
func (l *Ledger) BalanceOf(account common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(account))
}

// NonceOf returns the last accepted authenticated nonce of account.
func (l *Ledger) NonceOf(account common.Address) uint64 {
	return l.guard.NonceOf(account)
}

// Mint credits account on behalf of a BRIDGE caller. No nonce is consumed.
func (l *Ledger) Mint(caller, account common.Address, amount *big.Int, sourceRef common.Hash) (eventlog.Record, error) {
	if err := validate(account, amount); err != nil {
		return eventlog.Record{}, l.reject(OpMint, err)
	}
	if err := l.roles.Require(caller, access.RoleBridge); err != nil {
		return eventlog.Record{}, l.reject(OpMint, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.creditLocked(account, amount)
	return l.accept(OpMint, eventlog.Record{
		Kind:      eventlog.KindMinted,
		Caller:    caller,
		Account:   account,
		Amount:    amount,
		SourceRef: sourceRef,
	}), nil
}

// MintAuthenticated credits account with a user-signed authorization. The
// fingerprint is consumed and the nonce advanced in the same step as the
// credit.
func (l *Ledger) MintAuthenticated(account common.Address, amount *big.Int, sourceRef common.Hash, nonce uint64, signature []byte) (eventlog.Record, error) {
	if err := validate(account, amount); err != nil {
		return eventlog.Record{}, l.reject(OpMintAuthenticated, err)
	}
	fp, err := proofs.MintFingerprint(l.domain, proofs.MintRequest{
		Account:   account,
		Amount:    amount,
		SourceRef: sourceRef,
		Nonce:     nonce,
	})
	if err != nil {
		return eventlog.Record{}, l.reject(OpMintAuthenticated, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "计算铸造指纹失败"))
	}
	if err := l.authenticate(account, nonce, fp, signature); err != nil {
		return eventlog.Record{}, l.reject(OpMintAuthenticated, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.guard.Consume(account, nonce, fp); err != nil {
		return eventlog.Record{}, l.reject(OpMintAuthenticated, err)
	}
	l.creditLocked(account, amount)
	return l.accept(OpMintAuthenticated, eventlog.Record{
		Kind:        eventlog.KindMinted,
		Caller:      account,
		Account:     account,
		Amount:      amount,
		SourceRef:   sourceRef,
		Nonce:       nonce,
		Fingerprint: fp,
	}), nil
}

// Burn debits account on behalf of an EXECUTOR caller, correlated to intentID.
func (l *Ledger) Burn(caller, account common.Address, amount *big.Int, intentID uint64) (eventlog.Record, error) {
	if err := validate(account, amount); err != nil {
		return eventlog.Record{}, l.reject(OpBurn, err)
	}
	if err := l.roles.Require(caller, access.RoleExecutor); err != nil {
		return eventlog.Record{}, l.reject(OpBurn, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.debitLocked(account, amount); err != nil {
		return eventlog.Record{}, l.reject(OpBurn, err)
	}
	l.recordBurnLocked(account, amount, intentID)
	return l.accept(OpBurn, eventlog.Record{
		Kind:     eventlog.KindBurned,
		Caller:   caller,
		Account:  account,
		Amount:   amount,
		IntentID: intentID,
	}), nil
}

// BurnAuthenticated debits account with a user-signed authorization.
func (l *Ledger) BurnAuthenticated(account common.Address, amount *big.Int, intentID uint64, nonce uint64, signature []byte) (eventlog.Record, error) {
	if err := validate(account, amount); err != nil {
		return eventlog.Record{}, l.reject(OpBurnAuthenticated, err)
	}
	fp, err := proofs.BurnFingerprint(l.domain, proofs.BurnRequest{
		Account:  account,
		Amount:   amount,
		IntentID: intentID,
		Nonce:    nonce,
	})
	if err != nil {
		return eventlog.Record{}, l.reject(OpBurnAuthenticated, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "计算销毁指纹失败"))
	}
	if err := l.authenticate(account, nonce, fp, signature); err != nil {
		return eventlog.Record{}, l.reject(OpBurnAuthenticated, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.guard.Check(account, nonce, fp); err != nil {
		return eventlog.Record{}, l.reject(OpBurnAuthenticated, err)
	}
	bal := l.balanceLocked(account)
	if bal.Cmp(amount) < 0 {
		return eventlog.Record{}, l.reject(OpBurnAuthenticated, insufficient(account, bal, amount))
	}
	if err := l.guard.Consume(account, nonce, fp); err != nil {
		return eventlog.Record{}, l.reject(OpBurnAuthenticated, err)
	}
	bal.Sub(bal, amount)
	l.recordBurnLocked(account, amount, intentID)
	return l.accept(OpBurnAuthenticated, eventlog.Record{
		Kind:        eventlog.KindBurned,
		Caller:      account,
		Account:     account,
		Amount:      amount,
		IntentID:    intentID,
		Nonce:       nonce,
		Fingerprint: fp,
	}), nil
}

// RevertBurn re-credits a burn whose paired status transition failed. Only an
// EXECUTOR may call it, and only against an earlier burn of the same account,
// amount and intent that has not been reverted yet. The compensation is
// journaled as BurnReverted.
func (l *Ledger) RevertBurn(caller, account common.Address, amount *big.Int, intentID uint64) (eventlog.Record, error) {
	if err := validate(account, amount); err != nil {
		return eventlog.Record{}, l.reject(OpRevertBurn, err)
	}
	if err := l.roles.Require(caller, access.RoleExecutor); err != nil {
		return eventlog.Record{}, l.reject(OpRevertBurn, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	entry := l.findBurnLocked(account, amount, intentID)
	if entry == nil {
		return eventlog.Record{}, l.reject(OpRevertBurn, xerrors.Derive(ErrBurnNotRevertible,
			xerrors.WithMetadata("account", account.Hex()),
			xerrors.WithMetadata("amount", amount.String()),
			xerrors.WithMetadata("intent_id", strconv.FormatUint(intentID, 10)),
		))
	}
	entry.reverted = true
	l.creditLocked(account, amount)
	return l.accept(OpRevertBurn, eventlog.Record{
		Kind:     eventlog.KindBurnReverted,
		Caller:   caller,
		Account:  account,
		Amount:   amount,
		IntentID: intentID,
	}), nil
}

// GrantRole grants role on the ledger. Only ledger admins may call it.
func (l *Ledger) GrantRole(caller common.Address, role access.Role, account common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	change, changed, err := l.roles.Grant(caller, role, account)
	if err != nil {
		return l.reject(OpGrantRole, err)
	}
	if changed {
		l.accept(OpGrantRole, roleRecord(change))
	}
	return nil
}

// RevokeRole revokes role on the ledger. Only ledger admins may call it.
func (l *Ledger) RevokeRole(caller common.Address, role access.Role, account common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	change, changed, err := l.roles.Revoke(caller, role, account)
	if err != nil {
		return l.reject(OpRevokeRole, err)
	}
	if changed {
		l.accept(OpRevokeRole, roleRecord(change))
	}
	return nil
}

// authenticate runs the lock-free part of an authenticated request: a fast
// replay check followed by signature recovery.
func (l *Ledger) authenticate(account common.Address, nonce uint64, fp common.Hash, signature []byte) error {
	if err := l.guard.Check(account, nonce, fp); err != nil {
		return err
	}
	return replay.VerifySigner(fp, signature, account)
}

func (l *Ledger) balanceLocked(account common.Address) *big.Int {
	if bal, ok := l.balances[account]; ok {
		return bal
	}
	return new(big.Int)
}

func (l *Ledger) creditLocked(account common.Address, amount *big.Int) {
	bal, ok := l.balances[account]
	if !ok {
		bal = new(big.Int)
		l.balances[account] = bal
	}
	bal.Add(bal, amount)
}

func (l *Ledger) debitLocked(account common.Address, amount *big.Int) error {
	bal := l.balanceLocked(account)
	if bal.Cmp(amount) < 0 {
		return insufficient(account, bal, amount)
	}
	bal.Sub(bal, amount)
	return nil
}

func (l *Ledger) recordBurnLocked(account common.Address, amount *big.Int, intentID uint64) {
	l.burns[intentID] = append(l.burns[intentID], burnEntry{account: account, amount: new(big.Int).Set(amount)})
}

func (l *Ledger) findBurnLocked(account common.Address, amount *big.Int, intentID uint64) *burnEntry {
	entries := l.burns[intentID]
	for i := range entries {
		e := &entries[i]
		if !e.reverted && e.account == account && e.amount.Cmp(amount) == 0 {
			return e
		}
	}
	return nil
}

func (l *Ledger) accept(op string, rec eventlog.Record) eventlog.Record {
	stored := l.journal.Append(rec)
	l.observer.Observe(eventlog.ComponentLedger, op, nil)
	attrs := []any{
		slog.String("op", op),
		slog.Uint64("seq", stored.Seq),
		slog.String("account", stored.Account.Hex()),
		slog.String("caller", stored.Caller.Hex()),
	}
	if stored.Amount != nil {
		attrs = append(attrs, slog.String("amount", stored.Amount.String()))
	}
	if stored.IntentID != 0 {
		attrs = append(attrs, slog.Uint64("intent_id", stored.IntentID))
	}
	if stored.Nonce != 0 {
		attrs = append(attrs, slog.Uint64("nonce", stored.Nonce))
	}
	if stored.Role != "" {
		attrs = append(attrs, slog.String("role", stored.Role))
	}
	logger.Audit().Info("账本状态变更: "+string(stored.Kind), attrs...)
	return stored
}

func (l *Ledger) reject(op string, err error) error {
	l.observer.Observe(eventlog.ComponentLedger, op, err)
	switch xerrors.CategoryOf(err) {
	case xerrors.CategoryAuthorization, xerrors.CategoryReplay:
		l.logger.Warn("拒绝账本请求", slog.String("op", op), slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
	default:
		l.logger.Debug("账本请求未通过校验", slog.String("op", op), slog.Any("error", err))
	}
	return err
}

func validate(account common.Address, amount *big.Int) error {
	if account == (common.Address{}) {
		return xerrors.Derive(xerrors.ErrZeroIdentity, xerrors.WithMetadata("field", "account"))
	}
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.Derive(xerrors.ErrInvalidAmount, xerrors.WithMetadata("amount", amountString(amount)))
	}
	return nil
}

func insufficient(account common.Address, balance, amount *big.Int) error {
	return xerrors.Derive(ErrInsufficientBalance,
		xerrors.WithMetadata("account", account.Hex()),
		xerrors.WithMetadata("balance", balance.String()),
		xerrors.WithMetadata("amount", amount.String()),
	)
}

func roleRecord(change access.Change) eventlog.Record {
	kind := eventlog.KindRoleRevoked
	if change.Granted {
		kind = eventlog.KindRoleGranted
	}
	return eventlog.Record{Kind: kind, Caller: change.Caller, Account: change.Account, Role: string(change.Role)}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "<nil>"
	}
	return v.String()
}
