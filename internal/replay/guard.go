// Package replay holds the per-account nonce counters and the used
// fingerprint set behind every authenticated request.
package replay

import (
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Intent-Ledger/internal/errors"
)

const (
	CodeStaleNonce      xerrors.Code = "STALE_NONCE"
	CodeFingerprintUsed xerrors.Code = "FINGERPRINT_REUSED"
)

var (
	// ErrStaleNonce 表示请求携带的 nonce 不大于账户当前 nonce。
	ErrStaleNonce = xerrors.New(CodeStaleNonce, "nonce is not greater than the current account nonce")
	// ErrFingerprintUsed 表示签名指纹已被消费。
	ErrFingerprintUsed = xerrors.New(CodeFingerprintUsed, "signature fingerprint already consumed")
)

func init() {
	xerrors.Register(CodeStaleNonce, xerrors.Attributes{
		Message:   "nonce is not greater than the current account nonce",
		Category:  xerrors.CategoryReplay,
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeFingerprintUsed, xerrors.Attributes{
		Message:   "signature fingerprint already consumed",
		Category:  xerrors.CategoryReplay,
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// Guard is one nonce space plus its used fingerprint set. Entries are never
// removed and nonces never decrease.
type Guard struct {
	mu     sync.Mutex
	nonces map[common.Address]uint64
	used   map[common.Hash]struct{}
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{
		nonces: make(map[common.Address]uint64),
		used:   make(map[common.Hash]struct{}),
	}
}

// NonceOf returns the last accepted nonce of account (0 if none).
func (g *Guard) NonceOf(account common.Address) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nonces[account]
}

// Check validates a request without consuming it.
func (g *Guard) Check(account common.Address, nonce uint64, fingerprint common.Hash) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.check(account, nonce, fingerprint)
}

// Consume is the single read-compare-write step: it re-validates the request
// and, on success, records the fingerprint and advances the nonce.
func (g *Guard) Consume(account common.Address, nonce uint64, fingerprint common.Hash) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.check(account, nonce, fingerprint); err != nil {
		return err
	}
	g.used[fingerprint] = struct{}{}
	g.nonces[account] = nonce
	return nil
}

func (g *Guard) check(account common.Address, nonce uint64, fingerprint common.Hash) error {
	if _, ok := g.used[fingerprint]; ok {
		return xerrors.Derive(ErrFingerprintUsed, xerrors.WithMetadata("fingerprint", fingerprint.Hex()))
	}
	if current := g.nonces[account]; nonce <= current {
		return xerrors.Derive(ErrStaleNonce,
			xerrors.WithMetadata("account", account.Hex()),
			xerrors.WithMetadata("nonce", strconv.FormatUint(nonce, 10)),
			xerrors.WithMetadata("current", strconv.FormatUint(current, 10)),
		)
	}
	return nil
}
