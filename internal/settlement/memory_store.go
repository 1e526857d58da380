package settlement

import (
	"context"
	"encoding/binary"
	"math/big"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Intent-Ledger/internal/errors"
)

// MemorySettledSet keeps settlement marks in process memory.
type MemorySettledSet struct {
	mu    sync.Mutex
	marks map[uint64]MarkState
}

// NewMemorySettledSet 创建内存结算集合。
func NewMemorySettledSet() *MemorySettledSet {
	return &MemorySettledSet{marks: make(map[uint64]MarkState)}
}

// Claim implements SettledSet.
func (s *MemorySettledSet) Claim(_ context.Context, intentID uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.marks[intentID]; ok {
		return false, nil
	}
	s.marks[intentID] = MarkInFlight
	return true, nil
}

// Confirm implements SettledSet.
func (s *MemorySettledSet) Confirm(_ context.Context, intentID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[intentID] = MarkSettled
	return nil
}

// Remove implements SettledSet.
func (s *MemorySettledSet) Remove(_ context.Context, intentID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.marks, intentID)
	return nil
}

// State implements SettledSet.
func (s *MemorySettledSet) State(_ context.Context, intentID uint64) (MarkState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks[intentID], nil
}

// MemoryPool is a pre-funded in-process asset pool.
type MemoryPool struct {
	mu      sync.Mutex
	balance *big.Int
	paid    map[common.Address]*big.Int
}

// NewMemoryPool 创建内存资金池，initial 为预充值金额。
func NewMemoryPool(initial *big.Int) *MemoryPool {
	p := &MemoryPool{balance: new(big.Int), paid: make(map[common.Address]*big.Int)}
	if initial != nil && initial.Sign() > 0 {
		p.balance.Set(initial)
	}
	return p
}

// Fund adds amount to the pool.
func (p *MemoryPool) Fund(amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balance.Add(p.balance, amount)
}

// Balance returns the remaining pool balance.
func (p *MemoryPool) Balance() *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.balance)
}

// PaidTo returns the total paid to account.
func (p *MemoryPool) PaidTo(account common.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.paid[account]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Transfer implements Pool. The returned hash is a deterministic payout
// reference derived from the intent id.
func (p *MemoryPool) Transfer(_ context.Context, intentID uint64, to common.Address, amount *big.Int) (common.Hash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.balance.Cmp(amount) < 0 {
		return common.Hash{}, xerrors.Derive(ErrPoolExhausted,
			xerrors.WithMetadata("balance", p.balance.String()),
			xerrors.WithMetadata("amount", amount.String()),
			xerrors.WithMetadata("intent_id", strconv.FormatUint(intentID, 10)),
		)
	}
	p.balance.Sub(p.balance, amount)
	total, ok := p.paid[to]
	if !ok {
		total = new(big.Int)
		p.paid[to] = total
	}
	total.Add(total, amount)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], intentID)
	return crypto.Keccak256Hash([]byte("memory-payout"), buf[:], to.Bytes()), nil
}
