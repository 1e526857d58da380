package settlement

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// MarkState is the settlement mark of one intent id.
type MarkState int

const (
	// MarkNone means no receiver has claimed the id.
	MarkNone MarkState = iota
	// MarkInFlight means a receiver claimed the id and its payout is not
	// confirmed yet.
	MarkInFlight
	// MarkSettled means the payout was made.
	MarkSettled
)

// String 返回标记的可读名称。
func (s MarkState) String() string {
	switch s {
	case MarkInFlight:
		return "in_flight"
	case MarkSettled:
		return "settled"
	default:
		return "none"
	}
}

// SettledSet records which intent ids have been claimed and paid. Claim must
// be atomic: exactly one of several concurrent claims of the same id reports
// true, across every receiver sharing the set.
type SettledSet interface {
	Claim(ctx context.Context, intentID uint64) (bool, error)
	Confirm(ctx context.Context, intentID uint64) error
	Remove(ctx context.Context, intentID uint64) error
	State(ctx context.Context, intentID uint64) (MarkState, error)
}

// Pool pays out pre-funded assets on the destination domain.
type Pool interface {
	Transfer(ctx context.Context, intentID uint64, to common.Address, amount *big.Int) (common.Hash, error)
}
