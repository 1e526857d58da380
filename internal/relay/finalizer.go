package relay

import (
	"context"
	stdErrors "errors"

	"github.com/ethereum/go-ethereum/common"

	"Intent-Ledger/internal/intent"
)

// Finalizer is told about every delivered settlement.
type Finalizer interface {
	Finalize(ctx context.Context, intentID uint64) error
}

// SettlementMarker is the registry entry point the finalizer drives.
type SettlementMarker interface {
	Get(id uint64) (intent.Intent, error)
	MarkSettled(caller common.Address, id uint64) (intent.Intent, error)
}

// RegistryFinalizer advances delivered intents from Executed to Settled.
type RegistryFinalizer struct {
	Registry SettlementMarker
	Caller   common.Address
}

// Finalize implements Finalizer. Intents that are already Settled are left
// untouched.
func (f RegistryFinalizer) Finalize(_ context.Context, intentID uint64) error {
	_, err := f.Registry.MarkSettled(f.Caller, intentID)
	if err == nil || !stdErrors.Is(err, intent.ErrInvalidTransition) {
		return err
	}
	if in, getErr := f.Registry.Get(intentID); getErr == nil && in.Status == intent.StatusSettled {
		return nil
	}
	return err
}
