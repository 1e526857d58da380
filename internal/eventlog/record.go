// Package eventlog provides the append-only execution records every ledger
// component emits, and the exporter that forwards them to off-core consumers.
package eventlog

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Kind names a state change.
type Kind string

const (
	KindMinted                 Kind = "Minted"
	KindBurned                 Kind = "Burned"
	KindBurnReverted           Kind = "BurnReverted"
	KindIntentCreated          Kind = "IntentCreated"
	KindIntentStatusUpdated    Kind = "IntentStatusUpdated"
	KindIntentStatusOverridden Kind = "IntentStatusOverridden"
	KindIntentExecuted         Kind = "IntentExecuted"
	KindSettled                Kind = "Settled"
	KindRoleGranted            Kind = "RoleGranted"
	KindRoleRevoked            Kind = "RoleRevoked"
)

// Component identifies the journal a record belongs to.
type Component string

const (
	ComponentLedger   Component = "ledger"
	ComponentRegistry Component = "registry"
	ComponentExecutor Component = "executor"
	ComponentReceiver Component = "receiver"
)

// ParseComponent validates a component name taken from user input.
func ParseComponent(raw string) (Component, bool) {
	switch c := Component(raw); c {
	case ComponentLedger, ComponentRegistry, ComponentExecutor, ComponentReceiver:
		return c, true
	default:
		return "", false
	}
}

// Record carries every parameter of one state change, so consumers never need
// to re-query component state. Fields that do not apply to Kind stay zero.
type Record struct {
	Seq          uint64         `json:"seq"`
	Kind         Kind           `json:"kind"`
	Component    Component      `json:"component"`
	Contract     common.Address `json:"contract"`
	Caller       common.Address `json:"caller"`
	Account      common.Address `json:"account"`
	Amount       *big.Int       `json:"amount,omitempty"`
	IntentID     uint64         `json:"intentId,omitempty"`
	SourceRef    common.Hash    `json:"sourceRef"`
	Nonce        uint64         `json:"nonce,omitempty"`
	Fingerprint  common.Hash    `json:"fingerprint"`
	DestDomainID uint64         `json:"destDomainId,omitempty"`
	DestAddress  common.Address `json:"destAddress"`
	Status       string         `json:"status,omitempty"`
	PrevStatus   string         `json:"prevStatus,omitempty"`
	Role         string         `json:"role,omitempty"`
	TxHash       common.Hash    `json:"txHash"`
	At           int64          `json:"at"`
}

// Clone returns a deep copy so callers cannot alias the stored amount.
func (r Record) Clone() Record {
	if r.Amount != nil {
		r.Amount = new(big.Int).Set(r.Amount)
	}
	return r
}
