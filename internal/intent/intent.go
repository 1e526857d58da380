// Package intent is the authoritative record of cross-domain transfer intents
// and their lifecycle.
package intent

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Intent is a requested transfer of ledger credit to a destination domain.
type Intent struct {
	ID                   uint64         `json:"id"`
	User                 common.Address `json:"user"`
	DestDomainID         uint64         `json:"destDomainId"`
	DestAddress          common.Address `json:"destAddress"`
	Amount               *big.Int       `json:"amount"`
	Nonce                uint64         `json:"nonce"`
	SourceRef            common.Hash    `json:"sourceRef"`
	Status               Status         `json:"status"`
	CreatedAt            int64          `json:"createdAt"`
	SignatureFingerprint common.Hash    `json:"signatureFingerprint"`
}

func (i *Intent) clone() Intent {
	out := *i
	if i.Amount != nil {
		out.Amount = new(big.Int).Set(i.Amount)
	}
	return out
}

// Params are the caller-supplied fields of a new intent.
type Params struct {
	User         common.Address
	DestDomainID uint64
	DestAddress  common.Address
	Amount       *big.Int
	SourceRef    common.Hash
	Nonce        uint64
}
