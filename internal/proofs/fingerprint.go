package proofs

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Kind is the fixed operation tag mixed into every fingerprint.
type Kind string

const (
	KindMint         Kind = "mint"
	KindBurn         Kind = "burn"
	KindCreateIntent Kind = "createIntent"
)

// Domain separates signatures between deployments and chains.
type Domain struct {
	ChainID  *big.Int
	Contract common.Address
}

// Valid reports whether the domain can produce fingerprints.
func (d Domain) Valid() bool {
	return d.ChainID != nil && d.ChainID.Sign() > 0 && d.Contract != (common.Address{})
}

var (
	uint256Ty, _ = abi.NewType("uint256", "", nil)
	addressTy, _ = abi.NewType("address", "", nil)
	stringTy, _  = abi.NewType("string", "", nil)
	bytes32Ty, _ = abi.NewType("bytes32", "", nil)

	// domain, contract, kind prefix every layout.
	header = abi.Arguments{{Type: uint256Ty}, {Type: addressTy}, {Type: stringTy}}

	mintLayout = append(append(abi.Arguments{}, header...),
		abi.Argument{Type: addressTy}, // account
		abi.Argument{Type: uint256Ty}, // amount
		abi.Argument{Type: bytes32Ty}, // sourceRef
		abi.Argument{Type: uint256Ty}, // nonce
	)
	burnLayout = append(append(abi.Arguments{}, header...),
		abi.Argument{Type: addressTy}, // account
		abi.Argument{Type: uint256Ty}, // amount
		abi.Argument{Type: uint256Ty}, // intentId
		abi.Argument{Type: uint256Ty}, // nonce
	)
	createLayout = append(append(abi.Arguments{}, header...),
		abi.Argument{Type: addressTy}, // user
		abi.Argument{Type: uint256Ty}, // destDomainId
		abi.Argument{Type: addressTy}, // destAddress
		abi.Argument{Type: uint256Ty}, // amount
		abi.Argument{Type: bytes32Ty}, // sourceRef
		abi.Argument{Type: uint256Ty}, // nonce
	)
)

// MintRequest is the signed payload of an authenticated mint.
type MintRequest struct {
	Account   common.Address
	Amount    *big.Int
	SourceRef common.Hash
	Nonce     uint64
}

// BurnRequest is the signed payload of an authenticated burn.
type BurnRequest struct {
	Account  common.Address
	Amount   *big.Int
	IntentID uint64
	Nonce    uint64
}

// CreateIntentRequest is the signed payload of an authenticated intent.
type CreateIntentRequest struct {
	User         common.Address
	DestDomainID uint64
	DestAddress  common.Address
	Amount       *big.Int
	SourceRef    common.Hash
	Nonce        uint64
}

// MintFingerprint computes the fingerprint of an authenticated mint.
func MintFingerprint(d Domain, req MintRequest) (common.Hash, error) {
	return fingerprint(d, KindMint, mintLayout,
		req.Account, amountOrZero(req.Amount), [32]byte(req.SourceRef), u256(req.Nonce))
}

// BurnFingerprint computes the fingerprint of an authenticated burn.
func BurnFingerprint(d Domain, req BurnRequest) (common.Hash, error) {
	return fingerprint(d, KindBurn, burnLayout,
		req.Account, amountOrZero(req.Amount), u256(req.IntentID), u256(req.Nonce))
}

// CreateIntentFingerprint computes the fingerprint of an authenticated intent.
func CreateIntentFingerprint(d Domain, req CreateIntentRequest) (common.Hash, error) {
	return fingerprint(d, KindCreateIntent, createLayout,
		req.User, u256(req.DestDomainID), req.DestAddress, amountOrZero(req.Amount), [32]byte(req.SourceRef), u256(req.Nonce))
}

func fingerprint(d Domain, kind Kind, layout abi.Arguments, params ...any) (common.Hash, error) {
	if !d.Valid() {
		return common.Hash{}, fmt.Errorf("签名域未配置: chain=%v contract=%s", d.ChainID, d.Contract.Hex())
	}
	values := append([]any{new(big.Int).Set(d.ChainID), d.Contract, string(kind)}, params...)
	packed, err := layout.Pack(values...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("编码 %s 指纹失败: %w", kind, err)
	}
	return common.BytesToHash(accounts.TextHash(crypto.Keccak256(packed))), nil
}

func u256(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

func amountOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
