package proofs

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of an [R || S || V] recoverable signature.
const SignatureLength = crypto.SignatureLength

var (
	// ErrMalformedSignature is returned for signatures that cannot be parsed.
	ErrMalformedSignature = errors.New("malformed signature")
	// ErrSignerMismatch is returned when the recovered signer differs from the claimed one.
	ErrSignerMismatch = errors.New("signer mismatch")
)

// Sign produces a 65-byte signature with V in {27, 28}.
func Sign(fingerprint common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, errors.New("签名私钥为空")
	}
	sig, err := crypto.Sign(fingerprint.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("签名失败: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the address that produced sig over fingerprint. Both the
// {0,1} and {27,28} V encodings are accepted; high-S signatures are rejected.
func Recover(fingerprint common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrMalformedSignature, len(sig))
	}
	normalized := make([]byte, SignatureLength)
	copy(normalized, sig)
	v := normalized[crypto.RecoveryIDOffset]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, fmt.Errorf("%w: recovery id %d", ErrMalformedSignature, sig[crypto.RecoveryIDOffset])
	}
	normalized[crypto.RecoveryIDOffset] = v

	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return common.Address{}, fmt.Errorf("%w: invalid r/s values", ErrMalformedSignature)
	}

	pub, err := crypto.SigToPub(fingerprint.Bytes(), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sig over fingerprint was produced by expected.
func Verify(fingerprint common.Hash, sig []byte, expected common.Address) error {
	signer, err := Recover(fingerprint, sig)
	if err != nil {
		return err
	}
	if signer != expected {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrSignerMismatch, signer.Hex(), expected.Hex())
	}
	return nil
}
