package replay

import (
	stdErrors "errors"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Intent-Ledger/internal/errors"
	"Intent-Ledger/internal/proofs"
)

const (
	CodeInvalidSignature xerrors.Code = "INVALID_SIGNATURE"
	CodeSignerMismatch   xerrors.Code = "SIGNER_MISMATCH"
)

var (
	// ErrInvalidSignature 表示签名无法解析或恢复。
	ErrInvalidSignature = xerrors.New(CodeInvalidSignature, "signature cannot be recovered")
	// ErrSignerMismatch 表示签名者与声明的账户不一致。
	ErrSignerMismatch = xerrors.New(CodeSignerMismatch, "signature was not produced by the claimed account")
)

func init() {
	xerrors.Register(CodeInvalidSignature, xerrors.Attributes{
		Message:   "signature cannot be recovered",
		Category:  xerrors.CategoryAuthorization,
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSignerMismatch, xerrors.Attributes{
		Message:   "signature was not produced by the claimed account",
		Category:  xerrors.CategoryAuthorization,
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// VerifySigner checks sig over fingerprint against expected and maps the
// outcome onto the coded authorization errors.
func VerifySigner(fingerprint common.Hash, sig []byte, expected common.Address) error {
	err := proofs.Verify(fingerprint, sig, expected)
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, proofs.ErrSignerMismatch):
		return xerrors.Wrap(CodeSignerMismatch, err, "", xerrors.WithMetadata("account", expected.Hex()))
	default:
		return xerrors.Wrap(CodeInvalidSignature, err, "", xerrors.WithMetadata("account", expected.Hex()))
	}
}
