package ledger

import xerrors "Intent-Ledger/internal/errors"

const (
	CodeInsufficientBalance xerrors.Code = "INSUFFICIENT_BALANCE"
	CodeBurnNotRevertible   xerrors.Code = "BURN_NOT_REVERTIBLE"
)

var (
	// ErrInsufficientBalance 表示账户余额不足以完成扣减。
	ErrInsufficientBalance = xerrors.New(CodeInsufficientBalance, "balance is lower than the requested amount")
	// ErrBurnNotRevertible 表示没有可回滚的销毁记录，或该销毁已回滚。
	ErrBurnNotRevertible = xerrors.New(CodeBurnNotRevertible, "no matching unreverted burn")
)

func init() {
	// 余额补足后允许链下流程重试。
	xerrors.Register(CodeInsufficientBalance, xerrors.Attributes{
		Message:   "balance is lower than the requested amount",
		Category:  xerrors.CategoryState,
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeBurnNotRevertible, xerrors.Attributes{
		Message:   "no matching unreverted burn",
		Category:  xerrors.CategoryState,
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}
