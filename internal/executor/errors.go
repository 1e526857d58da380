package executor

import xerrors "Intent-Ledger/internal/errors"

const (
	CodeNotExecutable      xerrors.Code = "INTENT_NOT_EXECUTABLE"
	CodeCompensationFailed xerrors.Code = "BURN_COMPENSATION_FAILED"
)

var (
	// ErrNotExecutable 表示意图不处于 Pending 或 Verified 状态。
	ErrNotExecutable = xerrors.New(CodeNotExecutable, "intent is not pending or verified")
	// ErrCompensationFailed 表示状态推进失败后回滚销毁也失败。
	ErrCompensationFailed = xerrors.New(CodeCompensationFailed, "burn could not be reverted after status update failure")
)

func init() {
	xerrors.Register(CodeNotExecutable, xerrors.Attributes{
		Message:   "intent is not pending or verified",
		Category:  xerrors.CategoryState,
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCompensationFailed, xerrors.Attributes{
		Message:   "burn could not be reverted after status update failure",
		Category:  xerrors.CategoryInfrastructure,
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}
