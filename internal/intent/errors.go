package intent

import xerrors "Intent-Ledger/internal/errors"

const (
	CodeIntentNotFound    xerrors.Code = "INTENT_NOT_FOUND"
	CodeInvalidTransition xerrors.Code = "INVALID_STATUS_TRANSITION"
)

var (
	// ErrIntentNotFound 表示意图不存在。
	ErrIntentNotFound = xerrors.New(CodeIntentNotFound, "intent not found")
	// ErrInvalidTransition 表示请求的状态迁移不在生命周期内。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "status transition not allowed")
)

func init() {
	xerrors.Register(CodeIntentNotFound, xerrors.Attributes{
		Message:   "intent not found",
		Category:  xerrors.CategoryState,
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:   "status transition not allowed",
		Category:  xerrors.CategoryState,
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
