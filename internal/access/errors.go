package access

import xerrors "Intent-Ledger/internal/errors"

const (
	CodeMissingRole xerrors.Code = "MISSING_ROLE"
	CodeLastAdmin   xerrors.Code = "LAST_ADMIN"
)

var (
	// ErrMissingRole 表示调用方不具备所需能力。
	ErrMissingRole = xerrors.New(CodeMissingRole, "caller lacks required role")
	// ErrLastAdmin 表示不能移除最后一个管理员。
	ErrLastAdmin = xerrors.New(CodeLastAdmin, "cannot revoke the last admin")
)

func init() {
	xerrors.Register(CodeMissingRole, xerrors.Attributes{
		Message:   "caller lacks required role",
		Category:  xerrors.CategoryAuthorization,
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeLastAdmin, xerrors.Attributes{
		Message:   "cannot revoke the last admin",
		Category:  xerrors.CategoryState,
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}
