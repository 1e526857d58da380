package settlement

import xerrors "Intent-Ledger/internal/errors"

const (
	CodeAlreadySettled  xerrors.Code = "ALREADY_SETTLED"
	CodePayoutFailed    xerrors.Code = "PAYOUT_FAILED"
	CodePoolExhausted   xerrors.Code = "POOL_EXHAUSTED"
	CodeInFlight        xerrors.Code = "SETTLEMENT_IN_FLIGHT"
	CodePayoutAmbiguous xerrors.Code = "PAYOUT_AMBIGUOUS"
)

var (
	// ErrAlreadySettled 表示该意图已完成结算，不可重复支付。
	ErrAlreadySettled = xerrors.New(CodeAlreadySettled, "intent already settled")
	// ErrPayoutFailed 表示资金池转账失败，结算已回滚，可重试。
	ErrPayoutFailed = xerrors.New(CodePayoutFailed, "payout transfer failed")
	// ErrPoolExhausted 表示资金池余额不足。
	ErrPoolExhausted = xerrors.New(CodePoolExhausted, "settlement pool has insufficient funds")
	// ErrInFlight 表示另一个接收端已认领该意图且支付尚未确认。
	ErrInFlight = xerrors.New(CodeInFlight, "settlement of this intent is in flight")
	// ErrPayoutAmbiguous 表示无法确认支付交易是否已被节点接收，需人工核对。
	ErrPayoutAmbiguous = xerrors.New(CodePayoutAmbiguous, "payout outcome unknown")
)

func init() {
	xerrors.Register(CodeAlreadySettled, xerrors.Attributes{
		Message:   "intent already settled",
		Category:  xerrors.CategoryState,
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePayoutFailed, xerrors.Attributes{
		Message:   "payout transfer failed",
		Category:  xerrors.CategoryInfrastructure,
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodePoolExhausted, xerrors.Attributes{
		Message:   "settlement pool has insufficient funds",
		Category:  xerrors.CategoryState,
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeInFlight, xerrors.Attributes{
		Message:   "settlement of this intent is in flight",
		Category:  xerrors.CategoryState,
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	// 结算标记保留，重试会被拒绝，直到运维人员核对链上结果。
	xerrors.Register(CodePayoutAmbiguous, xerrors.Attributes{
		Message:   "payout outcome unknown",
		Category:  xerrors.CategoryInfrastructure,
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}
