package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"Intent-Ledger/internal/auth"
	xerrors "Intent-Ledger/internal/errors"
	"Intent-Ledger/internal/executor"
	"Intent-Ledger/internal/intent"
	"Intent-Ledger/internal/ledger"
	"Intent-Ledger/internal/observability/alerting"
	"Intent-Ledger/internal/settlement"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError translates a coded error into a JSON envelope.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, component, operation string, err error) {
	status := statusOf(err)
	code := xerrors.CodeOf(err)
	writeJSON(w, status, errorBody{Error: string(code), Message: err.Error(), Retryable: xerrors.RetryableError(err)})

	attrs := []any{
		slog.String("request_id", middleware.GetReqID(r.Context())),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.String("error_code", string(code)),
		slog.String("error", err.Error()),
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", attrs...)
	} else {
		s.logger.Debug("请求被拒绝", attrs...)
	}

	if s.alerter != nil && status < http.StatusInternalServerError && xerrors.ShouldAlert(err) {
		ev := alerting.FromError(component, operation, 0, err)
		if caller := callerOf(r); caller != (common.Address{}) {
			if ev.Metadata == nil {
				ev.Metadata = map[string]string{}
			}
			ev.Metadata["caller"] = caller.Hex()
		}
		if alertErr := s.alerter.Notify(context.WithoutCancel(r.Context()), ev); alertErr != nil {
			s.logger.Error("告警通知失败", slog.Any("error", alertErr))
		}
	}
}

// statusOf maps error categories onto HTTP status codes.
func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeNotFound, intent.CodeIntentNotFound:
		return http.StatusNotFound
	case settlement.CodeAlreadySettled, settlement.CodeInFlight, xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeUnknown:
		return http.StatusInternalServerError
	case ledger.CodeInsufficientBalance, executor.CodeNotExecutable, intent.CodeInvalidTransition:
		return http.StatusUnprocessableEntity
	}
	switch xerrors.CategoryOf(err) {
	case xerrors.CategoryValidation:
		return http.StatusBadRequest
	case xerrors.CategoryAuthorization:
		return http.StatusForbidden
	case xerrors.CategoryReplay:
		return http.StatusConflict
	case xerrors.CategoryState:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusServiceUnavailable
	}
}

func callerOf(r *http.Request) common.Address {
	return auth.CallerFromContext(r.Context())
}

func decode(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func invalid(field, reason string) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s %s", field, reason), xerrors.WithMetadata("field", field))
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, invalid(field, "必须是 20 字节十六进制地址")
	}
	return common.HexToAddress(raw), nil
}

// parseAmount accepts a base-10 integer string. Zero and negative values are
// passed through so the components report them with their own codes.
func parseAmount(field, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, invalid(field, "必须是十进制整数")
	}
	return v, nil
}

func parseHash(field, raw string) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Hash{}, nil
	}
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, invalid(field, "必须是 32 字节十六进制值")
	}
	return common.BytesToHash(b), nil
}

func parseSignature(raw string) ([]byte, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return nil, invalid("signature", "必须是十六进制编码")
	}
	return b, nil
}

func uintParam(r *http.Request, name string) (uint64, error) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, invalid(name, "必须是无符号整数")
	}
	return v, nil
}

func addressParam(r *http.Request, name string) (common.Address, error) {
	return parseAddress(name, chi.URLParam(r, name))
}
