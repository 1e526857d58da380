package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Middleware 返回一个 HTTP 中间件，将调用方地址放入请求上下文。
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := s.resolve(r)
		if err != nil {
			status := http.StatusUnauthorized
			if errors.Is(err, ErrInvalidCaller) {
				status = http.StatusBadRequest
			}
			http.Error(w, http.StatusText(status), status)
			s.audit.Warn("access_denied",
				slog.String("path", r.URL.Path),
				slog.String("method", r.Method),
				slog.Int("status", status),
				slog.String("error", err.Error()),
			)
			return
		}

		start := time.Now()
		aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
		s.audit.Info("api_request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", aw.status),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("caller", subject.Caller.Hex()),
		)
	})
}

func (s *Service) resolve(r *http.Request) (*Subject, error) {
	if s.Mode() == ModeJWT {
		return s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
	}
	raw := strings.TrimSpace(r.Header.Get(CallerHeader))
	if !common.IsHexAddress(raw) {
		return nil, ErrInvalidCaller
	}
	return &Subject{Caller: common.HexToAddress(raw)}, nil
}

// auditWriter 是一个包装了 http.ResponseWriter 的结构体，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
