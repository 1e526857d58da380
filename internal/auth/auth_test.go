package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

var caller = common.HexToAddress("0x00000000000000000000000000000000000000a1")

func newJWTService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Mode: ModeJWT, Secret: "test-secret", Issuer: "intent-ledger", Audience: "api", AccessTTL: 60})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestIssueAndVerify(t *testing.T) {
	svc := newJWTService(t)
	token, err := svc.Issue(caller)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if token.TokenType != "Bearer" || token.ExpiresIn != 60 {
		t.Fatalf("unexpected token %+v", token)
	}
	subject, err := svc.AuthenticateRequest(context.Background(), "Bearer "+token.AccessToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if subject.Caller != caller || subject.TokenID == "" {
		t.Fatalf("unexpected subject %+v", subject)
	}
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	svc := newJWTService(t)
	token, _ := svc.Issue(caller)

	other, _ := NewService(Config{Mode: ModeJWT, Secret: "other-secret", Issuer: "intent-ledger", Audience: "api"})
	if _, err := other.Verify(token.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign secret accepted: %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := svc.Verify(token.AccessToken); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
	svc.now = time.Now

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: caller.Hex()})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := svc.Verify(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("alg=none accepted: %v", err)
	}

	if _, err := svc.AuthenticateRequest(context.Background(), "Basic abc"); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
	if _, err := svc.Issue(common.Address{}); !errors.Is(err, ErrInvalidCaller) {
		t.Fatalf("zero caller should be rejected, got %v", err)
	}
}

func TestNewServiceValidatesConfig(t *testing.T) {
	if _, err := NewService(Config{Mode: ModeJWT}); err == nil {
		t.Fatalf("jwt mode without secret should fail")
	}
	if _, err := NewService(Config{Mode: "oauth"}); err == nil {
		t.Fatalf("unknown mode should fail")
	}
	svc, err := NewService(Config{})
	if err != nil || svc.Mode() != ModeDisabled {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if svc.DevIssuerEnabled() {
		t.Fatalf("dev issuer requires jwt mode")
	}
}

func TestMiddlewarePlacesCallerInContext(t *testing.T) {
	svc := newJWTService(t)
	token, _ := svc.Issue(caller)

	var seen common.Address
	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context()).Caller
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/intents/1", nil)
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || seen != caller {
		t.Fatalf("unexpected result status=%d caller=%s", rec.Code, seen.Hex())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/intents/1", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestMiddlewareDisabledModeUsesHeader(t *testing.T) {
	svc, _ := NewService(Config{Mode: ModeDisabled})
	handler := svc.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if SubjectFromContext(r.Context()).Caller != caller {
			t.Errorf("caller header not honoured")
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CallerHeader, caller.Hex())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(CallerHeader, "not-an-address")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed caller, got %d", rec.Code)
	}
}

func TestCallerFromContext(t *testing.T) {
	if CallerFromContext(context.Background()) != (common.Address{}) {
		t.Fatalf("empty context should yield the zero address")
	}
	ctx := WithSubject(context.Background(), &Subject{Caller: caller})
	if CallerFromContext(ctx) != caller {
		t.Fatalf("caller not recovered from context")
	}
	if WithSubject(ctx, nil) != ctx {
		t.Fatalf("nil subject must leave the context untouched")
	}
}
