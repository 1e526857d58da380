package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"Intent-Ledger/pkg/logger"
)

const tokenTypeBearer = "Bearer"

// Service 负责 HTTP 端点的身份验证。
type Service struct {
	mode      Mode
	secret    []byte
	issuer    string
	audience  string
	ttl       time.Duration
	devIssuer bool
	now       func() time.Time
	audit     *slog.Logger
}

// NewService 构造身份认证服务实例。
func NewService(cfg Config) (*Service, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(string(cfg.Mode))))
	if mode == "" {
		mode = ModeDisabled
	}
	svc := &Service{
		mode:      mode,
		issuer:    cfg.Issuer,
		audience:  cfg.Audience,
		devIssuer: cfg.DevIssuer,
		now:       time.Now,
		audit:     logger.Audit(),
	}

	switch mode {
	case ModeDisabled:
		return svc, nil
	case ModeJWT:
		if strings.TrimSpace(cfg.Secret) == "" {
			return nil, errors.New("jwt secret must be configured")
		}
		svc.secret = []byte(cfg.Secret)
		if cfg.AccessTTL <= 0 {
			cfg.AccessTTL = 3600
		}
		svc.ttl = time.Duration(cfg.AccessTTL) * time.Second
		return svc, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %s", cfg.Mode)
	}
}

// Mode returns the configured authentication mode.
func (s *Service) Mode() Mode {
	if s == nil {
		return ModeDisabled
	}
	return s.mode
}

// DevIssuerEnabled reports whether Issue may be exposed over HTTP.
func (s *Service) DevIssuerEnabled() bool {
	return s != nil && s.mode == ModeJWT && s.devIssuer
}

// Issue signs an access token for caller.
func (s *Service) Issue(caller common.Address) (*Token, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrDisabled
	}
	if caller == (common.Address{}) {
		return nil, ErrInvalidCaller
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   caller.Hex(),
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        uuid.NewString(),
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	s.audit.Info("token_issued", slog.String("caller", caller.Hex()), slog.String("jti", claims.ID))
	return &Token{AccessToken: signed, TokenType: tokenTypeBearer, ExpiresIn: int64(s.ttl.Seconds())}, nil
}

// Verify parses and validates a signed token.
func (s *Service) Verify(token string) (*Subject, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrDisabled
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !parsed.Valid || !common.IsHexAddress(claims.Subject) {
		return nil, ErrInvalidToken
	}
	subject := &Subject{Caller: common.HexToAddress(claims.Subject), TokenID: claims.ID}
	if claims.ExpiresAt != nil {
		subject.ExpiresAt = claims.ExpiresAt.Time
	}
	return subject, nil
}

// AuthenticateRequest 解析 Authorization 头并返回调用方。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	if s == nil || s.mode != ModeJWT {
		return nil, ErrDisabled
	}
	authorization = strings.TrimSpace(authorization)
	if authorization == "" {
		return nil, ErrMissingToken
	}
	scheme, token, ok := strings.Cut(authorization, " ")
	if !ok || !strings.EqualFold(scheme, tokenTypeBearer) || strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}
	return s.Verify(strings.TrimSpace(token))
}
