package auth

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Mode 表示身份认证模式。
type Mode string

const (
	// ModeDisabled trusts the X-Caller-Address header. Local development only.
	ModeDisabled Mode = "disabled"
	// ModeJWT requires an HS256 bearer token whose subject is the caller address.
	ModeJWT Mode = "jwt"
)

// CallerHeader carries the caller address when authentication is disabled.
const CallerHeader = "X-Caller-Address"

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled          = errors.New("authentication disabled")
	ErrInvalidToken      = errors.New("invalid token")
	ErrExpiredToken      = errors.New("token has expired")
	ErrMissingToken      = errors.New("missing bearer token")
	ErrInvalidCaller     = errors.New("invalid caller address")
	ErrIssuerUnavailable = errors.New("token issuance is disabled")
)

// Config 描述身份认证配置。
type Config struct {
	Mode     Mode   `json:"mode"`
	Secret   string `json:"secret"`
	Issuer   string `json:"issuer"`
	Audience string `json:"audience"`
	// AccessTTL is the token lifetime in seconds.
	AccessTTL int64 `json:"access_ttl"`
	// DevIssuer enables POST /api/v1/auth/token, which signs a token for any
	// address without proof of key ownership.
	DevIssuer bool `json:"dev_issuer"`
}

// Subject is the authenticated caller of a request.
type Subject struct {
	Caller    common.Address
	TokenID   string
	ExpiresAt time.Time
}

// Token 是签发给调用方的访问令牌。
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
