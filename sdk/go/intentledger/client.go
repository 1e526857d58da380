// Package intentledger is a Go client for the intentd REST API.
package intentledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// CallerHeader carries the caller address when the server runs with
// authentication disabled.
const CallerHeader = "X-Caller-Address"

// Client wraps the HTTP interactions with the intentd REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
	caller      common.Address
}

// Token represents an issued access token.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Account is the ledger view of one address.
type Account struct {
	Address     common.Address `json:"address"`
	Balance     string         `json:"balance"`
	LedgerNonce uint64         `json:"ledger_nonce"`
	IntentNonce uint64         `json:"intent_nonce"`
}

// BalanceInt parses Balance.
func (a Account) BalanceInt() *big.Int {
	v, ok := new(big.Int).SetString(a.Balance, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// Intent mirrors the registry's intent record.
type Intent struct {
	ID                   uint64         `json:"id"`
	User                 common.Address `json:"user"`
	DestDomainID         uint64         `json:"dest_domain_id"`
	DestAddress          common.Address `json:"dest_address"`
	Amount               string         `json:"amount"`
	Nonce                uint64         `json:"nonce"`
	SourceRef            common.Hash    `json:"source_ref"`
	Status               string         `json:"status"`
	CreatedAt            int64          `json:"created_at"`
	SignatureFingerprint common.Hash    `json:"signature_fingerprint"`
}

// Record is one execution record emitted by a component.
type Record struct {
	Seq          uint64         `json:"seq"`
	Kind         string         `json:"kind"`
	Component    string         `json:"component"`
	Contract     common.Address `json:"contract"`
	Caller       common.Address `json:"caller"`
	Account      common.Address `json:"account"`
	Amount       *big.Int       `json:"amount,omitempty"`
	IntentID     uint64         `json:"intentId,omitempty"`
	SourceRef    common.Hash    `json:"sourceRef"`
	Nonce        uint64         `json:"nonce,omitempty"`
	Fingerprint  common.Hash    `json:"fingerprint"`
	DestDomainID uint64         `json:"destDomainId,omitempty"`
	DestAddress  common.Address `json:"destAddress"`
	Status       string         `json:"status,omitempty"`
	PrevStatus   string         `json:"prevStatus,omitempty"`
	Role         string         `json:"role,omitempty"`
	TxHash       common.Hash    `json:"txHash"`
	At           int64          `json:"at"`
}

// Mint describes a mint. Nonce and Signature are only used by MintSigned.
type Mint struct {
	Account   common.Address
	Amount    *big.Int
	SourceRef common.Hash
	Nonce     uint64
	Signature []byte
}

// Burn describes a burn. Nonce and Signature are only used by BurnSigned.
type Burn struct {
	Account   common.Address
	Amount    *big.Int
	IntentID  uint64
	Nonce     uint64
	Signature []byte
}

// IntentParams describes an intent to register. Signature is only used by
// CreateIntentSigned.
type IntentParams struct {
	User         common.Address
	DestDomainID uint64
	DestAddress  common.Address
	Amount       *big.Int
	SourceRef    common.Hash
	Nonce        uint64
	Signature    []byte
}

// Settlement describes a destination-side payout.
type Settlement struct {
	IntentID  uint64
	User      common.Address
	Amount    *big.Int
	SourceRef common.Hash
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("intentd api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("intentd api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the intentd API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// IssueToken asks the development issuer for a token bound to address and
// stores it for subsequent calls.
func (c *Client) IssueToken(ctx context.Context, address common.Address) (Token, error) {
	var token Token
	body := map[string]string{"address": address.Hex()}
	if err := c.send(ctx, http.MethodPost, "/api/v1/auth/token", body, &token, false); err != nil {
		return Token{}, err
	}
	c.SetAccessToken(token.AccessToken)
	return token, nil
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SetCaller sets the address sent in CallerHeader when no token is stored.
func (c *Client) SetCaller(caller common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caller = caller
}

// Account returns balance and nonces of address.
func (c *Client) Account(ctx context.Context, address common.Address) (Account, error) {
	var out Account
	err := c.send(ctx, http.MethodGet, "/api/v1/accounts/"+address.Hex(), nil, &out, false)
	return out, err
}

// Mint credits an account as the authenticated caller.
func (c *Client) Mint(ctx context.Context, m Mint) (Record, error) {
	return c.record(ctx, http.MethodPost, "/api/v1/ledger/mint", mintBody(m), true)
}

// MintSigned submits a mint authorised by the account's own signature.
func (c *Client) MintSigned(ctx context.Context, m Mint) (Record, error) {
	return c.record(ctx, http.MethodPost, "/api/v1/ledger/mint/signed", mintBody(m), false)
}

// Burn debits an account as the authenticated caller.
func (c *Client) Burn(ctx context.Context, b Burn) (Record, error) {
	return c.record(ctx, http.MethodPost, "/api/v1/ledger/burn", burnBody(b), true)
}

// BurnSigned submits a burn authorised by the account's own signature.
func (c *Client) BurnSigned(ctx context.Context, b Burn) (Record, error) {
	return c.record(ctx, http.MethodPost, "/api/v1/ledger/burn/signed", burnBody(b), false)
}

// CreateIntent registers an intent as the authenticated caller.
func (c *Client) CreateIntent(ctx context.Context, p IntentParams) (Intent, error) {
	var out Intent
	err := c.send(ctx, http.MethodPost, "/api/v1/intents", intentBody(p), &out, true)
	return out, err
}

// CreateIntentSigned registers an intent authorised by the user's signature.
func (c *Client) CreateIntentSigned(ctx context.Context, p IntentParams) (Intent, error) {
	var out Intent
	err := c.send(ctx, http.MethodPost, "/api/v1/intents/signed", intentBody(p), &out, false)
	return out, err
}

// GetIntent fetches one intent.
func (c *Client) GetIntent(ctx context.Context, id uint64) (Intent, error) {
	var out Intent
	err := c.send(ctx, http.MethodGet, "/api/v1/intents/"+strconv.FormatUint(id, 10), nil, &out, false)
	return out, err
}

// IntentsOf lists the intent ids registered for user.
func (c *Client) IntentsOf(ctx context.Context, user common.Address) ([]uint64, error) {
	var out struct {
		Intents []uint64 `json:"intents"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/users/"+user.Hex()+"/intents", nil, &out, false); err != nil {
		return nil, err
	}
	return out.Intents, nil
}

// UpdateStatus moves an intent to status. override skips the transition
// table and requires ADMIN.
func (c *Client) UpdateStatus(ctx context.Context, id uint64, status string, override bool) (Intent, error) {
	var out Intent
	body := map[string]any{"status": status, "override": override}
	err := c.send(ctx, http.MethodPut, "/api/v1/intents/"+strconv.FormatUint(id, 10)+"/status", body, &out, true)
	return out, err
}

// Execute burns the intent amount and marks it Executed.
func (c *Client) Execute(ctx context.Context, id uint64) (Record, error) {
	return c.record(ctx, http.MethodPost, "/api/v1/intents/"+strconv.FormatUint(id, 10)+"/execute", nil, true)
}

// IntentEvents returns the archived records of one intent.
func (c *Client) IntentEvents(ctx context.Context, id uint64) ([]Record, error) {
	var out []Record
	err := c.send(ctx, http.MethodGet, "/api/v1/intents/"+strconv.FormatUint(id, 10)+"/events", nil, &out, false)
	return out, err
}

// Events pages through a component journal starting after since.
func (c *Client) Events(ctx context.Context, component string, since uint64, limit int) ([]Record, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatUint(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Record
	err := c.send(ctx, http.MethodGet, "/api/v1/events/"+url.PathEscape(component)+"?"+q.Encode(), nil, &out, false)
	return out, err
}

// Settle pays out an executed intent on the destination side.
func (c *Client) Settle(ctx context.Context, s Settlement) (Record, error) {
	body := map[string]any{
		"intent_id":  s.IntentID,
		"user":       s.User.Hex(),
		"amount":     amountString(s.Amount),
		"source_ref": s.SourceRef.Hex(),
	}
	return c.record(ctx, http.MethodPost, "/api/v1/settlements", body, true)
}

// IsSettled reports whether intentID has been paid out.
func (c *Client) IsSettled(ctx context.Context, intentID uint64) (bool, error) {
	var out struct {
		Settled bool `json:"settled"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/settlements/"+strconv.FormatUint(intentID, 10), nil, &out, false)
	return out.Settled, err
}

// GrantRole grants role on component to account.
func (c *Client) GrantRole(ctx context.Context, component, role string, account common.Address) error {
	body := map[string]string{"role": role, "account": account.Hex()}
	return c.send(ctx, http.MethodPost, "/api/v1/roles/"+url.PathEscape(component), body, nil, true)
}

// RevokeRole revokes role on component from account.
func (c *Client) RevokeRole(ctx context.Context, component, role string, account common.Address) error {
	body := map[string]string{"role": role, "account": account.Hex()}
	return c.send(ctx, http.MethodDelete, "/api/v1/roles/"+url.PathEscape(component), body, nil, true)
}

func (c *Client) record(ctx context.Context, method, endpoint string, body any, withAuth bool) (Record, error) {
	var out Record
	err := c.send(ctx, method, endpoint, body, &out, withAuth)
	return out, err
}

func mintBody(m Mint) map[string]any {
	return map[string]any{
		"account":    m.Account.Hex(),
		"amount":     amountString(m.Amount),
		"source_ref": m.SourceRef.Hex(),
		"nonce":      m.Nonce,
		"signature":  signatureString(m.Signature),
	}
}

func burnBody(b Burn) map[string]any {
	return map[string]any{
		"account":   b.Account.Hex(),
		"amount":    amountString(b.Amount),
		"intent_id": b.IntentID,
		"nonce":     b.Nonce,
		"signature": signatureString(b.Signature),
	}
}

func intentBody(p IntentParams) map[string]any {
	return map[string]any{
		"user":           p.User.Hex(),
		"dest_domain_id": p.DestDomainID,
		"dest_address":   p.DestAddress.Hex(),
		"amount":         amountString(p.Amount),
		"source_ref":     p.SourceRef.Hex(),
		"nonce":          p.Nonce,
		"signature":      signatureString(p.Signature),
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func signatureString(sig []byte) string {
	if len(sig) == 0 {
		return ""
	}
	return hexutil.Encode(sig)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload any, out any, withAuth bool) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, endpoint, body, withAuth)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	ref.Path = path.Join(c.baseURL.Path, ref.Path)
	u := c.baseURL.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		c.mu.RLock()
		token, caller := c.accessToken, c.caller
		c.mu.RUnlock()
		switch {
		case token != "":
			req.Header.Set("Authorization", "Bearer "+token)
		case caller != (common.Address{}):
			req.Header.Set(CallerHeader, caller.Hex())
		default:
			return nil, errors.New("intentledger: neither access token nor caller is set")
		}
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
