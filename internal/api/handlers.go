package api

import (
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"Intent-Ledger/internal/access"
	xerrors "Intent-Ledger/internal/errors"
	"Intent-Ledger/internal/eventlog"
	"Intent-Ledger/internal/intent"
	"Intent-Ledger/internal/settlement"
)

const (
	compLedger   = string(eventlog.ComponentLedger)
	compRegistry = string(eventlog.ComponentRegistry)
	compExecutor = string(eventlog.ComponentExecutor)
	compReceiver = string(eventlog.ComponentReceiver)
)

type mintRequest struct {
	Account   string `json:"account"`
	Amount    string `json:"amount"`
	SourceRef string `json:"source_ref"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

type burnRequest struct {
	Account   string `json:"account"`
	Amount    string `json:"amount"`
	IntentID  uint64 `json:"intent_id"`
	Nonce     uint64 `json:"nonce"`
	Signature string `json:"signature"`
}

type intentRequest struct {
	User         string `json:"user"`
	DestDomainID uint64 `json:"dest_domain_id"`
	DestAddress  string `json:"dest_address"`
	Amount       string `json:"amount"`
	SourceRef    string `json:"source_ref"`
	Nonce        uint64 `json:"nonce"`
	Signature    string `json:"signature"`
}

type statusRequest struct {
	Status   string `json:"status"`
	Override bool   `json:"override"`
}

type settleRequest struct {
	IntentID  uint64 `json:"intent_id"`
	User      string `json:"user"`
	Amount    string `json:"amount"`
	SourceRef string `json:"source_ref"`
}

type roleRequest struct {
	Role    string `json:"role"`
	Account string `json:"account"`
}

type tokenRequest struct {
	Address string `json:"address"`
}

type intentView struct {
	ID                   uint64 `json:"id"`
	User                 string `json:"user"`
	DestDomainID         uint64 `json:"dest_domain_id"`
	DestAddress          string `json:"dest_address"`
	Amount               string `json:"amount"`
	Nonce                uint64 `json:"nonce"`
	SourceRef            string `json:"source_ref"`
	Status               string `json:"status"`
	CreatedAt            int64  `json:"created_at"`
	SignatureFingerprint string `json:"signature_fingerprint"`
}

func viewOf(in intent.Intent) intentView {
	return intentView{
		ID:                   in.ID,
		User:                 in.User.Hex(),
		DestDomainID:         in.DestDomainID,
		DestAddress:          in.DestAddress.Hex(),
		Amount:               amountString(in.Amount),
		Nonce:                in.Nonce,
		SourceRef:            in.SourceRef.Hex(),
		Status:               in.Status.String(),
		CreatedAt:            in.CreatedAt,
		SignatureFingerprint: in.SignatureFingerprint.Hex(),
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	account, amount, ref, err := s.parseMint(w, r, &req)
	if err != nil {
		s.writeError(w, r, compLedger, "mint", err)
		return
	}
	rec, err := s.deps.Ledger.Mint(callerOf(r), account, amount, ref)
	if err != nil {
		s.writeError(w, r, compLedger, "mint", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleMintSigned(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	account, amount, ref, err := s.parseMint(w, r, &req)
	var sig []byte
	if err == nil {
		sig, err = parseSignature(req.Signature)
	}
	if err != nil {
		s.writeError(w, r, compLedger, "mint_authenticated", err)
		return
	}
	rec, err := s.deps.Ledger.MintAuthenticated(account, amount, ref, req.Nonce, sig)
	if err != nil {
		s.writeError(w, r, compLedger, "mint_authenticated", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) parseMint(w http.ResponseWriter, r *http.Request, req *mintRequest) (common.Address, *big.Int, common.Hash, error) {
	if err := decode(w, r, req); err != nil {
		return common.Address{}, nil, common.Hash{}, err
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return common.Address{}, nil, common.Hash{}, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return common.Address{}, nil, common.Hash{}, err
	}
	ref, err := parseHash("source_ref", req.SourceRef)
	if err != nil {
		return common.Address{}, nil, common.Hash{}, err
	}
	return account, amount, ref, nil
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	var req burnRequest
	account, amount, err := s.parseBurn(w, r, &req)
	if err != nil {
		s.writeError(w, r, compLedger, "burn", err)
		return
	}
	rec, err := s.deps.Ledger.Burn(callerOf(r), account, amount, req.IntentID)
	if err != nil {
		s.writeError(w, r, compLedger, "burn", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleBurnSigned(w http.ResponseWriter, r *http.Request) {
	var req burnRequest
	account, amount, err := s.parseBurn(w, r, &req)
	var sig []byte
	if err == nil {
		sig, err = parseSignature(req.Signature)
	}
	if err != nil {
		s.writeError(w, r, compLedger, "burn_authenticated", err)
		return
	}
	rec, err := s.deps.Ledger.BurnAuthenticated(account, amount, req.IntentID, req.Nonce, sig)
	if err != nil {
		s.writeError(w, r, compLedger, "burn_authenticated", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) parseBurn(w http.ResponseWriter, r *http.Request, req *burnRequest) (common.Address, *big.Int, error) {
	if err := decode(w, r, req); err != nil {
		return common.Address{}, nil, err
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		return common.Address{}, nil, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return common.Address{}, nil, err
	}
	return account, amount, nil
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := addressParam(r, "address")
	if err != nil {
		s.writeError(w, r, compLedger, "balance_of", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"address":      account.Hex(),
		"balance":      amountString(s.deps.Ledger.BalanceOf(account)),
		"ledger_nonce": s.deps.Ledger.NonceOf(account),
		"intent_nonce": s.deps.Registry.NonceOf(account),
	})
}

func (s *Server) parseIntent(w http.ResponseWriter, r *http.Request, req *intentRequest) (intent.Params, error) {
	if err := decode(w, r, req); err != nil {
		return intent.Params{}, err
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		return intent.Params{}, err
	}
	dest, err := parseAddress("dest_address", req.DestAddress)
	if err != nil {
		return intent.Params{}, err
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return intent.Params{}, err
	}
	ref, err := parseHash("source_ref", req.SourceRef)
	if err != nil {
		return intent.Params{}, err
	}
	return intent.Params{
		User:         user,
		DestDomainID: req.DestDomainID,
		DestAddress:  dest,
		Amount:       amount,
		SourceRef:    ref,
		Nonce:        req.Nonce,
	}, nil
}

func (s *Server) handleCreateIntent(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	params, err := s.parseIntent(w, r, &req)
	if err != nil {
		s.writeError(w, r, compRegistry, "create", err)
		return
	}
	in, err := s.deps.Registry.Create(callerOf(r), params)
	if err != nil {
		s.writeError(w, r, compRegistry, "create", err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(in))
}

func (s *Server) handleCreateIntentSigned(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	params, err := s.parseIntent(w, r, &req)
	var sig []byte
	if err == nil {
		sig, err = parseSignature(req.Signature)
	}
	if err != nil {
		s.writeError(w, r, compRegistry, "create_authenticated", err)
		return
	}
	in, err := s.deps.Registry.CreateAuthenticated(params, sig)
	if err != nil {
		s.writeError(w, r, compRegistry, "create_authenticated", err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(in))
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, compRegistry, "get", err)
		return
	}
	in, err := s.deps.Registry.Get(id)
	if err != nil {
		s.writeError(w, r, compRegistry, "get", err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(in))
}

func (s *Server) handleUserIntents(w http.ResponseWriter, r *http.Request) {
	user, err := addressParam(r, "address")
	if err != nil {
		s.writeError(w, r, compRegistry, "intents_of", err)
		return
	}
	ids := s.deps.Registry.IntentsOf(user)
	if ids == nil {
		ids = []uint64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user.Hex(), "intents": ids})
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	var req statusRequest
	if err == nil {
		err = decode(w, r, &req)
	}
	var next intent.Status
	if err == nil {
		next, err = intent.ParseStatus(req.Status)
	}
	if err != nil {
		s.writeError(w, r, compRegistry, "update_status", err)
		return
	}
	op, update := "update_status", s.deps.Registry.UpdateStatus
	if req.Override {
		op, update = "override_status", s.deps.Registry.OverrideStatus
	}
	in, err := update(callerOf(r), id, next)
	if err != nil {
		s.writeError(w, r, compRegistry, op, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(in))
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, compExecutor, "execute", err)
		return
	}
	rec, err := s.deps.Executor.Execute(callerOf(r), id)
	if err != nil {
		s.writeError(w, r, compExecutor, "execute", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleIntentEvents(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, compRegistry, "events", err)
		return
	}
	if s.deps.Archive == nil {
		s.writeError(w, r, compRegistry, "events", xerrors.New(xerrors.CodeInitializationFailure, "未配置事件归档"))
		return
	}
	records, err := s.deps.Archive.ListByIntent(r.Context(), id)
	if err != nil {
		s.writeError(w, r, compRegistry, "events", err)
		return
	}
	if records == nil {
		records = []eventlog.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, compReceiver, "settle", err)
		return
	}
	user, err := parseAddress("user", req.User)
	if err != nil {
		s.writeError(w, r, compReceiver, "settle", err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, compReceiver, "settle", err)
		return
	}
	ref, err := parseHash("source_ref", req.SourceRef)
	if err != nil {
		s.writeError(w, r, compReceiver, "settle", err)
		return
	}
	rec, err := s.deps.Receiver.Settle(r.Context(), callerOf(r), settlement.Payload{
		IntentID: req.IntentID, User: user, Amount: amount, SourceRef: ref,
	})
	if err != nil {
		s.writeError(w, r, compReceiver, "settle", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		s.writeError(w, r, compReceiver, "is_settled", err)
		return
	}
	settled, err := s.deps.Receiver.IsSettled(r.Context(), id)
	if err != nil {
		s.writeError(w, r, compReceiver, "is_settled", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intent_id": id, "settled": settled})
}

func (s *Server) handleGrantRole(w http.ResponseWriter, r *http.Request) {
	s.changeRole(w, r, "grant_role", RoleManager.GrantRole)
}

func (s *Server) handleRevokeRole(w http.ResponseWriter, r *http.Request) {
	s.changeRole(w, r, "revoke_role", RoleManager.RevokeRole)
}

func (s *Server) changeRole(w http.ResponseWriter, r *http.Request, op string,
	apply func(RoleManager, common.Address, access.Role, common.Address) error) {
	raw := chi.URLParam(r, "component")
	component, ok := eventlog.ParseComponent(raw)
	manager := s.deps.Roles[component]
	if !ok || manager == nil {
		s.writeError(w, r, raw, op, xerrors.New(xerrors.CodeNotFound, "未知的组件: "+raw))
		return
	}
	var req roleRequest
	err := decode(w, r, &req)
	var role access.Role
	if err == nil {
		role, err = access.ParseRole(req.Role)
	}
	var account common.Address
	if err == nil {
		account, err = parseAddress("account", req.Account)
	}
	if err == nil {
		err = apply(manager, callerOf(r), role, account)
	}
	if err != nil {
		s.writeError(w, r, string(component), op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"component": string(component),
		"role":      string(role),
		"account":   account.Hex(),
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "component")
	component, ok := eventlog.ParseComponent(raw)
	journal := s.deps.Journals[component]
	if !ok || journal == nil {
		s.writeError(w, r, raw, "events", xerrors.New(xerrors.CodeNotFound, "未知的组件: "+raw))
		return
	}
	var since uint64
	if v := r.URL.Query().Get("since"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, r, raw, "events", invalid("since", "必须是无符号整数"))
			return
		}
		since = parsed
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	records := journal.Since(since, limit)
	if records == nil {
		records = []eventlog.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Auth.DevIssuerEnabled() {
		http.NotFound(w, r)
		return
	}
	var req tokenRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, "auth", "issue_token", err)
		return
	}
	address, err := parseAddress("address", req.Address)
	if err != nil {
		s.writeError(w, r, "auth", "issue_token", err)
		return
	}
	token, err := s.deps.Auth.Issue(address)
	if err != nil {
		s.writeError(w, r, "auth", "issue_token", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签发令牌失败"))
		return
	}
	writeJSON(w, http.StatusOK, token)
}
