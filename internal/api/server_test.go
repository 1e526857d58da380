package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"Intent-Ledger/internal/auth"
	"Intent-Ledger/internal/eventlog"
	"Intent-Ledger/internal/executor"
	"Intent-Ledger/internal/intent"
	"Intent-Ledger/internal/ledger"
	"Intent-Ledger/internal/observability/alerting"
	"Intent-Ledger/internal/proofs"
	"Intent-Ledger/internal/settlement"
	"Intent-Ledger/internal/storage/mysql"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bridge   = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	creator  = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	execID   = common.HexToAddress("0x000000000000000000000000000000000000e8ec")
	relayer  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	user     = common.HexToAddress("0x0000000000000000000000000000000000005555")
	dest     = common.HexToAddress("0x00000000000000000000000000000000000000d1")

	ledgerDomain = proofs.Domain{ChainID: big.NewInt(31337), Contract: common.HexToAddress("0x1001")}
)

type captureAlerts struct{ events []alerting.Event }

func (c *captureAlerts) Notify(_ context.Context, ev alerting.Event) error {
	c.events = append(c.events, ev)
	return nil
}

type harness struct {
	t       *testing.T
	handler http.Handler
	auth    *auth.Service
	ledger  *ledger.Ledger
	archive *mysql.MemoryEventStore
	alerts  *captureAlerts
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l, err := ledger.New(ledgerDomain, []common.Address{admin})
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	r, err := intent.NewRegistry(proofs.Domain{ChainID: big.NewInt(31337), Contract: common.HexToAddress("0x1002")}, []common.Address{admin})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	e, err := executor.New(execID, []common.Address{admin}, l, r)
	if err != nil {
		t.Fatalf("executor: %v", err)
	}
	rcv, err := settlement.NewReceiver(common.HexToAddress("0xd0d0"), []common.Address{admin},
		settlement.NewMemorySettledSet(), settlement.NewMemoryPool(big.NewInt(1000)))
	if err != nil {
		t.Fatalf("receiver: %v", err)
	}
	svc, err := auth.NewService(auth.Config{Mode: auth.ModeJWT, Secret: "test", DevIssuer: true})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	archive, _ := mysql.NewMemoryEventStore("")
	alerts := &captureAlerts{}

	srv, err := NewServer(":0", Dependencies{
		Ledger:   l,
		Registry: r,
		Executor: e,
		Receiver: rcv,
		Roles: map[eventlog.Component]RoleManager{
			eventlog.ComponentLedger:   l,
			eventlog.ComponentRegistry: r,
			eventlog.ComponentExecutor: e,
			eventlog.ComponentReceiver: rcv,
		},
		Journals: map[eventlog.Component]*eventlog.Journal{
			eventlog.ComponentLedger:   l.Journal(),
			eventlog.ComponentRegistry: r.Journal(),
			eventlog.ComponentExecutor: e.Journal(),
			eventlog.ComponentReceiver: rcv.Journal(),
		},
		Archive: archive,
		Auth:    svc,
	}, WithAlertDispatcher(alerts))
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	h := &harness{t: t, handler: srv.Handler(), auth: svc, ledger: l, archive: archive, alerts: alerts}

	// The executor identity is wired the same way the daemon does it.
	h.mustDo(admin, http.MethodPost, "/api/v1/roles/ledger", map[string]string{"role": "EXECUTOR", "account": execID.Hex()}, http.StatusOK)
	h.mustDo(admin, http.MethodPost, "/api/v1/roles/registry", map[string]string{"role": "EXECUTOR", "account": execID.Hex()}, http.StatusOK)
	h.mustDo(admin, http.MethodPost, "/api/v1/roles/ledger", map[string]string{"role": "bridge", "account": bridge.Hex()}, http.StatusOK)
	h.mustDo(admin, http.MethodPost, "/api/v1/roles/registry", map[string]string{"role": "creator", "account": creator.Hex()}, http.StatusOK)
	h.mustDo(admin, http.MethodPost, "/api/v1/roles/executor", map[string]string{"role": "executor", "account": operator.Hex()}, http.StatusOK)
	h.mustDo(admin, http.MethodPost, "/api/v1/roles/receiver", map[string]string{"role": "relayer", "account": relayer.Hex()}, http.StatusOK)
	return h
}

func (h *harness) do(caller common.Address, method, path string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			h.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != (common.Address{}) {
		token, err := h.auth.Issue(caller)
		if err != nil {
			h.t.Fatalf("issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) mustDo(caller common.Address, method, path string, body any, want int) map[string]any {
	h.t.Helper()
	rec := h.do(caller, method, path, body)
	if rec.Code != want {
		h.t.Fatalf("%s %s: status %d want %d body=%s", method, path, rec.Code, want, rec.Body.String())
	}
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return out
}

func TestIntentLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)

	h.mustDo(bridge, http.MethodPost, "/api/v1/ledger/mint", map[string]string{"account": user.Hex(), "amount": "100"}, http.StatusCreated)
	account := h.mustDo(common.Address{}, http.MethodGet, "/api/v1/accounts/"+user.Hex(), nil, http.StatusOK)
	if account["balance"] != "100" {
		t.Fatalf("unexpected balance %v", account["balance"])
	}

	created := h.mustDo(creator, http.MethodPost, "/api/v1/intents", map[string]any{
		"user": user.Hex(), "dest_domain_id": 10, "dest_address": dest.Hex(), "amount": "40", "nonce": 7,
	}, http.StatusCreated)
	if created["id"] != float64(1) || created["status"] != "Pending" || created["nonce"] != float64(7) {
		t.Fatalf("unexpected intent %v", created)
	}

	h.mustDo(operator, http.MethodPost, "/api/v1/intents/1/execute", nil, http.StatusOK)
	second := h.mustDo(operator, http.MethodPost, "/api/v1/intents/1/execute", nil, http.StatusUnprocessableEntity)
	if second["error"] != string(executor.CodeNotExecutable) {
		t.Fatalf("unexpected error body %v", second)
	}
	if h.ledger.BalanceOf(user).Int64() != 60 {
		t.Fatalf("burn happened more than once: %s", h.ledger.BalanceOf(user))
	}

	payout := map[string]any{"intent_id": 1, "user": user.Hex(), "amount": "40"}
	h.mustDo(relayer, http.MethodPost, "/api/v1/settlements", payout, http.StatusCreated)
	dup := h.mustDo(relayer, http.MethodPost, "/api/v1/settlements", payout, http.StatusConflict)
	if dup["error"] != string(settlement.CodeAlreadySettled) {
		t.Fatalf("unexpected duplicate body %v", dup)
	}
	settled := h.mustDo(common.Address{}, http.MethodGet, "/api/v1/settlements/1", nil, http.StatusOK)
	if settled["settled"] != true {
		t.Fatalf("settlement not visible %v", settled)
	}

	h.mustDo(execID, http.MethodPut, "/api/v1/intents/1/status", map[string]string{"status": "Settled"}, http.StatusOK)
	got := h.mustDo(common.Address{}, http.MethodGet, "/api/v1/intents/1", nil, http.StatusOK)
	if got["status"] != "Settled" {
		t.Fatalf("unexpected status %v", got["status"])
	}

	rec := h.do(common.Address{}, http.MethodGet, "/api/v1/events/registry?since=0&limit=10", nil)
	var records []eventlog.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &records); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(records) == 0 || records[len(records)-1].Status != "Settled" {
		t.Fatalf("unexpected registry events %+v", records)
	}

	if err := h.archive.Save(context.Background(), records); err != nil {
		t.Fatalf("archive: %v", err)
	}
	rec = h.do(common.Address{}, http.MethodGet, "/api/v1/intents/1/events", nil)
	var history []eventlog.Record
	if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("intent history: status=%d err=%v", rec.Code, err)
	}
	if len(history) == 0 || history[0].Kind != eventlog.KindIntentCreated {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name   string
		caller common.Address
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"missing role", creator, http.MethodPost, "/api/v1/ledger/mint", map[string]string{"account": user.Hex(), "amount": "1"}, http.StatusForbidden, "MISSING_ROLE"},
		{"zero amount", bridge, http.MethodPost, "/api/v1/ledger/mint", map[string]string{"account": user.Hex(), "amount": "0"}, http.StatusBadRequest, "INVALID_AMOUNT"},
		{"malformed amount", bridge, http.MethodPost, "/api/v1/ledger/mint", map[string]string{"account": user.Hex(), "amount": "1e3"}, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{"unknown intent", common.Address{}, http.MethodGet, "/api/v1/intents/99", nil, http.StatusNotFound, string(intent.CodeIntentNotFound)},
		{"overdraw", execID, http.MethodPost, "/api/v1/ledger/burn", map[string]any{"account": user.Hex(), "amount": "5", "intent_id": 1}, http.StatusUnprocessableEntity, string(ledger.CodeInsufficientBalance)},
		{"bad status", execID, http.MethodPut, "/api/v1/intents/1/status", map[string]string{"status": "Done"}, http.StatusBadRequest, "INVALID_ARGUMENT"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := h.mustDo(tc.caller, tc.method, tc.path, tc.body, tc.status)
			if body["error"] != tc.code {
				t.Fatalf("unexpected code %v", body["error"])
			}
		})
	}

	if rec := h.do(common.Address{}, http.MethodPost, "/api/v1/ledger/mint", map[string]string{"account": user.Hex(), "amount": "1"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if len(h.alerts.events) == 0 || h.alerts.events[0].Code != "MISSING_ROLE" {
		t.Fatalf("authorization failure should alert, got %+v", h.alerts.events)
	}
}

func TestSignedMintReplayIsConflict(t *testing.T) {
	h := newHarness(t)
	key, err := crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	holder := crypto.PubkeyToAddress(key.PublicKey)
	fp, err := proofs.MintFingerprint(ledgerDomain, proofs.MintRequest{Account: holder, Amount: big.NewInt(5), Nonce: 1})
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	sig, err := proofs.Sign(fp, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	body := map[string]any{"account": holder.Hex(), "amount": "5", "nonce": 1, "signature": hexutil.Encode(sig)}

	h.mustDo(common.Address{}, http.MethodPost, "/api/v1/ledger/mint/signed", body, http.StatusCreated)
	replay := h.mustDo(common.Address{}, http.MethodPost, "/api/v1/ledger/mint/signed", body, http.StatusConflict)
	if replay["error"] != "FINGERPRINT_REUSED" {
		t.Fatalf("unexpected replay body %v", replay)
	}
	if h.ledger.BalanceOf(holder).Int64() != 5 {
		t.Fatalf("replay changed balance: %s", h.ledger.BalanceOf(holder))
	}
}

func TestDevTokenIssuer(t *testing.T) {
	h := newHarness(t)
	out := h.mustDo(common.Address{}, http.MethodPost, "/api/v1/auth/token", map[string]string{"address": user.Hex()}, http.StatusOK)
	token, _ := out["access_token"].(string)
	subject, err := h.auth.Verify(token)
	if err != nil || subject.Caller != user {
		t.Fatalf("issued token does not verify: %v", err)
	}
}

func TestUnknownComponent(t *testing.T) {
	h := newHarness(t)
	h.mustDo(admin, http.MethodPost, "/api/v1/roles/bridge", map[string]string{"role": "ADMIN", "account": user.Hex()}, http.StatusNotFound)
	h.mustDo(common.Address{}, http.MethodGet, "/api/v1/events/nowhere", nil, http.StatusNotFound)
}
