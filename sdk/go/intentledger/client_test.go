package intentledger

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var user = common.HexToAddress("0xb0b0000000000000000000000000000000000001")

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestIssueTokenStoresToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/token" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if body["address"] != user.Hex() {
			t.Fatalf("unexpected address %q", body["address"])
		}
		_ = json.NewEncoder(w).Encode(Token{AccessToken: "abc123", TokenType: "Bearer", ExpiresIn: 3600})
	})

	if _, err := client.IssueToken(context.Background(), user); err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if got := client.AccessToken(); got != "abc123" {
		t.Fatalf("expected token abc123, got %q", got)
	}
}

func TestAuthenticatedCallsNeedIdentity(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("request should not be sent")
	})
	if _, err := client.Execute(context.Background(), 1); err == nil {
		t.Fatal("expected error without token or caller")
	}
}

func TestCallerHeaderAndBearerToken(t *testing.T) {
	var gotCaller, gotAuth string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotCaller = r.Header.Get(CallerHeader)
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(Record{Seq: 1, Kind: "IntentExecuted", IntentID: 7})
	})

	client.SetCaller(user)
	rec, err := client.Execute(context.Background(), 7)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if rec.IntentID != 7 || gotCaller != user.Hex() || gotAuth != "" {
		t.Fatalf("unexpected request: caller=%q auth=%q rec=%+v", gotCaller, gotAuth, rec)
	}

	client.SetAccessToken("token")
	if _, err := client.Execute(context.Background(), 7); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotAuth != "Bearer token" || gotCaller != "" {
		t.Fatalf("token should take precedence: caller=%q auth=%q", gotCaller, gotAuth)
	}
}

func TestCreateIntentEncodesAmountAsString(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/intents" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["amount"] != "123456789012345678901234567890" {
			t.Fatalf("amount should be a decimal string, got %v", body["amount"])
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Intent{ID: 1, User: user, Amount: body["amount"].(string), Status: "Pending"})
	})
	client.SetCaller(user)

	amount, _ := new(big.Int).SetString("123456789012345678901234567890", 10)
	in, err := client.CreateIntent(context.Background(), IntentParams{User: user, DestDomainID: 2, DestAddress: user, Amount: amount})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if in.ID != 1 || in.Status != "Pending" || in.User != user {
		t.Fatalf("unexpected intent %+v", in)
	}
}

func TestEventsQuery(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/events/ledger" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("since") != "5" || r.URL.Query().Get("limit") != "10" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[{"seq":6,"kind":"Minted","component":"ledger","amount":42}]`))
	})

	records, err := client.Events(context.Background(), "ledger", 5, 10)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(records) != 1 || records[0].Amount.Int64() != 42 {
		t.Fatalf("unexpected records %+v", records)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"INTENT_NOT_FOUND","message":"missing","retryable":false}`))
	})

	_, err := client.GetIntent(context.Background(), 404)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "INTENT_NOT_FOUND" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}
