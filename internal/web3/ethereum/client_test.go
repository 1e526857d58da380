package ethereum

import (
	"context"
	"math/big"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"Intent-Ledger/internal/web3"
)

type fakeEth struct{ chainID uint64 }

func (f *fakeEth) ChainId() *hexutil.Big {
	return (*hexutil.Big)(new(big.Int).SetUint64(f.chainID))
}

func newRPCEndpoint(t *testing.T, chainID uint64) string {
	t.Helper()
	server := gethrpc.NewServer()
	if err := server.RegisterName("eth", &fakeEth{chainID: chainID}); err != nil {
		t.Fatalf("register rpc service: %v", err)
	}
	httpSrv := httptest.NewServer(server)
	t.Cleanup(func() {
		httpSrv.Close()
		server.Stop()
	})
	return httpSrv.URL
}

func TestDialVerifiesChainID(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := newRPCEndpoint(t, 31338)

	client, err := Dial(ctx, "dest", web3.ChainDefinition{ChainID: 31338, RPCURL: url})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	if client.Name() != "dest" || client.ChainIDValue().Uint64() != 31338 {
		t.Fatalf("unexpected client %s chain %s", client.Name(), client.ChainIDValue())
	}

	if _, err := Dial(ctx, "dest", web3.ChainDefinition{ChainID: 1, RPCURL: url}); err == nil || !strings.Contains(err.Error(), "不一致") {
		t.Fatalf("expected chain id mismatch, got %v", err)
	}
}

func TestDialRequiresURL(t *testing.T) {
	if _, err := Dial(context.Background(), "dest", web3.ChainDefinition{}); err == nil {
		t.Fatal("expected error for empty rpc url")
	}
}
