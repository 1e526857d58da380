package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http/httptest"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"Intent-Ledger/internal/api"
	"Intent-Ledger/internal/eventlog"
	"Intent-Ledger/internal/executor"
	"Intent-Ledger/internal/intent"
	"Intent-Ledger/internal/ledger"
	"Intent-Ledger/internal/proofs"
	"Intent-Ledger/internal/settlement"
	"Intent-Ledger/sdk/go/intentledger"
)

var (
	chainID  = big.NewInt(31337)
	admin    = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	execID   = common.HexToAddress("0xe8ec000000000000000000000000000000000001")
	user     = common.HexToAddress("0xb0b0000000000000000000000000000000000001")
	receiver = common.HexToAddress("0xd0d0000000000000000000000000000000000001")
)

// main 在进程内启动一个使用内存组件的 intentd，并用 SDK 走完一次意图的完整生命周期。
func main() {
	server, err := newInProcessServer()
	if err != nil {
		panic(err)
	}
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	client, err := intentledger.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	client.SetCaller(admin)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	grants := []struct {
		component, role string
		account         common.Address
	}{
		{"ledger", "BRIDGE", admin},
		{"ledger", "EXECUTOR", execID},
		{"registry", "CREATOR", admin},
		{"registry", "EXECUTOR", execID},
		{"executor", "EXECUTOR", admin},
		{"receiver", "RELAYER", admin},
	}
	for _, g := range grants {
		if err := client.GrantRole(ctx, g.component, g.role, g.account); err != nil {
			panic(err)
		}
	}

	ref := crypto.Keccak256Hash([]byte("deposit-1"))
	if _, err := client.Mint(ctx, intentledger.Mint{Account: user, Amount: big.NewInt(100), SourceRef: ref}); err != nil {
		panic(err)
	}

	in, err := client.CreateIntent(ctx, intentledger.IntentParams{
		User:         user,
		DestDomainID: 2,
		DestAddress:  user,
		Amount:       big.NewInt(40),
		SourceRef:    ref,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("created intent %d (status=%s)\n", in.ID, in.Status)

	rec, err := client.Execute(ctx, in.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("executed intent %d, executor seq=%d\n", rec.IntentID, rec.Seq)

	if _, err := client.Settle(ctx, intentledger.Settlement{IntentID: in.ID, User: user, Amount: big.NewInt(40), SourceRef: ref}); err != nil {
		panic(err)
	}
	if in, err = client.UpdateStatus(ctx, in.ID, "Settled", false); err != nil {
		panic(err)
	}

	acct, err := client.Account(ctx, user)
	if err != nil {
		panic(err)
	}
	settled, err := client.IsSettled(ctx, in.ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("intent %d status=%s settled=%t balance=%s\n", in.ID, in.Status, settled, acct.Balance)
}

func newInProcessServer() (*api.Server, error) {
	admins := []common.Address{admin}
	l, err := ledger.New(proofs.Domain{ChainID: chainID, Contract: common.HexToAddress("0x1001")}, admins)
	if err != nil {
		return nil, err
	}
	r, err := intent.NewRegistry(proofs.Domain{ChainID: chainID, Contract: common.HexToAddress("0x1002")}, admins)
	if err != nil {
		return nil, err
	}
	e, err := executor.New(execID, admins, l, r)
	if err != nil {
		return nil, err
	}
	rcv, err := settlement.NewReceiver(receiver, admins, settlement.NewMemorySettledSet(), settlement.NewMemoryPool(big.NewInt(1_000)))
	if err != nil {
		return nil, err
	}
	return api.NewServer(":0", api.Dependencies{
		Ledger:   l,
		Registry: r,
		Executor: e,
		Receiver: rcv,
		Roles: map[eventlog.Component]api.RoleManager{
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
	})
}
