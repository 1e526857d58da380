package settlement

import (
	"context"
	stdErrors "errors"
	"math/big"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"Intent-Ledger/internal/access"
	xerrors "Intent-Ledger/internal/errors"
	"Intent-Ledger/internal/eventlog"
	"Intent-Ledger/internal/observability/alerting"
)

var (
	admin    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	relayer  = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	contract = common.HexToAddress("0x000000000000000000000000000000000000d0d0")
	user     = common.HexToAddress("0x0000000000000000000000000000000000005555")
)

func newTestReceiver(t *testing.T, set SettledSet, pool Pool) *Receiver {
	t.Helper()
	r, err := NewReceiver(contract, []common.Address{admin}, set, pool)
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	if err := r.GrantRole(admin, access.RoleRelayer, relayer); err != nil {
		t.Fatalf("grant relayer: %v", err)
	}
	return r
}

func payload(id uint64, amount int64) Payload {
	return Payload{IntentID: id, User: user, Amount: big.NewInt(amount), SourceRef: common.HexToHash("0xabc")}
}

func TestSettleIsIdempotent(t *testing.T) {
	pool := NewMemoryPool(big.NewInt(1000))
	r := newTestReceiver(t, NewMemorySettledSet(), pool)
	ctx := context.Background()

	if _, err := r.Settle(ctx, admin, payload(1, 40)); !stdErrors.Is(err, access.ErrMissingRole) {
		t.Fatalf("settle requires relayer, got %v", err)
	}
	rec, err := r.Settle(ctx, relayer, payload(1, 40))
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if rec.Kind != eventlog.KindSettled || rec.TxHash == (common.Hash{}) || rec.IntentID != 1 {
		t.Fatalf("unexpected record %+v", rec)
	}
	if settled, _ := r.IsSettled(ctx, 1); !settled {
		t.Fatalf("intent 1 should be settled")
	}

	_, err = r.Settle(ctx, relayer, payload(1, 40))
	if !stdErrors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected already settled, got %v", err)
	}
	if xerrors.RetryableError(err) {
		t.Fatalf("already settled must be terminal")
	}
	if pool.PaidTo(user).Int64() != 40 || pool.Balance().Int64() != 960 {
		t.Fatalf("payout happened more than once: paid=%s balance=%s", pool.PaidTo(user), pool.Balance())
	}
}

func TestSettleValidatesPayload(t *testing.T) {
	r := newTestReceiver(t, NewMemorySettledSet(), NewMemoryPool(big.NewInt(10)))
	ctx := context.Background()
	bad := payload(1, 1)
	bad.User = common.Address{}
	if _, err := r.Settle(ctx, relayer, bad); !stdErrors.Is(err, xerrors.ErrZeroIdentity) {
		t.Fatalf("expected zero identity, got %v", err)
	}
	if _, err := r.Settle(ctx, relayer, payload(1, 0)); !stdErrors.Is(err, xerrors.ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if settled, _ := r.IsSettled(ctx, 1); settled {
		t.Fatalf("rejected payload must not mark the intent")
	}
}

func TestSettleRollsBackWhenPayoutFails(t *testing.T) {
	pool := NewMemoryPool(big.NewInt(30))
	r := newTestReceiver(t, NewMemorySettledSet(), pool)
	ctx := context.Background()

	_, err := r.Settle(ctx, relayer, payload(7, 40))
	if !stdErrors.Is(err, ErrPoolExhausted) {
		t.Fatalf("expected pool exhausted, got %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("pool exhaustion should be retryable")
	}
	if settled, _ := r.IsSettled(ctx, 7); settled {
		t.Fatalf("failed payout must remove the settled mark")
	}

	pool.Fund(big.NewInt(10))
	if _, err := r.Settle(ctx, relayer, payload(7, 40)); err != nil {
		t.Fatalf("retry after funding: %v", err)
	}
	if pool.Balance().Sign() != 0 {
		t.Fatalf("pool balance = %s", pool.Balance())
	}
}

type failingPool struct{}

func (failingPool) Transfer(context.Context, uint64, common.Address, *big.Int) (common.Hash, error) {
	return common.Hash{}, stdErrors.New("rpc unreachable")
}

func TestSettleWrapsTransportFailures(t *testing.T) {
	r := newTestReceiver(t, NewMemorySettledSet(), failingPool{})
	_, err := r.Settle(context.Background(), relayer, payload(3, 5))
	if !stdErrors.Is(err, ErrPayoutFailed) {
		t.Fatalf("expected payout failure, got %v", err)
	}
	if xerrors.CategoryOf(err) != xerrors.CategoryInfrastructure {
		t.Fatalf("unexpected category %s", xerrors.CategoryOf(err))
	}
}

func TestConcurrentSettlePaysOnce(t *testing.T) {
	pool := NewMemoryPool(big.NewInt(1000))
	r := newTestReceiver(t, NewMemorySettledSet(), pool)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Settle(context.Background(), relayer, payload(11, 25)); err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 || pool.PaidTo(user).Int64() != 25 {
		t.Fatalf("expected a single payout, got %d successes and %s paid", ok.Load(), pool.PaidTo(user))
	}
}

func TestRedisSettledSet(t *testing.T) {
	addr := os.Getenv("INTENT_LEDGER_TEST_REDIS")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()
	prefix := "intent-ledger-test:" + t.Name() + ":"
	set := NewRedisSettledSetWithClient(client, prefix)
	t.Cleanup(func() { _ = client.Del(context.Background(), prefix+"42").Err() })

	claimed, err := set.Claim(ctx, 42)
	if err != nil || !claimed {
		t.Fatalf("first claim: %v %v", claimed, err)
	}
	claimed, err = set.Claim(ctx, 42)
	if err != nil || claimed {
		t.Fatalf("second claim should report existing: %v %v", claimed, err)
	}
	if state, _ := set.State(ctx, 42); state != MarkInFlight {
		t.Fatalf("claimed id should be in flight, got %s", state)
	}
	if err := set.Confirm(ctx, 42); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if state, _ := set.State(ctx, 42); state != MarkSettled {
		t.Fatalf("confirmed id should be settled, got %s", state)
	}
	if err := set.Remove(ctx, 42); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if state, _ := set.State(ctx, 42); state != MarkNone {
		t.Fatalf("id still present after remove: %s", state)
	}
}

func TestSettleOverRedisSettledSet(t *testing.T) {
	mr := miniredis.RunT(t)
	set, err := NewRedisSettledSet(RedisSettledSetConfig{Address: mr.Addr()})
	if err != nil {
		t.Fatalf("redis settled set: %v", err)
	}
	t.Cleanup(func() { _ = set.Close() })

	pool := NewMemoryPool(big.NewInt(100))
	r := newTestReceiver(t, set, pool)
	ctx := context.Background()

	if _, err := r.Settle(ctx, relayer, payload(9, 30)); err != nil {
		t.Fatalf("settle: %v", err)
	}
	if !mr.Exists("intent-ledger:settled:9") {
		t.Fatalf("settled marker missing, keys=%v", mr.Keys())
	}

	// 第二个接收端共享同一 Redis，不得重复支付。
	other := newTestReceiver(t, NewRedisSettledSetWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), ""), pool)
	if _, err := other.Settle(ctx, relayer, payload(9, 30)); !stdErrors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected already settled across replicas, got %v", err)
	}
	if pool.Balance().Int64() != 70 {
		t.Fatalf("unexpected pool balance %s", pool.Balance())
	}
}

func TestNewRedisSettledSetRequiresAddress(t *testing.T) {
	if _, err := NewRedisSettledSet(RedisSettledSetConfig{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

// slowPool blocks inside Transfer until release is closed.
type slowPool struct {
	Pool
	entered chan struct{}
	release chan struct{}
}

func (p slowPool) Transfer(ctx context.Context, intentID uint64, to common.Address, amount *big.Int) (common.Hash, error) {
	close(p.entered)
	<-p.release
	return p.Pool.Transfer(ctx, intentID, to, amount)
}

func TestSettleReportsInFlightClaimAsRetryable(t *testing.T) {
	set := NewMemorySettledSet()
	pool := NewMemoryPool(big.NewInt(100))
	slow := slowPool{Pool: pool, entered: make(chan struct{}), release: make(chan struct{})}
	first := newTestReceiver(t, set, slow)
	second := newTestReceiver(t, set, pool)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := first.Settle(ctx, relayer, payload(3, 25))
		done <- err
	}()
	<-slow.entered

	_, err := second.Settle(ctx, relayer, payload(3, 25))
	if !stdErrors.Is(err, ErrInFlight) || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable in-flight error, got %v", err)
	}
	if settled, _ := second.IsSettled(ctx, 3); settled {
		t.Fatalf("an unconfirmed payout must not report settled")
	}

	close(slow.release)
	if err := <-done; err != nil {
		t.Fatalf("first settle: %v", err)
	}
	if _, err := second.Settle(ctx, relayer, payload(3, 25)); !stdErrors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected already settled after confirmation, got %v", err)
	}
	if pool.PaidTo(user).Int64() != 25 {
		t.Fatalf("paid %s, want 25", pool.PaidTo(user))
	}
}

type captureAlerts struct{ events []alerting.Event }

func (c *captureAlerts) Notify(_ context.Context, ev alerting.Event) error {
	c.events = append(c.events, ev)
	return nil
}

type ambiguousPool struct{}

func (ambiguousPool) Transfer(context.Context, uint64, common.Address, *big.Int) (common.Hash, error) {
	return common.Hash{}, xerrors.Wrap(CodePayoutAmbiguous, stdErrors.New("rpc timeout"), "")
}

func TestSettleKeepsClaimOnAmbiguousPayout(t *testing.T) {
	set := NewMemorySettledSet()
	alerts := &captureAlerts{}
	r, err := NewReceiver(contract, []common.Address{admin}, set, ambiguousPool{}, WithAlertDispatcher(alerts))
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	if err := r.GrantRole(admin, access.RoleRelayer, relayer); err != nil {
		t.Fatalf("grant relayer: %v", err)
	}
	ctx := context.Background()

	_, err = r.Settle(ctx, relayer, payload(5, 10))
	if !stdErrors.Is(err, ErrPayoutAmbiguous) || xerrors.RetryableError(err) {
		t.Fatalf("expected terminal ambiguous payout, got %v", err)
	}
	if state, _ := set.State(ctx, 5); state != MarkInFlight {
		t.Fatalf("claim must be kept, got %s", state)
	}
	if len(alerts.events) != 1 || alerts.events[0].Code != CodePayoutAmbiguous {
		t.Fatalf("expected one ambiguous payout alert, got %+v", alerts.events)
	}
}
