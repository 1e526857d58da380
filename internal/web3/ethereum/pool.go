package ethereum

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"sync"
	"time"

	goethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "Intent-Ledger/internal/errors"
	"Intent-Ledger/internal/settlement"
	"Intent-Ledger/internal/web3"
	"Intent-Ledger/pkg/logger"
)

const (
	transferGas = 21_000
	// lookupTimeout bounds the post-broadcast lookup, which runs even when the
	// caller's context has already expired.
	lookupTimeout = 10 * time.Second
)

// Pool pays settlements as native-value transfers from a pre-funded key.
type Pool struct {
	backend  web3.Backend
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	gasLimit uint64
	logger   *slog.Logger

	mu sync.Mutex
}

// PoolOption customises a Pool.
type PoolOption func(*Pool)

// WithGasLimit overrides the per-transfer gas limit.
func WithGasLimit(limit uint64) PoolOption {
	return func(p *Pool) {
		if limit >= transferGas {
			p.gasLimit = limit
		}
	}
}

// WithPoolLogger 指定日志输出。
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPool builds a payout pool signing with key on backend's chain.
func NewPool(ctx context.Context, backend web3.Backend, key *ecdsa.PrivateKey, opts ...PoolOption) (*Pool, error) {
	if backend == nil {
		return nil, errors.New("资金池缺少链访问后端")
	}
	if key == nil {
		return nil, errors.New("资金池私钥为空")
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	p := &Pool{
		backend:  backend,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		gasLimit: transferGas,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("payout_pool")
	}
	return p, nil
}

// Address returns the pool's funding address.
func (p *Pool) Address() common.Address { return p.from }

// Balance returns the pool's latest on-chain balance.
func (p *Pool) Balance(ctx context.Context) (*big.Int, error) {
	bal, err := p.backend.BalanceAt(ctx, p.from, nil)
	if err != nil {
		return nil, fmt.Errorf("查询资金池余额失败: %w", err)
	}
	return bal, nil
}

// Transfer implements settlement.Pool. It signs and broadcasts a dynamic fee
// transaction and returns its hash without waiting for inclusion.
//
// A broadcast error does not prove the node rejected the transaction, so the
// pool looks the hash up before reporting failure. A pending or successfully
// mined transaction counts as paid. An unknown one is a retryable failure: the
// retry re-reads the same pending nonce, so at most one of the two can be
// included. If the lookup fails as well the payout is reported as ambiguous.
func (p *Pool) Transfer(ctx context.Context, intentID uint64, to common.Address, amount *big.Int) (common.Hash, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	nonce, err := p.backend.PendingNonceAt(ctx, p.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询资金池 nonce 失败: %w", err)
	}
	tip, err := p.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取小费建议失败: %w", err)
	}
	head, err := p.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("获取最新区块头失败: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	cost := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(p.gasLimit))
	cost.Add(cost, amount)
	balance, err := p.backend.BalanceAt(ctx, p.from, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("查询资金池余额失败: %w", err)
	}
	if balance.Cmp(cost) < 0 {
		return common.Hash{}, xerrors.Derive(settlement.ErrPoolExhausted,
			xerrors.WithMetadata("balance", balance.String()),
			xerrors.WithMetadata("required", cost.String()),
			xerrors.WithMetadata("intent_id", strconv.FormatUint(intentID, 10)),
		)
	}

	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   p.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       p.gasLimit,
		To:        &to,
		Value:     new(big.Int).Set(amount),
	})
	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(p.chainID), p.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("签名支付交易失败: %w", err)
	}
	if sendErr := p.backend.SendTransaction(ctx, signed); sendErr != nil {
		known, lookupErr := p.broadcasted(ctx, signed.Hash())
		switch {
		case lookupErr != nil:
			return common.Hash{}, xerrors.Wrap(settlement.CodePayoutAmbiguous, errors.Join(sendErr, lookupErr), "",
				xerrors.WithMetadata("intent_id", strconv.FormatUint(intentID, 10)),
				xerrors.WithMetadata("tx_hash", signed.Hash().Hex()),
				xerrors.WithMetadata("nonce", strconv.FormatUint(nonce, 10)),
			)
		case !known:
			return common.Hash{}, fmt.Errorf("广播支付交易失败: %w", sendErr)
		}
		p.logger.Warn("广播返回错误，但节点已收到支付交易",
			slog.Uint64("intent_id", intentID),
			slog.String("tx_hash", signed.Hash().Hex()),
			slog.Any("error", sendErr),
		)
	}
	p.logger.Info("已广播结算支付",
		slog.Uint64("intent_id", intentID),
		slog.String("to", to.Hex()),
		slog.String("amount", amount.String()),
		slog.String("tx_hash", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce),
	)
	return signed.Hash(), nil
}

// broadcasted reports whether the node holds hash as a pending or successful
// transaction. A nil error with false means the node has never seen it or
// mined it with a failed status; either way nothing was paid.
func (p *Pool) broadcasted(ctx context.Context, hash common.Hash) (bool, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()

	_, pending, err := p.backend.TransactionByHash(ctx, hash)
	if errors.Is(err, goethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("查询支付交易失败: %w", err)
	}
	if pending {
		return true, nil
	}
	receipt, err := p.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("查询支付回执失败: %w", err)
	}
	return receipt.Status == coretypes.ReceiptStatusSuccessful, nil
}

var _ settlement.Pool = (*Pool)(nil)
