package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"Intent-Ledger/internal/web3"
)

// Client is a dialled EVM endpoint together with its verified chain id.
type Client struct {
	*ethclient.Client
	name    string
	chainID *big.Int
}

// Dial connects to def.RPCURL and checks that the node serves def.ChainID.
func Dial(ctx context.Context, name string, def web3.ChainDefinition) (*Client, error) {
	rpcURL := strings.TrimSpace(def.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	if def.ChainID != 0 && chainID.Uint64() != def.ChainID {
		eth.Close()
		return nil, fmt.Errorf("链 %s 的节点返回链 ID %s，与配置 %d 不一致", name, chainID, def.ChainID)
	}
	return &Client{Client: eth, name: name, chainID: chainID}, nil
}

// Name returns the chain name from chains.yaml.
func (c *Client) Name() string { return c.name }

// ChainIDValue returns the chain id verified at dial time.
func (c *Client) ChainIDValue() *big.Int { return new(big.Int).Set(c.chainID) }

var _ web3.Backend = (*Client)(nil)
