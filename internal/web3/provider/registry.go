package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"Intent-Ledger/internal/web3"
	"Intent-Ledger/internal/web3/ethereum"
)

// Dialer opens a backend for one chain definition.
type Dialer func(ctx context.Context, name string, def web3.ChainDefinition) (web3.Backend, error)

// DialEVM is the default Dialer for chains of type evm.
func DialEVM(ctx context.Context, name string, def web3.ChainDefinition) (web3.Backend, error) {
	return ethereum.Dial(ctx, name, def)
}

// Registry manages chain backends keyed by the names used in chains.yaml.
type Registry struct {
	defs     web3.ChainDefinitions
	backends map[string]web3.Backend
}

// NewRegistry dials every chain in defs. A nil dialer selects DialEVM.
func NewRegistry(ctx context.Context, defs web3.ChainDefinitions, dial Dialer) (*Registry, error) {
	if dial == nil {
		dial = DialEVM
	}
	backends := make(map[string]web3.Backend, len(defs.Chains))
	for name, chain := range defs.Chains {
		switch strings.ToLower(strings.TrimSpace(chain.Type)) {
		case "", "evm":
			backend, err := dial(ctx, name, chain)
			if err != nil {
				closeAll(backends)
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			backends[name] = backend
		default:
			closeAll(backends)
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
	}
	if len(backends) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}
	return &Registry{defs: defs, backends: backends}, nil
}

// Backend returns the backend identified by name.
func (r *Registry) Backend(name string) (web3.Backend, bool) {
	if r == nil {
		return nil, false
	}
	backend, ok := r.backends[name]
	return backend, ok
}

// ForDomain returns the backend serving destination domain id.
func (r *Registry) ForDomain(domainID uint64) (web3.Backend, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	name, _, ok := r.defs.ByDomain(domainID)
	if !ok {
		return nil, fmt.Errorf("目标域 %d 未在链配置中找到", domainID)
	}
	return r.backends[name], nil
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all backends that hold connections.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.backends)
	r.backends = map[string]web3.Backend{}
}

func closeAll(backends map[string]web3.Backend) {
	for _, backend := range backends {
		if c, ok := backend.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
