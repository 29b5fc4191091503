package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"ABIAgent-Chain/internal/config"
	"ABIAgent-Chain/internal/web3"
	"ABIAgent-Chain/internal/web3/ethereum"
)

// Chain pairs a connected client with the explorer used for tx links.
type Chain struct {
	Name          string
	Client        web3.Client
	ExplorerTxURL string
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	chains       map[string]Chain
}

// Dialer opens a client for a chain definition. Tests replace it.
type Dialer func(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error)

// DialEVM is the default Dialer.
func DialEVM(ctx context.Context, name string, def web3.ChainDefinition) (web3.Client, error) {
	return ethereum.NewClient(ctx, ethereum.Config{
		Name:    name,
		RPCURL:  def.RPCURL,
		ChainID: def.ChainID,
		Notes:   def.Description,
	})
}

// NewRegistry loads chain definitions and instantiates concrete clients.
// A bare web3.rpc_url is registered as chain "default".
func NewRegistry(ctx context.Context, cfg config.Web3Config, dial Dialer) (*Registry, error) {
	if dial == nil {
		dial = DialEVM
	}
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["default"] = web3.ChainDefinition{
			Type:          "evm",
			RPCURL:        cfg.RPCURL,
			ChainID:       cfg.ChainID,
			ExplorerTxURL: cfg.ExplorerTxURL,
		}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}
	if len(defs.Chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	reg := &Registry{chains: make(map[string]Chain, len(defs.Chains))}
	for name, def := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType != "" && chainType != "evm" {
			reg.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		client, err := dial(ctx, name, def)
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		explorer := def.ExplorerTxURL
		if explorer == "" {
			explorer = cfg.ExplorerTxURL
		}
		reg.chains[name] = Chain{Name: name, Client: client, ExplorerTxURL: explorer}
	}

	defaultChain := cfg.DefaultChain
	if defaultChain == "" {
		defaultChain = reg.Chains()[0]
	}
	if _, ok := reg.chains[defaultChain]; !ok {
		reg.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	reg.defaultChain = defaultChain
	return reg, nil
}

// NewStaticRegistry wraps an already connected client, used with the
// simulated backend.
func NewStaticRegistry(chain Chain) *Registry {
	return &Registry{defaultChain: chain.Name, chains: map[string]Chain{chain.Name: chain}}
}

// Default returns the chain configured as default.
func (r *Registry) Default() (Chain, error) {
	if r == nil {
		return Chain{}, errors.New("未初始化的链客户端注册表")
	}
	chain, ok := r.chains[r.defaultChain]
	if !ok {
		return Chain{}, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return chain, nil
}

// Chain returns the chain identified by name.
func (r *Registry) Chain(name string) (Chain, bool) {
	if r == nil {
		return Chain{}, false
	}
	chain, ok := r.chains[name]
	return chain, ok
}

// Snapshots collects chain metadata for health reporting. Unreachable
// chains are reported with their error in Notes.
func (r *Registry) Snapshots(ctx context.Context) []web3.ChainSnapshot {
	if r == nil {
		return nil
	}
	names := r.Chains()
	out := make([]web3.ChainSnapshot, 0, len(names))
	for _, name := range names {
		snap, err := r.chains[name].Client.FetchChainSnapshot(ctx)
		if err != nil {
			snap = web3.ChainSnapshot{Name: name, Notes: err.Error()}
		}
		out = append(out, snap)
	}
	return out
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, chain := range r.chains {
		if chain.Client != nil {
			chain.Client.Close()
		}
		delete(r.chains, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
