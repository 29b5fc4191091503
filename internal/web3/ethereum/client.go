package ethereum

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"ABIAgent-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name    string
	RPCURL  string
	ChainID int64
	Notes   string
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	sim       *backends.SimulatedBackend
	backend   web3.Backend

	mu      sync.Mutex
	chainID *big.Int
}

// NewClient dials the configured RPC endpoint. When cfg.ChainID is set the
// node is checked to serve that chain.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	c := &Client{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       eth,
		backend:   eth,
	}
	if cfg.ChainID > 0 {
		remote, err := eth.ChainID(ctx)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		if remote.Int64() != cfg.ChainID {
			c.Close()
			return nil, fmt.Errorf("链 %s 的 ID 不匹配: 期望 %d, 实际 %s", cfg.Name, cfg.ChainID, remote)
		}
		c.chainID = remote
	}
	return c, nil
}

// NewSimulatedClient wraps a go-ethereum simulated backend for tests and
// local development. Transactions are mined by WaitMined.
func NewSimulatedClient(name string, chainID *big.Int, backend *backends.SimulatedBackend) *Client {
	return &Client{
		name:    name,
		sim:     backend,
		backend: backend,
		chainID: new(big.Int).Set(chainID),
		notes:   "simulated backend",
	}
}

// Name returns the chain name the client was registered under.
func (c *Client) Name() string { return c.name }

// Backend exposes the node for contract bindings.
func (c *Client) Backend() web3.Backend { return c.backend }

// ChainID returns the chain id, querying the node once.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c == nil {
		return nil, errors.New("未初始化的以太坊客户端")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chainID != nil {
		return new(big.Int).Set(c.chainID), nil
	}
	if c.eth == nil {
		return nil, errors.New("未配置链 ID")
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.chainID = id
	return new(big.Int).Set(id), nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
	if c.sim != nil {
		_ = c.sim.Backend.Close()
		c.sim = nil
	}
}

// FetchChainSnapshot gathers lightweight metadata from the chain.
func (c *Client) FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error) {
	if c == nil || c.backend == nil {
		return web3.ChainSnapshot{}, errors.New("未初始化的以太坊客户端")
	}
	id, err := c.ChainID(ctx)
	if err != nil {
		return web3.ChainSnapshot{}, err
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return web3.ChainSnapshot{}, fmt.Errorf("获取最新区块高度失败: %w", err)
	}
	return web3.ChainSnapshot{
		Name:        c.name,
		ChainID:     toHexBig(id),
		BlockNumber: toHexBig(head.Number),
		Notes:       c.notes,
	}, nil
}

// NativeBalance returns the account's ETH balance in wei.
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	reader, ok := c.backend.(interface {
		BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error)
	})
	if !ok {
		return nil, errors.New("当前客户端不支持余额查询")
	}
	balance, err := reader.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("查询余额失败: %w", err)
	}
	return balance, nil
}

// WaitMined blocks until tx has a receipt or ctx ends. On the simulated
// backend it commits blocks while waiting.
func (c *Client) WaitMined(ctx context.Context, tx *coretypes.Transaction) (*coretypes.Receipt, error) {
	if tx == nil {
		return nil, errors.New("交易为空")
	}
	if c.sim == nil {
		receipt, err := bind.WaitMined(ctx, c.backend, tx)
		if err != nil {
			return nil, fmt.Errorf("等待交易 %s 上链失败: %w", tx.Hash().Hex(), err)
		}
		return receipt, nil
	}

	c.sim.Commit()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		receipt, err := c.sim.TransactionReceipt(ctx, tx.Hash())
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			c.sim.Commit()
		}
	}
}

// DeployContract sends the contract creation transaction using the provided
// transact opts and bytecode.
func (c *Client) DeployContract(ctx context.Context, auth *bind.TransactOpts, abiJSON string, bytecode []byte, params ...any) (common.Address, *coretypes.Transaction, error) {
	if auth == nil {
		return common.Address{}, nil, errors.New("未提供交易签名器")
	}
	if len(bytecode) == 0 {
		return common.Address{}, nil, errors.New("合约字节码不能为空")
	}
	parsedABI, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("解析 ABI 失败: %w", err)
	}

	opts := *auth
	opts.Context = ctx
	address, tx, _, err := bind.DeployContract(&opts, parsedABI, bytecode, c.backend, params...)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("部署合约失败: %w", err)
	}
	if c.sim != nil {
		c.sim.Commit()
	}
	return address, tx, nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
