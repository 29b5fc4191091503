package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Notes       string `json:"notes,omitempty"`
}

// Backend is everything the contract layer needs from a node: calls,
// transactions, log filtering and receipts.
type Backend interface {
	bind.ContractBackend
	bind.DeployBackend
}

// Client defines the chain access every implementation must provide.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Backend() Backend
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	Close()
}
