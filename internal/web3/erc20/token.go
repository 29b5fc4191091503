// Package erc20 wraps the ERC-20 calls the daemon needs and runs the
// allowance approval state machine.
package erc20

import (
	"context"
	"fmt"
	"math/big"

	"ABIAgent-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Token is the slice of ERC-20 used by the approval flow.
type Token interface {
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, spender common.Address, amount *big.Int, gasLimit uint64) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Waiter blocks until a transaction is mined.
type Waiter interface {
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// BoundToken talks to a deployed ERC-20 contract through go-ethereum bindings.
type BoundToken struct {
	address  common.Address
	contract *bind.BoundContract
	signer   *bind.TransactOpts
	waiter   Waiter
}

// NewBoundToken binds address with the embedded ERC-20 ABI. signer may be nil
// for read-only use.
func NewBoundToken(address common.Address, backend bind.ContractBackend, signer *bind.TransactOpts, waiter Waiter) *BoundToken {
	contract := bind.NewBoundContract(address, web3.ERC20ABI(), backend, backend, backend)
	return &BoundToken{address: address, contract: contract, signer: signer, waiter: waiter}
}

// Address returns the token contract address.
func (t *BoundToken) Address() common.Address { return t.address }

func (t *BoundToken) callUint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	var out []any
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...); err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(out))
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s returned %T", method, out[0])
	}
	return n, nil
}

// BalanceOf returns owner's raw token balance.
func (t *BoundToken) BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error) {
	return t.callUint(ctx, "balanceOf", owner)
}

// Allowance returns what spender may still move on behalf of owner.
func (t *BoundToken) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return t.callUint(ctx, "allowance", owner, spender)
}

// Decimals reads the token's decimals.
func (t *BoundToken) Decimals(ctx context.Context) (uint8, error) {
	var out []any
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, err
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("decimals returned %d values", len(out))
	}
	d, ok := out[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("decimals returned %T", out[0])
	}
	return d, nil
}

// Approve submits approve(spender, amount) with an explicit gas ceiling.
func (t *BoundToken) Approve(ctx context.Context, spender common.Address, amount *big.Int, gasLimit uint64) (*types.Transaction, error) {
	if t.signer == nil {
		return nil, fmt.Errorf("token %s has no signer", t.address.Hex())
	}
	opts := *t.signer
	opts.Context = ctx
	opts.GasLimit = gasLimit
	opts.Value = nil
	return t.contract.Transact(&opts, "approve", spender, amount)
}

// WaitMined delegates to the session's waiter.
func (t *BoundToken) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if t.waiter == nil {
		return nil, fmt.Errorf("token %s has no waiter", t.address.Hex())
	}
	return t.waiter.WaitMined(ctx, tx)
}
