package session

import (
	"context"
	"errors"
	"math/big"

	"ABIAgent-Chain/internal/web3/invoke"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/core/types"
)

// readOnly exposes the presale binding without a signer so view helpers work
// before any wallet is connected.
type readOnly struct {
	presale *invoke.Binding
}

func (r readOnly) Resolve(string) (*invoke.Binding, error) { return r.presale, nil }
func (r readOnly) Signer() *bind.TransactOpts             { return nil }
func (r readOnly) WaitMined(context.Context, *types.Transaction) (*types.Receipt, error) {
	return nil, errors.New("read-only session cannot wait for transactions")
}

func parseBig(s string) (*big.Int, bool) {
	return new(big.Int).SetString(s, 10)
}
