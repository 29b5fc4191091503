// Package session owns the process-wide contract session: the connected
// account, its signer and the contract bindings dispatched through it.
package session

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "ABIAgent-Chain/internal/errors"
	"ABIAgent-Chain/internal/web3"
	"ABIAgent-Chain/internal/web3/erc20"
	"ABIAgent-Chain/internal/web3/invoke"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Config holds the fixed contract addresses.
type Config struct {
	PresaleAddress common.Address
	TokenAddress   common.Address
	TokenDecimals  int
	ReceiptTimeout time.Duration
}

// Session is immutable once built except for the set of bound contracts.
// A reconnect replaces the whole Session.
type Session struct {
	account     common.Address
	wallet      string
	client      web3.Client
	signer      *bind.TransactOpts
	presale     *invoke.Binding
	cfg         Config
	connectedAt time.Time

	mu        sync.RWMutex
	contracts map[common.Address]*invoke.Binding
}

// Account is the connected address.
func (s *Session) Account() common.Address { return s.account }

// Wallet names the provider that granted the signer.
func (s *Session) Wallet() string { return s.wallet }

// ConnectedAt reports when the session was built.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Signer returns the transactor template. Callers copy it before editing.
func (s *Session) Signer() *bind.TransactOpts { return s.signer }

// Presale returns the binding of the fixed presale contract.
func (s *Session) Presale() *invoke.Binding { return s.presale }

// Resolve maps a contract address to its binding. Empty means the presale.
func (s *Session) Resolve(contract string) (*invoke.Binding, error) {
	contract = strings.TrimSpace(contract)
	if contract == "" {
		return s.presale, nil
	}
	if !common.IsHexAddress(contract) {
		return nil, xerrors.New(xerrors.CodeInvalidAddress, fmt.Sprintf("%q is not a contract address", contract))
	}
	addr := common.HexToAddress(contract)
	if addr == s.presale.Address {
		return s.presale, nil
	}
	s.mu.RLock()
	b, ok := s.contracts[addr]
	s.mu.RUnlock()
	if !ok {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("contract %s is not bound to this session", addr.Hex()))
	}
	return b, nil
}

// BindContract adds an agent contract with its own dispatch table. Binding
// the same address again keeps the first table.
func (s *Session) BindContract(address, abiJSON string) (*invoke.Binding, error) {
	if !common.IsHexAddress(strings.TrimSpace(address)) {
		return nil, xerrors.New(xerrors.CodeInvalidAddress, fmt.Sprintf("%q is not a contract address", address))
	}
	addr := common.HexToAddress(strings.TrimSpace(address))
	if addr == s.presale.Address {
		return s.presale, nil
	}
	s.mu.RLock()
	b, ok := s.contracts[addr]
	s.mu.RUnlock()
	if ok {
		return b, nil
	}
	parsed, err := web3.ParseABI(abiJSON)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "agent abi")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.contracts[addr]; ok {
		return b, nil
	}
	b = invoke.NewBinding(addr, parsed, s.client.Backend())
	s.contracts[addr] = b
	return b, nil
}

// WaitMined waits for tx within the configured receipt timeout.
func (s *Session) WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	if s.cfg.ReceiptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
		defer cancel()
	}
	return s.client.WaitMined(ctx, tx)
}

// Token returns the configured ERC-20 bound to this session's signer.
func (s *Session) Token() (*erc20.BoundToken, error) {
	if s.cfg.TokenAddress == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeNotReady, "no token address configured")
	}
	return erc20.NewBoundToken(s.cfg.TokenAddress, s.client.Backend(), s.signer, s), nil
}

// NativeBalance returns the connected account's ETH balance.
func (s *Session) NativeBalance(ctx context.Context) (*big.Int, error) {
	return s.client.NativeBalance(ctx, s.account)
}
