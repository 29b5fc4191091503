package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	xerrors "ABIAgent-Chain/internal/errors"
	"ABIAgent-Chain/internal/web3"
	"ABIAgent-Chain/internal/web3/invoke"
	"ABIAgent-Chain/internal/web3/wallet"
	"ABIAgent-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
)

// Manager holds the current Session behind an atomic pointer.
type Manager struct {
	client   web3.Client
	provider wallet.Provider
	cfg      Config
	presale  *invoke.Binding
	log      *slog.Logger

	connectMu sync.Mutex
	current   atomic.Pointer[Session]
}

// NewManager builds a manager. provider may be nil, in which case every
// connect attempt reports WALLET_UNAVAILABLE and the handle stays nil.
func NewManager(client web3.Client, provider wallet.Provider, cfg Config) *Manager {
	return &Manager{
		client:   client,
		provider: provider,
		cfg:      cfg,
		presale:  invoke.NewBinding(cfg.PresaleAddress, web3.PresaleABI(), client.Backend()),
		log:      logger.Named("session"),
	}
}

// Current returns the live session or nil.
func (m *Manager) Current() *Session { return m.current.Load() }

// Handle returns the live session as an invoke.Handle, or a nil interface
// when nothing is connected.
func (m *Manager) Handle() invoke.Handle {
	if s := m.current.Load(); s != nil {
		return s
	}
	return nil
}

// Accounts lists what the wallet provider can sign for.
func (m *Manager) Accounts() []common.Address {
	if m.provider == nil {
		return nil
	}
	return m.provider.Accounts()
}

// WalletName reports the provider in use, or "" if none.
func (m *Manager) WalletName() string {
	if m.provider == nil {
		return ""
	}
	return m.provider.Name()
}

// ParseAccount validates a user supplied address.
func ParseAccount(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidAddress, "")
	}
	return common.HexToAddress(raw), nil
}

// Ensure returns a session for account, reconnecting when the connected
// address differs. The zero address selects the provider's first account.
func (m *Manager) Ensure(ctx context.Context, account common.Address) (*Session, error) {
	if s := m.current.Load(); s != nil && (account == (common.Address{}) || s.account == account) {
		return s, nil
	}
	return m.Connect(ctx, account)
}

// Connect builds a fresh session for account and swaps it in.
func (m *Manager) Connect(ctx context.Context, account common.Address) (*Session, error) {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if s := m.current.Load(); s != nil && account != (common.Address{}) && s.account == account {
		return s, nil
	}
	if m.provider == nil {
		m.log.Warn("No wallet available. Configure injected keys or a keystore to sign transactions.")
		return nil, xerrors.New(xerrors.CodeWalletUnavailable, "")
	}
	if account == (common.Address{}) {
		accounts := m.provider.Accounts()
		if len(accounts) == 0 {
			return nil, xerrors.New(xerrors.CodeWalletUnavailable, "wallet holds no accounts")
		}
		account = accounts[0]
	}

	chainID, err := m.client.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDownstreamFailure, err, "read chain id")
	}
	signer, err := m.provider.Transactor(ctx, account, chainID)
	if err != nil {
		return nil, err
	}
	// The signer outlives this request.
	signer.Context = nil

	s := &Session{
		account:     account,
		wallet:      m.provider.Name(),
		client:      m.client,
		signer:      signer,
		presale:     m.presale,
		cfg:         m.cfg,
		connectedAt: time.Now().UTC(),
		contracts:   make(map[common.Address]*invoke.Binding),
	}
	prev := m.current.Swap(s)
	attrs := []any{slog.String("account", account.Hex()), slog.String("wallet", s.wallet)}
	if prev != nil {
		attrs = append(attrs, slog.String("previous", prev.account.Hex()))
	}
	m.log.Info("contract session connected", attrs...)
	logger.Audit().Info("wallet connected", attrs...)
	return s, nil
}

// Disconnect drops the current session. In-flight calls keep the session
// they already hold.
func (m *Manager) Disconnect() {
	if prev := m.current.Swap(nil); prev != nil {
		m.log.Info("contract session disconnected", slog.String("account", prev.account.Hex()))
	}
}

// TokenValue calls a one-argument conversion view such as usdtToTokens with
// a human USDT amount and formats the result with the same decimals.
func (m *Manager) TokenValue(ctx context.Context, fn, amount string) (string, error) {
	kind, ok := m.presale.Kind(fn)
	if !ok {
		return "", xerrors.New(xerrors.CodeUnknownFunction, fmt.Sprintf("%s is not a function of the presale contract", fn))
	}
	if kind != invoke.KindView {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s is not a view function", fn))
	}
	raw, err := web3.ParseUnits(amount, web3.USDTDecimals)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid amount")
	}
	res, err := invoke.New().Invoke(ctx, readOnly{m.presale}, invoke.Call{
		FunctionName: fn,
		Parameters:   []byte(`["` + raw.String() + `"]`),
	})
	if err != nil {
		return "", err
	}
	return formatFirst(res.Outputs, web3.USDTDecimals)
}

// Balances is the decoded result of balancesOf.
type Balances struct {
	Account         string `json:"account"`
	EthContributed  string `json:"ethContributed"`
	UsdtContributed string `json:"usdtContributed"`
	TokenBalance    string `json:"tokenBalance"`
}

// BalancesOf reads the presale balances of account. The token balance is
// formatted with 18 decimals, the USDT contribution with 6.
func (m *Manager) BalancesOf(ctx context.Context, account common.Address) (Balances, error) {
	res, err := invoke.New().Invoke(ctx, readOnly{m.presale}, invoke.Call{
		FunctionName: "balancesOf",
		Parameters:   []byte(`["` + account.Hex() + `"]`),
	})
	if err != nil {
		return Balances{}, err
	}
	if len(res.Outputs) < 3 {
		return Balances{}, xerrors.New(xerrors.CodeOnchainFailure, fmt.Sprintf("balancesOf returned %d values", len(res.Outputs)))
	}
	out := Balances{Account: account.Hex()}
	values := make([]string, 3)
	decimals := []int{web3.EtherDecimals, web3.USDTDecimals, web3.EtherDecimals}
	for i := range values {
		v, err := formatFirst(res.Outputs[i:i+1], decimals[i])
		if err != nil {
			return Balances{}, err
		}
		values[i] = v
	}
	out.EthContributed, out.UsdtContributed, out.TokenBalance = values[0], values[1], values[2]
	return out, nil
}

func formatFirst(outputs []any, decimals int) (string, error) {
	if len(outputs) == 0 {
		return "", xerrors.New(xerrors.CodeOnchainFailure, "empty result")
	}
	s, ok := outputs[0].(string)
	if !ok {
		return "", xerrors.New(xerrors.CodeOnchainFailure, fmt.Sprintf("unexpected result %T", outputs[0]))
	}
	n, ok := parseBig(s)
	if !ok {
		return "", xerrors.New(xerrors.CodeOnchainFailure, fmt.Sprintf("unexpected result %q", s))
	}
	return web3.FormatUnits(n, decimals), nil
}
