// Package wallet supplies the signers a contract session binds to. The
// injected provider holds operator supplied private keys; the keystore
// provider is the fallback and unlocks encrypted go-ethereum key files.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	xerrors "ABIAgent-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Provider grants account access and derives signers.
type Provider interface {
	Name() string
	Accounts() []common.Address
	Transactor(ctx context.Context, account common.Address, chainID *big.Int) (*bind.TransactOpts, error)
}

// Config selects the provider.
type Config struct {
	PrivateKeys        []string
	KeystoreDir        string
	KeystorePassphrase string
	LightScrypt        bool
}

// Select returns the injected provider when keys are configured, otherwise
// the keystore fallback. With neither it returns WALLET_UNAVAILABLE.
func Select(cfg Config) (Provider, error) {
	if len(cfg.PrivateKeys) > 0 {
		p, err := NewKeyProvider(cfg.PrivateKeys)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	if strings.TrimSpace(cfg.KeystoreDir) != "" {
		k, err := NewKeystoreProvider(cfg.KeystoreDir, cfg.KeystorePassphrase, cfg.LightScrypt)
		if err != nil {
			return nil, err
		}
		return k, nil
	}
	return nil, xerrors.New(xerrors.CodeWalletUnavailable, "no injected keys and no keystore configured")
}

// KeyProvider signs with in-memory private keys.
type KeyProvider struct {
	keys  map[common.Address]*ecdsa.PrivateKey
	order []common.Address
}

// NewKeyProvider parses hex encoded secp256k1 keys, with or without 0x.
func NewKeyProvider(hexKeys []string) (*KeyProvider, error) {
	p := &KeyProvider{keys: make(map[common.Address]*ecdsa.PrivateKey, len(hexKeys))}
	for i, raw := range hexKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(raw), "0x"))
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("private key #%d is malformed", i+1))
		}
		p.add(key)
	}
	if len(p.order) == 0 {
		return nil, xerrors.New(xerrors.CodeWalletUnavailable, "no private keys supplied")
	}
	return p, nil
}

// NewKeyProviderFromKeys wraps already parsed keys.
func NewKeyProviderFromKeys(keys ...*ecdsa.PrivateKey) *KeyProvider {
	p := &KeyProvider{keys: make(map[common.Address]*ecdsa.PrivateKey, len(keys))}
	for _, k := range keys {
		p.add(k)
	}
	return p
}

func (p *KeyProvider) add(key *ecdsa.PrivateKey) {
	addr := crypto.PubkeyToAddress(key.PublicKey)
	if _, dup := p.keys[addr]; dup {
		return
	}
	p.keys[addr] = key
	p.order = append(p.order, addr)
}

// Name implements Provider.
func (p *KeyProvider) Name() string { return "injected" }

// Accounts implements Provider.
func (p *KeyProvider) Accounts() []common.Address {
	return append([]common.Address(nil), p.order...)
}

// Transactor implements Provider.
func (p *KeyProvider) Transactor(ctx context.Context, account common.Address, chainID *big.Int) (*bind.TransactOpts, error) {
	key, ok := p.keys[account]
	if !ok {
		return nil, xerrors.New(xerrors.CodeWalletUnavailable, fmt.Sprintf("account %s is not held by the injected wallet", account.Hex()))
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWalletUnavailable, err, "derive signer")
	}
	opts.Context = ctx
	return opts, nil
}

// KeystoreProvider unlocks accounts from an encrypted key directory.
type KeystoreProvider struct {
	ks         *keystore.KeyStore
	passphrase string
	mu         sync.Mutex
	unlocked   map[common.Address]bool
}

// NewKeystoreProvider opens dir. Light scrypt parameters are only meant for
// development key files.
func NewKeystoreProvider(dir, passphrase string, light bool) (*KeystoreProvider, error) {
	n, p := keystore.StandardScryptN, keystore.StandardScryptP
	if light {
		n, p = keystore.LightScryptN, keystore.LightScryptP
	}
	ks := keystore.NewKeyStore(dir, n, p)
	if len(ks.Accounts()) == 0 {
		return nil, xerrors.New(xerrors.CodeWalletUnavailable, fmt.Sprintf("keystore %s holds no accounts", dir))
	}
	return &KeystoreProvider{ks: ks, passphrase: passphrase, unlocked: map[common.Address]bool{}}, nil
}

// Name implements Provider.
func (k *KeystoreProvider) Name() string { return "keystore" }

// Accounts implements Provider.
func (k *KeystoreProvider) Accounts() []common.Address {
	accs := k.ks.Accounts()
	out := make([]common.Address, 0, len(accs))
	for _, a := range accs {
		out = append(out, a.Address)
	}
	return out
}

// Transactor implements Provider. The account is unlocked on first use.
func (k *KeystoreProvider) Transactor(ctx context.Context, account common.Address, chainID *big.Int) (*bind.TransactOpts, error) {
	acct := accounts.Account{Address: account}
	if !k.ks.HasAddress(account) {
		return nil, xerrors.New(xerrors.CodeWalletUnavailable, fmt.Sprintf("account %s is not in the keystore", account.Hex()))
	}
	k.mu.Lock()
	if !k.unlocked[account] {
		if err := k.ks.Unlock(acct, k.passphrase); err != nil {
			k.mu.Unlock()
			return nil, xerrors.Wrap(xerrors.CodeWalletUnavailable, err, "unlock keystore account")
		}
		k.unlocked[account] = true
	}
	k.mu.Unlock()

	opts, err := bind.NewKeyStoreTransactorWithChainID(k.ks, acct, chainID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWalletUnavailable, err, "derive signer")
	}
	opts.Context = ctx
	return opts, nil
}
