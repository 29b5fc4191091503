package ethereum

import (
	"context"
	"math/big"
	"testing"
	"time"

	"ABIAgent-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Minimal contract whose runtime code emits a single log.
const eventEmitterBin = "0x6027600c60003960276000f37f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2060006000a100"

func newSimulated(t *testing.T) (*Client, *bind.TransactOpts, *backends.SimulatedBackend) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	chainID := big.NewInt(1337)
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		t.Fatalf("new transactor: %v", err)
	}
	auth.GasLimit = 1_000_000

	alloc := coretypes.GenesisAlloc{
		auth.From: {Balance: new(big.Int).Mul(big.NewInt(10), big.NewInt(1e18))},
	}
	backend := backends.NewSimulatedBackend(alloc, 8_000_000)
	client := NewSimulatedClient("simulated", chainID, backend)
	t.Cleanup(client.Close)
	return client, auth, backend
}

func TestClientDeployAndSnapshot(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, auth, _ := newSimulated(t)

	addr, tx, err := client.DeployContract(ctx, auth, "[]", common.FromHex(eventEmitterBin))
	if err != nil {
		t.Fatalf("deploy contract: %v", err)
	}
	if addr == (common.Address{}) {
		t.Fatal("expected contract address to be non-zero")
	}
	receipt, err := client.WaitMined(ctx, tx)
	if err != nil {
		t.Fatalf("wait mined: %v", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("deployment failed with status %d", receipt.Status)
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}
	if snapshot.BlockNumber == "0x0" {
		t.Fatal("expected block number to advance after deployment")
	}
	if snapshot.Name != "simulated" {
		t.Fatalf("unexpected name %s", snapshot.Name)
	}
}

func TestClientWaitMinedTransfer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, auth, backend := newSimulated(t)
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	nonce, err := backend.PendingNonceAt(ctx, auth.From)
	if err != nil {
		t.Fatalf("pending nonce: %v", err)
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		t.Fatalf("latest header: %v", err)
	}
	tip := big.NewInt(1_000_000_000)
	feeCap := new(big.Int).Add(head.BaseFee, tip)
	tx := coretypes.NewTx(&coretypes.DynamicFeeTx{
		ChainID:   big.NewInt(1337),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       21000,
		To:        &recipient,
		Value:     big.NewInt(12345),
	})
	signed, err := auth.Signer(auth.From, tx)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := backend.SendTransaction(ctx, signed); err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := client.WaitMined(ctx, signed); err != nil {
		t.Fatalf("wait mined: %v", err)
	}
	balance, err := client.NativeBalance(ctx, recipient)
	if err != nil {
		t.Fatalf("native balance: %v", err)
	}
	if balance.Int64() != 12345 {
		t.Fatalf("unexpected balance %s", balance)
	}
}

func TestWaitMinedRespectsContext(t *testing.T) {
	client, _, _ := newSimulated(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	orphan := coretypes.NewTx(&coretypes.LegacyTx{Nonce: 99, Gas: 21000, GasPrice: big.NewInt(1)})
	if _, err := client.WaitMined(ctx, orphan); err == nil {
		t.Fatal("expected timeout for a transaction that never lands")
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatal("expected error without rpc url")
	}
}

var _ web3.Client = (*Client)(nil)
