package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	xerrors "ABIAgent-Chain/internal/errors"
	"ABIAgent-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type recordedCall struct {
	method string
	args   []any
	opts   *bind.TransactOpts
}

type fakeContract struct {
	calls     []recordedCall
	viewOut   []any
	callErr   error
	transacts []recordedCall
	txErr     error
}

func (f *fakeContract) Call(_ *bind.CallOpts, results *[]any, method string, params ...any) error {
	f.calls = append(f.calls, recordedCall{method: method, args: params})
	if f.callErr != nil {
		return f.callErr
	}
	*results = f.viewOut
	return nil
}

func (f *fakeContract) Transact(opts *bind.TransactOpts, method string, params ...any) (*types.Transaction, error) {
	f.transacts = append(f.transacts, recordedCall{method: method, args: params, opts: opts})
	if f.txErr != nil {
		return nil, f.txErr
	}
	return types.NewTx(&types.LegacyTx{Nonce: uint64(len(f.transacts)), Gas: opts.GasLimit, Value: opts.Value}), nil
}

type fakeHandle struct {
	binding *Binding
	signer  *bind.TransactOpts
	receipt *types.Receipt
}

func (h *fakeHandle) Resolve(contract string) (*Binding, error) {
	if contract != "" && !common.IsHexAddress(contract) {
		return nil, xerrors.New(xerrors.CodeInvalidAddress, "")
	}
	return h.binding, nil
}
func (h *fakeHandle) Signer() *bind.TransactOpts { return h.signer }
func (h *fakeHandle) WaitMined(context.Context, *types.Transaction) (*types.Receipt, error) {
	if h.receipt == nil {
		return nil, errors.New("never mined")
	}
	return h.receipt, nil
}

var presaleAddr = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func newPresaleHandle(c *fakeContract) *fakeHandle {
	return &fakeHandle{
		binding: NewBindingWith(presaleAddr, web3.PresaleABI(), c),
		signer:  &bind.TransactOpts{From: common.HexToAddress("0x00000000000000000000000000000000000000a1")},
	}
}

func TestDispatchTableKinds(t *testing.T) {
	h := newPresaleHandle(&fakeContract{})
	inv := New()

	for name, want := range map[string]Kind{
		"usdtToTokens":            KindView,
		"balancesOf":              KindView,
		"contributeUSDT":          KindGas,
		"contributeEth":           KindGas,
		"contributeUSDT(uint256)": KindGas,
	} {
		got, err := inv.Kind(h, "", name)
		if err != nil || got != want {
			t.Fatalf("Kind(%s) = %s, %v; want %s", name, got, err, want)
		}
	}
	if _, err := inv.Kind(h, "", "mint"); xerrors.CodeOf(err) != xerrors.CodeUnknownFunction {
		t.Fatalf("expected UNKNOWN_FUNCTION, got %v", err)
	}
}

func TestInvokeWithoutHandleIsNotReady(t *testing.T) {
	_, err := New().Invoke(context.Background(), nil, Call{FunctionName: "contributeUSDT"})
	if xerrors.CodeOf(err) != xerrors.CodeNotReady {
		t.Fatalf("expected NOT_READY, got %v", err)
	}
}

func TestInvokeUnknownFunctionNeverTouchesContract(t *testing.T) {
	c := &fakeContract{}
	_, err := New().Invoke(context.Background(), newPresaleHandle(c), Call{FunctionName: "drain"})
	if xerrors.CodeOf(err) != xerrors.CodeUnknownFunction {
		t.Fatalf("expected UNKNOWN_FUNCTION, got %v", err)
	}
	if len(c.calls)+len(c.transacts) != 0 {
		t.Fatalf("contract must not be touched")
	}
}

func TestInvokeGasCallUsesGasLimitAndHumanAmount(t *testing.T) {
	c := &fakeContract{}
	h := newPresaleHandle(c)

	res, err := New().Invoke(context.Background(), h, Call{
		FunctionName: "contributeUSDT",
		Parameters:   json.RawMessage(`[{"amount": "100", "decimals": 6}]`),
		GasLimit:     150000,
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Kind != KindGas || res.TxHash == "" || res.Tx == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(c.transacts) != 1 {
		t.Fatalf("expected one transaction, got %d", len(c.transacts))
	}
	sent := c.transacts[0]
	if sent.opts.GasLimit != 150000 {
		t.Fatalf("gas limit not applied: %d", sent.opts.GasLimit)
	}
	if sent.opts.From != h.signer.From {
		t.Fatalf("wrong signer")
	}
	amount, ok := sent.args[0].(*big.Int)
	if !ok || amount.String() != "100000000" {
		t.Fatalf("unexpected amount %v", sent.args[0])
	}
	if h.signer.GasLimit != 0 {
		t.Fatalf("signer template must not be mutated")
	}
}

func TestInvokeDefaultGasAndPayableValue(t *testing.T) {
	c := &fakeContract{}
	h := newPresaleHandle(c)

	if _, err := New(WithDefaultGasLimit(90000)).Invoke(context.Background(), h, Call{FunctionName: "contributeEth", Value: "0.5"}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	sent := c.transacts[0]
	if sent.opts.GasLimit != 90000 {
		t.Fatalf("default gas not applied: %d", sent.opts.GasLimit)
	}
	if sent.opts.Value.String() != "500000000000000000" {
		t.Fatalf("unexpected value %s", sent.opts.Value)
	}

	_, err := New().Invoke(context.Background(), h, Call{FunctionName: "contributeUSDT", Parameters: json.RawMessage(`["1"]`), Value: "1"})
	if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("value on non-payable should be rejected, got %v", err)
	}
}

func TestInvokeViewDecodesOutputs(t *testing.T) {
	c := &fakeContract{viewOut: []any{big.NewInt(1), big.NewInt(2), big.NewInt(3_000_000_000_000_000_000)}}
	h := newPresaleHandle(c)

	res, err := New().Invoke(context.Background(), h, Call{
		FunctionName: "balancesOf",
		Parameters:   json.RawMessage(`{"account": "0x00000000000000000000000000000000000000a1"}`),
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if res.Kind != KindView || res.TxHash != "" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Outputs) != 3 || res.Outputs[2] != "3000000000000000000" {
		t.Fatalf("unexpected outputs %v", res.Outputs)
	}
	if _, ok := c.calls[0].args[0].(common.Address); !ok {
		t.Fatalf("address parameter not coerced: %T", c.calls[0].args[0])
	}
	if len(c.transacts) != 0 {
		t.Fatalf("view calls must not transact")
	}
}

func TestInvokeErrorsAreClassified(t *testing.T) {
	h := newPresaleHandle(&fakeContract{callErr: errors.New("execution reverted"), txErr: errors.New("nonce too low")})
	inv := New()

	if _, err := inv.Invoke(context.Background(), h, Call{FunctionName: "assetsBalance"}); xerrors.CodeOf(err) != xerrors.CodeOnchainFailure {
		t.Fatalf("expected ONCHAIN_FAILURE for view revert, got %v", err)
	}
	if _, err := inv.Invoke(context.Background(), h, Call{FunctionName: "contributeEth"}); xerrors.CodeOf(err) != xerrors.CodeOnchainFailure {
		t.Fatalf("expected ONCHAIN_FAILURE for send error, got %v", err)
	}
	if _, err := inv.Invoke(context.Background(), h, Call{FunctionName: "usdtToTokens", Parameters: json.RawMessage(`["-5"]`)}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for negative uint, got %v", err)
	}
}

func TestWaitReportsRevert(t *testing.T) {
	c := &fakeContract{}
	h := newPresaleHandle(c)
	inv := New()

	res, err := inv.Invoke(context.Background(), h, Call{FunctionName: "contributeEth"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	h.receipt = &types.Receipt{Status: types.ReceiptStatusFailed}
	if _, err := inv.Wait(context.Background(), h, res); xerrors.CodeOf(err) != xerrors.CodeOnchainFailure {
		t.Fatalf("expected ONCHAIN_FAILURE, got %v", err)
	}

	h.receipt = &types.Receipt{Status: types.ReceiptStatusSuccessful}
	if _, err := inv.Wait(context.Background(), h, res); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if _, err := inv.Wait(context.Background(), h, Result{Kind: KindView}); err == nil {
		t.Fatalf("view results have nothing to wait for")
	}
}
