// Package invoke resolves a function name against a bound contract's ABI and
// dispatches it either as a read-only call or as a signed, gas-bounded
// transaction.
package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	xerrors "ABIAgent-Chain/internal/errors"
	"ABIAgent-Chain/internal/observability/metrics"
	"ABIAgent-Chain/internal/observability/tracing"
	"ABIAgent-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Handle is a signer-bound contract session. A nil Handle means no wallet
// is connected.
type Handle interface {
	Resolve(contract string) (*Binding, error)
	Signer() *bind.TransactOpts
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Call is one invocation request as produced by the inference service.
type Call struct {
	FunctionName string          `json:"functionName"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	GasLimit     uint64          `json:"gasLimit,omitempty"`
	Contract     string          `json:"contract,omitempty"`
	Value        string          `json:"value,omitempty"`
}

// Result is what Invoke returns. Gas calls carry the submitted transaction;
// view calls carry the decoded outputs.
type Result struct {
	Kind     Kind               `json:"kind"`
	Function string             `json:"function"`
	Contract string             `json:"contract"`
	TxHash   string             `json:"txHash,omitempty"`
	Outputs  []any              `json:"outputs,omitempty"`
	Tx       *types.Transaction `json:"-"`
}

// Invoker dispatches calls through a Handle.
type Invoker struct {
	defaultGas uint64
	log        *slog.Logger
}

// Option configures the invoker.
type Option func(*Invoker)

// WithDefaultGasLimit sets the ceiling used when a call carries none.
func WithDefaultGasLimit(gas uint64) Option {
	return func(i *Invoker) {
		if gas > 0 {
			i.defaultGas = gas
		}
	}
}

// New constructs an invoker.
func New(opts ...Option) *Invoker {
	inv := &Invoker{defaultGas: 300000, log: logger.Named("invoke")}
	for _, opt := range opts {
		if opt != nil {
			opt(inv)
		}
	}
	return inv
}

// Kind reports how name would be dispatched without executing it.
func (i *Invoker) Kind(h Handle, contract, name string) (Kind, error) {
	if h == nil {
		return "", xerrors.New(xerrors.CodeNotReady, "")
	}
	b, err := h.Resolve(contract)
	if err != nil {
		return "", err
	}
	kind, ok := b.Kind(name)
	if !ok {
		return "", unknownFunction(name, b)
	}
	return kind, nil
}

// Invoke resolves call.FunctionName on the handle's contract and executes it.
func (i *Invoker) Invoke(ctx context.Context, h Handle, call Call) (res Result, err error) {
	if h == nil {
		return Result{}, xerrors.New(xerrors.CodeNotReady, "")
	}
	name := strings.TrimSpace(call.FunctionName)
	if name == "" {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "functionName is required")
	}
	b, err := h.Resolve(call.Contract)
	if err != nil {
		return Result{}, err
	}
	e, ok := b.lookup(name)
	if !ok {
		return Result{}, unknownFunction(name, b)
	}

	ctx, span := tracing.Start(ctx, "invoke."+string(e.kind),
		attribute.String("contract", b.Address.Hex()),
		attribute.String("function", e.method.Name))
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(xerrors.CodeOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ObserveInvocation(string(e.kind), outcome, time.Since(start))
		span.End()
	}()

	args, err := coerceArgs(e.method, call.Parameters)
	if err != nil {
		return Result{}, err
	}
	value, err := ParseValue(call.Value)
	if err != nil {
		return Result{}, err
	}
	if value != nil && value.Sign() > 0 && !e.method.IsPayable() {
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s is not payable", e.method.Name))
	}

	res = Result{Kind: e.kind, Function: e.method.Name, Contract: b.Address.Hex()}
	signer := h.Signer()

	if e.kind == KindView {
		opts := &bind.CallOpts{Context: ctx}
		if signer != nil {
			opts.From = signer.From
		}
		var out []any
		if err := b.contract.Call(opts, &out, e.key, args...); err != nil {
			return Result{}, xerrors.Wrap(xerrors.CodeOnchainFailure, err, fmt.Sprintf("call %s", e.method.Name))
		}
		res.Outputs = normalizeOutputs(out)
		return res, nil
	}

	if signer == nil {
		return Result{}, xerrors.New(xerrors.CodeNotReady, "no signer bound")
	}
	gas := call.GasLimit
	if gas == 0 {
		gas = i.defaultGas
	}
	opts := *signer
	opts.Context = ctx
	opts.GasLimit = gas
	opts.Value = value
	if opts.Value == nil {
		opts.Value = new(big.Int)
	}

	tx, err := b.contract.Transact(&opts, e.key, args...)
	if err != nil {
		return Result{}, xerrors.Wrap(xerrors.CodeOnchainFailure, err, fmt.Sprintf("submit %s", e.method.Name))
	}
	res.Tx = tx
	res.TxHash = tx.Hash().Hex()
	logger.Audit().Info("transaction submitted",
		slog.String("from", signer.From.Hex()),
		slog.String("contract", b.Address.Hex()),
		slog.String("function", e.method.Name),
		slog.String("tx_hash", res.TxHash),
		slog.Uint64("gas_limit", gas))
	return res, nil
}

// Wait blocks until the transaction of a gas call is mined. A mined but
// reverted transaction is an ONCHAIN_FAILURE carrying the receipt.
func (i *Invoker) Wait(ctx context.Context, h Handle, res Result) (*types.Receipt, error) {
	if res.Kind != KindGas || res.Tx == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "nothing to wait for")
	}
	if h == nil {
		return nil, xerrors.New(xerrors.CodeNotReady, "")
	}
	receipt, err := h.WaitMined(ctx, res.Tx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "wait for receipt")
	}
	status := "success"
	if receipt.Status != types.ReceiptStatusSuccessful {
		status = "reverted"
	}
	logger.Audit().Info("transaction mined",
		slog.String("tx_hash", res.TxHash),
		slog.String("function", res.Function),
		slog.String("status", status),
		slog.Uint64("gas_used", receipt.GasUsed))
	if status != "success" {
		return receipt, xerrors.New(xerrors.CodeOnchainFailure, fmt.Sprintf("%s reverted", res.Function),
			xerrors.WithMetadata("tx_hash", res.TxHash))
	}
	return receipt, nil
}

func unknownFunction(name string, b *Binding) error {
	return xerrors.New(xerrors.CodeUnknownFunction,
		fmt.Sprintf("%s is not a function of %s", name, b.Address.Hex()),
		xerrors.WithMetadata("available", strings.Join(b.Functions(), ",")))
}
