package erc20

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	xerrors "ABIAgent-Chain/internal/errors"
	"ABIAgent-Chain/internal/lease"
	"ABIAgent-Chain/internal/observability/metrics"
	"ABIAgent-Chain/internal/observability/tracing"
	"ABIAgent-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// State is a step of the approval flow.
type State string

const (
	StateIdle               State = "idle"
	StateCheckingBalance    State = "checking_balance"
	StateCheckingAllowance  State = "checking_allowance"
	StateResettingAllowance State = "resetting_allowance"
	StateApproving          State = "approving"
	StateDone               State = "done"
	StateFailed             State = "failed"
)

// Failure reasons reported to the user.
const (
	ReasonInsufficientBalance = "insufficient balance"
	ReasonResetFailed         = "reset failed"
	ReasonApprovalFailed      = "approval failed"
)

const defaultApproveGas uint64 = 100000

// Outcome records what a flow did.
type Outcome struct {
	State       State    `json:"state"`
	Reason      string   `json:"reason,omitempty"`
	Transitions []State  `json:"transitions"`
	TxHashes    []string `json:"txHashes,omitempty"`
	Balance     *big.Int `json:"balance,omitempty"`
	Allowance   *big.Int `json:"allowance,omitempty"`
}

func (o *Outcome) enter(s State) {
	o.State = s
	o.Transitions = append(o.Transitions, s)
}

// Flow runs approvals for one owner.
type Flow struct {
	token    Token
	owner    common.Address
	locker   lease.Locker
	leaseTTL time.Duration
	gasLimit uint64
	log      *slog.Logger
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithLocker sets the lease backend. The default is process local.
func WithLocker(l lease.Locker) FlowOption {
	return func(f *Flow) {
		if l != nil {
			f.locker = l
		}
	}
}

// WithLeaseTTL bounds how long one flow may hold the pair.
func WithLeaseTTL(ttl time.Duration) FlowOption {
	return func(f *Flow) {
		if ttl > 0 {
			f.leaseTTL = ttl
		}
	}
}

// WithGasLimit sets the gas ceiling for each approve transaction.
func WithGasLimit(gas uint64) FlowOption {
	return func(f *Flow) {
		if gas > 0 {
			f.gasLimit = gas
		}
	}
}

var sharedLocker = lease.NewMemory()

// NewFlow prepares an approval flow for owner.
func NewFlow(token Token, owner common.Address, opts ...FlowOption) *Flow {
	f := &Flow{
		token:    token,
		owner:    owner,
		locker:   sharedLocker,
		leaseTTL: 5 * time.Minute,
		gasLimit: defaultApproveGas,
		log:      logger.Named("erc20"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

func leaseKey(owner, spender common.Address) string {
	return "approve:" + strings.ToLower(owner.Hex()) + ":" + strings.ToLower(spender.Hex())
}

// Run makes sure spender may move at least amount of the owner's tokens.
// The returned Outcome is filled in even when err is non-nil.
func (f *Flow) Run(ctx context.Context, spender common.Address, amount *big.Int) (out Outcome, err error) {
	out.enter(StateIdle)
	if f == nil || f.token == nil {
		return out, xerrors.New(xerrors.CodeNotReady, "")
	}
	if amount == nil || amount.Sign() <= 0 {
		return out, xerrors.New(xerrors.CodeInvalidArgument, "approval amount must be positive")
	}

	held, err := f.locker.Acquire(ctx, leaseKey(f.owner, spender), f.leaseTTL)
	if err != nil {
		if errors.Is(err, lease.ErrHeld) {
			return out, xerrors.New(xerrors.CodeApprovalInProgress, "")
		}
		return out, xerrors.Wrap(xerrors.CodeDownstreamFailure, err, "acquire approval lease")
	}
	defer func() {
		if rerr := held.Release(context.WithoutCancel(ctx)); rerr != nil {
			f.log.Warn("释放授权租约失败", slog.Any("error", rerr))
		}
	}()

	ctx, span := tracing.Start(ctx, "approval.run",
		attribute.String("owner", f.owner.Hex()),
		attribute.String("spender", spender.Hex()),
		attribute.String("amount", amount.String()))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("state", string(out.State)))
		metrics.ObserveApproval(string(out.State))
		span.End()
	}()

	out.enter(StateCheckingBalance)
	balance, err := f.token.BalanceOf(ctx, f.owner)
	if err != nil {
		return f.fail(&out, "", xerrors.Wrap(xerrors.CodeDownstreamFailure, err, "read balance"))
	}
	out.Balance = balance
	if balance.Cmp(amount) < 0 {
		return f.fail(&out, ReasonInsufficientBalance, xerrors.New(xerrors.CodeInsufficientBalance, ReasonInsufficientBalance,
			xerrors.WithMetadata("balance", balance.String()),
			xerrors.WithMetadata("requested", amount.String())))
	}

	out.enter(StateCheckingAllowance)
	allowance, err := f.token.Allowance(ctx, f.owner, spender)
	if err != nil {
		return f.fail(&out, "", xerrors.Wrap(xerrors.CodeDownstreamFailure, err, "read allowance"))
	}
	out.Allowance = allowance
	if allowance.Cmp(amount) >= 0 {
		out.enter(StateDone)
		return out, nil
	}

	if allowance.Sign() > 0 {
		out.enter(StateResettingAllowance)
		if err := f.approveAndWait(ctx, &out, spender, new(big.Int)); err != nil {
			return f.fail(&out, ReasonResetFailed, xerrors.Wrap(xerrors.CodeResetFailed, err, ReasonResetFailed))
		}
	}

	out.enter(StateApproving)
	if err := f.approveAndWait(ctx, &out, spender, amount); err != nil {
		return f.fail(&out, ReasonApprovalFailed, xerrors.Wrap(xerrors.CodeApprovalFailed, err, ReasonApprovalFailed))
	}
	out.enter(StateDone)
	return out, nil
}

func (f *Flow) approveAndWait(ctx context.Context, out *Outcome, spender common.Address, amount *big.Int) error {
	tx, err := f.token.Approve(ctx, spender, amount, f.gasLimit)
	if err != nil {
		return err
	}
	hash := tx.Hash().Hex()
	out.TxHashes = append(out.TxHashes, hash)
	logger.Audit().Info("approve submitted",
		slog.String("owner", f.owner.Hex()),
		slog.String("spender", spender.Hex()),
		slog.String("amount", amount.String()),
		slog.String("tx_hash", hash))

	receipt, err := f.token.WaitMined(ctx, tx)
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("transaction %s reverted", hash)
	}
	return nil
}

func (f *Flow) fail(out *Outcome, reason string, err error) (Outcome, error) {
	out.Reason = reason
	if reason == "" {
		out.Reason = xerrors.AttributesOf(xerrors.CodeOf(err)).Message
	}
	out.enter(StateFailed)
	f.log.Warn("授权流程失败",
		slog.String("owner", f.owner.Hex()),
		slog.String("reason", out.Reason),
		slog.Any("error", err))
	return *out, err
}
