package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"

	xerrors "ABIAgent-Chain/internal/errors"
	"ABIAgent-Chain/internal/events"
	"ABIAgent-Chain/internal/inference"
	"ABIAgent-Chain/internal/observability/metrics"
	"ABIAgent-Chain/internal/observability/tracing"
	"ABIAgent-Chain/internal/web3/erc20"
	"ABIAgent-Chain/internal/web3/invoke"
	"ABIAgent-Chain/internal/web3/session"
	"ABIAgent-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
)

// Replies shown to the end user.
const (
	ReplyConnectWallet    = "Please connect your wallet!"
	ReplyInvalidAddress   = "Not a valid connected address!"
	ReplyTxSubmitted      = "Transaction submitted"
	ReplyCallSucceeded    = "Function call executed successfully!"
	ReplyCallFailed       = "Function call execution failed!"
	ReplyApproving        = "Executing Approval..."
	ReplyApprovalSuccess  = "Approval Executed Successfully!"
	ReplyApprovalFailedAs = "Approval failed: %s"
	ReplySomethingWrong   = "Sorry, something went wrong."
	ReplyTxPending        = "Transaction is still pending, its status will update once it is mined."
)

// ExecutingFunction is the progress line appended before an invocation.
func ExecutingFunction(name string) string {
	return fmt.Sprintf("Executing function: %s...", name)
}

// Inference is the part of the inference client the loop needs.
type Inference interface {
	Chat(ctx context.Context, req inference.ChatRequest) (inference.Reply, error)
}

// ContractSession is a wallet-bound contract session.
type ContractSession interface {
	invoke.Handle
	Account() common.Address
	BindContract(address, abiJSON string) (*invoke.Binding, error)
	Token() (*erc20.BoundToken, error)
}

// Connector yields the contract session for a wallet account.
type Connector interface {
	Ensure(ctx context.Context, account common.Address) (ContractSession, error)
}

// Approver runs the ERC-20 approval flow for a connected session.
type Approver interface {
	Approve(ctx context.Context, cs ContractSession) (erc20.Outcome, error)
}

// Dispatcher runs the per-message loop.
type Dispatcher struct {
	sessions    *Manager
	inference   Inference
	connector   Connector
	invoker     *invoke.Invoker
	approver    Approver
	agents      AgentLookup
	explorerURL string
	events      events.Publisher
	log         *slog.Logger

	followupAttempts int
	followups        sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithExplorer sets the prefix used for transaction links.
func WithExplorer(prefix string) DispatcherOption {
	return func(d *Dispatcher) { d.explorerURL = strings.TrimSpace(prefix) }
}

// WithApprover sets the approval flow used for get_approve.
func WithApprover(a Approver) DispatcherOption {
	return func(d *Dispatcher) { d.approver = a }
}

// WithAgentContracts lets final_json calls target the agent's own contract.
func WithAgentContracts(agents AgentLookup) DispatcherOption {
	return func(d *Dispatcher) { d.agents = agents }
}

// WithEventPublisher sets where transaction events go.
func WithEventPublisher(pub events.Publisher) DispatcherOption {
	return func(d *Dispatcher) { d.events = pub }
}

// WithReceiptFollowups sets how many more receipt waits run in the
// background after the first one ends without a receipt.
func WithReceiptFollowups(attempts int) DispatcherOption {
	return func(d *Dispatcher) {
		if attempts >= 0 {
			d.followupAttempts = attempts
		}
	}
}

// NewDispatcher wires the loop.
func NewDispatcher(sessions *Manager, inf Inference, connector Connector, invoker *invoke.Invoker, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sessions:    sessions,
		inference:   inf,
		connector:   connector,
		invoker:     invoker,
		explorerURL: "https://sepolia.etherscan.io/tx/",
		log:         logger.Named("chat"),

		followupAttempts: 30,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Send appends the user message, runs one dispatch and returns every message
// appended by it, the user message first. At least one assistant message
// always follows the user message.
func (d *Dispatcher) Send(ctx context.Context, sessionID, text string) ([]Message, error) {
	s, err := d.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "message is required")
	}
	if !s.tryBegin() {
		return nil, xerrors.New(xerrors.CodeSessionBusy, "",
			xerrors.WithMetadata("session_id", sessionID))
	}
	defer s.end()

	ctx, span := tracing.Start(ctx, "chat.dispatch",
		attribute.String("session_id", sessionID),
		attribute.String("agent_id", s.AgentID()))
	defer span.End()

	user := s.AppendMessage(SenderUser, text)
	intent, outcome := d.dispatch(ctx, s, text)
	span.SetAttributes(attribute.String("intent", intent), attribute.String("outcome", outcome))
	metrics.ObserveIntent(intent, outcome)
	return s.Since(user.Seq), nil
}

func (d *Dispatcher) dispatch(ctx context.Context, s *Session, text string) (intent, outcome string) {
	wallet := s.Wallet()
	_, connected := wallet.Account()
	reply, err := d.inference.Chat(ctx, inference.ChatRequest{
		SessionID:       s.ID(),
		Query:           text,
		WalletConnected: connected,
		AgentID:         s.AgentID(),
	})
	if err != nil {
		d.log.Warn("推理服务调用失败", slog.String("session_id", s.ID()), slog.Any("error", err))
		s.AppendMessage(SenderAssistant, ReplySomethingWrong)
		return "error", string(xerrors.CodeOf(err))
	}

	switch reply.Intent {
	case inference.IntentFinalJSON:
		return reply.Intent, d.runFunction(ctx, s, wallet, reply.Meta)
	case inference.IntentApprove:
		return reply.Intent, d.runApproval(ctx, s, wallet)
	default:
		if strings.TrimSpace(reply.Text) == "" {
			s.AppendMessage(SenderAssistant, ReplySomethingWrong)
			return "text", "empty"
		}
		s.AppendMessage(SenderAssistant, reply.Text)
		return "text", "ok"
	}
}

// requireWallet appends the matching refusal when the wallet is unusable.
func requireWallet(s *Session, wallet Wallet) (common.Address, bool) {
	if !wallet.Connected || wallet.Address == "" {
		s.AppendMessage(SenderAssistant, ReplyConnectWallet)
		return common.Address{}, false
	}
	account, ok := wallet.Account()
	if !ok {
		s.AppendMessage(SenderAssistant, ReplyInvalidAddress)
		return common.Address{}, false
	}
	return account, true
}

func (d *Dispatcher) runFunction(ctx context.Context, s *Session, wallet Wallet, meta *inference.MetaData) string {
	account, ok := requireWallet(s, wallet)
	if !ok {
		return "no_wallet"
	}
	if meta == nil || strings.TrimSpace(meta.FunctionName) == "" {
		s.AppendMessage(SenderAssistant, ReplySomethingWrong)
		return "malformed"
	}
	call := meta.Call()
	s.AppendMessage(SenderAssistant, ExecutingFunction(call.FunctionName))

	fail := func(err error) string {
		d.log.Warn("合约调用失败",
			slog.String("session_id", s.ID()),
			slog.String("function", call.FunctionName),
			slog.Any("error", err))
		s.AppendMessage(SenderAssistant, ReplyCallFailed)
		return string(xerrors.CodeOf(err))
	}

	cs, err := d.connector.Ensure(ctx, account)
	if err != nil {
		return fail(err)
	}
	if err := d.bindAgentContract(ctx, s, cs, call.Contract); err != nil {
		return fail(err)
	}
	res, err := d.invoker.Invoke(ctx, cs, call)
	if err != nil {
		return fail(err)
	}

	if res.Kind == invoke.KindView {
		s.AppendMessage(SenderAssistant, renderOutputs(res.Outputs))
		return "ok"
	}

	link := d.explorerURL + res.TxHash
	pending := s.AppendMessage(SenderAssistant, ReplyTxSubmitted,
		WithStatus(StatusPending), WithTransaction(res.TxHash, link))
	events.Emit(ctx, d.events, events.TypeTxSubmitted, map[string]string{
		"session_id": s.ID(),
		"agent_id":   s.AgentID(),
		"function":   res.Function,
		"contract":   res.Contract,
		"tx_hash":    res.TxHash,
	})

	receipt, waitErr := d.invoker.Wait(ctx, cs, res)
	if waitErr != nil && receipt == nil {
		// No receipt yet: the outcome is unknown, so the message stays pending
		// and a detached wait patches it once the transaction is mined.
		d.log.Warn("等待交易回执超时，转入后台等待",
			slog.String("session_id", s.ID()),
			slog.String("tx_hash", res.TxHash),
			slog.Any("error", waitErr))
		s.AppendMessage(SenderAssistant, ReplyTxPending)
		d.followups.Add(1)
		go func() {
			defer d.followups.Done()
			d.settle(context.WithoutCancel(ctx), s, cs, res, pending.ID)
		}()
		return "pending"
	}
	status := d.finish(ctx, s, res, pending.ID, waitErr)
	if status == StatusFailed {
		return fail(waitErr)
	}
	s.AppendMessage(SenderAssistant, ReplyCallSucceeded)
	return "ok"
}

// finish patches the pending message from a mined receipt.
func (d *Dispatcher) finish(ctx context.Context, s *Session, res invoke.Result, messageID string, waitErr error) Status {
	status := StatusConfirmed
	if waitErr != nil {
		status = StatusFailed
	}
	if _, err := s.PatchMessageStatus(messageID, status); err != nil {
		d.log.Error("更新交易状态失败", slog.String("message_id", messageID), slog.Any("error", err))
	}
	events.Emit(ctx, d.events, events.TypeTxMined, map[string]string{
		"session_id": s.ID(),
		"tx_hash":    res.TxHash,
		"status":     string(status),
	})
	return status
}

// settle keeps waiting for a receipt after the request has returned. Each
// attempt is bounded by the session's receipt timeout; after
// followupAttempts attempts without a receipt the message stays pending.
func (d *Dispatcher) settle(ctx context.Context, s *Session, cs ContractSession, res invoke.Result, messageID string) {
	for attempt := 0; attempt < d.followupAttempts; attempt++ {
		receipt, err := d.invoker.Wait(ctx, cs, res)
		if receipt == nil && err != nil {
			continue
		}
		if d.finish(ctx, s, res, messageID, err) == StatusFailed {
			s.AppendMessage(SenderAssistant, ReplyCallFailed)
		} else {
			s.AppendMessage(SenderAssistant, ReplyCallSucceeded)
		}
		return
	}
	d.log.Warn("交易仍未上链，保持 pending",
		slog.String("session_id", s.ID()),
		slog.String("tx_hash", res.TxHash))
}

// bindAgentContract binds the session agent's own contract when a call
// targets it. Other addresses are left to Resolve.
func (d *Dispatcher) bindAgentContract(ctx context.Context, s *Session, cs ContractSession, contract string) error {
	contract = strings.TrimSpace(contract)
	if d.agents == nil || contract == "" || !common.IsHexAddress(contract) {
		return nil
	}
	id, err := strconv.ParseInt(s.AgentID(), 10, 64)
	if err != nil {
		return nil
	}
	agent, err := d.agents.Get(ctx, id)
	if err != nil {
		return err
	}
	if !common.IsHexAddress(agent.ContractAddress) ||
		common.HexToAddress(agent.ContractAddress) != common.HexToAddress(contract) {
		return nil
	}
	_, err = cs.BindContract(agent.ContractAddress, agent.ABI)
	return err
}

func (d *Dispatcher) runApproval(ctx context.Context, s *Session, wallet Wallet) string {
	account, ok := requireWallet(s, wallet)
	if !ok {
		return "no_wallet"
	}
	s.AppendMessage(SenderAssistant, ReplyApproving)

	var (
		out erc20.Outcome
		err error
	)
	cs, err := d.connector.Ensure(ctx, account)
	if err == nil {
		if d.approver == nil {
			err = xerrors.New(xerrors.CodeNotReady, "approval is not configured")
		} else {
			out, err = d.approver.Approve(ctx, cs)
		}
	}

	attrs := map[string]string{
		"session_id": s.ID(),
		"account":    account.Hex(),
		"state":      string(out.State),
		"tx_hashes":  strings.Join(out.TxHashes, ","),
	}
	if err != nil {
		reason := approvalReason(out, err)
		attrs["reason"] = reason
		events.Emit(ctx, d.events, events.TypeApprovalFinished, attrs)
		d.log.Warn("授权流程失败", slog.String("session_id", s.ID()), slog.Any("error", err))
		s.AppendMessage(SenderAssistant, fmt.Sprintf(ReplyApprovalFailedAs, reason))
		return string(xerrors.CodeOf(err))
	}
	events.Emit(ctx, d.events, events.TypeApprovalFinished, attrs)
	s.AppendMessage(SenderAssistant, ReplyApprovalSuccess)
	return "ok"
}

func approvalReason(out erc20.Outcome, err error) string {
	if out.Reason != "" {
		return out.Reason
	}
	if coded, ok := xerrors.From(err); ok {
		if msg := coded.Message(); msg != "" {
			return msg
		}
		return xerrors.AttributesOf(coded.Code()).Message
	}
	return err.Error()
}

func renderOutputs(outputs []any) string {
	switch len(outputs) {
	case 0:
		return ReplyCallSucceeded
	case 1:
		if s, ok := outputs[0].(string); ok {
			return s
		}
	}
	raw, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Sprint(outputs...)
	}
	return string(raw)
}

// SessionConnector adapts the contract session manager.
type SessionConnector struct {
	Manager *session.Manager
}

// Ensure implements Connector.
func (c SessionConnector) Ensure(ctx context.Context, account common.Address) (ContractSession, error) {
	if c.Manager == nil {
		return nil, xerrors.New(xerrors.CodeWalletUnavailable, "")
	}
	s, err := c.Manager.Ensure(ctx, account)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// FlowApprover runs erc20.Flow against the session's token with a fixed
// spender and amount.
type FlowApprover struct {
	Spender common.Address
	Amount  *big.Int
	Options []erc20.FlowOption
}

// Approve implements Approver.
func (a FlowApprover) Approve(ctx context.Context, cs ContractSession) (erc20.Outcome, error) {
	token, err := cs.Token()
	if err != nil {
		return erc20.Outcome{}, err
	}
	return erc20.NewFlow(token, cs.Account(), a.Options...).Run(ctx, a.Spender, a.Amount)
}
