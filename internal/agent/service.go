package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	xerrors "ABIAgent-Chain/internal/errors"
	"ABIAgent-Chain/internal/events"
	"ABIAgent-Chain/internal/inference"
	"ABIAgent-Chain/internal/observability/alerting"
	"ABIAgent-Chain/internal/observability/metrics"
	"ABIAgent-Chain/internal/observability/tracing"
	"ABIAgent-Chain/internal/storage"
	"ABIAgent-Chain/internal/web3"
	"ABIAgent-Chain/pkg/logger"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultScriptURL 是嵌入脚本的默认地址。
const DefaultScriptURL = "https://abi-script.vercel.app/ChatBot.js"

// RegisterRequest 描述一次注册请求，字段名与前端保持一致。
type RegisterRequest struct {
	DeveloperID     string `json:"developerId"`
	AgentName       string `json:"agentName"`
	Prompt          string `json:"prompt"`
	ContractAddress string `json:"contractAddress"`
	ABI             string `json:"abi"`
}

// Registration 是注册成功后的返回值。
type Registration struct {
	AgentID     int64  `json:"agentId"`
	CodeSnippet string `json:"codeSnippet"`
}

// SpecStore 接收 agent 描述，inference.Client 满足该接口。
type SpecStore interface {
	StoreAgentSpec(ctx context.Context, spec inference.AgentSpec) error
}

// Service 负责 Agent 的注册与查询。
type Service struct {
	repo      storage.AgentRepository
	specs     SpecStore
	scriptURL string
	events    events.Publisher
	alerts    alerting.Dispatcher
	log       *slog.Logger
}

// Option 定义可选的 Service 配置。
type Option func(*Service)

// WithScriptURL 设置嵌入脚本地址。
func WithScriptURL(url string) Option {
	return func(s *Service) {
		if strings.TrimSpace(url) != "" {
			s.scriptURL = strings.TrimSpace(url)
		}
	}
}

// WithEvents 设置领域事件发布器。
func WithEvents(pub events.Publisher) Option {
	return func(s *Service) { s.events = pub }
}

// WithAlerts 设置补偿失败时使用的告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(s *Service) { s.alerts = d }
}

// NewService 创建注册服务。
func NewService(repo storage.AgentRepository, specs SpecStore, opts ...Option) *Service {
	svc := &Service{
		repo:      repo,
		specs:     specs,
		scriptURL: DefaultScriptURL,
		log:       logger.Named("agent"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Snippet 生成嵌入页面所需的 script 标签。
func Snippet(scriptURL string, id int64) string {
	return fmt.Sprintf(`<script id="chatbot" src="%s" data-agent-id="%d"></script>`, scriptURL, id)
}

// Validate 在任何持久化之前检查请求。
func (r RegisterRequest) Validate() error {
	fields := []struct{ name, value string }{
		{"developerId", r.DeveloperID},
		{"agentName", r.AgentName},
		{"prompt", r.Prompt},
		{"contractAddress", r.ContractAddress},
		{"abi", r.ABI},
	}
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "Missing required fields",
			xerrors.WithMetadata("missing", strings.Join(missing, ",")))
	}
	if !common.IsHexAddress(strings.TrimSpace(r.ContractAddress)) {
		return xerrors.New(xerrors.CodeInvalidArgument, "contractAddress is not a hex address")
	}
	if _, err := web3.ParseABI(r.ABI); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "abi does not parse")
	}
	return nil
}

// Register 校验、两阶段写入、生成片段并向推理侧登记；登记失败时删除记录。
func (s *Service) Register(ctx context.Context, req RegisterRequest) (reg Registration, err error) {
	ctx, span := tracing.Start(ctx, "agent.register", attribute.String("developer_id", req.DeveloperID))
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = string(xerrors.CodeOf(err))
			span.RecordError(err)
		}
		metrics.ObserveRegistration(outcome)
		span.End()
	}()

	if err := req.Validate(); err != nil {
		return Registration{}, err
	}

	record := &storage.Agent{
		DeveloperID:     strings.TrimSpace(req.DeveloperID),
		Name:            strings.TrimSpace(req.AgentName),
		Prompt:          req.Prompt,
		ContractAddress: common.HexToAddress(strings.TrimSpace(req.ContractAddress)).Hex(),
		ABI:             req.ABI,
	}
	if err := s.repo.Create(ctx, record); err != nil {
		return Registration{}, err
	}
	span.SetAttributes(attribute.Int64("agent_id", record.ID))

	snippet := Snippet(s.scriptURL, record.ID)
	if err := s.repo.UpdateCodeSnippet(ctx, record.ID, snippet); err != nil {
		return Registration{}, s.compensate(ctx, record, err)
	}

	spec := inference.AgentSpec{
		AgentID:  strconv.FormatInt(record.ID, 10),
		Spec:     record.Prompt,
		ABI:      record.ABI,
		Contract: record.ContractAddress,
	}
	if err := s.specs.StoreAgentSpec(ctx, spec); err != nil {
		return Registration{}, s.compensate(ctx, record, err)
	}

	logger.Audit().Info("agent registered",
		slog.Int64("agent_id", record.ID),
		slog.String("developer_id", record.DeveloperID),
		slog.String("contract", record.ContractAddress))
	events.Emit(ctx, s.events, events.TypeAgentRegistered, map[string]string{
		"agent_id":     spec.AgentID,
		"developer_id": record.DeveloperID,
		"contract":     record.ContractAddress,
	})
	return Registration{AgentID: record.ID, CodeSnippet: snippet}, nil
}

// compensate 删除已写入的记录。删除失败时返回 COMPENSATION_FAILED 并告警。
func (s *Service) compensate(ctx context.Context, record *storage.Agent, cause error) error {
	ctx = context.WithoutCancel(ctx)
	id := strconv.FormatInt(record.ID, 10)

	delErr := s.repo.Delete(ctx, record.ID)
	if delErr == nil {
		s.log.Warn("agent 登记失败，已删除记录",
			slog.Int64("agent_id", record.ID),
			slog.Any("error", cause))
		logger.Audit().Warn("agent compensated",
			slog.Int64("agent_id", record.ID),
			slog.String("reason", cause.Error()))
		events.Emit(ctx, s.events, events.TypeAgentCompensated, map[string]string{
			"agent_id": id,
			"reason":   cause.Error(),
		})
		if _, ok := xerrors.From(cause); ok {
			return xerrors.Wrap(xerrors.CodeOf(cause), cause, "Failed to send data to external server, agent deleted.",
				xerrors.WithMetadata("agent_id", id))
		}
		return xerrors.Wrap(xerrors.CodeDownstreamFailure, cause, "Failed to send data to external server, agent deleted.",
			xerrors.WithMetadata("agent_id", id))
	}

	failure := xerrors.Wrap(xerrors.CodeCompensationFailed, errors.Join(cause, delErr),
		"agent record could not be removed after a failed registration",
		xerrors.WithMetadata("agent_id", id))
	s.log.Error("补偿删除失败", slog.Int64("agent_id", record.ID), slog.Any("error", failure))
	if s.alerts != nil {
		ev := alerting.FromError("agent.register", failure)
		ev.AgentID = record.ID
		if err := s.alerts.Notify(ctx, ev); err != nil {
			s.log.Error("告警发送失败", slog.Any("error", err))
		}
	}
	return failure
}

// Get 按 ID 查询。
func (s *Service) Get(ctx context.Context, id int64) (*storage.Agent, error) {
	return s.repo.Get(ctx, id)
}

// ListByDeveloper 返回开发者的全部 Agent。
func (s *Service) ListByDeveloper(ctx context.Context, developerID string) ([]storage.Agent, error) {
	developerID = strings.TrimSpace(developerID)
	if developerID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "devId is required")
	}
	return s.repo.ListByDeveloper(ctx, developerID)
}

// Count 返回记录总数。
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.repo.Count(ctx)
}
