package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "ABIAgent-Chain/internal/errors"
	"ABIAgent-Chain/internal/observability/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const defaultTimeout = 60 * time.Second

// Config 描述推理服务的访问参数。
type Config struct {
	ChatURL      string
	AgentSpecURL string
	APIKey       string
	Timeout      time.Duration
}

// HTTPClient 通过 HTTP 调用推理服务。
type HTTPClient struct {
	chatURL    string
	specURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClient 根据配置创建客户端。
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	chatURL := strings.TrimSpace(cfg.ChatURL)
	if chatURL == "" {
		return nil, errors.New("未配置推理服务地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		chatURL:    chatURL,
		specURL:    strings.TrimSpace(cfg.AgentSpecURL),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type chatPayload struct {
	ID      string `json:"id"`
	Prompt  string `json:"prompt"`
	AgentID string `json:"agentId"`
}

type promptBody struct {
	Query             string `json:"query"`
	IsWalletConnected string `json:"isWalletConnected"`
}

// Chat 将一条用户消息交给推理服务解析。
func (c *HTTPClient) Chat(ctx context.Context, req ChatRequest) (reply Reply, err error) {
	ctx, span := tracing.Start(ctx, "inference.chat", attribute.String("session_id", req.SessionID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(attribute.String("intent", reply.Intent))
		}
		span.End()
	}()

	prompt, err := json.Marshal(promptBody{Query: req.Query, IsWalletConnected: fmt.Sprintf("%t", req.WalletConnected)})
	if err != nil {
		return Reply{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode prompt")
	}
	body, err := json.Marshal(chatPayload{ID: req.SessionID, Prompt: string(prompt), AgentID: req.AgentID})
	if err != nil {
		return Reply{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode chat request")
	}

	resp, err := c.post(ctx, c.chatURL, body)
	if err != nil {
		return Reply{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return Reply{}, statusError("inference", resp)
	}

	var decoded struct {
		Data Reply `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Reply{}, xerrors.Wrap(xerrors.CodeDownstreamFailure, err, "解析推理服务响应失败")
	}
	return decoded.Data, nil
}

// StoreAgentSpec 保存 agent 描述；只有 200 视为成功。
func (c *HTTPClient) StoreAgentSpec(ctx context.Context, spec AgentSpec) (err error) {
	if c.specURL == "" {
		return xerrors.New(xerrors.CodeDownstreamFailure, "未配置 agent-spec 存储地址")
	}
	ctx, span := tracing.Start(ctx, "inference.store_agent_spec", attribute.String("agent_id", spec.AgentID))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	body, err := json.Marshal(spec)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode agent spec")
	}
	resp, err := c.post(ctx, c.specURL, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError("agent-spec store", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *HTTPClient) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeDownstreamFailure, err, "构建请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "请求推理服务超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeDownstreamFailure, err, "请求推理服务失败")
	}
	return resp, nil
}

func statusError(name string, resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return xerrors.New(xerrors.CodeDownstreamFailure,
		fmt.Sprintf("%s 返回错误状态 %d: %s", name, resp.StatusCode, strings.TrimSpace(string(snippet))),
		xerrors.WithMetadata("status", fmt.Sprintf("%d", resp.StatusCode)))
}
