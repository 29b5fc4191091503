// Package inference talks to the external natural-language service that
// turns a chat message into either a reply or a tagged contract intent, and
// to the agent-spec store used at registration time.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"ABIAgent-Chain/internal/web3/invoke"
)

// Intent tags returned by the service.
const (
	IntentFinalJSON = "final_json"
	IntentApprove   = "get_approve"
)

// ChatRequest is one user message sent for interpretation.
type ChatRequest struct {
	SessionID       string
	Query           string
	WalletConnected bool
	AgentID         string
}

// Reply 是推理服务的结构化输出。
type Reply struct {
	Text   string    `json:"text"`
	Intent string    `json:"intent"`
	Meta   *MetaData `json:"meta_data,omitempty"`
}

// MetaData describes the contract call attached to a final_json intent.
type MetaData struct {
	Contract     string          `json:"contract"`
	FunctionName string          `json:"functionName"`
	GasLimit     FlexUint        `json:"gasLimit"`
	Parameters   json.RawMessage `json:"parameters"`
	Value        string          `json:"value,omitempty"`
}

// Call converts the metadata into an invoker call. Parameters sent as a
// JSON-encoded string are unwrapped.
func (m MetaData) Call() invoke.Call {
	return invoke.Call{
		FunctionName: strings.TrimSpace(m.FunctionName),
		Parameters:   unwrapParameters(m.Parameters),
		GasLimit:     uint64(m.GasLimit),
		Contract:     strings.TrimSpace(m.Contract),
		Value:        strings.TrimSpace(m.Value),
	}
}

func unwrapParameters(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return trimmed
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return trimmed
	}
	inner = strings.TrimSpace(inner)
	if strings.HasPrefix(inner, "[") || strings.HasPrefix(inner, "{") {
		return json.RawMessage(inner)
	}
	return trimmed
}

// FlexUint accepts a JSON number or a decimal string.
type FlexUint uint64

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexUint) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	s = strings.Trim(s, `"`)
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return fmt.Errorf("gasLimit %q is not an unsigned integer", s)
	}
	*f = FlexUint(n)
	return nil
}

// AgentSpec is what registration stores with the inference side.
type AgentSpec struct {
	AgentID  string `json:"agentId"`
	Spec     string `json:"agentSpec"`
	ABI      string `json:"agentABI"`
	Contract string `json:"contract"`
}

// Client is the inference surface the daemon depends on.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (Reply, error)
	StoreAgentSpec(ctx context.Context, spec AgentSpec) error
}
