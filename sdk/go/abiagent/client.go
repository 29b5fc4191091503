// Package abiagent is a small Go client for the ABIAgent Chain REST API.
package abiagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Sending a chat message may wait for a transaction receipt, so it is generous.
const DefaultHTTPTimeout = 3 * time.Minute

// Client wraps the HTTP interactions with the ABIAgent Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// AgentRegistration is the payload for registering an agent.
type AgentRegistration struct {
	DeveloperID     string `json:"developerId"`
	AgentName       string `json:"agentName"`
	Prompt          string `json:"prompt"`
	ContractAddress string `json:"contractAddress"`
	ABI             string `json:"abi"`
}

// RegisteredAgent is the response of a successful registration.
type RegisteredAgent struct {
	Message     string `json:"message"`
	CodeSnippet string `json:"codeSnippet"`
	AgentID     int64  `json:"agentId"`
}

// Agent is a stored agent record.
type Agent struct {
	ID              int64     `json:"id"`
	DeveloperID     string    `json:"developerId"`
	AgentName       string    `json:"agentName"`
	Prompt          string    `json:"prompt"`
	ContractAddress string    `json:"contractAddress"`
	ABI             string    `json:"abi"`
	CodeSnippet     string    `json:"codeSnippet"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Wallet is the wallet state attached to a chat session.
type Wallet struct {
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}

// Message is one chat message.
type Message struct {
	ID        string    `json:"id"`
	Seq       int       `json:"seq"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Status    string    `json:"status,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is a snapshot of a chat session.
type Session struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	Wallet    Wallet    `json:"wallet"`
	Messages  []Message `json:"messages"`
	Busy      bool      `json:"busy"`
	CreatedAt time.Time `json:"createdAt"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"error"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("abiagent api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("abiagent api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// RegisterAgent stores a new agent and returns its embed snippet.
func (c *Client) RegisterAgent(ctx context.Context, reg AgentRegistration) (RegisteredAgent, error) {
	var out RegisteredAgent
	err := c.send(ctx, http.MethodPost, "/api/agents", nil, reg, &out)
	return out, err
}

// ListAgents returns the agents of a developer.
func (c *Client) ListAgents(ctx context.Context, developerID string) ([]Agent, error) {
	var out []Agent
	err := c.send(ctx, http.MethodGet, "/api/agents", url.Values{"devId": {developerID}}, nil, &out)
	return out, err
}

// GetAgent fetches one agent.
func (c *Client) GetAgent(ctx context.Context, id int64) (Agent, error) {
	var out Agent
	err := c.send(ctx, http.MethodGet, "/api/agents/"+strconv.FormatInt(id, 10), nil, nil, &out)
	return out, err
}

// CreateSession opens a chat session with an agent. An empty wallet address
// opens the session with no wallet connected.
func (c *Client) CreateSession(ctx context.Context, agentID int64, walletAddress string) (Session, error) {
	var out Session
	body := map[string]any{"agentId": strconv.FormatInt(agentID, 10)}
	if walletAddress != "" {
		body["walletAddress"] = walletAddress
	}
	err := c.send(ctx, http.MethodPost, "/api/chat/sessions", nil, body, &out)
	return out, err
}

// GetSession returns the current snapshot of a session.
func (c *Client) GetSession(ctx context.Context, sessionID string) (Session, error) {
	var out Session
	err := c.send(ctx, http.MethodGet, sessionPath(sessionID), nil, nil, &out)
	return out, err
}

// DeleteSession closes a session.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.send(ctx, http.MethodDelete, sessionPath(sessionID), nil, nil, nil)
}

// SetWallet replaces the wallet state of a session.
func (c *Client) SetWallet(ctx context.Context, sessionID string, wallet Wallet) (Wallet, error) {
	var out Wallet
	err := c.send(ctx, http.MethodPut, sessionPath(sessionID, "wallet"), nil, wallet, &out)
	return out, err
}

// SendMessage sends a user message and returns every message the turn
// appended, the user message first.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) ([]Message, error) {
	var out struct {
		Messages []Message `json:"messages"`
	}
	err := c.send(ctx, http.MethodPost, sessionPath(sessionID, "messages"), nil, map[string]string{"message": text}, &out)
	return out.Messages, err
}

// PatchMessage moves a message to a new status.
func (c *Client) PatchMessage(ctx context.Context, sessionID, messageID, status string) (Message, error) {
	var out Message
	err := c.send(ctx, http.MethodPatch, sessionPath(sessionID, "messages", messageID), nil, map[string]string{"status": status}, &out)
	return out, err
}

func sessionPath(id string, parts ...string) string {
	return path.Join(append([]string{"/api/chat/sessions", url.PathEscape(id)}, parts...)...)
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint)})
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
