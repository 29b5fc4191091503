package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"ABIAgent-Chain/internal/agent"
	"ABIAgent-Chain/internal/chat"
	xerrors "ABIAgent-Chain/internal/errors"
	"ABIAgent-Chain/internal/inference"
	"ABIAgent-Chain/internal/storage"
	"ABIAgent-Chain/internal/web3"
	"ABIAgent-Chain/internal/web3/invoke"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
)

const testABI = `[{"type":"function","name":"ping","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]}]`

type stubSpecs struct {
	mu  sync.Mutex
	err error
}

func (s *stubSpecs) StoreAgentSpec(context.Context, inference.AgentSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

type stubInference struct {
	reply inference.Reply
	err   error
	block chan struct{}
	ready chan struct{}
}

func (s *stubInference) Chat(context.Context, inference.ChatRequest) (inference.Reply, error) {
	if s.ready != nil {
		s.ready <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	return s.reply, s.err
}

type noWallet struct{}

func (noWallet) Ensure(context.Context, common.Address) (chat.ContractSession, error) {
	return nil, xerrors.New(xerrors.CodeWalletUnavailable, "")
}

type stubChains struct{}

func (stubChains) Snapshots(context.Context) []web3.ChainSnapshot {
	return []web3.ChainSnapshot{{Name: "sepolia", ChainID: "11155111", BlockNumber: "42"}}
}

type fixture struct {
	srv   *Server
	specs *stubSpecs
	inf   *stubInference
	repo  *storage.MemoryAgentRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := storage.NewMemoryAgentRepository()
	specs := &stubSpecs{}
	inf := &stubInference{reply: inference.Reply{Text: "Tokens cost 0.1 USDT."}}
	agents := agent.NewService(repo, specs)
	sessions := chat.NewManager(agents)
	dispatcher := chat.NewDispatcher(sessions, inf, noWallet{}, invoke.New())
	srv := NewServer(":0", Deps{
		Agents:     agents,
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Chains:     stubChains{},
	}, Options{})
	return &fixture{srv: srv, specs: specs, inf: inf, repo: repo}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func validAgent() agent.RegisterRequest {
	return agent.RegisterRequest{
		DeveloperID:     "dev-1",
		AgentName:       "Presale Bot",
		Prompt:          "Answer presale questions.",
		ContractAddress: "0x5fbdb2315678afecb367f032d93f642f64180aa3",
		ABI:             testABI,
	}
}

func (f *fixture) register(t *testing.T) registerResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/agents", validAgent())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp registerResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	return resp
}

func TestRegisterAgent(t *testing.T) {
	f := newFixture(t)
	resp := f.register(t)
	if resp.AgentID <= 0 {
		t.Fatalf("expected positive agent id, got %d", resp.AgentID)
	}
	if !strings.Contains(resp.CodeSnippet, `"`+strconv.FormatInt(resp.AgentID, 10)+`"`) {
		t.Fatalf("snippet does not embed the agent id: %s", resp.CodeSnippet)
	}
	if !strings.Contains(resp.Message, "Agent created successfully") {
		t.Fatalf("unexpected message %q", resp.Message)
	}
}

func TestRegisterAgentMissingFields(t *testing.T) {
	f := newFixture(t)
	req := validAgent()
	req.Prompt = ""
	rec := f.do(t, http.MethodPost, "/api/agents", req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body errorBody
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if body.Error != "Missing required fields" {
		t.Fatalf("unexpected error %q", body.Error)
	}
}

func TestRegisterAgentSpecFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.specs.err = xerrors.New(xerrors.CodeDownstreamFailure, "inference returned 502")

	rec := f.do(t, http.MethodPost, "/api/agents", validAgent())
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body errorBody
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body.Error != "Failed to send data to external server, agent deleted." {
		t.Fatalf("unexpected error %q", body.Error)
	}
	if n, _ := f.repo.Count(context.Background()); n != 0 {
		t.Fatalf("agent should have been deleted, %d left", n)
	}
}

func TestListAndGetAgents(t *testing.T) {
	f := newFixture(t)
	first := f.register(t)
	f.register(t)

	rec := f.do(t, http.MethodGet, "/api/agents?devId=dev-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	var list []storage.Agent
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list) != 2 || list[0].ID != first.AgentID {
		t.Fatalf("unexpected list %+v", list)
	}

	rec = f.do(t, http.MethodGet, "/api/agents?devId=nobody", nil)
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty list should be [], got %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/api/agents/"+strconv.FormatInt(first.AgentID, 10), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	for _, path := range []string{"/api/agents/999", "/api/agents/abc"} {
		if rec := f.do(t, http.MethodGet, path, nil); rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
	}
}

func (f *fixture) openSession(t *testing.T, agentID int64, wallet string) chat.Snapshot {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/chat/sessions", createSessionRequest{
		AgentID:       strconv.FormatInt(agentID, 10),
		WalletAddress: wallet,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: %d %s", rec.Code, rec.Body.String())
	}
	var snap chat.Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func TestChatFlow(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	snap := f.openSession(t, reg.AgentID, "")
	if len(snap.Messages) != 1 || snap.Messages[0].Content != chat.Greeting {
		t.Fatalf("session should start with the greeting: %+v", snap.Messages)
	}

	rec := f.do(t, http.MethodPost, "/api/chat/sessions/"+snap.ID+"/messages", sendMessageRequest{Message: "price?"})
	if rec.Code != http.StatusOK {
		t.Fatalf("send: %d %s", rec.Code, rec.Body.String())
	}
	var sent sendMessageResponse
	if err := json.NewDecoder(rec.Body).Decode(&sent); err != nil {
		t.Fatalf("decode send: %v", err)
	}
	if len(sent.Messages) != 2 || sent.Messages[0].Sender != chat.SenderUser || sent.Messages[1].Content != "Tokens cost 0.1 USDT." {
		t.Fatalf("unexpected messages %+v", sent.Messages)
	}

	rec = f.do(t, http.MethodPost, "/api/chat/sessions/"+snap.ID+"/messages", sendMessageRequest{Message: "  "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("blank message: expected 400, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/chat/sessions/"+snap.ID, nil)
	var full chat.Snapshot
	_ = json.NewDecoder(rec.Body).Decode(&full)
	if len(full.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(full.Messages))
	}

	if rec := f.do(t, http.MethodDelete, "/api/chat/sessions/"+snap.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/chat/sessions/"+snap.ID, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("deleted session: expected 404, got %d", rec.Code)
	}
}

func TestCreateSessionUnknownAgent(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/chat/sessions", createSessionRequest{AgentID: "77"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestFunctionCallWithoutWallet(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	snap := f.openSession(t, reg.AgentID, "")
	f.inf.reply = inference.Reply{Intent: inference.IntentFinalJSON, Meta: &inference.MetaData{FunctionName: "contributeUSDT"}}

	rec := f.do(t, http.MethodPost, "/api/chat/sessions/"+snap.ID+"/messages", sendMessageRequest{Message: "buy"})
	var sent sendMessageResponse
	_ = json.NewDecoder(rec.Body).Decode(&sent)
	if last := sent.Messages[len(sent.Messages)-1]; last.Content != chat.ReplyConnectWallet {
		t.Fatalf("expected connect-wallet refusal, got %q", last.Content)
	}
}

func TestConcurrentSendIsBusy(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	snap := f.openSession(t, reg.AgentID, "")
	f.inf.block = make(chan struct{})
	f.inf.ready = make(chan struct{}, 1)

	done := make(chan int, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/chat/sessions/"+snap.ID+"/messages",
			strings.NewReader(`{"message":"one"}`))
		rec := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(rec, req)
		done <- rec.Code
	}()
	<-f.inf.ready

	rec := f.do(t, http.MethodPost, "/api/chat/sessions/"+snap.ID+"/messages", sendMessageRequest{Message: "two"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	close(f.inf.block)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("first send: %d", code)
	}
}

func TestPatchMessageStatus(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	snap := f.openSession(t, reg.AgentID, "")

	sess, err := f.srv.deps.Sessions.Get(snap.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	msg := sess.AppendMessage(chat.SenderAssistant, "Pay 10 USDT", chat.WithStatus(chat.StatusUnpaid))
	path := "/api/chat/sessions/" + snap.ID + "/messages/" + msg.ID

	rec := f.do(t, http.MethodPatch, path, patchMessageRequest{Status: chat.StatusPaid})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPatch, path, patchMessageRequest{Status: chat.StatusUnpaid})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("backwards transition: expected 400, got %d", rec.Code)
	}
	tx := sess.AppendMessage(chat.SenderAssistant, "Transaction submitted",
		chat.WithStatus(chat.StatusPending), chat.WithTransaction("0xabc", "https://sepolia.etherscan.io/tx/0xabc"))
	for _, status := range []chat.Status{chat.StatusConfirmed, chat.StatusFailed, chat.StatusNone} {
		rec = f.do(t, http.MethodPatch, "/api/chat/sessions/"+snap.ID+"/messages/"+tx.ID, patchMessageRequest{Status: status})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("client set %q on a transaction: expected 400, got %d", status, rec.Code)
		}
	}
	if got := sess.Messages(); got[len(got)-1].Status != chat.StatusPending {
		t.Fatalf("transaction status must be untouched, got %s", got[len(got)-1].Status)
	}

	rec = f.do(t, http.MethodPatch, "/api/chat/sessions/"+snap.ID+"/messages/missing", patchMessageRequest{Status: chat.StatusPaid})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown message: expected 404, got %d", rec.Code)
	}
}

func TestSetWallet(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	snap := f.openSession(t, reg.AgentID, "")

	rec := f.do(t, http.MethodPut, "/api/chat/sessions/"+snap.ID+"/wallet",
		chat.Wallet{Address: "0x00000000000000000000000000000000000000a1", Connected: true})
	if rec.Code != http.StatusOK {
		t.Fatalf("set wallet: %d", rec.Code)
	}
	sess, _ := f.srv.deps.Sessions.Get(snap.ID)
	if _, ok := sess.Wallet().Account(); !ok {
		t.Fatalf("wallet should be connected")
	}
}

func TestSessionEventsOverWebsocket(t *testing.T) {
	f := newFixture(t)
	reg := f.register(t)
	snap := f.openSession(t, reg.AgentID, "")

	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/chat/sessions/" + snap.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first snapshotFrame
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != "session.snapshot" || first.Session.ID != snap.ID {
		t.Fatalf("unexpected first frame %+v", first)
	}

	sent := make(chan int, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/api/chat/sessions/"+snap.ID+"/messages",
			strings.NewReader(`{"message":"hi"}`))
		rec := httptest.NewRecorder()
		f.srv.Handler().ServeHTTP(rec, req)
		sent <- rec.Code
	}()

	var senders []chat.Sender
	for len(senders) < 2 {
		var u chat.Update
		if err := conn.ReadJSON(&u); err != nil {
			t.Fatalf("read update: %v", err)
		}
		if u.Kind != chat.UpdateAppended {
			t.Fatalf("unexpected update kind %s", u.Kind)
		}
		senders = append(senders, u.Message.Sender)
	}
	if senders[0] != chat.SenderUser || senders[1] != chat.SenderAssistant {
		t.Fatalf("unexpected order %v", senders)
	}
	if code := <-sent; code != http.StatusOK {
		t.Fatalf("send: %d", code)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	f.register(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	var resp healthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || resp.Agents == nil || *resp.Agents != 1 || len(resp.Chains) != 1 {
		t.Fatalf("unexpected health %+v", resp)
	}
}

func TestPresaleRoutesUnavailableWithoutWallet(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/presale/wallet", "/api/presale/quote?amount=1", "/api/presale/balances/0x00000000000000000000000000000000000000a1"} {
		if rec := f.do(t, http.MethodGet, path, nil); rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s: expected 503, got %d", path, rec.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/healthz", nil)
	rec := f.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "http_requests_total") {
		t.Fatalf("metrics output missing request counter: %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	f.srv.deps.AllowedOrigins = []string{"https://app.example"}
	req := httptest.NewRequest(http.MethodOptions, "/api/agents", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
}
