package chat

import (
	"fmt"
	"strings"
	"sync"
	"time"

	xerrors "ABIAgent-Chain/internal/errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Wallet is what the end user's page reports about its wallet.
type Wallet struct {
	Address   string `json:"address"`
	Connected bool   `json:"connected"`
}

// Account returns the wallet address when it is connected and well formed.
func (w Wallet) Account() (common.Address, bool) {
	if !w.Connected || !common.IsHexAddress(strings.TrimSpace(w.Address)) {
		return common.Address{}, false
	}
	return common.HexToAddress(strings.TrimSpace(w.Address)), true
}

// UpdateKind tells subscribers what happened to a message.
type UpdateKind string

const (
	UpdateAppended UpdateKind = "message.appended"
	UpdatePatched  UpdateKind = "message.patched"
)

// Update is pushed to subscribers after every mutation.
type Update struct {
	Kind    UpdateKind `json:"type"`
	Session string     `json:"sessionId"`
	Message Message    `json:"message"`
}

// Snapshot is a copy of a session safe to hand out.
type Snapshot struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	Wallet    Wallet    `json:"wallet"`
	Messages  []Message `json:"messages"`
	Busy      bool      `json:"busy"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is the state of one conversation. Messages are append-only and the
// only mutation of an existing message is PatchMessageStatus.
type Session struct {
	id        string
	agentID   string
	createdAt time.Time

	mu       sync.Mutex
	wallet   Wallet
	messages []Message
	index    map[string]int
	busy     bool
	subs     map[int]chan Update
	nextSub  int
	closed   bool
	now      func() time.Time
}

func newSession(id, agentID string, wallet Wallet) *Session {
	return &Session{
		id:        id,
		agentID:   agentID,
		wallet:    wallet,
		index:     make(map[string]int),
		subs:      make(map[int]chan Update),
		createdAt: time.Now().UTC(),
		now:       time.Now,
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// AgentID returns the agent this session talks to.
func (s *Session) AgentID() string { return s.agentID }

// Wallet returns the last reported wallet state.
func (s *Session) Wallet() Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallet
}

// SetWallet records a wallet change reported by the page.
func (s *Session) SetWallet(w Wallet) {
	w.Address = strings.TrimSpace(w.Address)
	s.mu.Lock()
	s.wallet = w
	s.mu.Unlock()
}

// AppendMessage adds a message at the end of the log.
func (s *Session) AppendMessage(sender Sender, content string, opts ...MessageOption) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := Message{
		ID:        uuid.NewString(),
		Seq:       len(s.messages) + 1,
		Sender:    sender,
		Content:   content,
		CreatedAt: s.now().UTC(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&msg)
		}
	}
	s.index[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	s.publishLocked(Update{Kind: UpdateAppended, Session: s.id, Message: msg})
	return msg
}

// PatchMessageStatus moves a message along an allowed status transition.
func (s *Session) PatchMessageStatus(id string, status Status) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[id]
	if !ok {
		return Message{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("message %s not found", id))
	}
	msg := s.messages[i]
	if !CanTransition(msg.Status, status) {
		return Message{}, invalidTransition(id, msg.Status, status)
	}
	msg.Status = status
	s.messages[i] = msg
	s.publishLocked(Update{Kind: UpdatePatched, Session: s.id, Message: msg})
	return msg, nil
}

// Messages returns a copy of the log.
func (s *Session) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Since returns the messages with Seq >= seq.
func (s *Session) Since(seq int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < 1 {
		seq = 1
	}
	if seq > len(s.messages) {
		return []Message{}
	}
	return append([]Message(nil), s.messages[seq-1:]...)
}

// Snapshot copies the whole session.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:        s.id,
		AgentID:   s.agentID,
		Wallet:    s.wallet,
		Messages:  append([]Message(nil), s.messages...),
		Busy:      s.busy,
		CreatedAt: s.createdAt,
	}
}

// tryBegin marks the session busy. It fails when a dispatch is in flight.
func (s *Session) tryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy || s.closed {
		return false
	}
	s.busy = true
	return true
}

func (s *Session) end() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

// Subscribe streams updates until cancel is called or the session closes.
// Updates are dropped for subscribers whose buffer is full.
func (s *Session) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Update, buffer)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	key := s.nextSub
	s.nextSub++
	s.subs[key] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, ok := s.subs[key]; ok {
				delete(s.subs, key)
				close(sub)
			}
		})
	}
}

func (s *Session) publishLocked(u Update) {
	for _, ch := range s.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, ch := range s.subs {
		delete(s.subs, key)
		close(ch)
	}
}
