package chat

import (
	"fmt"
	"time"

	xerrors "ABIAgent-Chain/internal/errors"
)

// Sender identifies who wrote a message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// Status is the mutable part of a message.
type Status string

const (
	StatusNone      Status = ""
	StatusUnpaid    Status = "unpaid"
	StatusPaid      Status = "paid"
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

var transitions = map[Status][]Status{
	StatusUnpaid:  {StatusPaid},
	StatusPending: {StatusConfirmed, StatusFailed},
}

// CanTransition reports whether from may be patched to to.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Message is one entry of a session log. Only Status changes after append.
type Message struct {
	ID        string    `json:"id"`
	Seq       int       `json:"seq"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Status    Status    `json:"status,omitempty"`
	TxHash    string    `json:"txHash,omitempty"`
	Link      string    `json:"link,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// MessageOption decorates a message before it is appended.
type MessageOption func(*Message)

// WithStatus sets the initial status. Only unpaid and pending may be set at
// append time since every later status is reached through a patch.
func WithStatus(s Status) MessageOption {
	return func(m *Message) { m.Status = s }
}

// WithTransaction attaches a transaction hash and its explorer link.
func WithTransaction(hash, link string) MessageOption {
	return func(m *Message) {
		m.TxHash = hash
		m.Link = link
	}
}

func invalidTransition(id string, from, to Status) error {
	return xerrors.New(xerrors.CodeInvalidArgument,
		fmt.Sprintf("message %s cannot move from %q to %q", id, from, to))
}
