// Package channels provides the bidirectional chat connection to the human
// operator.
//
// The submission pipeline never talks to the operator directly; it hands a
// one-line notice to a Channel and forgets about it. Replies arrive
// unprompted on the same Channel and are fed to an InboundHandler, which in
// the verification flow parses them for one-time codes.
//
//	ch, _ := channels.NewTelegram(cfg)
//	go channels.Serve(ctx, ch, handler, logger)
package channels

import (
	"context"
	"log/slog"
	"time"
)

// Direction indicates whether a message was received from the operator or
// sent by the system.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// String returns "inbound" or "outbound".
func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// Message is a platform-normalized chat message. SenderID and RecipientID
// carry the platform's native chat handle (for Telegram, the chat ID as a
// decimal string) and double as the verification mailbox chat handle.
type Message struct {
	ID          string            `json:"id"`
	Platform    string            `json:"platform"`
	Direction   Direction         `json:"direction"`
	SenderID    string            `json:"sender_id"`
	RecipientID string            `json:"recipient_id"`
	Text        string            `json:"text"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Status describes the current state of a channel connection.
type Status struct {
	Connected   bool      `json:"connected"`
	Platform    string    `json:"platform"`
	LastMessage time.Time `json:"last_message"`
	Error       string    `json:"error,omitempty"`
}

// Channel is a bidirectional connection to a chat platform. Listen returns a
// channel of inbound messages that is closed when the context is cancelled
// or Close is called; Send pushes an outbound message.
type Channel interface {
	Listen(ctx context.Context) <-chan Message
	Send(ctx context.Context, msg Message) error
	Status() Status
	Close() error
}

// InboundHandler processes one inbound message and returns zero or more
// replies to send back. Returning nil messages means no reply.
type InboundHandler func(ctx context.Context, msg Message) ([]Message, error)

// Serve pumps inbound messages from ch through handler until ctx is
// cancelled or the channel's listen stream closes. Handler errors and send
// errors are logged, never fatal: a bad operator message must not take the
// relay down.
func Serve(ctx context.Context, ch Channel, handler InboundHandler, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for msg := range ch.Listen(ctx) {
		replies, err := handler(ctx, msg)
		if err != nil {
			logger.Error("channels: inbound handler failed", "platform", msg.Platform, "error", err)
			continue
		}
		for _, reply := range replies {
			if err := ch.Send(ctx, reply); err != nil {
				logger.Error("channels: send failed", "platform", reply.Platform, "error", err)
			}
		}
	}
}
