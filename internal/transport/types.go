package transport

import "context"

// Update is an inbound chat message normalized away from the concrete
// chat platform.
type Update struct {
	MessageID    int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
}

// ChatTarget identifies a destination chat.
type ChatTarget struct {
	ChatID int64
}

type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Adapter is the chat-platform boundary. The core only ever talks to chat
// through this interface.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}
