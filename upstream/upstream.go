// Package upstream defines the boundary to the Telegram client library that
// owns MTProto transport, file storage and authorization. botgate treats it
// as an external collaborator: per-bot sessions deliver inbound updates and
// send completions over an event channel, while request/response methods are
// blocking calls.
package upstream

import (
	"context"
	"encoding/json"

	"github.com/prilive-com/botgate/tg"
)

// EventType discriminates session events.
type EventType int

const (
	// EventAuthorized reports that the bot's token was accepted; Bot is set.
	EventAuthorized EventType = iota
	// EventAuthClosed reports a terminated session (logOut, token revoked);
	// Err carries the cause.
	EventAuthClosed
	// EventUpdate carries one inbound update; Kind, ConversationID and
	// Payload are set.
	EventUpdate
	// EventSendSucceeded completes a message initiated by Send;
	// TempMessageID correlates, Payload is the final rendered message.
	EventSendSucceeded
	// EventSendFailed completes a message initiated by Send with an error.
	EventSendFailed
)

// BotInfo is the session owner's identity as reported on authorization.
type BotInfo struct {
	ID                      int64
	Username                string
	FirstName               string
	CanJoinGroups           bool
	CanReadAllGroupMessages bool
	SupportsInlineQueries   bool
}

// Event is one asynchronous session event.
type Event struct {
	Type           EventType
	Bot            BotInfo
	Err            error
	Kind           tg.UpdateType
	ConversationID int64
	Payload        json.RawMessage
	TempMessageID  int64
}

// SendRequest initiates one send-like method. MessageCount is the number of
// messages the call will produce (media groups produce several); each gets
// its own temporary id and completion event.
type SendRequest struct {
	ChatID       int64
	Method       string
	Params       json.RawMessage
	MessageCount int
}

// Client is one bot's upstream session. Events must be drained until the
// channel closes; methods may be called from a single goroutine only.
type Client interface {
	// Events yields session events. The channel is closed after Close or a
	// terminal EventAuthClosed.
	Events() <-chan Event

	// GetMe returns the bot's own user object. Usable before authorization
	// completes.
	GetMe(ctx context.Context) (json.RawMessage, error)

	// Execute performs one request/response bot API method and returns the
	// result document.
	Execute(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

	// Send initiates a send-like method and returns the temporary message
	// ids; completions arrive as EventSendSucceeded or EventSendFailed.
	Send(ctx context.Context, req SendRequest) ([]int64, error)

	// ResolveBotUsername maps a bot username referenced from inline
	// keyboards or inline results to its user id.
	ResolveBotUsername(ctx context.Context, username string) (int64, error)

	// Close terminates the session and releases its resources.
	Close() error
}

// Connector opens upstream sessions, one per bot token.
type Connector interface {
	Connect(ctx context.Context, token tg.Token) (Client, error)
}
