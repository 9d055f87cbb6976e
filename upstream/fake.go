package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/prilive-com/botgate/tg"
)

// FakeConnector hands out Fake sessions. It stands in for the real MTProto
// transport in tests and in the standalone demo mode of the server binary.
type FakeConnector struct {
	mu       sync.Mutex
	sessions map[string]*Fake

	// ManualAuth suppresses the automatic EventAuthorized on Connect so
	// tests can exercise the pre-authorization command queue.
	ManualAuth bool
}

// NewFakeConnector returns an empty connector.
func NewFakeConnector() *FakeConnector {
	return &FakeConnector{sessions: make(map[string]*Fake)}
}

// Connect opens (or reuses) the fake session for token.
func (c *FakeConnector) Connect(_ context.Context, token tg.Token) (Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.sessions[token.Key()]; ok {
		return f, nil
	}
	f := NewFake(BotInfo{
		ID:        token.UserID,
		Username:  fmt.Sprintf("bot%d", token.UserID),
		FirstName: "Bot",
	})
	c.sessions[token.Key()] = f
	if !c.ManualAuth {
		f.Authorize()
	}
	return f, nil
}

// Session returns the fake session for a token key, if one was connected.
func (c *FakeConnector) Session(key string) (*Fake, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.sessions[key]
	return f, ok
}

// Fake is a scriptable upstream session.
type Fake struct {
	mu         sync.Mutex
	info       BotInfo
	events     chan Event
	closed     bool
	nextTempID int64

	// ExecuteFunc scripts Execute; nil yields {"ok":true} style empty result.
	ExecuteFunc func(method string, params json.RawMessage) (json.RawMessage, error)
	// SendFunc may reject a send synchronously; nil accepts.
	SendFunc func(req SendRequest) error
	// ResolveFunc scripts username resolution; nil fails every lookup.
	ResolveFunc func(username string) (int64, error)
}

// NewFake creates an unauthorized fake session.
func NewFake(info BotInfo) *Fake {
	return &Fake{info: info, events: make(chan Event, 64)}
}

// Authorize emits EventAuthorized.
func (f *Fake) Authorize() {
	f.emit(Event{Type: EventAuthorized, Bot: f.info})
}

// InjectUpdate emits one inbound update event.
func (f *Fake) InjectUpdate(kind tg.UpdateType, conversationID int64, payload json.RawMessage) {
	f.emit(Event{Type: EventUpdate, Kind: kind, ConversationID: conversationID, Payload: payload})
}

// CompleteSend emits a successful send completion for a temporary id.
func (f *Fake) CompleteSend(tempID int64, final json.RawMessage) {
	f.emit(Event{Type: EventSendSucceeded, TempMessageID: tempID, Payload: final})
}

// FailSend emits a failed send completion for a temporary id.
func (f *Fake) FailSend(tempID int64, err error) {
	f.emit(Event{Type: EventSendFailed, TempMessageID: tempID, Err: err})
}

// CloseAuth emits a terminal EventAuthClosed and closes the event channel.
func (f *Fake) CloseAuth(err error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()
	f.events <- Event{Type: EventAuthClosed, Err: err}
	close(f.events)
}

func (f *Fake) emit(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- ev
}

func (f *Fake) Events() <-chan Event { return f.events }

func (f *Fake) GetMe(context.Context) (json.RawMessage, error) {
	body, _ := json.Marshal(map[string]any{
		"id":                          f.info.ID,
		"is_bot":                      true,
		"first_name":                  f.info.FirstName,
		"username":                    f.info.Username,
		"can_join_groups":             f.info.CanJoinGroups,
		"can_read_all_group_messages": f.info.CanReadAllGroupMessages,
		"supports_inline_queries":     f.info.SupportsInlineQueries,
	})
	return body, nil
}

func (f *Fake) Execute(_ context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	fn := f.ExecuteFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(method, params)
	}
	return json.RawMessage(`true`), nil
}

func (f *Fake) Send(_ context.Context, req SendRequest) ([]int64, error) {
	f.mu.Lock()
	fn := f.SendFunc
	f.mu.Unlock()
	if fn != nil {
		if err := fn(req); err != nil {
			return nil, err
		}
	}
	count := req.MessageCount
	if count <= 0 {
		count = 1
	}
	ids := make([]int64, count)
	f.mu.Lock()
	for i := range ids {
		f.nextTempID++
		ids[i] = f.nextTempID
	}
	f.mu.Unlock()
	return ids, nil
}

func (f *Fake) ResolveBotUsername(_ context.Context, username string) (int64, error) {
	f.mu.Lock()
	fn := f.ResolveFunc
	f.mu.Unlock()
	if fn != nil {
		return fn(username)
	}
	return 0, tg.BadRequest("bot username not found: " + username)
}

// Close terminates the session without an AuthClosed event.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}
