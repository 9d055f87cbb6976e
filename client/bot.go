// Package client hosts the per-bot actor: it authorizes the bot with the
// upstream session, translates HTTP queries into upstream calls, accumulates
// inbound updates into the bot's TQueue filtered by the allowed-update mask,
// and owns the bot's delivery mode (long poll or webhook).
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/prilive-com/botgate/internal/resilience"
	"github.com/prilive-com/botgate/stats"
	"github.com/prilive-com/botgate/tg"
	"github.com/prilive-com/botgate/tqueue"
	"github.com/prilive-com/botgate/upstream"
	"github.com/prilive-com/botgate/webhook"
	"github.com/prilive-com/botgate/webhookdb"
)

const (
	defaultUpdateTTL = 24 * time.Hour
	// maxChatMessages caps outstanding sends per chat; further sends wait
	// for completions.
	maxChatMessages = 310
	maxCmdQueue     = 1024
	execQueueSize   = 512
)

// Config carries the per-bot tunables the manager passes down.
type Config struct {
	Token                 tg.Token
	LocalMode             bool
	UpdateTTL             time.Duration
	RetryBaseDelay        time.Duration
	MaxWebhookConnections int
	Close410After         time.Duration
	// Proxy is an HTTP proxy URL for outbound webhook deliveries; empty
	// connects directly.
	Proxy string
}

func (c *Config) fillDefaults() {
	if c.UpdateTTL <= 0 {
		c.UpdateTTL = defaultUpdateTTL
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.MaxWebhookConnections <= 0 {
		c.MaxWebhookConnections = webhook.MaxConnectionsLimit
	}
}

// Deps wires the bot actor into the shared process state.
type Deps struct {
	Logger    *slog.Logger
	Queue     *tqueue.TQueue
	Registry  *webhookdb.Registry
	Connector upstream.Connector
	Stats     *stats.Bot
	// OnHangup is called once when the actor terminates, after its state is
	// torn down; the manager de-registers the bot there.
	OnHangup func()
}

// Bot is one bot's actor. Queries enter via Enqueue; all mutable state is
// owned by the run goroutine except the entity caches, which the background
// executor shares under their own locks.
type Bot struct {
	logger *slog.Logger
	cfg    Config
	deps   Deps

	queueID  int64
	proxyURL *url.URL

	queries   chan *Query
	notifyCh  chan struct{}
	whEvents  chan webhookEvent
	resolveCh chan resolveDone
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once

	ctx     context.Context
	session upstream.Client

	// run-goroutine state
	authorized bool
	botInfo    upstream.BotInfo
	closing    bool
	cmdQueue   []*Query
	allowed    tg.UpdateMask
	execCh     chan *Query
	breaker    *gobreaker.CircuitBreaker[json.RawMessage]

	hook     *webhook.Actor
	hookDesc webhookdb.Descriptor
	hookSet  bool

	lp       *longPoll
	lpOffset int32

	sendState
	resolveState

	users *entityCache
	chats *entityCache
}

// NewBot creates the actor; Start launches it.
func NewBot(cfg Config, deps Deps) *Bot {
	cfg.fillDefaults()
	b := &Bot{
		logger:    deps.Logger.With("bot_id", cfg.Token.UserID),
		cfg:       cfg,
		deps:      deps,
		queueID:   cfg.Token.QueueBase(),
		queries:   make(chan *Query, 64),
		notifyCh:  make(chan struct{}, 1),
		whEvents:  make(chan webhookEvent, 64),
		resolveCh: make(chan resolveDone, 16),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		allowed:   tg.DefaultUpdateMask,
		execCh:    make(chan *Query, execQueueSize),
		users:     newEntityCache(),
		chats:     newEntityCache(),
	}
	if cfg.Proxy != "" {
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			b.logger.Warn("bot: ignoring malformed proxy URL", "error", err)
		} else {
			b.proxyURL = u
		}
	}
	bcfg := resilience.DefaultBreakerConfig("upstream-" + strconv.FormatInt(cfg.Token.UserID, 10))
	// An error the upstream answered (4xx) is a valid response, not an
	// upstream outage.
	bcfg.IsSuccessful = func(err error) bool {
		return err == nil || tg.AsAPIError(err).Code < 500
	}
	b.breaker = resilience.NewBreaker[json.RawMessage](bcfg)
	b.sendState.init()
	b.resolveState.init()
	return b
}

// QueueID returns the bot's TQueue id.
func (b *Bot) QueueID() int64 { return b.queueID }

// Start launches the actor goroutines.
func (b *Bot) Start(ctx context.Context) {
	b.ctx = ctx
	go b.run(ctx)
}

// Stop terminates the actor and waits for teardown.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.doneCh
}

// Enqueue hands a query to the actor. Queries that cannot be accepted are
// answered with a retryable 429.
func (b *Bot) Enqueue(q *Query) {
	select {
	case b.queries <- q:
	case <-b.stopCh:
		q.Fail(tg.ErrShuttingDown)
	case <-b.doneCh:
		q.Fail(tg.ErrShuttingDown)
	}
}

func (b *Bot) notify() {
	select {
	case b.notifyCh <- struct{}{}:
	default:
	}
}

func (b *Bot) run(ctx context.Context) {
	defer close(b.doneCh)
	defer b.teardown()

	session, err := b.deps.Connector.Connect(ctx, b.cfg.Token)
	if err != nil {
		b.logger.Error("bot: upstream connect failed", "error", err)
		return
	}
	b.session = session

	go b.executor(ctx)

	b.deps.Queue.SetListener(b.queueID, b.notify)
	defer b.deps.Queue.SetListener(b.queueID, nil)

	lpTimer := time.NewTimer(time.Hour)
	defer lpTimer.Stop()

	for {
		b.armLongPollTimer(lpTimer)
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case q := <-b.queries:
			if b.handleQuery(q) {
				return
			}
		case ev, ok := <-session.Events():
			if !ok {
				b.onAuthClosed(tg.ErrUnauthorized)
				return
			}
			if b.handleUpstream(ev) {
				return
			}
		case <-b.notifyCh:
			b.onQueuePush(time.Now())
		case we := <-b.whEvents:
			b.handleWebhookEvent(we)
		case rd := <-b.resolveCh:
			b.handleResolveDone(rd)
		case <-lpTimer.C:
			b.onLongPollTimer(time.Now())
		}
	}
}

// handleQuery dispatches one inbound query. Returns true when the actor must
// terminate (close/logOut).
func (b *Bot) handleQuery(q *Query) bool {
	if b.closing {
		q.Fail(tg.ErrShuttingDown)
		return false
	}

	switch q.Method {
	case "getme":
		// Introspection is answered before authorization completes.
		b.answerGetMe(q)
		return false
	case "close", "logout":
		return b.handleClose(q)
	}

	if !b.authorized {
		if len(b.cmdQueue) >= maxCmdQueue {
			q.Fail(tg.RetryAfterError(1))
			return false
		}
		b.cmdQueue = append(b.cmdQueue, q)
		return false
	}

	switch q.Method {
	case "getupdates":
		b.handleGetUpdates(q, time.Now())
	case "setwebhook":
		b.handleSetWebhook(q, time.Now())
	case "deletewebhook":
		b.handleDeleteWebhook(q, time.Now())
	case "getwebhookinfo":
		b.handleGetWebhookInfo(q)
	case "getchat":
		b.handleGetChat(q)
	default:
		if sendMethods[q.Method] {
			b.handleSend(q, time.Now())
			return false
		}
		b.passthrough(q)
	}
	return false
}

func (b *Bot) answerGetMe(q *Query) {
	session := b.session
	go func() {
		ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
		defer cancel()
		body, err := session.GetMe(ctx)
		if err != nil {
			q.Fail(err)
			return
		}
		q.Answer(body)
	}()
}

// passthrough forwards a request/response method to the ordered executor.
func (b *Bot) passthrough(q *Query) {
	select {
	case b.execCh <- q:
	default:
		q.Fail(tg.RetryAfterError(1))
	}
}

// executor drains passthrough methods FIFO so per-bot response order is
// preserved for them.
func (b *Bot) executor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			return
		case q := <-b.execCh:
			body, err := b.breaker.Execute(func() (json.RawMessage, error) {
				callCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
				defer cancel()
				return b.session.Execute(callCtx, q.Method, q.ParamsJSON())
			})
			if err != nil {
				if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
					err = tg.RetryAfterError(1)
				}
				q.Fail(err)
				continue
			}
			q.Answer(body)
		}
	}
}

// handleUpstream applies one session event. Returns true when the actor must
// terminate.
func (b *Bot) handleUpstream(ev upstream.Event) bool {
	switch ev.Type {
	case upstream.EventAuthorized:
		b.authorized = true
		b.botInfo = ev.Bot
		b.logger.Info("bot: authorized", "username", ev.Bot.Username)
		pending := b.cmdQueue
		b.cmdQueue = nil
		for _, q := range pending {
			if b.handleQuery(q) {
				return true
			}
		}
	case upstream.EventAuthClosed:
		b.onAuthClosed(ev.Err)
		return true
	case upstream.EventUpdate:
		b.emitUpdate(ev, time.Now())
	case upstream.EventSendSucceeded:
		b.onSendSucceeded(ev)
	case upstream.EventSendFailed:
		b.onSendFailed(ev)
	}
	return false
}

func (b *Bot) onAuthClosed(cause error) {
	if cause == nil {
		cause = tg.ErrUnauthorized
	}
	b.logger.Warn("bot: authorization closed", "error", cause)
	for _, q := range b.cmdQueue {
		q.Fail(cause)
	}
	b.cmdQueue = nil
}

// emitUpdate appends one inbound update to the TQueue, honoring the
// allowed-update mask, and refreshes the entity caches from its payload.
func (b *Bot) emitUpdate(ev upstream.Event, now time.Time) {
	b.cacheFromUpdate(ev.Kind, ev.Payload)
	if !b.allowed.Has(ev.Kind) {
		return
	}
	payload := tg.Update{Kind: ev.Kind, Payload: ev.Payload}.Encoded()
	if _, err := b.deps.Queue.Push(b.queueID, payload, now.Add(b.cfg.UpdateTTL), ev.ConversationID); err != nil {
		b.logger.Warn("bot: dropping update", "kind", ev.Kind.Name(), "error", err)
		return
	}
	if b.deps.Stats != nil {
		b.deps.Stats.Updates.Inc(now)
	}
}

func (b *Bot) onQueuePush(now time.Time) {
	if b.hook != nil {
		b.hook.Notify()
	}
	b.longPollPushed(now)
}

func (b *Bot) handleClose(q *Query) bool {
	b.closing = true
	q.AnswerBool()
	if q.Method == "logout" {
		b.session.Close()
	}
	return true
}

func (b *Bot) teardown() {
	if b.hook != nil {
		b.hook.Stop()
		b.hook = nil
	}
	if b.lp != nil {
		b.lp.q.Abandon()
		b.lp = nil
	}
	for _, q := range b.cmdQueue {
		q.Abandon()
	}
	b.cmdQueue = nil
	b.abandonSends()
	for {
		select {
		case q := <-b.queries:
			q.Fail(tg.ErrShuttingDown)
			continue
		case q := <-b.execCh:
			q.Fail(tg.ErrShuttingDown)
			continue
		default:
		}
		break
	}
	if b.session != nil {
		b.session.Close()
	}
	if b.deps.OnHangup != nil {
		b.deps.OnHangup()
	}
}

// handleGetChat serves from the entity cache when possible and writes the
// upstream result through on miss.
func (b *Bot) handleGetChat(q *Query) {
	chatID, err := q.Int64Param("chat_id", 0)
	if err != nil || chatID == 0 {
		// Non-numeric chat ids (@channelusername) go upstream untouched.
		b.passthrough(q)
		return
	}
	if entry, ok := b.chats.get(chatID); ok {
		q.Answer(entry.payload)
		return
	}
	session := b.session
	chats := b.chats
	go func() {
		ctx, cancel := context.WithTimeout(b.ctx, 60*time.Second)
		defer cancel()
		body, err := session.Execute(ctx, q.Method, q.ParamsJSON())
		if err != nil {
			q.Fail(err)
			return
		}
		chats.put(chatID, body, AccessRead)
		q.Answer(body)
	}()
}

// cacheFromUpdate write-throughs sender and chat objects and tracks the
// bot's own membership transitions.
func (b *Bot) cacheFromUpdate(kind tg.UpdateType, payload json.RawMessage) {
	var probe struct {
		From *struct {
			ID int64 `json:"id"`
		} `json:"from"`
		Chat *struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		NewChatMember *struct {
			Status string `json:"status"`
		} `json:"new_chat_member"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return
	}
	if probe.From != nil && probe.From.ID != 0 {
		b.users.touch(probe.From.ID, AccessRead)
	}
	if probe.Chat == nil || probe.Chat.ID == 0 {
		return
	}
	if kind == tg.UpdateMyChatMember && probe.NewChatMember != nil {
		switch probe.NewChatMember.Status {
		case "left", "kicked":
			b.chats.touch(probe.Chat.ID, AccessRead)
		case "administrator", "creator":
			b.chats.touch(probe.Chat.ID, AccessEdit)
		default:
			b.chats.touch(probe.Chat.ID, AccessWrite)
		}
		return
	}
	b.chats.touch(probe.Chat.ID, AccessWrite)
}
