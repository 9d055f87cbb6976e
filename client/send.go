package client

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/prilive-com/botgate/tg"
	"github.com/prilive-com/botgate/upstream"
)

// sendMethods enumerates the methods that go through the asynchronous send
// pipeline instead of the request/response executor.
var sendMethods = map[string]bool{
	"sendmessage":    true,
	"sendphoto":      true,
	"sendaudio":      true,
	"senddocument":   true,
	"sendvideo":      true,
	"sendanimation":  true,
	"sendvoice":      true,
	"sendvideonote":  true,
	"sendpaidmedia":  true,
	"sendmediagroup": true,
	"sendlocation":   true,
	"sendvenue":      true,
	"sendcontact":    true,
	"sendpoll":       true,
	"senddice":       true,
	"sendsticker":    true,
	"sendgame":       true,
	"sendinvoice":    true,
	"sendgift":       true,
	"copymessage":    true,
	"forwardmessage": true,
}

// pendingSend tracks one send-like query until every expected message
// completes. Results accumulate in temporary-id order; the response is
// emitted atomically when the awaited count reaches zero.
type pendingSend struct {
	q        *Query
	chatKey  int64
	count    int
	awaiting int
	index    map[int64]int
	results  []json.RawMessage
	failure  *tg.APIError
	multi    bool
}

type blockedSend struct {
	q     *Query
	count int
}

type sendState struct {
	nextQueryID     int64
	sendQueries     map[int64]*pendingSend
	yetUnsent       map[int64]int64 // temporary message id -> send query id
	chatOutstanding map[int64]int
	blockedSends    map[int64][]*blockedSend
}

func (s *sendState) init() {
	s.sendQueries = make(map[int64]*pendingSend)
	s.yetUnsent = make(map[int64]int64)
	s.chatOutstanding = make(map[int64]int)
	s.blockedSends = make(map[int64][]*blockedSend)
}

func (b *Bot) handleSend(q *Query, now time.Time) {
	chatKey := sendChatKey(q)

	if rights, ok := b.chats.rightsFor(chatKey); ok && rights < AccessWrite {
		q.Fail(tg.NewError(403, "Forbidden: bot is not a member of the chat"))
		return
	}

	count := 1
	if q.Method == "sendmediagroup" {
		var media []json.RawMessage
		if ok, err := q.JSONParam("media", &media); err != nil || !ok || len(media) == 0 {
			q.Fail(tg.BadRequest("can't parse media"))
			return
		}
		count = len(media)
	}

	usernames := loginBotUsernames(q)
	if len(usernames) > 0 {
		b.resolveAndThen(q, usernames, func() {
			b.admitSend(q, chatKey, count)
		})
		return
	}
	b.admitSend(q, chatKey, count)
}

// admitSend enforces the per-chat outstanding cap; sends over the cap wait
// for completions.
func (b *Bot) admitSend(q *Query, chatKey int64, count int) {
	if b.chatOutstanding[chatKey]+count > maxChatMessages {
		b.blockedSends[chatKey] = append(b.blockedSends[chatKey], &blockedSend{q: q, count: count})
		return
	}
	b.startSend(q, chatKey, count)
}

func (b *Bot) startSend(q *Query, chatKey int64, count int) {
	req := upstream.SendRequest{
		ChatID:       chatKey,
		Method:       q.Method,
		Params:       q.ParamsJSON(),
		MessageCount: count,
	}
	tempIDs, err := b.session.Send(b.ctx, req)
	if err != nil {
		q.Fail(err)
		return
	}

	b.nextQueryID++
	ps := &pendingSend{
		q:        q,
		chatKey:  chatKey,
		count:    count,
		awaiting: len(tempIDs),
		index:    make(map[int64]int, len(tempIDs)),
		results:  make([]json.RawMessage, len(tempIDs)),
		multi:    count > 1,
	}
	for i, id := range tempIDs {
		ps.index[id] = i
		b.yetUnsent[id] = b.nextQueryID
	}
	b.sendQueries[b.nextQueryID] = ps
	b.chatOutstanding[chatKey] += count
}

func (b *Bot) onSendSucceeded(ev upstream.Event) {
	qid, ok := b.yetUnsent[ev.TempMessageID]
	if !ok {
		return
	}
	delete(b.yetUnsent, ev.TempMessageID)
	ps := b.sendQueries[qid]
	if ps == nil {
		return
	}
	if slot, ok := ps.index[ev.TempMessageID]; ok {
		ps.results[slot] = ev.Payload
	}
	ps.awaiting--
	if ps.awaiting == 0 {
		b.finishSend(qid, ps)
	}
}

func (b *Bot) onSendFailed(ev upstream.Event) {
	qid, ok := b.yetUnsent[ev.TempMessageID]
	if !ok {
		return
	}
	delete(b.yetUnsent, ev.TempMessageID)
	ps := b.sendQueries[qid]
	if ps == nil {
		return
	}
	// The first failure becomes the response; messages that made it through
	// stay in the chat but are dropped from the response.
	if ps.failure == nil {
		ps.failure = tg.AsAPIError(ev.Err)
	}
	ps.awaiting--
	if ps.awaiting == 0 {
		b.finishSend(qid, ps)
	}
}

func (b *Bot) finishSend(qid int64, ps *pendingSend) {
	delete(b.sendQueries, qid)
	b.chatOutstanding[ps.chatKey] -= ps.count
	if b.chatOutstanding[ps.chatKey] <= 0 {
		delete(b.chatOutstanding, ps.chatKey)
	}
	b.admitBlocked(ps.chatKey)

	if ps.failure != nil {
		ps.q.Fail(ps.failure)
		return
	}
	if !ps.multi {
		ps.q.Answer(ps.results[0])
		return
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, r := range ps.results {
		if i > 0 {
			buf.WriteByte(',')
		}
		if r == nil {
			buf.WriteString("null")
		} else {
			buf.Write(r)
		}
	}
	buf.WriteByte(']')
	ps.q.Answer(buf.Bytes())
}

func (b *Bot) admitBlocked(chatKey int64) {
	queue := b.blockedSends[chatKey]
	for len(queue) > 0 {
		next := queue[0]
		if b.chatOutstanding[chatKey]+next.count > maxChatMessages {
			break
		}
		queue = queue[1:]
		b.startSend(next.q, chatKey, next.count)
	}
	if len(queue) == 0 {
		delete(b.blockedSends, chatKey)
	} else {
		b.blockedSends[chatKey] = queue
	}
}

func (b *Bot) abandonSends() {
	for qid, ps := range b.sendQueries {
		delete(b.sendQueries, qid)
		ps.q.Abandon()
	}
	for chat, queue := range b.blockedSends {
		delete(b.blockedSends, chat)
		for _, blocked := range queue {
			blocked.q.Abandon()
		}
	}
}

// sendChatKey buckets a send by numeric chat id; @username targets share the
// zero bucket until resolved upstream.
func sendChatKey(q *Query) int64 {
	raw := q.Param("chat_id")
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return id
}
