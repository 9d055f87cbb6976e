package client

import (
	"bytes"
	"time"

	"github.com/prilive-com/botgate/tg"
	"github.com/prilive-com/botgate/tqueue"
)

const (
	longPollMaxLimit   = 100
	longPollMaxTimeout = 50 * time.Second
	// Coalescing window: wait a beat after each push, but never longer than
	// longPollMaxDelay past the first one, so a burst becomes one response.
	longPollWaitAfter = time.Millisecond
	longPollMaxDelay  = 2 * time.Millisecond
)

// longPoll is the single parked getUpdates request.
type longPoll struct {
	q           *Query
	offset      int32
	limit       int
	deadline    time.Time
	firstPushAt time.Time
	lastPushAt  time.Time
}

func (b *Bot) handleGetUpdates(q *Query, now time.Time) {
	if b.hookSet {
		q.Fail(tg.ConflictError("can't use getUpdates method while webhook is active; use deleteWebhook to delete the webhook first"))
		return
	}

	limit, err := q.IntParam("limit", longPollMaxLimit)
	if err != nil {
		q.Fail(err)
		return
	}
	if limit < 1 {
		limit = 1
	} else if limit > longPollMaxLimit {
		limit = longPollMaxLimit
	}

	timeout, err := q.IntParam("timeout", 0)
	if err != nil {
		q.Fail(err)
		return
	}
	if timeout < 0 {
		timeout = 0
	} else if time.Duration(timeout)*time.Second > longPollMaxTimeout {
		timeout = int(longPollMaxTimeout / time.Second)
	}

	var names []string
	if ok, err := q.JSONParam("allowed_updates", &names); err != nil {
		q.Fail(err)
		return
	} else if ok {
		mask, err := tg.ParseUpdateMask(names)
		if err != nil {
			q.Fail(err)
			return
		}
		b.allowed = mask
	}

	from := b.lpOffset
	if q.HasParam("offset") {
		offset, err := q.Int64Param("offset", 0)
		if err != nil {
			q.Fail(err)
			return
		}
		if offset >= 0 {
			from = tg.WrapUpdateID(offset)
		} else {
			from = b.deps.Queue.Tail(b.queueID) + int32(offset)
			if from < 0 {
				from = 0
			}
		}
		b.lpOffset = from
	}

	// A second getUpdates terminates the parked one. When the newcomer's
	// offset acknowledges events the old request was waiting to deliver, the
	// old one is told about the conflict; otherwise it completes empty.
	if b.lp != nil {
		old := b.lp
		b.lp = nil
		if from > old.offset {
			old.q.Fail(tg.ConflictError("terminated by other getUpdates request; make sure that only one bot instance is running"))
		} else {
			old.q.Answer(emptyUpdates)
		}
	}

	out := make([]tqueue.Event, limit)
	n, _ := b.deps.Queue.Get(b.queueID, from, true, now, out)
	if n > 0 {
		q.Answer(renderUpdates(out[:n]))
		return
	}
	if timeout == 0 {
		q.Answer(emptyUpdates)
		return
	}
	b.lp = &longPoll{
		q:        q,
		offset:   from,
		limit:    limit,
		deadline: now.Add(time.Duration(timeout) * time.Second),
	}
}

// longPollPushed records a push for the coalescing window.
func (b *Bot) longPollPushed(now time.Time) {
	if b.lp == nil {
		return
	}
	if b.lp.firstPushAt.IsZero() {
		b.lp.firstPushAt = now
	}
	b.lp.lastPushAt = now
}

// armLongPollTimer points the shared timer at the parked request's next
// wake, if any.
func (b *Bot) armLongPollTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	if b.lp == nil {
		timer.Reset(time.Hour)
		return
	}
	wake := b.lp.deadline
	if !b.lp.firstPushAt.IsZero() {
		c := b.lp.lastPushAt.Add(longPollWaitAfter)
		if m := b.lp.firstPushAt.Add(longPollMaxDelay); c.After(m) {
			c = m
		}
		if c.Before(wake) {
			wake = c
		}
	}
	d := time.Until(wake)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func (b *Bot) onLongPollTimer(now time.Time) {
	if b.lp == nil {
		return
	}
	coalesced := !b.lp.firstPushAt.IsZero() &&
		(!now.Before(b.lp.lastPushAt.Add(longPollWaitAfter)) || !now.Before(b.lp.firstPushAt.Add(longPollMaxDelay)))
	expired := !now.Before(b.lp.deadline)
	if !coalesced && !expired {
		return
	}
	lp := b.lp
	b.lp = nil
	out := make([]tqueue.Event, lp.limit)
	n, _ := b.deps.Queue.Get(b.queueID, lp.offset, true, now, out)
	lp.q.Answer(renderUpdates(out[:n]))
}

// abortLongPoll terminates a parked request with a conflict, used when a
// webhook is configured while polling.
func (b *Bot) abortLongPoll(reason string) {
	if b.lp == nil {
		return
	}
	b.lp.q.Fail(tg.ConflictError(reason))
	b.lp = nil
}

var emptyUpdates = []byte("[]")

func renderUpdates(events []tqueue.Event) []byte {
	if len(events) == 0 {
		return emptyUpdates
	}
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, ev := range events {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(tg.RenderUpdate(tg.WrapUpdateID(int64(ev.ID)), ev.Payload))
	}
	buf.WriteByte(']')
	return buf.Bytes()
}
