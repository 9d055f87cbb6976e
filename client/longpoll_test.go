package client_test

import (
	"context"
	"encoding/json"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prilive-com/botgate/client"
	"github.com/prilive-com/botgate/tg"
)

func injectMessages(t *testing.T, f *botFixture, conv int64, texts ...string) {
	t.Helper()
	fake := f.session(t)
	for _, text := range texts {
		fake.InjectUpdate(tg.UpdateMessage, conv, json.RawMessage(`{"text":"`+text+`"}`))
	}
	require.Eventually(t, func() bool {
		return f.queueTotal() >= len(texts)
	}, 5*time.Second, time.Millisecond)
}

func updateIDs(t *testing.T, body json.RawMessage) []int64 {
	t.Helper()
	var updates []struct {
		UpdateID int64 `json:"update_id"`
	}
	require.NoError(t, json.Unmarshal(body, &updates))
	ids := make([]int64, len(updates))
	for i, u := range updates {
		ids[i] = u.UpdateID
	}
	return ids
}

func TestGetUpdates_ImmediateBatchAndAck(t *testing.T) {
	f := newBotFixture(t, nil)
	injectMessages(t, f, 1, "a", "b")

	res := f.ask(t, "getupdates", url.Values{"timeout": {"0"}})
	require.Nil(t, res.Err)
	assert.Equal(t, []int64{1, 2}, updateIDs(t, res.Body))

	// Same offset, no push in between: same batch again.
	res = f.ask(t, "getupdates", url.Values{"timeout": {"0"}})
	require.Nil(t, res.Err)
	assert.Equal(t, []int64{1, 2}, updateIDs(t, res.Body))

	// Advancing the offset acknowledges the delivered events.
	res = f.ask(t, "getupdates", url.Values{"offset": {"3"}, "timeout": {"0"}})
	require.Nil(t, res.Err)
	assert.Equal(t, "[]", string(res.Body))
	assert.Equal(t, 0, f.queueTotal())
}

func TestGetUpdates_LimitClamped(t *testing.T) {
	f := newBotFixture(t, nil)
	injectMessages(t, f, 1, "a", "b", "c")

	res := f.ask(t, "getupdates", url.Values{"limit": {"2"}, "timeout": {"0"}})
	require.Nil(t, res.Err)
	assert.Equal(t, []int64{1, 2}, updateIDs(t, res.Body))
}

func TestGetUpdates_NegativeOffsetSeeksFromTail(t *testing.T) {
	f := newBotFixture(t, nil)
	injectMessages(t, f, 1, "a", "b", "c")

	res := f.ask(t, "getupdates", url.Values{"offset": {"-1"}, "timeout": {"0"}})
	require.Nil(t, res.Err)
	assert.Equal(t, []int64{3}, updateIDs(t, res.Body))
}

func TestGetUpdates_ParkedWokenByPush(t *testing.T) {
	f := newBotFixture(t, nil)
	f.session(t)

	q := client.NewQuery("getupdates", url.Values{"timeout": {"30"}})
	f.bot.Enqueue(q)
	time.Sleep(30 * time.Millisecond)
	require.False(t, q.Answered(), "request must park while the queue is empty")

	injectMessages(t, f, 1, "wake")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := q.Wait(ctx)
	require.Nil(t, res.Err)
	assert.Equal(t, []int64{1}, updateIDs(t, res.Body))
}

func TestGetUpdates_ParkedTimesOutEmpty(t *testing.T) {
	f := newBotFixture(t, nil)
	f.session(t)

	start := time.Now()
	res := f.ask(t, "getupdates", url.Values{"timeout": {"1"}})
	require.Nil(t, res.Err)
	assert.Equal(t, "[]", string(res.Body))
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestGetUpdates_SecondRequestTerminatesFirst(t *testing.T) {
	f := newBotFixture(t, nil)
	f.session(t)

	parked := client.NewQuery("getupdates", url.Values{"offset": {"0"}, "timeout": {"30"}})
	f.bot.Enqueue(parked)
	time.Sleep(30 * time.Millisecond)

	// Same offset: the old request completes empty.
	res := f.ask(t, "getupdates", url.Values{"offset": {"0"}, "timeout": {"0"}})
	require.Nil(t, res.Err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := parked.Wait(ctx)
	require.Nil(t, out.Err)
	assert.Equal(t, "[]", string(out.Body))
}

func TestGetUpdates_DeleteWebhookTerminatesParked(t *testing.T) {
	f := newBotFixture(t, nil)
	f.session(t)

	parked := client.NewQuery("getupdates", url.Values{"timeout": {"30"}})
	f.bot.Enqueue(parked)
	time.Sleep(30 * time.Millisecond)
	require.False(t, parked.Answered(), "request must park while the queue is empty")

	res := f.ask(t, "deletewebhook", nil)
	require.Nil(t, res.Err)
	assert.Equal(t, "true", string(res.Body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := parked.Wait(ctx)
	require.NotNil(t, out.Err)
	assert.Equal(t, 409, out.Err.Code)
}

func TestGetUpdates_AdvancingOffsetConflicts(t *testing.T) {
	f := newBotFixture(t, nil)
	f.session(t)

	parked := client.NewQuery("getupdates", url.Values{"offset": {"0"}, "timeout": {"30"}})
	f.bot.Enqueue(parked)
	time.Sleep(30 * time.Millisecond)

	res := f.ask(t, "getupdates", url.Values{"offset": {"5"}, "timeout": {"0"}})
	require.Nil(t, res.Err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out := parked.Wait(ctx)
	require.NotNil(t, out.Err)
	assert.Equal(t, 409, out.Err.Code)
}

func TestGetUpdates_NarrowsAllowedMask(t *testing.T) {
	f := newBotFixture(t, nil)
	fake := f.session(t)

	res := f.ask(t, "getupdates", url.Values{
		"timeout":         {"0"},
		"allowed_updates": {`["edited_message"]`},
	})
	require.Nil(t, res.Err)

	fake.InjectUpdate(tg.UpdateMessage, 1, json.RawMessage(`{"text":"filtered"}`))
	fake.InjectUpdate(tg.UpdateEditedMessage, 1, json.RawMessage(`{"text":"kept"}`))

	require.Eventually(t, func() bool { return f.queueTotal() == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, f.queueTotal())
}
