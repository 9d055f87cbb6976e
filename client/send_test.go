package client_test

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prilive-com/botgate/client"
	"github.com/prilive-com/botgate/tg"
	"github.com/prilive-com/botgate/upstream"
)

func TestSend_SingleMessage(t *testing.T) {
	f := newBotFixture(t, nil)
	fake := f.session(t)

	q := client.NewQuery("sendmessage", url.Values{"chat_id": {"100"}, "text": {"hi"}})
	f.bot.Enqueue(q)
	time.Sleep(30 * time.Millisecond)
	require.False(t, q.Answered(), "response waits for the send completion")

	fake.CompleteSend(1, json.RawMessage(`{"message_id":55,"text":"hi"}`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := q.Wait(ctx)
	require.Nil(t, res.Err)
	assert.JSONEq(t, `{"message_id":55,"text":"hi"}`, string(res.Body))
}

func TestSend_MediaGroupAggregates(t *testing.T) {
	f := newBotFixture(t, nil)
	fake := f.session(t)

	q := client.NewQuery("sendmediagroup", url.Values{
		"chat_id": {"100"},
		"media":   {`[{"type":"photo","media":"a"},{"type":"photo","media":"b"}]`},
	})
	f.bot.Enqueue(q)
	time.Sleep(30 * time.Millisecond)

	// Complete out of order; the response preserves request order.
	fake.CompleteSend(2, json.RawMessage(`{"message_id":12}`))
	fake.CompleteSend(1, json.RawMessage(`{"message_id":11}`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := q.Wait(ctx)
	require.Nil(t, res.Err)
	assert.JSONEq(t, `[{"message_id":11},{"message_id":12}]`, string(res.Body))
}

func TestSend_FirstFailureWins(t *testing.T) {
	f := newBotFixture(t, nil)
	fake := f.session(t)

	q := client.NewQuery("sendmediagroup", url.Values{
		"chat_id": {"100"},
		"media":   {`[{"type":"photo","media":"a"},{"type":"photo","media":"b"}]`},
	})
	f.bot.Enqueue(q)
	time.Sleep(30 * time.Millisecond)

	fake.FailSend(1, tg.BadRequest("PHOTO_INVALID_DIMENSIONS"))
	fake.CompleteSend(2, json.RawMessage(`{"message_id":12}`))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := q.Wait(ctx)
	require.NotNil(t, res.Err)
	assert.Equal(t, 400, res.Err.Code)
	assert.Contains(t, res.Err.Description, "PHOTO_INVALID_DIMENSIONS")
}

func TestSend_MediaGroupRequiresMedia(t *testing.T) {
	f := newBotFixture(t, nil)
	f.session(t)

	res := f.ask(t, "sendmediagroup", url.Values{"chat_id": {"100"}})
	require.NotNil(t, res.Err)
	assert.Equal(t, 400, res.Err.Code)
}

func TestSend_BlockedAfterKicked(t *testing.T) {
	f := newBotFixture(t, nil)
	fake := f.session(t)

	fake.InjectUpdate(tg.UpdateMyChatMember, -100,
		json.RawMessage(`{"chat":{"id":-100},"new_chat_member":{"status":"kicked"}}`))
	require.Eventually(t, func() bool { return f.queueTotal() == 1 }, 5*time.Second, time.Millisecond)

	res := f.ask(t, "sendmessage", url.Values{"chat_id": {"-100"}, "text": {"hi"}})
	require.NotNil(t, res.Err)
	assert.Equal(t, 403, res.Err.Code)
}

func TestSend_ResolvesLoginURLBotUsername(t *testing.T) {
	f := newBotFixture(t, nil)
	fake := f.session(t)

	var mu sync.Mutex
	var sentParams json.RawMessage
	fake.SendFunc = func(req upstream.SendRequest) error {
		mu.Lock()
		sentParams = req.Params
		mu.Unlock()
		return nil
	}
	fake.ResolveFunc = func(username string) (int64, error) {
		require.Equal(t, "otherbot", username)
		return 777, nil
	}

	markup := `{"inline_keyboard":[[{"text":"login","login_url":{"url":"https://example.com/auth","bot_username":"@OtherBot"}}]]}`
	q := client.NewQuery("sendmessage", url.Values{
		"chat_id":      {"100"},
		"text":         {"hi"},
		"reply_markup": {markup},
	})
	f.bot.Enqueue(q)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sentParams != nil
	}, 5*time.Second, time.Millisecond)

	mu.Lock()
	params := sentParams
	mu.Unlock()
	var parsed struct {
		ReplyMarkup struct {
			InlineKeyboard [][]struct {
				LoginURL struct {
					BotUserID   int64  `json:"bot_user_id"`
					BotUsername string `json:"bot_username"`
				} `json:"login_url"`
			} `json:"inline_keyboard"`
		} `json:"reply_markup"`
	}
	require.NoError(t, json.Unmarshal(params, &parsed))
	require.Len(t, parsed.ReplyMarkup.InlineKeyboard, 1)
	assert.Equal(t, int64(777), parsed.ReplyMarkup.InlineKeyboard[0][0].LoginURL.BotUserID)

	fake.CompleteSend(1, json.RawMessage(`{"message_id":9}`))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res := q.Wait(ctx)
	require.Nil(t, res.Err)
}
