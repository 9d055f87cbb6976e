package tg_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prilive-com/botgate/tg"
)

func TestUpdate_MarshalJSON(t *testing.T) {
	u := tg.Update{
		ID:      7,
		Kind:    tg.UpdateMessage,
		Payload: json.RawMessage(`{"x":1}`),
	}
	data, err := json.Marshal(u)
	require.NoError(t, err)
	assert.Equal(t, `{"update_id":7,"message":{"x":1}}`, string(data))
}

func TestUpdate_MarshalJSON_EmptyPayload(t *testing.T) {
	u := tg.Update{ID: 1, Kind: tg.UpdateCallbackQuery}
	data, err := json.Marshal(u)
	require.NoError(t, err)
	assert.Equal(t, `{"update_id":1,"callback_query":{}}`, string(data))
}

func TestWrapUpdateID(t *testing.T) {
	assert.Equal(t, int32(1), tg.WrapUpdateID(1))
	assert.Equal(t, int32(0), tg.WrapUpdateID(1<<31))
	assert.Equal(t, int32(1), tg.WrapUpdateID(1<<31+1))
	assert.Equal(t, int32(0x7fffffff), tg.WrapUpdateID(0x7fffffff))
}

func TestDefaultUpdateMask(t *testing.T) {
	m := tg.DefaultUpdateMask
	assert.True(t, m.Has(tg.UpdateMessage))
	assert.True(t, m.Has(tg.UpdateCallbackQuery))
	assert.False(t, m.Has(tg.UpdateChatMember))
	assert.False(t, m.Has(tg.UpdateMessageReaction))
	assert.False(t, m.Has(tg.UpdateMessageReactionCount))
}

func TestParseUpdateMask(t *testing.T) {
	m, err := tg.ParseUpdateMask([]string{"message", "chat_member"})
	require.NoError(t, err)
	assert.True(t, m.Has(tg.UpdateMessage))
	assert.True(t, m.Has(tg.UpdateChatMember))
	assert.False(t, m.Has(tg.UpdateEditedMessage))

	_, err = tg.ParseUpdateMask([]string{"bogus"})
	require.Error(t, err)

	m, err = tg.ParseUpdateMask(nil)
	require.NoError(t, err)
	assert.Equal(t, tg.DefaultUpdateMask, m)
}

func TestRenderUpdate(t *testing.T) {
	u := tg.Update{Kind: tg.UpdateMessage, Payload: json.RawMessage(`{"x":1}`)}
	queued := u.Encoded()
	assert.Equal(t, `{"message":{"x":1}}`, string(queued))
	assert.Equal(t, `{"update_id":9,"message":{"x":1}}`, string(tg.RenderUpdate(9, queued)))
	assert.Equal(t, `{"update_id":9}`, string(tg.RenderUpdate(9, []byte("{}"))))
}

func TestUpdateType_RoundTrip(t *testing.T) {
	kind, ok := tg.ParseUpdateType("edited_message")
	require.True(t, ok)
	assert.Equal(t, tg.UpdateEditedMessage, kind)
	assert.Equal(t, "edited_message", kind.Name())

	_, ok = tg.ParseUpdateType("nope")
	assert.False(t, ok)
}
