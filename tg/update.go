package tg

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// UpdateType identifies one update kind emitted to bot developers.
type UpdateType int

const (
	UpdateMessage UpdateType = iota
	UpdateEditedMessage
	UpdateChannelPost
	UpdateEditedChannelPost
	UpdateBusinessConnection
	UpdateBusinessMessage
	UpdateEditedBusinessMessage
	UpdateDeletedBusinessMessages
	UpdateMessageReaction
	UpdateMessageReactionCount
	UpdateInlineQuery
	UpdateChosenInlineResult
	UpdateCallbackQuery
	UpdateShippingQuery
	UpdatePreCheckoutQuery
	UpdatePurchasedPaidMedia
	UpdatePoll
	UpdatePollAnswer
	UpdateMyChatMember
	UpdateChatMember
	UpdateChatJoinRequest
	UpdateChatBoost
	UpdateRemovedChatBoost

	updateTypeCount
)

var updateTypeNames = [updateTypeCount]string{
	UpdateMessage:                 "message",
	UpdateEditedMessage:           "edited_message",
	UpdateChannelPost:             "channel_post",
	UpdateEditedChannelPost:       "edited_channel_post",
	UpdateBusinessConnection:      "business_connection",
	UpdateBusinessMessage:         "business_message",
	UpdateEditedBusinessMessage:   "edited_business_message",
	UpdateDeletedBusinessMessages: "deleted_business_messages",
	UpdateMessageReaction:         "message_reaction",
	UpdateMessageReactionCount:    "message_reaction_count",
	UpdateInlineQuery:             "inline_query",
	UpdateChosenInlineResult:      "chosen_inline_result",
	UpdateCallbackQuery:           "callback_query",
	UpdateShippingQuery:           "shipping_query",
	UpdatePreCheckoutQuery:        "pre_checkout_query",
	UpdatePurchasedPaidMedia:      "purchased_paid_media",
	UpdatePoll:                    "poll",
	UpdatePollAnswer:              "poll_answer",
	UpdateMyChatMember:            "my_chat_member",
	UpdateChatMember:              "chat_member",
	UpdateChatJoinRequest:         "chat_join_request",
	UpdateChatBoost:               "chat_boost",
	UpdateRemovedChatBoost:        "removed_chat_boost",
}

// Name returns the JSON field name of the update kind.
func (t UpdateType) Name() string {
	if t < 0 || t >= updateTypeCount {
		return ""
	}
	return updateTypeNames[t]
}

// ParseUpdateType maps a JSON field name to its UpdateType.
func ParseUpdateType(name string) (UpdateType, bool) {
	for i, n := range updateTypeNames {
		if n == name {
			return UpdateType(i), true
		}
	}
	return 0, false
}

// UpdateMask is the allowed-update-types bitmask applied at emission time.
type UpdateMask uint32

// DefaultUpdateMask covers every kind except the opt-in ones, matching the
// Bot API default for empty allowed_updates.
const DefaultUpdateMask = UpdateMask(1<<updateTypeCount-1) &^
	(1<<UpdateChatMember | 1<<UpdateMessageReaction | 1<<UpdateMessageReactionCount)

// Has reports whether the kind's bit is set.
func (m UpdateMask) Has(t UpdateType) bool {
	return m&(1<<uint(t)) != 0
}

// With returns the mask with the kind's bit set.
func (m UpdateMask) With(t UpdateType) UpdateMask {
	return m | 1<<uint(t)
}

// Names lists the JSON field names of the kinds present in the mask.
func (m UpdateMask) Names() []string {
	var names []string
	for t := UpdateType(0); t < updateTypeCount; t++ {
		if m.Has(t) {
			names = append(names, t.Name())
		}
	}
	return names
}

// ParseUpdateMask builds a mask from allowed_updates names. An empty list
// yields DefaultUpdateMask; unknown names are rejected.
func ParseUpdateMask(names []string) (UpdateMask, error) {
	if len(names) == 0 {
		return DefaultUpdateMask, nil
	}
	var m UpdateMask
	for _, name := range names {
		t, ok := ParseUpdateType(name)
		if !ok {
			return 0, BadRequest("unsupported allowed update type " + strconv.Quote(name))
		}
		m = m.With(t)
	}
	return m, nil
}

// Update is the envelope for one queued event. Payload is the already
// serialized JSON body of the kind, without the enclosing update_id.
type Update struct {
	ID      int32
	Kind    UpdateType
	Payload json.RawMessage
}

// WrapUpdateID exposes the int32 update id clients rely on; emission wraps
// at 2^31.
func WrapUpdateID(id int64) int32 {
	return int32(id & 0x7fffffff)
}

// Encoded renders the kind-keyed object stored in TQueue: {"<kind>": <payload>}.
// The enclosing update_id is added at delivery time by RenderUpdate.
func (u Update) Encoded() []byte {
	var buf bytes.Buffer
	buf.Grow(len(u.Payload) + 32)
	buf.WriteString(`{"`)
	buf.WriteString(u.Kind.Name())
	buf.WriteString(`":`)
	if len(u.Payload) == 0 {
		buf.WriteString("{}")
	} else {
		buf.Write(u.Payload)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// RenderUpdate splices the wrapped update id into a queued payload produced
// by Encoded, yielding {"update_id": <id>, "<kind>": ...}.
func RenderUpdate(id int32, queued []byte) []byte {
	out := make([]byte, 0, len(queued)+20)
	out = append(out, `{"update_id":`...)
	out = strconv.AppendInt(out, int64(id), 10)
	if len(queued) > 2 && queued[0] == '{' {
		out = append(out, ',')
		out = append(out, queued[1:]...)
	} else {
		out = append(out, '}')
	}
	return out
}

// MarshalJSON renders {"update_id": <id>, "<kind>": <payload>}.
func (u Update) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(len(u.Payload) + 48)
	buf.WriteString(`{"update_id":`)
	buf.WriteString(strconv.FormatInt(int64(u.ID), 10))
	buf.WriteString(`,"`)
	buf.WriteString(u.Kind.Name())
	buf.WriteString(`":`)
	if len(u.Payload) == 0 {
		buf.WriteString("{}")
	} else {
		buf.Write(u.Payload)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
