package tg

import (
	"strings"
)

const (
	maxTokenLength = 80
	maxBotUserID   = int64(1) << 54
)

// Token is a parsed bot token. The numeric prefix is the bot user id; the
// optional "/test" path suffix selects the test datacenter and is carried
// separately because it changes the queue identity of the bot.
type Token struct {
	Raw      SecretToken
	UserID   int64
	IsTestDC bool
}

// QueueBase returns the 64-bit TQueue id base for the bot: the user id with
// bit 55 set for test-DC bots so the two namespaces never collide.
func (t Token) QueueBase() int64 {
	if t.IsTestDC {
		return t.UserID | maxBotUserID
	}
	return t.UserID
}

// Key returns the webhook registry key for the bot: the raw token with a
// ":T" suffix in test-DC mode.
func (t Token) Key() string {
	if t.IsTestDC {
		return t.Raw.Value() + ":T"
	}
	return t.Raw.Value()
}

// ParseToken validates the token grammar: `digits ":" rest`, at most 80
// bytes, no '/', numeric prefix in (0, 2^54) without leading zero.
func ParseToken(raw string, isTestDC bool) (Token, error) {
	if raw == "" || len(raw) > maxTokenLength {
		return Token{}, ErrInvalidToken
	}
	if strings.ContainsRune(raw, '/') {
		return Token{}, ErrInvalidToken
	}
	sep := strings.IndexByte(raw, ':')
	if sep <= 0 || sep == len(raw)-1 {
		return Token{}, ErrInvalidToken
	}
	prefix := raw[:sep]
	if prefix[0] == '0' {
		return Token{}, ErrInvalidToken
	}
	var id int64
	for _, c := range prefix {
		if c < '0' || c > '9' {
			return Token{}, ErrInvalidToken
		}
		id = id*10 + int64(c-'0')
		if id >= maxBotUserID {
			return Token{}, ErrInvalidToken
		}
	}
	if id <= 0 {
		return Token{}, ErrInvalidToken
	}
	return Token{Raw: SecretToken(raw), UserID: id, IsTestDC: isTestDC}, nil
}
