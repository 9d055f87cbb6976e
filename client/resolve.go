package client

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Bot username resolution: login-URL inline keyboard buttons may reference
// another bot by username; the username must be mapped to a user id before
// the send reaches the upstream boundary. Queries park until the batch
// resolves; several queries may await the same username.

type resolveDone struct {
	username string
	id       int64
	err      error
}

type resolveWaiter func(id int64, err error)

type resolveState struct {
	botUserIDs map[string]int64
	waiters    map[string][]resolveWaiter
	tempIDs    map[string]int64
	nextTempID int64
}

func (s *resolveState) init() {
	s.botUserIDs = make(map[string]int64)
	s.waiters = make(map[string][]resolveWaiter)
	s.tempIDs = make(map[string]int64)
	s.nextTempID = 1
}

// resolveAndThen parks q until every username resolves, then rewrites the
// reply markup and runs cont. Runs entirely on the actor goroutine; only the
// upstream lookup itself happens aside.
func (b *Bot) resolveAndThen(q *Query, usernames []string, cont func()) {
	pending := 0
	for _, u := range usernames {
		if _, ok := b.botUserIDs[u]; !ok {
			pending++
		}
	}
	if pending == 0 {
		b.rewriteLoginURLs(q)
		cont()
		return
	}

	failed := false
	remaining := pending
	done := func(_ int64, err error) {
		if failed {
			return
		}
		if err != nil {
			failed = true
			q.Fail(err)
			return
		}
		remaining--
		if remaining == 0 {
			b.rewriteLoginURLs(q)
			cont()
		}
	}
	for _, u := range usernames {
		if _, ok := b.botUserIDs[u]; ok {
			continue
		}
		b.addResolveWaiter(u, done)
	}
}

func (b *Bot) addResolveWaiter(username string, w resolveWaiter) {
	if _, inFlight := b.waiters[username]; !inFlight {
		// Placeholder id stands in until the batch completes.
		if _, ok := b.tempIDs[username]; !ok {
			b.tempIDs[username] = b.nextTempID
			b.nextTempID++
		}
		session := b.session
		go func() {
			ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
			defer cancel()
			id, err := session.ResolveBotUsername(ctx, username)
			select {
			case b.resolveCh <- resolveDone{username: username, id: id, err: err}:
			case <-b.stopCh:
			}
		}()
	}
	b.waiters[username] = append(b.waiters[username], w)
}

func (b *Bot) handleResolveDone(rd resolveDone) {
	if rd.err == nil {
		b.botUserIDs[rd.username] = rd.id
		delete(b.tempIDs, rd.username)
	}
	waiters := b.waiters[rd.username]
	delete(b.waiters, rd.username)
	for _, w := range waiters {
		w(rd.id, rd.err)
	}
}

// loginBotUsernames extracts distinct bot usernames referenced by login-URL
// buttons in the query's reply markup.
func loginBotUsernames(q *Query) []string {
	raw := q.Param("reply_markup")
	if raw == "" || !strings.Contains(raw, "bot_username") {
		return nil
	}
	var markup struct {
		InlineKeyboard [][]struct {
			LoginURL *struct {
				BotUsername string `json:"bot_username"`
			} `json:"login_url"`
		} `json:"inline_keyboard"`
	}
	if err := json.Unmarshal([]byte(raw), &markup); err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var usernames []string
	for _, row := range markup.InlineKeyboard {
		for _, button := range row {
			if button.LoginURL == nil || button.LoginURL.BotUsername == "" {
				continue
			}
			u := normalizeBotUsername(button.LoginURL.BotUsername)
			if !seen[u] {
				seen[u] = true
				usernames = append(usernames, u)
			}
		}
	}
	return usernames
}

func normalizeBotUsername(u string) string {
	return strings.ToLower(strings.TrimPrefix(u, "@"))
}

// rewriteLoginURLs substitutes resolved bot user ids into the reply markup
// before the send is issued.
func (b *Bot) rewriteLoginURLs(q *Query) {
	raw := q.Param("reply_markup")
	if raw == "" {
		return
	}
	var markup map[string]any
	if err := json.Unmarshal([]byte(raw), &markup); err != nil {
		return
	}
	rows, _ := markup["inline_keyboard"].([]any)
	changed := false
	for _, rowAny := range rows {
		row, _ := rowAny.([]any)
		for _, buttonAny := range row {
			button, _ := buttonAny.(map[string]any)
			lu, _ := button["login_url"].(map[string]any)
			if lu == nil {
				continue
			}
			username, _ := lu["bot_username"].(string)
			if username == "" {
				continue
			}
			if id, ok := b.botUserIDs[normalizeBotUsername(username)]; ok {
				lu["bot_user_id"] = id
				changed = true
			}
		}
	}
	if !changed {
		return
	}
	rewritten, err := json.Marshal(markup)
	if err != nil {
		return
	}
	q.Params.Set("reply_markup", string(rewritten))
}
