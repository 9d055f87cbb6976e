package client

import (
	"crypto/x509"
	"encoding/json"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/prilive-com/botgate/tg"
	"github.com/prilive-com/botgate/webhook"
	"github.com/prilive-com/botgate/webhookdb"
)

const (
	whVerified = iota
	whClosed
	whResponse
)

type webhookEvent struct {
	actor  *webhook.Actor
	kind   int
	ip     string
	reason string
	body   []byte
}

// hookCallbacks bridges the delivery actor's upcalls back into the bot
// actor's mailbox. Events from a replaced actor are identified by pointer
// and dropped.
type hookCallbacks struct {
	b     *Bot
	actor *webhook.Actor
}

func (c *hookCallbacks) WebhookVerified(ip string) {
	c.post(webhookEvent{actor: c.actor, kind: whVerified, ip: ip})
}

func (c *hookCallbacks) WebhookClosed(reason string) {
	c.post(webhookEvent{actor: c.actor, kind: whClosed, reason: reason})
}

func (c *hookCallbacks) WebhookResponse(body []byte) {
	c.post(webhookEvent{actor: c.actor, kind: whResponse, body: body})
}

// post forwards an upcall into the bot mailbox without blocking the delivery
// actor. On a full mailbox, verification and response events are droppable;
// a close event must reach the bot or a dead actor would keep answering
// getUpdates with a conflict, so its send is retried off-thread.
func (c *hookCallbacks) post(we webhookEvent) {
	select {
	case c.b.whEvents <- we:
		return
	case <-c.b.stopCh:
		return
	default:
	}
	if we.kind != whClosed {
		c.b.logger.Warn("bot: webhook event dropped, mailbox full", "kind", we.kind)
		return
	}
	go func() {
		select {
		case c.b.whEvents <- we:
		case <-c.b.stopCh:
		}
	}()
}

func (b *Bot) handleWebhookEvent(we webhookEvent) {
	if we.actor != b.hook || b.hook == nil {
		return
	}
	switch we.kind {
	case whVerified:
		b.hookDesc.IPAddress = we.ip
		if !b.hookDesc.FixIPAddress {
			b.deps.Registry.Set(b.cfg.Token.Key(), b.hookDesc)
		}
		b.logger.Info("bot: webhook verified", "ip", we.ip)
	case whClosed:
		b.logger.Warn("bot: webhook closed", "reason", we.reason)
		b.deps.Registry.Delete(b.cfg.Token.Key())
		b.hook.Stop()
		b.hook = nil
		b.hookSet = false
	case whResponse:
		b.injectWebhookResponse(we.body)
	}
}

// injectWebhookResponse executes an API method embedded in a webhook
// response body. The delivery acknowledgement already happened; the method
// runs as an ordinary internal query whose result is discarded.
func (b *Bot) injectWebhookResponse(body []byte) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return
	}
	var method string
	if err := json.Unmarshal(fields["method"], &method); err != nil {
		return
	}
	method = strings.ToLower(method)
	switch method {
	case "", "close", "logout", "getupdates", "setwebhook", "deletewebhook":
		return
	}
	delete(fields, "method")
	params := url.Values{}
	for key, raw := range fields {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			params.Set(key, s)
		} else {
			params.Set(key, string(raw))
		}
	}
	q := NewQuery(method, params)
	q.Internal = true
	b.handleQuery(q)
}

func (b *Bot) handleSetWebhook(q *Query, now time.Time) {
	rawURL := strings.TrimSpace(q.Param("url"))
	if rawURL == "" {
		b.removeWebhook(q, now)
		return
	}

	u, err := webhook.CheckURL(rawURL, b.cfg.LocalMode)
	if err != nil {
		q.Fail(err)
		return
	}

	secret := q.Param("secret_token")
	if err := checkSecretToken(secret); err != nil {
		q.Fail(err)
		return
	}

	maxConn, err := q.IntParam("max_connections", webhook.DefaultMaxConnections)
	if err != nil {
		q.Fail(err)
		return
	}
	if maxConn < 1 {
		maxConn = 1
	}
	if maxConn > b.cfg.MaxWebhookConnections {
		maxConn = b.cfg.MaxWebhookConnections
	}

	var names []string
	mask := b.allowed
	hasMask := false
	if ok, err := q.JSONParam("allowed_updates", &names); err != nil {
		q.Fail(err)
		return
	} else if ok {
		mask, err = tg.ParseUpdateMask(names)
		if err != nil {
			q.Fail(err)
			return
		}
		hasMask = true
	}

	certPool, hasCert, err := b.loadCertificate(q)
	if err != nil {
		q.Fail(err)
		return
	}

	fixIP := false
	ipAddress := ""
	if raw := q.Param("ip_address"); raw != "" {
		ip := net.ParseIP(raw)
		if ip == nil {
			q.Fail(tg.BadRequest("invalid IP address specified"))
			return
		}
		if err := webhook.CheckIP(ip, b.cfg.LocalMode); err != nil {
			q.Fail(err)
			return
		}
		fixIP = true
		ipAddress = ip.String()
	}
	if q.Internal {
		// Restored webhooks reuse the persisted verified address.
		ipAddress = q.Param("verified_ip_address")
		fixIP = fixIP || q.BoolParam("fix_ip")
	}

	if q.BoolParam("drop_pending_updates") {
		b.dropPendingUpdates(now)
	}
	b.abortLongPoll("terminated by setWebhook request")
	b.stopHook()

	b.allowed = mask
	desc := webhookdb.Descriptor{
		HasCertificate: hasCert,
		MaxConnections: maxConn,
		IPAddress:      ipAddress,
		FixIPAddress:   fixIP,
		SecretToken:    secret,
		AllowedUpdates: mask,
		HasAllowedMask: hasMask,
		URL:            rawURL,
	}

	cfg := webhook.Config{
		QueueID:        b.queueID,
		URL:            u,
		MaxConnections: maxConn,
		SecretToken:    secret,
		IPAddress:      ipAddress,
		FixIPAddress:   fixIP,
		CertPool:       certPool,
		Proxy:          b.proxyURL,
		WasChecked:     q.Internal,
		LocalMode:      b.cfg.LocalMode,
		RetryBaseDelay: b.cfg.RetryBaseDelay,
		Close410After:  b.cfg.Close410After,
	}
	cb := &hookCallbacks{b: b}
	actor := webhook.NewActor(cfg, b.deps.Queue, cb, b.logger)
	cb.actor = actor

	b.hook = actor
	b.hookSet = true
	b.hookDesc = desc
	if fixIP && !q.Internal {
		// No verification round-trip; persist immediately.
		b.deps.Registry.Set(b.cfg.Token.Key(), desc)
	}
	actor.Start(b.ctx)
	if b.deps.Stats != nil {
		b.deps.Stats.WebhookActive.Store(true)
	}
	q.AnswerBool()
}

func (b *Bot) handleDeleteWebhook(q *Query, now time.Time) {
	if q.BoolParam("drop_pending_updates") {
		b.dropPendingUpdates(now)
	}
	b.removeWebhook(q, now)
}

func (b *Bot) removeWebhook(q *Query, now time.Time) {
	b.abortLongPoll("terminated by deleteWebhook request")
	b.stopHook()
	b.deps.Registry.Delete(b.cfg.Token.Key())
	q.AnswerBool()
}

func (b *Bot) stopHook() {
	if b.hook == nil {
		return
	}
	b.hook.Stop()
	b.hook = nil
	b.hookSet = false
	if b.deps.Stats != nil {
		b.deps.Stats.WebhookActive.Store(false)
	}
}

func (b *Bot) handleGetWebhookInfo(q *Query) {
	type infoJSON struct {
		URL                  string   `json:"url"`
		HasCustomCertificate bool     `json:"has_custom_certificate"`
		PendingUpdateCount   int      `json:"pending_update_count"`
		IPAddress            string   `json:"ip_address,omitempty"`
		LastErrorDate        int64    `json:"last_error_date,omitempty"`
		LastErrorMessage     string   `json:"last_error_message,omitempty"`
		MaxConnections       int      `json:"max_connections,omitempty"`
		AllowedUpdates       []string `json:"allowed_updates,omitempty"`
	}
	out := infoJSON{}
	if b.hook != nil {
		info := b.hook.Info()
		out.URL = b.hookDesc.URL
		out.HasCustomCertificate = info.HasCustomCertificate
		out.PendingUpdateCount = info.PendingUpdateCount
		out.IPAddress = info.IPAddress
		out.MaxConnections = info.MaxConnections
		if !info.LastErrorAt.IsZero() {
			out.LastErrorDate = info.LastErrorAt.Unix()
			out.LastErrorMessage = info.LastErrorMessage
		}
		if b.hookDesc.HasAllowedMask {
			out.AllowedUpdates = b.hookDesc.AllowedUpdates.Names()
		}
	} else {
		_, total := b.deps.Queue.Get(b.queueID, 0, false, time.Now(), nil)
		out.PendingUpdateCount = total
	}
	body, _ := json.Marshal(out)
	q.Answer(body)
}

// dropPendingUpdates forgets every event currently stored for the bot.
func (b *Bot) dropPendingUpdates(now time.Time) {
	tail := b.deps.Queue.Tail(b.queueID)
	b.deps.Queue.Get(b.queueID, tail, true, now, nil)
	b.lpOffset = tail
}

// loadCertificate builds a pinned root pool from an uploaded certificate
// file or an inline PEM parameter.
func (b *Bot) loadCertificate(q *Query) (*x509.CertPool, bool, error) {
	var pem []byte
	if path, ok := q.Files["certificate"]; ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, false, tg.BadRequest("can't read certificate")
		}
		pem = data
	} else if raw := q.Param("certificate"); raw != "" {
		pem = []byte(raw)
	} else {
		return nil, false, nil
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, false, tg.BadRequest("invalid certificate provided")
	}
	return pool, true, nil
}

func checkSecretToken(secret string) error {
	if len(secret) > 256 {
		return tg.BadRequest("secret token is too long")
	}
	for _, r := range secret {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return tg.BadRequest("secret token contains unallowed characters")
		}
	}
	return nil
}
