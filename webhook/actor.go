// Package webhook implements the outbound delivery actor: it drains a bot's
// TQueue and POSTs one update per in-flight connection to the configured
// HTTPS endpoint, preserving per-conversation order, retrying with capped
// exponential backoff, and re-resolving the endpoint IP on a jittered TTL.
package webhook

import (
	"bytes"
	"container/heap"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/prilive-com/botgate/internal/scrub"
	"github.com/prilive-com/botgate/tg"
	"github.com/prilive-com/botgate/tqueue"
)

const (
	// DefaultMaxConnections is applied when setWebhook omits max_connections.
	DefaultMaxConnections = 40
	// MaxConnectionsLimit caps max_connections outside local mode.
	MaxConnectionsLimit = 100

	defaultMaxBodySize   = 16 << 20
	defaultClose410After = 23 * time.Hour
	requestTimeout       = 60 * time.Second
	resolveTTL           = 30 * time.Minute
	maxRetryAfter        = 3600
	maxResponseBody      = 1 << 20
)

var totalConnections atomic.Int64

// TotalConnections reports the process-wide outbound webhook connection
// count, exposed on the stats page.
func TotalConnections() int64 { return totalConnections.Load() }

// Callbacks is the typed upcall surface back to the owning bot actor.
type Callbacks interface {
	// WebhookVerified reports the cached endpoint IP once the first
	// connection is established; the bot actor persists the descriptor.
	WebhookVerified(ipAddress string)
	// WebhookClosed reports permanent shutdown (sustained HTTP 410).
	WebhookClosed(reason string)
	// WebhookResponse hands over a response body carrying an API method for
	// re-injection into the bot actor.
	WebhookResponse(body []byte)
}

// Config describes one webhook endpoint.
type Config struct {
	QueueID        int64
	URL            *url.URL
	MaxConnections int
	SecretToken    string
	IPAddress      string // cached resolved address, authoritative with FixIPAddress
	FixIPAddress   bool
	Proxy          *url.URL       // route deliveries through an HTTP proxy; disables IP pinning
	CertPool       *x509.CertPool // pinned self-signed CA, nil for system roots
	WasChecked     bool           // restored from persistent state, skip verification
	LocalMode      bool

	MaxBodySize          int64
	RetryBaseDelay       time.Duration // unit of the backoff machine, 1s in production
	Close410After        time.Duration
	PendingWarnThreshold int
}

func (c *Config) fillDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.MaxBodySize <= 0 {
		c.MaxBodySize = defaultMaxBodySize
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = time.Second
	}
	if c.Close410After <= 0 {
		c.Close410After = defaultClose410After
	}
	if c.PendingWarnThreshold <= 0 {
		c.PendingWarnThreshold = 1000
	}
}

// Info is the getWebhookInfo projection of actor state.
type Info struct {
	URL                  string
	IPAddress            string
	PendingUpdateCount   int
	LastErrorAt          time.Time
	LastErrorMessage     string
	MaxConnections       int
	HasCustomCertificate bool
}

type pendingUpdate struct {
	id        int32
	convID    int64
	payload   []byte
	delay     time.Duration
	failCount int
	expiresAt time.Time
}

type conversation struct {
	id       int64
	fifo     []int32
	inflight bool
	wakeupAt time.Time
	seq      int
}

type heapEntry struct {
	at     time.Time
	convID int64
	seq    int
}

type convHeap []heapEntry

func (h convHeap) Len() int { return len(h) }
func (h convHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	// Deterministic tie-break by conversation id.
	return h[i].convID < h[j].convID
}
func (h convHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *convHeap) Push(x any)   { *h = append(*h, x.(heapEntry)) }
func (h *convHeap) Pop() any     { old := *h; n := len(old); x := old[n-1]; *h = old[:n-1]; return x }

type deliveryResult struct {
	eventID    int32
	convID     int64
	status     int // 0 on transport failure
	retryAfter int // seconds, -1 when absent
	tooLarge   bool
	connected  bool
	respBody   []byte // non-nil when the response carries an API method
	err        error
}

// Actor delivers one bot's queued updates to its webhook endpoint. All
// mutable state is owned by the run goroutine.
type Actor struct {
	logger   *slog.Logger
	cfg      Config
	queue    *tqueue.TQueue
	cb       Callbacks
	client   *http.Client
	pool     *http.Transport
	resolver Resolver

	notifyCh  chan struct{}
	resultCh  chan deliveryResult
	resolveCh chan resolveResult
	dialCh    chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	stopOnce  sync.Once

	currentIP atomic.Value // string

	// run-goroutine state
	updates       map[int32]*pendingUpdate
	convs         map[int64]*conversation
	ready         convHeap
	loadFromID    int32
	inflight      int
	lastSuccessAt time.Time
	first410At    time.Time
	ipGeneration  int
	resolveAt     time.Time
	resolving     bool
	connected     bool
	verified      bool
	activeGate    *rate.Limiter
	pendingGate   *rate.Limiter
	warnThreshold int
	backlog       int

	infoMu    sync.Mutex
	lastErrAt time.Time
	lastErr   string
}

type resolveResult struct {
	ip  net.IP
	err error
}

// Option tweaks an Actor, mostly for tests.
type Option func(*Actor)

// WithResolver replaces the endpoint IP resolver.
func WithResolver(r Resolver) Option {
	return func(a *Actor) { a.resolver = r }
}

// WithHTTPClient replaces the delivery HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Actor) { a.client = c }
}

// NewActor creates a delivery actor bound to the bot's TQueue.
func NewActor(cfg Config, queue *tqueue.TQueue, cb Callbacks, logger *slog.Logger, opts ...Option) *Actor {
	cfg.fillDefaults()
	a := &Actor{
		logger:    logger,
		cfg:       cfg,
		queue:     queue,
		cb:        cb,
		resolver:  DefaultResolver,
		notifyCh:  make(chan struct{}, 1),
		resultCh:  make(chan deliveryResult),
		resolveCh: make(chan resolveResult, 1),
		dialCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		updates:   make(map[int32]*pendingUpdate),
		convs:     make(map[int64]*conversation),
		// Active regime: 10 connection attempts per half a base unit.
		activeGate: rate.NewLimiter(rate.Every(cfg.RetryBaseDelay/20), 10),
		// Pending regime: 1 attempt per 2 base units.
		pendingGate:   rate.NewLimiter(rate.Every(2*cfg.RetryBaseDelay), 1),
		warnThreshold: cfg.PendingWarnThreshold,
	}
	a.currentIP.Store(cfg.IPAddress)
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		a.pool = a.newTransport()
		a.client = &http.Client{Transport: a.pool, Timeout: requestTimeout}
	}
	return a
}

func (a *Actor) newTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	t := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			// With a proxy configured the dialed address is the proxy, not
			// the endpoint; the pinned IP only applies to direct connections.
			if a.cfg.Proxy == nil {
				if ip, _ := a.currentIP.Load().(string); ip != "" {
					if _, port, err := net.SplitHostPort(addr); err == nil {
						addr = net.JoinHostPort(ip, port)
					}
				}
			}
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			totalConnections.Add(1)
			// An accepted connection verifies the endpoint, even before the
			// first request succeeds.
			select {
			case a.dialCh <- struct{}{}:
			default:
			}
			return &countedConn{Conn: conn}, nil
		},
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: a.cfg.URL.Hostname(),
			RootCAs:    a.cfg.CertPool,
		},
		TLSHandshakeTimeout: 10 * time.Second,
		MaxIdleConns:        a.cfg.MaxConnections,
		MaxIdleConnsPerHost: a.cfg.MaxConnections,
		MaxConnsPerHost:     a.cfg.MaxConnections,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   false, // one update per connection slot, HTTP/1.1 keep-alive
	}
	if a.cfg.Proxy != nil {
		t.Proxy = http.ProxyURL(a.cfg.Proxy)
	}
	return t
}

type countedConn struct {
	net.Conn
	closed atomic.Bool
}

func (c *countedConn) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		totalConnections.Add(-1)
	}
	return c.Conn.Close()
}

// Start launches the run loop. The actor stops when ctx is cancelled, Stop
// is called, or the endpoint 410-saturates.
func (a *Actor) Start(ctx context.Context) {
	go a.run(ctx)
}

// Notify wakes the actor after a TQueue push. Safe from any goroutine; wired
// as the queue listener.
func (a *Actor) Notify() {
	select {
	case a.notifyCh <- struct{}{}:
	default:
	}
}

// Stop shuts the actor down and waits for the run loop to exit.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.doneCh
}

// Info snapshots delivery state for getWebhookInfo and the stats page.
func (a *Actor) Info() Info {
	a.infoMu.Lock()
	defer a.infoMu.Unlock()
	ip, _ := a.currentIP.Load().(string)
	return Info{
		URL:                  a.cfg.URL.String(),
		IPAddress:            ip,
		PendingUpdateCount:   a.pendingCount(),
		LastErrorAt:          a.lastErrAt,
		LastErrorMessage:     a.lastErr,
		MaxConnections:       a.cfg.MaxConnections,
		HasCustomCertificate: a.cfg.CertPool != nil,
	}
}

func (a *Actor) pendingCount() int {
	_, total := a.queue.Get(a.cfg.QueueID, 0, false, time.Now(), nil)
	return total
}

func (a *Actor) setLastError(msg string) {
	a.infoMu.Lock()
	if msg == "" {
		a.lastErr = ""
		a.lastErrAt = time.Time{}
	} else {
		a.lastErr = msg
		a.lastErrAt = time.Now()
	}
	a.infoMu.Unlock()
}

func (a *Actor) run(ctx context.Context) {
	defer close(a.doneCh)
	defer func() {
		if a.pool != nil {
			a.pool.CloseIdleConnections()
		}
	}()

	// Fixed-IP and restored webhooks skip verification.
	a.verified = a.verifiedAtStart()
	if a.resolvesEndpoint() {
		a.scheduleResolve(time.Now())
	}

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		now := time.Now()
		a.maybeResolve(now)
		a.loadUpdates(now)
		a.dispatch(now)

		next := a.nextWakeup(now)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(next.Sub(now))

		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-a.notifyCh:
		case res := <-a.resultCh:
			if a.handleResult(res) {
				return
			}
			// Drain any further completed deliveries before redispatching.
			for {
				select {
				case res := <-a.resultCh:
					if a.handleResult(res) {
						return
					}
					continue
				default:
				}
				break
			}
		case res := <-a.resolveCh:
			a.handleResolve(res)
		case <-a.dialCh:
			a.connected = true
			a.markVerified()
		case <-timer.C:
		}
	}
}

func (a *Actor) verifiedAtStart() bool {
	return a.cfg.WasChecked || a.cfg.FixIPAddress
}

// resolvesEndpoint reports whether the actor runs its own endpoint
// resolution. A fixed IP is authoritative; a proxy does the resolving on the
// actor's behalf.
func (a *Actor) resolvesEndpoint() bool {
	return !a.cfg.FixIPAddress && a.cfg.Proxy == nil
}

// markVerified fires the verification upcall once the endpoint has accepted
// a connection. It waits for the resolved address so the persisted descriptor
// carries it; proxied endpoints are never resolved and verify with an empty
// address.
func (a *Actor) markVerified() {
	if a.verified || !a.connected {
		return
	}
	ip, _ := a.currentIP.Load().(string)
	if ip == "" && a.cfg.Proxy == nil {
		return
	}
	a.verified = true
	a.cb.WebhookVerified(ip)
}

func (a *Actor) scheduleResolve(now time.Time) {
	// TTL with ±10% jitter so a fleet of webhooks does not resolve in sync.
	jitter := time.Duration(rand.Int63n(int64(resolveTTL) / 5))
	a.resolveAt = now.Add(resolveTTL - resolveTTL/10 + jitter)
	if ip, _ := a.currentIP.Load().(string); ip == "" {
		a.resolveAt = now
	}
}

func (a *Actor) maybeResolve(now time.Time) {
	if !a.resolvesEndpoint() || a.resolving || now.Before(a.resolveAt) {
		return
	}
	a.resolving = true
	host := a.cfg.URL.Hostname()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ip, err := a.resolver(ctx, host)
		select {
		case a.resolveCh <- resolveResult{ip: ip, err: err}:
		case <-a.stopCh:
		}
	}()
}

func (a *Actor) handleResolve(res resolveResult) {
	a.resolving = false
	now := time.Now()
	if res.err != nil {
		a.logger.Warn("webhook: endpoint resolution failed",
			"host", a.cfg.URL.Hostname(), "error", res.err)
		a.setLastError("Failed to resolve host: " + res.err.Error())
		a.resolveAt = now.Add(10 * a.cfg.RetryBaseDelay)
		return
	}
	if err := CheckIP(res.ip, a.cfg.LocalMode); err != nil {
		a.logger.Warn("webhook: endpoint resolved to a rejected address",
			"host", a.cfg.URL.Hostname(), "ip", res.ip.String())
		a.setLastError(tg.AsAPIError(err).Description)
		a.resolveAt = now.Add(10 * a.cfg.RetryBaseDelay)
		return
	}
	prev, _ := a.currentIP.Load().(string)
	next := res.ip.String()
	if prev != next {
		a.currentIP.Store(next)
		if prev != "" {
			a.ipGeneration++
			a.logger.Info("webhook: endpoint address changed",
				"host", a.cfg.URL.Hostname(), "ip", next, "generation", a.ipGeneration)
			// Drain keep-alive connections to the stale address.
			if a.pool != nil {
				a.pool.CloseIdleConnections()
			}
		}
	}
	a.markVerified()
	a.scheduleResolve(now)
}

func (a *Actor) maxLoadedUpdates() int {
	return 2 * a.cfg.MaxConnections
}

func (a *Actor) loadUpdates(now time.Time) {
	maxLoaded := a.maxLoadedUpdates()
	buf := make([]tqueue.Event, 32)
	for len(a.updates) < maxLoaded {
		room := maxLoaded - len(a.updates)
		if room > len(buf) {
			room = len(buf)
		}
		n, total := a.queue.Get(a.cfg.QueueID, a.loadFromID, false, now, buf[:room])
		a.backlog = total
		if total > a.warnThreshold {
			a.logger.Warn("webhook: pending updates growing",
				"pending", total, "threshold", a.warnThreshold)
			a.warnThreshold *= 2
		}
		if n == 0 {
			return
		}
		for _, ev := range buf[:n] {
			if ev.ID >= a.loadFromID {
				a.loadFromID = ev.ID + 1
			}
			if _, ok := a.updates[ev.ID]; ok {
				continue
			}
			u := &pendingUpdate{
				id:        ev.ID,
				convID:    ev.Extra,
				payload:   ev.Payload,
				delay:     a.cfg.RetryBaseDelay,
				expiresAt: ev.ExpiresAt,
			}
			a.updates[ev.ID] = u
			conv := a.getConv(ev.Extra)
			conv.fifo = append(conv.fifo, ev.ID)
			if len(conv.fifo) == 1 && !conv.inflight {
				a.schedule(conv, now)
			}
		}
		if n >= total {
			return
		}
	}
}

func (a *Actor) getConv(id int64) *conversation {
	conv, ok := a.convs[id]
	if !ok {
		conv = &conversation{id: id}
		a.convs[id] = conv
	}
	return conv
}

func (a *Actor) schedule(conv *conversation, at time.Time) {
	conv.wakeupAt = at
	conv.seq++
	heap.Push(&a.ready, heapEntry{at: at, convID: conv.id, seq: conv.seq})
}

// activeMode reports whether a delivery succeeded within the last 10 base
// units; otherwise the endpoint is treated as unresponsive and probed with a
// single slow connection.
func (a *Actor) activeMode(now time.Time) bool {
	return !a.lastSuccessAt.IsZero() && now.Sub(a.lastSuccessAt) <= 10*a.cfg.RetryBaseDelay
}

func (a *Actor) targetConnections(now time.Time) int {
	if !a.activeMode(now) {
		return 1
	}
	target := len(a.convs)
	if target > a.cfg.MaxConnections {
		target = a.cfg.MaxConnections
	}
	if target < 1 {
		target = 1
	}
	return target
}

// dispatch pairs due conversations with free connection slots.
func (a *Actor) dispatch(now time.Time) {
	if ip, _ := a.currentIP.Load().(string); ip == "" && !a.cfg.LocalMode && a.cfg.Proxy == nil {
		return // wait for first resolution
	}
	target := a.targetConnections(now)
	active := a.activeMode(now)
	for a.inflight < target {
		conv := a.popDue(now)
		if conv == nil {
			break
		}
		// Shed updates that expired while waiting for their slot.
		for len(conv.fifo) > 0 {
			u := a.updates[conv.fifo[0]]
			if !now.After(u.expiresAt) {
				break
			}
			a.logger.Warn("webhook: update dropped, expired before delivery", "update_id", u.id)
			a.ack(conv, u)
		}
		if len(conv.fifo) == 0 {
			a.dropConvIfIdle(conv)
			continue
		}
		gate := a.pendingGate
		if active {
			gate = a.activeGate
		}
		if !gate.AllowN(now, 1) {
			// Connection flood; come back on the next timer tick.
			a.schedule(conv, now.Add(a.cfg.RetryBaseDelay/4))
			break
		}
		u := a.updates[conv.fifo[0]]
		conv.inflight = true
		a.inflight++
		body := tg.RenderUpdate(tg.WrapUpdateID(int64(u.id)), u.payload)
		go a.deliver(u.id, conv.id, body)
	}
}

func (a *Actor) popDue(now time.Time) *conversation {
	for a.ready.Len() > 0 {
		entry := a.ready[0]
		conv, ok := a.convs[entry.convID]
		if !ok || entry.seq != conv.seq || conv.inflight || len(conv.fifo) == 0 {
			heap.Pop(&a.ready) // stale
			continue
		}
		if entry.at.After(now) {
			return nil
		}
		heap.Pop(&a.ready)
		return conv
	}
	return nil
}

func (a *Actor) nextWakeup(now time.Time) time.Time {
	next := now.Add(time.Minute)
	if a.resolvesEndpoint() && !a.resolving && a.resolveAt.Before(next) {
		next = a.resolveAt
	}
	for a.ready.Len() > 0 {
		entry := a.ready[0]
		conv, ok := a.convs[entry.convID]
		if !ok || entry.seq != conv.seq || conv.inflight || len(conv.fifo) == 0 {
			heap.Pop(&a.ready)
			continue
		}
		if entry.at.Before(next) {
			next = entry.at
		}
		break
	}
	if next.Before(now) {
		next = now.Add(time.Millisecond)
	}
	return next
}

func (a *Actor) deliver(eventID int32, convID int64, body []byte) {
	res := deliveryResult{eventID: eventID, convID: convID, retryAfter: -1}
	if int64(len(body)) > a.cfg.MaxBodySize {
		res.status = http.StatusBadRequest
		res.tooLarge = true
		a.sendResult(res)
		return
	}

	req, err := http.NewRequest(http.MethodPost, a.cfg.URL.String(), bytes.NewReader(body))
	if err != nil {
		res.err = err
		a.sendResult(res)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	req.Header.Set("Connection", "keep-alive")
	if a.cfg.SecretToken != "" {
		req.Header.Set("X-Telegram-Bot-Api-Secret-Token", a.cfg.SecretToken)
	}
	if user := a.cfg.URL.User; user != nil {
		password, _ := user.Password()
		req.SetBasicAuth(user.Username(), password)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		res.err = err
		a.sendResult(res)
		return
	}
	defer resp.Body.Close()

	res.connected = true
	res.status = resp.StatusCode
	if h := resp.Header.Get("Retry-After"); h != "" {
		if seconds, err := strconv.Atoi(h); err == nil && seconds >= 0 {
			res.retryAfter = seconds
		}
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if res.status >= 200 && res.status < 300 && len(respBody) > 0 && hasMethodField(respBody) {
		res.respBody = respBody
	}
	a.sendResult(res)
}

func hasMethodField(body []byte) bool {
	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Method != ""
}

func (a *Actor) sendResult(res deliveryResult) {
	select {
	case a.resultCh <- res:
	case <-a.stopCh:
	}
}

// handleResult applies one delivery outcome. Returns true when the actor
// must close (410 saturation).
func (a *Actor) handleResult(res deliveryResult) bool {
	now := time.Now()
	a.inflight--
	conv := a.convs[res.convID]
	if conv != nil {
		conv.inflight = false
	}
	u := a.updates[res.eventID]
	if u == nil || conv == nil {
		return false
	}

	if res.connected {
		a.connected = true
		a.markVerified()
	}

	success := res.err == nil && res.status >= 200 && res.status < 300
	if success {
		a.lastSuccessAt = now
		a.first410At = time.Time{}
		a.setLastError("")
		a.ack(conv, u)
		if res.respBody != nil {
			a.cb.WebhookResponse(res.respBody)
		}
		if len(conv.fifo) > 0 {
			a.schedule(conv, now)
		} else {
			a.dropConvIfIdle(conv)
		}
		return false
	}

	switch {
	case res.err != nil:
		// Transport errors can echo the request URL; keep credentials out of
		// the message surfaced through getWebhookInfo.
		a.setLastError("Connection failed: " + scrub.TokenFromError(res.err, tg.SecretToken(a.cfg.SecretToken)).Error())
	case res.tooLarge:
		a.setLastError("Update is too large to deliver")
	default:
		a.setLastError("Wrong response from the webhook: " + strconv.Itoa(res.status) + " " + http.StatusText(res.status))
	}

	if res.status == http.StatusGone {
		if a.first410At.IsZero() {
			a.first410At = now
		} else if now.Sub(a.first410At) > a.cfg.Close410After {
			a.logger.Warn("webhook: endpoint returned 410 for too long, closing",
				"url", a.cfg.URL.Redacted())
			a.cb.WebhookClosed("endpoint returned HTTP 410 Gone for too long")
			return true
		}
	} else if res.status != 0 {
		a.first410At = time.Time{}
	}

	if res.tooLarge {
		// Oversized bodies never shrink; terminal for this event.
		a.logger.Warn("webhook: update dropped, body exceeds size limit",
			"update_id", u.id, "size_limit", a.cfg.MaxBodySize)
		a.ack(conv, u)
		if len(conv.fifo) > 0 {
			a.schedule(conv, now)
		} else {
			a.dropConvIfIdle(conv)
		}
		return false
	}

	next := a.nextEffectiveDelay(u, res)
	if now.Add(next).After(u.expiresAt) {
		a.logger.Warn("webhook: update dropped, expires before next retry",
			"update_id", u.id, "fail_count", u.failCount)
		a.ack(conv, u)
		if len(conv.fifo) > 0 {
			a.schedule(conv, now)
		} else {
			a.dropConvIfIdle(conv)
		}
		return false
	}
	u.failCount++
	a.schedule(conv, now.Add(next))
	return false
}

// nextEffectiveDelay implements the per-event backoff machine. delay starts
// at one base unit and doubles on failure, capped at a random value in
// [60, 120] base units; a Retry-After overrides the effective wait without
// consuming the doubling except for the k==0 repeat case.
func (a *Actor) nextEffectiveDelay(u *pendingUpdate, res deliveryResult) time.Duration {
	base := a.cfg.RetryBaseDelay
	if res.retryAfter >= 0 {
		k := res.retryAfter
		if k > maxRetryAfter {
			k = maxRetryAfter
		}
		if k == 0 && u.failCount > 0 {
			u.delay = minDuration(u.delay*2, a.randomMaxDelay())
		}
		return time.Duration(k) * base
	}
	next := u.delay
	u.delay = minDuration(u.delay*2, a.randomMaxDelay())
	return next
}

func (a *Actor) randomMaxDelay() time.Duration {
	return time.Duration(60+rand.Intn(61)) * a.cfg.RetryBaseDelay
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (a *Actor) ack(conv *conversation, u *pendingUpdate) {
	delete(a.updates, u.id)
	if len(conv.fifo) > 0 && conv.fifo[0] == u.id {
		conv.fifo = conv.fifo[1:]
	} else {
		for i, id := range conv.fifo {
			if id == u.id {
				conv.fifo = append(conv.fifo[:i], conv.fifo[i+1:]...)
				break
			}
		}
	}
	a.queue.Forget(a.cfg.QueueID, u.id)
}

func (a *Actor) dropConvIfIdle(conv *conversation) {
	if len(conv.fifo) == 0 && !conv.inflight {
		delete(a.convs, conv.id)
	}
}
