// Package manager routes inbound queries to per-bot client actors. It owns
// token admission, per-source-IP creation flood control, the persistent
// stores (TQueue binlog, webhook registry), webhook restore on startup, and
// the process-wide stats page.
package manager

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prilive-com/botgate/client"
	"github.com/prilive-com/botgate/floodctrl"
	"github.com/prilive-com/botgate/internal/syncutil"
	"github.com/prilive-com/botgate/stats"
	"github.com/prilive-com/botgate/tg"
	"github.com/prilive-com/botgate/tqueue"
	"github.com/prilive-com/botgate/upstream"
	"github.com/prilive-com/botgate/webhookdb"
)

const (
	tqueueLogName  = "tqueue.binlog"
	registryName   = "webhooks_db.binlog"
	gcBusyInterval = time.Second
	gcIdleInterval = time.Minute
	statsTopK      = 50
)

// Config carries process-level settings passed down to bot actors.
type Config struct {
	// Dir is the working directory for the persistent binlogs. Empty keeps
	// all state in memory.
	Dir       string
	LocalMode bool

	// FilterRem/FilterMod form the admission predicate
	// user_id % FilterMod == FilterRem. FilterMod <= 1 admits everyone.
	FilterRem int64
	FilterMod int64

	UpdateTTL             time.Duration
	RetryBaseDelay        time.Duration
	Close410After         time.Duration
	MaxWebhookConnections int

	// Proxy is an HTTP proxy URL for outbound webhook deliveries; empty
	// connects directly.
	Proxy string
}

// Manager is the token router. Safe for concurrent use by the front server.
type Manager struct {
	logger    *slog.Logger
	cfg       Config
	queue     *tqueue.TQueue
	registry  *webhookdb.Registry
	connector upstream.Connector

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	bots     map[string]*managedBot
	draining bool
	allGone  chan struct{}

	creationFlood *floodctrl.Keyed
	startTime     time.Time
	queryCount    atomic.Int64
	wg            sync.WaitGroup
}

type managedBot struct {
	bot   *client.Bot
	stats *stats.Bot
	id    int64
}

// Open builds the manager and its persistent stores. With cfg.Dir set, the
// TQueue binlog and webhook registry are replayed from disk; a corrupt store
// header fails startup.
func Open(cfg Config, connector upstream.Connector, logger *slog.Logger) (*Manager, error) {
	var (
		queue    *tqueue.TQueue
		registry *webhookdb.Registry
		err      error
	)
	if cfg.Dir != "" {
		queue, err = tqueue.OpenLogged(filepath.Join(cfg.Dir, tqueueLogName), logger)
		if err != nil {
			return nil, err
		}
		registry, err = webhookdb.Open(filepath.Join(cfg.Dir, registryName), logger)
		if err != nil {
			queue.Close()
			return nil, err
		}
	} else {
		queue = tqueue.New(logger)
		registry = webhookdb.NewMemory(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		logger:    logger,
		cfg:       cfg,
		queue:     queue,
		registry:  registry,
		connector: connector,
		ctx:       ctx,
		cancel:    cancel,
		bots:      make(map[string]*managedBot),
		allGone:   make(chan struct{}),
		// New-bot creation per peer IP: 20 per minute, 600 per hour.
		creationFlood: floodctrl.NewKeyed(2*time.Hour,
			floodctrl.Limit{Window: time.Minute, MaxEvents: 20},
			floodctrl.Limit{Window: time.Hour, MaxEvents: 600},
		),
		startTime: time.Now(),
	}

	syncutil.Go(&m.wg, func() { m.gcLoop(ctx) })
	syncutil.Go(&m.wg, func() { m.watchdog(ctx) })
	return m, nil
}

// Queue exposes the shared TQueue, used by the stats page and tests.
func (m *Manager) Queue() *tqueue.TQueue { return m.queue }

// Route validates the token, applies admission and creation flood control,
// and hands the query to the bot's actor, creating it on first contact.
func (m *Manager) Route(rawToken string, isTestDC bool, q *client.Query) {
	m.queryCount.Add(1)

	token, err := tg.ParseToken(rawToken, isTestDC)
	if err != nil {
		q.Fail(err)
		return
	}
	if m.cfg.FilterMod > 1 && token.UserID%m.cfg.FilterMod != m.cfg.FilterRem {
		q.Fail(tg.ErrMisdirected)
		return
	}

	now := time.Now()
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		q.Fail(tg.ErrShuttingDown)
		return
	}
	mb, ok := m.bots[token.Key()]
	if !ok {
		if !q.Internal {
			if wait, allowed := m.creationFlood.Allow(canonicalPeerIP(q.PeerIP), now); !allowed {
				m.mu.Unlock()
				q.Fail(tg.RetryAfterError(int(math.Ceil(wait.Seconds()))))
				return
			}
		}
		mb = m.startBot(token, now)
	}
	m.mu.Unlock()

	mb.track(q, now)
	mb.bot.Enqueue(q)
}

// startBot is called with m.mu held.
func (m *Manager) startBot(token tg.Token, now time.Time) *managedBot {
	bs := stats.NewBot(now)
	key := token.Key()
	bot := client.NewBot(client.Config{
		Token:                 token,
		LocalMode:             m.cfg.LocalMode,
		UpdateTTL:             m.cfg.UpdateTTL,
		RetryBaseDelay:        m.cfg.RetryBaseDelay,
		Close410After:         m.cfg.Close410After,
		MaxWebhookConnections: m.cfg.MaxWebhookConnections,
		Proxy:                 m.cfg.Proxy,
	}, client.Deps{
		Logger:    m.logger,
		Queue:     m.queue,
		Registry:  m.registry,
		Connector: m.connector,
		Stats:     bs,
		OnHangup:  func() { m.hangup(key) },
	})
	mb := &managedBot{bot: bot, stats: bs, id: token.UserID}
	m.bots[key] = mb
	bot.Start(m.ctx)
	m.logger.Info("manager: bot actor created", "bot_id", token.UserID)
	return mb
}

func (mb *managedBot) track(q *client.Query, now time.Time) {
	mb.stats.Requests.Inc(now)
	if q.Size > 0 {
		mb.stats.RequestBytes.Add(now, float64(q.Size))
	}
	mb.stats.ActiveCount.Add(1)
	bs := mb.stats
	q.Observe(func(res client.Result) {
		bs.ActiveCount.Add(-1)
		if res.Err != nil {
			bs.Errors.Inc(time.Now())
		}
	})
}

// hangup de-registers a terminated actor; the last one out resolves a
// pending drain.
func (m *Manager) hangup(key string) {
	m.mu.Lock()
	delete(m.bots, key)
	empty := len(m.bots) == 0
	draining := m.draining
	m.mu.Unlock()
	if draining && empty {
		select {
		case <-m.allGone:
		default:
			close(m.allGone)
		}
	}
}

// RestoreWebhooks replays every persisted webhook descriptor that passes the
// admission predicate as a synthetic internal setWebhook.
func (m *Manager) RestoreWebhooks() {
	for key, desc := range m.registry.Entries() {
		rawToken, isTestDC := strings.CutSuffix(key, ":T")

		params := url.Values{}
		params.Set("url", desc.URL)
		if desc.SecretToken != "" {
			params.Set("secret_token", desc.SecretToken)
		}
		if desc.MaxConnections > 0 {
			params.Set("max_connections", strconv.Itoa(desc.MaxConnections))
		}
		if desc.HasAllowedMask {
			names, _ := json.Marshal(desc.AllowedUpdates.Names())
			params.Set("allowed_updates", string(names))
		}
		if desc.FixIPAddress {
			params.Set("fix_ip", "true")
		}
		params.Set("verified_ip_address", desc.IPAddress)

		q := client.NewQuery("setwebhook", params)
		q.Internal = true
		logger := m.logger
		q.Observe(func(res client.Result) {
			if res.Err != nil {
				logger.Warn("manager: webhook restore failed",
					"key", key, "error", res.Err)
			}
		})
		m.Route(rawToken, isTestDC, q)
	}
}

// Close drains: new queries get 429, every actor is stopped, then the
// persistent stores are closed. Returns once everything is down or ctx
// expires.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		<-m.allGone
		return nil
	}
	m.draining = true
	actors := make([]*managedBot, 0, len(m.bots))
	for _, mb := range m.bots {
		actors = append(actors, mb)
	}
	empty := len(actors) == 0
	m.mu.Unlock()

	var stopWG sync.WaitGroup
	for _, mb := range actors {
		syncutil.Go(&stopWG, mb.bot.Stop)
	}
	stopWG.Wait()
	if empty {
		select {
		case <-m.allGone:
		default:
			close(m.allGone)
		}
	}

	select {
	case <-m.allGone:
	case <-ctx.Done():
		m.logger.Warn("manager: drain timed out")
	}

	m.cancel()
	m.wg.Wait()

	if err := m.queue.Close(); err != nil {
		m.logger.Warn("manager: tqueue close failed", "error", err)
	}
	if err := m.registry.Close(); err != nil {
		m.logger.Warn("manager: webhook registry close failed", "error", err)
	}
	return nil
}

// gcLoop drives TQueue expiry sweeps: every second while a sweep is still in
// progress, every minute when idle.
func (m *Manager) gcLoop(ctx context.Context) {
	interval := gcIdleInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		_, finished := m.queue.RunGC(time.Now())
		if finished {
			interval = gcIdleInterval
		} else {
			interval = gcBusyInterval
		}
		timer.Reset(interval)
	}
}

// watchdog measures scheduler latency: the ticker should fire every 25 ms,
// and a fire overdue by more than the threshold indicates a stalled process.
func (m *Manager) watchdog(ctx context.Context) {
	const kick = 25 * time.Millisecond
	const overdue = 250 * time.Millisecond
	ticker := time.NewTicker(kick)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if lag := now.Sub(last) - kick; lag > overdue {
				m.logger.Error("manager: watchdog overdue", "lag", lag)
			}
			last = now
		}
	}
}

// canonicalPeerIP strips the port and any IPv6 zone so flood control keys on
// the address alone.
func canonicalPeerIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if i := strings.IndexByte(addr, '%'); i >= 0 {
		addr = addr[:i]
	}
	return addr
}
