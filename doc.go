// Package botgate is a multi-tenant Telegram Bot API front server.
//
// It accepts the public bot API over HTTP, maintains one long-lived client
// actor per bot token, and delivers inbound updates to bot developers through
// either long polling or outbound webhook POSTs with retries and connection
// pooling.
//
// # Layout
//
// The binary lives in cmd/botgate. The building blocks are importable:
//
//	import "github.com/prilive-com/botgate/manager" // token routing, bot actors, persistence
//	import "github.com/prilive-com/botgate/server"  // HTTP front and stats listener
//	import "github.com/prilive-com/botgate/tqueue"  // durable per-bot update queue
//	import "github.com/prilive-com/botgate/webhook" // outbound delivery actor
//
// A minimal embedded server:
//
//	mgr, err := manager.Open(manager.Config{Dir: "/var/lib/botgate"}, connector, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv := server.New(server.Config{Addr: ":8081"}, mgr, logger)
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	mgr.RestoreWebhooks()
//
// # Features
//
//   - Durable per-bot update queues backed by an append-only binlog
//   - Webhook delivery with per-conversation ordering and capped backoff
//   - Long polling with request coalescing and conflict detection
//   - Per-source flood control on bot creation and socket accept
//   - Circuit breaker on upstream calls with sony/gobreaker
//   - Token auto-redaction in logs and errors
//   - Structured logging with slog
package botgate
