// Command botgate runs the multi-tenant bot API front server: an HTTP
// listener translating bot API requests into upstream calls, with durable
// per-bot update queues delivered over webhooks or long polling.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/prilive-com/botgate/config"
	"github.com/prilive-com/botgate/manager"
	"github.com/prilive-com/botgate/server"
	"github.com/prilive-com/botgate/tg"
	"github.com/prilive-com/botgate/upstream"
)

var (
	configPath     = flag.String("config", "", "Path to a YAML config file")
	apiID          = flag.Int64("api-id", 0, "Application identifier for the upstream API")
	apiHash        = flag.String("api-hash", "", "Application hash for the upstream API")
	local          = flag.Bool("local", false, "Allow http:// webhooks, private addresses and arbitrary ports")
	httpPort       = flag.Int("http-port", 0, "Bot API listen port (default 8081)")
	httpStatPort   = flag.Int("http-stat-port", 0, "Stats listen port (disabled when 0)")
	httpIPAddress  = flag.String("http-ip-address", "", "Listen address for both ports")
	dir            = flag.String("dir", "", "Working directory for persistent state (in-memory when empty)")
	tempDir        = flag.String("temp-dir", "", "Directory for spooled file uploads")
	filter         = flag.String("filter", "", "Admit only bots with user_id matching <rem>/<mod>")
	maxWebhookConn = flag.Int("max-webhook-connections", 0, "Upper bound on per-webhook connections (default 40)")
	proxy          = flag.String("proxy", "", "HTTP proxy for outbound webhook requests")
	logPath        = flag.String("log", "", "Log file path (stderr when empty)")
	verbosity      = flag.Int("verbosity", -1, "Log verbosity: 0 errors, 1 warnings, 2 info, 3+ debug")
	logMaxFileSize = flag.Int64("log-max-file-size", 0, "Rotate the log file after this many bytes")
)

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()

	// A .env next to the binary seeds the environment without overriding it.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath, applyFlags)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	sink, err := newLogSink(cfg.Log, cfg.LogMaxFileSize)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer sink.Close()

	logger := slog.New(slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	logger.Info("botgate starting",
		"http_addr", cfg.HTTPAddr(),
		"stat_addr", cfg.StatAddr(),
		"dir", cfg.Dir,
		"local", cfg.Local)

	filterRem, filterMod, err := config.ParseFilter(cfg.Filter)
	if err != nil {
		logger.Error("invalid filter", "error", err)
		return 1
	}

	// The MTProto transport runs as a separate concern behind the upstream
	// boundary; the fake connector keeps the binary self-contained.
	connector := upstream.NewFakeConnector()

	mgr, err := manager.Open(manager.Config{
		Dir:                   cfg.Dir,
		LocalMode:             cfg.Local,
		FilterRem:             filterRem,
		FilterMod:             filterMod,
		MaxWebhookConnections: cfg.MaxWebhookConnections,
		Proxy:                 cfg.Proxy,
	}, connector, logger)
	if err != nil {
		logger.Error("manager startup failed", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(server.Config{
		Addr:      cfg.HTTPAddr(),
		StatsAddr: cfg.StatAddr(),
		TempDir:   cfg.TempDir,
	}, mgr, logger)
	if err := srv.Start(ctx); err != nil {
		logger.Error("server startup failed", "error", err)
		return 1
	}

	mgr.RestoreWebhooks()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	for {
		sig := <-sigCh
		if sig == syscall.SIGUSR1 {
			if err := sink.Reopen(); err != nil {
				logger.Error("log reopen failed", "error", err)
			} else {
				logger.Info("log reopened")
			}
			continue
		}

		logger.Info("shutting down", "signal", sig.String())
		go func() {
			// A second termination signal skips the graceful drain.
			for s := range sigCh {
				if s != syscall.SIGUSR1 {
					os.Exit(1)
				}
			}
		}()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
		if err := mgr.Close(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
			return 1
		}
		logger.Info("botgate stopped")
		return 0
	}
}

// applyFlags copies only the flags the user actually set onto the config, so
// the command line wins over the file and the environment.
func applyFlags(cfg *config.Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "api-id":
			cfg.APIID = *apiID
		case "api-hash":
			cfg.APIHash = tg.SecretToken(*apiHash)
		case "local":
			cfg.Local = *local
		case "http-port":
			cfg.HTTPPort = *httpPort
		case "http-stat-port":
			cfg.HTTPStatPort = *httpStatPort
		case "http-ip-address":
			cfg.HTTPIPAddress = *httpIPAddress
		case "dir":
			cfg.Dir = *dir
		case "temp-dir":
			cfg.TempDir = *tempDir
		case "filter":
			cfg.Filter = *filter
		case "max-webhook-connections":
			cfg.MaxWebhookConnections = *maxWebhookConn
		case "proxy":
			cfg.Proxy = *proxy
		case "log":
			cfg.Log = *logPath
		case "verbosity":
			cfg.Verbosity = *verbosity
		case "log-max-file-size":
			cfg.LogMaxFileSize = *logMaxFileSize
		}
	})
}

// logSink writes to stderr or to a reopenable log file. Reopen closes and
// recreates the file so external rotation works; when the file grows past
// maxSize the sink rotates it to a single ".old" sibling itself.
type logSink struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	file    *os.File
	written int64
}

func newLogSink(path string, maxSize int64) (*logSink, error) {
	s := &logSink{path: path, maxSize: maxSize}
	if path == "" {
		return s, nil
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *logSink) open() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", s.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	s.file = f
	s.written = info.Size()
	return nil
}

func (s *logSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return os.Stderr.Write(p)
	}
	n, err := s.file.Write(p)
	s.written += int64(n)
	if err == nil && s.maxSize > 0 && s.written >= s.maxSize {
		err = s.rotateLocked()
	}
	return n, err
}

func (s *logSink) rotateLocked() error {
	s.file.Close()
	if err := os.Rename(s.path, s.path+".old"); err != nil {
		return err
	}
	return s.open()
}

// Reopen closes and reopens the log file. No-op for stderr.
func (s *logSink) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.file.Close()
	return s.open()
}

func (s *logSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

var _ io.Writer = (*logSink)(nil)
