package server

import (
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/prilive-com/botgate/floodctrl"
)

// floodListener applies per-peer-IP flood control at the accept loop.
// Connections over the limit get a minimal 429 and are closed before they
// reach the HTTP server.
type floodListener struct {
	net.Listener
	flood  *floodctrl.Keyed
	logger *slog.Logger
}

func newFloodListener(ln net.Listener, limits []floodctrl.Limit, logger *slog.Logger) net.Listener {
	return &floodListener{
		Listener: ln,
		flood:    floodctrl.NewKeyed(2*time.Hour, limits...),
		logger:   logger,
	}
}

func (l *floodListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}
		host := conn.RemoteAddr().String()
		if h, _, splitErr := net.SplitHostPort(host); splitErr == nil {
			host = h
		}
		if wait, ok := l.flood.Allow(host, time.Now()); !ok {
			l.logger.Warn("server: connection flood", "peer", host, "retry_after", wait)
			rejectConn(conn, wait)
			continue
		}
		return conn, nil
	}
}

func rejectConn(conn net.Conn, wait time.Duration) {
	defer conn.Close()
	retryAfter := int(wait / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	body := `{"ok":false,"error_code":429,"description":"Too Many Requests"}`
	resp := "HTTP/1.1 429 Too Many Requests\r\n" +
		"Content-Type: application/json\r\n" +
		"Retry-After: " + strconv.Itoa(retryAfter) + "\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"Connection: close\r\n\r\n" + body
	conn.Write([]byte(resp))
}
