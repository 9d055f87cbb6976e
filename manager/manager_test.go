package manager_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prilive-com/botgate/client"
	"github.com/prilive-com/botgate/manager"
	"github.com/prilive-com/botgate/upstream"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(t *testing.T, cfg manager.Config) *manager.Manager {
	t.Helper()
	cfg.RetryBaseDelay = 10 * time.Millisecond
	m, err := manager.Open(cfg, upstream.NewFakeConnector(), discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.Close(ctx)
	})
	return m
}

func ask(t *testing.T, m *manager.Manager, token, method, peerIP string, params url.Values) client.Result {
	t.Helper()
	q := client.NewQuery(method, params)
	q.PeerIP = peerIP
	m.Route(token, false, q)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return q.Wait(ctx)
}

func TestRoute_InvalidToken(t *testing.T) {
	m := newManager(t, manager.Config{LocalMode: true})

	for _, token := range []string{"", "nodigits", "0123:leadingzero", "123nocolon"} {
		res := ask(t, m, token, "getme", "10.0.0.1:1234", nil)
		require.NotNil(t, res.Err, "token %q", token)
		assert.Equal(t, 401, res.Err.Code, "token %q", token)
	}
}

func TestRoute_AdmissionFilter(t *testing.T) {
	m := newManager(t, manager.Config{LocalMode: true, FilterRem: 1, FilterMod: 3})

	res := ask(t, m, "2:AAAA", "getme", "10.0.0.1:1234", nil)
	require.NotNil(t, res.Err)
	assert.Equal(t, 421, res.Err.Code)
	assert.Equal(t, "Misdirected Request", res.Err.Description)

	res = ask(t, m, "4:AAAA", "getme", "10.0.0.1:1234", nil)
	require.Nil(t, res.Err, "4 %% 3 == 1 passes the filter")
}

func TestRoute_CreationFlood(t *testing.T) {
	m := newManager(t, manager.Config{LocalMode: true})

	for i := 0; i < 20; i++ {
		res := ask(t, m, fmt.Sprintf("%d:TOKEN", 1000+i), "getme", "10.1.2.3:999", nil)
		require.Nil(t, res.Err, "creation %d within the window", i+1)
	}

	res := ask(t, m, "2000:TOKEN", "getme", "10.1.2.3:999", nil)
	require.NotNil(t, res.Err)
	assert.Equal(t, 429, res.Err.Code)
	assert.GreaterOrEqual(t, res.Err.RetryAfter(), 1)

	// A different source address is unaffected.
	res = ask(t, m, "3000:TOKEN", "getme", "10.9.9.9:999", nil)
	require.Nil(t, res.Err)

	// An already-known bot is not a creation.
	res = ask(t, m, "1000:TOKEN", "getme", "10.1.2.3:999", nil)
	require.Nil(t, res.Err)
}

func TestClose_DrainsAndRejects(t *testing.T) {
	m := newManager(t, manager.Config{LocalMode: true})
	res := ask(t, m, "700:TOKEN", "getme", "10.0.0.1:1", nil)
	require.Nil(t, res.Err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	res = ask(t, m, "701:TOKEN", "getme", "10.0.0.1:1", nil)
	require.NotNil(t, res.Err)
	assert.Equal(t, 429, res.Err.Code)
}

func TestRestoreWebhooks_AcrossRestart(t *testing.T) {
	dir := t.TempDir()

	m1, err := manager.Open(manager.Config{Dir: dir, LocalMode: true}, upstream.NewFakeConnector(), discard())
	require.NoError(t, err)

	res := ask(t, m1, "900:TOKEN", "setwebhook", "10.0.0.1:1", url.Values{
		"url":        {"https://hooks.example/bot900"},
		"ip_address": {"93.184.216.34"},
	})
	require.Nil(t, res.Err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m1.Close(ctx))

	m2 := newManager(t, manager.Config{Dir: dir, LocalMode: true})
	m2.RestoreWebhooks()

	info := ask(t, m2, "900:TOKEN", "getwebhookinfo", "10.0.0.1:1", nil)
	require.Nil(t, info.Err)
	var parsed struct {
		URL string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(info.Body, &parsed))
	assert.Equal(t, "https://hooks.example/bot900", parsed.URL)
}

func TestWriteStats(t *testing.T) {
	m := newManager(t, manager.Config{LocalMode: true})
	res := ask(t, m, "800:TOKEN", "getme", "10.0.0.1:1", nil)
	require.Nil(t, res.Err)

	var sb strings.Builder
	require.NoError(t, m.WriteStats(&sb))
	out := sb.String()
	assert.Contains(t, out, "uptime\t")
	assert.Contains(t, out, "bot_count\t1")
	assert.Contains(t, out, "id\t800")
}
