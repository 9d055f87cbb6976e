package server_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prilive-com/botgate/floodctrl"
	"github.com/prilive-com/botgate/manager"
	"github.com/prilive-com/botgate/server"
	"github.com/prilive-com/botgate/upstream"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	ts        *httptest.Server
	srv       *server.Server
	connector *upstream.FakeConnector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	connector := upstream.NewFakeConnector()
	mgr, err := manager.Open(manager.Config{
		LocalMode:      true,
		RetryBaseDelay: 10 * time.Millisecond,
	}, connector, discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.Close(ctx)
	})

	srv := server.New(server.Config{TempDir: t.TempDir()}, mgr, discard())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{ts: ts, srv: srv, connector: connector}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func doPost(t *testing.T, ts *httptest.Server, path string, form url.Values) (*http.Response, apiResponse) {
	t.Helper()
	resp, err := http.PostForm(ts.URL+path, form)
	require.NoError(t, err)
	defer resp.Body.Close()
	var parsed apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	return resp, parsed
}

func TestServer_GetMe(t *testing.T) {
	f := newFixture(t)
	resp, parsed := doPost(t, f.ts, "/bot100:TOKEN/getMe", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, parsed.OK)

	var me struct {
		Username string `json:"username"`
	}
	require.NoError(t, json.Unmarshal(parsed.Result, &me))
	assert.Equal(t, "bot100", me.Username)
}

func TestServer_InvalidTokenEnvelope(t *testing.T) {
	f := newFixture(t)
	resp, parsed := doPost(t, f.ts, "/botnotatoken/getMe", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.False(t, parsed.OK)
	assert.Equal(t, 401, parsed.ErrorCode)
	assert.Equal(t, "Unauthorized", parsed.Description)
}

func TestServer_UnknownPath(t *testing.T) {
	f := newFixture(t)
	resp, parsed := doPost(t, f.ts, "/health", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.False(t, parsed.OK)
}

func TestServer_JSONBody(t *testing.T) {
	f := newFixture(t)
	body := strings.NewReader(`{"chat_id": 5, "user_id": 77}`)
	resp, err := http.Post(f.ts.URL+"/bot100:TOKEN/banChatMember", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var parsed apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.True(t, parsed.OK)
	assert.Equal(t, "true", string(parsed.Result))
}

func TestServer_MultipartForm(t *testing.T) {
	f := newFixture(t)

	var buf strings.Builder
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("chat_id", "5"))
	require.NoError(t, mw.WriteField("user_id", "77"))
	fw, err := mw.CreateFormFile("document", "notes.txt")
	require.NoError(t, err)
	_, err = io.WriteString(fw, "hello")
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(f.ts.URL+"/bot100:TOKEN/banChatMember", mw.FormDataContentType(), strings.NewReader(buf.String()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_CreationFloodRetryAfter(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		resp, parsed := doPost(t, f.ts, fmt.Sprintf("/bot%d:TOKEN/getMe", 5000+i), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "creation %d", i+1)
		require.True(t, parsed.OK)
	}

	resp, parsed := doPost(t, f.ts, "/bot6000:TOKEN/getMe", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.False(t, parsed.OK)
	require.NotNil(t, parsed.Parameters)
	assert.GreaterOrEqual(t, parsed.Parameters.RetryAfter, 1)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestServer_TestDCPath(t *testing.T) {
	f := newFixture(t)
	resp, parsed := doPost(t, f.ts, "/bot100:TOKEN/test/getMe", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, parsed.OK)

	// The test-DC session is distinct from the production one.
	_, prodOK := f.connector.Session("100:TOKEN")
	_, testOK := f.connector.Session("100:TOKEN:T")
	assert.False(t, prodOK)
	assert.True(t, testOK)
}

func TestServer_StatsPage(t *testing.T) {
	f := newFixture(t)
	doPost(t, f.ts, "/bot100:TOKEN/getMe", nil)

	statsTS := httptest.NewServer(f.srv.StatsHandler())
	t.Cleanup(statsTS.Close)

	resp, err := http.Get(statsTS.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "uptime\t")
	assert.Contains(t, string(body), "bot_count\t1")
	assert.Contains(t, string(body), "id\t100")
}

func TestServer_AcceptFlood(t *testing.T) {
	connector := upstream.NewFakeConnector()
	mgr, err := manager.Open(manager.Config{
		LocalMode:      true,
		RetryBaseDelay: 10 * time.Millisecond,
	}, connector, discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mgr.Close(ctx)
	})

	srv := server.New(server.Config{
		Addr: "127.0.0.1:0",
		AcceptLimits: []floodctrl.Limit{
			{Window: time.Minute, MaxEvents: 1},
		},
	}, mgr, discard())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, srv.Start(ctx))
	addr := srv.Addr()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Post("http://"+addr+"/bot100:TOKEN/getMe", "application/x-www-form-urlencoded", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = client.Post("http://"+addr+"/bot100:TOKEN/getMe", "application/x-www-form-urlencoded", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}
