// Package server is the HTTP front: it parses inbound bot API requests,
// spools multipart uploads to the temp directory, routes queries through the
// manager, and renders the JSON response envelope. A second listener serves
// the TSV stats page.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prilive-com/botgate/client"
	"github.com/prilive-com/botgate/floodctrl"
	"github.com/prilive-com/botgate/manager"
	"github.com/prilive-com/botgate/tg"
)

const (
	defaultMaxBodySize   = 2 << 30 // uploads can be large; methods cap their own fields
	multipartMemoryLimit = 16 << 20
	readHeaderTimeout    = 10 * time.Second
)

// Config carries the front server settings.
type Config struct {
	Addr      string
	StatsAddr string
	TempDir   string

	MaxBodySize int64
	// AcceptLimits throttle connections per peer IP at the accept loop.
	AcceptLimits []floodctrl.Limit
}

// Server owns the two listeners.
type Server struct {
	logger   *slog.Logger
	cfg      Config
	mgr      *manager.Manager
	httpSrv  *http.Server
	statsSrv *http.Server
	addr     string
}

// New builds the front server.
func New(cfg Config, mgr *manager.Manager, logger *slog.Logger) *Server {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.AcceptLimits == nil {
		cfg.AcceptLimits = []floodctrl.Limit{
			{Window: time.Second, MaxEvents: 1},
			{Window: time.Minute, MaxEvents: 10},
		}
	}
	return &Server{logger: logger, cfg: cfg, mgr: mgr}
}

// Handler returns the bot API handler.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleBot)
}

// StatsHandler returns the stats page handler.
func (s *Server) StatsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if err := s.mgr.WriteStats(w); err != nil {
			s.logger.Warn("server: stats render failed", "error", err)
		}
	})
}

// Start opens the listeners and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	flood := newFloodListener(ln, s.cfg.AcceptLimits, s.logger)

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		// No write timeout: long polls stay open for up to 50 s.
	}
	go func() {
		if err := s.httpSrv.Serve(flood); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server: serve failed", "error", err)
		}
	}()
	s.logger.Info("server: listening", "addr", ln.Addr().String())

	if s.cfg.StatsAddr != "" {
		statsLn, err := net.Listen("tcp", s.cfg.StatsAddr)
		if err != nil {
			s.httpSrv.Close()
			return err
		}
		s.statsSrv = &http.Server{
			Handler:           s.StatsHandler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		go func() {
			if err := s.statsSrv.Serve(statsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("server: stats serve failed", "error", err)
			}
		}()
		s.logger.Info("server: stats listening", "addr", statsLn.Addr().String())
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(shutdownCtx)
	}()
	return nil
}

// Addr reports the bound address of the main listener after Start.
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown stops accepting and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpSrv != nil {
		s.httpSrv.Shutdown(ctx)
	}
	if s.statsSrv != nil {
		s.statsSrv.Shutdown(ctx)
	}
}

func (s *Server) handleBot(w http.ResponseWriter, r *http.Request) {
	token, isTestDC, method, ok := splitBotPath(r.URL.Path)
	if !ok {
		writeError(w, tg.NewError(http.StatusNotFound, "Not Found"))
		return
	}

	params, files, cleanup, err := parseRequest(r, s.cfg.TempDir, s.cfg.MaxBodySize)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cleanup()

	q := client.NewQuery(strings.ToLower(method), params)
	q.Files = files
	q.PeerIP = r.RemoteAddr
	if r.ContentLength > 0 {
		q.Size = r.ContentLength
	}

	logger := s.logger.With("request_id", q.ID)
	logger.Debug("server: request", "method", q.Method, "peer", r.RemoteAddr)

	s.mgr.Route(token, isTestDC, q)
	res := q.Wait(r.Context())
	if res.Err != nil {
		logger.Debug("server: request failed",
			"method", q.Method, "code", res.Err.Code, "description", res.Err.Description)
		writeError(w, res.Err)
		return
	}
	writeResult(w, res.Body)
}

// splitBotPath parses /bot<token>[/test]/<method>.
func splitBotPath(path string) (token string, isTestDC bool, method string, ok bool) {
	rest, found := strings.CutPrefix(path, "/bot")
	if !found {
		return "", false, "", false
	}
	slash := strings.IndexByte(rest, '/')
	if slash <= 0 {
		return "", false, "", false
	}
	token, rest = rest[:slash], rest[slash+1:]
	if tail, found := strings.CutPrefix(rest, "test/"); found {
		isTestDC = true
		rest = tail
	}
	if rest == "" || strings.ContainsRune(rest, '/') {
		return "", false, "", false
	}
	return token, isTestDC, rest, true
}

// parseRequest flattens the query string and body into form values. Multipart
// files are spooled into tempDir; cleanup removes them.
func parseRequest(r *http.Request, tempDir string, maxBody int64) (url.Values, map[string]string, func(), error) {
	cleanup := func() {}
	r.Body = http.MaxBytesReader(nil, r.Body, maxBody)

	params := url.Values{}
	for key, values := range r.URL.Query() {
		params[key] = values
	}

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, nil, cleanup, tg.BadRequest("can't read request body")
		}
		if len(body) > 0 {
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(body, &fields); err != nil {
				return nil, nil, cleanup, tg.BadRequest("can't parse JSON request body")
			}
			for key, raw := range fields {
				var str string
				if err := json.Unmarshal(raw, &str); err == nil {
					params.Set(key, str)
				} else {
					params.Set(key, string(raw))
				}
			}
		}
		return params, nil, cleanup, nil

	case strings.HasPrefix(contentType, "multipart/form-data"):
		if err := r.ParseMultipartForm(multipartMemoryLimit); err != nil {
			return nil, nil, cleanup, tg.BadRequest("can't parse multipart request")
		}
		for key, values := range r.MultipartForm.Value {
			params[key] = values
		}
		files := make(map[string]string)
		cleanup = func() {
			for _, path := range files {
				os.Remove(path)
			}
			r.MultipartForm.RemoveAll()
		}
		for field, headers := range r.MultipartForm.File {
			if len(headers) == 0 {
				continue
			}
			path, err := spoolFile(headers[0], tempDir)
			if err != nil {
				cleanup()
				return nil, nil, func() {}, err
			}
			files[field] = path
		}
		return params, files, cleanup, nil

	default:
		if err := r.ParseForm(); err != nil {
			return nil, nil, cleanup, tg.BadRequest("can't parse request body")
		}
		for key, values := range r.PostForm {
			params[key] = values
		}
		return params, nil, cleanup, nil
	}
}

func spoolFile(header *multipart.FileHeader, tempDir string) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", tg.BadRequest("can't read uploaded file")
	}
	defer src.Close()

	if tempDir == "" {
		tempDir = os.TempDir()
	}
	if err := os.MkdirAll(tempDir, 0o700); err != nil {
		return "", tg.NewError(http.StatusInternalServerError, "Internal Server Error")
	}
	dst, err := os.CreateTemp(tempDir, "upload-*")
	if err != nil {
		return "", tg.NewError(http.StatusInternalServerError, "Internal Server Error")
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return "", tg.BadRequest("can't read uploaded file")
	}
	if err := dst.Close(); err != nil {
		os.Remove(dst.Name())
		return "", tg.NewError(http.StatusInternalServerError, "Internal Server Error")
	}
	return filepath.Clean(dst.Name()), nil
}

type envelope struct {
	OK          bool                   `json:"ok"`
	Result      json.RawMessage        `json:"result,omitempty"`
	ErrorCode   int                    `json:"error_code,omitempty"`
	Description string                 `json:"description,omitempty"`
	Parameters  *tg.ResponseParameters `json:"parameters,omitempty"`
}

func writeResult(w http.ResponseWriter, body json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(envelope{OK: true, Result: body})
}

func writeError(w http.ResponseWriter, err error) {
	apiErr := tg.AsAPIError(err)
	w.Header().Set("Content-Type", "application/json")
	if retryAfter := apiErr.RetryAfter(); retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	w.WriteHeader(apiErr.Code)
	json.NewEncoder(w).Encode(envelope{
		OK:          false,
		ErrorCode:   apiErr.Code,
		Description: apiErr.Description,
		Parameters:  apiErr.Parameters,
	})
}
