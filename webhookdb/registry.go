// Package webhookdb implements the persistent webhook registry: a binlog
// backed key-value store mapping bot token keys to encoded webhook
// descriptors, replayed on startup so configured webhooks survive restarts.
package webhookdb

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/prilive-com/botgate/internal/binlog"
	"github.com/prilive-com/botgate/tg"
)

const (
	recordSet    = 1
	recordDelete = 2
)

// ErrBadDescriptor reports an undecodable stored descriptor.
var ErrBadDescriptor = errors.New("webhookdb: bad descriptor")

// Descriptor is the decoded form of one stored webhook.
type Descriptor struct {
	HasCertificate bool
	MaxConnections int
	IPAddress      string
	FixIPAddress   bool
	SecretToken    string
	AllowedUpdates tg.UpdateMask
	HasAllowedMask bool
	URL            string
}

// Encode renders the descriptor in its storage form: path flags first, then
// the URL.
func (d Descriptor) Encode() string {
	var sb strings.Builder
	if d.HasCertificate {
		sb.WriteString("cert/")
	}
	if d.MaxConnections > 0 {
		sb.WriteString("#maxc")
		sb.WriteString(strconv.Itoa(d.MaxConnections))
	}
	if d.IPAddress != "" {
		sb.WriteString("#ip")
		sb.WriteString(d.IPAddress)
	}
	if d.FixIPAddress {
		sb.WriteString("#fix_ip")
	}
	if d.SecretToken != "" {
		sb.WriteString("#secret")
		sb.WriteString(d.SecretToken)
	}
	if d.HasAllowedMask {
		sb.WriteString("#allow")
		sb.WriteString(strconv.FormatUint(uint64(d.AllowedUpdates), 10))
	}
	sb.WriteString(d.URL)
	return sb.String()
}

// ParseDescriptor decodes the storage form produced by Encode.
func ParseDescriptor(s string) (Descriptor, error) {
	var d Descriptor
	if rest, ok := strings.CutPrefix(s, "cert/"); ok {
		d.HasCertificate = true
		s = rest
	}
	for strings.HasPrefix(s, "#") {
		switch {
		case strings.HasPrefix(s, "#maxc"):
			s = s[len("#maxc"):]
			n, rest, err := cutInt(s)
			if err != nil {
				return Descriptor{}, fmt.Errorf("%w: maxc", ErrBadDescriptor)
			}
			d.MaxConnections = n
			s = rest
		case strings.HasPrefix(s, "#ip"):
			s = s[len("#ip"):]
			end := strings.IndexByte(s, '#')
			if end < 0 {
				end = len(s)
			}
			// The address runs to the next flag or to an http prefix.
			if h := strings.Index(s, "http"); h >= 0 && h < end {
				end = h
			}
			d.IPAddress = s[:end]
			s = s[end:]
		case strings.HasPrefix(s, "#fix_ip"):
			d.FixIPAddress = true
			s = s[len("#fix_ip"):]
		case strings.HasPrefix(s, "#secret"):
			s = s[len("#secret"):]
			end := strings.IndexByte(s, '#')
			if end < 0 {
				if h := strings.Index(s, "http"); h >= 0 {
					end = h
				} else {
					end = len(s)
				}
			}
			d.SecretToken = s[:end]
			s = s[end:]
		case strings.HasPrefix(s, "#allow"):
			s = s[len("#allow"):]
			n, rest, err := cutInt(s)
			if err != nil {
				return Descriptor{}, fmt.Errorf("%w: allow", ErrBadDescriptor)
			}
			d.AllowedUpdates = tg.UpdateMask(n)
			d.HasAllowedMask = true
			s = rest
		default:
			return Descriptor{}, fmt.Errorf("%w: unknown flag in %q", ErrBadDescriptor, s)
		}
	}
	if s == "" {
		return Descriptor{}, fmt.Errorf("%w: missing url", ErrBadDescriptor)
	}
	d.URL = s
	return d, nil
}

func cutInt(s string) (int, string, error) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, "", errors.New("no digits")
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, "", err
	}
	return n, s[end:], nil
}

// Registry is the persistent store. Safe for concurrent use.
type Registry struct {
	logger *slog.Logger
	log    *binlog.Log

	mu      sync.Mutex
	entries map[string]Descriptor
}

// Open opens or creates the registry binlog and replays it.
func Open(path string, logger *slog.Logger) (*Registry, error) {
	log, err := binlog.Open(path, logger)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		logger:  logger,
		log:     log,
		entries: make(map[string]Descriptor),
	}
	err = log.Replay(func(rec binlog.Record) {
		switch rec.Type {
		case recordSet:
			key, value, ok := bytes.Cut(rec.Data, []byte{0})
			if !ok {
				logger.Warn("webhookdb: malformed set record dropped")
				return
			}
			d, err := ParseDescriptor(string(value))
			if err != nil {
				logger.Warn("webhookdb: undecodable descriptor dropped", "error", err)
				return
			}
			r.entries[string(key)] = d
		case recordDelete:
			delete(r.entries, string(rec.Data))
		default:
			logger.Warn("webhookdb: unknown record type dropped", "type", rec.Type)
		}
	})
	if err != nil {
		log.Close()
		return nil, err
	}
	return r, nil
}

// NewMemory creates an unlogged registry for tests.
func NewMemory(logger *slog.Logger) *Registry {
	return &Registry{logger: logger, entries: make(map[string]Descriptor)}
}

// Set stores the descriptor under key.
func (r *Registry) Set(key string, d Descriptor) {
	r.mu.Lock()
	r.entries[key] = d
	r.mu.Unlock()
	if r.log != nil {
		data := append([]byte(key), 0)
		data = append(data, d.Encode()...)
		if err := r.log.Append(recordSet, data); err != nil {
			r.logger.Warn("webhookdb: set not logged", "error", err)
		}
	}
}

// Delete removes the entry for key.
func (r *Registry) Delete(key string) {
	r.mu.Lock()
	_, existed := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if existed && r.log != nil {
		if err := r.log.Append(recordDelete, []byte(key)); err != nil {
			r.logger.Warn("webhookdb: delete not logged", "error", err)
		}
	}
}

// Get returns the descriptor for key.
func (r *Registry) Get(key string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.entries[key]
	return d, ok
}

// Entries returns a copy of every stored entry, used by the startup restore
// pass.
func (r *Registry) Entries() map[string]Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Descriptor, len(r.entries))
	for k, v := range r.entries {
		out[k] = v
	}
	return out
}

// Close flushes and closes the backing log.
func (r *Registry) Close() error {
	if r.log == nil {
		return nil
	}
	return r.log.Close()
}
