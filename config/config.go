// Package config loads the server configuration from defaults, an optional
// YAML file, and BOTGATE_ environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/prilive-com/botgate/tg"
)

// Config holds every tunable of the server binary.
type Config struct {
	APIID   int64          `koanf:"api_id" validate:"required,min=1"`
	APIHash tg.SecretToken `koanf:"api_hash" validate:"required"`

	// Local mode relaxes webhook URL checks: plain http, private addresses
	// and arbitrary ports are allowed.
	Local bool `koanf:"local"`

	HTTPPort      int    `koanf:"http_port" validate:"min=1,max=65535"`
	HTTPStatPort  int    `koanf:"http_stat_port" validate:"omitempty,min=1,max=65535"`
	HTTPIPAddress string `koanf:"http_ip_address"`

	// Dir is the working directory for the binlog files; empty keeps all
	// state in memory.
	Dir     string `koanf:"dir"`
	TempDir string `koanf:"temp_dir"`

	// Filter is "<rem>/<mod>": only bots whose user id is rem modulo mod are
	// admitted. Empty admits everyone.
	Filter string `koanf:"filter" validate:"omitempty,peerfilter"`

	MaxWebhookConnections int `koanf:"max_webhook_connections" validate:"min=1,max=100000"`

	Proxy string `koanf:"proxy" validate:"omitempty,url"`

	// Log is the log file path; empty logs to stderr.
	Log            string `koanf:"log"`
	Verbosity      int    `koanf:"verbosity" validate:"min=0,max=10"`
	LogMaxFileSize int64  `koanf:"log_max_file_size" validate:"min=0"`
}

// Default returns the configuration the server starts from before any file,
// environment, or flag overrides.
func Default() Config {
	return Config{
		HTTPPort:              8081,
		MaxWebhookConnections: 40,
		Verbosity:             2,
		LogMaxFileSize:        2 << 30,
	}
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their koanf name so errors match the flag surface.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("koanf"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})

	validate.RegisterValidation("peerfilter", validateFilterField)
}

func validateFilterField(fl validator.FieldLevel) bool {
	_, _, err := ParseFilter(fl.Field().String())
	return err == nil
}

// ParseFilter splits a "<rem>/<mod>" admission filter. The empty string means
// no filter and yields mod 1.
func ParseFilter(s string) (rem, mod int64, err error) {
	if s == "" {
		return 0, 1, nil
	}
	remStr, modStr, found := strings.Cut(s, "/")
	if !found {
		return 0, 0, fmt.Errorf("config: filter must be <rem>/<mod>, got %q", s)
	}
	rem, err = strconv.ParseInt(remStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("config: filter remainder %q is not a number", remStr)
	}
	mod, err = strconv.ParseInt(modStr, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("config: filter modulus %q is not a number", modStr)
	}
	if mod < 1 || rem < 0 || rem >= mod {
		return 0, 0, fmt.Errorf("config: filter %q needs 0 <= rem < mod", s)
	}
	return rem, mod, nil
}

// LogLevel maps the numeric verbosity onto a slog level. 0 is errors only,
// 1 warnings, 2 info, 3 and above debug.
func (c Config) LogLevel() slog.Level {
	switch {
	case c.Verbosity <= 0:
		return slog.LevelError
	case c.Verbosity == 1:
		return slog.LevelWarn
	case c.Verbosity == 2:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// HTTPAddr returns the listen address for the bot API port.
func (c Config) HTTPAddr() string {
	return joinAddr(c.HTTPIPAddress, c.HTTPPort)
}

// StatAddr returns the listen address for the stats port, or "" when the
// stats listener is disabled.
func (c Config) StatAddr() string {
	if c.HTTPStatPort == 0 {
		return ""
	}
	return joinAddr(c.HTTPIPAddress, c.HTTPStatPort)
}

func joinAddr(ip string, port int) string {
	if strings.ContainsRune(ip, ':') {
		return "[" + ip + "]:" + strconv.Itoa(port)
	}
	return ip + ":" + strconv.Itoa(port)
}

// Option mutates the config after file and environment loading; flags use it
// so the command line wins over every other source.
type Option func(*Config)

// Load builds the configuration: defaults, then the YAML file at configPath
// (skipped when empty or absent), then BOTGATE_ environment variables, then
// options. TELEGRAM_API_ID and TELEGRAM_API_HASH are honored as fallbacks for
// the upstream credentials.
func Load(configPath string, opts ...Option) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: defaults: %w", err)
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("config: file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider("BOTGATE_", ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, "BOTGATE_"))
	}), nil); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.APIID == 0 {
		if v, err := strconv.ParseInt(os.Getenv("TELEGRAM_API_ID"), 10, 64); err == nil {
			cfg.APIID = v
		}
	}
	if cfg.APIHash == "" {
		cfg.APIHash = tg.SecretToken(os.Getenv("TELEGRAM_API_HASH"))
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := validate.Struct(&cfg); err != nil {
		return Config{}, describeValidation(err)
	}
	return cfg, nil
}

func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return fmt.Errorf("config: %s is required", fe.Field())
		case "peerfilter":
			return fmt.Errorf("config: %s must be <rem>/<mod> with 0 <= rem < mod", fe.Field())
		default:
			return fmt.Errorf("config: %s fails %s constraint", fe.Field(), fe.Tag())
		}
	}
	return fmt.Errorf("config: %w", err)
}
