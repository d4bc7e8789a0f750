package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	DefaultPath = "config.toml"
	PathEnv     = "LLMPROXY_CONFIG"
	envPrefix   = "LLMPROXY"
)

type Config struct {
	// Path of the file the config was read from. Reloads re-read it.
	Path string

	// Server
	Host       string
	Port       int
	HTTPOrigin string
	Cert       string
	Key        string

	// Logging
	LogLevel  string
	LogFormat string // "json" or "text"

	// Backend calls
	TimeoutConnect time.Duration
	TimeoutRead    time.Duration // 0 disables the read-idle timeout

	// Ledger
	DBURI string

	// Cache
	RedisAddr     string
	RedisCacheTTL time.Duration

	// Observability
	OTELExporterType     string // "none", "stdout" or "otlp"
	OTELExporterEndpoint string
	MetricsEnabled       bool

	Backends map[string]Backend
}

// Backend is one entry of the [backends] table, keyed by the model name
// callers send.
type Backend struct {
	Name      string
	URL       string
	Token     string
	Model     string // sent to the backend instead of Name when set
	Device    string
	VerifySSL bool
}

type backendTOML struct {
	URL       string `toml:"url"`
	Token     string `toml:"token"`
	Model     string `toml:"model"`
	Device    string `toml:"device"`
	VerifySSL *bool  `toml:"verify_ssl"`
}

// ResolvePath picks the config file: explicit flag, then $LLMPROXY_CONFIG,
// then ./config.toml.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

func Load(path string) (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	// Model names routinely contain dots, so "::" separates nested keys.
	v := viper.NewWithOptions(viper.KeyDelimiter("::"))
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("::", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("timeout_connect", 10)
	v.SetDefault("timeout_read", 0)
	v.SetDefault("http_origin", "")
	v.SetDefault("cert", "")
	v.SetDefault("key", "")
	v.SetDefault("db::uri", "")
	v.SetDefault("redis::addr", "")
	v.SetDefault("redis::cache_ttl", 30)
	v.SetDefault("telemetry::exporter", "none")
	v.SetDefault("telemetry::endpoint", "localhost:4317")
	v.SetDefault("metrics::enabled", true)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{
		Path:                 path,
		Host:                 v.GetString("host"),
		Port:                 v.GetInt("port"),
		HTTPOrigin:           v.GetString("http_origin"),
		Cert:                 v.GetString("cert"),
		Key:                  v.GetString("key"),
		LogLevel:             v.GetString("log_level"),
		LogFormat:            strings.ToLower(v.GetString("log_format")),
		TimeoutConnect:       seconds(v.GetFloat64("timeout_connect")),
		TimeoutRead:          seconds(v.GetFloat64("timeout_read")),
		DBURI:                v.GetString("db::uri"),
		RedisAddr:            v.GetString("redis::addr"),
		RedisCacheTTL:        seconds(v.GetFloat64("redis::cache_ttl")),
		OTELExporterType:     strings.ToLower(v.GetString("telemetry::exporter")),
		OTELExporterEndpoint: v.GetString("telemetry::endpoint"),
		MetricsEnabled:       v.GetBool("metrics::enabled"),
	}

	backends, err := LoadBackends(path)
	if err != nil {
		return nil, err
	}
	cfg.Backends = backends

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadBackends parses only the [backends] table. It is what a reload re-reads;
// every other setting stays as it was at startup.
func LoadBackends(path string) (map[string]Backend, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var doc struct {
		Backends map[string]backendTOML `toml:"backends"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	backends := make(map[string]Backend, len(doc.Backends))
	for name, b := range doc.Backends {
		if b.URL == "" {
			return nil, fmt.Errorf("backend %q: url is required", name)
		}
		verify := true
		if b.VerifySSL != nil {
			verify = *b.VerifySSL
		}
		backends[name] = Backend{
			Name:      name,
			URL:       b.URL,
			Token:     b.Token,
			Model:     b.Model,
			Device:    b.Device,
			VerifySSL: verify,
		}
	}
	return backends, nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) TLSEnabled() bool {
	return c.Cert != "" && c.Key != ""
}

func (c *Config) validate() error {
	var errs []error
	if c.DBURI == "" {
		errs = append(errs, errors.New("db.uri is required"))
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if (c.Cert == "") != (c.Key == "") {
		errs = append(errs, errors.New("cert and key must be set together"))
	}
	if c.TimeoutConnect < 0 || c.TimeoutRead < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	switch c.OTELExporterType {
	case "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("unknown telemetry.exporter %q", c.OTELExporterType))
	}
	return errors.Join(errs...)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
