// Package config holds the gateway configuration and the loaders for the
// providers file.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. LIVEGATE_UPSTREAM_API_KEY.
const EnvPrefix = "LIVEGATE"

// Auth modes.
const (
	AuthAPIKey = "apikey"
	AuthHMAC   = "hmac"
	AuthJWKS   = "jwks"
)

// Tracing exporters.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// Config holds the gateway configuration.
type Config struct {
	ListenAddr       string           `mapstructure:"listen_addr"`
	WSPath           string           `mapstructure:"ws_path"`
	CredentialHeader string           `mapstructure:"credential_header"`
	Auth             AuthConfig       `mapstructure:"auth"`
	Upstream         UpstreamConfig   `mapstructure:"upstream"`
	Session          SessionConfig    `mapstructure:"session"`
	Providers        ProvidersConfig  `mapstructure:"providers"`
	Inbound          InboundConfig    `mapstructure:"inbound"`
	Log              LogConfig        `mapstructure:"log"`
	Tracing          TracingConfig    `mapstructure:"tracing"`
	Transcript       TranscriptConfig `mapstructure:"transcript"`
}

// AuthConfig selects how client credentials are checked.
type AuthConfig struct {
	Mode       string        `mapstructure:"mode"`
	HMACSecret string        `mapstructure:"hmac_secret"`
	JWKSURL    string        `mapstructure:"jwks_url"`
	Issuer     string        `mapstructure:"issuer"`
	Audience   string        `mapstructure:"audience"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	// AllowedKeys restricts apikey mode to these keys. Empty accepts any
	// non-blank key.
	AllowedKeys []string `mapstructure:"allowed_keys"`
}

// UpstreamConfig configures the realtime model connection.
type UpstreamConfig struct {
	URL               string        `mapstructure:"url"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	SystemInstruction string        `mapstructure:"system_instruction"`
	DialAttempts      int           `mapstructure:"dial_attempts"`
	DialInitialDelay  time.Duration `mapstructure:"dial_initial_delay"`
	DialMaxDelay      time.Duration `mapstructure:"dial_max_delay"`
}

// SessionConfig holds the per-session timers.
type SessionConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DrainInterval     time.Duration `mapstructure:"drain_interval"`
}

// ProvidersConfig points at the providers file and tunes provider calls.
type ProvidersConfig struct {
	File            string        `mapstructure:"file"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	MetadataTimeout time.Duration `mapstructure:"metadata_timeout"`
	Watch           bool          `mapstructure:"watch"`
	WatchDebounce   time.Duration `mapstructure:"watch_debounce"`
}

// InboundConfig limits client frames per connection.
type InboundConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Exporter string `mapstructure:"exporter"`
}

// TranscriptConfig enables the transcript recorder when Path is set.
type TranscriptConfig struct {
	Path string `mapstructure:"path"`
}

// Defaults returns the default configuration.
func Defaults() Config {
	return Config{
		ListenAddr:       ":3000",
		WSPath:           "/ws",
		CredentialHeader: "api_key",
		Auth: AuthConfig{
			Mode:     AuthAPIKey,
			CacheTTL: 5 * time.Minute,
		},
		Upstream: UpstreamConfig{
			Model:            "gemini-2.5-flash-native-audio-preview-12-2025",
			DialAttempts:     3,
			DialInitialDelay: time.Second,
			DialMaxDelay:     10 * time.Second,
		},
		Session: SessionConfig{
			HeartbeatInterval: time.Minute,
			DrainInterval:     time.Second,
		},
		Providers: ProvidersConfig{
			CallTimeout:     30 * time.Second,
			MetadataTimeout: 5 * time.Second,
			WatchDebounce:   500 * time.Millisecond,
		},
		Inbound: InboundConfig{
			Rate:  50,
			Burst: 100,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Exporter: ExporterNone,
		},
	}
}

// SetDefaults registers every key with v so that environment overrides and
// Unmarshal see it even when no config file sets it.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("ws_path", d.WSPath)
	v.SetDefault("credential_header", d.CredentialHeader)

	v.SetDefault("auth.mode", d.Auth.Mode)
	v.SetDefault("auth.hmac_secret", d.Auth.HMACSecret)
	v.SetDefault("auth.jwks_url", d.Auth.JWKSURL)
	v.SetDefault("auth.issuer", d.Auth.Issuer)
	v.SetDefault("auth.audience", d.Auth.Audience)
	v.SetDefault("auth.cache_ttl", d.Auth.CacheTTL)
	v.SetDefault("auth.allowed_keys", d.Auth.AllowedKeys)

	v.SetDefault("upstream.url", d.Upstream.URL)
	v.SetDefault("upstream.api_key", d.Upstream.APIKey)
	v.SetDefault("upstream.model", d.Upstream.Model)
	v.SetDefault("upstream.system_instruction", d.Upstream.SystemInstruction)
	v.SetDefault("upstream.dial_attempts", d.Upstream.DialAttempts)
	v.SetDefault("upstream.dial_initial_delay", d.Upstream.DialInitialDelay)
	v.SetDefault("upstream.dial_max_delay", d.Upstream.DialMaxDelay)

	v.SetDefault("session.heartbeat_interval", d.Session.HeartbeatInterval)
	v.SetDefault("session.drain_interval", d.Session.DrainInterval)

	v.SetDefault("providers.file", d.Providers.File)
	v.SetDefault("providers.call_timeout", d.Providers.CallTimeout)
	v.SetDefault("providers.metadata_timeout", d.Providers.MetadataTimeout)
	v.SetDefault("providers.watch", d.Providers.Watch)
	v.SetDefault("providers.watch_debounce", d.Providers.WatchDebounce)

	v.SetDefault("inbound.rate", d.Inbound.Rate)
	v.SetDefault("inbound.burst", d.Inbound.Burst)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)

	v.SetDefault("transcript.path", d.Transcript.Path)
}

// BindEnv makes every key overridable through LIVEGATE_ prefixed variables.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes v into a Config and validates it. Callers register defaults
// and read any config file beforehand.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the gateway cannot run with.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Upstream.APIKey) == "" {
		errs = append(errs, errors.New("upstream.api_key is required (set LIVEGATE_UPSTREAM_API_KEY)"))
	}
	if c.Upstream.Model == "" {
		errs = append(errs, errors.New("upstream.model must not be empty"))
	}
	if c.Upstream.DialAttempts < 1 {
		errs = append(errs, errors.New("upstream.dial_attempts must be a positive integer"))
	}
	if c.Upstream.DialInitialDelay < 0 {
		errs = append(errs, errors.New("upstream.dial_initial_delay must be non-negative"))
	}

	if err := validateListenAddr(c.ListenAddr); err != nil {
		errs = append(errs, err)
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		errs = append(errs, fmt.Errorf("ws_path %q must start with /", c.WSPath))
	}
	if strings.TrimSpace(c.CredentialHeader) == "" {
		errs = append(errs, errors.New("credential_header must not be empty"))
	}

	positive := map[string]time.Duration{
		"session.heartbeat_interval": c.Session.HeartbeatInterval,
		"session.drain_interval":     c.Session.DrainInterval,
		"providers.metadata_timeout": c.Providers.MetadataTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if c.Providers.CallTimeout < time.Second {
		errs = append(errs, errors.New("providers.call_timeout must be at least 1s"))
	}

	switch c.Auth.Mode {
	case AuthAPIKey:
	case AuthHMAC:
		if c.Auth.HMACSecret == "" {
			errs = append(errs, errors.New("auth.hmac_secret is required in hmac mode"))
		}
	case AuthJWKS:
		if c.Auth.JWKSURL == "" {
			errs = append(errs, errors.New("auth.jwks_url is required in jwks mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.mode %q must be one of apikey, hmac, jwks", c.Auth.Mode))
	}

	if c.Inbound.Rate <= 0 {
		errs = append(errs, errors.New("inbound.rate must be positive"))
	}
	if c.Inbound.Burst < 1 {
		errs = append(errs, errors.New("inbound.burst must be a positive integer"))
	}

	switch c.Tracing.Exporter {
	case ExporterNone, ExporterStdout, "":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter %q must be none or stdout", c.Tracing.Exporter))
	}

	return errors.Join(errs...)
}

func validateListenAddr(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("listen_addr %q: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("listen_addr %q: invalid port", addr)
	}
	return nil
}
