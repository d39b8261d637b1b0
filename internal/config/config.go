// Package config loads the relay configuration from an optional TOML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Default configuration values used when neither the file nor the environment set a field.
const (
	DefaultConfigPath      = "config.toml"
	DefaultPort            = "5000"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultUploadDir       = "uploads"
	DefaultMaxUploadBytes  = int64(10 << 20)
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultStatusTTL       = 5 * time.Minute
	DefaultLogLevel        = "info"
	DefaultServiceName     = "faceshape-relay"
)

// Response modes understood by the relay.
const (
	ResponseModeFull      = "full"
	ResponseModeFaceShape = "face_shape"
)

// Duration decodes TOML strings such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the root process configuration. It is built once at startup.
type Config struct {
	Log       LogConfig       `toml:"log"`
	Server    ServerConfig    `toml:"server"`
	Upload    UploadConfig    `toml:"upload"`
	Upstream  UpstreamConfig  `toml:"upstream"`
	Auth      AuthConfig      `toml:"auth"`
	Journal   JournalConfig   `toml:"journal"`
	Status    StatusConfig    `toml:"status"`
	GRPC      GRPCConfig      `toml:"grpc"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// LogConfig holds the zap level.
type LogConfig struct {
	Level string `toml:"level"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            string   `toml:"port"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// Addr returns the listen address for the HTTP server.
func (s ServerConfig) Addr() string {
	return ":" + s.Port
}

// UploadConfig holds the scratch directory and the per-request size limit.
type UploadConfig struct {
	Dir      string `toml:"dir"`
	MaxBytes int64  `toml:"max_bytes"`
}

// UpstreamConfig describes the detection provider.
type UpstreamConfig struct {
	Host         string   `toml:"host"`
	APIKey       string   `toml:"api_key"`
	URL          string   `toml:"url"`
	Timeout      Duration `toml:"timeout"`
	ResponseMode string   `toml:"response_mode"`
}

// Endpoint returns the configured URL or the provider default derived from the host.
func (u UpstreamConfig) Endpoint() string {
	if u.URL != "" {
		return u.URL
	}
	return "https://" + u.Host + "/v1/detect"
}

// AuthConfig enables bearer auth when Secret is set.
type AuthConfig struct {
	JWTSecret   string `toml:"jwt_secret"`
	JWTAudience string `toml:"jwt_audience"`
}

// Enabled reports whether requests must carry a bearer token.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != ""
}

// JournalConfig holds the Postgres DSN for the relay journal.
type JournalConfig struct {
	DSN string `toml:"dsn"`
}

// StatusConfig holds the Redis status cache settings.
type StatusConfig struct {
	RedisAddr string   `toml:"redis_addr"`
	TTL       Duration `toml:"ttl"`
}

// GRPCConfig holds the gRPC health listener address.
type GRPCConfig struct {
	HealthAddr string `toml:"health_addr"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	ServiceName  string `toml:"service_name"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	OTLPInsecure bool   `toml:"otlp_insecure"`
}

// Default returns a Config populated with defaults only.
func Default() Config {
	return Config{
		Log: LogConfig{Level: DefaultLogLevel},
		Server: ServerConfig{
			Port:            DefaultPort,
			ShutdownTimeout: Duration{DefaultShutdownTimeout},
		},
		Upload: UploadConfig{
			Dir:      DefaultUploadDir,
			MaxBytes: DefaultMaxUploadBytes,
		},
		Upstream: UpstreamConfig{
			Timeout:      Duration{DefaultUpstreamTimeout},
			ResponseMode: ResponseModeFull,
		},
		Status:    StatusConfig{TTL: Duration{DefaultStatusTTL}},
		Telemetry: TelemetryConfig{ServiceName: DefaultServiceName, OTLPInsecure: true},
	}
}

// Load applies defaults, the TOML file at path (if present), then environment overrides,
// and validates the result. An empty path falls back to DefaultConfigPath.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, err
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s must be a duration: %w", key, err)
		}
		dst.Duration = parsed
		return nil
	}

	str("LOG_LEVEL", &cfg.Log.Level)
	str("PORT", &cfg.Server.Port)
	str("UPLOAD_DIR", &cfg.Upload.Dir)
	str("RAPIDAPI_HOST", &cfg.Upstream.Host)
	str("RAPIDAPI_KEY", &cfg.Upstream.APIKey)
	str("UPSTREAM_URL", &cfg.Upstream.URL)
	str("RESPONSE_MODE", &cfg.Upstream.ResponseMode)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)
	str("JWT_AUDIENCE", &cfg.Auth.JWTAudience)
	str("DATABASE_DSN", &cfg.Journal.DSN)
	str("REDIS_ADDR", &cfg.Status.RedisAddr)
	str("GRPC_HEALTH_ADDR", &cfg.GRPC.HealthAddr)
	str("OTEL_SERVICE_NAME", &cfg.Telemetry.ServiceName)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.Telemetry.OTLPEndpoint)
	if v, ok := lookup("OTEL_EXPORTER_OTLP_INSECURE"); ok && strings.TrimSpace(v) != "" {
		cfg.Telemetry.OTLPInsecure = isTruthy(v)
	}

	if err := dur("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout); err != nil {
		return err
	}
	if err := dur("UPSTREAM_TIMEOUT", &cfg.Upstream.Timeout); err != nil {
		return err
	}
	if err := dur("STATUS_TTL", &cfg.Status.TTL); err != nil {
		return err
	}
	if v, ok := lookup("MAX_UPLOAD_BYTES"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_UPLOAD_BYTES must be an integer: %w", err)
		}
		cfg.Upload.MaxBytes = n
	}
	return nil
}

// Validate checks required fields and value ranges.
func (c Config) Validate() error {
	var errs []error
	if c.Upstream.Host == "" {
		errs = append(errs, errors.New("upstream host is required (RAPIDAPI_HOST)"))
	}
	if c.Upstream.APIKey == "" {
		errs = append(errs, errors.New("upstream API key is required (RAPIDAPI_KEY)"))
	}
	if c.Server.Port == "" {
		errs = append(errs, errors.New("port is required"))
	} else if n, err := strconv.Atoi(c.Server.Port); err != nil || n <= 0 || n > 65535 {
		errs = append(errs, fmt.Errorf("port %q is not a valid TCP port", c.Server.Port))
	}
	if c.Upload.Dir == "" {
		errs = append(errs, errors.New("upload dir is required"))
	}
	if c.Upload.MaxBytes <= 0 {
		errs = append(errs, errors.New("max upload bytes must be positive"))
	}
	if c.Upstream.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("upstream timeout must be positive"))
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}
	if c.Status.TTL.Duration <= 0 {
		errs = append(errs, errors.New("status ttl must be positive"))
	}
	switch c.Upstream.ResponseMode {
	case ResponseModeFull, ResponseModeFaceShape:
	default:
		errs = append(errs, fmt.Errorf("unknown response mode %q", c.Upstream.ResponseMode))
	}
	return errors.Join(errs...)
}

func isTruthy(value string) bool {
	value = strings.TrimSpace(strings.ToLower(value))
	return value == "1" || value == "true" || value == "yes"
}
