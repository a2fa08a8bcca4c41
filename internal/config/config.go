package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "CALLSYNC"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultServerDatabasePath  = "callsync-crm.db"
	defaultQueueDatabasePath   = "callsync-queue.db"
	defaultLogLevel            = "info"
	defaultLogMaxSizeMB        = 10
	defaultLogMaxBackups       = 5
	defaultLogMaxAgeDays       = 28
	defaultTokenIssuer         = "callsync-auth"
	defaultTokenAudience       = "callsync-api"
	defaultTokenTTLMinutes     = 60 * 24 * 30
	defaultRemoteBaseURL       = "http://127.0.0.1:8080"
	defaultSyncIntervalSeconds = 300
	defaultRequestTimeoutSecs  = 15
	defaultBackoffBaseSeconds  = 30
	defaultBackoffMaxSeconds   = 1800
	defaultMaxRetries          = 20
	defaultProbeIntervalSecs   = 15
	defaultProbeTimeoutSecs    = 5
	defaultIdempotencyTTLHours = 72
)

// AppConfig captures runtime configuration shared by the server and the device agent.
type AppConfig struct {
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	HTTPAddress        string
	ServerDatabasePath string
	RedisAddress       string
	IdempotencyTTL     time.Duration
	AllowedOrigins     []string

	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration

	QueueDatabasePath string
	RemoteBaseURL     string
	RemoteAccessToken string

	SyncInterval   time.Duration
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	MaxRetries     int

	ProbeURL      string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)
	configViper.SetDefault("log.max_age_days", defaultLogMaxAgeDays)

	configViper.SetDefault("server.address", defaultHTTPAddress)
	configViper.SetDefault("server.database_path", defaultServerDatabasePath)
	configViper.SetDefault("server.redis_address", "")
	configViper.SetDefault("server.idempotency_ttl_hours", defaultIdempotencyTTLHours)
	configViper.SetDefault("server.allowed_origins", []string{})

	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)

	configViper.SetDefault("queue.database_path", defaultQueueDatabasePath)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("remote.access_token", "")

	configViper.SetDefault("sync.interval_seconds", defaultSyncIntervalSeconds)
	configViper.SetDefault("sync.request_timeout_seconds", defaultRequestTimeoutSecs)
	configViper.SetDefault("sync.backoff_base_seconds", defaultBackoffBaseSeconds)
	configViper.SetDefault("sync.backoff_max_seconds", defaultBackoffMaxSeconds)
	configViper.SetDefault("sync.max_retries", defaultMaxRetries)

	configViper.SetDefault("reachability.probe_url", "")
	configViper.SetDefault("reachability.probe_interval_seconds", defaultProbeIntervalSecs)
	configViper.SetDefault("reachability.probe_timeout_seconds", defaultProbeTimeoutSecs)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		LogLevel:      configViper.GetString("log.level"),
		LogFile:       strings.TrimSpace(configViper.GetString("log.file")),
		LogMaxSizeMB:  configViper.GetInt("log.max_size_mb"),
		LogMaxBackups: configViper.GetInt("log.max_backups"),
		LogMaxAgeDays: configViper.GetInt("log.max_age_days"),

		HTTPAddress:        configViper.GetString("server.address"),
		ServerDatabasePath: configViper.GetString("server.database_path"),
		RedisAddress:       strings.TrimSpace(configViper.GetString("server.redis_address")),
		IdempotencyTTL:     time.Duration(configViper.GetInt("server.idempotency_ttl_hours")) * time.Hour,
		AllowedOrigins:     configViper.GetStringSlice("server.allowed_origins"),

		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenIssuer:   configViper.GetString("auth.issuer"),
		TokenAudience: configViper.GetString("auth.audience"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,

		QueueDatabasePath: configViper.GetString("queue.database_path"),
		RemoteBaseURL:     strings.TrimRight(strings.TrimSpace(configViper.GetString("remote.base_url")), "/"),
		RemoteAccessToken: strings.TrimSpace(configViper.GetString("remote.access_token")),

		SyncInterval:   seconds(configViper, "sync.interval_seconds"),
		RequestTimeout: seconds(configViper, "sync.request_timeout_seconds"),
		BackoffBase:    seconds(configViper, "sync.backoff_base_seconds"),
		BackoffMax:     seconds(configViper, "sync.backoff_max_seconds"),
		MaxRetries:     configViper.GetInt("sync.max_retries"),

		ProbeURL:      strings.TrimSpace(configViper.GetString("reachability.probe_url")),
		ProbeInterval: seconds(configViper, "reachability.probe_interval_seconds"),
		ProbeTimeout:  seconds(configViper, "reachability.probe_timeout_seconds"),
	}

	if cfg.ProbeURL == "" && cfg.RemoteBaseURL != "" {
		cfg.ProbeURL = cfg.RemoteBaseURL + "/healthz"
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// ValidateServer checks the settings required by the create-call endpoint.
func (c AppConfig) ValidateServer() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("server.address is required")
	}
	if strings.TrimSpace(c.ServerDatabasePath) == "" {
		return fmt.Errorf("server.database_path is required")
	}
	return c.validateSigning()
}

// ValidateAgent checks the settings required by the device sync agent.
func (c AppConfig) ValidateAgent() error {
	if strings.TrimSpace(c.QueueDatabasePath) == "" {
		return fmt.Errorf("queue.database_path is required")
	}
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if _, err := url.ParseRequestURI(c.RemoteBaseURL); err != nil {
		return fmt.Errorf("remote.base_url is invalid: %w", err)
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("reachability.probe_interval_seconds must be positive")
	}
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("reachability.probe_timeout_seconds must be positive")
	}
	return nil
}

// ValidateTokenMinting checks the settings required to issue device tokens.
func (c AppConfig) ValidateTokenMinting() error {
	return c.validateSigning()
}

func (c AppConfig) validate() error {
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("sync.request_timeout_seconds must be positive")
	}
	if c.BackoffBase < 0 || c.BackoffMax < 0 {
		return fmt.Errorf("sync backoff settings must not be negative")
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("sync.backoff_max_seconds must be >= sync.backoff_base_seconds")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive")
	}
	return nil
}

func (c AppConfig) validateSigning() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.TokenIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.TokenAudience) == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}

func seconds(configViper *viper.Viper, key string) time.Duration {
	return time.Duration(configViper.GetInt(key)) * time.Second
}
