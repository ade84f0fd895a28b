package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                      = "ANIMESHELF"
	defaultHTTPAddress             = "127.0.0.1:7878"
	defaultDatabasePath            = "animeshelf.db"
	defaultLogLevel                = "info"
	defaultLogFormat               = "json"
	defaultRemoteEndpoint          = "https://graphql.anilist.co"
	defaultRemoteTimeout           = 30 * time.Second
	defaultRemoteRequestsPerMinute = 90
	defaultRetryAttempts           = 3
	defaultRetryInitialInterval    = time.Second
	defaultCredentialFile          = "animeshelf-credentials.json"
	defaultSyncDebounce            = 500 * time.Millisecond
	defaultSyncRefreshInterval     = 15 * time.Minute
	defaultQueueMaxRetries         = 5
	defaultProbeInterval           = 30 * time.Second
)

// AppConfig captures runtime configuration for the sync engine.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string
	LogFormat      string

	RemoteEndpoint          string
	RemoteTimeout           time.Duration
	RemoteRequestsPerMinute int
	RetryAttempts           int
	RetryInitialInterval    time.Duration

	CredentialFile string
	AccessToken    string

	SyncDebounce        time.Duration
	SyncRefreshInterval time.Duration
	QueueMaxRetries     int

	ProbeURL      string
	ProbeInterval time.Duration
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("remote.endpoint", defaultRemoteEndpoint)
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("remote.requests_per_minute", defaultRemoteRequestsPerMinute)
	configViper.SetDefault("remote.retry_attempts", defaultRetryAttempts)
	configViper.SetDefault("remote.retry_initial_interval", defaultRetryInitialInterval)
	configViper.SetDefault("auth.credential_file", defaultCredentialFile)
	configViper.SetDefault("sync.debounce", defaultSyncDebounce)
	configViper.SetDefault("sync.refresh_interval", defaultSyncRefreshInterval)
	configViper.SetDefault("sync.max_retries", defaultQueueMaxRetries)
	configViper.SetDefault("connectivity.probe_interval", defaultProbeInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:             configViper.GetString("http.address"),
		AllowedOrigins:          configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:            configViper.GetString("database.path"),
		LogLevel:                configViper.GetString("log.level"),
		LogFormat:               configViper.GetString("log.format"),
		RemoteEndpoint:          configViper.GetString("remote.endpoint"),
		RemoteTimeout:           configViper.GetDuration("remote.timeout"),
		RemoteRequestsPerMinute: configViper.GetInt("remote.requests_per_minute"),
		RetryAttempts:           configViper.GetInt("remote.retry_attempts"),
		RetryInitialInterval:    configViper.GetDuration("remote.retry_initial_interval"),
		CredentialFile:          configViper.GetString("auth.credential_file"),
		AccessToken:             configViper.GetString("auth.access_token"),
		SyncDebounce:            configViper.GetDuration("sync.debounce"),
		SyncRefreshInterval:     configViper.GetDuration("sync.refresh_interval"),
		QueueMaxRetries:         configViper.GetInt("sync.max_retries"),
		ProbeURL:                configViper.GetString("connectivity.probe_url"),
		ProbeInterval:           configViper.GetDuration("connectivity.probe_interval"),
	}
	if strings.TrimSpace(cfg.ProbeURL) == "" {
		cfg.ProbeURL = cfg.RemoteEndpoint
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteEndpoint) == "" {
		return fmt.Errorf("remote.endpoint is required")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("remote.retry_attempts must not be negative")
	}
	if c.SyncDebounce <= 0 {
		return fmt.Errorf("sync.debounce must be positive")
	}
	if c.QueueMaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive")
	}
	if strings.TrimSpace(c.AccessToken) == "" && strings.TrimSpace(c.CredentialFile) == "" {
		return fmt.Errorf("auth.credential_file or auth.access_token is required")
	}
	return nil
}
