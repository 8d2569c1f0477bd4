package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "GRIDSYNC"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "gridsync.db"
	defaultRedisAddress       = "127.0.0.1:6379"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultAuthIssuer         = "gridsync-auth"
	defaultAuthCookieName     = "gridsync_session"
	defaultRecentEventsLimit  = 50
	defaultRecoveryWindow     = 100
	defaultSweepInterval      = 30 * time.Second
	defaultStaleAfter         = 5 * time.Minute
	defaultPresenceTTL        = 60 * time.Second
	defaultEventTTL           = 24 * time.Hour
	defaultOfflineTTL         = 7 * 24 * time.Hour
	defaultAllowedOrigin      = "*"
	defaultShutdownGraceDelay = 10 * time.Second
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	ShutdownTimeout   time.Duration
	DatabasePath      string
	RedisAddress      string
	RedisPassword     string
	RedisDB           int
	LogLevel          string
	LogFormat         string
	AuthSigningSecret string
	AuthIssuer        string
	AuthCookieName    string
	RecentEventsLimit int
	RecoveryWindow    int
	SweepInterval     time.Duration
	StaleAfter        time.Duration
	PresenceTTL       time.Duration
	EventTTL          time.Duration
	OfflineTTL        time.Duration
}

// AuthEnabled reports whether socket handshakes must carry a session token.
func (c AppConfig) AuthEnabled() bool {
	return c.AuthSigningSecret != ""
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
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("http.shutdown_timeout", defaultShutdownGraceDelay)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultAuthCookieName)
	configViper.SetDefault("sync.recent_events_limit", defaultRecentEventsLimit)
	configViper.SetDefault("sync.recovery_window", defaultRecoveryWindow)
	configViper.SetDefault("sync.sweep_interval", defaultSweepInterval)
	configViper.SetDefault("sync.stale_after", defaultStaleAfter)
	configViper.SetDefault("presence.ttl", defaultPresenceTTL)
	configViper.SetDefault("events.ttl", defaultEventTTL)
	configViper.SetDefault("offline.ttl", defaultOfflineTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       strings.TrimSpace(configViper.GetString("http.address")),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		ShutdownTimeout:   configViper.GetDuration("http.shutdown_timeout"),
		DatabasePath:      strings.TrimSpace(configViper.GetString("database.path")),
		RedisAddress:      strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:     configViper.GetString("redis.password"),
		RedisDB:           configViper.GetInt("redis.db"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		AuthSigningSecret: strings.TrimSpace(configViper.GetString("auth.signing_secret")),
		AuthIssuer:        strings.TrimSpace(configViper.GetString("auth.issuer")),
		AuthCookieName:    strings.TrimSpace(configViper.GetString("auth.cookie_name")),
		RecentEventsLimit: configViper.GetInt("sync.recent_events_limit"),
		RecoveryWindow:    configViper.GetInt("sync.recovery_window"),
		SweepInterval:     configViper.GetDuration("sync.sweep_interval"),
		StaleAfter:        configViper.GetDuration("sync.stale_after"),
		PresenceTTL:       configViper.GetDuration("presence.ttl"),
		EventTTL:          configViper.GetDuration("events.ttl"),
		OfflineTTL:        configViper.GetDuration("offline.ttl"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.RedisAddress == "" {
		return fmt.Errorf("redis.address is required")
	}
	if c.RedisDB < 0 {
		return fmt.Errorf("redis.db must not be negative")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.RecentEventsLimit <= 0 {
		return fmt.Errorf("sync.recent_events_limit must be positive")
	}
	if c.RecoveryWindow <= 0 {
		return fmt.Errorf("sync.recovery_window must be positive")
	}
	durations := []struct {
		key   string
		value time.Duration
	}{
		{key: "sync.sweep_interval", value: c.SweepInterval},
		{key: "sync.stale_after", value: c.StaleAfter},
		{key: "presence.ttl", value: c.PresenceTTL},
		{key: "events.ttl", value: c.EventTTL},
		{key: "offline.ttl", value: c.OfflineTTL},
	}
	for _, duration := range durations {
		if duration.value <= 0 {
			return fmt.Errorf("%s must be positive", duration.key)
		}
	}
	return nil
}
