package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "REGISTRY"

	defaultHTTPAddress   = "0.0.0.0:5000"
	defaultDatabasePath  = "registry.db"
	defaultLogLevel      = "info"
	defaultIssuer        = "registry-auth"
	defaultAudience      = "registry-api"
	defaultTokenTTL      = 30
	defaultRevocation    = RevocationBackendSQLite
	defaultRemoteBaseURL = "http://localhost:5000"
	defaultCachePath     = "registry-cache.db"

	defaultRemoteTimeoutSeconds = 10
	defaultProbeIntervalSeconds = 30
	defaultProbeTimeoutSeconds  = 3
	defaultSyncIntervalMinutes  = 5
	defaultRefreshWindowSeconds = 120
)

// Revocation list backends.
const (
	RevocationBackendSQLite = "sqlite"
	RevocationBackendRedis  = "redis"
)

// ServerConfig captures runtime configuration for the API server.
type ServerConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SigningSecret     string
	Issuer            string
	Audience          string
	TokenTTL          time.Duration
	AdminUsername     string
	AdminPassword     string
	RevocationBackend string
	RedisAddress      string
	TolerateDegraded  bool
}

// AgentConfig captures runtime configuration for the offline-first client agent.
type AgentConfig struct {
	RemoteBaseURL  string
	RemoteTimeout  time.Duration
	CachePath      string
	LogLevel       string
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	SyncInterval   time.Duration
	RefreshWindow  time.Duration
	MetricsAddress string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTL)
	configViper.SetDefault("revocation.backend", defaultRevocation)
	configViper.SetDefault("revocation.tolerate_degraded", false)

	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("remote.timeout_seconds", defaultRemoteTimeoutSeconds)
	configViper.SetDefault("cache.path", defaultCachePath)
	configViper.SetDefault("probe.interval_seconds", defaultProbeIntervalSeconds)
	configViper.SetDefault("probe.timeout_seconds", defaultProbeTimeoutSeconds)
	configViper.SetDefault("sync.interval_minutes", defaultSyncIntervalMinutes)
	configViper.SetDefault("session.refresh_window_seconds", defaultRefreshWindowSeconds)
}

// LoadServer parses server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		Issuer:            configViper.GetString("auth.issuer"),
		Audience:          configViper.GetString("auth.audience"),
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		AdminUsername:     configViper.GetString("auth.admin_username"),
		AdminPassword:     configViper.GetString("auth.admin_password"),
		RevocationBackend: strings.ToLower(strings.TrimSpace(configViper.GetString("revocation.backend"))),
		RedisAddress:      configViper.GetString("revocation.redis_address"),
		TolerateDegraded:  configViper.GetBool("revocation.tolerate_degraded"),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}

	return cfg, nil
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Issuer) == "" || strings.TrimSpace(c.Audience) == "" {
		return fmt.Errorf("auth.issuer and auth.audience are required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		return fmt.Errorf("auth.admin_username and auth.admin_password must be set together")
	}
	switch c.RevocationBackend {
	case RevocationBackendSQLite:
	case RevocationBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("revocation.redis_address is required for the redis backend")
		}
	default:
		return fmt.Errorf("revocation.backend %q is not supported", c.RevocationBackend)
	}
	return nil
}

// LoadAgent parses client agent configuration from viper.
func LoadAgent(configViper *viper.Viper) (AgentConfig, error) {
	cfg := AgentConfig{
		RemoteBaseURL:  strings.TrimRight(strings.TrimSpace(configViper.GetString("remote.base_url")), "/"),
		RemoteTimeout:  time.Duration(configViper.GetInt("remote.timeout_seconds")) * time.Second,
		CachePath:      configViper.GetString("cache.path"),
		LogLevel:       configViper.GetString("log.level"),
		ProbeInterval:  time.Duration(configViper.GetInt("probe.interval_seconds")) * time.Second,
		ProbeTimeout:   time.Duration(configViper.GetInt("probe.timeout_seconds")) * time.Second,
		SyncInterval:   time.Duration(configViper.GetInt("sync.interval_minutes")) * time.Minute,
		RefreshWindow:  time.Duration(configViper.GetInt("session.refresh_window_seconds")) * time.Second,
		MetricsAddress: configViper.GetString("metrics.address"),
	}

	if err := cfg.validate(); err != nil {
		return AgentConfig{}, err
	}
	return cfg, nil
}

func (c AgentConfig) validate() error {
	if c.RemoteBaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if strings.TrimSpace(c.CachePath) == "" {
		return fmt.Errorf("cache.path is required")
	}
	if c.RemoteTimeout <= 0 || c.ProbeTimeout <= 0 {
		return fmt.Errorf("remote.timeout_seconds and probe.timeout_seconds must be positive")
	}
	if c.ProbeInterval <= 0 || c.SyncInterval <= 0 {
		return fmt.Errorf("probe.interval_seconds and sync.interval_minutes must be positive")
	}
	if c.RefreshWindow < 0 {
		return fmt.Errorf("session.refresh_window_seconds must not be negative")
	}
	return nil
}
