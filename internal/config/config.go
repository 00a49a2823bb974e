package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "MIRRORSYNC"

	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabasePath        = "mirrorsync.db"
	defaultLogLevel            = "info"
	defaultUpstreamTimeoutSecs = 30
	defaultSyncIntervalSecs    = 300
	defaultSyncMaxConcurrent   = 4
)

// TenantConfig pairs one tenant with its sync interval.
type TenantConfig struct {
	ID       string
	Interval time.Duration
}

// AppConfig captures runtime configuration for the mirror service.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	UpstreamBaseURL   string
	UpstreamTimeout   time.Duration
	SyncInterval      time.Duration
	SyncMaxConcurrent int
	Tenants           []TenantConfig
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
	configViper.SetDefault("upstream.timeout_seconds", defaultUpstreamTimeoutSecs)
	configViper.SetDefault("sync.interval_seconds", defaultSyncIntervalSecs)
	configViper.SetDefault("sync.max_concurrent", defaultSyncMaxConcurrent)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		UpstreamBaseURL:   configViper.GetString("upstream.base_url"),
		UpstreamTimeout:   time.Duration(configViper.GetInt("upstream.timeout_seconds")) * time.Second,
		SyncInterval:      time.Duration(configViper.GetInt("sync.interval_seconds")) * time.Second,
		SyncMaxConcurrent: configViper.GetInt("sync.max_concurrent"),
	}

	tenants, err := parseTenants(configViper.GetString("sync.tenants"), cfg.SyncInterval)
	if err != nil {
		return AppConfig{}, err
	}
	cfg.Tenants = tenants

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// parseTenants interprets the sync.tenants value: comma separated tenant
// ids, each optionally suffixed with "=seconds" to override the default
// sync interval.
func parseTenants(raw string, defaultInterval time.Duration) ([]TenantConfig, error) {
	var tenants []TenantConfig
	for _, term := range strings.Split(raw, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}

		id := term
		interval := defaultInterval
		if name, secondsText, found := strings.Cut(term, "="); found {
			id = strings.TrimSpace(name)
			seconds, err := strconv.Atoi(strings.TrimSpace(secondsText))
			if err != nil || seconds <= 0 {
				return nil, fmt.Errorf("sync.tenants: invalid interval for tenant %q", id)
			}
			interval = time.Duration(seconds) * time.Second
		}
		if id == "" {
			return nil, fmt.Errorf("sync.tenants: empty tenant id in %q", raw)
		}
		tenants = append(tenants, TenantConfig{ID: id, Interval: interval})
	}
	return tenants, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.UpstreamBaseURL) == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream.timeout_seconds must be positive")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval_seconds must be positive")
	}
	if c.SyncMaxConcurrent <= 0 {
		return fmt.Errorf("sync.max_concurrent must be positive")
	}
	if len(c.Tenants) == 0 {
		return fmt.Errorf("sync.tenants is required")
	}
	return nil
}
