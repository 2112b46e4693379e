package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "PAWSYNC"
	defaultHTTPAddress         = "127.0.0.1:8080"
	defaultDatabasePath        = "pawsync.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultCookieName          = "pawsync_session"
	defaultSessionTTL          = 30 * 24 * time.Hour
	defaultRemoteBaseURL       = "https://api.notion.com"
	defaultRemoteAPIVersion    = "2022-06-28"
	defaultSyncInterval        = 5 * time.Minute
	defaultMinRequestInterval  = 350 * time.Millisecond
	defaultOverlapWindow       = 5 * time.Minute
	defaultPageSize            = 100
	defaultMaxRetries          = 3
	defaultEventMatchTolerance = 10 * time.Minute
)

// AppConfig captures runtime configuration for the sync service and CLI.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string
	LogFormat      string

	SessionSigningSecret string
	SessionCookieName    string
	SessionTTL           time.Duration

	RemoteBaseURL    string
	RemoteToken      string
	RemoteAPIVersion string
	// Containers maps entity type names to remote database ids.
	Containers map[string]string

	SyncInterval        time.Duration
	MinRequestInterval  time.Duration
	OverlapWindow       time.Duration
	PageSize            int
	MaxRetries          int
	EventMatchTolerance time.Duration
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
	configViper.SetDefault("http.allowed_origins", []string{"http://localhost:5173"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("remote.base_url", defaultRemoteBaseURL)
	configViper.SetDefault("remote.api_version", defaultRemoteAPIVersion)
	configViper.SetDefault("remote.containers.contacts", "")
	configViper.SetDefault("remote.containers.pets", "")
	configViper.SetDefault("remote.containers.events", "")
	configViper.SetDefault("sync.interval", defaultSyncInterval)
	configViper.SetDefault("sync.min_request_interval", defaultMinRequestInterval)
	configViper.SetDefault("sync.overlap_window", defaultOverlapWindow)
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("sync.max_retries", defaultMaxRetries)
	configViper.SetDefault("sync.event_match_tolerance", defaultEventMatchTolerance)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		AllowedOrigins:       configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		LogFormat:            configViper.GetString("log.format"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionTTL:           configViper.GetDuration("session.ttl"),
		RemoteBaseURL:        configViper.GetString("remote.base_url"),
		RemoteToken:          configViper.GetString("remote.token"),
		RemoteAPIVersion:     configViper.GetString("remote.api_version"),
		Containers: map[string]string{
			"contacts": configViper.GetString("remote.containers.contacts"),
			"pets":     configViper.GetString("remote.containers.pets"),
			"events":   configViper.GetString("remote.containers.events"),
		},
		SyncInterval:        configViper.GetDuration("sync.interval"),
		MinRequestInterval:  configViper.GetDuration("sync.min_request_interval"),
		OverlapWindow:       configViper.GetDuration("sync.overlap_window"),
		PageSize:            configViper.GetInt("sync.page_size"),
		MaxRetries:          configViper.GetInt("sync.max_retries"),
		EventMatchTolerance: configViper.GetDuration("sync.event_match_tolerance"),
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
	if strings.TrimSpace(c.RemoteBaseURL) == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.MinRequestInterval < 0 {
		return fmt.Errorf("sync.min_request_interval must not be negative")
	}
	if c.PageSize <= 0 || c.PageSize > 100 {
		return fmt.Errorf("sync.page_size must be between 1 and 100")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("sync.max_retries must be positive")
	}
	return nil
}

// ValidateRemote checks the settings needed to talk to the remote API.
func (c AppConfig) ValidateRemote() error {
	if strings.TrimSpace(c.RemoteToken) == "" {
		return fmt.Errorf("remote.token is required")
	}
	for _, name := range []string{"contacts", "pets", "events"} {
		if strings.TrimSpace(c.Containers[name]) == "" {
			return fmt.Errorf("remote.containers.%s is required", name)
		}
	}
	return nil
}

// ValidateSession checks the settings needed to issue and validate UI sessions.
func (c AppConfig) ValidateSession() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	return nil
}
