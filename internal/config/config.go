package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "SURVEYPULSE"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "surveypulse.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultCookieName       = "survey_respondent"
	defaultCookieTTLDays    = 365
	defaultIssuer           = "surveypulse"
	defaultBroadcastBackend = BroadcastBackendMemory
	defaultRedisAddress     = "127.0.0.1:6379"
	defaultChannelPrefix    = "surveypulse:"
	defaultMaxConcurrency   = 16
	defaultSendBuffer       = 32
	defaultWriteTimeout     = 10 * time.Second
	defaultPingInterval     = 30 * time.Second
)

const (
	BroadcastBackendMemory = "memory"
	BroadcastBackendRedis  = "redis"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	LogFormat          string
	AllowedOrigins     []string
	RespondentSecret   string
	RespondentCookie   string
	RespondentIssuer   string
	RespondentTTL      time.Duration
	RespondentSecure   bool
	BroadcastBackend   string
	RedisAddress       string
	RedisPassword      string
	RedisDB            int
	RedisChannelPrefix string
	MaxConcurrency     int64
	SendBuffer         int
	WriteTimeout       time.Duration
	PingInterval       time.Duration
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
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
	configViper.SetDefault("respondent.cookie_name", defaultCookieName)
	configViper.SetDefault("respondent.cookie_ttl_days", defaultCookieTTLDays)
	configViper.SetDefault("respondent.issuer", defaultIssuer)
	configViper.SetDefault("respondent.secure_cookie", false)
	configViper.SetDefault("broadcast.backend", defaultBroadcastBackend)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.channel_prefix", defaultChannelPrefix)
	configViper.SetDefault("workers.max_concurrency", defaultMaxConcurrency)
	configViper.SetDefault("session.send_buffer", defaultSendBuffer)
	configViper.SetDefault("session.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("session.ping_interval", defaultPingInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		AllowedOrigins:     configViper.GetStringSlice("cors.allowed_origins"),
		RespondentSecret:   configViper.GetString("respondent.signing_secret"),
		RespondentCookie:   configViper.GetString("respondent.cookie_name"),
		RespondentIssuer:   configViper.GetString("respondent.issuer"),
		RespondentTTL:      time.Duration(configViper.GetInt("respondent.cookie_ttl_days")) * 24 * time.Hour,
		RespondentSecure:   configViper.GetBool("respondent.secure_cookie"),
		BroadcastBackend:   strings.ToLower(strings.TrimSpace(configViper.GetString("broadcast.backend"))),
		RedisAddress:       configViper.GetString("redis.address"),
		RedisPassword:      configViper.GetString("redis.password"),
		RedisDB:            configViper.GetInt("redis.db"),
		RedisChannelPrefix: configViper.GetString("redis.channel_prefix"),
		MaxConcurrency:     configViper.GetInt64("workers.max_concurrency"),
		SendBuffer:         configViper.GetInt("session.send_buffer"),
		WriteTimeout:       configViper.GetDuration("session.write_timeout"),
		PingInterval:       configViper.GetDuration("session.ping_interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.RespondentSecret) == "" {
		return fmt.Errorf("respondent.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RespondentCookie) == "" {
		return fmt.Errorf("respondent.cookie_name is required")
	}
	if c.RespondentTTL <= 0 {
		return fmt.Errorf("respondent.cookie_ttl_days must be positive")
	}
	switch c.BroadcastBackend {
	case BroadcastBackendMemory:
	case BroadcastBackendRedis:
		if strings.TrimSpace(c.RedisAddress) == "" {
			return fmt.Errorf("redis.address is required for the redis broadcast backend")
		}
	default:
		return fmt.Errorf("broadcast.backend %q is not supported", c.BroadcastBackend)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("workers.max_concurrency must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("session.send_buffer must be positive")
	}
	return nil
}
