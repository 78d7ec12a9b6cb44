package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "AGORA"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "agora.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultCookieName         = "agora_session"
	defaultTokenIssuer        = "agora-auth"
	defaultTokenAudience      = "agora-api"
	defaultTokenTTLMinutes    = 60
	defaultLockTTLMinutes     = 15
	defaultSessionBuffer      = 64
	defaultSSEBuffer          = 16
	defaultHeartbeatSeconds   = 25
	defaultEventRatePerSecond = 20.0
	defaultEventBurst         = 40
	defaultHTTPRatePerSecond  = 10.0
	defaultHTTPBurst          = 20
	defaultAMQPExchange       = "agora.realtime"
	defaultOTelServiceName    = "agora-api"
	defaultLockSweepSeconds   = 0
	defaultRelayQueueSize     = 256
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	LogFormat          string
	SigningSecret      string
	SessionSecret      string
	CookieName         string
	TokenIssuer        string
	TokenAudience      string
	TokenTTL           time.Duration
	LockTTL            time.Duration
	LockSweepInterval  time.Duration
	SessionBuffer      int
	SSEBuffer          int
	HeartbeatInterval  time.Duration
	EventRatePerSecond float64
	EventBurst         int
	HTTPRatePerSecond  float64
	HTTPBurst          int
	AMQPURL            string
	AMQPExchange       string
	RelayQueueSize     int
	OTelEndpoint       string
	OTelServiceName    string
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
	configViper.SetDefault("http.rate_per_second", defaultHTTPRatePerSecond)
	configViper.SetDefault("http.rate_burst", defaultHTTPBurst)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.token_audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("lock.ttl_minutes", defaultLockTTLMinutes)
	configViper.SetDefault("lock.sweep_interval_seconds", defaultLockSweepSeconds)
	configViper.SetDefault("realtime.session_buffer", defaultSessionBuffer)
	configViper.SetDefault("realtime.sse_buffer", defaultSSEBuffer)
	configViper.SetDefault("realtime.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("realtime.event_rate_per_second", defaultEventRatePerSecond)
	configViper.SetDefault("realtime.event_burst", defaultEventBurst)
	configViper.SetDefault("amqp.exchange", defaultAMQPExchange)
	configViper.SetDefault("amqp.queue_size", defaultRelayQueueSize)
	configViper.SetDefault("otel.service_name", defaultOTelServiceName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		SessionSecret:      configViper.GetString("auth.session_secret"),
		CookieName:         configViper.GetString("auth.cookie_name"),
		TokenIssuer:        configViper.GetString("auth.token_issuer"),
		TokenAudience:      configViper.GetString("auth.token_audience"),
		TokenTTL:           time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		LockTTL:            time.Duration(configViper.GetInt("lock.ttl_minutes")) * time.Minute,
		LockSweepInterval:  time.Duration(configViper.GetInt("lock.sweep_interval_seconds")) * time.Second,
		SessionBuffer:      configViper.GetInt("realtime.session_buffer"),
		SSEBuffer:          configViper.GetInt("realtime.sse_buffer"),
		HeartbeatInterval:  time.Duration(configViper.GetInt("realtime.heartbeat_seconds")) * time.Second,
		EventRatePerSecond: configViper.GetFloat64("realtime.event_rate_per_second"),
		EventBurst:         configViper.GetInt("realtime.event_burst"),
		HTTPRatePerSecond:  configViper.GetFloat64("http.rate_per_second"),
		HTTPBurst:          configViper.GetInt("http.rate_burst"),
		AMQPURL:            configViper.GetString("amqp.url"),
		AMQPExchange:       configViper.GetString("amqp.exchange"),
		RelayQueueSize:     configViper.GetInt("amqp.queue_size"),
		OTelEndpoint:       configViper.GetString("otel.endpoint"),
		OTelServiceName:    configViper.GetString("otel.service_name"),
	}
	if strings.TrimSpace(cfg.SessionSecret) == "" {
		cfg.SessionSecret = cfg.SigningSecret
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock.ttl_minutes must be positive")
	}
	if c.LockSweepInterval < 0 {
		return fmt.Errorf("lock.sweep_interval_seconds must not be negative")
	}
	if c.SessionBuffer <= 0 || c.SSEBuffer <= 0 {
		return fmt.Errorf("realtime buffers must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_seconds must be positive")
	}
	if c.AMQPURL != "" && strings.TrimSpace(c.AMQPExchange) == "" {
		return fmt.Errorf("amqp.exchange is required when amqp.url is set")
	}
	return nil
}
