package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// WebhookConfig describes the shared ingress listener that receives provider callbacks for every bot.
type WebhookConfig struct {
	// BaseURL is the public origin the provider posts to; the per-bot path is appended to it.
	BaseURL   string `yaml:"base_url" envconfig:"WEBHOOK_BASE_URL"`
	Host      string `yaml:"host" envconfig:"WEBHOOK_HOST"`
	Port      int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
	SecretKey string `yaml:"secret_key" envconfig:"WEBHOOK_SECRET_KEY"`
	// MaxBodyBytes bounds a single update payload; 0 -> default
	MaxBodyBytes int64 `yaml:"max_body_bytes" envconfig:"WEBHOOK_MAX_BODY_BYTES"`
}

// ControlConfig describes the loopback control API listener.
type ControlConfig struct {
	Host string `yaml:"host" envconfig:"CONTROL_HOST"`
	Port int    `yaml:"port" envconfig:"CONTROL_PORT"`
}

// TLSConfig holds certificate paths for the webhook listener.
type TLSConfig struct {
	CertFile string `yaml:"cert_file" envconfig:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" envconfig:"TLS_KEY_FILE"`
}

// Enabled reports whether both certificate and key are configured.
func (t TLSConfig) Enabled() bool {
	return strings.TrimSpace(t.CertFile) != "" && strings.TrimSpace(t.KeyFile) != ""
}

// ProviderConfig controls outbound calls to the Telegram Bot API.
type ProviderConfig struct {
	APIURL         string `yaml:"api_url" envconfig:"TELEGRAM_API_URL"`
	TimeoutSeconds int    `yaml:"timeout_seconds" envconfig:"PROVIDER_TIMEOUT_SECONDS"`
}

// DatabaseConfig holds connection strings for the business database and the job store.
type DatabaseConfig struct {
	DSN            string `yaml:"dsn" envconfig:"DATABASE_URL"`
	SchedulerDSN   string `yaml:"scheduler_dsn" envconfig:"SCHEDULER_DATABASE_URL"`
	MaxConnections int    `yaml:"max_connections" envconfig:"DB_MAX_CONNECTIONS"`
	// WaitSeconds bounds how long migrate waits for the database to accept connections.
	WaitSeconds int `yaml:"wait_seconds" envconfig:"DB_WAIT_SECONDS"`
}

const (
	// StateBackendSQL keeps conversation state in the relational database.
	StateBackendSQL = "sql"
	// StateBackendMemory keeps conversation state in process memory (development only).
	StateBackendMemory = "memory"
	// StateBackendDynamo keeps conversation state in a DynamoDB table.
	StateBackendDynamo = "dynamodb"
)

// StateConfig selects the conversation state backend.
type StateConfig struct {
	Backend     string `yaml:"backend" envconfig:"STATE_BACKEND"`
	DynamoTable string `yaml:"dynamodb_table" envconfig:"STATE_DYNAMODB_TABLE"`
}

// SchedulerConfig tunes the job scheduler tick loop.
type SchedulerConfig struct {
	TickSeconds   int `yaml:"tick_seconds" envconfig:"SCHEDULER_TICK_SECONDS"`
	Batch         int `yaml:"batch" envconfig:"SCHEDULER_BATCH"`
	MaxConcurrent int `yaml:"max_concurrent" envconfig:"SCHEDULER_CONCURRENCY"`
}

// BackoffConfig bounds the flood-wait sleep applied by the backoff middleware.
type BackoffConfig struct {
	MaxSeconds int `yaml:"max_seconds" envconfig:"BACKOFF_MAX_SECONDS"`
}

// OperatorConfig describes where detailed failure reports are delivered.
type OperatorConfig struct {
	ChatID int64  `yaml:"chat_id" envconfig:"OPERATOR_CHAT_ID"`
	Token  string `yaml:"bot_token" envconfig:"OPERATOR_BOT_TOKEN"`
	// TokenParam names an AWS SSM parameter holding the operator bot token.
	TokenParam   string `yaml:"bot_token_param" envconfig:"OPERATOR_BOT_TOKEN_PARAM"`
	AMQPURL      string `yaml:"amqp_url" envconfig:"OPERATOR_AMQP_URL"`
	AMQPExchange string `yaml:"amqp_exchange" envconfig:"OPERATOR_AMQP_EXCHANGE"`
}

// LoggingConfig defines logging related configuration.
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format      string `yaml:"format" envconfig:"LOG_FORMAT"`
	KeysOrder   string `yaml:"keys_order"`
	DebugSample string `yaml:"debug_sample"`
	Dir         string `yaml:"dir" envconfig:"LOG_DIR"`
	File        string `yaml:"file" envconfig:"LOG_FILE"`
	// Profile indicates environment profile such as "debug" or "prod".
	Profile string `yaml:"profile" envconfig:"LOG_PROFILE"`
}

const (
	// UpdateCallback identifies callback updates for rate limit exclusions.
	UpdateCallback = "callback"
	// UpdateMessage identifies message updates for rate limit exclusions.
	UpdateMessage = "message"
	// UpdateInlineQuery identifies inline query updates for rate limit exclusions.
	UpdateInlineQuery = "inline_query"
)

// RateLimitConfig holds settings for inbound per-conversation throttling.
// ExcludeUpdates accepts update types to bypass limiting:
// - "callback": Telegram callback button presses
// - "message": standard text messages
// - "inline_query": inline query updates
type RateLimitConfig struct {
	IntervalMS     int      `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
	ExcludeUpdates []string `yaml:"exclude_updates" envconfig:"RATE_LIMIT_EXCLUDE_UPDATES"`
}

// Config aggregates the host configuration.
type Config struct {
	Webhook   WebhookConfig   `yaml:"webhook"`
	Control   ControlConfig   `yaml:"control"`
	TLS       TLSConfig       `yaml:"tls"`
	Provider  ProviderConfig  `yaml:"provider"`
	Database  DatabaseConfig  `yaml:"database"`
	State     StateConfig     `yaml:"state"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Backoff   BackoffConfig   `yaml:"backoff"`
	Operator  OperatorConfig  `yaml:"operator"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

const (
	defaultWebhookHost      = "0.0.0.0"
	defaultWebhookPort      = 8443
	defaultControlHost      = "127.0.0.1"
	defaultControlPort      = 8081
	defaultAPIURL           = "https://api.telegram.org"
	defaultProviderTimeout  = 10
	defaultMaxConnections   = 10
	defaultWaitSeconds      = 30
	defaultTickSeconds      = 5
	defaultSchedulerBatch   = 100
	defaultSchedulerWorkers = 4
	defaultBackoffMax       = 30
	defaultMaxBodyBytes     = 1 << 20
	defaultAMQPExchange     = "shophost.reports"
)

// Load reads configuration from an optional YAML file and environment variables.
// An empty path skips the file and relies on the environment alone.
func Load(path string) (*Config, error) {
	var cfg Config

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse YAML config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}

	if err := Normalize(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize performs basic validation of required configuration fields and adjusts defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.Webhook.BaseURL), "/")
	if base == "" {
		return fmt.Errorf("webhook.base_url is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid webhook.base_url %q", cfg.Webhook.BaseURL)
	}
	cfg.Webhook.BaseURL = base
	if strings.TrimSpace(cfg.Webhook.Host) == "" {
		cfg.Webhook.Host = defaultWebhookHost
	}
	if cfg.Webhook.Port == 0 {
		cfg.Webhook.Port = defaultWebhookPort
	}
	if cfg.Webhook.Port < 0 {
		return fmt.Errorf("webhook.port must be > 0")
	}
	if cfg.Webhook.MaxBodyBytes <= 0 {
		cfg.Webhook.MaxBodyBytes = defaultMaxBodyBytes
	}

	if strings.TrimSpace(cfg.Control.Host) == "" {
		cfg.Control.Host = defaultControlHost
	}
	if cfg.Control.Port == 0 {
		cfg.Control.Port = defaultControlPort
	}
	if cfg.Control.Port < 0 {
		return fmt.Errorf("control.port must be > 0")
	}

	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return fmt.Errorf("tls.cert_file and tls.key_file must be set together")
	}

	cfg.Provider.APIURL = strings.TrimRight(strings.TrimSpace(cfg.Provider.APIURL), "/")
	if cfg.Provider.APIURL == "" {
		cfg.Provider.APIURL = defaultAPIURL
	}
	if cfg.Provider.TimeoutSeconds <= 0 {
		cfg.Provider.TimeoutSeconds = defaultProviderTimeout
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.State.Backend))
	if backend == "" {
		backend = StateBackendSQL
	}
	switch backend {
	case StateBackendSQL, StateBackendMemory:
	case StateBackendDynamo:
		if strings.TrimSpace(cfg.State.DynamoTable) == "" {
			return fmt.Errorf("state.dynamodb_table is required when state.backend is 'dynamodb'")
		}
	default:
		return fmt.Errorf("invalid state.backend %q; allowed: sql, memory, dynamodb", cfg.State.Backend)
	}
	cfg.State.Backend = backend

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(cfg.Database.SchedulerDSN) == "" {
		cfg.Database.SchedulerDSN = cfg.Database.DSN
	}
	if cfg.Database.MaxConnections <= 0 {
		cfg.Database.MaxConnections = defaultMaxConnections
	}
	if cfg.Database.WaitSeconds <= 0 {
		cfg.Database.WaitSeconds = defaultWaitSeconds
	}

	if cfg.Scheduler.TickSeconds <= 0 {
		cfg.Scheduler.TickSeconds = defaultTickSeconds
	}
	if cfg.Scheduler.Batch <= 0 {
		cfg.Scheduler.Batch = defaultSchedulerBatch
	}
	if cfg.Scheduler.MaxConcurrent <= 0 {
		cfg.Scheduler.MaxConcurrent = defaultSchedulerWorkers
	}

	if cfg.Backoff.MaxSeconds <= 0 {
		cfg.Backoff.MaxSeconds = defaultBackoffMax
	}

	if cfg.Operator.AMQPURL != "" && strings.TrimSpace(cfg.Operator.AMQPExchange) == "" {
		cfg.Operator.AMQPExchange = defaultAMQPExchange
	}

	allowed := map[string]struct{}{
		UpdateCallback:    {},
		UpdateMessage:     {},
		UpdateInlineQuery: {},
	}
	for i, v := range cfg.RateLimit.ExcludeUpdates {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" {
			continue
		}
		if _, ok := allowed[key]; !ok {
			return fmt.Errorf("invalid rate_limit.exclude_updates value %q; allowed: callback, message, inline_query", v)
		}
		cfg.RateLimit.ExcludeUpdates[i] = key
	}
	if cfg.RateLimit.IntervalMS < 0 {
		return fmt.Errorf("rate_limit.interval_ms must be >= 0")
	}
	return nil
}

// WebhookAddr returns the listen address of the ingress server.
func (c *Config) WebhookAddr() string {
	return fmt.Sprintf("%s:%d", c.Webhook.Host, c.Webhook.Port)
}

// ControlAddr returns the listen address of the control API server.
func (c *Config) ControlAddr() string {
	return fmt.Sprintf("%s:%d", c.Control.Host, c.Control.Port)
}
