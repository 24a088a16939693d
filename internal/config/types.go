package config

import (
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete vaultgate configuration.
type Config struct {
	Include  []string          `yaml:"include,omitempty"`
	Service  ServiceConfig     `yaml:"service"`
	Database DatabaseConfig    `yaml:"database"`
	Audit    AuditConfig       `yaml:"audit"`
	Replay   ReplayConfig      `yaml:"replay"`
	Webhooks *WebhooksConfig   `yaml:"webhooks,omitempty"`
	API      APIConfig         `yaml:"api,omitempty"`
	Email    EmailConfig       `yaml:"email,omitempty"`
	Tokens   map[string]string `yaml:"tokens,omitempty"`

	// SourceFiles holds the parsed YAML of every file that contributed.
	SourceFiles map[string]*yaml.Node `yaml:"-"`
}

// ServiceConfig contains process-wide settings.
type ServiceConfig struct {
	Name                string `yaml:"name"`
	LogLevel            string `yaml:"log_level"`
	LogFormat           string `yaml:"log_format"`
	LockPath            string `yaml:"lock_path"`
	AllowMissingSecrets bool   `yaml:"allow_missing_secrets"`
}

// DatabaseConfig configures the connection pool.
type DatabaseConfig struct {
	URL               string        `yaml:"url"`
	Max               int           `yaml:"max"`
	Min               int           `yaml:"min"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	SSL               string        `yaml:"ssl"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	SlowQuery         time.Duration `yaml:"slow_query"`
	VerySlowQuery     time.Duration `yaml:"very_slow_query"`
}

// Audit sink kinds.
const (
	AuditSinkFile     = "file"
	AuditSinkDatabase = "database"
	AuditSinkBoth     = "both"
)

// AuditConfig selects where verification outcomes are written.
type AuditConfig struct {
	Sink   string `yaml:"sink"`
	Path   string `yaml:"path"`
	Buffer int    `yaml:"buffer"`
}

// ReplayConfig sets the freshness window and the optional shared nonce store.
type ReplayConfig struct {
	Window   time.Duration `yaml:"window"`
	RedisURL string        `yaml:"redis_url"`
}

// WebhooksConfig defines webhook listener settings.
type WebhooksConfig struct {
	Listen       string              `yaml:"listen"`
	Integrations []IntegrationConfig `yaml:"integrations"`
}

// Downstream handler kinds.
const (
	HandlerAck   = "ack"
	HandlerInbox = "inbox"
)

// IntegrationConfig defines a single verified webhook endpoint. Fields left
// empty fall back to the named preset.
type IntegrationConfig struct {
	Name            string        `yaml:"name"`
	Path            string        `yaml:"path"`
	Preset          string        `yaml:"preset"`
	Secret          string        `yaml:"secret,omitempty"`
	SecretRef       string        `yaml:"secret_ref,omitempty"`
	SignatureHeader string        `yaml:"signature_header,omitempty"`
	TimestampHeader string        `yaml:"timestamp_header,omitempty"`
	IDHeader        string        `yaml:"id_header,omitempty"`
	EventHeader     string        `yaml:"event_header,omitempty"`
	EventField      string        `yaml:"event_field,omitempty"`
	Algorithm       string        `yaml:"algorithm,omitempty"`
	Encoding        string        `yaml:"encoding,omitempty"`
	Payload         string        `yaml:"payload,omitempty"`
	SignaturePrefix string        `yaml:"signature_prefix,omitempty"`
	MultiSignature  *bool         `yaml:"multi_signature,omitempty"`
	Window          time.Duration `yaml:"window,omitempty"`
	MaxBodySize     string        `yaml:"max_body_size,omitempty"`
	Handler         string        `yaml:"handler,omitempty"`
	AlertEmail      string        `yaml:"alert_email,omitempty"`
}

// APIConfig configures the ops/admin HTTP API.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig holds bearer credentials for the ops API.
type APIAuthConfig struct {
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken is a bearer token with its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// EmailConfig configures the Resend client used for alerts.
type EmailConfig struct {
	ResendAPIKey string `yaml:"resend_api_key"`
	From         string `yaml:"from"`
	BaseURL      string `yaml:"base_url,omitempty"`
}

// Defaults returns a Config with the documented defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "vaultgate",
			LogLevel:  "info",
			LogFormat: "json",
			LockPath:  "./data/vaultgate.lock",
		},
		Database: DatabaseConfig{
			Max:               10,
			Min:               1,
			IdleTimeout:       30 * time.Second,
			ConnectionTimeout: 60 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			SlowQuery:         500 * time.Millisecond,
			VerySlowQuery:     2 * time.Second,
		},
		Audit: AuditConfig{
			Sink:   AuditSinkDatabase,
			Path:   "./data/audit.jsonl",
			Buffer: 1024,
		},
		Replay: ReplayConfig{
			Window: 300 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Tokens: make(map[string]string),
	}
}
