// Package config loads and validates the gateway configuration and the
// permissions ruleset.
package config

import "time"

// Config is the root gateway configuration.
type Config struct {
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Messenger MessengerConfig `mapstructure:"messenger"`
	Services  ServicesConfig  `mapstructure:"services"`
	Storage   StorageConfig   `mapstructure:"storage"`

	// ApprovalTimeoutSeconds bounds how long a guardian has to decide.
	ApprovalTimeoutSeconds int             `mapstructure:"approval_timeout" validate:"gt=0"`
	RateLimit              RateLimitConfig `mapstructure:"rate_limit"`
}

// ApprovalTimeout returns the configured timeout as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSeconds) * time.Second
}

// GatewayConfig is the listener configuration.
type GatewayConfig struct {
	Host string    `mapstructure:"host" validate:"required"`
	Port int       `mapstructure:"port" validate:"gt=0,lte=65535"`
	TLS  TLSConfig `mapstructure:"tls"`
	// MetricsAddr enables the Prometheus scrape endpoint when non-empty.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// TLSConfig points at the server certificate. Both fields must be set
// together.
type TLSConfig struct {
	CertFile string `mapstructure:"cert" validate:"required_with=KeyFile"`
	KeyFile  string `mapstructure:"key" validate:"required_with=CertFile"`
}

// Enabled reports whether a certificate is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// AgentConfig authenticates the connecting agent.
type AgentConfig struct {
	Token string `mapstructure:"token" validate:"required"`
}

// MessengerConfig selects and configures the guardian channel.
type MessengerConfig struct {
	Type     string         `mapstructure:"type" validate:"required,eq=telegram"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig configures the Telegram bot.
type TelegramConfig struct {
	BotToken        string  `mapstructure:"token" validate:"required"`
	ChatID          int64   `mapstructure:"chat_id" validate:"required"`
	AllowedUsers    []int64 `mapstructure:"allowed_users" validate:"min=1"`
	LogUnauthorized bool    `mapstructure:"log_unauthorized"`
}

// ServicesConfig holds the backing service endpoints.
type ServicesConfig struct {
	HomeAssistant *HomeAssistantConfig `mapstructure:"homeassistant"`
}

// HomeAssistantConfig points at one Home Assistant instance.
type HomeAssistantConfig struct {
	URL   string `mapstructure:"url" validate:"required,url"`
	Token string `mapstructure:"token" validate:"required"`
}

// StorageConfig selects the audit store backend.
type StorageConfig struct {
	Type string `mapstructure:"type" validate:"required,eq=sqlite"`
	Path string `mapstructure:"path" validate:"required"`
}

// RateLimitConfig bounds agent request volume.
type RateLimitConfig struct {
	// MaxPending caps concurrent approvals per connection; zero disables.
	MaxPending int `mapstructure:"max_pending_approvals" validate:"gte=0"`
	// RequestsPerMinute caps tool requests per connection; zero disables.
	RequestsPerMinute int `mapstructure:"max_requests_per_minute" validate:"gte=0"`
}
