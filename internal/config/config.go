// Package config provides YAML-based configuration loading for Replybot.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Replybot configuration, loaded from replybot.yaml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Context   ContextConfig   `yaml:"context"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Channels  ChannelsConfig  `yaml:"channels"`
}

// ServerConfig holds the inbound HTTP boundary and worker-pool settings.
type ServerConfig struct {
	Port      int `yaml:"port"`
	QueueSize int `yaml:"queue_size"`
	Workers   int `yaml:"workers"`
}

// DatabaseConfig selects the backing store. Driver is "sqlite" or "mysql".
type DatabaseConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"` // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
}

// OpenAIConfig holds completion/embedding service settings.
type OpenAIConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	ChatModel  string `yaml:"chat_model"`
	EmbedModel string `yaml:"embed_model"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// ContextConfig controls conversation state lifetime and the read window.
type ContextConfig struct {
	TTLDays      int    `yaml:"ttl_days"`
	RecentWindow int    `yaml:"recent_window"`
	SweepCron    string `yaml:"sweep_cron"` // 5-field cron for the expiry sweeper
}

// RetrievalConfig controls the knowledge search pass.
type RetrievalConfig struct {
	TopK          int     `yaml:"top_k"`
	CandidatePool int     `yaml:"candidate_pool"`
	MinScore      float64 `yaml:"min_score"`
	SnippetBudget int     `yaml:"snippet_budget"` // per-snippet char budget in prompts
	CorpusDir     string  `yaml:"corpus_dir"`
}

// DeliveryConfig controls outbound retry behavior and stage timeouts.
type DeliveryConfig struct {
	MaxAttempts     int `yaml:"max_attempts"`
	BaseDelayMS     int `yaml:"base_delay_ms"`
	MaxDelayMS      int `yaml:"max_delay_ms"`
	TimeoutSec      int `yaml:"timeout_sec"`
	StageTimeoutSec int `yaml:"stage_timeout_sec"`
}

// ChannelsConfig holds per-channel credentials and secrets.
type ChannelsConfig struct {
	Avito    AvitoConfig    `yaml:"avito"`
	Telegram TelegramConfig `yaml:"telegram"`
	Webchat  WebchatConfig  `yaml:"webchat"`
}

// AvitoConfig configures the marketplace messenger channel.
type AvitoConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	WebhookSecret string `yaml:"webhook_secret"`
	BaseURL       string `yaml:"base_url"`
	UserID        string `yaml:"user_id"` // account id used in messenger send paths
}

// TelegramConfig configures the bot platform channel.
type TelegramConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BotToken      string `yaml:"bot_token"`
	WebhookSecret string `yaml:"webhook_secret"`
	BaseURL       string `yaml:"base_url"`
}

// WebchatConfig configures the browser widget channel.
type WebchatConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
}

// Load reads a YAML config file from path and returns a validated Config.
// Environment references (${VAR}) in the file are expanded before parsing,
// so secrets can stay out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.QueueSize == 0 {
		c.Server.QueueSize = 1000
	}
	if c.Server.Workers == 0 {
		c.Server.Workers = 3
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "replybot.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "127.0.0.1"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.OpenAI.ChatModel == "" {
		c.OpenAI.ChatModel = "gpt-4o-mini"
	}
	if c.OpenAI.EmbedModel == "" {
		c.OpenAI.EmbedModel = "text-embedding-3-small"
	}
	if c.OpenAI.TimeoutSec == 0 {
		c.OpenAI.TimeoutSec = 90
	}
	if c.Context.TTLDays == 0 {
		c.Context.TTLDays = 30
	}
	if c.Context.RecentWindow == 0 {
		c.Context.RecentWindow = 20
	}
	if c.Context.SweepCron == "" {
		c.Context.SweepCron = "0 * * * *"
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 3
	}
	if c.Retrieval.CandidatePool == 0 {
		c.Retrieval.CandidatePool = 50
	}
	if c.Retrieval.SnippetBudget == 0 {
		c.Retrieval.SnippetBudget = 2000
	}
	if c.Retrieval.CorpusDir == "" {
		c.Retrieval.CorpusDir = "documents/knowledge_base"
	}
	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = 3
	}
	if c.Delivery.BaseDelayMS == 0 {
		c.Delivery.BaseDelayMS = 1000
	}
	if c.Delivery.MaxDelayMS == 0 {
		c.Delivery.MaxDelayMS = 30000
	}
	if c.Delivery.TimeoutSec == 0 {
		c.Delivery.TimeoutSec = 15
	}
	if c.Delivery.StageTimeoutSec == 0 {
		c.Delivery.StageTimeoutSec = 60
	}
	if c.Channels.Avito.BaseURL == "" {
		c.Channels.Avito.BaseURL = "https://api.avito.ru"
	}
	if c.Channels.Telegram.BaseURL == "" {
		c.Channels.Telegram.BaseURL = "https://api.telegram.org"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported (sqlite, mysql)", c.Database.Driver))
	}
	if c.Database.Driver == "mysql" && c.Database.Database == "" {
		errs = append(errs, "database.database is required for mysql")
	}
	if c.Server.Workers < 1 {
		errs = append(errs, "server.workers must be at least 1")
	}
	if c.Channels.Avito.Enabled {
		if c.Channels.Avito.ClientID == "" || c.Channels.Avito.ClientSecret == "" {
			errs = append(errs, "channels.avito.client_id and client_secret are required when avito is enabled")
		}
		if c.Channels.Avito.WebhookSecret == "" {
			errs = append(errs, "channels.avito.webhook_secret is required when avito is enabled")
		}
	}
	if c.Channels.Telegram.Enabled {
		if c.Channels.Telegram.BotToken == "" {
			errs = append(errs, "channels.telegram.bot_token is required when telegram is enabled")
		}
		if c.Channels.Telegram.WebhookSecret == "" {
			errs = append(errs, "channels.telegram.webhook_secret is required when telegram is enabled")
		}
	}
	if c.Channels.Webchat.Enabled && c.Channels.Webchat.Secret == "" {
		errs = append(errs, "channels.webchat.secret is required when webchat is enabled")
	}
	if !c.Channels.Avito.Enabled && !c.Channels.Telegram.Enabled && !c.Channels.Webchat.Enabled {
		errs = append(errs, "at least one channel must be enabled")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
