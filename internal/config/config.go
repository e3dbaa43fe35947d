// Package config loads Kyber's configuration: a JSON file under the data
// directory, overlaid with environment variables and a .env secrets file.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Config is the main configuration structure for Kyber.
type Config struct {
	// DataDir holds sessions/, tasks/, and channel state. Defaults to
	// ~/.kyber.
	DataDir string `json:"data_dir"`

	// Workspace is the agent's working directory (bootstrap files, skills/,
	// memory/). Defaults to <data_dir>/workspace.
	Workspace string `json:"workspace"`

	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	Agent     AgentConfig     `json:"agent"`
	Logging   LoggingConfig   `json:"logging"`
}

// ProvidersConfig selects and configures LLM providers.
type ProvidersConfig struct {
	// Default is the provider used by the agent: "anthropic" or "openai".
	Default string `json:"default"`

	Anthropic ProviderConfig `json:"anthropic"`
	OpenAI    ProviderConfig `json:"openai"`
}

// ProviderConfig holds per-provider credentials and model selection. API keys
// come from the environment (.env) and are never written back to JSON.
type ProviderConfig struct {
	APIKey  string `json:"-"`
	Model   string `json:"model,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// ChannelsConfig enables chat platform adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"-"`

	// Allowlist restricts which sender ids may talk to the bot. Empty means
	// allow everyone.
	Allowlist []string `json:"allowlist,omitempty"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"-"`
	Allowlist []string `json:"allowlist,omitempty"`
}

// WhatsAppConfig configures the WhatsApp adapter. The device session is kept
// in a sqlite store under the data dir.
type WhatsAppConfig struct {
	Enabled   bool     `json:"enabled"`
	Allowlist []string `json:"allowlist,omitempty"`
}

// GatewayConfig configures the HTTP control plane.
type GatewayConfig struct {
	// Addr is the listen address, e.g. "127.0.0.1:7700".
	Addr string `json:"addr"`

	// AuthToken authenticates dashboard requests. Auto-generated on first
	// run when empty; loaded from <data_dir>/gateway_token.
	AuthToken string `json:"-"`
}

// AgentConfig bounds the agent's tool-calling loop.
type AgentConfig struct {
	// MaxIterations caps tool-loop steps per turn. 0 means unlimited,
	// bounded only by the wall clock budget.
	MaxIterations int `json:"max_iterations"`

	// HistoryMessages is how many user/assistant rows feed the LLM context.
	HistoryMessages int `json:"history_messages"`

	Budgets Budgets `json:"budgets"`
}

// Budgets holds the per-layer timeouts. Turn, LLMCall, and ToolCall all
// default to the same 600 s, but each layer reads its own field so operators
// can pull them apart.
type Budgets struct {
	Turn     time.Duration `json:"turn"`
	LLMCall  time.Duration `json:"llm_call"`
	ToolCall time.Duration `json:"tool_call"`
	Send     time.Duration `json:"send"`
	ChatTurn time.Duration `json:"chat_turn"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// DefaultDataDir returns ~/.kyber, falling back to the working directory when
// the home dir cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kyber"
	}
	return filepath.Join(home, ".kyber")
}

// Load reads the config file at path, loads .env from the same directory, and
// overlays environment variables. A missing config file yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// First run: defaults only.
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			expanded := os.ExpandEnv(string(data))
			if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
		// Secrets live in .env next to the config file, never in the JSON.
		_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))
	}

	applyDefaults(cfg)
	overlayEnv(cfg)

	if err := ensureAuthToken(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if cfg.Workspace == "" {
		cfg.Workspace = filepath.Join(cfg.DataDir, "workspace")
	}
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = "anthropic"
	}
	if cfg.Gateway.Addr == "" {
		cfg.Gateway.Addr = "127.0.0.1:7700"
	}
	if cfg.Agent.HistoryMessages == 0 {
		cfg.Agent.HistoryMessages = 40
	}

	b := &cfg.Agent.Budgets
	if b.Turn == 0 {
		b.Turn = 600 * time.Second
	}
	if b.LLMCall == 0 {
		b.LLMCall = 600 * time.Second
	}
	if b.ToolCall == 0 {
		b.ToolCall = 600 * time.Second
	}
	if b.Send == 0 {
		b.Send = 30 * time.Second
	}
	if b.ChatTurn == 0 {
		b.ChatTurn = 180 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// overlayEnv pulls secrets and overrides from the process environment.
func overlayEnv(cfg *Config) {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Providers.Anthropic.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.OpenAI.APIKey = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
	}
	if v := os.Getenv("DISCORD_BOT_TOKEN"); v != "" {
		cfg.Channels.Discord.Token = v
	}
	if v := os.Getenv("KYBER_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.AuthToken = v
	}
	if v := os.Getenv("KYBER_DATA_DIR"); v != "" {
		cfg.DataDir = v
		if os.Getenv("KYBER_WORKSPACE") == "" {
			cfg.Workspace = filepath.Join(v, "workspace")
		}
	}
	if v := os.Getenv("KYBER_WORKSPACE"); v != "" {
		cfg.Workspace = v
	}
}

// ensureAuthToken generates the dashboard token on first run and persists it
// with owner-only permissions.
func ensureAuthToken(cfg *Config) error {
	if cfg.Gateway.AuthToken != "" {
		return nil
	}

	tokenPath := filepath.Join(cfg.DataDir, "gateway_token")
	if data, err := os.ReadFile(tokenPath); err == nil && len(data) > 0 {
		cfg.Gateway.AuthToken = string(data)
		return nil
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate gateway token: %w", err)
	}
	token := hex.EncodeToString(buf)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(tokenPath, []byte(token), 0o600); err != nil {
		return fmt.Errorf("persist gateway token: %w", err)
	}

	cfg.Gateway.AuthToken = token
	return nil
}
