// Package config holds the bot's file-plus-env configuration. The file is
// JSON5 so operators can keep comments in it; environment variables carry
// secrets and override file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Config is the root configuration for the clawgram bot.
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Agent    AgentConfig    `json:"agent"`
	Store    StoreConfig    `json:"store"`
	Relay    RelayConfig    `json:"relay"`
}

// TelegramConfig configures the chat side. Token comes from env in
// production; AllowedChatIDs is an allowlist, empty meaning any chat.
type TelegramConfig struct {
	Token          string  `json:"token,omitempty"`
	AllowedChatIDs []int64 `json:"allowed_chat_ids,omitempty"`
	// SendRatePerSec caps outbound Telegram API calls. Telegram allows
	// roughly 30 msg/s globally and 1 msg/s per chat.
	SendRatePerSec float64 `json:"send_rate_per_sec,omitempty"`
}

// AgentConfig points at the agent server's event/RPC endpoint.
type AgentConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
	// Directory is the default project directory for new sessions; chats
	// can override it and the override persists in the store.
	Directory string `json:"directory,omitempty"`
}

// StoreConfig locates the settings database.
type StoreConfig struct {
	Path string `json:"path"`
}

// RelayConfig tunes the event-to-chat pipeline.
type RelayConfig struct {
	// BatchIntervalSeconds is the default flush pacing for tool output; 0
	// sends immediately. Per-chat overrides persist in the store.
	BatchIntervalSeconds int `json:"batch_interval_seconds"`
	// InteractionTTLSeconds bounds how long a pending menu/permission/
	// question waits for input before expiring. 0 means no expiry.
	InteractionTTLSeconds int `json:"interaction_ttl_seconds,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			SendRatePerSec: 25,
		},
		Agent: AgentConfig{
			URL: "ws://127.0.0.1:4096/event",
		},
		Store: StoreConfig{
			Path: "~/.clawgram/clawgram.db",
		},
		Relay: RelayConfig{
			BatchIntervalSeconds:  5,
			InteractionTTLSeconds: 600,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("CLAWGRAM_TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("CLAWGRAM_AGENT_URL", &c.Agent.URL)
	envStr("CLAWGRAM_AGENT_TOKEN", &c.Agent.Token)
	envStr("CLAWGRAM_AGENT_DIR", &c.Agent.Directory)
	envStr("CLAWGRAM_STORE_PATH", &c.Store.Path)
	envInt("CLAWGRAM_BATCH_INTERVAL", &c.Relay.BatchIntervalSeconds)
	envInt("CLAWGRAM_INTERACTION_TTL", &c.Relay.InteractionTTLSeconds)
}

// Validate reports the config problems a startup cannot proceed past.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token is not set (CLAWGRAM_TELEGRAM_TOKEN)")
	}
	if c.Agent.URL == "" {
		return fmt.Errorf("agent url is not set")
	}
	if c.Relay.BatchIntervalSeconds < 0 {
		return fmt.Errorf("batch_interval_seconds must be >= 0")
	}
	return nil
}

// StorePath returns the settings database path with ~ expanded.
func (c *Config) StorePath() string {
	return ExpandHome(c.Store.Path)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
