package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	configPathEnv    = "FEEDSYNC_CONFIG"
	statePathEnv     = "FEEDSYNC_STATE_PATH"
	triageAPIKeyEnv  = "TRIAGE_API_KEY"
	triageModelEnv   = "TRIAGE_MODEL"
	storeAPIKeyEnv   = "STORE_API_KEY"
	storeEndpointEnv = "STORE_ENDPOINT"
	telegramTokenEnv = "TELEGRAM_BOT_TOKEN"
	telegramChatEnv  = "TELEGRAM_CHAT_ID"
)

// Config holds high-level settings required across the application.
type Config struct {
	Feeds         []FeedConfig       `yaml:"feeds"`
	Sync          SyncConfig         `yaml:"sync"`
	Triage        TriageConfig       `yaml:"triage"`
	Store         StoreConfig        `yaml:"store"`
	Retention     RetentionConfig    `yaml:"retention"`
	Quality       QualityConfig      `yaml:"quality"`
	State         StateConfig        `yaml:"state"`
	Notifications NotificationConfig `yaml:"notifications"`
	Logging       LoggingConfig      `yaml:"logging"`
}

// FeedConfig describes one content feed.
type FeedConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// SyncConfig tunes the run: pool sizes, filters and pacing.
type SyncConfig struct {
	FetchConcurrency     int  `yaml:"fetchConcurrency"`
	AIConcurrency        int  `yaml:"aiConcurrency"`
	BatchSize            int  `yaml:"batchSize"`
	MaxAgeDays           int  `yaml:"maxAgeDays"`
	MaxItemsPerRun       int  `yaml:"maxItemsPerRun"`
	CheckLinks           bool `yaml:"checkLinks"`
	LinkTimeoutSeconds   int  `yaml:"linkTimeoutSeconds"`
	PublishDelayMS       int  `yaml:"publishDelayMs"`
	MaxRetries           int  `yaml:"maxRetries"`
	BaseDelayMS          int  `yaml:"baseDelayMs"`
	GlobalTimeoutMinutes int  `yaml:"globalTimeoutMinutes"`
}

// LinkTimeout resolves the per-request link-check timeout.
func (s SyncConfig) LinkTimeout() time.Duration {
	if s.LinkTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.LinkTimeoutSeconds) * time.Second
}

// PublishDelay resolves the inter-item publish pause.
func (s SyncConfig) PublishDelay() time.Duration {
	return time.Duration(s.PublishDelayMS) * time.Millisecond
}

// BaseDelay resolves the conflict-backoff seed.
func (s SyncConfig) BaseDelay() time.Duration {
	if s.BaseDelayMS <= 0 {
		return time.Second
	}
	return time.Duration(s.BaseDelayMS) * time.Millisecond
}

// GlobalTimeout resolves the process-wide deadline; 0 disables it.
func (s SyncConfig) GlobalTimeout() time.Duration {
	return time.Duration(s.GlobalTimeoutMinutes) * time.Minute
}

// TriageConfig defines how to contact the remote classification service.
type TriageConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"apiKey"`
	SystemPrompt string `yaml:"systemPrompt"`
}

// StoreConfig describes the remote record store connection.
type StoreConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"apiKey"`
	Collection string `yaml:"collection"`
}

// RetentionConfig tunes the maintenance sweeps over the remote store.
type RetentionConfig struct {
	Days     int `yaml:"days"`
	HardCap  int `yaml:"hardCap"`
	PageSize int `yaml:"pageSize"`
}

// QualityConfig tunes the feed quality feedback loop.
type QualityConfig struct {
	MinSample int     `yaml:"minSample"`
	Threshold float64 `yaml:"threshold"`
}

// StateConfig locates the persisted dedup/quality state file.
type StateConfig struct {
	Path string `yaml:"path"`
}

// NotificationConfig encapsulates outbound channels (Telegram, etc.).
type NotificationConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
}

// LoggingConfig selects the console log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads YAML configuration (if present) and applies environment overrides.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

// Validate reports fatal configuration problems. Called at startup, before
// any network activity.
func (c Config) Validate() error {
	if len(c.Feeds) == 0 {
		return fmt.Errorf("no feeds configured")
	}
	for _, f := range c.Feeds {
		if f.URL == "" {
			return fmt.Errorf("feed %q has no url", f.Name)
		}
	}
	if c.Store.Endpoint == "" {
		return fmt.Errorf("store endpoint is required")
	}
	if c.Store.APIKey == "" {
		return fmt.Errorf("store api key is required")
	}
	if c.Store.Collection == "" {
		return fmt.Errorf("store collection is required")
	}
	if c.Triage.Enabled && c.Triage.APIKey == "" {
		return fmt.Errorf("triage is enabled but no api key is configured")
	}
	if c.State.Path == "" {
		return fmt.Errorf("state path is required")
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(statePathEnv); v != "" {
		c.State.Path = v
	}
	if v := os.Getenv(triageAPIKeyEnv); v != "" {
		c.Triage.APIKey = v
	}
	if v := os.Getenv(triageModelEnv); v != "" {
		c.Triage.Model = v
	}
	if v := os.Getenv(storeAPIKeyEnv); v != "" {
		c.Store.APIKey = v
	}
	if v := os.Getenv(storeEndpointEnv); v != "" {
		c.Store.Endpoint = v
	}
	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Notifications.Telegram.BotToken = v
	}
	if v := os.Getenv(telegramChatEnv); v != "" {
		c.Notifications.Telegram.ChatID = v
	}
}

func mergeConfig(base, override Config) Config {
	if len(override.Feeds) > 0 {
		base.Feeds = override.Feeds
	}

	if override.Sync.FetchConcurrency > 0 {
		base.Sync.FetchConcurrency = override.Sync.FetchConcurrency
	}
	if override.Sync.AIConcurrency > 0 {
		base.Sync.AIConcurrency = override.Sync.AIConcurrency
	}
	if override.Sync.BatchSize > 0 {
		base.Sync.BatchSize = override.Sync.BatchSize
	}
	if override.Sync.MaxAgeDays > 0 {
		base.Sync.MaxAgeDays = override.Sync.MaxAgeDays
	}
	if override.Sync.MaxItemsPerRun > 0 {
		base.Sync.MaxItemsPerRun = override.Sync.MaxItemsPerRun
	}
	if override.Sync.CheckLinks {
		base.Sync.CheckLinks = true
	}
	if override.Sync.LinkTimeoutSeconds > 0 {
		base.Sync.LinkTimeoutSeconds = override.Sync.LinkTimeoutSeconds
	}
	if override.Sync.PublishDelayMS > 0 {
		base.Sync.PublishDelayMS = override.Sync.PublishDelayMS
	}
	if override.Sync.MaxRetries > 0 {
		base.Sync.MaxRetries = override.Sync.MaxRetries
	}
	if override.Sync.BaseDelayMS > 0 {
		base.Sync.BaseDelayMS = override.Sync.BaseDelayMS
	}
	if override.Sync.GlobalTimeoutMinutes > 0 {
		base.Sync.GlobalTimeoutMinutes = override.Sync.GlobalTimeoutMinutes
	}

	if override.Triage.Enabled {
		base.Triage.Enabled = true
	}
	if override.Triage.Endpoint != "" {
		base.Triage.Endpoint = override.Triage.Endpoint
	}
	if override.Triage.Model != "" {
		base.Triage.Model = override.Triage.Model
	}
	if override.Triage.APIKey != "" {
		base.Triage.APIKey = override.Triage.APIKey
	}
	if override.Triage.SystemPrompt != "" {
		base.Triage.SystemPrompt = override.Triage.SystemPrompt
	}

	if override.Store.Endpoint != "" {
		base.Store.Endpoint = override.Store.Endpoint
	}
	if override.Store.APIKey != "" {
		base.Store.APIKey = override.Store.APIKey
	}
	if override.Store.Collection != "" {
		base.Store.Collection = override.Store.Collection
	}

	if override.Retention.Days > 0 {
		base.Retention.Days = override.Retention.Days
	}
	if override.Retention.HardCap > 0 {
		base.Retention.HardCap = override.Retention.HardCap
	}
	if override.Retention.PageSize > 0 {
		base.Retention.PageSize = override.Retention.PageSize
	}

	if override.Quality.MinSample > 0 {
		base.Quality.MinSample = override.Quality.MinSample
	}
	if override.Quality.Threshold > 0 {
		base.Quality.Threshold = override.Quality.Threshold
	}

	if override.State.Path != "" {
		base.State.Path = override.State.Path
	}

	if override.Notifications.Telegram.BotToken != "" {
		base.Notifications.Telegram.BotToken = override.Notifications.Telegram.BotToken
	}
	if override.Notifications.Telegram.ChatID != "" {
		base.Notifications.Telegram.ChatID = override.Notifications.Telegram.ChatID
	}

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}

	return base
}

func defaultConfig() Config {
	return Config{
		Sync: SyncConfig{
			FetchConcurrency:     5,
			AIConcurrency:        2,
			BatchSize:            10,
			MaxAgeDays:           30,
			LinkTimeoutSeconds:   10,
			PublishDelayMS:       350,
			MaxRetries:           3,
			BaseDelayMS:          1000,
			GlobalTimeoutMinutes: 30,
		},
		Triage: TriageConfig{
			Endpoint: "https://api.openai.com/v1/chat/completions",
			Model:    "gpt-4o-mini",
		},
		Retention: RetentionConfig{
			Days:     90,
			HardCap:  500,
			PageSize: 100,
		},
		Quality: QualityConfig{
			MinSample: 20,
			Threshold: 0.1,
		},
		State:   StateConfig{Path: "feedsync-state.json"},
		Logging: LoggingConfig{Level: "info"},
	}
}
