// Package config loads the bot configuration: defaults, then the TOML
// file, then GRYAG_* environment overrides (env wins). Validation
// failures surface gryag.ErrConfigurationInvalid and are fatal at
// startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	gryag "github.com/ThatHunky/gryag-sub007"
)

type Config struct {
	Telegram  TelegramConfig  `toml:"telegram"`
	Gemini    GeminiConfig    `toml:"gemini"`
	Database  DatabaseConfig  `toml:"database"`
	Quota     QuotaConfig     `toml:"quota"`
	Context   ContextConfig   `toml:"context"`
	Search    SearchConfig    `toml:"search"`
	Episodes  EpisodeConfig   `toml:"episodes"`
	Facts     FactsConfig     `toml:"facts"`
	Summary   SummaryConfig   `toml:"summary"`
	Retention RetentionConfig `toml:"retention"`
	Proactive ProactiveConfig `toml:"proactive"`
	Tools     ToolsConfig     `toml:"tools"`
	Redis     RedisConfig     `toml:"redis"`
	Prompt    PromptConfig    `toml:"prompt"`
	Log       LogConfig       `toml:"log"`
	Observer  ObserverConfig  `toml:"observer"`
}

type TelegramConfig struct {
	Token string `toml:"token"`
	// BotUsername lets /command@name addressing reject commands meant
	// for other bots in the chat. Empty accepts any mention.
	BotUsername     string   `toml:"bot_username"`
	AdminUserIDs    []int64  `toml:"admin_user_ids"`
	AllowedChatIDs  []int64  `toml:"allowed_chat_ids"`
	BlockedChatIDs  []int64  `toml:"blocked_chat_ids"`
	TriggerPatterns []string `toml:"trigger_patterns"`
}

type GeminiConfig struct {
	APIKey          string   `toml:"api_key"`
	APIKeys         []string `toml:"api_keys"`
	Model           string   `toml:"model"`
	EmbedModel      string   `toml:"embed_model"`
	EmbedDimensions int      `toml:"embed_dimensions"`
	// RPMLimit paces outbound chat requests per minute across all
	// chats. 0 disables pacing.
	RPMLimit int `toml:"rpm_limit"`
}

// Keys merges the singular and plural key forms, singular first.
func (g GeminiConfig) Keys() []string {
	keys := make([]string, 0, 1+len(g.APIKeys))
	if g.APIKey != "" {
		keys = append(keys, g.APIKey)
	}
	for _, k := range g.APIKeys {
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type QuotaConfig struct {
	PerUserPerHour     int  `toml:"per_user_per_hour"`
	FeatureThrottling  bool `toml:"feature_throttling"`
	AdaptiveThrottling bool `toml:"adaptive_throttling"`
}

type ContextConfig struct {
	TokenBudget    int `toml:"token_budget"`
	ImmediateCount int `toml:"immediate_count"`
	RecentCount    int `toml:"recent_count"`
	RelevantCount  int `toml:"relevant_count"`
	FactCount      int `toml:"fact_count"`
	EpisodeCount   int `toml:"episode_count"`
}

type SearchConfig struct {
	Hybrid         bool    `toml:"hybrid"`
	Keyword        bool    `toml:"keyword"`
	TemporalBoost  bool    `toml:"temporal_boost"`
	SemanticWeight float64 `toml:"semantic_weight"`
	KeywordWeight  float64 `toml:"keyword_weight"`
	TemporalWeight float64 `toml:"temporal_weight"`
}

type EpisodeConfig struct {
	Enabled              bool    `toml:"enabled"`
	MinMessages          int     `toml:"min_messages"`
	MinImportance        float64 `toml:"min_importance"`
	WindowTimeoutSeconds int     `toml:"window_timeout_seconds"`
	WindowMaxMessages    int     `toml:"window_max_messages"`
}

type FactsConfig struct {
	// LLMExtraction enables the second extraction tier on top of the
	// rule pass.
	LLMExtraction bool `toml:"llm_extraction"`
}

type SummaryConfig struct {
	Enabled        bool `toml:"enabled"`
	Hour           int  `toml:"hour"`
	TimezoneOffset int  `toml:"timezone_offset"`
	MaxChatsPerRun int  `toml:"max_chats_per_run"`
}

type RetentionConfig struct {
	Enabled              bool `toml:"enabled"`
	Days                 int  `toml:"days"`
	PruneIntervalSeconds int  `toml:"prune_interval_seconds"`
}

type ProactiveConfig struct {
	Enabled        bool `toml:"enabled"`
	SilenceSeconds int  `toml:"silence_seconds"`
	DailyCap       int  `toml:"daily_cap"`
}

type ToolsConfig struct {
	WebSearch                 bool   `toml:"web_search"`
	WebFetch                  bool   `toml:"web_fetch"`
	Weather                   bool   `toml:"weather"`
	Currency                  bool   `toml:"currency"`
	Calculator                bool   `toml:"calculator"`
	Recall                    bool   `toml:"recall"`
	ImageGeneration           bool   `toml:"image_generation"`
	ImageGenerationDailyLimit int    `toml:"image_generation_daily_limit"`
	Sandbox                   bool   `toml:"sandbox"`
	SandboxImage              string `toml:"sandbox_image"`
}

type RedisConfig struct {
	URL string `toml:"url"`
}

type PromptConfig struct {
	PersonaPath string `toml:"persona_path"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Gemini: GeminiConfig{
			Model:           "gemini-2.5-flash",
			EmbedModel:      "gemini-embedding-001",
			EmbedDimensions: 1536,
			RPMLimit:        10,
		},
		Database: DatabaseConfig{Path: "gryag.db"},
		Quota: QuotaConfig{
			PerUserPerHour:     5,
			FeatureThrottling:  true,
			AdaptiveThrottling: true,
		},
		Context: ContextConfig{
			TokenBudget:    8000,
			ImmediateCount: 5,
			RecentCount:    30,
			RelevantCount:  10,
			FactCount:      10,
			EpisodeCount:   3,
		},
		Search: SearchConfig{
			Hybrid:         true,
			Keyword:        true,
			TemporalBoost:  true,
			SemanticWeight: 0.5,
			KeywordWeight:  0.3,
			TemporalWeight: 0.2,
		},
		Episodes: EpisodeConfig{
			Enabled:              true,
			MinMessages:          5,
			MinImportance:        0.6,
			WindowTimeoutSeconds: 1800,
			WindowMaxMessages:    50,
		},
		Facts: FactsConfig{LLMExtraction: true},
		Summary: SummaryConfig{
			Enabled:        true,
			Hour:           3,
			TimezoneOffset: 2, // Kyiv
			MaxChatsPerRun: 50,
		},
		Retention: RetentionConfig{
			Enabled:              true,
			Days:                 90,
			PruneIntervalSeconds: 3600,
		},
		Proactive: ProactiveConfig{
			SilenceSeconds: 600,
			DailyCap:       2,
		},
		Tools: ToolsConfig{
			WebSearch:                 true,
			WebFetch:                  true,
			Weather:                   true,
			Currency:                  true,
			Calculator:                true,
			Recall:                    true,
			ImageGenerationDailyLimit: 5,
			SandboxImage:              "python:3.12-alpine",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
// A missing file is fine; a malformed one is not.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "gryag.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse %s: %v", gryag.ErrConfigurationInvalid, path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv maps GRYAG_* variables onto the config. Names follow the
// flat key surface so deploys can run file-less.
func applyEnv(cfg *Config) {
	if v := os.Getenv("GRYAG_TELEGRAM_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("GRYAG_BOT_USERNAME"); v != "" {
		cfg.Telegram.BotUsername = v
	}
	if v := os.Getenv("GRYAG_GEMINI_API_KEY"); v != "" {
		cfg.Gemini.APIKey = v
	}
	if v := os.Getenv("GRYAG_GEMINI_API_KEYS"); v != "" {
		cfg.Gemini.APIKeys = splitCSV(v)
	}
	if v := os.Getenv("GRYAG_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("GRYAG_ADMIN_USER_IDS"); v != "" {
		if ids, err := splitCSVInt64(v); err == nil {
			cfg.Telegram.AdminUserIDs = ids
		}
	}
	if v := os.Getenv("GRYAG_ALLOWED_CHAT_IDS"); v != "" {
		if ids, err := splitCSVInt64(v); err == nil {
			cfg.Telegram.AllowedChatIDs = ids
		}
	}
	if v := os.Getenv("GRYAG_BLOCKED_CHAT_IDS"); v != "" {
		if ids, err := splitCSVInt64(v); err == nil {
			cfg.Telegram.BlockedChatIDs = ids
		}
	}
	if v := os.Getenv("GRYAG_PER_USER_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Quota.PerUserPerHour = n
		}
	}
	if v := os.Getenv("GRYAG_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("GRYAG_PERSONA_PATH"); v != "" {
		cfg.Prompt.PersonaPath = v
	}
	if v := os.Getenv("GRYAG_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("GRYAG_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
}

// Validate reports every problem at once so a broken deploy is fixed in
// one pass rather than one restart per key.
func (c Config) Validate() error {
	var problems []string

	if c.Telegram.Token == "" {
		problems = append(problems, "telegram.token is required")
	}
	if len(c.Gemini.Keys()) == 0 {
		problems = append(problems, "gemini.api_key or gemini.api_keys is required")
	}
	if c.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	if c.Quota.PerUserPerHour < 0 {
		problems = append(problems, "quota.per_user_per_hour must not be negative")
	}
	if c.Context.TokenBudget <= 0 {
		problems = append(problems, "context.token_budget must be positive")
	}
	if c.Search.SemanticWeight < 0 || c.Search.KeywordWeight < 0 || c.Search.TemporalWeight < 0 {
		problems = append(problems, "search weights must not be negative")
	}
	if c.Episodes.MinImportance < 0 || c.Episodes.MinImportance > 1 {
		problems = append(problems, "episodes.min_importance must be in [0,1]")
	}
	if c.Summary.Hour < 0 || c.Summary.Hour > 23 {
		problems = append(problems, "summary.hour must be in 0..23")
	}
	if c.Retention.Enabled && c.Retention.Days <= 0 {
		problems = append(problems, "retention.days must be positive when retention is enabled")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q is not one of text, json", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", gryag.ErrConfigurationInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitCSVInt64(s string) ([]int64, error) {
	parts := splitCSV(s)
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
