package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brycewcole/capsule-agents-sub000/internal/otel"
)

const (
	DefaultBindAddr          = "127.0.0.1:8080"
	DefaultMaxSteps          = 10
	DefaultHeartbeatInterval = 20 * time.Second
	DefaultHookTimeout       = 10 * time.Second
)

// DefaultBackoffDelays is used when a schedule enables backoff without
// listing delays.
var DefaultBackoffDelays = []int{60, 300, 900}

// ProviderConfig holds per-provider model settings.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint for openai_compatible
}

// LLMConfig selects the model used for turns and heartbeat summaries.
type LLMConfig struct {
	// Provider is one of "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	// SummaryModel is used for heartbeat narration; empty reuses Model.
	SummaryModel string `yaml:"summary_model"`
}

// AgentConfig describes the single agent this process serves.
type AgentConfig struct {
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Version      string `yaml:"version"`
	PublicURL    string `yaml:"public_url"`
	SystemPrompt string `yaml:"system_prompt"`

	// MaxSteps bounds model/tool round trips per turn.
	MaxSteps int `yaml:"max_steps"`
	// HeartbeatIntervalSeconds is how often a working task gets a progress
	// narration. 0 uses the default, negative disables heartbeats.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	// IncludeTaskHistory feeds messages owned by earlier tasks back to the model.
	IncludeTaskHistory bool `yaml:"include_task_history"`
}

// HeartbeatInterval returns the effective heartbeat period (0 = disabled).
func (a AgentConfig) HeartbeatInterval() time.Duration {
	switch {
	case a.HeartbeatIntervalSeconds < 0:
		return 0
	case a.HeartbeatIntervalSeconds == 0:
		return DefaultHeartbeatInterval
	default:
		return time.Duration(a.HeartbeatIntervalSeconds) * time.Second
	}
}

// RemoteAgentConfig is a peer A2A agent exposed to the model as a tool.
type RemoteAgentConfig struct {
	Name        string `yaml:"name"`
	URL         string `yaml:"url"`
	Description string `yaml:"description"`
	Token       string `yaml:"token"`
}

type ToolsConfig struct {
	WebSearch    bool                `yaml:"web_search"`
	Workspace    string              `yaml:"workspace"`
	RemoteAgents []RemoteAgentConfig `yaml:"remote_agents"`
	// MaxAgentHops stops remote agent calls from recursing indefinitely.
	MaxAgentHops int `yaml:"max_agent_hops"`
}

// HookConfig is one completion hook. The same shape is used in config.yaml,
// in context metadata under "hooks", and on schedules.
type HookConfig struct {
	// Type is one of "webhook", "redis", "rabbitmq", "telegram".
	Type    string `yaml:"type" json:"type"`
	Enabled *bool  `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	Channel    string `yaml:"channel,omitempty" json:"channel,omitempty"`
	Exchange   string `yaml:"exchange,omitempty" json:"exchange,omitempty"`
	RoutingKey string `yaml:"routing_key,omitempty" json:"routing_key,omitempty"`
	ChatID     int64  `yaml:"chat_id,omitempty" json:"chat_id,omitempty"`

	TimeoutSeconds int `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// IsEnabled treats an unset flag as enabled.
func (h HookConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// Timeout returns the per-delivery deadline.
func (h HookConfig) Timeout() time.Duration {
	if h.TimeoutSeconds > 0 {
		return time.Duration(h.TimeoutSeconds) * time.Second
	}
	return DefaultHookTimeout
}

// BackoffConfig delays the next scheduled run after consecutive failures.
type BackoffConfig struct {
	Enabled       bool  `yaml:"enabled" json:"enabled"`
	DelaysSeconds []int `yaml:"delays_seconds,omitempty" json:"delays_seconds,omitempty"`
}

// Delay returns the wait after the given number of consecutive failures.
func (b BackoffConfig) Delay(failures int) time.Duration {
	if !b.Enabled || failures <= 0 {
		return 0
	}
	delays := b.DelaysSeconds
	if len(delays) == 0 {
		delays = DefaultBackoffDelays
	}
	idx := failures - 1
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	return time.Duration(delays[idx]) * time.Second
}

// ScheduleConfig declares a schedule imported by name at startup.
type ScheduleConfig struct {
	Name      string        `yaml:"name"`
	Prompt    string        `yaml:"prompt"`
	Cron      string        `yaml:"cron"`
	Enabled   *bool         `yaml:"enabled,omitempty"`
	ContextID string        `yaml:"context_id,omitempty"`
	Backoff   BackoffConfig `yaml:"backoff"`
	Hooks     []HookConfig  `yaml:"hooks,omitempty"`
}

type AuthConfig struct {
	// Token is a static bearer token. Empty disables static auth.
	Token string `yaml:"token"`
	// JWTSecret enables HS256 bearer JWTs.
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`
}

// Enabled reports whether any auth scheme is configured.
func (a AuthConfig) Enabled() bool {
	return a.Token != "" || a.JWTSecret != ""
}

// RateLimitConfig bounds requests per client on the gateway.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type TelegramConfig struct {
	Token         string `yaml:"token"`
	DefaultChatID int64  `yaml:"default_chat_id"`
}

// LogFileConfig bounds the rotated JSONL log under <home>/logs.
type LogFileConfig struct {
	MaxSizeMB  int  `yaml:"max_size_mb"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAgeDays int  `yaml:"max_age_days"`
	Compress   bool `yaml:"compress"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	// LogLevel is applied again on every config reload.
	LogLevel string        `yaml:"log_level"`
	LogFile  LogFileConfig `yaml:"log_file"`
	DBPath   string        `yaml:"db_path"`

	Agent AgentConfig `yaml:"agent"`
	LLM   LLMConfig   `yaml:"llm"`

	// Providers holds per-provider credentials and endpoints.
	Providers map[string]ProviderConfig `yaml:"providers"`

	// APIKeys holds keys for tools. Env vars override: BRAVE_API_KEY -> api_keys["brave_search"].
	APIKeys map[string]string `yaml:"api_keys"`

	// PreferredSearch names the search provider to try first.
	PreferredSearch string `yaml:"preferred_search"`

	Tools     ToolsConfig      `yaml:"tools"`
	Auth      AuthConfig       `yaml:"auth"`
	Hooks     []HookConfig     `yaml:"hooks"`
	Schedules []ScheduleConfig `yaml:"schedules"`

	// AllowOrigins is the CORS allow-list. Empty allows any origin.
	AllowOrigins []string `yaml:"allow_origins"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Telegram TelegramConfig `yaml:"telegram"`
	OTel     otel.Config    `yaml:"otel"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// SOUL overrides Agent.SystemPrompt when SOUL.md exists in the home dir.
	SOUL string `yaml:"-"`
}

// APIKey returns the value for the named API key, checking env overrides first.
func (c Config) APIKey(name string) string {
	envMap := map[string]string{
		"brave_search": "BRAVE_API_KEY",
	}
	if envVar, ok := envMap[name]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.APIKeys != nil {
		return c.APIKeys[name]
	}
	return ""
}

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":            "GEMINI_API_KEY",
		"anthropic":         "ANTHROPIC_API_KEY",
		"openai":            "OPENAI_API_KEY",
		"openai_compatible": "OPENAI_COMPATIBLE_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// SystemPrompt returns SOUL.md when present, else agent.system_prompt.
func (c Config) SystemPrompt() string {
	if strings.TrimSpace(c.SOUL) != "" {
		return c.SOUL
	}
	return c.Agent.SystemPrompt
}

// soulFile, when present in the home dir, replaces agent.system_prompt.
const soulFile = "SOUL.md"

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that require a restart.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|db=%s|provider=%s|model=%s|origins=%v|steps=%d",
		c.BindAddr, c.DBPath, c.LLM.Provider, c.LLM.Model, c.AllowOrigins, c.Agent.MaxSteps)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: DefaultBindAddr,
		LogLevel: "info",
		Agent: AgentConfig{
			Name:         "Capsule Agent",
			Description:  "A configurable agent reachable over A2A",
			Version:      "0.3.0",
			SystemPrompt: "You are a helpful assistant. Use the available tools when they help answer the user.",
			MaxSteps:     DefaultMaxSteps,
		},
		LLM: LLMConfig{
			Provider: "google",
			Model:    "gemini-2.5-flash",
		},
		Tools: ToolsConfig{
			WebSearch:    true,
			MaxAgentHops: 2,
		},
		RabbitMQ: RabbitMQConfig{
			Exchange: "capsule.events",
		},
		DrainTimeoutSeconds: 5,
	}
}

// HomeDir returns CAPSULE_HOME or ~/.capsule.
func HomeDir() string {
	if override := os.Getenv("CAPSULE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".capsule")
}

// Load reads config.yaml from HomeDir, applying defaults and env overrides.
// A missing file is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create capsule home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFile.MaxSizeMB <= 0 {
		cfg.LogFile.MaxSizeMB = 50
	}
	if cfg.LogFile.MaxBackups <= 0 {
		cfg.LogFile.MaxBackups = 5
	}
	if cfg.LogFile.MaxAgeDays <= 0 {
		cfg.LogFile.MaxAgeDays = 30
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "capsule.db")
	}
	if cfg.Agent.MaxSteps <= 0 {
		cfg.Agent.MaxSteps = DefaultMaxSteps
	}
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" {
		switch cfg.LLM.Provider {
		case "anthropic":
			cfg.LLM.Model = "claude-sonnet-4-5"
		case "openai", "openai_compatible":
			cfg.LLM.Model = "gpt-4o-mini"
		default:
			cfg.LLM.Model = "gemini-2.5-flash"
		}
	}
	if cfg.Tools.MaxAgentHops <= 0 {
		cfg.Tools.MaxAgentHops = 2
	}
	if strings.TrimSpace(cfg.Tools.Workspace) == "" {
		cfg.Tools.Workspace = filepath.Join(cfg.HomeDir, "workspace")
	}
	if cfg.RabbitMQ.Exchange == "" {
		cfg.RabbitMQ.Exchange = "capsule.events"
	}
	for i := range cfg.Hooks {
		cfg.Hooks[i].Type = strings.ToLower(strings.TrimSpace(cfg.Hooks[i].Type))
	}
}

func validate(cfg Config) error {
	seen := make(map[string]bool, len(cfg.Schedules))
	for i, sc := range cfg.Schedules {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			return fmt.Errorf("schedules[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("schedules[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
		if strings.TrimSpace(sc.Cron) == "" {
			return fmt.Errorf("schedule %q: cron is required", name)
		}
		if strings.TrimSpace(sc.Prompt) == "" {
			return fmt.Errorf("schedule %q: prompt is required", name)
		}
	}
	for i, h := range cfg.Hooks {
		if err := ValidateHook(h); err != nil {
			return fmt.Errorf("hooks[%d]: %w", i, err)
		}
	}
	return nil
}

// ValidateHook checks that a hook carries the fields its type needs.
func ValidateHook(h HookConfig) error {
	switch strings.ToLower(h.Type) {
	case "webhook":
		if h.URL == "" {
			return fmt.Errorf("webhook hook requires url")
		}
	case "redis":
		if h.Channel == "" {
			return fmt.Errorf("redis hook requires channel")
		}
	case "rabbitmq", "telegram":
	default:
		return fmt.Errorf("unknown hook type %q", h.Type)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CAPSULE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CAPSULE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CAPSULE_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CAPSULE_AUTH_TOKEN"); raw != "" {
		cfg.Auth.Token = raw
	}
	if raw := os.Getenv("CAPSULE_JWT_SECRET"); raw != "" {
		cfg.Auth.JWTSecret = raw
	}
	if raw := os.Getenv("CAPSULE_MAX_STEPS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Agent.MaxSteps = v
		}
	}
	if raw := os.Getenv("CAPSULE_HEARTBEAT_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Agent.HeartbeatIntervalSeconds = v
		}
	}
	if raw := os.Getenv("CAPSULE_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("CAPSULE_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	if raw := os.Getenv("BRAVE_API_KEY"); raw != "" {
		if cfg.APIKeys == nil {
			cfg.APIKeys = make(map[string]string)
		}
		cfg.APIKeys["brave_search"] = raw
	}
	if raw := os.Getenv("REDIS_ADDR"); raw != "" {
		cfg.Redis.Addr = raw
	}
	if raw := os.Getenv("RABBITMQ_URL"); raw != "" {
		cfg.RabbitMQ.URL = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}

func loadTextFiles(cfg *Config) {
	soulPath := filepath.Join(cfg.HomeDir, soulFile)
	if b, err := os.ReadFile(soulPath); err == nil {
		cfg.SOUL = string(b)
	}
}
