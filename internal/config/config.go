// Package config provides YAML-based configuration loading for Concierge.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level Concierge configuration, loaded from concierge.yaml.
type Config struct {
	Database      DatabaseConfig      `yaml:"database"`
	HTTP          HTTPConfig          `yaml:"http"`
	Log           LogConfig           `yaml:"log"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Collaboration CollaborationConfig `yaml:"collaboration"`
	Risk          RiskConfig          `yaml:"risk"`
	Queue         QueueConfig         `yaml:"queue"`
	Breaker       BreakerConfig       `yaml:"breaker"`
	Notify        NotifyConfig        `yaml:"notify"`
	AI            AIConfig            `yaml:"ai"`
	Sender        SenderConfig        `yaml:"sender"`
	Maintenance   MaintenanceConfig   `yaml:"maintenance"`
	QA            []QAConfig          `yaml:"qa"`
}

// DatabaseConfig selects and addresses the backing store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file
}

// HTTPConfig holds webhook/admin API listener settings.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level string `yaml:"level"` // "debug", "info"
}

// ChatPolicy controls how low-value chat intents are answered.
type ChatPolicy struct {
	Mode        string  `yaml:"mode"` // "none", "probability", "fixed", "ai"
	Probability float64 `yaml:"probability"`
	FixedText   string  `yaml:"fixed_text"`
}

// PipelineConfig holds decision pipeline settings.
type PipelineConfig struct {
	BotName        string        `yaml:"bot_name"`
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`
	ContextTurns   int           `yaml:"context_turns"`
	SessionTTL     time.Duration `yaml:"session_ttl"`
	Workers        int           `yaml:"workers"`
	StaffUserIDs   []string      `yaml:"staff_user_ids"`
	AdminUserIDs   []string      `yaml:"admin_user_ids"`
	RiskReply      string        `yaml:"risk_reply"`
	ChatPolicy     ChatPolicy    `yaml:"chat_policy"`
}

// CollaborationConfig holds staff/AI arbitration settings.
type CollaborationConfig struct {
	InactivityThreshold time.Duration `yaml:"inactivity_threshold"`
}

// RiskConfig holds escalation monitor settings.
type RiskConfig struct {
	CheckInterval        time.Duration `yaml:"check_interval"`
	Duration             time.Duration `yaml:"duration"`
	RelevanceThreshold   float64       `yaml:"relevance_threshold"`
	HandlingKeywords     []string      `yaml:"handling_keywords"`
	SatisfiedKeywords    []string      `yaml:"satisfied_keywords"`
	DissatisfiedKeywords []string      `yaml:"dissatisfied_keywords"`
	EscalationKeywords   []string      `yaml:"escalation_keywords"`
}

// QueueConfig holds outbound command queue settings.
type QueueConfig struct {
	Workers       int           `yaml:"workers"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffCap    time.Duration `yaml:"backoff_cap"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	LockTimeout   time.Duration `yaml:"lock_timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
}

// NotifyConfig selects escalation notification sinks.
type NotifyConfig struct {
	Slack     SlackConfig     `yaml:"slack"`
	Discord   DiscordConfig   `yaml:"discord"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// SlackConfig holds Slack notification settings.
type SlackConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// DiscordConfig holds Discord notification settings.
type DiscordConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// WebSocketConfig toggles the dashboard escalation feed.
type WebSocketConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AIConfig selects the classification/reply provider.
type AIConfig struct {
	Provider string        `yaml:"provider"` // "keyword" or "gemini"
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SenderConfig configures the outbound bot API.
type SenderConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	DryRun  bool          `yaml:"dry_run"`
}

// MaintenanceConfig holds 5-field cron expressions for housekeeping jobs.
// The expression "off" disables a job.
type MaintenanceConfig struct {
	ExpireSessions   string `yaml:"expire_sessions"`
	PurgeIdempotency string `yaml:"purge_idempotency"`
	ReapLocks        string `yaml:"reap_locks"`
	ReleaseStaff     string `yaml:"release_staff"`
}

// QAConfig seeds one canned answer.
type QAConfig struct {
	Scope    string `yaml:"scope"`
	Question string `yaml:"question"`
	Answer   string `yaml:"answer"`
}

// Load reads an optional .env file next to the process, then the YAML
// config file at path, applies environment overrides, and validates.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse unmarshals YAML bytes into a validated Config. Environment
// overrides are not applied.
func Parse(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv overlays secrets and endpoints from the environment.
func (c *Config) applyEnv(getenv func(string) string) {
	overrides := []struct {
		key string
		dst *string
	}{
		{"CONCIERGE_DB_PASSWORD", &c.Database.Password},
		{"CONCIERGE_SLACK_BOT_TOKEN", &c.Notify.Slack.BotToken},
		{"CONCIERGE_DISCORD_BOT_TOKEN", &c.Notify.Discord.BotToken},
		{"CONCIERGE_GEMINI_API_KEY", &c.AI.APIKey},
		{"CONCIERGE_WORKTOOL_BASE_URL", &c.Sender.BaseURL},
	}
	for _, o := range overrides {
		if v := getenv(o.key); v != "" {
			*o.dst = v
		}
	}
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Driver == "mysql" {
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Name == "" {
			c.Database.Name = "concierge"
		}
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		c.Database.Path = "concierge.db"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	p := &c.Pipeline
	if p.BotName == "" {
		p.BotName = "concierge"
	}
	if p.IdempotencyTTL == 0 {
		p.IdempotencyTTL = time.Hour
	}
	if p.ContextTurns == 0 {
		p.ContextTurns = 10
	}
	if p.SessionTTL == 0 {
		p.SessionTTL = 24 * time.Hour
	}
	if p.Workers == 0 {
		p.Workers = 16
	}
	if p.RiskReply == "" {
		p.RiskReply = "非常抱歉给您带来不好的体验，我们已经通知专人跟进，请稍候。"
	}
	if p.ChatPolicy.Mode == "" {
		p.ChatPolicy.Mode = "ai"
	}

	if c.Collaboration.InactivityThreshold == 0 {
		c.Collaboration.InactivityThreshold = 10 * time.Minute
	}

	r := &c.Risk
	if r.CheckInterval == 0 {
		r.CheckInterval = 5 * time.Second
	}
	if r.Duration == 0 {
		r.Duration = 300 * time.Second
	}
	if r.RelevanceThreshold == 0 {
		r.RelevanceThreshold = 0.7
	}

	q := &c.Queue
	if q.Workers == 0 {
		q.Workers = 2
	}
	if q.PollInterval == 0 {
		q.PollInterval = time.Second
	}
	if q.MaxRetries == 0 {
		q.MaxRetries = 3
	}
	if q.BackoffBase == 0 {
		q.BackoffBase = time.Second
	}
	if q.BackoffCap == 0 {
		q.BackoffCap = 5 * time.Minute
	}
	if q.SendTimeout == 0 {
		q.SendTimeout = 10 * time.Second
	}
	if q.LockTimeout == 0 {
		q.LockTimeout = 2 * time.Minute
	}
	if q.RatePerSecond == 0 {
		q.RatePerSecond = 5
	}
	if q.Burst == 0 {
		q.Burst = 10
	}

	b := &c.Breaker
	if b.FailureThreshold == 0 {
		b.FailureThreshold = 5
	}
	if b.RecoveryTimeout == 0 {
		b.RecoveryTimeout = 30 * time.Second
	}
	if b.SuccessThreshold == 0 {
		b.SuccessThreshold = 2
	}

	if c.AI.Provider == "" {
		c.AI.Provider = "keyword"
	}
	if c.AI.Model == "" {
		c.AI.Model = "gemini-2.0-flash"
	}
	if c.AI.Timeout == 0 {
		c.AI.Timeout = 8 * time.Second
	}
	if c.Sender.Timeout == 0 {
		c.Sender.Timeout = 10 * time.Second
	}

	m := &c.Maintenance
	if m.ExpireSessions == "" {
		m.ExpireSessions = "*/10 * * * *"
	}
	if m.PurgeIdempotency == "" {
		m.PurgeIdempotency = "*/30 * * * *"
	}
	if m.ReapLocks == "" {
		m.ReapLocks = "* * * * *"
	}
	if m.ReleaseStaff == "" {
		m.ReleaseStaff = "* * * * *"
	}

	for i := range c.QA {
		if c.QA[i].Scope == "" {
			c.QA[i].Scope = "global"
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q must be mysql or sqlite", c.Database.Driver))
	}
	switch c.Pipeline.ChatPolicy.Mode {
	case "none", "probability", "fixed", "ai":
	default:
		errs = append(errs, fmt.Sprintf("pipeline.chat_policy.mode %q is invalid", c.Pipeline.ChatPolicy.Mode))
	}
	if pr := c.Pipeline.ChatPolicy.Probability; pr < 0 || pr > 1 {
		errs = append(errs, "pipeline.chat_policy.probability must be within [0, 1]")
	}
	if c.Pipeline.ChatPolicy.Mode == "fixed" && c.Pipeline.ChatPolicy.FixedText == "" {
		errs = append(errs, "pipeline.chat_policy.fixed_text is required for fixed mode")
	}
	if c.Risk.Duration < c.Risk.CheckInterval {
		errs = append(errs, "risk.duration must be at least risk.check_interval")
	}
	if t := c.Risk.RelevanceThreshold; t <= 0 || t > 1 {
		errs = append(errs, "risk.relevance_threshold must be within (0, 1]")
	}
	if c.Queue.MaxRetries < 0 {
		errs = append(errs, "queue.max_retries must not be negative")
	}
	if c.Queue.BackoffCap < c.Queue.BackoffBase {
		errs = append(errs, "queue.backoff_cap must be at least queue.backoff_base")
	}
	switch c.AI.Provider {
	case "keyword":
	case "gemini":
		if c.AI.APIKey == "" {
			errs = append(errs, "ai.api_key is required for the gemini provider")
		}
	default:
		errs = append(errs, fmt.Sprintf("ai.provider %q must be keyword or gemini", c.AI.Provider))
	}
	if !c.Sender.DryRun && c.Sender.BaseURL == "" {
		errs = append(errs, "sender.base_url is required unless sender.dry_run is set")
	}
	if s := c.Notify.Slack; s.Enabled && (s.BotToken == "" || s.ChannelID == "") {
		errs = append(errs, "notify.slack requires bot_token and channel_id")
	}
	if d := c.Notify.Discord; d.Enabled && (d.BotToken == "" || d.ChannelID == "") {
		errs = append(errs, "notify.discord requires bot_token and channel_id")
	}
	for i, qa := range c.QA {
		if qa.Question == "" || qa.Answer == "" {
			errs = append(errs, fmt.Sprintf("qa[%d] requires question and answer", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
