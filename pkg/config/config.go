package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Env        string           `yaml:"env"`
	Server     ServerConfig     `yaml:"server"`
	GitHub     GitHubConfig     `yaml:"github"`
	Jira       JiraConfig       `yaml:"jira"`
	AI         AIConfig         `yaml:"ai"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Retry      RetryConfig      `yaml:"retry"`
	Deliveries DeliveriesConfig `yaml:"deliveries"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type ServerConfig struct {
	Listen         string   `yaml:"listen"`
	AdminToken     string   `yaml:"admin_token"`
	TrustedProxies []string `yaml:"trusted_proxies"`
	ShutdownS      int      `yaml:"shutdown_timeout_s"`
}

type GitHubConfig struct {
	Token         string `yaml:"token"`
	Repo          string `yaml:"repo"`
	WebhookSecret string `yaml:"webhook_secret"`
	BaseURL       string `yaml:"base_url"`
	TimeoutS      int    `yaml:"timeout_s"`
}

type JiraConfig struct {
	BaseURL     string            `yaml:"base_url"`
	Email       string            `yaml:"email"`
	APIToken    string            `yaml:"api_token"`
	ProjectKey  string            `yaml:"project_key"`
	TimeoutS    int               `yaml:"timeout_s"`
	Transitions TransitionsConfig `yaml:"transitions"`
}

// TransitionsConfig names the Jira status each GitHub event moves an issue to.
type TransitionsConfig struct {
	BranchCreated     string `yaml:"branch_created"`
	PullRequestOpened string `yaml:"pull_request_opened"`
	PullRequestMerged string `yaml:"pull_request_merged"`
}

type AIConfig struct {
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	TimeoutS int    `yaml:"timeout_s"`
	MaxCalls int    `yaml:"max_calls"`
	WindowS  int    `yaml:"window_s"`
}

// RateLimitConfig bounds inbound webhook traffic per client address.
type RateLimitConfig struct {
	MaxCalls int `yaml:"max_calls"`
	WindowS  int `yaml:"window_s"`
	// SweepIntervalS > 0 periodically forgets idle keys.
	SweepIntervalS int `yaml:"sweep_interval_s"`
}

type RetryConfig struct {
	InitialMs  int `yaml:"initial_ms"`
	MaxMs      int `yaml:"max_ms"`
	MaxRetries int `yaml:"max_attempts"`
}

type DeliveriesConfig struct {
	DBPath     string `yaml:"db_path"`
	RetentionH int    `yaml:"retention_h"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

type MetricsConfig struct {
	Stdout    bool `yaml:"stdout"`
	IntervalS int  `yaml:"interval_s"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			Listen:    ":8080",
			ShutdownS: 10,
		},
		GitHub: GitHubConfig{
			BaseURL:  "https://api.github.com",
			TimeoutS: 15,
		},
		Jira: JiraConfig{
			TimeoutS: 15,
			Transitions: TransitionsConfig{
				BranchCreated:     "In Progress",
				PullRequestOpened: "In Review",
				PullRequestMerged: "Completed",
			},
		},
		AI: AIConfig{
			BaseURL:  "https://api.vercel.com/v1/ai",
			TimeoutS: 30,
			MaxCalls: 10,
			WindowS:  60,
		},
		RateLimit: RateLimitConfig{
			MaxCalls: 100,
			WindowS:  60,
		},
		Retry: RetryConfig{
			InitialMs:  500,
			MaxMs:      5000,
			MaxRetries: 2,
		},
		Deliveries: DeliveriesConfig{
			DBPath:     "devsync.db",
			RetentionH: 72,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			SampleRatio: 1,
		},
		Metrics: MetricsConfig{
			IntervalS: 15,
		},
	}
}

// Load reads config from file, then .env and the process environment.
// Environment values win over the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		}
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Env, "APP_ENV")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Server.Listen, "DEVSYNC_LISTEN")
	setString(&cfg.Server.AdminToken, "DEVSYNC_ADMIN_TOKEN")
	setString(&cfg.Deliveries.DBPath, "DEVSYNC_DB_PATH")

	setString(&cfg.GitHub.Token, "GITHUB_TOKEN")
	setString(&cfg.GitHub.Repo, "GITHUB_REPO")
	setString(&cfg.GitHub.WebhookSecret, "GITHUB_WEBHOOK_SECRET")

	setString(&cfg.Jira.BaseURL, "JIRA_BASE_URL")
	setString(&cfg.Jira.Email, "JIRA_EMAIL")
	setString(&cfg.Jira.APIToken, "JIRA_API_TOKEN")
	setString(&cfg.Jira.ProjectKey, "JIRA_PROJECT_KEY")

	setString(&cfg.AI.APIKey, "VERCEL_AI_API_KEY")
	setString(&cfg.AI.BaseURL, "DEVSYNC_AI_BASE_URL")

	setInt(&cfg.RateLimit.MaxCalls, "DEVSYNC_RATE_LIMIT_CALLS")
	setInt(&cfg.RateLimit.WindowS, "DEVSYNC_RATE_LIMIT_WINDOW_S")
	setInt(&cfg.AI.MaxCalls, "DEVSYNC_AI_RATE_LIMIT_CALLS")
	setInt(&cfg.AI.WindowS, "DEVSYNC_AI_RATE_LIMIT_WINDOW_S")
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// setInt ignores unparsable values; Validate reports what remains invalid.
func setInt(dst *int, key string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	if v, err := strconv.Atoi(raw); err == nil {
		*dst = v
	}
}

// Validate checks required settings and normalises optional ones.
func (c *Config) Validate() error {
	if c.GitHub.WebhookSecret == "" {
		return ErrMissingWebhookSecret
	}
	if c.GitHub.Token == "" {
		return ErrMissingGitHubToken
	}
	if c.Jira.BaseURL == "" || c.Jira.Email == "" || c.Jira.APIToken == "" {
		return ErrMissingJira
	}
	if c.AI.APIKey == "" {
		return ErrMissingAIKey
	}
	if c.RateLimit.MaxCalls < 1 || c.RateLimit.WindowS < 1 {
		return ErrInvalidRateLimit
	}
	if c.AI.MaxCalls < 1 || c.AI.WindowS < 1 {
		return ErrInvalidAIRateLimit
	}
	if c.GitHub.Repo != "" && !strings.Contains(c.GitHub.Repo, "/") {
		return &Error{"github repo must be owner/name"}
	}
	c.Jira.BaseURL = strings.TrimRight(c.Jira.BaseURL, "/")
	c.GitHub.BaseURL = strings.TrimRight(c.GitHub.BaseURL, "/")
	c.AI.BaseURL = strings.TrimRight(c.AI.BaseURL, "/")
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ShutdownS <= 0 {
		c.Server.ShutdownS = 10
	}
	if c.GitHub.TimeoutS <= 0 {
		c.GitHub.TimeoutS = 15
	}
	if c.Jira.TimeoutS <= 0 {
		c.Jira.TimeoutS = 15
	}
	if c.AI.TimeoutS <= 0 {
		c.AI.TimeoutS = 30
	}
	if c.Retry.InitialMs <= 0 {
		c.Retry.InitialMs = 500
	}
	if c.Retry.MaxMs < c.Retry.InitialMs {
		c.Retry.MaxMs = c.Retry.InitialMs
	}
	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = 0
	}
	if c.Deliveries.RetentionH <= 0 {
		c.Deliveries.RetentionH = 72
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	if c.Metrics.IntervalS <= 0 {
		c.Metrics.IntervalS = 15
	}
	return nil
}

var (
	ErrMissingWebhookSecret = &Error{"github webhook secret is required"}
	ErrMissingGitHubToken   = &Error{"github token is required"}
	ErrMissingJira          = &Error{"jira base URL, email and API token are required"}
	ErrMissingAIKey         = &Error{"AI API key is required"}
	ErrInvalidRateLimit     = &Error{"rate limit max_calls and window_s must be >= 1"}
	ErrInvalidAIRateLimit   = &Error{"AI rate limit max_calls and window_s must be >= 1"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
