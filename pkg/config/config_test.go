package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.GitHub.Token = "ghp_test"
	cfg.GitHub.WebhookSecret = "secret"
	cfg.Jira.BaseURL = "https://acme.atlassian.net/"
	cfg.Jira.Email = "bot@acme.io"
	cfg.Jira.APIToken = "jira-token"
	cfg.AI.APIKey = "ai-key"
	return cfg
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: ":9090"
github:
  repo: acme/api
  token: from-file
rate_limit:
  max_calls: 5
  window_s: 30
jira:
  transitions:
    pull_request_merged: Done
`), 0o600))

	t.Setenv("GITHUB_TOKEN", "from-env")
	t.Setenv("JIRA_PROJECT_KEY", "ACME")
	t.Setenv("DEVSYNC_AI_RATE_LIMIT_CALLS", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Listen)
	require.Equal(t, "acme/api", cfg.GitHub.Repo)
	require.Equal(t, "from-env", cfg.GitHub.Token)
	require.Equal(t, "ACME", cfg.Jira.ProjectKey)
	require.Equal(t, 5, cfg.RateLimit.MaxCalls)
	require.Equal(t, 30, cfg.RateLimit.WindowS)
	require.Equal(t, 3, cfg.AI.MaxCalls)
	require.Equal(t, "Done", cfg.Jira.Transitions.PullRequestMerged)
	require.Equal(t, "In Progress", cfg.Jira.Transitions.BranchCreated)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, 100, cfg.RateLimit.MaxCalls)
	require.Equal(t, 60, cfg.RateLimit.WindowS)
	require.Equal(t, 10, cfg.AI.MaxCalls)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unclosed"), 0o600))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no secret", mutate: func(c *Config) { c.GitHub.WebhookSecret = "" }, wantErr: ErrMissingWebhookSecret},
		{name: "no github token", mutate: func(c *Config) { c.GitHub.Token = "" }, wantErr: ErrMissingGitHubToken},
		{name: "no jira email", mutate: func(c *Config) { c.Jira.Email = "" }, wantErr: ErrMissingJira},
		{name: "no ai key", mutate: func(c *Config) { c.AI.APIKey = "" }, wantErr: ErrMissingAIKey},
		{name: "zero calls", mutate: func(c *Config) { c.RateLimit.MaxCalls = 0 }, wantErr: ErrInvalidRateLimit},
		{name: "zero window", mutate: func(c *Config) { c.RateLimit.WindowS = 0 }, wantErr: ErrInvalidRateLimit},
		{name: "zero ai window", mutate: func(c *Config) { c.AI.WindowS = -1 }, wantErr: ErrInvalidAIRateLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateRejectsBareRepoName(t *testing.T) {
	cfg := validConfig()
	cfg.GitHub.Repo = "api"
	var cfgErr *Error
	require.ErrorAs(t, cfg.Validate(), &cfgErr)
}

func TestValidateNormalises(t *testing.T) {
	cfg := validConfig()
	cfg.Retry.InitialMs = 0
	cfg.Retry.MaxMs = 10
	cfg.Tracing.SampleRatio = 4
	cfg.Deliveries.RetentionH = 0
	require.NoError(t, cfg.Validate())
	require.Equal(t, "https://acme.atlassian.net", cfg.Jira.BaseURL)
	require.Equal(t, 500, cfg.Retry.InitialMs)
	require.Equal(t, 500, cfg.Retry.MaxMs)
	require.Equal(t, float64(1), cfg.Tracing.SampleRatio)
	require.Equal(t, 72, cfg.Deliveries.RetentionH)
}
