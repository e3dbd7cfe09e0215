package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr   string `yaml:"listen_addr"`
	RedisURL     string `yaml:"redis_url"`
	APISecretKey string `yaml:"api_secret_key"`

	GitHub    GitHubConfig     `yaml:"github"`
	GitLab    GitLabConfig     `yaml:"gitlab"`
	Timeouts  TimeoutsConfig   `yaml:"timeouts"`
	Worker    WorkerConfig     `yaml:"worker"`
	API       APIConfig        `yaml:"api"`
	Schedules []ScheduleConfig `yaml:"schedules"`
}

type GitHubConfig struct {
	APIToken string           `yaml:"api_token"`
	App      *GitHubAppConfig `yaml:"app"`
}

type GitHubAppConfig struct {
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
	// APIBaseURL overrides the GitHub API endpoint, e.g. for GHE.
	APIBaseURL string `yaml:"api_base_url"`
}

type GitLabConfig struct {
	URL      string `yaml:"url"`
	APIToken string `yaml:"api_token"`
}

type TimeoutsConfig struct {
	Clone                 time.Duration `yaml:"clone"`
	WorkerWait            time.Duration `yaml:"worker_wait"`
	Job                   time.Duration `yaml:"job"`
	JobResultTTL          time.Duration `yaml:"job_result_ttl"`
	JobPollInterval       time.Duration `yaml:"job_poll_interval"`
	ProjectStatusInterval time.Duration `yaml:"project_status_interval"`
}

type WorkerConfig struct {
	Concurrency int `yaml:"concurrency"`
}

type APIConfig struct {
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// ScheduleConfig describes a recurring scan. The config file holds a
// GSAST scan request (config plus optional rule files) in JSON form.
type ScheduleConfig struct {
	Name       string `yaml:"name"`
	Cron       string `yaml:"cron"`
	ConfigFile string `yaml:"config_file"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with defaults and environment overrides applied
// but no file loaded. Used when no config file exists on disk.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("API_SECRET_KEY"); v != "" {
		c.APISecretKey = v
	}
	if v := os.Getenv("GITHUB_API_TOKEN"); v != "" {
		c.GitHub.APIToken = v
	}
	if v := os.Getenv("GITLAB_URL"); v != "" {
		c.GitLab.URL = v
	}
	if v := os.Getenv("GITLAB_API_TOKEN"); v != "" {
		c.GitLab.APIToken = v
	}
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.RedisURL == "" {
		c.RedisURL = "redis://localhost:6379/0"
	}
	if c.GitLab.URL == "" {
		c.GitLab.URL = "https://gitlab.com"
	}
	if c.Timeouts.Clone <= 0 {
		c.Timeouts.Clone = 5 * time.Minute
	}
	if c.Timeouts.WorkerWait <= 0 {
		c.Timeouts.WorkerWait = 2 * time.Minute
	}
	if c.Timeouts.Job <= 0 {
		c.Timeouts.Job = 15 * time.Minute
	}
	if c.Timeouts.JobResultTTL <= 0 {
		c.Timeouts.JobResultTTL = 3 * 24 * time.Hour
	}
	if c.Timeouts.JobPollInterval <= 0 {
		c.Timeouts.JobPollInterval = 3 * time.Second
	}
	if c.Timeouts.ProjectStatusInterval <= 0 {
		c.Timeouts.ProjectStatusInterval = time.Second
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 1
	}
	if c.API.RateLimitPerMinute < 0 {
		c.API.RateLimitPerMinute = 0
	}
}

func (c *Config) validate() error {
	if c.GitHub.App != nil {
		app := c.GitHub.App
		if app.AppID == 0 || app.InstallationID == 0 || app.PrivateKeyPath == "" {
			return fmt.Errorf("github.app requires app_id, installation_id and private_key_path")
		}
	}
	for _, s := range c.Schedules {
		if s.Cron == "" || s.ConfigFile == "" {
			return fmt.Errorf("schedule %q requires cron and config_file", s.Name)
		}
	}
	return nil
}
