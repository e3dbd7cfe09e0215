// Package scanconfig defines the scan request payload accepted by the
// control plane and its validation rules.
package scanconfig

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	ProviderGitHub = "github"
	ProviderGitLab = "gitlab"
)

// Config is the declarative scan request. Optional fields are pointers so a
// JSON round trip preserves which fields were present.
type Config struct {
	BaseURL      string   `json:"base_url"`
	APISecretKey string   `json:"api_secret_key,omitempty"`
	Target       Target   `json:"target"`
	Filters      *Filters `json:"filters,omitempty"`
	Scanners     []string `json:"scanners,omitempty"`
}

// Target is a tagged variant: GitHub carries organizations, GitLab carries
// groups. Both may carry explicit repositories.
type Target struct {
	Provider      string   `json:"provider"`
	Organizations []string `json:"organizations,omitempty"`
	Groups        []string `json:"groups,omitempty"`
	Repositories  []string `json:"repositories,omitempty"`
}

type Filters struct {
	IsArchived        *bool    `json:"is_archived,omitempty"`
	IsFork            *bool    `json:"is_fork,omitempty"`
	IsPersonalProject *bool    `json:"is_personal_project,omitempty"`
	MaxRepoMBSize     *int     `json:"max_repo_mb_size,omitempty"`
	LastCommitMaxAge  *int     `json:"last_commit_max_age,omitempty"`
	IgnorePathRegexes []string `json:"ignore_path_regexes,omitempty"`
	MustPathRegexes   []string `json:"must_path_regexes,omitempty"`
}

// Parse decodes and validates a scan config document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("base_url must start with http:// or https://")
	}
	if err := c.Target.validate(); err != nil {
		return err
	}
	if c.Filters != nil {
		if err := c.Filters.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Target) validate() error {
	switch t.Provider {
	case ProviderGitHub:
		if len(t.Groups) > 0 {
			return fmt.Errorf("github target does not accept groups")
		}
		if len(t.Organizations) == 0 && len(t.Repositories) == 0 {
			return fmt.Errorf("github target requires organizations or repositories")
		}
	case ProviderGitLab:
		if len(t.Organizations) > 0 {
			return fmt.Errorf("gitlab target does not accept organizations")
		}
		if len(t.Groups) == 0 && len(t.Repositories) == 0 {
			return fmt.Errorf("gitlab target requires groups or repositories")
		}
	default:
		return fmt.Errorf("unknown provider %q", t.Provider)
	}
	return nil
}

func (f *Filters) validate() error {
	if f.MaxRepoMBSize != nil && *f.MaxRepoMBSize < 0 {
		return fmt.Errorf("max_repo_mb_size must be non-negative")
	}
	if f.LastCommitMaxAge != nil && *f.LastCommitMaxAge < 0 {
		return fmt.Errorf("last_commit_max_age must be non-negative")
	}
	for _, pattern := range f.IgnorePathRegexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid ignore_path_regexes pattern %q: %w", pattern, err)
		}
	}
	for _, pattern := range f.MustPathRegexes {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid must_path_regexes pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// HasAnyFilter reports whether at least one filter field is set.
func (f *Filters) HasAnyFilter() bool {
	if f == nil {
		return false
	}
	return f.IsArchived != nil || f.IsFork != nil || f.IsPersonalProject != nil ||
		f.MaxRepoMBSize != nil || f.LastCommitMaxAge != nil ||
		len(f.IgnorePathRegexes) > 0 || len(f.MustPathRegexes) > 0
}
