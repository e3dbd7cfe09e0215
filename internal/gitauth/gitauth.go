// Package gitauth resolves provider credentials for API calls and clone
// URLs: static tokens or short-lived GitHub App installation tokens.
package gitauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/gsasthq/gsastd/internal/config"
)

var ErrMissingToken = errors.New("provider token not configured")

// TokenSource yields a credential usable both against the provider API and
// embedded in HTTPS clone URLs.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type staticToken string

func (t staticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// GitHubTokenSource prefers a configured GitHub App installation over a
// static token.
func GitHubTokenSource(cfg config.GitHubConfig) (TokenSource, error) {
	if cfg.App != nil {
		return newAppTokenSource(cfg.App), nil
	}
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("github: %w", ErrMissingToken)
	}
	return staticToken(cfg.APIToken), nil
}

func GitLabTokenSource(cfg config.GitLabConfig) (TokenSource, error) {
	if cfg.APIToken == "" {
		return nil, fmt.Errorf("gitlab: %w", ErrMissingToken)
	}
	return staticToken(cfg.APIToken), nil
}
