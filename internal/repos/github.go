package repos

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v68/github"
	"github.com/gsasthq/gsastd/internal/gitauth"
	"github.com/gsasthq/gsastd/internal/scanconfig"
	"github.com/redis/go-redis/v9"
)

type GitHubProvider struct {
	tokens gitauth.TokenSource
	cache  enumCache
}

func NewGitHub(tokens gitauth.TokenSource, cacheClient *redis.Client) *GitHubProvider {
	return &GitHubProvider{
		tokens: tokens,
		cache:  enumCache{client: cacheClient},
	}
}

func (p *GitHubProvider) Fetch(ctx context.Context, target scanconfig.Target, filters *scanconfig.Filters, status StatusFunc) ([]Repository, error) {
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	hc, err := httpClient()
	if err != nil {
		return nil, err
	}
	client := github.NewClient(hc).WithAuthToken(token)

	var all []Repository
	seen := make(map[string]bool)
	add := func(repos []Repository) {
		for _, r := range repos {
			if seen[r.CloneURL] {
				continue
			}
			seen[r.CloneURL] = true
			all = append(all, r)
		}
	}

	for _, org := range target.Organizations {
		cacheKey := "github:org:" + org
		if cached, ok := p.cache.get(ctx, cacheKey); ok {
			add(cached)
			status(fmt.Sprintf("Fetched %d projects from %s (cached)", len(cached), org))
			continue
		}
		repos, err := p.listOrg(ctx, client, org, token, status)
		if err != nil {
			return nil, err
		}
		p.cache.put(ctx, cacheKey, repos)
		add(repos)
	}

	for _, full := range target.Repositories {
		cacheKey := "github:repo:" + full
		if cached, ok := p.cache.get(ctx, cacheKey); ok {
			add(cached)
			continue
		}
		owner, name, ok := strings.Cut(full, "/")
		if !ok {
			return nil, fmt.Errorf("github repository %q must be owner/name", full)
		}
		repo, _, err := client.Repositories.Get(ctx, owner, name)
		if err != nil {
			return nil, fmt.Errorf("fetch github repository %s: %w", full, err)
		}
		mapped := []Repository{mapGitHubRepo(repo, token)}
		p.cache.put(ctx, cacheKey, mapped)
		add(mapped)
		status(fmt.Sprintf("Fetched repository %s", full))
	}

	return ApplyFilters(all, filters), nil
}

func (p *GitHubProvider) listOrg(ctx context.Context, client *github.Client, org, token string, status StatusFunc) ([]Repository, error) {
	var repos []Repository
	opts := &github.RepositoryListByOrgOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	for {
		page, resp, err := client.Repositories.ListByOrg(ctx, org, opts)
		if err != nil {
			return nil, fmt.Errorf("list github org %s: %w", org, err)
		}
		for _, r := range page {
			repos = append(repos, mapGitHubRepo(r, token))
		}
		status(fmt.Sprintf("Fetched %d projects from %s", len(repos), org))
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return repos, nil
}

func mapGitHubRepo(r *github.Repository, token string) Repository {
	cloneURL := r.GetCloneURL()
	return Repository{
		Name:         r.GetName(),
		FullName:     r.GetFullName(),
		CloneURL:     cloneURL,
		AuthCloneURL: WithToken(cloneURL, "x-access-token", token),
		WebURL:       r.GetHTMLURL(),
		SizeMB:       r.GetSize() / 1024,
		Archived:     r.GetArchived(),
		IsFork:       r.GetFork(),
		Personal:     r.GetOwner().GetType() == "User",
		LastActivity: r.GetPushedAt().Time,
		CreatedAt:    r.GetCreatedAt().Time,
		Owner:        r.GetOwner().GetLogin(),
		Private:      r.GetPrivate(),
	}
}
