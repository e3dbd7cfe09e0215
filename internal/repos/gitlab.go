package repos

import (
	"context"
	"fmt"

	"github.com/gsasthq/gsastd/internal/gitauth"
	"github.com/gsasthq/gsastd/internal/scanconfig"
	"github.com/redis/go-redis/v9"
	gitlab "gitlab.com/gitlab-org/api/client-go"
)

type GitLabProvider struct {
	baseURL string
	tokens  gitauth.TokenSource
	cache   enumCache
}

func NewGitLab(baseURL string, tokens gitauth.TokenSource, cacheClient *redis.Client) *GitLabProvider {
	return &GitLabProvider{
		baseURL: baseURL,
		tokens:  tokens,
		cache:   enumCache{client: cacheClient},
	}
}

func (p *GitLabProvider) Fetch(ctx context.Context, target scanconfig.Target, filters *scanconfig.Filters, status StatusFunc) ([]Repository, error) {
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	hc, err := httpClient()
	if err != nil {
		return nil, err
	}
	client, err := gitlab.NewClient(token,
		gitlab.WithBaseURL(p.baseURL),
		gitlab.WithHTTPClient(hc),
	)
	if err != nil {
		return nil, fmt.Errorf("create gitlab client: %w", err)
	}

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

	for _, group := range target.Groups {
		cacheKey := "gitlab:group:" + group
		if cached, ok := p.cache.get(ctx, cacheKey); ok {
			add(cached)
			status(fmt.Sprintf("Fetched %d projects from %s (cached)", len(cached), group))
			continue
		}
		repos, err := p.listGroup(ctx, client, group, token, status)
		if err != nil {
			return nil, err
		}
		p.cache.put(ctx, cacheKey, repos)
		add(repos)
	}

	for _, path := range target.Repositories {
		cacheKey := "gitlab:project:" + path
		if cached, ok := p.cache.get(ctx, cacheKey); ok {
			add(cached)
			continue
		}
		project, _, err := client.Projects.GetProject(path, &gitlab.GetProjectOptions{
			Statistics: gitlab.Ptr(true),
		}, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("fetch gitlab project %s: %w", path, err)
		}
		mapped := []Repository{mapGitLabProject(project, token)}
		p.cache.put(ctx, cacheKey, mapped)
		add(mapped)
		status(fmt.Sprintf("Fetched project %s", path))
	}

	return ApplyFilters(all, filters), nil
}

func (p *GitLabProvider) listGroup(ctx context.Context, client *gitlab.Client, group, token string, status StatusFunc) ([]Repository, error) {
	var repos []Repository
	opts := &gitlab.ListGroupProjectsOptions{
		IncludeSubGroups: gitlab.Ptr(true),
		Statistics:       gitlab.Ptr(true),
		ListOptions:      gitlab.ListOptions{PerPage: 100},
	}
	for {
		page, resp, err := client.Groups.ListGroupProjects(group, opts, gitlab.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list gitlab group %s: %w", group, err)
		}
		for _, project := range page {
			repos = append(repos, mapGitLabProject(project, token))
		}
		status(fmt.Sprintf("Fetched %d projects from %s", len(repos), group))
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return repos, nil
}

func mapGitLabProject(p *gitlab.Project, token string) Repository {
	repo := Repository{
		Name:         p.Name,
		FullName:     p.PathWithNamespace,
		CloneURL:     p.HTTPURLToRepo,
		AuthCloneURL: WithToken(p.HTTPURLToRepo, "oauth2", token),
		WebURL:       p.WebURL,
		Archived:     p.Archived,
		IsFork:       p.ForkedFromProject != nil,
		Private:      p.Visibility != gitlab.PublicVisibility,
	}
	if p.Statistics != nil {
		repo.SizeMB = int(p.Statistics.RepositorySize / (1024 * 1024))
	}
	if p.Namespace != nil {
		repo.Owner = p.Namespace.Path
		repo.Personal = p.Namespace.Kind == "user"
	}
	if p.LastActivityAt != nil {
		repo.LastActivity = *p.LastActivityAt
	}
	if p.CreatedAt != nil {
		repo.CreatedAt = *p.CreatedAt
	}
	return repo
}
