// Package download clones repositories into a process-owned temporary root.
package download

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
)

type Downloader struct {
	root         string
	cloneTimeout time.Duration
}

func New(cloneTimeout time.Duration) (*Downloader, error) {
	root, err := os.MkdirTemp("", "gsast-clones-")
	if err != nil {
		return nil, fmt.Errorf("create clone temp root: %w", err)
	}
	if cloneTimeout <= 0 {
		cloneTimeout = 5 * time.Minute
	}
	return &Downloader{root: root, cloneTimeout: cloneTimeout}, nil
}

// Download clones authURL into a fresh directory under the scan's subtree
// and returns the checkout plus its parent. The caller removes the parent
// when the job ends, success or not. A shallow clone fetches depth 1 of the
// default branch only.
func (d *Downloader) Download(ctx context.Context, authURL, webURL, scanID string, shallow bool) (string, string, error) {
	owner, repo, err := SplitOwnerRepo(webURL)
	if err != nil {
		return "", "", err
	}

	scanRoot := filepath.Join(d.root, scanID)
	if err := os.MkdirAll(scanRoot, 0755); err != nil {
		return "", "", fmt.Errorf("create scan clone dir: %w", err)
	}
	parent, err := os.MkdirTemp(scanRoot, owner+"-"+repo+"-")
	if err != nil {
		return "", "", fmt.Errorf("create job clone dir: %w", err)
	}
	sources := filepath.Join(parent, repo)

	opts := &git.CloneOptions{URL: authURL}
	if shallow {
		opts.Depth = 1
		opts.SingleBranch = true
	}

	cloneCtx, cancel := context.WithTimeout(ctx, d.cloneTimeout)
	defer cancel()

	if _, err := git.PlainCloneContext(cloneCtx, sources, false, opts); err != nil {
		if rmErr := os.RemoveAll(parent); rmErr != nil {
			log.Printf("Failed to remove clone dir %s: %v", parent, rmErr)
		}
		return "", "", fmt.Errorf("clone %s: %w", webURL, err)
	}
	return sources, parent, nil
}

// Close removes the downloader's temp root. Removal failures are logged,
// not fatal.
func (d *Downloader) Close() {
	if err := os.RemoveAll(d.root); err != nil {
		log.Printf("Failed to remove clone temp root %s: %v", d.root, err)
	}
}

// SplitOwnerRepo derives the owner and repository name from an HTTPS or
// scp-style clone URL.
func SplitOwnerRepo(raw string) (string, string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", "", fmt.Errorf("empty repository url")
	}

	var repoPath string
	if strings.Contains(trimmed, "://") {
		parsed, err := url.Parse(trimmed)
		if err != nil || parsed.Host == "" {
			return "", "", fmt.Errorf("invalid repository url %q", raw)
		}
		repoPath = parsed.Path
	} else if host, rest, ok := strings.Cut(trimmed, ":"); ok && host != "" && rest != "" {
		repoPath = rest
	} else {
		return "", "", fmt.Errorf("invalid repository url %q", raw)
	}

	repoPath = strings.Trim(strings.TrimSuffix(path.Clean("/"+repoPath), ".git"), "/")
	segments := strings.Split(repoPath, "/")
	if len(segments) < 2 {
		return "", "", fmt.Errorf("repository url %q has no owner/name path", raw)
	}
	owner := segments[len(segments)-2]
	repo := segments[len(segments)-1]
	if owner == "" || repo == "" {
		return "", "", fmt.Errorf("repository url %q has no owner/name path", raw)
	}
	return owner, repo, nil
}
