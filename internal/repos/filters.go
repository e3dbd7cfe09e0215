package repos

import (
	"regexp"
	"time"

	"github.com/gsasthq/gsastd/internal/scanconfig"
)

// ApplyFilters drops repositories that do not satisfy the filter set. A nil
// filter set keeps everything. A last_commit_max_age of zero is treated as
// disabled.
func ApplyFilters(all []Repository, f *scanconfig.Filters) []Repository {
	if f == nil {
		return all
	}

	ignore := compileAll(f.IgnorePathRegexes)
	must := compileAll(f.MustPathRegexes)
	now := time.Now()

	kept := make([]Repository, 0, len(all))
	for _, repo := range all {
		if f.IsArchived != nil && repo.Archived != *f.IsArchived {
			continue
		}
		if f.IsFork != nil && repo.IsFork != *f.IsFork {
			continue
		}
		if f.IsPersonalProject != nil && repo.Personal != *f.IsPersonalProject {
			continue
		}
		if f.MaxRepoMBSize != nil && repo.SizeMB > *f.MaxRepoMBSize {
			continue
		}
		if f.LastCommitMaxAge != nil && *f.LastCommitMaxAge > 0 {
			maxAge := time.Duration(*f.LastCommitMaxAge) * 24 * time.Hour
			if repo.LastActivity.IsZero() || now.Sub(repo.LastActivity) > maxAge {
				continue
			}
		}
		if matchesAny(ignore, repo.FullName) {
			continue
		}
		if len(must) > 0 && !matchesAny(must, repo.FullName) {
			continue
		}
		kept = append(kept, repo)
	}
	return kept
}

func compileAll(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		// Patterns were validated with the request config.
		if re, err := regexp.Compile(p); err == nil {
			compiled = append(compiled, re)
		}
	}
	return compiled
}

func matchesAny(regexes []*regexp.Regexp, s string) bool {
	for _, re := range regexes {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
