// Package results persists per-(scan, project, scanner) SARIF payloads in
// the scans namespace and serves filtered retrieval, including a JSONPath
// query over stored documents.
package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ohler55/ojg/jp"
	"github.com/redis/go-redis/v9"
)

var ErrNoProjects = errors.New("no projects for scan")

type Store struct {
	client *redis.Client
}

func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func resultsKey(scanID, projectURL string) string {
	return scanID + ":results:" + projectURL
}

func projectsKey(scanID string) string {
	return scanID + ":projects"
}

// Store merges one scanner's SARIF files into the project's results hash.
// Files are read from disk in rule-id order and combined into a single
// envelope whose runs are the concatenation of every file's runs. The write
// overwrites the same scanner's prior entry and retains other scanners'
// entries; last writer wins per scanner id.
func (s *Store) Store(ctx context.Context, scanID, projectURL, scannerID string, sarifPaths map[string]string) error {
	if len(sarifPaths) == 0 {
		return nil
	}

	merged, err := mergeSarifFiles(sarifPaths)
	if err != nil {
		return err
	}

	key := resultsKey(scanID, projectURL)
	prior := make(map[string]interface{})
	if raw, err := s.client.HGet(ctx, key, "results").Result(); err == nil && raw != "" {
		if err := json.Unmarshal([]byte(raw), &prior); err != nil {
			return fmt.Errorf("decode existing results for %s: %w", projectURL, err)
		}
	} else if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read existing results for %s: %w", projectURL, err)
	}
	prior[scannerID] = merged

	encoded, err := json.Marshal(prior)
	if err != nil {
		return fmt.Errorf("encode results for %s: %w", projectURL, err)
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"results":      string(encoded),
		"project_url":  projectURL,
		"scanner_type": scannerID,
		"updated_at":   time.Now().Unix(),
	})
	pipe.SAdd(ctx, projectsKey(scanID), projectURL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store results for %s: %w", projectURL, err)
	}
	return nil
}

func mergeSarifFiles(sarifPaths map[string]string) (map[string]interface{}, error) {
	ruleIDs := make([]string, 0, len(sarifPaths))
	for ruleID := range sarifPaths {
		ruleIDs = append(ruleIDs, ruleID)
	}
	sort.Strings(ruleIDs)

	var merged map[string]interface{}
	for _, ruleID := range ruleIDs {
		data, err := os.ReadFile(sarifPaths[ruleID])
		if err != nil {
			return nil, fmt.Errorf("read sarif for rule %s: %w", ruleID, err)
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse sarif for rule %s: %w", ruleID, err)
		}
		if merged == nil {
			merged = doc
			continue
		}
		baseRuns, _ := merged["runs"].([]interface{})
		docRuns, _ := doc["runs"].([]interface{})
		merged["runs"] = append(baseRuns, docRuns...)
	}
	return merged, nil
}

// ProjectResults is one project's slice of the response envelope.
type ProjectResults struct {
	Results   map[string]interface{} `json:"results"`
	UpdatedAt int64                  `json:"updated_at"`
}

// Envelope is the query response for one scan.
type Envelope struct {
	ScanID   string                    `json:"scan_id"`
	Projects map[string]ProjectResults `json:"projects"`
}

// Get retrieves a scan's results, optionally narrowed by project filter,
// scanner filter and a JSONPath query. A malformed query is an error; a
// query matching nothing for every scanner of a project drops that project.
func (s *Store) Get(ctx context.Context, scanID, projectFilter, scannerFilter, pathQuery string) (*Envelope, error) {
	urls, err := s.client.SMembers(ctx, projectsKey(scanID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list projects for %s: %w", scanID, err)
	}
	if len(urls) == 0 {
		return nil, ErrNoProjects
	}

	var query jp.Expr
	if pathQuery != "" {
		query, err = jp.ParseString(pathQuery)
		if err != nil {
			return nil, fmt.Errorf("invalid query expression: %w", err)
		}
	}

	envelope := &Envelope{
		ScanID:   scanID,
		Projects: make(map[string]ProjectResults),
	}
	for _, url := range urls {
		if projectFilter != "" && !MatchProject(url, projectFilter) {
			continue
		}

		fields, err := s.client.HGetAll(ctx, resultsKey(scanID, url)).Result()
		if err != nil {
			return nil, fmt.Errorf("read results for %s: %w", url, err)
		}
		raw := fields["results"]
		if raw == "" {
			continue
		}
		decoded := make(map[string]interface{})
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return nil, fmt.Errorf("decode results for %s: %w", url, err)
		}

		if scannerFilter != "" {
			for scannerID := range decoded {
				if !strings.Contains(scannerID, scannerFilter) {
					delete(decoded, scannerID)
				}
			}
			if len(decoded) == 0 {
				continue
			}
		}

		if query != nil {
			anyMatch := false
			for scannerID, payload := range decoded {
				matches := query.Get(payload)
				if len(matches) > 0 {
					anyMatch = true
				}
				decoded[scannerID] = matches
			}
			if !anyMatch {
				continue
			}
		}

		updatedAt, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
		envelope.Projects[url] = ProjectResults{
			Results:   decoded,
			UpdatedAt: updatedAt,
		}
	}

	if len(envelope.Projects) == 0 {
		return nil, ErrNoProjects
	}
	return envelope, nil
}

// MatchProject applies the project filter: substring match, or an exact
// repository name match against the trailing "/name.git" or ":name.git".
func MatchProject(url, filter string) bool {
	return strings.Contains(url, filter) ||
		strings.HasSuffix(url, "/"+filter+".git") ||
		strings.HasSuffix(url, ":"+filter+".git")
}
