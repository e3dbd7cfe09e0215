// Package trufflehog runs the trufflehog CLI over a repository's full git
// history and converts verified findings to SARIF, one document per
// detector.
package trufflehog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gsasthq/gsastd/internal/plugin"
)

const sarifSchema = "https://raw.githubusercontent.com/oasis-tcs/sarif-spec/master/Schemata/sarif-schema-2.1.0.json"

type Scanner struct{}

func New() *Scanner {
	return &Scanner{}
}

func (s *Scanner) Metadata() plugin.Metadata {
	return plugin.Metadata{
		ID:          "trufflehog",
		Name:        "TruffleHog",
		Version:     "1.0.0",
		Author:      "gsast",
		Description: "Detects verified secrets across the full git history",
	}
}

func (s *Scanner) Requirements() []plugin.Requirement {
	return []plugin.Requirement{
		{Name: plugin.ReqFullGitHistory, Required: true, Description: "Secrets may only exist in past commits"},
	}
}

func (s *Scanner) Validate(plugin.Args) error {
	return nil
}

type finding struct {
	DetectorName   string `json:"DetectorName"`
	SourceMetadata struct {
		Data struct {
			Git struct {
				File   string `json:"file"`
				Line   int    `json:"line"`
				Commit string `json:"commit"`
			} `json:"Git"`
		} `json:"Data"`
	} `json:"SourceMetadata"`
}

func (s *Scanner) Run(ctx context.Context, sourcesDir, workDir string, _ plugin.Args) (map[string]string, error) {
	cmd := exec.CommandContext(ctx, "trufflehog", "git", "file://"+sourcesDir,
		"--only-verified", "--json", "--no-update")
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("trufflehog failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	byDetector := make(map[string][]finding)
	scanner := bufio.NewScanner(&stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var f finding
		if err := json.Unmarshal(line, &f); err != nil || f.DetectorName == "" {
			continue
		}
		byDetector[f.DetectorName] = append(byDetector[f.DetectorName], f)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trufflehog output: %w", err)
	}

	results := make(map[string]string)
	for detector, findings := range byDetector {
		doc := sarifForDetector(detector, findings)
		encoded, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode sarif for %s: %w", detector, err)
		}
		path := filepath.Join(workDir, "trufflehog-"+detector+".sarif")
		if err := os.WriteFile(path, encoded, 0644); err != nil {
			return nil, fmt.Errorf("write sarif for %s: %w", detector, err)
		}
		results[detector] = path
	}
	return results, nil
}

func sarifForDetector(detector string, findings []finding) map[string]interface{} {
	sarifResults := make([]interface{}, 0, len(findings))
	for _, f := range findings {
		uri := f.SourceMetadata.Data.Git.File
		if uri == "" {
			uri = "unknown"
		}
		message := fmt.Sprintf("Verified %s secret found in commit %s", detector, f.SourceMetadata.Data.Git.Commit)
		result := map[string]interface{}{
			"ruleId": detector,
			"level":  "error",
			"message": map[string]interface{}{
				"text": message,
			},
			"locations": []interface{}{
				map[string]interface{}{
					"physicalLocation": map[string]interface{}{
						"artifactLocation": map[string]interface{}{"uri": uri},
						"region":           map[string]interface{}{"startLine": f.SourceMetadata.Data.Git.Line},
					},
				},
			},
		}
		sarifResults = append(sarifResults, result)
	}

	return map[string]interface{}{
		"$schema": sarifSchema,
		"version": "2.1.0",
		"runs": []interface{}{
			map[string]interface{}{
				"tool": map[string]interface{}{
					"driver": map[string]interface{}{"name": "TruffleHog"},
				},
				"results": sarifResults,
			},
		},
	}
}
