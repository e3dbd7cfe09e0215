// Package semgrep runs the semgrep CLI against a checkout with the rule
// files supplied in the scan request.
package semgrep

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gsasthq/gsastd/internal/plugin"
)

type Scanner struct{}

func New() *Scanner {
	return &Scanner{}
}

func (s *Scanner) Metadata() plugin.Metadata {
	return plugin.Metadata{
		ID:          "semgrep",
		Name:        "Semgrep",
		Version:     "1.0.0",
		Author:      "gsast",
		Description: "Runs semgrep with user-provided rules and splits findings per rule",
	}
}

func (s *Scanner) Requirements() []plugin.Requirement {
	return []plugin.Requirement{
		{Name: plugin.ReqRuleFiles, Required: true, Description: "Semgrep rule files supplied with the scan request"},
		{Name: plugin.ReqRulesDir, Required: true, Description: "Directory where rule files are materialized"},
	}
}

func (s *Scanner) Validate(args plugin.Args) error {
	if len(args.RuleFiles) == 0 {
		return fmt.Errorf("rule files are required")
	}
	if args.RulesDir == "" {
		return fmt.Errorf("rules directory is required")
	}
	return nil
}

func (s *Scanner) Run(ctx context.Context, sourcesDir, workDir string, args plugin.Args) (map[string]string, error) {
	ruleFiles, err := doublestar.FilepathGlob(filepath.Join(args.RulesDir, "**", "*.{yaml,yml,json}"))
	if err != nil {
		return nil, fmt.Errorf("glob rule files: %w", err)
	}
	if len(ruleFiles) == 0 {
		return nil, fmt.Errorf("no rule files found under %s", args.RulesDir)
	}

	outPath := filepath.Join(workDir, "semgrep.sarif")
	cmdArgs := []string{"scan", "--sarif", "--metrics", "off", "--output", outPath}
	for _, rf := range ruleFiles {
		cmdArgs = append(cmdArgs, "--config", rf)
	}
	cmdArgs = append(cmdArgs, sourcesDir)

	cmd := exec.CommandContext(ctx, "semgrep", cmdArgs...)
	cmd.Dir = workDir
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("semgrep failed: %w: %s", err, truncate(string(out), 2000))
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read semgrep output: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse semgrep output: %w", err)
	}

	results := make(map[string]string)
	for ruleID, ruleDoc := range plugin.SplitByRule(doc) {
		path := filepath.Join(workDir, "semgrep-"+sanitize(ruleID)+".sarif")
		encoded, err := json.Marshal(ruleDoc)
		if err != nil {
			return nil, fmt.Errorf("encode split sarif for %s: %w", ruleID, err)
		}
		if err := os.WriteFile(path, encoded, 0644); err != nil {
			return nil, fmt.Errorf("write split sarif for %s: %w", ruleID, err)
		}
		results[ruleID] = path
	}
	return results, nil
}

func sanitize(ruleID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, ruleID)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
