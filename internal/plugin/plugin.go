// Package plugin defines the scanner contract and the registry that hosts
// scanner implementations by stable plugin id.
package plugin

import "context"

// Requirement names form a closed set shared between plugins, the
// coordinator and the worker.
const (
	ReqRuleFiles      = "rule_files"
	ReqRulesDir       = "rules_dir"
	ReqFullGitHistory = "full_git_history"
)

type Metadata struct {
	ID          string
	Name        string
	Version     string
	Author      string
	Description string
}

// Requirement is a named precondition a plugin declares. Required
// requirements drive argument assembly and the clone strategy.
type Requirement struct {
	Name        string
	Required    bool
	Description string
}

// RuleFile is a rule artifact supplied with a scan request.
type RuleFile struct {
	Name    string
	Content []byte
}

// Args carries the inputs a plugin may declare requirements for.
type Args struct {
	RuleFiles []RuleFile
	RulesDir  string
}

// Scanner is the capability set every plugin implements. Run returns a
// mapping of rule id to SARIF file path; an empty mapping means no findings
// and is not an error.
type Scanner interface {
	Metadata() Metadata
	Requirements() []Requirement
	Validate(args Args) error
	Run(ctx context.Context, sourcesDir, workDir string, args Args) (map[string]string, error)
}
