// Package depconfusion flags dependencies declared in package manifests
// that resolve to no public registry entry, the precondition for a
// dependency-confusion takeover.
package depconfusion

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gsasthq/gsastd/internal/plugin"
)

const sarifSchema = "https://raw.githubusercontent.com/oasis-tcs/sarif-spec/master/Schemata/sarif-schema-2.1.0.json"

// Registry endpoints, keyed by ecosystem. Overridden in tests.
type Scanner struct {
	client    *http.Client
	npmURL    string
	pypiURL   string
	goproxURL string
}

func New() *Scanner {
	return &Scanner{
		client:    &http.Client{Timeout: 10 * time.Second},
		npmURL:    "https://registry.npmjs.org",
		pypiURL:   "https://pypi.org",
		goproxURL: "https://proxy.golang.org",
	}
}

func (s *Scanner) Metadata() plugin.Metadata {
	return plugin.Metadata{
		ID:          "dependency-confusion",
		Name:        "Dependency Confusion",
		Version:     "1.0.0",
		Author:      "gsast",
		Description: "Flags manifest dependencies missing from their public registry",
	}
}

func (s *Scanner) Requirements() []plugin.Requirement {
	return nil
}

func (s *Scanner) Validate(plugin.Args) error {
	return nil
}

type manifestDep struct {
	name     string
	manifest string
}

func (s *Scanner) Run(ctx context.Context, sourcesDir, workDir string, _ plugin.Args) (map[string]string, error) {
	deps, err := collectDeps(sourcesDir)
	if err != nil {
		return nil, err
	}

	results := make(map[string]string)
	for ecosystem, list := range deps {
		var missing []manifestDep
		for _, dep := range list {
			exists, err := s.existsPublicly(ctx, ecosystem, dep.name)
			if err != nil {
				return nil, fmt.Errorf("check %s package %s: %w", ecosystem, dep.name, err)
			}
			if !exists {
				missing = append(missing, dep)
			}
		}
		if len(missing) == 0 {
			continue
		}

		doc := sarifForEcosystem(ecosystem, missing)
		encoded, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("encode sarif for %s: %w", ecosystem, err)
		}
		path := filepath.Join(workDir, "depconfusion-"+ecosystem+".sarif")
		if err := os.WriteFile(path, encoded, 0644); err != nil {
			return nil, fmt.Errorf("write sarif for %s: %w", ecosystem, err)
		}
		results[ecosystem] = path
	}
	return results, nil
}

// collectDeps walks the checkout for package.json, requirements.txt and
// go.mod manifests. Manifest paths are recorded relative to the checkout.
func collectDeps(sourcesDir string) (map[string][]manifestDep, error) {
	deps := make(map[string][]manifestDep)
	err := filepath.WalkDir(sourcesDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" || d.Name() == "node_modules" || d.Name() == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(sourcesDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		switch d.Name() {
		case "package.json":
			names, err := parsePackageJSON(path)
			if err != nil {
				return nil // unparseable manifest, skip
			}
			for _, name := range names {
				deps["npm"] = append(deps["npm"], manifestDep{name: name, manifest: rel})
			}
		case "requirements.txt":
			for _, name := range parseRequirements(path) {
				deps["pypi"] = append(deps["pypi"], manifestDep{name: name, manifest: rel})
			}
		case "go.mod":
			for _, name := range parseGoMod(path) {
				deps["go"] = append(deps["go"], manifestDep{name: name, manifest: rel})
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk sources: %w", err)
	}
	return deps, nil
}

func parsePackageJSON(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var manifest struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	var names []string
	for name := range manifest.Dependencies {
		names = append(names, name)
	}
	for name := range manifest.DevDependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func parseRequirements(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var names []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
			continue
		}
		name := line
		for _, sep := range []string{"==", ">=", "<=", "~=", "!=", ">", "<", "[", ";", " "} {
			if idx := strings.Index(name, sep); idx >= 0 {
				name = name[:idx]
			}
		}
		name = strings.TrimSpace(name)
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

func parseGoMod(path string) []string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var names []string
	inBlock := false
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "require ("):
			inBlock = true
		case inBlock && line == ")":
			inBlock = false
		case inBlock, strings.HasPrefix(line, "require "):
			fields := strings.Fields(strings.TrimPrefix(line, "require "))
			if len(fields) >= 2 && !strings.HasPrefix(fields[0], "//") {
				names = append(names, fields[0])
			}
		}
	}
	return names
}

func (s *Scanner) existsPublicly(ctx context.Context, ecosystem, name string) (bool, error) {
	var target string
	switch ecosystem {
	case "npm":
		target = s.npmURL + "/" + url.PathEscape(name)
	case "pypi":
		target = s.pypiURL + "/pypi/" + url.PathEscape(name) + "/json"
	case "go":
		target = s.goproxURL + "/" + strings.ToLower(name) + "/@latest"
	default:
		return true, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		return false, fmt.Errorf("registry returned %s for %s", resp.Status, name)
	}
}

func sarifForEcosystem(ecosystem string, missing []manifestDep) map[string]interface{} {
	sarifResults := make([]interface{}, 0, len(missing))
	for _, dep := range missing {
		result := map[string]interface{}{
			"ruleId": "dependency-confusion/" + ecosystem,
			"level":  "error",
			"message": map[string]interface{}{
				"text": fmt.Sprintf("Dependency %q is not present in the public %s registry and could be claimed by an attacker", dep.name, ecosystem),
			},
			"locations": []interface{}{
				map[string]interface{}{
					"physicalLocation": map[string]interface{}{
						"artifactLocation": map[string]interface{}{"uri": dep.manifest},
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
					"driver": map[string]interface{}{"name": "Dependency Confusion"},
				},
				"results": sarifResults,
			},
		},
	}
}
