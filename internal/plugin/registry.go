package plugin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/gsasthq/gsastd/internal/sarif"
)

var ErrUnknownPlugin = errors.New("unknown plugin")

type Registry struct {
	plugins map[string]Scanner
	gate    *sarif.Gate
}

func NewRegistry(gate *sarif.Gate) *Registry {
	return &Registry{
		plugins: make(map[string]Scanner),
		gate:    gate,
	}
}

// Register adds a scanner under its plugin id. A second registration for an
// already-seen id is rejected; the first one wins.
func (r *Registry) Register(s Scanner) error {
	id := s.Metadata().ID
	if id == "" {
		return fmt.Errorf("plugin has empty id")
	}
	if _, exists := r.plugins[id]; exists {
		return fmt.Errorf("plugin %q already registered", id)
	}
	r.plugins[id] = s
	return nil
}

// List returns the metadata of all registered plugins, sorted by id.
func (r *Registry) List() []Metadata {
	out := make([]Metadata, 0, len(r.plugins))
	for _, s := range r.plugins {
		out = append(out, s.Metadata())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Get(id string) (Scanner, error) {
	s, ok := r.plugins[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	return s, nil
}

func (r *Registry) Metadata(id string) (Metadata, error) {
	s, err := r.Get(id)
	if err != nil {
		return Metadata{}, err
	}
	return s.Metadata(), nil
}

// Validate runs each selected plugin's validation and fails on the first
// plugin that rejects the arguments.
func (r *Registry) Validate(ids []string, args Args) error {
	for _, id := range ids {
		s, err := r.Get(id)
		if err != nil {
			return err
		}
		if err := s.Validate(args); err != nil {
			return fmt.Errorf("plugin %s: %w", id, err)
		}
	}
	return nil
}

// Requirements collects the declared requirements per selected plugin.
func (r *Registry) Requirements(ids []string) (map[string][]Requirement, error) {
	out := make(map[string][]Requirement, len(ids))
	for _, id := range ids {
		s, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		out[id] = s.Requirements()
	}
	return out, nil
}

// NeedsRuleFiles reports whether any selected plugin requires rule files.
func (r *Registry) NeedsRuleFiles(ids []string) bool {
	return r.anyRequires(ids, ReqRuleFiles)
}

// NeedsRulesDir reports whether any selected plugin requires a rules
// directory on disk.
func (r *Registry) NeedsRulesDir(ids []string) bool {
	return r.anyRequires(ids, ReqRulesDir)
}

// NeedsFullGitHistory reports whether any selected plugin requires the full
// git history, forcing a non-shallow clone.
func (r *Registry) NeedsFullGitHistory(ids []string) bool {
	return r.anyRequires(ids, ReqFullGitHistory)
}

func (r *Registry) anyRequires(ids []string, name string) bool {
	for _, id := range ids {
		s, ok := r.plugins[id]
		if !ok {
			continue
		}
		for _, req := range s.Requirements() {
			if req.Name == name && req.Required {
				return true
			}
		}
	}
	return false
}

// Run validates the arguments, invokes the plugin and gates every returned
// SARIF file. Files that fail validation are dropped from the mapping with a
// logged warning; the remaining files are rewritten in place with the
// standardized document.
func (r *Registry) Run(ctx context.Context, id, sourcesDir, workDir string, args Args) (map[string]string, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(args); err != nil {
		return nil, fmt.Errorf("plugin %s: %w", id, err)
	}

	results, err := s.Run(ctx, sourcesDir, workDir, args)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: %w", id, err)
	}

	meta := s.Metadata()
	stamp := sarif.Metadata{
		PluginID:      meta.ID,
		PluginAuthor:  meta.Author,
		DriverName:    meta.Name,
		DriverVersion: meta.Version,
	}
	for ruleID, path := range results {
		if err := r.gate.ProcessFile(path, stamp); err != nil {
			log.Printf("Dropping invalid SARIF from plugin %s rule %s: %v", id, ruleID, err)
			delete(results, ruleID)
		}
	}
	return results, nil
}
