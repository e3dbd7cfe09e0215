// Package sarif validates scanner output against a minimal SARIF 2.1.0
// subset and stamps orchestrator metadata onto validated documents.
package sarif

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const Version = "0.1.0"

// Metadata identifies the plugin that produced a document.
type Metadata struct {
	PluginID       string
	PluginAuthor   string
	DriverName     string
	DriverVersion  string
	InformationURI string
}

type Gate struct {
	now func() time.Time
}

func NewGate() *Gate {
	return &Gate{now: time.Now}
}

// NewGateAt pins the gate clock, for deterministic stamps in tests.
func NewGateAt(now func() time.Time) *Gate {
	return &Gate{now: now}
}

// Validate checks the structural subset required of every scanner output:
// schema and version markers, at least one run with a named driver, and
// results whose locations carry artifact URIs.
func (g *Gate) Validate(doc map[string]interface{}) error {
	if _, ok := doc["$schema"].(string); !ok {
		return fmt.Errorf("missing $schema")
	}
	if version, _ := doc["version"].(string); version != "2.1.0" {
		return fmt.Errorf("version must be 2.1.0")
	}
	runs, ok := doc["runs"].([]interface{})
	if !ok || len(runs) == 0 {
		return fmt.Errorf("runs must be a non-empty array")
	}
	for i, r := range runs {
		run, ok := r.(map[string]interface{})
		if !ok {
			return fmt.Errorf("runs[%d] is not an object", i)
		}
		driver, ok := driverOf(run)
		if !ok {
			return fmt.Errorf("runs[%d] missing tool.driver", i)
		}
		if name, _ := driver["name"].(string); name == "" {
			return fmt.Errorf("runs[%d] missing tool.driver.name", i)
		}
		results, ok := run["results"].([]interface{})
		if !ok {
			return fmt.Errorf("runs[%d] missing results array", i)
		}
		for j, res := range results {
			if err := validateResult(res); err != nil {
				return fmt.Errorf("runs[%d].results[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

func validateResult(res interface{}) error {
	result, ok := res.(map[string]interface{})
	if !ok {
		return fmt.Errorf("not an object")
	}
	message, _ := result["message"].(map[string]interface{})
	if text, _ := message["text"].(string); text == "" {
		return fmt.Errorf("missing message.text")
	}
	locations, ok := result["locations"].([]interface{})
	if !ok || len(locations) == 0 {
		return fmt.Errorf("missing locations")
	}
	for _, l := range locations {
		location, _ := l.(map[string]interface{})
		physical, _ := location["physicalLocation"].(map[string]interface{})
		artifact, _ := physical["artifactLocation"].(map[string]interface{})
		if uri, _ := artifact["uri"].(string); uri == "" {
			return fmt.Errorf("location missing physicalLocation.artifactLocation.uri")
		}
	}
	return nil
}

// Standardize stamps orchestrator metadata into every run's driver. The
// findings themselves are never altered. Re-stamping a document for the same
// plugin keeps the original scan timestamp, so the operation is idempotent.
func (g *Gate) Standardize(doc map[string]interface{}, meta Metadata) {
	runs, _ := doc["runs"].([]interface{})
	for _, r := range runs {
		run, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		driver, ok := driverOf(run)
		if !ok {
			continue
		}
		if meta.DriverName != "" {
			driver["name"] = meta.DriverName
		}
		if meta.DriverVersion != "" {
			driver["version"] = meta.DriverVersion
		}
		if meta.InformationURI != "" {
			driver["informationUri"] = meta.InformationURI
		}

		timestamp := g.now().UTC().Format(time.RFC3339)
		properties, _ := driver["properties"].(map[string]interface{})
		if properties == nil {
			properties = make(map[string]interface{})
			driver["properties"] = properties
		}
		if prior, ok := properties["gsast"].(map[string]interface{}); ok {
			if prior["pluginId"] == meta.PluginID {
				if prev, _ := prior["scanTimestamp"].(string); prev != "" {
					timestamp = prev
				}
			}
		}
		properties["gsast"] = map[string]interface{}{
			"pluginId":      meta.PluginID,
			"pluginAuthor":  meta.PluginAuthor,
			"scanTimestamp": timestamp,
			"gsastVersion":  Version,
		}
	}
}

// ProcessFile validates the SARIF file at path and rewrites it in place with
// the standardized document. Returns the validation error unchanged so the
// caller can drop the file.
func (g *Gate) ProcessFile(path string, meta Metadata) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read sarif file: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse sarif file: %w", err)
	}
	if err := g.Validate(doc); err != nil {
		return err
	}
	g.Standardize(doc, meta)
	out, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode sarif file: %w", err)
	}
	if err := os.WriteFile(path, out, 0644); err != nil {
		return fmt.Errorf("write sarif file: %w", err)
	}
	return nil
}

func driverOf(run map[string]interface{}) (map[string]interface{}, bool) {
	tool, _ := run["tool"].(map[string]interface{})
	driver, ok := tool["driver"].(map[string]interface{})
	return driver, ok
}
