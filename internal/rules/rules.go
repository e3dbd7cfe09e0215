// Package rules moves rule artifacts between the rules namespace and worker
// disk: the coordinator uploads request payloads, workers materialize them
// into per-scan directories.
package rules

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gsasthq/gsastd/internal/plugin"
	"github.com/redis/go-redis/v9"
)

// ValidateRuleFile checks the relative path and extension of an uploaded
// rule file. Allowed extensions are .yaml, .yml and .json.
func ValidateRuleFile(name string) error {
	if name == "" {
		return fmt.Errorf("rule file has empty name")
	}
	if filepath.IsAbs(name) || strings.Contains(name, "..") {
		return fmt.Errorf("rule file name %q must be a clean relative path", name)
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return nil
	}
	return fmt.Errorf("rule file %q has unsupported extension", name)
}

// Key addresses one rule file's bytes in the rules namespace.
func Key(scanID, relativePath string) string {
	return scanID + ":" + relativePath
}

// PathFromKey recovers the relative path from a rule key.
func PathFromKey(scanID, key string) string {
	return strings.TrimPrefix(key, scanID+":")
}

// Upload writes each rule file under its scan-scoped key and returns the
// keys in input order.
func Upload(ctx context.Context, client *redis.Client, scanID string, files []plugin.RuleFile) ([]string, error) {
	keys := make([]string, 0, len(files))
	for _, f := range files {
		key := Key(scanID, f.Name)
		if err := client.Set(ctx, key, f.Content, 0).Err(); err != nil {
			return nil, fmt.Errorf("upload rule %s: %w", f.Name, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Cache materializes rule keys into per-scan directories under one temp
// root. Directories are created once per scan id and reused for later jobs
// of the same scan within this process.
type Cache struct {
	client *redis.Client
	root   string

	mu   sync.Mutex
	dirs map[string]string
}

func NewCache(client *redis.Client) (*Cache, error) {
	root, err := os.MkdirTemp("", "gsast-rules-")
	if err != nil {
		return nil, fmt.Errorf("create rules temp root: %w", err)
	}
	return &Cache{
		client: client,
		root:   root,
		dirs:   make(map[string]string),
	}, nil
}

// Dir returns the on-disk directory holding the scan's rule files,
// materializing them on first use. A failed materialization removes the
// partial directory.
func (c *Cache) Dir(ctx context.Context, scanID string, ruleKeys []string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if dir, ok := c.dirs[scanID]; ok {
		return dir, nil
	}

	dir := filepath.Join(c.root, scanID)
	if err := c.materialize(ctx, dir, scanID, ruleKeys); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.Printf("Failed to remove partial rules dir %s: %v", dir, rmErr)
		}
		return "", err
	}
	c.dirs[scanID] = dir
	return dir, nil
}

func (c *Cache) materialize(ctx context.Context, dir, scanID string, ruleKeys []string) error {
	for _, key := range ruleKeys {
		content, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			return fmt.Errorf("fetch rule %s: %w", key, err)
		}
		target := filepath.Join(dir, filepath.FromSlash(PathFromKey(scanID, key)))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("create rules dir: %w", err)
		}
		if err := os.WriteFile(target, content, 0644); err != nil {
			return fmt.Errorf("write rule %s: %w", key, err)
		}
	}
	return nil
}

// Files reconstructs the in-memory rule files for plugins that take rule
// payloads directly.
func (c *Cache) Files(ctx context.Context, scanID string, ruleKeys []string) ([]plugin.RuleFile, error) {
	files := make([]plugin.RuleFile, 0, len(ruleKeys))
	for _, key := range ruleKeys {
		content, err := c.client.Get(ctx, key).Bytes()
		if err != nil {
			return nil, fmt.Errorf("fetch rule %s: %w", key, err)
		}
		files = append(files, plugin.RuleFile{
			Name:    PathFromKey(scanID, key),
			Content: content,
		})
	}
	return files, nil
}

// Close removes every materialized directory. Removal failures are logged,
// not fatal.
func (c *Cache) Close() {
	if err := os.RemoveAll(c.root); err != nil {
		log.Printf("Failed to remove rules temp root %s: %v", c.root, err)
	}
}
