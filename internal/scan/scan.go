// Package scan implements the tracked scan coordinator: it owns one scan
// from initiation to terminal status and is the only writer of the scan's
// record.
package scan

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gsasthq/gsastd/internal/config"
	"github.com/gsasthq/gsastd/internal/plugin"
	"github.com/gsasthq/gsastd/internal/queue"
	"github.com/gsasthq/gsastd/internal/repos"
	"github.com/gsasthq/gsastd/internal/rules"
	"github.com/gsasthq/gsastd/internal/scanconfig"
	"github.com/gsasthq/gsastd/internal/store"
)

const scanIDFormat = "SCAN-2006-01-02-15-04-05"

const (
	StatusStarted   = "started"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var (
	ErrScanNotFound      = errors.New("scan not found")
	ErrRuleFilesRequired = errors.New("Rule files are required")
)

// ProviderFactory builds the repository source for one provider name.
// Construction fails when the provider's token is not configured.
type ProviderFactory func(provider string) (repos.Provider, error)

type Coordinator struct {
	store     *store.Store
	queue     *queue.Queue
	registry  *plugin.Registry
	providers ProviderFactory
	timeouts  config.TimeoutsConfig

	ctx context.Context
	wg  sync.WaitGroup

	mintMu     sync.Mutex
	lastScanID string

	// Hooks for scan lifecycle metrics; nil when metrics are disabled.
	OnScanStarted   func()
	OnScanCompleted func()
	OnScanFailed    func()
}

// New builds a coordinator. Scans spawned from it stop when ctx is
// canceled; their records keep the last written status.
func New(ctx context.Context, st *store.Store, q *queue.Queue, registry *plugin.Registry, providers ProviderFactory, timeouts config.TimeoutsConfig) *Coordinator {
	return &Coordinator{
		store:     st,
		queue:     q,
		registry:  registry,
		providers: providers,
		timeouts:  timeouts,
		ctx:       ctx,
	}
}

// Wait blocks until all spawned scans have returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Initiate validates the request, mints a scan id, writes the initial scan
// record and spawns the scan goroutine. Validation failures return before
// any record is created.
func (c *Coordinator) Initiate(ctx context.Context, cfg *scanconfig.Config, ruleFiles []plugin.RuleFile) (string, error) {
	scanners := cfg.Scanners
	if len(scanners) == 0 {
		for _, meta := range c.registry.List() {
			scanners = append(scanners, meta.ID)
		}
	}
	for _, id := range scanners {
		if _, err := c.registry.Get(id); err != nil {
			return "", err
		}
	}

	if c.registry.NeedsRuleFiles(scanners) && len(ruleFiles) == 0 {
		return "", ErrRuleFilesRequired
	}
	for _, f := range ruleFiles {
		if err := rules.ValidateRuleFile(f.Name); err != nil {
			return "", err
		}
	}

	// Resolving the provider up front surfaces a missing token to the
	// caller instead of an asynchronously failed record.
	provider, err := c.providers(cfg.Target.Provider)
	if err != nil {
		return "", err
	}

	scanID := c.mintScanID()
	if err := c.setStatus(ctx, scanID, StatusStarted, "Scan initiated successfully"); err != nil {
		return "", err
	}

	if c.OnScanStarted != nil {
		c.OnScanStarted()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(c.ctx, scanID, cfg, provider, scanners, ruleFiles)
	}()
	return scanID, nil
}

// mintScanID serializes id creation so two scans accepted in the same
// wall-clock second never collide.
func (c *Coordinator) mintScanID() string {
	c.mintMu.Lock()
	defer c.mintMu.Unlock()

	for {
		id := time.Now().Format(scanIDFormat)
		if id != c.lastScanID {
			c.lastScanID = id
			return id
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func (c *Coordinator) run(ctx context.Context, scanID string, cfg *scanconfig.Config, provider repos.Provider, scanners []string, ruleFiles []plugin.RuleFile) {
	log.Printf("Scan %s: starting", scanID)
	c.setMessage(ctx, scanID, "Starting scan")

	// Phase 1: rule upload.
	var ruleKeys []string
	if len(ruleFiles) > 0 {
		c.setMessage(ctx, scanID, "Uploading provided rules to Redis")
		keys, err := rules.Upload(ctx, c.store.Rules(), scanID, ruleFiles)
		if err != nil {
			log.Printf("Scan %s: rule upload failed: %v", scanID, err)
			c.fail(ctx, scanID, "Error in uploading rules")
			return
		}
		ruleKeys = keys
	}
	if c.registry.NeedsRuleFiles(scanners) && len(ruleKeys) == 0 {
		c.fail(ctx, scanID, "Error in uploading rules")
		return
	}

	// Phase 2: repository enumeration.
	c.setMessage(ctx, scanID, "Fetching projects")
	repositories, err := provider.Fetch(ctx, cfg.Target, cfg.Filters, c.progressFunc(ctx, scanID))
	if err != nil {
		log.Printf("Scan %s: project fetch failed: %v", scanID, err)
		c.fail(ctx, scanID, fmt.Sprintf("Error fetching projects: %v", err))
		return
	}
	c.setMessage(ctx, scanID, fmt.Sprintf("Fetched %d projects", len(repositories)))
	if len(repositories) == 0 {
		c.fail(ctx, scanID, "No projects found")
		return
	}

	// Phase 3: worker readiness.
	if err := c.waitForWorkers(ctx); err != nil {
		log.Printf("Scan %s: %v", scanID, err)
		c.fail(ctx, scanID, err.Error())
		return
	}

	// Phase 4: enqueue.
	c.setMessage(ctx, scanID, "Processing and enqueuing jobs for projects")
	jobIDs := make([]string, 0, len(repositories))
	for _, repo := range repositories {
		job := &queue.Job{
			ScanID:       scanID,
			CloneURLAuth: repo.AuthCloneURL,
			CloneURLWeb:  repo.CloneURL,
			RuleKeys:     ruleKeys,
			Scanners:     scanners,
			Description:  scanID,
			Timeout:      c.timeouts.Job,
			ResultTTL:    c.timeouts.JobResultTTL,
		}
		id, err := c.queue.Enqueue(ctx, job)
		if err != nil {
			log.Printf("Scan %s: failed to enqueue job for %s: %v", scanID, repo.CloneURL, err)
			continue
		}
		jobIDs = append(jobIDs, id)
	}
	if len(jobIDs) == 0 {
		c.fail(ctx, scanID, "Failed to enqueue jobs")
		return
	}

	// Phase 5: drain.
	if err := c.drain(ctx, scanID, jobIDs); err != nil {
		log.Printf("Scan %s: drain interrupted: %v", scanID, err)
		return
	}

	// Phase 6: finalize.
	if err := c.setStatus(ctx, scanID, StatusCompleted, "Scan successfully finished"); err != nil {
		log.Printf("Scan %s: failed to finalize: %v", scanID, err)
		return
	}
	if c.OnScanCompleted != nil {
		c.OnScanCompleted()
	}
	log.Printf("Scan %s: completed", scanID)
}

// progressFunc throttles enumeration progress to one record update per
// status interval.
func (c *Coordinator) progressFunc(ctx context.Context, scanID string) repos.StatusFunc {
	var mu sync.Mutex
	var lastUpdate time.Time
	interval := c.timeouts.ProjectStatusInterval

	return func(message string) {
		mu.Lock()
		defer mu.Unlock()
		if time.Since(lastUpdate) < interval {
			return
		}
		lastUpdate = time.Now()
		c.setMessage(ctx, scanID, message)
	}
}

func (c *Coordinator) waitForWorkers(ctx context.Context) error {
	deadline := time.Now().Add(c.timeouts.WorkerWait)
	for {
		count, err := c.queue.WorkerCount(ctx)
		if err != nil {
			return fmt.Errorf("failed to count workers: %w", err)
		}
		if count > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("No workers available - timeout (%d seconds) while waiting for workers", int(c.timeouts.WorkerWait.Seconds()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// drain polls the job records until no non-terminal job remains, mirroring
// the tally into the scan record on every pass.
func (c *Coordinator) drain(ctx context.Context, scanID string, jobIDs []string) error {
	total := len(jobIDs)
	for {
		jobs, err := c.queue.FetchJobs(ctx, jobIDs)
		if err != nil {
			return err
		}

		counts := make(map[string]int)
		nonTerminal := 0
		for _, job := range jobs {
			counts[job.Status]++
			if !queue.IsTerminal(job.Status) {
				nonTerminal++
			}
		}
		// Jobs whose record expired count as finished.
		expired := total - len(jobs)
		if expired > 0 {
			counts[queue.StatusFinished] += expired
		}

		message := fmt.Sprintf("Waiting for jobs to finish.. Status: %d/%d finished", total-nonTerminal, total)
		c.update(ctx, scanID, message, counts)

		if nonTerminal == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.timeouts.JobPollInterval):
		}
	}
}

func (c *Coordinator) fail(ctx context.Context, scanID, message string) {
	if err := c.setStatus(ctx, scanID, StatusFailed, message); err != nil {
		log.Printf("Scan %s: failed to record failure: %v", scanID, err)
	}
	if c.OnScanFailed != nil {
		c.OnScanFailed()
	}
	log.Printf("Scan %s: failed: %s", scanID, message)
}

// ListScans enumerates scan record keys, newest last. Only top-level hashes
// carrying a status field qualify; results and project-set keys contain a
// colon and are skipped.
func (c *Coordinator) ListScans(ctx context.Context) ([]string, error) {
	client := c.store.Scans()
	var scans []string
	var cursor uint64
	for {
		keys, next, err := client.Scan(ctx, cursor, "*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		for _, key := range keys {
			if strings.Contains(key, ":") {
				continue
			}
			hasStatus, err := client.HExists(ctx, key, "status").Result()
			if err != nil || !hasStatus {
				continue
			}
			scans = append(scans, key)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(scans)
	return scans, nil
}

// CleanupQueues flushes scan metadata, the task queue and uploaded rules.
// The projects cache is left alone; CleanupProjects handles it.
func (c *Coordinator) CleanupQueues(ctx context.Context) error {
	if err := c.store.FlushScans(ctx); err != nil {
		return err
	}
	if err := c.store.FlushTasks(ctx); err != nil {
		return err
	}
	return c.store.FlushRules(ctx)
}

// CleanupProjects flushes the provider response cache.
func (c *Coordinator) CleanupProjects(ctx context.Context) error {
	return c.store.FlushProjects(ctx)
}
