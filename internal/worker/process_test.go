package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/redis/go-redis/v9"

	"github.com/gsasthq/gsastd/internal/download"
	"github.com/gsasthq/gsastd/internal/plugin"
	"github.com/gsasthq/gsastd/internal/queue"
	"github.com/gsasthq/gsastd/internal/results"
	"github.com/gsasthq/gsastd/internal/rules"
	"github.com/gsasthq/gsastd/internal/sarif"
)

const scanID = "SCAN-2026-01-02-03-04-05"

// fakeScanner writes one valid SARIF file per run and records the arguments
// it was invoked with.
type fakeScanner struct {
	id       string
	reqs     []plugin.Requirement
	runErr   error
	noOutput bool

	gotArgs    plugin.Args
	gotSources string
}

func (f *fakeScanner) Metadata() plugin.Metadata {
	return plugin.Metadata{ID: f.id, Name: f.id, Version: "1.0.0", Author: "test"}
}
func (f *fakeScanner) Requirements() []plugin.Requirement { return f.reqs }
func (f *fakeScanner) Validate(plugin.Args) error         { return nil }

func (f *fakeScanner) Run(ctx context.Context, sourcesDir, workDir string, args plugin.Args) (map[string]string, error) {
	f.gotArgs = args
	f.gotSources = sourcesDir
	if f.runErr != nil {
		return nil, f.runErr
	}
	if f.noOutput {
		return map[string]string{}, nil
	}

	doc := map[string]interface{}{
		"$schema": "https://json.schemastore.org/sarif-2.1.0.json",
		"version": "2.1.0",
		"runs": []interface{}{
			map[string]interface{}{
				"tool": map[string]interface{}{"driver": map[string]interface{}{"name": f.id}},
				"results": []interface{}{
					map[string]interface{}{
						"ruleId":  "r1",
						"level":   "warning",
						"message": map[string]interface{}{"text": "finding"},
						"locations": []interface{}{
							map[string]interface{}{
								"physicalLocation": map[string]interface{}{
									"artifactLocation": map[string]interface{}{"uri": "main.go"},
								},
							},
						},
					},
				},
			},
		},
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(workDir, f.id+"-r1.sarif")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}
	return map[string]string{"r1": path}, nil
}

type workerEnv struct {
	client  *redis.Client
	queue   *queue.Queue
	rules   *rules.Cache
	dl      *download.Downloader
	results *results.Store
}

func newWorkerEnv(t *testing.T) *workerEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cache, err := rules.NewCache(client)
	if err != nil {
		t.Fatalf("rules.NewCache: %v", err)
	}
	t.Cleanup(cache.Close)

	dl, err := download.New(time.Minute)
	if err != nil {
		t.Fatalf("download.New: %v", err)
	}
	t.Cleanup(func() { dl.Close() })

	return &workerEnv{
		client:  client,
		queue:   queue.New(client),
		rules:   cache,
		dl:      dl,
		results: results.New(client),
	}
}

func (e *workerEnv) worker(t *testing.T, scanners ...plugin.Scanner) *Worker {
	t.Helper()
	registry := plugin.NewRegistry(sarif.NewGate())
	for _, s := range scanners {
		if err := registry.Register(s); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	return New(e.queue, registry, e.rules, e.dl, e.results, 1)
}

// fixtureRepo creates a local git repository with one commit.
func fixtureRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte("package main\n"), 0644); err != nil {
		t.Fatalf("write fixture file: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := wt.Add("main.go"); err != nil {
		t.Fatalf("add: %v", err)
	}
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	return dir
}

// claimJob enqueues and dequeues one job so it carries a started record.
func claimJob(t *testing.T, e *workerEnv, job *queue.Job) *queue.Job {
	t.Helper()
	if _, err := e.queue.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	claimed, err := e.queue.Dequeue(ctx, "w-test")
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	return claimed
}

func TestProcessStoresResults(t *testing.T) {
	e := newWorkerEnv(t)
	// Requiring the full git history forces a non-shallow clone, which the
	// local fixture supports.
	scanner := &fakeScanner{id: "fake", reqs: []plugin.Requirement{
		{Name: plugin.ReqFullGitHistory, Required: true},
	}}
	w := e.worker(t, scanner)

	fixture := fixtureRepo(t)
	webURL := "https://h/acme/foo.git"
	job := claimJob(t, e, &queue.Job{
		ScanID:       scanID,
		CloneURLAuth: fixture,
		CloneURLWeb:  webURL,
		Scanners:     []string{"fake"},
		Timeout:      time.Minute,
		ResultTTL:    time.Hour,
	})

	w.process(job)

	got, err := e.queue.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != queue.StatusFinished {
		t.Fatalf("job status = %q (%s), want finished", got.Status, got.Error)
	}

	envelope, err := e.results.Get(context.Background(), scanID, "", "", "")
	if err != nil {
		t.Fatalf("results.Get: %v", err)
	}
	project, ok := envelope.Projects[webURL]
	if !ok {
		t.Fatalf("project missing: %v", envelope.Projects)
	}
	payload, ok := project.Results["fake"].(map[string]interface{})
	if !ok {
		t.Fatalf("fake payload missing: %v", project.Results)
	}

	t.Run("stored document is stamped", func(t *testing.T) {
		run := payload["runs"].([]interface{})[0].(map[string]interface{})
		driver := run["tool"].(map[string]interface{})["driver"].(map[string]interface{})
		props, ok := driver["properties"].(map[string]interface{})
		if !ok {
			t.Fatalf("driver properties missing: %v", driver)
		}
		stamp, ok := props["gsast"].(map[string]interface{})
		if !ok {
			t.Fatalf("stamp missing: %v", props)
		}
		if stamp["pluginId"] != "fake" {
			t.Errorf("pluginId = %v", stamp["pluginId"])
		}
	})

	t.Run("scanner saw the checkout", func(t *testing.T) {
		if filepath.Base(scanner.gotSources) != "foo" {
			t.Errorf("sources dir = %q", scanner.gotSources)
		}
	})

	t.Run("clone directory removed", func(t *testing.T) {
		if _, err := os.Stat(scanner.gotSources); !os.IsNotExist(err) {
			t.Errorf("checkout still on disk: %v", err)
		}
	})
}

func TestProcessSuppliesRuleInputs(t *testing.T) {
	e := newWorkerEnv(t)
	scanner := &fakeScanner{id: "ruled", reqs: []plugin.Requirement{
		{Name: plugin.ReqRuleFiles, Required: true},
		{Name: plugin.ReqRulesDir, Required: true},
		{Name: plugin.ReqFullGitHistory, Required: true},
	}}
	w := e.worker(t, scanner)

	keys, err := rules.Upload(context.Background(), e.client, scanID, []plugin.RuleFile{
		{Name: "r.yml", Content: []byte("rules: []")},
	})
	if err != nil {
		t.Fatalf("rules.Upload: %v", err)
	}

	job := claimJob(t, e, &queue.Job{
		ScanID:       scanID,
		CloneURLAuth: fixtureRepo(t),
		CloneURLWeb:  "https://h/acme/foo.git",
		RuleKeys:     keys,
		Scanners:     []string{"ruled"},
		Timeout:      time.Minute,
		ResultTTL:    time.Hour,
	})

	w.process(job)

	got, _ := e.queue.GetJob(context.Background(), job.ID)
	if got.Status != queue.StatusFinished {
		t.Fatalf("job status = %q (%s), want finished", got.Status, got.Error)
	}
	if scanner.gotArgs.RulesDir == "" {
		t.Errorf("rules dir not supplied")
	}
	if len(scanner.gotArgs.RuleFiles) != 1 || scanner.gotArgs.RuleFiles[0].Name != "r.yml" {
		t.Errorf("rule files = %+v", scanner.gotArgs.RuleFiles)
	}
	if _, err := os.Stat(filepath.Join(scanner.gotArgs.RulesDir, "r.yml")); err != nil {
		t.Errorf("materialized rule missing: %v", err)
	}
}

func TestProcessEmptyFindingsFinishes(t *testing.T) {
	e := newWorkerEnv(t)
	scanner := &fakeScanner{id: "quiet", noOutput: true, reqs: []plugin.Requirement{
		{Name: plugin.ReqFullGitHistory, Required: true},
	}}
	w := e.worker(t, scanner)

	job := claimJob(t, e, &queue.Job{
		ScanID:       scanID,
		CloneURLAuth: fixtureRepo(t),
		CloneURLWeb:  "https://h/acme/foo.git",
		Scanners:     []string{"quiet"},
		Timeout:      time.Minute,
	})

	w.process(job)

	got, _ := e.queue.GetJob(context.Background(), job.ID)
	if got.Status != queue.StatusFinished {
		t.Errorf("job status = %q (%s), want finished", got.Status, got.Error)
	}
	if _, err := e.results.Get(context.Background(), scanID, "", "", ""); !errors.Is(err, results.ErrNoProjects) {
		t.Errorf("results.Get = %v, want ErrNoProjects", err)
	}
}

func TestProcessPluginErrorFailsJob(t *testing.T) {
	e := newWorkerEnv(t)
	scanner := &fakeScanner{id: "broken", runErr: errors.New("scanner binary missing"), reqs: []plugin.Requirement{
		{Name: plugin.ReqFullGitHistory, Required: true},
	}}
	w := e.worker(t, scanner)

	job := claimJob(t, e, &queue.Job{
		ScanID:       scanID,
		CloneURLAuth: fixtureRepo(t),
		CloneURLWeb:  "https://h/acme/foo.git",
		Scanners:     []string{"broken"},
		Timeout:      time.Minute,
	})

	w.process(job)

	got, _ := e.queue.GetJob(context.Background(), job.ID)
	if got.Status != queue.StatusFailed {
		t.Fatalf("job status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "scanner binary missing") {
		t.Errorf("error = %q", got.Error)
	}
}

func TestProcessCloneFailureFailsJob(t *testing.T) {
	e := newWorkerEnv(t)
	scanner := &fakeScanner{id: "fake", reqs: []plugin.Requirement{
		{Name: plugin.ReqFullGitHistory, Required: true},
	}}
	w := e.worker(t, scanner)

	job := claimJob(t, e, &queue.Job{
		ScanID:       scanID,
		CloneURLAuth: t.TempDir(),
		CloneURLWeb:  "https://h/acme/foo.git",
		Scanners:     []string{"fake"},
		Timeout:      time.Minute,
	})

	w.process(job)

	got, _ := e.queue.GetJob(context.Background(), job.ID)
	if got.Status != queue.StatusFailed {
		t.Fatalf("job status = %q, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "clone failed") {
		t.Errorf("error = %q", got.Error)
	}
}

func TestWorkerLifecycle(t *testing.T) {
	e := newWorkerEnv(t)
	w := e.worker(t, &fakeScanner{id: "fake"})

	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	count, err := e.queue.WorkerCount(context.Background())
	if err != nil {
		t.Fatalf("WorkerCount: %v", err)
	}
	if count != 1 {
		t.Errorf("worker count = %d, want 1", count)
	}

	w.Stop()
	count, _ = e.queue.WorkerCount(context.Background())
	if count != 0 {
		t.Errorf("worker count after stop = %d, want 0", count)
	}
}
