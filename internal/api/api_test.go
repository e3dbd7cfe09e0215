package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gsasthq/gsastd/internal/config"
	"github.com/gsasthq/gsastd/internal/plugin"
	"github.com/gsasthq/gsastd/internal/queue"
	"github.com/gsasthq/gsastd/internal/repos"
	"github.com/gsasthq/gsastd/internal/results"
	"github.com/gsasthq/gsastd/internal/sarif"
	"github.com/gsasthq/gsastd/internal/scan"
	"github.com/gsasthq/gsastd/internal/scanconfig"
	"github.com/gsasthq/gsastd/internal/store"
)

const testSecret = "test-secret"

type fakeScanner struct {
	id   string
	reqs []plugin.Requirement
}

func (f *fakeScanner) Metadata() plugin.Metadata {
	return plugin.Metadata{ID: f.id, Name: f.id, Version: "1.0.0", Author: "test"}
}
func (f *fakeScanner) Requirements() []plugin.Requirement { return f.reqs }
func (f *fakeScanner) Validate(plugin.Args) error         { return nil }
func (f *fakeScanner) Run(context.Context, string, string, plugin.Args) (map[string]string, error) {
	return nil, nil
}

type fakeProvider struct {
	repos []repos.Repository
}

func (f *fakeProvider) Fetch(ctx context.Context, target scanconfig.Target, filters *scanconfig.Filters, status repos.StatusFunc) ([]repos.Repository, error) {
	return f.repos, nil
}

type testEnv struct {
	server      *httptest.Server
	store       *store.Store
	queue       *queue.Queue
	coordinator *scan.Coordinator
}

func newTestEnv(t *testing.T, provider repos.Provider) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	st, err := store.New("redis://" + mr.Addr() + "/0")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	registry := plugin.NewRegistry(sarif.NewGate())
	registry.Register(&fakeScanner{id: "needs-rules", reqs: []plugin.Requirement{
		{Name: plugin.ReqRuleFiles, Required: true},
	}})
	registry.Register(&fakeScanner{id: "no-rules"})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	q := queue.New(st.Tasks())
	timeouts := config.TimeoutsConfig{
		Clone:                 time.Minute,
		WorkerWait:            2 * time.Second,
		Job:                   time.Minute,
		JobResultTTL:          time.Hour,
		JobPollInterval:       20 * time.Millisecond,
		ProjectStatusInterval: time.Millisecond,
	}
	factory := func(name string) (repos.Provider, error) { return provider, nil }
	coordinator := scan.New(ctx, st, q, registry, factory, timeouts)

	cfg := &config.Config{APISecretKey: testSecret}
	srv := httptest.NewServer(NewServer(cfg, st, coordinator, results.New(st.Scans())).Routes())
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, store: st, queue: q, coordinator: coordinator}
}

func (e *testEnv) do(t *testing.T, method, path, secret string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if secret != "" {
		req.Header.Set("API-SECRET-KEY", secret)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

// runWorker drains the queue in the background, finishing every job.
func runWorker(t *testing.T, e *testEnv) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := e.queue.RegisterWorker(ctx, "w1"); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	go func() {
		for {
			job, err := e.queue.Dequeue(ctx, "w1")
			if err != nil {
				return
			}
			e.queue.Finish(context.Background(), job)
		}
	}()
}

func scanBody(scanners ...string) map[string]interface{} {
	return map[string]interface{}{
		"config": map[string]interface{}{
			"base_url":       "http://localhost:8080",
			"api_secret_key": testSecret,
			"target": map[string]interface{}{
				"provider":      "github",
				"organizations": []string{"acme"},
			},
			"scanners": scanners,
		},
	}
}

func TestAuth(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})

	cases := []struct {
		name   string
		secret string
	}{
		{"missing header", ""},
		{"wrong secret", "not-the-secret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := e.do(t, http.MethodGet, "/queue/scans", tc.secret, nil)
			if resp.StatusCode != http.StatusForbidden {
				t.Errorf("status = %d, want 403", resp.StatusCode)
			}
			if body["error"] != "Invalid API-SECRET-KEY" {
				t.Errorf("error = %v", body["error"])
			}
		})
	}

	t.Run("health is open", func(t *testing.T) {
		resp, body := e.do(t, http.MethodGet, "/health", "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
		if body["status"] != "ok" {
			t.Errorf("status = %v", body["status"])
		}
	})
}

func TestScanEndpoint(t *testing.T) {
	repo := repos.Repository{
		Name:         "foo",
		FullName:     "acme/foo",
		CloneURL:     "https://h/acme/foo.git",
		AuthCloneURL: "https://h/acme/foo.git",
	}
	e := newTestEnv(t, &fakeProvider{repos: []repos.Repository{repo}})
	runWorker(t, e)

	resp, body := e.do(t, http.MethodPost, "/scan", testSecret, scanBody("no-rules"))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	scanID, _ := body["scan_id"].(string)
	if scanID == "" {
		t.Fatalf("scan_id missing: %v", body)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, body = e.do(t, http.MethodGet, "/scan/"+scanID+"/status", testSecret, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status endpoint = %d, body = %v", resp.StatusCode, body)
		}
		if body["status"] == scan.StatusCompleted {
			break
		}
		if body["status"] == scan.StatusFailed {
			t.Fatalf("scan failed: %v", body["message"])
		}
		if time.Now().After(deadline) {
			t.Fatalf("scan did not complete: %v", body)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if body["message"] != "Scan successfully finished" {
		t.Errorf("message = %v", body["message"])
	}

	t.Run("scan listed", func(t *testing.T) {
		resp, body := e.do(t, http.MethodGet, "/queue/scans", testSecret, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		scans, _ := body["scans"].([]interface{})
		if len(scans) != 1 || scans[0] != scanID {
			t.Errorf("scans = %v, want [%s]", scans, scanID)
		}
	})
}

func TestScanRejections(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})

	t.Run("invalid body", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, e.server.URL+"/scan", bytes.NewBufferString("{not json"))
		req.Header.Set("API-SECRET-KEY", testSecret)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("missing config", func(t *testing.T) {
		resp, body := e.do(t, http.MethodPost, "/scan", testSecret, map[string]interface{}{})
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
		if body["error"] != "config is required" {
			t.Errorf("error = %v", body["error"])
		}
	})

	t.Run("rule files required", func(t *testing.T) {
		resp, body := e.do(t, http.MethodPost, "/scan", testSecret, scanBody("needs-rules"))
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
		if body["error"] != "Rule files are required" {
			t.Errorf("error = %v", body["error"])
		}
	})

	t.Run("unknown scanner", func(t *testing.T) {
		resp, _ := e.do(t, http.MethodPost, "/scan", testSecret, scanBody("nonexistent"))
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("bad rule file name", func(t *testing.T) {
		body := scanBody("needs-rules")
		body["rule_files"] = []map[string]string{{"name": "../escape.yml", "content": "x"}}
		resp, _ := e.do(t, http.MethodPost, "/scan", testSecret, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})
}

func TestScanStatusNotFound(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})

	resp, body := e.do(t, http.MethodGet, "/scan/SCAN-2026-01-01-00-00-00/status", testSecret, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if body["error"] != "Scan not found" {
		t.Errorf("error = %v", body["error"])
	}
}

func TestScanResultsEndpoint(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})
	scanID := "SCAN-2026-01-01-00-00-00"

	t.Run("no results", func(t *testing.T) {
		resp, body := e.do(t, http.MethodGet, "/scan/"+scanID+"/results", testSecret, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
		if body["error"] != "No results found" {
			t.Errorf("error = %v", body["error"])
		}
	})

	dir := t.TempDir()
	doc := map[string]interface{}{
		"$schema": "https://json.schemastore.org/sarif-2.1.0.json",
		"version": "2.1.0",
		"runs": []interface{}{
			map[string]interface{}{
				"tool": map[string]interface{}{"driver": map[string]interface{}{"name": "fake"}},
				"results": []interface{}{
					map[string]interface{}{
						"ruleId":  "r1",
						"level":   "warning",
						"message": map[string]interface{}{"text": "finding"},
					},
				},
			},
		},
	}
	data, _ := json.Marshal(doc)
	path := filepath.Join(dir, "r1.sarif")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write sarif: %v", err)
	}
	res := results.New(e.store.Scans())
	if err := res.Store(context.Background(), scanID, "https://h/acme/foo.git", "semgrep", map[string]string{"r1": path}); err != nil {
		t.Fatalf("store results: %v", err)
	}

	t.Run("unfiltered", func(t *testing.T) {
		resp, body := e.do(t, http.MethodGet, "/scan/"+scanID+"/results", testSecret, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
		}
		if body["scan_id"] != scanID {
			t.Errorf("scan_id = %v", body["scan_id"])
		}
		if _, ok := body["filters_applied"]; ok {
			t.Errorf("filters_applied present on unfiltered query")
		}
		projects, _ := body["projects"].(map[string]interface{})
		if _, ok := projects["https://h/acme/foo.git"]; !ok {
			t.Errorf("projects = %v", projects)
		}
	})

	t.Run("project filter echoed", func(t *testing.T) {
		resp, body := e.do(t, http.MethodGet, "/scan/"+scanID+"/results?project=foo", testSecret, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		filters, _ := body["filters_applied"].(map[string]interface{})
		if filters["project"] != "foo" {
			t.Errorf("filters_applied = %v", filters)
		}
	})

	t.Run("project filter without match", func(t *testing.T) {
		resp, _ := e.do(t, http.MethodGet, "/scan/"+scanID+"/results?project=other", testSecret, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("status = %d, want 404", resp.StatusCode)
		}
	})

	t.Run("path query", func(t *testing.T) {
		query := "%24..results%5B%3F%28%40.level%3D%3D%22warning%22%29%5D"
		resp, body := e.do(t, http.MethodGet, "/scan/"+scanID+"/results?query="+query, testSecret, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
		}
	})

	t.Run("malformed path query", func(t *testing.T) {
		resp, _ := e.do(t, http.MethodGet, "/scan/"+scanID+"/results?query=%24..results%5B%3F%28", testSecret, nil)
		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", resp.StatusCode)
		}
	})
}

func TestCleanupEndpoints(t *testing.T) {
	e := newTestEnv(t, &fakeProvider{})
	ctx := context.Background()

	e.store.Scans().HSet(ctx, "SCAN-2026-01-01-00-00-00", "status", "completed")
	e.store.Projects().Set(ctx, "github:org:acme", "[]", 0)

	t.Run("projects listed", func(t *testing.T) {
		resp, body := e.do(t, http.MethodGet, "/queue/projects", testSecret, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		projects, _ := body["projects"].([]interface{})
		if len(projects) != 1 || projects[0] != "github:org:acme" {
			t.Errorf("projects = %v", projects)
		}
	})

	resp, body := e.do(t, http.MethodDelete, "/queue/cleanup", testSecret, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["message"] != "Queues cleaned up successfully" {
		t.Errorf("message = %v", body["message"])
	}
	if n, _ := e.store.Scans().DBSize(ctx).Result(); n != 0 {
		t.Errorf("scans not flushed")
	}

	resp, body = e.do(t, http.MethodDelete, "/queue/projects", testSecret, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["message"] != "Projects cache cleaned up successfully" {
		t.Errorf("message = %v", body["message"])
	}
	if n, _ := e.store.Projects().DBSize(ctx).Result(); n != 0 {
		t.Errorf("projects cache not flushed")
	}
}

func TestRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	st, err := store.New("redis://" + mr.Addr() + "/0")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	registry := plugin.NewRegistry(sarif.NewGate())
	registry.Register(&fakeScanner{id: "no-rules"})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	factory := func(name string) (repos.Provider, error) { return &fakeProvider{}, nil }
	coordinator := scan.New(ctx, st, queue.New(st.Tasks()), registry, factory, config.TimeoutsConfig{
		WorkerWait:            10 * time.Millisecond,
		JobPollInterval:       10 * time.Millisecond,
		ProjectStatusInterval: time.Millisecond,
	})

	cfg := &config.Config{APISecretKey: testSecret, API: config.APIConfig{RateLimitPerMinute: 2}}
	srv := httptest.NewServer(NewServer(cfg, st, coordinator, results.New(st.Scans())).Routes())
	t.Cleanup(srv.Close)

	post := func() int {
		data, _ := json.Marshal(scanBody("no-rules"))
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/scan", bytes.NewReader(data))
		req.Header.Set("API-SECRET-KEY", testSecret)
		req.Header.Set("X-Forwarded-For", "10.0.0.1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	for i := 0; i < 2; i++ {
		if code := post(); code == http.StatusTooManyRequests {
			t.Fatalf("request %d rate limited within burst", i+1)
		}
	}
	if code := post(); code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429 after burst", code)
	}

	t.Run("other clients unaffected", func(t *testing.T) {
		data, _ := json.Marshal(scanBody("no-rules"))
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/scan", bytes.NewReader(data))
		req.Header.Set("API-SECRET-KEY", testSecret)
		req.Header.Set("X-Forwarded-For", "10.0.0.2")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			t.Errorf("fresh client rate limited")
		}
	})

	coordinator.Wait()
}
