package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gsasthq/gsastd/internal/api"
	"github.com/gsasthq/gsastd/internal/config"
	"github.com/gsasthq/gsastd/internal/download"
	"github.com/gsasthq/gsastd/internal/gitauth"
	"github.com/gsasthq/gsastd/internal/metrics"
	"github.com/gsasthq/gsastd/internal/plugin"
	"github.com/gsasthq/gsastd/internal/plugin/depconfusion"
	"github.com/gsasthq/gsastd/internal/plugin/semgrep"
	"github.com/gsasthq/gsastd/internal/plugin/trufflehog"
	"github.com/gsasthq/gsastd/internal/queue"
	"github.com/gsasthq/gsastd/internal/repos"
	"github.com/gsasthq/gsastd/internal/results"
	"github.com/gsasthq/gsastd/internal/rules"
	"github.com/gsasthq/gsastd/internal/sarif"
	"github.com/gsasthq/gsastd/internal/scan"
	"github.com/gsasthq/gsastd/internal/scheduler"
	"github.com/gsasthq/gsastd/internal/store"
	"github.com/gsasthq/gsastd/internal/worker"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "worker":
		runWorker(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <serve|worker> [-config config.yaml]\n", os.Args[0])
}

func loadConfig(args []string) *config.Config {
	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	path := fs.String("config", "config.yaml", "path to config file")
	fs.Parse(args)

	if _, err := os.Stat(*path); err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file %s not found, using defaults and environment", *path)
			return config.Default()
		}
		log.Fatalf("Failed to read config: %v", err)
	}

	cfg, err := config.Load(*path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func newRegistry() *plugin.Registry {
	registry := plugin.NewRegistry(sarif.NewGate())
	for _, s := range []plugin.Scanner{semgrep.New(), trufflehog.New(), depconfusion.New()} {
		if err := registry.Register(s); err != nil {
			log.Fatalf("Failed to register plugin: %v", err)
		}
	}
	return registry
}

func providerFactory(cfg *config.Config, st *store.Store) scan.ProviderFactory {
	return func(provider string) (repos.Provider, error) {
		switch provider {
		case "github":
			tokens, err := gitauth.GitHubTokenSource(cfg.GitHub)
			if err != nil {
				return nil, err
			}
			return repos.NewGitHub(tokens, st.Projects()), nil
		case "gitlab":
			tokens, err := gitauth.GitLabTokenSource(cfg.GitLab)
			if err != nil {
				return nil, err
			}
			return repos.NewGitLab(cfg.GitLab.URL, tokens, st.Projects()), nil
		default:
			return nil, fmt.Errorf("unknown provider %q", provider)
		}
	}
}

func runServe(args []string) {
	cfg := loadConfig(args)

	st, err := store.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to store: %v", err)
	}
	defer st.Close()

	q := queue.New(st.Tasks())
	registry := newRegistry()
	metrics.Register(q)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	coordinator := scan.New(ctx, st, q, registry, providerFactory(cfg, st), cfg.Timeouts)
	coordinator.OnScanStarted = metrics.ScanStarted
	coordinator.OnScanCompleted = metrics.ScanCompleted
	coordinator.OnScanFailed = metrics.ScanFailed

	server := api.NewServer(cfg, st, coordinator, results.New(st.Scans()))

	sched := scheduler.New(coordinator, cfg.Schedules)
	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("Listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP shutdown error: %v", err)
	}
	sched.Stop()
}

func runWorker(args []string) {
	cfg := loadConfig(args)

	st, err := store.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to store: %v", err)
	}
	defer st.Close()

	q := queue.New(st.Tasks())
	registry := newRegistry()

	rulesCache, err := rules.NewCache(st.Rules())
	if err != nil {
		log.Fatalf("Failed to create rules cache: %v", err)
	}
	defer rulesCache.Close()

	dl, err := download.New(cfg.Timeouts.Clone)
	if err != nil {
		log.Fatalf("Failed to create downloader: %v", err)
	}
	defer dl.Close()

	w := worker.New(q, registry, rulesCache, dl, results.New(st.Scans()), cfg.Worker.Concurrency)
	if err := w.Start(); err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	w.Stop()
}
