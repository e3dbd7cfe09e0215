package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/debug"

	"github.com/gsasthq/gsastd/internal/plugin"
	"github.com/gsasthq/gsastd/internal/queue"
)

// process runs one job to a terminal state. The clone directory is removed
// on every exit path, including panics.
func (w *Worker) process(job *queue.Job) {
	ctx := w.ctx
	var cancel context.CancelFunc
	if job.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, job.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("Job %s panicked: %v\n%s", job.ID, r, debug.Stack())
			w.failJob(job, fmt.Sprintf("panic: %v", r))
		}
	}()

	log.Printf("Job %s: scanning %s for scan %s", job.ID, job.CloneURLWeb, job.ScanID)

	// Plan: the clone strategy and rule materialization follow the selected
	// plugins' declared requirements.
	needsRules := w.registry.NeedsRulesDir(job.Scanners)
	needsFullHistory := w.registry.NeedsFullGitHistory(job.Scanners)

	var rulesDir string
	if needsRules {
		dir, err := w.rules.Dir(ctx, job.ScanID, job.RuleKeys)
		if err != nil {
			log.Printf("Job %s: failed to materialize rules: %v", job.ID, err)
			w.failJob(job, fmt.Sprintf("failed to materialize rules: %v", err))
			return
		}
		rulesDir = dir
	}

	sources, parent, err := w.downloader.Download(ctx, job.CloneURLAuth, job.CloneURLWeb, job.ScanID, !needsFullHistory)
	if err != nil {
		log.Printf("Job %s: clone failed: %v", job.ID, err)
		w.failJob(job, fmt.Sprintf("clone failed: %v", err))
		return
	}
	defer func() {
		if err := os.RemoveAll(parent); err != nil {
			log.Printf("Job %s: failed to remove clone dir %s: %v", job.ID, parent, err)
		}
	}()

	hasUploadErrors := false
	for _, pluginID := range job.Scanners {
		args, err := w.buildArgs(ctx, job, pluginID, rulesDir)
		if err != nil {
			log.Printf("Job %s: failed to assemble args for %s: %v", job.ID, pluginID, err)
			w.failJob(job, fmt.Sprintf("plugin %s: %v", pluginID, err))
			return
		}

		found, err := w.registry.Run(ctx, pluginID, sources, parent, args)
		if err != nil {
			log.Printf("Job %s: plugin %s failed: %v", job.ID, pluginID, err)
			w.failJob(job, err.Error())
			return
		}
		if len(found) == 0 {
			log.Printf("Job %s: plugin %s reported no findings", job.ID, pluginID)
			continue
		}

		if err := w.results.Store(ctx, job.ScanID, job.CloneURLWeb, pluginID, found); err != nil {
			log.Printf("Job %s: failed to store %s results: %v", job.ID, pluginID, err)
			hasUploadErrors = true
		}
	}

	if hasUploadErrors {
		w.failJob(job, "failed to store results")
		return
	}

	log.Printf("Job %s: finished", job.ID)
	if err := w.queue.Finish(context.Background(), job); err != nil {
		log.Printf("Job %s: failed to mark finished: %v", job.ID, err)
	}
}

// buildArgs supplies each input the plugin declares a requirement for.
func (w *Worker) buildArgs(ctx context.Context, job *queue.Job, pluginID, rulesDir string) (plugin.Args, error) {
	var args plugin.Args

	scanner, err := w.registry.Get(pluginID)
	if err != nil {
		return args, err
	}
	for _, req := range scanner.Requirements() {
		switch req.Name {
		case plugin.ReqRulesDir:
			args.RulesDir = rulesDir
		case plugin.ReqRuleFiles:
			files, err := w.rules.Files(ctx, job.ScanID, job.RuleKeys)
			if err != nil {
				return args, err
			}
			args.RuleFiles = files
		}
	}
	return args, nil
}

func (w *Worker) failJob(job *queue.Job, message string) {
	if err := w.queue.Fail(context.Background(), job, message); err != nil {
		log.Printf("Job %s: failed to mark failed: %v", job.ID, err)
	}
}
