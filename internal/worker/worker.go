// Package worker consumes the tasks queue: it clones the repository, runs
// the requested scanner plugins and stores gated results.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gsasthq/gsastd/internal/download"
	"github.com/gsasthq/gsastd/internal/plugin"
	"github.com/gsasthq/gsastd/internal/queue"
	"github.com/gsasthq/gsastd/internal/results"
	"github.com/gsasthq/gsastd/internal/rules"
)

type Worker struct {
	id          string
	queue       *queue.Queue
	registry    *plugin.Registry
	rules       *rules.Cache
	downloader  *download.Downloader
	results     *results.Store
	concurrency int

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

func New(q *queue.Queue, registry *plugin.Registry, rulesCache *rules.Cache, dl *download.Downloader, res *results.Store, concurrency int) *Worker {
	hostname, _ := os.Hostname()
	workerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	ctx, cancel := context.WithCancel(context.Background())

	return &Worker{
		id:          workerID,
		queue:       q,
		registry:    registry,
		rules:       rulesCache,
		downloader:  dl,
		results:     res,
		concurrency: concurrency,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) Start() error {
	if err := w.queue.RegisterWorker(w.ctx, w.id); err != nil {
		return err
	}
	log.Printf("Starting worker %s with concurrency %d", w.id, w.concurrency)

	w.wg.Add(1)
	go w.heartbeatLoop()

	w.wg.Add(1)
	go w.recoveryLoop()

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(i)
	}
	return nil
}

func (w *Worker) Stop() {
	log.Printf("Stopping worker %s", w.id)
	w.cancel()
	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.DeregisterWorker(ctx, w.id); err != nil {
		log.Printf("Worker %s deregister error: %v", w.id, err)
	}
	log.Printf("Worker %s stopped", w.id)
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}
		if err := w.queue.Heartbeat(w.ctx, w.id); err != nil {
			log.Printf("Worker %s heartbeat error: %v", w.id, err)
		}
	}
}

func (w *Worker) recoveryLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
		}
		if recovered, err := w.queue.RecoverStaleJobs(w.ctx); err != nil {
			log.Printf("Recovery: stale jobs error: %v", err)
		} else if recovered > 0 {
			log.Printf("Recovery: failed %d timed-out jobs", recovered)
		}
	}
}

func (w *Worker) processLoop(workerNum int) {
	defer w.wg.Done()

	workerID := fmt.Sprintf("%s-%d", w.id, workerNum)
	log.Printf("Worker goroutine %s started", workerID)

	for {
		select {
		case <-w.ctx.Done():
			log.Printf("Worker goroutine %s shutting down", workerID)
			return
		default:
		}

		dequeueCtx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
		job, err := w.queue.Dequeue(dequeueCtx, workerID)
		cancel()

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			log.Printf("Worker %s dequeue error: %v", workerID, err)
			time.Sleep(5 * time.Second)
			continue
		}

		w.process(job)
	}
}
