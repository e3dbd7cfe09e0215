// Package metrics exposes scan and queue instrumentation via prometheus.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/gsasthq/gsastd/internal/queue"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	scansStarted   prometheus.Counter
	scansCompleted prometheus.Counter
	scansFailed    prometheus.Counter
)

// Register installs the collectors once per process. Queue-backed gauges
// read Redis with a one-second budget and report zero on error.
func Register(q *queue.Queue) {
	registerOnce.Do(func() {
		if q == nil {
			return
		}

		scansStarted = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gsast",
			Name:      "scans_started_total",
			Help:      "Number of scans accepted by the control plane.",
		})
		scansCompleted = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gsast",
			Name:      "scans_completed_total",
			Help:      "Number of scans that finished successfully.",
		})
		scansFailed = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gsast",
			Name:      "scans_failed_total",
			Help:      "Number of scans that ended in failure.",
		})

		prometheus.MustRegister(
			scansStarted,
			scansCompleted,
			scansFailed,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "gsast",
				Name:      "queue_depth",
				Help:      "Number of queued jobs waiting for a worker.",
			}, func() float64 {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				depth, err := q.Depth(ctx)
				if err != nil {
					return 0
				}
				return float64(depth)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "gsast",
				Name:      "live_workers",
				Help:      "Number of workers with a live heartbeat.",
			}, func() float64 {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				count, err := q.WorkerCount(ctx)
				if err != nil {
					return 0
				}
				return float64(count)
			}),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "gsast",
				Name:      "running_jobs",
				Help:      "Number of jobs currently marked started.",
			}, func() float64 {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				counts, err := q.CountByStatus(ctx)
				if err != nil {
					return 0
				}
				return float64(counts[queue.StatusStarted])
			}),
		)
	})
}

func ScanStarted() {
	if scansStarted != nil {
		scansStarted.Inc()
	}
}

func ScanCompleted() {
	if scansCompleted != nil {
		scansCompleted.Inc()
	}
}

func ScanFailed() {
	if scansFailed != nil {
		scansFailed.Inc()
	}
}
