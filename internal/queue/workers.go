package queue

import (
	"context"
	"fmt"
	"time"
)

// RegisterWorker records a worker heartbeat key with a short TTL and adds the
// worker to the registry set. Heartbeat must be called periodically to keep
// the registration alive.
func (q *Queue) RegisterWorker(ctx context.Context, workerID string) error {
	pipe := q.client.Pipeline()
	pipe.Set(ctx, keyWorkerPrefix+workerID, time.Now().Unix(), workerTTL)
	pipe.SAdd(ctx, keyWorkerSet, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	return nil
}

// Heartbeat refreshes the worker's registration TTL.
func (q *Queue) Heartbeat(ctx context.Context, workerID string) error {
	return q.client.Set(ctx, keyWorkerPrefix+workerID, time.Now().Unix(), workerTTL).Err()
}

// DeregisterWorker removes the worker from the registry on clean shutdown.
func (q *Queue) DeregisterWorker(ctx context.Context, workerID string) error {
	pipe := q.client.Pipeline()
	pipe.Del(ctx, keyWorkerPrefix+workerID)
	pipe.SRem(ctx, keyWorkerSet, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to deregister worker: %w", err)
	}
	return nil
}

// WorkerCount counts workers with a live heartbeat. Set members whose
// heartbeat key expired are pruned along the way.
func (q *Queue) WorkerCount(ctx context.Context) (int, error) {
	members, err := q.client.SMembers(ctx, keyWorkerSet).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list workers: %w", err)
	}

	alive := 0
	for _, id := range members {
		exists, err := q.client.Exists(ctx, keyWorkerPrefix+id).Result()
		if err != nil {
			return 0, err
		}
		if exists > 0 {
			alive++
			continue
		}
		q.client.SRem(ctx, keyWorkerSet, id)
	}
	return alive, nil
}
