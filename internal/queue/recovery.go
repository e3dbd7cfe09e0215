package queue

import (
	"context"
	"fmt"
	"time"
)

// RecoverStaleJobs fails started jobs whose timeout elapsed without a
// terminal transition, e.g. because the owning worker died. Returns the
// number of jobs failed.
func (q *Queue) RecoverStaleJobs(ctx context.Context) (int, error) {
	ids, err := q.client.SMembers(ctx, keyStartedJobs).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list started jobs: %w", err)
	}

	recovered := 0
	now := time.Now()
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			// Record expired under us, drop the index entry.
			q.client.SRem(ctx, keyStartedJobs, id)
			continue
		}
		if job.Status != StatusStarted || job.Timeout <= 0 {
			if IsTerminal(job.Status) {
				q.client.SRem(ctx, keyStartedJobs, id)
			}
			continue
		}
		if now.Sub(job.StartedAt) <= job.Timeout {
			continue
		}
		if err := q.Fail(ctx, job, "job timed out"); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}
