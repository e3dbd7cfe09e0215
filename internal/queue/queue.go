// Package queue implements the durable FIFO task queue workers consume.
// Jobs are Redis hashes with explicit state transitions; the queue itself is
// a list of job ids.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	StatusQueued    = "queued"
	StatusStarted   = "started"
	StatusDeferred  = "deferred"
	StatusScheduled = "scheduled"
	StatusFinished  = "finished"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"

	keyQueue        = "gsast:queue:tasks"
	keyJobPrefix    = "gsast:job:"
	keyStartedJobs  = "gsast:jobs:started"
	keyWorkerSet    = "gsast:workers"
	keyWorkerPrefix = "gsast:worker:"

	workerTTL = 30 * time.Second
)

var ErrJobNotFound = errors.New("job not found")

// IsTerminal reports whether a job status can no longer change.
func IsTerminal(status string) bool {
	switch status {
	case StatusFinished, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Job is one per-repository scan task.
type Job struct {
	ID           string
	ScanID       string
	CloneURLAuth string
	CloneURLWeb  string
	RuleKeys     []string
	Scanners     []string
	Description  string
	Timeout      time.Duration
	ResultTTL    time.Duration
	Status       string
	CreatedAt    time.Time
	StartedAt    time.Time
	EndedAt      time.Time
	WorkerID     string
	Error        string
}

type Queue struct {
	client *redis.Client
}

func New(client *redis.Client) *Queue {
	return &Queue{client: client}
}

// Enqueue stores the job hash and pushes its id onto the queue. The job id
// is minted here and written back into the job.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (string, error) {
	job.ID = uuid.NewString()
	job.Status = StatusQueued
	job.CreatedAt = time.Now()

	fields, err := jobFields(job)
	if err != nil {
		return "", err
	}

	pipe := q.client.Pipeline()
	pipe.HSet(ctx, keyJobPrefix+job.ID, fields)
	pipe.LPush(ctx, keyQueue, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return job.ID, nil
}

// Dequeue blocks until a job is available, marks it started and returns it.
// Ids whose hash has expired are skipped.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	for {
		result, err := q.client.BRPop(ctx, 0, keyQueue).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("failed to dequeue: %w", err)
		}

		jobID := result[1]
		job, err := q.GetJob(ctx, jobID)
		if err != nil {
			continue
		}

		job.Status = StatusStarted
		job.StartedAt = time.Now()
		job.WorkerID = workerID

		pipe := q.client.Pipeline()
		pipe.HSet(ctx, keyJobPrefix+jobID, map[string]interface{}{
			"status":     job.Status,
			"started_at": job.StartedAt.Unix(),
			"worker_id":  workerID,
		})
		pipe.SAdd(ctx, keyStartedJobs, jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}
		return job, nil
	}
}

// Finish marks a job finished and applies its result TTL.
func (q *Queue) Finish(ctx context.Context, job *Job) error {
	return q.terminate(ctx, job, StatusFinished, "")
}

// Fail marks a job failed with the given message and applies its result TTL.
// Failed jobs are not retried.
func (q *Queue) Fail(ctx context.Context, job *Job, errMsg string) error {
	return q.terminate(ctx, job, StatusFailed, errMsg)
}

func (q *Queue) terminate(ctx context.Context, job *Job, status, errMsg string) error {
	job.Status = status
	job.EndedAt = time.Now()
	job.Error = errMsg

	pipe := q.client.Pipeline()
	pipe.HSet(ctx, keyJobPrefix+job.ID, map[string]interface{}{
		"status":   status,
		"ended_at": job.EndedAt.Unix(),
		"error":    errMsg,
	})
	pipe.SRem(ctx, keyStartedJobs, job.ID)
	if job.ResultTTL > 0 {
		pipe.Expire(ctx, keyJobPrefix+job.ID, job.ResultTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob loads a job hash by id.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, keyJobPrefix+jobID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrJobNotFound
	}
	return jobFromFields(jobID, fields)
}

// FetchJobs bulk-refreshes jobs for the drain loop. Ids whose record has
// expired are dropped from the result.
func (q *Queue) FetchJobs(ctx context.Context, ids []string) ([]*Job, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, keyJobPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to fetch jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for i, cmd := range cmds {
		fields, err := cmd.Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		job, err := jobFromFields(ids[i], fields)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Depth returns the number of queued job ids.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, keyQueue).Result()
}

// CountByStatus tallies live job records by status.
func (q *Queue) CountByStatus(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, keyJobPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan jobs: %w", err)
		}
		for _, key := range keys {
			status, err := q.client.HGet(ctx, key, "status").Result()
			if err != nil {
				continue
			}
			counts[status]++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return counts, nil
}

func jobFields(job *Job) (map[string]interface{}, error) {
	ruleKeys, err := json.Marshal(job.RuleKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rule keys: %w", err)
	}
	scanners, err := json.Marshal(job.Scanners)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scanners: %w", err)
	}
	return map[string]interface{}{
		"scan_id":        job.ScanID,
		"clone_url_auth": job.CloneURLAuth,
		"clone_url_web":  job.CloneURLWeb,
		"rule_keys":      string(ruleKeys),
		"scanners":       string(scanners),
		"description":    job.Description,
		"timeout_s":      int64(job.Timeout.Seconds()),
		"result_ttl_s":   int64(job.ResultTTL.Seconds()),
		"status":         job.Status,
		"created_at":     job.CreatedAt.Unix(),
	}, nil
}

func jobFromFields(id string, fields map[string]string) (*Job, error) {
	job := &Job{
		ID:           id,
		ScanID:       fields["scan_id"],
		CloneURLAuth: fields["clone_url_auth"],
		CloneURLWeb:  fields["clone_url_web"],
		Description:  fields["description"],
		Status:       fields["status"],
		WorkerID:     fields["worker_id"],
		Error:        fields["error"],
	}
	if raw := fields["rule_keys"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.RuleKeys); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rule keys: %w", err)
		}
	}
	if raw := fields["scanners"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Scanners); err != nil {
			return nil, fmt.Errorf("failed to unmarshal scanners: %w", err)
		}
	}
	job.Timeout = time.Duration(parseInt(fields["timeout_s"])) * time.Second
	job.ResultTTL = time.Duration(parseInt(fields["result_ttl_s"])) * time.Second
	job.CreatedAt = unixTime(fields["created_at"])
	job.StartedAt = unixTime(fields["started_at"])
	job.EndedAt = unixTime(fields["ended_at"])
	return job, nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func unixTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	return time.Unix(parseInt(s), 0)
}
