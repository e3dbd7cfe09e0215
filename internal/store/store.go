// Package store opens the four logical Redis namespaces the system runs on:
// projects cache, tasks queue, rule bytes and scan metadata. They live on one
// Redis instance as consecutive logical databases.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Database offsets relative to the DB named in the Redis URL.
const (
	dbProjects = 0
	dbTasks    = 1
	dbRules    = 2
	dbScans    = 3
)

type Store struct {
	projects *redis.Client
	tasks    *redis.Client
	rules    *redis.Client
	scans    *redis.Client
}

// New parses a redis:// URL and connects all four namespaces. The URL's
// database number is the base; the namespaces occupy base through base+3.
func New(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	s := &Store{
		projects: clientAt(opts, opts.DB+dbProjects),
		tasks:    clientAt(opts, opts.DB+dbTasks),
		rules:    clientAt(opts, opts.DB+dbRules),
		scans:    clientAt(opts, opts.DB+dbScans),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.scans.Ping(ctx).Err(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return s, nil
}

func clientAt(base *redis.Options, db int) *redis.Client {
	opts := *base
	opts.DB = db
	return redis.NewClient(&opts)
}

func (s *Store) Projects() *redis.Client { return s.projects }
func (s *Store) Tasks() *redis.Client    { return s.tasks }
func (s *Store) Rules() *redis.Client    { return s.rules }
func (s *Store) Scans() *redis.Client    { return s.scans }

// Ping checks connectivity for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.scans.Ping(ctx).Err()
}

// FlushScans removes all scan metadata and results.
func (s *Store) FlushScans(ctx context.Context) error {
	return s.scans.FlushDB(ctx).Err()
}

// FlushTasks removes the job queue and all job records.
func (s *Store) FlushTasks(ctx context.Context) error {
	return s.tasks.FlushDB(ctx).Err()
}

// FlushRules removes all uploaded rule files.
func (s *Store) FlushRules(ctx context.Context) error {
	return s.rules.FlushDB(ctx).Err()
}

// FlushProjects removes the provider response cache.
func (s *Store) FlushProjects(ctx context.Context) error {
	return s.projects.FlushDB(ctx).Err()
}

func (s *Store) Close() error {
	var firstErr error
	for _, c := range []*redis.Client{s.projects, s.tasks, s.rules, s.scans} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
