// Package scheduler fires recurring scans from cron entries in the server
// config. Each entry points at a scan request document on disk.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/robfig/cron/v3"

	"github.com/gsasthq/gsastd/internal/config"
	"github.com/gsasthq/gsastd/internal/plugin"
	"github.com/gsasthq/gsastd/internal/scan"
	"github.com/gsasthq/gsastd/internal/scanconfig"
)

type Scheduler struct {
	cron        *cron.Cron
	coordinator *scan.Coordinator
	schedules   []config.ScheduleConfig
}

func New(coordinator *scan.Coordinator, schedules []config.ScheduleConfig) *Scheduler {
	return &Scheduler{
		cron:        cron.New(),
		coordinator: coordinator,
		schedules:   schedules,
	}
}

func (s *Scheduler) Start() error {
	for _, entry := range s.schedules {
		entry := entry
		if _, err := s.cron.AddFunc(entry.Cron, func() {
			s.fire(entry)
		}); err != nil {
			return fmt.Errorf("schedule %q: %w", entry.Name, err)
		}
		log.Printf("Scheduled scan %q: %s", entry.Name, entry.Cron)
	}
	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// scheduledRequest mirrors the POST /scan body so the same documents work
// for both entry points.
type scheduledRequest struct {
	Config    json.RawMessage `json:"config"`
	RuleFiles []struct {
		Name    string `json:"name"`
		Content string `json:"content"`
	} `json:"rule_files"`
}

func (s *Scheduler) fire(entry config.ScheduleConfig) {
	data, err := os.ReadFile(entry.ConfigFile)
	if err != nil {
		log.Printf("Scheduled scan %q: failed to read config: %v", entry.Name, err)
		return
	}

	var req scheduledRequest
	if err := json.Unmarshal(data, &req); err != nil {
		log.Printf("Scheduled scan %q: invalid request document: %v", entry.Name, err)
		return
	}

	cfg, err := scanconfig.Parse(req.Config)
	if err != nil {
		log.Printf("Scheduled scan %q: invalid scan config: %v", entry.Name, err)
		return
	}

	ruleFiles := make([]plugin.RuleFile, 0, len(req.RuleFiles))
	for _, f := range req.RuleFiles {
		ruleFiles = append(ruleFiles, plugin.RuleFile{Name: f.Name, Content: []byte(f.Content)})
	}

	scanID, err := s.coordinator.Initiate(context.Background(), cfg, ruleFiles)
	if err != nil {
		log.Printf("Scheduled scan %q: failed to start: %v", entry.Name, err)
		return
	}
	log.Printf("Scheduled scan %q started: %s", entry.Name, scanID)
}
