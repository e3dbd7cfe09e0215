package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// Status is the externally visible scan record.
type Status struct {
	ScanID  string         `json:"scan_id"`
	Message string         `json:"message"`
	Jobs    map[string]int `json:"jobs"`
	Status  string         `json:"status"`
}

// GetStatus reads a scan record. Missing records yield ErrScanNotFound.
func (c *Coordinator) GetStatus(ctx context.Context, scanID string) (*Status, error) {
	fields, err := c.store.Scans().HGetAll(ctx, scanID).Result()
	if err != nil {
		return nil, fmt.Errorf("read scan record: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrScanNotFound
	}

	status := &Status{
		ScanID:  scanID,
		Message: fields["message"],
		Status:  fields["status"],
		Jobs:    map[string]int{},
	}
	if raw := fields["jobs"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &status.Jobs); err != nil {
			return nil, fmt.Errorf("decode jobs field: %w", err)
		}
	}
	return status, nil
}

func (c *Coordinator) setStatus(ctx context.Context, scanID, status, message string) error {
	return c.store.Scans().HSet(ctx, scanID, map[string]interface{}{
		"status":  status,
		"message": message,
	}).Err()
}

func (c *Coordinator) setMessage(ctx context.Context, scanID, message string) {
	if err := c.store.Scans().HSet(ctx, scanID, "message", message).Err(); err != nil {
		log.Printf("Scan %s: failed to update message: %v", scanID, err)
	}
}

// update writes the drain-loop message and job tally in one round trip.
func (c *Coordinator) update(ctx context.Context, scanID, message string, jobs map[string]int) {
	encoded, err := json.Marshal(jobs)
	if err != nil {
		log.Printf("Scan %s: failed to encode job counts: %v", scanID, err)
		return
	}
	if err := c.store.Scans().HSet(ctx, scanID, map[string]interface{}{
		"message": message,
		"jobs":    string(encoded),
	}).Err(); err != nil {
		log.Printf("Scan %s: failed to update record: %v", scanID, err)
	}
}
