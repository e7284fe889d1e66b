package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaybird/syncd/internal/runner"
)

// ReportEvent is published to Redis Pub/Sub after every attempt.
type ReportEvent struct {
	Version        string `json:"version"`
	CommandID      string `json:"commandId"`
	Kind           string `json:"kind"`
	Account        string `json:"account"`
	Target         string `json:"target,omitempty"`
	State          string `json:"state"`
	Decision       string `json:"decision"`
	Cancelled      bool   `json:"cancelled,omitempty"`
	ExecutionCount int    `json:"executionCount"`
	RetriesLeft    int    `json:"retriesLeft"`
	ItemID         int64  `json:"itemId,omitempty"`
	Summary        string `json:"summary"`
	Timestamp      string `json:"timestamp"`
}

// RedisReporter publishes runner reports and keeps the last status of each
// command in a hash.
type RedisReporter struct {
	client    *redis.Client
	channel   string
	statusTTL time.Duration
}

// NewRedisReporter creates a reporter. An empty channel selects
// syncd:v1:reports; a zero statusTTL keeps status hashes forever.
func NewRedisReporter(client *redis.Client, channel string, statusTTL time.Duration) *RedisReporter {
	if channel == "" {
		channel = DefaultReportChannel
	}
	return &RedisReporter{client: client, channel: channel, statusTTL: statusTTL}
}

// Report implements runner.Reporter.
func (r *RedisReporter) Report(ctx context.Context, report runner.Report) error {
	event := ReportEvent{
		Version:        "1.0",
		CommandID:      report.CommandID,
		Kind:           string(report.Kind),
		Account:        report.Scope.Account,
		Target:         report.Scope.Target,
		State:          string(report.State),
		Decision:       report.Decision.String(),
		Cancelled:      report.Cancelled,
		ExecutionCount: report.Result.ExecutionCount,
		RetriesLeft:    report.Result.RetriesLeft,
		ItemID:         report.Result.ItemID,
		Summary:        report.Summary,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal report event: %w", err)
	}

	key := StatusKey(report.CommandID)
	fields := map[string]interface{}{
		"state":           event.State,
		"decision":        event.Decision,
		"execution_count": event.ExecutionCount,
		"retries_left":    event.RetriesLeft,
		"summary":         event.Summary,
		"updated_at":      event.Timestamp,
	}

	pipe := r.client.Pipeline()
	pipe.Publish(ctx, r.channel, eventJSON)
	pipe.HSet(ctx, key, fields)
	if r.statusTTL > 0 {
		pipe.Expire(ctx, key, r.statusTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish report: %w", err)
	}
	return nil
}
