package trigger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/relaybird/syncd/internal/command"
	"github.com/relaybird/syncd/internal/outcome"
	"github.com/relaybird/syncd/internal/retry"
	"github.com/relaybird/syncd/internal/runner"
)

func TestRedisReporterPublishesAndStoresStatus(t *testing.T) {
	mr, raw := setupMiniredis(t)
	ctx := context.Background()

	// Subscribe BEFORE publishing (Pub/Sub has no replay)
	pubsub := raw.Subscribe(ctx, DefaultReportChannel)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	reporter := NewRedisReporter(raw, "", time.Hour)
	report := runner.Report{
		CommandID: "cmd-42",
		Kind:      command.KindPostMessage,
		Scope:     command.Scope{Account: "alice", Target: "draft"},
		State:     command.StateRetrying,
		Decision:  retry.Retry,
		Result:    outcome.Result{ExecutionCount: 1, RetriesLeft: 9, IOErrors: 1},
		Summary:   "executed:1, error:Soft",
	}
	if err := reporter.Report(ctx, report); err != nil {
		t.Fatalf("Report: %v", err)
	}

	msg, err := pubsub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("failed to receive message: %v", err)
	}
	var event ReportEvent
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		t.Fatalf("failed to unmarshal event: %v", err)
	}
	if event.CommandID != "cmd-42" || event.Decision != "retry" || event.State != "retrying" {
		t.Errorf("event = %+v", event)
	}
	if event.RetriesLeft != 9 || event.ExecutionCount != 1 || event.Account != "alice" {
		t.Errorf("event = %+v", event)
	}

	status, err := raw.HGetAll(ctx, StatusKey("cmd-42")).Result()
	if err != nil {
		t.Fatal(err)
	}
	if status["state"] != "retrying" || status["retries_left"] != "9" || status["summary"] != "executed:1, error:Soft" {
		t.Errorf("status hash = %v", status)
	}
	if ttl := mr.TTL(StatusKey("cmd-42")); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}
}

func TestRedisReporterWithoutTTL(t *testing.T) {
	mr, raw := setupMiniredis(t)
	reporter := NewRedisReporter(raw, "custom:reports", 0)
	report := runner.Report{CommandID: "cmd-1", Kind: command.KindFollow, State: command.StateSucceeded}
	if err := reporter.Report(context.Background(), report); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if ttl := mr.TTL(StatusKey("cmd-1")); ttl != 0 {
		t.Errorf("TTL = %v, want none", ttl)
	}
}

func TestStatusKey(t *testing.T) {
	if got := StatusKey("abc"); got != "syncd:v1:command:abc:status" {
		t.Errorf("StatusKey = %q", got)
	}
}
