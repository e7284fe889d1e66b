package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/relaybird/syncd/internal/command"
)

// setupMiniredis starts a miniredis instance and returns a connected client.
func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(func() { mr.Close() })

	client, err := Connect(context.Background(), "redis://"+mr.Addr(), "")
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return mr, client
}

func newTestControl(t *testing.T, client *goredis.Client) *Control {
	t.Helper()
	c := NewControl(ControlConfig{
		Client:        client,
		Stream:        "syncd:v1:control-test",
		ConsumerGroup: "test-daemons",
		BlockMs:       50,
		LogFn:         func(level, msg string) {},
	})
	if err := c.EnsureConsumerGroup(context.Background()); err != nil {
		t.Fatalf("EnsureConsumerGroup: %v", err)
	}
	return c
}

// MockHandler records what the control stream asked for.
type MockHandler struct {
	mu         sync.Mutex
	enqueued   []*command.Command
	cancelled  []string
	enqueueErr error
	known      map[string]bool
}

func (m *MockHandler) Enqueue(ctx context.Context, cmd *command.Command) (*command.Command, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return nil, false, m.enqueueErr
	}
	if err := cmd.Validate(command.DefaultTable()); err != nil {
		return nil, false, err
	}
	m.enqueued = append(m.enqueued, cmd)
	return cmd, false, nil
}

func (m *MockHandler) Cancel(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, id)
	return m.known[id], nil
}

func (m *MockHandler) Enqueued() []*command.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*command.Command(nil), m.enqueued...)
}

func readOne(t *testing.T, c *Control) *Message {
	t.Helper()
	msg, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if msg == nil {
		t.Fatal("Read returned no message")
	}
	return msg
}

func pendingCount(t *testing.T, raw *goredis.Client, c *Control) int64 {
	t.Helper()
	p, err := raw.XPending(context.Background(), c.stream, c.consumerGroup).Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	return p.Count
}

func TestEnsureConsumerGroupIdempotent(t *testing.T) {
	_, raw := setupMiniredis(t)
	c := newTestControl(t, raw)
	if err := c.EnsureConsumerGroup(context.Background()); err != nil {
		t.Errorf("second EnsureConsumerGroup = %v, want nil", err)
	}
}

func TestReadEmptyStream(t *testing.T) {
	_, raw := setupMiniredis(t)
	c := newTestControl(t, raw)

	msg, err := c.Read(context.Background())
	if err != nil || msg != nil {
		t.Errorf("Read = %+v, %v; want nil, nil", msg, err)
	}
}

func TestSendAndHandleEnqueue(t *testing.T) {
	_, raw := setupMiniredis(t)
	c := newTestControl(t, raw)
	ctx := context.Background()

	_, err := c.Send(ctx, Message{
		Type:    MessageEnqueue,
		Kind:    command.KindPostMessage,
		Scope:   command.Scope{Account: "alice@example.social", Target: "draft-7"},
		Payload: `{"status":"hello"}`,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	msg := readOne(t, c)
	if msg.Type != MessageEnqueue || msg.Kind != command.KindPostMessage || msg.Scope.Target != "draft-7" {
		t.Errorf("parsed = %+v", msg)
	}

	h := &MockHandler{}
	if err := c.Handle(ctx, h, msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got := h.Enqueued()
	if len(got) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(got))
	}
	if got[0].Scope.Account != "alice@example.social" || got[0].Payload != `{"status":"hello"}` {
		t.Errorf("command = %+v", got[0])
	}
	if n := pendingCount(t, raw, c); n != 0 {
		t.Errorf("pending entries = %d, want 0 after ack", n)
	}
}

func TestHandleCancel(t *testing.T) {
	_, raw := setupMiniredis(t)
	c := newTestControl(t, raw)
	ctx := context.Background()

	if _, err := c.Send(ctx, Message{Type: MessageCancel, CommandID: "cmd-1"}); err != nil {
		t.Fatal(err)
	}
	h := &MockHandler{known: map[string]bool{"cmd-1": true}}
	if err := c.Handle(ctx, h, readOne(t, c)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(h.cancelled) != 1 || h.cancelled[0] != "cmd-1" {
		t.Errorf("cancelled = %v", h.cancelled)
	}
}

func TestRejectedMessagesGoToDLQ(t *testing.T) {
	_, raw := setupMiniredis(t)
	c := newTestControl(t, raw)
	ctx := context.Background()

	// Written directly so Send's validation does not stop them
	for _, values := range []map[string]interface{}{
		{"type": "reboot"},
		{"type": MessageEnqueue, "kind": "teleport", "account": "alice"},
		{"type": MessageEnqueue, "kind": string(command.KindFollow)},
		{"type": MessageCancel},
	} {
		if err := raw.XAdd(ctx, &goredis.XAddArgs{Stream: c.stream, Values: values}).Err(); err != nil {
			t.Fatal(err)
		}
	}

	h := &MockHandler{}
	for i := 0; i < 4; i++ {
		err := c.Handle(ctx, h, readOne(t, c))
		if !rejected(err) {
			t.Errorf("message %d: Handle = %v, want a rejection", i, err)
		}
	}

	n, err := raw.XLen(ctx, dlqName(c.stream)).Result()
	if err != nil {
		t.Fatal(err)
	}
	if n != 4 {
		t.Errorf("DLQ length = %d, want 4", n)
	}
	if n := pendingCount(t, raw, c); n != 0 {
		t.Errorf("pending entries = %d, want 0", n)
	}

	entries, err := raw.XRange(ctx, dlqName(c.stream), "-", "+").Result()
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Values["type"] != "reboot" || entries[0].Values["consumer_id"] != c.ConsumerID() {
		t.Errorf("DLQ entry = %v", entries[0].Values)
	}
}

func TestHandlerFailureLeavesMessagePending(t *testing.T) {
	_, raw := setupMiniredis(t)
	c := newTestControl(t, raw)
	ctx := context.Background()

	if _, err := c.Send(ctx, Message{Type: MessageEnqueue, Kind: command.KindFollow, Scope: command.Scope{Account: "a", Target: "b"}}); err != nil {
		t.Fatal(err)
	}
	h := &MockHandler{enqueueErr: errors.New("disk I/O error")}
	if err := c.Handle(ctx, h, readOne(t, c)); err == nil {
		t.Fatal("Handle should fail")
	}
	if n := pendingCount(t, raw, c); n != 1 {
		t.Errorf("pending entries = %d, want 1", n)
	}
}

func TestSendRejectsUnknownType(t *testing.T) {
	_, raw := setupMiniredis(t)
	c := newTestControl(t, raw)
	if _, err := c.Send(context.Background(), Message{Type: "reboot"}); !errors.Is(err, ErrMalformed) {
		t.Errorf("Send = %v, want ErrMalformed", err)
	}
}

func TestRunFiresNotify(t *testing.T) {
	_, raw := setupMiniredis(t)
	c := newTestControl(t, raw)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := &MockHandler{}
	notify := NewSignal()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, h, notify) }()

	if _, err := c.Send(ctx, Message{Type: MessageRun}); err != nil {
		t.Fatal(err)
	}

	select {
	case <-notify:
	case <-time.After(2 * time.Second):
		t.Fatal("run message did not fire notify")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestConnectBadURL(t *testing.T) {
	if _, err := Connect(context.Background(), "not a url", ""); err == nil {
		t.Error("Connect should reject a bad URL")
	}
}

func newClaimingControl(t *testing.T, client *goredis.Client, maxDeliveries int64) *Control {
	t.Helper()
	c := NewControl(ControlConfig{
		Client:        client,
		Stream:        "syncd:v1:control-test",
		ConsumerGroup: "test-daemons",
		BlockMs:       50,
		ClaimIdle:     time.Minute,
		MaxDeliveries: maxDeliveries,
		LogFn:         func(level, msg string) {},
	})
	if err := c.EnsureConsumerGroup(context.Background()); err != nil {
		t.Fatalf("EnsureConsumerGroup: %v", err)
	}
	return c
}

func failOnce(t *testing.T, c *Control, msg *Message) {
	t.Helper()
	h := &MockHandler{enqueueErr: errors.New("disk I/O error")}
	if err := c.Handle(context.Background(), h, msg); err == nil {
		t.Fatal("Handle should fail")
	}
}

func TestReclaimRedeliversFailedMessage(t *testing.T) {
	mr, raw := setupMiniredis(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mr.SetTime(base)
	ctx := context.Background()

	first := newClaimingControl(t, raw, 5)
	if _, err := first.Send(ctx, Message{Type: MessageEnqueue, Kind: command.KindFollow, Scope: command.Scope{Account: "alice", Target: "bob"}}); err != nil {
		t.Fatal(err)
	}
	failOnce(t, first, readOne(t, first))

	msgs, err := first.Reclaim(ctx)
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("reclaimed %d entries before ClaimIdle, want 0", len(msgs))
	}

	// A restarted daemon has a new consumer id
	mr.SetTime(base.Add(2 * time.Minute))
	second := newClaimingControl(t, raw, 5)
	msgs, err = second.Reclaim(ctx)
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Kind != command.KindFollow || msgs[0].Scope.Target != "bob" {
		t.Fatalf("reclaimed = %+v, want the failed follow", msgs)
	}

	h := &MockHandler{}
	if err := second.Handle(ctx, h, msgs[0]); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(h.Enqueued()) != 1 {
		t.Errorf("enqueued = %d, want 1", len(h.Enqueued()))
	}
	if n := pendingCount(t, raw, second); n != 0 {
		t.Errorf("pending entries = %d, want 0", n)
	}
}

func TestReclaimMovesExhaustedMessageToDLQ(t *testing.T) {
	mr, raw := setupMiniredis(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mr.SetTime(base)
	ctx := context.Background()

	c := newClaimingControl(t, raw, 2)
	if _, err := c.Send(ctx, Message{Type: MessageEnqueue, Kind: command.KindFollow, Scope: command.Scope{Account: "alice", Target: "bob"}}); err != nil {
		t.Fatal(err)
	}
	msg := readOne(t, c)
	failOnce(t, c, msg)

	if n, err := c.DeliveryCount(ctx, msg.StreamID); err != nil || n != 1 {
		t.Fatalf("DeliveryCount = %d, %v; want 1", n, err)
	}

	mr.SetTime(base.Add(2 * time.Minute))
	msgs, err := c.Reclaim(ctx)
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("second delivery: reclaimed %d, want 1", len(msgs))
	}
	failOnce(t, c, msgs[0])

	mr.SetTime(base.Add(4 * time.Minute))
	msgs, err = c.Reclaim(ctx)
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("third delivery: reclaimed %d, want 0", len(msgs))
	}

	entries, err := raw.XRange(ctx, dlqName(c.stream), "-", "+").Result()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("DLQ length = %d, want 1", len(entries))
	}
	if entries[0].Values["original_message_id"] != msg.StreamID || entries[0].Values["reason"] != "exceeded 2 deliveries" {
		t.Errorf("DLQ entry = %v", entries[0].Values)
	}
	if n := pendingCount(t, raw, c); n != 0 {
		t.Errorf("pending entries = %d, want 0", n)
	}
}

func TestRunReclaimsOnStart(t *testing.T) {
	mr, raw := setupMiniredis(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mr.SetTime(base)

	dead := newClaimingControl(t, raw, 5)
	if _, err := dead.Send(context.Background(), Message{Type: MessageEnqueue, Kind: command.KindFollow, Scope: command.Scope{Account: "alice", Target: "bob"}}); err != nil {
		t.Fatal(err)
	}
	failOnce(t, dead, readOne(t, dead))
	mr.SetTime(base.Add(2 * time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newClaimingControl(t, raw, 5)
	h := &MockHandler{}
	notify := NewSignal()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, h, notify) }()

	select {
	case <-notify:
	case <-time.After(2 * time.Second):
		t.Fatal("pending enqueue was not redelivered")
	}
	if got := h.Enqueued(); len(got) != 1 || got[0].Scope.Target != "bob" {
		t.Errorf("enqueued = %+v", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
