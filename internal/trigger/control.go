package trigger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/relaybird/syncd/internal/command"
)

// Control message types.
const (
	MessageRun     = "run"
	MessageEnqueue = "enqueue"
	MessageCancel  = "cancel"
)

// ErrMalformed is returned for control messages that cannot be handled.
var ErrMalformed = errors.New("malformed control message")

// Message is one control stream entry.
type Message struct {
	// StreamID is the Redis stream entry id; empty for messages not yet sent
	StreamID string

	Type      string
	Kind      command.Kind
	Scope     command.Scope
	Payload   string
	CommandID string

	RawData map[string]interface{}
}

// values renders m as stream fields.
func (m Message) values() map[string]interface{} {
	fields := map[string]interface{}{
		"type": m.Type,
	}
	switch m.Type {
	case MessageEnqueue:
		fields["kind"] = string(m.Kind)
		fields["account"] = m.Scope.Account
		fields["target"] = m.Scope.Target
		fields["payload"] = m.Payload
	case MessageCancel:
		fields["id"] = m.CommandID
	}
	return fields
}

// Handler applies control messages. queue.Queue implements it.
type Handler interface {
	Enqueue(ctx context.Context, cmd *command.Command) (*command.Command, bool, error)
	Cancel(ctx context.Context, id string) (bool, error)
}

// ControlConfig holds configuration for the control stream consumer.
type ControlConfig struct {
	// Client is a connected Redis client
	Client *redis.Client

	// Stream is the control stream (default: syncd:v1:control)
	Stream string

	// ConsumerGroup is shared by all daemons reading the stream (default: syncd)
	ConsumerGroup string

	// BlockMs is how long a read waits for a message (default: 5000)
	BlockMs int

	// ClaimIdle is how long an entry stays pending before Reclaim takes it
	// over; Run also reclaims this often (default: 30s)
	ClaimIdle time.Duration

	// MaxDeliveries caps redelivery of an entry whose handling keeps
	// failing; beyond it the entry goes to the dead letter stream (default: 5)
	MaxDeliveries int64

	// Clock stamps enqueued commands (default: time.Now)
	Clock func() time.Time

	// LogFn is called for log messages (if nil, prints to stdout/stderr)
	LogFn func(level, msg string)
}

// Control consumes the Redis control stream.
type Control struct {
	client        *redis.Client
	consumerID    string
	stream        string
	consumerGroup string
	blockMs       int
	claimIdle     time.Duration
	maxDeliveries int64
	clock         func() time.Time
	logFn         func(level, msg string)
}

// NewControl creates a control stream consumer.
func NewControl(cfg ControlConfig) *Control {
	if cfg.Stream == "" {
		cfg.Stream = DefaultControlStream
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = DefaultConsumerGroup
	}
	if cfg.BlockMs == 0 {
		cfg.BlockMs = 5000
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 30 * time.Second
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Control{
		client:        cfg.Client,
		consumerID:    fmt.Sprintf("syncd-%s", uuid.New().String()[:8]),
		stream:        cfg.Stream,
		consumerGroup: cfg.ConsumerGroup,
		blockMs:       cfg.BlockMs,
		claimIdle:     cfg.ClaimIdle,
		maxDeliveries: cfg.MaxDeliveries,
		clock:         cfg.Clock,
		logFn:         cfg.LogFn,
	}
}

func (c *Control) log(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if c.logFn != nil {
		c.logFn(level, msg)
		return
	}
	if level == "error" || level == "warning" {
		fmt.Fprintf(os.Stderr, "%s\n", msg)
	} else {
		fmt.Printf("%s\n", msg)
	}
}

// ConsumerID returns the unique consumer identifier.
func (c *Control) ConsumerID() string {
	return c.consumerID
}

// EnsureConsumerGroup creates the consumer group if it doesn't exist.
func (c *Control) EnsureConsumerGroup(ctx context.Context) error {
	// Messages sent while no daemon was running are still delivered
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.consumerGroup, "0").Err()
	if err != nil {
		// Ignore "BUSYGROUP" error (group already exists)
		if !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create consumer group: %w", err)
		}
	}
	return nil
}

// Send appends a control message to the stream and returns its entry id.
func (c *Control) Send(ctx context.Context, m Message) (string, error) {
	switch m.Type {
	case MessageRun, MessageEnqueue, MessageCancel:
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrMalformed, m.Type)
	}
	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		Values: m.values(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to send control message: %w", err)
	}
	return id, nil
}

// Read reads the next control message using XREADGROUP.
// Returns nil if no message is available within the block timeout.
func (c *Control) Read(ctx context.Context) (*Message, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.consumerGroup,
		Consumer: c.consumerID,
		Streams:  []string{c.stream, ">"},
		Count:    1,
		Block:    time.Duration(c.blockMs) * time.Millisecond,
	}).Result()

	if err != nil {
		if err == redis.Nil {
			return nil, nil // No message available
		}
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}

	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, nil
	}

	return parseMessage(streams[0].Messages[0]), nil
}

// Reclaim takes over entries left pending longer than ClaimIdle, by this
// consumer or by a daemon that has since exited. Entries already delivered
// more than MaxDeliveries times are moved to the dead letter stream and
// acknowledged instead of being returned.
func (c *Control) Reclaim(ctx context.Context) ([]*Message, error) {
	claimed, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.consumerGroup,
		Consumer: c.consumerID,
		MinIdle:  c.claimIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending entries: %w", err)
	}

	var msgs []*Message
	for _, entry := range claimed {
		msg := parseMessage(entry)
		n, err := c.DeliveryCount(ctx, msg.StreamID)
		if err != nil {
			return msgs, fmt.Errorf("delivery count of %s: %w", msg.StreamID, err)
		}
		if n <= c.maxDeliveries {
			msgs = append(msgs, msg)
			continue
		}

		c.log("warning", "Control message %s failed %d deliveries, moving to DLQ", msg.StreamID, n-1)
		if err := c.MoveToDLQ(ctx, msg, fmt.Sprintf("exceeded %d deliveries", c.maxDeliveries)); err != nil {
			return msgs, fmt.Errorf("move to DLQ: %w", err)
		}
		if err := c.Ack(ctx, msg.StreamID); err != nil {
			return msgs, fmt.Errorf("ack: %w", err)
		}
	}
	return msgs, nil
}

// DeliveryCount returns how many times a pending entry has been delivered.
// It is 0 for entries that are not pending.
func (c *Control) DeliveryCount(ctx context.Context, streamID string) (int64, error) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.consumerGroup,
		Start:  streamID,
		End:    streamID,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 {
		return pending[0].RetryCount, nil
	}
	return 0, nil
}

// Ack acknowledges a handled message.
func (c *Control) Ack(ctx context.Context, streamID string) error {
	return c.client.XAck(ctx, c.stream, c.consumerGroup, streamID).Err()
}

// MoveToDLQ copies a message that cannot be handled to the dead letter stream.
func (c *Control) MoveToDLQ(ctx context.Context, m *Message, reason string) error {
	fields := map[string]interface{}{
		"original_message_id": m.StreamID,
		"original_stream":     c.stream,
		"reason":              reason,
		"moved_at":            time.Now().UTC().Format(time.RFC3339),
		"consumer_id":         c.consumerID,
	}
	for k, v := range m.RawData {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}

	return c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqName(c.stream),
		Values: fields,
	}).Err()
}

// Run handles control messages until ctx is cancelled. Every handled
// message fires notify so the scheduler starts a pass. Entries whose
// handling failed are picked up again by a Reclaim every ClaimIdle.
func (c *Control) Run(ctx context.Context, h Handler, notify Signal) error {
	if err := c.EnsureConsumerGroup(ctx); err != nil {
		return err
	}
	c.log("info", "Listening for control messages on %s (consumer: %s)", c.stream, c.consumerID)

	var lastClaim time.Time
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(lastClaim) >= c.claimIdle {
			lastClaim = time.Now()
			msgs, err := c.Reclaim(ctx)
			if err != nil && ctx.Err() == nil {
				c.log("warning", "Reclaiming pending control messages failed: %v", err)
			}
			for _, msg := range msgs {
				c.process(ctx, h, msg, notify)
			}
		}

		msg, err := c.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log("warning", "Control stream read failed: %v", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if msg == nil {
			continue
		}
		c.process(ctx, h, msg, notify)
	}
}

func (c *Control) process(ctx context.Context, h Handler, msg *Message, notify Signal) {
	if err := c.Handle(ctx, h, msg); err != nil {
		c.log("error", "Control message %s: %v", msg.StreamID, err)
		return
	}
	notify.Fire()
}

// Handle applies one message and acknowledges it. Malformed messages and
// commands the queue rejects are moved to the dead letter stream. Other
// failures leave the message pending so it is redelivered.
func (c *Control) Handle(ctx context.Context, h Handler, msg *Message) error {
	err := c.apply(ctx, h, msg)
	if err != nil && !rejected(err) {
		return err
	}
	if err != nil {
		c.log("warning", "Rejected control message %s: %v", msg.StreamID, err)
		if dlqErr := c.MoveToDLQ(ctx, msg, err.Error()); dlqErr != nil {
			return fmt.Errorf("move to DLQ: %w", dlqErr)
		}
	}
	if ackErr := c.Ack(ctx, msg.StreamID); ackErr != nil {
		return fmt.Errorf("ack: %w", ackErr)
	}
	return err
}

func (c *Control) apply(ctx context.Context, h Handler, msg *Message) error {
	switch msg.Type {
	case MessageRun:
		return nil

	case MessageEnqueue:
		cmd := command.New(msg.Kind, msg.Scope, msg.Payload, c.clock())
		queued, coalesced, err := h.Enqueue(ctx, cmd)
		if err != nil {
			return err
		}
		if coalesced {
			c.log("info", "Coalesced %s into %s", msg.Kind, queued.ID)
		} else {
			c.log("info", "Enqueued %s (id: %s)", msg.Kind, queued.ID)
		}
		return nil

	case MessageCancel:
		if msg.CommandID == "" {
			return fmt.Errorf("%w: cancel without id", ErrMalformed)
		}
		found, err := h.Cancel(ctx, msg.CommandID)
		if err != nil {
			return err
		}
		if !found {
			c.log("warning", "Cancel: command %s is not queued", msg.CommandID)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)
	}
}

func rejected(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, command.ErrUnknownKind) ||
		errors.Is(err, command.ErrNoAccount)
}

// parseMessage converts a Redis stream message to a Message.
func parseMessage(msg redis.XMessage) *Message {
	m := &Message{
		StreamID: msg.ID,
		RawData:  make(map[string]interface{}),
	}

	// Copy raw data
	for k, v := range msg.Values {
		m.RawData[k] = v
	}

	str := func(key string) string {
		s, _ := msg.Values[key].(string)
		return s
	}
	m.Type = str("type")
	m.Kind = command.Kind(str("kind"))
	m.Scope = command.Scope{Account: str("account"), Target: str("target")}
	m.Payload = str("payload")
	m.CommandID = str("id")
	return m
}
