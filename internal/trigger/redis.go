package trigger

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis key layout.
const (
	DefaultControlStream = "syncd:v1:control"
	DefaultConsumerGroup = "syncd"
	DefaultReportChannel = "syncd:v1:reports"
	statusKeyFormat      = "syncd:v1:command:%s:status"
)

// Connect opens a Redis client and verifies the connection.
func Connect(ctx context.Context, url, password string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if password != "" {
		opts.Password = password
	}

	client := redis.NewClient(opts)

	// Verify connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// StatusKey returns the hash holding the last reported status of a command.
func StatusKey(commandID string) string {
	return fmt.Sprintf(statusKeyFormat, commandID)
}

// dlqName returns the dead letter stream for a control stream.
func dlqName(stream string) string {
	return stream + ":dlq"
}
