// Package notify pushes newly opened incidents onto a Redis list so that
// paging and chat integrations can consume them.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/labrun/pkg/models"
	redis "github.com/redis/go-redis/v9"
)

const DefaultQueue = "labrun:incidents"

// Notifier delivers incident notifications.
type Notifier interface {
	NotifyIncident(ctx context.Context, incident *models.ExecutionIncident) error
}

// Config holds the Redis connection settings.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Queue    string `yaml:"queue"`
}

// Message is the JSON document pushed for each incident.
type Message struct {
	IncidentID      string    `json:"incident_id"`
	IncidentType    string    `json:"incident_type"`
	Severity        string    `json:"severity"`
	Signature       string    `json:"signature"`
	Title           string    `json:"title"`
	AdapterID       string    `json:"adapter_id,omitempty"`
	ExecutionRunRef string    `json:"execution_run_ref,omitempty"`
	OpenedAt        time.Time `json:"opened_at"`
}

// NewMessage renders incident as a queue message.
func NewMessage(incident *models.ExecutionIncident) Message {
	return Message{
		IncidentID:      incident.RecordID,
		IncidentType:    incident.IncidentType,
		Severity:        string(incident.Severity),
		Signature:       incident.Signature,
		Title:           incident.Title,
		AdapterID:       incident.AdapterID,
		ExecutionRunRef: incident.ExecutionRunRef,
		OpenedAt:        incident.OpenedAt,
	}
}

type RedisNotifier struct {
	client redis.UniversalClient
	queue  string
	logger *slog.Logger
}

// NewRedisNotifier connects to Redis and verifies the connection.
func NewRedisNotifier(ctx context.Context, cfg Config, logger *slog.Logger) (*RedisNotifier, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis addr is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.InfoContext(ctx, "Connected to Redis", "addr", cfg.Addr, "db", cfg.DB)

	return NewRedisNotifierWithClient(client, cfg.Queue, logger), nil
}

// NewRedisNotifierWithClient wraps an existing client.
func NewRedisNotifierWithClient(client redis.UniversalClient, queue string, logger *slog.Logger) *RedisNotifier {
	if queue == "" {
		queue = DefaultQueue
	}

	return &RedisNotifier{
		client: client,
		queue:  queue,
		logger: logger.With("module", "incident_notifier", "queue", queue),
	}
}

func (n *RedisNotifier) NotifyIncident(ctx context.Context, incident *models.ExecutionIncident) error {
	payload, err := json.Marshal(NewMessage(incident))
	if err != nil {
		return fmt.Errorf("failed to marshal incident %s: %w", incident.RecordID, err)
	}

	if err := n.client.RPush(ctx, n.queue, payload).Err(); err != nil {
		return fmt.Errorf("failed to push incident %s: %w", incident.RecordID, err)
	}

	n.logger.DebugContext(ctx, "incident queued", "incident_id", incident.RecordID)

	return nil
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}
