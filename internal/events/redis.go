package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SystemScope is the history key suffix for events that belong to no team.
const SystemScope = "system"

// RedisSinkConfig configures the Redis event sink.
type RedisSinkConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// Channel is the pub/sub channel for live events. Defaults to <prefix>events:live.
	Channel string
	// MaxHistory caps the per-team history list. Zero keeps 1000 entries.
	MaxHistory int64
}

// Envelope is the JSON document written to Redis for every event.
type Envelope struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	TeamID  string          `json:"team_id,omitempty"`
	TaskID  string          `json:"task_id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// RedisSink forwards bus events to Redis. Every event is appended to a capped
// per-team history list and published on a single channel for live watchers.
type RedisSink struct {
	client     *redis.Client
	keyPrefix  string
	channel    string
	maxHistory int64
	logger     *zap.Logger
}

// NewRedisSink connects to Redis and returns a sink.
func NewRedisSink(cfg RedisSinkConfig, logger *zap.Logger) (*RedisSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "ghostpirates:"
	}
	maxHistory := cfg.MaxHistory
	if maxHistory <= 0 {
		maxHistory = 1000
	}

	channel := cfg.Channel
	if channel == "" {
		channel = keyPrefix + "events:live"
	}

	return &RedisSink{
		client:     client,
		keyPrefix:  keyPrefix + "events:",
		channel:    channel,
		maxHistory: maxHistory,
		logger:     logger.Named("redis-sink"),
	}, nil
}

// HistoryKey returns the list key holding the history of one team.
func (s *RedisSink) HistoryKey(teamID string) string {
	if teamID == "" {
		teamID = SystemScope
	}
	return s.keyPrefix + teamID
}

// Channel returns the pub/sub channel every event is published on.
func (s *RedisSink) Channel() string {
	return s.channel
}

// Write stores a single event.
func (s *RedisSink) Write(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data, err := json.Marshal(Envelope{
		Type:    event.EventType(),
		Topic:   event.Topic(),
		TeamID:  event.TeamID(),
		TaskID:  event.TaskID(),
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	key := s.HistoryKey(event.TeamID())
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -s.maxHistory, -1)
	pipe.Publish(ctx, s.Channel(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write event to Redis: %w", err)
	}
	return nil
}

// History returns up to limit of the most recent envelopes for a team, oldest first.
func (s *RedisSink) History(ctx context.Context, teamID string, limit int64) ([]Envelope, error) {
	if limit <= 0 {
		limit = s.maxHistory
	}
	raw, err := s.client.LRange(ctx, s.HistoryKey(teamID), -limit, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event history: %w", err)
	}
	out := make([]Envelope, 0, len(raw))
	for _, item := range raw {
		var env Envelope
		if err := json.Unmarshal([]byte(item), &env); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		out = append(out, env)
	}
	return out, nil
}

// Run drains events into Redis until the channel closes or ctx is done.
// Write errors are logged and do not stop the sink.
func (s *RedisSink) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.Write(ctx, ev); err != nil {
				s.logger.Warn("event not forwarded",
					zap.String("type", ev.EventType()),
					zap.String("task_id", ev.TaskID()),
					zap.Error(err))
			}
		}
	}
}

// Close closes the Redis client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
