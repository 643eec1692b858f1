package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"collab/api/internal/collab"
)

const (
	channelPrefix = "collab:"
	recentLimit   = 200
	recentTTL     = 24 * time.Hour
)

func SessionChannel(sessionID collab.SessionID) string {
	return channelPrefix + "session:" + sessionID.String()
}

func ResourceChannel(resourceType collab.ResourceType, resourceID collab.ResourceID) string {
	return channelPrefix + "resource:" + string(resourceType) + ":" + resourceID.String()
}

func UserChannel(userID collab.UserID) string {
	return channelPrefix + "user:" + userID.String()
}

func recentKey(sessionID collab.SessionID) string {
	return channelPrefix + "recent:" + sessionID.String()
}

// RedisPublisher publishes events on Redis pub/sub and keeps a short per-session
// backlog so reconnecting clients can catch up. Events are stamped with the
// publisher's origin; Subscribe skips its own so a local hub can be fed
// directly.
type RedisPublisher struct {
	client *redis.Client
	logger zerolog.Logger
	origin string
}

// NewRedisPublisher connects to redisURL and checks the connection.
func NewRedisPublisher(redisURL string, logger zerolog.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisPublisherWithClient(client, logger), nil
}

func NewRedisPublisherWithClient(client *redis.Client, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, logger: logger, origin: uuid.NewString()}
}

// Origin identifies this publisher in the events it sends.
func (p *RedisPublisher) Origin() string {
	return p.origin
}

// channels returns where an event goes. Targeted events skip the session
// channel so the target does not receive them twice.
func channels(event Event) []string {
	out := make([]string, 0, 3)
	if event.Targeted() {
		out = append(out, UserChannel(*event.TargetUserID))
	} else if event.SessionID != nil {
		out = append(out, SessionChannel(*event.SessionID))
	}
	if event.ResourceType != "" && event.ResourceID != uuid.Nil {
		out = append(out, ResourceChannel(event.ResourceType, event.ResourceID))
	}
	return out
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if event.Origin == "" {
		event.Origin = p.origin
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pipe := p.client.Pipeline()
	for _, channel := range channels(event) {
		pipe.Publish(ctx, channel, payload)
	}
	if event.SessionID != nil && !event.Targeted() {
		key := recentKey(*event.SessionID)
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, recentLimit-1)
		pipe.Expire(ctx, key, recentTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

// Recent returns up to limit of the session's latest broadcast events, oldest first.
func (p *RedisPublisher) Recent(ctx context.Context, sessionID collab.SessionID, limit int) ([]Event, error) {
	if limit <= 0 || limit > recentLimit {
		limit = recentLimit
	}
	raw, err := p.client.LRange(ctx, recentKey(sessionID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read recent events: %w", err)
	}

	events := make([]Event, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(raw[i]), &event); err != nil {
			p.logger.Warn().Err(err).Msg("skip malformed recent event")
			continue
		}
		events = append(events, event)
	}
	return events, nil
}

// Subscribe relays session and user events published by other instances to
// deliver until ctx is done. ready, when non-nil, is closed once the
// subscription is active.
func (p *RedisPublisher) Subscribe(ctx context.Context, deliver func(Event), ready chan<- struct{}) error {
	patterns := []string{channelPrefix + "session:*", channelPrefix + "user:*"}
	pubsub := p.client.PSubscribe(ctx, patterns...)
	defer pubsub.Close()

	// One confirmation per pattern.
	for range patterns {
		if _, err := pubsub.Receive(ctx); err != nil {
			return fmt.Errorf("subscribe events: %w", err)
		}
	}
	if ready != nil {
		close(ready)
	}

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				p.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("skip malformed event")
				continue
			}
			if event.Origin == p.origin {
				continue
			}
			// User channels only carry targeted events.
			if strings.HasPrefix(msg.Channel, channelPrefix+"user:") && !event.Targeted() {
				continue
			}
			deliver(event)
		}
	}
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
