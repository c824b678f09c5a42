package eventbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/concordchat/concord/internal/snowflake"
)

// Topic is a broker-level event topic. Each topic owns one durable stream;
// subjects within it are "{topic}.{entityId}".
type Topic string

const (
	TopicGuild   Topic = "guild.events"
	TopicChannel Topic = "channel.events"
	TopicMessage Topic = "message.events"
	TopicMember  Topic = "member.events"
	TopicRole    Topic = "role.events"
)

// Topics lists every topic the bus provisions, in a stable order.
var Topics = []Topic{TopicGuild, TopicChannel, TopicMessage, TopicMember, TopicRole}

// StreamName returns the JetStream stream name for the topic. Stream names
// may not contain dots.
func (t Topic) StreamName() string {
	return strings.ToUpper(strings.ReplaceAll(string(t), ".", "_"))
}

// MaxAge is the retention window for the topic's stream: one day for
// message events, seven days for everything else.
func (t Topic) MaxAge() time.Duration {
	if t == TopicMessage {
		return 24 * time.Hour
	}
	return 7 * 24 * time.Hour
}

// DomainEvent is an immutable domain mutation. ID doubles as the broker
// dedup key, so republishing the same event is a no-op.
type DomainEvent struct {
	ID        snowflake.ID    `json:"id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// TopicFor maps an event type like "message.created" to its topic.
func TopicFor(eventType string) (Topic, error) {
	prefix, _, ok := strings.Cut(eventType, ".")
	if !ok {
		return "", fmt.Errorf("event type %q has no namespace", eventType)
	}
	switch prefix {
	case "guild":
		return TopicGuild, nil
	case "channel":
		return TopicChannel, nil
	case "message":
		return TopicMessage, nil
	case "member":
		return TopicMember, nil
	case "role":
		return TopicRole, nil
	default:
		return "", fmt.Errorf("unknown event namespace %q", prefix)
	}
}

// scopeKey is the payload field carrying the topic's scoping entity id:
// channel id for message/channel events, guild id otherwise.
func (t Topic) scopeKey() string {
	switch t {
	case TopicMessage, TopicChannel:
		return "channel_id"
	default:
		return "guild_id"
	}
}

// ScopeID extracts the event's scoping entity id from its payload.
func (e DomainEvent) ScopeID() (snowflake.ID, error) {
	topic, err := TopicFor(e.Type)
	if err != nil {
		return snowflake.Zero, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(e.Data, &fields); err != nil {
		return snowflake.Zero, fmt.Errorf("decode event %s payload: %w", e.ID, err)
	}
	raw, ok := fields[topic.scopeKey()]
	if !ok {
		return snowflake.Zero, fmt.Errorf("event %s payload missing %q", e.ID, topic.scopeKey())
	}
	var id snowflake.ID
	if err := json.Unmarshal(raw, &id); err != nil {
		return snowflake.Zero, fmt.Errorf("decode event %s scope id: %w", e.ID, err)
	}
	if id == snowflake.Zero {
		return snowflake.Zero, fmt.Errorf("event %s has empty %q", e.ID, topic.scopeKey())
	}
	return id, nil
}

// Subject computes the broker subject "{topic}.{entityId}" for the event.
// The same event always yields the same subject string.
func (e DomainEvent) Subject() (string, error) {
	topic, err := TopicFor(e.Type)
	if err != nil {
		return "", err
	}
	scope, err := e.ScopeID()
	if err != nil {
		return "", err
	}
	return string(topic) + "." + scope.String(), nil
}
