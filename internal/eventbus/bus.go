package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/concordchat/concord/internal/snowflake"
)

// ErrReplayWindowExceeded is returned by Replay when the requested start
// point is older than the broker's retained history for a subject.
var ErrReplayWindowExceeded = errors.New("eventbus: replay window exceeded")

// dedupWindow is how long the broker remembers published message ids.
const dedupWindow = 2 * time.Minute

// Bus is a handle to the broker. It is constructed once, passed down
// explicitly, and closed by its owner; there is no package-level instance.
type Bus struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect dials the broker and returns an open Bus.
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &Bus{nc: nc, js: js}, nil
}

// Close drains the underlying connection. Safe to call once per Bus.
func (b *Bus) Close() {
	b.nc.Close()
}

// EnsureStreams creates or updates the durable stream for every topic.
// Streams are file-backed so events survive broker restarts.
func (b *Bus) EnsureStreams(ctx context.Context) error {
	for _, topic := range Topics {
		_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       topic.StreamName(),
			Subjects:   []string{string(topic) + ".>"},
			Retention:  jetstream.LimitsPolicy,
			Storage:    jetstream.FileStorage,
			MaxAge:     topic.MaxAge(),
			Duplicates: dedupWindow,
		})
		if err != nil {
			return fmt.Errorf("ensure stream %s: %w", topic.StreamName(), err)
		}
	}
	return nil
}

// Publish writes the event to its topic's stream. The event id is the
// broker msg id, so publishing the same event twice stores it once.
// Broker failures surface to the caller; the bus never retries publishes.
func (b *Bus) Publish(ctx context.Context, event DomainEvent) error {
	subject, err := event.Subject()
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.ID, err)
	}
	if _, err := b.js.Publish(ctx, subject, data, jetstream.WithMsgID(event.ID.String())); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Replay returns every retained event on the given subjects with an id
// greater than after, in ascending id order. It fails with
// ErrReplayWindowExceeded when the broker no longer retains history back to
// the requested point.
func (b *Bus) Replay(ctx context.Context, subjects []string, after snowflake.ID) ([]DomainEvent, error) {
	byStream := map[string][]string{}
	for _, subject := range subjects {
		topic, err := topicOfSubject(subject)
		if err != nil {
			return nil, err
		}
		name := topic.StreamName()
		byStream[name] = append(byStream[name], subject)
	}

	start := after.Time()
	var out []DomainEvent
	for name, filter := range byStream {
		stream, err := b.js.Stream(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("lookup stream %s: %w", name, err)
		}
		info, err := stream.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("stream info %s: %w", name, err)
		}
		skip, err := checkRetention(name, info.State, start)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}

		events, err := b.drainFrom(ctx, name, filter, start)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}

	filtered := out[:0]
	for _, e := range out {
		if e.ID > after {
			filtered = append(filtered, e)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })
	return filtered, nil
}

// checkRetention decides whether a stream still holds history back to
// start. skip reports an empty stream with nothing to replay: one that
// never held a message. An empty stream whose last message postdates the
// requested point was drained by retention and has lost history the
// caller needs.
func checkRetention(name string, state jetstream.StreamState, start time.Time) (skip bool, err error) {
	if state.Msgs == 0 {
		if state.LastSeq > 0 && state.LastTime.After(start) {
			return false, fmt.Errorf("%w: %s purged history through %s, requested %s",
				ErrReplayWindowExceeded, name, state.LastTime, start)
		}
		return true, nil
	}
	if start.Before(state.FirstTime) {
		return false, fmt.Errorf("%w: %s retains history from %s, requested %s",
			ErrReplayWindowExceeded, name, state.FirstTime, start)
	}
	return false, nil
}

// drainFrom reads all currently retained messages on the filtered subjects
// starting at the given time, using a throwaway ephemeral consumer.
func (b *Bus) drainFrom(ctx context.Context, stream string, filter []string, start time.Time) ([]DomainEvent, error) {
	cons, err := b.js.CreateConsumer(ctx, stream, jetstream.ConsumerConfig{
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverByStartTimePolicy,
		OptStartTime:      &start,
		FilterSubjects:    filter,
		InactiveThreshold: time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("create replay consumer on %s: %w", stream, err)
	}
	defer func() {
		if err := b.js.DeleteConsumer(ctx, stream, cons.CachedInfo().Name); err != nil {
			log.Printf("eventbus: delete replay consumer: %v", err)
		}
	}()

	var out []DomainEvent
	for {
		batch, err := cons.FetchNoWait(256)
		if err != nil {
			return nil, fmt.Errorf("fetch replay batch on %s: %w", stream, err)
		}
		n := 0
		for msg := range batch.Messages() {
			n++
			var event DomainEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				log.Printf("eventbus: skip undecodable replay message on %s: %v", msg.Subject(), err)
				continue
			}
			out = append(out, event)
		}
		if err := batch.Error(); err != nil {
			return nil, fmt.Errorf("replay batch on %s: %w", stream, err)
		}
		if n == 0 {
			return out, nil
		}
	}
}

func topicOfSubject(subject string) (Topic, error) {
	for _, topic := range Topics {
		prefix := string(topic) + "."
		if len(subject) > len(prefix) && subject[:len(prefix)] == prefix {
			return topic, nil
		}
	}
	return "", fmt.Errorf("subject %q matches no topic", subject)
}
