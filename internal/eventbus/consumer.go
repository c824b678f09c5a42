package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// RetryConfig controls redelivery of events whose handlers fail.
type RetryConfig struct {
	MaxRetries        int
	InitialDelay      time.Duration
	BackoffMultiplier float64
	MaxDelay          time.Duration
}

// DefaultRetry is the standard policy: 5 retries starting at 100ms,
// doubling each attempt, capped at 30s.
var DefaultRetry = RetryConfig{
	MaxRetries:        5,
	InitialDelay:      100 * time.Millisecond,
	BackoffMultiplier: 2,
	MaxDelay:          30 * time.Second,
}

// Delay returns the backoff before redelivery attempt+1. Attempt 0 yields
// InitialDelay; delays grow by BackoffMultiplier and never exceed MaxDelay.
func (c RetryConfig) Delay(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 0; i < attempt; i++ {
		d *= c.BackoffMultiplier
		if d >= float64(c.MaxDelay) {
			return c.MaxDelay
		}
	}
	if d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// normalize substitutes DefaultRetry for the zero value and rejects
// configs that cannot drive the backoff loop. An explicit MaxRetries of 0
// is honored: the message gets exactly one delivery.
func (c RetryConfig) normalize() (RetryConfig, error) {
	if c == (RetryConfig{}) {
		return DefaultRetry, nil
	}
	if c.MaxRetries < 0 {
		return c, fmt.Errorf("eventbus: MaxRetries must not be negative, got %d", c.MaxRetries)
	}
	if c.MaxRetries > 0 {
		if c.InitialDelay <= 0 {
			return c, fmt.Errorf("eventbus: InitialDelay must be positive, got %s", c.InitialDelay)
		}
		if c.BackoffMultiplier < 1 {
			return c, fmt.Errorf("eventbus: BackoffMultiplier must be at least 1, got %g", c.BackoffMultiplier)
		}
		if c.MaxDelay < c.InitialDelay {
			return c, fmt.Errorf("eventbus: MaxDelay %s below InitialDelay %s", c.MaxDelay, c.InitialDelay)
		}
	}
	return c, nil
}

// Handler processes one delivered event. A non-nil error triggers
// redelivery with backoff.
type Handler func(ctx context.Context, event DomainEvent) error

// Consumer is a durable cursor over one topic. Events sharing a subject are
// handled strictly in publish order within the consumer's single loop
// goroutine; run multiple consumers for cross-topic parallelism.
type Consumer struct {
	name     string
	retry    RetryConfig
	handlers []Handler

	msgs jetstream.MessagesContext

	stopOnce sync.Once
	done     chan struct{}
}

// Consume creates (or resumes) the durable consumer for (service, topic)
// and starts its delivery loop. Handlers run sequentially in registration
// order; the message is acknowledged only when all of them succeed.
func (b *Bus) Consume(ctx context.Context, service string, topic Topic, retry RetryConfig, handlers ...Handler) (*Consumer, error) {
	if len(handlers) == 0 {
		return nil, errors.New("eventbus: consume requires at least one handler")
	}
	retry, err := retry.normalize()
	if err != nil {
		return nil, err
	}

	// Durable names may not contain dots.
	name := service + "-" + strings.ReplaceAll(string(topic), ".", "-")
	cons, err := b.js.CreateOrUpdateConsumer(ctx, topic.StreamName(), jetstream.ConsumerConfig{
		Durable:       name,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		FilterSubject: string(topic) + ".>",
		MaxDeliver:    retry.MaxRetries + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", name, err)
	}

	msgs, err := cons.Messages(jetstream.PullMaxMessages(64))
	if err != nil {
		return nil, fmt.Errorf("open message iterator for %s: %w", name, err)
	}

	c := &Consumer{
		name:     name,
		retry:    retry,
		handlers: handlers,
		msgs:     msgs,
		done:     make(chan struct{}),
	}
	go c.loop()
	return c, nil
}

// Stop halts delivery. Calling Stop more than once is a no-op; acknowledged
// state is broker-side and unaffected.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		c.msgs.Stop()
	})
	<-c.done
}

func (c *Consumer) loop() {
	defer close(c.done)
	for {
		msg, err := c.msgs.Next()
		if err != nil {
			if !errors.Is(err, jetstream.ErrMsgIteratorClosed) {
				log.Printf("eventbus: consumer %s iterator: %v", c.name, err)
			}
			return
		}
		c.handle(msg)
	}
}

func (c *Consumer) handle(msg jetstream.Msg) {
	var event DomainEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		// Poison message: retrying cannot fix a payload that does not
		// decode. Ack it and surface through the log.
		log.Printf("eventbus: consumer %s dropping undecodable message on %s: %v", c.name, msg.Subject(), err)
		if err := msg.Ack(); err != nil {
			log.Printf("eventbus: consumer %s ack poison message: %v", c.name, err)
		}
		return
	}

	ctx := context.Background()
	var handlerErr error
	for _, h := range c.handlers {
		if err := h(ctx, event); err != nil {
			handlerErr = err
			break
		}
	}
	if handlerErr == nil {
		if err := msg.Ack(); err != nil {
			log.Printf("eventbus: consumer %s ack %s: %v", c.name, event.ID, err)
		}
		return
	}

	attempt := 0
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered) - 1
	}
	if attempt >= c.retry.MaxRetries {
		// Out of retries. Ack so the broker stops redelivering; routing to
		// a dead-letter stream is the extension point here.
		log.Printf("eventbus: consumer %s dropping event %s (%s) after %d attempts: %v",
			c.name, event.ID, event.Type, attempt+1, handlerErr)
		if err := msg.Ack(); err != nil {
			log.Printf("eventbus: consumer %s ack exhausted message: %v", c.name, err)
		}
		return
	}

	delay := c.retry.Delay(attempt)
	log.Printf("eventbus: consumer %s handler failed for %s (attempt %d, retry in %s): %v",
		c.name, event.ID, attempt+1, delay, handlerErr)
	if err := msg.NakWithDelay(delay); err != nil {
		log.Printf("eventbus: consumer %s nak %s: %v", c.name, event.ID, err)
	}
}
