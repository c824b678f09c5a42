package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

func TestDelayBackoff(t *testing.T) {
	cfg := DefaultRetry

	if got := cfg.Delay(0); got != cfg.InitialDelay {
		t.Fatalf("delay at attempt 0 = %s, want %s", got, cfg.InitialDelay)
	}

	var prev time.Duration
	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		d := cfg.Delay(attempt)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %s < %s", attempt, d, prev)
		}
		if d > cfg.MaxDelay {
			t.Fatalf("delay %s exceeds cap %s", d, cfg.MaxDelay)
		}
		prev = d
	}
}

func TestDelayCap(t *testing.T) {
	cfg := RetryConfig{
		MaxRetries:        20,
		InitialDelay:      100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxDelay:          30 * time.Second,
	}
	if got := cfg.Delay(19); got != cfg.MaxDelay {
		t.Fatalf("delay at attempt 19 = %s, want cap %s", got, cfg.MaxDelay)
	}
	if got := cfg.Delay(3); got != 800*time.Millisecond {
		t.Fatalf("delay at attempt 3 = %s, want 800ms", got)
	}
}

func TestNormalizeRetryZeroValueUsesDefaults(t *testing.T) {
	got, err := RetryConfig{}.normalize()
	if err != nil {
		t.Fatalf("normalize zero value: %v", err)
	}
	if got != DefaultRetry {
		t.Fatalf("normalized = %+v, want defaults", got)
	}
}

func TestNormalizeRetryHonorsZeroRetries(t *testing.T) {
	// A deliberate single-delivery policy must survive normalization, not
	// be silently replaced with the defaults.
	cfg := RetryConfig{MaxRetries: 0, InitialDelay: time.Second, BackoffMultiplier: 2, MaxDelay: time.Second}
	got, err := cfg.normalize()
	if err != nil {
		t.Fatalf("normalize zero-retry config: %v", err)
	}
	if got != cfg {
		t.Fatalf("normalized = %+v, want %+v", got, cfg)
	}
	if got.MaxRetries+1 != 1 {
		t.Fatalf("computed max deliver = %d, want 1", got.MaxRetries+1)
	}
}

func TestNormalizeRetryRejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name string
		cfg  RetryConfig
	}{
		{"negative retries", RetryConfig{MaxRetries: -1, InitialDelay: time.Second, BackoffMultiplier: 2, MaxDelay: time.Second}},
		{"zero initial delay", RetryConfig{MaxRetries: 3, BackoffMultiplier: 2, MaxDelay: time.Second}},
		{"shrinking multiplier", RetryConfig{MaxRetries: 3, InitialDelay: time.Second, BackoffMultiplier: 0.5, MaxDelay: time.Minute}},
		{"cap below initial", RetryConfig{MaxRetries: 3, InitialDelay: time.Second, BackoffMultiplier: 2, MaxDelay: time.Millisecond}},
	}
	for _, tc := range cases {
		if _, err := tc.cfg.normalize(); err == nil {
			t.Fatalf("%s: normalize accepted %+v", tc.name, tc.cfg)
		}
	}
}

// fakeMsg implements jetstream.Msg so the handle loop can be exercised
// without a broker.
type fakeMsg struct {
	data      []byte
	subject   string
	delivered uint64

	acked  bool
	naks   []time.Duration
	termed bool
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: m.delivered}, nil
}
func (m *fakeMsg) Data() []byte                       { return m.data }
func (m *fakeMsg) Headers() nats.Header               { return nil }
func (m *fakeMsg) Subject() string                    { return m.subject }
func (m *fakeMsg) Reply() string                      { return "" }
func (m *fakeMsg) Ack() error                         { m.acked = true; return nil }
func (m *fakeMsg) DoubleAck(_ context.Context) error  { m.acked = true; return nil }
func (m *fakeMsg) Nak() error                         { m.naks = append(m.naks, 0); return nil }
func (m *fakeMsg) NakWithDelay(d time.Duration) error { m.naks = append(m.naks, d); return nil }
func (m *fakeMsg) InProgress() error                  { return nil }
func (m *fakeMsg) Term() error                        { m.termed = true; return nil }
func (m *fakeMsg) TermWithReason(_ string) error      { m.termed = true; return nil }

func testConsumer(retry RetryConfig, handlers ...Handler) *Consumer {
	return &Consumer{name: "test-message-events", retry: retry, handlers: handlers, done: make(chan struct{})}
}

func validPayload() []byte {
	return []byte(`{"id":"175928847299117063","type":"message.created","timestamp":1700000000000,"data":{"channel_id":"200"}}`)
}

func TestHandleAcksOnSuccess(t *testing.T) {
	var calls []string
	c := testConsumer(DefaultRetry,
		func(_ context.Context, e DomainEvent) error { calls = append(calls, "first:"+e.Type); return nil },
		func(_ context.Context, e DomainEvent) error { calls = append(calls, "second:"+e.Type); return nil },
	)

	msg := &fakeMsg{data: validPayload(), subject: "message.events.200", delivered: 1}
	c.handle(msg)

	if !msg.acked {
		t.Fatalf("expected ack after successful handlers")
	}
	if len(msg.naks) != 0 {
		t.Fatalf("unexpected naks: %v", msg.naks)
	}
	if len(calls) != 2 || calls[0] != "first:message.created" || calls[1] != "second:message.created" {
		t.Fatalf("handlers not invoked in registration order: %v", calls)
	}
}

func TestHandleAcksPoisonMessage(t *testing.T) {
	called := false
	c := testConsumer(DefaultRetry, func(_ context.Context, _ DomainEvent) error {
		called = true
		return nil
	})

	msg := &fakeMsg{data: []byte("corrupt"), subject: "message.events.200", delivered: 1}
	c.handle(msg)

	if !msg.acked {
		t.Fatalf("expected poison message acked")
	}
	if called {
		t.Fatalf("handlers must not run for undecodable payloads")
	}
	if len(msg.naks) != 0 {
		t.Fatalf("poison message must never be retried")
	}
}

func TestHandleNaksWithBackoffOnFailure(t *testing.T) {
	c := testConsumer(DefaultRetry, func(_ context.Context, _ DomainEvent) error {
		return errors.New("boom")
	})

	// First delivery: attempt 0, nak with the initial delay.
	msg := &fakeMsg{data: validPayload(), subject: "message.events.200", delivered: 1}
	c.handle(msg)
	if msg.acked {
		t.Fatalf("failing handler must not ack before max retries")
	}
	if len(msg.naks) != 1 || msg.naks[0] != DefaultRetry.InitialDelay {
		t.Fatalf("naks = %v, want one nak with %s", msg.naks, DefaultRetry.InitialDelay)
	}

	// Third delivery: attempt 2, delay doubled twice.
	msg = &fakeMsg{data: validPayload(), subject: "message.events.200", delivered: 3}
	c.handle(msg)
	if want := 400 * time.Millisecond; len(msg.naks) != 1 || msg.naks[0] != want {
		t.Fatalf("naks = %v, want one nak with %s", msg.naks, want)
	}
}

func TestHandleDropsAfterMaxRetries(t *testing.T) {
	c := testConsumer(DefaultRetry, func(_ context.Context, _ DomainEvent) error {
		return errors.New("still failing")
	})

	// Redelivery count has reached maxRetries: ack and drop, no 6th try.
	msg := &fakeMsg{data: validPayload(), subject: "message.events.200", delivered: uint64(DefaultRetry.MaxRetries) + 1}
	c.handle(msg)

	if !msg.acked {
		t.Fatalf("expected exhausted message acked")
	}
	if len(msg.naks) != 0 {
		t.Fatalf("exhausted message must not be naked again: %v", msg.naks)
	}
}

func TestHandleStopsAtFirstFailingHandler(t *testing.T) {
	var calls []string
	c := testConsumer(DefaultRetry,
		func(_ context.Context, _ DomainEvent) error { calls = append(calls, "ok"); return nil },
		func(_ context.Context, _ DomainEvent) error { calls = append(calls, "fail"); return errors.New("no") },
		func(_ context.Context, _ DomainEvent) error { calls = append(calls, "never"); return nil },
	)

	msg := &fakeMsg{data: validPayload(), subject: "message.events.200", delivered: 1}
	c.handle(msg)

	if len(calls) != 2 {
		t.Fatalf("expected handler chain to stop at failure: %v", calls)
	}
	if msg.acked {
		t.Fatalf("message must not be acked when a handler fails")
	}
}
