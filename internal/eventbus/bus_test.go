package eventbus

import (
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

func TestCheckRetentionFreshStream(t *testing.T) {
	skip, err := checkRetention("MESSAGE_EVENTS", jetstream.StreamState{}, time.Now())
	if err != nil {
		t.Fatalf("fresh stream: %v", err)
	}
	if !skip {
		t.Fatalf("fresh stream should be skipped")
	}
}

func TestCheckRetentionEmptyStreamPurgedPastStart(t *testing.T) {
	start := time.Now().Add(-time.Hour)
	state := jetstream.StreamState{
		Msgs:     0,
		LastSeq:  42,
		LastTime: time.Now().Add(-time.Minute),
	}
	_, err := checkRetention("MESSAGE_EVENTS", state, start)
	if !errors.Is(err, ErrReplayWindowExceeded) {
		t.Fatalf("purged empty stream: err = %v, want ErrReplayWindowExceeded", err)
	}
}

func TestCheckRetentionEmptyStreamPurgedBeforeStart(t *testing.T) {
	// Everything the stream ever held predates the requested point, so
	// nothing the caller needs was lost.
	state := jetstream.StreamState{
		Msgs:     0,
		LastSeq:  42,
		LastTime: time.Now().Add(-time.Hour),
	}
	skip, err := checkRetention("MESSAGE_EVENTS", state, time.Now())
	if err != nil {
		t.Fatalf("old purged stream: %v", err)
	}
	if !skip {
		t.Fatalf("old purged stream should be skipped")
	}
}

func TestCheckRetentionStartBeforeRetainedHistory(t *testing.T) {
	state := jetstream.StreamState{
		Msgs:      10,
		FirstTime: time.Now().Add(-time.Minute),
	}
	_, err := checkRetention("MESSAGE_EVENTS", state, time.Now().Add(-time.Hour))
	if !errors.Is(err, ErrReplayWindowExceeded) {
		t.Fatalf("pre-retention start: err = %v, want ErrReplayWindowExceeded", err)
	}
}

func TestCheckRetentionStartWithinHistory(t *testing.T) {
	state := jetstream.StreamState{
		Msgs:      10,
		FirstTime: time.Now().Add(-time.Hour),
	}
	skip, err := checkRetention("MESSAGE_EVENTS", state, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("retained start: %v", err)
	}
	if skip {
		t.Fatalf("stream with messages should not be skipped")
	}
}
