package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/concordchat/concord/internal/eventbus"
	"github.com/concordchat/concord/internal/snowflake"
)

// ErrSessionNotFound is returned for unknown or expired session ids.
var ErrSessionNotFound = errors.New("gateway: session not found")

// Session is the per-connection resumable state: subscriptions, the last
// dispatched sequence number, and the last event id. It outlives its socket
// for the resume window.
type Session struct {
	ID     string
	UserID snowflake.ID

	mu             sync.Mutex
	lastSeq        int64
	lastEventID    snowflake.ID
	guilds         map[snowflake.ID]struct{}
	channels       map[snowflake.ID]struct{}
	disconnectedAt time.Time // zero while a connection is attached
}

func newSession(userID snowflake.ID) *Session {
	return &Session{
		ID:       ulid.Make().String(),
		UserID:   userID,
		guilds:   map[snowflake.ID]struct{}{},
		channels: map[snowflake.ID]struct{}{},
	}
}

// NextSeq assigns the next dispatch sequence number and records the event
// id it was assigned to.
func (s *Session) NextSeq(eventID snowflake.ID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeq++
	if eventID > s.lastEventID {
		s.lastEventID = eventID
	}
	return s.lastSeq
}

// LastSeq returns the most recently assigned sequence number.
func (s *Session) LastSeq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// LastEventID returns the id of the newest event dispatched on the session.
func (s *Session) LastEventID() snowflake.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// Subscribe adds guild and channel subscriptions to the session.
func (s *Session) Subscribe(guilds, channels []snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range guilds {
		s.guilds[id] = struct{}{}
	}
	for _, id := range channels {
		s.channels[id] = struct{}{}
	}
}

// Unsubscribe removes guild and channel subscriptions from the session.
func (s *Session) Unsubscribe(guilds, channels []snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range guilds {
		delete(s.guilds, id)
	}
	for _, id := range channels {
		delete(s.channels, id)
	}
}

// Subscriptions returns copies of the session's guild and channel sets.
func (s *Session) Subscriptions() (guilds, channels []snowflake.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.guilds {
		guilds = append(guilds, id)
	}
	for id := range s.channels {
		channels = append(channels, id)
	}
	return guilds, channels
}

// Subjects lists the broker subjects covering every subscription: guild
// subscriptions also cover member and role events, channel subscriptions
// also cover message events.
func (s *Session) Subjects() []string {
	guilds, channels := s.Subscriptions()
	var out []string
	for _, id := range guilds {
		out = append(out,
			string(eventbus.TopicGuild)+"."+id.String(),
			string(eventbus.TopicMember)+"."+id.String(),
			string(eventbus.TopicRole)+"."+id.String(),
		)
	}
	for _, id := range channels {
		out = append(out,
			string(eventbus.TopicChannel)+"."+id.String(),
			string(eventbus.TopicMessage)+"."+id.String(),
		)
	}
	return out
}

// SessionTable holds live and recently disconnected sessions. Detached
// sessions are evicted once they outstay the resume window.
type SessionTable struct {
	window time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	stopOnce sync.Once
	done     chan struct{}
}

// NewSessionTable starts a table whose janitor evicts sessions that stayed
// detached longer than the resume window.
func NewSessionTable(resumeWindow time.Duration) *SessionTable {
	t := &SessionTable{
		window:   resumeWindow,
		now:      time.Now,
		sessions: map[string]*Session{},
		done:     make(chan struct{}),
	}
	go t.janitor()
	return t
}

// Create registers a fresh session for the user.
func (t *SessionTable) Create(userID snowflake.ID) *Session {
	s := newSession(userID)
	t.mu.Lock()
	t.sessions[s.ID] = s
	t.mu.Unlock()
	return s
}

// Resume reattaches a detached session. Unknown and expired sessions both
// report ErrSessionNotFound.
func (t *SessionTable) Resume(id string) (*Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.mu.Lock()
	expired := !s.disconnectedAt.IsZero() && t.now().Sub(s.disconnectedAt) > t.window
	if !expired {
		s.disconnectedAt = time.Time{}
	}
	s.mu.Unlock()
	if expired {
		delete(t.sessions, id)
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Detach marks the session's connection as gone, starting the resume clock.
func (t *SessionTable) Detach(id string) {
	t.mu.RLock()
	s, ok := t.sessions[id]
	t.mu.RUnlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.disconnectedAt = t.now()
	s.mu.Unlock()
}

// Remove drops a session immediately, ending any resume eligibility.
func (t *SessionTable) Remove(id string) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

// ForUser returns the ids of all sessions belonging to the user.
func (t *SessionTable) ForUser(userID snowflake.ID) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for id, s := range t.sessions {
		if s.UserID == userID {
			out = append(out, id)
		}
	}
	return out
}

// Stop halts the janitor. Idempotent.
func (t *SessionTable) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *SessionTable) janitor() {
	interval := t.window / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *SessionTable) sweep() {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.sessions {
		s.mu.Lock()
		expired := !s.disconnectedAt.IsZero() && now.Sub(s.disconnectedAt) > t.window
		s.mu.Unlock()
		if expired {
			delete(t.sessions, id)
		}
	}
}
