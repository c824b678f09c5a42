package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/concordchat/concord/internal/eventbus"
	"github.com/concordchat/concord/internal/snowflake"
)

// State is a connection's lifecycle position.
type State int

const (
	StateConnecting State = iota
	StateResuming
	StateReady
	StateClosing
	StateClosed
)

// wire is the subset of *websocket.Conn the state machine needs. Tests
// substitute an in-memory implementation.
type wire interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// sendBuffer bounds the per-connection outbound queue. A client that cannot
// drain it is closed and expected to resume.
const sendBuffer = 128

// Conn is one live gateway connection.
type Conn struct {
	id      string
	ws      wire
	gw      *Gateway
	limiter *rate.Limiter

	mu    sync.Mutex
	state State
	sess  *Session

	send   chan ServerMessage
	closed chan struct{}
	once   sync.Once

	// deliverMu serializes sequence assignment with enqueueing and guards
	// the resume buffer.
	deliverMu sync.Mutex
	pending   []eventbus.DomainEvent

	hbMu   sync.Mutex
	missed int
}

func newConnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (g *Gateway) serve(ctx context.Context, ws wire) {
	c := &Conn{
		id:      newConnID(),
		ws:      ws,
		gw:      g,
		limiter: rate.NewLimiter(g.opts.RateLimit, g.opts.RateBurst),
		send:    make(chan ServerMessage, sendBuffer),
		closed:  make(chan struct{}),
	}
	c.run(ctx)
}

func (c *Conn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writeLoop(ctx)

	interval := c.gw.opts.HeartbeatInterval
	c.enqueue(ServerMessage{Op: OpHello, D: HelloPayload{HeartbeatIntervalMs: interval.Milliseconds()}})

	// The identify deadline reuses the heartbeat interval: a client that
	// never identifies is indistinguishable from one that stopped beating.
	identifyTimer := time.AfterFunc(interval, func() {
		if c.currentState() != StateReady {
			c.terminate(&CloseError{Kind: KindHeartbeat, Reason: "identify deadline exceeded"})
		}
	})
	defer identifyTimer.Stop()

	go c.watchHeartbeats(ctx, interval)

	c.readLoop(ctx)
	c.cleanup()
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		select {
		case <-c.closed:
			return
		default:
		}

		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		if !c.limiter.Allow() {
			c.terminate(&CloseError{Kind: KindRateLimit, Reason: "too many operations"})
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.terminate(&CloseError{Kind: KindProtocol, Reason: "malformed envelope"})
			return
		}

		if err := c.handle(ctx, msg); err != nil {
			var ce *CloseError
			if errors.As(err, &ce) {
				c.terminate(ce)
			} else {
				log.Printf("gateway: conn %s: %v", c.id, err)
				c.shutdown(websocket.StatusInternalError, "internal error")
			}
			return
		}
	}
}

func (c *Conn) handle(ctx context.Context, msg ClientMessage) error {
	switch msg.Op {
	case OpIdentify:
		return c.handleIdentify(ctx, msg.D)
	case OpResume:
		return c.handleResume(ctx, msg.D)
	case OpHeartbeat:
		c.hbMu.Lock()
		c.missed = 0
		c.hbMu.Unlock()
		c.enqueue(ServerMessage{Op: OpHeartbeatAck})
		return nil
	case OpSubscribe:
		return c.handleSubscribe(msg.D, true)
	case OpUnsubscribe:
		return c.handleSubscribe(msg.D, false)
	default:
		return &CloseError{Kind: KindProtocol, Reason: fmt.Sprintf("unknown opcode %q", msg.Op)}
	}
}

func (c *Conn) handleIdentify(ctx context.Context, raw json.RawMessage) error {
	if c.currentState() != StateConnecting {
		return &CloseError{Kind: KindProtocol, Reason: "already identified"}
	}
	var payload IdentifyPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Token == "" {
		return &CloseError{Kind: KindProtocol, Reason: "invalid identify payload"}
	}

	identity, err := c.gw.auth.ValidateToken(ctx, payload.Token)
	if err != nil {
		return &CloseError{Kind: KindAuthentication, Reason: "token rejected"}
	}

	guilds, err := c.gw.dir.UserGuilds(ctx, identity.UserID)
	if err != nil {
		return fmt.Errorf("load guilds for %s: %w", identity.UserID, err)
	}

	sess := c.gw.sessions.Create(identity.UserID)
	c.attach(sess, StateReady)
	c.gw.register(c)

	seq := sess.NextSeq(payload.LastEventID)
	c.enqueue(ServerMessage{Op: OpDispatch, T: "ready", S: seq, D: ReadyPayload{
		SessionID: sess.ID,
		UserID:    identity.UserID,
		Guilds:    guilds,
	}})
	return nil
}

func (c *Conn) handleResume(ctx context.Context, raw json.RawMessage) error {
	if c.currentState() != StateConnecting {
		return &CloseError{Kind: KindProtocol, Reason: "resume after identify"}
	}
	var payload ResumePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Token == "" || payload.SessionID == "" {
		return &CloseError{Kind: KindProtocol, Reason: "invalid resume payload"}
	}

	identity, err := c.gw.auth.ValidateToken(ctx, payload.Token)
	if err != nil {
		return &CloseError{Kind: KindAuthentication, Reason: "token rejected"}
	}

	c.setState(StateResuming)
	sess, err := c.gw.sessions.Resume(payload.SessionID)
	if err != nil {
		// The client falls back to a fresh IDENTIFY on the same socket.
		c.setState(StateConnecting)
		c.enqueue(ServerMessage{Op: OpResyncRequired, D: ResyncPayload{Reason: ResyncSessionExpired}})
		return nil
	}
	if sess.UserID != identity.UserID {
		return &CloseError{Kind: KindAuthentication, Reason: "session does not belong to user"}
	}

	// Rejoin the fanout path before replaying, buffering live deliveries
	// until the backlog is flushed: an event dispatched while Replay is in
	// flight lands in the buffer instead of being lost. The conns map
	// entry must exist before the index one, or a concurrent dispatch
	// could find the subscription but not the connection.
	c.attach(sess, StateResuming)
	c.beginBuffering()
	c.gw.register(c)
	guilds, channels := sess.Subscriptions()
	c.gw.index.Subscribe(c.id, guilds, channels)

	events, err := c.gw.replayer.Replay(ctx, sess.Subjects(), payload.LastEventID)
	if err != nil {
		if errors.Is(err, eventbus.ErrReplayWindowExceeded) {
			c.abortResume(sess.ID)
			c.enqueue(ServerMessage{Op: OpResyncRequired, D: ResyncPayload{Reason: ResyncReplayWindowExceeded}})
			return nil
		}
		return fmt.Errorf("replay for session %s: %w", sess.ID, err)
	}

	backlog := make([]eventbus.DomainEvent, 0, len(events))
	for _, event := range events {
		ok, err := c.viewable(ctx, event)
		if err != nil {
			return err
		}
		if ok {
			backlog = append(backlog, event)
		}
	}

	c.flushResume(sess, backlog, payload.LastEventID)
	c.setState(StateReady)
	return nil
}

func (c *Conn) viewable(ctx context.Context, event eventbus.DomainEvent) (bool, error) {
	topic, err := eventbus.TopicFor(event.Type)
	if err != nil {
		return false, fmt.Errorf("replayed event %s: %w", event.ID, err)
	}
	if topic != eventbus.TopicMessage && topic != eventbus.TopicChannel {
		return true, nil
	}
	scope, err := event.ScopeID()
	if err != nil {
		return false, fmt.Errorf("replayed event %s: %w", event.ID, err)
	}
	ok, err := c.gw.perms.CanView(ctx, c.session().UserID, scope)
	if err != nil {
		return false, fmt.Errorf("permission check during replay: %w", err)
	}
	return ok, nil
}

func (c *Conn) beginBuffering() {
	c.deliverMu.Lock()
	c.pending = []eventbus.DomainEvent{}
	c.deliverMu.Unlock()
}

// abortResume undoes a failed resume so the client can IDENTIFY fresh on
// the same socket.
func (c *Conn) abortResume(sessionID string) {
	c.gw.index.RemoveConnection(c.id)
	c.gw.unregister(c.id)
	c.gw.sessions.Detach(sessionID)
	c.deliverMu.Lock()
	c.pending = nil
	c.deliverMu.Unlock()
	c.mu.Lock()
	c.sess = nil
	c.state = StateConnecting
	c.mu.Unlock()
}

// flushResume queues the replayed backlog, then the events buffered while
// the replay was in flight, then returns the connection to live delivery.
// Buffered events already covered by the backlog (id at or below the
// highest replayed id) are dropped so the client sees each event once.
func (c *Conn) flushResume(sess *Session, backlog []eventbus.DomainEvent, after snowflake.ID) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	highest := after
	for _, event := range backlog {
		if event.ID > highest {
			highest = event.ID
		}
		seq := sess.NextSeq(event.ID)
		c.enqueue(ServerMessage{Op: OpDispatch, T: event.Type, S: seq, D: event})
	}
	for _, event := range c.pending {
		if event.ID <= highest {
			continue
		}
		seq := sess.NextSeq(event.ID)
		c.enqueue(ServerMessage{Op: OpDispatch, T: event.Type, S: seq, D: event})
	}
	c.pending = nil
}

func (c *Conn) handleSubscribe(raw json.RawMessage, add bool) error {
	sess := c.session()
	if c.currentState() != StateReady || sess == nil {
		return &CloseError{Kind: KindProtocol, Reason: "subscribe before identify"}
	}
	var payload SubscribePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &CloseError{Kind: KindProtocol, Reason: "invalid subscribe payload"}
	}
	if add {
		sess.Subscribe(payload.Guilds, payload.Channels)
		c.gw.index.Subscribe(c.id, payload.Guilds, payload.Channels)
	} else {
		sess.Unsubscribe(payload.Guilds, payload.Channels)
		c.gw.index.Unsubscribe(c.id, payload.Guilds, payload.Channels)
	}
	return nil
}

// deliver assigns the next sequence number and queues a DISPATCH frame.
// Assignment and enqueue happen under one lock so concurrent topic
// consumers cannot put frames on the wire with inverted sequence numbers.
// While a resume is in flight the event is buffered instead and flushed
// after the replayed backlog.
func (c *Conn) deliver(event eventbus.DomainEvent) {
	sess := c.session()
	if sess == nil {
		return
	}
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.pending != nil {
		c.pending = append(c.pending, event)
		return
	}
	seq := sess.NextSeq(event.ID)
	c.enqueue(ServerMessage{Op: OpDispatch, T: event.Type, S: seq, D: event})
}

func (c *Conn) watchHeartbeats(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			if c.currentState() != StateReady {
				continue
			}
			c.hbMu.Lock()
			c.missed++
			missed := c.missed
			c.hbMu.Unlock()
			if missed >= 2 {
				c.terminate(&CloseError{Kind: KindHeartbeat, Reason: "heartbeat timeout"})
				return
			}
		}
	}
}

func (c *Conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case msg := <-c.send:
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("gateway: conn %s encode frame: %v", c.id, err)
				continue
			}
			if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
				c.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (c *Conn) enqueue(msg ServerMessage) {
	select {
	case c.send <- msg:
	case <-c.closed:
	default:
		// Backpressure: the client is not draining. Close and let it resume.
		c.shutdown(websocket.StatusTryAgainLater, "send buffer full")
	}
}

// terminate closes the socket with the error's protocol close code.
func (c *Conn) terminate(err *CloseError) {
	c.shutdown(err.Code(), err.Reason)
}

func (c *Conn) shutdown(code websocket.StatusCode, reason string) {
	c.once.Do(func() {
		c.setState(StateClosing)
		_ = c.ws.Close(code, reason)
		close(c.closed)
	})
}

// cleanup detaches the session (keeping it resumable for the window) and
// clears the connection's subscriptions in one pass.
func (c *Conn) cleanup() {
	c.shutdown(websocket.StatusNormalClosure, "closed")
	c.gw.index.RemoveConnection(c.id)
	c.gw.unregister(c.id)
	if sess := c.session(); sess != nil {
		c.gw.sessions.Detach(sess.ID)
	}
	c.setState(StateClosed)
}

func (c *Conn) attach(sess *Session, state State) {
	c.mu.Lock()
	c.sess = sess
	c.state = state
	c.mu.Unlock()
}

func (c *Conn) session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Conn) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
