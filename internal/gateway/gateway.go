package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/concordchat/concord/internal/eventbus"
	"github.com/concordchat/concord/internal/snowflake"
)

// Identity is the result of validating a bearer token.
type Identity struct {
	UserID      snowflake.ID
	AuthSession string
}

// Authenticator validates bearer tokens. Implementations live outside the
// realtime core.
type Authenticator interface {
	ValidateToken(ctx context.Context, token string) (Identity, error)
}

// Guild is the directory's view of a guild, loaded at IDENTIFY time.
type Guild struct {
	ID      snowflake.ID `json:"id"`
	Name    string       `json:"name"`
	OwnerID snowflake.ID `json:"owner_id"`
}

// Directory serves read-only guild membership lookups.
type Directory interface {
	UserGuilds(ctx context.Context, userID snowflake.ID) ([]Guild, error)
}

// PermissionChecker answers whether a user may see a channel.
type PermissionChecker interface {
	CanView(ctx context.Context, userID, channelID snowflake.ID) (bool, error)
}

// Replayer fetches retained events newer than an id for a subject set,
// ascending. eventbus.Bus implements it.
type Replayer interface {
	Replay(ctx context.Context, subjects []string, after snowflake.ID) ([]eventbus.DomainEvent, error)
}

// Options tunes per-connection behavior.
type Options struct {
	HeartbeatInterval time.Duration
	ResumeWindow      time.Duration
	RateLimit         rate.Limit // client ops per second
	RateBurst         int
}

func (o *Options) fill() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.ResumeWindow <= 0 {
		o.ResumeWindow = 2 * time.Minute
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 10
	}
	if o.RateBurst <= 0 {
		o.RateBurst = 20
	}
}

// Gateway fans events out to live connections and owns the session table
// and subscription index shared by all of them.
type Gateway struct {
	auth     Authenticator
	dir      Directory
	perms    PermissionChecker
	replayer Replayer
	opts     Options

	sessions *SessionTable
	index    *SubscriptionIndex

	mu    sync.RWMutex
	conns map[string]*Conn
}

// New constructs a Gateway. Collaborators are injected; the Gateway never
// reaches for globals.
func New(auth Authenticator, dir Directory, perms PermissionChecker, replayer Replayer, opts Options) *Gateway {
	opts.fill()
	return &Gateway{
		auth:     auth,
		dir:      dir,
		perms:    perms,
		replayer: replayer,
		opts:     opts,
		sessions: NewSessionTable(opts.ResumeWindow),
		index:    NewSubscriptionIndex(),
		conns:    map[string]*Conn{},
	}
}

// Close stops the session janitor and closes every live connection.
func (g *Gateway) Close() {
	g.sessions.Stop()
	g.mu.RLock()
	conns := make([]*Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()
	for _, c := range conns {
		c.shutdown(websocket.StatusGoingAway, "server shutting down")
	}
}

// ServeConn runs the connection state machine until the socket closes. One
// goroutine per connection, in the caller's charge.
func (g *Gateway) ServeConn(ctx context.Context, ws *websocket.Conn) {
	g.serve(ctx, ws)
}

// HandleEvent adapts Dispatch into an eventbus handler.
func (g *Gateway) HandleEvent(ctx context.Context, event eventbus.DomainEvent) error {
	return g.Dispatch(ctx, event)
}

// Dispatch fans one bus event out to subscribed connections. Channel-scoped
// events are withheld from connections whose user cannot view the channel.
// A returned error makes the bus redeliver the event.
func (g *Gateway) Dispatch(ctx context.Context, event eventbus.DomainEvent) error {
	topic, err := eventbus.TopicFor(event.Type)
	if err != nil {
		return err
	}
	scope, err := event.ScopeID()
	if err != nil {
		return err
	}

	channelScoped := topic == eventbus.TopicMessage || topic == eventbus.TopicChannel
	var targets []string
	if channelScoped {
		targets = g.index.ChannelSubscribers(scope)
	} else {
		targets = g.index.GuildSubscribers(scope)
	}

	for _, connID := range targets {
		c := g.conn(connID)
		if c == nil {
			continue
		}
		sess := c.session()
		if sess == nil {
			continue
		}
		if channelScoped {
			ok, err := g.perms.CanView(ctx, sess.UserID, scope)
			if err != nil {
				return fmt.Errorf("permission check for user %s channel %s: %w", sess.UserID, scope, err)
			}
			if !ok {
				continue
			}
		}
		c.deliver(event)
	}
	return nil
}

// RevokeUser invalidates every session of the user and closes its live
// connections with code 4002. Used for password changes and logout-all.
func (g *Gateway) RevokeUser(userID snowflake.ID) int {
	ids := g.sessions.ForUser(userID)
	for _, id := range ids {
		g.sessions.Remove(id)
	}

	g.mu.RLock()
	var victims []*Conn
	for _, c := range g.conns {
		if sess := c.session(); sess != nil && sess.UserID == userID {
			victims = append(victims, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range victims {
		c.enqueue(ServerMessage{Op: OpInvalidSession})
		c.terminate(&CloseError{Kind: KindSession, Reason: "session revoked"})
	}
	if n := len(victims); n > 0 {
		log.Printf("gateway: revoked %d connection(s) for user %s", n, userID)
	}
	return len(ids)
}

// ConnCount reports the number of live connections, for diagnostics.
func (g *Gateway) ConnCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

func (g *Gateway) register(c *Conn) {
	g.mu.Lock()
	g.conns[c.id] = c
	g.mu.Unlock()
}

func (g *Gateway) unregister(id string) {
	g.mu.Lock()
	delete(g.conns, id)
	g.mu.Unlock()
}

func (g *Gateway) conn(id string) *Conn {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.conns[id]
}
