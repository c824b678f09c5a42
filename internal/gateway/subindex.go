package gateway

import (
	"sync"

	"github.com/concordchat/concord/internal/snowflake"
)

// connSubs is the per-connection arena entry: the connection's own guild
// and channel sets, so disconnect cleanup touches only its own entries.
type connSubs struct {
	guilds   map[snowflake.ID]struct{}
	channels map[snowflake.ID]struct{}
}

// SubscriptionIndex is the bidirectional connection ↔ scope mapping used to
// compute fanout targets. Connection read loops and the bus delivery path
// mutate it concurrently; a single RWMutex guards both directions.
type SubscriptionIndex struct {
	mu       sync.RWMutex
	conns    map[string]*connSubs
	guilds   map[snowflake.ID]map[string]struct{}
	channels map[snowflake.ID]map[string]struct{}
}

func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		conns:    map[string]*connSubs{},
		guilds:   map[snowflake.ID]map[string]struct{}{},
		channels: map[snowflake.ID]map[string]struct{}{},
	}
}

// Subscribe adds the connection to the given guild and channel scopes.
func (x *SubscriptionIndex) Subscribe(connID string, guilds, channels []snowflake.ID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	entry, ok := x.conns[connID]
	if !ok {
		entry = &connSubs{guilds: map[snowflake.ID]struct{}{}, channels: map[snowflake.ID]struct{}{}}
		x.conns[connID] = entry
	}
	for _, id := range guilds {
		entry.guilds[id] = struct{}{}
		set, ok := x.guilds[id]
		if !ok {
			set = map[string]struct{}{}
			x.guilds[id] = set
		}
		set[connID] = struct{}{}
	}
	for _, id := range channels {
		entry.channels[id] = struct{}{}
		set, ok := x.channels[id]
		if !ok {
			set = map[string]struct{}{}
			x.channels[id] = set
		}
		set[connID] = struct{}{}
	}
}

// Unsubscribe removes the connection from the given scopes.
func (x *SubscriptionIndex) Unsubscribe(connID string, guilds, channels []snowflake.ID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	entry, ok := x.conns[connID]
	if !ok {
		return
	}
	for _, id := range guilds {
		delete(entry.guilds, id)
		x.dropGuild(id, connID)
	}
	for _, id := range channels {
		delete(entry.channels, id)
		x.dropChannel(id, connID)
	}
}

// RemoveConnection clears every subscription the connection holds, in one
// pass over its own entry.
func (x *SubscriptionIndex) RemoveConnection(connID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	entry, ok := x.conns[connID]
	if !ok {
		return
	}
	for id := range entry.guilds {
		x.dropGuild(id, connID)
	}
	for id := range entry.channels {
		x.dropChannel(id, connID)
	}
	delete(x.conns, connID)
}

// GuildSubscribers returns the connection ids subscribed to the guild.
func (x *SubscriptionIndex) GuildSubscribers(id snowflake.ID) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return keys(x.guilds[id])
}

// ChannelSubscribers returns the connection ids subscribed to the channel.
func (x *SubscriptionIndex) ChannelSubscribers(id snowflake.ID) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return keys(x.channels[id])
}

func (x *SubscriptionIndex) dropGuild(id snowflake.ID, connID string) {
	if set, ok := x.guilds[id]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(x.guilds, id)
		}
	}
}

func (x *SubscriptionIndex) dropChannel(id snowflake.ID, connID string) {
	if set, ok := x.channels[id]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(x.channels, id)
		}
	}
}

func keys(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
