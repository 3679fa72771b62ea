// Package hub fans lifecycle events out to external subscribers over
// channel subscriptions. Clients register a push sink, subscribe to the
// channels they care about, and receive serialized JSON events. One dead
// or failing sink never affects delivery to the others.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/zjrosen/gaffer/internal/log"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventAgentStateChanged EventType = "agent:state_changed"
	EventAgentSpawned      EventType = "agent:spawned"
	EventWorkItemUpdated   EventType = "work_item:updated"
	EventWorkItemCreated   EventType = "work_item:created"
	EventWorkItemProgress  EventType = "work_item:progress"
	EventMetricsUpdated    EventType = "metrics:updated"
	EventApprovalRequired  EventType = "approval:required"
	EventError             EventType = "error"
)

// ChannelAll receives every channel-routed event.
const ChannelAll = "all"

// AgentChannel returns the canonical channel name for one worker.
func AgentChannel(workerID string) string {
	return "agent:" + workerID
}

// WorkItemChannel returns the canonical channel name for one work item.
func WorkItemChannel(workItemID string) string {
	return "workItem:" + workItemID
}

// Event is the wire shape pushed to sinks.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Channel   string    `json:"channel,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// NewEvent builds an event stamped with the current time.
func NewEvent(t EventType, data any) Event {
	return Event{Type: t, Timestamp: time.Now(), Data: data}
}

// Sink is a write-only push endpoint accepting serialized events. Send
// must bound its own write time; the hub delivers to sinks one after
// another within a fan-out. A Send error marks the sink dead and the hub
// reclaims it.
type Sink interface {
	Send(payload string) error
	Close() error
}

type client struct {
	id   string
	sink Sink
}

// Hub routes events to registered sinks by channel subscription.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	// channel name -> set of client ids
	channels map[string]map[string]bool
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		clients:  make(map[string]*client),
		channels: make(map[string]map[string]bool),
	}
}

// Register attaches a sink under clientID. A prior registration for the
// same id is closed and replaced; its subscriptions carry over.
func (h *Hub) Register(clientID string, sink Sink) {
	h.mu.Lock()
	prev, existed := h.clients[clientID]
	h.clients[clientID] = &client{id: clientID, sink: sink}
	h.mu.Unlock()

	if existed {
		_ = prev.sink.Close()
		log.Debug(log.CatHub, "replaced client registration", "client", clientID)
	} else {
		log.Debug(log.CatHub, "registered client", "client", clientID)
	}
}

// Unregister closes the client's sink and drops all its subscriptions.
// Unknown ids are a no-op.
func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if ok {
		delete(h.clients, clientID)
		h.dropSubscriptionsLocked(clientID)
	}
	h.mu.Unlock()

	if ok {
		_ = c.sink.Close()
		log.Debug(log.CatHub, "unregistered client", "client", clientID)
	}
}

// dropSubscriptionsLocked removes clientID from every channel set.
// Caller holds h.mu.
func (h *Hub) dropSubscriptionsLocked(clientID string) {
	for ch, subs := range h.channels {
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(h.channels, ch)
		}
	}
}

// Subscribe adds the client to a channel. Set semantics: subscribing
// twice leaves one subscription. Unknown clients are ignored so a raced
// unregister cannot resurrect a subscription.
func (h *Hub) Subscribe(clientID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[clientID]; !ok {
		return
	}
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[string]bool)
		h.channels[channel] = subs
	}
	subs[clientID] = true
}

// Unsubscribe removes the client from a channel. Unsubscribing a channel
// the client never joined is a no-op.
func (h *Hub) Unsubscribe(clientID, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
}

// Broadcast sends the event to every live sink regardless of
// subscriptions.
func (h *Hub) Broadcast(ev Event) {
	payload, err := marshal(ev)
	if err != nil {
		log.ErrorErr(log.CatHub, "marshal broadcast event", err, "type", ev.Type)
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	h.deliver(targets, payload, ev.Type)
}

// BroadcastToChannel sends the event to every sink subscribed to the
// channel. The channel name is stamped into the serialized event.
func (h *Hub) BroadcastToChannel(channel string, ev Event) {
	ev.Channel = channel
	payload, err := marshal(ev)
	if err != nil {
		log.ErrorErr(log.CatHub, "marshal channel event", err, "type", ev.Type, "channel", channel)
		return
	}

	// Snapshot subscribers under the lock, then send without it so a slow
	// sink cannot stall register/unregister.
	h.mu.RLock()
	subs, ok := h.channels[channel]
	if !ok {
		h.mu.RUnlock()
		return
	}
	targets := make([]*client, 0, len(subs))
	for id := range subs {
		if c, found := h.clients[id]; found {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, payload, ev.Type)
}

// Publish routes the event to the all channel plus the named channels.
// Subscribers of more than one of those receive one copy per channel,
// each stamped with the channel it arrived on.
func (h *Hub) Publish(ev Event, channels ...string) {
	h.BroadcastToChannel(ChannelAll, ev)
	for _, ch := range channels {
		h.BroadcastToChannel(ch, ev)
	}
}

// SendToClient sends the event directly to one client. Sending to an
// unknown or already-closed client is a no-op, not an error.
func (h *Hub) SendToClient(clientID string, ev Event) error {
	payload, err := marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	c, ok := h.clients[clientID]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := c.sink.Send(payload); err != nil {
		log.Warn(log.CatHub, "send failed, reclaiming sink", "client", clientID, "error", err.Error())
		h.Unregister(clientID)
	}
	return nil
}

// deliver pushes the payload to each target, dropping sinks whose Send
// fails. A failed send never stops delivery to later sinks.
func (h *Hub) deliver(targets []*client, payload string, t EventType) {
	var dead []string
	for _, c := range targets {
		if err := c.sink.Send(payload); err != nil {
			log.Warn(log.CatHub, "send failed, reclaiming sink", "client", c.id, "type", t, "error", err.Error())
			dead = append(dead, c.id)
		}
	}
	for _, id := range dead {
		h.Unregister(id)
	}
}

// ClientCount returns the number of registered sinks.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns the number of clients subscribed to a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Close unregisters every client and closes their sinks.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.channels = make(map[string]map[string]bool)
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.sink.Close()
	}
}

func marshal(ev Event) (string, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
