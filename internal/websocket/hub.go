package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"snippet-sync/internal/broadcast"
	"snippet-sync/internal/models"
	"snippet-sync/pkg/logger"
)

// Hub tracks the connections attached to this process, by room, and
// bridges them to the broadcast bus.
type Hub struct {
	instanceID string

	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}

	busMu      sync.Mutex
	bus        broadcast.Bus
	subscribed map[string]bool

	// orderMu serializes member-list delivery; membersRev is the newest
	// membership revision delivered per room.
	orderMu    sync.Mutex
	membersRev map[string]int64
}

func NewHub(instanceID string) *Hub {
	return &Hub{
		instanceID: instanceID,
		rooms:      make(map[string]map[*Client]struct{}),
		subscribed: make(map[string]bool),
		membersRev: make(map[string]int64),
	}
}

func (h *Hub) InstanceID() string {
	return h.instanceID
}

// AttachBus connects the hub to other processes. Without a bus the hub
// delivers to local connections only.
func (h *Hub) AttachBus(bus broadcast.Bus) {
	h.busMu.Lock()
	defer h.busMu.Unlock()
	h.bus = bus
}

// Attach adds c to room locally and subscribes to the room's bus channel
// when c is the first local member.
func (h *Hub) Attach(ctx context.Context, room string, c *Client) {
	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]struct{})
	}
	h.rooms[room][c] = struct{}{}
	first := len(h.rooms[room]) == 1
	h.mu.Unlock()

	if first {
		h.syncSubscription(ctx, room)
	}
}

// Detach removes c from room and drops the bus subscription when no local
// member remains.
func (h *Hub) Detach(ctx context.Context, room string, c *Client) {
	h.mu.Lock()
	delete(h.rooms[room], c)
	empty := len(h.rooms[room]) == 0
	if empty {
		delete(h.rooms, room)
	}
	h.mu.Unlock()

	if empty {
		h.forgetMembersRevision(room)
		h.syncSubscription(ctx, room)
	}
}

// syncSubscription brings the bus subscription for room in line with
// whether any local client is attached. A failed subscribe still counts as
// subscribed: the bus keeps the channel and retries it on reconnect, so it
// must be unsubscribed once the room empties.
func (h *Hub) syncSubscription(ctx context.Context, room string) {
	h.busMu.Lock()
	defer h.busMu.Unlock()

	if h.bus == nil {
		return
	}

	h.mu.RLock()
	want := len(h.rooms[room]) > 0
	h.mu.RUnlock()

	if want == h.subscribed[room] {
		return
	}

	if want {
		if err := h.bus.Subscribe(ctx, room); err != nil {
			logger.Error("[Bus] %v (room %s is local-only until the bus recovers)", err, room)
		}
		h.subscribed[room] = true
		return
	}

	if err := h.bus.Unsubscribe(ctx, room); err != nil {
		logger.Error("[Bus] %v", err)
	}
	delete(h.subscribed, room)
}

// Broadcast delivers msg to local members of room except exclude, then
// publishes it for other processes. A bus failure only costs remote delivery.
func (h *Hub) Broadcast(ctx context.Context, room string, msg *models.WebSocketMessage, exclude string) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Error marshaling %s event: %v", msg.Type, err)
		return
	}
	h.deliverEvent(room, msg, data, exclude)

	h.busMu.Lock()
	bus := h.bus
	h.busMu.Unlock()
	if bus == nil {
		return
	}

	env := broadcast.Envelope{Origin: h.instanceID, Room: room, Exclude: exclude, Event: msg}
	if err := bus.Publish(ctx, env); err != nil {
		logger.Error("[Bus] %v (delivered locally only)", err)
	}
}

// Dispatch is the bus handler: envelopes from other processes go to local members.
func (h *Hub) Dispatch(env broadcast.Envelope) {
	if env.Event == nil {
		return
	}
	data, err := json.Marshal(env.Event)
	if err != nil {
		logger.Error("Error marshaling relayed event: %v", err)
		return
	}
	h.deliverEvent(env.Room, env.Event, data, env.Exclude)
}

// deliverEvent delivers member lists in revision order and drops any list
// older than one already delivered for the room. Other events go straight out.
func (h *Hub) deliverEvent(room string, msg *models.WebSocketMessage, data []byte, exclude string) {
	if msg.Type != models.EventMembersChanged {
		h.deliver(room, data, exclude)
		return
	}

	var stamp struct {
		Revision int64 `json:"revision"`
	}
	if err := json.Unmarshal(msg.Data, &stamp); err != nil {
		logger.Warn("[Gateway] members-changed for room %s without readable revision: %v", room, err)
	}

	h.orderMu.Lock()
	defer h.orderMu.Unlock()

	if stamp.Revision > 0 && h.LocalCount(room) > 0 {
		if stamp.Revision < h.membersRev[room] {
			logger.Debug("[Gateway] dropping stale member list for room %s (revision %d < %d)",
				room, stamp.Revision, h.membersRev[room])
			return
		}
		h.membersRev[room] = stamp.Revision
	}
	h.deliver(room, data, exclude)
}

func (h *Hub) forgetMembersRevision(room string) {
	h.orderMu.Lock()
	defer h.orderMu.Unlock()
	if h.LocalCount(room) == 0 {
		delete(h.membersRev, room)
	}
}

func (h *Hub) deliver(room string, data []byte, exclude string) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		if c.id != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(data)
	}
}

// LocalCount reports how many local connections are attached to room.
func (h *Hub) LocalCount(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
