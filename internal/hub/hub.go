// Package hub is the signaling hub: one persistent bidirectional event stream
// per client, rooms for streams, file sharing, and meetings, and the WebRTC
// offer/answer/candidate relay between peers. The hub relays signaling only;
// media flows peer-to-peer.
package hub

import (
	"context"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/peerlink-chat/peerlink-server/internal/meeting"
)

// BlockDirectory is the slice of the abuse store the hub needs: who has
// blocked a given user. Recipients on that list never see the user's events.
type BlockDirectory interface {
	BlockedBy(ctx context.Context, userID string) (map[string]bool, error)
}

// MeetingDirectory is the slice of the meeting repository the hub needs.
type MeetingDirectory interface {
	CheckJoinable(ctx context.Context, meetingID string, now time.Time) (*meeting.Meeting, error)
}

// Hub is the connection registry and event router. Its maps are guarded by a
// single mutex; every fan-out iterates a snapshot taken under the lock and
// enqueues into per-client mailboxes outside it.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client // client id -> connection
	byUser  map[string]map[string]*Client
	rooms   map[string]*room

	blocks            BlockDirectory
	meetings          MeetingDirectory
	sendBuffer        int
	maxConnections    int
	heartbeatInterval time.Duration
	log               zerolog.Logger
}

// NewHub creates the hub.
func NewHub(blocks BlockDirectory, meetings MeetingDirectory, sendBuffer, maxConnections int, heartbeatInterval time.Duration, logger zerolog.Logger) *Hub {
	return &Hub{
		clients:           make(map[string]*Client),
		byUser:            make(map[string]map[string]*Client),
		rooms:             make(map[string]*room),
		blocks:            blocks,
		meetings:          meetings,
		sendBuffer:        sendBuffer,
		maxConnections:    maxConnections,
		heartbeatInterval: heartbeatInterval,
		log:               logger.With().Str("component", "hub").Logger(),
	}
}

// ServeConnection runs the pumps for an upgraded, authenticated connection.
// It blocks until the connection closes. external marks admitted meeting
// guests, whose identity is their external session id.
func (h *Hub) ServeConnection(conn *websocket.Conn, userID, clientID string, deviceID int, displayName string, external bool) {
	client := newClient(h, conn, userID, clientID, deviceID, displayName, external, h.log)

	if !h.register(client) {
		_ = conn.Close()
		return
	}

	go client.writePump()
	client.readPump()
}

// register adds the client, displacing a previous connection of the same
// client id (one stream per device).
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.maxConnections {
		h.log.Warn().Msg("Connection limit reached")
		return false
	}

	if existing, ok := h.clients[c.clientID]; ok {
		existing.closeSend()
		h.removeLocked(existing)
	}

	h.clients[c.clientID] = c
	if h.byUser[c.userID] == nil {
		h.byUser[c.userID] = make(map[string]*Client)
	}
	h.byUser[c.userID][c.clientID] = c

	h.log.Debug().Str("client_id", c.clientID[:min(8, len(c.clientID))]).
		Int("total", len(h.clients)).Msg("Client connected")
	return true
}

// unregister removes the client from the registry and every room it occupied,
// broadcasting a synthetic leave to each and updating peer counters.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	if current, ok := h.clients[c.clientID]; !ok || current != c {
		h.mu.Unlock()
		return
	}
	left := h.removeLocked(c)
	h.mu.Unlock()

	c.closeSend()

	for _, r := range left {
		h.broadcastToRoom(r.id, EventMessage, MeetingMessagePayload{
			RoomID: r.id, Type: "leave", From: c.clientID, Name: c.name,
		}, c.userID, c.clientID)
		h.broadcastPeerCount(r.id)
	}
}

// removeLocked detaches the client from all hub maps and returns the rooms it
// was in. Caller holds the lock.
func (h *Hub) removeLocked(c *Client) []*room {
	delete(h.clients, c.clientID)
	if devices, ok := h.byUser[c.userID]; ok {
		delete(devices, c.clientID)
		if len(devices) == 0 {
			delete(h.byUser, c.userID)
		}
	}

	var left []*room
	for _, r := range h.rooms {
		if _, ok := r.members[c.clientID]; ok {
			delete(r.members, c.clientID)
			left = append(left, r)
			if len(r.members) == 0 {
				delete(h.rooms, r.id)
			}
		}
	}
	return left
}

// Shutdown closes every connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.closeSend()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// blockedRecipients resolves who must not receive events from sourceUser.
// Lookup failures degrade to no filtering rather than dropping traffic.
func (h *Hub) blockedRecipients(sourceUser string) map[string]bool {
	if h.blocks == nil || sourceUser == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	blockers, err := h.blocks.BlockedBy(ctx, sourceUser)
	if err != nil {
		h.log.Warn().Err(err).Msg("Block lookup failed, delivering unfiltered")
		return nil
	}
	return blockers
}

// unicast delivers an event to one client id, honoring the target's block
// list. Messages to disconnected targets are dropped.
func (h *Hub) unicast(targetClientID, event string, data any, sourceUser string) {
	h.mu.RLock()
	target, ok := h.clients[targetClientID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	if blockers := h.blockedRecipients(sourceUser); blockers != nil && blockers[target.userID] {
		return
	}
	target.sendEvent(event, data)
}

// broadcastToRoom fans an event out to every room member except the
// originator, filtering recipients who block the source user.
func (h *Hub) broadcastToRoom(roomID, event string, data any, sourceUser, excludeClientID string) {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	var members []*Client
	if ok {
		members = r.snapshot()
	}
	h.mu.RUnlock()
	if !ok {
		return
	}

	blockers := h.blockedRecipients(sourceUser)
	for _, m := range members {
		if m.clientID == excludeClientID {
			continue
		}
		if blockers != nil && blockers[m.userID] {
			continue
		}
		m.sendEvent(event, data)
	}
}

// broadcastPeerCount announces a room's current occupancy to its members.
func (h *Hub) broadcastPeerCount(roomID string) {
	h.mu.RLock()
	r, ok := h.rooms[roomID]
	n := 0
	var members []*Client
	if ok {
		n = len(r.members)
		members = r.snapshot()
	}
	h.mu.RUnlock()
	if !ok {
		return
	}
	for _, m := range members {
		m.sendEvent(EventCurrentPeers, map[string]int{"n": n})
	}
}

// NotifyNewItem pushes an envelope-arrival hint to a specific online device.
// Offline devices pull via REST.
func (h *Hub) NotifyNewItem(userID string, deviceID int, itemID string) {
	h.mu.RLock()
	var target *Client
	for _, c := range h.byUser[userID] {
		if c.deviceID == deviceID {
			target = c
			break
		}
	}
	h.mu.RUnlock()
	if target != nil {
		target.sendEvent(EventNewItem, map[string]string{"itemId": itemID})
	}
}

// NotifyNewGroupItem pushes a group-envelope hint to every online device of
// the given members, skipping all of the sender's own devices and blocked
// recipients.
func (h *Hub) NotifyNewGroupItem(channelID, itemID, senderUser string, memberIDs []string) {
	blockers := h.blockedRecipients(senderUser)

	h.mu.RLock()
	var targets []*Client
	for _, uid := range memberIDs {
		if blockers != nil && blockers[uid] {
			continue
		}
		for _, c := range h.byUser[uid] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	payload := map[string]string{"channel": channelID, "itemId": itemID}
	for _, t := range targets {
		if t.userID == senderUser {
			continue
		}
		t.sendEvent(EventNewGroupItem, payload)
	}
}

// NotifyKnock pushes an external guest's admission request to the given
// admitting-capable members.
func (h *Hub) NotifyKnock(meetingID, sessionID, displayName string, memberIDs []string) {
	h.mu.RLock()
	var targets []*Client
	for _, uid := range memberIDs {
		for _, c := range h.byUser[uid] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	payload := map[string]string{"roomId": meetingID, "sessionId": sessionID, "name": displayName}
	for _, t := range targets {
		t.sendEvent(EventKnock, payload)
	}
}
