package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/peerlink-chat/peerlink-server/internal/meeting"
)

// dispatch routes one inbound frame. It runs on the client's read goroutine;
// per (source, target) pair ordering follows from the single reader feeding
// each target's single mailbox.
func (h *Hub) dispatch(c *Client, frame Frame) {
	switch frame.Event {
	case EventOffer, EventAnswer, EventCandidate:
		h.handleRelay(c, frame)
	case EventStream:
		h.handleStream(c, frame)
	case EventWatch:
		h.handleJoinRoom(c, frame, false)
	case EventClient:
		h.handleJoinRoom(c, frame, true)
	case EventSetSlots:
		h.handleSetSlots(c, frame)
	case EventOfferFile:
		h.handleOfferFile(c, frame)
	case EventDownloadFile:
		h.handleDownloadFile(c, frame)
	case EventDeleteFile:
		h.handleDeleteFile(c, frame)
	case EventGetFiles:
		h.handleGetFiles(c, frame)
	case EventDisconnectPeer:
		h.handleDisconnectPeer(c, frame)
	case EventJoinMeeting:
		h.handleJoinMeeting(c, frame)
	case EventLeaveMeeting:
		h.handleLeaveMeeting(c, frame)
	case EventGetParticipants:
		h.handleGetParticipants(c, frame)
	case EventMessage:
		h.handleMeetingMessage(c, frame)
	default:
		c.sendError("unknown event")
	}
}

// handleRelay forwards offer/answer/candidate unicast to the target client.
// The source id is stamped server-side so a client cannot impersonate
// another.
func (h *Hub) handleRelay(c *Client, frame Frame) {
	var p TargetedPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil || p.TargetID == "" {
		c.sendError("invalid relay payload")
		return
	}
	p.SourceID = c.clientID
	h.unicast(p.TargetID, frame.Event, p, c.userID)
}

// handleStream creates (or re-announces) a stream room with the caller as
// host.
func (h *Hub) handleStream(c *Client, frame Frame) {
	var p RoomPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil || p.RoomID == "" {
		c.sendError("invalid stream payload")
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[p.RoomID]
	if !ok {
		r = newRoom(p.RoomID, KindStream)
		h.rooms[p.RoomID] = r
	}
	r.hostID = c.clientID
	r.members[c.clientID] = c
	h.mu.Unlock()

	h.broadcastToRoom(p.RoomID, EventStream, RoomPayload{RoomID: p.RoomID, HostID: c.clientID}, c.userID, c.clientID)
	h.broadcastPeerCount(p.RoomID)
}

// handleJoinRoom joins a stream or fileshare room, subject to the host's slot
// limit. asDownloader marks the fileshare "client" event, which announces the
// joining downloader to the room.
func (h *Hub) handleJoinRoom(c *Client, frame Frame, asDownloader bool) {
	var p RoomPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil || p.RoomID == "" {
		c.sendError("invalid room payload")
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[p.RoomID]
	if !ok {
		kind := KindStream
		if asDownloader {
			kind = KindFileshare
		}
		r = newRoom(p.RoomID, kind)
		h.rooms[p.RoomID] = r
	}
	if r.full() {
		h.mu.Unlock()
		c.sendError("room is full")
		return
	}
	r.members[c.clientID] = c
	h.mu.Unlock()

	if asDownloader {
		h.broadcastToRoom(p.RoomID, EventClient, RoomPayload{
			RoomID: p.RoomID, FileName: p.FileName, HostID: c.clientID,
		}, c.userID, c.clientID)
	}
	h.broadcastPeerCount(p.RoomID)
}

// handleSetSlots lets the room host cap concurrent peers.
func (h *Hub) handleSetSlots(c *Client, frame Frame) {
	var p RoomPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil || p.RoomID == "" || p.Slots < 0 {
		c.sendError("invalid slots payload")
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[p.RoomID]
	if ok && r.hostID == c.clientID {
		r.slots = p.Slots
	}
	h.mu.Unlock()

	if !ok {
		c.sendError("room not found")
	}
}

// handleOfferFile registers a shareable file and announces it to the room.
// The room is created on first offer with the caller as host.
func (h *Hub) handleOfferFile(c *Client, frame Frame) {
	var p OfferFilePayload
	if err := json.Unmarshal(frame.Data, &p); err != nil || p.RoomID == "" || p.File.Name == "" {
		c.sendError("invalid offerFile payload")
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[p.RoomID]
	if !ok {
		r = newRoom(p.RoomID, KindFileshare)
		r.hostID = c.clientID
		h.rooms[p.RoomID] = r
	}
	r.members[c.clientID] = c
	p.File.Host = c.clientID
	r.files[p.File.Name] = p.File
	h.mu.Unlock()

	h.broadcastToRoom(p.RoomID, EventOfferFile, p, c.userID, c.clientID)
}

// handleDownloadFile asks the hosting peer to start a transfer; unicast so
// the room does not see every download.
func (h *Hub) handleDownloadFile(c *Client, frame Frame) {
	var p RoomPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil || p.RoomID == "" || p.HostID == "" {
		c.sendError("invalid downloadFile payload")
		return
	}
	h.unicast(p.HostID, EventDownloadFile, RoomPayload{
		RoomID: p.RoomID, FileName: p.FileName, HostID: c.clientID,
	}, c.userID)
}

// handleDeleteFile withdraws a file the caller offered and tells the rooms.
func (h *Hub) handleDeleteFile(c *Client, frame Frame) {
	var p RoomPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil || p.FileName == "" {
		c.sendError("invalid deleteFile payload")
		return
	}

	h.mu.Lock()
	var affected []string
	for _, r := range h.rooms {
		if f, ok := r.files[p.FileName]; ok && f.Host == c.clientID {
			delete(r.files, p.FileName)
			affected = append(affected, r.id)
		}
	}
	h.mu.Unlock()

	for _, roomID := range affected {
		h.broadcastToRoom(roomID, EventDeleteFile, RoomPayload{RoomID: roomID, FileName: p.FileName}, c.userID, c.clientID)
	}
}

// handleGetFiles replies with the room's offered files.
func (h *Hub) handleGetFiles(c *Client, frame Frame) {
	var p RoomPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil || p.RoomID == "" {
		c.sendError("invalid getFiles payload")
		return
	}

	h.mu.RLock()
	var files []FileInfo
	if r, ok := h.rooms[p.RoomID]; ok {
		files = r.fileList()
	}
	h.mu.RUnlock()

	c.sendEvent(EventFiles, map[string]any{"roomId": p.RoomID, "files": files})
}

// handleDisconnectPeer lets the host eject a peer from their room.
func (h *Hub) handleDisconnectPeer(c *Client, frame Frame) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(frame.Data, &p); err != nil || p.ID == "" {
		c.sendError("invalid disconnectPeer payload")
		return
	}

	h.mu.Lock()
	var target *Client
	for _, r := range h.rooms {
		if r.hostID != c.clientID {
			continue
		}
		if m, ok := r.members[p.ID]; ok {
			delete(r.members, p.ID)
			target = m
		}
	}
	h.mu.Unlock()

	if target != nil {
		target.sendEvent(EventDisconnectPeer, map[string]string{"id": p.ID})
	}
}

// handleJoinMeeting admits the caller to a meeting room. Authenticated users
// must be the organizer or on the invited list; admitted external guests pass
// the check at upgrade time. Scheduled meetings enforce the join window. The
// reply carries the caller's id and the current roster; the room sees a join
// message.
func (h *Hub) handleJoinMeeting(c *Client, frame Frame) {
	var p RoomPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil || p.RoomID == "" {
		c.sendError("invalid joinMeeting payload")
		return
	}
	if p.Name != "" {
		c.name = p.Name
	}

	var muteOnJoin, voiceOnly bool
	if h.meetings != nil && !c.external {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		m, err := h.meetings.CheckJoinable(ctx, p.RoomID, time.Now())
		cancel()
		if err != nil {
			c.sendError("meeting not joinable")
			return
		}
		if !meetingAllows(m, c.userID) {
			c.sendError("not invited")
			return
		}
		muteOnJoin, voiceOnly = m.MuteOnJoin, m.VoiceOnly
	}

	h.mu.Lock()
	r, ok := h.rooms[p.RoomID]
	if !ok {
		r = newRoom(p.RoomID, KindMeeting)
		r.muteOnJoin = muteOnJoin
		r.voiceOnly = voiceOnly
		h.rooms[p.RoomID] = r
	}
	r.members[c.clientID] = c
	roster := h.rosterLocked(r)
	roomVoiceOnly, roomMuted := r.voiceOnly, r.muteOnJoin
	h.mu.Unlock()

	c.sendEvent(EventJoinMeeting, map[string]any{
		"id":           c.clientID,
		"participants": roster,
		"voiceOnly":    roomVoiceOnly,
		"muted":        roomMuted,
	})
	h.broadcastToRoom(p.RoomID, EventMessage, MeetingMessagePayload{
		RoomID: p.RoomID, Type: "join", From: c.clientID, Name: c.name,
	}, c.userID, c.clientID)
}

// meetingAllows reports whether the user may join: organizer or invited.
func meetingAllows(m *meeting.Meeting, userID string) bool {
	if m.CreatedBy == userID {
		return true
	}
	for _, p := range m.InvitedParticipants {
		if p == userID {
			return true
		}
	}
	return false
}

// rosterLocked builds the participant list. Caller holds the lock.
func (h *Hub) rosterLocked(r *room) []Participant {
	out := make([]Participant, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, Participant{
			ID:       m.clientID,
			Name:     m.name,
			External: m.external,
			Muted:    r.muteOnJoin,
		})
	}
	return out
}

// handleLeaveMeeting removes the caller from the room and tells the others.
func (h *Hub) handleLeaveMeeting(c *Client, frame Frame) {
	var p RoomPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil || p.RoomID == "" {
		c.sendError("invalid leaveMeeting payload")
		return
	}

	h.mu.Lock()
	r, ok := h.rooms[p.RoomID]
	if ok {
		delete(r.members, c.clientID)
		if len(r.members) == 0 {
			delete(h.rooms, p.RoomID)
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	h.broadcastToRoom(p.RoomID, EventMessage, MeetingMessagePayload{
		RoomID: p.RoomID, Type: "leave", From: c.clientID, Name: c.name,
	}, c.userID, c.clientID)
	h.broadcastPeerCount(p.RoomID)
}

// handleGetParticipants replies with the room roster.
func (h *Hub) handleGetParticipants(c *Client, frame Frame) {
	var p RoomPayload
	if err := json.Unmarshal(frame.Data, &p); err != nil || p.RoomID == "" {
		c.sendError("invalid getParticipants payload")
		return
	}

	h.mu.RLock()
	var roster []Participant
	if r, ok := h.rooms[p.RoomID]; ok {
		roster = h.rosterLocked(r)
	}
	h.mu.RUnlock()

	c.sendEvent(EventParticipants, map[string]any{"roomId": p.RoomID, "participants": roster})
}

// handleMeetingMessage fans an in-meeting message out to the room, skipping
// the originator. Video-bearing capability messages are not relayed in
// voice-only rooms.
func (h *Hub) handleMeetingMessage(c *Client, frame Frame) {
	var p MeetingMessagePayload
	if err := json.Unmarshal(frame.Data, &p); err != nil || p.RoomID == "" {
		c.sendError("invalid message payload")
		return
	}
	if !ValidMeetingMessageType(p.Type) {
		c.sendError("unknown message type")
		return
	}

	h.mu.RLock()
	r, ok := h.rooms[p.RoomID]
	isMember := ok && r.members[c.clientID] != nil
	voiceOnly := ok && r.voiceOnly
	h.mu.RUnlock()
	if !isMember {
		c.sendError("not in room")
		return
	}
	if voiceOnly && (p.Type == "camon" || p.Type == "screenshare") {
		c.sendError("voice-only meeting")
		return
	}

	p.From = c.clientID
	p.Name = c.name
	h.broadcastToRoom(p.RoomID, EventMessage, p, c.userID, c.clientID)
}
