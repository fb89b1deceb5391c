package hub

import (
	"encoding/json"
	"fmt"
)

// Frame is the wire format for every signaling message in both directions:
// an event name plus an event-specific payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound and outbound event names. Clients speak these literally.
const (
	// WebRTC relay (unicast to targetId).
	EventOffer     = "offer"
	EventAnswer    = "answer"
	EventCandidate = "candidate"

	// Room membership and file sharing (broadcast to room).
	EventWatch          = "watch"
	EventClient         = "client"
	EventStream         = "stream"
	EventSetSlots       = "setSlots"
	EventCurrentPeers   = "currentPeers"
	EventOfferFile      = "offerFile"
	EventDownloadFile   = "downloadFile"
	EventDeleteFile     = "deleteFile"
	EventGetFiles       = "getFiles"
	EventFiles          = "files"
	EventDisconnectPeer = "disconnectPeer"

	// Meetings.
	EventJoinMeeting     = "joinMeeting"
	EventLeaveMeeting    = "leaveMeeting"
	EventGetParticipants = "getParticipants"
	EventParticipants    = "participants"
	EventMessage         = "message"
	EventKnock           = "knock"

	// Envelope change notifications pushed to online devices.
	EventNewItem      = "newItem"
	EventNewGroupItem = "newGroupItem"

	// Control.
	EventPing  = "ping"
	EventPong  = "pong"
	EventError = "error"
)

// Meeting in-room message types relayed by the hub.
var meetingMessageTypes = map[string]bool{
	"chat": true, "mute": true, "unmute": true, "camon": true, "camoff": true,
	"raisehand": true, "lowerhand": true, "emote": true,
	"screenshare": true, "screenshareoff": true, "mediaDevice": true,
	"join": true, "leave": true,
}

// ValidMeetingMessageType reports whether t is a relayable in-meeting message
// type.
func ValidMeetingMessageType(t string) bool { return meetingMessageTypes[t] }

// TargetedPayload is the shared shape of the unicast relay events: a target
// client and an opaque body (SDP or ICE candidate).
type TargetedPayload struct {
	TargetID string          `json:"targetId"`
	SourceID string          `json:"sourceId,omitempty"` // stamped by the hub, never trusted from the client
	SDP      json.RawMessage `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// RoomPayload addresses a room-scoped event.
type RoomPayload struct {
	RoomID   string `json:"roomId"`
	HostID   string `json:"hostId,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Name     string `json:"name,omitempty"`
	Slots    int    `json:"n,omitempty"`
}

// FileInfo describes one file offered in a fileshare room.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Host string `json:"host,omitempty"`
}

// OfferFilePayload announces a shareable file to a room.
type OfferFilePayload struct {
	RoomID string   `json:"roomId"`
	File   FileInfo `json:"file"`
}

// MeetingMessagePayload is the in-meeting broadcast event.
type MeetingMessagePayload struct {
	RoomID  string          `json:"roomId"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	From    string          `json:"from,omitempty"` // stamped by the hub
	Name    string          `json:"name,omitempty"`
}

// Participant is one meeting roster entry.
type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	External bool   `json:"external,omitempty"`
	Muted    bool   `json:"muted,omitempty"`
}

// encodeFrame marshals an event and its payload into wire bytes.
func encodeFrame(event string, data any) ([]byte, error) {
	var (
		raw json.RawMessage
		err error
	)
	if data != nil {
		raw, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}
