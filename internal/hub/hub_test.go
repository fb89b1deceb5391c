package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// newTestClient fabricates a registered client without a real socket. The
// write pump is never started, so sent frames stay readable on the send
// channel.
func newTestClient(t *testing.T, h *Hub, userID, clientID string) *Client {
	t.Helper()
	c := newClient(h, nil, userID, clientID, 1, userID, false, zerolog.Nop())
	if !h.register(c) {
		t.Fatalf("register(%s) refused", clientID)
	}
	return c
}

func recvFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case raw := <-c.send:
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("no frame received")
		return Frame{}
	}
}

func drain(c *Client) {
	for {
		select {
		case <-c.send:
		default:
			return
		}
	}
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func newTestHub() *Hub {
	return NewHub(nil, nil, 64, 100, 30*time.Second, zerolog.Nop())
}

func TestRelayUnicastStampsSource(t *testing.T) {
	t.Parallel()
	h := newTestHub()
	a := newTestClient(t, h, "userA", "client-a")
	b := newTestClient(t, h, "userB", "client-b")

	h.dispatch(a, Frame{Event: EventOffer, Data: mustRaw(t, TargetedPayload{
		TargetID: "client-b",
		SourceID: "forged", // must be overwritten
		SDP:      json.RawMessage(`"sdp-blob"`),
	})})

	f := recvFrame(t, b)
	if f.Event != EventOffer {
		t.Fatalf("event = %q, want offer", f.Event)
	}
	var p TargetedPayload
	if err := json.Unmarshal(f.Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.SourceID != "client-a" {
		t.Errorf("sourceId = %q, want hub-stamped client-a", p.SourceID)
	}

	// Relay to a disconnected target is silently dropped.
	h.dispatch(a, Frame{Event: EventAnswer, Data: mustRaw(t, TargetedPayload{TargetID: "nobody"})})
	select {
	case raw := <-a.send:
		var f Frame
		_ = json.Unmarshal(raw, &f)
		if f.Event == EventError {
			t.Error("relay to absent target should not error")
		}
	default:
	}
}

type staticBlocks map[string]map[string]bool // blocked user -> blockers

func (b staticBlocks) BlockedBy(_ context.Context, userID string) (map[string]bool, error) {
	return b[userID], nil
}

func TestRelayFilteredByBlocklist(t *testing.T) {
	t.Parallel()
	h := NewHub(staticBlocks{"userA": {"userB": true}}, nil, 64, 100, 30*time.Second, zerolog.Nop())
	a := newTestClient(t, h, "userA", "client-a")
	b := newTestClient(t, h, "userB", "client-b")

	h.dispatch(a, Frame{Event: EventOffer, Data: mustRaw(t, TargetedPayload{TargetID: "client-b"})})

	select {
	case <-b.send:
		t.Error("blocked sender's offer was delivered")
	default:
	}
}

func TestStreamRoomAndWatch(t *testing.T) {
	t.Parallel()
	h := newTestHub()
	host := newTestClient(t, h, "host", "client-h")
	viewer := newTestClient(t, h, "viewer", "client-v")

	h.dispatch(host, Frame{Event: EventStream, Data: mustRaw(t, RoomPayload{RoomID: "room1"})})
	drain(host)

	h.dispatch(viewer, Frame{Event: EventWatch, Data: mustRaw(t, RoomPayload{RoomID: "room1"})})

	// Both members see the updated peer count.
	f := recvFrame(t, viewer)
	if f.Event != EventCurrentPeers {
		t.Fatalf("viewer got %q, want currentPeers", f.Event)
	}
	var count map[string]int
	_ = json.Unmarshal(f.Data, &count)
	if count["n"] != 2 {
		t.Errorf("currentPeers = %d, want 2", count["n"])
	}
}

func TestSlotsLimitJoin(t *testing.T) {
	t.Parallel()
	h := newTestHub()
	host := newTestClient(t, h, "host", "client-h")

	h.dispatch(host, Frame{Event: EventStream, Data: mustRaw(t, RoomPayload{RoomID: "room1"})})
	h.dispatch(host, Frame{Event: EventSetSlots, Data: mustRaw(t, RoomPayload{RoomID: "room1", Slots: 1})})
	drain(host)

	late := newTestClient(t, h, "late", "client-l")
	h.dispatch(late, Frame{Event: EventWatch, Data: mustRaw(t, RoomPayload{RoomID: "room1"})})

	f := recvFrame(t, late)
	if f.Event != EventError {
		t.Errorf("join past slot limit got %q, want error", f.Event)
	}
}

func TestFileShareFlow(t *testing.T) {
	t.Parallel()
	h := newTestHub()
	host := newTestClient(t, h, "host", "client-h")
	peer := newTestClient(t, h, "peer", "client-p")

	h.dispatch(host, Frame{Event: EventOfferFile, Data: mustRaw(t, OfferFilePayload{
		RoomID: "share1", File: FileInfo{Name: "doc.pdf", Size: 1024},
	})})
	h.dispatch(peer, Frame{Event: EventClient, Data: mustRaw(t, RoomPayload{RoomID: "share1", FileName: "doc.pdf"})})
	drain(peer)

	// getFiles lists the offered file with the host stamped.
	h.dispatch(peer, Frame{Event: EventGetFiles, Data: mustRaw(t, RoomPayload{RoomID: "share1"})})
	f := recvFrame(t, peer)
	if f.Event != EventFiles {
		t.Fatalf("got %q, want files", f.Event)
	}
	var listing struct {
		Files []FileInfo `json:"files"`
	}
	_ = json.Unmarshal(f.Data, &listing)
	if len(listing.Files) != 1 || listing.Files[0].Host != "client-h" {
		t.Errorf("files = %+v, want doc.pdf hosted by client-h", listing.Files)
	}

	// downloadFile goes unicast to the host.
	drain(host)
	h.dispatch(peer, Frame{Event: EventDownloadFile, Data: mustRaw(t, RoomPayload{
		RoomID: "share1", FileName: "doc.pdf", HostID: "client-h",
	})})
	f = recvFrame(t, host)
	if f.Event != EventDownloadFile {
		t.Errorf("host got %q, want downloadFile", f.Event)
	}

	// deleteFile withdraws it.
	h.dispatch(host, Frame{Event: EventDeleteFile, Data: mustRaw(t, RoomPayload{FileName: "doc.pdf"})})
	drain(peer)
	h.dispatch(peer, Frame{Event: EventGetFiles, Data: mustRaw(t, RoomPayload{RoomID: "share1"})})
	f = recvFrame(t, peer)
	_ = json.Unmarshal(f.Data, &listing)
	if len(listing.Files) != 0 {
		t.Errorf("files after delete = %+v, want none", listing.Files)
	}
}

func TestMeetingJoinMessageAndLeave(t *testing.T) {
	t.Parallel()
	h := newTestHub()
	a := newTestClient(t, h, "userA", "client-a")
	b := newTestClient(t, h, "userB", "client-b")

	h.dispatch(a, Frame{Event: EventJoinMeeting, Data: mustRaw(t, RoomPayload{RoomID: "meet1", Name: "Alice"})})
	f := recvFrame(t, a)
	if f.Event != EventJoinMeeting {
		t.Fatalf("got %q, want joinMeeting reply", f.Event)
	}
	var reply struct {
		ID           string        `json:"id"`
		Participants []Participant `json:"participants"`
	}
	_ = json.Unmarshal(f.Data, &reply)
	if reply.ID != "client-a" || len(reply.Participants) != 1 {
		t.Errorf("join reply = %+v", reply)
	}

	h.dispatch(b, Frame{Event: EventJoinMeeting, Data: mustRaw(t, RoomPayload{RoomID: "meet1", Name: "Bob"})})
	// A sees Bob's synthetic join message.
	f = recvFrame(t, a)
	if f.Event != EventMessage {
		t.Fatalf("a got %q, want join message", f.Event)
	}
	var msg MeetingMessagePayload
	_ = json.Unmarshal(f.Data, &msg)
	if msg.Type != "join" || msg.From != "client-b" {
		t.Errorf("join message = %+v", msg)
	}

	// message fan-out skips the originator.
	drain(a)
	drain(b)
	h.dispatch(a, Frame{Event: EventMessage, Data: mustRaw(t, MeetingMessagePayload{
		RoomID: "meet1", Type: "raisehand",
	})})
	f = recvFrame(t, b)
	_ = json.Unmarshal(f.Data, &msg)
	if msg.Type != "raisehand" || msg.From != "client-a" {
		t.Errorf("relayed message = %+v", msg)
	}
	select {
	case <-a.send:
		t.Error("message was echoed to its originator")
	default:
	}

	// Unknown message types are refused.
	h.dispatch(a, Frame{Event: EventMessage, Data: mustRaw(t, MeetingMessagePayload{
		RoomID: "meet1", Type: "selfdestruct",
	})})
	f = recvFrame(t, a)
	if f.Event != EventError {
		t.Errorf("unknown type got %q, want error", f.Event)
	}
}

func TestDisconnectBroadcastsSyntheticLeave(t *testing.T) {
	t.Parallel()
	h := newTestHub()
	a := newTestClient(t, h, "userA", "client-a")
	b := newTestClient(t, h, "userB", "client-b")

	h.dispatch(a, Frame{Event: EventJoinMeeting, Data: mustRaw(t, RoomPayload{RoomID: "meet1", Name: "Alice"})})
	h.dispatch(b, Frame{Event: EventJoinMeeting, Data: mustRaw(t, RoomPayload{RoomID: "meet1", Name: "Bob"})})
	drain(a)
	drain(b)

	h.unregister(b)

	f := recvFrame(t, a)
	if f.Event != EventMessage {
		t.Fatalf("a got %q, want synthetic leave", f.Event)
	}
	var msg MeetingMessagePayload
	_ = json.Unmarshal(f.Data, &msg)
	if msg.Type != "leave" || msg.From != "client-b" {
		t.Errorf("synthetic leave = %+v", msg)
	}

	if h.ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", h.ClientCount())
	}
}

func TestNotifyNewItemTargetsDevice(t *testing.T) {
	t.Parallel()
	h := newTestHub()
	c := newTestClient(t, h, "userA", "client-a")

	h.NotifyNewItem("userA", 1, "item-1")
	f := recvFrame(t, c)
	if f.Event != EventNewItem {
		t.Errorf("got %q, want newItem", f.Event)
	}

	// A different device number receives nothing.
	h.NotifyNewItem("userA", 2, "item-2")
	select {
	case <-c.send:
		t.Error("notification for another device delivered")
	default:
	}
}

func TestVoiceOnlyGatesVideoMessages(t *testing.T) {
	t.Parallel()
	h := newTestHub()
	a := newTestClient(t, h, "userA", "client-a")

	// Fabricate a voice-only meeting room directly.
	h.mu.Lock()
	r := newRoom("meet1", KindMeeting)
	r.voiceOnly = true
	r.members[a.clientID] = a
	h.rooms["meet1"] = r
	h.mu.Unlock()

	h.dispatch(a, Frame{Event: EventMessage, Data: mustRaw(t, MeetingMessagePayload{
		RoomID: "meet1", Type: "camon",
	})})
	f := recvFrame(t, a)
	if f.Event != EventError {
		t.Errorf("camon in voice-only room got %q, want error", f.Event)
	}
}
