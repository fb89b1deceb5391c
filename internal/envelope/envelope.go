// Package envelope is the persistent store for end-to-end-encrypted message
// envelopes: per-device 1:1 items with delivery and read receipts, and
// sender-key encrypted group items with per-device read rows. Payloads are
// opaque ciphertext; the server never inspects them.
package envelope

import (
	"errors"
	"time"
)

// Sentinel errors for the envelope package.
var (
	ErrNotFound    = errors.New("envelope not found")
	ErrBlocked     = errors.New("receiver has blocked the sender")
	ErrEmptyItemID = errors.New("itemId must not be empty")
)

// Item is one 1:1 envelope addressed to a single (user, device) tuple.
// ItemID is client-generated and used for deduplication.
type Item struct {
	UUID           string    `json:"uuid"`
	ItemID         string    `json:"itemId"`
	Sender         string    `json:"sender"`
	DeviceSender   int       `json:"deviceSender"`
	Receiver       string    `json:"receiver"`
	DeviceReceiver int       `json:"deviceReceiver"`
	Type           string    `json:"type"`
	Payload        string    `json:"payload"`
	CipherType     int       `json:"cipherType"`
	Read           bool      `json:"readed"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// GroupItem is one group envelope: a single row per message regardless of the
// recipient count, encrypted once under the sender key.
type GroupItem struct {
	UUID         string    `json:"uuid"`
	ItemID       string    `json:"itemId"`
	Channel      string    `json:"channel"`
	Sender       string    `json:"sender"`
	SenderDevice int       `json:"senderDevice"`
	Type         string    `json:"type"`
	Payload      string    `json:"payload"`
	CipherType   int       `json:"cipherType"`
	Timestamp    time.Time `json:"timestamp"`
}

// GroupRead is one per-device read receipt for a group item.
type GroupRead struct {
	ItemID   string    `json:"itemId"`
	UserID   string    `json:"userId"`
	DeviceID int       `json:"deviceId"`
	ReadAt   time.Time `json:"readAt"`
}

// SendParams are the caller-supplied fields of a 1:1 send; the authenticated
// sender identity is attached by the handler, never trusted from the body.
type SendParams struct {
	Sender         string
	DeviceSender   int
	Receiver       string
	DeviceReceiver int
	ItemID         string
	Type           string
	Payload        string
	CipherType     int
}
