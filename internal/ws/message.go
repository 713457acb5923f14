package ws

import (
	"time"

	"github.com/exaviz/poewatch/pkg/models"
)

// MessageType discriminates WebSocket messages.
type MessageType string

const (
	MessageSnapshot   MessageType = "poe.snapshot"
	MessagePollFailed MessageType = "poe.poll_failed"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      MessageType `json:"type"`
	EventID   string      `json:"event_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data"`
}

// SnapshotData is the payload of poe.snapshot messages.
type SnapshotData = models.Snapshot

// PollFailedData is the payload of poe.poll_failed messages.
type PollFailedData struct {
	Error string `json:"error"`
}
