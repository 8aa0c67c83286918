package livestream

import (
	"time"
)

// MessageType names the events exchanged with producer and viewer connections.
type MessageType string

const (
	// Inbound.
	MsgStart MessageType = "start"
	MsgFrame MessageType = "frame"
	MsgAudio MessageType = "audio"
	MsgJoin  MessageType = "join"
	MsgLeave MessageType = "leave"
	MsgStop  MessageType = "stop"

	// Outbound.
	MsgStarted     MessageType = "started"
	MsgJoined      MessageType = "joined"
	MsgStreamEnded MessageType = "streamEnded"
	MsgForceStop   MessageType = "forceStop"
	MsgError       MessageType = "error"
)

// Message is the wire envelope for every connection event.
// Timestamp and Duration are milliseconds.
type Message struct {
	Type         MessageType `json:"type"`
	StreamID     string      `json:"streamId,omitempty"`
	Payload      string      `json:"payload,omitempty"`
	Timestamp    int64       `json:"timestamp,omitempty"`
	Duration     int64       `json:"duration,omitempty"`
	Metadata     *Metadata   `json:"metadata,omitempty"`
	AudioEnabled bool        `json:"audioEnabled,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// droppable reports whether m may be discarded when a viewer falls behind.
// Control messages are never dropped.
func (m Message) droppable() bool {
	return m.Type == MsgFrame || m.Type == MsgAudio
}

// Metadata is supplied by the producer when a stream starts.
type Metadata struct {
	Title     string `json:"title"`
	Thumbnail string `json:"thumbnail,omitempty"`
	Audio     bool   `json:"audio,omitempty"`

	// Optional per-stream retention overrides.
	BufferMode      string `json:"bufferMode,omitempty"`
	BufferWindowMs  int64  `json:"bufferWindowMs,omitempty"`
	BufferMaxFrames int    `json:"bufferMaxFrames,omitempty"`
}

// Conn is a producer or viewer connection handle. Send must not block: a
// connection that cannot keep up drops media rather than stalling the caller.
type Conn interface {
	ID() string
	Send(msg Message) bool
}

// Actor identifies who is stopping a stream.
type Actor struct {
	Admin  bool
	ConnID string
}

// ActorAdmin is the administrative actor.
var ActorAdmin = Actor{Admin: true}

// ExportMode selects which part of a recording an export draws from.
type ExportMode string

const (
	// ExportBuffer exports the rolling retention buffer.
	ExportBuffer ExportMode = "buffer"
	// ExportFull exports the full-recording sub-buffer.
	ExportFull ExportMode = "full"
)

// StreamInfo is the public summary of an active stream.
type StreamInfo struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Thumbnail    string    `json:"thumbnail,omitempty"`
	ViewerCount  int       `json:"viewerCount"`
	AudioEnabled bool      `json:"audioEnabled"`
	StartTime    time.Time `json:"startTime"`
}

// JoinResult is returned to a viewer joining a stream.
type JoinResult struct {
	LastFrame    string `json:"lastFrame,omitempty"`
	AudioEnabled bool   `json:"audioEnabled"`
	Title        string `json:"title"`
}
