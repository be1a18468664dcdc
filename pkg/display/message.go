package display

import "encoding/json"

// Message is the payload display and sender clients send over the WebSocket.
// One shape covers every inbound type; absent fields stay zero.
type Message struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"sessionId,omitempty"`
	SDP         string          `json:"sdp,omitempty"`
	Candidate   json.RawMessage `json:"candidate,omitempty"`
	PlayerState string          `json:"playerState,omitempty"`
	CurrentTime float64         `json:"currentTime,omitempty"`
	Duration    float64         `json:"duration,omitempty"`
	Volume      *float64        `json:"volume,omitempty"`

	// Raw is the frame as received, kept for handlers that need fields
	// beyond the common shape.
	Raw []byte `json:"-"`
}

// Command is an outbound signaling frame for the display: webrtc-offer,
// ice-candidate, or mirror-stop. Media commands use their own shapes.
type Command struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}
