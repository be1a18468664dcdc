package castv2

import "encoding/json"

// Namespaces multiplexed over a single CastV2 stream. Every inbound frame is
// routed by its namespace URN; unknown namespaces are ignored.
const (
	NamespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
	NamespaceHeartbeat  = "urn:x-cast:com.google.cast.tp.heartbeat"
	NamespaceReceiver   = "urn:x-cast:com.google.cast.receiver"
	NamespaceMedia      = "urn:x-cast:com.google.cast.media"
	NamespaceWebRTC     = "urn:x-cast:com.google.cast.webrtc"
	NamespaceRemoting   = "urn:x-cast:com.google.cast.remoting"
	NamespaceDebug      = "urn:x-cast:com.google.cast.debugoverlay"
)

// DefaultMediaReceiverAppID is the built-in application every generic sender
// targets when no custom receiver app is configured.
const DefaultMediaReceiverAppID = "CC1AD845"

// Player states reported in media status entries.
const (
	PlayerStateIdle      = "IDLE"
	PlayerStatePlaying   = "PLAYING"
	PlayerStatePaused    = "PAUSED"
	PlayerStateBuffering = "BUFFERING"
)

// supportedMediaCommands is the capability bitmask advertised with every
// media status entry.
const supportedMediaCommands = 0x7f

// requestEnvelope is the common prefix of every JSON payload: a type tag and
// an optional request id echoed back on replies.
type requestEnvelope struct {
	Type      string `json:"type"`
	RequestID int    `json:"requestId"`
}

// MediaInfo describes the content a sender asked the display to play. The
// same shape is echoed back inside media status entries.
type MediaInfo struct {
	ContentID   string `json:"contentId"`
	ContentType string `json:"contentType"`
	StreamType  string `json:"streamType"`
}

type loadRequest struct {
	Media       *MediaInfo `json:"media"`
	CurrentTime *float64   `json:"currentTime"`
}

type seekRequest struct {
	CurrentTime *float64 `json:"currentTime"`
}

type volumeRequest struct {
	Volume *volumeFields `json:"volume"`
}

type volumeFields struct {
	Level *float64 `json:"level"`
	Muted *bool    `json:"muted"`
}

type webrtcOfferRequest struct {
	SeqNum int     `json:"seqNum"`
	Offer  sdpBody `json:"offer"`
}

type webrtcCandidateRequest struct {
	Candidate json.RawMessage `json:"candidate"`
}

type sdpBody struct {
	SDP string `json:"sdp"`
}

// ReceiverStatus is the per-connection view of the fictitious running
// application reported on the receiver namespace.
type ReceiverStatus struct {
	Applications []ApplicationStatus `json:"applications"`
	Volume       VolumeStatus        `json:"volume"`
}

// ApplicationStatus describes the Default Media Receiver instance bound to
// one sender connection.
type ApplicationStatus struct {
	AppID        string          `json:"appId"`
	DisplayName  string          `json:"displayName"`
	IsIdleScreen bool            `json:"isIdleScreen"`
	Namespaces   []NamespaceName `json:"namespaces"`
	SessionID    string          `json:"sessionId"`
	StatusText   string          `json:"statusText"`
	TransportID  string          `json:"transportId"`
}

// NamespaceName wraps a namespace URN for the receiver status shape senders
// expect.
type NamespaceName struct {
	Name string `json:"name"`
}

// VolumeStatus is the receiver-level volume block.
type VolumeStatus struct {
	ControlType  string  `json:"controlType"`
	Level        float64 `json:"level"`
	Muted        bool    `json:"muted"`
	StepInterval float64 `json:"stepInterval"`
}

// MediaStatus is a single entry of a MEDIA_STATUS reply.
type MediaStatus struct {
	MediaSessionID         int         `json:"mediaSessionId"`
	PlaybackRate           float64     `json:"playbackRate"`
	PlayerState            string      `json:"playerState"`
	CurrentTime            float64     `json:"currentTime"`
	SupportedMediaCommands int         `json:"supportedMediaCommands"`
	Volume                 MediaVolume `json:"volume"`
	Media                  *MediaInfo  `json:"media,omitempty"`
}

// MediaVolume is the per-stream volume block inside media status entries.
type MediaVolume struct {
	Level float64 `json:"level"`
	Muted bool    `json:"muted"`
}

type receiverStatusReply struct {
	Type      string         `json:"type"`
	RequestID int            `json:"requestId"`
	Status    ReceiverStatus `json:"status"`
}

type mediaStatusReply struct {
	Type      string        `json:"type"`
	RequestID int           `json:"requestId"`
	Status    []MediaStatus `json:"status"`
}

type ackReply struct {
	Type      string `json:"type"`
	RequestID int    `json:"requestId"`
}

type pongReply struct {
	Type string `json:"type"`
}

type webrtcAnswerReply struct {
	Type   string  `json:"type"`
	SeqNum int     `json:"seqNum"`
	Answer sdpBody `json:"answer"`
}

type webrtcCandidateReply struct {
	Type      string          `json:"type"`
	SeqNum    int             `json:"seqNum"`
	Candidate json.RawMessage `json:"candidate"`
}

// MediaCommand is the bridge-facing projection of a sender request. The
// orchestrator forwards it to the display client as-is.
type MediaCommand struct {
	Type        string   `json:"type"`
	URL         string   `json:"url,omitempty"`
	ContentType string   `json:"contentType,omitempty"`
	CurrentTime *float64 `json:"currentTime,omitempty"`
	Volume      *float64 `json:"volume,omitempty"`
	RequestID   int      `json:"requestId"`
}
