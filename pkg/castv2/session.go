package castv2

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/gogo/protobuf/proto"
	"github.com/google/uuid"
	"github.com/pion/logging"

	"castbridge/pkg/castv2/castpb"
)

// Callbacks connect per-connection sessions to the rest of the bridge. Nil
// fields are skipped. sendAnswer and sendCandidate write back on the
// connection that carried the OFFER, with source and destination swapped.
type Callbacks struct {
	OnMediaCommand  func(sessionID string, cmd MediaCommand)
	OnWebRTCOffer   func(sessionID, sdp string, sendAnswer func(sdp string), sendCandidate func(candidate json.RawMessage))
	OnICECandidate  func(sessionID string, candidate json.RawMessage)
	OnMirroringStop func(sessionID string)
	OnSessionClosed func(sessionID string)
}

// mediaState is owned exclusively by the connection's read loop.
type mediaState struct {
	sessionID int
	info      *MediaInfo
	state     string
	current   float64
}

type volumeState struct {
	level float64
	muted bool
}

// conn is one CastV2 sender connection: a session id minted at accept time,
// the media state it owns, and a single-writer outbound pump.
type conn struct {
	sessionID   string
	transportID string

	sock net.Conn
	dec  *Decoder

	send chan []byte
	done chan struct{}
	once sync.Once

	media  mediaState
	volume volumeState

	cb  Callbacks
	log logging.LeveledLogger
}

func newConn(sock net.Conn, cb Callbacks, log logging.LeveledLogger) *conn {
	sessionID := uuid.NewString()
	return &conn{
		sessionID:   sessionID,
		transportID: "transport-" + sessionID[:8],
		sock:        sock,
		dec:         NewDecoder(sock),
		send:        make(chan []byte, 16),
		done:        make(chan struct{}),
		media: mediaState{
			sessionID: 1,
			state:     PlayerStateIdle,
		},
		volume: volumeState{level: 1.0},
		cb:     cb,
		log:    log,
	}
}

// serve runs the read loop until the peer disconnects or the stream turns
// hostile. Replies are emitted in request order through the write pump.
func (c *conn) serve() {
	defer func() {
		c.shutdown()
		if c.cb.OnSessionClosed != nil {
			c.cb.OnSessionClosed(c.sessionID)
		}
		c.log.Debugf("session %s closed", c.sessionID)
	}()

	go c.writePump()

	for {
		msg, err := c.dec.Next()
		if err != nil {
			if errors.Is(err, ErrFrameTooLarge) {
				c.log.Warnf("session %s: %v", c.sessionID, err)
			} else if !errors.Is(err, io.EOF) {
				c.log.Debugf("session %s read: %v", c.sessionID, err)
			}
			return
		}
		c.dispatch(msg)
	}
}

func (c *conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if _, err := c.sock.Write(frame); err != nil {
				c.log.Debugf("session %s write: %v", c.sessionID, err)
				c.shutdown()
				return
			}
		}
	}
}

func (c *conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

func (c *conn) dispatch(msg *castpb.CastMessage) {
	if msg.GetPayloadType() != castpb.CastMessage_STRING {
		c.log.Debugf("session %s: ignoring binary payload on %s", c.sessionID, msg.GetNamespace())
		return
	}

	payload := []byte(msg.GetPayloadUtf8())
	var env requestEnvelope
	if err := sonic.Unmarshal(payload, &env); err != nil {
		// Unparseable payloads dispatch as empty; the type switch below
		// then falls through without a reply.
		env = requestEnvelope{}
	}

	switch msg.GetNamespace() {
	case NamespaceConnection:
		c.handleConnection(msg, env)
	case NamespaceHeartbeat:
		c.handleHeartbeat(msg, env)
	case NamespaceReceiver:
		c.handleReceiver(msg, env, payload)
	case NamespaceMedia:
		c.handleMedia(msg, env, payload)
	case NamespaceWebRTC:
		c.handleWebRTC(msg, env, payload)
	case NamespaceRemoting:
		c.handleRemoting(msg, env)
	default:
		c.log.Debugf("session %s: ignoring namespace %s", c.sessionID, msg.GetNamespace())
	}
}

func (c *conn) handleConnection(msg *castpb.CastMessage, env requestEnvelope) {
	switch env.Type {
	case "CONNECT":
		c.reply(msg, ackReply{Type: "CONNECTED", RequestID: env.RequestID})
	case "CLOSE":
		// The peer tears the TCP stream down itself; nothing to answer.
		c.log.Debugf("session %s: sender sent CLOSE", c.sessionID)
	default:
		c.log.Debugf("session %s: unknown connection type %q", c.sessionID, env.Type)
	}
}

func (c *conn) handleHeartbeat(msg *castpb.CastMessage, env requestEnvelope) {
	if env.Type == "PING" {
		c.reply(msg, pongReply{Type: "PONG"})
	}
}

func (c *conn) handleReceiver(msg *castpb.CastMessage, env requestEnvelope, payload []byte) {
	switch env.Type {
	case "GET_STATUS", "LAUNCH":
		c.replyReceiverStatus(msg, env.RequestID)
	case "STOP":
		c.media.info = nil
		c.media.state = PlayerStateIdle
		c.replyReceiverStatus(msg, env.RequestID)
		c.emit(MediaCommand{Type: "stop", RequestID: env.RequestID})
	case "SET_VOLUME":
		cmd := c.applyVolume(payload, env.RequestID)
		c.replyReceiverStatus(msg, env.RequestID)
		c.emit(cmd)
	default:
		c.log.Debugf("session %s: unknown receiver type %q", c.sessionID, env.Type)
	}
}

func (c *conn) handleMedia(msg *castpb.CastMessage, env requestEnvelope, payload []byte) {
	switch env.Type {
	case "GET_STATUS":
		c.replyMediaStatus(msg, env.RequestID)

	case "LOAD":
		var req loadRequest
		_ = sonic.Unmarshal(payload, &req)
		if req.Media != nil {
			info := *req.Media
			c.media.info = &info
		} else {
			c.media.info = nil
		}
		c.media.state = PlayerStatePlaying
		c.media.current = 0
		if req.CurrentTime != nil {
			c.media.current = *req.CurrentTime
		}
		c.media.sessionID++
		c.replyMediaStatus(msg, env.RequestID)

		cmd := MediaCommand{Type: "load", CurrentTime: f64ptr(c.media.current), RequestID: env.RequestID}
		if req.Media != nil {
			cmd.URL = req.Media.ContentID
			cmd.ContentType = req.Media.ContentType
		}
		c.emit(cmd)

	case "PLAY":
		c.media.state = PlayerStatePlaying
		c.replyMediaStatus(msg, env.RequestID)
		c.emit(MediaCommand{Type: "play", RequestID: env.RequestID})

	case "PAUSE":
		c.media.state = PlayerStatePaused
		c.replyMediaStatus(msg, env.RequestID)
		c.emit(MediaCommand{Type: "pause", RequestID: env.RequestID})

	case "SEEK":
		var req seekRequest
		_ = sonic.Unmarshal(payload, &req)
		c.media.current = 0
		if req.CurrentTime != nil {
			c.media.current = *req.CurrentTime
		}
		c.replyMediaStatus(msg, env.RequestID)
		c.emit(MediaCommand{Type: "seek", CurrentTime: f64ptr(c.media.current), RequestID: env.RequestID})

	case "STOP":
		c.media.state = PlayerStateIdle
		c.media.info = nil
		c.replyMediaStatus(msg, env.RequestID)
		c.emit(MediaCommand{Type: "stop", RequestID: env.RequestID})

	case "SET_VOLUME", "VOLUME":
		cmd := c.applyVolume(payload, env.RequestID)
		c.replyMediaStatus(msg, env.RequestID)
		c.emit(cmd)

	default:
		c.log.Debugf("session %s: unknown media type %q", c.sessionID, env.Type)
	}
}

// applyVolume copies whichever of level and muted the sender provided onto
// the connection volume and builds the outbound volume command.
func (c *conn) applyVolume(payload []byte, requestID int) MediaCommand {
	var req volumeRequest
	_ = sonic.Unmarshal(payload, &req)

	cmd := MediaCommand{Type: "volume", RequestID: requestID}
	if req.Volume != nil {
		if req.Volume.Level != nil {
			c.volume.level = *req.Volume.Level
			cmd.Volume = f64ptr(*req.Volume.Level)
		}
		if req.Volume.Muted != nil {
			c.volume.muted = *req.Volume.Muted
		}
	}
	return cmd
}

func (c *conn) handleWebRTC(msg *castpb.CastMessage, env requestEnvelope, payload []byte) {
	switch env.Type {
	case "OFFER":
		var req webrtcOfferRequest
		_ = sonic.Unmarshal(payload, &req)
		if c.cb.OnWebRTCOffer == nil {
			c.log.Debugf("session %s: OFFER with no handler wired", c.sessionID)
			return
		}
		srcID, dstID := msg.GetDestinationId(), msg.GetSourceId()
		seq := req.SeqNum
		sendAnswer := func(sdp string) {
			c.sendPayload(srcID, dstID, NamespaceWebRTC, webrtcAnswerReply{
				Type: "ANSWER", SeqNum: seq, Answer: sdpBody{SDP: sdp},
			})
		}
		sendCandidate := func(candidate json.RawMessage) {
			c.sendPayload(srcID, dstID, NamespaceWebRTC, webrtcCandidateReply{
				Type: "ICE_CANDIDATE", SeqNum: seq, Candidate: candidate,
			})
		}
		c.cb.OnWebRTCOffer(c.sessionID, req.Offer.SDP, sendAnswer, sendCandidate)

	case "ICE_CANDIDATE":
		var req webrtcCandidateRequest
		_ = sonic.Unmarshal(payload, &req)
		if len(req.Candidate) == 0 || string(req.Candidate) == "null" {
			return
		}
		if c.cb.OnICECandidate != nil {
			c.cb.OnICECandidate(c.sessionID, req.Candidate)
		}

	default:
		c.log.Debugf("session %s: unknown webrtc type %q", c.sessionID, env.Type)
	}
}

func (c *conn) handleRemoting(msg *castpb.CastMessage, env requestEnvelope) {
	switch env.Type {
	case "SETUP":
		c.reply(msg, ackReply{Type: "SETUP_OK", RequestID: env.RequestID})
	case "START":
		c.reply(msg, ackReply{Type: "START_OK", RequestID: env.RequestID})
	case "STOP":
		c.reply(msg, ackReply{Type: "STOP_OK", RequestID: env.RequestID})
		if c.cb.OnMirroringStop != nil {
			c.cb.OnMirroringStop(c.sessionID)
		}
	default:
		c.log.Debugf("session %s: unknown remoting type %q", c.sessionID, env.Type)
	}
}

func (c *conn) replyReceiverStatus(msg *castpb.CastMessage, requestID int) {
	c.reply(msg, receiverStatusReply{
		Type:      "RECEIVER_STATUS",
		RequestID: requestID,
		Status:    c.receiverStatus(),
	})
}

func (c *conn) replyMediaStatus(msg *castpb.CastMessage, requestID int) {
	c.reply(msg, mediaStatusReply{
		Type:      "MEDIA_STATUS",
		RequestID: requestID,
		Status:    c.mediaStatus(),
	})
}

func (c *conn) receiverStatus() ReceiverStatus {
	return ReceiverStatus{
		Applications: []ApplicationStatus{{
			AppID:       DefaultMediaReceiverAppID,
			DisplayName: "Default Media Receiver",
			Namespaces: []NamespaceName{
				{Name: NamespaceMedia},
				{Name: NamespaceWebRTC},
				{Name: NamespaceRemoting},
				{Name: NamespaceDebug},
			},
			SessionID:   c.sessionID,
			StatusText:  "Default Media Receiver",
			TransportID: c.transportID,
		}},
		Volume: VolumeStatus{
			ControlType:  "attenuation",
			Level:        c.volume.level,
			Muted:        c.volume.muted,
			StepInterval: 0.05,
		},
	}
}

func (c *conn) mediaStatus() []MediaStatus {
	return []MediaStatus{{
		MediaSessionID:         c.media.sessionID,
		PlaybackRate:           1,
		PlayerState:            c.media.state,
		CurrentTime:            c.media.current,
		SupportedMediaCommands: supportedMediaCommands,
		Volume:                 MediaVolume{Level: c.volume.level, Muted: c.volume.muted},
		Media:                  c.media.info,
	}}
}

// reply answers msg with source and destination swapped.
func (c *conn) reply(msg *castpb.CastMessage, payload interface{}) {
	c.sendPayload(msg.GetDestinationId(), msg.GetSourceId(), msg.GetNamespace(), payload)
}

func (c *conn) sendPayload(srcID, dstID, namespace string, payload interface{}) {
	body, err := sonic.Marshal(payload)
	if err != nil {
		c.log.Errorf("session %s: marshal payload: %v", c.sessionID, err)
		return
	}
	frame, err := Encode(&castpb.CastMessage{
		ProtocolVersion: castpb.CastMessage_CASTV2_1_0.Enum(),
		SourceId:        proto.String(srcID),
		DestinationId:   proto.String(dstID),
		Namespace:       proto.String(namespace),
		PayloadType:     castpb.CastMessage_STRING.Enum(),
		PayloadUtf8:     proto.String(string(body)),
	})
	if err != nil {
		c.log.Errorf("session %s: encode frame: %v", c.sessionID, err)
		return
	}
	select {
	case c.send <- frame:
	case <-c.done:
	}
}

func (c *conn) emit(cmd MediaCommand) {
	if c.cb.OnMediaCommand != nil {
		c.cb.OnMediaCommand(c.sessionID, cmd)
	}
}

func f64ptr(v float64) *float64 { return &v }
