// Package bridge wires the protocol surfaces together: CastV2 sessions on
// one side, the display transport and signaling relay on the other.
package bridge

import (
	"encoding/json"
	"sync"

	"github.com/pion/logging"

	"castbridge/pkg/castv2"
	"castbridge/pkg/display"
	"castbridge/pkg/signaling"
)

// Bridge owns the per-session callback maps that route signaling replies
// back to the CastV2 connection that started the flow. Answer callbacks are
// one-shot; candidate callbacks stay registered for the session's lifetime.
type Bridge struct {
	hub   *display.Hub
	relay *signaling.Relay
	log   logging.LeveledLogger

	mu           sync.Mutex
	answerFns    map[string]func(sdp string)
	candidateFns map[string]func(candidate json.RawMessage)
	lastStatus   *display.Message
}

// New wires hub and relay events into a Bridge. Install CastCallbacks on the
// CastV2 server to complete the loop.
func New(hub *display.Hub, relay *signaling.Relay, lf logging.LoggerFactory) *Bridge {
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	b := &Bridge{
		hub:          hub,
		relay:        relay,
		log:          lf.NewLogger("bridge"),
		answerFns:    make(map[string]func(string)),
		candidateFns: make(map[string]func(json.RawMessage)),
	}
	relay.OnAnswerReady(b.answerReady)
	relay.OnDisplayCandidate(b.displayCandidate)
	hub.OnDisplayMessage(b.displayMessage)
	hub.OnSenderMessage(b.senderMessage)
	return b
}

// CastCallbacks returns the callback set to install on the CastV2 server.
func (b *Bridge) CastCallbacks() castv2.Callbacks {
	return castv2.Callbacks{
		OnMediaCommand:  b.mediaCommand,
		OnWebRTCOffer:   b.webrtcOffer,
		OnICECandidate:  b.senderCandidate,
		OnMirroringStop: b.mirroringStop,
		OnSessionClosed: b.sessionClosed,
	}
}

func (b *Bridge) mediaCommand(sessionID string, cmd castv2.MediaCommand) {
	b.log.Debugf("session %s: %s", sessionID, cmd.Type)
	b.hub.SendCommand(cmd)
}

// webrtcOffer captures only the write closures and the session id, never the
// connection itself; sessionClosed drops them again.
func (b *Bridge) webrtcOffer(sessionID, sdp string, sendAnswer func(string), sendCandidate func(json.RawMessage)) {
	b.mu.Lock()
	b.answerFns[sessionID] = sendAnswer
	b.candidateFns[sessionID] = sendCandidate
	b.mu.Unlock()

	b.relay.HandleOffer(sessionID, sdp, signaling.OriginCast)
}

func (b *Bridge) senderCandidate(sessionID string, candidate json.RawMessage) {
	b.relay.HandleSenderCandidate(sessionID, candidate)
}

func (b *Bridge) mirroringStop(sessionID string) {
	b.hub.SendCommand(display.Command{Type: "mirror-stop", SessionID: sessionID})
	b.dropSession(sessionID)
}

func (b *Bridge) sessionClosed(sessionID string) {
	b.dropSession(sessionID)
}

func (b *Bridge) dropSession(sessionID string) {
	b.relay.CloseSession(sessionID)
	b.mu.Lock()
	delete(b.answerFns, sessionID)
	delete(b.candidateFns, sessionID)
	b.mu.Unlock()
}

// answerReady consumes the one-shot answer callback. A second answer for the
// same session misses the map and is a no-op.
func (b *Bridge) answerReady(sessionID, sdp string) {
	b.mu.Lock()
	fn := b.answerFns[sessionID]
	delete(b.answerFns, sessionID)
	b.mu.Unlock()
	if fn == nil {
		return
	}
	fn(sdp)
}

func (b *Bridge) displayCandidate(sessionID string, candidate json.RawMessage) {
	b.mu.Lock()
	fn := b.candidateFns[sessionID]
	b.mu.Unlock()
	if fn == nil {
		return
	}
	fn(candidate)
}

func (b *Bridge) displayMessage(msg display.Message) {
	switch msg.Type {
	case "webrtc-answer", "ice-candidate":
		b.relay.HandleDisplayMessage(msg)
	default:
		// Anything else from the display is a player status report.
		b.mu.Lock()
		status := msg
		b.lastStatus = &status
		b.mu.Unlock()
		b.log.Debugf("display status: state=%s time=%.1f", msg.PlayerState, msg.CurrentTime)
	}
}

// LastPlayerStatus reports the most recent status frame from the display and
// whether one has arrived yet.
func (b *Bridge) LastPlayerStatus() (display.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastStatus == nil {
		return display.Message{}, false
	}
	return *b.lastStatus, true
}

func (b *Bridge) senderMessage(sessionID string, msg display.Message) {
	switch msg.Type {
	case "webrtc-offer":
		if msg.SDP == "" {
			return
		}
		b.relay.HandleOffer(sessionID, msg.SDP, signaling.OriginCustom)
	case "ice-candidate":
		if len(msg.Candidate) == 0 {
			return
		}
		b.relay.HandleSenderCandidate(sessionID, msg.Candidate)
	default:
		b.log.Debugf("sender %s: ignoring %q", sessionID, msg.Type)
	}
}
