package bridge

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"castbridge/pkg/castv2"
	"castbridge/pkg/display"
	"castbridge/pkg/signaling"
)

// wireFrame covers every field a display-bound command can carry.
type wireFrame struct {
	Type        string          `json:"type"`
	SessionID   string          `json:"sessionId"`
	SDP         string          `json:"sdp"`
	Candidate   json.RawMessage `json:"candidate"`
	URL         string          `json:"url"`
	ContentType string          `json:"contentType"`
	RequestID   int             `json:"requestId"`
}

type senderEvent struct {
	id  string
	msg display.Message
}

type harness struct {
	bridge *Bridge
	hub    *display.Hub
	relay  *signaling.Relay
	cb     castv2.Callbacks
	url    string

	// Fence channels, registered after the bridge's own handlers: an event
	// arriving here means the bridge and relay finished processing it.
	displaySeen chan display.Message
	senderSeen  chan senderEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hub := display.NewHub(display.Options{})
	relay := signaling.NewRelay(hub, signaling.Options{})
	b := New(hub, relay, nil)

	h := &harness{
		bridge:      b,
		hub:         hub,
		relay:       relay,
		cb:          b.CastCallbacks(),
		displaySeen: make(chan display.Message, 32),
		senderSeen:  make(chan senderEvent, 32),
	}
	hub.OnDisplayMessage(func(m display.Message) { h.displaySeen <- m })
	hub.OnSenderMessage(func(id string, m display.Message) { h.senderSeen <- senderEvent{id, m} })

	srv := httptest.NewServer(hub.HTTPHandler())
	t.Cleanup(func() {
		_ = relay.Close()
		_ = hub.Close()
		srv.Close()
	})
	h.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return h
}

// dialDisplay connects the display client. The initial status report doubles
// as a handshake probe: once it comes back through the fence, the hub has
// the slot filled and commands will reach this socket.
func (h *harness) dialDisplay(t *testing.T) (*websocket.Conn, <-chan wireFrame) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err != nil {
		t.Fatalf("dial display: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteJSON(map[string]interface{}{"playerState": "IDLE", "currentTime": 0}); err != nil {
		t.Fatalf("write status probe: %v", err)
	}
	h.waitDisplaySeen(t, "")
	return conn, readLoop(conn)
}

// dialSender connects and classifies a sender client, waiting until the hub
// routes its first message so later connections see an empty display slot.
func (h *harness) dialSender(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err != nil {
		t.Fatalf("dial sender: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	if err := conn.WriteJSON(map[string]string{"type": "sender-hello", "sessionId": sessionID}); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	if err := conn.WriteJSON(map[string]string{"type": "probe"}); err != nil {
		t.Fatalf("write probe: %v", err)
	}
	h.waitSenderSeen(t, sessionID, "probe")
	return conn
}

func (h *harness) waitDisplaySeen(t *testing.T, msgType string) display.Message {
	t.Helper()
	for {
		select {
		case m := <-h.displaySeen:
			if m.Type == msgType {
				return m
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("display message %q never processed", msgType)
		}
	}
}

func (h *harness) waitSenderSeen(t *testing.T, sessionID, msgType string) display.Message {
	t.Helper()
	for {
		select {
		case ev := <-h.senderSeen:
			if ev.id == sessionID && ev.msg.Type == msgType {
				return ev.msg
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("sender message %q for %s never processed", msgType, sessionID)
		}
	}
}

func readLoop(conn *websocket.Conn) <-chan wireFrame {
	frames := make(chan wireFrame, 16)
	go func() {
		defer close(frames)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f wireFrame
			if err := sonic.Unmarshal(data, &f); err != nil {
				continue
			}
			frames <- f
		}
	}()
	return frames
}

func waitFrame(t *testing.T, frames <-chan wireFrame) wireFrame {
	t.Helper()
	select {
	case f, ok := <-frames:
		if !ok {
			t.Fatal("display connection closed while waiting for a frame")
		}
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a display frame")
		return wireFrame{}
	}
}

func expectNoFrame(t *testing.T, frames <-chan wireFrame) {
	t.Helper()
	select {
	case f, ok := <-frames:
		if ok {
			t.Fatalf("unexpected frame at display: %+v", f)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func candidateString(t *testing.T, raw json.RawMessage) string {
	t.Helper()
	var body struct {
		Candidate string `json:"candidate"`
	}
	if err := sonic.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode candidate %s: %v", raw, err)
	}
	return body.Candidate
}

func TestMediaCommandsReachDisplay(t *testing.T) {
	h := newHarness(t)
	_, frames := h.dialDisplay(t)

	h.cb.OnMediaCommand("sess-1", castv2.MediaCommand{Type: "pause", RequestID: 3})
	f := waitFrame(t, frames)
	if f.Type != "pause" || f.RequestID != 3 {
		t.Fatalf("pause frame: %+v", f)
	}

	ct := 4.5
	h.cb.OnMediaCommand("sess-1", castv2.MediaCommand{
		Type: "load", URL: "http://example.com/v.mp4", ContentType: "video/mp4",
		CurrentTime: &ct, RequestID: 9,
	})
	f = waitFrame(t, frames)
	if f.Type != "load" || f.URL != "http://example.com/v.mp4" || f.ContentType != "video/mp4" || f.RequestID != 9 {
		t.Fatalf("load frame: %+v", f)
	}
}

func TestOfferReachesDisplayAndAnswerIsOneShot(t *testing.T) {
	h := newHarness(t)
	d, frames := h.dialDisplay(t)

	answers := make(chan string, 4)
	h.cb.OnWebRTCOffer("sess-1", "v=0\r\n",
		func(sdp string) { answers <- sdp },
		func(json.RawMessage) {})

	f := waitFrame(t, frames)
	if f.Type != "webrtc-offer" || f.SessionID != "sess-1" || f.SDP != "v=0\r\n" {
		t.Fatalf("offer frame: %+v", f)
	}

	if err := d.WriteJSON(map[string]string{"type": "webrtc-answer", "sessionId": "sess-1", "sdp": "answer-a"}); err != nil {
		t.Fatalf("write answer: %v", err)
	}
	h.waitDisplaySeen(t, "webrtc-answer")
	select {
	case sdp := <-answers:
		if sdp != "answer-a" {
			t.Fatalf("answer sdp: got %q", sdp)
		}
	default:
		t.Fatal("answer callback not fired")
	}

	// A second answer misses the consumed one-shot map and goes nowhere.
	if err := d.WriteJSON(map[string]string{"type": "webrtc-answer", "sessionId": "sess-1", "sdp": "answer-b"}); err != nil {
		t.Fatalf("write second answer: %v", err)
	}
	h.waitDisplaySeen(t, "webrtc-answer")
	select {
	case sdp := <-answers:
		t.Fatalf("second answer reached the cast session: %q", sdp)
	default:
	}
}

func TestDisplayCandidatesFanOutForSessionLifetime(t *testing.T) {
	h := newHarness(t)
	d, frames := h.dialDisplay(t)

	cands := make(chan json.RawMessage, 4)
	h.cb.OnWebRTCOffer("sess-2", "v=0\r\n",
		func(string) {},
		func(c json.RawMessage) { cands <- c })
	waitFrame(t, frames)

	if err := d.WriteJSON(map[string]string{"type": "webrtc-answer", "sessionId": "sess-2", "sdp": "a"}); err != nil {
		t.Fatalf("write answer: %v", err)
	}
	h.waitDisplaySeen(t, "webrtc-answer")

	for _, c := range []string{"candidate:a", "candidate:b"} {
		if err := d.WriteJSON(map[string]interface{}{
			"type": "ice-candidate", "sessionId": "sess-2",
			"candidate": map[string]string{"candidate": c, "sdpMid": "0"},
		}); err != nil {
			t.Fatalf("write candidate: %v", err)
		}
		h.waitDisplaySeen(t, "ice-candidate")
	}

	for i, want := range []string{"candidate:a", "candidate:b"} {
		select {
		case raw := <-cands:
			if got := candidateString(t, raw); got != want {
				t.Fatalf("candidate %d: got %q, want %q", i, got, want)
			}
		default:
			t.Fatalf("candidate %d never reached the cast session", i)
		}
	}
}

func TestSenderClientSignalingFlow(t *testing.T) {
	h := newHarness(t)

	// Sender first so its hello has vacated the slot before the display
	// connects.
	s := h.dialSender(t, "custom-1")
	d, frames := h.dialDisplay(t)

	if err := s.WriteJSON(map[string]string{"type": "webrtc-offer", "sdp": "v=0 custom"}); err != nil {
		t.Fatalf("write offer: %v", err)
	}
	f := waitFrame(t, frames)
	if f.Type != "webrtc-offer" || f.SessionID != "custom-1" || f.SDP != "v=0 custom" {
		t.Fatalf("offer frame: %+v", f)
	}

	for _, c := range []string{"candidate:1", "candidate:2"} {
		if err := s.WriteJSON(map[string]interface{}{
			"type":      "ice-candidate",
			"candidate": map[string]string{"candidate": c, "sdpMid": "0"},
		}); err != nil {
			t.Fatalf("write candidate: %v", err)
		}
		h.waitSenderSeen(t, "custom-1", "ice-candidate")
	}

	// Both candidates are processed but the display has not answered, so
	// nothing may have been forwarded yet.
	expectNoFrame(t, frames)

	if err := d.WriteJSON(map[string]string{"type": "webrtc-answer", "sessionId": "custom-1", "sdp": "v=0 answer"}); err != nil {
		t.Fatalf("write answer: %v", err)
	}
	h.waitDisplaySeen(t, "webrtc-answer")

	for i, want := range []string{"candidate:1", "candidate:2"} {
		f := waitFrame(t, frames)
		if f.Type != "ice-candidate" || f.SessionID != "custom-1" {
			t.Fatalf("flushed frame %d: %+v", i, f)
		}
		if got := candidateString(t, f.Candidate); got != want {
			t.Fatalf("flushed candidate %d: got %q, want %q", i, got, want)
		}
	}
}

func TestMirroringStopNotifiesDisplayAndDropsSession(t *testing.T) {
	h := newHarness(t)
	d, frames := h.dialDisplay(t)

	answers := make(chan string, 4)
	h.cb.OnWebRTCOffer("sess-9", "v=0\r\n",
		func(sdp string) { answers <- sdp },
		func(json.RawMessage) {})
	waitFrame(t, frames)

	h.cb.OnMirroringStop("sess-9")
	f := waitFrame(t, frames)
	if f.Type != "mirror-stop" || f.SessionID != "sess-9" {
		t.Fatalf("mirror-stop frame: %+v", f)
	}

	// The signaling session and the callback maps are gone: a late answer
	// from the display goes nowhere.
	if err := d.WriteJSON(map[string]string{"type": "webrtc-answer", "sessionId": "sess-9", "sdp": "late"}); err != nil {
		t.Fatalf("write late answer: %v", err)
	}
	h.waitDisplaySeen(t, "webrtc-answer")
	select {
	case sdp := <-answers:
		t.Fatalf("late answer reached the stopped session: %q", sdp)
	default:
	}
}

func TestCastSessionCloseDropsCallbacks(t *testing.T) {
	h := newHarness(t)
	d, frames := h.dialDisplay(t)

	answers := make(chan string, 4)
	h.cb.OnWebRTCOffer("sess-5", "v=0\r\n",
		func(sdp string) { answers <- sdp },
		func(json.RawMessage) {})
	waitFrame(t, frames)

	h.cb.OnSessionClosed("sess-5")

	// Unlike mirroring stop, a plain disconnect sends nothing to the
	// display; it only clears state.
	expectNoFrame(t, frames)

	if err := d.WriteJSON(map[string]string{"type": "webrtc-answer", "sessionId": "sess-5", "sdp": "late"}); err != nil {
		t.Fatalf("write late answer: %v", err)
	}
	h.waitDisplaySeen(t, "webrtc-answer")
	select {
	case sdp := <-answers:
		t.Fatalf("answer reached a closed session: %q", sdp)
	default:
	}
}

func TestPlayerStatusRetained(t *testing.T) {
	h := newHarness(t)
	d, _ := h.dialDisplay(t)

	st, ok := h.bridge.LastPlayerStatus()
	if !ok || st.PlayerState != "IDLE" {
		t.Fatalf("status after probe: ok=%v %+v", ok, st)
	}

	if err := d.WriteJSON(map[string]interface{}{
		"playerState": "PLAYING", "currentTime": 12.5, "duration": 60.0,
	}); err != nil {
		t.Fatalf("write status: %v", err)
	}
	h.waitDisplaySeen(t, "")

	st, ok = h.bridge.LastPlayerStatus()
	if !ok || st.PlayerState != "PLAYING" || st.CurrentTime != 12.5 || st.Duration != 60 {
		t.Fatalf("retained status: ok=%v %+v", ok, st)
	}
}
