// Package signaling brokers WebRTC offers, answers, and ICE candidates
// between mirroring senders and the display. Sender candidates are held back
// until the display answers; the display's PeerConnection cannot take
// candidates before it has the remote description.
package signaling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/logging"

	"castbridge/pkg/display"
)

// Session origins: which transport created the flow.
const (
	OriginCast   = "cast"
	OriginCustom = "custom"
)

const (
	defaultReapInterval = 15 * time.Second
	defaultMaxIdle      = 60 * time.Second
)

// CommandSender delivers outbound frames to the display transport.
type CommandSender interface {
	SendCommand(cmd interface{})
}

// Options configures a Relay. Zero values fall back to the production
// intervals: reap every 15s, expire after 60s idle.
type Options struct {
	ReapInterval  time.Duration
	MaxIdle       time.Duration
	LoggerFactory logging.LoggerFactory
}

// Relay is the signaling session broker. All session state lives behind one
// lock; handlers and the reaper serialize on it.
type Relay struct {
	mu    sync.Mutex
	store *sessionStore

	onAnswer    []func(sessionID, sdp string)
	onCandidate []func(sessionID string, candidate json.RawMessage)

	display      CommandSender
	log          logging.LeveledLogger
	reapInterval time.Duration
	maxIdle      time.Duration

	done chan struct{}
	once sync.Once
}

// NewRelay builds a Relay that forwards display-bound frames through sender.
func NewRelay(sender CommandSender, opts Options) *Relay {
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = defaultReapInterval
	}
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = defaultMaxIdle
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Relay{
		store:        newSessionStore(),
		display:      sender,
		log:          opts.LoggerFactory.NewLogger("signaling"),
		reapInterval: opts.ReapInterval,
		maxIdle:      opts.MaxIdle,
		done:         make(chan struct{}),
	}
}

// OnAnswerReady registers fn to run for every answer accepted from the
// display. Register before traffic starts.
func (r *Relay) OnAnswerReady(fn func(sessionID, sdp string)) {
	r.mu.Lock()
	r.onAnswer = append(r.onAnswer, fn)
	r.mu.Unlock()
}

// OnDisplayCandidate registers fn to run for every ICE candidate the display
// sends back toward a sender.
func (r *Relay) OnDisplayCandidate(fn func(sessionID string, candidate json.RawMessage)) {
	r.mu.Lock()
	r.onCandidate = append(r.onCandidate, fn)
	r.mu.Unlock()
}

// Start launches the idle-session reaper.
func (r *Relay) Start() {
	go r.run()
}

// Close stops the reaper. Sessions are not flushed; the process is ending.
func (r *Relay) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

// HandleOffer records the offer and forwards it to the display. Repeated
// offers for the same session overwrite the stored SDP.
func (r *Relay) HandleOffer(sessionID, sdp, origin string) {
	r.mu.Lock()
	sess := r.store.upsert(sessionID, origin, time.Now())
	sess.offer = sdp
	r.display.SendCommand(display.Command{Type: "webrtc-offer", SessionID: sessionID, SDP: sdp})
	r.mu.Unlock()

	r.log.Infof("offer for session %s (origin %s)", sessionID, origin)
}

// HandleSenderCandidate forwards a sender candidate once the session is
// answered, and queues it until then. Unknown sessions drop silently.
func (r *Relay) HandleSenderCandidate(sessionID string, candidate json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := r.store.get(sessionID)
	if sess == nil {
		r.log.Debugf("candidate for unknown session %s dropped", sessionID)
		return
	}
	sess.lastActivity = time.Now()
	if !sess.answered() {
		sess.pending = append(sess.pending, candidate)
		return
	}
	r.display.SendCommand(display.Command{Type: "ice-candidate", SessionID: sessionID, Candidate: candidate})
}

// HandleDisplayMessage consumes the display's message stream, reacting to
// webrtc-answer and ice-candidate frames and ignoring everything else.
func (r *Relay) HandleDisplayMessage(msg display.Message) {
	switch msg.Type {
	case "webrtc-answer":
		if msg.SessionID == "" || msg.SDP == "" {
			return
		}
		r.handleAnswer(msg.SessionID, msg.SDP)
	case "ice-candidate":
		if msg.SessionID == "" || len(msg.Candidate) == 0 || string(msg.Candidate) == "null" {
			return
		}
		r.handleDisplayCandidate(msg.SessionID, msg.Candidate)
	}
}

// handleAnswer stores the answer, flushes the candidate queue to the display
// in insertion order, then fires the answer-ready callbacks.
func (r *Relay) handleAnswer(sessionID, sdp string) {
	r.mu.Lock()
	sess := r.store.get(sessionID)
	if sess == nil {
		r.mu.Unlock()
		r.log.Debugf("answer for unknown session %s dropped", sessionID)
		return
	}
	sess.answer = sdp
	sess.lastActivity = time.Now()
	pending := sess.pending
	sess.pending = nil
	for _, cand := range pending {
		r.display.SendCommand(display.Command{Type: "ice-candidate", SessionID: sessionID, Candidate: cand})
	}
	callbacks := append(([]func(string, string))(nil), r.onAnswer...)
	r.mu.Unlock()

	r.log.Infof("session %s answered, flushed %d buffered candidates", sessionID, len(pending))
	for _, fn := range callbacks {
		fn(sessionID, sdp)
	}
}

func (r *Relay) handleDisplayCandidate(sessionID string, candidate json.RawMessage) {
	r.mu.Lock()
	if sess := r.store.get(sessionID); sess != nil {
		sess.lastActivity = time.Now()
	}
	callbacks := append(([]func(string, json.RawMessage))(nil), r.onCandidate...)
	r.mu.Unlock()

	for _, fn := range callbacks {
		fn(sessionID, candidate)
	}
}

// CloseSession drops the session. Buffered candidates are not re-emitted.
func (r *Relay) CloseSession(sessionID string) {
	r.mu.Lock()
	existed := r.store.get(sessionID) != nil
	r.store.delete(sessionID)
	r.mu.Unlock()

	if existed {
		r.log.Debugf("session %s closed", sessionID)
	}
}

func (r *Relay) run() {
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *Relay) reap() {
	r.mu.Lock()
	reaped := r.store.reapIdle(time.Now(), r.maxIdle)
	r.mu.Unlock()

	for _, id := range reaped {
		r.log.Infof("reaped idle session %s", id)
	}
}
