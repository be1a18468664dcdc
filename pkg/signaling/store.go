package signaling

import (
	"encoding/json"
	"time"
)

// session is one mirroring flow: the sender's offer, the display's answer
// once received, and sender candidates queued until the answer arrives.
type session struct {
	id           string
	origin       string
	offer        string
	answer       string
	pending      []json.RawMessage
	lastActivity time.Time
}

func (s *session) answered() bool { return s.answer != "" }

// sessionStore owns the session map. Callers serialize through the relay's
// lock; the store adds no synchronization of its own.
type sessionStore struct {
	sessions map[string]*session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*session)}
}

// upsert returns the session for id, creating it when absent, and stamps the
// activity time either way.
func (s *sessionStore) upsert(id, origin string, now time.Time) *session {
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{id: id, origin: origin}
		s.sessions[id] = sess
	}
	sess.lastActivity = now
	return sess
}

func (s *sessionStore) get(id string) *session {
	return s.sessions[id]
}

func (s *sessionStore) delete(id string) {
	delete(s.sessions, id)
}

func (s *sessionStore) count() int {
	return len(s.sessions)
}

// reapIdle removes sessions untouched for longer than maxIdle and reports
// their ids. Buffered candidates go with them.
func (s *sessionStore) reapIdle(now time.Time, maxIdle time.Duration) []string {
	var reaped []string
	for id, sess := range s.sessions {
		if now.Sub(sess.lastActivity) > maxIdle {
			delete(s.sessions, id)
			reaped = append(reaped, id)
		}
	}
	return reaped
}
