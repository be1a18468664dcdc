package castv2

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"

	"github.com/pion/logging"
)

// Options configures a Server. Addr defaults to ":8009" and LoggerFactory to
// pion's default factory when left nil.
type Options struct {
	Addr          string
	Certificate   tls.Certificate
	Callbacks     Callbacks
	LoggerFactory logging.LoggerFactory
}

// Server accepts TLS sender connections and runs one session per connection.
type Server struct {
	opts Options
	log  logging.LeveledLogger

	ln net.Listener

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

func NewServer(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8009"
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Server{
		opts:  opts,
		log:   opts.LoggerFactory.NewLogger("castv2"),
		conns: make(map[*conn]struct{}),
	}
}

// Start binds the listener and begins accepting in the background. A bind
// failure is returned synchronously.
func (s *Server) Start() error {
	ln, err := tls.Listen("tcp", s.opts.Addr, &tls.Config{
		Certificates: []tls.Certificate{s.opts.Certificate},
		MinVersion:   tls.VersionTLS12,
	})
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Infof("castv2 listening on %s", ln.Addr())

	go s.acceptLoop()
	return nil
}

// Addr reports the bound listener address.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	for {
		sock, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Errorf("accept: %v", err)
			}
			return
		}

		c := newConn(sock, s.opts.Callbacks, s.log)
		if !s.track(c) {
			c.shutdown()
			return
		}
		s.log.Debugf("session %s connected from %s", c.sessionID, sock.RemoteAddr())

		go func() {
			c.serve()
			s.untrack(c)
		}()
	}
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Close stops accepting and tears down every live session.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for _, c := range conns {
		c.shutdown()
	}
	return err
}
