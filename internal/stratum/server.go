package stratum

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/vrscpool/pkg/errors"
	"github.com/bardlex/vrscpool/pkg/log"
)

// Handler is notified about the whole life of every connection.
type Handler interface {
	MessageHandler
	HandleConnect(ctx context.Context, connID string)
	HandleDisconnect(connID string)
}

// ServerConfig configures the listener and every session it accepts.
type ServerConfig struct {
	ListenAddr     string
	MaxConnections int
	Session        SessionConfig
}

// Server accepts miner connections and routes outbound messages to them by
// connection id.
type Server struct {
	cfg    ServerConfig
	logger *log.Logger

	mu       sync.RWMutex
	listener net.Listener
	sessions map[string]*Session
	closed   bool

	seq atomic.Uint64
	wg  sync.WaitGroup
}

// NewServer creates a server. Nothing is bound until Start or Serve.
func NewServer(cfg ServerConfig, logger *log.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.WithComponent("stratum"),
		sessions: make(map[string]*Session),
	}
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, handler Handler) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "listen", fmt.Sprintf("failed to listen on %s", s.cfg.ListenAddr))
	}
	return s.Serve(ctx, listener, handler)
}

// Serve accepts connections on listener until ctx is cancelled or the
// server is shut down.
func (s *Server) Serve(ctx context.Context, listener net.Listener, handler Handler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = listener.Close()
		return net.ErrClosed
	}
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("server listening", "address", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	var tempDelay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			// back off on temporary accept failures such as fd exhaustion
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay = min(tempDelay*2, time.Second)
			}
			s.logger.WithError(err).Warn("failed to accept connection", "retry_in", tempDelay)
			select {
			case <-time.After(tempDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		tempDelay = 0

		session, err := s.register(conn)
		if err != nil {
			if stderrors.Is(err, errConnectionLimit) {
				s.logger.Warn("connection limit reached, rejecting", "remote_addr", conn.RemoteAddr().String(), "limit", s.cfg.MaxConnections)
			}
			_ = conn.Close()
			continue
		}

		go s.handleConnection(ctx, session, handler)
	}
}

// handleConnection runs one registered session and removes it when it ends.
func (s *Server) handleConnection(ctx context.Context, session *Session, handler Handler) {
	defer s.wg.Done()
	defer s.unregister(session.ID())

	handler.HandleConnect(ctx, session.ID())
	defer handler.HandleDisconnect(session.ID())

	if err := session.Start(ctx, handler); err != nil {
		session.logger.WithError(err).Info("session ended")
	}
}

var errConnectionLimit = stderrors.New("connection limit reached")

// register assigns the connection id and takes a slot in the session table.
// It runs on the accept loop so the limit holds for bursts of connections.
// Miners are identified by their remote address; a suffix keeps ids unique
// for transports that reuse addresses.
func (s *Server) register(conn net.Conn) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, net.ErrClosed
	}
	if s.cfg.MaxConnections > 0 && len(s.sessions) >= s.cfg.MaxConnections {
		return nil, errConnectionLimit
	}

	id := conn.RemoteAddr().String()
	if _, taken := s.sessions[id]; taken {
		id = fmt.Sprintf("%s#%d", id, s.seq.Add(1))
	}
	session := NewSession(id, conn, s.logger, s.cfg.Session)
	s.sessions[id] = session
	s.wg.Add(1)
	return session, nil
}

func (s *Server) unregister(connID string) {
	s.mu.Lock()
	delete(s.sessions, connID)
	s.mu.Unlock()
}

// Send queues msg for the connection. Unknown or closed connections return
// ErrSessionClosed.
func (s *Server) Send(connID string, msg *Message) error {
	s.mu.RLock()
	session, ok := s.sessions[connID]
	s.mu.RUnlock()
	if !ok {
		return ErrSessionClosed
	}
	return session.Send(msg)
}

// Disconnect closes the connection if it is still open.
func (s *Server) Disconnect(connID string) {
	s.mu.RLock()
	session, ok := s.sessions[connID]
	s.mu.RUnlock()
	if ok {
		session.Close()
	}
}

// SessionCount returns the number of open connections.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Addr returns the bound address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, closes every session and waits for their
// handlers to return or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	s.mu.Lock()
	s.closed = true
	if s.listener != nil {
		if err := s.listener.Close(); err != nil && !stderrors.Is(err, net.ErrClosed) {
			s.logger.WithError(err).Warn("failed to close listener")
		}
	}
	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()

	for _, session := range sessions {
		session.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}
