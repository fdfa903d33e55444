package stratum

import (
	"bufio"
	"context"
	stderrors "errors"
	"net"
	"sync"
	"time"

	"github.com/bardlex/vrscpool/pkg/errors"
	"github.com/bardlex/vrscpool/pkg/log"
)

var (
	// ErrSessionClosed is returned when sending to a connection that is gone.
	ErrSessionClosed = stderrors.New("session closed")
	// ErrOutboundFull is returned when a client is not reading fast enough.
	ErrOutboundFull = stderrors.New("outbound queue full")
)

// SessionConfig holds per-connection limits.
type SessionConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int
	OutboundQueue  int
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 16 * 1024
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = 64
	}
	return c
}

// MessageHandler receives every message parsed from a connection. Calls for
// one connection are made sequentially from its read goroutine.
type MessageHandler interface {
	HandleMessage(ctx context.Context, connID string, msg *Message) error
}

// Session is one miner connection: a read loop that decodes lines and a
// write loop that drains the outbound queue.
type Session struct {
	id          string
	conn        net.Conn
	logger      *log.Logger
	cfg         SessionConfig
	connectedAt time.Time

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession creates a new Stratum session
func NewSession(id string, conn net.Conn, logger *log.Logger, cfg SessionConfig) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		id:          id,
		conn:        conn,
		logger:      logger.WithFields("conn_id", id),
		cfg:         cfg,
		connectedAt: time.Now(),
		outbound:    make(chan []byte, cfg.OutboundQueue),
		done:        make(chan struct{}),
	}
}

// Start runs the session until the client disconnects, ctx is cancelled or
// Close is called. It always closes the connection before returning.
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.RemoteAddr())

	go s.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	return s.readLoop(ctx, handler)
}

// readLoop handles incoming messages from the client
func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	scanner := bufio.NewScanner(s.conn)
	scanner.Buffer(make([]byte, 0, 4096), s.cfg.MaxMessageSize)

	for {
		if s.cfg.ReadTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
				return s.readError(err)
			}
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return s.readError(err)
			}
			// EOF - client disconnected
			return nil
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		s.logger.LogStratumMessage("received", string(line))

		msg, err := ParseMessage(line)
		if err != nil {
			s.logger.WithError(err).Debug("failed to parse message")
			if sendErr := s.Send(NewErrorResponse(nil, nil, ErrorParseError, "Parse error")); sendErr != nil {
				s.logger.WithError(sendErr).Debug("failed to send parse error")
			}
			continue
		}

		if err := handler.HandleMessage(ctx, s.id, msg); err != nil {
			s.logger.WithError(err).Warn("failed to handle message", "method", msg.Method)
		}
	}
}

// readError classifies a read failure. Failures caused by Close are not errors.
func (s *Session) readError(err error) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	if stderrors.Is(err, bufio.ErrTooLong) {
		return errors.Wrap(err, errors.ErrorTypeProtocol, "read", "message exceeds size limit").
			WithContext("limit", s.cfg.MaxMessageSize)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(err, errors.ErrorTypeTimeout, "read", "client idle")
	}
	return errors.Wrap(err, errors.ErrorTypeTransport, "read", "connection read failed")
}

// writeLoop handles outbound messages to the client
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.outbound:
			if s.cfg.WriteTimeout > 0 {
				if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
					s.logger.WithError(err).Debug("failed to set write deadline")
					s.Close()
					return
				}
			}

			if _, err := s.conn.Write(data); err != nil {
				s.logger.WithError(err).Debug("failed to write message")
				s.Close()
				return
			}

			s.logger.LogStratumMessage("sent", string(data[:len(data)-1])) // Log without newline
		}
	}
}

// Send queues msg for delivery. It never blocks.
func (s *Session) Send(msg *Message) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	data, err := EncodeLine(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "send", "failed to marshal message")
	}

	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrOutboundFull
	}
}

// Close closes the session and its connection. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.logger.WithError(err).Debug("failed to close connection")
		}
		s.logger.LogConnection("disconnected", s.RemoteAddr())
	})
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the connection id.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// ConnectedAt returns when the session was created.
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}
