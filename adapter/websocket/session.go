package websocket

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	relay "github.com/bjoelf/trade-relay/adapter"
)

// Conn is the part of *websocket.Conn a session uses
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// inboundQueueSize bounds how many frames may wait while a trade runs
const inboundQueueSize = 64

// session is the state of one connection attempt. The reader goroutine only
// moves frames into inbound; everything else happens on the caller's goroutine.
type session struct {
	id     string
	conn   Conn
	clock  Clock
	logger *slog.Logger

	inbound chan inboundFrame
	stop    chan struct{}
	done    chan struct{}

	closeOnce     sync.Once
	authenticated bool
}

func newSession(conn Conn, clock Clock, logger *slog.Logger) *session {
	id := newSessionID()
	return &session{
		id:      id,
		conn:    conn,
		clock:   clock,
		logger:  logger.With("session", id),
		inbound: make(chan inboundFrame, inboundQueueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *session) start() {
	go s.readMessages()
}

// readMessages runs until the first read error, which is delivered as the last frame
func (s *session) readMessages() {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic in readMessages",
				"function", "readMessages",
				"panic", r)
			s.deliver(inboundFrame{Err: fmt.Errorf("reader panic: %v", r), ReceivedAt: s.clock.Now()})
		}
	}()

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			s.logger.Debug("Reader stopped",
				"function", "readMessages",
				"error", err)
			s.deliver(inboundFrame{Err: err, ReceivedAt: s.clock.Now()})
			return
		}

		data := make([]byte, len(message))
		copy(data, message)

		if !s.deliver(inboundFrame{MessageType: messageType, Data: data, ReceivedAt: s.clock.Now()}) {
			return
		}
		if pending := len(s.inbound); pending > inboundQueueSize/2 {
			s.logger.Warn("Queue backpressure detected",
				"function", "readMessages",
				"pending_messages", pending)
		}
	}
}

func (s *session) deliver(f inboundFrame) bool {
	select {
	case s.inbound <- f:
		return true
	case <-s.stop:
		return false
	}
}

// send encodes env and writes it as a text frame. Write failures are unclean closures.
func (s *session) send(env Envelope) error {
	data, err := Encode(env)
	if err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return &relay.TransportError{Clean: false, Err: fmt.Errorf("write: %w", err)}
	}
	return nil
}

// closeNormally sends a 1000 close frame and releases the connection
func (s *session) closeNormally() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
		s.logger.Debug("Error sending close message",
			"function", "closeNormally",
			"error", err)
	}
	s.close()
}

// close releases the connection and unblocks the reader. Safe to call twice.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("Error closing connection",
				"function", "close",
				"error", err)
		}
	})
}

// classifyReadError maps the error ending a session onto a TransportError.
// Only 1000 and 1001 close frames are clean.
func classifyReadError(err error) *relay.TransportError {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return &relay.TransportError{Clean: true, Err: err}
	}
	return &relay.TransportError{Clean: false, Err: err}
}
