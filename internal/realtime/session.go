package realtime

import "sync"

// Transport names how a session receives frames.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportSSE       Transport = "sse"
)

type deliveryResult int

const (
	delivered deliveryResult = iota
	droppedFull
	droppedClosed
)

// Session is one connected client. Frames are queued on a bounded outbound channel
// drained by the transport's write loop; the channel is closed on detach.
type Session struct {
	id        string
	userID    uint
	username  string
	transport Transport

	mu       sync.Mutex
	closed   bool
	outbound chan []byte
}

// NewSession constructs a session with an outbound queue of the given capacity.
func NewSession(id string, userID uint, username string, transport Transport, buffer int) *Session {
	if buffer <= 0 {
		buffer = 1
	}
	return &Session{
		id:        id,
		userID:    userID,
		username:  username,
		transport: transport,
		outbound:  make(chan []byte, buffer),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) UserID() uint         { return s.userID }
func (s *Session) Username() string     { return s.username }
func (s *Session) Transport() Transport { return s.transport }

// Outbound exposes the frame queue to the write loop. It is closed once the session detaches.
func (s *Session) Outbound() <-chan []byte {
	return s.outbound
}

// Closed reports whether the session has been detached.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) deliver(frame []byte) deliveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return droppedClosed
	}
	select {
	case s.outbound <- frame:
		return delivered
	default:
		return droppedFull
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.outbound)
}
