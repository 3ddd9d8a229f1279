package rabbit

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SessionState is the lifecycle stage of a Session.
type SessionState int

const (
	CONNECTING SessionState = iota
	ESTABLISHED
	CLOSING
	CLOSED
)

func (st SessionState) String() string {
	switch st {
	case CONNECTING:
		return "CONNECTING"
	case ESTABLISHED:
		return "ESTABLISHED"
	case CLOSING:
		return "CLOSING"
	case CLOSED:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

const goodbyeAckNotReceived = "protocol violation: wamp.error.goodbye_ack_not_received"

// Session is a connected peer. It owns its transport and joins exactly one
// realm, at HELLO.
type Session struct {
	// ID is assigned at HELLO. It is zero while the session is connecting.
	ID ID

	router     *Router
	conn       Transport
	serializer Serializer
	log        zerolog.Logger

	mu          sync.Mutex
	realm       *Realm
	state       SessionState
	goodbyeSent bool
	closeCode   int
	aborted     bool
	timer       *time.Timer
	done        chan struct{}
}

func newSession(r *Router, conn Transport, serializer Serializer) *Session {
	return &Session{
		router:     r,
		conn:       conn,
		serializer: serializer,
		log:        log().With().Str("component", "session").Logger(),
		state:      CONNECTING,
		done:       make(chan struct{}),
	}
}

// Realm returns the realm the session joined, or nil before HELLO.
func (s *Session) Realm() *Realm {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realm
}

func (s *Session) logger() *zerolog.Logger {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.log
	return &l
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the transport has closed and the session is cleaned up.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) run() {
	defer s.closed()
	for frame := range s.conn.Receive() {
		s.handle(frame)
	}
}

func (s *Session) handle(frame []byte) {
	s.mu.Lock()
	aborted := s.aborted
	s.mu.Unlock()
	if aborted {
		return
	}

	msg, err := s.serializer.Deserialize(frame)
	if err != nil {
		s.logger().Error().Err(err).Msg("error decoding message")
		s.mu.Lock()
		s.aborted = true
		s.state = CLOSING
		s.mu.Unlock()
		s.conn.Close(CloseInternalError, string(ReasonInternalServerError))
		return
	}
	s.logger().Debug().Stringer("type", msg.MessageType()).Msg("received message")

	if err := s.router.dispatch(s, msg); err != nil {
		s.logger().Error().Err(err).Stringer("type", msg.MessageType()).Msg("error handling message")
		s.Close(CloseInternalError, ReasonInternalServerError)
	}
}

// Send serializes msg and writes it to the transport. Failures are logged.
func (s *Session) Send(msg Message) {
	b, err := s.serializer.Serialize(msg)
	if err != nil {
		s.logger().Error().Err(err).Stringer("type", msg.MessageType()).Msg("error serializing message")
		return
	}
	if err := s.conn.Send(b); err != nil {
		s.logger().Warn().Err(err).Stringer("type", msg.MessageType()).Msg("error sending message")
	}
}

// Error replies to request with an ERROR carrying the URI of err.
func (s *Session) Error(typ MessageType, request ID, err error) error {
	if typ == 0 || request == 0 || err == nil {
		return ErrInvalidArgument
	}
	s.Send(&Error{
		Type:        typ,
		Request:     request,
		Details:     make(map[string]interface{}),
		Error:       errorURI(err),
		Arguments:   []interface{}{},
		ArgumentsKw: make(map[string]interface{}),
	})
	return nil
}

// Close starts the closing handshake by sending GOODBYE. The peer must
// answer within the router's goodbye timeout or the transport is closed
// with a protocol error.
func (s *Session) Close(code int, reason URI) {
	s.mu.Lock()
	if s.goodbyeSent || s.state == CLOSED {
		s.mu.Unlock()
		return
	}
	s.goodbyeSent = true
	s.state = CLOSING
	s.closeCode = code
	s.timer = time.AfterFunc(s.router.goodbyeTimeout, s.goodbyeExpired)
	s.mu.Unlock()

	s.Send(&Goodbye{
		Details: map[string]interface{}{"message": "Close connection"},
		Reason:  reason,
	})
}

func (s *Session) goodbyeExpired() {
	s.logger().Warn().Msg("no GOODBYE acknowledgement, closing transport")
	s.conn.Close(CloseProtocolError, goodbyeAckNotReceived)
}

// goodbye records a GOODBYE from the peer. It reports whether a reply is
// still owed and the code to close the transport with.
func (s *Session) goodbye() (reply bool, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reply = !s.goodbyeSent
	s.goodbyeSent = true
	s.state = CLOSING
	code = s.closeCode
	if code == 0 {
		code = CloseNormal
	}
	return reply, code
}

// join moves the session into realm under id.
func (s *Session) join(id ID, realm *Realm) {
	s.mu.Lock()
	s.ID = id
	s.realm = realm
	s.state = ESTABLISHED
	s.log = s.log.With().Uint64("session", uint64(id)).Str("realm", string(realm.URI)).Logger()
	s.mu.Unlock()
	realm.AddSession(s)
}

func (s *Session) closed() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
	}
	realm := s.realm
	code := s.closeCode
	s.state = CLOSED
	s.mu.Unlock()

	if code == 0 {
		code = CloseNormal
	}
	// lets transports release their writers; a no-op when already closed
	s.conn.Close(code, "")

	if realm != nil {
		realm.Cleanup(s).RemoveSession(s)
	}
	s.router.forget(s)
	s.logger().Debug().Msg("session closed")
	close(s.done)
}
