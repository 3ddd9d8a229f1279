package rabbit

import (
	"errors"
	"sync"
)

// Close codes (RFC 6455) used when closing a transport.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

var (
	ErrTransportClosed = errors.New("transport is closed")
	ErrSendTimeout     = errors.New("transport send timeout")
	errLocalBufferFull = errors.New("local transport buffer full")
)

// Transport is a bidirectional frame connection to one peer.
type Transport interface {
	// Send queues a frame for the peer.
	Send(frame []byte) error
	// Receive returns the frames coming from the peer. The channel is closed
	// when the connection ends, whichever side ended it.
	Receive() <-chan []byte
	// Close ends the connection with a close code and reason.
	// Multiple calls to Close() will have no effect.
	Close(code int, reason string) error
}

// AcceptFunc receives every new connection an Acceptor produces.
type AcceptFunc func(Transport, Serializer)

// An Acceptor produces transport connections for a Router.
type Acceptor interface {
	// Accept installs the function new connections are handed to.
	Accept(AcceptFunc)
	// Close stops accepting connections and shuts the listeners down.
	Close() error
}

const localBuffer = 64

type localLink struct {
	mu     sync.Mutex
	closed bool
	code   int
	reason string
	aToB   chan []byte
	bToA   chan []byte
}

// LocalTransport is one end of an in-process connection.
type LocalTransport struct {
	link     *localLink
	incoming <-chan []byte
	outgoing chan<- []byte
}

// NewLocalPipe creates two linked transports. Frames sent on one appear
// in the Receive of the other.
func NewLocalPipe() (*LocalTransport, *LocalTransport) {
	link := &localLink{
		aToB: make(chan []byte, localBuffer),
		bToA: make(chan []byte, localBuffer),
	}
	a := &LocalTransport{link: link, incoming: link.bToA, outgoing: link.aToB}
	b := &LocalTransport{link: link, incoming: link.aToB, outgoing: link.bToA}
	return a, b
}

// NewLocalTransport connects an in-process peer to the router and returns
// the peer's end of the connection.
func NewLocalTransport(r *Router, s Serializer) (*LocalTransport, error) {
	client, server := NewLocalPipe()
	if _, err := r.Accept(server, s); err != nil {
		return nil, err
	}
	return client, nil
}

func (t *LocalTransport) Send(frame []byte) error {
	t.link.mu.Lock()
	defer t.link.mu.Unlock()
	if t.link.closed {
		return ErrTransportClosed
	}
	select {
	case t.outgoing <- frame:
		return nil
	default:
		return errLocalBufferFull
	}
}

func (t *LocalTransport) Receive() <-chan []byte {
	return t.incoming
}

func (t *LocalTransport) Close(code int, reason string) error {
	t.link.mu.Lock()
	defer t.link.mu.Unlock()
	if t.link.closed {
		return nil
	}
	t.link.closed = true
	t.link.code, t.link.reason = code, reason
	close(t.link.aToB)
	close(t.link.bToA)
	return nil
}

// CloseStatus reports the code and reason the connection was closed with.
func (t *LocalTransport) CloseStatus() (closed bool, code int, reason string) {
	t.link.mu.Lock()
	defer t.link.mu.Unlock()
	return t.link.closed, t.link.code, t.link.reason
}
