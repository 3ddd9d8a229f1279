package rabbit

import (
	"errors"
	"io"
	"net"
	"sync"
)

// RawSocketServer accepts WAMP raw socket connections on a TCP listener.
type RawSocketServer struct {
	listener net.Listener

	mu      sync.RWMutex
	accept  AcceptFunc
	serving sync.Once
}

// NewRawSocketServer listens on addr. Connections are served once a
// router calls Accept.
func NewRawSocketServer(addr string) (*RawSocketServer, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &RawSocketServer{listener: l}, nil
}

// Addr is the address the server listens on.
func (s *RawSocketServer) Addr() net.Addr {
	return s.listener.Addr()
}

// Accept implements Acceptor.
func (s *RawSocketServer) Accept(fn AcceptFunc) {
	s.mu.Lock()
	s.accept = fn
	s.mu.Unlock()
	s.serving.Do(func() { go s.handleListener() })
}

// Close implements Acceptor.
func (s *RawSocketServer) Close() error {
	return s.listener.Close()
}

func (s *RawSocketServer) handleListener() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log().Error().Err(err).Msg("raw socket accept failed")
			}
			return
		}
		go s.handle(conn)
	}
}

func (s *RawSocketServer) handle(conn net.Conn) {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		conn.Close()
		return
	}
	if header[0] != magic {
		log().Warn().Msg("unknown protocol: first byte received not the WAMP magic value")
		conn.Close()
		return
	}
	var serializer Serializer
	switch header[1] & 0x0f {
	case rawSocketMsgpack:
		serializer = new(MessagePackSerializer)
	case rawSocketJSON:
		serializer = new(JSONSerializer)
	default:
		// error 0: serializer unsupported
		conn.Write([]byte{magic, 0, 0, 0})
		conn.Close()
		return
	}

	if _, err := conn.Write([]byte{magic, header[1], 0, 0}); err != nil {
		conn.Close()
		return
	}

	s.mu.RLock()
	accept := s.accept
	s.mu.RUnlock()

	peer := newRawSocketTransport(conn, toLength(header[1]>>4))
	go peer.handleMessages()
	accept(peer, serializer)
}
