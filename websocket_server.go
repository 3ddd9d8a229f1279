package rabbit

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

const (
	jsonWebsocketProtocol    = "wamp.2.json"
	msgpackWebsocketProtocol = "wamp.2.msgpack"
)

const greeting = "This is the rabbit WAMP transport. Please connect over WebSocket!"

type invalidPayload byte

func (e invalidPayload) Error() string {
	return fmt.Sprintf("Invalid payloadType: %d", e)
}

type protocolExists string

func (e protocolExists) Error() string {
	return "This protocol has already been registered: " + string(e)
}

type protocol struct {
	payloadType int
	serializer  Serializer
}

// WebsocketServer accepts WAMP websocket connections on a path of one or
// more HTTP servers.
type WebsocketServer struct {
	path     string
	servers  []*http.Server
	upgrader *websocket.Upgrader

	mu        sync.RWMutex
	protocols map[string]protocol
	accept    AcceptFunc
}

// NewWebsocketServer attaches a websocket endpoint at path to every server.
// Requests that are not websocket upgrades on that path fall through to the
// server's own handler, or to a short greeting when it has none. Without
// servers a single default server is created.
func NewWebsocketServer(path string, servers ...*http.Server) *WebsocketServer {
	if path == "" {
		path = "/"
	}
	if len(servers) == 0 {
		servers = []*http.Server{{}}
	}
	s := &WebsocketServer{
		path:      path,
		servers:   servers,
		protocols: make(map[string]protocol),
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.RegisterProtocol(jsonWebsocketProtocol, websocket.TextMessage, new(JSONSerializer))
	s.RegisterProtocol(msgpackWebsocketProtocol, websocket.BinaryMessage, new(MessagePackSerializer))
	for _, srv := range servers {
		srv.Handler = s.wrap(srv.Handler)
	}
	return s
}

func (s *WebsocketServer) wrap(next http.Handler) http.Handler {
	if next == nil {
		next = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(greeting))
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == s.path && websocket.IsWebSocketUpgrade(r) {
			s.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RegisterProtocol registers a serializer that should be used for a given protocol string and payload type.
func (s *WebsocketServer) RegisterProtocol(proto string, payloadType int, serializer Serializer) error {
	if payloadType != websocket.TextMessage && payloadType != websocket.BinaryMessage {
		return invalidPayload(payloadType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.protocols[proto]; ok {
		return protocolExists(proto)
	}
	s.protocols[proto] = protocol{payloadType, serializer}
	s.upgrader.Subprotocols = append(s.upgrader.Subprotocols, proto)
	return nil
}

// Accept implements Acceptor.
func (s *WebsocketServer) Accept(fn AcceptFunc) {
	s.mu.Lock()
	s.accept = fn
	s.mu.Unlock()
}

// Servers returns the HTTP servers the endpoint is attached to.
func (s *WebsocketServer) Servers() []*http.Server {
	return s.servers
}

// Listen starts serving on port. It needs exactly one server.
func (s *WebsocketServer) Listen(port int) error {
	if len(s.servers) != 1 {
		return fmt.Errorf("listen on port %d: need exactly one http server, have %d", port, len(s.servers))
	}
	srv := s.servers[0]
	srv.Addr = fmt.Sprintf(":%d", port)
	go func() {
		log().Info().Int("port", port).Msg("bound and listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log().Error().Err(err).Msg("http server error")
		}
	}()
	return nil
}

// Close implements Acceptor.
func (s *WebsocketServer) Close() error {
	var errs []error
	for _, srv := range s.servers {
		if err := srv.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ServeHTTP handles a new HTTP connection.
func (s *WebsocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log().Debug().Str("method", r.Method).Str("uri", r.RequestURI).Msg("websocket upgrade")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log().Error().Err(err).Msg("error upgrading to websocket connection")
		return
	}
	s.handleWebsocket(conn)
}

func (s *WebsocketServer) handleWebsocket(conn *websocket.Conn) {
	s.mu.RLock()
	proto, ok := s.protocols[conn.Subprotocol()]
	accept := s.accept
	s.mu.RUnlock()
	if !ok {
		// peers that negotiate no subprotocol speak JSON over text frames
		proto = protocol{websocket.TextMessage, new(JSONSerializer)}
	}
	if accept == nil {
		log().Error().Msg("websocket server has no router attached")
		conn.Close()
		return
	}
	accept(newWebsocketTransport(conn, proto.payloadType), proto.serializer)
}
