package rabbit

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alphadose/haxmap"
)

const defaultGoodbyeTimeout = 10 * time.Second

var errRouterClosing = errors.New("router is closing")

type noHandler MessageType

func (e noHandler) Error() string {
	return fmt.Sprintf("no handler for message type %s", MessageType(e))
}

// Config configures a Router.
type Config struct {
	// Path of the websocket endpoint on the HTTP servers.
	Path string
	// Create realms on first reference instead of failing with ErrNoSuchRealm.
	AutoCreateRealms bool
	// Servers the websocket endpoint is attached to. A default server is
	// created when empty.
	HTTPServers []*http.Server
	// Port to listen on. Only honored with exactly one HTTP server.
	Port int
	// zerolog level name. Empty leaves the package logger alone.
	Log string
	// How long a session waits for the peer to answer its GOODBYE.
	GoodbyeTimeout time.Duration
	// Realms created up front.
	Realms []URI
	// TCP address of the raw socket acceptor; disabled when empty.
	RawSocketAddr string
	// Source of every identifier the router hands out.
	IDs IDGenerator
}

// DefaultConfig returns the configuration NewRouter uses for a nil config.
func DefaultConfig() *Config {
	return &Config{
		Path:             "/",
		AutoCreateRealms: true,
		GoodbyeTimeout:   defaultGoodbyeTimeout,
	}
}

// Handler implements the semantics of a message type. It calls next to pass
// the message, or a substitute, to the following handler.
type Handler func(s *Session, msg Message, next Next) error

// Next continues a handler chain. next(nil) passes the current message on,
// next(m) passes m instead and next(Halt) stops the chain. A nil message
// pointer, such as (*Publish)(nil), stops the chain like Halt.
type Next func(Message) error

func halts(m Message) bool {
	if m == Halt {
		return true
	}
	v := reflect.ValueOf(m)
	return v.Kind() == reflect.Ptr && v.IsNil()
}

type middleware struct {
	typ     MessageType
	handler Handler
}

// A Router is a WAMP router: it accepts connections, keeps the realms and
// dispatches every message through its middleware.
type Router struct {
	autoCreateRealms bool
	goodbyeTimeout   time.Duration
	ids              IDGenerator

	realms *haxmap.Map[URI, *Realm]

	mu         sync.RWMutex
	middleware []middleware

	sessionsMu sync.Mutex
	sessions   map[*Session]struct{}

	acceptors []Acceptor
	websocket *WebsocketServer
	closing   atomic.Bool
}

// NewRouter builds a router with the built-in handlers installed and its
// acceptors running.
func NewRouter(cfg *Config) (*Router, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := SetLogLevel(cfg.Log); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log, err)
	}
	r := &Router{
		autoCreateRealms: cfg.AutoCreateRealms,
		goodbyeTimeout:   cfg.GoodbyeTimeout,
		ids:              cfg.IDs,
		realms:           haxmap.New[URI, *Realm](),
		sessions:         make(map[*Session]struct{}),
	}
	if r.goodbyeTimeout <= 0 {
		r.goodbyeTimeout = defaultGoodbyeTimeout
	}
	if r.ids == nil {
		r.ids = defaultIDs
	}
	log().Info().Bool("autoCreateRealms", r.autoCreateRealms).Msg("router created")

	useHandlers(r)

	for _, uri := range cfg.Realms {
		if _, err := r.CreateRealm(uri); err != nil {
			return nil, fmt.Errorf("realm %q: %w", uri, err)
		}
	}

	r.websocket = NewWebsocketServer(cfg.Path, cfg.HTTPServers...)
	r.AddAcceptor(r.websocket)
	if cfg.Port != 0 {
		if err := r.websocket.Listen(cfg.Port); err != nil {
			log().Warn().Err(err).Msg("port ignored")
		}
	}

	if cfg.RawSocketAddr != "" {
		rs, err := NewRawSocketServer(cfg.RawSocketAddr)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("raw socket: %w", err)
		}
		r.AddAcceptor(rs)
		log().Info().Str("addr", rs.Addr().String()).Msg("raw socket listening")
	}
	return r, nil
}

// Websocket returns the websocket endpoint attached to the HTTP servers.
func (r *Router) Websocket() *WebsocketServer {
	return r.websocket
}

// AddAcceptor routes every connection a accepts into the router. The router
// closes a when it closes.
func (r *Router) AddAcceptor(a Acceptor) {
	r.mu.Lock()
	r.acceptors = append(r.acceptors, a)
	r.mu.Unlock()
	a.Accept(func(t Transport, s Serializer) {
		if _, err := r.Accept(t, s); err != nil {
			log().Warn().Err(err).Msg("connection refused")
			t.Close(CloseGoingAway, err.Error())
		}
	})
}

// Use installs h ahead of every handler registered so far for typ.
// AnyMessage matches every type.
func (r *Router) Use(typ MessageType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append([]middleware{{typ, h}}, r.middleware...)
}

// Handlers returns the handlers for typ in the order they run.
func (r *Router) Handlers(typ MessageType) ([]Handler, error) {
	if typ.Reserved() {
		return nil, fmt.Errorf("%w: %s", ErrUnimplemented, typ)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var handlers []Handler
	for _, m := range r.middleware {
		if m.typ == AnyMessage || m.typ == typ {
			handlers = append(handlers, m.handler)
		}
	}
	return handlers, nil
}

func (r *Router) dispatch(s *Session, msg Message) (err error) {
	typ := msg.MessageType()
	handlers, err := r.Handlers(typ)
	if err != nil {
		return err
	}
	if len(handlers) == 0 {
		return noHandler(typ)
	}

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic handling %s: %v", typ, p)
		}
	}()

	var call func(i int, m Message) error
	call = func(i int, m Message) error {
		if i == len(handlers) {
			return nil
		}
		return handlers[i](s, m, func(next Message) error {
			if halts(next) {
				return nil
			}
			if next == nil {
				next = m
			}
			return call(i+1, next)
		})
	}
	return call(0, msg)
}

// Realm returns the realm for uri, creating it when auto-creation is on.
func (r *Router) Realm(uri URI) (*Realm, error) {
	if !validURI(uri) {
		return nil, ErrInvalidURI
	}
	if realm, ok := r.realms.Get(uri); ok {
		return realm, nil
	}
	if !r.autoCreateRealms {
		return nil, ErrNoSuchRealm
	}
	realm, loaded := r.realms.GetOrSet(uri, NewRealm(uri, r.ids))
	if !loaded {
		log().Info().Str("realm", string(uri)).Msg("new realm created")
	}
	return realm, nil
}

// CreateRealm adds a realm, failing if one already exists for uri.
func (r *Router) CreateRealm(uri URI) (*Realm, error) {
	if !validURI(uri) {
		return nil, ErrInvalidURI
	}
	realm, loaded := r.realms.GetOrSet(uri, NewRealm(uri, r.ids))
	if loaded {
		return nil, ErrRealmAlreadyExists
	}
	log().Info().Str("realm", string(uri)).Msg("new realm created")
	return realm, nil
}

// Accept starts a session on a new connection.
func (r *Router) Accept(t Transport, s Serializer) (*Session, error) {
	if t == nil || s == nil {
		return nil, ErrInvalidSocket
	}
	if r.closing.Load() {
		return nil, errRouterClosing
	}
	sess := newSession(r, t, s)
	r.sessionsMu.Lock()
	r.sessions[sess] = struct{}{}
	r.sessionsMu.Unlock()

	log().Debug().Msg("incoming connection")
	go sess.run()
	return sess, nil
}

func (r *Router) forget(s *Session) {
	r.sessionsMu.Lock()
	defer r.sessionsMu.Unlock()
	delete(r.sessions, s)
}

// Close says GOODBYE to every session, drops connections that never joined
// a realm and shuts the acceptors down.
func (r *Router) Close() error {
	if !r.closing.CompareAndSwap(false, true) {
		return nil
	}
	r.realms.ForEach(func(_ URI, realm *Realm) bool {
		realm.Close(ClosePolicyViolation, ReasonSystemShutdown)
		return true
	})

	r.sessionsMu.Lock()
	var connecting []*Session
	for s := range r.sessions {
		if s.State() == CONNECTING {
			connecting = append(connecting, s)
		}
	}
	r.sessionsMu.Unlock()
	for _, s := range connecting {
		s.conn.Close(CloseGoingAway, string(ReasonSystemShutdown))
	}

	r.mu.RLock()
	acceptors := r.acceptors
	r.mu.RUnlock()
	var errs []error
	for _, a := range acceptors {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	log().Info().Msg(string(ReasonSystemShutdown))
	return errors.Join(errs...)
}
