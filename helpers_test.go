package rabbit

import (
	"time"
)

const testRealm = URI("test.realm")

const testTimeout = time.Second

// testPeer is the client end of an in-process connection.
type testPeer struct {
	conn       *LocalTransport
	serializer Serializer
}

func (p *testPeer) send(msg Message) error {
	b, err := p.serializer.Serialize(msg)
	if err != nil {
		return err
	}
	return p.conn.Send(b)
}

// receive returns the next message from the router, or nil on timeout or
// when the connection is closed.
func (p *testPeer) receive() Message {
	select {
	case b, ok := <-p.conn.Receive():
		if !ok {
			return nil
		}
		msg, err := p.serializer.Deserialize(b)
		if err != nil {
			return nil
		}
		return msg
	case <-time.After(testTimeout):
		return nil
	}
}

// quiet reports whether nothing arrives for a short while.
func (p *testPeer) quiet() bool {
	select {
	case <-p.conn.Receive():
		return false
	case <-time.After(50 * time.Millisecond):
		return true
	}
}

// closed waits for the connection to end.
func (p *testPeer) closed() bool {
	deadline := time.After(testTimeout)
	for {
		select {
		case _, ok := <-p.conn.Receive():
			if !ok {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

// newDetachedSession builds a session that is not driven by a router loop.
func newDetachedSession() (*Session, *testPeer) {
	client, server := NewLocalPipe()
	r := &Router{goodbyeTimeout: testTimeout, ids: new(CounterIDs), sessions: make(map[*Session]struct{})}
	s := newSession(r, server, new(JSONSerializer))
	return s, &testPeer{conn: client, serializer: new(JSONSerializer)}
}

func newTestRouter(cfg *Config) *Router {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	r, err := NewRouter(cfg)
	if err != nil {
		panic(err)
	}
	return r
}

func connect(r *Router) *testPeer {
	serializer := new(JSONSerializer)
	conn, err := NewLocalTransport(r, serializer)
	if err != nil {
		panic(err)
	}
	return &testPeer{conn: conn, serializer: serializer}
}

// join connects a peer and completes the HELLO/WELCOME handshake.
func join(r *Router, realm URI) (*testPeer, ID) {
	p := connect(r)
	p.send(&Hello{Realm: realm, Details: map[string]interface{}{}})
	welcome, ok := p.receive().(*Welcome)
	if !ok {
		panic("no WELCOME for " + string(realm))
	}
	return p, welcome.ID
}
