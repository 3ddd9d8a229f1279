package rabbit

import (
	"regexp"
	"sync"
)

// loose WAMP URI: non-empty dot separated components without whitespace or '#'
var uriPattern = regexp.MustCompile(`^([^\s.#]+\.)*[^\s.#]+$`)

func validURI(uri URI) bool {
	return uriPattern.MatchString(string(uri))
}

// A Topic is a pub/sub destination. It stays in its realm once created, even
// after its last subscriber leaves.
type Topic struct {
	ID  ID
	URI URI

	// subscription ID -> subscriber
	subscribers map[ID]*Session
}

type subscription struct {
	id      ID
	topic   *Topic
	session *Session
}

// A Procedure is a remote procedure registered by a callee.
type Procedure struct {
	ID     ID
	URI    URI
	Callee *Session
}

// PendingInvocation correlates an INVOCATION sent to a callee with the CALL
// it answers.
type PendingInvocation struct {
	Caller  *Session
	Request ID
	Callee  *Session
}

// A Realm is a WAMP routing and administrative domain.
//
// Clients that have connected to a WAMP router are joined to a realm and all
// message delivery is handled by the realm. Every operation is atomic with
// respect to the others; messages are sent after the realm lock is released.
type Realm struct {
	URI URI

	ids IDGenerator

	mu            sync.Mutex
	sessions      map[*Session]struct{}
	topics        map[URI]*Topic
	subscriptions map[ID]*subscription
	procedures    map[URI]*Procedure
	registrations map[ID]*Procedure
	invocations   map[ID]*PendingInvocation
}

// NewRealm creates an empty realm drawing its IDs from ids, or from the
// process-wide counter when ids is nil.
func NewRealm(uri URI, ids IDGenerator) *Realm {
	if ids == nil {
		ids = defaultIDs
	}
	return &Realm{
		URI:           uri,
		ids:           ids,
		sessions:      make(map[*Session]struct{}),
		topics:        make(map[URI]*Topic),
		subscriptions: make(map[ID]*subscription),
		procedures:    make(map[URI]*Procedure),
		registrations: make(map[ID]*Procedure),
		invocations:   make(map[ID]*PendingInvocation),
	}
}

func (r *Realm) AddSession(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
}

func (r *Realm) RemoveSession(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, s)
}

// Sessions returns a snapshot of the realm's members.
func (r *Realm) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Subscribe adds a subscription of s to topic, creating the topic if needed.
// Subscribing twice yields two independent subscriptions.
func (r *Realm) Subscribe(topic URI, s *Session) (ID, error) {
	if !validURI(topic) {
		return 0, ErrInvalidURI
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.topics[topic]
	if !ok {
		t = &Topic{ID: r.ids.NextID(), URI: topic, subscribers: make(map[ID]*Session)}
		r.topics[topic] = t
	}
	id := r.ids.NextID()
	t.subscribers[id] = s
	r.subscriptions[id] = &subscription{id: id, topic: t, session: s}
	return id, nil
}

// Unsubscribe removes a subscription held by s.
func (r *Realm) Unsubscribe(id ID, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subscriptions[id]
	if !ok || sub.session != s {
		return ErrNoSuchSubscription
	}
	delete(r.subscriptions, id)
	delete(sub.topic.subscribers, id)
	return nil
}

// Topic looks up a topic that has been subscribed to at least once.
func (r *Realm) Topic(uri URI) (*Topic, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.topics[uri]
	if !ok {
		return nil, ErrNoSuchTopic
	}
	return t, nil
}

type delivery struct {
	subscription ID
	session      *Session
}

// Publish sends an EVENT for every subscription of the topic at the time of
// the call and returns the publication ID.
//
// If msg.Options["acknowledge"] == true, the publisher receives a PUBLISHED
// message before the events go out. If msg.Options["exclude_me"] == true,
// the publisher's own subscriptions are skipped.
func (r *Realm) Publish(publisher *Session, msg *Publish) (ID, error) {
	r.mu.Lock()
	t, ok := r.topics[msg.Topic]
	if !ok {
		r.mu.Unlock()
		return 0, ErrNoSuchTopic
	}
	pubID := r.ids.NextID()
	excludeMe, _ := msg.Options["exclude_me"].(bool)
	targets := make([]delivery, 0, len(t.subscribers))
	for id, sub := range t.subscribers {
		if excludeMe && sub == publisher {
			continue
		}
		targets = append(targets, delivery{id, sub})
	}
	r.mu.Unlock()

	// only send published message if acknowledge is present and set to true
	if ack, _ := msg.Options["acknowledge"].(bool); ack {
		publisher.Send(&Published{Request: msg.Request, Publication: pubID})
	}
	for _, d := range targets {
		d.session.Send(&Event{
			Subscription: d.subscription,
			Publication:  pubID,
			Details:      make(map[string]interface{}),
			Arguments:    msg.Arguments,
			ArgumentsKw:  msg.ArgumentsKw,
		})
	}
	return pubID, nil
}

// Register binds procedure to callee s.
func (r *Realm) Register(procedure URI, s *Session) (ID, error) {
	if !validURI(procedure) {
		return 0, ErrInvalidURI
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.procedures[procedure]; ok {
		return 0, ErrProcedureAlreadyExists
	}
	p := &Procedure{ID: r.ids.NextID(), URI: procedure, Callee: s}
	r.procedures[procedure] = p
	r.registrations[p.ID] = p
	return p.ID, nil
}

// Unregister removes a registration owned by s.
func (r *Realm) Unregister(id ID, s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.registrations[id]
	if !ok || p.Callee != s {
		return ErrNoSuchRegistration
	}
	delete(r.registrations, id)
	delete(r.procedures, p.URI)
	return nil
}

// Procedure looks up a registered procedure.
func (r *Realm) Procedure(uri URI) (*Procedure, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procedures[uri]
	if !ok {
		return nil, ErrNoSuchProcedure
	}
	return p, nil
}

// Invoke records a pending invocation of p on behalf of caller's request and
// returns the invocation ID to send to the callee. It fails with
// ErrNoSuchProcedure once p has been unregistered or its callee cleaned up.
func (r *Realm) Invoke(p *Procedure, request ID, caller *Session) (ID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registrations[p.ID] != p {
		return 0, ErrNoSuchProcedure
	}
	id := r.ids.NextID()
	for _, live := r.invocations[id]; live; _, live = r.invocations[id] {
		id = r.ids.NextID()
	}
	r.invocations[id] = &PendingInvocation{Caller: caller, Request: request, Callee: p.Callee}
	return id, nil
}

// Yield consumes a pending invocation.
func (r *Realm) Yield(id ID) (*PendingInvocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invocations[id]
	if !ok {
		return nil, ErrNoSuchInvocation
	}
	delete(r.invocations, id)
	return inv, nil
}

// Cleanup forgets every subscription, registration and invocation that
// involves s. Callers still waiting on s as callee get an ERROR.
func (r *Realm) Cleanup(s *Session) *Realm {
	r.mu.Lock()
	for id, sub := range r.subscriptions {
		if sub.session == s {
			delete(sub.topic.subscribers, id)
			delete(r.subscriptions, id)
		}
	}
	for id, p := range r.registrations {
		if p.Callee == s {
			delete(r.procedures, p.URI)
			delete(r.registrations, id)
		}
	}
	var orphaned []*PendingInvocation
	for id, inv := range r.invocations {
		switch {
		case inv.Caller == s:
			delete(r.invocations, id)
		case inv.Callee == s:
			delete(r.invocations, id)
			orphaned = append(orphaned, inv)
		}
	}
	r.mu.Unlock()

	for _, inv := range orphaned {
		inv.Caller.Send(&Error{
			Type:    CALL,
			Request: inv.Request,
			Details: make(map[string]interface{}),
			Error:   ReasonCanceled,
		})
	}
	return r
}

// Close says GOODBYE to every member session.
func (r *Realm) Close(code int, reason URI) {
	for _, s := range r.Sessions() {
		s.Close(code, reason)
	}
}
