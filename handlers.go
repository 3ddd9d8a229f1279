package rabbit

import (
	"errors"
	"fmt"
)

// Agent is announced to peers in WELCOME.
const Agent = "rabbit"

var errNotEstablished = errors.New("session has not joined a realm")

type unexpectedMessage struct {
	rec MessageType
	exp MessageType
}

func (e unexpectedMessage) Error() string {
	return fmt.Sprintf("Unexpected message: %s; expected %s", e.rec, e.exp)
}

// as narrows msg to the message struct a handler was installed for.
func as[T Message](msg Message, exp MessageType) (T, error) {
	m, ok := msg.(T)
	if !ok {
		return m, unexpectedMessage{msg.MessageType(), exp}
	}
	return m, nil
}

func established(s *Session) (*Realm, error) {
	realm := s.Realm()
	if realm == nil {
		return nil, errNotEstablished
	}
	return realm, nil
}

func roles() map[string]interface{} {
	return map[string]interface{}{
		"broker": map[string]interface{}{},
		"dealer": map[string]interface{}{},
	}
}

// useHandlers installs the protocol semantics. Later calls to Use run ahead
// of them.
func useHandlers(r *Router) {
	r.Use(HELLO, helloHandler)
	r.Use(GOODBYE, goodbyeHandler)

	r.Use(SUBSCRIBE, subscribeHandler)
	r.Use(UNSUBSCRIBE, unsubscribeHandler)
	r.Use(PUBLISH, publishHandler)

	r.Use(REGISTER, registerHandler)
	r.Use(UNREGISTER, unregisterHandler)
	r.Use(CALL, callHandler)
	r.Use(YIELD, yieldHandler)

	r.Use(ERROR, errorHandler)
}

func helloHandler(s *Session, msg Message, next Next) error {
	hello, err := as[*Hello](msg, HELLO)
	if err != nil {
		return err
	}
	if s.Realm() != nil {
		return errors.New("HELLO on an established session")
	}

	realm, err := s.router.Realm(hello.Realm)
	if err != nil {
		log().Error().Err(err).Str("realm", string(hello.Realm)).Msg("cannot establish session")
		s.Send(&Abort{
			Details: map[string]interface{}{"message": "Cannot establish session!"},
			Reason:  errorURI(err),
		})
		return nil
	}

	id := s.router.ids.NextID()
	s.join(id, realm)
	s.Send(&Welcome{
		ID: id,
		Details: map[string]interface{}{
			"roles": roles(),
			"agent": Agent,
		},
	})
	log().Debug().Uint64("session", uint64(id)).Str("realm", string(realm.URI)).Msg("attached session to realm")
	return next(nil)
}

func goodbyeHandler(s *Session, msg Message, next Next) error {
	if _, err := established(s); err != nil {
		return err
	}
	reply, code := s.goodbye()
	if reply {
		s.Send(&Goodbye{
			Details: make(map[string]interface{}),
			Reason:  ReasonGoodbyeAndOut,
		})
	}
	s.conn.Close(code, "")
	return next(nil)
}

func subscribeHandler(s *Session, msg Message, next Next) error {
	realm, err := established(s)
	if err != nil {
		return err
	}
	sub, err := as[*Subscribe](msg, SUBSCRIBE)
	if err != nil {
		return err
	}

	id, err := realm.Subscribe(sub.Topic, s)
	if err != nil {
		log().Error().Err(err).Str("topic", string(sub.Topic)).Msg("cannot subscribe to topic")
		return s.Error(SUBSCRIBE, sub.Request, err)
	}
	s.Send(&Subscribed{Request: sub.Request, Subscription: id})
	return next(nil)
}

func unsubscribeHandler(s *Session, msg Message, next Next) error {
	realm, err := established(s)
	if err != nil {
		return err
	}
	unsub, err := as[*Unsubscribe](msg, UNSUBSCRIBE)
	if err != nil {
		return err
	}

	if err := realm.Unsubscribe(unsub.Subscription, s); err != nil {
		log().Error().Err(err).Uint64("subscription", uint64(unsub.Subscription)).Msg("cannot unsubscribe from topic")
		return s.Error(UNSUBSCRIBE, unsub.Request, err)
	}
	s.Send(&Unsubscribed{Request: unsub.Request})
	return next(nil)
}

func publishHandler(s *Session, msg Message, next Next) error {
	realm, err := established(s)
	if err != nil {
		return err
	}
	pub, err := as[*Publish](msg, PUBLISH)
	if err != nil {
		return err
	}

	if _, err := realm.Publish(s, pub); err != nil {
		log().Error().Err(err).Str("topic", string(pub.Topic)).Msg("cannot publish event to topic")
		return s.Error(PUBLISH, pub.Request, err)
	}
	return next(nil)
}

func registerHandler(s *Session, msg Message, next Next) error {
	realm, err := established(s)
	if err != nil {
		return err
	}
	reg, err := as[*Register](msg, REGISTER)
	if err != nil {
		return err
	}

	id, err := realm.Register(reg.Procedure, s)
	if err != nil {
		log().Error().Err(err).Str("procedure", string(reg.Procedure)).Msg("cannot register remote procedure")
		return s.Error(REGISTER, reg.Request, err)
	}
	s.Send(&Registered{Request: reg.Request, Registration: id})
	return next(nil)
}

func unregisterHandler(s *Session, msg Message, next Next) error {
	realm, err := established(s)
	if err != nil {
		return err
	}
	unreg, err := as[*Unregister](msg, UNREGISTER)
	if err != nil {
		return err
	}

	if err := realm.Unregister(unreg.Registration, s); err != nil {
		log().Error().Err(err).Uint64("registration", uint64(unreg.Registration)).Msg("cannot unregister remote procedure")
		return s.Error(UNREGISTER, unreg.Request, err)
	}
	s.Send(&Unregistered{Request: unreg.Request})
	return next(nil)
}

func callHandler(s *Session, msg Message, next Next) error {
	realm, err := established(s)
	if err != nil {
		return err
	}
	call, err := as[*Call](msg, CALL)
	if err != nil {
		return err
	}

	proc, err := realm.Procedure(call.Procedure)
	if err != nil {
		log().Error().Err(err).Str("procedure", string(call.Procedure)).Msg("cannot call remote procedure")
		return s.Error(CALL, call.Request, err)
	}
	// the callee may have left since the lookup
	id, err := realm.Invoke(proc, call.Request, s)
	if err != nil {
		log().Error().Err(err).Str("procedure", string(call.Procedure)).Msg("cannot invoke remote procedure")
		return s.Error(CALL, call.Request, err)
	}

	details := make(map[string]interface{})
	if disclose, _ := call.Options["disclose_me"].(bool); disclose {
		details["caller"] = s.ID
	}
	proc.Callee.Send(&Invocation{
		Request:      id,
		Registration: proc.ID,
		Details:      details,
		Arguments:    call.Arguments,
		ArgumentsKw:  call.ArgumentsKw,
	})
	return next(nil)
}

func yieldHandler(s *Session, msg Message, next Next) error {
	realm, err := established(s)
	if err != nil {
		return err
	}
	yield, err := as[*Yield](msg, YIELD)
	if err != nil {
		return err
	}

	inv, err := realm.Yield(yield.Request)
	if err != nil {
		// WAMP has no error reply to a YIELD
		log().Error().Err(err).Uint64("invocation", uint64(yield.Request)).Msg("cannot yield remote procedure")
		return nil
	}
	inv.Caller.Send(&Result{
		Request:     inv.Request,
		Details:     make(map[string]interface{}),
		Arguments:   yield.Arguments,
		ArgumentsKw: yield.ArgumentsKw,
	})
	return next(nil)
}

func errorHandler(s *Session, msg Message, next Next) error {
	realm, err := established(s)
	if err != nil {
		return err
	}
	e, err := as[*Error](msg, ERROR)
	if err != nil {
		return err
	}

	if e.Type != INVOCATION {
		log().Error().Stringer("request", e.Type).Msg("error response for this request type is not routed")
		return nil
	}
	inv, err := realm.Yield(e.Request)
	if err != nil {
		log().Error().Err(err).Uint64("invocation", uint64(e.Request)).Msg("cannot respond to invocation error")
		return nil
	}
	details := e.Details
	if details == nil {
		details = make(map[string]interface{})
	}
	inv.Caller.Send(&Error{
		Type:        CALL,
		Request:     inv.Request,
		Details:     details,
		Error:       e.Error,
		Arguments:   e.Arguments,
		ArgumentsKw: e.ArgumentsKw,
	})
	return next(nil)
}
