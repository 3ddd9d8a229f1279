package rabbit

import "errors"

// wampError is a router error identified by its WAMP error URI.
//
// It is a plain string type so the sentinel values below can be constants
// and compared with errors.Is.
type wampError string

func (e wampError) Error() string { return string(e) }

// URI returns the error URI sent to peers.
func (e wampError) URI() URI { return URI(e) }

const (
	// Peer provided an incorrect URI for any URI-based attribute of a WAMP
	// message, such as realm, topic or procedure.
	ErrInvalidURI = wampError("wamp.error.invalid_uri")

	// A transport handed to the router was unusable.
	ErrInvalidSocket = wampError("wamp.error.invalid_socket")

	// Arguments to an operation were missing or of the wrong shape.
	ErrInvalidArgument = wampError("wamp.error.invalid_argument")

	// Peer wanted to join a non-existing realm (and the Router did not allow
	// to auto-create the realm).
	ErrNoSuchRealm = wampError("wamp.error.no_such_realm")

	// A realm with the given URI was already created.
	ErrRealmAlreadyExists = wampError("wamp.error.realm_already_exists")

	// Nobody ever subscribed to the topic that was published to.
	ErrNoSuchTopic = wampError("wamp.error.no_such_topic")

	// A Broker could not perform an unsubscribe, since the given subscription
	// is not active.
	ErrNoSuchSubscription = wampError("wamp.error.no_such_subscription")

	// A Dealer could not perform a call, since no procedure is currently
	// registered under the given URI.
	ErrNoSuchProcedure = wampError("wamp.error.no_such_procedure")

	// A procedure could not be registered, since a procedure with the given
	// URI is already registered.
	ErrProcedureAlreadyExists = wampError("wamp.error.procedure_already_exists")

	// A Dealer could not perform an unregister, since the given registration
	// is not active.
	ErrNoSuchRegistration = wampError("wamp.error.no_such_registration")

	// A YIELD or invocation ERROR referenced an invocation that is not pending.
	ErrNoSuchInvocation = wampError("wamp.error.no_such_invocation")

	// A frame could not be decoded into a message.
	ErrDecode = wampError("wamp.error.decode_error")

	// The message type is defined by the protocol but not routed.
	ErrUnimplemented = wampError("wamp.error.unimplemented")
)

// Reasons used in ABORT, GOODBYE and invocation errors.
const (
	// The Peer is shutting down completely - used as a GOODBYE (or ABORT) reason.
	ReasonSystemShutdown = URI("wamp.error.system_shutdown")

	// The Peer wants to leave the realm - used as a GOODBYE reason.
	ReasonCloseRealm = URI("wamp.error.close_realm")

	// A Peer acknowledges ending of a session - used as a GOODBYE reply reason.
	ReasonGoodbyeAndOut = URI("wamp.error.goodbye_and_out")

	// The router hit a fault it cannot report against a request.
	ReasonInternalServerError = URI("wamp.error.internal_server_error")

	// The callee left before answering an invocation.
	ReasonCanceled = URI("wamp.error.canceled")
)

// errorURI returns the URI carried by err, falling back to an internal error.
func errorURI(err error) URI {
	var we wampError
	if errors.As(err, &we) {
		return we.URI()
	}
	return ReasonInternalServerError
}
