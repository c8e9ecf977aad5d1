package wamp

// Predefined URIs.
//
// https://github.com/wamp-proto/wamp-proto/blob/master/rfc/text/basic/bp_uris.md
const (
	// -- Interaction --

	// A peer provided an incorrect URI for a URI-based attribute of a
	// message, such as realm, topic, or procedure.
	ErrInvalidURI = URI("wamp.error.invalid_uri")

	// The dealer could not perform a call, since no procedure is currently
	// registered under the given URI.
	ErrNoSuchProcedure = URI("wamp.error.no_such_procedure")

	// A procedure could not be registered, since a procedure with the given
	// URI is already registered.
	ErrProcedureAlreadyExists = URI("wamp.error.procedure_already_exists")

	// The dealer could not perform an unregister, since the given
	// registration is not active.
	ErrNoSuchRegistration = URI("wamp.error.no_such_registration")

	// The broker could not perform an unsubscribe, since the given
	// subscription is not active.
	ErrNoSuchSubscription = URI("wamp.error.no_such_subscription")

	// A call failed since the given argument types or values are not
	// acceptable to the called procedure.
	ErrInvalidArgument = URI("wamp.error.invalid_argument")

	// -- Session close --

	CloseNormal = URI("wamp.close.normal")

	// The peer is shutting down completely; used as a GOODBYE or ABORT
	// reason.
	CloseSystemShutdown = URI("wamp.close.system_shutdown")

	// The peer wants to leave the realm; used as a GOODBYE reason.
	CloseRealm = URI("wamp.close.close_realm")

	// The peer acknowledges ending of a session; used as the reply GOODBYE
	// reason.
	CloseGoodbyeAndOut = URI("wamp.close.goodbye_and_out")

	// -- Authorization and authentication --

	// A join, call, register, publish, or subscribe failed since the peer is
	// not authorized to perform the operation.
	ErrNotAuthorized = URI("wamp.error.not_authorized")

	// The router could not determine whether the peer is authorized to
	// perform the operation because the authorization itself failed.
	ErrAuthorizationFailed = URI("wamp.error.authorization_failed")

	// The authentication exchange itself could not run to completion.
	ErrAuthenticationFailed = URI("wamp.error.authentication_failed")

	// The peer wanted to join a non-existing realm.
	ErrNoSuchRealm = URI("wamp.error.no_such_realm")

	// No authentication method the peer offered is available or active.
	ErrNoAuthMethod = URI("wamp.error.no_auth_method")

	// -- Advanced profile --

	// The dealer or callee canceled a call previously issued.
	ErrCanceled = URI("wamp.error.canceled")

	// The peer requested an interaction with an option that was disallowed
	// by the router.
	ErrOptionNotAllowed = URI("wamp.error.option_not_allowed")

	// A network failure was encountered.
	ErrNetworkFailure = URI("wamp.error.network_failure")

	// The peer received an invalid protocol message.
	ErrProtocolViolation = URI("wamp.error.protocol_violation")
)
