package client

import (
	"time"

	"github.com/weapp/spell/wamp"
)

const (
	// Error URI sent when aborting a handshake this client cannot answer.
	errNoAuthHandler = "spell.error.no_handler_for_authmethod"

	// Keys written into HELLO details.
	helloAuthmethods = "authmethods"
	helloRoles       = "roles"

	// Caller role option naming the CANCEL mode sent when a call's
	// context is canceled.
	optCancelMode = "cancel_mode"

	// Defaults applied when the corresponding Config field is zero.
	defaultResponseTimeout = 2 * time.Second
	defaultRetries         = 5
	defaultRetryInterval   = time.Second

	// Queue between the dispatch loop and the event delivery goroutine.
	eventQueueSize = 64
)

// defaultRoles enables every role this library implements.
var defaultRoles = []string{
	wamp.RolePublisher, wamp.RoleSubscriber, wamp.RoleCaller, wamp.RoleCallee,
}
