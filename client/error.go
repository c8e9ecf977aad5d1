package client

import (
	"errors"
	"fmt"
	"strings"

	"github.com/weapp/spell/wamp"
)

var (
	ErrAlreadySubscribed = errors.New("already subscribed to topic")
	ErrConnLost          = errors.New("connection lost")
	ErrDuplicateID       = errors.New("request ID already in use")
	ErrInvalidURI        = errors.New("invalid URI")
	ErrNotConn           = errors.New("not connected")
	ErrNotRegistered     = errors.New("not registered for procedure")
	ErrNotSubscribed     = errors.New("not subscribed to topic")
	ErrRealmRequired     = errors.New("realm not specified")
	ErrReplyTimeout      = errors.New("timeout waiting for reply")
	ErrRoleConfig        = errors.New("invalid role configuration")
	ErrRoleNotEnabled    = errors.New("role not enabled")
	ErrTransportRequired = errors.New("transport not specified")
)

// ReplyError is returned when the router answers a request with an ERROR
// message.  The full message is available for inspection, as may be needed
// to process error data returned by a callee.
type ReplyError struct {
	Err *wamp.Error
}

// Error implements the error interface, returning an error string composed
// from the ERROR message contents.
func (e *ReplyError) Error() string {
	s := fmt.Sprintf("%v request error: %v", e.Err.Type, string(e.Err.Error))
	if len(e.Err.Arguments) != 0 {
		s += fmt.Sprintf(": %v", e.Err.Arguments)
	}
	if len(e.Err.ArgumentsKw) != 0 {
		s += fmt.Sprintf(": %v", e.Err.ArgumentsKw)
	}
	return s
}

// Unwrap exposes the error URI, so that the reason for a failed request can
// be checked with errors.Is against the predefined wamp.error URIs:
//
//	errors.Is(err, wamp.ErrNoSuchProcedure)
func (e *ReplyError) Unwrap() error { return e.Err.Error }

// HandshakeError is returned when joining a realm fails.  If the router sent
// ABORT, Reason and Details carry its contents; otherwise Reason describes
// what went wrong on this side.
type HandshakeError struct {
	Reason  wamp.URI
	Details wamp.Dict
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	s := "handshake failed: " + string(e.Reason)
	if len(e.Details) != 0 {
		ds := make([]string, 0, len(e.Details))
		for k, v := range e.Details {
			ds = append(ds, fmt.Sprintf("%s=%v", k, v))
		}
		s += " " + strings.Join(ds, " ")
	}
	return s
}
