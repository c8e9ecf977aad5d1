package client

import (
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/weapp/spell/stdlog"
	"github.com/weapp/spell/transport"
	"github.com/weapp/spell/transport/serialize"
	"github.com/weapp/spell/wamp"
)

// AuthFunc takes the CHALLENGE message and returns the signature string and
// any extra data for the AUTHENTICATE message.
//
// In response to a CHALLENGE message, the client must send an AUTHENTICATE
// message.  Therefore AuthFunc does not return an error; if one is
// encountered within AuthFunc, an empty signature should be returned since
// the client cannot give a valid signature response.
//
// This is used in the AuthHandlers map in a Config.
type AuthFunc func(challenge *wamp.Challenge) (signature string, extra wamp.Dict)

// Config configures a client with everything needed to begin a session with
// a WAMP router.
type Config struct {
	// Realm is the URI of the realm the client will join.
	Realm string

	// Roles names the roles this session carries.  Empty enables all of
	// them: publisher, subscriber, caller, and callee.
	Roles []string

	// RoleOptions carries per-role option bags keyed by role name.
	// Recognized options are "acknowledge" (bool) for the publisher and
	// "timeout" (milliseconds) for the caller.
	RoleOptions map[string]wamp.Dict

	// HelloDetails contains details about the client.  The client provides
	// the roles, unless already supplied here.
	HelloDetails wamp.Dict

	// AuthHandlers is a map of authmethod to AuthFunc.  All authmethod keys
	// from this map are announced in HELLO details.
	AuthHandlers map[string]AuthFunc

	// Retries is the number of dial and handshake attempts Connect makes
	// before giving up.  A value of 0 uses the default of 5.
	Retries int

	// RetryInterval is the pause between attempts.  A value of 0 uses the
	// default of 1 second.
	RetryInterval time.Duration

	// ResponseTimeout specifies the amount of time that the client will
	// block waiting for a response from the router.  It also bounds the
	// handshake and the close protocol's wait for the acknowledging
	// GOODBYE.  A value of 0 uses the default of 2 seconds.
	ResponseTimeout time.Duration

	// Serialization selects the wire encoding.  The zero value is JSON.
	Serialization serialize.Serialization

	// TlsCfg, when non-nil, connects the client using TLS.  The zero
	// configuration specifies using defaults.
	TlsCfg *tls.Config

	// WsCfg is optional websocket transport configuration.
	WsCfg transport.WebsocketConfig

	// RecvLimit bounds inbound message size on the rawsocket transport.
	// If > 0, the client refuses messages larger than the nearest power of
	// 2 greater than or equal to RecvLimit.  If <= 0, the protocol maximum
	// of 16M is announced.
	RecvLimit int

	// Logger for the client to use.  If not set, the client logs to
	// os.Stderr.
	Logger stdlog.StdLog

	// Debug enables message-level logging.
	Debug bool
}

// withDefaults validates the configuration and returns a copy with zero
// values replaced by defaults.  Connect reports these errors before dialing
// anything.
func (cfg Config) withDefaults() (Config, error) {
	if cfg.Realm == "" {
		return cfg, ErrRealmRequired
	}
	if !wamp.URI(cfg.Realm).ValidURI(false, "") {
		return cfg, fmt.Errorf("%w: realm %q", ErrInvalidURI, cfg.Realm)
	}
	if len(cfg.Roles) == 0 {
		cfg.Roles = defaultRoles
	}
	if _, err := buildRoles(nil, cfg.Roles, cfg.RoleOptions); err != nil {
		return cfg, err
	}
	for name := range cfg.RoleOptions {
		if !roleNamed(cfg.Roles, name) {
			return cfg, fmt.Errorf("%w: options for disabled role %q",
				ErrRoleConfig, name)
		}
	}
	if cfg.Retries <= 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = defaultResponseTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return cfg, nil
}

func roleNamed(roles []string, name string) bool {
	for _, r := range roles {
		if r == name {
			return true
		}
	}
	return false
}
