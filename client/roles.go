package client

import (
	"fmt"

	"github.com/weapp/spell/wamp"
)

// roleHandler is one role's share of the inbound message traffic.  The
// dispatch loop offers each message to the roles in order and the first role
// whose handles reports true consumes it.  handleMessage runs on the
// dispatch goroutine and must not block on user code.
type roleHandler interface {
	handles(wamp.MessageType) bool
	handleMessage(wamp.Message)
}

// featuresByRole lists the features announced in HELLO for each role this
// client implements.
var featuresByRole = map[string]wamp.Dict{
	wamp.RolePublisher: {
		"features": wamp.Dict{
			wamp.FeaturePubExclusion: true,
		},
	},
	wamp.RoleSubscriber: {
		"features": wamp.Dict{
			wamp.FeaturePatternSub: true,
			wamp.FeaturePubIdent:   true,
		},
	},
	wamp.RoleCallee: {
		"features": wamp.Dict{
			wamp.FeaturePatternBasedReg: true,
			wamp.FeatureCallCanceling:   true,
			wamp.FeatureCallTimeout:     true,
			wamp.FeatureCallerIdent:     true,
		},
	},
	wamp.RoleCaller: {
		"features": wamp.Dict{
			wamp.FeatureCallCanceling: true,
			wamp.FeatureCallTimeout:   true,
			wamp.FeatureCallerIdent:   true,
		},
	},
}

// buildRoles constructs the role set named in the configuration, each
// parameterized by its option bag.  The session role is not part of this
// set; the session always carries it.  A nil session validates the
// configuration without binding the roles.
func buildRoles(s *Session, roleNames []string, roleOptions map[string]wamp.Dict) ([]roleHandler, error) {
	var handlers []roleHandler
	for _, name := range roleNames {
		opts := roleOptions[name]
		switch name {
		case wamp.RolePublisher:
			pub, err := newPublisherRole(s, opts)
			if err != nil {
				return nil, err
			}
			handlers = append(handlers, pub)
		case wamp.RoleSubscriber:
			handlers = append(handlers, newSubscriberRole(s))
		case wamp.RoleCaller:
			c, err := newCallerRole(s, opts)
			if err != nil {
				return nil, err
			}
			handlers = append(handlers, c)
		case wamp.RoleCallee:
			handlers = append(handlers, newCalleeRole(s))
		default:
			return nil, fmt.Errorf("%w: unknown role %q", ErrRoleConfig, name)
		}
	}
	return handlers, nil
}

func badRoleOption(role, option string) error {
	return fmt.Errorf("%w: bad %s option for role %s", ErrRoleConfig, option,
		role)
}

// helloRolesDict returns the roles dictionary announced in HELLO, derived
// from the enabled role set.
func helloRolesDict(roleNames []string) wamp.Dict {
	roles := wamp.Dict{}
	for _, name := range roleNames {
		roles[name] = featuresByRole[name]
	}
	return roles
}

// sessionRole handles the session-scoped traffic every session carries:
// GOODBYE drives the close protocol and ERROR resolves the operation waiting
// on the failed request.
type sessionRole struct {
	sess *Session
}

func (r *sessionRole) handles(t wamp.MessageType) bool {
	return t == wamp.GOODBYE || t == wamp.ERROR
}

func (r *sessionRole) handleMessage(msg wamp.Message) {
	switch msg := msg.(type) {
	case *wamp.Goodbye:
		r.sess.handleGoodbye(msg)
	case *wamp.Error:
		r.sess.resolve(msg.Request, msg)
	}
}
