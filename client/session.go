/*
Package client provides a WAMP client implementation that is interoperable
with any standard WAMP router.  A session joins a realm over a websocket,
rawsocket, or in-process transport and then publishes, subscribes, calls,
and serves procedures according to the roles it is configured with.
*/
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weapp/spell/stdlog"
	"github.com/weapp/spell/wamp"
)

// State identifies where a session is in its lifecycle.
type State int

const (
	// Connecting covers dialing and transport setup, before the realm
	// handshake begins.
	Connecting State = iota
	// Handshaking covers HELLO through WELCOME or ABORT.
	Handshaking
	// Established sessions accept operations.
	Established
	// Closing means Close was called or the router said goodbye.
	Closing
	// Closed is the terminal state of an orderly shutdown.
	Closed
	// Failed is the terminal state after losing the connection.
	Failed
)

var stateNames = map[State]string{
	Connecting:  "connecting",
	Handshaking: "handshaking",
	Established: "established",
	Closing:     "closing",
	Closed:      "closed",
	Failed:      "failed",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// A Session is one client attachment to a realm.  Its operations are safe to
// call from any goroutine.
type Session struct {
	peer  wamp.Peer
	reg   *registry
	roles []roleHandler
	idGen *wamp.SyncIDGen

	stateLock sync.Mutex
	state     State

	stopping          chan struct{}
	stopOnce          sync.Once
	invLock           sync.Mutex
	invStopped        bool
	activeInvocations sync.WaitGroup

	goodbyeAck chan struct{}
	peerOnce   sync.Once
	done       chan struct{}

	id           wamp.ID
	realmDetails wamp.Dict

	responseTimeout time.Duration
	log             stdlog.StdLog
	debug           bool
}

// NewSession takes a connected peer, joins the realm specified in cfg, and
// if successful returns an established session.  On failure the peer is
// closed.
//
// Most applications connect with Connect instead; NewSession is for peers
// established some other way, such as a transport implementation not
// provided by this library.
func NewSession(p wamp.Peer, cfg Config) (*Session, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		p.Close()
		return nil, err
	}

	s := &Session{
		peer:  p,
		reg:   newRegistry(),
		idGen: new(wamp.SyncIDGen),

		state: Handshaking,

		stopping:   make(chan struct{}),
		goodbyeAck: make(chan struct{}, 1),
		done:       make(chan struct{}),

		responseTimeout: cfg.ResponseTimeout,
		log:             cfg.Logger,
		debug:           cfg.Debug,
	}
	roles, err := buildRoles(s, cfg.Roles, cfg.RoleOptions)
	if err != nil {
		p.Close()
		return nil, err
	}
	s.roles = append(roles, &sessionRole{sess: s})

	welcome, err := s.handshake(cfg)
	if err != nil {
		p.Close()
		return nil, err
	}
	s.id = welcome.ID
	s.realmDetails = welcome.Details
	s.setState(Established)
	if s.debug {
		s.log.Println("Joined realm", cfg.Realm, "as session", s.id)
	}

	go s.recvLoop()
	for _, r := range s.roles {
		if sub, ok := r.(*subscriberRole); ok {
			go sub.deliverEvents(s.done)
		}
	}
	return s, nil
}

// ID returns the session ID assigned by the router in WELCOME.
func (s *Session) ID() wamp.ID { return s.id }

// RealmDetails returns the realm information received in WELCOME.
func (s *Session) RealmDetails() wamp.Dict { return s.realmDetails }

// Done returns a channel that closes once the session has ended, whether by
// Close, by the router, or by losing the connection.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.stateLock.Lock()
	defer s.stateLock.Unlock()
	return s.state
}

// HasFeature reports whether the router announced the feature for the named
// role.
func (s *Session) HasFeature(role, feature string) bool {
	b, _ := wamp.DictFlag(s.realmDetails,
		[]string{helloRoles, role, "features", feature})
	return b
}

// Close leaves the realm and closes the connection to the router.  The
// first call stops new operations, waits for running invocation handlers,
// sends GOODBYE, and waits for the router's acknowledging GOODBYE or the
// response timeout before closing the transport.  Further calls, and calls
// on a session that already ended, return nil without doing anything.
func (s *Session) Close() error {
	s.stateLock.Lock()
	if s.state != Established {
		s.stateLock.Unlock()
		return nil
	}
	s.state = Closing
	s.stateLock.Unlock()

	s.stop()
	s.activeInvocations.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), s.responseTimeout)
	defer cancel()
	s.peer.SendCtx(ctx, &wamp.Goodbye{
		Details: wamp.Dict{},
		Reason:  wamp.CloseRealm,
	})

	// Wait for the router to acknowledge, but not forever.
	select {
	case <-s.goodbyeAck:
	case <-ctx.Done():
	case <-s.done:
	}

	s.closePeer()
	<-s.done
	return nil
}

// handshake joins the realm: HELLO, any challenge rounds, then WELCOME or
// ABORT.
func (s *Session) handshake(cfg Config) (*wamp.Welcome, error) {
	details := cfg.HelloDetails
	if details == nil {
		details = wamp.Dict{}
	}
	if _, ok := details[helloRoles]; !ok {
		details[helloRoles] = helloRolesDict(cfg.Roles)
	}
	if len(cfg.AuthHandlers) > 0 {
		authmethods := make(wamp.List, 0, len(cfg.AuthHandlers))
		for am := range cfg.AuthHandlers {
			authmethods = append(authmethods, am)
		}
		details[helloAuthmethods] = authmethods
	}

	err := s.peer.Send(&wamp.Hello{
		Realm:   wamp.URI(cfg.Realm),
		Details: details,
	})
	if err != nil {
		return nil, err
	}
	msg, err := wamp.RecvTimeout(s.peer, s.responseTimeout)
	if err != nil {
		return nil, err
	}

	// The router may demand any number of challenge rounds before letting
	// the session in.
	for {
		challenge, ok := msg.(*wamp.Challenge)
		if !ok {
			break
		}
		if msg, err = s.answerChallenge(challenge, cfg.AuthHandlers); err != nil {
			return nil, err
		}
	}

	switch msg := msg.(type) {
	case *wamp.Welcome:
		return msg, nil
	case *wamp.Abort:
		return nil, &HandshakeError{Reason: msg.Reason, Details: msg.Details}
	default:
		return nil, &HandshakeError{
			Reason:  wamp.ErrProtocolViolation,
			Details: wamp.Dict{"message": msg.MessageType().String()},
		}
	}
}

// answerChallenge responds to one CHALLENGE and returns the router's next
// message.  A challenge this client has no handler for aborts the attempt.
func (s *Session) answerChallenge(challenge *wamp.Challenge, handlers map[string]AuthFunc) (wamp.Message, error) {
	authFunc, ok := handlers[challenge.AuthMethod]
	if !ok {
		s.peer.Send(&wamp.Abort{
			Details: wamp.Dict{},
			Reason:  errNoAuthHandler,
		})
		return nil, &HandshakeError{
			Reason:  errNoAuthHandler,
			Details: wamp.Dict{"authmethod": challenge.AuthMethod},
		}
	}
	signature, extra := authFunc(challenge)
	err := s.peer.Send(&wamp.Authenticate{
		Signature: signature,
		Extra:     extra,
	})
	if err != nil {
		return nil, err
	}
	return wamp.RecvTimeout(s.peer, s.responseTimeout)
}

// recvLoop dispatches messages from the router until the connection ends.
func (s *Session) recvLoop() {
	defer s.finalize()
	for msg := range s.peer.Recv() {
		if s.debug {
			s.log.Println("Session", s.id, "received", msg.MessageType())
		}
		s.dispatch(msg)
	}
}

// dispatch hands a message to the first role that claims its type.
func (s *Session) dispatch(msg wamp.Message) {
	t := msg.MessageType()
	for _, role := range s.roles {
		if role.handles(t) {
			role.handleMessage(msg)
			return
		}
	}
	s.log.Println("Unhandled message from router:", t, msg)
}

// handleGoodbye runs the receiving half of the close protocol.
func (s *Session) handleGoodbye(msg *wamp.Goodbye) {
	s.stateLock.Lock()
	st := s.state
	if st == Established {
		s.state = Closing
	}
	s.stateLock.Unlock()

	if st == Closing {
		// Acknowledgment of the GOODBYE this side sent.
		select {
		case s.goodbyeAck <- struct{}{}:
		default:
		}
		return
	}
	if st != Established {
		return
	}

	// Router-initiated close.  Acknowledge and drop the connection.
	if s.debug {
		s.log.Println("Session", s.id, "closed by router:", msg.Reason)
	}
	s.stop()
	s.peer.Send(&wamp.Goodbye{
		Details: wamp.Dict{},
		Reason:  wamp.CloseGoodbyeAndOut,
	})
	s.closePeer()
}

// finalize runs when the dispatch loop exits, on both orderly close and
// connection loss.
func (s *Session) finalize() {
	s.stop()
	s.stateLock.Lock()
	if s.state == Closing || s.state == Closed {
		s.state = Closed
	} else {
		s.state = Failed
	}
	s.stateLock.Unlock()
	s.reg.failAll()
	s.closePeer()
	close(s.done)
	if s.debug {
		s.log.Println("Session", s.id, "ended")
	}
}

// stop halts the start of new invocation handlers and signals running ones
// to abandon their work.
func (s *Session) stop() {
	s.stopOnce.Do(func() {
		s.invLock.Lock()
		s.invStopped = true
		s.invLock.Unlock()
		close(s.stopping)
	})
}

// startInvocation reserves a slot for an invocation handler.  Reports false
// when the session is shutting down and no new work may start.
func (s *Session) startInvocation() bool {
	s.invLock.Lock()
	defer s.invLock.Unlock()
	if s.invStopped {
		return false
	}
	s.activeInvocations.Add(1)
	return true
}

func (s *Session) endInvocation() {
	s.activeInvocations.Done()
}

func (s *Session) closePeer() {
	s.peerOnce.Do(s.peer.Close)
}

func (s *Session) setState(st State) {
	s.stateLock.Lock()
	s.state = st
	s.stateLock.Unlock()
}

// checkOpen reports whether the session accepts new operations.
func (s *Session) checkOpen() error {
	switch s.State() {
	case Established:
		return nil
	case Failed:
		return ErrConnLost
	}
	return ErrNotConn
}

// terminalErr distinguishes a lost connection from an orderly shutdown.
func (s *Session) terminalErr() error {
	if s.State() == Failed {
		return ErrConnLost
	}
	return ErrNotConn
}

// send transmits a message to the router.
func (s *Session) send(msg wamp.Message) error {
	select {
	case <-s.done:
		return s.terminalErr()
	default:
	}
	return s.peer.Send(msg)
}

// resolve hands a reply to the operation waiting on its request ID.
func (s *Session) resolve(id wamp.ID, msg wamp.Message) {
	if !s.reg.resolve(id, msg) {
		s.log.Println("Received", msg.MessageType(), id,
			"that no operation is waiting for")
	}
}

// waitReply blocks until the reply for a request arrives, the response
// timeout passes, or the session ends.
func (s *Session) waitReply(id wamp.ID, reply chan wamp.Message) (wamp.Message, error) {
	timer := time.NewTimer(s.responseTimeout)
	defer timer.Stop()
	select {
	case msg, open := <-reply:
		if !open {
			return nil, s.terminalErr()
		}
		return msg, nil
	case <-timer.C:
	}
	// Timed out.  If the withdrawal loses the race, the reply is already in
	// the channel and wins.
	if s.reg.cancel(id) {
		return nil, ErrReplyTimeout
	}
	msg, open := <-reply
	if !open {
		return nil, s.terminalErr()
	}
	return msg, nil
}

// unexpectedMsgError describes a reply of the wrong type.
func unexpectedMsgError(msg wamp.Message, expected wamp.MessageType) error {
	return fmt.Errorf("received unexpected %v message when expecting %v",
		msg.MessageType(), expected)
}
