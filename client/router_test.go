package client

import (
	"sync"
	"testing"
	"time"

	"github.com/weapp/spell/transport"
	"github.com/weapp/spell/wamp"
)

// testRouter is a scripted broker/dealer counterpart for exercising the
// session engine over linked in-process peers.  It serves a single session:
// events and invocations are routed back to the same side that subscribed or
// registered.  Knobs allow tests to script the handshake and to withhold
// replies.
type testRouter struct {
	t         *testing.T
	peer      wamp.Peer
	done      chan struct{}
	closeOnce sync.Once

	// handshake produces the reply to HELLO.  Nil means WELCOME.
	handshake func(*wamp.Hello) wamp.Message
	// authenticate produces the reply to AUTHENTICATE.  Nil means ABORT.
	authenticate func(*wamp.Authenticate) wamp.Message

	lock     sync.Mutex
	nextID   wamp.ID
	silent   map[wamp.MessageType]bool
	held     []wamp.Message
	subs     map[wamp.URI][]wamp.ID
	procs    map[wamp.URI]wamp.ID
	invCall  map[wamp.ID]wamp.ID
	goodbyes int
	cancels  []string
}

// linkedTestRouter starts a test router and returns the client-side peer to
// hand to NewSession.
func linkedTestRouter(t *testing.T) (wamp.Peer, *testRouter) {
	cli, rtr := transport.LinkedPeers()
	r := &testRouter{
		t:    t,
		peer: rtr,
		done: make(chan struct{}),

		silent:  map[wamp.MessageType]bool{},
		subs:    map[wamp.URI][]wamp.ID{},
		procs:   map[wamp.URI]wamp.ID{},
		invCall: map[wamp.ID]wamp.ID{},
	}
	go r.serve()
	return cli, r
}

func (r *testRouter) serve() {
	defer close(r.done)
	defer r.closePeer()
	for msg := range r.peer.Recv() {
		r.handle(msg)
	}
}

// closePeer closes the router-side peer exactly once, so that serve's
// deferred close does not panic after an explicit disconnect.
func (r *testRouter) closePeer() {
	r.closeOnce.Do(r.peer.Close)
}

// disconnect drops the connection without a GOODBYE, as a failing network
// would.
func (r *testRouter) disconnect() {
	r.closePeer()
	<-r.done
}

func (r *testRouter) newID() wamp.ID {
	r.nextID++
	return r.nextID
}

// silence makes the router swallow its replies to the given request types.
// The swallowed replies are kept and can be released later.
func (r *testRouter) silence(types ...wamp.MessageType) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for _, t := range types {
		r.silent[t] = true
	}
}

// releaseHeld sends every swallowed reply and stops swallowing.
func (r *testRouter) releaseHeld() {
	r.lock.Lock()
	held := r.held
	r.held = nil
	r.silent = map[wamp.MessageType]bool{}
	r.lock.Unlock()
	for _, msg := range held {
		r.peer.Send(msg)
	}
}

func (r *testRouter) handle(msg wamp.Message) {
	r.lock.Lock()
	defer r.lock.Unlock()

	switch msg := msg.(type) {
	case *wamp.Hello:
		var reply wamp.Message
		if r.handshake != nil {
			reply = r.handshake(msg)
		} else {
			reply = &wamp.Welcome{ID: wamp.GlobalID(), Details: routerRoles()}
		}
		r.peer.Send(reply)

	case *wamp.Authenticate:
		var reply wamp.Message
		if r.authenticate != nil {
			reply = r.authenticate(msg)
		} else {
			reply = &wamp.Abort{Details: wamp.Dict{},
				Reason: wamp.ErrAuthenticationFailed}
		}
		r.peer.Send(reply)

	case *wamp.Goodbye:
		r.goodbyes++
		if !wamp.IsGoodbyeAck(msg) {
			r.peer.Send(&wamp.Goodbye{Details: wamp.Dict{},
				Reason: wamp.CloseGoodbyeAndOut})
		}

	case *wamp.Subscribe:
		subID := r.newID()
		r.subs[msg.Topic] = append(r.subs[msg.Topic], subID)
		r.replyLocked(wamp.SUBSCRIBE,
			&wamp.Subscribed{Request: msg.Request, Subscription: subID})

	case *wamp.Unsubscribe:
		for topic, ids := range r.subs {
			for i, id := range ids {
				if id == msg.Subscription {
					r.subs[topic] = append(ids[:i], ids[i+1:]...)
					break
				}
			}
		}
		r.replyLocked(wamp.UNSUBSCRIBE, &wamp.Unsubscribed{Request: msg.Request})

	case *wamp.Publish:
		pubID := r.newID()
		if wamp.OptionFlag(msg.Options, wamp.OptAcknowledge) {
			r.replyLocked(wamp.PUBLISH,
				&wamp.Published{Request: msg.Request, Publication: pubID})
		}
		for _, subID := range r.subs[msg.Topic] {
			r.peer.Send(&wamp.Event{
				Subscription: subID,
				Publication:  pubID,
				Details:      wamp.Dict{},
				Arguments:    msg.Arguments,
				ArgumentsKw:  msg.ArgumentsKw,
			})
		}

	case *wamp.Register:
		regID := r.newID()
		r.procs[msg.Procedure] = regID
		r.replyLocked(wamp.REGISTER,
			&wamp.Registered{Request: msg.Request, Registration: regID})

	case *wamp.Unregister:
		for proc, id := range r.procs {
			if id == msg.Registration {
				delete(r.procs, proc)
			}
		}
		r.replyLocked(wamp.UNREGISTER, &wamp.Unregistered{Request: msg.Request})

	case *wamp.Call:
		regID, ok := r.procs[msg.Procedure]
		if !ok {
			r.replyLocked(wamp.CALL, &wamp.Error{
				Type:    wamp.CALL,
				Request: msg.Request,
				Details: wamp.Dict{},
				Error:   wamp.ErrNoSuchProcedure,
			})
			return
		}
		invID := r.newID()
		r.invCall[invID] = msg.Request
		details := wamp.Dict{}
		if timeout := wamp.OptionInt64(msg.Options, wamp.OptTimeout); timeout > 0 {
			details[wamp.OptTimeout] = timeout
		}
		r.peer.Send(&wamp.Invocation{
			Request:      invID,
			Registration: regID,
			Details:      details,
			Arguments:    msg.Arguments,
			ArgumentsKw:  msg.ArgumentsKw,
		})

	case *wamp.Yield:
		callID, ok := r.invCall[msg.Request]
		if !ok {
			return
		}
		delete(r.invCall, msg.Request)
		r.replyLocked(wamp.CALL, &wamp.Result{
			Request:     callID,
			Details:     wamp.Dict{},
			Arguments:   msg.Arguments,
			ArgumentsKw: msg.ArgumentsKw,
		})

	case *wamp.Error:
		// Callee failed an invocation; relay to the caller.
		if msg.Type != wamp.INVOCATION {
			return
		}
		callID, ok := r.invCall[msg.Request]
		if !ok {
			return
		}
		delete(r.invCall, msg.Request)
		r.replyLocked(wamp.CALL, &wamp.Error{
			Type:        wamp.CALL,
			Request:     callID,
			Details:     wamp.Dict{},
			Error:       msg.Error,
			Arguments:   msg.Arguments,
			ArgumentsKw: msg.ArgumentsKw,
		})

	case *wamp.Cancel:
		mode := wamp.OptionString(msg.Options, wamp.OptMode)
		r.cancels = append(r.cancels, mode)
		for invID, callID := range r.invCall {
			if callID != msg.Request {
				continue
			}
			r.peer.Send(&wamp.Interrupt{
				Request: invID,
				Options: wamp.SetOption(nil, wamp.OptMode, mode),
			})
			if mode == wamp.CancelModeKillNoWait {
				// The dealer does not wait for the callee in this mode.
				delete(r.invCall, invID)
				r.replyLocked(wamp.CALL, &wamp.Error{
					Type:    wamp.CALL,
					Request: callID,
					Details: wamp.Dict{},
					Error:   wamp.ErrCanceled,
				})
			}
			return
		}
	}
}

// replyLocked is reply for use from handle, where the lock is already held.
// goodbyeCount reports how many GOODBYE messages arrived on the wire.
func (r *testRouter) goodbyeCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.goodbyes
}

// subscriptionCount reports how many router-side subscriptions exist for
// the topic.
func (r *testRouter) subscriptionCount(topic wamp.URI) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.subs[topic])
}

// cancelModes reports the mode option of each CANCEL received, in order.
func (r *testRouter) cancelModes() []string {
	r.lock.Lock()
	defer r.lock.Unlock()
	return append([]string(nil), r.cancels...)
}

func (r *testRouter) replyLocked(reqType wamp.MessageType, msg wamp.Message) {
	if r.silent[reqType] {
		r.held = append(r.held, msg)
		return
	}
	r.peer.Send(msg)
}

func routerRoles() wamp.Dict {
	return wamp.Dict{
		"roles": wamp.Dict{
			wamp.RoleBroker: wamp.Dict{},
			wamp.RoleDealer: wamp.Dict{},
		},
	}
}

// waitDone fails the test if the channel does not close in time.
func waitDone(t *testing.T, done <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for", what)
	}
}
