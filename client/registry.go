package client

import (
	"sync"

	"github.com/weapp/spell/wamp"
)

// routeFunc consumes EVENT or INVOCATION traffic for one subscription or
// registration.  Routes must not block the caller.
type routeFunc func(wamp.Message)

// registry correlates outstanding request IDs with the operations waiting on
// their replies, and holds the long-lived routes for subscription and
// registration traffic.
//
// Each pending entry is a reply channel with capacity one, so a reply can be
// delivered without waiting for its reader.  Delivery and removal happen
// under one lock, which is what makes resolution exactly-once: a request ID
// is either pending or resolved, never both.
type registry struct {
	lock    sync.Mutex
	pending map[wamp.ID]chan wamp.Message
	routes  map[wamp.ID]routeFunc
	done    bool
}

func newRegistry() *registry {
	return &registry{
		pending: map[wamp.ID]chan wamp.Message{},
		routes:  map[wamp.ID]routeFunc{},
	}
}

// expect reserves a reply slot for a request ID before the request is sent.
// The returned channel carries exactly one reply, or is closed if the
// session ends first.
func (r *registry) expect(id wamp.ID) (chan wamp.Message, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.done {
		return nil, ErrNotConn
	}
	if _, ok := r.pending[id]; ok {
		return nil, ErrDuplicateID
	}
	reply := make(chan wamp.Message, 1)
	r.pending[id] = reply
	return reply, nil
}

// resolve delivers a reply to the operation waiting on the request ID and
// removes the entry.  Reports whether a waiter existed; a late reply for an
// ID that already timed out or resolved reports false and has no effect.
func (r *registry) resolve(id wamp.ID, msg wamp.Message) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	reply, ok := r.pending[id]
	if !ok {
		return false
	}
	delete(r.pending, id)
	reply <- msg
	return true
}

// cancel withdraws a pending request ID, reporting whether it was still
// pending.  A false report means the reply won the race and is sitting in
// the reply channel, so the waiter must consume it instead of timing out.
func (r *registry) cancel(id wamp.ID) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.pending[id]; !ok {
		return false
	}
	delete(r.pending, id)
	return true
}

// failAll closes every pending reply channel and refuses further expect
// calls.  Waiters observe the closed channel as session termination.  Routes
// are left in place; they die with the session.
func (r *registry) failAll() {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.done {
		return
	}
	r.done = true
	for id, reply := range r.pending {
		delete(r.pending, id)
		close(reply)
	}
}

// track installs the route for a subscription or registration ID.
func (r *registry) track(id wamp.ID, route routeFunc) {
	r.lock.Lock()
	r.routes[id] = route
	r.lock.Unlock()
}

// untrack removes the route for a subscription or registration ID.
func (r *registry) untrack(id wamp.ID) {
	r.lock.Lock()
	delete(r.routes, id)
	r.lock.Unlock()
}

// route returns the route installed for an ID, or nil.
func (r *registry) route(id wamp.ID) routeFunc {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.routes[id]
}
