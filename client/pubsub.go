package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/weapp/spell/wamp"
)

// EventHandler handles a publication event received for a subscription.
type EventHandler func(event *wamp.Event)

// publisherRole sends PUBLISH requests and consumes their acknowledgments.
type publisherRole struct {
	sess       *Session
	ackDefault bool
}

func newPublisherRole(s *Session, opts wamp.Dict) (*publisherRole, error) {
	pub := &publisherRole{sess: s}
	if v, ok := opts[wamp.OptAcknowledge]; ok {
		ack, isBool := v.(bool)
		if !isBool {
			return nil, badRoleOption(wamp.RolePublisher, wamp.OptAcknowledge)
		}
		pub.ackDefault = ack
	}
	return pub, nil
}

func (r *publisherRole) handles(t wamp.MessageType) bool {
	return t == wamp.PUBLISHED
}

func (r *publisherRole) handleMessage(msg wamp.Message) {
	pub := msg.(*wamp.Published)
	r.sess.resolve(pub.Request, msg)
}

// subscriberRole tracks this session's subscriptions and feeds received
// events to their handlers.
type subscriberRole struct {
	sess *Session

	lock       sync.Mutex
	topicSubID map[string]wamp.ID
	pending    map[string]bool

	events chan queuedEvent
}

type queuedEvent struct {
	fn  EventHandler
	msg *wamp.Event
}

func newSubscriberRole(s *Session) *subscriberRole {
	return &subscriberRole{
		sess:       s,
		topicSubID: map[string]wamp.ID{},
		pending:    map[string]bool{},
		events:     make(chan queuedEvent, eventQueueSize),
	}
}

func (r *subscriberRole) handles(t wamp.MessageType) bool {
	switch t {
	case wamp.SUBSCRIBED, wamp.UNSUBSCRIBED, wamp.EVENT:
		return true
	}
	return false
}

func (r *subscriberRole) handleMessage(msg wamp.Message) {
	switch msg := msg.(type) {
	case *wamp.Subscribed:
		r.sess.resolve(msg.Request, msg)
	case *wamp.Unsubscribed:
		r.sess.resolve(msg.Request, msg)
	case *wamp.Event:
		route := r.sess.reg.route(msg.Subscription)
		if route == nil {
			r.sess.log.Println("No handler registered for subscription:",
				msg.Subscription)
			return
		}
		route(msg)
	}
}

// enqueue queues an event for delivery.  A full queue drops the event rather
// than blocking the dispatch loop.
func (r *subscriberRole) enqueue(fn EventHandler, msg *wamp.Event) {
	select {
	case r.events <- queuedEvent{fn: fn, msg: msg}:
	default:
		r.sess.log.Println("Event queue full, dropping event for subscription:",
			msg.Subscription)
	}
}

// deliverEvents runs subscription handlers serially, in arrival order, so
// that events are observed in the order the router sent them and a handler
// can itself call session operations without stalling dispatch.
func (r *subscriberRole) deliverEvents(done <-chan struct{}) {
	for {
		select {
		case ev := <-r.events:
			ev.fn(ev.msg)
		case <-done:
			return
		}
	}
}

func (s *Session) publisher() (*publisherRole, error) {
	for _, r := range s.roles {
		if pub, ok := r.(*publisherRole); ok {
			return pub, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRoleNotEnabled, wamp.RolePublisher)
}

func (s *Session) subscriber() (*subscriberRole, error) {
	for _, r := range s.roles {
		if sub, ok := r.(*subscriberRole); ok {
			return sub, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRoleNotEnabled, wamp.RoleSubscriber)
}

// Publish publishes an event to all subscribers of the topic.
//
// By default this is fire and forget: the call returns once the message is
// handed to the transport.  To wait for the router to acknowledge with
// PUBLISHED set:
//
//	options["acknowledge"] = true
//
// either per call or as the publisher role's default in Config.RoleOptions.
// An explicit false in the call options overrides the role default.
//
// To exclude this session from receiving its own event, set:
//
//	options["exclude_me"] = true
func (s *Session) Publish(topic string, options wamp.Dict, args wamp.List, kwargs wamp.Dict) error {
	pub, err := s.publisher()
	if err != nil {
		return err
	}
	if err = s.checkOpen(); err != nil {
		return err
	}
	if options == nil {
		options = wamp.Dict{}
	}
	if !wamp.URI(topic).ValidURI(false, "") {
		return fmt.Errorf("%w: topic %q", ErrInvalidURI, topic)
	}

	ack := pub.ackDefault
	if _, ok := options[wamp.OptAcknowledge]; ok {
		ack = wamp.OptionFlag(options, wamp.OptAcknowledge)
	} else if ack {
		options[wamp.OptAcknowledge] = true
	}

	id := s.idGen.Next()
	var reply chan wamp.Message
	if ack {
		if reply, err = s.reg.expect(id); err != nil {
			return err
		}
	}
	err = s.send(&wamp.Publish{
		Request:     id,
		Options:     options,
		Topic:       wamp.URI(topic),
		Arguments:   args,
		ArgumentsKw: kwargs,
	})
	if err != nil {
		if ack {
			s.reg.cancel(id)
		}
		return err
	}
	if !ack {
		return nil
	}

	msg, err := s.waitReply(id, reply)
	if err != nil {
		return err
	}
	switch msg := msg.(type) {
	case *wamp.Published:
		return nil
	case *wamp.Error:
		return &ReplyError{msg}
	}
	return unexpectedMsgError(msg, wamp.PUBLISHED)
}

// Subscribe subscribes this session to the topic or topic pattern.  The
// handler is called for every event received for the subscription, serially
// and in arrival order.
//
// To request a pattern-based subscription set:
//
//	options["match"] = "prefix" or "wildcard"
//
// Subscribing a second time to the same topic returns ErrAlreadySubscribed.
func (s *Session) Subscribe(topic string, fn EventHandler, options wamp.Dict) error {
	sub, err := s.subscriber()
	if err != nil {
		return err
	}
	if fn == nil {
		return errors.New("nil event handler")
	}
	if err = s.checkOpen(); err != nil {
		return err
	}
	if options == nil {
		options = wamp.Dict{}
	}
	match := wamp.OptionString(options, wamp.OptMatch)
	if !wamp.URI(topic).ValidURI(false, match) {
		return fmt.Errorf("%w: topic %q", ErrInvalidURI, topic)
	}

	// Reserve the topic for the duration of the round trip, so that a
	// concurrent Subscribe to the same topic cannot also reach the router
	// and orphan one of the two subscriptions.
	sub.lock.Lock()
	_, exists := sub.topicSubID[topic]
	if exists || sub.pending[topic] {
		sub.lock.Unlock()
		return ErrAlreadySubscribed
	}
	sub.pending[topic] = true
	sub.lock.Unlock()

	release := func() {
		sub.lock.Lock()
		delete(sub.pending, topic)
		sub.lock.Unlock()
	}

	id := s.idGen.Next()
	reply, err := s.reg.expect(id)
	if err != nil {
		release()
		return err
	}
	err = s.send(&wamp.Subscribe{
		Request: id,
		Options: options,
		Topic:   wamp.URI(topic),
	})
	if err != nil {
		s.reg.cancel(id)
		release()
		return err
	}

	msg, err := s.waitReply(id, reply)
	if err != nil {
		release()
		return err
	}
	switch msg := msg.(type) {
	case *wamp.Subscribed:
		sub.lock.Lock()
		sub.topicSubID[topic] = msg.Subscription
		delete(sub.pending, topic)
		sub.lock.Unlock()
		s.reg.track(msg.Subscription, func(m wamp.Message) {
			sub.enqueue(fn, m.(*wamp.Event))
		})
		return nil
	case *wamp.Error:
		release()
		return &ReplyError{msg}
	}
	release()
	return unexpectedMsgError(msg, wamp.SUBSCRIBED)
}

// Unsubscribe removes the subscription to the topic.  Event routing for the
// subscription stops before the router confirms, since the caller has no
// more interest in the topic's events.
func (s *Session) Unsubscribe(topic string) error {
	sub, err := s.subscriber()
	if err != nil {
		return err
	}
	if err = s.checkOpen(); err != nil {
		return err
	}

	sub.lock.Lock()
	subID, ok := sub.topicSubID[topic]
	if ok {
		delete(sub.topicSubID, topic)
	}
	sub.lock.Unlock()
	if !ok {
		return ErrNotSubscribed
	}
	s.reg.untrack(subID)

	id := s.idGen.Next()
	reply, err := s.reg.expect(id)
	if err != nil {
		return err
	}
	err = s.send(&wamp.Unsubscribe{
		Request:      id,
		Subscription: subID,
	})
	if err != nil {
		s.reg.cancel(id)
		return err
	}

	msg, err := s.waitReply(id, reply)
	if err != nil {
		return err
	}
	switch msg := msg.(type) {
	case *wamp.Unsubscribed:
		return nil
	case *wamp.Error:
		return &ReplyError{msg}
	}
	return unexpectedMsgError(msg, wamp.UNSUBSCRIBED)
}

// SubscriptionID returns the subscription ID for the topic.  The second
// return value reports whether this session holds an active subscription to
// the topic.
func (s *Session) SubscriptionID(topic string) (wamp.ID, bool) {
	sub, err := s.subscriber()
	if err != nil {
		return 0, false
	}
	sub.lock.Lock()
	defer sub.lock.Unlock()
	subID, ok := sub.topicSubID[topic]
	return subID, ok
}
