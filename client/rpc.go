package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/weapp/spell/wamp"
)

// InvokeResult represents the result of invoking a procedure.  A non-empty
// Err makes the result an error reply carrying Args and Kwargs as the error
// arguments.
type InvokeResult struct {
	Args   wamp.List
	Kwargs wamp.Dict
	Err    wamp.URI
}

// InvocationHandler handles a remote procedure call.
//
// The context is canceled when the router interrupts the call or when the
// caller's timeout expires.  The handler can use this to abandon what it is
// doing, if it chooses to pay attention to ctx.Done().
type InvocationHandler func(ctx context.Context, invocation *wamp.Invocation) InvokeResult

// callerRole sends CALL requests and consumes their results.
type callerRole struct {
	sess           *Session
	timeoutDefault time.Duration
	cancelMode     string
}

func newCallerRole(s *Session, opts wamp.Dict) (*callerRole, error) {
	c := &callerRole{sess: s, cancelMode: wamp.CancelModeKillNoWait}
	if _, ok := opts[wamp.OptTimeout]; ok {
		ms := wamp.OptionInt64(opts, wamp.OptTimeout)
		if ms <= 0 {
			return nil, badRoleOption(wamp.RoleCaller, wamp.OptTimeout)
		}
		c.timeoutDefault = time.Duration(ms) * time.Millisecond
	}
	if _, ok := opts[optCancelMode]; ok {
		switch mode := wamp.OptionString(opts, optCancelMode); mode {
		case wamp.CancelModeKill, wamp.CancelModeKillNoWait, wamp.CancelModeSkip:
			c.cancelMode = mode
		default:
			return nil, badRoleOption(wamp.RoleCaller, optCancelMode)
		}
	}
	return c, nil
}

func (r *callerRole) handles(t wamp.MessageType) bool {
	return t == wamp.RESULT
}

func (r *callerRole) handleMessage(msg wamp.Message) {
	result := msg.(*wamp.Result)
	r.sess.resolve(result.Request, msg)
}

// calleeRole tracks this session's procedure registrations and runs their
// invocation handlers.
type calleeRole struct {
	sess *Session

	lock           sync.Mutex
	procRegID      map[string]wamp.ID
	invocationKill map[wamp.ID]context.CancelFunc
}

func newCalleeRole(s *Session) *calleeRole {
	return &calleeRole{
		sess:           s,
		procRegID:      map[string]wamp.ID{},
		invocationKill: map[wamp.ID]context.CancelFunc{},
	}
}

func (r *calleeRole) handles(t wamp.MessageType) bool {
	switch t {
	case wamp.REGISTERED, wamp.UNREGISTERED, wamp.INVOCATION, wamp.INTERRUPT:
		return true
	}
	return false
}

func (r *calleeRole) handleMessage(msg wamp.Message) {
	switch msg := msg.(type) {
	case *wamp.Registered:
		r.sess.resolve(msg.Request, msg)
	case *wamp.Unregistered:
		r.sess.resolve(msg.Request, msg)
	case *wamp.Invocation:
		r.handleInvocation(msg)
	case *wamp.Interrupt:
		r.handleInterrupt(msg)
	}
}

func (r *calleeRole) handleInvocation(msg *wamp.Invocation) {
	route := r.sess.reg.route(msg.Registration)
	if route == nil {
		errMsg := fmt.Sprintf("no handler for registration: %v",
			msg.Registration)
		// The router has a procedure bound to this session that the session
		// does not recognize.  Reported as an invalid argument since the
		// registration ID is the problem, not the procedure.
		r.sess.send(&wamp.Error{
			Type:      wamp.INVOCATION,
			Request:   msg.Request,
			Details:   wamp.Dict{},
			Error:     wamp.ErrInvalidArgument,
			Arguments: wamp.List{errMsg},
		})
		r.sess.log.Print(errMsg)
		return
	}
	route(msg)
}

// invoke runs one invocation on its own goroutine, with a kill switch so
// that INTERRUPT can cancel it.
func (r *calleeRole) invoke(msg *wamp.Invocation, handler InvocationHandler) {
	if !r.sess.startInvocation() {
		return
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if timeout := wamp.OptionInt64(msg.Details, wamp.OptTimeout); timeout > 0 {
		// The caller requested a timeout, in milliseconds.
		ctx, cancel = context.WithTimeout(context.Background(),
			time.Duration(timeout)*time.Millisecond)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	r.lock.Lock()
	r.invocationKill[msg.Request] = cancel
	r.lock.Unlock()

	go func() {
		defer r.sess.endInvocation()
		defer cancel()

		// Buffered so an abandoned handler can still deposit its result
		// without leaking a goroutine.
		resChan := make(chan InvokeResult, 1)
		go func() {
			resChan <- handler(ctx, msg)
		}()

		var result InvokeResult
		select {
		case result = <-resChan:
		case <-r.sess.stopping:
			// Session closing; abandon the invocation without replying.
			r.lock.Lock()
			delete(r.invocationKill, msg.Request)
			r.lock.Unlock()
			return
		case <-ctx.Done():
			result = InvokeResult{Err: wamp.ErrCanceled}
		}

		r.lock.Lock()
		_, replyWanted := r.invocationKill[msg.Request]
		delete(r.invocationKill, msg.Request)
		r.lock.Unlock()

		if result.Err != "" {
			if !replyWanted {
				// killnowait: the router is not waiting for a reply.
				return
			}
			r.sess.send(&wamp.Error{
				Type:        wamp.INVOCATION,
				Request:     msg.Request,
				Details:     wamp.Dict{},
				Arguments:   result.Args,
				ArgumentsKw: result.Kwargs,
				Error:       result.Err,
			})
			return
		}
		r.sess.send(&wamp.Yield{
			Request:     msg.Request,
			Options:     wamp.Dict{},
			Arguments:   result.Args,
			ArgumentsKw: result.Kwargs,
		})
	}()
}

func (r *calleeRole) handleInterrupt(msg *wamp.Interrupt) {
	r.lock.Lock()
	cancel, ok := r.invocationKill[msg.Request]
	if ok && wamp.OptionString(msg.Options, wamp.OptMode) == wamp.CancelModeKillNoWait {
		// The router will not wait for a reply to the canceled invocation;
		// dropping the kill entry now suppresses the reply.
		delete(r.invocationKill, msg.Request)
	}
	r.lock.Unlock()
	if !ok {
		r.sess.log.Println("Received INTERRUPT for invocation that no longer",
			"exists:", msg.Request)
		return
	}
	cancel()
}

func (s *Session) caller() (*callerRole, error) {
	for _, r := range s.roles {
		if c, ok := r.(*callerRole); ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRoleNotEnabled, wamp.RoleCaller)
}

func (s *Session) callee() (*calleeRole, error) {
	for _, r := range s.roles {
		if c, ok := r.(*calleeRole); ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrRoleNotEnabled, wamp.RoleCallee)
}

// Call calls the procedure corresponding to the given URI and returns the
// RESULT message, or an error.  An ERROR reply from the router is returned
// as a *ReplyError carrying the full message.
//
// The context can cancel the call or set a deadline on it.  A canceled call
// sends CANCEL to the router, using the cancel mode configured by the caller
// role's "cancel_mode" option ("kill", "killnowait", or "skip"; default
// "killnowait"), and waits for the terminal reply.  When the context carries
// no deadline the session's response timeout applies.
//
// To pass a timeout to the callee, in milliseconds, set:
//
//	options["timeout"] = 30000
//
// either per call or as the caller role's default in Config.RoleOptions.
//
// To request that this caller's identity be disclosed to the callee, set:
//
//	options["disclose_me"] = true
func (s *Session) Call(ctx context.Context, procedure string, options wamp.Dict, args wamp.List, kwargs wamp.Dict) (*wamp.Result, error) {
	c, err := s.caller()
	if err != nil {
		return nil, err
	}
	if err = s.checkOpen(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = wamp.Dict{}
	}
	if !wamp.URI(procedure).ValidURI(false, "") {
		return nil, fmt.Errorf("%w: procedure %q", ErrInvalidURI, procedure)
	}
	if c.timeoutDefault > 0 {
		if _, ok := options[wamp.OptTimeout]; !ok {
			options[wamp.OptTimeout] = int64(c.timeoutDefault / time.Millisecond)
		}
	}

	id := s.idGen.Next()
	reply, err := s.reg.expect(id)
	if err != nil {
		return nil, err
	}
	err = s.send(&wamp.Call{
		Request:     id,
		Options:     options,
		Procedure:   wamp.URI(procedure),
		Arguments:   args,
		ArgumentsKw: kwargs,
	})
	if err != nil {
		s.reg.cancel(id)
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.responseTimeout)
		defer cancel()
	}

	var msg wamp.Message
	var open bool
	select {
	case msg, open = <-reply:
		if !open {
			return nil, s.terminalErr()
		}
	case <-ctx.Done():
		// Cancel the call and wait for the terminal reply.
		s.send(&wamp.Cancel{
			Request: id,
			Options: wamp.SetOption(nil, wamp.OptMode, c.cancelMode),
		})
		timer := time.NewTimer(s.responseTimeout)
		defer timer.Stop()
		select {
		case msg, open = <-reply:
			if !open {
				return nil, s.terminalErr()
			}
		case <-timer.C:
			if s.reg.cancel(id) {
				return nil, ErrReplyTimeout
			}
			// The reply won the race and is sitting in the channel.
			if msg, open = <-reply; !open {
				return nil, s.terminalErr()
			}
		}
	}

	switch msg := msg.(type) {
	case *wamp.Result:
		return msg, nil
	case *wamp.Error:
		return nil, &ReplyError{msg}
	}
	return nil, unexpectedMsgError(msg, wamp.RESULT)
}

// Register registers the client to handle invocations of the given
// procedure.  The handler is called for each invocation received, each on
// its own goroutine.
//
// To request a pattern-based registration set:
//
//	options["match"] = "prefix" or "wildcard"
//
// To request that caller identity be disclosed to this callee, set:
//
//	options["disclose_caller"] = true
func (s *Session) Register(procedure string, fn InvocationHandler, options wamp.Dict) error {
	c, err := s.callee()
	if err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("nil invocation handler")
	}
	if err = s.checkOpen(); err != nil {
		return err
	}
	if options == nil {
		options = wamp.Dict{}
	}
	match := wamp.OptionString(options, wamp.OptMatch)
	if !wamp.URI(procedure).ValidURI(false, match) {
		return fmt.Errorf("%w: procedure %q", ErrInvalidURI, procedure)
	}

	id := s.idGen.Next()
	reply, err := s.reg.expect(id)
	if err != nil {
		return err
	}
	err = s.send(&wamp.Register{
		Request:   id,
		Options:   options,
		Procedure: wamp.URI(procedure),
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
	case *wamp.Registered:
		c.lock.Lock()
		c.procRegID[procedure] = msg.Registration
		c.lock.Unlock()
		s.reg.track(msg.Registration, func(m wamp.Message) {
			c.invoke(m.(*wamp.Invocation), fn)
		})
		if s.debug {
			s.log.Println("Registered", procedure, "as registration",
				msg.Registration)
		}
		return nil
	case *wamp.Error:
		return &ReplyError{msg}
	}
	return unexpectedMsgError(msg, wamp.REGISTERED)
}

// Unregister removes the registration of the procedure from the router.
// Invocation routing for the registration stops before the router confirms.
func (s *Session) Unregister(procedure string) error {
	c, err := s.callee()
	if err != nil {
		return err
	}
	if err = s.checkOpen(); err != nil {
		return err
	}

	c.lock.Lock()
	regID, ok := c.procRegID[procedure]
	if ok {
		delete(c.procRegID, procedure)
	}
	c.lock.Unlock()
	if !ok {
		return ErrNotRegistered
	}
	s.reg.untrack(regID)

	id := s.idGen.Next()
	reply, err := s.reg.expect(id)
	if err != nil {
		return err
	}
	err = s.send(&wamp.Unregister{
		Request:      id,
		Registration: regID,
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
	case *wamp.Unregistered:
		return nil
	case *wamp.Error:
		return &ReplyError{msg}
	}
	return unexpectedMsgError(msg, wamp.UNREGISTERED)
}

// RegistrationID returns the registration ID for the procedure.  The second
// return value reports whether this session holds an active registration for
// the procedure.
func (s *Session) RegistrationID(procedure string) (wamp.ID, bool) {
	c, err := s.callee()
	if err != nil {
		return 0, false
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	regID, ok := c.procRegID[procedure]
	return regID, ok
}
