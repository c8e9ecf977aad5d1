package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/weapp/spell/stdlog"
	"github.com/weapp/spell/transport/serialize"
	"github.com/weapp/spell/wamp"
	"github.com/weapp/spell/wamp/crsign"
)

const (
	testRealm = "spell.test"
	testTopic = "test.topic1"
	testProc  = "test.proc1"
)

var logger stdlog.StdLog

func init() {
	logger = log.New(os.Stdout, "", log.LstdFlags)
}

func checkLeaks(t *testing.T) {
	t.Cleanup(leaktest.Check(t))
}

func newTestSession(t *testing.T, fns ...func(*Config)) (*Session, *testRouter) {
	t.Helper()
	cli, rtr := linkedTestRouter(t)
	cfg := Config{
		Realm:           testRealm,
		ResponseTimeout: 500 * time.Millisecond,
		Logger:          logger,
	}
	for _, fn := range fns {
		fn(&cfg)
	}
	sess, err := NewSession(cli, cfg)
	require.NoError(t, err, "failed to establish test session")
	t.Cleanup(func() {
		sess.Close()
	})
	return sess, rtr
}

func TestJoinRealm(t *testing.T) {
	checkLeaks(t)
	sess, rtr := newTestSession(t)

	require.NotEqual(t, wamp.ID(0), sess.ID(), "Expected non-0 session id")
	require.Equal(t, Established, sess.State())

	_, err := wamp.DictValue(sess.RealmDetails(),
		[]string{"roles", wamp.RoleBroker})
	require.NoError(t, err, "Router missing broker role")
	_, err = wamp.DictValue(sess.RealmDetails(),
		[]string{"roles", wamp.RoleDealer})
	require.NoError(t, err, "Router missing dealer role")

	require.NoError(t, sess.Close())
	require.Equal(t, Closed, sess.State())
	waitDone(t, sess.Done(), "session end")

	// Closing again is a no-op, and sends nothing.
	require.NoError(t, sess.Close())
	require.Equal(t, 1, rtr.goodbyeCount())
}

func TestJoinRealmAbort(t *testing.T) {
	checkLeaks(t)
	cli, rtr := linkedTestRouter(t)
	rtr.handshake = func(*wamp.Hello) wamp.Message {
		return &wamp.Abort{Details: wamp.Dict{}, Reason: wamp.ErrNoSuchRealm}
	}

	_, err := NewSession(cli, Config{Realm: testRealm, Logger: logger})
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	require.Equal(t, wamp.ErrNoSuchRealm, hsErr.Reason)
}

func TestJoinRealmProtocolViolation(t *testing.T) {
	checkLeaks(t)
	cli, rtr := linkedTestRouter(t)
	rtr.handshake = func(*wamp.Hello) wamp.Message {
		// Not a valid reply to HELLO.
		return &wamp.Published{Request: 1, Publication: 2}
	}

	_, err := NewSession(cli, Config{Realm: testRealm, Logger: logger})
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	require.Equal(t, wamp.ErrProtocolViolation, hsErr.Reason)
}

func TestCRAuthentication(t *testing.T) {
	checkLeaks(t)
	const (
		secret    = "squeamish ossifrage"
		challenge = "t6Cvz0p8jEkItkAu"
	)
	cli, rtr := linkedTestRouter(t)
	rtr.handshake = func(hello *wamp.Hello) wamp.Message {
		methods, _ := wamp.AsList(hello.Details["authmethods"])
		if len(methods) != 1 || methods[0] != "wampcra" {
			return &wamp.Abort{Details: wamp.Dict{},
				Reason: wamp.ErrNoAuthMethod}
		}
		return &wamp.Challenge{
			AuthMethod: "wampcra",
			Extra:      wamp.Dict{"challenge": challenge},
		}
	}
	rtr.authenticate = func(auth *wamp.Authenticate) wamp.Message {
		if auth.Signature != crsign.SignChallenge(challenge, []byte(secret)) {
			return &wamp.Abort{Details: wamp.Dict{},
				Reason: wamp.ErrAuthenticationFailed}
		}
		return &wamp.Welcome{ID: wamp.GlobalID(), Details: routerRoles()}
	}

	cfg := Config{
		Realm:  testRealm,
		Logger: logger,
		AuthHandlers: map[string]AuthFunc{
			"wampcra": func(c *wamp.Challenge) (string, wamp.Dict) {
				return crsign.RespondChallenge(secret, c, nil), wamp.Dict{}
			},
		},
	}
	sess, err := NewSession(cli, cfg)
	require.NoError(t, err)
	require.NoError(t, sess.Close())
}

func TestCRAuthenticationNoHandler(t *testing.T) {
	checkLeaks(t)
	cli, rtr := linkedTestRouter(t)
	rtr.handshake = func(*wamp.Hello) wamp.Message {
		return &wamp.Challenge{AuthMethod: "ticket", Extra: wamp.Dict{}}
	}

	_, err := NewSession(cli, Config{Realm: testRealm, Logger: logger})
	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	require.Equal(t, wamp.URI(errNoAuthHandler), hsErr.Reason)
}

func TestConfigErrors(t *testing.T) {
	ctx := context.Background()

	// Missing realm fails before anything is dialed.
	_, err := Connect(ctx, "ws://127.0.0.1:1/", Config{})
	require.ErrorIs(t, err, ErrRealmRequired)

	_, err = Connect(ctx, "ws://127.0.0.1:1/", Config{Realm: "has spaces"})
	require.ErrorIs(t, err, ErrInvalidURI)

	_, err = Connect(ctx, "", Config{Realm: testRealm})
	require.ErrorIs(t, err, ErrTransportRequired)

	_, err = Connect(ctx, "ftp://127.0.0.1:1/", Config{Realm: testRealm})
	require.ErrorIs(t, err, ErrInvalidURI)

	_, err = Connect(ctx, "ws://127.0.0.1:1/", Config{
		Realm: testRealm,
		Roles: []string{wamp.RoleSubscriber, "observer"},
	})
	require.ErrorIs(t, err, ErrRoleConfig)

	// Options for a role that is not enabled.
	_, err = Connect(ctx, "ws://127.0.0.1:1/", Config{
		Realm: testRealm,
		Roles: []string{wamp.RoleSubscriber},
		RoleOptions: map[string]wamp.Dict{
			wamp.RolePublisher: {wamp.OptAcknowledge: true},
		},
	})
	require.ErrorIs(t, err, ErrRoleConfig)

	// Wrong option type.
	_, err = Connect(ctx, "ws://127.0.0.1:1/", Config{
		Realm: testRealm,
		RoleOptions: map[string]wamp.Dict{
			wamp.RolePublisher: {wamp.OptAcknowledge: "yes"},
		},
	})
	require.ErrorIs(t, err, ErrRoleConfig)
}

// wsTestRouter answers the realm handshake over a real websocket connection.
func wsTestRouter(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	js := &serialize.JSONSerializer{}
	send := func(msg wamp.Message) {
		b, err := js.Serialize(msg)
		require.NoError(t, err)
		conn.WriteMessage(websocket.TextMessage, b)
	}
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		msg, err := js.Deserialize(b)
		if err != nil {
			continue
		}
		switch msg := msg.(type) {
		case *wamp.Hello:
			send(&wamp.Welcome{ID: wamp.GlobalID(), Details: routerRoles()})
		case *wamp.Goodbye:
			if !wamp.IsGoodbyeAck(msg) {
				send(&wamp.Goodbye{Details: wamp.Dict{},
					Reason: wamp.CloseGoodbyeAndOut})
			}
		}
	}
}

func TestConnectRetry(t *testing.T) {
	var attempts int32
	upgrader := websocket.Upgrader{Subprotocols: []string{"wamp.2.json"}}
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, req *http.Request) {
			// Fail the first two attempts; accept the third.
			if atomic.AddInt32(&attempts, 1) < 3 {
				http.Error(w, "not yet", http.StatusServiceUnavailable)
				return
			}
			conn, err := upgrader.Upgrade(w, req, nil)
			if err != nil {
				return
			}
			wsTestRouter(t, conn)
		}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	start := time.Now()
	sess, err := Connect(context.Background(), wsURL, Config{
		Realm:         testRealm,
		Retries:       3,
		RetryInterval: 100 * time.Millisecond,
		Logger:        logger,
	})
	require.NoError(t, err, "expected third attempt to succeed")
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 200*time.Millisecond,
		"expected two retry pauses before success")
	require.EqualValues(t, 3, atomic.LoadInt32(&attempts))
	require.NoError(t, sess.Close())
}

func TestConnectRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, req *http.Request) {
			http.Error(w, "no", http.StatusServiceUnavailable)
		}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, err := Connect(context.Background(), wsURL, Config{
		Realm:         testRealm,
		Retries:       2,
		RetryInterval: 10 * time.Millisecond,
		Logger:        logger,
	})
	require.Error(t, err, "expected the last dial failure")
}

func TestSubscribePublishUnsubscribe(t *testing.T) {
	checkLeaks(t)
	sess, _ := newTestSession(t)

	events := make(chan *wamp.Event, 1)
	err := sess.Subscribe(testTopic, func(ev *wamp.Event) {
		events <- ev
	}, nil)
	require.NoError(t, err)

	subID, ok := sess.SubscriptionID(testTopic)
	require.True(t, ok, "should have subscription ID after subscribe")
	require.NotEqual(t, wamp.ID(0), subID)

	// Second subscription to the same topic is refused locally.
	err = sess.Subscribe(testTopic, func(*wamp.Event) {}, nil)
	require.ErrorIs(t, err, ErrAlreadySubscribed)

	// Acknowledged publish.
	err = sess.Publish(testTopic, wamp.Dict{wamp.OptAcknowledge: true},
		wamp.List{"hello"}, nil)
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.Equal(t, subID, ev.Subscription)
		require.Equal(t, wamp.List{"hello"}, ev.Arguments)
	case <-time.After(time.Second):
		require.FailNow(t, "did not receive published event")
	}

	// Fire-and-forget publish is also delivered.
	err = sess.Publish(testTopic, nil, wamp.List{"again"}, nil)
	require.NoError(t, err)
	select {
	case ev := <-events:
		require.Equal(t, wamp.List{"again"}, ev.Arguments)
	case <-time.After(time.Second):
		require.FailNow(t, "did not receive unacknowledged event")
	}

	require.NoError(t, sess.Unsubscribe(testTopic))
	_, ok = sess.SubscriptionID(testTopic)
	require.False(t, ok, "subscription ID should be gone after unsubscribe")
	require.ErrorIs(t, sess.Unsubscribe(testTopic), ErrNotSubscribed)
}

func TestConcurrentSubscribeSameTopic(t *testing.T) {
	checkLeaks(t)
	sess, rtr := newTestSession(t)

	// Racing subscribes to one topic: exactly one wins, the rest are
	// refused before reaching the router, so no orphan subscription is
	// left behind on the broker.
	const racers = 8
	errs := make(chan error, racers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < racers; i++ {
		go func() {
			start.Wait()
			errs <- sess.Subscribe(testTopic, func(*wamp.Event) {}, nil)
		}()
	}
	start.Done()

	var won, refused int
	for i := 0; i < racers; i++ {
		switch err := <-errs; {
		case err == nil:
			won++
		case errors.Is(err, ErrAlreadySubscribed):
			refused++
		default:
			require.FailNow(t, "unexpected subscribe error", "%v", err)
		}
	}
	require.Equal(t, 1, won, "exactly one subscribe should win")
	require.Equal(t, racers-1, refused)
	require.Equal(t, 1, rtr.subscriptionCount(testTopic))

	// The losing attempts left no pending reservation behind.
	require.NoError(t, sess.Unsubscribe(testTopic))
	require.NoError(t, sess.Subscribe(testTopic, func(*wamp.Event) {}, nil))
}

func TestEventOrder(t *testing.T) {
	checkLeaks(t)
	sess, _ := newTestSession(t)

	const numEvents = 10
	got := make(chan int64, numEvents)
	err := sess.Subscribe(testTopic, func(ev *wamp.Event) {
		n, _ := wamp.AsInt64(ev.Arguments[0])
		got <- n
	}, nil)
	require.NoError(t, err)

	for i := 0; i < numEvents; i++ {
		require.NoError(t, sess.Publish(testTopic,
			wamp.Dict{wamp.OptAcknowledge: true}, wamp.List{i}, nil))
	}
	// Handlers run serially in arrival order.
	for i := 0; i < numEvents; i++ {
		select {
		case n := <-got:
			require.EqualValues(t, i, n, "events delivered out of order")
		case <-time.After(time.Second):
			require.FailNow(t, "missing event")
		}
	}
}

func TestCallRPC(t *testing.T) {
	checkLeaks(t)
	sess, _ := newTestSession(t)

	sum := func(ctx context.Context, inv *wamp.Invocation) InvokeResult {
		var total int64
		for _, arg := range inv.Arguments {
			n, ok := wamp.AsInt64(arg)
			if ok {
				total += n
			}
		}
		return InvokeResult{Args: wamp.List{total}}
	}
	require.NoError(t, sess.Register(testProc, sum, nil))

	regID, ok := sess.RegistrationID(testProc)
	require.True(t, ok, "should have registration ID after register")
	require.NotEqual(t, wamp.ID(0), regID)

	result, err := sess.Call(context.Background(), testProc, nil,
		wamp.List{1, 2, 3, 4}, nil)
	require.NoError(t, err)
	total, _ := wamp.AsInt64(result.Arguments[0])
	require.EqualValues(t, 10, total)

	require.NoError(t, sess.Unregister(testProc))
	_, ok = sess.RegistrationID(testProc)
	require.False(t, ok)
	require.ErrorIs(t, sess.Unregister(testProc), ErrNotRegistered)

	// Calling the unregistered procedure returns the router's error.
	_, err = sess.Call(context.Background(), testProc, nil, nil, nil)
	var rpcErr *ReplyError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, wamp.ErrNoSuchProcedure, rpcErr.Err.Error)
}

func TestCallErrorReply(t *testing.T) {
	checkLeaks(t)
	sess, _ := newTestSession(t)

	fail := func(ctx context.Context, inv *wamp.Invocation) InvokeResult {
		return InvokeResult{
			Err:  wamp.ErrInvalidArgument,
			Args: wamp.List{"bad input"},
		}
	}
	require.NoError(t, sess.Register(testProc, fail, nil))

	_, err := sess.Call(context.Background(), testProc, nil, nil, nil)
	var rpcErr *ReplyError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, wamp.ErrInvalidArgument, rpcErr.Err.Error)
	require.Equal(t, wamp.List{"bad input"}, rpcErr.Err.Arguments)
	require.ErrorIs(t, err, wamp.ErrInvalidArgument,
		"error URI should be reachable through Unwrap")
}

func TestCallCancel(t *testing.T) {
	checkLeaks(t)
	sess, _ := newTestSession(t)

	block := func(ctx context.Context, inv *wamp.Invocation) InvokeResult {
		<-ctx.Done()
		return InvokeResult{Err: wamp.ErrCanceled}
	}
	require.NoError(t, sess.Register(testProc, block, nil))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := sess.Call(ctx, testProc, nil, nil, nil)
	var rpcErr *ReplyError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, wamp.ErrCanceled, rpcErr.Err.Error)
	require.ErrorIs(t, err, wamp.ErrCanceled)
}

func TestCallCancelMode(t *testing.T) {
	checkLeaks(t)
	sess, rtr := newTestSession(t, func(cfg *Config) {
		cfg.RoleOptions = map[string]wamp.Dict{
			wamp.RoleCaller: {optCancelMode: wamp.CancelModeKill},
		}
	})

	block := func(ctx context.Context, inv *wamp.Invocation) InvokeResult {
		<-ctx.Done()
		return InvokeResult{Err: wamp.ErrCanceled}
	}
	require.NoError(t, sess.Register(testProc, block, nil))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := sess.Call(ctx, testProc, nil, nil, nil)
	require.ErrorIs(t, err, wamp.ErrCanceled)

	// The configured mode rode on the CANCEL, so the dealer waited for the
	// callee's reply instead of answering immediately.
	require.Equal(t, []string{wamp.CancelModeKill}, rtr.cancelModes())

	// Unrecognized modes fail construction.
	_, err = Connect(context.Background(), "ws://127.0.0.1:1/", Config{
		Realm: testRealm,
		RoleOptions: map[string]wamp.Dict{
			wamp.RoleCaller: {optCancelMode: "detonate"},
		},
	})
	require.ErrorIs(t, err, ErrRoleConfig)
}

func TestCallTimeoutOption(t *testing.T) {
	checkLeaks(t)
	sess, _ := newTestSession(t)

	block := func(ctx context.Context, inv *wamp.Invocation) InvokeResult {
		timeout := wamp.OptionInt64(inv.Details, wamp.OptTimeout)
		if timeout == 0 {
			return InvokeResult{Err: wamp.ErrInvalidArgument,
				Args: wamp.List{"no timeout received"}}
		}
		<-ctx.Done()
		return InvokeResult{Err: wamp.ErrCanceled}
	}
	require.NoError(t, sess.Register(testProc, block, nil))

	// The timeout option rides to the callee, whose context expires.
	_, err := sess.Call(context.Background(), testProc,
		wamp.Dict{wamp.OptTimeout: 50}, nil, nil)
	var rpcErr *ReplyError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, wamp.ErrCanceled, rpcErr.Err.Error)
}

func TestConcurrentOperations(t *testing.T) {
	checkLeaks(t)
	sess, _ := newTestSession(t)

	echo := func(ctx context.Context, inv *wamp.Invocation) InvokeResult {
		return InvokeResult{Args: inv.Arguments}
	}
	require.NoError(t, sess.Register(testProc, echo, nil))

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers*2)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			// Each caller must get back its own argument.
			result, err := sess.Call(context.Background(), testProc, nil,
				wamp.List{n}, nil)
			if err != nil {
				errs <- err
				return
			}
			rn, _ := wamp.AsInt64(result.Arguments[0])
			if rn != int64(n) {
				errs <- fmt.Errorf("caller %d got result %d", n, rn)
				return
			}
			errs <- sess.Publish(testTopic,
				wamp.Dict{wamp.OptAcknowledge: true}, wamp.List{n}, nil)
		}(i)
	}
	wg.Wait()
	for i := 0; i < workers; i++ {
		require.NoError(t, <-errs)
	}
}

func TestReplyTimeoutAndLateReply(t *testing.T) {
	checkLeaks(t)
	sess, rtr := newTestSession(t, func(cfg *Config) {
		cfg.ResponseTimeout = 100 * time.Millisecond
	})

	rtr.silence(wamp.SUBSCRIBE)
	err := sess.Subscribe(testTopic, func(*wamp.Event) {}, nil)
	require.ErrorIs(t, err, ErrReplyTimeout)

	// The late reply is dropped as unmatched and must not disturb the next
	// operation.
	rtr.releaseHeld()
	err = sess.Subscribe("test.topic2", func(*wamp.Event) {}, nil)
	require.NoError(t, err)
}

func TestConnectionLostFailsPending(t *testing.T) {
	checkLeaks(t)
	sess, rtr := newTestSession(t)
	rtr.silence(wamp.SUBSCRIBE, wamp.REGISTER, wamp.CALL)

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	wg.Add(3)
	go func() {
		defer wg.Done()
		_, err := sess.Call(context.Background(), testProc, nil, nil, nil)
		errs <- err
	}()
	go func() {
		defer wg.Done()
		errs <- sess.Subscribe(testTopic, func(*wamp.Event) {}, nil)
	}()
	go func() {
		defer wg.Done()
		errs <- sess.Register(testProc,
			func(context.Context, *wamp.Invocation) InvokeResult {
				return InvokeResult{}
			}, nil)
	}()

	// Give the requests time to reach the router, then cut the connection.
	time.Sleep(50 * time.Millisecond)
	rtr.disconnect()

	wg.Wait()
	for i := 0; i < 3; i++ {
		require.ErrorIs(t, <-errs, ErrConnLost,
			"pending operation must fail with connection loss")
	}

	waitDone(t, sess.Done(), "session end")
	require.Equal(t, Failed, sess.State())

	// New operations are refused on the dead session.
	require.ErrorIs(t,
		sess.Publish(testTopic, nil, nil, nil), ErrConnLost)
	require.NoError(t, sess.Close(), "Close after failure is a no-op")
}

func TestRouterInitiatedGoodbye(t *testing.T) {
	checkLeaks(t)
	sess, rtr := newTestSession(t)

	rtr.peer.Send(&wamp.Goodbye{
		Details: wamp.Dict{},
		Reason:  wamp.CloseSystemShutdown,
	})
	waitDone(t, sess.Done(), "session end")
	require.Equal(t, Closed, sess.State())
	require.NoError(t, sess.Close())
}

func TestRoleNotEnabled(t *testing.T) {
	checkLeaks(t)
	sess, _ := newTestSession(t, func(cfg *Config) {
		cfg.Roles = []string{wamp.RoleSubscriber}
	})

	require.ErrorIs(t,
		sess.Publish(testTopic, nil, nil, nil), ErrRoleNotEnabled)
	_, err := sess.Call(context.Background(), testProc, nil, nil, nil)
	require.ErrorIs(t, err, ErrRoleNotEnabled)
	require.ErrorIs(t, sess.Register(testProc,
		func(context.Context, *wamp.Invocation) InvokeResult {
			return InvokeResult{}
		}, nil), ErrRoleNotEnabled)

	// The enabled role still works.
	require.NoError(t, sess.Subscribe(testTopic, func(*wamp.Event) {}, nil))
}

func TestPublisherAckDefault(t *testing.T) {
	checkLeaks(t)
	sess, rtr := newTestSession(t, func(cfg *Config) {
		cfg.RoleOptions = map[string]wamp.Dict{
			wamp.RolePublisher: {wamp.OptAcknowledge: true},
		}
		cfg.ResponseTimeout = 100 * time.Millisecond
	})

	// With the role default, a plain publish waits for PUBLISHED.
	rtr.silence(wamp.PUBLISH)
	err := sess.Publish(testTopic, nil, wamp.List{"x"}, nil)
	require.ErrorIs(t, err, ErrReplyTimeout)

	// An explicit false in the call options overrides the default.
	err = sess.Publish(testTopic, wamp.Dict{wamp.OptAcknowledge: false},
		wamp.List{"x"}, nil)
	require.NoError(t, err)
}
