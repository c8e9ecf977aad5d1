package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/weapp/spell/transport"
	"github.com/weapp/spell/wamp"
)

// Connect creates a new client connected to a WAMP router over a websocket,
// TCP socket, or unix socket, and joins the realm specified in cfg.  Dialing
// and the handshake are attempted up to cfg.Retries times, pausing
// cfg.RetryInterval between attempts.  Configuration errors are reported
// immediately, before anything is dialed, and are never retried.
//
// For websocket connections the routerURL has the form "ws://host:port/" or
// "wss://host:port/", for websocket or websocket with TLS respectively.  The
// scheme "http" is interchangeable with "ws" and "https" is interchangeable
// with "wss".
//
// For TCP connections the routerURL has the form "tcp://host:port" or
// "tcps://host:port", for TCP socket or TCP socket with TLS respectively.
// The host must be a literal IP address, or a host name that can be resolved
// to IP addresses.  If the host is a literal IPv6 address it must be
// enclosed in square brackets, as in "[2001:db8::1]:80".  For details, see:
// https://golang.org/pkg/net/#Dial
//
// For Unix socket connections the routerURL has the form "unix://path",
// where the path names a socket on the local file system.  TLS is not used
// for unix sockets.
//
// The context bounds dialing, including the pauses between retry attempts.
// The handshake on each attempt is bounded by cfg.ResponseTimeout.
func Connect(ctx context.Context, routerURL string, cfg Config) (*Session, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	dial, err := dialer(routerURL, &cfg)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(cfg.RetryInterval):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		var p wamp.Peer
		if p, err = dial(ctx); err != nil {
			cfg.Logger.Println("Connect attempt", attempt+1, "failed:", err)
			continue
		}
		var sess *Session
		if sess, err = NewSession(p, cfg); err != nil {
			cfg.Logger.Println("Connect attempt", attempt+1, "failed:", err)
			continue
		}
		return sess, nil
	}
	return nil, err
}

// dialer resolves the URL scheme to a transport dial function.
func dialer(routerURL string, cfg *Config) (func(context.Context) (wamp.Peer, error), error) {
	if routerURL == "" {
		return nil, ErrTransportRequired
	}
	u, err := url.Parse(routerURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
		wsURL := websocketURL(u)
		return func(ctx context.Context) (wamp.Peer, error) {
			return transport.ConnectWebsocketPeer(ctx, wsURL,
				cfg.Serialization, cfg.TlsCfg, cfg.Logger, &cfg.WsCfg)
		}, nil
	case "tcp", "tcp4", "tcp6":
		network := u.Scheme
		addr := u.Host
		return func(ctx context.Context) (wamp.Peer, error) {
			return transport.ConnectRawSocketPeer(ctx, network, addr,
				cfg.Serialization, nil, cfg.Logger, cfg.RecvLimit)
		}, nil
	case "tcps":
		tlscfg := cfg.TlsCfg
		if tlscfg == nil {
			tlscfg = &tls.Config{}
		}
		addr := u.Host
		return func(ctx context.Context) (wamp.Peer, error) {
			return transport.ConnectRawSocketPeer(ctx, "tcp", addr,
				cfg.Serialization, tlscfg, cfg.Logger, cfg.RecvLimit)
		}, nil
	case "unix":
		path := strings.TrimRight(u.Host+u.Path, "/")
		return func(ctx context.Context) (wamp.Peer, error) {
			return transport.ConnectRawSocketPeer(ctx, "unix", path,
				cfg.Serialization, nil, cfg.Logger, cfg.RecvLimit)
		}, nil
	}
	return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
}

// websocketURL maps the interchangeable http schemes onto websocket schemes.
func websocketURL(u *url.URL) string {
	switch u.Scheme {
	case "http":
		v := *u
		v.Scheme = "ws"
		return v.String()
	case "https":
		v := *u
		v.Scheme = "wss"
		return v.String()
	}
	return u.String()
}
