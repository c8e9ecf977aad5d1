package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/weapp/spell/stdlog"
	"github.com/weapp/spell/transport/serialize"
	"github.com/weapp/spell/wamp"
)

// WAMP uses the following websocket subprotocol identifiers for unbatched
// modes:
const (
	jsonWebsocketProtocol    = "wamp.2.json"
	msgpackWebsocketProtocol = "wamp.2.msgpack"
	cborWebsocketProtocol    = "wamp.2.cbor"

	outQueueSize = 16
	ctrlTimeout  = 5 * time.Second
)

// DialFunc is an alternative network dialer for the websocket transport.
type DialFunc func(network, addr string) (net.Conn, error)

// WebsocketConfig is optional configuration for a websocket transport.
type WebsocketConfig struct {
	// EnableCompression negotiates per-message compression (RFC 7692).
	EnableCompression bool

	// ProxyURL overrides the proxy taken from the environment.
	ProxyURL string

	// Dial overrides the dialer used to reach the router.
	Dial DialFunc
}

// websocketPeer implements wamp.Peer over a websocket connection.
type websocketPeer struct {
	conn        *websocket.Conn
	serializer  serialize.Serializer
	payloadType int

	// Signals that the websocket was closed locally.
	closed chan struct{}

	rd chan wamp.Message
	wr chan wamp.Message

	cancelSender context.CancelFunc
	ctxSender    context.Context

	writerDone chan struct{}

	metrics *transportMetrics
	log     stdlog.StdLog
}

// ConnectWebsocketPeer connects to a websocket server at the given URL,
// negotiating the subprotocol that matches the requested serialization:
// "wamp.2.json", "wamp.2.msgpack" or "wamp.2.cbor".  The context bounds the
// dial and websocket handshake only; expiration after connecting has no
// effect.
//
// A non-nil tlsConfig secures the connection; wsCfg may be nil.
func ConnectWebsocketPeer(ctx context.Context, routerURL string, serialization serialize.Serialization, tlsConfig *tls.Config, logger stdlog.StdLog, wsCfg *WebsocketConfig) (wamp.Peer, error) {
	var (
		protocol    string
		payloadType int
	)
	switch serialization {
	case serialize.JSON:
		protocol = jsonWebsocketProtocol
		payloadType = websocket.TextMessage
	case serialize.MSGPACK:
		protocol = msgpackWebsocketProtocol
		payloadType = websocket.BinaryMessage
	case serialize.CBOR:
		protocol = cborWebsocketProtocol
		payloadType = websocket.BinaryMessage
	default:
		return nil, errors.New("serialization not supported by websocket")
	}
	serializer, err := serialize.New(serialization)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Subprotocols:    []string{protocol},
		TLSClientConfig: tlsConfig,
		Proxy:           http.ProxyFromEnvironment,
	}
	if wsCfg != nil {
		if wsCfg.ProxyURL != "" {
			proxyURL, err := url.Parse(wsCfg.ProxyURL)
			if err != nil {
				return nil, err
			}
			dialer.Proxy = http.ProxyURL(proxyURL)
		}
		if wsCfg.Dial != nil {
			dialer.NetDial = wsCfg.Dial
		}
		dialer.EnableCompression = wsCfg.EnableCompression
	}

	conn, _, err := dialer.DialContext(ctx, routerURL, nil)
	if err != nil {
		return nil, err
	}
	return newWebsocketPeer(conn, serializer, payloadType, logger, 0), nil
}

// NewWebsocketPeer wraps an already established websocket connection, such
// as one produced by an upgrader on the accepting side.  If qsize is < 1 a
// default outbound queue size is used.
func NewWebsocketPeer(conn *websocket.Conn, serializer serialize.Serializer, payloadType int, logger stdlog.StdLog, qsize int) wamp.Peer {
	if qsize < 1 {
		qsize = outQueueSize
	}
	return newWebsocketPeer(conn, serializer, payloadType, logger, qsize)
}

func newWebsocketPeer(conn *websocket.Conn, serializer serialize.Serializer, payloadType int, logger stdlog.StdLog, qsize int) *websocketPeer {
	w := &websocketPeer{
		conn:        conn,
		serializer:  serializer,
		payloadType: payloadType,

		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),

		rd: make(chan wamp.Message),
		wr: make(chan wamp.Message, qsize),

		metrics: newTransportMetrics("websocket"),
		log:     logger,
	}
	w.ctxSender, w.cancelSender = context.WithCancel(context.Background())

	go w.recvHandler()
	go w.sendHandler()

	return w
}

func (w *websocketPeer) Recv() <-chan wamp.Message { return w.rd }

func (w *websocketPeer) SendCtx(ctx context.Context, msg wamp.Message) error {
	return wamp.SendCtx(ctx, w.wr, msg)
}

func (w *websocketPeer) Send(msg wamp.Message) error {
	return wamp.SendCtx(w.ctxSender, w.wr, msg)
}

// Close stops the send pump, performs the websocket close handshake with a
// bounded wait, and closes the connection, which ends the receive pump and
// closes the Recv channel.
//
// Do not call Send after calling Close.
func (w *websocketPeer) Close() {
	// Stop sendHandler without closing the wr channel, in case sends are
	// still in flight.
	w.cancelSender()
	<-w.writerDone

	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure,
		"goodbye")

	close(w.closed)

	// Errors ignored; the other side may have closed first in response to a
	// goodbye.
	w.conn.WriteControl(websocket.CloseMessage, closeMsg,
		time.Now().Add(ctrlTimeout))
	w.conn.Close()
}

// sendHandler pulls messages from the write channel and writes them to the
// websocket.
func (w *websocketPeer) sendHandler() {
	defer close(w.writerDone)
	defer w.cancelSender()

	senderDone := w.ctxSender.Done()
	for {
		select {
		case msg := <-w.wr:
			b, err := w.serializer.Serialize(msg)
			if err != nil {
				w.log.Print(err)
				continue
			}
			if err = w.conn.WriteMessage(w.payloadType, b); err != nil {
				if !wamp.IsGoodbyeAck(msg) {
					w.log.Println("Error writing message:", msg, err)
				}
				continue
			}
			w.metrics.countOutgoing(len(b))
		case <-senderDone:
			return
		}
	}
}

// recvHandler reads messages from the websocket and pushes decoded messages
// to the read channel.
func (w *websocketPeer) recvHandler() {
	// Closing the read channel tells the session the connection is gone.
	defer close(w.rd)
	for {
		msgType, b, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.closed:
				// Closed locally; sendHandler was already stopped.
			default:
				// Connection lost or close frame from the other side.  Stop
				// the send pump and release the connection.
				w.cancelSender()
				<-w.writerDone
				w.conn.Close()
			}
			return
		}
		if msgType != w.payloadType {
			w.log.Println("Ignoring message with wrong payload type:", msgType)
			continue
		}
		w.metrics.countIncoming(len(b))

		msg, err := w.serializer.Deserialize(b)
		if err != nil {
			w.log.Println("Cannot deserialize peer message:", err)
			continue
		}

		select {
		case w.rd <- msg:
		case <-w.closed:
			return
		}
	}
}
