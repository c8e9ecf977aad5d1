package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/weapp/spell/stdlog"
	"github.com/weapp/spell/transport/serialize"
	"github.com/weapp/spell/wamp"
)

// The raw socket transport frames messages over a stream socket: a 4-byte
// handshake exchanging serializer and length limits, then frames of a 4-byte
// header (type octet + 24-bit length) followed by the payload.
//
// https://github.com/wamp-proto/wamp-proto/blob/master/rfc/text/advanced/ap_transport_rawsocket.md
const (
	// Handshake header ID.
	magic = 0x7f

	// Serializer codes carried in the handshake.
	rawsocketJSON    = 1
	rawsocketMsgpack = 2
	rawsocketCBOR    = 3

	// Frame type octets.
	frameMsg  = 0
	framePing = 1
	framePong = 2
)

// rawSocketPeer implements wamp.Peer over a stream socket.
type rawSocketPeer struct {
	conn       net.Conn
	serializer serialize.Serializer
	sendLimit  int
	recvLimit  int

	// Signals that the socket was closed locally.
	closed chan struct{}

	rd chan wamp.Message
	wr chan wamp.Message

	cancelSender context.CancelFunc
	ctxSender    context.Context

	writerDone chan struct{}

	metrics *transportMetrics
	log     stdlog.StdLog
}

// ConnectRawSocketPeer connects to a raw socket listener at the given
// network and address and performs the transport handshake.  A non-nil
// tlsConfig secures the connection.  The context bounds connecting only;
// expiration after connecting has no effect.
//
// If recvLimit is > 0, inbound messages larger than the nearest power of 2
// greater than or equal to recvLimit are refused.  If recvLimit is <= 0 the
// protocol maximum of 16M is announced.
func ConnectRawSocketPeer(ctx context.Context, network, addr string, serialization serialize.Serialization, tlsConfig *tls.Config, logger stdlog.StdLog, recvLimit int) (wamp.Peer, error) {
	if err := checkNetwork(network); err != nil {
		return nil, err
	}
	protocol, err := serializationByte(serialization)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	if tlsConfig != nil {
		conn, err = tlsClientConn(ctx, conn, addr, tlsConfig)
		if err != nil {
			return nil, err
		}
	}

	peer, err := clientHandshake(conn, logger, protocol, recvLimit)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return peer, nil
}

// tlsClientConn wraps conn in TLS and runs the TLS handshake, bounded by the
// context.
func tlsClientConn(ctx context.Context, conn net.Conn, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	if tlsConfig.ServerName == "" {
		colonPos := strings.LastIndex(addr, ":")
		if colonPos == -1 {
			colonPos = len(addr)
		}
		// Copy, to avoid writing into the caller's config.
		c := tlsConfig.Clone()
		c.ServerName = addr[:colonPos]
		tlsConfig = c
	}

	tlsConn := tls.Client(conn, tlsConfig)
	errChannel := make(chan error, 1)
	go func() {
		errChannel <- tlsConn.Handshake()
	}()
	select {
	case err := <-errChannel:
		if err != nil {
			conn.Close()
			return nil, err
		}
	case <-ctx.Done():
		conn.Close()
		return nil, ctx.Err()
	}
	return tlsConn, nil
}

// AcceptRawSocket performs the listener side of the transport handshake on
// an accepted connection and returns the peer.  Used by test fixtures and by
// applications embedding a raw socket listener.
func AcceptRawSocket(conn net.Conn, logger stdlog.StdLog, recvLimit, outQueueSize int) (wamp.Peer, error) {
	peer, err := serverHandshake(conn, logger, recvLimit, outQueueSize)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return peer, nil
}

// newRawSocketPeer starts the send and receive pumps over an already
// handshaken connection.
func newRawSocketPeer(conn net.Conn, serializer serialize.Serializer, logger stdlog.StdLog, sendLimit, recvLimit, outQueueSize int) *rawSocketPeer {
	rs := &rawSocketPeer{
		conn:       conn,
		serializer: serializer,
		sendLimit:  sendLimit,
		recvLimit:  recvLimit,

		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),

		// Inbound messages are handed to the session's dispatch loop, which
		// consumes them promptly, so this channel can be unbuffered.
		rd: make(chan wamp.Message),
		wr: make(chan wamp.Message, outQueueSize),

		metrics: newTransportMetrics("rawsocket"),
		log:     logger,
	}
	rs.ctxSender, rs.cancelSender = context.WithCancel(context.Background())

	go rs.recvHandler()
	go rs.sendHandler()

	return rs
}

func (rs *rawSocketPeer) Recv() <-chan wamp.Message { return rs.rd }

func (rs *rawSocketPeer) SendCtx(ctx context.Context, msg wamp.Message) error {
	return wamp.SendCtx(ctx, rs.wr, msg)
}

func (rs *rawSocketPeer) Send(msg wamp.Message) error {
	return wamp.SendCtx(rs.ctxSender, rs.wr, msg)
}

// Close stops the send pump, discards queued messages, and closes the
// socket, which ends the receive pump and closes the Recv channel.
//
// Do not call Send after calling Close.
func (rs *rawSocketPeer) Close() {
	// Stop sendHandler without closing the wr channel, in case sends are
	// still in flight.
	rs.cancelSender()
	<-rs.writerDone

	close(rs.closed)

	// Error ignored; the other side may have closed first in response to a
	// goodbye.
	rs.conn.Close()
}

// sendHandler pulls messages from the write channel and frames them onto the
// socket.
func (rs *rawSocketPeer) sendHandler() {
	defer close(rs.writerDone)
	defer rs.cancelSender()

	senderDone := rs.ctxSender.Done()
	for {
		select {
		case msg := <-rs.wr:
			b, err := rs.serializer.Serialize(msg)
			if err != nil {
				rs.log.Print(err)
				continue
			}
			if len(b) > rs.sendLimit {
				rs.log.Println("Message size", len(b), "exceeds limit of",
					rs.sendLimit)
				continue
			}
			lenBytes := intToBytes(len(b))
			header := []byte{frameMsg, lenBytes[0], lenBytes[1], lenBytes[2]}
			if _, err = rs.conn.Write(header); err != nil {
				if !wamp.IsGoodbyeAck(msg) {
					rs.log.Println("Error writing header:", err)
				}
				continue
			}
			if _, err = rs.conn.Write(b); err != nil {
				if !wamp.IsGoodbyeAck(msg) {
					rs.log.Println("Error writing message:", msg, err)
				}
				continue
			}
			rs.metrics.countOutgoing(len(header) + len(b))
		case <-senderDone:
			return
		}
	}
}

// recvHandler reads frames from the socket and pushes decoded messages to
// the read channel.
func (rs *rawSocketPeer) recvHandler() {
	// Closing the read channel tells the session the connection is gone.
	defer close(rs.rd)
	for {
		var header [4]byte
		_, err := io.ReadFull(rs.conn, header[:])
		if err != nil {
			select {
			case <-rs.closed:
				// Closed locally; sendHandler was already stopped.
			default:
				// Connection lost or closed by the other side.  Stop the
				// send pump and release the socket.
				rs.cancelSender()
				<-rs.writerDone
				rs.conn.Close()
			}
			return
		}

		length := bytesToInt(header[1:])
		if length > rs.recvLimit {
			rs.log.Print("Received message that exceeded size limit, closing")
			rs.conn.Close()
			return
		}

		var msg wamp.Message
		switch header[0] & 0x07 {
		case frameMsg:
			buf := make([]byte, length)
			if _, err = io.ReadFull(rs.conn, buf); err != nil {
				rs.log.Println("Error reading message:", err)
				rs.conn.Close()
				return
			}
			rs.metrics.countIncoming(len(header) + length)
			msg, err = rs.serializer.Deserialize(buf)
			if err != nil {
				rs.log.Println("Cannot deserialize peer message:", err)
				continue
			}
		case framePing:
			header[0] = framePong
			if _, err = rs.conn.Write(header[:]); err != nil {
				rs.log.Println("Error writing header responding to PING:", err)
				rs.conn.Close()
				return
			}
			if _, err = io.CopyN(rs.conn, rs.conn, int64(length)); err != nil {
				rs.log.Println("Error responding to PING:", err)
				rs.conn.Close()
				return
			}
			continue
		case framePong:
			if _, err = io.CopyN(io.Discard, rs.conn, int64(length)); err != nil {
				rs.log.Println("Error reading PONG:", err)
				rs.conn.Close()
				return
			}
			continue
		}

		select {
		case rs.rd <- msg:
		case <-rs.closed:
			// Closed while handing over; allow a moment for the last
			// message to be taken, then give up.
			select {
			case rs.rd <- msg:
			case <-time.After(time.Second):
				rs.conn.Close()
				return
			}
		}
	}
}

// clientHandshake performs the connecting side of the transport handshake.
func clientHandshake(conn net.Conn, logger stdlog.StdLog, protocol byte, recvLimit int) (*rawSocketPeer, error) {
	maxRecvLen := fitRecvLimit(recvLimit)

	_, err := conn.Write([]byte{magic, (maxRecvLen&0xf)<<4 | protocol, 0, 0})
	if err != nil {
		return nil, fmt.Errorf("error sending handshake: %s", err)
	}

	var buf [4]byte
	if _, err = io.ReadFull(conn, buf[:]); err != nil {
		return nil, err
	}

	if buf[0] != magic {
		return nil, errors.New("not a rawsocket handshake")
	}

	repSerializer := buf[1] & 0xf
	if repSerializer == 0 {
		switch errCode := buf[1] >> 4; errCode {
		case 0:
			return nil, errors.New("illegal error code")
		case 1:
			return nil, errors.New("serializer unsupported")
		case 2:
			return nil, errors.New("maximum message length unacceptable")
		case 3:
			return nil, errors.New("use of reserved bits (unsupported feature)")
		case 4:
			return nil, errors.New("maximum connection count reached")
		default:
			return nil, fmt.Errorf("unknown error: %d", errCode)
		}
	}
	if repSerializer != protocol {
		return nil, errors.New("serializer mismatch")
	}

	serializer, err := byteSerializer(protocol)
	if err != nil {
		return nil, err
	}

	sendLimit := byteToLength(buf[1] >> 4)
	recvLimit = byteToLength(maxRecvLen)
	return newRawSocketPeer(conn, serializer, logger, sendLimit, recvLimit, 0), nil
}

// serverHandshake performs the listener side of the transport handshake.
func serverHandshake(conn net.Conn, logger stdlog.StdLog, recvLimit, outQueueSize int) (*rawSocketPeer, error) {
	var buf [4]byte
	if _, err := io.ReadFull(conn, buf[:]); err != nil {
		return nil, err
	}

	if buf[0] != magic {
		return nil, errors.New("not a rawsocket handshake")
	}
	if buf[2] != 0 || buf[3] != 0 {
		conn.Write([]byte{magic, byte(0x3 << 4), 0, 0})
		return nil, errors.New("use of reserved bits (unsupported feature)")
	}

	serialization := buf[1] & 0xf
	serializer, err := byteSerializer(serialization)
	if err != nil {
		if serialization != 0 {
			conn.Write([]byte{magic, byte(0x1 << 4), 0, 0})
		}
		return nil, err
	}

	maxRecvLen := fitRecvLimit(recvLimit)
	_, err = conn.Write([]byte{magic, maxRecvLen<<4 | serialization, 0, 0})
	if err != nil {
		return nil, fmt.Errorf("error sending handshake: %s", err)
	}

	sendLimit := byteToLength(buf[1] >> 4)
	recvLimit = byteToLength(maxRecvLen)
	return newRawSocketPeer(conn, serializer, logger, sendLimit, recvLimit, outQueueSize), nil
}

// fitRecvLimit returns the transport length byte for the smallest power of 2
// that is greater than or equal to the requested receive limit.
func fitRecvLimit(recvLimit int) byte {
	if recvLimit > 0 {
		for b := byte(0); b < 0xf; b++ {
			if byteToLength(b) >= recvLimit {
				return b
			}
		}
	}
	return 0xf
}

// intToBytes encodes a 24-bit integer into 3 bytes, big end first.
func intToBytes(i int) [3]byte {
	return [3]byte{
		byte((i >> 16) & 0xff),
		byte((i >> 8) & 0xff),
		byte(i & 0xff),
	}
}

// bytesToInt decodes big-endian bytes into an int.
func bytesToInt(b []byte) int {
	var n, shift uint
	for i := len(b) - 1; i >= 0; i-- {
		n |= uint(b[i]) << shift
		shift += 8
	}
	return int(n)
}

// byteToLength returns the message length limit encoded by a transport
// length byte.
func byteToLength(b byte) int {
	return int(1 << (b + 9))
}

func checkNetwork(network string) error {
	switch network {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return errors.New("unsupported network type: " + network)
	}
	return nil
}

// serializationByte returns the handshake code for a serialization.
func serializationByte(serialization serialize.Serialization) (byte, error) {
	switch serialization {
	case serialize.JSON:
		return rawsocketJSON, nil
	case serialize.MSGPACK:
		return rawsocketMsgpack, nil
	case serialize.CBOR:
		return rawsocketCBOR, nil
	default:
		return 0, errors.New("serialization not supported by rawsocket")
	}
}

// byteSerializer returns the serializer for a handshake code.
func byteSerializer(b byte) (serialize.Serializer, error) {
	switch b {
	case rawsocketJSON:
		return serialize.New(serialize.JSON)
	case rawsocketMsgpack:
		return serialize.New(serialize.MSGPACK)
	case rawsocketCBOR:
		return serialize.New(serialize.CBOR)
	case 0:
		return nil, errors.New("illegal serializer value")
	default:
		return nil, errors.New("serializer unsupported")
	}
}
