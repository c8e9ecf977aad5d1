package transport

import (
	"context"

	"github.com/weapp/spell/wamp"
)

const defaultRToCQueueSize = 64

// LinkedPeers creates two connected peers.  Messages sent to one peer appear
// in the Recv of the other.  The first peer returned is the client side, the
// second is the router side.
func LinkedPeers() (wamp.Peer, wamp.Peer) {
	return LinkedPeersQSize(defaultRToCQueueSize)
}

// LinkedPeersQSize is the same as LinkedPeers with the ability to specify
// the router-to-client queue size.  Specifying size 0 uses the default.
func LinkedPeersQSize(queueSize int) (wamp.Peer, wamp.Peer) {
	if queueSize == 0 {
		queueSize = defaultRToCQueueSize
	}

	// The channel used for the router to send messages to the client should
	// be large enough to prevent blocking while waiting for a slow client,
	// as a client may block on I/O.  If the client does block, the message
	// is dropped.
	rToC := make(chan wamp.Message, queueSize)

	// The router reads from this channel and immediately dispatches the
	// message, so this channel can be unbuffered.
	cToR := make(chan wamp.Message)

	// Router reads from and writes to client.
	r := &localPeer{rd: cToR, wr: rToC, wrRtoC: true}
	// Client reads from and writes to router.
	c := &localPeer{rd: rToC, wr: cToR}

	return c, r
}

// localPeer implements wamp.Peer over a pair of in-process channels.
type localPeer struct {
	rd     <-chan wamp.Message
	wr     chan<- wamp.Message
	wrRtoC bool
}

// Recv returns the channel this peer reads incoming messages from.
func (p *localPeer) Recv() <-chan wamp.Message { return p.rd }

func (p *localPeer) SendCtx(ctx context.Context, msg wamp.Message) error {
	return wamp.SendCtx(ctx, p.wr, msg)
}

// Send writes a message to the peer's outbound message channel.  The router
// side drops the message instead of blocking on a full queue; the client
// side blocks until the router takes the message.
func (p *localPeer) Send(msg wamp.Message) error {
	if p.wrRtoC {
		return wamp.TrySend(p.wr, msg)
	}
	p.wr <- msg
	return nil
}

// Close closes the outgoing channel, waking any readers waiting on data from
// this peer.
func (p *localPeer) Close() { close(p.wr) }
