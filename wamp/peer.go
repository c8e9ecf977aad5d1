package wamp

import (
	"context"
	"errors"
	"time"
)

// Peer is the message-level duplex a session runs over.  A transport
// implementation pairs a byte-oriented connection with a serializer to
// provide this contract.
type Peer interface {
	// Send enqueues the message for delivery to the remote peer.
	Send(Message) error

	// SendCtx is Send bounded by a context, for canceling or timing out
	// when blocked writing to the peer.
	SendCtx(context.Context, Message) error

	// Close closes the connection and the channel returned from Recv().
	Close()

	// Recv returns the channel of inbound messages.  The channel closing
	// means the connection is gone.
	Recv() <-chan Message
}

// RecvTimeout receives a message from a peer within the specified time.
func RecvTimeout(p Peer, t time.Duration) (Message, error) {
	select {
	case msg, open := <-p.Recv():
		if !open {
			return nil, errors.New("receive channel closed")
		}
		return msg, nil
	case <-time.After(t):
		return nil, errors.New("timeout waiting for message")
	}
}

// SendCtx sends a message to the write-only channel, using a context to
// cancel sending if blocked.
func SendCtx(ctx context.Context, wr chan<- Message, msg Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case wr <- msg:
	}
	return nil
}

// TrySend sends a message to the write-only channel and returns an error if
// the channel blocks.
func TrySend(wr chan<- Message, msg Message) error {
	select {
	case wr <- msg:
	default:
		return errors.New("blocked")
	}
	return nil
}
