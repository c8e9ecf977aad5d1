/*
Package transport provides websocket, rawsocket, and local transport
implementations.  The local transport connects two in-process peers and is
used by tests.  Each transport implements the wamp.Peer interface, connecting
the Send and Recv methods to a particular byte duplex.
*/
package transport
