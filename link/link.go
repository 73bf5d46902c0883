// Package link implements the layered link protocol stack of the tunnel
// core: physical TCP, optional HTTP-CONNECT/SOCKS4/5 proxy traversal,
// optional circuit relay chaining, and TLS — each exposing the same
// stream-socket contract so they compose by wrapping one another.
//
// Composition is runtime polymorphism over the Layer interface rather than
// the teacher's (and the original C++'s) compile-time template stacking:
// configuration decides which concrete Layer variants get chained, and the
// inner loop cost is dominated by I/O and TLS record processing, not by the
// extra interface dispatch.
package link

import (
	"context"
	"net"
)

// Conn is the uniform stream-socket contract every link layer produces:
// a net.Conn that additionally supports half-close, needed by the fiber
// multiplexer's FIN protocol and by TCP port-forwarding services that
// bridge HTTP-1.0-style request/response patterns.
type Conn interface {
	net.Conn
	// CloseWrite shuts down the write half only; the read half stays open
	// until the peer also closes or the whole Conn is Closed.
	CloseWrite() error
}

// ParamSet is a link layer's parameter set: string keys to string values.
// Unknown keys are ignored by the layer that doesn't recognize them but may
// be validated by another layer sharing the same set.
type ParamSet map[string]string

// Layer is the uniform contract every stacked link protocol exposes on the
// client (dialing) side.
type Layer interface {
	// DialContext establishes this layer's connection, which includes
	// establishing (or reusing) whatever inner layer it wraps.
	DialContext(ctx context.Context) (Conn, error)
}

// Acceptor is the uniform contract on the server (listening) side.
type Acceptor interface {
	// Listen begins listening. Idempotent.
	Listen(ctx context.Context) error
	// Accept blocks until a fully negotiated Conn is available or the
	// Acceptor is closed.
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// wrapConn adapts a net.Conn that already implements CloseWrite (as
// *net.TCPConn does) into our Conn interface; ok is false when c has no
// CloseWrite method.
func wrapConn(c net.Conn) (Conn, bool) {
	wc, ok := c.(interface {
		net.Conn
		CloseWrite() error
	})
	return wc, ok
}
