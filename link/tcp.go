package link

import (
	"context"
	"net"

	"github.com/ssf-go/ssftun/ssflog"
	"github.com/ssf-go/ssftun/wireerr"
)

// TCPLayer is the innermost, physical link layer: a plain TCP connection to
// a single next-hop address (the ultimate target if no proxy or circuit is
// stacked on top, otherwise the proxy or first circuit relay).
type TCPLayer struct {
	// Address is the host:port to dial.
	Address string
	// DialTimeout bounds the TCP connect itself; zero means no explicit timeout.
	DialTimeout int // seconds
	Logger      ssflog.Logger
}

// MakeTCPEndpoint builds a TCPLayer from a ParamSet, per the "physical
// address/port" innermost parameter set described by the endpoint data
// model. Required key: "address".
func MakeTCPEndpoint(params ParamSet, logger ssflog.Logger) (*TCPLayer, error) {
	addr := params["address"]
	if addr == "" {
		return nil, wireerr.New(wireerr.InvalidArgument, "tcp layer requires \"address\" parameter")
	}
	l := &TCPLayer{Address: addr, Logger: logger.Fork("tcp")}
	return l, nil
}

// DialContext implements Layer.
func (l *TCPLayer) DialContext(ctx context.Context) (Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", l.Address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, wireerr.Wrap(wireerr.TimedOut, err, "tcp dial %s", l.Address)
		}
		return nil, wireerr.Wrap(wireerr.ConnectionRefused, err, "tcp dial %s", l.Address)
	}
	wc, ok := wrapConn(c)
	if !ok {
		c.Close()
		return nil, wireerr.New(wireerr.InvalidArgument, "tcp connection does not support half-close")
	}
	l.Logger.DLogf("connected to %s", l.Address)
	return wc, nil
}

// TCPAcceptor listens for physical TCP connections. It is the innermost
// server-side layer, wrapped by TLS on accept.
type TCPAcceptor struct {
	Address string
	Logger  ssflog.Logger

	ln net.Listener
}

// MakeTCPAcceptorEndpoint builds a TCPAcceptor from a ParamSet.
// Required key: "address" (bind address, e.g. "0.0.0.0:8011").
func MakeTCPAcceptorEndpoint(params ParamSet, logger ssflog.Logger) (*TCPAcceptor, error) {
	addr := params["address"]
	if addr == "" {
		return nil, wireerr.New(wireerr.InvalidArgument, "tcp acceptor requires \"address\" parameter")
	}
	return &TCPAcceptor{Address: addr, Logger: logger.Fork("tcp-listen")}, nil
}

// Listen implements Acceptor.
func (a *TCPAcceptor) Listen(ctx context.Context) error {
	if a.ln != nil {
		return nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.Address)
	if err != nil {
		return wireerr.Wrap(wireerr.NetworkUnreachable, err, "listen %s", a.Address)
	}
	a.ln = ln
	a.Logger.ILogf("listening on %s", a.Address)
	return nil
}

// Accept implements Acceptor.
func (a *TCPAcceptor) Accept(ctx context.Context) (Conn, error) {
	if a.ln == nil {
		if err := a.Listen(ctx); err != nil {
			return nil, err
		}
	}
	type result struct {
		c   net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := a.ln.Accept()
		ch <- result{c, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, wireerr.Wrap(wireerr.NetworkUnreachable, r.err, "accept on %s", a.Address)
		}
		wc, ok := wrapConn(r.c)
		if !ok {
			r.c.Close()
			return nil, wireerr.New(wireerr.InvalidArgument, "accepted connection does not support half-close")
		}
		return wc, nil
	case <-ctx.Done():
		return nil, wireerr.Wrap(wireerr.OperationAborted, ctx.Err(), "accept cancelled")
	}
}

// Close implements Acceptor.
func (a *TCPAcceptor) Close() error {
	if a.ln == nil {
		return nil
	}
	return a.ln.Close()
}
