package services

import (
	"context"
	"net"
	"sync"

	"github.com/ssf-go/ssftun/fiber"
	"github.com/ssf-go/ssftun/link"
	"github.com/ssf-go/ssftun/ssflog"
	"github.com/ssf-go/ssftun/wireerr"
)

// KindPortForward is the CreateServiceRequest.Kind value for TCP port forwarding.
const KindPortForward = "port_forward"

// KindPortForwardParams carries the per-request parameters for
// KindPortForward. Reverse toggles which side listens on a real TCP socket:
// forward (Reverse=false) has the requester's peer listen on FiberPort and
// dial LocalTCPAddr for each connection; reverse (Reverse=true) has the
// requester's peer dial FiberPort back for each connection accepted on a
// TCP listener the peer opens at LocalTCPAddr.
type KindPortForwardParams struct {
	// FiberPort is the demux port the two ends rendezvous on.
	FiberPort uint32
	// LocalTCPAddr is the TCP address dialed (forward) or listened on
	// (reverse) by whichever side is asked to touch a real socket.
	LocalTCPAddr string
}

// PortForwardService implements one direction of TCP port forwarding
// entirely in terms of the fiber demux: one side runs a TCP listener and
// dials fibers, the other runs a fiber acceptor and dials TCP, and the two
// halves are spliced byte-for-byte.
type PortForwardService struct {
	demux  *fiber.Demux
	params KindPortForwardParams
	logger ssflog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	listener net.Listener
	acceptor *fiber.Acceptor
}

// NewForwardListener builds the TCP-listening half: for each accepted TCP
// connection, opens a new fiber to FiberPort and splices the two. This is
// the side used by a plain (non-reverse) forward's initiator.
func NewForwardListener(demux *fiber.Demux, params KindPortForwardParams, logger ssflog.Logger) *PortForwardService {
	return &PortForwardService{demux: demux, params: params, logger: logger.Fork("portforward")}
}

// Start begins listening on LocalTCPAddr and forwarding accepted
// connections onto new fibers addressed to FiberPort.
func (p *PortForwardService) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.params.LocalTCPAddr)
	if err != nil {
		return wireerr.Wrap(wireerr.NetworkUnreachable, err, "listen %s", p.params.LocalTCPAddr)
	}
	p.listener = ln
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	go p.acceptTCPLoop(runCtx)
	return nil
}

func (p *PortForwardService) acceptTCPLoop(ctx context.Context) {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}
		go p.serveTCP(ctx, conn)
	}
}

func (p *PortForwardService) serveTCP(ctx context.Context, conn net.Conn) {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return
	}
	f, err := p.demux.Connect(ctx, p.params.FiberPort)
	if err != nil {
		p.logger.WLogf("fiber connect to port %d failed: %v", p.params.FiberPort, err)
		conn.Close()
		return
	}
	link.Splice(f, tcpConn)
}

// NewReverseAcceptor builds the fiber-accepting half: for each fiber
// connecting to FiberPort, dials LocalTCPAddr and splices the two. This is
// the side that the peer's CreateServiceRequest with Reverse=true asks the
// server to run.
func NewReverseAcceptor(demux *fiber.Demux, params KindPortForwardParams, logger ssflog.Logger) *PortForwardService {
	return &PortForwardService{demux: demux, params: params, logger: logger.Fork("portforward-reverse")}
}

// StartReverse registers a fiber acceptor on FiberPort and dials
// LocalTCPAddr for each connecting fiber.
func (p *PortForwardService) StartReverse(ctx context.Context) error {
	acc, err := p.demux.Listen(p.params.FiberPort)
	if err != nil {
		return err
	}
	p.acceptor = acc
	runCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancel = cancel
	p.mu.Unlock()
	go p.acceptFiberLoop(runCtx)
	return nil
}

func (p *PortForwardService) acceptFiberLoop(ctx context.Context) {
	for {
		f, err := p.acceptor.Accept(ctx)
		if err != nil {
			return
		}
		go p.serveFiberReverse(ctx, f)
	}
}

func (p *PortForwardService) serveFiberReverse(ctx context.Context, f *fiber.Fiber) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.params.LocalTCPAddr)
	if err != nil {
		p.logger.WLogf("dial %s failed: %v", p.params.LocalTCPAddr, err)
		f.Close()
		return
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		f.Close()
		return
	}
	link.Splice(f, tcpConn)
}

// Stop tears down whichever half (listener or acceptor) is active.
func (p *PortForwardService) Stop() error {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if p.listener != nil {
		return p.listener.Close()
	}
	if p.acceptor != nil {
		return p.acceptor.Close()
	}
	return nil
}
