// Package services implements the user-service factories that the admin
// protocol's CreateServiceRequest/StopServiceRequest commands instantiate:
// SOCKS egress and TCP port forwarding (including the reverse-mode
// variant supplemented from the source's channel descriptors).
package services

import (
	"context"
	"net"
	"sync"

	socks5 "github.com/armon/go-socks5"
	"github.com/prep/socketpair"

	"github.com/ssf-go/ssftun/fiber"
	"github.com/ssf-go/ssftun/link"
	"github.com/ssf-go/ssftun/ssflog"
	"github.com/ssf-go/ssftun/wireerr"
)

// KindSOCKS is the CreateServiceRequest.Kind value for SOCKS egress.
const KindSOCKS = "socks"

// SOCKSService hosts a SOCKS5 egress server reachable by the peer over one
// fiber acceptor port: every fiber that connects to that port is handed to
// the socks5 server as its client connection, exactly as the teacher's
// socks skeleton endpoint bridges a socket pair into armon/go-socks5.
type SOCKSService struct {
	demux    *fiber.Demux
	port     uint32
	server   *socks5.Server
	logger   ssflog.Logger
	acceptor *fiber.Acceptor

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewSOCKSService builds a SOCKS egress service bound to localPort on demux.
func NewSOCKSService(demux *fiber.Demux, localPort uint32, logger ssflog.Logger) (*SOCKSService, error) {
	server, err := socks5.New(&socks5.Config{})
	if err != nil {
		return nil, wireerr.Wrap(wireerr.InvalidArgument, err, "create socks5 server")
	}
	return &SOCKSService{
		demux:  demux,
		port:   localPort,
		server: server,
		logger: logger.Fork("socks-service"),
	}, nil
}

// Start registers the fiber acceptor and begins serving connections.
func (s *SOCKSService) Start(ctx context.Context) error {
	acc, err := s.demux.Listen(s.port)
	if err != nil {
		return err
	}
	s.acceptor = acc
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go s.acceptLoop(runCtx)
	return nil
}

func (s *SOCKSService) acceptLoop(ctx context.Context) {
	for {
		f, err := s.acceptor.Accept(ctx)
		if err != nil {
			return
		}
		go s.serveFiber(f)
	}
}

// serveFiber bridges one accepted fiber into the socks5 server through a
// local socketpair, mirroring the teacher's SocksSkeletonEndpoint.Dial: the
// socks5 library wants to own a plain net.Conn, so a socketpair supplies
// one half while the fiber occupies the other, joined by a splice.
func (s *SOCKSService) serveFiber(f *fiber.Fiber) {
	defer f.Close()
	local, remote, err := socketpair.New("unix")
	if err != nil {
		s.logger.ELogf("socketpair: %v", err)
		return
	}
	localUnix, ok := local.(*net.UnixConn)
	if !ok {
		s.logger.ELogf("socketpair half was not a *net.UnixConn")
		local.Close()
		remote.Close()
		return
	}
	go func() {
		if err := s.server.ServeConn(remote); err != nil {
			s.logger.DLogf("socks5 serve: %v", err)
		}
	}()
	link.Splice(f, localUnix)
}

// Stop tears down the acceptor and any in-flight connections.
func (s *SOCKSService) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if s.acceptor != nil {
		return s.acceptor.Close()
	}
	return nil
}
