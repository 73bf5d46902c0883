// Package session ties the link stack, buffered TLS adapter, fiber
// multiplexer, and admin service into a single client or server tunnel
// session, and drives the client-side reconnect loop.
package session

import (
	"context"
	"time"

	"github.com/jpillora/backoff"
	"github.com/jpillora/sizestr"

	"github.com/ssf-go/ssftun/admin"
	"github.com/ssf-go/ssftun/config"
	"github.com/ssf-go/ssftun/fiber"
	"github.com/ssf-go/ssftun/lifecycle"
	"github.com/ssf-go/ssftun/link"
	"github.com/ssf-go/ssftun/ssflog"
	"github.com/ssf-go/ssftun/tlsbuf"
	"github.com/ssf-go/ssftun/wireerr"
)

// ClientConfig configures a client session's reconnect behavior, on top of
// the endpoint construction already encoded in its Layer.
type ClientConfig struct {
	MaxRetryInterval time.Duration
	MaxRetryCount    int // negative means unlimited
}

// Client is one client-side tunnel session: it owns a reconnect loop that
// rebuilds the entire link stack, TLS buffer, and fiber demux on every
// (re)connection.
type Client struct {
	lifecycle.Helper

	layer  link.Layer
	cfg    ClientConfig
	logger ssflog.Logger

	demux *fiber.Demux
	svc   *admin.Service
	buf   *tlsbuf.Adapter
}

// NewClient builds a Client that dials through layer (the fully composed
// link stack, terminating in TLS) on each (re)connection attempt.
func NewClient(layer link.Layer, cfg ClientConfig, logger ssflog.Logger) *Client {
	c := &Client{layer: layer, cfg: cfg, logger: logger.Fork("session")}
	c.Helper.Init(c)
	return c
}

// HandleOnceShutdown implements lifecycle.Handler.
func (c *Client) HandleOnceShutdown(completionErr error) error {
	if c.demux != nil {
		c.demux.StartShutdown(completionErr)
	}
	return completionErr
}

// Run drives the connection loop until the session is shut down or the
// retry budget is exhausted, per the teacher's connectionLoop pattern:
// exponential backoff on failure, reset on a successful connection that
// later drops.
func (c *Client) Run(ctx context.Context, requests []struct {
	Req   admin.CreateServiceRequest
	Local admin.LocalService
}) error {
	b := &backoff.Backoff{Max: c.cfg.MaxRetryInterval}
	var lastErr error
	for !c.IsStarted() {
		if lastErr != nil {
			attempt := int(b.Attempt())
			if c.cfg.MaxRetryCount >= 0 && attempt >= c.cfg.MaxRetryCount {
				return wireerr.Wrap(wireerr.ConnectionRefused, lastErr, "exhausted %d retries", attempt)
			}
			d := b.Duration()
			c.logger.ILogf("connection error: %v, retrying in %s (attempt %d)", lastErr, d, attempt)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := c.connectOnce(ctx, requests); err != nil {
			lastErr = err
			continue
		}
		b.Reset()
		lastErr = nil
	}
	return nil
}

// connectOnce performs one full connect-handshake-serve cycle: dial the
// link stack, wrap it in the buffered TLS adapter, bring up the fiber
// demux, exchange admin versions, run initialization, then serve until the
// connection drops.
func (c *Client) connectOnce(ctx context.Context, requests []struct {
	Req   admin.CreateServiceRequest
	Local admin.LocalService
}) error {
	conn, err := c.layer.DialContext(ctx)
	if err != nil {
		return err
	}
	buf := tlsbuf.New(conn, c.logger)
	buf.StartPulling()
	c.buf = buf

	demux := fiber.New(buf, c.logger)
	c.demux = demux
	go demux.Run()

	fiber0, err := demux.Connect(ctx, fiber.AdminPort)
	if err != nil {
		buf.Close()
		return err
	}

	svc := admin.New(admin.RoleClient, fiber0, c.logger)
	c.svc = svc
	if err := svc.ExchangeVersion(ctx); err != nil {
		buf.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- svc.Run(runCtx) }()

	if err := svc.RunInitialization(ctx, requests); err != nil {
		buf.Close()
		return err
	}
	c.logger.ILogf("session established")

	select {
	case err := <-runErrCh:
		c.logger.DLogf("session ended (sent %s received %s): %v",
			sizestr.ToString(int64(buf.BytesWritten())), sizestr.ToString(int64(buf.BytesRead())), err)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Server is one server-side tunnel session: accept, handshake, and serve a
// single incoming connection.
type Server struct {
	lifecycle.Helper

	acceptor link.Acceptor
	logger   ssflog.Logger
}

// NewServer builds a Server listening through acceptor (the fully composed
// server-side link stack, terminating in TLS).
func NewServer(acceptor link.Acceptor, logger ssflog.Logger) *Server {
	s := &Server{acceptor: acceptor, logger: logger.Fork("session")}
	s.Helper.Init(s)
	return s
}

// HandleOnceShutdown implements lifecycle.Handler.
func (s *Server) HandleOnceShutdown(completionErr error) error {
	return s.acceptor.Close()
}

// ServeOne accepts one connection, brings up its demux and fiber-0 admin
// service, and returns them once the version exchange succeeds, so callers
// can register service-command factories and then Run the service.
func (s *Server) ServeOne(ctx context.Context) (*fiber.Demux, *admin.Service, error) {
	if err := s.acceptor.Listen(ctx); err != nil {
		return nil, nil, err
	}
	conn, err := s.acceptor.Accept(ctx)
	if err != nil {
		return nil, nil, err
	}
	buf := tlsbuf.New(conn, s.logger)
	buf.StartPulling()

	demux := fiber.New(buf, s.logger)
	go demux.Run()

	fiber0Acceptor, err := demux.Listen(fiber.AdminPort)
	if err != nil {
		buf.Close()
		return nil, nil, err
	}
	fiber0, err := fiber0Acceptor.Accept(ctx)
	if err != nil {
		buf.Close()
		return nil, nil, err
	}

	svc := admin.New(admin.RoleServer, fiber0, s.logger)
	if err := svc.ExchangeVersion(ctx); err != nil {
		buf.Close()
		return nil, nil, err
	}
	return demux, svc, nil
}

// LoadTLSFromConfig is a convenience wrapper around link.LoadTLSContext
// using a config.TLSConfig document section.
func LoadTLSFromConfig(cfg config.TLSConfig) (*link.TLSContext, error) {
	return link.LoadTLSContext(link.TLSContext{
		CACertPath:   cfg.CACertPath,
		CertPath:     cfg.CertPath,
		KeyPath:      cfg.KeyPath,
		DHParamsPath: cfg.DHParamsPath,
		CipherSuites: cfg.CipherSuites,
		VerifyPeer:   cfg.VerifyPeer,
	})
}
