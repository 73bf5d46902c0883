package session

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ssf-go/ssftun/admin"
	"github.com/ssf-go/ssftun/link"
	"github.com/ssf-go/ssftun/ssflog"
)

func testLogger() ssflog.Logger { return ssflog.New("test", ssflog.LevelError) }

// pipeConn adapts a net.Pipe half into link.Conn; net.Pipe's Close already
// tears down both directions at once, which is adequate for tests that
// never rely on independent half-close.
type pipeConn struct{ net.Conn }

func (pipeConn) CloseWrite() error { return nil }

type fakeLayer struct {
	conn link.Conn
	err  error
}

func (f *fakeLayer) DialContext(ctx context.Context) (link.Conn, error) { return f.conn, f.err }

type fakeAcceptor struct {
	conn      link.Conn
	listenErr error
	acceptErr error
}

func (a *fakeAcceptor) Listen(ctx context.Context) error                  { return a.listenErr }
func (a *fakeAcceptor) Accept(ctx context.Context) (link.Conn, error)     { return a.conn, a.acceptErr }
func (a *fakeAcceptor) Close() error                                     { return nil }

type signalingLocalService struct {
	ready chan uint32
}

func (s signalingLocalService) OnRemoteReady(runtimeID uint32) { s.ready <- runtimeID }
func (s signalingLocalService) OnInitFailed(err error)         { close(s.ready) }

func TestServerServeOneCompletesHandshake(t *testing.T) {
	a, b := net.Pipe()
	server := NewServer(&fakeAcceptor{conn: pipeConn{b}}, testLogger())
	client := NewClient(&fakeLayer{conn: pipeConn{a}}, ClientConfig{MaxRetryInterval: time.Second}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	clientDone := make(chan error, 1)
	go func() { clientDone <- client.connectOnce(ctx, nil) }()

	demux, svc, err := server.ServeOne(ctx)
	if err != nil {
		t.Fatalf("ServeOne: %v", err)
	}
	if demux == nil || svc == nil {
		t.Fatalf("ServeOne returned nil demux/service")
	}
	defer demux.StartShutdown(nil)

	cancel()
	if err := <-clientDone; err == nil {
		t.Fatalf("expected connectOnce to unwind once the context is cancelled")
	}
}

func TestClientServerRoundTripRunsInitialization(t *testing.T) {
	a, b := net.Pipe()
	client := NewClient(&fakeLayer{conn: pipeConn{a}}, ClientConfig{MaxRetryInterval: time.Second}, testLogger())
	server := NewServer(&fakeAcceptor{conn: pipeConn{b}}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverReady := make(chan struct{})
	go func() {
		demux, svc, err := server.ServeOne(ctx)
		if err != nil {
			close(serverReady)
			return
		}
		defer demux.StartShutdown(nil)
		svc.RegisterCommand(admin.CmdCreateServiceRequest, func(ctx context.Context, cmd admin.Command) ([]byte, admin.Status) {
			body, _ := json.Marshal(admin.ServiceStatusReply{RuntimeID: 7})
			return body, admin.StatusOK
		})
		close(serverReady)
		svc.Run(ctx)
	}()

	ready := make(chan uint32, 1)
	local := signalingLocalService{ready: ready}
	requests := []struct {
		Req   admin.CreateServiceRequest
		Local admin.LocalService
	}{
		{Req: admin.CreateServiceRequest{ServiceID: 1, Kind: "socks", Params: map[string]string{"fiber_port": "1"}}, Local: local},
	}

	clientDone := make(chan error, 1)
	go func() { clientDone <- client.Run(ctx, requests) }()
	<-serverReady

	select {
	case runtimeID, ok := <-ready:
		if !ok {
			t.Fatalf("service initialization failed")
		}
		if runtimeID != 7 {
			t.Fatalf("runtimeID = %d, want 7", runtimeID)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("timed out waiting for service initialization")
	}

	cancel()
	select {
	case err := <-clientDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("client.Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client.Run did not return after context cancellation")
	}
}

func TestClientRunReturnsWhenRetriesExhausted(t *testing.T) {
	c := NewClient(&fakeLayer{err: errFakeDial}, ClientConfig{MaxRetryInterval: time.Millisecond, MaxRetryCount: 2}, testLogger())

	err := c.Run(context.Background(), nil)
	if err == nil {
		t.Fatalf("expected Run to fail once retries are exhausted")
	}
}

var errFakeDial = errors.New("fake dial failure")
