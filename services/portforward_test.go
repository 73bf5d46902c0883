package services

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ssf-go/ssftun/fiber"
	"github.com/ssf-go/ssftun/ssflog"
)

func testLogger() ssflog.Logger { return ssflog.New("test", ssflog.LevelError) }

func newDemuxPair(t *testing.T) (*fiber.Demux, *fiber.Demux) {
	t.Helper()
	a, b := net.Pipe()
	da := fiber.New(a, testLogger())
	db := fiber.New(b, testLogger())
	go da.Run()
	go db.Run()
	t.Cleanup(func() {
		da.StartShutdown(nil)
		db.StartShutdown(nil)
	})
	return da, db
}

func TestForwardListenerSplicesTCPToFiber(t *testing.T) {
	clientDemux, serverDemux := newDemuxPair(t)
	const port = uint32(42)

	acc, err := serverDemux.Listen(port)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	svc := NewForwardListener(clientDemux, KindPortForwardParams{FiberPort: port, LocalTCPAddr: "127.0.0.1:0"}, testLogger())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	echoDone := make(chan struct{})
	go func() {
		defer close(echoDone)
		f, err := acc.Accept(ctx)
		if err != nil {
			return
		}
		buf := make([]byte, 64)
		n, err := f.Read(buf)
		if err != nil {
			return
		}
		f.Write(buf[:n])
	}()

	conn, err := net.Dial("tcp", svc.listener.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	msg := []byte("forward direction payload")
	if _, err := conn.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := readFullFromConn(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q, want %q", buf, msg)
	}
	<-echoDone
}

func TestReverseAcceptorSplicesFiberToTCP(t *testing.T) {
	clientDemux, serverDemux := newDemuxPair(t)
	const port = uint32(99)

	target, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer target.Close()

	echoDone := make(chan struct{})
	go func() {
		defer close(echoDone)
		conn, err := target.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		conn.Write(buf[:n])
	}()

	svc := NewReverseAcceptor(serverDemux, KindPortForwardParams{FiberPort: port, LocalTCPAddr: target.Addr().String()}, testLogger())
	if err := svc.StartReverse(context.Background()); err != nil {
		t.Fatalf("StartReverse: %v", err)
	}
	defer svc.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f, err := clientDemux.Connect(ctx, port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	msg := []byte("reverse direction payload")
	if _, err := f.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := readFullFromFiber(f, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("got %q, want %q", buf, msg)
	}
	<-echoDone
}

func TestPortForwardServiceStopClosesListener(t *testing.T) {
	clientDemux, _ := newDemuxPair(t)
	svc := NewForwardListener(clientDemux, KindPortForwardParams{FiberPort: 1, LocalTCPAddr: "127.0.0.1:0"}, testLogger())
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := svc.listener.Addr().String()
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := net.Dial("tcp", addr); err == nil {
		t.Fatalf("expected dial to a stopped listener to fail")
	}
}

func readFullFromConn(c net.Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := c.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func readFullFromFiber(f *fiber.Fiber, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := f.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
