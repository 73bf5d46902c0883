package tlsbuf

import (
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ssf-go/ssftun/ssflog"
	"github.com/ssf-go/ssftun/wireerr"
)

// fakeConn is a minimal link.Conn whose Read/Write behavior is supplied by
// the test, so the pull loop's watermark and error-propagation behavior can
// be driven without a real TLS handshake.
type fakeConn struct {
	readFn  func(p []byte) (int, error)
	writeFn func(p []byte) (int, error)
	closed  int32
}

func (c *fakeConn) Read(p []byte) (int, error)  { return c.readFn(p) }
func (c *fakeConn) Write(p []byte) (int, error) { return c.writeFn(p) }
func (c *fakeConn) Close() error                { atomic.StoreInt32(&c.closed, 1); return nil }
func (c *fakeConn) CloseWrite() error           { return nil }
func (c *fakeConn) LocalAddr() net.Addr         { return nil }
func (c *fakeConn) RemoteAddr() net.Addr        { return nil }
func (c *fakeConn) SetDeadline(time.Time) error { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func testLogger() ssflog.Logger { return ssflog.New("test", ssflog.LevelError) }

// endlessConn always fills the caller's buffer, simulating an unbounded
// stream of TLS record data.
func endlessConn() *fakeConn {
	return &fakeConn{
		readFn: func(p []byte) (int, error) {
			return len(p), nil
		},
		writeFn: func(p []byte) (int, error) { return len(p), nil },
	}
}

func waitForState(t *testing.T, a *Adapter, want string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if a.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %q, last state %q", want, a.State())
}

func TestPullLoopPausesAtHighWaterMark(t *testing.T) {
	a := New(endlessConn(), testLogger())
	a.StartPulling()

	waitForState(t, a, "paused", 5*time.Second)
	if a.BufferedLen() < HighWaterMark {
		t.Fatalf("BufferedLen() = %d, want >= %d", a.BufferedLen(), HighWaterMark)
	}
}

func TestReadResumesPullingBelowLowWaterMark(t *testing.T) {
	a := New(endlessConn(), testLogger())
	a.StartPulling()
	waitForState(t, a, "paused", 5*time.Second)

	drainSize := a.BufferedLen() - LowWaterMark + 1024
	drain := make([]byte, drainSize)
	n, err := a.Read(drain)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != len(drain) {
		t.Fatalf("Read n = %d, want %d", n, len(drain))
	}

	waitForState(t, a, "pulling", 5*time.Second)
}

func TestWriteTracksByteCounter(t *testing.T) {
	conn := endlessConn()
	a := New(conn, testLogger())

	msg := []byte("some outbound bytes")
	n, err := a.Write(msg)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(msg) {
		t.Fatalf("Write n = %d, want %d", n, len(msg))
	}
	if got := a.BytesWritten(); got != uint64(len(msg)) {
		t.Fatalf("BytesWritten() = %d, want %d", got, len(msg))
	}
}

func TestReadPropagatesConnError(t *testing.T) {
	wantErr := errors.New("connection reset by peer")
	conn := &fakeConn{
		readFn: func(p []byte) (int, error) { return 0, wantErr },
		writeFn: func(p []byte) (int, error) { return len(p), nil },
	}
	a := New(conn, testLogger())
	a.StartPulling()

	_, err := a.Read(make([]byte, 16))
	if !errors.Is(err, wantErr) {
		t.Fatalf("Read error = %v, want %v", err, wantErr)
	}
}

func TestCancelAbortsPendingRead(t *testing.T) {
	block := make(chan struct{})
	conn := &fakeConn{
		readFn: func(p []byte) (int, error) {
			<-block
			return 0, io.EOF
		},
		writeFn: func(p []byte) (int, error) { return len(p), nil },
	}
	a := New(conn, testLogger())
	a.StartPulling()

	resultCh := make(chan error, 1)
	go func() {
		_, err := a.Read(make([]byte, 16))
		resultCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	a.Cancel()

	select {
	case err := <-resultCh:
		if !errors.Is(err, wireerr.ErrOperationAborted) {
			t.Fatalf("Read after Cancel = %v, want ErrOperationAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after Cancel")
	}
	close(block)
}
