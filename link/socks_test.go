package link

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/ssf-go/ssftun/ssflog"
)

// memConn is a minimal duplex Conn backed by a pair of io.Pipes, used to
// drive the SOCKS negotiators against a scripted fake proxy without a real
// socket.
type memConn struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newMemConnPair() (a, b *memConn) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &memConn{r: r1, w: w2}, &memConn{r: r2, w: w1}
}

func (c *memConn) Read(p []byte) (int, error)       { return c.r.Read(p) }
func (c *memConn) Write(p []byte) (int, error)      { return c.w.Write(p) }
func (c *memConn) Close() error                     { c.r.Close(); return c.w.Close() }
func (c *memConn) CloseWrite() error                { return c.w.Close() }
func (c *memConn) LocalAddr() net.Addr              { return nil }
func (c *memConn) RemoteAddr() net.Addr             { return nil }
func (c *memConn) SetDeadline(time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(time.Time) error { return nil }

func testLogger() ssflog.Logger { return ssflog.New("test", ssflog.LevelError) }

func TestNegotiateV4Success(t *testing.T) {
	client, proxy := newMemConnPair()
	l := &SOCKSLayer{Version: SOCKS4, Username: "bob", Logger: testLogger()}

	done := make(chan error, 1)
	go func() { done <- l.negotiateV4(client, "10.0.0.5", 443) }()

	req := make([]byte, 8+len("bob")+1)
	if _, err := io.ReadFull(proxy, req); err != nil {
		t.Fatalf("proxy read request: %v", err)
	}
	if req[0] != 0x04 || req[1] != 0x01 {
		t.Fatalf("request header = %v, want version 4 command 1", req[:2])
	}
	if req[2] != 1 || req[3] != 187 { // port 443 big-endian
		t.Fatalf("request port bytes = %v, want [1 187]", req[2:4])
	}
	if got := net.IP(req[4:8]).String(); got != "10.0.0.5" {
		t.Fatalf("request ip = %s, want 10.0.0.5", got)
	}
	if string(req[8:11]) != "bob" || req[11] != 0 {
		t.Fatalf("request userid = %q, want NUL-terminated \"bob\"", req[8:])
	}

	if _, err := proxy.Write([]byte{0x00, 0x5a, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("proxy write reply: %v", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("negotiateV4: %v", err)
	}
}

func TestNegotiateV4Rejected(t *testing.T) {
	client, proxy := newMemConnPair()
	l := &SOCKSLayer{Version: SOCKS4, Logger: testLogger()}

	done := make(chan error, 1)
	go func() { done <- l.negotiateV4(client, "10.0.0.5", 443) }()

	req := make([]byte, 9)
	io.ReadFull(proxy, req)
	proxy.Write([]byte{0x00, 0x5b, 0, 0, 0, 0, 0, 0}) // request rejected

	err := <-done
	if err == nil {
		t.Fatalf("expected negotiateV4 to fail on rejection code")
	}
}

func TestNegotiateV5NoAuthSuccess(t *testing.T) {
	client, proxy := newMemConnPair()
	l := &SOCKSLayer{Version: SOCKS5, Logger: testLogger()}

	done := make(chan error, 1)
	go func() { done <- l.negotiateV5(client, "example.com", 8080) }()

	greeting := make([]byte, 2)
	io.ReadFull(proxy, greeting)
	if greeting[0] != 0x05 {
		t.Fatalf("greeting version = %d, want 5", greeting[0])
	}
	methods := make([]byte, greeting[1])
	io.ReadFull(proxy, methods)
	proxy.Write([]byte{0x05, socksMethodNoAuth})

	req := make([]byte, 4)
	io.ReadFull(proxy, req)
	if req[3] != socksAtypDomain {
		t.Fatalf("atyp = %d, want domain", req[3])
	}
	lenByte := make([]byte, 1)
	io.ReadFull(proxy, lenByte)
	domain := make([]byte, lenByte[0])
	io.ReadFull(proxy, domain)
	if string(domain) != "example.com" {
		t.Fatalf("domain = %q, want example.com", domain)
	}
	portBytes := make([]byte, 2)
	io.ReadFull(proxy, portBytes)
	if portBytes[0] != 0x1f || portBytes[1] != 0x90 { // 8080
		t.Fatalf("port bytes = %v, want [31 144]", portBytes)
	}

	proxy.Write([]byte{0x05, 0x00, 0x00, socksAtypIPv4, 0, 0, 0, 0, 0, 0})

	if err := <-done; err != nil {
		t.Fatalf("negotiateV5: %v", err)
	}
}

func TestNegotiateV5UserPassRejected(t *testing.T) {
	client, proxy := newMemConnPair()
	l := &SOCKSLayer{Version: SOCKS5, Username: "alice", Password: "wrong", Logger: testLogger()}

	done := make(chan error, 1)
	go func() { done <- l.negotiateV5(client, "10.0.0.1", 22) }()

	greeting := make([]byte, 2)
	io.ReadFull(proxy, greeting)
	methods := make([]byte, greeting[1])
	io.ReadFull(proxy, methods)
	proxy.Write([]byte{0x05, socksMethodUserPass})

	authHdr := make([]byte, 2)
	io.ReadFull(proxy, authHdr)
	userBuf := make([]byte, authHdr[1])
	io.ReadFull(proxy, userBuf)
	passLen := make([]byte, 1)
	io.ReadFull(proxy, passLen)
	passBuf := make([]byte, passLen[0])
	io.ReadFull(proxy, passBuf)
	if string(userBuf) != "alice" || string(passBuf) != "wrong" {
		t.Fatalf("auth credentials = %q/%q, want alice/wrong", userBuf, passBuf)
	}
	proxy.Write([]byte{0x01, 0x01}) // authentication failed

	err := <-done
	if err == nil {
		t.Fatalf("expected negotiateV5 to fail on auth rejection")
	}
}

func TestMakeSOCKSEndpointRejectsBadVersion(t *testing.T) {
	tcp := &TCPLayer{Address: "localhost:1080", Logger: testLogger()}
	_, err := MakeSOCKSEndpoint(tcp, ParamSet{"target": "a:1", "version": "6"}, testLogger())
	if err == nil {
		t.Fatalf("expected error for unsupported socks version")
	}
}

func TestMakeSOCKSEndpointRequiresTarget(t *testing.T) {
	tcp := &TCPLayer{Address: "localhost:1080", Logger: testLogger()}
	_, err := MakeSOCKSEndpoint(tcp, ParamSet{}, testLogger())
	if err == nil {
		t.Fatalf("expected error for missing target")
	}
}
