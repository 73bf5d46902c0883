package fiber

import (
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/ssf-go/ssftun/wireerr"
)

// State is a fiber's lifecycle state, per the data model.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateAccepting
	StateEstablished
	StateHalfClosed
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateAccepting:
		return "accepting"
	case StateEstablished:
		return "established"
	case StateHalfClosed:
		return "half-closed"
	default:
		return "unknown"
	}
}

// DefaultWindow is the default per-fiber flow-control window: a fiber stops
// writing once this many bytes are outstanding (sent but not yet credited
// back by the peer).
const DefaultWindow = 1 * 1024 * 1024

// recvLowWater gates crediting: a Read credits the peer for consumed bytes
// only once the receive buffer has drained below recvLowWater; bytes consumed
// while it is at or above that mark are held back and credited together at
// that point. recvHighWater equals DefaultWindow and is not consulted: the
// peer's flow-control window alone bounds the receive buffer, and the demux
// reader is never paused.
const (
	recvHighWater = 1 * 1024 * 1024
	recvLowWater  = 256 * 1024
)

// Fiber is one logical bidirectional byte stream, addressed by
// (localPort, remotePort) on its owning Demux.
type Fiber struct {
	demux      *Demux
	localPort  uint32
	remotePort uint32

	mu           sync.Mutex
	state        State
	recvBuf      []byte
	recvErr      error
	recvEOF      bool // peer sent FIN, no more DATA will arrive
	sentFIN      bool
	recvFINSeen  bool
	sendOutstanding uint32 // bytes sent but not yet credited
	window          uint32
	uncredited      uint32     // bytes read locally but not yet credited to the peer
	sendQueue       [][]byte   // DATA chunks awaiting the writer's round-robin pass
	connectResult   chan error // signaled once on SYN|ACK or RST while connecting

	readWaiters []chan struct{}
	writeWaiters []chan struct{}
}

func newFiber(d *Demux, localPort, remotePort uint32, state State) *Fiber {
	return &Fiber{
		demux:      d,
		localPort:  localPort,
		remotePort: remotePort,
		state:      state,
		window:     DefaultWindow,
	}
}

// LocalPort returns the fiber's local port.
func (f *Fiber) LocalPort() uint32 { return f.localPort }

// RemotePort returns the fiber's remote port.
func (f *Fiber) RemotePort() uint32 { return f.remotePort }

// portAddr is a trivial net.Addr identifying a fiber endpoint by port, so
// Fiber can satisfy net.Conn (and therefore the link package's Conn
// contract) for services that bridge a fiber to a real net.Conn with a
// generic splice helper. Fibers have no notion of a host; the network name
// reflects that these addresses are only meaningful within one demux.
type portAddr uint32

func (a portAddr) Network() string { return "fiber" }
func (a portAddr) String() string  { return fmt.Sprintf("fiber:%d", uint32(a)) }

// LocalAddr implements net.Conn.
func (f *Fiber) LocalAddr() net.Addr { return portAddr(f.localPort) }

// RemoteAddr implements net.Conn.
func (f *Fiber) RemoteAddr() net.Addr { return portAddr(f.remotePort) }

// SetDeadline, SetReadDeadline, and SetWriteDeadline are no-ops: per the
// concurrency model, fiber-level read/write have no built-in timeout and
// callers layer timers on top using context cancellation instead.
func (f *Fiber) SetDeadline(t time.Time) error      { return nil }
func (f *Fiber) SetReadDeadline(t time.Time) error  { return nil }
func (f *Fiber) SetWriteDeadline(t time.Time) error { return nil }

// State returns the fiber's current state.
func (f *Fiber) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Read implements io.Reader semantics over the fiber's in-order receive
// buffer: it blocks until data is available, EOF is observed, or the fiber
// errors.
func (f *Fiber) Read(buf []byte) (int, error) {
	for {
		f.mu.Lock()
		if len(f.recvBuf) > 0 {
			n := copy(buf, f.recvBuf)
			f.recvBuf = f.recvBuf[n:]
			f.uncredited += uint32(n)
			var credit uint32
			if len(f.recvBuf) < recvLowWater {
				credit, f.uncredited = f.uncredited, 0
			}
			f.mu.Unlock()
			if credit > 0 {
				f.demux.grantCredit(f, credit)
			}
			return n, nil
		}
		if f.recvErr != nil {
			err := f.recvErr
			f.mu.Unlock()
			return 0, err
		}
		if f.recvEOF {
			f.mu.Unlock()
			return 0, io.EOF
		}
		ch := make(chan struct{})
		f.readWaiters = append(f.readWaiters, ch)
		f.mu.Unlock()
		<-ch
	}
}

// Write sends buf as DATA frames, chunked to MaxPayload, and blocks while
// the fiber's outstanding-bytes window is exhausted.
func (f *Fiber) Write(buf []byte) (int, error) {
	total := 0
	for len(buf) > 0 {
		f.mu.Lock()
		for f.state != StateEstablished && f.state != StateHalfClosed {
			if f.state == StateClosed {
				f.mu.Unlock()
				return total, wireerr.New(wireerr.ConnectionReset, "fiber closed")
			}
			ch := make(chan struct{})
			f.writeWaiters = append(f.writeWaiters, ch)
			f.mu.Unlock()
			<-ch
			f.mu.Lock()
		}
		for f.sendOutstanding >= f.window {
			ch := make(chan struct{})
			f.writeWaiters = append(f.writeWaiters, ch)
			f.mu.Unlock()
			<-ch
			f.mu.Lock()
			if f.state == StateClosed {
				f.mu.Unlock()
				return total, wireerr.New(wireerr.ConnectionReset, "fiber closed")
			}
		}
		chunk := len(buf)
		if room := int(f.window - f.sendOutstanding); chunk > room {
			chunk = room
		}
		if chunk > MaxPayload {
			chunk = MaxPayload
		}
		f.sendOutstanding += uint32(chunk)
		f.mu.Unlock()

		if err := f.demux.sendData(f, buf[:chunk]); err != nil {
			return total, err
		}
		buf = buf[chunk:]
		total += chunk
	}
	return total, nil
}

// CloseWrite sends FIN, signaling end-of-write; the read half stays open.
func (f *Fiber) CloseWrite() error {
	f.mu.Lock()
	if f.sentFIN {
		f.mu.Unlock()
		return nil
	}
	f.sentFIN = true
	switch f.state {
	case StateEstablished:
		f.state = StateHalfClosed
	}
	full := f.sentFIN && f.recvFINSeen
	f.mu.Unlock()
	// The writer drains control frames ahead of DATA, so FIN waits until the
	// writer has taken every DATA chunk this fiber queued before it.
	for {
		f.mu.Lock()
		queued := len(f.sendQueue) > 0 && f.state != StateClosed
		f.mu.Unlock()
		if !queued {
			break
		}
		select {
		case <-f.demux.stopCh:
			return wireerr.ErrOperationAborted
		case <-time.After(time.Millisecond):
		}
	}
	if err := f.demux.sendControl(f.localPort, f.remotePort, FlagFIN); err != nil {
		return err
	}
	if full {
		f.demux.retireFiber(f)
	}
	return nil
}

// Close aborts the fiber with RST if it has not already reached a terminal state.
func (f *Fiber) Close() error {
	f.mu.Lock()
	if f.state == StateClosed {
		f.mu.Unlock()
		return nil
	}
	f.state = StateClosed
	f.wakeAllLocked()
	f.mu.Unlock()
	f.demux.sendControl(f.localPort, f.remotePort, FlagRST)
	f.demux.retireFiber(f)
	return nil
}

// --- callbacks invoked by the demux's single reader task ---

func (f *Fiber) onData(payload []byte) {
	f.mu.Lock()
	f.recvBuf = append(f.recvBuf, payload...)
	f.wakeReadersLocked()
	f.mu.Unlock()
}

func (f *Fiber) onCredit(delta uint32) {
	f.mu.Lock()
	if delta > f.sendOutstanding {
		f.sendOutstanding = 0
	} else {
		f.sendOutstanding -= delta
	}
	f.wakeWritersLocked()
	f.mu.Unlock()
}

func (f *Fiber) onFIN() {
	f.mu.Lock()
	f.recvFINSeen = true
	f.recvEOF = true
	full := f.sentFIN && f.recvFINSeen
	f.wakeReadersLocked()
	f.mu.Unlock()
	if full {
		f.demux.retireFiber(f)
	}
}

func (f *Fiber) onRST() {
	f.mu.Lock()
	f.state = StateClosed
	f.recvErr = wireerr.New(wireerr.ConnectionReset, "peer sent RST")
	f.wakeAllLocked()
	f.mu.Unlock()
	f.demux.retireFiber(f)
}

// onEstablished transitions a connecting fiber to established once the
// peer's SYN|ACK arrives. remotePort is the port the peer's acceptor
// actually allocated for this connection, which replaces the listening
// port the SYN was originally addressed to.
func (f *Fiber) onEstablished(remotePort uint32) {
	f.mu.Lock()
	f.state = StateEstablished
	f.remotePort = remotePort
	f.wakeWritersLocked()
	f.mu.Unlock()
	select {
	case f.connectResult <- nil:
	default:
	}
}

func (f *Fiber) onRefused() {
	f.mu.Lock()
	f.state = StateClosed
	f.mu.Unlock()
	select {
	case f.connectResult <- wireerr.ErrFiberRefused:
	default:
	}
}

func (f *Fiber) faultAll() {
	f.mu.Lock()
	f.state = StateClosed
	f.recvErr = wireerr.New(wireerr.ConnectionReset, "demux faulted")
	f.wakeAllLocked()
	f.mu.Unlock()
}

func (f *Fiber) wakeReadersLocked() {
	for _, ch := range f.readWaiters {
		close(ch)
	}
	f.readWaiters = nil
}

func (f *Fiber) wakeWritersLocked() {
	for _, ch := range f.writeWaiters {
		close(ch)
	}
	f.writeWaiters = nil
}

func (f *Fiber) wakeAllLocked() {
	f.wakeReadersLocked()
	f.wakeWritersLocked()
}

// enqueueSend appends a DATA chunk to this fiber's outbound queue; the
// demux writer task dequeues it on its round-robin pass.
func (f *Fiber) enqueueSend(payload []byte) {
	f.mu.Lock()
	f.sendQueue = append(f.sendQueue, payload)
	f.mu.Unlock()
}

// dequeueSend pops the oldest queued DATA chunk, if any.
func (f *Fiber) dequeueSend() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendQueue) == 0 {
		return nil, false
	}
	p := f.sendQueue[0]
	f.sendQueue = f.sendQueue[1:]
	return p, true
}
