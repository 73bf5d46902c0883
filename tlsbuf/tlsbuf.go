// Package tlsbuf implements the buffered TLS stream adapter: it continuously
// pulls TLS records into a bounded internal buffer, serves user reads from
// that buffer, and serializes writes through a single strand so no two
// writes to the underlying TLS stream overlap; the pull loop is its only
// reader, and it runs concurrently with writes.
package tlsbuf

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/ssf-go/ssftun/link"
	"github.com/ssf-go/ssftun/ssflog"
	"github.com/ssf-go/ssftun/wireerr"
)

const (
	// pullChunkSize approximates one TLS record.
	pullChunkSize = 50 * 1024
	// HighWaterMark pauses pulling once the buffer reaches this size.
	HighWaterMark = 16 * 1024 * 1024
	// LowWaterMark resumes pulling once a read drops the buffer below this size.
	LowWaterMark = 1 * 1024 * 1024
)

// pullState is the adapter's internal state machine, per the design.
type pullState int

const (
	stateIdle pullState = iota
	statePulling
	statePaused
	stateErrored
)

func (s pullState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case statePulling:
		return "pulling"
	case statePaused:
		return "paused"
	case stateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// pendingRead is a queued read waiting for buffered bytes to arrive.
type pendingRead struct {
	buf    []byte
	result chan readResult
}

type readResult struct {
	n   int
	err error
}

// Adapter is the buffered TLS stream adapter. It wraps a link.Conn (normally
// the outermost TLS-negotiated layer of the link stack) and decouples the
// record pull loop from caller reads.
type Adapter struct {
	conn   link.Conn
	logger ssflog.Logger

	mu      sync.Mutex
	state   pullState
	buf     []byte
	pending []*pendingRead
	err     error

	writeMu sync.Mutex // the write strand: exactly one write in flight

	cancelCh chan struct{}
	pullDone chan struct{} // closed once pulling has stopped for good (error or Cancel)

	bytesRead    uint64
	bytesWritten uint64
}

// New wraps conn. Pulling does not begin until StartPulling is called.
func New(conn link.Conn, logger ssflog.Logger) *Adapter {
	return &Adapter{
		conn:     conn,
		logger:   logger.Fork("tlsbuf"),
		state:    stateIdle,
		cancelCh: make(chan struct{}),
		pullDone: make(chan struct{}),
	}
}

// StartPulling transitions the adapter to actively pulling records off the
// underlying stream. Idempotent.
func (a *Adapter) StartPulling() {
	a.mu.Lock()
	if a.state != stateIdle {
		a.mu.Unlock()
		return
	}
	a.state = statePulling
	a.mu.Unlock()
	go a.pullLoop()
}

// pullLoop is the single outstanding-pull-at-a-time loop described in the
// component design: one record-sized read at a time, committed to the
// buffer, pausing above HighWaterMark.
func (a *Adapter) pullLoop() {
	chunk := make([]byte, pullChunkSize)
	for {
		a.mu.Lock()
		if a.state != statePulling {
			a.mu.Unlock()
			close(a.pullDone)
			return
		}
		a.mu.Unlock()

		n, err := a.conn.Read(chunk)
		if n > 0 {
			atomic.AddUint64(&a.bytesRead, uint64(n))
			a.commit(chunk[:n])
		}
		if err != nil {
			a.fail(err)
			close(a.pullDone)
			return
		}

		a.mu.Lock()
		if len(a.buf) >= HighWaterMark {
			a.state = statePaused
			a.mu.Unlock()
			return
		}
		a.mu.Unlock()
	}
}

// commit appends pulled bytes to the buffer and satisfies as many queued
// reads as possible, FIFO.
func (a *Adapter) commit(b []byte) {
	a.mu.Lock()
	a.buf = append(a.buf, b...)
	a.serveQueuedLocked()
	a.mu.Unlock()
}

// serveQueuedLocked drains queued reads against the current buffer. Caller
// must hold a.mu.
func (a *Adapter) serveQueuedLocked() {
	for len(a.pending) > 0 && len(a.buf) > 0 {
		p := a.pending[0]
		n := copy(p.buf, a.buf)
		a.buf = a.buf[n:]
		a.pending = a.pending[1:]
		p.result <- readResult{n: n}
	}
}

// fail transitions to errored, saving err, and fails every subsequent and
// currently queued read with it (except a caller-initiated Cancel, which
// uses operation_aborted instead via Cancel itself).
func (a *Adapter) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == stateErrored {
		return
	}
	a.state = stateErrored
	a.err = err
	for _, p := range a.pending {
		p.result <- readResult{err: err}
	}
	a.pending = nil
}

// Read implements io.Reader by serving from the buffer, blocking if empty,
// and re-arming the pull loop when a read drops the buffer below
// LowWaterMark while paused.
func (a *Adapter) Read(buf []byte) (int, error) {
	a.mu.Lock()
	if len(a.buf) > 0 {
		n := copy(buf, a.buf)
		a.buf = a.buf[n:]
		wasPaused := a.state == statePaused && len(a.buf) < LowWaterMark
		if wasPaused {
			a.state = statePulling
		}
		a.mu.Unlock()
		if wasPaused {
			go a.pullLoop()
		}
		return n, nil
	}
	if a.state == stateErrored {
		err := a.err
		a.mu.Unlock()
		return 0, err
	}
	p := &pendingRead{buf: buf, result: make(chan readResult, 1)}
	a.pending = append(a.pending, p)
	a.mu.Unlock()

	select {
	case r := <-p.result:
		return r.n, r.err
	case <-a.cancelCh:
		return 0, wireerr.ErrOperationAborted
	}
}

// Write dispatches directly to the underlying stream through the write
// strand; writes are never buffered and never blocked by reads.
func (a *Adapter) Write(buf []byte) (int, error) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	n, err := a.conn.Write(buf)
	if n > 0 {
		atomic.AddUint64(&a.bytesWritten, uint64(n))
	}
	if err != nil {
		return n, wireerr.Wrap(wireerr.ConnectionReset, err, "tlsbuf write")
	}
	return n, nil
}

// BytesRead reports the cumulative bytes pulled from the underlying stream.
func (a *Adapter) BytesRead() uint64 { return atomic.LoadUint64(&a.bytesRead) }

// BytesWritten reports the cumulative bytes written to the underlying stream.
func (a *Adapter) BytesWritten() uint64 { return atomic.LoadUint64(&a.bytesWritten) }

// CloseWrite forwards a half-close to the underlying stream.
func (a *Adapter) CloseWrite() error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.CloseWrite()
}

// Cancel clears the internal buffer, completes all pending reads with
// operation_aborted, and stops pulling. It does not close the underlying
// connection; callers that own the Conn's lifetime do that separately.
func (a *Adapter) Cancel() {
	a.mu.Lock()
	if a.state == stateErrored {
		a.mu.Unlock()
		return
	}
	a.state = stateErrored
	a.err = wireerr.ErrOperationAborted
	a.buf = nil
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	for _, p := range pending {
		p.result <- readResult{err: wireerr.ErrOperationAborted}
	}
	close(a.cancelCh)
}

// Close cancels pulling and closes the underlying connection.
func (a *Adapter) Close() error {
	a.Cancel()
	return a.conn.Close()
}

// State reports the adapter's current pull state, exported for tests that
// assert on the pause/resume watermark behavior.
func (a *Adapter) State() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.String()
}

// BufferedLen reports the current buffer occupancy, exported for the same reason.
func (a *Adapter) BufferedLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.buf)
}

var _ io.ReadWriteCloser = (*Adapter)(nil)
