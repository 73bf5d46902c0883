// Package fiber implements the fiber multiplexer: many flow-controlled,
// bidirectional logical streams addressed by port pairs, running on top of
// one transport stream (normally the buffered TLS adapter).
package fiber

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/ssf-go/ssftun/lifecycle"
	"github.com/ssf-go/ssftun/ssflog"
	"github.com/ssf-go/ssftun/wireerr"
)

// Transport is the minimal stream contract the demux needs from whatever it
// runs on — normally a *tlsbuf.Adapter, but decoupled here so unit tests can
// drive the demux directly over a socketpair.
type Transport interface {
	io.Reader
	io.Writer
	io.Closer
}

// firstEphemeralPort is where ephemeral port allocation starts; ports below
// it are reserved for well-known services (port 0 is the admin service).
const firstEphemeralPort = 1 << 16

// outFrame is one queued outbound frame; DATA frames carry a payload,
// control frames carry none (except ACK, which carries a 4-byte credit delta).
type outFrame struct {
	header  Header
	payload []byte
}

// Demux owns one transport stream, its fiber table, and its acceptor
// table, and runs exactly one reader task and one writer task over the
// stream, per the concurrency model.
type Demux struct {
	lifecycle.Helper

	transport Transport
	logger    ssflog.Logger

	mu          sync.Mutex
	fibers      map[uint32]*Fiber // keyed by local port
	acceptors   map[uint32]*acceptorState
	nextEphemeral uint32
	faulted     bool
	faultErr    error
	rrCursor    int

	// controlCh carries SYN/ACK/FIN/RST and credit-ACK frames, which bypass
	// per-fiber send queues but still funnel through the single writer task.
	controlCh chan outFrame
	// dataReady is signaled (non-blocking, capacity 1) whenever a fiber
	// enqueues a DATA frame, waking the writer if it was idle.
	dataReady chan struct{}
	stopCh    chan struct{}
}

type acceptorState struct {
	pending chan *Fiber
}

// New creates a Demux over transport. Call Run to start its reader and
// writer tasks.
func New(transport Transport, logger ssflog.Logger) *Demux {
	d := &Demux{
		transport:     transport,
		logger:        logger.Fork("fiber"),
		fibers:        map[uint32]*Fiber{},
		acceptors:     map[uint32]*acceptorState{},
		nextEphemeral: firstEphemeralPort,
		controlCh:     make(chan outFrame, 256),
		dataReady:     make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
	d.Helper.Init(d)
	return d
}

// Run starts the reader and writer tasks and blocks until the demux is
// shut down or the transport fails. Callers typically invoke it in its own
// goroutine.
func (d *Demux) Run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.readerLoop()
	}()
	go func() {
		defer wg.Done()
		d.writerLoop()
	}()
	wg.Wait()
}

// HandleOnceShutdown implements lifecycle.Handler.
func (d *Demux) HandleOnceShutdown(completionErr error) error {
	close(d.stopCh)
	d.transport.Close()
	d.faultAll(completionErr)
	return completionErr
}

// readerLoop is the demux's single reader task: parse one header, read its
// payload, dispatch.
func (d *Demux) readerLoop() {
	hdrBuf := make([]byte, FrameHeaderLen)
	for {
		if _, err := io.ReadFull(d.transport, hdrBuf); err != nil {
			d.fault(wireerr.Wrap(wireerr.DemuxFaulted, err, "reader: header read"))
			return
		}
		hdr := DecodeHeader(hdrBuf)
		if hdr.Length > MaxPayload || !validFlagCombination(hdr.Flags) {
			d.fault(wireerr.New(wireerr.DemuxFaulted, "malformed frame: length=%d flags=%#x", hdr.Length, hdr.Flags))
			return
		}
		var payload []byte
		if hdr.Length > 0 {
			payload = make([]byte, hdr.Length)
			if _, err := io.ReadFull(d.transport, payload); err != nil {
				d.fault(wireerr.Wrap(wireerr.DemuxFaulted, err, "reader: payload read"))
				return
			}
		}
		if err := d.dispatch(hdr, payload); err != nil {
			d.fault(err)
			return
		}
	}
}

// dispatch routes a received frame per the connect/accept/data/close protocols.
func (d *Demux) dispatch(hdr Header, payload []byte) error {
	switch {
	case hdr.Has(FlagSYN) && hdr.Has(FlagACK):
		d.mu.Lock()
		f := d.fibers[hdr.DestPort]
		d.mu.Unlock()
		if f == nil {
			return nil // late/stale ACK for an already-torn-down fiber
		}
		f.onEstablished(hdr.SrcPort)
		return nil
	case hdr.Has(FlagSYN):
		return d.handleSYN(hdr)
	case hdr.Has(FlagRST):
		d.mu.Lock()
		f := d.fibers[hdr.DestPort]
		d.mu.Unlock()
		if f == nil {
			return nil
		}
		if f.State() == StateConnecting {
			f.onRefused()
			return nil
		}
		f.onRST()
		return nil
	case hdr.Has(FlagFIN):
		d.mu.Lock()
		f := d.fibers[hdr.DestPort]
		d.mu.Unlock()
		if f == nil {
			// Ordinary close race: the fiber may already have been retired
			// locally (e.g. via Close) while this FIN was in flight.
			return nil
		}
		f.onFIN()
		return nil
	case hdr.Has(FlagACK):
		d.mu.Lock()
		f := d.fibers[hdr.DestPort]
		d.mu.Unlock()
		if f == nil {
			return nil
		}
		f.onCredit(DecodeCreditDelta(payload))
		return nil
	case hdr.Has(FlagDATA):
		d.mu.Lock()
		f := d.fibers[hdr.DestPort]
		d.mu.Unlock()
		if f == nil {
			return wireerr.New(wireerr.DemuxFaulted, "DATA to nonexistent port %d", hdr.DestPort)
		}
		if len(payload) > 0 {
			f.onData(payload)
		}
		return nil
	default:
		return wireerr.New(wireerr.DemuxFaulted, "unhandled flag combination %#x", hdr.Flags)
	}
}

// handleSYN implements the accept side of the connect protocol: admit if an
// acceptor is registered, else reply RST. The accepted fiber is keyed by a
// freshly allocated local port, not the acceptor's own listening port, so
// that concurrent connections to the same listening port don't collide in
// the fiber table; the chosen port is carried back to the initiator in the
// SYN|ACK's SrcPort field.
func (d *Demux) handleSYN(hdr Header) error {
	d.mu.Lock()
	acc, ok := d.acceptors[hdr.DestPort]
	if !ok {
		d.mu.Unlock()
		return d.sendControl(hdr.DestPort, hdr.SrcPort, FlagRST)
	}
	localPort := d.allocateEphemeralLocked()
	f := newFiber(d, localPort, hdr.SrcPort, StateEstablished)
	d.fibers[localPort] = f
	d.mu.Unlock()

	select {
	case acc.pending <- f:
	default:
		// FIFO is unbounded in practice (buffered generously); this default
		// only guards against a full channel indicating a stuck accept loop.
		acc.pending <- f
	}
	return d.sendControl(localPort, hdr.SrcPort, FlagSYN|FlagACK)
}

// writerLoop is the demux's single writer task. Control frames are drained
// eagerly to preserve their global order; DATA frames are drawn one fiber
// at a time, round-robin by port order, so no fiber's backlog can starve
// another's.
func (d *Demux) writerLoop() {
	for {
		select {
		case f := <-d.controlCh:
			if err := d.writeFrame(f.header, f.payload); err != nil {
				d.fault(err)
				return
			}
			continue
		case <-d.stopCh:
			return
		default:
		}

		if d.writeOneDataFrameRoundRobin() {
			continue
		}

		select {
		case f := <-d.controlCh:
			if err := d.writeFrame(f.header, f.payload); err != nil {
				d.fault(err)
				return
			}
		case <-d.dataReady:
		case <-d.stopCh:
			return
		}
	}
}

// writeOneDataFrameRoundRobin emits at most one DATA frame, taken from the
// next fiber (in port order, cycling from where the last cycle left off)
// that has one queued. Returns false if no fiber had anything to send.
func (d *Demux) writeOneDataFrameRoundRobin() bool {
	ports := d.portOrder()
	if len(ports) == 0 {
		return false
	}
	d.mu.Lock()
	start := d.rrCursor % len(ports)
	d.mu.Unlock()

	for i := 0; i < len(ports); i++ {
		idx := (start + i) % len(ports)
		d.mu.Lock()
		f := d.fibers[ports[idx]]
		d.mu.Unlock()
		if f == nil {
			continue
		}
		payload, ok := f.dequeueSend()
		if !ok {
			continue
		}
		d.mu.Lock()
		d.rrCursor = idx + 1
		d.mu.Unlock()
		hdr := Header{DestPort: f.remotePort, SrcPort: f.localPort, Flags: FlagDATA, Length: uint16(len(payload))}
		if err := d.writeFrame(hdr, payload); err != nil {
			d.fault(err)
		}
		return true
	}
	return false
}

// writeFrame performs the actual header+payload write to the transport.
func (d *Demux) writeFrame(hdr Header, payload []byte) error {
	hdrBuf := make([]byte, FrameHeaderLen)
	hdr.Encode(hdrBuf)
	if _, err := d.transport.Write(hdrBuf); err != nil {
		return wireerr.Wrap(wireerr.DemuxFaulted, err, "writer: header write")
	}
	if len(payload) > 0 {
		if _, err := d.transport.Write(payload); err != nil {
			return wireerr.Wrap(wireerr.DemuxFaulted, err, "writer: payload write")
		}
	}
	return nil
}

func (d *Demux) enqueueControl(f outFrame) error {
	select {
	case d.controlCh <- f:
		return nil
	case <-d.stopCh:
		return wireerr.ErrOperationAborted
	}
}

func (d *Demux) notifyDataReady() {
	select {
	case d.dataReady <- struct{}{}:
	default:
	}
}

func (d *Demux) sendControl(localPort, remotePort uint32, flags Flag) error {
	return d.enqueueControl(outFrame{header: Header{DestPort: remotePort, SrcPort: localPort, Flags: flags}})
}

// sendData hands a DATA chunk to the fiber's own send queue; the writer
// task picks it up on its next round-robin pass.
func (d *Demux) sendData(f *Fiber, payload []byte) error {
	select {
	case <-d.stopCh:
		return wireerr.ErrOperationAborted
	default:
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	f.enqueueSend(buf)
	d.notifyDataReady()
	return nil
}

func (d *Demux) grantCredit(f *Fiber, n uint32) error {
	return d.enqueueControl(outFrame{
		header:  Header{DestPort: f.remotePort, SrcPort: f.localPort, Flags: FlagACK, Length: 4},
		payload: EncodeCreditDelta(n),
	})
}

// Connect opens a fiber to remotePort on the peer, per the connect
// protocol: SYN, then wait for SYN|ACK (success) or RST (fiber_refused).
func (d *Demux) Connect(ctx context.Context, remotePort uint32) (*Fiber, error) {
	d.mu.Lock()
	localPort := d.allocateEphemeralLocked()
	f := newFiber(d, localPort, remotePort, StateConnecting)
	f.connectResult = make(chan error, 1)
	d.fibers[localPort] = f
	d.mu.Unlock()

	if err := d.sendControl(localPort, remotePort, FlagSYN); err != nil {
		d.mu.Lock()
		delete(d.fibers, localPort)
		d.mu.Unlock()
		return nil, err
	}

	select {
	case err := <-f.connectResult:
		if err != nil {
			d.mu.Lock()
			delete(d.fibers, localPort)
			d.mu.Unlock()
			return nil, err
		}
		return f, nil
	case <-ctx.Done():
		f.Close()
		return nil, wireerr.Wrap(wireerr.OperationAborted, ctx.Err(), "connect cancelled")
	case <-d.stopCh:
		return nil, wireerr.ErrOperationAborted
	}
}

// Listen registers an acceptor for localPort. Only one acceptor may exist
// per port at a time.
func (d *Demux) Listen(localPort uint32) (*Acceptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.acceptors[localPort]; exists {
		return nil, wireerr.New(wireerr.InvalidArgument, "port %d already has an acceptor", localPort)
	}
	st := &acceptorState{pending: make(chan *Fiber, 64)}
	d.acceptors[localPort] = st
	return &Acceptor{demux: d, port: localPort, state: st}, nil
}

// allocateEphemeralLocked returns an unused ephemeral port, skipping
// in-use values. Caller must hold d.mu.
func (d *Demux) allocateEphemeralLocked() uint32 {
	for {
		p := d.nextEphemeral
		d.nextEphemeral++
		if d.nextEphemeral == 0 {
			d.nextEphemeral = firstEphemeralPort
		}
		if _, inUse := d.fibers[p]; !inUse {
			return p
		}
	}
}

// retireFiber removes a fiber from the table once both directions are fully closed.
func (d *Demux) retireFiber(f *Fiber) {
	d.mu.Lock()
	delete(d.fibers, f.localPort)
	d.mu.Unlock()
}

// fault transitions the whole demux to faulted and cascades connection_reset
// to every fiber, per the reader task's malformed-frame handling.
func (d *Demux) fault(err error) {
	d.mu.Lock()
	if d.faulted {
		d.mu.Unlock()
		return
	}
	d.faulted = true
	d.faultErr = err
	d.mu.Unlock()
	d.logger.ELogf("demux faulted: %v", err)
	d.faultAll(err)
	d.StartShutdown(err)
}

func (d *Demux) faultAll(err error) {
	d.mu.Lock()
	fibers := make([]*Fiber, 0, len(d.fibers))
	for _, f := range d.fibers {
		fibers = append(fibers, f)
	}
	acceptors := d.acceptors
	d.acceptors = map[uint32]*acceptorState{}
	d.mu.Unlock()
	for _, f := range fibers {
		f.faultAll()
	}
	for _, acc := range acceptors {
		close(acc.pending)
	}
}

// Err returns the fault error if the demux has faulted, else nil.
func (d *Demux) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.faultErr
}

// portOrder returns the demux's current fiber local ports in ascending
// order, the fixed cycle the writer task rotates through for round-robin
// fairness among fibers with queued DATA frames.
func (d *Demux) portOrder() []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	ports := make([]uint32, 0, len(d.fibers))
	for p := range d.fibers {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// Acceptor is the accept-side handle for a listening local port.
type Acceptor struct {
	demux *Demux
	port  uint32
	state *acceptorState
}

// Accept blocks until a fiber connects to this acceptor's port or the
// acceptor's demux shuts down.
func (a *Acceptor) Accept(ctx context.Context) (*Fiber, error) {
	select {
	case f, ok := <-a.state.pending:
		if !ok {
			return nil, wireerr.ErrOperationAborted
		}
		return f, nil
	case <-ctx.Done():
		return nil, wireerr.Wrap(wireerr.OperationAborted, ctx.Err(), "accept cancelled")
	}
}

// Close unregisters the acceptor.
func (a *Acceptor) Close() error {
	a.demux.mu.Lock()
	defer a.demux.mu.Unlock()
	delete(a.demux.acceptors, a.port)
	return nil
}
