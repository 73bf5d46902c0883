// Package admin implements the admin service protocol that runs on fiber 0
// of the multiplexer: version exchange, the command/reply protocol used to
// negotiate user services, keep-alives, and the client-side initialization
// state machine.
package admin

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/ssf-go/ssftun/ssflog"
	"github.com/ssf-go/ssftun/wireerr"
)

// ProtocolVersion is the single byte exchanged first on fiber 0. A mismatch
// aborts the whole demux.
const ProtocolVersion = 1

// KeepAliveInterval is how long fiber 0 may sit idle before a keep-alive
// command is sent.
const KeepAliveInterval = 120 * time.Second

// ServiceStatusRetryCount bounds how many times the client's initialization
// state machine retries a create-request that failed transiently.
const ServiceStatusRetryCount = 3

// Well-known command ids. Concrete service commands (CreateServiceRequest,
// StopServiceRequest) are registered by the services package via
// RegisterCommand; these two plus keep-alive are intrinsic to the admin
// protocol itself.
const (
	CmdKeepAlive          uint32 = 0
	CmdCreateServiceRequest uint32 = 1
	CmdStopServiceRequest   uint32 = 2
)

// Status is the first byte of every command reply's payload; any reply body
// follows it.
type Status uint8

const (
	StatusOK Status = iota
	StatusFailure
	StatusUnknownCommand
)

// Command is a decoded admin command frame:
// {serial: u32, cmd_id: u32, payload_len: u32, payload: bytes}.
type Command struct {
	Serial  uint32
	CmdID   uint32
	Payload []byte
}

// replyHandler is invoked at most once, by the read loop, when the reply to
// its serial arrives; err is an admin_remote_failure error when the reply's
// status is not StatusOK. A Call that ends through ctx or a service stop
// returns without invoking its handler.
type replyHandler func(reply Command, err error)

// Role distinguishes which side of the asymmetric admin relationship this
// endpoint plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// CommandFactory constructs the handler for a locally-received command with
// the given id, returning the reply payload and status.
type CommandFactory func(ctx context.Context, cmd Command) (payload []byte, status Status)

// Service is the fiber 0 admin endpoint. One Service exists per session,
// wired to the demux's port-0 fiber.
type Service struct {
	role   Role
	fiber  io.ReadWriteCloser
	logger ssflog.Logger

	mu           sync.Mutex
	nextSerial   uint32
	serialStride uint32
	handlers     map[uint32]replyHandler
	registry     map[uint32]CommandFactory

	lastActivity time.Time
	stopCh       chan struct{}
	writeMu      sync.Mutex
}

// New creates a Service. fiber0 must be the already-established fiber
// addressed to port 0 on both peers. Client uses even serials, server uses
// odd, per the documented partition decided for the ambiguous source
// allocation rule.
func New(role Role, fiber0 io.ReadWriteCloser, logger ssflog.Logger) *Service {
	s := &Service{
		role:     role,
		fiber:    fiber0,
		logger:   logger.Fork("admin"),
		handlers: map[uint32]replyHandler{},
		registry: map[uint32]CommandFactory{},
		stopCh:   make(chan struct{}),
	}
	s.serialStride = 2
	if role == RoleClient {
		s.nextSerial = 0 // even
	} else {
		s.nextSerial = 1 // odd
	}
	s.registry[CmdKeepAlive] = func(ctx context.Context, cmd Command) ([]byte, Status) {
		return nil, StatusOK
	}
	return s
}

// RegisterCommand installs a factory for a command id, called on the
// receiving side whenever a command with that id arrives. Unregistered ids
// are replied to with StatusUnknownCommand and a warning log, per the
// command registry design.
func (s *Service) RegisterCommand(id uint32, factory CommandFactory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[id] = factory
}

// ExchangeVersion performs the version handshake: send our version, read
// the peer's, and fail with admin_version_mismatch on a mismatch.
func (s *Service) ExchangeVersion(ctx context.Context) error {
	writeErr := make(chan error, 1)
	go func() {
		_, err := s.fiber.Write([]byte{ProtocolVersion})
		writeErr <- err
	}()
	buf := make([]byte, 1)
	if _, err := io.ReadFull(s.fiber, buf); err != nil {
		return wireerr.Wrap(wireerr.AdminVersionMismatch, err, "read peer version")
	}
	if err := <-writeErr; err != nil {
		return wireerr.Wrap(wireerr.AdminVersionMismatch, err, "write local version")
	}
	if buf[0] != ProtocolVersion {
		return wireerr.New(wireerr.AdminVersionMismatch, "local version %d, peer version %d", ProtocolVersion, buf[0])
	}
	s.lastActivity = timeNow()
	return nil
}

// Run starts the read loop (dispatching incoming commands and replies) and
// the keep-alive timer. It blocks until the fiber closes or ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.readLoop(ctx) }()

	ticker := time.NewTicker(KeepAliveInterval / 4)
	defer ticker.Stop()
	missed := 0
	for {
		select {
		case err := <-errCh:
			close(s.stopCh)
			return err
		case <-ctx.Done():
			close(s.stopCh)
			return ctx.Err()
		case <-ticker.C:
			s.mu.Lock()
			idle := timeNow().Sub(s.lastActivity)
			s.mu.Unlock()
			if idle < KeepAliveInterval {
				continue
			}
			kaCtx, cancel := context.WithTimeout(ctx, KeepAliveInterval)
			_, err := s.Call(kaCtx, CmdKeepAlive, nil)
			cancel()
			if err != nil {
				missed++
				if missed >= 2 {
					close(s.stopCh)
					return wireerr.New(wireerr.TimedOut, "keep-alive missed %d times", missed)
				}
				continue
			}
			missed = 0
		}
	}
}

// readLoop continuously decodes command/reply frames off fiber 0 and
// dispatches them.
func (s *Service) readLoop(ctx context.Context) error {
	for {
		cmd, isReply, err := s.readFrame()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.lastActivity = timeNow()
		s.mu.Unlock()
		if isReply {
			s.mu.Lock()
			h, ok := s.handlers[cmd.Serial]
			if ok {
				delete(s.handlers, cmd.Serial)
			}
			s.mu.Unlock()
			if ok {
				status := Status(StatusOK)
				if len(cmd.Payload) > 0 {
					status = Status(cmd.Payload[0])
				}
				var callErr error
				if status != StatusOK {
					callErr = wireerr.New(wireerr.AdminRemoteFailure, "command reply status %d", status)
				}
				h(cmd, callErr)
			}
			continue
		}
		s.handleIncoming(ctx, cmd)
	}
}

// frameFlagReply distinguishes a reply frame from a fresh command frame on
// the wire: replies reuse the original serial and set the high bit of
// cmd_id, since serials alone can't disambiguate direction once both peers
// have issued commands with overlapping (even/odd-partitioned) serials.
const frameFlagReply uint32 = 1 << 31

func (s *Service) readFrame() (Command, bool, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(s.fiber, hdr); err != nil {
		return Command{}, false, wireerr.Wrap(wireerr.ConnectionReset, err, "admin frame header read")
	}
	serial := binary.LittleEndian.Uint32(hdr[0:4])
	cmdIDRaw := binary.LittleEndian.Uint32(hdr[4:8])
	isReply := cmdIDRaw&frameFlagReply != 0
	cmdID := cmdIDRaw &^ frameFlagReply
	payloadLen := binary.LittleEndian.Uint32(hdr[8:12])
	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(s.fiber, payload); err != nil {
			return Command{}, false, wireerr.Wrap(wireerr.ConnectionReset, err, "admin frame payload read")
		}
	}
	return Command{Serial: serial, CmdID: cmdID, Payload: payload}, isReply, nil
}

func (s *Service) writeFrame(serial, cmdID uint32, isReply bool, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	hdr := make([]byte, 12)
	binary.LittleEndian.PutUint32(hdr[0:4], serial)
	cmdIDRaw := cmdID
	if isReply {
		cmdIDRaw |= frameFlagReply
	}
	binary.LittleEndian.PutUint32(hdr[4:8], cmdIDRaw)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	if _, err := s.fiber.Write(hdr); err != nil {
		return wireerr.Wrap(wireerr.ConnectionReset, err, "admin frame header write")
	}
	if len(payload) > 0 {
		if _, err := s.fiber.Write(payload); err != nil {
			return wireerr.Wrap(wireerr.ConnectionReset, err, "admin frame payload write")
		}
	}
	return nil
}

// handleIncoming dispatches a freshly received command to its registered
// factory and sends the reply.
func (s *Service) handleIncoming(ctx context.Context, cmd Command) {
	s.mu.Lock()
	factory, ok := s.registry[cmd.CmdID]
	s.mu.Unlock()
	var payload []byte
	var status Status
	if !ok {
		s.logger.WLogf("no factory registered for command id %d", cmd.CmdID)
		status = StatusUnknownCommand
	} else {
		payload, status = factory(ctx, cmd)
	}
	replyPayload := append([]byte{byte(status)}, payload...)
	if err := s.writeFrame(cmd.Serial, cmd.CmdID, true, replyPayload); err != nil {
		s.logger.ELogf("failed to send reply for serial %d: %v", cmd.Serial, err)
	}
}

// Call sends a command and blocks until its reply arrives, ctx is done, or
// the service stops.
func (s *Service) Call(ctx context.Context, cmdID uint32, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, wireerr.Wrap(wireerr.OperationAborted, err, "admin call cancelled")
	}
	s.mu.Lock()
	serial := s.nextSerial
	s.nextSerial += s.serialStride
	replyCh := make(chan Command, 1)
	errCh := make(chan error, 1)
	s.handlers[serial] = func(reply Command, err error) {
		if err != nil {
			errCh <- err
			return
		}
		replyCh <- reply
	}
	s.mu.Unlock()

	if err := s.writeFrame(serial, cmdID, false, payload); err != nil {
		s.mu.Lock()
		delete(s.handlers, serial)
		s.mu.Unlock()
		return nil, err
	}

	select {
	case reply := <-replyCh:
		var body []byte
		if len(reply.Payload) > 1 {
			body = reply.Payload[1:]
		}
		return body, nil
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.handlers, serial)
		s.mu.Unlock()
		return nil, wireerr.Wrap(wireerr.OperationAborted, ctx.Err(), "admin call cancelled")
	case <-s.stopCh:
		return nil, wireerr.ErrOperationAborted
	}
}

// timeNow is a seam so tests can control the keep-alive clock; production
// code always uses time.Now.
var timeNow = time.Now
