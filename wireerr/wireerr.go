// Package wireerr defines the error taxonomy surfaced by every layer of the
// tunnel core, so that callers can use errors.Is/errors.As instead of
// matching on string text.
package wireerr

import "fmt"

// Kind identifies the category of a core error, per the taxonomy in the
// core's error handling design.
type Kind int

const (
	// Unknown is the zero value; it should never be intentionally returned.
	Unknown Kind = iota

	// InvalidArgument means an endpoint or config parameter was missing or malformed.
	InvalidArgument

	// ConnectionRefused means a lower transport actively refused the connection.
	ConnectionRefused
	// ConnectionReset means the peer aborted the connection or a fiber mid-stream.
	ConnectionReset
	// TimedOut means an operation exceeded its deadline.
	TimedOut
	// NetworkUnreachable means the underlying network stack could not route.
	NetworkUnreachable

	// ProxyAuth means all supported proxy authentication schemes were exhausted.
	ProxyAuth
	// ProxyProtocol means a CONNECT or SOCKS reply was malformed.
	ProxyProtocol

	// CircuitHopFailed means a relay hop in a circuit chain failed; HopIndex is set.
	CircuitHopFailed

	// TLSHandshake means the TLS handshake itself failed.
	TLSHandshake
	// TLSPeerVerify means the handshake completed but peer verification failed.
	TLSPeerVerify

	// FiberRefused means a SYN was NAK'd because no acceptor exists for the port.
	FiberRefused
	// FiberReset means a fiber received or sent RST.
	FiberReset
	// DemuxFaulted means a protocol-level framing violation poisoned the whole demux.
	DemuxFaulted

	// AdminVersionMismatch means the fiber-0 version handshake failed.
	AdminVersionMismatch
	// AdminUnknownCommand means a command id had no registered factory.
	AdminUnknownCommand
	// AdminRemoteFailure means the peer's admin command reply carried a failure status.
	AdminRemoteFailure

	// OperationAborted means the operation was cancelled by a Close() elsewhere.
	OperationAborted
)

var kindNames = [...]string{
	"unknown",
	"invalid_argument",
	"connection_refused",
	"connection_reset",
	"timed_out",
	"network_unreachable",
	"proxy_auth",
	"proxy_protocol",
	"circuit_hop_failed",
	"tls_handshake",
	"tls_peer_verify",
	"fiber_refused",
	"fiber_reset",
	"demux_faulted",
	"admin_version_mismatch",
	"admin_unknown_command",
	"admin_remote_failure",
	"operation_aborted",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// Error is the concrete error type returned across every core boundary.
type Error struct {
	Kind Kind
	// HopIndex is meaningful only when Kind == CircuitHopFailed.
	HopIndex int
	Msg      string
	Cause    error
}

func (e *Error) Error() string {
	if e.Kind == CircuitHopFailed {
		if e.Cause != nil {
			return fmt.Sprintf("%s (hop %d): %s: %s", e.Kind, e.HopIndex, e.Msg, e.Cause)
		}
		return fmt.Sprintf("%s (hop %d): %s", e.Kind, e.HopIndex, e.Msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is(err, wireerr.New(kind, "")) to match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind that wraps cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// WrapHop creates a CircuitHopFailed error carrying the failed hop's index.
func WrapHop(hopIndex int, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: CircuitHopFailed, HopIndex: hopIndex, Msg: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, else Unknown.
func KindOf(err error) Kind {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return Unknown
	}
	return e.Kind
}

// Sentinel instances usable directly with errors.Is when no extra context is needed.
var (
	ErrOperationAborted = &Error{Kind: OperationAborted, Msg: "operation aborted"}
	ErrFiberRefused     = &Error{Kind: FiberRefused, Msg: "no acceptor for destination port"}
	ErrDemuxFaulted     = &Error{Kind: DemuxFaulted, Msg: "demux protocol fault"}
)
