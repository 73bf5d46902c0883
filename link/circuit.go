package link

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ssf-go/ssftun/ssflog"
	"github.com/ssf-go/ssftun/wireerr"
)

// CircuitHop is one intermediate relay in a circuit chain.
type CircuitHop struct {
	Host string
	Port int
}

// relayRequest is the on-wire relay-request payload. The framing is not
// canonicalized upstream, so this module fixes it: a big-endian uint32
// length prefix followed by that many bytes of UTF-8 JSON, then a 1-byte
// status reply (0 = ok, nonzero = failure). JSON keeps the format
// self-describing and trivially extensible without a second protocol
// version field, at the cost of a few extra bytes per hop, which is
// immaterial next to a full connect round trip.
type relayRequest struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// CircuitLayer chains a series of relay hops before handing the stream, now
// logically terminated at the last hop, to the next layer (normally TLS).
// Each hop only forwards bytes; only the terminal node sees the TLS
// handshake.
type CircuitLayer struct {
	Inner  Layer
	Hops   []CircuitHop
	Target CircuitHop
	Logger ssflog.Logger
}

// MakeCircuitEndpoint builds a CircuitLayer. hops is the ordered relay
// chain (possibly empty); target is the terminal node reached through the
// last hop, or directly through Inner if hops is empty.
func MakeCircuitEndpoint(inner Layer, hops []CircuitHop, target CircuitHop, logger ssflog.Logger) (*CircuitLayer, error) {
	if target.Host == "" {
		return nil, wireerr.New(wireerr.InvalidArgument, "circuit layer requires a terminal target")
	}
	return &CircuitLayer{Inner: inner, Hops: hops, Target: target, Logger: logger.Fork("circuit")}, nil
}

// DialContext implements Layer. It dials the physical connection to the
// first hop (or directly to the target if there are no hops), then issues
// one relay-request per hop in order, asking each hop to connect onward to
// the next hop or, from the last hop, to the target.
func (l *CircuitLayer) DialContext(ctx context.Context) (Conn, error) {
	conn, err := l.Inner.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	for i, hop := range l.Hops {
		next := l.nextDestination(i)
		if err := relayTo(conn, next); err != nil {
			conn.Close()
			return nil, wireerr.WrapHop(i, err, "circuit relay through %s:%d", hop.Host, hop.Port)
		}
		l.Logger.DLogf("relayed via hop %d (%s:%d) to %s:%d", i, hop.Host, hop.Port, next.Host, next.Port)
	}
	return conn, nil
}

// nextDestination returns the (host, port) that hop i should be asked to
// connect onward to: the next hop in the chain, or the terminal target if
// i is the last hop.
func (l *CircuitLayer) nextDestination(i int) CircuitHop {
	if i+1 < len(l.Hops) {
		return l.Hops[i+1]
	}
	return l.Target
}

// relayTo sends one relay-request over conn and waits for its status byte.
func relayTo(conn Conn, dest CircuitHop) error {
	payload, err := json.Marshal(relayRequest{Host: dest.Host, Port: dest.Port})
	if err != nil {
		return fmt.Errorf("marshal relay request: %w", err)
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write relay request: %w", err)
	}
	status := make([]byte, 1)
	if _, err := readFull(conn, status); err != nil {
		return fmt.Errorf("read relay status: %w", err)
	}
	if status[0] != 0 {
		return fmt.Errorf("relay refused, status %d", status[0])
	}
	return nil
}

// ServeRelayHop runs the server side of one relay hop: read a relay-request
// off conn, dial the requested destination, reply with a status byte, then
// splice the two streams together until either side closes. It returns once
// splicing completes. Intermediate relay processes call this for each
// accepted connection; the terminal node never calls it (its next layer is
// TLS, not another relay).
func ServeRelayHop(ctx context.Context, conn Conn, dial func(ctx context.Context, host string, port int) (Conn, error), logger ssflog.Logger) error {
	lenBuf := make([]byte, 4)
	if _, err := readFull(conn, lenBuf); err != nil {
		return wireerr.Wrap(wireerr.ProxyProtocol, err, "read relay request length")
	}
	n := binary.BigEndian.Uint32(lenBuf)
	const maxRelayRequest = 4096
	if n > maxRelayRequest {
		return wireerr.New(wireerr.ProxyProtocol, "relay request too large: %d bytes", n)
	}
	payload := make([]byte, n)
	if _, err := readFull(conn, payload); err != nil {
		return wireerr.Wrap(wireerr.ProxyProtocol, err, "read relay request payload")
	}
	var req relayRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		conn.Write([]byte{1})
		return wireerr.Wrap(wireerr.ProxyProtocol, err, "unmarshal relay request")
	}
	dest, err := dial(ctx, req.Host, req.Port)
	if err != nil {
		conn.Write([]byte{1})
		return wireerr.Wrap(wireerr.NetworkUnreachable, err, "relay dial %s:%d", req.Host, req.Port)
	}
	if _, err := conn.Write([]byte{0}); err != nil {
		dest.Close()
		return wireerr.Wrap(wireerr.ProxyProtocol, err, "write relay status")
	}
	logger.DLogf("relaying to %s:%d", req.Host, req.Port)
	Splice(conn, dest)
	return nil
}

// Splice copies bytes in both directions between two Conns until both
// halves are exhausted, propagating half-close so FIN semantics survive an
// intermediate hop. Used both by relay hops and by user services that
// bridge a fiber to a local TCP connection.
func Splice(a, b Conn) {
	done := make(chan struct{}, 2)
	copyHalf := func(dst, src Conn) {
		buf := make([]byte, 32*1024)
		for {
			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					break
				}
			}
			if err != nil {
				break
			}
		}
		dst.CloseWrite()
		done <- struct{}{}
	}
	go copyHalf(a, b)
	go copyHalf(b, a)
	<-done
	<-done
	a.Close()
	b.Close()
}
