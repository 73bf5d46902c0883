package link

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"

	"github.com/ssf-go/ssftun/ssflog"
	"github.com/ssf-go/ssftun/wireerr"
)

// SOCKSVersion selects SOCKS4 or SOCKS5 client traversal.
type SOCKSVersion int

const (
	SOCKS4 SOCKSVersion = 4
	SOCKS5 SOCKSVersion = 5
)

// SOCKSLayer negotiates a SOCKS4 or SOCKS5 CONNECT through a proxy before
// handing an opaque byte stream to the next layer (normally TLS).
type SOCKSLayer struct {
	Inner    Layer
	Version  SOCKSVersion
	Target   string // host:port of the ultimate destination
	Username string // SOCKS4 userid, or SOCKS5 user/pass username
	Password string // SOCKS5 user/pass password only
	Logger   ssflog.Logger
}

// MakeSOCKSEndpoint builds a SOCKSLayer from a ParamSet. Required keys:
// "version" ("4" or "5"), "target". Optional: "username", "password".
func MakeSOCKSEndpoint(inner Layer, params ParamSet, logger ssflog.Logger) (*SOCKSLayer, error) {
	target := params["target"]
	if target == "" {
		return nil, wireerr.New(wireerr.InvalidArgument, "socks layer requires \"target\" parameter")
	}
	verStr := params["version"]
	var version SOCKSVersion
	switch verStr {
	case "4":
		version = SOCKS4
	case "5", "":
		version = SOCKS5
	default:
		return nil, wireerr.New(wireerr.InvalidArgument, "socks layer version must be 4 or 5, got %q", verStr)
	}
	return &SOCKSLayer{
		Inner:    inner,
		Version:  version,
		Target:   target,
		Username: params["username"],
		Password: params["password"],
		Logger:   logger.Fork("socks%d", version),
	}, nil
}

// DialContext implements Layer.
func (l *SOCKSLayer) DialContext(ctx context.Context) (Conn, error) {
	conn, err := l.Inner.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	host, portStr, err := net.SplitHostPort(l.Target)
	if err != nil {
		conn.Close()
		return nil, wireerr.Wrap(wireerr.InvalidArgument, err, "invalid socks target %q", l.Target)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		conn.Close()
		return nil, wireerr.Wrap(wireerr.InvalidArgument, err, "invalid socks target port %q", portStr)
	}
	if l.Version == SOCKS4 {
		err = l.negotiateV4(conn, host, uint16(port))
	} else {
		err = l.negotiateV5(conn, host, uint16(port))
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	l.Logger.DLogf("SOCKS%d CONNECT %s established", l.Version, l.Target)
	return conn, nil
}

// negotiateV4 implements the SOCKS4 CONNECT request: 1-byte version, 1-byte
// command, 2-byte port, 4-byte IPv4 address, NUL-terminated userid.
func (l *SOCKSLayer) negotiateV4(conn Conn, host string, port uint16) error {
	ip := net.ParseIP(host)
	if ip == nil {
		addrs, err := net.DefaultResolver.LookupIP(context.Background(), "ip4", host)
		if err != nil || len(addrs) == 0 {
			return wireerr.Wrap(wireerr.ProxyProtocol, err, "socks4 cannot resolve %s", host)
		}
		ip = addrs[0]
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return wireerr.New(wireerr.ProxyProtocol, "socks4 requires an IPv4 target, got %s", host)
	}
	req := make([]byte, 0, 9+len(l.Username)+1)
	req = append(req, 0x04, 0x01)
	req = binary.BigEndian.AppendUint16(req, port)
	req = append(req, ip4...)
	req = append(req, []byte(l.Username)...)
	req = append(req, 0x00)
	if _, err := conn.Write(req); err != nil {
		return wireerr.Wrap(wireerr.ProxyProtocol, err, "socks4 request write")
	}
	reply := make([]byte, 8)
	if _, err := readFull(conn, reply); err != nil {
		return wireerr.Wrap(wireerr.ProxyProtocol, err, "socks4 reply read")
	}
	if reply[0] != 0x00 {
		return wireerr.New(wireerr.ProxyProtocol, "socks4 malformed reply, version byte %d", reply[0])
	}
	if reply[1] != 0x5a {
		return wireerr.New(wireerr.ProxyAuth, "socks4 request rejected, code %d", reply[1])
	}
	return nil
}

const (
	socksMethodNoAuth   = 0x00
	socksMethodUserPass = 0x02
	socksMethodNoneOK   = 0xFF

	socksAtypIPv4   = 0x01
	socksAtypDomain = 0x03
	socksAtypIPv6   = 0x04
)

// negotiateV5 implements the SOCKS5 handshake: method greeting, optional
// user/pass sub-negotiation, then the CONNECT request.
func (l *SOCKSLayer) negotiateV5(conn Conn, host string, port uint16) error {
	methods := []byte{socksMethodNoAuth}
	if l.Username != "" {
		methods = append(methods, socksMethodUserPass)
	}
	greeting := append([]byte{0x05, byte(len(methods))}, methods...)
	if _, err := conn.Write(greeting); err != nil {
		return wireerr.Wrap(wireerr.ProxyProtocol, err, "socks5 greeting write")
	}
	resp := make([]byte, 2)
	if _, err := readFull(conn, resp); err != nil {
		return wireerr.Wrap(wireerr.ProxyProtocol, err, "socks5 greeting reply read")
	}
	if resp[0] != 0x05 {
		return wireerr.New(wireerr.ProxyProtocol, "socks5 unexpected version byte %d", resp[0])
	}
	switch resp[1] {
	case socksMethodNoAuth:
		// nothing further
	case socksMethodUserPass:
		if err := l.negotiateV5UserPass(conn); err != nil {
			return err
		}
	case socksMethodNoneOK:
		return wireerr.New(wireerr.ProxyAuth, "socks5 proxy accepted no offered auth method")
	default:
		return wireerr.New(wireerr.ProxyAuth, "socks5 proxy selected unsupported method %d", resp[1])
	}

	req := []byte{0x05, 0x01, 0x00}
	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		req = append(req, socksAtypDomain, byte(len(host)))
		req = append(req, []byte(host)...)
	case ip.To4() != nil:
		req = append(req, socksAtypIPv4)
		req = append(req, ip.To4()...)
	default:
		req = append(req, socksAtypIPv6)
		req = append(req, ip.To16()...)
	}
	req = binary.BigEndian.AppendUint16(req, port)
	if _, err := conn.Write(req); err != nil {
		return wireerr.Wrap(wireerr.ProxyProtocol, err, "socks5 request write")
	}

	hdr := make([]byte, 4)
	if _, err := readFull(conn, hdr); err != nil {
		return wireerr.Wrap(wireerr.ProxyProtocol, err, "socks5 reply header read")
	}
	if hdr[0] != 0x05 {
		return wireerr.New(wireerr.ProxyProtocol, "socks5 unexpected reply version %d", hdr[0])
	}
	if hdr[1] != 0x00 {
		return wireerr.New(wireerr.ProxyAuth, "socks5 request failed, reply code %d", hdr[1])
	}
	var addrLen int
	switch hdr[3] {
	case socksAtypIPv4:
		addrLen = 4
	case socksAtypIPv6:
		addrLen = 16
	case socksAtypDomain:
		lenByte := make([]byte, 1)
		if _, err := readFull(conn, lenByte); err != nil {
			return wireerr.Wrap(wireerr.ProxyProtocol, err, "socks5 reply domain length read")
		}
		addrLen = int(lenByte[0])
	default:
		return wireerr.New(wireerr.ProxyProtocol, "socks5 reply unknown address type %d", hdr[3])
	}
	rest := make([]byte, addrLen+2)
	if _, err := readFull(conn, rest); err != nil {
		return wireerr.Wrap(wireerr.ProxyProtocol, err, "socks5 reply address read")
	}
	return nil
}

func (l *SOCKSLayer) negotiateV5UserPass(conn Conn) error {
	req := []byte{0x01, byte(len(l.Username))}
	req = append(req, []byte(l.Username)...)
	req = append(req, byte(len(l.Password)))
	req = append(req, []byte(l.Password)...)
	if _, err := conn.Write(req); err != nil {
		return wireerr.Wrap(wireerr.ProxyProtocol, err, "socks5 auth request write")
	}
	resp := make([]byte, 2)
	if _, err := readFull(conn, resp); err != nil {
		return wireerr.Wrap(wireerr.ProxyProtocol, err, "socks5 auth reply read")
	}
	if resp[1] != 0x00 {
		return wireerr.New(wireerr.ProxyAuth, "socks5 user/pass authentication rejected")
	}
	return nil
}

// readFull reads exactly len(buf) bytes or returns an error, without pulling
// in io.ReadFull's slightly different EOF semantics message.
func readFull(conn Conn, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		n += m
		if err != nil {
			return n, fmt.Errorf("short read (%d/%d): %w", n, len(buf), err)
		}
	}
	return n, nil
}
