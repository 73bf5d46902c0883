package link

import (
	"bufio"
	"context"
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/ssf-go/ssftun/ssflog"
	"github.com/ssf-go/ssftun/wireerr"
)

// ProxyAuth carries the credentials the HTTP-CONNECT layer will offer to a
// proxy that challenges with 407 Proxy Authentication Required.
type ProxyAuth struct {
	Username string
	Domain   string
	Password string
}

// HTTPConnectLayer negotiates an HTTP CONNECT tunnel through a proxy before
// handing an opaque byte stream to whatever layer is stacked on top of it
// (normally TLS).
type HTTPConnectLayer struct {
	Inner  Layer
	Target string // host:port of the ultimate destination
	Auth   *ProxyAuth
	Logger ssflog.Logger
}

// MakeHTTPConnectEndpoint builds an HTTPConnectLayer from a ParamSet.
// Required key: "target" (host:port beyond the proxy). Optional:
// "username", "domain", "password".
func MakeHTTPConnectEndpoint(inner Layer, params ParamSet, logger ssflog.Logger) (*HTTPConnectLayer, error) {
	target := params["target"]
	if target == "" {
		return nil, wireerr.New(wireerr.InvalidArgument, "http proxy layer requires \"target\" parameter")
	}
	l := &HTTPConnectLayer{Inner: inner, Target: target, Logger: logger.Fork("http-connect")}
	if u, ok := params["username"]; ok {
		l.Auth = &ProxyAuth{Username: u, Domain: params["domain"], Password: params["password"]}
	}
	return l, nil
}

// DialContext implements Layer. It dials the inner (proxy) layer, then
// issues CONNECT, retrying once with the strongest challenge scheme the
// proxy offers on a 407.
func (l *HTTPConnectLayer) DialContext(ctx context.Context) (Conn, error) {
	conn, err := l.Inner.DialContext(ctx)
	if err != nil {
		return nil, err
	}

	authHeader := ""
	for attempt := 0; attempt < 2; attempt++ {
		status, headers, err := l.sendConnect(conn, authHeader)
		if err != nil {
			conn.Close()
			return nil, wireerr.Wrap(wireerr.ProxyProtocol, err, "CONNECT %s failed", l.Target)
		}
		if status == 200 {
			l.Logger.DLogf("CONNECT %s established", l.Target)
			return conn, nil
		}
		if status == 407 && attempt == 0 && l.Auth != nil {
			challenge := strongestChallenge(headers.Values("Proxy-Authenticate"))
			if challenge == "" {
				conn.Close()
				return nil, wireerr.New(wireerr.ProxyAuth, "proxy requested auth but offered no supported scheme")
			}
			authHeader, err = l.buildAuthHeader(challenge)
			if err != nil {
				conn.Close()
				return nil, wireerr.Wrap(wireerr.ProxyAuth, err, "building proxy authorization")
			}
			continue
		}
		conn.Close()
		return nil, wireerr.New(wireerr.ProxyAuth, "CONNECT %s rejected with status %d", l.Target, status)
	}
	conn.Close()
	return nil, wireerr.New(wireerr.ProxyAuth, "exhausted proxy authentication schemes for %s", l.Target)
}

func (l *HTTPConnectLayer) sendConnect(conn Conn, authHeader string) (int, http.Header, error) {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", l.Target, l.Target)
	if authHeader != "" {
		req += "Proxy-Authorization: " + authHeader + "\r\n"
	}
	req += "\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		return 0, nil, err
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, resp.Header, nil
}

// strongestChallenge picks Digest over Basic when both are offered; NTLM and
// Negotiate challenges are recognized but not answered (see buildAuthHeader).
func strongestChallenge(challenges []string) string {
	var basic, digest, ntlm, negotiate string
	for _, c := range challenges {
		lc := strings.ToLower(c)
		switch {
		case strings.HasPrefix(lc, "digest"):
			digest = c
		case strings.HasPrefix(lc, "basic"):
			basic = c
		case strings.HasPrefix(lc, "ntlm"):
			ntlm = c
		case strings.HasPrefix(lc, "negotiate"):
			negotiate = c
		}
	}
	switch {
	case digest != "":
		return digest
	case basic != "":
		return basic
	case ntlm != "":
		return ntlm
	case negotiate != "":
		return negotiate
	}
	return ""
}

func (l *HTTPConnectLayer) buildAuthHeader(challenge string) (string, error) {
	lc := strings.ToLower(challenge)
	switch {
	case strings.HasPrefix(lc, "basic"):
		token := base64.StdEncoding.EncodeToString([]byte(l.Auth.Username + ":" + l.Auth.Password))
		return "Basic " + token, nil
	case strings.HasPrefix(lc, "digest"):
		return l.buildDigestHeader(challenge)
	default:
		// NTLM and Negotiate (SPNEGO/Kerberos) require a stateful,
		// multi-round handshake carried over successive CONNECT attempts
		// that this simple two-attempt retry loop cannot express; no
		// vetted GSSAPI/NTLM library is present in this module's
		// dependency set, so these schemes are recognized (so callers get
		// a clear proxy_auth error) but not completed.
		return "", wireerr.New(wireerr.ProxyAuth, "unsupported proxy auth scheme: %s", challenge)
	}
}

// buildDigestHeader implements RFC 2617 MD5 digest auth with qop=auth,
// sufficient for the CONNECT method (no entity body to hash).
func (l *HTTPConnectLayer) buildDigestHeader(challenge string) (string, error) {
	params := parseDigestChallenge(challenge)
	realm := params["realm"]
	nonce := params["nonce"]
	if nonce == "" {
		return "", wireerr.New(wireerr.ProxyAuth, "digest challenge missing nonce")
	}
	cnonce := md5hex(nonce + l.Auth.Username)[:16]
	nc := "00000001"
	ha1 := md5hex(l.Auth.Username + ":" + realm + ":" + l.Auth.Password)
	ha2 := md5hex("CONNECT:" + l.Target)
	var response string
	qop := params["qop"]
	if qop != "" {
		response = md5hex(ha1 + ":" + nonce + ":" + nc + ":" + cnonce + ":" + qop + ":" + ha2)
	} else {
		response = md5hex(ha1 + ":" + nonce + ":" + ha2)
	}
	header := fmt.Sprintf(
		`Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		l.Auth.Username, realm, nonce, l.Target, response,
	)
	if qop != "" {
		header += fmt.Sprintf(`, qop=%s, nc=%s, cnonce="%s"`, qop, nc, cnonce)
	}
	if opaque := params["opaque"]; opaque != "" {
		header += fmt.Sprintf(`, opaque="%s"`, opaque)
	}
	return header, nil
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return fmt.Sprintf("%x", sum)
}

// parseDigestChallenge extracts key="value" pairs from a WWW/Proxy-Authenticate
// Digest challenge header value.
func parseDigestChallenge(challenge string) map[string]string {
	out := map[string]string{}
	rest := challenge
	if idx := strings.Index(rest, " "); idx >= 0 {
		rest = rest[idx+1:]
	}
	for _, part := range splitDigestParams(rest) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.Trim(strings.TrimSpace(kv[1]), `"`)
		out[key] = val
	}
	return out
}

// splitDigestParams splits comma-separated k=v pairs while respecting
// double-quoted values that may themselves contain commas.
func splitDigestParams(s string) []string {
	var parts []string
	inQuotes := false
	start := 0
	for i, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}
