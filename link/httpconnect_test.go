package link

import (
	"bufio"
	"context"
	"encoding/base64"
	"net/http"
	"strings"
	"testing"
)

func TestHTTPConnectLayerDialContextSuccess(t *testing.T) {
	client, peer := newMemConnPair()
	l := &HTTPConnectLayer{Inner: &stubLayer{conn: client}, Target: "example.com:443", Logger: testLogger()}

	done := make(chan error, 1)
	go func() {
		_, err := l.DialContext(context.Background())
		done <- err
	}()

	br := bufio.NewReader(peer)
	req, err := http.ReadRequest(br)
	if err != nil {
		t.Fatalf("read CONNECT request: %v", err)
	}
	if req.Method != "CONNECT" || req.Host != "example.com:443" {
		t.Fatalf("request = %s %s, want CONNECT example.com:443", req.Method, req.Host)
	}
	peer.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))

	if err := <-done; err != nil {
		t.Fatalf("DialContext: %v", err)
	}
}

func TestHTTPConnectLayerRetriesWithBasicAuth(t *testing.T) {
	client, peer := newMemConnPair()
	l := &HTTPConnectLayer{
		Inner:  &stubLayer{conn: client},
		Target: "example.com:443",
		Auth:   &ProxyAuth{Username: "alice", Password: "secret"},
		Logger: testLogger(),
	}

	done := make(chan error, 1)
	go func() {
		_, err := l.DialContext(context.Background())
		done <- err
	}()

	br := bufio.NewReader(peer)
	if _, err := http.ReadRequest(br); err != nil {
		t.Fatalf("read first CONNECT request: %v", err)
	}
	peer.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"proxy\"\r\n\r\n"))

	req2, err := http.ReadRequest(br)
	if err != nil {
		t.Fatalf("read second CONNECT request: %v", err)
	}
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:secret"))
	if got := req2.Header.Get("Proxy-Authorization"); got != wantAuth {
		t.Fatalf("Proxy-Authorization = %q, want %q", got, wantAuth)
	}
	peer.Write([]byte("HTTP/1.1 200 Connection established\r\n\r\n"))

	if err := <-done; err != nil {
		t.Fatalf("DialContext: %v", err)
	}
}

func TestHTTPConnectLayerFailsWithoutAuthOn407(t *testing.T) {
	client, peer := newMemConnPair()
	l := &HTTPConnectLayer{Inner: &stubLayer{conn: client}, Target: "example.com:443", Logger: testLogger()}

	done := make(chan error, 1)
	go func() {
		_, err := l.DialContext(context.Background())
		done <- err
	}()

	br := bufio.NewReader(peer)
	http.ReadRequest(br)
	peer.Write([]byte("HTTP/1.1 407 Proxy Authentication Required\r\nProxy-Authenticate: Basic realm=\"proxy\"\r\n\r\n"))

	if err := <-done; err == nil {
		t.Fatalf("expected DialContext to fail when no credentials are configured")
	}
}

func TestStrongestChallengePrefersDigestOverBasic(t *testing.T) {
	got := strongestChallenge([]string{"Basic realm=\"x\"", "Digest realm=\"x\", nonce=\"n\""})
	if !strings.HasPrefix(got, "Digest") {
		t.Fatalf("strongestChallenge = %q, want a Digest challenge", got)
	}
}

func TestStrongestChallengeFallsBackToNTLM(t *testing.T) {
	got := strongestChallenge([]string{"NTLM"})
	if got != "NTLM" {
		t.Fatalf("strongestChallenge = %q, want NTLM", got)
	}
}

func TestBuildAuthHeaderRejectsNTLM(t *testing.T) {
	l := &HTTPConnectLayer{Auth: &ProxyAuth{Username: "a", Password: "b"}}
	_, err := l.buildAuthHeader("NTLM")
	if err == nil {
		t.Fatalf("expected buildAuthHeader to reject NTLM")
	}
}

func TestBuildDigestHeaderIncludesQopFields(t *testing.T) {
	l := &HTTPConnectLayer{Target: "example.com:443", Auth: &ProxyAuth{Username: "alice", Password: "secret"}}
	header, err := l.buildDigestHeader(`Digest realm="proxy", nonce="abc123", qop="auth"`)
	if err != nil {
		t.Fatalf("buildDigestHeader: %v", err)
	}
	for _, want := range []string{`username="alice"`, `realm="proxy"`, `nonce="abc123"`, `qop=auth`, `nc=00000001`} {
		if !strings.Contains(header, want) {
			t.Fatalf("digest header %q missing %q", header, want)
		}
	}
}

func TestBuildDigestHeaderRejectsMissingNonce(t *testing.T) {
	l := &HTTPConnectLayer{Auth: &ProxyAuth{Username: "alice", Password: "secret"}}
	_, err := l.buildDigestHeader(`Digest realm="proxy"`)
	if err == nil {
		t.Fatalf("expected error for a challenge missing nonce")
	}
}

func TestParseDigestChallengeExtractsQuotedFields(t *testing.T) {
	got := parseDigestChallenge(`Digest realm="proxy", nonce="abc,123", qop="auth"`)
	if got["realm"] != "proxy" || got["nonce"] != "abc,123" || got["qop"] != "auth" {
		t.Fatalf("parseDigestChallenge = %+v", got)
	}
}

func TestSplitDigestParamsRespectsQuotedCommas(t *testing.T) {
	parts := splitDigestParams(`realm="a,b", nonce="c"`)
	if len(parts) != 2 {
		t.Fatalf("splitDigestParams returned %d parts, want 2: %v", len(parts), parts)
	}
}
