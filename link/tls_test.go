package link

import (
	"testing"
)

func TestTrimColon(t *testing.T) {
	cases := map[string]string{
		"":                    "",
		":":                   "",
		"TLS_AES_128_GCM_SHA256":  "TLS_AES_128_GCM_SHA256",
		":TLS_AES_128_GCM_SHA256": "TLS_AES_128_GCM_SHA256",
		"TLS_AES_128_GCM_SHA256:": "TLS_AES_128_GCM_SHA256",
		"  TLS_AES_128_GCM_SHA256  ": "TLS_AES_128_GCM_SHA256",
	}
	for in, want := range cases {
		if got := trimColon(in); got != want {
			t.Fatalf("trimColon(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseCipherSuitesEmptyIsLibraryDefault(t *testing.T) {
	suites, err := parseCipherSuites("")
	if err != nil {
		t.Fatalf("parseCipherSuites(\"\"): %v", err)
	}
	if suites != nil {
		t.Fatalf("parseCipherSuites(\"\") = %v, want nil", suites)
	}
}

func TestParseCipherSuitesResolvesKnownNames(t *testing.T) {
	suites, err := parseCipherSuites("TLS_AES_128_GCM_SHA256:TLS_CHACHA20_POLY1305_SHA256")
	if err != nil {
		t.Fatalf("parseCipherSuites: %v", err)
	}
	if len(suites) != 2 {
		t.Fatalf("parseCipherSuites returned %d suites, want 2", len(suites))
	}
}

func TestParseCipherSuitesRejectsUnknownName(t *testing.T) {
	_, err := parseCipherSuites("NOT_A_REAL_CIPHER_SUITE")
	if err == nil {
		t.Fatalf("expected error for unknown cipher suite name")
	}
}

func TestTLSClientLayerRejectsUnloadedContext(t *testing.T) {
	_, err := MakeTLSClientEndpoint(&stubLayer{}, &TLSContext{}, testLogger())
	if err == nil {
		t.Fatalf("expected error for a TLSContext that was never loaded")
	}
}

func TestTLSAcceptorRejectsUnloadedContext(t *testing.T) {
	_, err := MakeTLSAcceptorEndpoint(nil, &TLSContext{}, testLogger())
	if err == nil {
		t.Fatalf("expected error for a TLSContext that was never loaded")
	}
}
