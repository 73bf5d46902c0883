package wireerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := New(ConnectionReset, "peer hung up")
	wrapped := fmt.Errorf("dialing failed: %w", base)

	if got := KindOf(wrapped); got != ConnectionReset {
		t.Fatalf("KindOf(wrapped) = %v, want %v", got, ConnectionReset)
	}
}

func TestKindOfNonWireError(t *testing.T) {
	if got := KindOf(errors.New("plain error")); got != Unknown {
		t.Fatalf("KindOf(plain) = %v, want Unknown", got)
	}
	if got := KindOf(nil); got != Unknown {
		t.Fatalf("KindOf(nil) = %v, want Unknown", got)
	}
}

func TestIsMatchesOnKindAlone(t *testing.T) {
	err := Wrap(FiberRefused, errors.New("no listener"), "connect to port %d", 9)
	if !errors.Is(err, ErrFiberRefused) {
		t.Fatalf("expected errors.Is to match on Kind, got false")
	}
	if errors.Is(err, ErrDemuxFaulted) {
		t.Fatalf("expected errors.Is to reject a different Kind")
	}
}

func TestWrapHopCarriesIndexAndFormatsMessage(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapHop(2, cause, "dial %s", "10.0.0.1:443")

	if err.Kind != CircuitHopFailed {
		t.Fatalf("Kind = %v, want CircuitHopFailed", err.Kind)
	}
	if err.HopIndex != 2 {
		t.Fatalf("HopIndex = %d, want 2", err.HopIndex)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap chain to reach cause")
	}
	want := "circuit_hop_failed (hop 2): dial 10.0.0.1:443: connection refused"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestKindStringOutOfRange(t *testing.T) {
	if got := Kind(999).String(); got != "unknown" {
		t.Fatalf("String() = %q, want %q", got, "unknown")
	}
}
