package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestProtocolError_IsErrProtocol(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("list: %w", Protocolf("getlist", "unexpected status %d", 500))
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("want ErrProtocol in chain, got %v", err)
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) || pe.Op != "getlist" {
		t.Fatalf("want ProtocolError with op, got %#v", pe)
	}
}

func TestEResult_Extract(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("respond: %w", &EResultError{Op: "update", Result: 29})
	code, ok := EResult(err)
	if !ok || code != 29 {
		t.Fatalf("EResult: code=%d ok=%v", code, ok)
	}
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("eresult errors must match ErrProtocol")
	}
	if _, ok := EResult(errors.New("plain")); ok {
		t.Fatalf("plain error must not carry eresult")
	}
}

func TestGuardRequiredError_Message(t *testing.T) {
	t.Parallel()

	e := &GuardRequiredError{Kind: GuardEmail, Domain: "gmail.com"}
	if e.Error() != "guard code required (email, gmail.com)" {
		t.Fatalf("msg: %q", e.Error())
	}
	var target *GuardRequiredError
	if !errors.As(fmt.Errorf("start: %w", e), &target) || target.Kind != GuardEmail {
		t.Fatalf("errors.As failed")
	}
}
