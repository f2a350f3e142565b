// Package errs contains sentinel and typed errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
)

// Common sentinels across repo/service/provider layers.
var (
	// ErrNotFound indicates the requested entity does not exist (or has expired).
	ErrNotFound = errors.New("not found")

	// ErrSessionExpired indicates the provider rejected the session material; the caller must refresh it.
	ErrSessionExpired = errors.New("session expired")

	// ErrTimeout indicates a provider call did not finish in time. Recoverable on the next cycle.
	ErrTimeout = errors.New("provider timeout")

	// ErrGuardInvalid indicates a wrong or already used guard code.
	ErrGuardInvalid = errors.New("guard code invalid")

	// ErrProtocol indicates an unexpected provider response shape.
	ErrProtocol = errors.New("protocol error")

	// ErrInvalidSecret indicates a secret that cannot be decoded. Never retried.
	ErrInvalidSecret = errors.New("invalid secret")

	// ErrRateLimited indicates a temporary lock after repeated failures.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyResolved indicates a cache entry that already left the pending state.
	ErrAlreadyResolved = errors.New("already resolved")

	// ErrAlreadyLinked indicates the user already linked this provider account.
	ErrAlreadyLinked = errors.New("account already linked")

	// ErrAmbiguous indicates a confirmation reference that matches more than one account.
	ErrAmbiguous = errors.New("ambiguous confirmation reference")

	// ErrInvalidCredentials indicates the provider rejected account name or password.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// GuardKind names the out-of-band guard channel the provider asks for.
type GuardKind string

const (
	GuardEmail GuardKind = "email"
	GuardTOTP  GuardKind = "totp"
)

// GuardRequiredError is returned when login needs a guard code that was not supplied.
type GuardRequiredError struct {
	Kind   GuardKind
	Domain string // email domain hint, empty for totp
}

func (e *GuardRequiredError) Error() string {
	if e.Domain != "" {
		return fmt.Sprintf("guard code required (%s, %s)", e.Kind, e.Domain)
	}
	return fmt.Sprintf("guard code required (%s)", e.Kind)
}

// EnrollmentRejectedError is a fatal enrollment failure reported by the provider.
// Hint is advisory only.
type EnrollmentRejectedError struct {
	Status int
	Hint   string
}

func (e *EnrollmentRejectedError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("enrollment rejected: status %d (%s)", e.Status, e.Hint)
	}
	return fmt.Sprintf("enrollment rejected: status %d", e.Status)
}

// ProtocolError describes an unexpected provider response. It matches ErrProtocol via errors.Is.
type ProtocolError struct {
	Op     string
	Detail string
}

func (e *ProtocolError) Error() string { return e.Op + ": " + e.Detail }

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// Protocolf builds a ProtocolError.
func Protocolf(op, format string, args ...any) error {
	return &ProtocolError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// EResultError carries a non-OK provider result code.
type EResultError struct {
	Op     string
	Result int
}

func (e *EResultError) Error() string { return fmt.Sprintf("%s: eresult %d", e.Op, e.Result) }

func (e *EResultError) Unwrap() error { return ErrProtocol }

// EResult extracts the provider result code from err, if any.
func EResult(err error) (int, bool) {
	var er *EResultError
	if errors.As(err, &er) {
		return er.Result, true
	}
	return 0, false
}
