package nicehash

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidCredentials is the single user-facing error for a failed
	// credential probe. The underlying status is logged, not returned.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrMissingCredentials marks credentials with an empty field. Probe
	// wraps it together with ErrInvalidCredentials.
	ErrMissingCredentials = errors.New("organization id, api key and api secret are required")
)

// TransportError is a non-2xx response from the API.
type TransportError struct {
	StatusCode int
	Reason     string
	Body       string
	Endpoint   string
}

func (e *TransportError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("nicehash API error (HTTP %d %s) at %s: %s", e.StatusCode, e.Reason, e.Endpoint, e.Body)
	}
	return fmt.Sprintf("nicehash API error (HTTP %d %s) at %s", e.StatusCode, e.Reason, e.Endpoint)
}

// IsUnauthorized returns true for 401 responses.
func (e *TransportError) IsUnauthorized() bool {
	return e.StatusCode == 401
}

// IsForbidden returns true for 403 responses.
func (e *TransportError) IsForbidden() bool {
	return e.StatusCode == 403
}

// NetworkError is a connection-level failure (dial, TLS, timeout, reset).
// The coordinator retries it on its next scheduled tick; it is never retried inline.
type NetworkError struct {
	Op       string
	Endpoint string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("nicehash %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// DecodeError is a 2xx response whose body could not be decoded.
type DecodeError struct {
	Endpoint string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("nicehash decode %s: %v", e.Endpoint, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DomainErrorKind classifies application-level failures.
type DomainErrorKind string

const (
	// KindRejected is a success=false answer to a mutation.
	KindRejected DomainErrorKind = "rejected"
	// KindUnsupportedPowerMode is a power mode the device does not offer.
	KindUnsupportedPowerMode DomainErrorKind = "unsupported_power_mode"
	// KindAmbiguousOperation is a descriptor that lists a mode without a usable operation id.
	KindAmbiguousOperation DomainErrorKind = "ambiguous_operation"
	// KindUnknownTarget is a rig or device that is not in the current snapshot.
	KindUnknownTarget DomainErrorKind = "unknown_target"
)

// DomainError is an application-level failure surfaced to the caller of a
// mutating operation.
type DomainError struct {
	Kind      DomainErrorKind
	Message   string
	Supported []string
}

func (e *DomainError) Error() string {
	if len(e.Supported) > 0 {
		return fmt.Sprintf("%s: %s (supported: %s)", e.Kind, e.Message, strings.Join(e.Supported, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches another *DomainError with the same Kind, so callers can write
// errors.Is(err, &DomainError{Kind: KindUnsupportedPowerMode}).
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// IsAuthError returns true if err is a 401 or 403 from the API.
func IsAuthError(err error) bool {
	var tErr *TransportError
	if errors.As(err, &tErr) {
		return tErr.IsUnauthorized() || tErr.IsForbidden()
	}
	return false
}

// IsNetworkError returns true if err is a connection-level failure.
func IsNetworkError(err error) bool {
	var nErr *NetworkError
	return errors.As(err, &nErr)
}

// IsDomainError returns true if err is a *DomainError of the given kind.
// An empty kind matches any DomainError.
func IsDomainError(err error, kind DomainErrorKind) bool {
	var dErr *DomainError
	if !errors.As(err, &dErr) {
		return false
	}
	return kind == "" || dErr.Kind == kind
}

// StatusCode extracts the HTTP status from a TransportError, or 0.
func StatusCode(err error) int {
	var tErr *TransportError
	if errors.As(err, &tErr) {
		return tErr.StatusCode
	}
	return 0
}
