package leap

import (
	"errors"
	"fmt"
)

// ErrConnectionClosed is returned to every pending and future awaiter once
// the connection has been closed, either by the caller or by the engine's
// own supervisor.
var ErrConnectionClosed = errors.New("leap: connection closed")

// TransportError wraps a failure in the underlying TLS stream (dial,
// read, write or handshake). A read error tears down the current session
// and is handled by the Bridge's reconnect supervisor; a write error is
// returned to the caller whose request could not be sent, and a dial or
// handshake error is returned by OpenConnection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("leap: transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError indicates a request awaiting a response on url did not
// receive one within the configured timeout.
type TimeoutError struct {
	URL string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("leap: timed out waiting for response to %q", e.URL)
}

// BridgeError is the structured form of a non-2xx StatusCode returned by the
// bridge for a specific request. It surfaces to the awaiting caller and does
// not tear down the connection.
type BridgeError struct {
	Code int
	URL  string
	Msg  string
}

func (e *BridgeError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("leap: bridge returned status %d for %q", e.Code, e.URL)
	}
	return fmt.Sprintf("leap: bridge returned status %d for %q: %s", e.Code, e.URL, e.Msg)
}

// UnknownEntityError is returned when a command targets a device, zone or
// button id that is absent from the live model.
type UnknownEntityError struct {
	Kind string
	ID   int
}

func (e *UnknownEntityError) Error() string {
	return fmt.Sprintf("leap: unknown %s id %d", e.Kind, e.ID)
}

// DecodeError wraps a bootstrap response body that failed to decode as
// JSON; it fails only that bootstrap step. Inbound lines that are not valid
// JSON are logged and dropped by the Connection without producing one.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("leap: failed to decode line: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PairingFailureKind classifies why a pairing attempt failed.
type PairingFailureKind string

const (
	PairingTimeout   PairingFailureKind = "timeout"
	PairingRejected  PairingFailureKind = "rejected"
	PairingTransport PairingFailureKind = "transport"
)

// PairingError is returned by Pair on failure. Pairing errors never persist
// any partial state; a failed Pair call leaves no credential files behind.
type PairingError struct {
	Kind PairingFailureKind
	Err  error
}

func (e *PairingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("leap: pairing failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("leap: pairing failed (%s)", e.Kind)
}

func (e *PairingError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &PairingError{Kind: PairingTimeout}) to match any
// PairingError of the same Kind regardless of the wrapped cause.
func (e *PairingError) Is(target error) bool {
	t, ok := target.(*PairingError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// IsPairingFailure reports whether err is a PairingError of the given kind.
func IsPairingFailure(err error, kind PairingFailureKind) bool {
	var perr *PairingError
	if errors.As(err, &perr) {
		return perr.Kind == kind
	}
	return false
}
